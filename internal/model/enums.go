package model

// Task types
type TaskType string

const (
	TaskCornerDetection     TaskType = "corner_detection"
	TaskFormFill            TaskType = "form_fill"
	TaskVariantGeneration   TaskType = "variant_generation"
	TaskVariantRegeneration TaskType = "variant_regeneration"
)

// Phases run in this order on every item.
var PhaseOrder = []TaskType{
	TaskCornerDetection,
	TaskFormFill,
	TaskVariantGeneration,
}

var taskTypes = []TaskType{
	TaskCornerDetection,
	TaskFormFill,
	TaskVariantGeneration,
	TaskVariantRegeneration,
}

// ParseTaskType maps an operator-supplied name to a task type.
func ParseTaskType(s string) (TaskType, bool) {
	for _, t := range taskTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Task status
type TaskStatus string

const (
	// StatusAbsent is never persisted; it stands for a missing sub-record.
	StatusAbsent     TaskStatus = "absent"
	StatusWanted     TaskStatus = "wanted"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusError      TaskStatus = "error"
)

// Pending reports whether work is still owed for the task.
func (s TaskStatus) Pending() bool {
	return s == StatusWanted || s == StatusInProgress
}

// Prediction status as reported by the external job API
type PredictionStatus string

const (
	PredictionStarting   PredictionStatus = "starting"
	PredictionProcessing PredictionStatus = "processing"
	PredictionSucceeded  PredictionStatus = "succeeded"
	PredictionFailed     PredictionStatus = "failed"
	PredictionCanceled   PredictionStatus = "canceled"
)

// Terminal reports whether the external job has finished. Unknown values are
// treated as still running.
func (s PredictionStatus) Terminal() bool {
	switch s {
	case PredictionSucceeded, PredictionFailed, PredictionCanceled:
		return true
	}
	return false
}

// Unit outcomes
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeErrored   Outcome = "errored"
)

// Error codes attached to unit results
const (
	CodeIOError          = "IO_ERROR"
	CodeSourceMissing    = "SOURCE_MISSING"
	CodeSourceUnreadable = "SOURCE_UNREADABLE"
	CodePredictionFail   = "PREDICTION_FAILED"
	CodeMalformedOutput  = "MALFORMED_OUTPUT"
	CodeTransient        = "TRANSIENT"
	CodeMaxAttempts      = "MAX_ATTEMPTS"
	CodeNotConfigured    = "NOT_CONFIGURED"
	CodeGated            = "GATED"
	CodeBusy             = "BUSY"
)
