package model

import "time"

// UnitResult is what a task handler reports back for one unit of work.
type UnitResult struct {
	Item    string   `json:"item"`
	Task    TaskType `json:"task"`
	Outcome Outcome  `json:"outcome"`
	Action  string   `json:"action,omitempty"`
	Code    string   `json:"code,omitempty"`
	Message string   `json:"message,omitempty"`
	// Counted is false for units that did not consume dispatch budget.
	Counted bool `json:"-"`
}

func Processed(item string, task TaskType, action string) UnitResult {
	return UnitResult{Item: item, Task: task, Outcome: OutcomeProcessed, Action: action, Counted: true}
}

func Skipped(item string, task TaskType, code, message string) UnitResult {
	return UnitResult{Item: item, Task: task, Outcome: OutcomeSkipped, Code: code, Message: message}
}

func Errored(item string, task TaskType, code, message string) UnitResult {
	return UnitResult{Item: item, Task: task, Outcome: OutcomeErrored, Code: code, Message: message, Counted: true}
}

// Counts aggregates unit outcomes.
type Counts struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Errored   int `json:"errored"`
}

func (c *Counts) Add(o Outcome) {
	switch o {
	case OutcomeProcessed:
		c.Processed++
	case OutcomeSkipped:
		c.Skipped++
	case OutcomeErrored:
		c.Errored++
	}
}

// RunSummary is returned by every orchestrator run.
type RunSummary struct {
	RunID      string               `json:"runId"`
	StartedAt  time.Time            `json:"startedAt"`
	FinishedAt time.Time            `json:"finishedAt"`
	MaxUnits   int                  `json:"maxUnits"`
	Dispatched int                  `json:"dispatched"`
	Capped     bool                 `json:"capped"`
	Cleaned    int                  `json:"cleaned"`
	Totals     Counts               `json:"totals"`
	ByItem     map[string]*Counts   `json:"byItem"`
	ByTask     map[TaskType]*Counts `json:"byTask"`
	Results    []UnitResult         `json:"results"`
	Error      string               `json:"error,omitempty"`
}

func NewRunSummary(runID string, maxUnits int, now time.Time) *RunSummary {
	return &RunSummary{
		RunID:     runID,
		StartedAt: now,
		MaxUnits:  maxUnits,
		ByItem:    make(map[string]*Counts),
		ByTask:    make(map[TaskType]*Counts),
		Results:   []UnitResult{},
	}
}

// Record adds a unit result to every aggregate.
func (s *RunSummary) Record(r UnitResult) {
	s.Results = append(s.Results, r)
	s.Totals.Add(r.Outcome)
	if s.ByItem[r.Item] == nil {
		s.ByItem[r.Item] = &Counts{}
	}
	s.ByItem[r.Item].Add(r.Outcome)
	if s.ByTask[r.Task] == nil {
		s.ByTask[r.Task] = &Counts{}
	}
	s.ByTask[r.Task].Add(r.Outcome)
	if r.Counted {
		s.Dispatched++
	}
}

// Preview reports the work a run would dispatch without dispatching it.
type Preview struct {
	Items         int              `json:"items"`
	MaxUnits      int              `json:"maxUnits"`
	Due           int              `json:"due"`
	WouldDispatch int              `json:"wouldDispatch"`
	Gated         int              `json:"gated"`
	Busy          int              `json:"busy"`
	ByTask        map[TaskType]int `json:"byTask"`
	Orphans       int              `json:"orphans"`
}
