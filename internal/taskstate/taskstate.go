// Package taskstate holds the per-task lifecycle: which transitions are legal,
// when an in-progress task counts as abandoned, and the record patches that
// move a task from one status to the next.
//
// Patches are keyed by dotted path below a prefix ("corner_detection" or
// "variants.<name>") so the same machine drives task and variant records.
package taskstate

import (
	"errors"
	"fmt"
	"time"

	"github.com/artstudio/pipeline/internal/model"
)

const (
	DefaultStaleAfter  = 10 * time.Minute
	DefaultMaxAttempts = 5
)

var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[model.TaskStatus][]model.TaskStatus{
	model.StatusAbsent:     {model.StatusWanted},
	model.StatusWanted:     {model.StatusInProgress},
	model.StatusInProgress: {model.StatusCompleted, model.StatusError, model.StatusWanted},
	model.StatusCompleted:  {model.StatusWanted},
	model.StatusError:      {model.StatusWanted},
}

// CanTransition reports whether from -> to is part of the lifecycle.
func CanTransition(from, to model.TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsStale reports whether an in-progress task has outlived threshold. An
// in-progress task without a start time cannot be aged and is considered
// abandoned.
func IsStale(status model.TaskStatus, startedAt *time.Time, now time.Time, threshold time.Duration) bool {
	if status != model.StatusInProgress {
		return false
	}
	if startedAt == nil {
		return true
	}
	return now.Sub(*startedAt) > threshold
}

// Action is what a run should do with a task right now.
type Action string

const (
	ActionNone    Action = "none"
	ActionSubmit  Action = "submit"
	ActionPoll    Action = "poll"
	ActionRequeue Action = "requeue"
	ActionWait    Action = "wait"
)

// Due reports whether the action dispatches a unit of work.
func (a Action) Due() bool {
	return a == ActionSubmit || a == ActionPoll || a == ActionRequeue
}

// Lease is the soft lock an execution holds while a task is in progress.
type Lease struct {
	Owner     string
	ExpiresAt time.Time
}

func LeaseOf(rec model.TaskRecord) (Lease, bool) {
	if rec.LeaseOwner == "" || rec.LeaseExpiresAt == nil {
		return Lease{}, false
	}
	return Lease{Owner: rec.LeaseOwner, ExpiresAt: *rec.LeaseExpiresAt}, true
}

// Expired reports whether now is past the lease deadline.
func (l Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

func (l Lease) String() string {
	return fmt.Sprintf("%s until %s", l.Owner, model.FormatTime(l.ExpiresAt))
}

// Machine applies the lifecycle with a fixed staleness threshold and retry
// budget. MaxAttempts of zero disables the budget.
type Machine struct {
	StaleAfter  time.Duration
	MaxAttempts int
}

func New(staleAfter time.Duration, maxAttempts int) *Machine {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return &Machine{StaleAfter: staleAfter, MaxAttempts: maxAttempts}
}

// Stale reports whether an in-progress task was abandoned. A recorded lease
// is the deadline; records without one are aged from started_at.
func (m *Machine) Stale(rec model.TaskRecord, now time.Time) bool {
	if rec.Status != model.StatusInProgress {
		return false
	}
	if lease, ok := LeaseOf(rec); ok {
		return lease.Expired(now)
	}
	return IsStale(rec.Status, rec.StartedAt, now, m.StaleAfter)
}

// Decide maps a task record to the action due at now.
func (m *Machine) Decide(rec model.TaskRecord, now time.Time) Action {
	switch rec.Status {
	case model.StatusWanted:
		return ActionSubmit
	case model.StatusInProgress:
		if m.Stale(rec, now) {
			return ActionRequeue
		}
		if rec.PredictionURL != "" {
			return ActionPoll
		}
		return ActionWait
	}
	return ActionNone
}

// Exhausted reports whether the retry budget is used up.
func (m *Machine) Exhausted(rec model.TaskRecord) bool {
	return m.MaxAttempts > 0 && rec.Attempts >= m.MaxAttempts
}

// Enqueue requests the task. Pending tasks are left alone (nil patch); a
// failed task needs Reset.
func (m *Machine) Enqueue(prefix string, rec model.TaskRecord) (map[string]any, error) {
	switch rec.Status {
	case model.StatusWanted, model.StatusInProgress:
		return nil, nil
	case model.StatusError:
		return nil, fmt.Errorf("%w: %s task needs a reset", ErrInvalidTransition, rec.Status)
	}
	return m.wanted(prefix, ""), nil
}

// Reset forces any task back to wanted and clears its retry budget.
func (m *Machine) Reset(prefix string, rec model.TaskRecord) (map[string]any, error) {
	if rec.Status == model.StatusWanted {
		return nil, nil
	}
	return m.wanted(prefix, ""), nil
}

// Start marks the task dispatched by owner.
func (m *Machine) Start(prefix string, rec model.TaskRecord, owner string, now time.Time) (map[string]any, error) {
	if !CanTransition(rec.Status, model.StatusInProgress) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, model.StatusInProgress)
	}
	return prefixed(prefix, map[string]any{
		model.FieldStatus:           string(model.StatusInProgress),
		model.FieldStartedAt:        model.FormatTime(now),
		model.FieldAttempts:         rec.Attempts + 1,
		model.FieldLeaseOwner:       owner,
		model.FieldLeaseExpiresAt:   model.FormatTime(now.Add(m.StaleAfter)),
		model.FieldPredictionURL:    nil,
		model.FieldPredictionID:     nil,
		model.FieldPredictionStatus: nil,
		model.FieldError:            nil,
	}), nil
}

// Submitted stores the handle of the external job.
func (m *Machine) Submitted(prefix, id, url string, status model.PredictionStatus) map[string]any {
	return prefixed(prefix, map[string]any{
		model.FieldPredictionID:     id,
		model.FieldPredictionURL:    url,
		model.FieldPredictionStatus: string(status),
	})
}

// Observe records a non-terminal status seen while polling.
func (m *Machine) Observe(prefix string, status model.PredictionStatus) map[string]any {
	return prefixed(prefix, map[string]any{
		model.FieldPredictionStatus: string(status),
	})
}

// Complete marks terminal success. started_at is kept as history.
func (m *Machine) Complete(prefix string, now time.Time) map[string]any {
	return prefixed(prefix, map[string]any{
		model.FieldStatus:           string(model.StatusCompleted),
		model.FieldCompletedAt:      model.FormatTime(now),
		model.FieldPredictionStatus: string(model.PredictionSucceeded),
		model.FieldLeaseOwner:       nil,
		model.FieldLeaseExpiresAt:   nil,
		model.FieldError:            nil,
	})
}

// Fail marks terminal failure; only Reset leaves this state.
func (m *Machine) Fail(prefix string, status model.PredictionStatus, reason string) map[string]any {
	fields := map[string]any{
		model.FieldStatus:         string(model.StatusError),
		model.FieldError:          reason,
		model.FieldLeaseOwner:     nil,
		model.FieldLeaseExpiresAt: nil,
	}
	if status != "" {
		fields[model.FieldPredictionStatus] = string(status)
	}
	return prefixed(prefix, fields)
}

// Retry sends an in-progress task back to wanted after malformed output or
// staleness. Once the retry budget is spent the task fails instead and
// exhausted is true.
func (m *Machine) Retry(prefix string, rec model.TaskRecord, reason string) (patch map[string]any, exhausted bool) {
	if m.Exhausted(rec) {
		msg := fmt.Sprintf("gave up after %d attempts: %s", rec.Attempts, reason)
		return m.Fail(prefix, "", msg), true
	}
	patch = m.wanted(prefix, reason)
	delete(patch, model.TaskPath(prefix, model.FieldAttempts))
	return patch, false
}

func (m *Machine) wanted(prefix, reason string) map[string]any {
	fields := map[string]any{
		model.FieldStatus:           string(model.StatusWanted),
		model.FieldStartedAt:        nil,
		model.FieldPredictionURL:    nil,
		model.FieldPredictionID:     nil,
		model.FieldPredictionStatus: nil,
		model.FieldLeaseOwner:       nil,
		model.FieldLeaseExpiresAt:   nil,
		model.FieldAttempts:         0,
		model.FieldError:            nil,
	}
	if reason != "" {
		fields[model.FieldError] = reason
	}
	return prefixed(prefix, fields)
}

func prefixed(prefix string, fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[model.TaskPath(prefix, k)] = v
	}
	return out
}
