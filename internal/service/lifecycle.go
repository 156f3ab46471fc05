package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/artstudio/pipeline/internal/client"
	"github.com/artstudio/pipeline/internal/model"
	"github.com/artstudio/pipeline/internal/store"
	"github.com/artstudio/pipeline/internal/taskstate"
)

// ErrMalformedOutput marks a succeeded prediction whose output could not be
// used. The task is retried.
var ErrMalformedOutput = errors.New("malformed model output")

// Unit is one dispatchable piece of work: a task or variant sub-record of an
// item, as read at the start of the phase.
type Unit struct {
	Item    string
	Task    model.TaskType
	Prefix  string
	State   model.TaskRecord
	Record  model.Record
	Action  taskstate.Action
	Owner   string
	Version int64
}

// NewUnit decodes the sub-record at prefix and stamps the record version the
// unit's first write is checked against.
func NewUnit(item string, task model.TaskType, prefix string, rec model.Record, action taskstate.Action, owner string) (*Unit, error) {
	u := &Unit{Item: item, Task: task, Prefix: prefix, Action: action, Owner: owner}
	if err := u.refresh(rec); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *Unit) refresh(rec model.Record) error {
	state, err := rec.TaskAt(u.Prefix)
	if err != nil {
		return err
	}
	u.Record = rec
	u.State = state
	u.Version = rec.Version()
	return nil
}

// Job supplies the task-specific parts of a prediction round trip.
type Job struct {
	// Request builds the submit payload.
	Request func(ctx context.Context, u *Unit) (*client.PredictionRequest, error)
	// Finish turns a succeeded prediction into the fields stored alongside
	// completion. Returning ErrMalformedOutput sends the task back to wanted.
	Finish func(ctx context.Context, u *Unit, pred *client.Prediction) (map[string]any, error)
}

// Lifecycle drives a unit through submit, poll and settle using the state
// machine, writing every transition through the store.
type Lifecycle struct {
	store     store.Store
	predictor client.Predictor
	machine   *taskstate.Machine
	logger    *zap.Logger
	now       func() time.Time
}

func NewLifecycle(st store.Store, predictor client.Predictor, machine *taskstate.Machine, logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		store:     st,
		predictor: predictor,
		machine:   machine,
		logger:    logger.Named("lifecycle"),
		now:       time.Now,
	}
}

func (l *Lifecycle) Machine() *taskstate.Machine {
	return l.machine
}

// Dispatch performs the unit's action. It never returns an error; failures
// are reported in the result.
func (l *Lifecycle) Dispatch(ctx context.Context, u *Unit, job Job) model.UnitResult {
	switch u.Action {
	case taskstate.ActionRequeue:
		return l.requeue(ctx, u, job)
	case taskstate.ActionSubmit:
		return l.submit(ctx, u, job, "submitted")
	case taskstate.ActionPoll:
		return l.poll(ctx, u, job)
	case taskstate.ActionWait:
		return model.Skipped(u.Item, u.Task, model.CodeBusy, "in progress in another run")
	}
	return model.Skipped(u.Item, u.Task, "", "nothing due")
}

func (l *Lifecycle) requeue(ctx context.Context, u *Unit, job Job) model.UnitResult {
	reason := fmt.Sprintf("no result after %s", l.machine.StaleAfter)
	patch, exhausted := l.machine.Retry(u.Prefix, u.State, reason)
	rec, err := l.store.ApplyPatch(ctx, u.Item, patch, store.PatchOptions{IfVersion: &u.Version})
	if err != nil {
		return l.storeFailure(u, err)
	}
	l.logger.Info("requeued stale task",
		zap.String("item", u.Item), zap.String("task", u.Prefix), zap.Bool("exhausted", exhausted))
	if exhausted {
		return model.Errored(u.Item, u.Task, model.CodeMaxAttempts, reason)
	}
	if err := u.refresh(rec); err != nil {
		return model.Errored(u.Item, u.Task, model.CodeIOError, err.Error())
	}
	return l.submit(ctx, u, job, "resubmitted")
}

func (l *Lifecycle) submit(ctx context.Context, u *Unit, job Job, action string) model.UnitResult {
	if !l.predictor.IsConfigured() {
		return model.Skipped(u.Item, u.Task, model.CodeNotConfigured, client.ErrNotConfigured.Error())
	}

	req, err := job.Request(ctx, u)
	if err != nil {
		if code, ok := sourceFailure(err); ok {
			if _, perr := l.store.ApplyPatch(ctx, u.Item, l.machine.Fail(u.Prefix, "", err.Error()), store.PatchOptions{}); perr != nil {
				l.logger.Error("failed to record source failure", zap.String("item", u.Item), zap.Error(perr))
			}
			return model.Errored(u.Item, u.Task, code, err.Error())
		}
		return model.Errored(u.Item, u.Task, model.CodeIOError, err.Error())
	}

	// A variant whose artifact vanished is regenerated straight from
	// absent or completed.
	if u.State.Status == model.StatusAbsent || u.State.Status == model.StatusCompleted {
		u.State.Status = model.StatusWanted
	}
	start, err := l.machine.Start(u.Prefix, u.State, u.Owner, l.now())
	if err != nil {
		return model.Skipped(u.Item, u.Task, model.CodeBusy, err.Error())
	}
	rec, err := l.store.ApplyPatch(ctx, u.Item, start, store.PatchOptions{IfVersion: &u.Version})
	if err != nil {
		return l.storeFailure(u, err)
	}
	if err := u.refresh(rec); err != nil {
		return model.Errored(u.Item, u.Task, model.CodeIOError, err.Error())
	}

	pred, err := l.predictor.Submit(ctx, req)
	if err != nil {
		patch, exhausted := l.machine.Retry(u.Prefix, u.State, "submit failed: "+err.Error())
		if merr := l.store.Merge(ctx, u.Item, patch); merr != nil {
			l.logger.Error("failed to release task after submit error", zap.String("item", u.Item), zap.Error(merr))
		}
		code := model.CodeTransient
		if exhausted {
			code = model.CodeMaxAttempts
		}
		return model.Errored(u.Item, u.Task, code, err.Error())
	}

	if err := l.store.Merge(ctx, u.Item, l.machine.Submitted(u.Prefix, pred.ID, pred.URLs.Get, pred.Status)); err != nil {
		return model.Errored(u.Item, u.Task, model.CodeIOError, err.Error())
	}
	u.State.PredictionID = pred.ID
	u.State.PredictionURL = pred.URLs.Get
	l.logger.Info("prediction submitted",
		zap.String("item", u.Item), zap.String("task", u.Prefix), zap.String("prediction", pred.ID))

	if pred.Status.Terminal() {
		return l.settle(ctx, u, job, pred)
	}
	return model.Processed(u.Item, u.Task, action)
}

func (l *Lifecycle) poll(ctx context.Context, u *Unit, job Job) model.UnitResult {
	if !l.predictor.IsConfigured() {
		return model.Skipped(u.Item, u.Task, model.CodeNotConfigured, client.ErrNotConfigured.Error())
	}
	pred, err := l.predictor.Poll(ctx, u.State.PredictionURL)
	if err != nil {
		l.logger.Warn("poll failed", zap.String("item", u.Item), zap.String("task", u.Prefix), zap.Error(err))
		return model.Errored(u.Item, u.Task, model.CodeTransient, err.Error())
	}
	return l.settle(ctx, u, job, pred)
}

// settle records what a poll observed.
func (l *Lifecycle) settle(ctx context.Context, u *Unit, job Job, pred *client.Prediction) model.UnitResult {
	switch pred.Status {
	case model.PredictionSucceeded:
		fields, err := job.Finish(ctx, u, pred)
		if errors.Is(err, ErrMalformedOutput) {
			patch, exhausted := l.machine.Retry(u.Prefix, u.State, err.Error())
			if merr := l.store.Merge(ctx, u.Item, patch); merr != nil {
				return model.Errored(u.Item, u.Task, model.CodeIOError, merr.Error())
			}
			l.logger.Warn("unusable model output",
				zap.String("item", u.Item), zap.String("task", u.Prefix), zap.Bool("exhausted", exhausted), zap.Error(err))
			code := model.CodeMalformedOutput
			if exhausted {
				code = model.CodeMaxAttempts
			}
			return model.Errored(u.Item, u.Task, code, err.Error())
		}
		if code, ok := sourceFailure(err); ok {
			if merr := l.store.Merge(ctx, u.Item, l.machine.Fail(u.Prefix, pred.Status, err.Error())); merr != nil {
				return model.Errored(u.Item, u.Task, model.CodeIOError, merr.Error())
			}
			l.logger.Warn("source image lost before settling",
				zap.String("item", u.Item), zap.String("task", u.Prefix), zap.Error(err))
			return model.Errored(u.Item, u.Task, code, err.Error())
		}
		if err != nil {
			return model.Errored(u.Item, u.Task, model.CodeIOError, err.Error())
		}
		patch := l.machine.Complete(u.Prefix, l.now())
		for k, v := range fields {
			patch[k] = v
		}
		if err := l.store.Merge(ctx, u.Item, patch); err != nil {
			return model.Errored(u.Item, u.Task, model.CodeIOError, err.Error())
		}
		l.logger.Info("task completed", zap.String("item", u.Item), zap.String("task", u.Prefix))
		return model.Processed(u.Item, u.Task, "completed")

	case model.PredictionFailed, model.PredictionCanceled:
		detail := pred.ErrorText()
		if detail == "" {
			detail = "prediction " + string(pred.Status)
		}
		if err := l.store.Merge(ctx, u.Item, l.machine.Fail(u.Prefix, pred.Status, detail)); err != nil {
			return model.Errored(u.Item, u.Task, model.CodeIOError, err.Error())
		}
		return model.Errored(u.Item, u.Task, model.CodePredictionFail, detail)
	}

	if err := l.store.Merge(ctx, u.Item, l.machine.Observe(u.Prefix, pred.Status)); err != nil {
		return model.Errored(u.Item, u.Task, model.CodeIOError, err.Error())
	}
	return model.Processed(u.Item, u.Task, "polled")
}

func (l *Lifecycle) storeFailure(u *Unit, err error) model.UnitResult {
	if errors.Is(err, store.ErrVersionConflict) {
		return model.Skipped(u.Item, u.Task, model.CodeBusy, "record changed by another run")
	}
	return model.Errored(u.Item, u.Task, model.CodeIOError, err.Error())
}

// sourceFailure reports whether err means the item's source image cannot be
// used. Such tasks fail instead of retrying.
func sourceFailure(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrSourceImageMissing):
		return model.CodeSourceMissing, true
	case errors.Is(err, ErrSourceImageUnreadable):
		return model.CodeSourceUnreadable, true
	}
	return "", false
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedOutput, fmt.Sprintf(format, args...))
}
