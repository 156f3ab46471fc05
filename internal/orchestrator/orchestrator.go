// Package orchestrator scans items and dispatches due work in fixed phase
// order under a per-run cap.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/artstudio/pipeline/internal/model"
	"github.com/artstudio/pipeline/internal/service"
	"github.com/artstudio/pipeline/internal/store"
	"github.com/artstudio/pipeline/internal/taskstate"
)

const DefaultMaxUnits = 10

// TaskHandler processes one due task sub-record.
type TaskHandler interface {
	Task() model.TaskType
	Handle(ctx context.Context, u *service.Unit) model.UnitResult
}

// VariantPhase plans and performs the variant work of an item.
type VariantPhase interface {
	Plan(item string, rec model.Record, now time.Time) (service.VariantPlan, error)
	Cleanup(ctx context.Context, item string, orphans []service.Orphan) []model.UnitResult
	StartRegeneration(ctx context.Context, item string, rec model.Record) (model.Record, error)
	FinishRegeneration(ctx context.Context, item string) model.UnitResult
	Handle(ctx context.Context, item string, rec model.Record, c service.VariantCandidate, owner string) model.UnitResult
}

// Recorder persists run summaries.
type Recorder interface {
	Save(ctx context.Context, summary *model.RunSummary) error
}

type Config struct {
	MaxUnits   int
	RunTimeout time.Duration
}

// Orchestrator runs the phases over every item.
type Orchestrator struct {
	store    store.Store
	machine  *taskstate.Machine
	tasks    []TaskHandler
	variants VariantPhase
	history  Recorder
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// New builds an orchestrator. tasks run in the given order before the
// variant phase; variants and history may be nil.
func New(st store.Store, machine *taskstate.Machine, tasks []TaskHandler, variants VariantPhase, history Recorder, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.MaxUnits <= 0 {
		cfg.MaxUnits = DefaultMaxUnits
	}
	return &Orchestrator{
		store:    st,
		machine:  machine,
		tasks:    tasks,
		variants: variants,
		history:  history,
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
		now:      time.Now,
	}
}

// RunOptions override defaults for a single run.
type RunOptions struct {
	RunID    string
	MaxUnits int
}

// Run dispatches due work until every item has been visited or the cap is
// reached. Per-item failures are part of the summary; the error is only set
// when the item list cannot be read.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*model.RunSummary, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	if opts.MaxUnits <= 0 {
		opts.MaxUnits = o.cfg.MaxUnits
	}
	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
	}

	r := &run{
		o:       o,
		summary: model.NewRunSummary(opts.RunID, opts.MaxUnits, o.now()),
		log:     o.logger.With(zap.String("run", opts.RunID)),
	}
	err := r.execute(ctx)
	r.summary.FinishedAt = o.now()
	if err != nil {
		r.summary.Error = err.Error()
	}

	r.log.Info("run finished",
		zap.Int("dispatched", r.summary.Dispatched),
		zap.Bool("capped", r.summary.Capped),
		zap.Int("processed", r.summary.Totals.Processed),
		zap.Int("skipped", r.summary.Totals.Skipped),
		zap.Int("errored", r.summary.Totals.Errored),
		zap.Int("cleaned", r.summary.Cleaned))

	if o.history != nil {
		if herr := o.history.Save(context.WithoutCancel(ctx), r.summary); herr != nil {
			r.log.Warn("failed to save run summary", zap.Error(herr))
		}
	}
	return r.summary, err
}

type run struct {
	o       *Orchestrator
	summary *model.RunSummary
	log     *zap.Logger
}

func (r *run) budgetLeft() bool {
	if r.summary.Dispatched >= r.summary.MaxUnits {
		r.summary.Capped = true
		return false
	}
	return true
}

func (r *run) execute(ctx context.Context) error {
	items, err := r.o.store.List(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run interrupted: %w", err)
		}
		if !r.budgetLeft() {
			r.log.Info("unit cap reached", zap.String("next_item", item))
			return nil
		}
		r.item(ctx, item)
	}
	return nil
}

func (r *run) item(ctx context.Context, item string) {
	for _, h := range r.o.tasks {
		// Re-read before every phase; earlier phases may have written.
		rec, err := r.o.store.Read(ctx, item)
		if err != nil {
			r.record(uncounted(model.Errored(item, h.Task(), model.CodeIOError, err.Error())))
			return
		}
		tr, err := rec.Task(h.Task())
		if err != nil {
			r.record(uncounted(model.Errored(item, h.Task(), model.CodeIOError, err.Error())))
			continue
		}
		action := r.o.machine.Decide(tr, r.o.now())
		switch {
		case action == taskstate.ActionWait:
			r.record(model.Skipped(item, h.Task(), model.CodeBusy, "in progress in another run"))
		case action.Due():
			if !r.budgetLeft() {
				return
			}
			u, err := service.NewUnit(item, h.Task(), string(h.Task()), rec, action, r.summary.RunID)
			if err != nil {
				r.record(uncounted(model.Errored(item, h.Task(), model.CodeIOError, err.Error())))
				continue
			}
			r.record(h.Handle(ctx, u))
		}
	}

	if r.o.variants != nil {
		r.variantPhase(ctx, item)
	}
}

func (r *run) variantPhase(ctx context.Context, item string) {
	rec, err := r.o.store.Read(ctx, item)
	if err != nil {
		r.record(uncounted(model.Errored(item, model.TaskVariantGeneration, model.CodeIOError, err.Error())))
		return
	}
	plan, err := r.o.variants.Plan(item, rec, r.o.now())
	if err != nil {
		r.record(uncounted(model.Errored(item, model.TaskVariantGeneration, model.CodeIOError, err.Error())))
		return
	}
	if !hasVariantWork(plan) {
		return
	}
	if blocker, gated := r.gated(rec); gated {
		r.record(model.Skipped(item, model.TaskVariantGeneration, model.CodeGated, string(blocker)+" still pending"))
		return
	}

	if len(plan.Orphans) > 0 {
		for _, res := range r.o.variants.Cleanup(ctx, item, plan.Orphans) {
			if res.Outcome == model.OutcomeProcessed {
				r.summary.Cleaned++
			}
			r.record(res)
		}
	}

	for _, name := range plan.Busy {
		r.record(model.Skipped(item, model.TaskVariantGeneration, model.CodeBusy, name+" in progress in another run"))
	}

	if plan.FinishRegeneration {
		r.record(r.o.variants.FinishRegeneration(ctx, item))
	}

	if plan.Candidate == nil || !r.budgetLeft() {
		return
	}

	// Cleanup may have written; dispatch against a fresh record.
	rec, err = r.o.store.Read(ctx, item)
	if err != nil {
		r.record(uncounted(model.Errored(item, plan.Candidate.Task, model.CodeIOError, err.Error())))
		return
	}
	cand := plan.Candidate
	if plan.StartRegeneration {
		rec, err = r.o.variants.StartRegeneration(ctx, item, rec)
		if err != nil {
			r.record(model.Errored(item, model.TaskVariantRegeneration, model.CodeIOError, err.Error()))
			return
		}
		replan, err := r.o.variants.Plan(item, rec, r.o.now())
		if err != nil {
			r.record(uncounted(model.Errored(item, model.TaskVariantRegeneration, model.CodeIOError, err.Error())))
			return
		}
		cand = replan.Candidate
		if cand == nil {
			return
		}
	}
	r.record(r.o.variants.Handle(ctx, item, rec, *cand, r.summary.RunID))
}

// gated reports the first earlier task that still owes work.
func (r *run) gated(rec model.Record) (model.TaskType, bool) {
	for _, h := range r.o.tasks {
		tr, err := rec.Task(h.Task())
		if err != nil || tr.Status.Pending() {
			return h.Task(), true
		}
	}
	return "", false
}

func (r *run) record(res model.UnitResult) {
	r.summary.Record(res)
	fields := []zap.Field{
		zap.String("item", res.Item),
		zap.String("task", string(res.Task)),
		zap.String("outcome", string(res.Outcome)),
	}
	if res.Action != "" {
		fields = append(fields, zap.String("action", res.Action))
	}
	if res.Code != "" {
		fields = append(fields, zap.String("code", res.Code), zap.String("message", res.Message))
	}
	if res.Outcome == model.OutcomeErrored {
		r.log.Warn("unit errored", fields...)
		return
	}
	r.log.Debug("unit done", fields...)
}

func hasVariantWork(p service.VariantPlan) bool {
	return p.Candidate != nil || len(p.Orphans) > 0 || p.FinishRegeneration
}

func uncounted(res model.UnitResult) model.UnitResult {
	res.Counted = false
	return res
}
