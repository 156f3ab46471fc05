package orchestrator

import (
	"context"

	"github.com/artstudio/pipeline/internal/model"
	"github.com/artstudio/pipeline/internal/taskstate"
)

// Preview scans like Run but dispatches nothing and writes nothing.
func (o *Orchestrator) Preview(ctx context.Context, maxUnits int) (*model.Preview, error) {
	if maxUnits <= 0 {
		maxUnits = o.cfg.MaxUnits
	}
	items, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}

	p := &model.Preview{
		Items:    len(items),
		MaxUnits: maxUnits,
		ByTask:   make(map[model.TaskType]int),
	}
	now := o.now()
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := o.store.Read(ctx, item)
		if err != nil {
			return nil, err
		}

		gatedBy := false
		for _, h := range o.tasks {
			tr, err := rec.Task(h.Task())
			if err != nil {
				continue
			}
			if tr.Status.Pending() {
				gatedBy = true
			}
			switch action := o.machine.Decide(tr, now); {
			case action == taskstate.ActionWait:
				p.Busy++
			case action.Due():
				p.Due++
				p.ByTask[h.Task()]++
			}
		}

		if o.variants == nil {
			continue
		}
		plan, err := o.variants.Plan(item, rec, now)
		if err != nil {
			continue
		}
		if gatedBy {
			if hasVariantWork(plan) {
				p.Gated++
			}
			continue
		}
		p.Orphans += len(plan.Orphans)
		p.Busy += len(plan.Busy)
		if plan.Candidate != nil {
			p.Due++
			p.ByTask[plan.Candidate.Task]++
		}
	}

	p.WouldDispatch = min(p.Due, maxUnits)
	return p, nil
}
