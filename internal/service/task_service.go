package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/artstudio/pipeline/internal/model"
	"github.com/artstudio/pipeline/internal/store"
	"github.com/artstudio/pipeline/internal/taskstate"
)

var ErrUnknownTask = errors.New("unknown task type")

// ParseTask resolves a task name from a request or the command line.
func ParseTask(name string) (model.TaskType, error) {
	task, ok := model.ParseTaskType(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return task, nil
}

// TaskService implements the operator operations on single items.
type TaskService struct {
	store   store.Store
	machine *taskstate.Machine
	catalog *VariantCatalog
	logger  *zap.Logger
	now     func() time.Time
}

func NewTaskService(st store.Store, machine *taskstate.Machine, catalog *VariantCatalog, logger *zap.Logger) *TaskService {
	return &TaskService{
		store:   st,
		machine: machine,
		catalog: catalog,
		logger:  logger.Named("tasks"),
		now:     time.Now,
	}
}

// Show returns the whole record of an item.
func (s *TaskService) Show(ctx context.Context, item string) (model.Record, error) {
	if err := s.exists(item); err != nil {
		return nil, err
	}
	return s.store.Read(ctx, item)
}

// Enqueue sets a task to wanted. Enqueueing a pending task changes nothing.
func (s *TaskService) Enqueue(ctx context.Context, item string, task model.TaskType) (model.Record, error) {
	return s.transition(ctx, item, task, false)
}

// Reset forces a task back to wanted, whatever its state.
func (s *TaskService) Reset(ctx context.Context, item string, task model.TaskType) (model.Record, error) {
	return s.transition(ctx, item, task, true)
}

func (s *TaskService) transition(ctx context.Context, item string, task model.TaskType, force bool) (model.Record, error) {
	if err := s.exists(item); err != nil {
		return nil, err
	}
	rec, err := s.store.Read(ctx, item)
	if err != nil {
		return nil, err
	}

	var patch map[string]any
	switch task {
	case model.TaskCornerDetection, model.TaskFormFill:
		tr, err := rec.Task(task)
		if err != nil {
			return nil, err
		}
		if force {
			patch, err = s.machine.Reset(string(task), tr)
		} else {
			patch, err = s.machine.Enqueue(string(task), tr)
		}
		if err != nil {
			return nil, err
		}
	case model.TaskVariantRegeneration:
		patch, err = s.regenerationPatch(rec, force)
		if err != nil {
			return nil, err
		}
	case model.TaskVariantGeneration:
		if !force {
			return nil, fmt.Errorf("%w: %s is driven by active_variants", ErrUnknownTask, task)
		}
		patch, err = s.resetFailedVariants(rec)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, task)
	}

	if len(patch) == 0 {
		return rec, nil
	}
	version := rec.Version()
	next, err := s.store.ApplyPatch(ctx, item, patch, store.PatchOptions{IfVersion: &version})
	if err != nil {
		return nil, err
	}
	s.logger.Info("task requested", zap.String("item", item), zap.String("task", string(task)), zap.Bool("reset", force))
	return next, nil
}

func (s *TaskService) regenerationPatch(rec model.Record, force bool) (map[string]any, error) {
	status := rec.RegenerationStatus()
	if status.Pending() && !force {
		return nil, nil
	}
	if status == model.StatusError && !force {
		return nil, fmt.Errorf("%w: regeneration needs a reset", taskstate.ErrInvalidTransition)
	}
	patch := map[string]any{
		model.KeyRegenerationStatus:    string(model.StatusWanted),
		model.KeyRegenerationStartedAt: nil,
	}
	if force {
		for _, name := range rec.VariantNames() {
			patch[model.TaskPath(model.VariantPrefix(name), model.FieldRegenerate)] = false
		}
	}
	return patch, nil
}

func (s *TaskService) resetFailedVariants(rec model.Record) (map[string]any, error) {
	records, err := rec.Variants()
	if err != nil {
		return nil, err
	}
	patch := make(map[string]any)
	for name, vr := range records {
		if vr.Status != model.StatusError {
			continue
		}
		reset, err := s.machine.Reset(model.VariantPrefix(name), vr.TaskRecord)
		if err != nil {
			return nil, err
		}
		for k, v := range reset {
			patch[k] = v
		}
	}
	return patch, nil
}

// SetVariants replaces active_variants and creates records for newly
// requested names.
func (s *TaskService) SetVariants(ctx context.Context, item string, names []string) (model.Record, error) {
	if err := s.exists(item); err != nil {
		return nil, err
	}
	if err := s.catalog.Validate(names); err != nil {
		return nil, err
	}
	rec, err := s.store.Read(ctx, item)
	if err != nil {
		return nil, err
	}
	records, err := rec.Variants()
	if err != nil {
		return nil, err
	}

	list := make([]any, 0, len(names))
	seen := make(map[string]bool, len(names))
	patch := make(map[string]any)
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		list = append(list, name)
		if _, ok := records[name]; !ok {
			patch[model.TaskPath(model.VariantPrefix(name), model.FieldStatus)] = string(model.StatusWanted)
		}
	}
	patch[model.KeyActiveVariants] = list

	version := rec.Version()
	next, err := s.store.ApplyPatch(ctx, item, patch, store.PatchOptions{IfVersion: &version})
	if err != nil {
		return nil, err
	}
	s.logger.Info("active variants set", zap.String("item", item), zap.Strings("variants", names))
	return next, nil
}

func (s *TaskService) exists(item string) error {
	dir := s.store.ItemDir(item)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", store.ErrItemNotFound, item)
	}
	return nil
}
