package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/artstudio/pipeline/internal/model"
	"github.com/artstudio/pipeline/internal/orchestrator"
	"github.com/artstudio/pipeline/internal/service"
)

// Runner executes one orchestrator run.
type Runner interface {
	Run(ctx context.Context, opts orchestrator.RunOptions) (*model.RunSummary, error)
}

// RunWorker processes queued and scheduled runs
type RunWorker struct {
	runner Runner
	logger *zap.Logger
}

// NewRunWorker creates a new run worker
func NewRunWorker(runner Runner, logger *zap.Logger) *RunWorker {
	return &RunWorker{
		runner: runner,
		logger: logger.Named("worker"),
	}
}

// ProcessTask handles pipeline:run tasks
func (w *RunWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.RunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal run payload: %v: %w", err, asynq.SkipRetry)
	}
	runID := runIDFrom(ctx)

	w.logger.Info("starting run", zap.String("run", runID), zap.Int("max_units", payload.MaxUnits))

	summary, err := w.runner.Run(ctx, orchestrator.RunOptions{
		RunID:    runID,
		MaxUnits: payload.MaxUnits,
	})
	if err != nil {
		w.logger.Error("run failed", zap.String("run", runID), zap.Error(err))
		return fmt.Errorf("run %s failed: %w", runID, err)
	}

	w.logger.Info("run completed",
		zap.String("run", summary.RunID),
		zap.Int("dispatched", summary.Dispatched),
		zap.Bool("capped", summary.Capped))
	return nil
}

// runIDFrom uses the asynq task id as the run id. Outside a worker there
// is none.
func runIDFrom(ctx context.Context) string {
	if id, ok := asynq.GetTaskID(ctx); ok && id != "" {
		return id
	}
	return uuid.New().String()
}
