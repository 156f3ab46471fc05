package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TaskTypeRun = "pipeline:run"
	QueueRuns   = "runs"
)

var ErrRunAlreadyQueued = errors.New("a run is already queued")

// RunPayload is the asynq payload of a queued run. The run id travels as
// the asynq task id so that identical runs share a unique key.
type RunPayload struct {
	MaxUnits int `json:"maxUnits,omitempty"`
}

// RunQueue enqueues runs for the worker.
type RunQueue struct {
	asynqClient *asynq.Client
	uniqueFor   time.Duration
}

func NewRunQueue(asynqClient *asynq.Client, uniqueFor time.Duration) *RunQueue {
	return &RunQueue{asynqClient: asynqClient, uniqueFor: uniqueFor}
}

// Enqueue queues a run and returns its id. A run with the same unit cap,
// scheduled runs included, cannot be queued again within the uniqueness
// window.
func (q *RunQueue) Enqueue(maxUnits int) (string, error) {
	runID := uuid.New().String()
	task, err := NewRunTask(RunPayload{MaxUnits: maxUnits})
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	_, err = q.asynqClient.Enqueue(task,
		asynq.TaskID(runID),
		asynq.Queue(QueueRuns),
		asynq.MaxRetry(0),
		asynq.Unique(q.uniqueFor),
		asynq.Retention(24*time.Hour),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return "", ErrRunAlreadyQueued
	}
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return runID, nil
}

// NewRunTask builds the asynq task for a run.
func NewRunTask(p RunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRun, data), nil
}
