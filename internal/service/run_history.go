package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/artstudio/pipeline/internal/model"
)

const (
	runKeyPrefix = "run:"
	runLastKey   = "run:last"
	runTTL       = 24 * time.Hour
)

var ErrRunNotFound = errors.New("run not found")

// RunHistory keeps recent run summaries in Redis.
type RunHistory struct {
	redis *redis.Client
}

func NewRunHistory(redisClient *redis.Client) *RunHistory {
	return &RunHistory{redis: redisClient}
}

// Save stores a summary under its run id and as the latest run.
func (h *RunHistory) Save(ctx context.Context, summary *model.RunSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}
	pipe := h.redis.TxPipeline()
	pipe.Set(ctx, runKeyPrefix+summary.RunID, data, runTTL)
	pipe.Set(ctx, runLastKey, data, runTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save run summary: %w", err)
	}
	return nil
}

func (h *RunHistory) Get(ctx context.Context, runID string) (*model.RunSummary, error) {
	return h.load(ctx, runKeyPrefix+runID)
}

func (h *RunHistory) Last(ctx context.Context) (*model.RunSummary, error) {
	return h.load(ctx, runLastKey)
}

func (h *RunHistory) load(ctx context.Context, key string) (*model.RunSummary, error) {
	data, err := h.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrRunNotFound
		}
		return nil, err
	}

	var summary model.RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}
