package main

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/artstudio/pipeline/internal/bootstrap"
	"github.com/artstudio/pipeline/internal/config"
	"github.com/artstudio/pipeline/internal/logging"
	"github.com/artstudio/pipeline/internal/orchestrator"
	"github.com/artstudio/pipeline/internal/service"
)

// env is everything a command needs. Redis is optional for the CLI.
type env struct {
	cfg      *config.Config
	logger   *zap.Logger
	pipeline *bootstrap.Pipeline
	history  *service.RunHistory
	queue    *service.RunQueue
	closers  []func() error
}

func (e *env) Close() {
	for _, c := range e.closers {
		_ = c()
	}
	_ = e.logger.Sync()
}

type envLoader func() (*env, error)

func loadEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Server.LogLevel, cfg.Server.Env)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var recorder orchestrator.Recorder
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available, run history disabled", zap.Error(err))
		_ = redisClient.Close()
	} else {
		e.closers = append(e.closers, redisClient.Close)
		e.history = service.NewRunHistory(redisClient)
		recorder = e.history

		asynqClient := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		e.closers = append(e.closers, asynqClient.Close)
		e.queue = service.NewRunQueue(asynqClient, cfg.Orchestrator.StaleAfter)
	}

	e.pipeline, err = bootstrap.New(cfg, recorder, logger)
	if err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}
