package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/artstudio/pipeline/internal/bootstrap"
	"github.com/artstudio/pipeline/internal/config"
	"github.com/artstudio/pipeline/internal/handler"
	"github.com/artstudio/pipeline/internal/logging"
	"github.com/artstudio/pipeline/internal/middleware"
	"github.com/artstudio/pipeline/internal/service"
	"github.com/artstudio/pipeline/internal/worker"
	"github.com/artstudio/pipeline/pkg/response"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logging.New(cfg.Server.LogLevel, cfg.Server.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisUp := redisClient.Ping(ctx).Err() == nil
	if !redisUp {
		zlog.Warn("redis not available, serving synchronous runs only")
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	history := service.NewRunHistory(redisClient)
	pipeline, err := bootstrap.New(cfg, history, zlog)
	if err != nil {
		zlog.Fatal("failed to build pipeline", zap.Error(err))
	}
	queue := service.NewRunQueue(asynqClient, cfg.Orchestrator.StaleAfter)

	validate := validator.New()

	itemHandler := handler.NewItemHandler(pipeline.Tasks, validate)
	runHandler := handler.NewRunHandler(pipeline.Orchestrator, queue, history, validate)

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	rateLimiter := middleware.NewRateLimiter(redisClient, zlog)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1 * 1024 * 1024,
		// Synchronous runs can take a while.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Orchestrator.RunTimeout + 30*time.Second,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"prediction": pipeline.Predictor.IsConfigured(),
				"redis":      redisClient.Ping(c.Context()).Err() == nil,
				"r2":         pipeline.Mirrored,
			},
		})
	})

	api := app.Group("/api", authMiddleware.Authenticate())
	handler.RegisterRoutes(api, itemHandler, runHandler,
		rateLimiter.RunLimit(cfg.RateLimit.RunPerMin),
		rateLimiter.EnqueueLimit(cfg.RateLimit.EnqueuePerMin))

	g, gctx := errgroup.WithContext(ctx)

	// Runs execute one at a time.
	workerServer := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{service.QueueRuns: 1},
		Logger:      zlog.Named("asynq").Sugar(),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeRun, worker.NewRunWorker(pipeline.Orchestrator, zlog).ProcessTask)
	g.Go(func() error {
		return serveBackground(gctx, "run worker", redisUp, zlog,
			func() error { return workerServer.Start(mux) }, workerServer.Shutdown)
	})

	if cfg.Orchestrator.Schedule != "" {
		scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
			Location: time.UTC,
			Logger:   zlog.Named("scheduler").Sugar(),
		})
		task, err := service.NewRunTask(service.RunPayload{})
		if err != nil {
			zlog.Fatal("failed to build scheduled task", zap.Error(err))
		}
		if _, err := scheduler.Register(cfg.Orchestrator.Schedule, task,
			asynq.Queue(service.QueueRuns),
			asynq.MaxRetry(0),
			asynq.Unique(cfg.Orchestrator.StaleAfter),
		); err != nil {
			zlog.Fatal("invalid run schedule", zap.String("schedule", cfg.Orchestrator.Schedule), zap.Error(err))
		}
		g.Go(func() error {
			return serveBackground(gctx, "scheduler", redisUp, zlog, scheduler.Start, scheduler.Shutdown)
		})
		zlog.Info("periodic runs scheduled", zap.String("schedule", cfg.Orchestrator.Schedule))
	}

	g.Go(func() error {
		addr := ":" + cfg.Server.Port
		zlog.Info("server starting", zap.String("addr", addr))
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		zlog.Info("shutting down server")
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		zlog.Fatal("server error", zap.Error(err))
	}
}

// serveBackground runs a redis-backed component until ctx is done. Without
// redis it is skipped so the HTTP server keeps serving.
func serveBackground(ctx context.Context, name string, redisUp bool, logger *zap.Logger, start func() error, shutdown func()) error {
	if !redisUp {
		logger.Warn("background component disabled", zap.String("component", name))
		return nil
	}
	if err := start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	<-ctx.Done()
	shutdown()
	return nil
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
