package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/workgraph/workgraph/internal/data/db"
	readinessrepo "github.com/workgraph/workgraph/internal/data/repos/readiness"
	workflowrepo "github.com/workgraph/workgraph/internal/data/repos/workflow"
	"github.com/workgraph/workgraph/internal/engine/coordinator"
	"github.com/workgraph/workgraph/internal/engine/discovery"
	"github.com/workgraph/workgraph/internal/engine/executor"
	"github.com/workgraph/workgraph/internal/engine/finalizer"
	"github.com/workgraph/workgraph/internal/engine/handler"
	"github.com/workgraph/workgraph/internal/engine/statemachine"
	"github.com/workgraph/workgraph/internal/events"
	"github.com/workgraph/workgraph/internal/observability"
	"github.com/workgraph/workgraph/internal/platform/envutil"
	"github.com/workgraph/workgraph/internal/platform/logger"
	"github.com/workgraph/workgraph/internal/queue"
	"github.com/workgraph/workgraph/internal/worker"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownOtel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "workgraph-worker",
		Environment: envutil.Str("APP_ENV", "development"),
		Version:     envutil.Str("APP_VERSION", "dev"),
	})

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	thePG := postgresService.DB()
	if err := db.AutoMigrateAll(thePG); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	if err := db.EnsureWorkflowIndexes(thePG); err != nil {
		log.Fatal("Postgres index setup failed", "error", err)
	}

	// Repos
	log.Info("Setting up repos...")
	taskRepo := workflowrepo.NewTaskRepo(thePG, log)
	stepRepo := workflowrepo.NewStepRepo(thePG, log)
	taskTransitionRepo := workflowrepo.NewTaskTransitionRepo(thePG, log)
	stepTransitionRepo := workflowrepo.NewStepTransitionRepo(thePG, log)
	readinessRepo := readinessrepo.New(thePG, log)

	// Events
	bus := events.NewBus()
	defer bus.Close()
	if envutil.Bool("EVENTS_SINK_ENABLED", false) {
		sink, err := events.NewRedisSink(log)
		if err != nil {
			log.Warn("Redis event sink init failed", "error", err)
		} else {
			defer sink.Close()
			go sink.Run(ctx, bus)
		}
	}

	// Queue
	q, err := queue.NewRedisQueue(log)
	if err != nil {
		log.Fatal("Redis queue init failed", "error", err)
	}
	defer q.Close()

	// Metrics
	if m := observability.InitMetrics(); m != nil {
		go m.Watch(ctx, bus)
		m.StartServer(ctx, log, envutil.Str("METRICS_ADDR", ":9090"))
		m.StartPostgresCollector(ctx, log, thePG)
		redisAddr := envutil.Str("REDIS_ADDR", "localhost:6379")
		m.StartRedisCollector(ctx, log, redisAddr)
		m.StartQueueCollector(ctx, log, redisAddr, envutil.Str("TASK_QUEUE_NAME", "workgraph:tasks"))
	}

	// Engine
	log.Info("Setting up engine...")
	taskSM := statemachine.NewTasks(thePG, taskRepo, taskTransitionRepo, bus, log)
	stepSM := statemachine.NewSteps(thePG, stepRepo, stepTransitionRepo, bus, log)
	registry := handler.NewRegistry()
	registerBuiltins(registry, log)
	disc := discovery.NewService(readinessRepo, stepRepo, log)
	exec := executor.New(thePG, stepRepo, readinessRepo, stepSM, registry, log)
	requeuer := finalizer.NewRequeuer(q, bus, log)
	fin := finalizer.New(thePG, taskRepo, readinessRepo, taskSM, requeuer, bus, log)
	coord := coordinator.New(taskRepo, taskSM, disc, exec, fin, log)

	pool := worker.NewPool(q, coord, log)
	if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("worker pool exited", "error", err)
	}

	if shutdownOtel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOtel(shutdownCtx)
	}
	log.Info("worker shut down")
}
