package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/bondstock/bondstock/internal/app"
	jobmetrics "github.com/bondstock/bondstock/internal/jobs"
	"github.com/bondstock/bondstock/internal/ledger"
	"github.com/bondstock/bondstock/internal/platform/cache"
	"github.com/bondstock/bondstock/internal/platform/db"
	"github.com/bondstock/bondstock/internal/recalcqueue"
	"github.com/bondstock/bondstock/internal/scheduler"
	"github.com/bondstock/bondstock/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	loc := cfg.Location()

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)

	queueRepo := recalcqueue.NewRepository(pool)
	queueService := recalcqueue.NewService(queueRepo, loc, logger)

	ledgerRepo := ledger.NewRepository(pool)
	recalculator := ledger.NewRecalculator(ledgerRepo, cfg.RecalcTimeout, logger)

	runsRepo := scheduler.NewRepository(pool)
	sched := scheduler.New(scheduler.Config{
		Runs:     runsRepo,
		Queue:    queueService,
		Logger:   logger,
		Metrics:  metrics,
		Location: loc,
	})

	drain := scheduler.NewDrainJob(queueService, recalculator, cfg.DrainBatchSize, logger)
	eod := scheduler.NewEODJob(ledgerRepo, recalculator, drain, loc, logger)
	hourly := scheduler.NewHourlyJob(scheduler.HourlyConfig{
		Queue:      queueService,
		Runs:       runsRepo,
		Metrics:    metrics,
		StaleAfter: cfg.ClaimStaleAfter,
		Retention:  cfg.RunRetention,
		Logger:     logger,
	})

	registrations := []scheduler.JobDefinition{
		{Type: scheduler.JobHourlyBatch, Spec: cfg.HourlySpec, Deadline: 30 * time.Minute, Run: hourly.Run},
		{Type: scheduler.JobEODSnapshot, Spec: cfg.EODSpec, Deadline: 2 * time.Hour, Run: eod.Run},
		{Type: scheduler.JobRecalcQueue, Spec: cfg.DrainSpec, Deadline: cfg.DrainDeadline, Run: drain.Run},
	}
	for _, def := range registrations {
		if err := sched.Register(def); err != nil {
			logger.Error("register job", slog.Any("error", err))
			os.Exit(1)
		}
	}
	// The worker is the firing mechanism; the engine's embedded timers stay off.

	trigger := jobs.NewTriggerJob(sched, logger)

	// Catch up on backlog accumulated while no worker was running.
	client, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = client.Close() }()
	if task, err := jobs.NewTriggerTask(scheduler.JobRecalcQueue, scheduler.TriggeredBySystem); err == nil {
		if _, err := client.EnqueueTrigger(ctx, task); err != nil {
			logger.Warn("enqueue startup drain", slog.Any("error", err))
		}
	}

	cron := make([]jobs.CronRegistration, 0, len(registrations))
	for _, def := range registrations {
		task, err := jobs.NewTriggerTask(def.Type, scheduler.TriggeredBySystem)
		if err != nil {
			logger.Error("build trigger task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{Spec: def.Spec, Task: task})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Location:  loc,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRecalcQueueDrain, Handler: trigger.Handle},
			{Type: jobs.TaskEODSnapshot, Handler: trigger.Handle},
			{Type: jobs.TaskHourlyBatch, Handler: trigger.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
