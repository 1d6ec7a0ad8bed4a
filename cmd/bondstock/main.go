package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/bondstock/bondstock/internal/app"
	jobmetrics "github.com/bondstock/bondstock/internal/jobs"
	"github.com/bondstock/bondstock/internal/ledger"
	ledgerhttp "github.com/bondstock/bondstock/internal/ledger/http"
	"github.com/bondstock/bondstock/internal/observability"
	"github.com/bondstock/bondstock/internal/platform/db"
	"github.com/bondstock/bondstock/internal/recalcqueue"
	"github.com/bondstock/bondstock/internal/scheduler"
	schedulerhttp "github.com/bondstock/bondstock/internal/scheduler/http"
	"github.com/bondstock/bondstock/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
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

	httpMetrics := observability.NewMetrics()
	metrics := jobmetrics.NewMetrics(httpMetrics.Registerer())

	queueRepo := recalcqueue.NewRepository(pool)
	queueService := recalcqueue.NewService(queueRepo, loc, logger)

	ledgerRepo := ledger.NewRepository(pool)
	recalculator := ledger.NewRecalculator(ledgerRepo, cfg.RecalcTimeout, logger)
	ledgerService := ledger.NewService(ledgerRepo, recalculator, queueService, logger)

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

	if cfg.SchedulerEmbedded {
		sched.Start()
		defer sched.Stop()
	} else {
		logger.Info("embedded scheduler disabled, expecting worker-driven triggers")
	}

	handler := schedulerhttp.NewHandler(logger, sched, queueService)
	ledgerHandler := ledgerhttp.NewHandler(logger, ledgerService)
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() { _ = inspector.Close() }()
	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		Metrics:          httpMetrics,
		LedgerHandler:    ledgerHandler,
		SchedulerHandler: handler,
		JobsHandler:      jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("admin server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server run", slog.Any("error", err))
		os.Exit(1)
	}
}
