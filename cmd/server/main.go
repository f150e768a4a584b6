// Command server starts the outbound-dial orchestration HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/relayce/outdial/internal/adapter/httpserver"
	"github.com/relayce/outdial/internal/adapter/observability"
	"github.com/relayce/outdial/internal/adapter/queue/redpanda"
	"github.com/relayce/outdial/internal/adapter/repo/memstore"
	"github.com/relayce/outdial/internal/adapter/repo/postgres"
	"github.com/relayce/outdial/internal/app"
	"github.com/relayce/outdial/internal/config"
	"github.com/relayce/outdial/internal/domain"
	"github.com/relayce/outdial/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	// Stores: PostgreSQL when configured, in-memory for local runs.
	var (
		jobStore  domain.JobStore
		callStore domain.CallStore
		ledger    domain.AttemptLedger
		dbCheck   func(context.Context) error
	)
	if cfg.DBURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DBURL)
		if err != nil {
			slog.Error("db connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			slog.Error("schema bootstrap failed", slog.Any("error", err))
			os.Exit(1)
		}
		jobStore = postgres.NewJobRepo(pool)
		callStore = postgres.NewCallRepo(pool)
		ledger = postgres.NewAttemptRepo(pool)
		dbCheck, _, _ = app.BuildReadinessChecks(pool, nil, nil)
	} else {
		slog.Warn("DB_URL empty, using in-memory stores")
		jobStore = memstore.NewJobStore()
		callStore = memstore.NewCallStore()
		ledger = memstore.NewAttemptLedger()
		dbCheck = func(context.Context) error { return nil }
	}

	// Redis is used for readiness only; skip the check when unset.
	var redisCheck func(context.Context) error
	if cfg.RedisURL != "" {
		rdb, err := app.NewRedisClient(cfg.RedisURL)
		if err != nil {
			slog.Error("redis client init failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = rdb.Close() }()
		_, redisCheck, _ = app.BuildReadinessChecks(nil, app.WrapRedis(rdb), nil)
	}

	jobSvc := usecase.NewJobService(jobStore)
	callSvc := usecase.NewCallService(callStore)
	metricsSvc := usecase.NewMetricsService(callStore, jobStore, ledger)

	dialogPolicy, err := config.LoadDialogPolicy(cfg.DialogPolicyPath)
	if err != nil {
		slog.Error("dialog policy load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Queue: drain dial triggers into the job store and expose readiness.
	var queueCheck func(context.Context) error
	if len(cfg.KafkaBrokers) > 0 {
		consumer, err := redpanda.NewTriggerConsumer(cfg.KafkaBrokers, cfg.DialTriggerTopic, cfg.DialTriggerGroup, jobSvc, logger)
		if err != nil {
			slog.Error("trigger consumer init failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				slog.Error("trigger consumer stopped", slog.Any("error", err))
			}
		}()

		pinger, err := app.NewKafkaPinger(cfg.KafkaBrokers)
		if err != nil {
			slog.Error("kafka pinger init failed", slog.Any("error", err))
			os.Exit(1)
		}
		_, _, queueCheck = app.BuildReadinessChecks(nil, nil, pinger)
	}

	// Requeue leases abandoned by crashed workers.
	if sweeper := app.NewLeaseSweeper(jobStore, cfg.LeaseSweepGrace, cfg.LeaseSweepInterval); sweeper != nil {
		go sweeper.Run(ctx)
	}

	srv := httpserver.NewServer(cfg, jobSvc, callSvc, metricsSvc, ledger, dialogPolicy, dbCheck, redisCheck, queueCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
