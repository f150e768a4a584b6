// Command worker leases due dial jobs, runs the pre-dial gate, and starts
// calls. Multiple workers can run against the same database; leases keep them
// from stepping on each other.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/relayce/outdial/internal/adapter/observability"
	"github.com/relayce/outdial/internal/adapter/repo/postgres"
	"github.com/relayce/outdial/internal/app"
	"github.com/relayce/outdial/internal/config"
	"github.com/relayce/outdial/internal/worker"
)

func main() {
	var (
		workerID     string
		leaseSeconds int
		pollSeconds  int
		maxJobs      int
		once         bool
		metricsPort  int
	)

	rootCmd := &cobra.Command{
		Use:   "worker",
		Short: "Lease and process due outbound-dial jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), workerID, leaseSeconds, pollSeconds, maxJobs, once, metricsPort)
		},
	}
	rootCmd.Flags().StringVar(&workerID, "worker-id", "", "worker identity recorded on leases (default: hostname)")
	rootCmd.Flags().IntVar(&leaseSeconds, "lease-seconds", 0, "lease duration per job (default from env)")
	rootCmd.Flags().IntVar(&pollSeconds, "poll-seconds", 0, "queue poll interval in seconds (default from env)")
	rootCmd.Flags().IntVar(&maxJobs, "max-jobs", 0, "stop after processing this many jobs (0 = run forever)")
	rootCmd.Flags().BoolVar(&once, "once", false, "process at most one due job and exit")
	rootCmd.Flags().IntVar(&metricsPort, "metrics-port", 9090, "port for the /metrics endpoint")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("worker failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, workerID string, leaseSeconds, pollSeconds, maxJobs int, once bool, metricsPort int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", metricsPort), mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("schema bootstrap: %w", err)
	}

	jobs := postgres.NewJobRepo(pool)
	ledger := postgres.NewAttemptRepo(pool)
	calls := postgres.NewCallRepo(pool)

	if workerID == "" {
		workerID = cfg.WorkerID
	}
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("worker-%s-%d", host, os.Getpid())
	}
	if leaseSeconds <= 0 {
		leaseSeconds = cfg.WorkerLeaseSeconds
	}
	pollInterval := cfg.WorkerPollInterval
	if pollSeconds > 0 {
		pollInterval = time.Duration(pollSeconds) * time.Second
	}
	if maxJobs <= 0 {
		maxJobs = cfg.WorkerMaxJobs
	}

	// Liveness key for operators; the lease sweeper handles actual recovery.
	var heartbeat func(ctx context.Context)
	if cfg.RedisURL != "" {
		rdb, err := app.NewRedisClient(cfg.RedisURL)
		if err != nil {
			slog.Warn("redis heartbeat disabled", slog.Any("error", err))
		} else {
			defer func() { _ = rdb.Close() }()
			key := fmt.Sprintf("worker:%s:seen", workerID)
			heartbeat = func(ctx context.Context) {
				if err := rdb.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), 5*time.Minute).Err(); err != nil {
					slog.Debug("heartbeat write failed", slog.Any("error", err))
				}
			}
		}
	}

	w := worker.New(worker.Config{
		WorkerID:     workerID,
		LeaseSeconds: leaseSeconds,
		PollInterval: pollInterval,
		MaxJobs:      maxJobs,
		Heartbeat:    heartbeat,
	}, jobs, ledger, calls, logger)

	if once {
		worked, err := w.ProcessOne(ctx)
		if err != nil {
			return err
		}
		slog.Info("single pass done", slog.Bool("job_processed", worked))
		return nil
	}

	slog.Info("worker starting",
		slog.String("worker_id", workerID),
		slog.Int("lease_seconds", leaseSeconds),
		slog.Duration("poll_interval", pollInterval))
	return w.Run(ctx)
}
