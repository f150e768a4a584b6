// Package app wires the router, readiness checks, and background loops.
package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relayce/outdial/internal/adapter/observability"
	"github.com/relayce/outdial/internal/domain"
)

// LeaseSweeper periodically returns expired leases to the retry queue so
// jobs abandoned by crashed workers become leasable again.
type LeaseSweeper struct {
	jobs     domain.JobStore
	grace    time.Duration
	interval time.Duration
}

// NewLeaseSweeper constructs a sweeper. Grace is added past lease expiry
// before a job counts as stuck.
func NewLeaseSweeper(jobs domain.JobStore, grace, interval time.Duration) *LeaseSweeper {
	if jobs == nil {
		return nil
	}
	if grace < 0 {
		grace = 0
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &LeaseSweeper{jobs: jobs, grace: grace, interval: interval}
}

// Run sweeps immediately and then on every tick until the context ends.
func (s *LeaseSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("lease sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *LeaseSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "LeaseSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().UTC().Add(-s.grace)
	span.SetAttributes(attribute.Float64("jobs.lease_grace_seconds", s.grace.Seconds()))

	moved, err := s.jobs.RequeueExpiredLeases(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		slog.Error("lease sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("jobs.leases_requeued", moved))
	if moved > 0 {
		observability.LeasesRequeuedTotal.Add(float64(moved))
		slog.Info("expired leases requeued", slog.Int("count", moved))
	}
}
