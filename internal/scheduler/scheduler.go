package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"SettleLedger/internal/observability"
	"SettleLedger/internal/store"
)

// Runner is the scan surface the scheduler drives.
type Runner interface {
	RunTimeoutPass(ctx context.Context) (*store.TimeoutResult, error)
	RunForwardedPass(ctx context.Context) (*store.ForwardedResult, error)
}

// Scheduler ticks the scanners on a fixed interval, taking the distributed
// lease before each round so only one process advances the watermarks.
type Scheduler struct {
	lease    *Lease
	runner   Runner
	interval time.Duration
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func New(lease *Lease, runner Runner, interval time.Duration, metrics *observability.Metrics) *Scheduler {
	return &Scheduler{
		lease:    lease,
		runner:   runner,
		interval: interval,
		metrics:  metrics,
		log:      observability.NewLogger("scheduler"),
	}
}

// Run blocks until the context is cancelled. A failed round is logged and
// retried on the next tick; the watermark makes reruns idempotent.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	ok, err := s.lease.Acquire(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("lease acquisition failed")
		return
	}
	if !ok {
		if s.metrics != nil {
			s.metrics.ScanLockContended.Inc()
		}
		s.log.Debug().Msg("scan lease held elsewhere, skipping round")
		return
	}
	defer func() {
		if err := s.lease.Release(ctx); err != nil {
			s.log.Error().Err(err).Msg("lease release failed")
		}
	}()

	if _, err := s.runner.RunTimeoutPass(ctx); err != nil {
		s.log.Error().Err(err).Msg("timeout pass failed")
	}
	if _, err := s.runner.RunForwardedPass(ctx); err != nil {
		s.log.Error().Err(err).Msg("forwarded pass failed")
	}
}
