// Package scheduler triggers pipeline runs on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/joblink-pipeline/internal/pipeline"
)

// Runner executes one guarded pipeline run.
type Runner interface {
	Run(ctx context.Context) (pipeline.RunSummary, error)
}

// Scheduler calls Runner.Run once on start and then every interval.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *zap.Logger
}

// New creates a Scheduler. A non-positive interval yields a Scheduler whose Run
// returns immediately.
func New(runner Runner, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   logger.Named("scheduler"),
	}
}

// Run blocks until ctx is done. Overlapping triggers are skipped by the
// pipeline guard; run failures are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("scheduler disabled")
		return
	}
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.trigger(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.trigger(ctx)
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context) {
	summary, err := s.runner.Run(ctx)
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		s.logger.Debug("previous run still active")
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("scheduled run failed", zap.Error(err))
	default:
		s.logger.Info("scheduled run finished",
			zap.String("run_id", summary.RunID),
			zap.Int("selected", summary.Selected),
			zap.Int("extracted", summary.Extracted),
			zap.Int("failed", summary.Failed),
		)
	}
}
