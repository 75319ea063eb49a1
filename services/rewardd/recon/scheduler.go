package recon

import (
	"context"
	"log/slog"
	"time"

	"help2earn/observability/logging"
)

// SchedulerConfig configures the periodic sweep.
type SchedulerConfig struct {
	Sweeper  *Sweeper
	Interval time.Duration
	Logger   *slog.Logger
}

// Scheduler executes sweeps on a fixed cadence.
type Scheduler struct {
	sweeper  *Sweeper
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{sweeper: cfg.Sweeper, interval: interval, logger: logger}
}

// Start runs sweeps until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.sweeper == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.sweeper.Run(ctx)
			if err != nil {
				s.logger.Warn("reconciliation sweep failed", logging.Error("error", err))
				continue
			}
			if res.Examined > 0 {
				s.logger.Info("reconciliation sweep finished",
					slog.Int("examined", res.Examined),
					slog.Int("resolved", res.Resolved),
					slog.Int("failed", res.Failed),
					slog.Int("unresolved", len(res.Unresolved)))
			}
		}
	}
}
