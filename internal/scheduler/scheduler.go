// Package scheduler runs the gateway's recurring maintenance jobs: the
// read-only package update check, the audit rotation sweep, and sensor
// reading retention pruning.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/luigilabs/luigid/internal/audit"
	"github.com/luigilabs/luigid/internal/config"
	"github.com/luigilabs/luigid/internal/dispatch"
	"github.com/luigilabs/luigid/internal/sensors"
)

// Scheduler owns the cron runner. Jobs are registered at construction; the
// job set never changes at runtime.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New builds the scheduler. store may be nil when the sensor bridge is
// disabled; the pruning job is skipped in that case.
func New(cfg config.SchedulerConfig, dispatcher *dispatch.Dispatcher, auditLog *audit.Log, store *sensors.Store, retention time.Duration, logger *slog.Logger) (*Scheduler, error) {
	logger = logger.With("component", "scheduler")
	c := cron.New()

	if cfg.UpdateCheckSpec != "" {
		_, err := c.AddFunc(cfg.UpdateCheckSpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			pending, err := dispatcher.UpdateCheck(ctx)
			if err != nil {
				logger.Warn("update check failed", "error", err)
				return
			}
			logger.Info("update check complete", "pending_packages", pending)
		})
		if err != nil {
			return nil, fmt.Errorf("scheduler: bad update check spec: %w", err)
		}
	}

	if cfg.RotateSweepSpec != "" {
		_, err := c.AddFunc(cfg.RotateSweepSpec, func() {
			if err := auditLog.Sweep(); err != nil {
				logger.Error("audit sweep failed", "error", err)
			}
			if store != nil && retention > 0 {
				n, err := store.Prune(time.Now().Add(-retention))
				if err != nil {
					logger.Warn("reading prune failed", "error", err)
				} else if n > 0 {
					logger.Debug("pruned sensor readings", "count", n)
				}
			}
		})
		if err != nil {
			return nil, fmt.Errorf("scheduler: bad sweep spec: %w", err)
		}
	}

	return &Scheduler{cron: c, logger: logger}, nil
}

// Start runs the cron loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("scheduler stopped")
	return nil
}
