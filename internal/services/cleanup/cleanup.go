// Package cleanup runs the periodic attempt maintenance passes. Every pass
// is an idempotent bulk statement, so overlapping runs from multiple
// replicas are safe; with an Elector configured, only the leader ticks.
package cleanup

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Engine exposes the maintenance passes, in the order they run each tick.
// *attempt.Service satisfies it.
type Engine interface {
	ExpireOverdueAttempts(ctx context.Context) (int64, error)
	ExtendNearDeadlineAttempts(ctx context.Context) (int64, error)
	ExpireStaleStarted(ctx context.Context) (int64, error)
	ExpireInactiveInProgress(ctx context.Context) (int64, error)
}

// Elector gates ticking behind leadership. nil means single-replica mode:
// every tick runs.
type Elector interface {
	IsLeader() bool
}

// Scheduler drives the engine on a fixed period until its context ends.
type Scheduler struct {
	engine  Engine
	elector Elector
	period  time.Duration
	log     *zap.Logger
}

// NewScheduler creates a scheduler. elector may be nil.
func NewScheduler(engine Engine, elector Elector, period time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{engine: engine, elector: elector, period: period, log: log}
}

// Run ticks until ctx is cancelled. The first tick fires after one period,
// not immediately, so a rolling restart does not stampede the database.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.log.Info("cleanup scheduler started", zap.Duration("period", s.period))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("cleanup scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if s.elector != nil && !s.elector.IsLeader() {
				continue
			}
			s.tick(ctx)
		}
	}
}

// tick runs all passes. A failed pass is logged and the rest still run; the
// next tick retries everything.
func (s *Scheduler) tick(ctx context.Context) {
	passes := []struct {
		name string
		run  func(context.Context) (int64, error)
	}{
		{"expire_overdue", s.engine.ExpireOverdueAttempts},
		{"extend_near_deadline", s.engine.ExtendNearDeadlineAttempts},
		{"delete_stale_started", s.engine.ExpireStaleStarted},
		{"expire_inactive", s.engine.ExpireInactiveInProgress},
	}
	for _, p := range passes {
		n, err := p.run(ctx)
		if err != nil {
			s.log.Warn("cleanup pass failed",
				zap.String("pass", p.name), zap.Error(err))
			continue
		}
		if n > 0 {
			s.log.Info("cleanup pass",
				zap.String("pass", p.name), zap.Int64("affected", n))
		}
	}
}
