package mirror

import (
	"context"
	"log/slog"
	"time"
)

// Refresher is the unit of work the Scheduler drives. *Mirror implements it.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Scheduler invokes Refresh on a fixed wall-clock interval, independent of
// request traffic. The interval is measured start-to-start; a tick that
// fires while a refresh is still running is dropped by the ticker, so at
// most one refresh is ever in flight. A failed refresh is logged and
// retried on the next tick, which is the only retry cadence.
type Scheduler struct {
	refresher Refresher
	interval  time.Duration
}

// NewScheduler constructs a Scheduler.
func NewScheduler(refresher Refresher, interval time.Duration) *Scheduler {
	return &Scheduler{
		refresher: refresher,
		interval:  interval,
	}
}

// Run blocks, refreshing immediately and then on every tick until ctx is
// cancelled. The upfront refresh bounds staleness across restarts: startup
// only inspects the local clone, so the first fetch must not wait a full
// interval. Run returns nil on cancellation; refresh errors never stop the
// loop.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("refresh scheduler started", "interval", s.interval)

	s.refresh(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("refresh scheduler stopped")
			return nil
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *Scheduler) refresh(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := s.refresher.Refresh(ctx); err != nil {
		slog.Error("scheduled refresh failed", "error", err, "elapsed", time.Since(start))
		return
	}
	slog.Debug("scheduled refresh done", "elapsed", time.Since(start))
}
