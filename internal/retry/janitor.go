package retry

import (
	"context"
	"log/slog"
	"time"
)

// DefaultCleanupInterval is used when a Janitor is built with no interval
const DefaultCleanupInterval = time.Hour

// Janitor periodically removes expired suppression entries. It runs on its
// own schedule and takes no recipient locks.
type Janitor struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

// NewJanitor creates a janitor sweeping every interval
func NewJanitor(engine *Engine, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &Janitor{
		engine:   engine,
		interval: interval,
		logger:   engine.logger.With("component", "suppression-janitor"),
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
// Sweep failures are logged and retried on the next tick.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("suppression janitor started", "interval", j.interval.String())
	j.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("suppression janitor stopped")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	if _, err := j.engine.CleanupOldEntries(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("suppression sweep failed", "error", err)
	}
}
