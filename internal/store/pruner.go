package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/darshan-rambhia/petrowatch/internal/metrics"
)

// RetentionConfig defines how long to keep prunable rows.
type RetentionConfig struct {
	ClearedAlarms time.Duration // default 30d
	Measurements  time.Duration // default 7d
}

// DefaultRetention returns the default retention periods.
func DefaultRetention() RetentionConfig {
	return RetentionConfig{
		ClearedAlarms: 30 * 24 * time.Hour,
		Measurements:  7 * 24 * time.Hour,
	}
}

// Pruner periodically removes cleared alarms and stale tank readings.
// The latest reading of every tank is always kept.
type Pruner struct {
	store     Store
	retention RetentionConfig
	interval  time.Duration
	now       func() time.Time
}

// NewPruner creates a pruner with the given retention config.
func NewPruner(store Store, retention RetentionConfig, interval time.Duration) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Pruner{
		store:     store,
		retention: retention,
		interval:  interval,
		now:       time.Now,
	}
}

// Run starts the pruner loop. It blocks until the context is cancelled.
func (p *Pruner) Run(ctx context.Context) error {
	slog.Info("pruner started", "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("pruner stopped")
			return ctx.Err()
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune runs one pass. Failures are logged and retried on the next tick.
func (p *Pruner) Prune(ctx context.Context) {
	now := p.now()
	steps := []struct {
		name string
		fn   func(Tx) (int64, error)
	}{
		{"alarm_events", func(tx Tx) (int64, error) {
			return tx.PruneClearedAlarms(ctx, now.Add(-p.retention.ClearedAlarms))
		}},
		{"tank_measurements", func(tx Tx) (int64, error) {
			return tx.PruneMeasurements(ctx, now.Add(-p.retention.Measurements))
		}},
	}

	for _, step := range steps {
		var rows int64
		err := p.store.Write(ctx, func(tx Tx) error {
			var err error
			rows, err = step.fn(tx)
			return err
		})
		if err != nil {
			slog.Error("pruning failed", "table", step.name, "error", err)
			continue
		}
		if rows > 0 {
			metrics.PrunedRows.WithLabelValues(step.name).Add(float64(rows))
			slog.Info("pruned old data", "table", step.name, "rows", rows)
		}
	}
}
