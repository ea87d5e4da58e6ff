// Package collector runs periodic background jobs and bounds their fan-out.
package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/darshan-rambhia/petrowatch/internal/metrics"
)

// Collector is the interface for all periodic jobs.
type Collector interface {
	Name() string
	Collect(ctx context.Context) error
	Interval() time.Duration
}

// WorkerPool bounds concurrent outbound calls across all jobs.
type WorkerPool struct {
	sem chan struct{}
}

// NewWorkerPool creates a worker pool with the given max concurrent workers.
func NewWorkerPool(maxWorkers int) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &WorkerPool{sem: make(chan struct{}, maxWorkers)}
}

// Submit runs fn in the pool, blocking if all workers are busy.
// Returns ctx.Err() if context is cancelled while waiting.
func (p *WorkerPool) Submit(ctx context.Context, fn func()) error {
	select {
	case p.sem <- struct{}{}:
		go func() {
			defer func() { <-p.sem }()
			fn()
		}()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts a collector loop that calls Collect at the configured interval.
// The interval is re-read after every run so it can change while running.
// It blocks until the context is cancelled.
func Run(ctx context.Context, c Collector) error {
	name := c.Name()
	interval := c.Interval()
	slog.Info("collector started", "name", name, "interval", interval)

	// Collect immediately on startup
	collect(ctx, c)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("collector stopped", "name", name)
			return ctx.Err()
		case <-ticker.C:
			collect(ctx, c)
			if next := c.Interval(); next > 0 && next != interval {
				slog.Info("collector interval changed", "name", name, "from", interval, "to", next)
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func collect(ctx context.Context, c Collector) {
	start := time.Now()
	err := c.Collect(ctx)
	metrics.TickDuration.WithLabelValues(c.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TickErrors.WithLabelValues(c.Name()).Inc()
		slog.Error("collection failed", "collector", c.Name(), "error", err)
	}
}
