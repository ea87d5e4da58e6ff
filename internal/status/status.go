// Package status tracks process readiness and the last run of each
// background loop.
package status

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/darshan-rambhia/petrowatch/internal/metrics"
	"github.com/darshan-rambhia/petrowatch/internal/store"
)

// Tracker is a thread-safe record of store readiness and loop activity.
type Tracker struct {
	mu sync.RWMutex

	ready     bool
	backend   string
	lastError string
	lastRun   map[string]time.Time
}

// Snapshot is a read-only copy of the tracker state.
type Snapshot struct {
	Ready     bool                 `json:"ready"`
	Backend   string               `json:"backend"`
	LastError string               `json:"lastError,omitempty"`
	LastRun   map[string]time.Time `json:"lastRun"`
}

// New returns a tracker in the not-ready state.
func New(backend string) *Tracker {
	return &Tracker{backend: backend, lastRun: make(map[string]time.Time)}
}

// Ready reports whether the store has been initialized.
func (t *Tracker) Ready() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready
}

// SetReady records the store state. A nil err clears the last error.
func (t *Tracker) SetReady(ready bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ready = ready
	t.lastError = ""
	if err != nil {
		t.lastError = err.Error()
	}
	if ready {
		metrics.StoreReady.Set(1)
	} else {
		metrics.StoreReady.Set(0)
	}
}

// SetLastRun records when a background loop last completed.
func (t *Tracker) SetLastRun(name string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastRun[name] = at
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := Snapshot{
		Ready:     t.ready,
		Backend:   t.backend,
		LastError: t.lastError,
		LastRun:   make(map[string]time.Time, len(t.lastRun)),
	}
	maps.Copy(snap.LastRun, t.lastRun)
	return snap
}

// InitStore runs s.Init until it succeeds, retrying every interval. The
// tracker stays not-ready until then. It returns nil once the store is ready
// and ctx.Err() if the context ends first.
func InitStore(ctx context.Context, s store.Store, t *Tracker, retry time.Duration) error {
	if retry <= 0 {
		retry = 10 * time.Second
	}
	for {
		err := s.Init(ctx)
		if err == nil {
			t.SetReady(true, nil)
			slog.Info("store ready", "backend", s.Backend())
			return nil
		}
		t.SetReady(false, err)
		slog.Error("store init failed, retrying", "backend", s.Backend(), "retry", retry, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}
