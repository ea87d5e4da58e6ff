// Package simulator synthesizes tank telemetry drift, pump faults and
// connectivity changes on a fixed cadence.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/darshan-rambhia/petrowatch/internal/alerter"
	"github.com/darshan-rambhia/petrowatch/internal/config"
	"github.com/darshan-rambhia/petrowatch/internal/events"
	"github.com/darshan-rambhia/petrowatch/internal/metrics"
	"github.com/darshan-rambhia/petrowatch/internal/model"
	"github.com/darshan-rambhia/petrowatch/internal/status"
	"github.com/darshan-rambhia/petrowatch/internal/store"
)

// Name identifies the simulator in logs, metrics and the status tracker.
const Name = "simulator"

// Synthetic alarm fields.
const (
	AlarmSource    = "PumpSide"
	AlarmComponent = "printer"
	AlarmCode      = "SIM-01"
	AlarmMessage   = "Synthetic connectivity/print fault"
)

// Rand is the random source of a tick. *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// Simulator implements collector.Collector.
type Simulator struct {
	store   store.Store
	alerter *alerter.Alerter
	bus     *events.Bus
	status  *status.Tracker
	now     func() time.Time

	mu  sync.RWMutex
	cfg config.SimulatorConfig
	rng Rand
}

// New creates a simulator. A zero cfg.Seed seeds from the clock.
// tracker may be nil, in which case ticks always run.
func New(s store.Store, a *alerter.Alerter, bus *events.Bus, tracker *status.Tracker, cfg config.SimulatorConfig) *Simulator {
	return &Simulator{
		store:   s,
		alerter: a,
		bus:     bus,
		status:  tracker,
		now:     time.Now,
		cfg:     cfg,
		rng:     newRand(cfg.Seed),
	}
}

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1))
}

// Name returns the collector name.
func (s *Simulator) Name() string { return Name }

// Interval returns the current tick interval.
func (s *Simulator) Interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Interval.Duration
}

// Settings returns the active settings.
func (s *Simulator) Settings() config.SimulatorConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Apply replaces the settings. The random source is reseeded only when a
// new non-zero seed is given.
func (s *Simulator) Apply(cfg config.SimulatorConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Seed != 0 && cfg.Seed != s.cfg.Seed {
		s.rng = newRand(cfg.Seed)
	}
	s.cfg = cfg
	slog.Info("simulator settings applied",
		"interval", cfg.Interval.Duration,
		"drift_window", cfg.DriftWindow,
		"alert_probability", cfg.AlertProbability,
		"flip_probability", cfg.FlipProbability)
}

// SetRand replaces the random source.
func (s *Simulator) SetRand(r Rand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = r
}

// Collect runs one tick. Each step runs even when an earlier one fails; the
// failures are joined into the returned error.
func (s *Simulator) Collect(ctx context.Context) error {
	if s.status != nil && !s.status.Ready() {
		slog.Debug("store not ready, skipping simulator tick")
		return nil
	}

	s.mu.RLock()
	cfg, rng := s.cfg, s.rng
	s.mu.RUnlock()
	if !cfg.Enabled {
		return nil
	}

	now := s.now().UTC()
	touched := make(map[string]struct{})
	var errs []error

	if err := s.drift(ctx, cfg, rng, now, touched); err != nil {
		errs = append(errs, fmt.Errorf("drifting measurements: %w", err))
	}
	if err := s.raise(ctx, cfg, rng, touched); err != nil {
		errs = append(errs, fmt.Errorf("raising synthetic alarm: %w", err))
	}
	if err := s.flip(ctx, cfg, rng, now, touched); err != nil {
		errs = append(errs, fmt.Errorf("flipping connections: %w", err))
	}
	s.announce(touched, now)

	if s.status != nil {
		s.status.SetLastRun(Name, now)
	}
	return errors.Join(errs...)
}

// drift moves the volume of the most recent measurement rows by a uniform
// amount in [-DriftMaxLiters, +DriftMaxLiters].
func (s *Simulator) drift(ctx context.Context, cfg config.SimulatorConfig, rng Rand, now time.Time, touched map[string]struct{}) error {
	var drifted []string
	err := s.store.Write(ctx, func(tx store.Tx) error {
		rows, err := tx.RecentMeasurements(ctx, cfg.DriftWindow)
		if err != nil {
			return err
		}
		for _, m := range rows {
			delta := (rng.Float64()*2 - 1) * cfg.DriftMaxLiters
			if err := tx.DriftMeasurement(ctx, m.ID, delta, now, cfg.ClampToCapacity); err != nil {
				if errors.Is(err, model.ErrNotFound) {
					continue
				}
				return fmt.Errorf("measurement %s: %w", m.ID, err)
			}
			drifted = append(drifted, m.SiteID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range drifted {
		touched[id] = struct{}{}
	}
	return nil
}

// raise picks one active pump and raises a synthetic fault on it.
func (s *Simulator) raise(ctx context.Context, cfg config.SimulatorConfig, rng Rand, touched map[string]struct{}) error {
	if rng.Float64() >= cfg.AlertProbability {
		return nil
	}
	var pumps []model.Pump
	if err := s.store.Read(ctx, func(tx store.Tx) error {
		var err error
		pumps, err = tx.ActivePumps(ctx)
		return err
	}); err != nil {
		return err
	}
	if len(pumps) == 0 {
		return nil
	}

	pump := pumps[rng.IntN(len(pumps))]
	severity := model.SeverityWarn
	if rng.Float64() < cfg.CriticalProbability {
		severity = model.SeverityCritical
	}
	side := model.SideA
	if rng.IntN(2) == 1 {
		side = model.SideB
	}
	raw, _ := json.Marshal(map[string]any{"simulated": true, "pumpNumber": pump.PumpNumber})

	if _, err := s.alerter.Raise(ctx, alerter.AlarmInput{
		SiteID:     pump.SiteID,
		PumpID:     pump.ID,
		Side:       side,
		SourceType: AlarmSource,
		Component:  AlarmComponent,
		Severity:   severity,
		Code:       AlarmCode,
		Message:    AlarmMessage,
		RawPayload: raw,
	}); err != nil {
		return err
	}
	touched[pump.SiteID] = struct{}{}
	return nil
}

// flip toggles each pump-side connection with FlipProbability.
func (s *Simulator) flip(ctx context.Context, cfg config.SimulatorConfig, rng Rand, now time.Time, touched map[string]struct{}) error {
	if cfg.FlipProbability <= 0 {
		return nil
	}
	var conns []model.ConnectionStatus
	if err := s.store.Read(ctx, func(tx store.Tx) error {
		var err error
		conns, err = tx.ConnectionsByKind(ctx, model.ConnKindPumpSide)
		return err
	}); err != nil {
		return err
	}

	var picked []model.ConnectionStatus
	for _, c := range conns {
		if rng.Float64() < cfg.FlipProbability {
			picked = append(picked, c)
		}
	}
	if len(picked) == 0 {
		return nil
	}

	var flipped []model.ConnectionStatus
	err := s.store.Write(ctx, func(tx store.Tx) error {
		flipped = flipped[:0]
		for _, c := range picked {
			st, err := tx.ToggleConnection(ctx, c.ID, now)
			if err != nil {
				if errors.Is(err, model.ErrNotFound) {
					continue
				}
				return fmt.Errorf("connection %s: %w", c.ID, err)
			}
			c.Status = st
			flipped = append(flipped, c)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, c := range flipped {
		metrics.ConnectionFlips.WithLabelValues(string(c.Status)).Inc()
		touched[c.SiteID] = struct{}{}
	}
	return nil
}

// announce tells subscribers of every touched site to refresh.
func (s *Simulator) announce(touched map[string]struct{}, now time.Time) {
	if s.bus == nil || len(touched) == 0 {
		return
	}
	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		s.bus.Broadcast(events.EventSiteUpdate, events.Payload{
			Channel:    model.SiteAlertsChannel(id),
			SiteID:     id,
			EntityType: "site",
			EntityID:   id,
			Action:     "tick",
			TS:         now,
		})
	}
}
