// Package service implements the site configuration operations behind the
// HTTP API. Each mutation commits its primary rows in one transaction, then
// writes a best-effort audit entry, then broadcasts on the bus.
package service

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/darshan-rambhia/petrowatch/internal/access"
	"github.com/darshan-rambhia/petrowatch/internal/alerter"
	"github.com/darshan-rambhia/petrowatch/internal/audit"
	"github.com/darshan-rambhia/petrowatch/internal/events"
	"github.com/darshan-rambhia/petrowatch/internal/model"
	"github.com/darshan-rambhia/petrowatch/internal/store"
	"github.com/darshan-rambhia/petrowatch/internal/summary"
)

// Service is the domain facade used by the API.
type Service struct {
	store    store.Store
	gate     *access.Gate
	bus      *events.Bus
	audit    *audit.Recorder
	alerter  *alerter.Alerter
	summary  *summary.Engine
	validate *validator.Validate
	layout   *jsonschema.Schema
	now      func() time.Time
}

// New wires a service. It fails only if the embedded layout schema does not compile.
func New(s store.Store, bus *events.Bus, a *alerter.Alerter) (*Service, error) {
	schema, err := compileLayoutSchema()
	if err != nil {
		return nil, err
	}
	return &Service{
		store:    s,
		gate:     access.NewGate(s),
		bus:      bus,
		audit:    audit.NewRecorder(s),
		alerter:  a,
		summary:  summary.New(s),
		validate: validator.New(),
		layout:   schema,
		now:      time.Now,
	}, nil
}

// Gate exposes the access gate for handlers that check sites directly.
func (s *Service) Gate() *access.Gate { return s.gate }

// Alerter exposes the alarm lifecycle.
func (s *Service) Alerter() *alerter.Alerter { return s.alerter }

func (s *Service) check(v any) error {
	if err := s.validate.Struct(v); err != nil {
		return model.Invalid("%s", err.Error())
	}
	return nil
}

// editSite runs fn in a write transaction after the role and site checks
// every configuration mutation needs.
func (s *Service) editSite(ctx context.Context, id model.Identity, siteID string, fn func(tx store.Tx) error) error {
	if err := access.RequireRole(id, access.Editors...); err != nil {
		return err
	}
	if siteID == "" {
		return model.ErrMissingSiteID
	}
	return s.store.Write(ctx, func(tx store.Tx) error {
		if err := access.CheckSiteTx(ctx, tx, id, siteID); err != nil {
			return err
		}
		return fn(tx)
	})
}

// readSite runs fn in a read transaction after the site check.
func (s *Service) readSite(ctx context.Context, id model.Identity, siteID string, fn func(tx store.Tx) error) error {
	if siteID == "" {
		return model.ErrMissingSiteID
	}
	return s.store.Read(ctx, func(tx store.Tx) error {
		if err := access.CheckSiteTx(ctx, tx, id, siteID); err != nil {
			return err
		}
		return fn(tx)
	})
}

func (s *Service) publish(event, channel, siteID, entityType, entityID, action string, data any) {
	s.broadcast(event, events.Payload{
		Channel:    channel,
		SiteID:     siteID,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Data:       data,
	})
}

func (s *Service) broadcast(event string, p events.Payload) {
	if s.bus == nil {
		return
	}
	s.bus.Broadcast(event, p)
}

func (s *Service) stamp() time.Time { return s.now().UTC() }
