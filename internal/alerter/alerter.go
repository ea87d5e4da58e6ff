// Package alerter owns the alarm lifecycle: raising, acknowledging and
// clearing alarm events, and fanning raised alarms out to notification
// providers.
package alerter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/darshan-rambhia/petrowatch/internal/access"
	"github.com/darshan-rambhia/petrowatch/internal/audit"
	"github.com/darshan-rambhia/petrowatch/internal/collector"
	"github.com/darshan-rambhia/petrowatch/internal/events"
	"github.com/darshan-rambhia/petrowatch/internal/metrics"
	"github.com/darshan-rambhia/petrowatch/internal/model"
	"github.com/darshan-rambhia/petrowatch/internal/notify"
	"github.com/darshan-rambhia/petrowatch/internal/store"
)

// sendTimeout bounds a single provider delivery.
const sendTimeout = 10 * time.Second

// AlarmInput describes a new alarm.
type AlarmInput struct {
	SiteID     string          `json:"siteId" validate:"required"`
	TankID     string          `json:"tankId,omitempty"`
	PumpID     string          `json:"pumpId,omitempty"`
	Side       model.Side      `json:"side,omitempty" validate:"omitempty,oneof=A B"`
	SourceType string          `json:"sourceType" validate:"required,max=64"`
	Component  string          `json:"component" validate:"required,max=64"`
	Severity   model.Severity  `json:"severity" validate:"required,oneof=critical warn info"`
	Code       string          `json:"code" validate:"required,max=64"`
	Message    string          `json:"message" validate:"required,max=1024"`
	RawPayload json.RawMessage `json:"rawPayload,omitempty"`
	AssignedTo string          `json:"assignedTo,omitempty"`
}

// Alerter drives alarm state changes. Every change commits first, then
// broadcasts on the site's alert channel.
type Alerter struct {
	store    store.Store
	bus      *events.Bus
	audit    *audit.Recorder
	targets  []notify.Target
	pool     *collector.WorkerPool
	validate *validator.Validate
	now      func() time.Time
}

// New creates an alerter. A nil pool sends notifications one at a time.
func New(s store.Store, bus *events.Bus, targets []notify.Target, pool *collector.WorkerPool) *Alerter {
	if pool == nil {
		pool = collector.NewWorkerPool(1)
	}
	return &Alerter{
		store:    s,
		bus:      bus,
		audit:    audit.NewRecorder(s),
		targets:  targets,
		pool:     pool,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Raise records a new alarm in the raised state.
func (a *Alerter) Raise(ctx context.Context, in AlarmInput) (model.AlarmEvent, error) {
	if err := a.validate.Struct(in); err != nil {
		return model.AlarmEvent{}, model.Invalid("%s", err.Error())
	}
	now := a.now().UTC()
	ev := model.AlarmEvent{
		ID:         uuid.NewString(),
		SiteID:     in.SiteID,
		TankID:     in.TankID,
		PumpID:     in.PumpID,
		Side:       in.Side,
		SourceType: in.SourceType,
		Component:  in.Component,
		Severity:   in.Severity,
		State:      model.AlarmRaised,
		Code:       in.Code,
		Message:    in.Message,
		RawPayload: in.RawPayload,
		AssignedTo: in.AssignedTo,
		RaisedAt:   now,
		CreatedAt:  now,
	}
	err := a.store.Write(ctx, func(tx store.Tx) error {
		if _, err := tx.GetSite(ctx, in.SiteID); err != nil {
			return err
		}
		return tx.InsertAlarm(ctx, ev)
	})
	if err != nil {
		return model.AlarmEvent{}, fmt.Errorf("raising alarm on %s: %w", in.SiteID, err)
	}

	metrics.AlertsRaised.WithLabelValues(string(ev.Severity), ev.SourceType).Inc()
	a.broadcast(events.EventAlertRaised, ev)
	a.notify(ctx, notification(ev, false))
	slog.Warn("alert raised",
		"id", ev.ID,
		"site", ev.SiteID,
		"code", ev.Code,
		"severity", ev.Severity,
		"component", ev.Component,
	)
	return ev, nil
}

// Acknowledge moves a raised alarm to acknowledged on behalf of id.
// Acknowledging twice returns the stored record unchanged.
func (a *Alerter) Acknowledge(ctx context.Context, id model.Identity, alarmID string) (model.AlarmEvent, error) {
	var ev model.AlarmEvent
	changed := false
	err := a.store.Write(ctx, func(tx store.Tx) error {
		var err error
		if ev, err = tx.GetAlarm(ctx, alarmID); err != nil {
			return err
		}
		if err := access.CheckSiteTx(ctx, tx, id, ev.SiteID); err != nil {
			return err
		}
		switch ev.State {
		case model.AlarmAcknowledged:
			return nil
		case model.AlarmCleared:
			return fmt.Errorf("%w: alarm %s is already cleared", model.ErrConflict, alarmID)
		}
		ok, err := tx.AckAlarm(ctx, alarmID, id.UserID, a.now())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: alarm %s changed state", model.ErrConflict, alarmID)
		}
		changed = true
		ev, err = tx.GetAlarm(ctx, alarmID)
		return err
	})
	if err != nil {
		return model.AlarmEvent{}, err
	}
	if changed {
		a.transitioned(ctx, id, ev, events.EventAlertAcknowledged, "acknowledge", "")
	}
	return ev, nil
}

// Clear moves a raised or acknowledged alarm to cleared. Only editors may
// clear. Clearing twice returns the stored record unchanged.
func (a *Alerter) Clear(ctx context.Context, id model.Identity, alarmID, reason string) (model.AlarmEvent, error) {
	if err := access.RequireRole(id, access.Editors...); err != nil {
		return model.AlarmEvent{}, err
	}
	var ev model.AlarmEvent
	changed := false
	err := a.store.Write(ctx, func(tx store.Tx) error {
		var err error
		if ev, err = tx.GetAlarm(ctx, alarmID); err != nil {
			return err
		}
		if err := access.CheckSiteTx(ctx, tx, id, ev.SiteID); err != nil {
			return err
		}
		if ev.State == model.AlarmCleared {
			return nil
		}
		ok, err := tx.ClearAlarm(ctx, alarmID, a.now())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: alarm %s changed state", model.ErrConflict, alarmID)
		}
		changed = true
		ev, err = tx.GetAlarm(ctx, alarmID)
		return err
	})
	if err != nil {
		return model.AlarmEvent{}, err
	}
	if changed {
		a.transitioned(ctx, id, ev, events.EventAlertCleared, "clear", reason)
		a.notify(ctx, notification(ev, true))
	}
	return ev, nil
}

// List returns alarms matching f within the caller's sites, newest first.
func (a *Alerter) List(ctx context.Context, id model.Identity, f model.AlarmFilter) ([]model.AlarmEvent, error) {
	if f.State != "" && !f.State.Valid() {
		return nil, model.Invalid("unknown state %q", f.State)
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return nil, model.Invalid("unknown severity %q", f.Severity)
	}
	if f.Side != "" && !f.Side.Valid() {
		return nil, model.Invalid("side must be A or B")
	}
	if f.Limit <= 0 || f.Limit > store.MaxAlarmPage {
		f.Limit = store.MaxAlarmPage
	}

	var out []model.AlarmEvent
	err := a.store.Read(ctx, func(tx store.Tx) error {
		permitted, err := access.PermittedSiteIDsTx(ctx, tx, id)
		if err != nil {
			return err
		}
		f.SiteIDs = permitted
		out, err = tx.ListAlarms(ctx, f)
		return err
	})
	if out == nil {
		out = []model.AlarmEvent{}
	}
	return out, err
}

func (a *Alerter) transitioned(ctx context.Context, id model.Identity, ev model.AlarmEvent, event, action, reason string) {
	metrics.AlertTransitions.WithLabelValues(string(ev.State)).Inc()
	a.audit.Record(ctx, audit.Entry{
		Actor:      id,
		SiteID:     ev.SiteID,
		EntityType: "alarm_event",
		EntityID:   ev.ID,
		Action:     action,
		After:      ev,
		Reason:     reason,
	})
	a.broadcast(event, ev)
	slog.Info("alert "+string(ev.State), "id", ev.ID, "site", ev.SiteID, "by", id.UserID)
}

func (a *Alerter) broadcast(event string, ev model.AlarmEvent) {
	if a.bus == nil {
		return
	}
	a.bus.Broadcast(event, events.Payload{
		Channel:    model.SiteAlertsChannel(ev.SiteID),
		SiteID:     ev.SiteID,
		EntityType: "alarm_event",
		EntityID:   ev.ID,
		Action:     string(ev.State),
		Data:       ev,
	})
}

// notify hands n to every target whose threshold it meets. Delivery runs on
// the worker pool and outlives the request that raised the alarm.
func (a *Alerter) notify(ctx context.Context, n model.Notification) {
	for _, t := range a.targets {
		if !t.Accepts(n) {
			continue
		}
		err := a.pool.Submit(ctx, func() {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
			defer cancel()
			if err := t.Send(sendCtx, n); err != nil {
				metrics.NotificationsSent.WithLabelValues(t.Name(), "error").Inc()
				slog.Error("sending notification", "provider", t.Name(), "alert", n.AlertID, "error", err)
				return
			}
			metrics.NotificationsSent.WithLabelValues(t.Name(), "ok").Inc()
		})
		if err != nil {
			slog.Warn("notification skipped", "provider", t.Name(), "alert", n.AlertID, "error", err)
		}
	}
}

func notification(ev model.AlarmEvent, resolved bool) model.Notification {
	title := fmt.Sprintf("[%s] %s at %s", FormatSeverity(ev.Severity), ev.Code, ev.SiteID)
	ts := ev.RaisedAt
	if resolved {
		title = fmt.Sprintf("[RESOLVED] %s at %s", ev.Code, ev.SiteID)
		if ev.ClearedAt != nil {
			ts = *ev.ClearedAt
		}
	}
	meta := map[string]string{"source": ev.SourceType}
	for k, v := range map[string]string{"tank": ev.TankID, "pump": ev.PumpID, "side": string(ev.Side)} {
		if v != "" {
			meta[k] = v
		}
	}
	return model.Notification{
		AlertID:   ev.ID,
		SiteID:    ev.SiteID,
		Code:      ev.Code,
		Component: ev.Component,
		Severity:  string(ev.Severity),
		Title:     title,
		Message:   ev.Message,
		Timestamp: ts,
		Resolved:  resolved,
		Metadata:  meta,
	}
}

// FormatSeverity returns an uppercase severity string for titles and templates.
func FormatSeverity(s model.Severity) string {
	return strings.ToUpper(string(s))
}
