package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/darshan-rambhia/petrowatch/internal/auth"
	"github.com/darshan-rambhia/petrowatch/internal/model"
	"github.com/darshan-rambhia/petrowatch/internal/store"
)

// DefaultPassword is set for catalogue users that do not name one.
const DefaultPassword = "demo123"

// Options tune Apply. The zero value uses bcrypt's default cost and the wall clock.
type Options struct {
	PasswordCost int
	Now          func() time.Time
}

// Result counts what Apply inserted.
type Result struct {
	Sites        int
	Tanks        int
	Pumps        int
	Users        int
	Measurements int
}

// ErrAlreadySeeded is returned by Apply when the catalogue's org exists.
var ErrAlreadySeeded = errors.New("store already seeded")

// Apply writes the catalogue in a single transaction.
func Apply(ctx context.Context, s store.Store, c *Catalogue, opts Options) (Result, error) {
	now := time.Now().UTC()
	if opts.Now != nil {
		now = opts.Now().UTC()
	}

	hashes := make(map[string]string, len(c.Users))
	for _, u := range c.Users {
		pw := u.Password
		if pw == "" {
			pw = DefaultPassword
		}
		h, err := auth.HashPassword(pw, opts.PasswordCost)
		if err != nil {
			return Result{}, fmt.Errorf("hashing password for %s: %w", u.Email, err)
		}
		hashes[u.ID] = h
	}

	var res Result
	err := s.Write(ctx, func(tx store.Tx) error {
		res = Result{}
		if err := tx.InsertOrg(ctx, model.Org{ID: c.Org.ID, Name: c.Org.Name, CreatedAt: now}); err != nil {
			if errors.Is(err, model.ErrConflict) {
				return ErrAlreadySeeded
			}
			return err
		}

		siteIDs := make([]string, 0, len(c.Sites))
		for i, spec := range c.Sites {
			id, n, err := c.applySite(ctx, tx, spec, i == 0, now)
			if err != nil {
				return fmt.Errorf("site %s: %w", spec.SiteCode, err)
			}
			siteIDs = append(siteIDs, id)
			res.Sites++
			res.Tanks += n.Tanks
			res.Pumps += n.Pumps
			res.Measurements += n.Measurements
		}

		for _, u := range c.Users {
			user := model.User{
				ID:           u.ID,
				OrgID:        c.Org.ID,
				Email:        u.Email,
				Name:         u.Name,
				Role:         model.Role(u.Role),
				PasswordHash: hashes[u.ID],
				CreatedAt:    now,
			}
			switch u.Sites {
			case "all":
				user.SiteIDs = siteIDs
			case "first":
				user.SiteIDs = siteIDs[:1]
			}
			if err := tx.InsertUser(ctx, user); err != nil {
				return fmt.Errorf("user %s: %w", u.Email, err)
			}
			res.Users++
		}

		if c.Alert != nil && len(c.Sites) > 0 && len(c.Sites[0].Pumps) > 0 {
			return c.applyAlert(ctx, tx, siteIDs[0], c.Sites[0].Pumps[0].PumpNumber, now)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	slog.Info("seed applied", "org", c.Org.ID, "sites", res.Sites, "users", res.Users)
	return res, nil
}

// IfEmpty applies the catalogue only when the store has no users. It reports
// whether anything was written.
func IfEmpty(ctx context.Context, s store.Store, c *Catalogue, opts Options) (bool, error) {
	var n int
	if err := s.Read(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.CountUsers(ctx)
		return err
	}); err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if _, err := Apply(ctx, s, c, opts); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Catalogue) applySite(ctx context.Context, tx store.Tx, spec SiteSpec, first bool, now time.Time) (string, Result, error) {
	var n Result
	site := model.Site{
		ID:         model.SiteID(spec.SiteCode),
		OrgID:      c.Org.ID,
		SiteCode:   spec.SiteCode,
		Name:       spec.Name,
		Address:    spec.Address,
		PostalCode: spec.PostalCode,
		Region:     spec.Region,
		Lat:        spec.Lat,
		Lon:        spec.Lon,
		Timezone:   spec.Timezone,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if site.Timezone == "" {
		site.Timezone = model.DefaultTimezone
	}
	if err := tx.InsertSite(ctx, site); err != nil {
		return "", n, err
	}

	if err := tx.InsertIntegration(ctx, c.integration(site.ID, spec, now)); err != nil {
		return "", n, err
	}
	if err := tx.InsertConnection(ctx, model.ConnectionStatus{
		ID:         model.ATGConnID(site.ID),
		SiteID:     site.ID,
		Kind:       model.ConnKindATG,
		Status:     model.ConnConnected,
		LastSeenAt: &now,
	}); err != nil {
		return "", n, err
	}

	for _, ts := range spec.Tanks {
		tank := model.Tank{
			ID:             model.TankID(site.ID, ts.ATGTankID),
			SiteID:         site.ID,
			ATGTankID:      ts.ATGTankID,
			Label:          ts.Label,
			Product:        ts.Product,
			CapacityLiters: ts.CapacityLiters,
			Active:         true,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertTank(ctx, tank); err != nil {
			return "", n, err
		}
		if err := tx.InsertMeasurement(ctx, model.TankMeasurement{
			ID:            "m-" + tank.ID,
			TankID:        tank.ID,
			SiteID:        site.ID,
			TS:            now,
			FuelVolumeL:   ts.CapacityLiters * 0.68,
			FuelHeightMm:  1200,
			WaterHeightMm: 20,
			TempC:         18.2,
			UllageL:       ts.CapacityLiters * 0.32,
		}); err != nil {
			return "", n, err
		}
		n.Tanks++
		n.Measurements++
	}

	for _, ps := range spec.Pumps {
		pump := model.Pump{
			ID:         model.PumpID(site.ID, ps.PumpNumber),
			SiteID:     site.ID,
			PumpNumber: ps.PumpNumber,
			Label:      ps.Label,
			Active:     true,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.InsertPump(ctx, pump); err != nil {
			return "", n, err
		}
		for _, side := range []model.Side{model.SideA, model.SideB} {
			sp := ps.Sides[string(side)]
			port := sp.Port
			if port == 0 {
				port = model.DefaultPumpSidePort
			}
			sideID := model.PumpSideID(pump.ID, side)
			if err := tx.InsertPumpSide(ctx, model.PumpSide{
				ID:     sideID,
				PumpID: pump.ID,
				SiteID: site.ID,
				Side:   side,
				IP:     sp.IP,
				Port:   port,
				Active: true,
			}); err != nil {
				return "", n, err
			}
			if err := tx.InsertConnection(ctx, model.ConnectionStatus{
				ID:         model.PumpSideConnID(sideID),
				SiteID:     site.ID,
				Kind:       model.ConnKindPumpSide,
				TargetID:   sideID,
				Status:     model.ConnConnected,
				LastSeenAt: &now,
			}); err != nil {
				return "", n, err
			}
		}
		n.Pumps++
	}

	doc, err := c.layoutFor(first)
	if err != nil {
		return "", n, err
	}
	if err := tx.InsertLayout(ctx, model.Layout{
		ID:        model.LayoutID(site.ID, 1),
		SiteID:    site.ID,
		Version:   1,
		Name:      "Initial Layout",
		JSON:      doc,
		CreatedBy: c.manager(),
		CreatedAt: now,
		IsActive:  true,
	}); err != nil {
		return "", n, err
	}
	return site.ID, n, nil
}

func (c *Catalogue) integration(siteID string, spec SiteSpec, now time.Time) model.SiteIntegration {
	in := model.DefaultIntegration(siteID)
	d := c.Defaults
	if d.ATG.PollIntervalSec > 0 {
		in.ATGPollIntervalSec = d.ATG.PollIntervalSec
	}
	if d.ATG.TimeoutSec > 0 {
		in.ATGTimeoutSec = d.ATG.TimeoutSec
	}
	if d.ATG.Retries > 0 {
		in.ATGRetries = d.ATG.Retries
	}
	if d.ATG.StaleSec > 0 {
		in.ATGStaleSec = d.ATG.StaleSec
	}
	if d.PumpSide.TimeoutSec > 0 {
		in.PumpTimeoutSec = d.PumpSide.TimeoutSec
	}
	if d.PumpSide.Keepalive != nil {
		in.PumpKeepaliveEnabled = *d.PumpSide.Keepalive
	}
	if d.PumpSide.Reconnect != nil {
		in.PumpReconnectEnabled = *d.PumpSide.Reconnect
	}
	if d.PumpSide.StaleSec > 0 {
		in.PumpStaleSec = d.PumpSide.StaleSec
	}
	in.ATGHost = spec.Integrations.ATGHost
	if spec.Integrations.ATGPort > 0 {
		in.ATGPort = spec.Integrations.ATGPort
	}
	if spec.Integrations.PollIntervalSec > 0 {
		in.ATGPollIntervalSec = spec.Integrations.PollIntervalSec
	}
	in.UpdatedAt = now
	return in
}

func (c *Catalogue) applyAlert(ctx context.Context, tx store.Tx, siteID string, pumpNumber int, now time.Time) error {
	side := model.Side(c.Alert.Side)
	if side == "" {
		side = model.SideA
	}
	return tx.InsertAlarm(ctx, model.AlarmEvent{
		ID:         "alert-1",
		SiteID:     siteID,
		PumpID:     model.PumpID(siteID, pumpNumber),
		Side:       side,
		SourceType: "PumpSide",
		Component:  c.Alert.Component,
		Severity:   model.Severity(c.Alert.Severity),
		State:      model.AlarmRaised,
		Code:       c.Alert.Code,
		Message:    c.Alert.Message,
		RawPayload: []byte(`{"source":"seed"}`),
		RaisedAt:   now,
		CreatedAt:  now,
	})
}

// manager returns the id of the first manager, used as the layout author.
func (c *Catalogue) manager() string {
	for _, u := range c.Users {
		if u.Role == string(model.RoleManager) {
			return u.ID
		}
	}
	return ""
}
