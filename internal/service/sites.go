package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/darshan-rambhia/petrowatch/internal/access"
	"github.com/darshan-rambhia/petrowatch/internal/audit"
	"github.com/darshan-rambhia/petrowatch/internal/events"
	"github.com/darshan-rambhia/petrowatch/internal/model"
	"github.com/darshan-rambhia/petrowatch/internal/store"
	"github.com/darshan-rambhia/petrowatch/internal/summary"
)

// SiteInput creates a site. The id is derived from SiteCode.
type SiteInput struct {
	SiteCode   string   `json:"siteCode" validate:"required,alphanum,max=32"`
	Name       string   `json:"name" validate:"required,max=128"`
	Address    string   `json:"address" validate:"max=256"`
	PostalCode string   `json:"postalCode" validate:"max=16"`
	Region     string   `json:"region" validate:"max=64"`
	Lat        *float64 `json:"lat" validate:"omitempty,latitude"`
	Lon        *float64 `json:"lon" validate:"omitempty,longitude"`
	Timezone   string   `json:"timezone" validate:"omitempty,timezone"`
	Reason     string   `json:"reason" validate:"max=512"`
}

// SitePatch updates the provided fields of a site.
type SitePatch struct {
	Name       *string  `json:"name" validate:"omitempty,min=1,max=128"`
	Address    *string  `json:"address" validate:"omitempty,max=256"`
	PostalCode *string  `json:"postalCode" validate:"omitempty,max=16"`
	Region     *string  `json:"region" validate:"omitempty,max=64"`
	Lat        *float64 `json:"lat" validate:"omitempty,latitude"`
	Lon        *float64 `json:"lon" validate:"omitempty,longitude"`
	Timezone   *string  `json:"timezone" validate:"omitempty,timezone"`
	Reason     string   `json:"reason" validate:"max=512"`
}

// SiteDetail is a site summary with its configuration and devices.
type SiteDetail struct {
	model.SiteSummary
	Integration *model.SiteIntegration `json:"integration"`
	Tanks       []model.Tank           `json:"tanks"`
	Pumps       []model.Pump           `json:"pumps"`
}

// ListSites summarizes every site the caller may see, ordered by site code.
func (s *Service) ListSites(ctx context.Context, id model.Identity) ([]model.SiteSummary, error) {
	return s.summary.SummarizePermitted(ctx, id)
}

// GetSite returns the detail view of one site.
func (s *Service) GetSite(ctx context.Context, id model.Identity, siteID string) (SiteDetail, error) {
	var d SiteDetail
	err := s.readSite(ctx, id, siteID, func(tx store.Tx) error {
		sums, err := summary.SummarizeTx(ctx, tx, []string{siteID})
		if err != nil {
			return err
		}
		if len(sums) == 0 {
			return fmt.Errorf("site %s: %w", siteID, model.ErrNotFound)
		}
		d.SiteSummary = sums[0]

		in, err := tx.GetIntegration(ctx, siteID)
		switch {
		case err == nil:
			d.Integration = &in
		case !errors.Is(err, model.ErrNotFound):
			return err
		}
		if d.Tanks, err = tx.ListTanks(ctx, siteID); err != nil {
			return err
		}
		d.Pumps, err = tx.ListPumps(ctx, siteID)
		return err
	})
	if d.Tanks == nil {
		d.Tanks = []model.Tank{}
	}
	if d.Pumps == nil {
		d.Pumps = []model.Pump{}
	}
	return d, err
}

// CreateSite adds a site to the caller's org together with default
// integration settings and its ATG connection row.
func (s *Service) CreateSite(ctx context.Context, id model.Identity, in SiteInput) (model.Site, error) {
	if err := access.RequireRole(id, access.Editors...); err != nil {
		return model.Site{}, err
	}
	if err := s.check(in); err != nil {
		return model.Site{}, err
	}
	now := s.stamp()
	site := model.Site{
		ID:         model.SiteID(in.SiteCode),
		OrgID:      id.OrgID,
		SiteCode:   in.SiteCode,
		Name:       in.Name,
		Address:    in.Address,
		PostalCode: in.PostalCode,
		Region:     in.Region,
		Lat:        in.Lat,
		Lon:        in.Lon,
		Timezone:   in.Timezone,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if site.Timezone == "" {
		site.Timezone = model.DefaultTimezone
	}
	err := s.store.Write(ctx, func(tx store.Tx) error {
		if err := tx.InsertSite(ctx, site); err != nil {
			if errors.Is(err, model.ErrConflict) {
				return fmt.Errorf("%w: site %s already exists", model.ErrConflict, in.SiteCode)
			}
			return err
		}
		integ := model.DefaultIntegration(site.ID)
		integ.UpdatedAt = now
		if err := tx.InsertIntegration(ctx, integ); err != nil {
			return err
		}
		return tx.InsertConnection(ctx, model.ConnectionStatus{
			ID:     model.ATGConnID(site.ID),
			SiteID: site.ID,
			Kind:   model.ConnKindATG,
			Status: model.ConnDisconnected,
		})
	})
	if err != nil {
		return model.Site{}, err
	}

	s.audit.Record(ctx, audit.Entry{Actor: id, SiteID: site.ID, EntityType: "site", EntityID: site.ID, Action: "create", After: site, Reason: in.Reason})
	s.broadcast(events.EventSiteCreated, events.Payload{
		Channel:    model.SitesChannel,
		SiteID:     site.ID,
		OrgID:      site.OrgID,
		EntityType: "site",
		EntityID:   site.ID,
		Action:     "create",
		Data:       site,
	})
	slog.Info("site created", "site", site.ID, "by", id.UserID)
	return site, nil
}

// UpdateSite applies p to a site. Site code and org never change.
func (s *Service) UpdateSite(ctx context.Context, id model.Identity, siteID string, p SitePatch) (model.Site, error) {
	if err := s.check(p); err != nil {
		return model.Site{}, err
	}
	var before, after model.Site
	err := s.editSite(ctx, id, siteID, func(tx store.Tx) error {
		var err error
		if before, err = tx.GetSite(ctx, siteID); err != nil {
			return err
		}
		after = before
		setIf(&after.Name, p.Name)
		setIf(&after.Address, p.Address)
		setIf(&after.PostalCode, p.PostalCode)
		setIf(&after.Region, p.Region)
		setIf(&after.Timezone, p.Timezone)
		if p.Lat != nil {
			after.Lat = p.Lat
		}
		if p.Lon != nil {
			after.Lon = p.Lon
		}
		after.UpdatedAt = s.stamp()
		return tx.UpdateSite(ctx, after)
	})
	if err != nil {
		return model.Site{}, err
	}

	s.audit.Record(ctx, audit.Entry{Actor: id, SiteID: siteID, EntityType: "site", EntityID: siteID, Action: "update", Before: before, After: after, Reason: p.Reason})
	s.publish(events.EventSiteUpdate, model.SiteConfigChannel(siteID), siteID, "site", siteID, "update", after)
	return after, nil
}

// DeleteSite removes a site and everything it owns. Audit history is kept.
func (s *Service) DeleteSite(ctx context.Context, id model.Identity, siteID, reason string) error {
	var before model.Site
	err := s.editSite(ctx, id, siteID, func(tx store.Tx) error {
		var err error
		if before, err = tx.GetSite(ctx, siteID); err != nil {
			return err
		}
		return tx.DeleteSite(ctx, siteID)
	})
	if err != nil {
		return err
	}

	s.audit.Record(ctx, audit.Entry{Actor: id, SiteID: siteID, EntityType: "site", EntityID: siteID, Action: "delete", Before: before, Reason: reason})
	s.publish(events.EventSiteDeleted, model.SitesChannel, siteID, "site", siteID, "delete", nil)
	slog.Info("site deleted", "site", siteID, "by", id.UserID)
	return nil
}

// IntegrationPatch updates the provided integration settings.
type IntegrationPatch struct {
	ATGHost              *string `json:"atgHost" validate:"omitempty,max=255"`
	ATGPort              *int    `json:"atgPort" validate:"omitempty,min=1,max=65535"`
	ATGPollIntervalSec   *int    `json:"atgPollIntervalSec" validate:"omitempty,min=1,max=86400"`
	ATGTimeoutSec        *int    `json:"atgTimeoutSec" validate:"omitempty,min=1,max=600"`
	ATGRetries           *int    `json:"atgRetries" validate:"omitempty,min=0,max=20"`
	ATGStaleSec          *int    `json:"atgStaleSec" validate:"omitempty,min=1,max=86400"`
	PumpTimeoutSec       *int    `json:"pumpTimeoutSec" validate:"omitempty,min=1,max=600"`
	PumpKeepaliveEnabled *bool   `json:"pumpKeepaliveEnabled"`
	PumpReconnectEnabled *bool   `json:"pumpReconnectEnabled"`
	PumpStaleSec         *int    `json:"pumpStaleSec" validate:"omitempty,min=1,max=86400"`
	Reason               string  `json:"reason" validate:"max=512"`
}

// GetIntegration returns a site's integration settings.
func (s *Service) GetIntegration(ctx context.Context, id model.Identity, siteID string) (model.SiteIntegration, error) {
	var in model.SiteIntegration
	err := s.readSite(ctx, id, siteID, func(tx store.Tx) error {
		var err error
		in, err = tx.GetIntegration(ctx, siteID)
		return err
	})
	return in, err
}

// UpdateIntegration applies p to a site's integration settings.
func (s *Service) UpdateIntegration(ctx context.Context, id model.Identity, siteID string, p IntegrationPatch) (model.SiteIntegration, error) {
	if err := s.check(p); err != nil {
		return model.SiteIntegration{}, err
	}
	var before, after model.SiteIntegration
	err := s.editSite(ctx, id, siteID, func(tx store.Tx) error {
		var err error
		if before, err = tx.GetIntegration(ctx, siteID); err != nil {
			return err
		}
		after = before
		setIf(&after.ATGHost, p.ATGHost)
		setIf(&after.ATGPort, p.ATGPort)
		setIf(&after.ATGPollIntervalSec, p.ATGPollIntervalSec)
		setIf(&after.ATGTimeoutSec, p.ATGTimeoutSec)
		setIf(&after.ATGRetries, p.ATGRetries)
		setIf(&after.ATGStaleSec, p.ATGStaleSec)
		setIf(&after.PumpTimeoutSec, p.PumpTimeoutSec)
		setIf(&after.PumpKeepaliveEnabled, p.PumpKeepaliveEnabled)
		setIf(&after.PumpReconnectEnabled, p.PumpReconnectEnabled)
		setIf(&after.PumpStaleSec, p.PumpStaleSec)
		after.UpdatedAt = s.stamp()
		return tx.UpdateIntegration(ctx, after)
	})
	if err != nil {
		return model.SiteIntegration{}, err
	}

	s.audit.Record(ctx, audit.Entry{Actor: id, SiteID: siteID, EntityType: "site_integrations", EntityID: siteID, Action: "update", Before: before, After: after, Reason: p.Reason})
	s.publish(events.EventConfigChanged, model.SiteConfigChannel(siteID), siteID, "site_integrations", siteID, "update", after)
	return after, nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
