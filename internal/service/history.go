package service

import (
	"context"

	"github.com/darshan-rambhia/petrowatch/internal/access"
	"github.com/darshan-rambhia/petrowatch/internal/alerter"
	"github.com/darshan-rambhia/petrowatch/internal/audit"
	"github.com/darshan-rambhia/petrowatch/internal/model"
	"github.com/darshan-rambhia/petrowatch/internal/store"
)

// ManualSource is the sourceType of alarms raised through the API.
const ManualSource = "Manual"

// TankHistory returns measurements for the caller's sites, oldest first,
// capped at store.MaxHistoryPage rows.
func (s *Service) TankHistory(ctx context.Context, id model.Identity, f model.MeasurementFilter) ([]model.TankMeasurement, error) {
	if f.Limit <= 0 || f.Limit > store.MaxHistoryPage {
		f.Limit = store.MaxHistoryPage
	}
	var out []model.TankMeasurement
	err := s.store.Read(ctx, func(tx store.Tx) error {
		permitted, err := access.PermittedSiteIDsTx(ctx, tx, id)
		if err != nil {
			return err
		}
		f.SiteIDs = permitted
		out, err = tx.ListMeasurements(ctx, f)
		return err
	})
	if out == nil {
		out = []model.TankMeasurement{}
	}
	return out, err
}

// AuditLog returns the newest audit entries of the caller's org. Service techs
// only see entries for their assigned sites.
func (s *Service) AuditLog(ctx context.Context, id model.Identity, limit int) ([]model.AuditEntry, error) {
	if err := access.RequireRole(id, access.Editors...); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > store.MaxAuditPage {
		limit = store.MaxAuditPage
	}
	var out []model.AuditEntry
	err := s.store.Read(ctx, func(tx store.Tx) error {
		f := model.AuditFilter{OrgID: id.OrgID, Limit: limit}
		if id.Role != model.RoleManager {
			permitted, err := access.PermittedSiteIDsTx(ctx, tx, id)
			if err != nil {
				return err
			}
			f.SiteIDs = permitted
		}
		var err error
		out, err = tx.ListAudit(ctx, f)
		return err
	})
	if out == nil {
		out = []model.AuditEntry{}
	}
	return out, err
}

// RaiseManual raises an alarm on a site on behalf of an editor.
func (s *Service) RaiseManual(ctx context.Context, id model.Identity, siteID string, in alerter.AlarmInput) (model.AlarmEvent, error) {
	if err := access.RequireRole(id, access.Editors...); err != nil {
		return model.AlarmEvent{}, err
	}
	if err := s.gate.CheckSite(ctx, id, siteID); err != nil {
		return model.AlarmEvent{}, err
	}
	in.SiteID = siteID
	if in.SourceType == "" {
		in.SourceType = ManualSource
	}
	if err := s.checkDeviceRefs(ctx, in); err != nil {
		return model.AlarmEvent{}, err
	}
	ev, err := s.alerter.Raise(ctx, in)
	if err != nil {
		return model.AlarmEvent{}, err
	}
	s.audit.Record(ctx, audit.Entry{Actor: id, SiteID: siteID, EntityType: "alarm_event", EntityID: ev.ID, Action: "raise", After: ev})
	return ev, nil
}

// checkDeviceRefs rejects tank and pump ids that do not belong to the alarm's site.
func (s *Service) checkDeviceRefs(ctx context.Context, in alerter.AlarmInput) error {
	if in.TankID == "" && in.PumpID == "" {
		return nil
	}
	return s.store.Read(ctx, func(tx store.Tx) error {
		if in.TankID != "" {
			t, err := tx.GetTank(ctx, in.TankID)
			if err != nil || t.SiteID != in.SiteID {
				return model.Invalid("tank %s is not on site %s", in.TankID, in.SiteID)
			}
		}
		if in.PumpID != "" {
			p, err := tx.GetPump(ctx, in.PumpID)
			if err != nil || p.SiteID != in.SiteID {
				return model.Invalid("pump %s is not on site %s", in.PumpID, in.SiteID)
			}
		}
		return nil
	})
}

