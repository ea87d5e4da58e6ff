package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/darshan-rambhia/petrowatch/internal/access"
	"github.com/darshan-rambhia/petrowatch/internal/audit"
	"github.com/darshan-rambhia/petrowatch/internal/events"
	"github.com/darshan-rambhia/petrowatch/internal/model"
	"github.com/darshan-rambhia/petrowatch/internal/store"
)

// SideInput configures one pump side.
type SideInput struct {
	IP   string `json:"ip" validate:"omitempty,ip"`
	Port int    `json:"port" validate:"omitempty,min=1,max=65535"`
}

// PumpInput creates a pump with sides A and B.
type PumpInput struct {
	PumpNumber int                      `json:"pumpNumber" validate:"required,min=1,max=999"`
	Label      string                   `json:"label" validate:"required,max=64"`
	Sides      map[model.Side]SideInput `json:"sides" validate:"omitempty,dive,keys,oneof=A B,endkeys"`
	Reason     string                   `json:"reason" validate:"max=512"`
}

// PumpPatch updates the provided pump fields.
type PumpPatch struct {
	Label  *string `json:"label" validate:"omitempty,min=1,max=64"`
	Active *bool   `json:"active"`
	Reason string  `json:"reason" validate:"max=512"`
}

// TankInput creates a tank. The id is derived from the site and ATG tank id.
type TankInput struct {
	ATGTankID      string  `json:"atgTankId" validate:"required,alphanum,max=16"`
	Label          string  `json:"label" validate:"required,max=64"`
	Product        string  `json:"product" validate:"required,max=32"`
	CapacityLiters float64 `json:"capacityLiters" validate:"gte=0"`
	Reason         string  `json:"reason" validate:"max=512"`
}

// TankPatch updates the provided tank fields.
type TankPatch struct {
	Label          *string  `json:"label" validate:"omitempty,min=1,max=64"`
	Product        *string  `json:"product" validate:"omitempty,min=1,max=32"`
	CapacityLiters *float64 `json:"capacityLiters" validate:"omitempty,gte=0"`
	Active         *bool    `json:"active"`
	Reason         string   `json:"reason" validate:"max=512"`
}

// ListPumps returns a site's pumps with their sides.
func (s *Service) ListPumps(ctx context.Context, id model.Identity, siteID string) ([]model.Pump, error) {
	var pumps []model.Pump
	err := s.readSite(ctx, id, siteID, func(tx store.Tx) error {
		var err error
		pumps, err = tx.ListPumps(ctx, siteID)
		return err
	})
	if pumps == nil {
		pumps = []model.Pump{}
	}
	return pumps, err
}

// CreatePump adds a pump with sides A and B and a connection row per side.
func (s *Service) CreatePump(ctx context.Context, id model.Identity, siteID string, in PumpInput) (model.Pump, error) {
	if err := s.check(in); err != nil {
		return model.Pump{}, err
	}
	for side, cfg := range in.Sides {
		if err := s.check(cfg); err != nil {
			return model.Pump{}, fmt.Errorf("side %s: %w", side, err)
		}
	}
	now := s.stamp()
	pump := model.Pump{
		ID:         model.PumpID(siteID, in.PumpNumber),
		SiteID:     siteID,
		PumpNumber: in.PumpNumber,
		Label:      in.Label,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.editSite(ctx, id, siteID, func(tx store.Tx) error {
		if err := tx.InsertPump(ctx, pump); err != nil {
			if errors.Is(err, model.ErrConflict) {
				return fmt.Errorf("%w: pump %d already exists", model.ErrConflict, in.PumpNumber)
			}
			return err
		}
		for _, side := range []model.Side{model.SideA, model.SideB} {
			cfg := in.Sides[side]
			ps := model.PumpSide{
				ID:     model.PumpSideID(pump.ID, side),
				PumpID: pump.ID,
				SiteID: siteID,
				Side:   side,
				IP:     cfg.IP,
				Port:   cfg.Port,
				Active: true,
			}
			if ps.Port == 0 {
				ps.Port = model.DefaultPumpSidePort
			}
			if err := tx.InsertPumpSide(ctx, ps); err != nil {
				return err
			}
			if err := tx.InsertConnection(ctx, model.ConnectionStatus{
				ID:       model.PumpSideConnID(ps.ID),
				SiteID:   siteID,
				Kind:     model.ConnKindPumpSide,
				TargetID: ps.ID,
				Status:   model.ConnDisconnected,
			}); err != nil {
				return err
			}
			pump.Sides = append(pump.Sides, ps)
		}
		return nil
	})
	if err != nil {
		return model.Pump{}, err
	}

	s.audit.Record(ctx, audit.Entry{Actor: id, SiteID: siteID, EntityType: "pump", EntityID: pump.ID, Action: "create", After: pump, Reason: in.Reason})
	s.publish(events.EventConfigChanged, model.SiteConfigChannel(siteID), siteID, "pump", pump.ID, "create", pump)
	return pump, nil
}

// UpdatePump applies p to the pump with id pumpID.
func (s *Service) UpdatePump(ctx context.Context, id model.Identity, pumpID string, p PumpPatch) (model.Pump, error) {
	if err := s.check(p); err != nil {
		return model.Pump{}, err
	}
	var before, after model.Pump
	err := s.editDevice(ctx, id, func(tx store.Tx) (string, error) {
		var err error
		before, err = tx.GetPump(ctx, pumpID)
		return before.SiteID, err
	}, func(tx store.Tx) error {
		after = before
		setIf(&after.Label, p.Label)
		setIf(&after.Active, p.Active)
		after.UpdatedAt = s.stamp()
		return tx.UpdatePump(ctx, after)
	})
	if err != nil {
		return model.Pump{}, err
	}

	s.audit.Record(ctx, audit.Entry{Actor: id, SiteID: after.SiteID, EntityType: "pump", EntityID: pumpID, Action: "update", Before: before, After: after, Reason: p.Reason})
	s.publish(events.EventConfigChanged, model.SiteConfigChannel(after.SiteID), after.SiteID, "pump", pumpID, "update", after)
	return after, nil
}

// DeletePump removes a pump with its sides and connection rows.
func (s *Service) DeletePump(ctx context.Context, id model.Identity, pumpID, reason string) error {
	var before model.Pump
	err := s.editDevice(ctx, id, func(tx store.Tx) (string, error) {
		var err error
		before, err = tx.GetPump(ctx, pumpID)
		return before.SiteID, err
	}, func(tx store.Tx) error {
		return tx.DeletePump(ctx, pumpID)
	})
	if err != nil {
		return err
	}

	s.audit.Record(ctx, audit.Entry{Actor: id, SiteID: before.SiteID, EntityType: "pump", EntityID: pumpID, Action: "delete", Before: before, Reason: reason})
	s.publish(events.EventConfigChanged, model.SiteConfigChannel(before.SiteID), before.SiteID, "pump", pumpID, "delete", nil)
	return nil
}

// ListTanks returns a site's tanks.
func (s *Service) ListTanks(ctx context.Context, id model.Identity, siteID string) ([]model.Tank, error) {
	var tanks []model.Tank
	err := s.readSite(ctx, id, siteID, func(tx store.Tx) error {
		var err error
		tanks, err = tx.ListTanks(ctx, siteID)
		return err
	})
	if tanks == nil {
		tanks = []model.Tank{}
	}
	return tanks, err
}

// CreateTank adds a tank to a site.
func (s *Service) CreateTank(ctx context.Context, id model.Identity, siteID string, in TankInput) (model.Tank, error) {
	if err := s.check(in); err != nil {
		return model.Tank{}, err
	}
	now := s.stamp()
	tank := model.Tank{
		ID:             model.TankID(siteID, in.ATGTankID),
		SiteID:         siteID,
		ATGTankID:      in.ATGTankID,
		Label:          in.Label,
		Product:        in.Product,
		CapacityLiters: in.CapacityLiters,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.editSite(ctx, id, siteID, func(tx store.Tx) error {
		err := tx.InsertTank(ctx, tank)
		if errors.Is(err, model.ErrConflict) {
			return fmt.Errorf("%w: tank %s already exists", model.ErrConflict, in.ATGTankID)
		}
		return err
	})
	if err != nil {
		return model.Tank{}, err
	}

	s.audit.Record(ctx, audit.Entry{Actor: id, SiteID: siteID, EntityType: "tank", EntityID: tank.ID, Action: "create", After: tank, Reason: in.Reason})
	s.publish(events.EventConfigChanged, model.SiteConfigChannel(siteID), siteID, "tank", tank.ID, "create", tank)
	return tank, nil
}

// UpdateTank applies p to the tank with id tankID.
func (s *Service) UpdateTank(ctx context.Context, id model.Identity, tankID string, p TankPatch) (model.Tank, error) {
	if err := s.check(p); err != nil {
		return model.Tank{}, err
	}
	var before, after model.Tank
	err := s.editDevice(ctx, id, func(tx store.Tx) (string, error) {
		var err error
		before, err = tx.GetTank(ctx, tankID)
		return before.SiteID, err
	}, func(tx store.Tx) error {
		after = before
		setIf(&after.Label, p.Label)
		setIf(&after.Product, p.Product)
		setIf(&after.CapacityLiters, p.CapacityLiters)
		setIf(&after.Active, p.Active)
		after.UpdatedAt = s.stamp()
		return tx.UpdateTank(ctx, after)
	})
	if err != nil {
		return model.Tank{}, err
	}

	s.audit.Record(ctx, audit.Entry{Actor: id, SiteID: after.SiteID, EntityType: "tank", EntityID: tankID, Action: "update", Before: before, After: after, Reason: p.Reason})
	s.publish(events.EventConfigChanged, model.SiteConfigChannel(after.SiteID), after.SiteID, "tank", tankID, "update", after)
	return after, nil
}

// DeleteTank removes a tank and its measurements.
func (s *Service) DeleteTank(ctx context.Context, id model.Identity, tankID, reason string) error {
	var before model.Tank
	err := s.editDevice(ctx, id, func(tx store.Tx) (string, error) {
		var err error
		before, err = tx.GetTank(ctx, tankID)
		return before.SiteID, err
	}, func(tx store.Tx) error {
		return tx.DeleteTank(ctx, tankID)
	})
	if err != nil {
		return err
	}

	s.audit.Record(ctx, audit.Entry{Actor: id, SiteID: before.SiteID, EntityType: "tank", EntityID: tankID, Action: "delete", Before: before, Reason: reason})
	s.publish(events.EventConfigChanged, model.SiteConfigChannel(before.SiteID), before.SiteID, "tank", tankID, "delete", nil)
	return nil
}

// editDevice resolves a device's site with lookup, checks the caller may
// edit that site, then runs fn, all in one transaction.
func (s *Service) editDevice(ctx context.Context, id model.Identity, lookup func(store.Tx) (string, error), fn func(store.Tx) error) error {
	if err := access.RequireRole(id, access.Editors...); err != nil {
		return err
	}
	return s.store.Write(ctx, func(tx store.Tx) error {
		siteID, err := lookup(tx)
		if err != nil {
			return err
		}
		if err := access.CheckSiteTx(ctx, tx, id, siteID); err != nil {
			return err
		}
		return fn(tx)
	})
}
