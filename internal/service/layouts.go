package service

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/darshan-rambhia/petrowatch/internal/audit"
	"github.com/darshan-rambhia/petrowatch/internal/events"
	"github.com/darshan-rambhia/petrowatch/internal/model"
	"github.com/darshan-rambhia/petrowatch/internal/store"
)

//go:embed layout.schema.json
var layoutSchema []byte

const layoutSchemaURL = "layout.schema.json"

func compileLayoutSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(layoutSchema))
	if err != nil {
		return nil, fmt.Errorf("parsing layout schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(layoutSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("loading layout schema: %w", err)
	}
	sch, err := c.Compile(layoutSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compiling layout schema: %w", err)
	}
	return sch, nil
}

// LayoutInput creates a new layout version. When BaseVersion is set the
// write fails with ErrConflict unless it equals the current latest version.
type LayoutInput struct {
	Name        string          `json:"name" validate:"max=128"`
	JSON        json.RawMessage `json:"json" validate:"required"`
	BaseVersion *int            `json:"baseVersion" validate:"omitempty,min=0"`
	Reason      string          `json:"reason" validate:"max=512"`
}

// ValidateLayout checks a scene graph against the layout schema and rejects
// duplicate object ids.
func (s *Service) ValidateLayout(raw json.RawMessage) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return model.Invalid("layout json: %v", err)
	}
	if err := s.layout.Validate(inst); err != nil {
		return model.Invalid("layout json: %v", err)
	}

	var doc struct {
		Objects []struct {
			ID string `json:"id"`
		} `json:"objects"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.Invalid("layout json: %v", err)
	}
	seen := make(map[string]bool, len(doc.Objects))
	for _, o := range doc.Objects {
		if seen[o.ID] {
			return model.Invalid("layout json: duplicate object id %q", o.ID)
		}
		seen[o.ID] = true
	}
	return nil
}

// ActiveLayout returns the site's active layout version.
func (s *Service) ActiveLayout(ctx context.Context, id model.Identity, siteID string) (model.Layout, error) {
	var l model.Layout
	err := s.readSite(ctx, id, siteID, func(tx store.Tx) error {
		var err error
		l, err = tx.ActiveLayout(ctx, siteID)
		return err
	})
	return l, err
}

// ListLayouts returns every layout version of a site, newest first.
func (s *Service) ListLayouts(ctx context.Context, id model.Identity, siteID string) ([]model.Layout, error) {
	var out []model.Layout
	err := s.readSite(ctx, id, siteID, func(tx store.Tx) error {
		var err error
		out, err = tx.ListLayouts(ctx, siteID)
		return err
	})
	if out == nil {
		out = []model.Layout{}
	}
	return out, err
}

// CreateLayout stores a new layout version and makes it the only active one.
// Existing versions are never modified beyond clearing their active flag.
func (s *Service) CreateLayout(ctx context.Context, id model.Identity, siteID string, in LayoutInput) (model.Layout, error) {
	if err := s.check(in); err != nil {
		return model.Layout{}, err
	}
	if err := s.ValidateLayout(in.JSON); err != nil {
		return model.Layout{}, err
	}
	var l model.Layout
	err := s.editSite(ctx, id, siteID, func(tx store.Tx) error {
		latest, err := tx.MaxLayoutVersion(ctx, siteID)
		if err != nil {
			return err
		}
		if in.BaseVersion != nil && *in.BaseVersion != latest {
			return fmt.Errorf("%w: layout is at version %d, not %d", model.ErrConflict, latest, *in.BaseVersion)
		}
		version := latest + 1
		l = model.Layout{
			ID:        model.LayoutID(siteID, version),
			SiteID:    siteID,
			Version:   version,
			Name:      in.Name,
			JSON:      in.JSON,
			CreatedBy: id.UserID,
			CreatedAt: s.stamp(),
			IsActive:  true,
		}
		if l.Name == "" {
			l.Name = fmt.Sprintf("Layout v%d", version)
		}
		if err := tx.DeactivateLayouts(ctx, siteID); err != nil {
			return err
		}
		return tx.InsertLayout(ctx, l)
	})
	if err != nil {
		return model.Layout{}, err
	}

	s.audit.Record(ctx, audit.Entry{
		Actor:      id,
		SiteID:     siteID,
		EntityType: "forecourt_layout",
		EntityID:   l.ID,
		Action:     "create_version",
		After:      map[string]any{"version": l.Version, "name": l.Name},
		Reason:     in.Reason,
	})
	s.publish(events.EventLayoutUpdated, model.SiteConfigChannel(siteID), siteID, "forecourt_layout", l.ID, "create_version",
		map[string]any{"version": l.Version})
	return l, nil
}
