// Package access decides which sites a caller may see and which roles may
// mutate them.
package access

import (
	"context"
	"fmt"
	"slices"

	"github.com/darshan-rambhia/petrowatch/internal/model"
	"github.com/darshan-rambhia/petrowatch/internal/store"
)

// Editors are the roles allowed to change site configuration, raise manual
// alerts, clear alerts and read the audit log.
var Editors = []model.Role{model.RoleManager, model.RoleServiceTech}

// CanAccessSite reports whether id may see site. Managers see every site of
// their org; other roles see only their assigned sites.
func CanAccessSite(id model.Identity, site model.Site) bool {
	if id.Role == model.RoleManager {
		return site.OrgID == id.OrgID
	}
	return id.HasSite(site.ID)
}

// RequireRole returns ErrForbidden unless id has one of roles.
func RequireRole(id model.Identity, roles ...model.Role) error {
	if slices.Contains(roles, id.Role) {
		return nil
	}
	return fmt.Errorf("%w: role %s not permitted", model.ErrForbidden, id.Role)
}

// ResolveSiteID picks the site id of a site-scoped call from the path
// parameter, then a route-level site id, then the query string.
func ResolveSiteID(pathID, routeSiteID, querySiteID string) (string, error) {
	for _, v := range []string{pathID, routeSiteID, querySiteID} {
		if v != "" {
			return v, nil
		}
	}
	return "", model.ErrMissingSiteID
}

// Gate answers site visibility questions that need the store.
type Gate struct {
	store store.Store
}

// NewGate creates a gate over s.
func NewGate(s store.Store) *Gate {
	return &Gate{store: s}
}

// CheckSite returns nil when id may access siteID.
//
// Non-managers are checked against their token scope only, so a site outside
// the scope is ErrForbidden whether or not it exists. For managers a site that
// is missing or belongs to another org is ErrNotFound.
func (g *Gate) CheckSite(ctx context.Context, id model.Identity, siteID string) error {
	if siteID == "" {
		return model.ErrMissingSiteID
	}
	if id.Role != model.RoleManager {
		if id.HasSite(siteID) {
			return nil
		}
		return fmt.Errorf("%w: site %s is outside your scope", model.ErrForbidden, siteID)
	}
	return g.store.Read(ctx, func(tx store.Tx) error {
		return CheckSiteTx(ctx, tx, id, siteID)
	})
}

// CheckSiteTx is CheckSite inside an open transaction.
func CheckSiteTx(ctx context.Context, tx store.Tx, id model.Identity, siteID string) error {
	if id.Role != model.RoleManager {
		if id.HasSite(siteID) {
			return nil
		}
		return fmt.Errorf("%w: site %s is outside your scope", model.ErrForbidden, siteID)
	}
	site, err := tx.GetSite(ctx, siteID)
	if err != nil {
		return err
	}
	if site.OrgID != id.OrgID {
		return fmt.Errorf("site %s: %w", siteID, model.ErrNotFound)
	}
	return nil
}

// PermittedSiteIDs returns every site id id may see. For managers this is
// read from the store on each call.
func (g *Gate) PermittedSiteIDs(ctx context.Context, id model.Identity) ([]string, error) {
	var ids []string
	err := g.store.Read(ctx, func(tx store.Tx) error {
		var err error
		ids, err = PermittedSiteIDsTx(ctx, tx, id)
		return err
	})
	return ids, err
}

// PermittedSiteIDsTx is PermittedSiteIDs inside an open transaction.
func PermittedSiteIDsTx(ctx context.Context, tx store.Tx, id model.Identity) ([]string, error) {
	if id.Role != model.RoleManager {
		return append([]string{}, id.SiteIDs...), nil
	}
	sites, err := tx.ListSites(ctx, id.OrgID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(sites))
	for _, s := range sites {
		ids = append(ids, s.ID)
	}
	return ids, nil
}
