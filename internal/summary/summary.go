// Package summary aggregates per-device rows into per-site summaries.
package summary

import (
	"context"
	"slices"

	"github.com/darshan-rambhia/petrowatch/internal/access"
	"github.com/darshan-rambhia/petrowatch/internal/model"
	"github.com/darshan-rambhia/petrowatch/internal/store"
)

// Engine computes site summaries with one batch query per entity type.
type Engine struct {
	store store.Store
}

// New creates an engine over s.
func New(s store.Store) *Engine {
	return &Engine{store: s}
}

// Summarize returns summaries for the requested sites the caller may see,
// ordered by site code. Requested ids outside the caller's scope are dropped.
func (e *Engine) Summarize(ctx context.Context, id model.Identity, siteIDs []string) ([]model.SiteSummary, error) {
	var out []model.SiteSummary
	err := e.store.Read(ctx, func(tx store.Tx) error {
		permitted, err := access.PermittedSiteIDsTx(ctx, tx, id)
		if err != nil {
			return err
		}
		ids := slices.DeleteFunc(slices.Clone(siteIDs), func(s string) bool {
			return !slices.Contains(permitted, s)
		})
		out, err = SummarizeTx(ctx, tx, ids)
		return err
	})
	return out, err
}

// SummarizePermitted summarizes every site the caller may see.
func (e *Engine) SummarizePermitted(ctx context.Context, id model.Identity) ([]model.SiteSummary, error) {
	var out []model.SiteSummary
	err := e.store.Read(ctx, func(tx store.Tx) error {
		ids, err := access.PermittedSiteIDsTx(ctx, tx, id)
		if err != nil {
			return err
		}
		out, err = SummarizeTx(ctx, tx, ids)
		return err
	})
	return out, err
}

// SummarizeTx aggregates the given sites inside an open transaction. It does
// no access checks. Missing ids are skipped.
func SummarizeTx(ctx context.Context, tx store.Tx, siteIDs []string) ([]model.SiteSummary, error) {
	if len(siteIDs) == 0 {
		return []model.SiteSummary{}, nil
	}
	sites, err := tx.SitesByIDs(ctx, siteIDs)
	if err != nil {
		return nil, err
	}
	sides, err := tx.PumpSidesBySites(ctx, siteIDs)
	if err != nil {
		return nil, err
	}
	conns, err := tx.ConnectionsBySites(ctx, siteIDs)
	if err != nil {
		return nil, err
	}
	counts, err := tx.AlarmCounts(ctx, siteIDs)
	if err != nil {
		return nil, err
	}
	return Aggregate(sites, sides, conns, counts), nil
}

// Aggregate joins pre-fetched rows into summaries in the order of sites.
func Aggregate(sites []model.Site, sides []model.PumpSide, conns []model.ConnectionStatus, counts map[string]store.AlarmCount) []model.SiteSummary {
	sideStatus := make(map[string]model.ConnState, len(conns))
	out := make([]model.SiteSummary, len(sites))
	bySite := make(map[string]*model.SiteSummary, len(sites))
	for i, s := range sites {
		out[i] = model.SiteSummary{Site: s}
		bySite[s.ID] = &out[i]
	}

	for _, c := range conns {
		switch c.Kind {
		case model.ConnKindPumpSide:
			if c.TargetID != "" {
				sideStatus[c.TargetID] = c.Status
			}
		case model.ConnKindATG:
			sum, ok := bySite[c.SiteID]
			if !ok || c.LastSeenAt == nil {
				continue
			}
			if sum.ATGLastSeenAt == nil || c.LastSeenAt.After(*sum.ATGLastSeenAt) {
				t := *c.LastSeenAt
				sum.ATGLastSeenAt = &t
			}
		}
	}

	for _, ps := range sides {
		sum, ok := bySite[ps.SiteID]
		if !ok {
			continue
		}
		sum.PumpSidesExpected++
		if sideStatus[ps.ID] == model.ConnConnected {
			sum.PumpSidesConnected++
		}
	}

	for siteID, c := range counts {
		if sum, ok := bySite[siteID]; ok {
			sum.CriticalCount = c.Critical
			sum.WarnCount = c.Warn
		}
	}
	return out
}
