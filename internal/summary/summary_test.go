package summary

import (
	"context"
	"testing"
	"time"

	"github.com/darshan-rambhia/petrowatch/internal/model"
	"github.com/darshan-rambhia/petrowatch/internal/seed"
	"github.com/darshan-rambhia/petrowatch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var (
	manager  = model.Identity{UserID: "user-manager", OrgID: "org-demo", Role: model.RoleManager}
	operator = model.Identity{UserID: "user-operator", OrgID: "org-demo", Role: model.RoleOperator, SiteIDs: []string{"site-1001"}}
)

func ptr(t time.Time) *time.Time { return &t }

func TestAggregate(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	sites := []model.Site{{ID: "s1", SiteCode: "1"}, {ID: "s2", SiteCode: "2"}}
	sides := []model.PumpSide{
		{ID: "ps-1a", SiteID: "s1"},
		{ID: "ps-1b", SiteID: "s1"},
		{ID: "ps-1c", SiteID: "s1"},
		{ID: "ps-x", SiteID: "s9"},
	}
	conns := []model.ConnectionStatus{
		{ID: "c1", SiteID: "s1", Kind: model.ConnKindPumpSide, TargetID: "ps-1a", Status: model.ConnConnected},
		{ID: "c2", SiteID: "s1", Kind: model.ConnKindPumpSide, TargetID: "ps-1b", Status: model.ConnDisconnected},
		{ID: "a1", SiteID: "s1", Kind: model.ConnKindATG, Status: model.ConnConnected, LastSeenAt: ptr(t1)},
		{ID: "a2", SiteID: "s1", Kind: model.ConnKindATG, Status: model.ConnDisconnected, LastSeenAt: ptr(t2)},
		{ID: "a3", SiteID: "s2", Kind: model.ConnKindATG, Status: model.ConnConnected},
	}
	counts := map[string]store.AlarmCount{"s2": {Critical: 2, Warn: 1}, "s9": {Critical: 5}}

	got := Aggregate(sites, sides, conns, counts)
	require.Len(t, got, 2)

	assert.Equal(t, "s1", got[0].ID)
	assert.Equal(t, 3, got[0].PumpSidesExpected, "sides without a status row still count as expected")
	assert.Equal(t, 1, got[0].PumpSidesConnected)
	require.NotNil(t, got[0].ATGLastSeenAt)
	assert.Equal(t, t2, *got[0].ATGLastSeenAt, "latest ATG sighting wins")
	assert.Zero(t, got[0].CriticalCount)

	assert.Equal(t, 2, got[1].CriticalCount)
	assert.Equal(t, 1, got[1].WarnCount)
	assert.Nil(t, got[1].ATGLastSeenAt, "ATG row without lastSeenAt")
	assert.Zero(t, got[1].PumpSidesExpected)
}

func TestAggregate_ConnectedNeverExceedsExpected(t *testing.T) {
	sites := []model.Site{{ID: "s1"}}
	sides := []model.PumpSide{{ID: "ps-a", SiteID: "s1"}}
	conns := []model.ConnectionStatus{
		{SiteID: "s1", Kind: model.ConnKindPumpSide, TargetID: "ps-a", Status: model.ConnConnected},
		{SiteID: "s1", Kind: model.ConnKindPumpSide, TargetID: "ps-gone", Status: model.ConnConnected},
	}
	got := Aggregate(sites, sides, conns, nil)
	assert.LessOrEqual(t, got[0].PumpSidesConnected, got[0].PumpSidesExpected)
	assert.Equal(t, 1, got[0].PumpSidesConnected)
}

func newEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	ctx := context.Background()
	s := store.NewDocStore("")
	c, err := seed.Demo()
	require.NoError(t, err)
	_, err = seed.Apply(ctx, s, c, seed.Options{PasswordCost: bcrypt.MinCost})
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, s.Write(ctx, func(tx store.Tx) error {
		if err := tx.InsertOrg(ctx, model.Org{ID: "org-other", CreatedAt: now}); err != nil {
			return err
		}
		return tx.InsertSite(ctx, model.Site{ID: "site-0500", OrgID: "org-other", SiteCode: "0500", CreatedAt: now, UpdatedAt: now})
	}))
	return New(s), s
}

func TestSummarizePermitted_Visibility(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	got, err := e.SummarizePermitted(ctx, manager)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1001", got[0].SiteCode)
	assert.Equal(t, "1002", got[1].SiteCode)

	got, err = e.SummarizePermitted(ctx, operator)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "site-1001", got[0].ID)
	assert.Equal(t, 4, got[0].PumpSidesExpected)
	assert.Equal(t, 4, got[0].PumpSidesConnected)
	assert.Equal(t, 1, got[0].WarnCount, "seeded card reader alarm")
	assert.NotNil(t, got[0].ATGLastSeenAt)

	got, err = e.SummarizePermitted(ctx, model.Identity{Role: model.RoleOperator})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSummarize_DropsUnpermittedIDs(t *testing.T) {
	e, _ := newEngine(t)
	got, err := e.Summarize(context.Background(), manager, []string{"site-1002", "site-0500", "site-nope", "site-1001"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "site-1001", got[0].ID, "ordered by site code, not request order")
	assert.Equal(t, "site-1002", got[1].ID)

	got, err = e.Summarize(context.Background(), operator, []string{"site-1002"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSummarize_AckDecrementsCritical(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Write(ctx, func(tx store.Tx) error {
		return tx.InsertAlarm(ctx, model.AlarmEvent{
			ID: "crit-1", SiteID: "site-1001", Severity: model.SeverityCritical,
			State: model.AlarmRaised, Code: "X", Message: "x", RaisedAt: now, CreatedAt: now,
		})
	}))
	before, err := e.Summarize(ctx, manager, []string{"site-1001"})
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Equal(t, 1, before[0].CriticalCount)

	require.NoError(t, s.Write(ctx, func(tx store.Tx) error {
		_, err := tx.AckAlarm(ctx, "crit-1", "user-manager", now)
		return err
	}))
	after, err := e.Summarize(ctx, manager, []string{"site-1001"})
	require.NoError(t, err)
	assert.Equal(t, before[0].CriticalCount-1, after[0].CriticalCount)
	assert.Equal(t, before[0].WarnCount, after[0].WarnCount)
}

func BenchmarkAggregate(b *testing.B) {
	var sites []model.Site
	var sides []model.PumpSide
	var conns []model.ConnectionStatus
	for i := range 200 {
		id := model.SiteID(string(rune('a'+i%26)) + string(rune('a'+i/26)))
		sites = append(sites, model.Site{ID: id})
		for p := range 8 {
			for _, side := range []model.Side{model.SideA, model.SideB} {
				psID := model.PumpSideID(model.PumpID(id, p), side)
				sides = append(sides, model.PumpSide{ID: psID, SiteID: id})
				conns = append(conns, model.ConnectionStatus{SiteID: id, Kind: model.ConnKindPumpSide, TargetID: psID, Status: model.ConnConnected})
			}
		}
	}
	for b.Loop() {
		Aggregate(sites, sides, conns, nil)
	}
}
