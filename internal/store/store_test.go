package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/darshan-rambhia/petrowatch/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t testing.TB) Store {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachBackend runs fn against a fresh SQLite store and a memory document store.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("memory", func(t *testing.T) {
		s := NewDocStore("")
		require.NoError(t, s.Init(context.Background()))
		fn(t, s)
	})
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

const (
	siteA = "site-1001"
	siteB = "site-1002"
	siteX = "site-2001"
	tankA = "tank-site-1001-1"
	pumpA = "pump-site-1001-1"
)

// seedFixture creates two orgs, three sites, one tank with a reading and one
// pump with both sides and their connection rows.
func seedFixture(t testing.TB, s Store) {
	t.Helper()
	ctx := context.Background()
	site := func(id, org, code string) model.Site {
		return model.Site{ID: id, OrgID: org, SiteCode: code, Name: "Station " + code,
			Timezone: model.DefaultTimezone, CreatedAt: t0, UpdatedAt: t0}
	}
	sideA := model.PumpSideID(pumpA, model.SideA)
	sideB := model.PumpSideID(pumpA, model.SideB)
	seen := t0
	require.NoError(t, s.Write(ctx, func(tx Tx) error {
		return firstErr(
			tx.InsertOrg(ctx, model.Org{ID: "org-1", Name: "Demo", CreatedAt: t0}),
			tx.InsertOrg(ctx, model.Org{ID: "org-2", Name: "Other", CreatedAt: t0}),
			tx.InsertSite(ctx, site(siteA, "org-1", "1001")),
			tx.InsertSite(ctx, site(siteB, "org-1", "1002")),
			tx.InsertSite(ctx, site(siteX, "org-2", "2001")),
			tx.InsertIntegration(ctx, model.DefaultIntegration(siteA)),
			tx.InsertTank(ctx, model.Tank{ID: tankA, SiteID: siteA, ATGTankID: "1", Label: "Regular",
				Product: "ULG", CapacityLiters: 10000, Active: true, CreatedAt: t0, UpdatedAt: t0}),
			tx.InsertMeasurement(ctx, model.TankMeasurement{ID: "m-1", TankID: tankA, SiteID: siteA, TS: t0,
				FuelVolumeL: 6800, UllageL: 3200, TempC: 15}),
			tx.InsertPump(ctx, model.Pump{ID: pumpA, SiteID: siteA, PumpNumber: 1, Label: "Pump 1",
				Active: true, CreatedAt: t0, UpdatedAt: t0}),
			tx.InsertPumpSide(ctx, model.PumpSide{ID: sideA, PumpID: pumpA, SiteID: siteA, Side: model.SideA,
				Port: model.DefaultPumpSidePort, Active: true}),
			tx.InsertPumpSide(ctx, model.PumpSide{ID: sideB, PumpID: pumpA, SiteID: siteA, Side: model.SideB,
				Port: model.DefaultPumpSidePort, Active: true}),
			tx.InsertConnection(ctx, model.ConnectionStatus{ID: model.PumpSideConnID(sideA), SiteID: siteA,
				Kind: model.ConnKindPumpSide, TargetID: sideA, Status: model.ConnConnected, LastSeenAt: &seen}),
			tx.InsertConnection(ctx, model.ConnectionStatus{ID: model.PumpSideConnID(sideB), SiteID: siteA,
				Kind: model.ConnKindPumpSide, TargetID: sideB, Status: model.ConnDisconnected, LastSeenAt: &seen}),
			tx.InsertConnection(ctx, model.ConnectionStatus{ID: model.ATGConnID(siteA), SiteID: siteA,
				Kind: model.ConnKindATG, Status: model.ConnConnected, LastSeenAt: &seen}),
			tx.InsertUser(ctx, model.User{ID: "u-tech", OrgID: "org-1", Email: "Tech@Demo.com", Name: "Tech",
				Role: model.RoleServiceTech, PasswordHash: "hash", SiteIDs: []string{siteA}, CreatedAt: t0}),
		)
	}))
}

func alarm(id, site string, sev model.Severity, created time.Time) model.AlarmEvent {
	return model.AlarmEvent{ID: id, SiteID: site, SourceType: "PumpSide", Component: "printer",
		Severity: sev, State: model.AlarmRaised, Code: "SIM-01", Message: "fault",
		RaisedAt: created, CreatedAt: created}
}

func TestOpen_Schemes(t *testing.T) {
	tests := []struct {
		dsn     string
		backend string
		wantErr error
	}{
		{"memory://", "memory", nil},
		{"json://" + filepath.Join(t.TempDir(), "db.json"), "json", nil},
		{"sqlite://" + filepath.Join(t.TempDir(), "x.db"), "sqlite", nil},
		{"postgres://u:p@localhost/db?sslmode=disable", "postgres", nil},
		{"mysql://nope", "", ErrUnknownBackend},
		{"no-scheme", "", ErrUnknownBackend},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			s, err := Open(tt.dsn)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			defer s.Close()
			assert.Equal(t, tt.backend, s.Backend())
		})
	}
}

func TestInit_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.Init(context.Background()))
}

func TestInsert_DuplicateIsConflict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		seedFixture(t, s)
		ctx := context.Background()

		err := s.Write(ctx, func(tx Tx) error {
			return tx.InsertSite(ctx, model.Site{ID: siteA, OrgID: "org-1", SiteCode: "1001", Name: "dup",
				Timezone: "UTC", CreatedAt: t0, UpdatedAt: t0})
		})
		assert.ErrorIs(t, err, model.ErrConflict)

		err = s.Write(ctx, func(tx Tx) error {
			return tx.InsertUser(ctx, model.User{ID: "u-other", OrgID: "org-1", Email: "tech@demo.com",
				Role: model.RoleOperator, PasswordHash: "x", CreatedAt: t0})
		})
		assert.ErrorIs(t, err, model.ErrConflict, "email is unique regardless of case")
	})
}

func TestWrite_RollsBackOnError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		seedFixture(t, s)
		ctx := context.Background()
		boom := errors.New("boom")

		err := s.Write(ctx, func(tx Tx) error {
			if err := tx.InsertTank(ctx, model.Tank{ID: "tank-site-1001-9", SiteID: siteA, ATGTankID: "9",
				Label: "T9", Active: true, CreatedAt: t0, UpdatedAt: t0}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		err = s.Read(ctx, func(tx Tx) error {
			_, err := tx.GetTank(ctx, "tank-site-1001-9")
			return err
		})
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestUsers_LookupWithSites(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		seedFixture(t, s)
		ctx := context.Background()
		require.NoError(t, s.Read(ctx, func(tx Tx) error {
			u, err := tx.UserByEmail(ctx, "TECH@demo.com")
			require.NoError(t, err)
			assert.Equal(t, "u-tech", u.ID)
			assert.Equal(t, "hash", u.PasswordHash)
			assert.Equal(t, []string{siteA}, u.SiteIDs)

			byID, err := tx.UserByID(ctx, "u-tech")
			require.NoError(t, err)
			assert.Equal(t, u.Email, byID.Email)

			_, err = tx.UserByEmail(ctx, "nobody@demo.com")
			assert.ErrorIs(t, err, model.ErrNotFound)

			n, err := tx.CountUsers(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			return nil
		}))
	})
}

func TestSites_ListAndUpdate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		seedFixture(t, s)
		ctx := context.Background()
		lat := 40.7
		require.NoError(t, s.Write(ctx, func(tx Tx) error {
			site, err := tx.GetSite(ctx, siteB)
			require.NoError(t, err)
			site.Name = "Renamed"
			site.PostalCode = "10001"
			site.Lat = &lat
			site.UpdatedAt = t0.Add(time.Minute)
			return tx.UpdateSite(ctx, site)
		}))
		require.NoError(t, s.Read(ctx, func(tx Tx) error {
			sites, err := tx.ListSites(ctx, "org-1")
			require.NoError(t, err)
			require.Len(t, sites, 2)
			assert.Equal(t, siteA, sites[0].ID)
			assert.Equal(t, "Renamed", sites[1].Name)
			assert.Equal(t, "10001", sites[1].PostalCode)
			require.NotNil(t, sites[1].Lat)
			assert.InDelta(t, lat, *sites[1].Lat, 1e-9)
			assert.Nil(t, sites[1].Lon)

			byIDs, err := tx.SitesByIDs(ctx, []string{siteX, siteA, "site-missing"})
			require.NoError(t, err)
			assert.Len(t, byIDs, 2)

			none, err := tx.SitesByIDs(ctx, nil)
			require.NoError(t, err)
			assert.Empty(t, none)
			return nil
		}))
		err := s.Write(ctx, func(tx Tx) error {
			return tx.UpdateSite(ctx, model.Site{ID: "site-missing", UpdatedAt: t0})
		})
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestDeleteSite_Cascades(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		seedFixture(t, s)
		ctx := context.Background()
		require.NoError(t, s.Write(ctx, func(tx Tx) error {
			return firstErr(
				tx.InsertAlarm(ctx, alarm("a-1", siteA, model.SeverityCritical, t0)),
				tx.InsertLayout(ctx, model.Layout{ID: model.LayoutID(siteA, 1), SiteID: siteA, Version: 1,
					Name: "v1", JSON: json.RawMessage(`{"objects":[]}`), CreatedBy: "u-tech", CreatedAt: t0, IsActive: true}),
				tx.InsertAudit(ctx, model.AuditEntry{ID: "au-1", OrgID: "org-1", UserID: "u-tech", SiteID: siteA,
					EntityType: "site", EntityID: siteA, Action: "create", CreatedAt: t0}),
			)
		}))

		require.NoError(t, s.Write(ctx, func(tx Tx) error { return tx.DeleteSite(ctx, siteA) }))

		require.NoError(t, s.Read(ctx, func(tx Tx) error {
			_, err := tx.GetSite(ctx, siteA)
			assert.ErrorIs(t, err, model.ErrNotFound)
			_, err = tx.GetTank(ctx, tankA)
			assert.ErrorIs(t, err, model.ErrNotFound)
			_, err = tx.GetPump(ctx, pumpA)
			assert.ErrorIs(t, err, model.ErrNotFound)
			_, err = tx.GetAlarm(ctx, "a-1")
			assert.ErrorIs(t, err, model.ErrNotFound)
			_, err = tx.GetIntegration(ctx, siteA)
			assert.ErrorIs(t, err, model.ErrNotFound)

			conns, err := tx.ConnectionsBySites(ctx, []string{siteA})
			require.NoError(t, err)
			assert.Empty(t, conns)
			hist, err := tx.ListMeasurements(ctx, model.MeasurementFilter{TankID: tankA})
			require.NoError(t, err)
			assert.Empty(t, hist)

			u, err := tx.UserByID(ctx, "u-tech")
			require.NoError(t, err)
			assert.Empty(t, u.SiteIDs)

			audit, err := tx.ListAudit(ctx, model.AuditFilter{OrgID: "org-1"})
			require.NoError(t, err)
			assert.Len(t, audit, 1, "audit rows survive site deletion")
			return nil
		}))

		err := s.Write(ctx, func(tx Tx) error { return tx.DeleteSite(ctx, siteA) })
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestPumps_SidesAndDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		seedFixture(t, s)
		ctx := context.Background()
		require.NoError(t, s.Read(ctx, func(tx Tx) error {
			p, err := tx.GetPump(ctx, pumpA)
			require.NoError(t, err)
			require.Len(t, p.Sides, 2)
			assert.Equal(t, model.SideA, p.Sides[0].Side)
			assert.Equal(t, model.DefaultPumpSidePort, p.Sides[1].Port)

			pumps, err := tx.ListPumps(ctx, siteA)
			require.NoError(t, err)
			require.Len(t, pumps, 1)
			assert.Len(t, pumps[0].Sides, 2)

			active, err := tx.ActivePumps(ctx)
			require.NoError(t, err)
			assert.Len(t, active, 1)
			return nil
		}))

		require.NoError(t, s.Write(ctx, func(tx Tx) error {
			p, err := tx.GetPump(ctx, pumpA)
			if err != nil {
				return err
			}
			p.Active = false
			return tx.UpdatePump(ctx, p)
		}))
		require.NoError(t, s.Read(ctx, func(tx Tx) error {
			active, err := tx.ActivePumps(ctx)
			require.NoError(t, err)
			assert.Empty(t, active)
			return nil
		}))

		require.NoError(t, s.Write(ctx, func(tx Tx) error { return tx.DeletePump(ctx, pumpA) }))
		require.NoError(t, s.Read(ctx, func(tx Tx) error {
			sides, err := tx.PumpSidesBySites(ctx, []string{siteA})
			require.NoError(t, err)
			assert.Empty(t, sides)
			conns, err := tx.ConnectionsByKind(ctx, model.ConnKindPumpSide)
			require.NoError(t, err)
			assert.Empty(t, conns)
			atg, err := tx.ConnectionsByKind(ctx, model.ConnKindATG)
			require.NoError(t, err)
			assert.Len(t, atg, 1, "ATG row is not owned by the pump")
			return nil
		}))
	})
}

func TestToggleConnection(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		seedFixture(t, s)
		ctx := context.Background()
		id := model.PumpSideConnID(model.PumpSideID(pumpA, model.SideA))
		at := t0.Add(time.Hour)

		var got model.ConnState
		require.NoError(t, s.Write(ctx, func(tx Tx) error {
			var err error
			got, err = tx.ToggleConnection(ctx, id, at)
			return err
		}))
		assert.Equal(t, model.ConnDisconnected, got)

		require.NoError(t, s.Write(ctx, func(tx Tx) error {
			var err error
			got, err = tx.ToggleConnection(ctx, id, at)
			return err
		}))
		assert.Equal(t, model.ConnConnected, got)

		require.NoError(t, s.Read(ctx, func(tx Tx) error {
			conns, err := tx.ConnectionsBySites(ctx, []string{siteA})
			require.NoError(t, err)
			for _, c := range conns {
				if c.ID == id {
					require.NotNil(t, c.LastSeenAt)
					assert.True(t, at.Equal(*c.LastSeenAt))
				}
			}
			return nil
		}))

		err := s.Write(ctx, func(tx Tx) error {
			_, err := tx.ToggleConnection(ctx, "conn-missing", at)
			return err
		})
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestLayouts_Versions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		seedFixture(t, s)
		ctx := context.Background()
		add := func(v int) error {
			return s.Write(ctx, func(tx Tx) error {
				if err := tx.DeactivateLayouts(ctx, siteA); err != nil {
					return err
				}
				return tx.InsertLayout(ctx, model.Layout{ID: model.LayoutID(siteA, v), SiteID: siteA, Version: v,
					Name: fmt.Sprintf("Layout v%d", v), JSON: json.RawMessage(`{"objects":[]}`),
					CreatedBy: "u-tech", CreatedAt: t0, IsActive: true})
			})
		}
		require.NoError(t, add(1))
		require.NoError(t, add(2))
		assert.ErrorIs(t, add(2), model.ErrConflict)

		require.NoError(t, s.Read(ctx, func(tx Tx) error {
			active, err := tx.ActiveLayout(ctx, siteA)
			require.NoError(t, err)
			assert.Equal(t, 2, active.Version)
			assert.JSONEq(t, `{"objects":[]}`, string(active.JSON))

			all, err := tx.ListLayouts(ctx, siteA)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, 2, all[0].Version)
			assert.False(t, all[1].IsActive)

			v, err := tx.MaxLayoutVersion(ctx, siteA)
			require.NoError(t, err)
			assert.Equal(t, 2, v)

			v, err = tx.MaxLayoutVersion(ctx, siteB)
			require.NoError(t, err)
			assert.Zero(t, v)

			_, err = tx.ActiveLayout(ctx, siteB)
			assert.ErrorIs(t, err, model.ErrNotFound)
			return nil
		}))
	})
}

func TestAlarms_LifecycleAndCounts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		seedFixture(t, s)
		ctx := context.Background()
		require.NoError(t, s.Write(ctx, func(tx Tx) error {
			return firstErr(
				tx.InsertAlarm(ctx, alarm("a-1", siteA, model.SeverityCritical, t0)),
				tx.InsertAlarm(ctx, alarm("a-2", siteA, model.SeverityWarn, t0.Add(time.Minute))),
				tx.InsertAlarm(ctx, alarm("a-3", siteB, model.SeverityInfo, t0.Add(2*time.Minute))),
				tx.InsertAlarm(ctx, alarm("a-4", siteX, model.SeverityCritical, t0.Add(3*time.Minute))),
			)
		}))

		var ok bool
		require.NoError(t, s.Write(ctx, func(tx Tx) error {
			var err error
			ok, err = tx.AckAlarm(ctx, "a-1", "u-tech", t0.Add(time.Hour))
			return err
		}))
		assert.True(t, ok)

		require.NoError(t, s.Write(ctx, func(tx Tx) error {
			var err error
			ok, err = tx.AckAlarm(ctx, "a-1", "u-other", t0.Add(2*time.Hour))
			return err
		}))
		assert.False(t, ok, "second ack does not overwrite")

		require.NoError(t, s.Read(ctx, func(tx Tx) error {
			a, err := tx.GetAlarm(ctx, "a-1")
			require.NoError(t, err)
			assert.Equal(t, model.AlarmAcknowledged, a.State)
			assert.Equal(t, "u-tech", a.AckBy)
			require.NotNil(t, a.AckAt)
			assert.True(t, t0.Add(time.Hour).Equal(*a.AckAt))

			counts, err := tx.AlarmCounts(ctx, []string{siteA, siteB})
			require.NoError(t, err)
			assert.Equal(t, AlarmCount{Critical: 0, Warn: 1}, counts[siteA])
			assert.Equal(t, AlarmCount{}, counts[siteB], "info is not counted")
			_, hasX := counts[siteX]
			assert.False(t, hasX)
			return nil
		}))

		require.NoError(t, s.Write(ctx, func(tx Tx) error {
			var err error
			ok, err = tx.ClearAlarm(ctx, "a-1", t0.Add(3*time.Hour))
			return err
		}))
		assert.True(t, ok)
		require.NoError(t, s.Write(ctx, func(tx Tx) error {
			var err error
			ok, err = tx.ClearAlarm(ctx, "a-1", t0.Add(4*time.Hour))
			return err
		}))
		assert.False(t, ok)
	})
}

func TestListAlarms_Filters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		seedFixture(t, s)
		ctx := context.Background()
		require.NoError(t, s.Write(ctx, func(tx Tx) error {
			a1 := alarm("a-1", siteA, model.SeverityCritical, t0)
			a1.PumpID, a1.Side = pumpA, model.SideA
			return firstErr(
				tx.InsertAlarm(ctx, a1),
				tx.InsertAlarm(ctx, alarm("a-2", siteA, model.SeverityWarn, t0.Add(time.Minute))),
				tx.InsertAlarm(ctx, alarm("a-3", siteB, model.SeverityWarn, t0.Add(2*time.Minute))),
				tx.InsertAlarm(ctx, alarm("a-4", siteX, model.SeverityWarn, t0.Add(3*time.Minute))),
			)
		}))

		ids := func(f model.AlarmFilter) []string {
			var out []string
			require.NoError(t, s.Read(ctx, func(tx Tx) error {
				list, err := tx.ListAlarms(ctx, f)
				for _, a := range list {
					out = append(out, a.ID)
				}
				return err
			}))
			return out
		}

		tests := []struct {
			name   string
			filter model.AlarmFilter
			want   []string
		}{
			{"all newest first", model.AlarmFilter{}, []string{"a-4", "a-3", "a-2", "a-1"}},
			{"scoped", model.AlarmFilter{SiteIDs: []string{siteA, siteB}}, []string{"a-3", "a-2", "a-1"}},
			{"empty scope", model.AlarmFilter{SiteIDs: []string{}}, nil},
			{"site", model.AlarmFilter{SiteID: siteA}, []string{"a-2", "a-1"}},
			{"severity", model.AlarmFilter{Severity: model.SeverityCritical}, []string{"a-1"}},
			{"pump side", model.AlarmFilter{PumpID: pumpA, Side: model.SideA}, []string{"a-1"}},
			{"limit", model.AlarmFilter{Limit: 2}, []string{"a-4", "a-3"}},
			{"state", model.AlarmFilter{State: model.AlarmCleared}, nil},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, ids(tt.filter))
			})
		}
	})
}

func TestMeasurements_DriftClamps(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		seedFixture(t, s)
		ctx := context.Background()
		get := func() model.TankMeasurement {
			var m model.TankMeasurement
			require.NoError(t, s.Read(ctx, func(tx Tx) error {
				list, err := tx.ListMeasurements(ctx, model.MeasurementFilter{TankID: tankA})
				require.Len(t, list, 1)
				m = list[0]
				return err
			}))
			return m
		}
		drift := func(delta float64, clamp bool) {
			require.NoError(t, s.Write(ctx, func(tx Tx) error {
				return tx.DriftMeasurement(ctx, "m-1", delta, t0.Add(time.Minute), clamp)
			}))
		}

		drift(100, true)
		m := get()
		assert.InDelta(t, 6900, m.FuelVolumeL, 1e-9)
		assert.InDelta(t, 3100, m.UllageL, 1e-9)
		assert.True(t, t0.Add(time.Minute).Equal(m.TS))

		drift(-50000, true)
		m = get()
		assert.Zero(t, m.FuelVolumeL)
		assert.InDelta(t, 10000, m.UllageL, 1e-9, "ullage clamps at capacity")

		drift(50000, false)
		m = get()
		assert.InDelta(t, 50000, m.FuelVolumeL, 1e-9, "unclamped volume may exceed capacity")
		assert.Zero(t, m.UllageL)

		err := s.Write(ctx, func(tx Tx) error {
			return tx.DriftMeasurement(ctx, "m-missing", 1, t0, true)
		})
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestMeasurements_HistoryAscending(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		seedFixture(t, s)
		ctx := context.Background()
		require.NoError(t, s.Write(ctx, func(tx Tx) error {
			for i := 1; i <= 5; i++ {
				if err := tx.InsertMeasurement(ctx, model.TankMeasurement{ID: fmt.Sprintf("m-x%d", i), TankID: tankA,
					SiteID: siteA, TS: t0.Add(time.Duration(i) * time.Minute), FuelVolumeL: float64(i)}); err != nil {
					return err
				}
			}
			return nil
		}))
		require.NoError(t, s.Read(ctx, func(tx Tx) error {
			hist, err := tx.ListMeasurements(ctx, model.MeasurementFilter{TankID: tankA, Limit: 3})
			require.NoError(t, err)
			require.Len(t, hist, 3)
			assert.Equal(t, []string{"m-x3", "m-x4", "m-x5"}, []string{hist[0].ID, hist[1].ID, hist[2].ID})

			recent, err := tx.RecentMeasurements(ctx, 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, "m-x5", recent[0].ID)

			scoped, err := tx.ListMeasurements(ctx, model.MeasurementFilter{SiteIDs: []string{siteB}})
			require.NoError(t, err)
			assert.Empty(t, scoped)
			return nil
		}))
	})
}

func TestAudit_OrgScopedNewestFirst(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		seedFixture(t, s)
		ctx := context.Background()
		entry := func(id, org, site string, at time.Time) model.AuditEntry {
			return model.AuditEntry{ID: id, OrgID: org, UserID: "u", SiteID: site, EntityType: "site",
				EntityID: site, Action: "update", After: json.RawMessage(`{"name":"x"}`), CreatedAt: at}
		}
		require.NoError(t, s.Write(ctx, func(tx Tx) error {
			return firstErr(
				tx.InsertAudit(ctx, entry("au-1", "org-1", siteA, t0)),
				tx.InsertAudit(ctx, entry("au-2", "org-1", siteB, t0.Add(time.Minute))),
				tx.InsertAudit(ctx, entry("au-3", "org-2", siteX, t0.Add(2*time.Minute))),
			)
		}))
		require.NoError(t, s.Read(ctx, func(tx Tx) error {
			all, err := tx.ListAudit(ctx, model.AuditFilter{OrgID: "org-1"})
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "au-2", all[0].ID)
			assert.JSONEq(t, `{"name":"x"}`, string(all[0].After))

			scoped, err := tx.ListAudit(ctx, model.AuditFilter{OrgID: "org-1", SiteIDs: []string{siteA}})
			require.NoError(t, err)
			require.Len(t, scoped, 1)
			assert.Equal(t, "au-1", scoped[0].ID)
			return nil
		}))
	})
}

func TestIntegration_RoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		seedFixture(t, s)
		ctx := context.Background()
		require.NoError(t, s.Write(ctx, func(tx Tx) error {
			in, err := tx.GetIntegration(ctx, siteA)
			if err != nil {
				return err
			}
			in.ATGHost = "10.0.0.5"
			in.PumpKeepaliveEnabled = false
			return tx.UpdateIntegration(ctx, in)
		}))
		require.NoError(t, s.Read(ctx, func(tx Tx) error {
			in, err := tx.GetIntegration(ctx, siteA)
			require.NoError(t, err)
			assert.Equal(t, "10.0.0.5", in.ATGHost)
			assert.False(t, in.PumpKeepaliveEnabled)
			assert.True(t, in.PumpReconnectEnabled)
			assert.Equal(t, 10001, in.ATGPort)
			return nil
		}))
	})
}

func TestInsert_MissingParentIsNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		seedFixture(t, s)
		ctx := context.Background()
		err := s.Write(ctx, func(tx Tx) error {
			return tx.InsertTank(ctx, model.Tank{ID: "tank-nope-1", SiteID: "site-nope", ATGTankID: "1",
				Label: "x", CreatedAt: t0, UpdatedAt: t0})
		})
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestClosedStore_Unavailable(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())
	err := s.Read(context.Background(), func(Tx) error { return nil })
	assert.ErrorIs(t, err, model.ErrUnavailable)
	assert.ErrorIs(t, s.Ping(context.Background()), model.ErrUnavailable)
}

func BenchmarkListAlarms(b *testing.B) {
	s := newTestStore(b)
	seedFixture(b, s)
	ctx := context.Background()
	require.NoError(b, s.Write(ctx, func(tx Tx) error {
		for i := range 500 {
			if err := tx.InsertAlarm(ctx, alarm(fmt.Sprintf("a-%d", i), siteA, model.SeverityWarn,
				t0.Add(time.Duration(i)*time.Second))); err != nil {
				return err
			}
		}
		return nil
	}))

	b.ResetTimer()
	for b.Loop() {
		_ = s.Read(ctx, func(tx Tx) error {
			_, err := tx.ListAlarms(ctx, model.AlarmFilter{SiteIDs: []string{siteA}, Limit: 100})
			return err
		})
	}
}
