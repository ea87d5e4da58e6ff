// Package store provides persistence for PetroWatch behind a transactional
// gateway with SQL (SQLite, PostgreSQL) and JSON document backends.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/darshan-rambhia/petrowatch/internal/model"
)

// Store is the transactional gateway. Write commits when fn returns nil and
// rolls back otherwise; the underlying resources are released on every path.
type Store interface {
	Read(ctx context.Context, fn func(Tx) error) error
	Write(ctx context.Context, fn func(Tx) error) error
	// Init creates the schema. It is safe to run on every startup.
	Init(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
	Backend() string
}

// AlarmCount is the number of raised alarms of each counted severity.
type AlarmCount struct {
	Critical int
	Warn     int
}

// Tx is the set of entity operations available inside a unit of work.
// Lookups of missing rows return model.ErrNotFound; inserts that collide
// with an existing id return model.ErrConflict and write nothing.
type Tx interface {
	InsertOrg(ctx context.Context, o model.Org) error
	ListOrgs(ctx context.Context) ([]model.Org, error)
	InsertUser(ctx context.Context, u model.User) error
	UserByEmail(ctx context.Context, email string) (model.User, error)
	UserByID(ctx context.Context, id string) (model.User, error)
	CountUsers(ctx context.Context) (int, error)

	InsertSite(ctx context.Context, s model.Site) error
	GetSite(ctx context.Context, id string) (model.Site, error)
	UpdateSite(ctx context.Context, s model.Site) error
	// DeleteSite removes the site and every row it owns. Audit rows are kept.
	DeleteSite(ctx context.Context, id string) error
	ListSites(ctx context.Context, orgID string) ([]model.Site, error)
	// SitesByIDs returns the existing sites among ids ordered by site code.
	SitesByIDs(ctx context.Context, ids []string) ([]model.Site, error)

	InsertIntegration(ctx context.Context, in model.SiteIntegration) error
	GetIntegration(ctx context.Context, siteID string) (model.SiteIntegration, error)
	UpdateIntegration(ctx context.Context, in model.SiteIntegration) error

	InsertTank(ctx context.Context, t model.Tank) error
	GetTank(ctx context.Context, id string) (model.Tank, error)
	UpdateTank(ctx context.Context, t model.Tank) error
	DeleteTank(ctx context.Context, id string) error
	ListTanks(ctx context.Context, siteID string) ([]model.Tank, error)

	InsertPump(ctx context.Context, p model.Pump) error
	GetPump(ctx context.Context, id string) (model.Pump, error)
	UpdatePump(ctx context.Context, p model.Pump) error
	// DeletePump removes the pump, its sides and their connection rows.
	DeletePump(ctx context.Context, id string) error
	ListPumps(ctx context.Context, siteID string) ([]model.Pump, error)
	ActivePumps(ctx context.Context) ([]model.Pump, error)
	InsertPumpSide(ctx context.Context, ps model.PumpSide) error
	PumpSidesBySites(ctx context.Context, siteIDs []string) ([]model.PumpSide, error)

	InsertConnection(ctx context.Context, c model.ConnectionStatus) error
	ConnectionsBySites(ctx context.Context, siteIDs []string) ([]model.ConnectionStatus, error)
	ConnectionsByKind(ctx context.Context, kind model.ConnKind) ([]model.ConnectionStatus, error)
	// ToggleConnection flips connected/disconnected in one statement and
	// returns the new status.
	ToggleConnection(ctx context.Context, id string, at time.Time) (model.ConnState, error)

	ActiveLayout(ctx context.Context, siteID string) (model.Layout, error)
	ListLayouts(ctx context.Context, siteID string) ([]model.Layout, error)
	MaxLayoutVersion(ctx context.Context, siteID string) (int, error)
	DeactivateLayouts(ctx context.Context, siteID string) error
	InsertLayout(ctx context.Context, l model.Layout) error

	InsertAlarm(ctx context.Context, a model.AlarmEvent) error
	GetAlarm(ctx context.Context, id string) (model.AlarmEvent, error)
	// AckAlarm moves a raised alarm to acknowledged. It reports false when
	// the alarm was not in the raised state, leaving it untouched.
	AckAlarm(ctx context.Context, id, by string, at time.Time) (bool, error)
	// ClearAlarm moves a raised or acknowledged alarm to cleared. It reports
	// false when the alarm was already cleared.
	ClearAlarm(ctx context.Context, id string, at time.Time) (bool, error)
	ListAlarms(ctx context.Context, f model.AlarmFilter) ([]model.AlarmEvent, error)
	// AlarmCounts counts raised alarms per site for the given sites.
	AlarmCounts(ctx context.Context, siteIDs []string) (map[string]AlarmCount, error)

	InsertMeasurement(ctx context.Context, m model.TankMeasurement) error
	// RecentMeasurements returns the newest rows across all tanks.
	RecentMeasurements(ctx context.Context, limit int) ([]model.TankMeasurement, error)
	// DriftMeasurement adds delta to the fuel volume and subtracts it from the
	// ullage in one statement, clamping both at zero and, when clamp is set,
	// at the tank capacity.
	DriftMeasurement(ctx context.Context, id string, delta float64, at time.Time, clamp bool) error
	// ListMeasurements returns the newest rows matching f in ascending time order.
	ListMeasurements(ctx context.Context, f model.MeasurementFilter) ([]model.TankMeasurement, error)

	InsertAudit(ctx context.Context, e model.AuditEntry) error
	ListAudit(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, error)

	PruneClearedAlarms(ctx context.Context, before time.Time) (int64, error)
	// PruneMeasurements removes rows older than before except the latest per tank.
	PruneMeasurements(ctx context.Context, before time.Time) (int64, error)
}

// ErrUnknownBackend is returned by Open for an unsupported DSN scheme.
var ErrUnknownBackend = errors.New("unknown store backend")

// Open returns the store selected by the DSN scheme:
//
//	sqlite://<path>           SQLite file
//	postgres://... | postgresql://...
//	json://<path> | file://<path>   JSON document on disk
//	memory://                  JSON document kept in memory
//
// The schema is not created until Init is called.
func Open(dsn string) (Store, error) {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, dsn)
	}
	switch strings.ToLower(scheme) {
	case "sqlite", "sqlite3":
		return OpenSQLite(rest)
	case "postgres", "postgresql":
		return OpenPostgres(dsn)
	case "json", "file":
		return NewDocStore(rest), nil
	case "memory":
		return NewDocStore(""), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, scheme)
	}
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func limitOr(n, def, max int) int {
	if n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
