package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/darshan-rambhia/petrowatch/internal/model"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type sqlTx struct {
	tx *sql.Tx
	d  dialect
}

type scanner interface {
	Scan(dest ...any) error
}

func (t *sqlTx) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.d.rebind(q), args...)
}

func (t *sqlTx) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.d.rebind(q), args...)
}

func (t *sqlTx) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.d.rebind(q), args...)
}

// insertOnce runs an INSERT ... ON CONFLICT DO NOTHING and maps a skipped
// row to ErrConflict.
func (t *sqlTx) insertOnce(ctx context.Context, what, id, q string, args ...any) error {
	res, err := t.exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("inserting %s %s: %w", what, id, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inserting %s %s: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, model.ErrConflict)
	}
	return nil
}

// mustAffect maps an UPDATE or DELETE that touched no row to ErrNotFound.
func mustAffect(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, model.ErrNotFound)
	}
	return nil
}

// classify maps driver constraint errors onto the domain error kinds.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", model.ErrConflict, pqErr.Message)
		case "23503":
			return fmt.Errorf("%w: %s", model.ErrNotFound, pqErr.Message)
		}
		return err
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code, msg := liteErr.Code(), liteErr.Error()
		switch {
		case code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY,
			code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(msg, "FOREIGN KEY"):
			return fmt.Errorf("%w: %s", model.ErrNotFound, msg)
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY,
			code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(msg, "UNIQUE"):
			return fmt.Errorf("%w: %s", model.ErrConflict, msg)
		}
	}
	return err
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, model.ErrNotFound)
	}
	return fmt.Errorf("reading %s %s: %w", what, id, err)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullRaw(b json.RawMessage) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func rawFrom(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timeFrom(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatFrom(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// --- orgs and users ---

func (t *sqlTx) InsertOrg(ctx context.Context, o model.Org) error {
	return t.insertOnce(ctx, "org", o.ID,
		`INSERT INTO orgs (id, name, created_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		o.ID, o.Name, toMillis(o.CreatedAt))
}

func (t *sqlTx) ListOrgs(ctx context.Context) ([]model.Org, error) {
	rows, err := t.query(ctx, `SELECT id, name, created_at FROM orgs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying orgs: %w", err)
	}
	defer rows.Close()
	var out []model.Org
	for rows.Next() {
		var o model.Org
		var created int64
		if err := rows.Scan(&o.ID, &o.Name, &created); err != nil {
			return nil, fmt.Errorf("scanning org: %w", err)
		}
		o.CreatedAt = fromMillis(created)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (t *sqlTx) InsertUser(ctx context.Context, u model.User) error {
	if err := t.insertOnce(ctx, "user", u.Email,
		`INSERT INTO users (id, org_id, email, name, role, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		u.ID, u.OrgID, strings.ToLower(u.Email), u.Name, string(u.Role), u.PasswordHash, toMillis(u.CreatedAt),
	); err != nil {
		return err
	}
	for _, siteID := range u.SiteIDs {
		if _, err := t.exec(ctx,
			`INSERT INTO user_sites (user_id, site_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			u.ID, siteID); err != nil {
			return fmt.Errorf("assigning site %s to user %s: %w", siteID, u.ID, classify(err))
		}
	}
	return nil
}

const userColumns = `id, org_id, email, name, role, password_hash, created_at`

func (t *sqlTx) userWhere(ctx context.Context, what, key, where string) (model.User, error) {
	var u model.User
	var role string
	var created int64
	err := t.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, key).
		Scan(&u.ID, &u.OrgID, &u.Email, &u.Name, &role, &u.PasswordHash, &created)
	if err != nil {
		return model.User{}, notFound(err, what, key)
	}
	u.Role = model.Role(role)
	u.CreatedAt = fromMillis(created)

	rows, err := t.query(ctx, `SELECT site_id FROM user_sites WHERE user_id = ? ORDER BY site_id`, u.ID)
	if err != nil {
		return model.User{}, fmt.Errorf("querying user sites: %w", err)
	}
	defer rows.Close()
	u.SiteIDs = []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return model.User{}, fmt.Errorf("scanning user site: %w", err)
		}
		u.SiteIDs = append(u.SiteIDs, id)
	}
	return u, rows.Err()
}

func (t *sqlTx) UserByEmail(ctx context.Context, email string) (model.User, error) {
	return t.userWhere(ctx, "user", strings.ToLower(email), "email = ?")
}

func (t *sqlTx) UserByID(ctx context.Context, id string) (model.User, error) {
	return t.userWhere(ctx, "user", id, "id = ?")
}

func (t *sqlTx) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := t.queryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

// --- sites ---

const siteColumns = `id, org_id, site_code, name, address, postal_code, region, lat, lon, timezone, created_at, updated_at`

func scanSite(s scanner) (model.Site, error) {
	var site model.Site
	var lat, lon sql.NullFloat64
	var created, updated int64
	if err := s.Scan(&site.ID, &site.OrgID, &site.SiteCode, &site.Name, &site.Address, &site.PostalCode,
		&site.Region, &lat, &lon, &site.Timezone, &created, &updated); err != nil {
		return model.Site{}, err
	}
	site.Lat = floatFrom(lat)
	site.Lon = floatFrom(lon)
	site.CreatedAt = fromMillis(created)
	site.UpdatedAt = fromMillis(updated)
	return site, nil
}

func (t *sqlTx) querySites(ctx context.Context, q string, args ...any) ([]model.Site, error) {
	rows, err := t.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sites: %w", err)
	}
	defer rows.Close()
	var out []model.Site
	for rows.Next() {
		s, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning site: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *sqlTx) InsertSite(ctx context.Context, s model.Site) error {
	return t.insertOnce(ctx, "site", s.ID,
		`INSERT INTO sites (`+siteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		s.ID, s.OrgID, s.SiteCode, s.Name, s.Address, s.PostalCode, s.Region,
		nullFloat(s.Lat), nullFloat(s.Lon), s.Timezone, toMillis(s.CreatedAt), toMillis(s.UpdatedAt))
}

func (t *sqlTx) GetSite(ctx context.Context, id string) (model.Site, error) {
	s, err := scanSite(t.queryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = ?`, id))
	if err != nil {
		return model.Site{}, notFound(err, "site", id)
	}
	return s, nil
}

func (t *sqlTx) UpdateSite(ctx context.Context, s model.Site) error {
	res, err := t.exec(ctx, `
		UPDATE sites SET name = ?, address = ?, postal_code = ?, region = ?, lat = ?, lon = ?,
			timezone = ?, updated_at = ?
		WHERE id = ?`,
		s.Name, s.Address, s.PostalCode, s.Region, nullFloat(s.Lat), nullFloat(s.Lon),
		s.Timezone, toMillis(s.UpdatedAt), s.ID)
	if err != nil {
		return fmt.Errorf("updating site %s: %w", s.ID, err)
	}
	return mustAffect(res, "site", s.ID)
}

func (t *sqlTx) DeleteSite(ctx context.Context, id string) error {
	// Children first so foreign keys hold at every statement.
	for _, q := range []string{
		`DELETE FROM tank_measurements WHERE site_id = ?`,
		`DELETE FROM alarm_events WHERE site_id = ?`,
		`DELETE FROM connection_status WHERE site_id = ?`,
		`DELETE FROM pump_sides WHERE site_id = ?`,
		`DELETE FROM pumps WHERE site_id = ?`,
		`DELETE FROM tanks WHERE site_id = ?`,
		`DELETE FROM layouts WHERE site_id = ?`,
		`DELETE FROM site_integrations WHERE site_id = ?`,
		`DELETE FROM user_sites WHERE site_id = ?`,
	} {
		if _, err := t.exec(ctx, q, id); err != nil {
			return fmt.Errorf("deleting site %s dependents: %w", id, err)
		}
	}
	res, err := t.exec(ctx, `DELETE FROM sites WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting site %s: %w", id, err)
	}
	return mustAffect(res, "site", id)
}

func (t *sqlTx) ListSites(ctx context.Context, orgID string) ([]model.Site, error) {
	return t.querySites(ctx, `SELECT `+siteColumns+` FROM sites WHERE org_id = ? ORDER BY site_code, id`, orgID)
}

func (t *sqlTx) SitesByIDs(ctx context.Context, ids []string) ([]model.Site, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return t.querySites(ctx,
		`SELECT `+siteColumns+` FROM sites WHERE id IN (`+placeholders(len(ids))+`) ORDER BY site_code, id`,
		stringArgs(ids)...)
}

// --- integrations ---

const integrationColumns = `site_id, atg_host, atg_port, atg_poll_interval_sec, atg_timeout_sec, atg_retries,
	atg_stale_sec, pump_timeout_sec, pump_keepalive_enabled, pump_reconnect_enabled, pump_stale_sec, updated_at`

func (t *sqlTx) InsertIntegration(ctx context.Context, in model.SiteIntegration) error {
	return t.insertOnce(ctx, "integration", in.SiteID,
		`INSERT INTO site_integrations (`+integrationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		in.SiteID, in.ATGHost, in.ATGPort, in.ATGPollIntervalSec, in.ATGTimeoutSec, in.ATGRetries,
		in.ATGStaleSec, in.PumpTimeoutSec, in.PumpKeepaliveEnabled, in.PumpReconnectEnabled,
		in.PumpStaleSec, toMillis(in.UpdatedAt))
}

func (t *sqlTx) GetIntegration(ctx context.Context, siteID string) (model.SiteIntegration, error) {
	var in model.SiteIntegration
	var updated int64
	err := t.queryRow(ctx, `SELECT `+integrationColumns+` FROM site_integrations WHERE site_id = ?`, siteID).
		Scan(&in.SiteID, &in.ATGHost, &in.ATGPort, &in.ATGPollIntervalSec, &in.ATGTimeoutSec, &in.ATGRetries,
			&in.ATGStaleSec, &in.PumpTimeoutSec, &in.PumpKeepaliveEnabled, &in.PumpReconnectEnabled,
			&in.PumpStaleSec, &updated)
	if err != nil {
		return model.SiteIntegration{}, notFound(err, "integration", siteID)
	}
	in.UpdatedAt = fromMillis(updated)
	return in, nil
}

func (t *sqlTx) UpdateIntegration(ctx context.Context, in model.SiteIntegration) error {
	res, err := t.exec(ctx, `
		UPDATE site_integrations SET atg_host = ?, atg_port = ?, atg_poll_interval_sec = ?, atg_timeout_sec = ?,
			atg_retries = ?, atg_stale_sec = ?, pump_timeout_sec = ?, pump_keepalive_enabled = ?,
			pump_reconnect_enabled = ?, pump_stale_sec = ?, updated_at = ?
		WHERE site_id = ?`,
		in.ATGHost, in.ATGPort, in.ATGPollIntervalSec, in.ATGTimeoutSec, in.ATGRetries, in.ATGStaleSec,
		in.PumpTimeoutSec, in.PumpKeepaliveEnabled, in.PumpReconnectEnabled, in.PumpStaleSec,
		toMillis(in.UpdatedAt), in.SiteID)
	if err != nil {
		return fmt.Errorf("updating integration %s: %w", in.SiteID, err)
	}
	return mustAffect(res, "integration", in.SiteID)
}

// --- tanks ---

const tankColumns = `id, site_id, atg_tank_id, label, product, capacity_liters, active, created_at, updated_at`

func scanTank(s scanner) (model.Tank, error) {
	var tk model.Tank
	var created, updated int64
	if err := s.Scan(&tk.ID, &tk.SiteID, &tk.ATGTankID, &tk.Label, &tk.Product, &tk.CapacityLiters,
		&tk.Active, &created, &updated); err != nil {
		return model.Tank{}, err
	}
	tk.CreatedAt = fromMillis(created)
	tk.UpdatedAt = fromMillis(updated)
	return tk, nil
}

func (t *sqlTx) InsertTank(ctx context.Context, tk model.Tank) error {
	return t.insertOnce(ctx, "tank", tk.ID,
		`INSERT INTO tanks (`+tankColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		tk.ID, tk.SiteID, tk.ATGTankID, tk.Label, tk.Product, tk.CapacityLiters, tk.Active,
		toMillis(tk.CreatedAt), toMillis(tk.UpdatedAt))
}

func (t *sqlTx) GetTank(ctx context.Context, id string) (model.Tank, error) {
	tk, err := scanTank(t.queryRow(ctx, `SELECT `+tankColumns+` FROM tanks WHERE id = ?`, id))
	if err != nil {
		return model.Tank{}, notFound(err, "tank", id)
	}
	return tk, nil
}

func (t *sqlTx) UpdateTank(ctx context.Context, tk model.Tank) error {
	res, err := t.exec(ctx,
		`UPDATE tanks SET label = ?, product = ?, capacity_liters = ?, active = ?, updated_at = ? WHERE id = ?`,
		tk.Label, tk.Product, tk.CapacityLiters, tk.Active, toMillis(tk.UpdatedAt), tk.ID)
	if err != nil {
		return fmt.Errorf("updating tank %s: %w", tk.ID, err)
	}
	return mustAffect(res, "tank", tk.ID)
}

func (t *sqlTx) DeleteTank(ctx context.Context, id string) error {
	if _, err := t.exec(ctx, `DELETE FROM tank_measurements WHERE tank_id = ?`, id); err != nil {
		return fmt.Errorf("deleting tank %s measurements: %w", id, err)
	}
	res, err := t.exec(ctx, `DELETE FROM tanks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting tank %s: %w", id, err)
	}
	return mustAffect(res, "tank", id)
}

func (t *sqlTx) ListTanks(ctx context.Context, siteID string) ([]model.Tank, error) {
	rows, err := t.query(ctx, `SELECT `+tankColumns+` FROM tanks WHERE site_id = ? ORDER BY atg_tank_id, id`, siteID)
	if err != nil {
		return nil, fmt.Errorf("querying tanks: %w", err)
	}
	defer rows.Close()
	var out []model.Tank
	for rows.Next() {
		tk, err := scanTank(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tank: %w", err)
		}
		out = append(out, tk)
	}
	return out, rows.Err()
}

// --- pumps and sides ---

const pumpColumns = `id, site_id, pump_number, label, active, created_at, updated_at`

func (t *sqlTx) queryPumps(ctx context.Context, q string, args ...any) ([]model.Pump, error) {
	rows, err := t.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying pumps: %w", err)
	}
	defer rows.Close()
	var out []model.Pump
	for rows.Next() {
		var p model.Pump
		var created, updated int64
		if err := rows.Scan(&p.ID, &p.SiteID, &p.PumpNumber, &p.Label, &p.Active, &created, &updated); err != nil {
			return nil, fmt.Errorf("scanning pump: %w", err)
		}
		p.CreatedAt = fromMillis(created)
		p.UpdatedAt = fromMillis(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *sqlTx) InsertPump(ctx context.Context, p model.Pump) error {
	return t.insertOnce(ctx, "pump", p.ID,
		`INSERT INTO pumps (`+pumpColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		p.ID, p.SiteID, p.PumpNumber, p.Label, p.Active, toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
}

func (t *sqlTx) GetPump(ctx context.Context, id string) (model.Pump, error) {
	pumps, err := t.queryPumps(ctx, `SELECT `+pumpColumns+` FROM pumps WHERE id = ?`, id)
	if err != nil {
		return model.Pump{}, err
	}
	if len(pumps) == 0 {
		return model.Pump{}, fmt.Errorf("pump %s: %w", id, model.ErrNotFound)
	}
	p := pumps[0]
	sides, err := t.querySides(ctx, `WHERE pump_id = ?`, id)
	if err != nil {
		return model.Pump{}, err
	}
	p.Sides = sides
	return p, nil
}

func (t *sqlTx) UpdatePump(ctx context.Context, p model.Pump) error {
	res, err := t.exec(ctx, `UPDATE pumps SET label = ?, active = ?, updated_at = ? WHERE id = ?`,
		p.Label, p.Active, toMillis(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("updating pump %s: %w", p.ID, err)
	}
	return mustAffect(res, "pump", p.ID)
}

func (t *sqlTx) DeletePump(ctx context.Context, id string) error {
	for _, q := range []string{
		`DELETE FROM connection_status WHERE target_id IN (SELECT id FROM pump_sides WHERE pump_id = ?)`,
		`DELETE FROM pump_sides WHERE pump_id = ?`,
	} {
		if _, err := t.exec(ctx, q, id); err != nil {
			return fmt.Errorf("deleting pump %s dependents: %w", id, err)
		}
	}
	res, err := t.exec(ctx, `DELETE FROM pumps WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting pump %s: %w", id, err)
	}
	return mustAffect(res, "pump", id)
}

func (t *sqlTx) ListPumps(ctx context.Context, siteID string) ([]model.Pump, error) {
	pumps, err := t.queryPumps(ctx, `SELECT `+pumpColumns+` FROM pumps WHERE site_id = ? ORDER BY pump_number, id`, siteID)
	if err != nil {
		return nil, err
	}
	sides, err := t.querySides(ctx, `WHERE site_id = ?`, siteID)
	if err != nil {
		return nil, err
	}
	attachSides(pumps, sides)
	return pumps, nil
}

func (t *sqlTx) ActivePumps(ctx context.Context) ([]model.Pump, error) {
	return t.queryPumps(ctx, `SELECT `+pumpColumns+` FROM pumps WHERE active = ? ORDER BY site_id, pump_number`, true)
}

func attachSides(pumps []model.Pump, sides []model.PumpSide) {
	byPump := make(map[string][]model.PumpSide)
	for _, s := range sides {
		byPump[s.PumpID] = append(byPump[s.PumpID], s)
	}
	for i := range pumps {
		pumps[i].Sides = byPump[pumps[i].ID]
	}
}

const sideColumns = `id, pump_id, site_id, side, ip, port, active`

func (t *sqlTx) querySides(ctx context.Context, where string, args ...any) ([]model.PumpSide, error) {
	rows, err := t.query(ctx, `SELECT `+sideColumns+` FROM pump_sides `+where+` ORDER BY pump_id, side`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying pump sides: %w", err)
	}
	defer rows.Close()
	var out []model.PumpSide
	for rows.Next() {
		var ps model.PumpSide
		var side string
		if err := rows.Scan(&ps.ID, &ps.PumpID, &ps.SiteID, &side, &ps.IP, &ps.Port, &ps.Active); err != nil {
			return nil, fmt.Errorf("scanning pump side: %w", err)
		}
		ps.Side = model.Side(side)
		out = append(out, ps)
	}
	return out, rows.Err()
}

func (t *sqlTx) InsertPumpSide(ctx context.Context, ps model.PumpSide) error {
	return t.insertOnce(ctx, "pump side", ps.ID,
		`INSERT INTO pump_sides (`+sideColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		ps.ID, ps.PumpID, ps.SiteID, string(ps.Side), ps.IP, ps.Port, ps.Active)
}

func (t *sqlTx) PumpSidesBySites(ctx context.Context, siteIDs []string) ([]model.PumpSide, error) {
	if len(siteIDs) == 0 {
		return nil, nil
	}
	return t.querySides(ctx, `WHERE site_id IN (`+placeholders(len(siteIDs))+`)`, stringArgs(siteIDs)...)
}

// --- connection status ---

const connColumns = `id, site_id, kind, target_id, status, last_seen_at, details`

func (t *sqlTx) queryConns(ctx context.Context, where string, args ...any) ([]model.ConnectionStatus, error) {
	rows, err := t.query(ctx, `SELECT `+connColumns+` FROM connection_status `+where+` ORDER BY site_id, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying connection status: %w", err)
	}
	defer rows.Close()
	var out []model.ConnectionStatus
	for rows.Next() {
		var c model.ConnectionStatus
		var kind, status string
		var target, details sql.NullString
		var seen sql.NullInt64
		if err := rows.Scan(&c.ID, &c.SiteID, &kind, &target, &status, &seen, &details); err != nil {
			return nil, fmt.Errorf("scanning connection status: %w", err)
		}
		c.Kind = model.ConnKind(kind)
		c.TargetID = target.String
		c.Status = model.ConnState(status)
		c.LastSeenAt = timeFrom(seen)
		c.Details = rawFrom(details)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *sqlTx) InsertConnection(ctx context.Context, c model.ConnectionStatus) error {
	return t.insertOnce(ctx, "connection", c.ID,
		`INSERT INTO connection_status (`+connColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		c.ID, c.SiteID, string(c.Kind), nullString(c.TargetID), string(c.Status),
		nullMillis(c.LastSeenAt), nullRaw(c.Details))
}

func (t *sqlTx) ConnectionsBySites(ctx context.Context, siteIDs []string) ([]model.ConnectionStatus, error) {
	if len(siteIDs) == 0 {
		return nil, nil
	}
	return t.queryConns(ctx, `WHERE site_id IN (`+placeholders(len(siteIDs))+`)`, stringArgs(siteIDs)...)
}

func (t *sqlTx) ConnectionsByKind(ctx context.Context, kind model.ConnKind) ([]model.ConnectionStatus, error) {
	return t.queryConns(ctx, `WHERE kind = ?`, string(kind))
}

func (t *sqlTx) ToggleConnection(ctx context.Context, id string, at time.Time) (model.ConnState, error) {
	var status string
	err := t.queryRow(ctx, `
		UPDATE connection_status
		SET status = CASE status WHEN 'connected' THEN 'disconnected' ELSE 'connected' END,
			last_seen_at = ?
		WHERE id = ?
		RETURNING status`, toMillis(at), id).Scan(&status)
	if err != nil {
		return "", notFound(err, "connection", id)
	}
	return model.ConnState(status), nil
}

// --- layouts ---

const layoutColumns = `id, site_id, version, name, json, created_by, created_at, is_active`

func (t *sqlTx) queryLayouts(ctx context.Context, q string, args ...any) ([]model.Layout, error) {
	rows, err := t.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying layouts: %w", err)
	}
	defer rows.Close()
	var out []model.Layout
	for rows.Next() {
		var l model.Layout
		var doc string
		var created int64
		if err := rows.Scan(&l.ID, &l.SiteID, &l.Version, &l.Name, &doc, &l.CreatedBy, &created, &l.IsActive); err != nil {
			return nil, fmt.Errorf("scanning layout: %w", err)
		}
		l.JSON = json.RawMessage(doc)
		l.CreatedAt = fromMillis(created)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *sqlTx) ActiveLayout(ctx context.Context, siteID string) (model.Layout, error) {
	ls, err := t.queryLayouts(ctx,
		`SELECT `+layoutColumns+` FROM layouts WHERE site_id = ? AND is_active = ? ORDER BY version DESC LIMIT 1`,
		siteID, true)
	if err != nil {
		return model.Layout{}, err
	}
	if len(ls) == 0 {
		return model.Layout{}, fmt.Errorf("active layout for %s: %w", siteID, model.ErrNotFound)
	}
	return ls[0], nil
}

func (t *sqlTx) ListLayouts(ctx context.Context, siteID string) ([]model.Layout, error) {
	return t.queryLayouts(ctx, `SELECT `+layoutColumns+` FROM layouts WHERE site_id = ? ORDER BY version DESC`, siteID)
}

func (t *sqlTx) MaxLayoutVersion(ctx context.Context, siteID string) (int, error) {
	var v int
	if err := t.queryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM layouts WHERE site_id = ?`, siteID).Scan(&v); err != nil {
		return 0, fmt.Errorf("reading layout version for %s: %w", siteID, err)
	}
	return v, nil
}

func (t *sqlTx) DeactivateLayouts(ctx context.Context, siteID string) error {
	if _, err := t.exec(ctx, `UPDATE layouts SET is_active = ? WHERE site_id = ?`, false, siteID); err != nil {
		return fmt.Errorf("deactivating layouts for %s: %w", siteID, err)
	}
	return nil
}

func (t *sqlTx) InsertLayout(ctx context.Context, l model.Layout) error {
	return t.insertOnce(ctx, "layout", l.ID,
		`INSERT INTO layouts (`+layoutColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		l.ID, l.SiteID, l.Version, l.Name, string(l.JSON), l.CreatedBy, toMillis(l.CreatedAt), l.IsActive)
}

// --- alarms ---

const alarmColumns = `id, site_id, tank_id, pump_id, side, source_type, component, severity, state, code, message,
	raw_payload, raised_at, cleared_at, ack_at, ack_by, assigned_to, created_at`

func scanAlarm(s scanner) (model.AlarmEvent, error) {
	var a model.AlarmEvent
	var tank, pump, side, raw, ackBy, assigned sql.NullString
	var severity, state string
	var raised, created int64
	var cleared, ackAt sql.NullInt64
	if err := s.Scan(&a.ID, &a.SiteID, &tank, &pump, &side, &a.SourceType, &a.Component, &severity, &state,
		&a.Code, &a.Message, &raw, &raised, &cleared, &ackAt, &ackBy, &assigned, &created); err != nil {
		return model.AlarmEvent{}, err
	}
	a.TankID = tank.String
	a.PumpID = pump.String
	a.Side = model.Side(side.String)
	a.Severity = model.Severity(severity)
	a.State = model.AlarmState(state)
	a.RawPayload = rawFrom(raw)
	a.RaisedAt = fromMillis(raised)
	a.ClearedAt = timeFrom(cleared)
	a.AckAt = timeFrom(ackAt)
	a.AckBy = ackBy.String
	a.AssignedTo = assigned.String
	a.CreatedAt = fromMillis(created)
	return a, nil
}

func (t *sqlTx) InsertAlarm(ctx context.Context, a model.AlarmEvent) error {
	return t.insertOnce(ctx, "alarm", a.ID,
		`INSERT INTO alarm_events (`+alarmColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		a.ID, a.SiteID, nullString(a.TankID), nullString(a.PumpID), nullString(string(a.Side)),
		a.SourceType, a.Component, string(a.Severity), string(a.State), a.Code, a.Message,
		nullRaw(a.RawPayload), toMillis(a.RaisedAt), nullMillis(a.ClearedAt), nullMillis(a.AckAt),
		nullString(a.AckBy), nullString(a.AssignedTo), toMillis(a.CreatedAt))
}

func (t *sqlTx) GetAlarm(ctx context.Context, id string) (model.AlarmEvent, error) {
	a, err := scanAlarm(t.queryRow(ctx, `SELECT `+alarmColumns+` FROM alarm_events WHERE id = ?`, id))
	if err != nil {
		return model.AlarmEvent{}, notFound(err, "alarm", id)
	}
	return a, nil
}

func (t *sqlTx) AckAlarm(ctx context.Context, id, by string, at time.Time) (bool, error) {
	res, err := t.exec(ctx,
		`UPDATE alarm_events SET state = ?, ack_at = ?, ack_by = ? WHERE id = ? AND state = ?`,
		string(model.AlarmAcknowledged), toMillis(at), by, id, string(model.AlarmRaised))
	if err != nil {
		return false, fmt.Errorf("acknowledging alarm %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acknowledging alarm %s: %w", id, err)
	}
	return n == 1, nil
}

func (t *sqlTx) ClearAlarm(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := t.exec(ctx,
		`UPDATE alarm_events SET state = ?, cleared_at = ? WHERE id = ? AND state IN (?, ?)`,
		string(model.AlarmCleared), toMillis(at), id, string(model.AlarmRaised), string(model.AlarmAcknowledged))
	if err != nil {
		return false, fmt.Errorf("clearing alarm %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("clearing alarm %s: %w", id, err)
	}
	return n == 1, nil
}

// MaxAlarmPage caps alarm list results.
const MaxAlarmPage = 500

func (t *sqlTx) ListAlarms(ctx context.Context, f model.AlarmFilter) ([]model.AlarmEvent, error) {
	var where []string
	var args []any
	if f.SiteIDs != nil {
		if len(f.SiteIDs) == 0 {
			return nil, nil
		}
		where = append(where, "site_id IN ("+placeholders(len(f.SiteIDs))+")")
		args = append(args, stringArgs(f.SiteIDs)...)
	}
	for _, c := range []struct {
		col, val string
	}{
		{"site_id", f.SiteID},
		{"state", string(f.State)},
		{"severity", string(f.Severity)},
		{"component", f.Component},
		{"pump_id", f.PumpID},
		{"side", string(f.Side)},
	} {
		if c.val != "" {
			where = append(where, c.col+" = ?")
			args = append(args, c.val)
		}
	}
	q := `SELECT ` + alarmColumns + ` FROM alarm_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limitOr(f.Limit, MaxAlarmPage, MaxAlarmPage))

	rows, err := t.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying alarms: %w", err)
	}
	defer rows.Close()
	var out []model.AlarmEvent
	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning alarm: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *sqlTx) AlarmCounts(ctx context.Context, siteIDs []string) (map[string]AlarmCount, error) {
	counts := make(map[string]AlarmCount, len(siteIDs))
	if len(siteIDs) == 0 {
		return counts, nil
	}
	args := append([]any{string(model.AlarmRaised)}, stringArgs(siteIDs)...)
	rows, err := t.query(ctx, `
		SELECT site_id, severity, COUNT(*) FROM alarm_events
		WHERE state = ? AND site_id IN (`+placeholders(len(siteIDs))+`)
		GROUP BY site_id, severity`, args...)
	if err != nil {
		return nil, fmt.Errorf("counting alarms: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var siteID, severity string
		var n int
		if err := rows.Scan(&siteID, &severity, &n); err != nil {
			return nil, fmt.Errorf("scanning alarm count: %w", err)
		}
		c := counts[siteID]
		switch model.Severity(severity) {
		case model.SeverityCritical:
			c.Critical += n
		case model.SeverityWarn:
			c.Warn += n
		}
		counts[siteID] = c
	}
	return counts, rows.Err()
}

// --- measurements ---

const measurementColumns = `id, tank_id, site_id, ts, fuel_volume_l, fuel_height_mm, water_height_mm, temp_c, ullage_l, raw_payload`

func (t *sqlTx) queryMeasurements(ctx context.Context, q string, args ...any) ([]model.TankMeasurement, error) {
	rows, err := t.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying measurements: %w", err)
	}
	defer rows.Close()
	var out []model.TankMeasurement
	for rows.Next() {
		var m model.TankMeasurement
		var ts int64
		var raw sql.NullString
		if err := rows.Scan(&m.ID, &m.TankID, &m.SiteID, &ts, &m.FuelVolumeL, &m.FuelHeightMm,
			&m.WaterHeightMm, &m.TempC, &m.UllageL, &raw); err != nil {
			return nil, fmt.Errorf("scanning measurement: %w", err)
		}
		m.TS = fromMillis(ts)
		m.RawPayload = rawFrom(raw)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *sqlTx) InsertMeasurement(ctx context.Context, m model.TankMeasurement) error {
	return t.insertOnce(ctx, "measurement", m.ID,
		`INSERT INTO tank_measurements (`+measurementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		m.ID, m.TankID, m.SiteID, toMillis(m.TS), m.FuelVolumeL, m.FuelHeightMm, m.WaterHeightMm,
		m.TempC, m.UllageL, nullRaw(m.RawPayload))
}

func (t *sqlTx) RecentMeasurements(ctx context.Context, limit int) ([]model.TankMeasurement, error) {
	return t.queryMeasurements(ctx,
		`SELECT `+measurementColumns+` FROM tank_measurements ORDER BY ts DESC, id DESC LIMIT ?`,
		limitOr(limit, 200, 10000))
}

func (t *sqlTx) DriftMeasurement(ctx context.Context, id string, delta float64, at time.Time, clamp bool) error {
	vol := t.d.greatest + "(0, fuel_volume_l + ?)"
	ull := t.d.greatest + "(0, ullage_l - ?)"
	args := []any{delta, delta}
	if clamp {
		capacity := "(SELECT capacity_liters FROM tanks WHERE tanks.id = tank_measurements.tank_id)"
		vol = fmt.Sprintf("CASE WHEN %[1]s > 0 THEN %[2]s(%[1]s, %[3]s) ELSE %[3]s END", capacity, t.d.least, vol)
		ull = fmt.Sprintf("CASE WHEN %[1]s > 0 THEN %[2]s(%[1]s, %[3]s) ELSE %[3]s END", capacity, t.d.least, ull)
		args = []any{delta, delta, delta, delta}
	}
	args = append(args, toMillis(at), id)
	res, err := t.exec(ctx, `UPDATE tank_measurements SET fuel_volume_l = `+vol+`, ullage_l = `+ull+`, ts = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("drifting measurement %s: %w", id, err)
	}
	return mustAffect(res, "measurement", id)
}

// MaxHistoryPage caps tank history results.
const MaxHistoryPage = 300

func (t *sqlTx) ListMeasurements(ctx context.Context, f model.MeasurementFilter) ([]model.TankMeasurement, error) {
	var where []string
	var args []any
	if f.SiteIDs != nil {
		if len(f.SiteIDs) == 0 {
			return nil, nil
		}
		where = append(where, "site_id IN ("+placeholders(len(f.SiteIDs))+")")
		args = append(args, stringArgs(f.SiteIDs)...)
	}
	if f.SiteID != "" {
		where = append(where, "site_id = ?")
		args = append(args, f.SiteID)
	}
	if f.TankID != "" {
		where = append(where, "tank_id = ?")
		args = append(args, f.TankID)
	}
	q := `SELECT ` + measurementColumns + ` FROM tank_measurements`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, limitOr(f.Limit, MaxHistoryPage, MaxHistoryPage))

	out, err := t.queryMeasurements(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// --- audit ---

const auditColumns = `id, org_id, user_id, site_id, entity_type, entity_id, action, before_json, after_json, reason, created_at`

// MaxAuditPage caps audit log results.
const MaxAuditPage = 300

func (t *sqlTx) InsertAudit(ctx context.Context, e model.AuditEntry) error {
	return t.insertOnce(ctx, "audit entry", e.ID,
		`INSERT INTO audit_log (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		e.ID, e.OrgID, e.UserID, nullString(e.SiteID), e.EntityType, e.EntityID, e.Action,
		nullRaw(e.Before), nullRaw(e.After), nullString(e.Reason), toMillis(e.CreatedAt))
}

func (t *sqlTx) ListAudit(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, error) {
	where := "org_id = ?"
	args := []any{f.OrgID}
	if f.SiteIDs != nil {
		if len(f.SiteIDs) == 0 {
			return nil, nil
		}
		where += " AND site_id IN (" + placeholders(len(f.SiteIDs)) + ")"
		args = append(args, stringArgs(f.SiteIDs)...)
	}
	args = append(args, limitOr(f.Limit, MaxAuditPage, MaxAuditPage))
	rows, err := t.query(ctx,
		`SELECT `+auditColumns+` FROM audit_log WHERE `+where+` ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()
	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var site, before, after, reason sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.OrgID, &e.UserID, &site, &e.EntityType, &e.EntityID, &e.Action,
			&before, &after, &reason, &created); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.SiteID = site.String
		e.Before = rawFrom(before)
		e.After = rawFrom(after)
		e.Reason = reason.String
		e.CreatedAt = fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- pruning ---

func (t *sqlTx) PruneClearedAlarms(ctx context.Context, before time.Time) (int64, error) {
	res, err := t.exec(ctx, `DELETE FROM alarm_events WHERE state = ? AND cleared_at < ?`,
		string(model.AlarmCleared), toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("pruning cleared alarms: %w", err)
	}
	return res.RowsAffected()
}

func (t *sqlTx) PruneMeasurements(ctx context.Context, before time.Time) (int64, error) {
	res, err := t.exec(ctx, `
		DELETE FROM tank_measurements
		WHERE ts < ?
		  AND ts < (SELECT MAX(x.ts) FROM tank_measurements x WHERE x.tank_id = tank_measurements.tank_id)`,
		toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("pruning measurements: %w", err)
	}
	return res.RowsAffected()
}
