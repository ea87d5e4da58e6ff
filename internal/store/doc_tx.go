package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/darshan-rambhia/petrowatch/internal/model"
)

var errReadOnly = errors.New("store: write attempted in read transaction")

type docTx struct {
	doc      *document
	readOnly bool
}

func (t *docTx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func conflict(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, model.ErrConflict)
}

func missing(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, model.ErrNotFound)
}

func (t *docTx) requireSite(id string) error {
	if _, ok := t.doc.Sites[id]; !ok {
		return missing("site", id)
	}
	return nil
}

// --- orgs and users ---

func (t *docTx) InsertOrg(_ context.Context, o model.Org) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.doc.Orgs[o.ID]; ok {
		return conflict("org", o.ID)
	}
	t.doc.Orgs[o.ID] = o
	return nil
}

func (t *docTx) ListOrgs(context.Context) ([]model.Org, error) {
	out := slices.Collect(maps.Values(t.doc.Orgs))
	slices.SortFunc(out, func(a, b model.Org) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (t *docTx) InsertUser(_ context.Context, u model.User) error {
	if err := t.writable(); err != nil {
		return err
	}
	u.Email = strings.ToLower(u.Email)
	if _, ok := t.doc.Users[u.ID]; ok {
		return conflict("user", u.ID)
	}
	for _, existing := range t.doc.Users {
		if existing.User.Email == u.Email {
			return conflict("user", u.Email)
		}
	}
	if _, ok := t.doc.Orgs[u.OrgID]; !ok {
		return missing("org", u.OrgID)
	}
	for _, id := range u.SiteIDs {
		if err := t.requireSite(id); err != nil {
			return err
		}
	}
	hash := u.PasswordHash
	u.PasswordHash = ""
	u.SiteIDs = slices.Sorted(slices.Values(u.SiteIDs))
	t.doc.Users[u.ID] = docUser{User: u, PasswordHash: hash}
	return nil
}

func (du docUser) user() model.User {
	u := du.User
	u.PasswordHash = du.PasswordHash
	if u.SiteIDs == nil {
		u.SiteIDs = []string{}
	}
	return u
}

func (t *docTx) UserByEmail(_ context.Context, email string) (model.User, error) {
	email = strings.ToLower(email)
	for _, du := range t.doc.Users {
		if du.User.Email == email {
			return du.user(), nil
		}
	}
	return model.User{}, missing("user", email)
}

func (t *docTx) UserByID(_ context.Context, id string) (model.User, error) {
	du, ok := t.doc.Users[id]
	if !ok {
		return model.User{}, missing("user", id)
	}
	return du.user(), nil
}

func (t *docTx) CountUsers(context.Context) (int, error) {
	return len(t.doc.Users), nil
}

// --- sites ---

func sortSites(s []model.Site) {
	slices.SortFunc(s, func(a, b model.Site) int {
		return cmp.Or(cmp.Compare(a.SiteCode, b.SiteCode), cmp.Compare(a.ID, b.ID))
	})
}

func (t *docTx) InsertSite(_ context.Context, s model.Site) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.doc.Sites[s.ID]; ok {
		return conflict("site", s.ID)
	}
	if _, ok := t.doc.Orgs[s.OrgID]; !ok {
		return missing("org", s.OrgID)
	}
	t.doc.Sites[s.ID] = s
	return nil
}

func (t *docTx) GetSite(_ context.Context, id string) (model.Site, error) {
	s, ok := t.doc.Sites[id]
	if !ok {
		return model.Site{}, missing("site", id)
	}
	return s, nil
}

func (t *docTx) UpdateSite(_ context.Context, s model.Site) error {
	if err := t.writable(); err != nil {
		return err
	}
	cur, ok := t.doc.Sites[s.ID]
	if !ok {
		return missing("site", s.ID)
	}
	cur.Name, cur.Address, cur.PostalCode, cur.Region = s.Name, s.Address, s.PostalCode, s.Region
	cur.Lat, cur.Lon, cur.Timezone, cur.UpdatedAt = s.Lat, s.Lon, s.Timezone, s.UpdatedAt
	t.doc.Sites[s.ID] = cur
	return nil
}

func (t *docTx) DeleteSite(_ context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	if err := t.requireSite(id); err != nil {
		return err
	}
	maps.DeleteFunc(t.doc.Measurements, func(_ string, m model.TankMeasurement) bool { return m.SiteID == id })
	maps.DeleteFunc(t.doc.Alarms, func(_ string, a model.AlarmEvent) bool { return a.SiteID == id })
	maps.DeleteFunc(t.doc.Connections, func(_ string, c model.ConnectionStatus) bool { return c.SiteID == id })
	maps.DeleteFunc(t.doc.PumpSides, func(_ string, s model.PumpSide) bool { return s.SiteID == id })
	maps.DeleteFunc(t.doc.Pumps, func(_ string, p model.Pump) bool { return p.SiteID == id })
	maps.DeleteFunc(t.doc.Tanks, func(_ string, tk model.Tank) bool { return tk.SiteID == id })
	maps.DeleteFunc(t.doc.Layouts, func(_ string, l model.Layout) bool { return l.SiteID == id })
	delete(t.doc.Integrations, id)
	for uid, du := range t.doc.Users {
		if slices.Contains(du.User.SiteIDs, id) {
			du.User.SiteIDs = slices.DeleteFunc(slices.Clone(du.User.SiteIDs), func(s string) bool { return s == id })
			t.doc.Users[uid] = du
		}
	}
	delete(t.doc.Sites, id)
	return nil
}

func (t *docTx) ListSites(_ context.Context, orgID string) ([]model.Site, error) {
	var out []model.Site
	for _, s := range t.doc.Sites {
		if s.OrgID == orgID {
			out = append(out, s)
		}
	}
	sortSites(out)
	return out, nil
}

func (t *docTx) SitesByIDs(_ context.Context, ids []string) ([]model.Site, error) {
	var out []model.Site
	for _, id := range ids {
		if s, ok := t.doc.Sites[id]; ok && !slices.ContainsFunc(out, func(x model.Site) bool { return x.ID == id }) {
			out = append(out, s)
		}
	}
	sortSites(out)
	return out, nil
}

// --- integrations ---

func (t *docTx) InsertIntegration(_ context.Context, in model.SiteIntegration) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.doc.Integrations[in.SiteID]; ok {
		return conflict("integration", in.SiteID)
	}
	if err := t.requireSite(in.SiteID); err != nil {
		return err
	}
	t.doc.Integrations[in.SiteID] = in
	return nil
}

func (t *docTx) GetIntegration(_ context.Context, siteID string) (model.SiteIntegration, error) {
	in, ok := t.doc.Integrations[siteID]
	if !ok {
		return model.SiteIntegration{}, missing("integration", siteID)
	}
	return in, nil
}

func (t *docTx) UpdateIntegration(_ context.Context, in model.SiteIntegration) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.doc.Integrations[in.SiteID]; !ok {
		return missing("integration", in.SiteID)
	}
	t.doc.Integrations[in.SiteID] = in
	return nil
}

// --- tanks ---

func (t *docTx) InsertTank(_ context.Context, tk model.Tank) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.doc.Tanks[tk.ID]; ok {
		return conflict("tank", tk.ID)
	}
	if err := t.requireSite(tk.SiteID); err != nil {
		return err
	}
	t.doc.Tanks[tk.ID] = tk
	return nil
}

func (t *docTx) GetTank(_ context.Context, id string) (model.Tank, error) {
	tk, ok := t.doc.Tanks[id]
	if !ok {
		return model.Tank{}, missing("tank", id)
	}
	return tk, nil
}

func (t *docTx) UpdateTank(_ context.Context, tk model.Tank) error {
	if err := t.writable(); err != nil {
		return err
	}
	cur, ok := t.doc.Tanks[tk.ID]
	if !ok {
		return missing("tank", tk.ID)
	}
	cur.Label, cur.Product, cur.CapacityLiters = tk.Label, tk.Product, tk.CapacityLiters
	cur.Active, cur.UpdatedAt = tk.Active, tk.UpdatedAt
	t.doc.Tanks[tk.ID] = cur
	return nil
}

func (t *docTx) DeleteTank(_ context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.doc.Tanks[id]; !ok {
		return missing("tank", id)
	}
	maps.DeleteFunc(t.doc.Measurements, func(_ string, m model.TankMeasurement) bool { return m.TankID == id })
	delete(t.doc.Tanks, id)
	return nil
}

func (t *docTx) ListTanks(_ context.Context, siteID string) ([]model.Tank, error) {
	var out []model.Tank
	for _, tk := range t.doc.Tanks {
		if tk.SiteID == siteID {
			out = append(out, tk)
		}
	}
	slices.SortFunc(out, func(a, b model.Tank) int {
		return cmp.Or(cmp.Compare(a.ATGTankID, b.ATGTankID), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// --- pumps and sides ---

func sortPumps(p []model.Pump) {
	slices.SortFunc(p, func(a, b model.Pump) int {
		return cmp.Or(cmp.Compare(a.SiteID, b.SiteID), cmp.Compare(a.PumpNumber, b.PumpNumber), cmp.Compare(a.ID, b.ID))
	})
}

func sortSides(s []model.PumpSide) {
	slices.SortFunc(s, func(a, b model.PumpSide) int {
		return cmp.Or(cmp.Compare(a.PumpID, b.PumpID), cmp.Compare(a.Side, b.Side))
	})
}

func (t *docTx) sidesWhere(keep func(model.PumpSide) bool) []model.PumpSide {
	var out []model.PumpSide
	for _, s := range t.doc.PumpSides {
		if keep(s) {
			out = append(out, s)
		}
	}
	sortSides(out)
	return out
}

func (t *docTx) InsertPump(_ context.Context, p model.Pump) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.doc.Pumps[p.ID]; ok {
		return conflict("pump", p.ID)
	}
	if err := t.requireSite(p.SiteID); err != nil {
		return err
	}
	p.Sides = nil
	t.doc.Pumps[p.ID] = p
	return nil
}

func (t *docTx) GetPump(_ context.Context, id string) (model.Pump, error) {
	p, ok := t.doc.Pumps[id]
	if !ok {
		return model.Pump{}, missing("pump", id)
	}
	p.Sides = t.sidesWhere(func(s model.PumpSide) bool { return s.PumpID == id })
	return p, nil
}

func (t *docTx) UpdatePump(_ context.Context, p model.Pump) error {
	if err := t.writable(); err != nil {
		return err
	}
	cur, ok := t.doc.Pumps[p.ID]
	if !ok {
		return missing("pump", p.ID)
	}
	cur.Label, cur.Active, cur.UpdatedAt = p.Label, p.Active, p.UpdatedAt
	t.doc.Pumps[p.ID] = cur
	return nil
}

func (t *docTx) DeletePump(_ context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.doc.Pumps[id]; !ok {
		return missing("pump", id)
	}
	for sid, s := range t.doc.PumpSides {
		if s.PumpID != id {
			continue
		}
		maps.DeleteFunc(t.doc.Connections, func(_ string, c model.ConnectionStatus) bool { return c.TargetID == sid })
		delete(t.doc.PumpSides, sid)
	}
	delete(t.doc.Pumps, id)
	return nil
}

func (t *docTx) ListPumps(_ context.Context, siteID string) ([]model.Pump, error) {
	var out []model.Pump
	for _, p := range t.doc.Pumps {
		if p.SiteID == siteID {
			out = append(out, p)
		}
	}
	sortPumps(out)
	attachSides(out, t.sidesWhere(func(s model.PumpSide) bool { return s.SiteID == siteID }))
	return out, nil
}

func (t *docTx) ActivePumps(context.Context) ([]model.Pump, error) {
	var out []model.Pump
	for _, p := range t.doc.Pumps {
		if p.Active {
			out = append(out, p)
		}
	}
	sortPumps(out)
	return out, nil
}

func (t *docTx) InsertPumpSide(_ context.Context, ps model.PumpSide) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.doc.PumpSides[ps.ID]; ok {
		return conflict("pump side", ps.ID)
	}
	if _, ok := t.doc.Pumps[ps.PumpID]; !ok {
		return missing("pump", ps.PumpID)
	}
	t.doc.PumpSides[ps.ID] = ps
	return nil
}

func (t *docTx) PumpSidesBySites(_ context.Context, siteIDs []string) ([]model.PumpSide, error) {
	if len(siteIDs) == 0 {
		return nil, nil
	}
	return t.sidesWhere(func(s model.PumpSide) bool { return slices.Contains(siteIDs, s.SiteID) }), nil
}

// --- connection status ---

func (t *docTx) connsWhere(keep func(model.ConnectionStatus) bool) []model.ConnectionStatus {
	var out []model.ConnectionStatus
	for _, c := range t.doc.Connections {
		if keep(c) {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b model.ConnectionStatus) int {
		return cmp.Or(cmp.Compare(a.SiteID, b.SiteID), cmp.Compare(a.ID, b.ID))
	})
	return out
}

func (t *docTx) InsertConnection(_ context.Context, c model.ConnectionStatus) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.doc.Connections[c.ID]; ok {
		return conflict("connection", c.ID)
	}
	if err := t.requireSite(c.SiteID); err != nil {
		return err
	}
	t.doc.Connections[c.ID] = c
	return nil
}

func (t *docTx) ConnectionsBySites(_ context.Context, siteIDs []string) ([]model.ConnectionStatus, error) {
	if len(siteIDs) == 0 {
		return nil, nil
	}
	return t.connsWhere(func(c model.ConnectionStatus) bool { return slices.Contains(siteIDs, c.SiteID) }), nil
}

func (t *docTx) ConnectionsByKind(_ context.Context, kind model.ConnKind) ([]model.ConnectionStatus, error) {
	return t.connsWhere(func(c model.ConnectionStatus) bool { return c.Kind == kind }), nil
}

func (t *docTx) ToggleConnection(_ context.Context, id string, at time.Time) (model.ConnState, error) {
	if err := t.writable(); err != nil {
		return "", err
	}
	c, ok := t.doc.Connections[id]
	if !ok {
		return "", missing("connection", id)
	}
	if c.Status == model.ConnConnected {
		c.Status = model.ConnDisconnected
	} else {
		c.Status = model.ConnConnected
	}
	at = at.UTC()
	c.LastSeenAt = &at
	t.doc.Connections[id] = c
	return c.Status, nil
}

// --- layouts ---

func (t *docTx) layoutsFor(siteID string) []model.Layout {
	var out []model.Layout
	for _, l := range t.doc.Layouts {
		if l.SiteID == siteID {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b model.Layout) int { return cmp.Compare(b.Version, a.Version) })
	return out
}

func (t *docTx) ActiveLayout(_ context.Context, siteID string) (model.Layout, error) {
	for _, l := range t.layoutsFor(siteID) {
		if l.IsActive {
			return l, nil
		}
	}
	return model.Layout{}, fmt.Errorf("active layout for %s: %w", siteID, model.ErrNotFound)
}

func (t *docTx) ListLayouts(_ context.Context, siteID string) ([]model.Layout, error) {
	return t.layoutsFor(siteID), nil
}

func (t *docTx) MaxLayoutVersion(_ context.Context, siteID string) (int, error) {
	if ls := t.layoutsFor(siteID); len(ls) > 0 {
		return ls[0].Version, nil
	}
	return 0, nil
}

func (t *docTx) DeactivateLayouts(_ context.Context, siteID string) error {
	if err := t.writable(); err != nil {
		return err
	}
	for id, l := range t.doc.Layouts {
		if l.SiteID == siteID && l.IsActive {
			l.IsActive = false
			t.doc.Layouts[id] = l
		}
	}
	return nil
}

func (t *docTx) InsertLayout(_ context.Context, l model.Layout) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.doc.Layouts[l.ID]; ok {
		return conflict("layout", l.ID)
	}
	if err := t.requireSite(l.SiteID); err != nil {
		return err
	}
	for _, other := range t.doc.Layouts {
		if other.SiteID == l.SiteID && other.Version == l.Version {
			return conflict("layout version", fmt.Sprintf("%s/%d", l.SiteID, l.Version))
		}
	}
	t.doc.Layouts[l.ID] = l
	return nil
}

// --- alarms ---

func (t *docTx) InsertAlarm(_ context.Context, a model.AlarmEvent) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.doc.Alarms[a.ID]; ok {
		return conflict("alarm", a.ID)
	}
	if err := t.requireSite(a.SiteID); err != nil {
		return err
	}
	t.doc.Alarms[a.ID] = a
	return nil
}

func (t *docTx) GetAlarm(_ context.Context, id string) (model.AlarmEvent, error) {
	a, ok := t.doc.Alarms[id]
	if !ok {
		return model.AlarmEvent{}, missing("alarm", id)
	}
	return a, nil
}

func (t *docTx) AckAlarm(_ context.Context, id, by string, at time.Time) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	a, ok := t.doc.Alarms[id]
	if !ok || a.State != model.AlarmRaised {
		return false, nil
	}
	at = at.UTC()
	a.State, a.AckAt, a.AckBy = model.AlarmAcknowledged, &at, by
	t.doc.Alarms[id] = a
	return true, nil
}

func (t *docTx) ClearAlarm(_ context.Context, id string, at time.Time) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	a, ok := t.doc.Alarms[id]
	if !ok || !a.State.CanTransition(model.AlarmCleared) {
		return false, nil
	}
	at = at.UTC()
	a.State, a.ClearedAt = model.AlarmCleared, &at
	t.doc.Alarms[id] = a
	return true, nil
}

func (t *docTx) ListAlarms(_ context.Context, f model.AlarmFilter) ([]model.AlarmEvent, error) {
	var out []model.AlarmEvent
	for _, a := range t.doc.Alarms {
		if f.Matches(a) {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b model.AlarmEvent) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(b.ID, a.ID))
	})
	if n := limitOr(f.Limit, MaxAlarmPage, MaxAlarmPage); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (t *docTx) AlarmCounts(_ context.Context, siteIDs []string) (map[string]AlarmCount, error) {
	counts := make(map[string]AlarmCount, len(siteIDs))
	for _, a := range t.doc.Alarms {
		if a.State != model.AlarmRaised || !slices.Contains(siteIDs, a.SiteID) {
			continue
		}
		c := counts[a.SiteID]
		switch a.Severity {
		case model.SeverityCritical:
			c.Critical++
		case model.SeverityWarn:
			c.Warn++
		}
		counts[a.SiteID] = c
	}
	return counts, nil
}

// --- measurements ---

func newestFirst(a, b model.TankMeasurement) int {
	return cmp.Or(b.TS.Compare(a.TS), cmp.Compare(b.ID, a.ID))
}

func (t *docTx) InsertMeasurement(_ context.Context, m model.TankMeasurement) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.doc.Measurements[m.ID]; ok {
		return conflict("measurement", m.ID)
	}
	if _, ok := t.doc.Tanks[m.TankID]; !ok {
		return missing("tank", m.TankID)
	}
	t.doc.Measurements[m.ID] = m
	return nil
}

func (t *docTx) RecentMeasurements(_ context.Context, limit int) ([]model.TankMeasurement, error) {
	out := slices.Collect(maps.Values(t.doc.Measurements))
	slices.SortFunc(out, newestFirst)
	if n := limitOr(limit, 200, 10000); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (t *docTx) DriftMeasurement(_ context.Context, id string, delta float64, at time.Time, clamp bool) error {
	if err := t.writable(); err != nil {
		return err
	}
	m, ok := t.doc.Measurements[id]
	if !ok {
		return missing("measurement", id)
	}
	vol := max(0, m.FuelVolumeL+delta)
	ull := max(0, m.UllageL-delta)
	if tk, ok := t.doc.Tanks[m.TankID]; clamp && ok && tk.CapacityLiters > 0 {
		vol = min(tk.CapacityLiters, vol)
		ull = min(tk.CapacityLiters, ull)
	}
	m.FuelVolumeL, m.UllageL, m.TS = vol, ull, at.UTC()
	t.doc.Measurements[id] = m
	return nil
}

func (t *docTx) ListMeasurements(_ context.Context, f model.MeasurementFilter) ([]model.TankMeasurement, error) {
	if f.SiteIDs != nil && len(f.SiteIDs) == 0 {
		return nil, nil
	}
	var out []model.TankMeasurement
	for _, m := range t.doc.Measurements {
		if f.SiteIDs != nil && !slices.Contains(f.SiteIDs, m.SiteID) {
			continue
		}
		if (f.SiteID != "" && m.SiteID != f.SiteID) || (f.TankID != "" && m.TankID != f.TankID) {
			continue
		}
		out = append(out, m)
	}
	slices.SortFunc(out, newestFirst)
	if n := limitOr(f.Limit, MaxHistoryPage, MaxHistoryPage); len(out) > n {
		out = out[:n]
	}
	slices.Reverse(out)
	return out, nil
}

// --- audit ---

func (t *docTx) InsertAudit(_ context.Context, e model.AuditEntry) error {
	if err := t.writable(); err != nil {
		return err
	}
	if slices.ContainsFunc(t.doc.Audit, func(x model.AuditEntry) bool { return x.ID == e.ID }) {
		return conflict("audit entry", e.ID)
	}
	t.doc.Audit = append(t.doc.Audit, e)
	return nil
}

func (t *docTx) ListAudit(_ context.Context, f model.AuditFilter) ([]model.AuditEntry, error) {
	if f.SiteIDs != nil && len(f.SiteIDs) == 0 {
		return nil, nil
	}
	var out []model.AuditEntry
	for _, e := range t.doc.Audit {
		if e.OrgID != f.OrgID {
			continue
		}
		if f.SiteIDs != nil && !slices.Contains(f.SiteIDs, e.SiteID) {
			continue
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b model.AuditEntry) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(b.ID, a.ID))
	})
	if n := limitOr(f.Limit, MaxAuditPage, MaxAuditPage); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// --- pruning ---

func (t *docTx) PruneClearedAlarms(_ context.Context, before time.Time) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	var n int64
	maps.DeleteFunc(t.doc.Alarms, func(_ string, a model.AlarmEvent) bool {
		drop := a.State == model.AlarmCleared && a.ClearedAt != nil && a.ClearedAt.Before(before)
		if drop {
			n++
		}
		return drop
	})
	return n, nil
}

func (t *docTx) PruneMeasurements(_ context.Context, before time.Time) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	latest := make(map[string]time.Time)
	for _, m := range t.doc.Measurements {
		if m.TS.After(latest[m.TankID]) {
			latest[m.TankID] = m.TS
		}
	}
	var n int64
	maps.DeleteFunc(t.doc.Measurements, func(_ string, m model.TankMeasurement) bool {
		drop := m.TS.Before(before) && m.TS.Before(latest[m.TankID])
		if drop {
			n++
		}
		return drop
	})
	return n, nil
}
