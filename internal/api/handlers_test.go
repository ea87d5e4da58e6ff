package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/darshan-rambhia/petrowatch/internal/alerter"
	"github.com/darshan-rambhia/petrowatch/internal/auth"
	"github.com/darshan-rambhia/petrowatch/internal/events"
	"github.com/darshan-rambhia/petrowatch/internal/model"
	"github.com/darshan-rambhia/petrowatch/internal/seed"
	"github.com/darshan-rambhia/petrowatch/internal/service"
	"github.com/darshan-rambhia/petrowatch/internal/status"
	"github.com/darshan-rambhia/petrowatch/internal/store"
)

// failWriter is a ResponseWriter whose Write always returns an error.
// Used to exercise the "client disconnected" debug-log paths in renderHTML / writeJSON.
type failWriter struct {
	header http.Header
}

func (fw *failWriter) Header() http.Header       { return fw.header }
func (fw *failWriter) WriteHeader(int)           {}
func (fw *failWriter) Write([]byte) (int, error) { return 0, errors.New("write failed") }

var (
	manager  = model.Identity{UserID: "user-manager", OrgID: "org-demo", Role: model.RoleManager}
	tech     = model.Identity{UserID: "user-tech", OrgID: "org-demo", Role: model.RoleServiceTech, SiteIDs: []string{"site-1001", "site-1002"}}
	operator = model.Identity{UserID: "user-operator", OrgID: "org-demo", Role: model.RoleOperator, SiteIDs: []string{"site-1001"}}
	outsider = model.Identity{UserID: "user-x", OrgID: "org-other", Role: model.RoleManager}
)

type fixture struct {
	srv    *Server
	store  store.Store
	tokens *auth.Tokens
	status *status.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewDocStore("")
	c, err := seed.Demo()
	require.NoError(t, err)
	_, err = seed.Apply(context.Background(), s, c, seed.Options{PasswordCost: bcrypt.MinCost})
	require.NoError(t, err)

	bus := events.NewBus(32)
	t.Cleanup(bus.Close)
	svc, err := service.New(s, bus, alerter.New(s, bus, nil, nil))
	require.NoError(t, err)

	tokens := auth.NewTokens("api-test-secret-0123456789", time.Hour)
	tracker := status.New(s.Backend())
	tracker.SetReady(true, nil)

	srv := NewServer(":0", Deps{
		Service:   svc,
		Auth:      auth.NewAuthenticator(s, tokens, auth.NewLimiter(100, 100)),
		Bus:       bus,
		Status:    tracker,
		Heartbeat: time.Hour,
		Version:   "test",
	})
	return &fixture{srv: srv, store: s, tokens: tokens, status: tracker}
}

func (f *fixture) token(t *testing.T, id model.Identity) string {
	t.Helper()
	tok, _, err := f.tokens.Issue(id)
	require.NoError(t, err)
	return tok
}

// do sends a request through the full middleware stack. A zero identity
// sends no token.
func (f *fixture) do(t *testing.T, id model.Identity, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if id.UserID != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, id))
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func siteSummary(t *testing.T, f *fixture, id model.Identity, siteID string) model.SiteSummary {
	t.Helper()
	w := f.do(t, id, http.MethodGet, "/sites", nil)
	require.Equal(t, http.StatusOK, w.Code)
	for _, s := range decode[[]model.SiteSummary](t, w) {
		if s.ID == siteID {
			return s
		}
	}
	t.Fatalf("site %s not listed", siteID)
	return model.SiteSummary{}
}

// --- public endpoints ---

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	f.status.SetLastRun("simulator", time.Now())

	w := f.do(t, model.Identity{}, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode[healthResponse](t, w)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Ready)
	assert.Equal(t, "memory", resp.Backend)
	assert.Contains(t, resp.Loops, "simulator")
}

func TestHealthz_NotReady(t *testing.T) {
	f := newFixture(t)
	f.status.SetReady(false, errors.New("dial tcp: connection refused"))

	w := f.do(t, model.Identity{}, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decode[healthResponse](t, w)
	assert.Equal(t, "not_ready", resp.Status)
	assert.False(t, resp.Ready)
	assert.Contains(t, resp.Error, "connection refused")

	w = f.do(t, model.Identity{}, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = f.do(t, manager, http.MethodGet, "/sites", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unavailable", decode[errorResponse](t, w).Kind)
}

func TestReadyz(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, model.Identity{}, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ready":true}`, w.Body.String())
}

func TestStatusPage(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, model.Identity{}, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "PetroWatch")
	assert.NotContains(t, w.Body.String(), "Riverside", "no tenant data on the public page")

	w = f.do(t, model.Identity{}, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, model.Identity{}, http.MethodGet, "/readyz", nil)
	w := f.do(t, model.Identity{}, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "petrowatch_http_requests_total")
}

// --- SecurityHeadersMiddleware ---

func TestSecurityHeadersMiddleware(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, model.Identity{}, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("Content-Security-Policy"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

// --- auth ---

func TestLogin(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, model.Identity{}, http.MethodPost, "/auth/login", loginRequest{Email: "operator@demo.com", Password: seed.DefaultPassword})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sess := decode[auth.Session](t, w)
	assert.NotEmpty(t, sess.Token)
	assert.NotContains(t, w.Body.String(), "passwordHash")

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	me := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(me, req)
	require.Equal(t, http.StatusOK, me.Code)
	u := decode[model.User](t, me)
	assert.Equal(t, "user-operator", u.ID)
	assert.Equal(t, []string{"site-1001"}, u.SiteIDs)
}

func TestLogin_Rejects(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, model.Identity{}, http.MethodPost, "/auth/login", loginRequest{Email: "operator@demo.com", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, model.Identity{}, http.MethodPost, "/auth/login", loginRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogin_RateLimited(t *testing.T) {
	f := newFixture(t)
	f.srv.auth = auth.NewAuthenticator(f.store, f.tokens, auth.NewLimiter(0.0001, 1))

	w := f.do(t, model.Identity{}, http.MethodPost, "/auth/login", loginRequest{Email: "operator@demo.com", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = f.do(t, model.Identity{}, http.MethodPost, "/auth/login", loginRequest{Email: "operator@demo.com", Password: seed.DefaultPassword})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decode[errorResponse](t, w).Kind)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"not bearer", "Basic abc"},
		{"garbage", "Bearer not.a.token"},
		{"tampered", "Bearer " + f.token(t, operator) + "x"},
		{"other secret", "Bearer " + func() string {
			tok, _, _ := auth.NewTokens("some-other-secret-value", time.Hour).Issue(manager)
			return tok
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/sites", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			f.srv.Handler().ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "unauthorized", decode[errorResponse](t, w).Kind)
		})
	}
}

// --- sites and devices ---

func TestListSites_Scoped(t *testing.T) {
	f := newFixture(t)

	all := decode[[]model.SiteSummary](t, f.do(t, manager, http.MethodGet, "/sites", nil))
	require.Len(t, all, 2)
	assert.Equal(t, "1001", all[0].SiteCode)
	assert.Equal(t, "1002", all[1].SiteCode)
	assert.Equal(t, 4, all[0].PumpSidesExpected)
	assert.Equal(t, 4, all[0].PumpSidesConnected)
	assert.Equal(t, 1, all[0].WarnCount)
	assert.NotNil(t, all[0].ATGLastSeenAt)

	mine := decode[[]model.SiteSummary](t, f.do(t, operator, http.MethodGet, "/sites", nil))
	require.Len(t, mine, 1)
	assert.Equal(t, "site-1001", mine[0].ID)

	assert.Empty(t, decode[[]model.SiteSummary](t, f.do(t, outsider, http.MethodGet, "/sites", nil)))
}

func TestCreateSiteThenPump(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, manager, http.MethodPost, "/sites", map[string]any{"siteCode": "2001", "name": "Lakeside"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "site-2001", decode[model.Site](t, w).ID)

	w = f.do(t, manager, http.MethodPost, "/sites/site-2001/pumps", map[string]any{"pumpNumber": 5, "label": "Pump 5"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	pump := decode[model.Pump](t, w)
	assert.Equal(t, "pump-site-2001-5", pump.ID)
	require.Len(t, pump.Sides, 2)
	assert.Equal(t, "ps-pump-site-2001-5-a", pump.Sides[0].ID)

	d := decode[service.SiteDetail](t, f.do(t, manager, http.MethodGet, "/sites/site-2001", nil))
	assert.Equal(t, 2, d.PumpSidesExpected)
	assert.Equal(t, 0, d.PumpSidesConnected)
	require.NotNil(t, d.Integration)

	w = f.do(t, manager, http.MethodPost, "/sites", map[string]any{"siteCode": "2001", "name": "Again"})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = f.do(t, manager, http.MethodPost, "/sites/site-2001/pumps", map[string]any{"pumpNumber": 5, "label": "dup"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSiteAccess(t *testing.T) {
	f := newFixture(t)
	narrowTech := model.Identity{UserID: "user-tech", OrgID: "org-demo", Role: model.RoleServiceTech, SiteIDs: []string{"site-1001"}}
	tests := []struct {
		name   string
		id     model.Identity
		method string
		path   string
		body   any
		want   int
	}{
		{"tech outside scope", narrowTech, http.MethodGet, "/sites/site-1002", nil, http.StatusForbidden},
		{"tech inside scope", narrowTech, http.MethodGet, "/sites/site-1001", nil, http.StatusOK},
		{"operator creating site", operator, http.MethodPost, "/sites", map[string]any{"siteCode": "3001", "name": "x"}, http.StatusForbidden},
		{"operator patching site", operator, http.MethodPatch, "/sites/site-1001", map[string]any{"name": "x"}, http.StatusForbidden},
		{"operator reading pumps", operator, http.MethodGet, "/sites/site-1001/pumps", nil, http.StatusOK},
		{"operator reading other pumps", operator, http.MethodGet, "/sites/site-1002/pumps", nil, http.StatusForbidden},
		{"outsider manager", outsider, http.MethodGet, "/sites/site-1001", nil, http.StatusNotFound},
		{"missing site", manager, http.MethodGet, "/sites/site-4040", nil, http.StatusNotFound},
		{"tech deleting pump elsewhere", narrowTech, http.MethodDelete, "/pumps/pump-site-1002-1", nil, http.StatusForbidden},
		{"operator deleting tank", operator, http.MethodDelete, "/tanks/tank-site-1001-1", nil, http.StatusForbidden},
		{"invalid patch", manager, http.MethodPatch, "/sites/site-1001", map[string]any{"lat": 500}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.id, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestDevicesCRUD(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, tech, http.MethodPost, "/sites/site-1002/tanks", map[string]any{"atgTankId": "3", "label": "Premium", "product": "ULG93", "capacityLiters": 15000})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, tech, http.MethodPatch, "/tanks/tank-site-1002-3", map[string]any{"label": "Premium 93"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Premium 93", decode[model.Tank](t, w).Label)

	tanks := decode[[]model.Tank](t, f.do(t, tech, http.MethodGet, "/sites/site-1002/tanks", nil))
	assert.Len(t, tanks, 3)

	w = f.do(t, tech, http.MethodDelete, "/tanks/tank-site-1002-3?reason=decommissioned", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, tech, http.MethodPatch, "/pumps/pump-site-1002-1", map[string]any{"active": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[model.Pump](t, w).Active)

	w = f.do(t, manager, http.MethodPatch, "/sites/site-1002/integrations", map[string]any{"atgPort": 10010})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10010, decode[model.SiteIntegration](t, w).ATGPort)

	entries := decode[[]model.AuditEntry](t, f.do(t, manager, http.MethodGet, "/audit", nil))
	var reasons []string
	for _, e := range entries {
		reasons = append(reasons, e.Reason)
	}
	assert.Contains(t, reasons, "decommissioned")
}

func TestDeleteSite(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, manager, http.MethodDelete, "/sites/site-1002", map[string]any{"reason": "sold"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, manager, http.MethodGet, "/sites/site-1002", nil).Code)
	assert.Len(t, decode[[]model.SiteSummary](t, f.do(t, manager, http.MethodGet, "/sites", nil)), 1)
}

// --- layouts ---

func TestLayouts(t *testing.T) {
	f := newFixture(t)
	layout := json.RawMessage(`{"objects":[{"id":"pump-1","type":"pump","x":10,"y":20,"slotIndex":0}]}`)

	w := f.do(t, operator, http.MethodGet, "/sites/site-1001/layout", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[model.Layout](t, w).Version)

	w = f.do(t, tech, http.MethodPost, "/sites/site-1001/layout", map[string]any{"json": layout, "baseVersion": 1})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, 2, decode[model.Layout](t, w).Version)

	w = f.do(t, tech, http.MethodPost, "/sites/site-1001/layout", map[string]any{"json": layout, "baseVersion": 1})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict", decode[errorResponse](t, w).Kind)

	w = f.do(t, tech, http.MethodPost, "/sites/site-1001/layout", map[string]any{"json": map[string]any{"objects": "nope"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	list := decode[[]model.Layout](t, f.do(t, operator, http.MethodGet, "/sites/site-1001/layouts", nil))
	require.Len(t, list, 2)
	assert.True(t, list[0].IsActive)
	assert.False(t, list[1].IsActive)
}

// --- alerts ---

func TestAlertLifecycle(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, 0, siteSummary(t, f, manager, "site-1001").CriticalCount)

	w := f.do(t, tech, http.MethodPost, "/sites/site-1001/alerts", map[string]any{
		"component": "atg", "severity": "critical", "code": "ATG-LEAK", "message": "Leak detected", "tankId": "tank-site-1001-1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ev := decode[model.AlarmEvent](t, w)
	assert.Equal(t, service.ManualSource, ev.SourceType)
	assert.Equal(t, 1, siteSummary(t, f, manager, "site-1001").CriticalCount)

	w = f.do(t, operator, http.MethodPost, "/alerts/"+ev.ID+"/ack", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	acked := decode[model.AlarmEvent](t, w)
	assert.Equal(t, model.AlarmAcknowledged, acked.State)
	assert.Equal(t, "user-operator", acked.AckBy)
	assert.Equal(t, 0, siteSummary(t, f, manager, "site-1001").CriticalCount)

	w = f.do(t, manager, http.MethodPost, "/alerts/"+ev.ID+"/ack", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-operator", decode[model.AlarmEvent](t, w).AckBy, "second ack leaves the record unchanged")

	assert.Equal(t, http.StatusForbidden, f.do(t, operator, http.MethodPost, "/alerts/"+ev.ID+"/clear", nil).Code)

	w = f.do(t, manager, http.MethodPost, "/alerts/"+ev.ID+"/clear", map[string]any{"reason": "probe replaced"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.AlarmCleared, decode[model.AlarmEvent](t, w).State)

	assert.Equal(t, http.StatusConflict, f.do(t, manager, http.MethodPost, "/alerts/"+ev.ID+"/ack", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, manager, http.MethodPost, "/alerts/alert-missing/ack", nil).Code)
}

func TestListAlerts(t *testing.T) {
	f := newFixture(t)

	list := decode[[]model.AlarmEvent](t, f.do(t, operator, http.MethodGet, "/alerts?state=raised", nil))
	require.Len(t, list, 1)
	assert.Equal(t, "alert-1", list[0].ID)

	list = decode[[]model.AlarmEvent](t, f.do(t, operator, http.MethodGet, "/alerts?siteId=site-1001", nil))
	assert.Len(t, list, 1)
	assert.Equal(t, http.StatusForbidden, f.do(t, operator, http.MethodGet, "/alerts?siteId=site-1002", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, outsider, http.MethodGet, "/alerts?siteId=site-1001", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, operator, http.MethodGet, "/alerts?state=bogus", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, operator, http.MethodGet, "/alerts?limit=-1", nil).Code)
}

// --- history and audit ---

func TestTankHistory(t *testing.T) {
	f := newFixture(t)
	rows := decode[[]model.TankMeasurement](t, f.do(t, operator, http.MethodGet, "/history/tanks", nil))
	assert.Len(t, rows, 3)

	rows = decode[[]model.TankMeasurement](t, f.do(t, manager, http.MethodGet, "/history/tanks?tankId=tank-site-1002-1", nil))
	require.Len(t, rows, 1)
	assert.InDelta(t, 20400, rows[0].FuelVolumeL, 0.001)

	assert.Equal(t, http.StatusBadRequest, f.do(t, manager, http.MethodGet, "/history/tanks?limit=abc", nil).Code)
}

func TestTankHistory_SiteFilterOutsideScope(t *testing.T) {
	f := newFixture(t)

	rows := decode[[]model.TankMeasurement](t, f.do(t, operator, http.MethodGet, "/history/tanks?siteId=site-1001", nil))
	assert.Len(t, rows, 3)

	w := f.do(t, operator, http.MethodGet, "/history/tanks?siteId=site-1002", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", decode[errorResponse](t, w).Kind)
}

func TestAudit_RoleGated(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusForbidden, f.do(t, operator, http.MethodGet, "/audit", nil).Code)

	f.do(t, manager, http.MethodPatch, "/sites/site-1001", map[string]any{"name": "Riverside North"})
	entries := decode[[]model.AuditEntry](t, f.do(t, tech, http.MethodGet, "/audit?limit=10", nil))
	require.NotEmpty(t, entries)
	assert.Equal(t, "site", entries[0].EntityType)
	assert.Equal(t, "update", entries[0].Action)
	assert.Equal(t, "user-manager", entries[0].UserID)

	assert.Empty(t, decode[[]model.AuditEntry](t, f.do(t, outsider, http.MethodGet, "/audit", nil)))
}

func TestAudit_ScopedToTechSites(t *testing.T) {
	f := newFixture(t)
	narrowTech := model.Identity{UserID: "user-tech", OrgID: "org-demo", Role: model.RoleServiceTech, SiteIDs: []string{"site-1001"}}

	require.Equal(t, http.StatusOK, f.do(t, manager, http.MethodPatch, "/sites/site-1002", map[string]any{"name": "Secret rename"}).Code)
	require.Equal(t, http.StatusOK, f.do(t, manager, http.MethodPatch, "/sites/site-1001", map[string]any{"name": "Riverside North"}).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, narrowTech, http.MethodGet, "/sites/site-1002", nil).Code)

	entries := decode[[]model.AuditEntry](t, f.do(t, narrowTech, http.MethodGet, "/audit", nil))
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.Equal(t, "site-1001", e.SiteID)
		assert.NotContains(t, string(e.After), "Secret rename")
	}

	var sites []string
	for _, e := range decode[[]model.AuditEntry](t, f.do(t, manager, http.MethodGet, "/audit", nil)) {
		sites = append(sites, e.SiteID)
	}
	assert.Contains(t, sites, "site-1002", "managers see the whole org")
}

// --- streams ---

// sseLines reads an event stream line by line in the background.
func sseLines(t *testing.T, body io.Reader) <-chan string {
	t.Helper()
	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}

// nextEvent returns the name and data of the next SSE event.
func nextEvent(t *testing.T, lines <-chan string) (string, events.Payload) {
	t.Helper()
	var name string
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				var p events.Payload
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &p))
				return name, p
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func raise(t *testing.T, f *fixture, siteID string) {
	t.Helper()
	_, err := f.srv.svc.Alerter().Raise(context.Background(), alerter.AlarmInput{
		SiteID: siteID, SourceType: "Test", Component: "printer", Severity: model.SeverityWarn, Code: "T-1", Message: "test",
	})
	require.NoError(t, err)
}

func TestEvents_SSE(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?channels=*&access_token="+f.token(t, operator), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := sseLines(t, resp.Body)
	name, _ := nextEvent(t, lines)
	require.Equal(t, events.EventConnected, name)

	// The operator only sees site-1001.
	raise(t, f, "site-1002")
	raise(t, f, "site-1001")

	name, p := nextEvent(t, lines)
	assert.Equal(t, events.EventAlertRaised, name)
	assert.Equal(t, "site-1001", p.SiteID)
	assert.Equal(t, model.SiteAlertsChannel("site-1001"), p.Channel)
}

func TestEvents_SSEChannelFilter(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?channels=sites", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token(t, manager))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	lines := sseLines(t, resp.Body)
	name, _ := nextEvent(t, lines)
	require.Equal(t, events.EventConnected, name)

	raise(t, f, "site-1001")
	w := f.do(t, manager, http.MethodPost, "/sites", map[string]any{"siteCode": "2002", "name": "Harbor"})
	require.Equal(t, http.StatusCreated, w.Code)

	name, p := nextEvent(t, lines)
	assert.Equal(t, events.EventSiteCreated, name)
	assert.Equal(t, "site-2002", p.SiteID)
}

func TestSiteScope_LearnsRelayedSiteCreate(t *testing.T) {
	f := newFixture(t)
	sc, err := f.srv.newScope(context.Background(), manager)
	require.NoError(t, err)

	// A site created on another process arrives with Data as a decoded map.
	wire, err := json.Marshal(events.Message{Event: events.EventSiteCreated, Payload: events.Payload{
		Channel: model.SitesChannel, SiteID: "site-3001", OrgID: "org-demo",
		EntityType: "site", EntityID: "site-3001", Action: "create",
		Data: model.Site{ID: "site-3001", OrgID: "org-demo"},
	}})
	require.NoError(t, err)
	var relayed events.Message
	require.NoError(t, json.Unmarshal(wire, &relayed))
	require.IsType(t, map[string]any{}, relayed.Payload.Data)

	assert.True(t, sc.allow(relayed.Payload))
	assert.True(t, sc.allow(events.Payload{Channel: "site:site-3001:alerts", SiteID: "site-3001"}), "later events for the new site pass")

	foreign := relayed.Payload
	foreign.SiteID, foreign.OrgID = "site-9001", "org-other"
	assert.False(t, sc.allow(foreign))
	assert.False(t, sc.allow(events.Payload{Channel: "site:site-9001:alerts", SiteID: "site-9001"}))
}

func TestEvents_Unauthorized(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, model.Identity{}, http.MethodGet, "/events", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEvents_WebSocket(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events/ws?channels=site:site-1001:alerts&access_token=" + f.token(t, tech)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var msg struct {
		Event string         `json:"event"`
		Data  events.Payload `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, events.EventConnected, msg.Event)

	raise(t, f, "site-1002")
	raise(t, f, "site-1001")
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, events.EventAlertRaised, msg.Event)
	assert.Equal(t, "site-1001", msg.Data.SiteID)
}

// --- renderHTML / writeJSON error paths ---

func TestWriteJSON_MarshalError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	// channels cannot be marshalled to JSON.
	writeJSON(w, r, make(chan int))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWriteJSON_WriteBodyFail(t *testing.T) {
	w := &failWriter{header: make(http.Header)}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	// Marshal succeeds; Write to w fails. Must not panic.
	writeJSON(w, r, "ok")
}

func TestWriteError_Classification(t *testing.T) {
	tests := []struct {
		err  error
		code int
		kind string
	}{
		{model.Invalid("bad"), http.StatusBadRequest, "validation"},
		{model.ErrForbidden, http.StatusForbidden, "forbidden"},
		{model.ErrNotFound, http.StatusNotFound, "not_found"},
		{model.ErrConflict, http.StatusConflict, "conflict"},
		{model.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{unavailable("store"), http.StatusServiceUnavailable, "unavailable"},
		{auth.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{errors.New("pq: relation does not exist"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeError(w, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
			assert.Equal(t, tt.code, w.Code)
			resp := decode[errorResponse](t, w)
			assert.Equal(t, tt.kind, resp.Kind)
			if tt.code == http.StatusInternalServerError {
				assert.Equal(t, "internal server error", resp.Error, "detail stays in the log")
			}
		})
	}
}
