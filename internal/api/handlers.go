// Package api provides the HTTP surface of PetroWatch.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/a-h/templ"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/darshan-rambhia/petrowatch/internal/access"
	"github.com/darshan-rambhia/petrowatch/internal/auth"
	"github.com/darshan-rambhia/petrowatch/internal/events"
	"github.com/darshan-rambhia/petrowatch/internal/model"
	"github.com/darshan-rambhia/petrowatch/internal/service"
	"github.com/darshan-rambhia/petrowatch/internal/status"
	"github.com/darshan-rambhia/petrowatch/templates"

	_ "github.com/darshan-rambhia/petrowatch/docs/swagger"
)

// DefaultHeartbeat is the stream keep-alive interval.
const DefaultHeartbeat = 25 * time.Second

// Deps are the components the server exposes.
type Deps struct {
	Service   *service.Service
	Auth      *auth.Authenticator
	Bus       *events.Bus
	Status    *status.Tracker
	Heartbeat time.Duration
	Version   string
}

// Server is the HTTP server for PetroWatch.
type Server struct {
	svc       *service.Service
	auth      *auth.Authenticator
	bus       *events.Bus
	status    *status.Tracker
	heartbeat time.Duration
	version   string
	now       func() time.Time
	mux       *http.ServeMux
	server    *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(addr string, d Deps) *Server {
	srv := &Server{
		svc:       d.Service,
		auth:      d.Auth,
		bus:       d.Bus,
		status:    d.Status,
		heartbeat: d.Heartbeat,
		version:   d.Version,
		now:       time.Now,
		mux:       http.NewServeMux(),
	}
	if srv.heartbeat <= 0 {
		srv.heartbeat = DefaultHeartbeat
	}
	if srv.version == "" {
		srv.version = "dev"
	}

	srv.registerRoutes()

	srv.server = &http.Server{
		Addr:              addr,
		Handler:           SecurityHeadersMiddleware(RecoveryMiddleware(LoggingMiddleware(MetricsMiddleware(srv.mux)))),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return srv
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("HTTP server starting", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	// Public
	s.mux.HandleFunc("GET /{$}", s.handleStatusPage)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.Handle("GET /swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))
	s.mux.HandleFunc("POST /auth/login", s.handleLogin)

	// Authenticated
	s.mux.HandleFunc("GET /auth/me", s.authed(s.handleMe))

	s.mux.HandleFunc("GET /sites", s.authed(s.handleListSites))
	s.mux.HandleFunc("POST /sites", s.authed(s.handleCreateSite))
	s.mux.HandleFunc("GET /sites/{id}", s.authed(s.handleGetSite))
	s.mux.HandleFunc("PATCH /sites/{id}", s.authed(s.handleUpdateSite))
	s.mux.HandleFunc("DELETE /sites/{id}", s.authed(s.handleDeleteSite))
	s.mux.HandleFunc("GET /sites/{id}/integrations", s.authed(s.handleGetIntegration))
	s.mux.HandleFunc("PATCH /sites/{id}/integrations", s.authed(s.handleUpdateIntegration))

	s.mux.HandleFunc("GET /sites/{id}/pumps", s.authed(s.handleListPumps))
	s.mux.HandleFunc("POST /sites/{id}/pumps", s.authed(s.handleCreatePump))
	s.mux.HandleFunc("PATCH /pumps/{id}", s.authed(s.handleUpdatePump))
	s.mux.HandleFunc("DELETE /pumps/{id}", s.authed(s.handleDeletePump))
	s.mux.HandleFunc("GET /sites/{id}/tanks", s.authed(s.handleListTanks))
	s.mux.HandleFunc("POST /sites/{id}/tanks", s.authed(s.handleCreateTank))
	s.mux.HandleFunc("PATCH /tanks/{id}", s.authed(s.handleUpdateTank))
	s.mux.HandleFunc("DELETE /tanks/{id}", s.authed(s.handleDeleteTank))

	s.mux.HandleFunc("GET /sites/{id}/layout", s.authed(s.handleActiveLayout))
	s.mux.HandleFunc("POST /sites/{id}/layout", s.authed(s.handleCreateLayout))
	s.mux.HandleFunc("GET /sites/{id}/layouts", s.authed(s.handleListLayouts))

	s.mux.HandleFunc("POST /sites/{id}/alerts", s.authed(s.handleRaiseAlert))
	s.mux.HandleFunc("GET /alerts", s.authed(s.handleListAlerts))
	s.mux.HandleFunc("POST /alerts/{id}/ack", s.authed(s.handleAckAlert))
	s.mux.HandleFunc("POST /alerts/{id}/clear", s.authed(s.handleClearAlert))

	s.mux.HandleFunc("GET /history/tanks", s.authed(s.handleTankHistory))
	s.mux.HandleFunc("GET /audit", s.authed(s.handleAudit))

	// Streams accept the token as a query parameter for browser clients.
	s.mux.HandleFunc("GET /events", s.authedStream(s.handleEvents))
	s.mux.HandleFunc("GET /events/ws", s.authedStream(s.handleWebSocket))
}

// identityHandler is a handler that runs for a verified caller.
type identityHandler func(w http.ResponseWriter, r *http.Request, id model.Identity)

// authed verifies the bearer token and the store readiness before h runs.
func (s *Server) authed(h identityHandler) http.HandlerFunc {
	return s.withIdentity(h, false)
}

func (s *Server) authedStream(h identityHandler) http.HandlerFunc {
	return s.withIdentity(h, true)
}

func (s *Server) withIdentity(h identityHandler, queryToken bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" && queryToken {
			if t := r.URL.Query().Get("access_token"); t != "" {
				header = "Bearer " + t
			}
		}
		raw, err := auth.ParseBearer(header)
		if err != nil {
			writeError(w, r, err)
			return
		}
		id, err := s.auth.Verify(raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !s.ready() {
			writeError(w, r, unavailable("store"))
			return
		}
		h(w, r.WithContext(access.WithIdentity(r.Context(), id)), id)
	}
}

func (s *Server) ready() bool {
	return s.status == nil || s.status.Ready()
}

// renderHTML renders a templ component to a buffer first, then writes the
// buffer to the response. This ensures rendering errors can be returned as a
// proper 500 before any bytes reach the client.
func renderHTML(w http.ResponseWriter, r *http.Request, component templ.Component) {
	var buf bytes.Buffer
	if err := component.Render(r.Context(), &buf); err != nil {
		slog.Error("rendering component", "path", r.URL.Path, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := buf.WriteTo(w); err != nil {
		slog.Debug("writing HTML response", "path", r.URL.Path, "error", err)
	}
}

// writeJSON marshals v to JSON into a buffer first, then writes it to the
// response. This ensures marshalling errors can be returned as a proper 500.
func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	writeJSONStatus(w, r, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, r *http.Request, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding JSON response", "path", r.URL.Path, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		slog.Debug("writing JSON response", "path", r.URL.Path, "error", err)
	}
}

// @Summary Status page
// @Description Process status page. Shows no tenant data.
// @Produce html
// @Success 200 {string} string "HTML page"
// @Router / [get]
func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	view := templates.StatusView{
		Version: s.version,
		Stale:   time.Minute,
		Now:     s.now(),
	}
	if s.status != nil {
		view.Status = s.status.Snapshot()
	}
	if s.bus != nil {
		view.Subscribers = s.bus.Len()
	}
	renderHTML(w, r, templates.StatusPage(view))
}

// healthResponse is the body of GET /healthz.
type healthResponse struct {
	Status    string            `json:"status"`
	Ready     bool              `json:"ready"`
	Backend   string            `json:"backend,omitempty"`
	Error     string            `json:"error,omitempty"`
	Version   string            `json:"version"`
	Timestamp int64             `json:"timestamp"`
	Loops     map[string]string `json:"loops"`
}

// @Summary Health check
// @Description Returns readiness, store backend and background loop ages. 503 until the store is initialized.
// @Produce json
// @Success 200 {object} healthResponse
// @Failure 503 {object} healthResponse
// @Router /healthz [get]
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	resp := healthResponse{
		Status:    "ok",
		Ready:     true,
		Version:   s.version,
		Timestamp: now.Unix(),
		Loops:     map[string]string{},
	}
	if s.status != nil {
		snap := s.status.Snapshot()
		resp.Ready, resp.Backend, resp.Error = snap.Ready, snap.Backend, snap.LastError
		for name, at := range snap.LastRun {
			resp.Loops[name] = templates.FormatAge(at, now) + " ago"
		}
	}
	code := http.StatusOK
	if !resp.Ready {
		resp.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	writeJSONStatus(w, r, code, resp)
}

// @Summary Readiness probe
// @Produce json
// @Success 200 {object} map[string]bool
// @Failure 503 {object} map[string]bool
// @Router /readyz [get]
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		writeJSONStatus(w, r, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, r, map[string]bool{"ready": true})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// @Summary Log in
// @Description Exchanges email and password for a bearer token.
// @Accept json
// @Produce json
// @Param body body loginRequest true "Credentials"
// @Success 200 {object} auth.Session
// @Failure 401 {object} errorResponse
// @Failure 429 {object} errorResponse
// @Router /auth/login [post]
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		writeError(w, r, unavailable("store"))
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.auth.Login(r.Context(), req.Email, req.Password, clientKey(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, sess)
}

// @Summary Current user
// @Produce json
// @Security BearerAuth
// @Success 200 {object} model.User
// @Failure 401 {object} errorResponse
// @Router /auth/me [get]
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, id model.Identity) {
	u, err := s.auth.Me(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, u)
}

// clientKey identifies the caller for login rate limiting.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
