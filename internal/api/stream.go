package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/darshan-rambhia/petrowatch/internal/events"
	"github.com/darshan-rambhia/petrowatch/internal/model"
)

// siteScope is the allow predicate of one stream subscriber. It admits
// payloads without a site and payloads for sites the caller may see.
type siteScope struct {
	mu    sync.RWMutex
	orgID string
	sites map[string]bool
}

func (s *Server) newScope(ctx context.Context, id model.Identity) (*siteScope, error) {
	ids, err := s.svc.Gate().PermittedSiteIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	sc := &siteScope{sites: make(map[string]bool, len(ids))}
	for _, sid := range ids {
		sc.sites[sid] = true
	}
	// Managers see sites created in their org after they subscribed.
	if id.Role == model.RoleManager {
		sc.orgID = id.OrgID
	}
	return sc, nil
}

func (sc *siteScope) allow(p events.Payload) bool {
	if p.SiteID == "" {
		return true
	}
	if sc.orgID != "" && p.EntityType == "site" && p.Action == "create" && payloadOrg(p) == sc.orgID {
		sc.mu.Lock()
		sc.sites[p.SiteID] = true
		sc.mu.Unlock()
	}
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.sites[p.SiteID]
}

// payloadOrg is the org of a site-created payload. Payloads relayed from
// another process carry Data as a decoded map, so OrgID is checked first.
func payloadOrg(p events.Payload) string {
	if p.OrgID != "" {
		return p.OrgID
	}
	if site, ok := p.Data.(model.Site); ok {
		return site.OrgID
	}
	return ""
}

func (s *Server) subscribe(r *http.Request, id model.Identity) (*events.Subscription, error) {
	sc, err := s.newScope(r.Context(), id)
	if err != nil {
		return nil, err
	}
	channels := events.ParseChannels(r.URL.Query().Get("channels"))
	return s.bus.Subscribe(channels, sc.allow), nil
}

func connectedMessage(id model.Identity, channels []string, now time.Time) events.Message {
	if channels == nil {
		channels = []string{}
	}
	return events.Message{
		Event: events.EventConnected,
		Payload: events.Payload{
			Channel: model.WildcardChannel,
			TS:      now,
			Data:    map[string]any{"userId": id.UserID, "channels": channels},
		},
	}
}

// @Summary Live events (SSE)
// @Description Server-sent events filtered by the comma separated channels parameter. Sends "connected" first and a comment heartbeat every 25s.
// @Produce text/event-stream
// @Security BearerAuth
// @Param channels query string false "Channels, e.g. sites,site:site-1001:alerts or *"
// @Param access_token query string false "Bearer token for clients that cannot set headers"
// @Success 200 {string} string "event stream"
// @Router /events [get]
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, id model.Identity) {
	sub, err := s.subscribe(r, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	// Streams outlive the server read and write timeouts.
	if err := rc.SetReadDeadline(time.Time{}); err != nil {
		slog.Debug("clearing read deadline", "error", err)
	}
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		slog.Debug("clearing write deadline", "error", err)
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	channels := events.ParseChannels(r.URL.Query().Get("channels"))
	if err := writeSSE(w, connectedMessage(id, channels, s.now())); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		slog.Debug("flushing event stream", "error", err)
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeSSE(w, msg); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// writeSSE frames msg as "event: <name>\ndata: <json>\n\n".
func writeSSE(w http.ResponseWriter, msg events.Message) error {
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, data)
	return err
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

const wsWriteWait = 10 * time.Second

// @Summary Live events (WebSocket)
// @Description WebSocket variant of /events. Frames are {"event": "...", "data": {...}}.
// @Security BearerAuth
// @Param channels query string false "Channels"
// @Param access_token query string false "Bearer token for clients that cannot set headers"
// @Success 101
// @Router /events/ws [get]
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, id model.Identity) {
	sub, err := s.subscribe(r, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Reads only detect the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(msg events.Message) error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			return err
		}
		return conn.WriteJSON(msg)
	}

	channels := events.ParseChannels(r.URL.Query().Get("channels"))
	if err := send(connectedMessage(id, channels, s.now())); err != nil {
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case msg, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(wsWriteWait))
				return
			}
			if err := send(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
