// Package audit writes best-effort audit entries after a primary mutation
// has committed.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/darshan-rambhia/petrowatch/internal/model"
	"github.com/darshan-rambhia/petrowatch/internal/store"
)

// Recorder appends audit entries in their own transaction. A failed write is
// logged and swallowed; the caller's mutation has already committed.
type Recorder struct {
	store store.Store
	now   func() time.Time
}

// NewRecorder creates a recorder over s.
func NewRecorder(s store.Store) *Recorder {
	return &Recorder{store: s, now: time.Now}
}

// Entry describes one audited change. Before and After are marshaled to JSON.
type Entry struct {
	Actor      model.Identity
	SiteID     string
	EntityType string
	EntityID   string
	Action     string
	Before     any
	After      any
	Reason     string
}

// Record writes e. It reports whether the entry was stored.
func (r *Recorder) Record(ctx context.Context, e Entry) bool {
	entry := model.AuditEntry{
		ID:         uuid.NewString(),
		OrgID:      e.Actor.OrgID,
		UserID:     e.Actor.UserID,
		SiteID:     e.SiteID,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Action:     e.Action,
		Before:     marshal(e.Before),
		After:      marshal(e.After),
		Reason:     e.Reason,
		CreatedAt:  r.now().UTC(),
	}
	// Detached so a client disconnect after commit does not lose the entry.
	ctx = context.WithoutCancel(ctx)
	err := r.store.Write(ctx, func(tx store.Tx) error {
		return tx.InsertAudit(ctx, entry)
	})
	if err != nil {
		slog.Error("writing audit entry", "entity", e.EntityType, "id", e.EntityID, "action", e.Action, "error", err)
		return false
	}
	return true
}

func marshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		slog.Warn("encoding audit snapshot", "error", err)
		return nil
	}
	return b
}
