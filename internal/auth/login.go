package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/darshan-rambhia/petrowatch/internal/model"
	"github.com/darshan-rambhia/petrowatch/internal/store"
)

// ErrRateLimited is returned when a client exceeds its login budget.
var ErrRateLimited = errors.New("too many login attempts")

// Session is the result of a successful login.
type Session struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expiresAt"`
	User      model.User `json:"user"`
}

// Authenticator checks credentials against the store and issues tokens.
type Authenticator struct {
	store   store.Store
	tokens  *Tokens
	limiter *Limiter
}

// NewAuthenticator wires credential checks. limiter may be nil.
func NewAuthenticator(s store.Store, tokens *Tokens, limiter *Limiter) *Authenticator {
	return &Authenticator{store: s, tokens: tokens, limiter: limiter}
}

// Login verifies email and password and returns a session. Unknown users
// and wrong passwords produce the same error.
func (a *Authenticator) Login(ctx context.Context, email, password, clientKey string) (Session, error) {
	if a.limiter != nil && !a.limiter.Allow(clientKey) {
		return Session{}, ErrRateLimited
	}
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return Session{}, model.Invalid("email and password are required")
	}

	var u model.User
	err := a.store.Read(ctx, func(tx store.Tx) error {
		var err error
		u, err = tx.UserByEmail(ctx, email)
		return err
	})
	if errors.Is(err, model.ErrNotFound) {
		return Session{}, unauthorized("invalid credentials")
	}
	if err != nil {
		return Session{}, fmt.Errorf("loading user: %w", err)
	}
	if !CheckPassword(u.PasswordHash, password) {
		slog.Info("login rejected", "user", u.ID)
		return Session{}, unauthorized("invalid credentials")
	}

	id := model.Identity{UserID: u.ID, OrgID: u.OrgID, Role: u.Role, SiteIDs: u.SiteIDs}
	token, exp, err := a.tokens.Issue(id)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, ExpiresAt: exp, User: u}, nil
}

// Verify resolves a raw token to an identity.
func (a *Authenticator) Verify(raw string) (model.Identity, error) {
	c, err := a.tokens.Verify(raw)
	if err != nil {
		return model.Identity{}, err
	}
	return c.Identity(), nil
}

// Me loads the user behind id.
func (a *Authenticator) Me(ctx context.Context, id model.Identity) (model.User, error) {
	var u model.User
	err := a.store.Read(ctx, func(tx store.Tx) error {
		var err error
		u, err = tx.UserByID(ctx, id.UserID)
		return err
	})
	return u, err
}
