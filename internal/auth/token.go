// Package auth issues and verifies bearer tokens and checks passwords.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/darshan-rambhia/petrowatch/internal/model"
)

// Audience is the aud claim of every token this service issues.
const Audience = "petrowatch"

var encodedHeader = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

// Claims is the token payload.
type Claims struct {
	Sub   string     `json:"sub"`
	Org   string     `json:"org"`
	Role  model.Role `json:"role"`
	Sites []string   `json:"sites"`
	Iat   int64      `json:"iat"`
	Exp   int64      `json:"exp"`
	Aud   string     `json:"aud"`
}

// Identity returns the caller described by c.
func (c Claims) Identity() model.Identity {
	sites := c.Sites
	if sites == nil {
		sites = []string{}
	}
	return model.Identity{UserID: c.Sub, OrgID: c.Org, Role: c.Role, SiteIDs: sites}
}

// Tokens signs and verifies HS256 tokens with a shared secret.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens creates a signer. ttl bounds every token's lifetime.
func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed token for id and its expiry.
func (t *Tokens) Issue(id model.Identity) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.ttl)
	payload, err := json.Marshal(Claims{
		Sub:   id.UserID,
		Org:   id.OrgID,
		Role:  id.Role,
		Sites: id.SiteIDs,
		Iat:   now.Unix(),
		Exp:   exp.Unix(),
		Aud:   Audience,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encoding claims: %w", err)
	}
	signing := encodedHeader + "." + base64.RawURLEncoding.EncodeToString(payload)
	return signing + "." + t.sign(signing), exp, nil
}

func (t *Tokens) sign(signing string) string {
	mac := hmac.New(sha256.New, t.secret)
	_, _ = mac.Write([]byte(signing))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func unauthorized(msg string) error {
	return fmt.Errorf("%w: %s", model.ErrUnauthorized, msg)
}

// Verify checks the signature, algorithm, audience and expiry of raw and
// returns its claims. Every failure wraps model.ErrUnauthorized.
func (t *Tokens) Verify(raw string) (Claims, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return Claims{}, unauthorized("invalid token format")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, unauthorized("invalid token header")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return Claims{}, unauthorized("invalid token header")
	}
	if header.Alg != "HS256" {
		return Claims{}, unauthorized("unsupported token algorithm")
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, unauthorized("invalid token signature")
	}
	expected, _ := base64.RawURLEncoding.DecodeString(t.sign(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, expected) {
		return Claims{}, unauthorized("token signature mismatch")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, unauthorized("invalid token payload")
	}
	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Claims{}, unauthorized("invalid token payload")
	}
	if c.Aud != Audience {
		return Claims{}, unauthorized("invalid aud claim")
	}
	if t.now().Unix() >= c.Exp {
		return Claims{}, unauthorized("token expired")
	}
	if c.Sub == "" || c.Org == "" || !c.Role.Valid() {
		return Claims{}, unauthorized("incomplete claims")
	}
	return c, nil
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return "", unauthorized("missing or invalid bearer token")
	}
	return raw, nil
}
