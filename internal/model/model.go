// Package model defines the domain types shared across PetroWatch.
package model

import (
	"encoding/json"
	"slices"
	"time"
)

// Role is one of the fixed caller roles.
type Role string

const (
	RoleManager     Role = "manager"
	RoleServiceTech Role = "service_tech"
	RoleOperator    Role = "operator"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleManager, RoleServiceTech, RoleOperator:
		return true
	}
	return false
}

// Severity of an alarm event.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarn     Severity = "warn"
	SeverityInfo     Severity = "info"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityWarn, SeverityInfo:
		return true
	}
	return false
}

// Rank orders severities so thresholds can be compared. Unknown is 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarn:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// ConnKind identifies which link a connection row tracks.
type ConnKind string

const (
	ConnKindPumpSide ConnKind = "pump_side"
	ConnKindATG      ConnKind = "atg"
)

// ConnState is the observed state of a link.
type ConnState string

const (
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
)

// Side is the A or B interface of a pump.
type Side string

const (
	SideA Side = "A"
	SideB Side = "B"
)

// Valid reports whether s is A or B.
func (s Side) Valid() bool { return s == SideA || s == SideB }

// Org is the tenant root.
type Org struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// User is a person who can log in. PasswordHash never leaves the process.
type User struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"orgId"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"-"`
	SiteIDs      []string  `json:"siteIds"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Site is a single fuel station.
type Site struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"orgId"`
	SiteCode   string    `json:"siteCode"`
	Name       string    `json:"name"`
	Address    string    `json:"address"`
	PostalCode string    `json:"postalCode"`
	Region     string    `json:"region"`
	Lat        *float64  `json:"lat"`
	Lon        *float64  `json:"lon"`
	Timezone   string    `json:"timezone"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// DefaultTimezone is applied to sites created without one.
const DefaultTimezone = "America/New_York"

// SiteIntegration holds the ATG and pump-side link tunables of a site.
// The values are stored configuration; nothing in this process enforces them.
type SiteIntegration struct {
	SiteID               string    `json:"siteId"`
	ATGHost              string    `json:"atgHost"`
	ATGPort              int       `json:"atgPort"`
	ATGPollIntervalSec   int       `json:"atgPollIntervalSec"`
	ATGTimeoutSec        int       `json:"atgTimeoutSec"`
	ATGRetries           int       `json:"atgRetries"`
	ATGStaleSec          int       `json:"atgStaleSec"`
	PumpTimeoutSec       int       `json:"pumpTimeoutSec"`
	PumpKeepaliveEnabled bool      `json:"pumpKeepaliveEnabled"`
	PumpReconnectEnabled bool      `json:"pumpReconnectEnabled"`
	PumpStaleSec         int       `json:"pumpStaleSec"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// DefaultIntegration returns the integration defaults for a new site.
func DefaultIntegration(siteID string) SiteIntegration {
	return SiteIntegration{
		SiteID:               siteID,
		ATGPort:              10001,
		ATGPollIntervalSec:   60,
		ATGTimeoutSec:        5,
		ATGRetries:           3,
		ATGStaleSec:          180,
		PumpTimeoutSec:       5,
		PumpKeepaliveEnabled: true,
		PumpReconnectEnabled: true,
		PumpStaleSec:         180,
	}
}

// Tank is an underground storage tank read by the site's ATG.
type Tank struct {
	ID             string    `json:"id"`
	SiteID         string    `json:"siteId"`
	ATGTankID      string    `json:"atgTankId"`
	Label          string    `json:"label"`
	Product        string    `json:"product"`
	CapacityLiters float64   `json:"capacityLiters"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Pump is a dispenser on the forecourt.
type Pump struct {
	ID         string     `json:"id"`
	SiteID     string     `json:"siteId"`
	PumpNumber int        `json:"pumpNumber"`
	Label      string     `json:"label"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	Sides      []PumpSide `json:"sides,omitempty"`
}

// DefaultPumpSidePort is the peripheral port assigned to new pump sides.
const DefaultPumpSidePort = 5201

// PumpSide is one addressable interface of a pump.
type PumpSide struct {
	ID     string `json:"id"`
	PumpID string `json:"pumpId"`
	SiteID string `json:"siteId"`
	Side   Side   `json:"side"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`
	Active bool   `json:"active"`
}

// ConnectionStatus tracks the last known state of a pump-side or ATG link.
// TargetID is empty for the site's ATG row.
type ConnectionStatus struct {
	ID         string          `json:"id"`
	SiteID     string          `json:"siteId"`
	Kind       ConnKind        `json:"kind"`
	TargetID   string          `json:"targetId,omitempty"`
	Status     ConnState       `json:"status"`
	LastSeenAt *time.Time      `json:"lastSeenAt"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// Layout is one version of a site's forecourt scene graph.
type Layout struct {
	ID        string          `json:"id"`
	SiteID    string          `json:"siteId"`
	Version   int             `json:"version"`
	Name      string          `json:"name"`
	JSON      json.RawMessage `json:"json"`
	CreatedBy string          `json:"createdBy"`
	CreatedAt time.Time       `json:"createdAt"`
	IsActive  bool            `json:"isActive"`
}

// AlarmEvent is a single alert raised against a site, tank or pump side.
type AlarmEvent struct {
	ID         string          `json:"id"`
	SiteID     string          `json:"siteId"`
	TankID     string          `json:"tankId,omitempty"`
	PumpID     string          `json:"pumpId,omitempty"`
	Side       Side            `json:"side,omitempty"`
	SourceType string          `json:"sourceType"`
	Component  string          `json:"component"`
	Severity   Severity        `json:"severity"`
	State      AlarmState      `json:"state"`
	Code       string          `json:"code"`
	Message    string          `json:"message"`
	RawPayload json.RawMessage `json:"rawPayload,omitempty"`
	RaisedAt   time.Time       `json:"raisedAt"`
	ClearedAt  *time.Time      `json:"clearedAt"`
	AckAt      *time.Time      `json:"ackAt"`
	AckBy      string          `json:"ackBy,omitempty"`
	AssignedTo string          `json:"assignedTo,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// TankMeasurement is one ATG reading. The simulator updates recent rows in place.
type TankMeasurement struct {
	ID            string          `json:"id"`
	TankID        string          `json:"tankId"`
	SiteID        string          `json:"siteId"`
	TS            time.Time       `json:"ts"`
	FuelVolumeL   float64         `json:"fuelVolumeL"`
	FuelHeightMm  float64         `json:"fuelHeightMm"`
	WaterHeightMm float64         `json:"waterHeightMm"`
	TempC         float64         `json:"tempC"`
	UllageL       float64         `json:"ullageL"`
	RawPayload    json.RawMessage `json:"rawPayload,omitempty"`
}

// AuditEntry is an append-only record of a mutation.
type AuditEntry struct {
	ID         string          `json:"id"`
	OrgID      string          `json:"orgId"`
	UserID     string          `json:"userId"`
	SiteID     string          `json:"siteId,omitempty"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Action     string          `json:"action"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// SiteSummary is a site with its aggregated alert and connectivity figures.
type SiteSummary struct {
	Site
	CriticalCount      int        `json:"criticalCount"`
	WarnCount          int        `json:"warnCount"`
	PumpSidesExpected  int        `json:"pumpSidesExpected"`
	PumpSidesConnected int        `json:"pumpSidesConnected"`
	ATGLastSeenAt      *time.Time `json:"atgLastSeenAt"`
}

// Identity is the verified caller of a request.
type Identity struct {
	UserID  string   `json:"userId"`
	OrgID   string   `json:"orgId"`
	Role    Role     `json:"role"`
	SiteIDs []string `json:"siteIds"`
}

// HasSite reports whether id is in the identity's explicit site scope.
func (i Identity) HasSite(id string) bool {
	return slices.Contains(i.SiteIDs, id)
}

// AlarmFilter narrows alarm queries. Empty fields match everything.
// SiteIDs, when non-nil, restricts results to that set (empty set matches nothing).
type AlarmFilter struct {
	SiteIDs   []string
	SiteID    string
	State     AlarmState
	Severity  Severity
	Component string
	PumpID    string
	Side      Side
	Limit     int
}

// Matches reports whether a satisfies every predicate of f except Limit.
func (f AlarmFilter) Matches(a AlarmEvent) bool {
	if f.SiteIDs != nil && !slices.Contains(f.SiteIDs, a.SiteID) {
		return false
	}
	if f.SiteID != "" && a.SiteID != f.SiteID {
		return false
	}
	if f.State != "" && a.State != f.State {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Component != "" && a.Component != f.Component {
		return false
	}
	if f.PumpID != "" && a.PumpID != f.PumpID {
		return false
	}
	if f.Side != "" && a.Side != f.Side {
		return false
	}
	return true
}

// MeasurementFilter narrows tank history queries.
type MeasurementFilter struct {
	SiteIDs []string
	SiteID  string
	TankID  string
	Limit   int
}

// AuditFilter narrows audit log queries. SiteIDs nil means the whole org.
type AuditFilter struct {
	OrgID   string
	SiteIDs []string
	Limit   int
}

// Notification is the message handed to external notification providers.
type Notification struct {
	AlertID   string            `json:"alert_id"`
	SiteID    string            `json:"site_id"`
	Code      string            `json:"code"`
	Component string            `json:"component"`
	Severity  string            `json:"severity"` // "info", "warn", "critical"
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Resolved  bool              `json:"resolved"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
