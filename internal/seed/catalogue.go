// Package seed loads demo organizations, users and sites into a store.
package seed

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed demo.yaml
var demoYAML []byte

// Catalogue is the YAML description of the demo dataset.
type Catalogue struct {
	Org      OrgSpec        `yaml:"org" validate:"required"`
	Defaults Defaults       `yaml:"defaults"`
	Users    []UserSpec     `yaml:"users" validate:"required,min=1,dive"`
	Sites    []SiteSpec     `yaml:"sites" validate:"required,min=1,dive"`
	Layout   map[string]any `yaml:"layout"`
	Alert    *AlertSpec     `yaml:"alert"`
}

type OrgSpec struct {
	ID   string `yaml:"id" validate:"required"`
	Name string `yaml:"name" validate:"required"`
}

type Defaults struct {
	ATG struct {
		PollIntervalSec int `yaml:"poll_interval_sec"`
		TimeoutSec      int `yaml:"timeout_sec"`
		Retries         int `yaml:"retries"`
		StaleSec        int `yaml:"stale_sec"`
	} `yaml:"atg"`
	PumpSide struct {
		TimeoutSec int   `yaml:"timeout_sec"`
		Keepalive  *bool `yaml:"keepalive"`
		Reconnect  *bool `yaml:"reconnect"`
		StaleSec   int   `yaml:"stale_sec"`
	} `yaml:"pump_side"`
}

// UserSpec describes a demo login. Sites is "all", "first" or empty.
type UserSpec struct {
	ID       string `yaml:"id" validate:"required"`
	Email    string `yaml:"email" validate:"required,email"`
	Name     string `yaml:"name" validate:"required"`
	Role     string `yaml:"role" validate:"required,oneof=manager service_tech operator"`
	Sites    string `yaml:"sites" validate:"omitempty,oneof=all first"`
	Password string `yaml:"password"`
}

type SiteSpec struct {
	SiteCode     string     `yaml:"site_code" validate:"required,alphanum"`
	Name         string     `yaml:"name" validate:"required"`
	Address      string     `yaml:"address"`
	PostalCode   string     `yaml:"postal_code"`
	Region       string     `yaml:"region"`
	Lat          *float64   `yaml:"lat" validate:"omitempty,latitude"`
	Lon          *float64   `yaml:"lon" validate:"omitempty,longitude"`
	Timezone     string     `yaml:"timezone"`
	Integrations struct {
		ATGHost         string `yaml:"atg_host"`
		ATGPort         int    `yaml:"atg_port"`
		PollIntervalSec int    `yaml:"atg_poll_interval_sec"`
	} `yaml:"integrations"`
	Tanks []TankSpec `yaml:"tanks" validate:"dive"`
	Pumps []PumpSpec `yaml:"pumps" validate:"dive"`
}

type TankSpec struct {
	ATGTankID      string  `yaml:"atg_tank_id" validate:"required"`
	Label          string  `yaml:"label" validate:"required"`
	Product        string  `yaml:"product"`
	CapacityLiters float64 `yaml:"capacity_liters" validate:"gte=0"`
}

type PumpSpec struct {
	PumpNumber int                 `yaml:"pump_number" validate:"required,gt=0"`
	Label      string              `yaml:"label" validate:"required"`
	Sides      map[string]SideSpec `yaml:"sides" validate:"omitempty,dive,keys,oneof=A B,endkeys"`
}

type SideSpec struct {
	IP   string `yaml:"ip" validate:"omitempty,ip"`
	Port int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
}

// AlertSpec is the alarm raised on the first pump of the first site.
type AlertSpec struct {
	Code      string `yaml:"code" validate:"required"`
	Message   string `yaml:"message" validate:"required"`
	Component string `yaml:"component" validate:"required"`
	Severity  string `yaml:"severity" validate:"required,oneof=critical warn info"`
	Side      string `yaml:"side" validate:"omitempty,oneof=A B"`
}

// Demo returns the built-in catalogue.
func Demo() (*Catalogue, error) {
	return Parse(demoYAML)
}

// Load reads a catalogue file. An empty path returns the built-in catalogue.
func Load(path string) (*Catalogue, error) {
	if path == "" {
		return Demo()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed catalogue: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalogue.
func Parse(data []byte) (*Catalogue, error) {
	var c Catalogue
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing seed catalogue: %w", err)
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid seed catalogue: %w", err)
	}
	if len(c.Layout) == 0 {
		c.Layout = map[string]any{"objects": []any{}}
	}
	return &c, nil
}

// layoutFor returns the initial layout of a site. Pump objects are kept only
// for the first site, whose pumps the sample layout was drawn for.
func (c *Catalogue) layoutFor(first bool) (json.RawMessage, error) {
	doc := make(map[string]any, len(c.Layout))
	for k, v := range c.Layout {
		doc[k] = v
	}
	if !first {
		if objs, ok := c.Layout["objects"].([]any); ok {
			kept := make([]any, 0, len(objs))
			for _, o := range objs {
				if m, ok := o.(map[string]any); ok && m["type"] == "pump" {
					continue
				}
				kept = append(kept, o)
			}
			doc["objects"] = kept
		}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding layout: %w", err)
	}
	return b, nil
}
