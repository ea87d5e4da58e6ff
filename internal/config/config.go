// Package config handles loading and validating PetroWatch configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} placeholders in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ErrConfigFileNotFound is returned by Load when the specified config file does not exist.
var ErrConfigFileNotFound = errors.New("config file not found")

// Config is the top-level PetroWatch configuration.
type Config struct {
	Listen         string               `yaml:"listen"`
	StoreDSN       string               `yaml:"store_dsn"`
	StoreRetry     Duration             `yaml:"store_retry"`
	LogLevel       string               `yaml:"log_level"`
	LogFormat      string               `yaml:"log_format"`
	WorkerPoolSize int                  `yaml:"worker_pool_size"`
	Auth           AuthConfig           `yaml:"auth"`
	Simulator      SimulatorConfig      `yaml:"simulator"`
	Events         EventsConfig         `yaml:"events"`
	Retention      RetentionConfig      `yaml:"retention"`
	Seed           SeedConfig           `yaml:"seed"`
	Notifications  []NotificationConfig `yaml:"notifications"`
}

// AuthConfig configures token issuance and login throttling.
type AuthConfig struct {
	Secret     string   `yaml:"secret"`
	TokenTTL   Duration `yaml:"token_ttl"`
	LoginRate  float64  `yaml:"login_rate"` // attempts per second per client
	LoginBurst int      `yaml:"login_burst"`
}

// SimulatorConfig holds the synthetic telemetry knobs. These are re-read on
// config file changes while the process runs.
type SimulatorConfig struct {
	Enabled             bool     `yaml:"enabled"`
	Interval            Duration `yaml:"interval"`
	DriftWindow         int      `yaml:"drift_window"`
	DriftMaxLiters      float64  `yaml:"drift_max_liters"`
	AlertProbability    float64  `yaml:"alert_probability"`
	CriticalProbability float64  `yaml:"critical_probability"`
	FlipProbability     float64  `yaml:"flip_probability"`
	ClampToCapacity     bool     `yaml:"clamp_to_capacity"`
	Seed                int64    `yaml:"seed"`
}

// EventsConfig configures the live notification bus.
type EventsConfig struct {
	BufferSize   int      `yaml:"buffer_size"`
	Heartbeat    Duration `yaml:"heartbeat"`
	RedisAddr    string   `yaml:"redis_addr,omitempty"`
	RedisChannel string   `yaml:"redis_channel,omitempty"`
}

// RetentionConfig controls the pruner.
type RetentionConfig struct {
	Interval      Duration `yaml:"interval"`
	ClearedAlarms Duration `yaml:"cleared_alarms"`
	Measurements  Duration `yaml:"measurements"`
}

// SeedConfig controls demo data loading at startup.
type SeedConfig struct {
	Path    string `yaml:"path"`
	IfEmpty bool   `yaml:"if_empty"`
}

// NotificationConfig describes a notification target.
type NotificationConfig struct {
	Type        string            `yaml:"type"` // "ntfy" or "webhook"
	URL         string            `yaml:"url"`
	MinSeverity string            `yaml:"min_severity,omitempty"`
	Topic       string            `yaml:"topic,omitempty"`   // ntfy only
	Method      string            `yaml:"method,omitempty"`  // webhook only
	Headers     map[string]string `yaml:"headers,omitempty"` // webhook only
}

// Duration wraps time.Duration with YAML string parsing support.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Load reads configuration from a YAML file, then applies PETROWATCH_*
// environment overrides. An empty path means environment only. If a path is
// given and the file does not exist, ErrConfigFileNotFound is returned.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(expandEnvVars(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.StoreDSN == "" {
		return fmt.Errorf("store_dsn is required")
	}
	if c.StoreRetry.Duration <= 0 {
		return fmt.Errorf("store_retry must be > 0")
	}
	if len(c.Auth.Secret) < 16 {
		return fmt.Errorf("auth.secret must be at least 16 characters")
	}
	if c.Auth.TokenTTL.Duration <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}
	if c.Auth.LoginRate <= 0 {
		return fmt.Errorf("auth.login_rate must be > 0")
	}
	if c.Auth.LoginBurst < 1 {
		return fmt.Errorf("auth.login_burst must be >= 1")
	}
	if err := c.Simulator.Validate(); err != nil {
		return err
	}
	if c.Events.BufferSize < 1 {
		return fmt.Errorf("events.buffer_size must be >= 1")
	}
	if c.Events.Heartbeat.Duration <= 0 {
		return fmt.Errorf("events.heartbeat must be > 0")
	}
	if c.Events.RedisAddr != "" && c.Events.RedisChannel == "" {
		return fmt.Errorf("events.redis_channel is required when redis_addr is set")
	}
	if c.Retention.Interval.Duration <= 0 {
		return fmt.Errorf("retention.interval must be > 0")
	}
	if c.Retention.ClearedAlarms.Duration <= 0 {
		return fmt.Errorf("retention.cleared_alarms must be > 0")
	}
	if c.Retention.Measurements.Duration <= 0 {
		return fmt.Errorf("retention.measurements must be > 0")
	}
	for i, n := range c.Notifications {
		switch n.Type {
		case "ntfy":
			if n.URL == "" {
				return fmt.Errorf("notifications[%d]: url is required for ntfy", i)
			}
			if n.Topic == "" {
				return fmt.Errorf("notifications[%d]: topic is required for ntfy", i)
			}
		case "webhook":
			if n.URL == "" {
				return fmt.Errorf("notifications[%d]: url is required for webhook", i)
			}
		default:
			return fmt.Errorf("notifications[%d]: unknown type %q (expected ntfy or webhook)", i, n.Type)
		}
		switch n.MinSeverity {
		case "", "info", "warn", "critical":
		default:
			return fmt.Errorf("notifications[%d]: min_severity must be one of: info, warn, critical", i)
		}
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("log_format must be one of: text, json")
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("worker_pool_size must be >= 1")
	}
	return nil
}

// Validate checks the simulator knobs.
func (s SimulatorConfig) Validate() error {
	if s.Interval.Duration <= 0 {
		return fmt.Errorf("simulator.interval must be > 0")
	}
	if s.DriftWindow < 1 {
		return fmt.Errorf("simulator.drift_window must be >= 1")
	}
	if s.DriftMaxLiters < 0 {
		return fmt.Errorf("simulator.drift_max_liters must be >= 0")
	}
	for name, p := range map[string]float64{
		"alert_probability":    s.AlertProbability,
		"critical_probability": s.CriticalProbability,
		"flip_probability":     s.FlipProbability,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("simulator.%s must be between 0 and 1", name)
		}
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Listen:         ":8080",
		StoreDSN:       "sqlite:///data/petrowatch.db",
		StoreRetry:     Duration{10 * time.Second},
		LogLevel:       "info",
		LogFormat:      "text",
		WorkerPoolSize: 4,
		Auth: AuthConfig{
			TokenTTL:   Duration{12 * time.Hour},
			LoginRate:  1,
			LoginBurst: 5,
		},
		Simulator: SimulatorConfig{
			Enabled:             true,
			Interval:            Duration{5 * time.Second},
			DriftWindow:         200,
			DriftMaxLiters:      100,
			AlertProbability:    0.2,
			CriticalProbability: 0.3,
			FlipProbability:     0.03,
			ClampToCapacity:     true,
		},
		Events: EventsConfig{
			BufferSize: 64,
			Heartbeat:  Duration{25 * time.Second},
		},
		Retention: RetentionConfig{
			Interval:      Duration{1 * time.Hour},
			ClearedAlarms: Duration{30 * 24 * time.Hour},
			Measurements:  Duration{7 * 24 * time.Hour},
		},
	}
}

// expandEnvVars replaces ${VAR_NAME} placeholders in raw YAML with the
// corresponding environment variable values. Unset variables are replaced
// with an empty string, which will then fail validation with a clear error.
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		key := string(match[2 : len(match)-1]) // strip ${ and }
		return []byte(os.Getenv(key))
	})
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PETROWATCH_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("PETROWATCH_STORE_DSN"); v != "" {
		cfg.StoreDSN = v
	}
	if v := os.Getenv("PETROWATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PETROWATCH_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("PETROWATCH_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("PETROWATCH_REDIS_ADDR"); v != "" {
		cfg.Events.RedisAddr = v
		if cfg.Events.RedisChannel == "" {
			cfg.Events.RedisChannel = "petrowatch:events"
		}
	}
	if v := os.Getenv("PETROWATCH_SEED_PATH"); v != "" {
		cfg.Seed.Path = v
		cfg.Seed.IfEmpty = true
	}
	if v := os.Getenv("PETROWATCH_SIMULATOR_ENABLED"); v != "" {
		cfg.Simulator.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PETROWATCH_WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerPoolSize = n
		}
	}

	// Single ntfy target from env vars (only if no YAML notifications configured).
	if len(cfg.Notifications) == 0 {
		if ntfyURL := os.Getenv("PETROWATCH_NTFY_URL"); ntfyURL != "" {
			topic := os.Getenv("PETROWATCH_NTFY_TOPIC")
			if topic == "" {
				topic = "petrowatch-alerts"
			}
			cfg.Notifications = append(cfg.Notifications, NotificationConfig{
				Type:        "ntfy",
				URL:         ntfyURL,
				Topic:       topic,
				MinSeverity: strings.ToLower(os.Getenv("PETROWATCH_NTFY_MIN_SEVERITY")),
			})
		}
	}
}
