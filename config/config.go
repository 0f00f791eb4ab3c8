// Package config loads RelayKit endpoint configuration from layered JSON
// files with environment variable overrides. A loaded Config converts
// directly into transport options.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c360/relaykit/errors"
	"github.com/c360/relaykit/permission"
	"github.com/c360/relaykit/transport"
)

// Config is the complete endpoint configuration.
type Config struct {
	// Identity names this endpoint to its peers. Required.
	Identity string `json:"identity"`

	Timeouts   TimeoutConfig    `json:"timeouts,omitempty"`
	Reconnect  ReconnectConfig  `json:"reconnect,omitempty"`
	NATS       NATSConfig       `json:"nats,omitempty"`
	Permission PermissionConfig `json:"permission,omitempty"`
}

// TimeoutConfig holds the transport deadlines. Durations are expressed in
// nanoseconds in JSON, as encoding/json renders time.Duration.
type TimeoutConfig struct {
	Request time.Duration `json:"request,omitempty"`
	Connect time.Duration `json:"connect,omitempty"`
	Handler time.Duration `json:"handler,omitempty"`
}

// ReconnectConfig controls automatic reconnection.
type ReconnectConfig struct {
	Enabled      bool          `json:"enabled"`
	MaxRetries   int           `json:"maxRetries,omitempty"`
	InitialDelay time.Duration `json:"initialDelay,omitempty"`
	Factor       float64       `json:"factor,omitempty"`
}

// NATSConfig holds broker connection settings for the NATS adapter.
type NATSConfig struct {
	URL           string   `json:"url,omitempty"`
	SubjectPrefix string   `json:"subjectPrefix,omitempty"`
	Peers         []string `json:"peers,omitempty"`
	Name          string   `json:"name,omitempty"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	Token         string   `json:"token,omitempty"`
}

// PermissionConfig pairs the authorization policy with the actor this
// endpoint runs as. A nil policy disables permission checks.
type PermissionConfig struct {
	Role   string             `json:"role,omitempty"`
	Origin string             `json:"origin,omitempty"`
	Policy *permission.Policy `json:"policy,omitempty"`
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  "RELAYKIT",
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier
// ones field by field.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, the configured layers, and environment overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "read layer "+path)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, path, err),
				"Loader", "Load", "parse layer")
		}
	}

	l.applyEnvOverrides(cfg)

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Defaults returns the baseline configuration before any layer is applied.
func Defaults() *Config {
	return &Config{
		Timeouts: TimeoutConfig{
			Request: 30 * time.Second,
			Connect: 5 * time.Second,
			Handler: 30 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Enabled:      true,
			MaxRetries:   3,
			InitialDelay: time.Second,
			Factor:       2.0,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "relay",
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_IDENTITY"); val != "" {
		cfg.Identity = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_URL"); val != "" {
		cfg.NATS.URL = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_PEERS"); val != "" {
		cfg.NATS.Peers = strings.Split(val, ",")
	}
	if val := os.Getenv(l.envPrefix + "_NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}
	if val := os.Getenv(l.envPrefix + "_REQUEST_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Timeouts.Request = d
		}
	}
	if val := os.Getenv(l.envPrefix + "_CONNECT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Timeouts.Connect = d
		}
	}
	if val := os.Getenv(l.envPrefix + "_RECONNECT_MAX_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Reconnect.MaxRetries = n
		}
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Identity == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: identity is required", errors.ErrInvalidConfig),
			"Config", "Validate", "check identity")
	}
	if c.Timeouts.Request < 0 || c.Timeouts.Connect < 0 || c.Timeouts.Handler < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: timeouts must be non-negative", errors.ErrInvalidConfig),
			"Config", "Validate", "check timeouts")
	}
	if c.Reconnect.Enabled {
		if c.Reconnect.MaxRetries <= 0 {
			return errors.WrapInvalid(
				fmt.Errorf("%w: reconnect.maxRetries must be positive", errors.ErrInvalidConfig),
				"Config", "Validate", "check reconnect")
		}
		if c.Reconnect.InitialDelay <= 0 {
			return errors.WrapInvalid(
				fmt.Errorf("%w: reconnect.initialDelay must be positive", errors.ErrInvalidConfig),
				"Config", "Validate", "check reconnect")
		}
		if c.Reconnect.Factor < 1 {
			return errors.WrapInvalid(
				fmt.Errorf("%w: reconnect.factor must be at least 1", errors.ErrInvalidConfig),
				"Config", "Validate", "check reconnect")
		}
	}
	if c.Permission.Policy != nil && c.Permission.Role == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: permission.role is required when a policy is set", errors.ErrInvalidConfig),
			"Config", "Validate", "check permission")
	}
	return nil
}

// Options converts the configuration into transport options.
func (c *Config) Options() []transport.Option {
	opts := []transport.Option{
		transport.WithRequestTimeout(c.Timeouts.Request),
		transport.WithConnectTimeout(c.Timeouts.Connect),
		transport.WithHandlerTimeout(c.Timeouts.Handler),
	}

	if c.Reconnect.Enabled {
		opts = append(opts, transport.WithReconnect(
			c.Reconnect.MaxRetries, c.Reconnect.InitialDelay, c.Reconnect.Factor))
	} else {
		opts = append(opts, transport.WithoutReconnect())
	}

	if c.Permission.Policy != nil {
		actor := permission.Actor{Role: c.Permission.Role, Origin: c.Permission.Origin}
		opts = append(opts, transport.WithPermissions(c.Permission.Policy, actor))
	}

	return opts
}
