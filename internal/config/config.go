// Package config loads the daemon's YAML configuration file: listen
// addresses, transport enablement, endpoint timeouts, and logging
// settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by WithDefaults.
const (
	DefaultBusSocket       = "/run/busd/system_bus_socket"
	DefaultControlListen   = "unix:/run/busd/control.sock"
	DefaultLogLevel        = "info"
	DefaultIdleTimeout     = 30 * time.Second
	DefaultProbeTimeout    = 5 * time.Second
	DefaultTxQueueCapacity = 256
	DefaultReapInterval    = 10 * time.Second
	DefaultObservedNameTTL = 2 * time.Minute
)

// Duration wraps time.Duration so the config file can spell timeouts as
// human-readable strings ("30s", "2m") instead of raw nanoseconds.
type Duration time.Duration

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
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
	*d = Duration(parsed)
	return nil
}

// TransportConfig enables a single listen transport (unix socket or TCP).
type TransportConfig struct {
	Type string `yaml:"type"` // "unix" or "tcp"
	Path string `yaml:"path,omitempty"`
	Addr string `yaml:"addr,omitempty"`
}

// BusToBusConfig describes a peer daemon this daemon dials outbound to
// form a bus2bus link, rather than waiting for the peer to dial in.
type BusToBusConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the top-level daemon configuration file structure.
type Config struct {
	GUIDSeed        string            `yaml:"guid_seed,omitempty"` // empty: generate a random GUID at startup
	Transports      []TransportConfig `yaml:"transports"`
	ControlListen   string            `yaml:"control_listen"`
	Peers           []BusToBusConfig  `yaml:"peers,omitempty"`
	LogLevel        string            `yaml:"log_level"`
	MetricsListen   string            `yaml:"metrics_listen,omitempty"` // empty: metrics HTTP server disabled
	IdleTimeout     Duration          `yaml:"idle_timeout"`
	ProbeTimeout    Duration          `yaml:"probe_timeout"`
	TxQueueCapacity int               `yaml:"tx_queue_capacity"`
	ReapInterval    Duration          `yaml:"reap_interval"`
	ObservedNameTTL Duration          `yaml:"observed_name_ttl"`
	PolicyPath      string            `yaml:"policy_path,omitempty"` // empty: allow-all policy
}

// WithDefaults returns a copy of cfg with zero-value fields filled from
// program defaults.
func (cfg *Config) WithDefaults() *Config {
	out := *cfg
	if len(out.Transports) == 0 {
		out.Transports = []TransportConfig{{Type: "unix", Path: DefaultBusSocket}}
	}
	if out.ControlListen == "" {
		out.ControlListen = DefaultControlListen
	}
	if out.LogLevel == "" {
		out.LogLevel = DefaultLogLevel
	}
	if out.IdleTimeout == 0 {
		out.IdleTimeout = Duration(DefaultIdleTimeout)
	}
	if out.ProbeTimeout == 0 {
		out.ProbeTimeout = Duration(DefaultProbeTimeout)
	}
	if out.TxQueueCapacity == 0 {
		out.TxQueueCapacity = DefaultTxQueueCapacity
	}
	if out.ReapInterval == 0 {
		out.ReapInterval = Duration(DefaultReapInterval)
	}
	if out.ObservedNameTTL == 0 {
		out.ObservedNameTTL = Duration(DefaultObservedNameTTL)
	}
	return &out
}

// Validate checks the config for logical errors.
func (cfg *Config) Validate() error {
	if len(cfg.Transports) == 0 {
		return fmt.Errorf("at least one transport must be configured")
	}
	for i, t := range cfg.Transports {
		switch t.Type {
		case "unix":
			if t.Path == "" {
				return fmt.Errorf("transports[%d]: type \"unix\" requires a non-empty path", i)
			}
		case "tcp":
			if t.Addr == "" {
				return fmt.Errorf("transports[%d]: type \"tcp\" requires a non-empty addr", i)
			}
		default:
			return fmt.Errorf("transports[%d]: type must be \"unix\" or \"tcp\", got %q", i, t.Type)
		}
	}
	for i, p := range cfg.Peers {
		if p.Addr == "" {
			return fmt.Errorf("peers[%d]: addr must not be empty", i)
		}
	}
	if cfg.TxQueueCapacity < 0 {
		return fmt.Errorf("tx_queue_capacity must not be negative, got %d", cfg.TxQueueCapacity)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error, got %q", cfg.LogLevel)
	}
	return nil
}

// DefaultPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "busd", "config.yaml")
}

// Load reads and parses a YAML config file. If the file does not exist,
// it returns an empty Config and a nil error, so a first run with no
// config file still starts with WithDefaults' built-in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}
