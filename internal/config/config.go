// Package config manages uwbd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete uwbd configuration.
type Config struct {
	HTTP    HTTPConfig    `koanf:"http"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Ranging RangingConfig `koanf:"ranging"`
	Chips   []ChipConfig  `koanf:"chips"`
}

// HTTPConfig holds the admin API server configuration.
type HTTPConfig struct {
	// Addr is the admin API listen address (e.g., ":8042").
	Addr string `koanf:"addr"`
	// AuthToken, if non-empty, is the HS256 signing secret required to
	// mint and verify admin API bearer tokens.
	AuthToken string `koanf:"auth_token"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// RangingConfig holds the default ranging parameters and capacity policy
// applied when a chip entry does not override them.
type RangingConfig struct {
	// MaxFira is the default per-chip concurrent Fira session cap.
	MaxFira int `koanf:"max_fira"`
	// MaxCcc is the default per-chip concurrent CCC session cap.
	MaxCcc int `koanf:"max_ccc"`
	// MaxAliro is the default per-chip concurrent ALIRO session cap.
	MaxAliro int `koanf:"max_aliro"`
	// ErrorStreakTimeout is how long a session (or, for a two-way
	// controller, one controlee) may go without a successful ranging
	// result before it is stopped. It is validated but not applied: the
	// core arms error-streak timers with uwb.DefaultErrorStreakDuration.
	ErrorStreakTimeout time.Duration `koanf:"error_streak_timeout"`
	// BgAppTimeout is how long a backgrounded app's active session is
	// given before it is stopped.
	BgAppTimeout time.Duration `koanf:"bg_app_timeout"`
}

// ChipConfig describes one UWB chip the host exposes (spec §12 supplement:
// declarative chip discovery, since real chip enumeration is out of
// scope). Protocols restricts which protocol families sessions may open
// against this chip; an empty list means all three are allowed.
type ChipConfig struct {
	// ID names the chip, e.g. "uwb0".
	ID string `koanf:"id"`
	// Protocols lists the allowed protocol families: any of "fira",
	// "ccc", "aliro". Empty means no restriction.
	Protocols []string `koanf:"protocols"`
	// MaxFira, MaxCcc, MaxAliro override RangingConfig's defaults for
	// this chip specifically. Zero means "use the default."
	MaxFira  int `koanf:"max_fira"`
	MaxCcc   int `koanf:"max_ccc"`
	MaxAliro int `koanf:"max_aliro"`
}

// AllowsProtocol reports whether protocol may be opened on this chip.
func (c ChipConfig) AllowsProtocol(protocol string) bool {
	if len(c.Protocols) == 0 {
		return true
	}
	for _, p := range c.Protocols {
		if strings.EqualFold(p, protocol) {
			return true
		}
	}
	return false
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults. The
// ranging capacity defaults follow the priority bands in spec §3: Fira is
// the only preemptable family, so it gets the largest default headroom.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr: ":8042",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Ranging: RangingConfig{
			MaxFira:            8,
			MaxCcc:             2,
			MaxAliro:           2,
			ErrorStreakTimeout: 5 * time.Second,
			BgAppTimeout:       120 * time.Second,
		},
		Chips: []ChipConfig{
			{ID: "uwb0"},
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for uwbd configuration.
// Variables are named UWBD_<section>_<key>, e.g., UWBD_HTTP_ADDR.
const envPrefix = "UWBD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (UWBD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	UWBD_HTTP_ADDR     -> http.addr
//	UWBD_METRICS_ADDR  -> metrics.addr
//	UWBD_METRICS_PATH  -> metrics.path
//	UWBD_LOG_LEVEL     -> log.level
//	UWBD_LOG_FORMAT    -> log.format
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Chips) == 0 {
		cfg.Chips = defaults.Chips
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms UWBD_HTTP_ADDR -> http.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"http.addr":                    defaults.HTTP.Addr,
		"metrics.addr":                 defaults.Metrics.Addr,
		"metrics.path":                 defaults.Metrics.Path,
		"log.level":                    defaults.Log.Level,
		"log.format":                   defaults.Log.Format,
		"ranging.max_fira":             defaults.Ranging.MaxFira,
		"ranging.max_ccc":              defaults.Ranging.MaxCcc,
		"ranging.max_aliro":            defaults.Ranging.MaxAliro,
		"ranging.error_streak_timeout": defaults.Ranging.ErrorStreakTimeout.String(),
		"ranging.bg_app_timeout":       defaults.Ranging.BgAppTimeout.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyHTTPAddr indicates the admin API listen address is empty.
	ErrEmptyHTTPAddr = errors.New("http.addr must not be empty")

	// ErrInvalidErrorStreakTimeout indicates a non-positive error-streak timeout.
	ErrInvalidErrorStreakTimeout = errors.New("ranging.error_streak_timeout must be > 0")

	// ErrInvalidBgAppTimeout indicates a non-positive bg-app timeout.
	ErrInvalidBgAppTimeout = errors.New("ranging.bg_app_timeout must be > 0")

	// ErrEmptyChipID indicates a chip entry with an empty id.
	ErrEmptyChipID = errors.New("chip id must not be empty")

	// ErrDuplicateChipID indicates two chip entries share the same id.
	ErrDuplicateChipID = errors.New("duplicate chip id")

	// ErrInvalidChipProtocol indicates a chip entry names an unrecognized protocol.
	ErrInvalidChipProtocol = errors.New("chip protocol must be fira, ccc, or aliro")
)

// ValidProtocols lists the recognized protocol strings for a ChipConfig.
var ValidProtocols = map[string]bool{
	"fira":  true,
	"ccc":   true,
	"aliro": true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.HTTP.Addr == "" {
		return ErrEmptyHTTPAddr
	}
	if cfg.Ranging.ErrorStreakTimeout <= 0 {
		return ErrInvalidErrorStreakTimeout
	}
	if cfg.Ranging.BgAppTimeout <= 0 {
		return ErrInvalidBgAppTimeout
	}
	return validateChips(cfg.Chips)
}

func validateChips(chips []ChipConfig) error {
	seen := make(map[string]struct{}, len(chips))
	for i, c := range chips {
		if c.ID == "" {
			return fmt.Errorf("chips[%d]: %w", i, ErrEmptyChipID)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("chips[%d] id %q: %w", i, c.ID, ErrDuplicateChipID)
		}
		seen[c.ID] = struct{}{}
		for _, p := range c.Protocols {
			if !ValidProtocols[strings.ToLower(p)] {
				return fmt.Errorf("chips[%d] protocol %q: %w", i, p, ErrInvalidChipProtocol)
			}
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
