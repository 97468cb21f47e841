// Package config loads service configuration from an optional YAML
// file with environment-variable overrides. Environment wins, so a
// deployment can ship one file and still tune single instances.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// ErrInvalid wraps any configuration validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration that YAML-decodes from strings like
// "60s" or "5m" (yaml.v3 has no native duration support).
type Duration time.Duration

// UnmarshalYAML decodes a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to the standard type.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String renders the duration in time.Duration notation.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Config is the full service configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// GridSize is the canvas edge length.
	GridSize int `yaml:"grid_size"`
	// CooldownWindow is the per-user placement cooldown.
	CooldownWindow Duration `yaml:"cooldown_window"`
	// LogPartitions is the event log partition count.
	LogPartitions int `yaml:"log_partitions"`
	// StoreBackend selects "memory" or "sqlite".
	StoreBackend string `yaml:"store_backend"`
	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path"`
	// JWTSecret verifies identity-provider tokens. Required.
	JWTSecret string `yaml:"jwt_secret"`
	// ViewerBuffer is the per-viewer fan-out send buffer.
	ViewerBuffer int `yaml:"viewer_buffer"`
	// PlaceRatePerSecond caps admissions per second across the
	// instance; excess requests are rejected immediately rather than
	// queued. Zero disables the guard.
	PlaceRatePerSecond float64 `yaml:"place_rate_per_second"`
	// PlaceRateBurst is the overload guard's burst allowance.
	PlaceRateBurst int `yaml:"place_rate_burst"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		Listen:         ":8080",
		GridSize:       1000,
		CooldownWindow: Duration(60 * time.Second),
		LogPartitions:  4,
		StoreBackend:   StoreMemory,
		SQLitePath:     "pixelgrid.db",
		ViewerBuffer:   64,
		PlaceRateBurst: 100,
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays PIXELGRID_* environment variables.
func (c *Config) applyEnv() {
	c.Listen = getenv("PIXELGRID_LISTEN", c.Listen)
	c.StoreBackend = getenv("PIXELGRID_STORE", c.StoreBackend)
	c.SQLitePath = getenv("PIXELGRID_SQLITE_PATH", c.SQLitePath)
	c.JWTSecret = getenv("PIXELGRID_JWT_SECRET", c.JWTSecret)

	if v := os.Getenv("PIXELGRID_GRID_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GridSize = n
		}
	}
	if v := os.Getenv("PIXELGRID_LOG_PARTITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LogPartitions = n
		}
	}
	if v := os.Getenv("PIXELGRID_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.CooldownWindow = Duration(d)
		}
	}
	if v := os.Getenv("PIXELGRID_VIEWER_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ViewerBuffer = n
		}
	}
	if v := os.Getenv("PIXELGRID_PLACE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.PlaceRatePerSecond = f
		}
	}
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("%w: listen address is empty", ErrInvalid)
	}
	if c.GridSize <= 0 {
		return fmt.Errorf("%w: grid size %d", ErrInvalid, c.GridSize)
	}
	if c.CooldownWindow <= 0 {
		return fmt.Errorf("%w: cooldown window %s", ErrInvalid, c.CooldownWindow)
	}
	if c.LogPartitions <= 0 {
		return fmt.Errorf("%w: log partitions %d", ErrInvalid, c.LogPartitions)
	}
	if c.StoreBackend != StoreMemory && c.StoreBackend != StoreSQLite {
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalid, c.StoreBackend)
	}
	if c.StoreBackend == StoreSQLite && c.SQLitePath == "" {
		return fmt.Errorf("%w: sqlite backend needs a path", ErrInvalid)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("%w: jwt secret is required", ErrInvalid)
	}
	return nil
}

// getenv retrieves an environment variable with a default fallback.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
