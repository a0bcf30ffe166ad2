// Package config holds the listenetl run configuration.
//
// Values are layered: built-in defaults, an optional YAML file, LISTENETL_*
// environment variables, then command-line overrides. See Load.
package config

import (
	"net/url"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"
)

// Granularity controls how often the global stages run.
const (
	GranularityBatch = "batch" // once after all files are staged
	GranularityFile  = "file"  // after every staged file
)

// Config is the full run configuration.
type Config struct {
	Job     string        `koanf:"job" validate:"required"`
	Input   InputConfig   `koanf:"input"`
	Storage StorageConfig `koanf:"storage"`
	Runtime RuntimeConfig `koanf:"runtime"`
	Logging LoggingConfig `koanf:"logging"`
	Metrics MetricsConfig `koanf:"metrics"`
}

type InputConfig struct {
	Dir       string `koanf:"dir"`
	Recursive bool   `koanf:"recursive"`
}

type StorageConfig struct {
	Kind string `koanf:"kind" validate:"required,oneof=duckdb sqlite postgres mssql"`
	DSN  string `koanf:"dsn" validate:"required"`

	// LockPath overrides the run lock location. Empty derives "<db file>.lock"
	// for file-backed stores.
	LockPath string `koanf:"lock_path"`
}

type RuntimeConfig struct {
	NormalizeWorkers int    `koanf:"normalize_workers" validate:"min=1,max=256"`
	Granularity      string `koanf:"granularity" validate:"oneof=batch file"`
	ResetStaging     bool   `koanf:"reset_staging"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

type MetricsConfig struct {
	Backend        string        `koanf:"backend" validate:"oneof=none pushgateway datadog"`
	PushgatewayURL string        `koanf:"pushgateway_url"`
	Tags           []string      `koanf:"tags"`
	FlushEvery     time.Duration `koanf:"flush_every" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Job: "listenetl",
		Storage: StorageConfig{
			Kind: "duckdb",
			DSN:  "listens.duckdb",
		},
		Runtime: RuntimeConfig{
			NormalizeWorkers: runtime.NumCPU(),
			Granularity:      GranularityBatch,
			ResetStaging:     true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Backend:        "none",
			PushgatewayURL: "http://localhost:9091",
			Tags:           []string{},
			FlushEvery:     60 * time.Second,
		},
	}
}

// ResolvedLockPath returns the run lock file, or "" when the store is not a
// local file (server backends, in-memory databases).
func (s StorageConfig) ResolvedLockPath() string {
	if s.LockPath != "" {
		return s.LockPath
	}
	path := s.DatabaseFile()
	if path == "" {
		return ""
	}
	return path + ".lock"
}

// DatabaseFile returns the on-disk database file for sqlite and duckdb DSNs.
func (s StorageConfig) DatabaseFile() string {
	if s.Kind != "sqlite" && s.Kind != "duckdb" {
		return ""
	}
	dsn := s.DSN
	if strings.HasPrefix(dsn, "file:") {
		if u, err := url.Parse(dsn); err == nil && u.Opaque != "" {
			dsn = u.Opaque
		} else {
			dsn = strings.TrimPrefix(dsn, "file:")
		}
	}
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, ":memory:") {
		return ""
	}
	return filepath.Clean(dsn)
}

var dsnSecret = regexp.MustCompile(`(?i)\b(password|pwd)\s*=\s*[^;&\s]*`)

// RedactedDSN returns the DSN with any password masked, for display.
func (s StorageConfig) RedactedDSN() string {
	if strings.Contains(s.DSN, "://") {
		if u, err := url.Parse(s.DSN); err == nil {
			u.RawQuery = dsnSecret.ReplaceAllString(u.RawQuery, "$1=xxxxx")
			return u.Redacted()
		}
	}
	return dsnSecret.ReplaceAllString(s.DSN, "$1=xxxxx")
}
