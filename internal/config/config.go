// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config loads the sync engine configuration from a YAML file and
// SYNC_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/backup"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/coordinator"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/engine"
	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/retry"
)

// Remote kinds.
const (
	RemoteREST     = "rest"
	RemotePostgres = "postgres"
)

// Table is one synchronized table.
type Table struct {
	Name         string   `yaml:"name"`
	ConflictKey  []string `yaml:"conflict_key,omitempty"`
	PartitionKey string   `yaml:"partition_key,omitempty"`
}

// Retry overrides the retry policy defaults.
type Retry struct {
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxAttempts      int           `yaml:"max_attempts"`
	MaxJitter        time.Duration `yaml:"max_jitter"`
	MaxDelay         time.Duration `yaml:"max_delay,omitempty"`
	QuickRetryStatus int           `yaml:"quick_retry_status"`
	QuickRetryLimit  int           `yaml:"quick_retry_limit"`
	QuickRetryDelay  time.Duration `yaml:"quick_retry_delay"`
}

// Remote selects and configures the remote store.
type Remote struct {
	Kind        string        `yaml:"kind"` // rest or postgres; inferred when empty
	URL         string        `yaml:"url"`
	APIKey      string        `yaml:"api_key"`
	Token       string        `yaml:"token"`
	PostgresDSN string        `yaml:"postgres_dsn"`
	Schema      string        `yaml:"schema"`
	RealtimeURL string        `yaml:"realtime_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Backup configures snapshot uploads.
type Backup struct {
	Interval time.Duration `yaml:"interval"`
	Table    string        `yaml:"table"`
	PruneRPC string        `yaml:"prune_rpc"`
	Keep     int           `yaml:"keep"`
	Codec    string        `yaml:"codec"`
	Tables   []string      `yaml:"tables,omitempty"`
}

// Config holds everything needed to run an engine from the command line.
type Config struct {
	DeviceID      string        `yaml:"device_id"`
	Group         string        `yaml:"group"`
	Database      string        `yaml:"database"` // SQLite file for durable state
	Namespace     string        `yaml:"namespace"`
	LogLevel      string        `yaml:"log_level"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	LockTimeout   time.Duration `yaml:"lock_timeout"`
	Tables        []Table       `yaml:"tables"`
	Retry         Retry         `yaml:"retry"`
	Remote        Remote        `yaml:"remote"`
	Backup        Backup        `yaml:"backup"`
}

// Default returns a configuration with every tunable set.
func Default() *Config {
	policy := retry.DefaultPolicy()
	return &Config{
		Database:      "sync.db",
		LogLevel:      "info",
		FlushInterval: engine.DefaultFlushInterval,
		LockTimeout:   coordinator.DefaultTimeout,
		Retry: Retry{
			BaseDelay:        policy.BaseDelay,
			MaxAttempts:      policy.MaxAttempts,
			MaxJitter:        policy.MaxJitter,
			QuickRetryStatus: policy.QuickRetry.Status,
			QuickRetryLimit:  policy.QuickRetry.Limit,
			QuickRetryDelay:  policy.QuickRetry.Delay,
		},
		Remote: Remote{
			Timeout: 30 * time.Second,
		},
		Backup: Backup{
			Table:    backup.DefaultTable,
			PruneRPC: backup.DefaultPruneRPC,
			Keep:     backup.DefaultKeepBackups,
			Codec:    "json",
		},
	}
}

// Load reads path (optional) and the process environment.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return Parse(data, os.LookupEnv)
}

// Parse decodes data over the defaults, applies environment overrides from
// lookup and validates the result. Unknown YAML keys are rejected.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if lookup != nil {
		cfg.applyEnv(lookup)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	overrides := []struct {
		key string
		dst *string
	}{
		{"SYNC_DEVICE_ID", &c.DeviceID},
		{"SYNC_GROUP", &c.Group},
		{"SYNC_DATABASE", &c.Database},
		{"SYNC_REMOTE_URL", &c.Remote.URL},
		{"SYNC_REMOTE_API_KEY", &c.Remote.APIKey},
		{"SYNC_REMOTE_TOKEN", &c.Remote.Token},
		{"SYNC_POSTGRES_DSN", &c.Remote.PostgresDSN},
		{"SYNC_REALTIME_URL", &c.Remote.RealtimeURL},
		{"SYNC_LOG_LEVEL", &c.LogLevel},
	}
	for _, o := range overrides {
		if v, ok := lookup(o.key); ok && v != "" {
			*o.dst = v
		}
	}
}

// Validate checks the configuration and infers the remote kind.
func (c *Config) Validate() error {
	if len(c.Tables) == 0 {
		return fmt.Errorf("at least one table must be configured")
	}
	seen := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("table name must not be empty")
		}
		if seen[t.Name] {
			return fmt.Errorf("table %s configured twice", t.Name)
		}
		seen[t.Name] = true
	}
	if c.Database == "" {
		return fmt.Errorf("database path is required")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := backup.CodecByName(c.Backup.Codec); err != nil {
		return err
	}

	if c.Remote.Kind == "" {
		if c.Remote.PostgresDSN != "" && c.Remote.URL == "" {
			c.Remote.Kind = RemotePostgres
		} else {
			c.Remote.Kind = RemoteREST
		}
	}
	switch c.Remote.Kind {
	case RemoteREST:
		if c.Remote.URL == "" {
			return fmt.Errorf("remote.url is required for the rest remote")
		}
	case RemotePostgres:
		if c.Remote.PostgresDSN == "" {
			return fmt.Errorf("remote.postgres_dsn is required for the postgres remote")
		}
	default:
		return fmt.Errorf("unknown remote kind %q", c.Remote.Kind)
	}
	return nil
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		BaseDelay:   c.Retry.BaseDelay,
		MaxAttempts: c.Retry.MaxAttempts,
		MaxJitter:   c.Retry.MaxJitter,
		MaxDelay:    c.Retry.MaxDelay,
		QuickRetry: retry.QuickRetry{
			Status: c.Retry.QuickRetryStatus,
			Limit:  c.Retry.QuickRetryLimit,
			Delay:  c.Retry.QuickRetryDelay,
		},
	}.Normalize()
}

// Engine builds the engine configuration.
func (c *Config) Engine(logger *slog.Logger) (engine.Config, error) {
	codec, err := backup.CodecByName(c.Backup.Codec)
	if err != nil {
		return engine.Config{}, err
	}
	tables := make([]engine.TableConfig, 0, len(c.Tables))
	for _, t := range c.Tables {
		tables = append(tables, engine.TableConfig{Name: t.Name, ConflictKey: t.ConflictKey, PartitionKey: t.PartitionKey})
	}
	return engine.Config{
		DeviceID:       c.DeviceID,
		Group:          c.Group,
		Tables:         tables,
		Retry:          c.RetryPolicy(),
		LockTimeout:    c.LockTimeout,
		FlushInterval:  c.FlushInterval,
		BackupInterval: c.Backup.Interval,
		Namespace:      c.Namespace,
		BackupTable:    c.Backup.Table,
		BackupTables:   c.Backup.Tables,
		PruneRPC:       c.Backup.PruneRPC,
		KeepBackups:    c.Backup.Keep,
		Codec:          codec,
		Logger:         logger,
	}, nil
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Logger returns a text logger writing to w at the configured level.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := ParseLevel(c.LogLevel)
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
