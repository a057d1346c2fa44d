package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pouriaabedi0073-sys/volleyball-club-sub000/backup"
)

const sample = `
device_id: dev-1
group: club-1
database: /tmp/club.db
flush_interval: 10s
tables:
  - name: players
    partition_key: group_id
  - name: payments
    conflict_key: [user_id, device_id]
retry:
  base_delay: 2s
  max_attempts: 7
  max_jitter: 5s
remote:
  url: https://example.test
  api_key: anon
backup:
  interval: 1h
  codec: cbor
`

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestParseAppliesYAMLOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sample), nil)
	require.NoError(t, err)

	assert.Equal(t, "dev-1", cfg.DeviceID)
	assert.Equal(t, 10*time.Second, cfg.FlushInterval)
	assert.Equal(t, 30*time.Second, cfg.LockTimeout)
	require.Len(t, cfg.Tables, 2)
	assert.Equal(t, []string{"user_id", "device_id"}, cfg.Tables[1].ConflictKey)
	assert.Equal(t, RemoteREST, cfg.Remote.Kind)
	assert.Equal(t, time.Hour, cfg.Backup.Interval)
	assert.Equal(t, backup.DefaultTable, cfg.Backup.Table)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 2*time.Second, policy.BaseDelay)
	assert.Equal(t, 7, policy.MaxAttempts)
	assert.Equal(t, 2*time.Second, policy.MaxJitter, "jitter is clamped to the base delay")
	assert.Equal(t, 400, policy.QuickRetry.Status)
	assert.Equal(t, 2, policy.QuickRetry.Limit)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("tables: [{name: a}]\nremote: {url: x}\nflush_intervall: 1s\n"), nil)
	require.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	cfg, err := Parse([]byte(sample), env(map[string]string{
		"SYNC_DEVICE_ID":  "dev-env",
		"SYNC_GROUP":      "",
		"SYNC_REMOTE_URL": "https://override.test",
		"SYNC_LOG_LEVEL":  "debug",
	}))
	require.NoError(t, err)
	assert.Equal(t, "dev-env", cfg.DeviceID)
	assert.Equal(t, "club-1", cfg.Group, "empty values do not override")
	assert.Equal(t, "https://override.test", cfg.Remote.URL)

	level, err := ParseLevel(cfg.LogLevel)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestRemoteKindInference(t *testing.T) {
	cfg, err := Parse([]byte("tables: [{name: a}]\n"), env(map[string]string{
		"SYNC_POSTGRES_DSN": "postgres://localhost/db",
	}))
	require.NoError(t, err)
	assert.Equal(t, RemotePostgres, cfg.Remote.Kind)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"no tables":       "remote: {url: x}\n",
		"duplicate":       "tables: [{name: a}, {name: a}]\nremote: {url: x}\n",
		"empty name":      "tables: [{name: ''}]\nremote: {url: x}\n",
		"no url":          "tables: [{name: a}]\n",
		"bad kind":        "tables: [{name: a}]\nremote: {kind: grpc, url: x}\n",
		"bad level":       "tables: [{name: a}]\nremote: {url: x}\nlog_level: loud\n",
		"bad codec":       "tables: [{name: a}]\nremote: {url: x}\nbackup: {codec: xml}\n",
		"postgres no dsn": "tables: [{name: a}]\nremote: {kind: postgres}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), nil)
			require.Error(t, err)
		})
	}
}

func TestEngineConfig(t *testing.T) {
	cfg, err := Parse([]byte(sample), nil)
	require.NoError(t, err)

	ec, err := cfg.Engine(slog.Default())
	require.NoError(t, err)
	assert.Equal(t, "club-1", ec.Group)
	require.Len(t, ec.Tables, 2)
	assert.Equal(t, "group_id", ec.Tables[0].PartitionKey)
	assert.Equal(t, "cbor", ec.Codec.Name())
	assert.Equal(t, time.Hour, ec.BackupInterval)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "players", cfg.Tables[0].Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
