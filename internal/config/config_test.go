package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	result := cfg.Validate()
	assert.True(t, result.Valid, "%v", result.Errors)
	assert.NotEmpty(t, result.Warnings, "memory backend warns")

	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 24*time.Hour, cfg.Retry.MaxBackoff.Duration)
	assert.Equal(t, 87600*time.Hour, cfg.Complaint.SuppressFor.Duration)
	assert.Equal(t, BackendMemory, cfg.AttemptsBackend())
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bounced.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[logging]
level = "debug"
redact_addresses = true

[store]
backend = "postgres"
dsn = "postgres://bounced@db/bounced"
attempts = "memcached"
memcached_servers = ["cache-1:11211", "cache-2:11211"]

[retry]
max_retries = 3
max_backoff = "6h"

[complaint]
suppress_for = "720h"

[alert]
backend = "smtp"
smtp_addr = "relay.example.org:587"
from = "bounced@example.org"
to = ["postmaster@example.org"]
starttls = true
`), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.RedactAddresses)
	assert.Equal(t, BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, BackendMemcached, cfg.AttemptsBackend())
	assert.Len(t, cfg.Store.MemcachedServers, 2)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 6*time.Hour, cfg.Retry.MaxBackoff.Duration)
	assert.Equal(t, time.Hour, cfg.Retry.CleanupInterval.Duration, "unset keys keep defaults")
	assert.Equal(t, 720*time.Hour, cfg.Complaint.SuppressFor.Duration)
	assert.Equal(t, []string{"postmaster@example.org"}, cfg.Alert.To)
	assert.True(t, cfg.Alert.StartTLS)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing explicit path", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(dir, "nope.toml"))
		assert.Error(t, err)
	})

	t.Run("bad duration", func(t *testing.T) {
		path := filepath.Join(dir, "bad.toml")
		require.NoError(t, os.WriteFile(path, []byte("[retry]\nmax_backoff = \"soon\"\n"), 0600))
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})

	t.Run("invalid values", func(t *testing.T) {
		path := filepath.Join(dir, "invalid.toml")
		require.NoError(t, os.WriteFile(path, []byte("[store]\nbackend = \"oracle\"\n"), 0600))
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store.backend")
	})

	t.Run("oversized file", func(t *testing.T) {
		path := filepath.Join(dir, "huge.toml")
		require.NoError(t, os.WriteFile(path, make([]byte, 2*1024*1024), 0600))
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"sql without dsn", func(c *Config) { c.Store.Backend = BackendSQLite }, "store.dsn"},
		{"bad redis addr", func(c *Config) { c.Store.Backend = BackendRedis; c.Store.RedisAddr = "host;rm -rf:6379" }, "store.redis_addr"},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }, "retry.max_retries"},
		{"zero backoff", func(c *Config) { c.Retry.MaxBackoff = Duration{} }, "retry.max_backoff"},
		{"backoff above ceiling", func(c *Config) { c.Retry.MaxBackoff = Duration{7 * 24 * time.Hour} }, "retry.max_backoff"},
		{"zero complaint window", func(c *Config) { c.Complaint.SuppressFor = Duration{} }, "complaint.suppress_for"},
		{"unknown reputation", func(c *Config) { c.Reputation.Backend = "kafka" }, "reputation.backend"},
		{"smtp without recipients", func(c *Config) {
			c.Alert.Backend = BackendSMTP
			c.Alert.SMTPAddr = "relay.example.org:25"
			c.Alert.From = "a@example.org"
		}, "alert.to"},
		{"memcached without servers", func(c *Config) { c.Store.Attempts = BackendMemcached }, "store.memcached_servers"},
		{"no workers", func(c *Config) { c.Ingest.Workers = 0 }, "ingest.workers"},
		{"log traversal", func(c *Config) { c.Logging.File = "../../etc/cron.d/x" }, "logging.file"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			result := cfg.Validate()
			require.False(t, result.Valid)

			var fields []string
			for _, e := range result.Errors {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"BOUNCED_STORE_DSN":         "file:test.db",
		"BOUNCED_REDIS_DB":          "3",
		"BOUNCED_SMTP_PASSWORD":     "s3cret",
		"BOUNCED_ALERT_TO":          "a@example.org, b@example.org,",
		"BOUNCED_MEMCACHED_SERVERS": "m1:11211",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, "file:test.db", cfg.Store.DSN)
	assert.Equal(t, 3, cfg.Store.RedisDB)
	assert.Equal(t, "s3cret", cfg.Alert.Password)
	assert.Equal(t, []string{"a@example.org", "b@example.org"}, cfg.Alert.To)
	assert.Equal(t, []string{"m1:11211"}, cfg.Store.MemcachedServers)

	env["BOUNCED_REDIS_DB"] = "three"
	assert.Error(t, DefaultConfig().ApplyEnv(lookup))
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "bounced.toml")
	require.NoError(t, CreateDefaultConfig(path))
	assert.Error(t, CreateDefaultConfig(path), "refuses to overwrite")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Retry, cfg.Retry)
	assert.Equal(t, DefaultConfig().Complaint, cfg.Complaint)
}

func TestRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.DSN = "postgres://u:p@h/db"
	cfg.Alert.Password = "pw"

	r := cfg.Redacted()
	assert.Equal(t, "***REDACTED***", r.Store.DSN)
	assert.Equal(t, "***REDACTED***", r.Alert.Password)
	assert.Equal(t, "", r.Store.RedisPassword)
	assert.Equal(t, "postgres://u:p@h/db", cfg.Store.DSN, "original untouched")
}

func TestSecurityValidator(t *testing.T) {
	sv := NewSecurityValidator()
	assert.NoError(t, sv.ValidateNetworkAddress(":9464", "x"))
	assert.NoError(t, sv.ValidateNetworkAddress("127.0.0.1:6379", "x"))
	assert.NoError(t, sv.ValidateNetworkAddress("redis.internal:6379", "x"))
	assert.Error(t, sv.ValidateNetworkAddress("redis:99999", "x"))
	assert.Error(t, sv.ValidateNetworkAddress("$(whoami):25", "x"))
	assert.Error(t, sv.ValidateNetworkAddress("", "x"))

	assert.NoError(t, sv.ValidatePath("/var/log/bounced.log", "x"))
	assert.Error(t, sv.ValidatePath("../secret", "x"))
	assert.NoError(t, sv.ValidateNetworkAddress("[::1]:6379", "x"))

	assert.NoError(t, sv.ValidateKeyPrefix("bounced:", "x"))
	assert.NoError(t, sv.ValidateKeyPrefix("", "x"))
	assert.Error(t, sv.ValidateKeyPrefix("bounced prod:", "x"))
	assert.Error(t, sv.ValidateKeyPrefix("a\nb", "x"))
}
