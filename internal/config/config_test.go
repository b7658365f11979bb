package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, ":9090", cfg.Admin.Address)
	assert.Equal(t, 0.5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, int64(10), cfg.Breaker.MinCalls)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, int64(100), cfg.RateLimit.DefaultLimit)
	assert.Equal(t, FailurePolicyPassThrough, cfg.RateLimit.FailurePolicy)
	assert.Equal(t, CacheModeAside, cfg.Cache.DefaultMode)
	assert.Equal(t, RedisModeSingle, cfg.Redis.Mode)
	assert.Equal(t, LogLevelInfo, cfg.Logging.Level)

	require.NoError(t, Validate(cfg))
}

func TestLoadFromPath(t *testing.T) {
	t.Run("missing file falls back to defaults", func(t *testing.T) {
		cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.Server.Address)
	})

	t.Run("yaml values override defaults", func(t *testing.T) {
		path := writeConfigFile(t, `
server:
  address: ":8888"
breaker:
  failure_threshold: 0.75
  min_calls: 20
rate_limit:
  default_limit: 50
  window: 30s
dependencies:
  search:
    url: http://search:8080
    critical: true
    cache_ttl: 90s
  embeddings:
    url: grpc://embeddings:9000
    protocol: grpc
`)
		cfg, err := LoadFromPath(path)
		require.NoError(t, err)

		assert.Equal(t, ":8888", cfg.Server.Address)
		assert.Equal(t, 0.75, cfg.Breaker.FailureThreshold)
		assert.Equal(t, int64(20), cfg.Breaker.MinCalls)
		assert.Equal(t, int64(50), cfg.RateLimit.DefaultLimit)

		require.Len(t, cfg.Dependencies, 2)
		assert.True(t, cfg.Dependencies["search"].Critical)
		assert.Equal(t, ProtocolHTTP, cfg.Dependencies["search"].Protocol)
		assert.Equal(t, ProtocolGRPC, cfg.Dependencies["embeddings"].Protocol)
	})

	t.Run("env overrides yaml", func(t *testing.T) {
		path := writeConfigFile(t, `
server:
  address: ":8888"
`)
		t.Setenv("KNOWGATE_SERVER_ADDRESS", ":7777")
		t.Setenv("KNOWGATE_RATE_LIMIT_DEFAULT_LIMIT", "42")

		cfg, err := LoadFromPath(path)
		require.NoError(t, err)
		assert.Equal(t, ":7777", cfg.Server.Address)
		assert.Equal(t, int64(42), cfg.RateLimit.DefaultLimit)
	})

	t.Run("enum values are normalized to lowercase", func(t *testing.T) {
		path := writeConfigFile(t, `
rate_limit:
  failure_policy: PassThrough
redis:
  mode: SINGLE
logging:
  level: INFO
`)
		cfg, err := LoadFromPath(path)
		require.NoError(t, err)
		assert.Equal(t, FailurePolicyPassThrough, cfg.RateLimit.FailurePolicy)
		assert.Equal(t, RedisModeSingle, cfg.Redis.Mode)
		assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
	})

	t.Run("invalid yaml is rejected", func(t *testing.T) {
		path := writeConfigFile(t, "server: [not a map")
		_, err := LoadFromPath(path)
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config { return Defaults() }

	t.Run("breaker threshold out of range", func(t *testing.T) {
		cfg := valid()
		cfg.Breaker.FailureThreshold = 1.5
		assert.ErrorContains(t, Validate(cfg), "failure_threshold")
	})

	t.Run("breaker min calls", func(t *testing.T) {
		cfg := valid()
		cfg.Breaker.MinCalls = 0
		assert.ErrorContains(t, Validate(cfg), "min_calls")
	})

	t.Run("retry multiplier", func(t *testing.T) {
		cfg := valid()
		cfg.Retry.Multiplier = 0.5
		assert.ErrorContains(t, Validate(cfg), "multiplier")
	})

	t.Run("dependency without url", func(t *testing.T) {
		cfg := valid()
		cfg.Dependencies = map[string]DependencyConfig{"auth": {}}
		assert.ErrorContains(t, Validate(cfg), "url is required")
	})

	t.Run("bad dependency protocol", func(t *testing.T) {
		cfg := valid()
		cfg.Dependencies = map[string]DependencyConfig{
			"auth": {URL: "http://auth:8080", Protocol: "thrift"},
		}
		assert.ErrorContains(t, Validate(cfg), "protocol")
	})

	t.Run("bad failure policy", func(t *testing.T) {
		cfg := valid()
		cfg.RateLimit.FailurePolicy = "explode"
		assert.ErrorContains(t, Validate(cfg), "failure_policy")
	})

	t.Run("header strategy requires header name", func(t *testing.T) {
		cfg := valid()
		cfg.RateLimit.KeyStrategy = KeyStrategyConfig{Type: KeyStrategyHeader}
		assert.ErrorContains(t, Validate(cfg), "header_name")
	})

	t.Run("sentinel requires master name", func(t *testing.T) {
		cfg := valid()
		cfg.Redis.Mode = RedisModeSentinel
		cfg.Redis.Endpoints = []string{"s1:26379", "s2:26379"}
		assert.ErrorContains(t, Validate(cfg), "master_name")
	})

	t.Run("single mode rejects multiple endpoints", func(t *testing.T) {
		cfg := valid()
		cfg.Redis.Endpoints = []string{"a:6379", "b:6379"}
		assert.ErrorContains(t, Validate(cfg), "single mode")
	})

	t.Run("http3 requires tls", func(t *testing.T) {
		cfg := valid()
		cfg.Server.TLS.HTTP3Enabled = true
		assert.ErrorContains(t, Validate(cfg), "http3")
	})

	t.Run("events enabled requires url", func(t *testing.T) {
		cfg := valid()
		cfg.Events.Enabled = true
		assert.ErrorContains(t, Validate(cfg), "events.url")
	})

	t.Run("bad duration string", func(t *testing.T) {
		cfg := valid()
		cfg.Breaker.Window = "sixty seconds"
		assert.ErrorContains(t, Validate(cfg), "breaker.window")
	})

	t.Run("tracing enabled requires endpoint", func(t *testing.T) {
		cfg := valid()
		cfg.Tracing.Enabled = true
		assert.ErrorContains(t, Validate(cfg), "tracing.endpoint")
	})
}

func TestRedactedString(t *testing.T) {
	var s RedactedString = "hunter2"
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "hunter2", s.Value())

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(b))

	var empty RedactedString
	assert.Equal(t, "", empty.String())
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	d, err = ParseDuration("250ms", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDuration("bogus", time.Second)
	require.Error(t, err)

	assert.Equal(t, time.Second, MustParseDuration("bogus", time.Second))
	assert.Equal(t, 2*time.Second, MustParseDuration("2s", time.Second))
}
