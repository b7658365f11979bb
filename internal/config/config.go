// Package config handles loading and validation of KnowGate configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// KNOWGATE_ prefix:
//
//	server.address → KNOWGATE_SERVER_ADDRESS
//	rate_limit.default_limit → KNOWGATE_RATE_LIMIT_DEFAULT_LIMIT
//
// Downstream dependencies are configured under the dependencies map and are
// YAML-only (map sections have no stable env path).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via KNOWGATE_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/knowgate/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// FailurePolicy controls rate-limiter behavior when Redis is unreachable.
type FailurePolicy string

const (
	FailurePolicyPassThrough      FailurePolicy = "passthrough"
	FailurePolicyFailClosed       FailurePolicy = "failclosed"
	FailurePolicyInMemoryFallback FailurePolicy = "inmemoryfallback"
)

func (fp FailurePolicy) Valid() bool {
	switch fp {
	case FailurePolicyPassThrough, FailurePolicyFailClosed, FailurePolicyInMemoryFallback:
		return true
	}
	return false
}

// Protocol selects how a dependency's liveness endpoint is probed.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolGRPC Protocol = "grpc"
)

func (p Protocol) Valid() bool {
	switch p {
	case ProtocolHTTP, ProtocolGRPC, "":
		return true
	}
	return false
}

// CacheMode selects how cacheable responses are populated.
type CacheMode string

const (
	CacheModeAside        CacheMode = "aside"
	CacheModeWriteThrough CacheMode = "writethrough"
)

func (m CacheMode) Valid() bool {
	switch m {
	case CacheModeAside, CacheModeWriteThrough, "":
		return true
	}
	return false
}

// KeyStrategyType defines how a per-subject rate-limit key is derived.
type KeyStrategyType string

const (
	KeyStrategyClientIP  KeyStrategyType = "clientip"
	KeyStrategyHeader    KeyStrategyType = "header"
	KeyStrategyComposite KeyStrategyType = "composite"
)

func (k KeyStrategyType) Valid() bool {
	switch k {
	case KeyStrategyClientIP, KeyStrategyHeader, KeyStrategyComposite:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle      RedisMode = "single"
	RedisModeReplication RedisMode = "replication"
	RedisModeSentinel    RedisMode = "sentinel"
	RedisModeCluster     RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeReplication, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Config is the top-level KnowGate configuration.
type Config struct {
	Server       ServerConfig                `yaml:"server"       envPrefix:"SERVER_"`
	Admin        AdminConfig                 `yaml:"admin"        envPrefix:"ADMIN_"`
	Dependencies map[string]DependencyConfig `yaml:"dependencies"`
	Breaker      BreakerConfig               `yaml:"breaker"      envPrefix:"BREAKER_"`
	Retry        RetryConfig                 `yaml:"retry"        envPrefix:"RETRY_"`
	RateLimit    RateLimitConfig             `yaml:"rate_limit"   envPrefix:"RATE_LIMIT_"`
	Cache        CacheConfig                 `yaml:"cache"        envPrefix:"CACHE_"`
	Registry     RegistryConfig              `yaml:"registry"     envPrefix:"REGISTRY_"`
	Health       HealthConfig                `yaml:"health"       envPrefix:"HEALTH_"`
	Redis        RedisConfig                 `yaml:"redis"        envPrefix:"REDIS_"`
	Events       EventsConfig                `yaml:"events"       envPrefix:"EVENTS_"`
	Logging      LoggingConfig               `yaml:"logging"      envPrefix:"LOGGING_"`
	Tracing      TracingConfig               `yaml:"tracing"      envPrefix:"TRACING_"`
}

// ServerConfig holds the main API server settings.
type ServerConfig struct {
	Address        string          `yaml:"address"         env:"ADDRESS"`
	ReadTimeout    string          `yaml:"read_timeout"    env:"READ_TIMEOUT"`
	WriteTimeout   string          `yaml:"write_timeout"   env:"WRITE_TIMEOUT"`
	IdleTimeout    string          `yaml:"idle_timeout"    env:"IDLE_TIMEOUT"`
	DrainTimeout   string          `yaml:"drain_timeout"   env:"DRAIN_TIMEOUT"`
	RequestTimeout string          `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	MaxBodySize    int64           `yaml:"max_body_size"   env:"MAX_BODY_SIZE"` // bytes; 0 = 10 MiB
	TLS            ServerTLSConfig `yaml:"tls"             envPrefix:"TLS_"`
}

// ServerTLSConfig holds TLS settings for the main server.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
}

// AdminConfig holds the admin (health + metrics) server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// DependencyConfig declares one downstream service the gateway orchestrates.
type DependencyConfig struct {
	// URL is the static base address, registered into the service registry
	// at startup. Instances that self-register under the same service name
	// are resolved alongside it.
	URL string `yaml:"url"`
	// HealthURL overrides the probe endpoint. Defaults to URL + "/health"
	// for http dependencies.
	HealthURL string `yaml:"health_url"`
	// Protocol selects the probe mechanism: http (GET health_url) or grpc
	// (grpc.health.v1.Health/Check against the URL's host:port).
	Protocol Protocol `yaml:"protocol"`
	// Timeout is the per-call deadline for requests to this dependency.
	Timeout string `yaml:"timeout"`
	// Critical marks the dependency for the worst-of health rule: an
	// unhealthy critical dependency makes the overall status unhealthy
	// instead of degraded.
	Critical bool `yaml:"critical"`
	// CacheTTL is the default TTL for cacheable responses from this
	// dependency. Empty disables caching unless the caller sets a TTL.
	CacheTTL string `yaml:"cache_ttl"`
	// Limit caps requests to this dependency per rate-limit window.
	// 0 means unlimited.
	Limit int64 `yaml:"limit"`
}

// BreakerConfig holds circuit breaker tuning, shared by all dependencies.
type BreakerConfig struct {
	// FailureThreshold is the failure ratio (0..1] that trips the breaker
	// once MinCalls is reached within the rolling window.
	FailureThreshold float64 `yaml:"failure_threshold"   env:"FAILURE_THRESHOLD"`
	MinCalls         int64   `yaml:"min_calls"           env:"MIN_CALLS"`
	Window           string  `yaml:"window"              env:"WINDOW"`
	OpenTimeout      string  `yaml:"open_timeout"        env:"OPEN_TIMEOUT"`
	SuccessThreshold int64   `yaml:"success_threshold"   env:"SUCCESS_THRESHOLD"`
	HalfOpenMaxCalls int64   `yaml:"half_open_max_calls" env:"HALF_OPEN_MAX_CALLS"`
}

// RetryConfig holds the retry policy applied to downstream calls.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"    env:"MAX_ATTEMPTS"`
	InitialBackoff string  `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     string  `yaml:"max_backoff"     env:"MAX_BACKOFF"`
	Multiplier     float64 `yaml:"multiplier"      env:"MULTIPLIER"`
}

// RateLimitConfig holds sliding-window rate limiting settings.
type RateLimitConfig struct {
	// DefaultLimit is the per-subject request quota per window. 0 disables
	// subject-level limiting.
	DefaultLimit int64  `yaml:"default_limit" env:"DEFAULT_LIMIT"`
	Window       string `yaml:"window"        env:"WINDOW"`
	// SubWindows is the number of fixed buckets the window is divided into
	// for the sliding-window approximation.
	SubWindows    int               `yaml:"sub_windows"    env:"SUB_WINDOWS"`
	SearchLimit   int64             `yaml:"search_limit"   env:"SEARCH_LIMIT"`
	SourcesLimit  int64             `yaml:"sources_limit"  env:"SOURCES_LIMIT"`
	SyncLimit     int64             `yaml:"sync_limit"     env:"SYNC_LIMIT"`
	FailurePolicy FailurePolicy     `yaml:"failure_policy" env:"FAILURE_POLICY"`
	FailureCode   int               `yaml:"failure_code"   env:"FAILURE_CODE"`
	KeyPrefix     string            `yaml:"key_prefix"     env:"KEY_PREFIX"`
	KeyStrategy   KeyStrategyConfig `yaml:"key_strategy"   envPrefix:"KEY_STRATEGY_"`
}

// KeyStrategyConfig defines how the per-subject key is extracted.
type KeyStrategyConfig struct {
	Type       KeyStrategyType `yaml:"type"        env:"TYPE"`
	HeaderName string          `yaml:"header_name" env:"HEADER_NAME"`
}

// CacheConfig holds distributed response cache settings.
type CacheConfig struct {
	Enabled      bool      `yaml:"enabled"        env:"ENABLED"`
	DefaultTTL   string    `yaml:"default_ttl"    env:"DEFAULT_TTL"`
	DefaultMode  CacheMode `yaml:"default_mode"   env:"DEFAULT_MODE"`
	MaxBodySize  int64     `yaml:"max_body_size"  env:"MAX_BODY_SIZE"` // bytes; 0 = 1 MiB
	LocalMaxCost int64     `yaml:"local_max_cost" env:"LOCAL_MAX_COST"`
	KeyPrefix    string    `yaml:"key_prefix"     env:"KEY_PREFIX"`
	// Channel is the pub/sub channel invalidation messages are broadcast on.
	Channel string `yaml:"channel" env:"CHANNEL"`
}

// RegistryConfig holds service registry settings.
type RegistryConfig struct {
	HeartbeatInterval string `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	TTL               string `yaml:"ttl"                env:"TTL"`
	KeyPrefix         string `yaml:"key_prefix"         env:"KEY_PREFIX"`
	// AdvertiseAddress is the address this gateway instance registers for
	// itself. Empty skips self-registration.
	AdvertiseAddress string   `yaml:"advertise_address" env:"ADVERTISE_ADDRESS"`
	Tags             []string `yaml:"tags"              env:"TAGS" envSeparator:","`
}

// HealthConfig holds dependency probe settings.
type HealthConfig struct {
	ProbeInterval string `yaml:"probe_interval" env:"PROBE_INTERVAL"`
	ProbeTimeout  string `yaml:"probe_timeout"  env:"PROBE_TIMEOUT"`
	// DegradedLatency is the probe latency above which a healthy dependency
	// is reported as degraded.
	DegradedLatency string `yaml:"degraded_latency" env:"DEGRADED_LATENCY"`
}

// EventsConfig holds gateway event emission settings. When enabled, breaker
// transitions and rate-limit denials are batched and POSTed to an external
// collector.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"        env:"ENABLED"`
	URL           string `yaml:"url"            env:"URL"`
	BatchSize     int    `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int    `yaml:"buffer_size"    env:"BUFFER_SIZE"`
}

// RedisConfig holds the shared-store connection settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedactedString is a string that masks its value in String(), GoString(),
// and MarshalJSON() to prevent accidental leakage in logs or serialized
// output. Use .Value() to access the underlying secret.
type RedactedString string

// Value returns the underlying secret.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer, masking the secret.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString implements fmt.GoStringer, masking the secret in %#v output.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the secret in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// RedisTLSConfig holds TLS settings for Redis connections.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        ":8080",
			ReadTimeout:    "30s",
			WriteTimeout:   "30s",
			IdleTimeout:    "120s",
			DrainTimeout:   "30s",
			RequestTimeout: "60s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 0.5,
			MinCalls:         10,
			Window:           "60s",
			OpenTimeout:      "30s",
			SuccessThreshold: 3,
			HalfOpenMaxCalls: 1,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: "100ms",
			MaxBackoff:     "2s",
			Multiplier:     2.0,
		},
		RateLimit: RateLimitConfig{
			DefaultLimit:  100,
			Window:        "60s",
			SubWindows:    6,
			FailurePolicy: FailurePolicyPassThrough,
			FailureCode:   429,
			KeyPrefix:     "rl",
			KeyStrategy: KeyStrategyConfig{
				Type: KeyStrategyClientIP,
			},
		},
		Cache: CacheConfig{
			Enabled:     true,
			DefaultTTL:  "60s",
			DefaultMode: CacheModeAside,
			KeyPrefix:   "kg:cache",
			Channel:     "kg:cache:invalidate",
		},
		Registry: RegistryConfig{
			HeartbeatInterval: "10s",
			TTL:               "30s",
			KeyPrefix:         "svc",
		},
		Health: HealthConfig{
			ProbeInterval:   "15s",
			ProbeTimeout:    "5s",
			DegradedLatency: "2s",
		},
		Events: EventsConfig{
			BatchSize:     100,
			FlushInterval: "5s",
			BufferSize:    10000,
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "knowgate",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("KNOWGATE_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment
// variable overrides. The config file path defaults to
// /etc/knowgate/config.yaml and can be overridden via KNOWGATE_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile)
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "KNOWGATE_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like
// "passThrough" or env values like "PASSTHROUGH" match the canonical
// lowercase constants.
func (cfg *Config) normalize() {
	cfg.RateLimit.FailurePolicy = FailurePolicy(strings.ToLower(string(cfg.RateLimit.FailurePolicy)))
	cfg.RateLimit.KeyStrategy.Type = KeyStrategyType(strings.ToLower(string(cfg.RateLimit.KeyStrategy.Type)))
	cfg.Cache.DefaultMode = CacheMode(strings.ToLower(string(cfg.Cache.DefaultMode)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))

	for name, dep := range cfg.Dependencies {
		dep.Protocol = Protocol(strings.ToLower(string(dep.Protocol)))
		if dep.Protocol == "" {
			dep.Protocol = ProtocolHTTP
		}
		cfg.Dependencies[name] = dep
	}
}

// normalizeTLSVersion maps accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v // leave as-is; validation will catch invalid values
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateDependencies(cfg); err != nil {
		return err
	}
	if err := validateBreaker(cfg); err != nil {
		return err
	}
	if err := validateRetry(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateEvents(cfg); err != nil {
		return err
	}
	if err := validateRedis(cfg.Redis); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"server.request_timeout", cfg.Server.RequestTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"breaker.window", cfg.Breaker.Window},
		{"breaker.open_timeout", cfg.Breaker.OpenTimeout},
		{"retry.initial_backoff", cfg.Retry.InitialBackoff},
		{"retry.max_backoff", cfg.Retry.MaxBackoff},
		{"rate_limit.window", cfg.RateLimit.Window},
		{"cache.default_ttl", cfg.Cache.DefaultTTL},
		{"registry.heartbeat_interval", cfg.Registry.HeartbeatInterval},
		{"registry.ttl", cfg.Registry.TTL},
		{"health.probe_interval", cfg.Health.ProbeInterval},
		{"health.probe_timeout", cfg.Health.ProbeTimeout},
		{"health.degraded_latency", cfg.Health.DegradedLatency},
		{"events.flush_interval", cfg.Events.FlushInterval},
		{"redis.dial_timeout", cfg.Redis.DialTimeout},
		{"redis.read_timeout", cfg.Redis.ReadTimeout},
		{"redis.write_timeout", cfg.Redis.WriteTimeout},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validateDependencies(cfg *Config) error {
	for name, dep := range cfg.Dependencies {
		if dep.URL == "" {
			return fmt.Errorf("dependencies.%s.url is required", name)
		}
		if !dep.Protocol.Valid() {
			return fmt.Errorf("invalid dependencies.%s.protocol %q: must be http or grpc", name, dep.Protocol)
		}
		if dep.Timeout != "" {
			if _, err := time.ParseDuration(dep.Timeout); err != nil {
				return fmt.Errorf("invalid dependencies.%s.timeout %q: %w", name, dep.Timeout, err)
			}
		}
		if dep.CacheTTL != "" {
			if _, err := time.ParseDuration(dep.CacheTTL); err != nil {
				return fmt.Errorf("invalid dependencies.%s.cache_ttl %q: %w", name, dep.CacheTTL, err)
			}
		}
		if dep.Limit < 0 {
			return fmt.Errorf("dependencies.%s.limit must be >= 0", name)
		}
	}
	return nil
}

func validateBreaker(cfg *Config) error {
	b := cfg.Breaker
	if b.FailureThreshold <= 0 || b.FailureThreshold > 1 {
		return fmt.Errorf("breaker.failure_threshold must be in (0, 1], got %v", b.FailureThreshold)
	}
	if b.MinCalls < 1 {
		return fmt.Errorf("breaker.min_calls must be >= 1")
	}
	if b.SuccessThreshold < 1 {
		return fmt.Errorf("breaker.success_threshold must be >= 1")
	}
	if b.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("breaker.half_open_max_calls must be >= 1")
	}
	return nil
}

func validateRetry(cfg *Config) error {
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if cfg.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	rl := cfg.RateLimit
	if rl.DefaultLimit < 0 || rl.SearchLimit < 0 || rl.SourcesLimit < 0 || rl.SyncLimit < 0 {
		return fmt.Errorf("rate_limit limits must be >= 0")
	}
	if rl.SubWindows < 1 {
		return fmt.Errorf("rate_limit.sub_windows must be >= 1")
	}
	if fp := rl.FailurePolicy; fp != "" && !fp.Valid() {
		return fmt.Errorf("invalid rate_limit.failure_policy %q: must be passthrough, failclosed, or inmemoryfallback", fp)
	}
	if rl.FailureCode != 0 && (rl.FailureCode < 400 || rl.FailureCode > 599) {
		return fmt.Errorf("invalid rate_limit.failure_code %d: must be 4xx or 5xx", rl.FailureCode)
	}
	return validateKeyStrategy(rl.KeyStrategy)
}

func validateKeyStrategy(ks KeyStrategyConfig) error {
	if ks.Type != "" && !ks.Type.Valid() {
		return fmt.Errorf("unknown rate_limit.key_strategy.type %q", ks.Type)
	}
	if (ks.Type == KeyStrategyHeader || ks.Type == KeyStrategyComposite) && ks.HeaderName == "" {
		return fmt.Errorf("rate_limit.key_strategy.header_name is required when type is %q", ks.Type)
	}
	return nil
}

func validateEvents(cfg *Config) error {
	if cfg.Events.Enabled && cfg.Events.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}
	return nil
}

func validateRedis(rc RedisConfig) error {
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	if rc.Mode == RedisModeReplication && len(rc.Endpoints) < 2 {
		return fmt.Errorf("redis.endpoints: replication mode requires at least 2 endpoints, got %d", len(rc.Endpoints))
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if s is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or
// invalid input. Use only after Validate has checked the field.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}
