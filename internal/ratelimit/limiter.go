// Package ratelimit implements distributed sliding-window rate limiting
// using Redis with a Lua script for atomicity, plus an in-memory fallback
// for when Redis is unavailable. The window is approximated by fixed
// sub-window counters summed over the trailing window, so one check is a
// single atomic Redis round trip and memory per key is bounded by the
// sub-window count.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/knowgate/knowgate/internal/redis"
)

// ErrLimiterClosed is returned when Allow is called after Close.
var ErrLimiterClosed = errors.New("limiter is closed")

// slidingWindowLua is the Lua source for atomic sliding-window limiting.
//
// The window is divided into fixed sub-windows; each holds a counter under
// KEYS[1] .. ":" .. <sub-window index>. A check sums the counters covering
// the trailing window, denies when the sum has reached the limit, and
// otherwise increments the current sub-window. Keys derived from KEYS[1]
// share its cluster slot because the key builder wraps the identity in a
// hash tag.
//
// Returns {allowed (0|1), remaining, limit, reset_at_micros, retry_after_micros}.
//
// Keys: KEYS[1] = base key (hash-tagged).
// Args: ARGV[1] = limit, ARGV[2] = window (μs), ARGV[3] = sub-window count,
// ARGV[4] = now (μs).
const slidingWindowLua = `
local base    = KEYS[1]
local limit   = tonumber(ARGV[1])
local window  = tonumber(ARGV[2])
local buckets = tonumber(ARGV[3])
local now     = tonumber(ARGV[4])

if limit <= 0 then
  return {1, -1, 0, 0, 0}
end

local span = math.floor(window / buckets)
if span < 1 then
  span = 1
end
local cur = math.floor(now / span)

local total = 0
local oldest = cur
for i = 0, buckets - 1 do
  local c = tonumber(redis.call('get', base .. ':' .. (cur - i)) or '0')
  if c > 0 then
    total = total + c
    oldest = cur - i
  end
end

if total >= limit then
  -- The window frees up when the oldest counted sub-window slides out.
  local reset = (oldest + buckets) * span
  local retry = reset - now
  if retry < 0 then
    retry = 0
  end
  return {0, 0, limit, reset, retry}
end

local cur_key = base .. ':' .. cur
local count = redis.call('incr', cur_key)
if count == 1 then
  redis.call('pexpire', cur_key, math.ceil((window + span) / 1000))
end

return {1, limit - total - 1, limit, (cur + 1) * span, 0}
`

// slidingWindowScript uses go-redis to compute the SHA1 hash that Redis
// expects for EVALSHA, avoiding a direct crypto/sha1 import here.
var slidingWindowScript = goredis.NewScript(slidingWindowLua)

// Config holds the limit parameters for one namespace.
type Config struct {
	Limit      int64 // requests per window; <= 0 disables the check
	Window     time.Duration
	SubWindows int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.SubWindows < 1 {
		c.SubWindows = 6
	}
	return c
}

// Result holds the parsed result of a rate-limit check.
type Result struct {
	Allowed    bool
	Remaining  int64 // -1 when the namespace is unlimited
	Limit      int64
	ResetAt    time.Time     // when quota next frees up
	RetryAfter time.Duration // meaningful only when Allowed == false
}

// ExceededError is returned by Check when the quota for (namespace, key)
// is spent.
type ExceededError struct {
	Namespace string
	Key       string
	Limit     int64
	ResetAt   time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s:%s (limit %d, resets %s)",
		e.Namespace, e.Key, e.Limit, e.ResetAt.Format(time.RFC3339))
}

// Limiter performs sliding-window rate limiting against Redis. Independent
// namespaces (subject, ip, per-service, per-route) each carry their own
// limit and window; one request may pass through several checks.
type Limiter struct {
	client    redis.Client
	logger    *slog.Logger
	src       string // Lua source text (for EVAL fallback)
	hash      string // SHA1 hex digest (for EVALSHA)
	keyPrefix string
	closed    atomic.Bool

	mu         sync.RWMutex
	defaults   Config
	namespaces map[string]Config
}

// NewLimiter creates a Redis-backed sliding-window limiter. The defaults
// apply to any namespace without an explicit SetNamespace.
func NewLimiter(client redis.Client, defaults Config, prefix string, logger *slog.Logger) *Limiter {
	if prefix == "" {
		prefix = "rl"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		client:     client,
		logger:     logger,
		src:        slidingWindowLua,
		hash:       slidingWindowScript.Hash(),
		keyPrefix:  prefix,
		defaults:   defaults.withDefaults(),
		namespaces: make(map[string]Config),
	}
}

// SetNamespace installs (or replaces) the limit parameters for a namespace.
// Safe to call at runtime; config reload re-applies per-route limits here.
func (l *Limiter) SetNamespace(namespace string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.namespaces[namespace] = cfg.withDefaults()
}

// SetDefaults replaces the fallback parameters used by namespaces without
// an explicit config.
func (l *Limiter) SetDefaults(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defaults = cfg.withDefaults()
}

func (l *Limiter) configFor(namespace string) Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if cfg, ok := l.namespaces[namespace]; ok {
		return cfg
	}
	return l.defaults
}

// key builds the Redis base key. The hash tag keeps every derived
// sub-window key in the same cluster slot.
func (l *Limiter) key(namespace, key string) string {
	return l.keyPrefix + ":{" + namespace + ":" + key + "}"
}

// evalScript executes the Lua script via EVALSHA, falling back to EVAL on
// NOSCRIPT. This avoids sending the Lua source on every request.
func (l *Limiter) evalScript(ctx context.Context, keys []string, args ...any) (interface{ Slice() ([]any, error) }, error) {
	cmd := l.client.EvalSha(ctx, l.hash, keys, args...)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		l.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL",
			"key", keys[0], "error", cmd.Err())
		cmd = l.client.Eval(ctx, l.src, keys, args...)
	}
	if cmd.Err() != nil {
		return nil, cmd.Err()
	}
	return cmd, nil
}

// Allow checks whether the request identified by (namespace, key) fits the
// namespace's window. The check and increment happen atomically in Redis.
func (l *Limiter) Allow(ctx context.Context, namespace, key string) (*Result, error) {
	if l.closed.Load() {
		return nil, ErrLimiterClosed
	}

	cfg := l.configFor(namespace)
	if cfg.Limit <= 0 {
		return &Result{Allowed: true, Remaining: -1}, nil
	}

	now := time.Now().UnixMicro()
	cmd, err := l.evalScript(ctx, []string{l.key(namespace, key)},
		cfg.Limit, cfg.Window.Microseconds(), cfg.SubWindows, now)
	if err != nil {
		return nil, err
	}

	return parseScriptResult(cmd)
}

// Check is Allow folded into the error domain: denial comes back as
// *ExceededError, carrying the reset time for Retry-After headers.
func (l *Limiter) Check(ctx context.Context, namespace, key string) (*Result, error) {
	res, err := l.Allow(ctx, namespace, key)
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		return res, &ExceededError{
			Namespace: namespace,
			Key:       key,
			Limit:     res.Limit,
			ResetAt:   res.ResetAt,
		}
	}
	return res, nil
}

// Close marks the limiter as closed and closes the underlying Redis client.
func (l *Limiter) Close() error {
	l.closed.Store(true)
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client (used for lifecycle management).
func (l *Limiter) Client() redis.Client {
	return l.client
}

// parseScriptResult parses the Lua
// {allowed, remaining, limit, reset_at_micros, retry_after_micros} response.
func parseScriptResult(cmd interface{ Slice() ([]any, error) }) (*Result, error) {
	arr, err := cmd.Slice()
	if err != nil {
		return nil, fmt.Errorf("reading script result: %w", err)
	}

	if len(arr) != 5 {
		return nil, fmt.Errorf("script returned %d elements, want 5", len(arr))
	}

	vals := make([]int64, 5)
	for i, v := range arr {
		n, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("parsing script result[%d]: %w", i, err)
		}
		vals[i] = n
	}

	return &Result{
		Allowed:    vals[0] == 1,
		Remaining:  vals[1],
		Limit:      vals[2],
		ResetAt:    time.UnixMicro(vals[3]),
		RetryAfter: time.Duration(vals[4]) * time.Microsecond,
	}, nil
}

// toInt64 converts a Redis response value to int64.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}
