// Package cache provides the gateway's distributed response cache: entries
// live in Redis so every instance sees them, with a ristretto local layer
// in front for hot keys. Concurrent computes for the same key are collapsed
// with singleflight, and invalidation patterns are broadcast over Redis
// pub/sub so all instances evict together.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/knowgate/knowgate/internal/redis"
)

const defaultMaxBodySize = 1 << 20 // 1 MiB

// defaultLocalMaxCost is the memory budget for the local layer (32 MiB).
const defaultLocalMaxCost = 32 << 20

// ErrTooLarge is returned by Put when the value exceeds the configured
// maximum body size.
var ErrTooLarge = errors.New("cache: value exceeds max body size")

// Entry is a cached value with its freshness metadata.
type Entry struct {
	Key       string        `json:"key"`
	Value     []byte        `json:"value"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
	// Version increments on every overwrite of the same key.
	Version int64 `json:"version"`
}

// Expired reports whether the entry is past its TTL. Expired entries are
// treated as absent even if a storage layer still holds them.
func (e *Entry) Expired() bool {
	return time.Since(e.CreatedAt) >= e.TTL
}

// invalidation is the message broadcast on the pub/sub channel.
type invalidation struct {
	KeyPattern string `json:"keyPattern"`
}

// Store is the two-level cache. All methods are safe for concurrent use.
type Store struct {
	client      redis.Client
	local       *ristretto.Cache[string, *Entry]
	group       singleflight.Group
	logger      *slog.Logger
	keyPrefix   string
	channel     string
	maxBodySize int64

	// localKeys tracks which keys the local layer may hold, so pattern
	// invalidation can enumerate them (ristretto has no iteration).
	localKeys sync.Map // key -> struct{}

	OnHit   func()
	OnMiss  func()
	OnStale func()
	OnStore func()
	OnEvict func()
}

// Option configures a Store.
type Option func(*Store)

// WithMaxBodySize sets the maximum cacheable value size in bytes.
func WithMaxBodySize(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxBodySize = n
		}
	}
}

// WithLogger sets the logger for debug/error messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKeyPrefix overrides the Redis key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// WithChannel overrides the pub/sub invalidation channel.
func WithChannel(channel string) Option {
	return func(s *Store) {
		if channel != "" {
			s.channel = channel
		}
	}
}

// WithLocalMaxCost sets the local layer's memory budget in bytes.
func WithLocalMaxCost(n int64) Option {
	return func(s *Store) {
		if n <= 0 {
			return
		}
		local, err := newLocal(n)
		if err == nil {
			s.local.Close()
			s.local = local
		}
	}
}

func newLocal(maxCost int64) (*ristretto.Cache[string, *Entry], error) {
	return ristretto.NewCache(&ristretto.Config[string, *Entry]{
		NumCounters: maxCost / 1024 * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
}

// NewStore creates a distributed cache backed by the given Redis client.
func NewStore(client redis.Client, opts ...Option) *Store {
	local, err := newLocal(defaultLocalMaxCost)
	if err != nil {
		// Only fails with invalid config; the defaults are always valid.
		panic("ristretto: " + err.Error())
	}

	s := &Store{
		client:      client,
		local:       local,
		logger:      slog.Default(),
		keyPrefix:   "kg:cache:",
		channel:     "kg:cache:invalidate",
		maxBodySize: defaultMaxBodySize,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// MaxBodySize returns the configured maximum cacheable value size.
func (s *Store) MaxBodySize() int64 { return s.maxBodySize }

// Get retrieves a fresh entry by key, checking the local layer first.
// Returns nil, false on miss or when the entry has expired.
func (s *Store) Get(ctx context.Context, key string) (*Entry, bool) {
	if e, ok := s.local.Get(key); ok {
		if !e.Expired() {
			s.hit()
			return e, true
		}
		s.local.Del(key)
		s.localKeys.Delete(key)
		s.stale()
	}

	data, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if err != nil {
		s.miss()
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		s.logger.Debug("cache: unmarshal error", "key", key, "error", err)
		s.miss()
		return nil, false
	}
	if e.Expired() {
		s.stale()
		return nil, false
	}

	s.storeLocal(&e)
	s.hit()
	return &e, true
}

// Put stores a value with the given TTL in both layers (write-through).
// The entry version increments on overwrite.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if int64(len(value)) > s.maxBodySize {
		return ErrTooLarge
	}

	version := int64(1)
	if data, err := s.client.Get(ctx, s.keyPrefix+key).Bytes(); err == nil {
		var prev Entry
		if json.Unmarshal(data, &prev) == nil {
			version = prev.Version + 1
		}
	}

	e := &Entry{
		Key:       key,
		Value:     value,
		CreatedAt: time.Now(),
		TTL:       ttl,
		Version:   version,
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, data, ttl).Err(); err != nil {
		return err
	}

	s.storeLocal(e)
	if s.OnStore != nil {
		s.OnStore()
	}
	s.logger.Debug("cache: stored", "key", key, "ttl", ttl, "size", len(value), "version", version)
	return nil
}

// GetOrCompute returns the cached value for key, computing and storing it
// on miss. Concurrent callers for the same key share one compute; losers
// receive the winner's result. Compute failures are not cached.
func (s *Store) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	if e, ok := s.Get(ctx, key); ok {
		return e.Value, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		// Re-check: another flight may have populated between the miss
		// and the flight starting.
		if e, ok := s.Get(ctx, key); ok {
			return e.Value, nil
		}

		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if putErr := s.Put(ctx, key, value, ttl); putErr != nil && !errors.Is(putErr, ErrTooLarge) {
			s.logger.Debug("cache: populate failed", "key", key, "error", putErr)
		}
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Delete removes a single entry from both layers.
func (s *Store) Delete(ctx context.Context, key string) bool {
	s.local.Del(key)
	s.localKeys.Delete(key)

	n, err := s.client.Del(ctx, s.keyPrefix+key).Result()
	if err != nil || n == 0 {
		return false
	}
	if s.OnEvict != nil {
		s.OnEvict()
	}
	return true
}

// Invalidate evicts every entry matching the glob pattern (e.g. "user:*")
// from this instance and broadcasts the pattern so all other instances
// evict their local layers too. Shared entries are removed from Redis here;
// subscribers only clear local state.
func (s *Store) Invalidate(ctx context.Context, pattern string) error {
	s.evictLocal(pattern)

	if err := s.evictShared(ctx, pattern); err != nil {
		return err
	}

	msg, err := json.Marshal(invalidation{KeyPattern: pattern})
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.channel, msg).Err(); err != nil {
		return err
	}

	s.logger.Debug("cache: invalidated", "pattern", pattern)
	return nil
}

// evictShared deletes matching entries from Redis using SCAN + DEL.
func (s *Store) evictShared(ctx context.Context, pattern string) error {
	var cursor uint64
	match := s.keyPrefix + pattern
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
			if s.OnEvict != nil {
				for range keys {
					s.OnEvict()
				}
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// evictLocal removes matching keys from the local layer.
func (s *Store) evictLocal(pattern string) {
	s.localKeys.Range(func(k, _ any) bool {
		key := k.(string)
		if ok, _ := path.Match(pattern, key); ok {
			s.local.Del(key)
			s.localKeys.Delete(key)
		}
		return true
	})
}

// Subscribe runs the invalidation receive loop until ctx is canceled.
// Each received pattern evicts matching local entries; the publisher
// already removed the shared copies. Run on its own goroutine.
func (s *Store) Subscribe(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		sub := s.client.Subscribe(ctx, s.channel)
		ch := sub.Channel()

	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var inv invalidation
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					s.logger.Debug("cache: bad invalidation message", "error", err)
					continue
				}
				s.evictLocal(inv.KeyPattern)
			}
		}

		_ = sub.Close()
		// Subscription dropped (connection loss, failover). Back off
		// briefly and re-subscribe.
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// Close releases the local layer. The Redis client is shared and closed by
// its owner.
func (s *Store) Close() {
	s.local.Close()
}

func (s *Store) storeLocal(e *Entry) {
	remaining := e.TTL - time.Since(e.CreatedAt)
	if remaining <= 0 {
		return
	}
	s.local.SetWithTTL(e.Key, e, int64(len(e.Value))+64, remaining)
	s.localKeys.Store(e.Key, struct{}{})
}

func (s *Store) hit() {
	if s.OnHit != nil {
		s.OnHit()
	}
}

func (s *Store) miss() {
	if s.OnMiss != nil {
		s.OnMiss()
	}
}

func (s *Store) stale() {
	if s.OnStale != nil {
		s.OnStale()
	}
}
