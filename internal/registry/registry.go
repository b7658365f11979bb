// Package registry implements Redis-backed service discovery. Each instance
// registers itself under a TTL-guarded key and refreshes it with heartbeats;
// instances that stop heartbeating fall out of resolution once the TTL
// lapses. A set per service name indexes the live instance IDs.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/knowgate/knowgate/internal/redis"
)

// Instance is a single registered service instance.
type Instance struct {
	ID            string    `json:"id"`
	Service       string    `json:"service"`
	Address       string    `json:"address"`
	Tags          []string  `json:"tags,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// NoHealthyInstanceError is returned by Resolve when a service has no live
// instances.
type NoHealthyInstanceError struct {
	Service string
}

func (e *NoHealthyInstanceError) Error() string {
	return fmt.Sprintf("no healthy instance for service %q", e.Service)
}

// Registry reads and writes instance records in Redis. All methods are safe
// for concurrent use.
type Registry struct {
	client    redis.Client
	logger    *slog.Logger
	keyPrefix string
	ttl       time.Duration

	// rr holds per-service round-robin cursors for Pick.
	rr sync.Map // service -> *atomic.Uint64

	OnResolved       func(service string)
	OnResolveFailure func(service string)
}

// Config controls registry key layout and instance lifetime.
type Config struct {
	// KeyPrefix namespaces all registry keys, e.g. "svc".
	KeyPrefix string
	// TTL is how long a registration survives without a heartbeat.
	TTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "svc"
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	return c
}

// New creates a Registry on the given Redis client.
func New(client redis.Client, cfg Config, logger *slog.Logger) *Registry {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		client:    client,
		logger:    logger,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.TTL,
	}
}

// TTL returns the registration lifetime.
func (r *Registry) TTL() time.Duration { return r.ttl }

func (r *Registry) instanceKey(service, id string) string {
	return r.keyPrefix + ":reg:" + service + ":" + id
}

func (r *Registry) indexKey(service string) string {
	return r.keyPrefix + ":idx:" + service
}

// Register writes the instance record with the registry TTL and adds it to
// the service index. Registering the same instance again refreshes the
// record in place; RegisteredAt is preserved when the record already exists.
func (r *Registry) Register(ctx context.Context, inst Instance) error {
	if inst.Service == "" {
		return fmt.Errorf("registry: instance service name is required")
	}
	if inst.ID == "" {
		return fmt.Errorf("registry: instance id is required")
	}

	now := time.Now()
	inst.LastHeartbeat = now
	if inst.RegisteredAt.IsZero() {
		inst.RegisteredAt = now
	}
	if prev, err := r.get(ctx, inst.Service, inst.ID); err == nil {
		inst.RegisteredAt = prev.RegisteredAt
	}

	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("registry: marshal instance: %w", err)
	}
	if err := r.client.Set(ctx, r.instanceKey(inst.Service, inst.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("registry: register %s/%s: %w", inst.Service, inst.ID, err)
	}
	if err := r.client.SAdd(ctx, r.indexKey(inst.Service), inst.ID).Err(); err != nil {
		return fmt.Errorf("registry: index %s/%s: %w", inst.Service, inst.ID, err)
	}

	r.logger.Debug("registry: registered", "service", inst.Service, "instance", inst.ID, "address", inst.Address)
	return nil
}

// Deregister removes the instance record and its index entry. Deregistering
// an unknown instance is not an error.
func (r *Registry) Deregister(ctx context.Context, service, id string) error {
	if err := r.client.Del(ctx, r.instanceKey(service, id)).Err(); err != nil {
		return fmt.Errorf("registry: deregister %s/%s: %w", service, id, err)
	}
	if err := r.client.SRem(ctx, r.indexKey(service), id).Err(); err != nil {
		return fmt.Errorf("registry: unindex %s/%s: %w", service, id, err)
	}

	r.logger.Debug("registry: deregistered", "service", service, "instance", id)
	return nil
}

// Heartbeat refreshes the instance TTL and its LastHeartbeat timestamp.
// Returns an error if the registration has already expired; the caller
// should re-register.
func (r *Registry) Heartbeat(ctx context.Context, service, id string) error {
	inst, err := r.get(ctx, service, id)
	if err != nil {
		return fmt.Errorf("registry: heartbeat %s/%s: registration expired or missing: %w", service, id, err)
	}

	inst.LastHeartbeat = time.Now()
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("registry: marshal instance: %w", err)
	}
	if err := r.client.Set(ctx, r.instanceKey(service, id), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("registry: heartbeat %s/%s: %w", service, id, err)
	}
	return nil
}

// Resolve returns all live instances of the service, pruning index entries
// whose records have expired. Returns NoHealthyInstanceError when none
// remain.
func (r *Registry) Resolve(ctx context.Context, service string) ([]Instance, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey(service)).Result()
	if err != nil {
		r.resolveFailure(service)
		return nil, fmt.Errorf("registry: resolve %s: %w", service, err)
	}

	instances := make([]Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := r.get(ctx, service, id)
		if err != nil {
			// Record expired but the index entry lingered. Prune it.
			if remErr := r.client.SRem(ctx, r.indexKey(service), id).Err(); remErr != nil {
				r.logger.Debug("registry: prune failed", "service", service, "instance", id, "error", remErr)
			}
			continue
		}
		instances = append(instances, inst)
	}

	if len(instances) == 0 {
		r.resolveFailure(service)
		return nil, &NoHealthyInstanceError{Service: service}
	}

	r.resolved(service)
	return instances, nil
}

// Pick resolves the service and returns one instance, rotating round-robin
// across calls.
func (r *Registry) Pick(ctx context.Context, service string) (Instance, error) {
	instances, err := r.Resolve(ctx, service)
	if err != nil {
		return Instance{}, err
	}

	v, _ := r.rr.LoadOrStore(service, &atomic.Uint64{})
	cursor := v.(*atomic.Uint64)
	n := cursor.Add(1) - 1
	return instances[n%uint64(len(instances))], nil
}

// Services returns the names of all services with at least one index entry.
func (r *Registry) Services(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		names  []string
		seen   = map[string]struct{}{}
		prefix = r.keyPrefix + ":idx:"
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", 256).Result()
		if err != nil {
			return nil, fmt.Errorf("registry: list services: %w", err)
		}
		for _, k := range keys {
			name := k[len(prefix):]
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				names = append(names, name)
			}
		}
		if next == 0 {
			return names, nil
		}
		cursor = next
	}
}

func (r *Registry) get(ctx context.Context, service, id string) (Instance, error) {
	data, err := r.client.Get(ctx, r.instanceKey(service, id)).Bytes()
	if err != nil {
		return Instance{}, err
	}
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return Instance{}, fmt.Errorf("registry: unmarshal instance %s/%s: %w", service, id, err)
	}
	return inst, nil
}

func (r *Registry) resolved(service string) {
	if r.OnResolved != nil {
		r.OnResolved(service)
	}
}

func (r *Registry) resolveFailure(service string) {
	if r.OnResolveFailure != nil {
		r.OnResolveFailure(service)
	}
}

// NewInstanceID returns a fresh unique instance identifier.
func NewInstanceID() string {
	return uuid.NewString()
}
