package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Registrar keeps one instance registered: it registers on Start, refreshes
// the registration on a heartbeat ticker, re-registers if the record expires,
// and deregisters on Stop.
type Registrar struct {
	registry *Registry
	instance Instance
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistrar creates a Registrar for the given instance. An empty
// instance ID gets a generated one. The heartbeat interval should be well
// under the registry TTL; anything not positive defaults to a third of it.
func NewRegistrar(reg *Registry, inst Instance, interval time.Duration, logger *slog.Logger) *Registrar {
	if inst.ID == "" {
		inst.ID = NewInstanceID()
	}
	if interval <= 0 {
		interval = reg.TTL() / 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{
		registry: reg,
		instance: inst,
		interval: interval,
		logger:   logger,
	}
}

// Instance returns the registered instance, including its generated ID.
func (r *Registrar) Instance() Instance { return r.instance }

// Start registers the instance and launches the heartbeat loop. Returns the
// initial registration error, if any; heartbeat failures after that are
// logged and retried.
func (r *Registrar) Start(ctx context.Context) error {
	if err := r.registry.Register(ctx, r.instance); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(loopCtx, r.done)
	return nil
}

// Stop halts the heartbeat loop and deregisters the instance.
func (r *Registrar) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	return r.registry.Deregister(ctx, r.instance.Service, r.instance.ID)
}

func (r *Registrar) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.registry.Heartbeat(ctx, r.instance.Service, r.instance.ID)
			if err == nil {
				continue
			}
			r.logger.Warn("registry: heartbeat failed, re-registering",
				"service", r.instance.Service, "instance", r.instance.ID, "error", err)
			if err := r.registry.Register(ctx, r.instance); err != nil {
				r.logger.Error("registry: re-register failed",
					"service", r.instance.Service, "instance", r.instance.ID, "error", err)
			}
		}
	}
}
