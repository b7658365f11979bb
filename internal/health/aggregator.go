package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/knowgate/knowgate/internal/breaker"
	"github.com/knowgate/knowgate/internal/config"
)

// Config holds the probe loop parameters.
type Config struct {
	ProbeInterval   time.Duration
	ProbeTimeout    time.Duration
	DegradedLatency time.Duration
}

// ConfigFrom parses the duration strings out of the gateway configuration.
func ConfigFrom(hc config.HealthConfig) Config {
	return Config{
		ProbeInterval:   config.MustParseDuration(hc.ProbeInterval, 15*time.Second),
		ProbeTimeout:    config.MustParseDuration(hc.ProbeTimeout, 5*time.Second),
		DegradedLatency: config.MustParseDuration(hc.DegradedLatency, 0),
	}
}

// Check is one dependency's entry in the health document.
type Check struct {
	Status         Status  `json:"status"`
	LatencyMS      float64 `json:"latency_ms"`
	CircuitBreaker string  `json:"circuit_breaker"`
	LastCheckedAt  string  `json:"last_checked_at,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// Document is the aggregated health view served by the admin endpoints.
type Document struct {
	Status Status           `json:"status"`
	Checks map[string]Check `json:"checks"`
}

// probeResult is the last outcome recorded for a target.
type probeResult struct {
	latency   time.Duration
	err       error
	checkedAt time.Time
}

// Aggregator runs probe loops for every target and merges their latest
// results with circuit breaker states into a Document.
type Aggregator struct {
	targets  []Target
	probers  map[string]Prober
	breakers *breaker.Registry
	logger   *slog.Logger

	interval        time.Duration
	probeTimeout    time.Duration
	degradedLatency time.Duration

	mu      sync.RWMutex
	results map[string]probeResult

	cancel context.CancelFunc
	done   chan struct{}

	// OnProbe receives every probe latency; wired to metrics.
	OnProbe func(dependency string, latency time.Duration)
	// OnHealthy fires after each successful probe; wired to registry
	// heartbeats for statically seeded dependencies.
	OnHealthy func(ctx context.Context, dependency string)
}

// NewAggregator creates an Aggregator for the given targets. Probers are
// chosen per target protocol.
func NewAggregator(targets []Target, breakers *breaker.Registry, cfg Config, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.ProbeInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	probers := make(map[string]Prober, len(targets))
	for _, t := range targets {
		probers[t.Name] = NewProber(t, timeout)
	}

	return &Aggregator{
		targets:         targets,
		probers:         probers,
		breakers:        breakers,
		logger:          logger,
		interval:        interval,
		probeTimeout:    timeout,
		degradedLatency: cfg.DegradedLatency,
		results:         make(map[string]probeResult, len(targets)),
	}
}

// Start launches the probe loop. Probes run immediately, then on every
// interval tick, independent of request traffic.
func (a *Aggregator) Start() {
	if a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.loop(ctx)
}

// Stop halts the probe loop and closes all probers.
func (a *Aggregator) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
	a.cancel = nil

	for name, p := range a.probers {
		if err := p.Close(); err != nil {
			a.logger.Debug("health: prober close failed", "dependency", name, "error", err)
		}
	}
}

func (a *Aggregator) loop(ctx context.Context) {
	defer close(a.done)

	a.ProbeAll(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes every target concurrently and records the results.
func (a *Aggregator) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range a.targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			a.probe(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (a *Aggregator) probe(ctx context.Context, t Target) {
	probeCtx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()

	latency, err := a.probers[t.Name].Probe(probeCtx)

	a.mu.Lock()
	a.results[t.Name] = probeResult{latency: latency, err: err, checkedAt: time.Now()}
	a.mu.Unlock()

	if a.OnProbe != nil {
		a.OnProbe(t.Name, latency)
	}
	if err != nil {
		a.logger.Warn("health: probe failed", "dependency", t.Name, "latency", latency, "error", err)
		return
	}
	if a.OnHealthy != nil {
		a.OnHealthy(ctx, t.Name)
	}
}

// Snapshot returns the current health document. Overall status is worst-of:
// a critical dependency that is unhealthy makes the gateway unhealthy; any
// other degradation (slow probes, open breakers, non-critical failures)
// makes it degraded.
func (a *Aggregator) Snapshot() Document {
	a.mu.RLock()
	defer a.mu.RUnlock()

	doc := Document{
		Status: StatusHealthy,
		Checks: make(map[string]Check, len(a.targets)),
	}

	for _, t := range a.targets {
		check := a.check(t)
		doc.Checks[t.Name] = check

		switch {
		case check.Status == StatusUnhealthy && t.Critical:
			doc.Status = StatusUnhealthy
		case check.Status != StatusHealthy:
			doc.Status = worse(doc.Status, StatusDegraded)
		}
	}
	return doc
}

func (a *Aggregator) check(t Target) Check {
	state := a.breakers.State(t.Name)

	res, probed := a.results[t.Name]
	check := Check{
		Status:         StatusHealthy,
		CircuitBreaker: state.String(),
	}
	if probed {
		check.LatencyMS = float64(res.latency) / float64(time.Millisecond)
		check.LastCheckedAt = res.checkedAt.UTC().Format(time.RFC3339)
	}

	switch {
	case probed && res.err != nil:
		check.Status = StatusUnhealthy
		check.Error = res.err.Error()
	case state == breaker.StateOpen:
		check.Status = StatusUnhealthy
	case state == breaker.StateHalfOpen:
		check.Status = StatusDegraded
	case probed && a.degradedLatency > 0 && res.latency >= a.degradedLatency:
		check.Status = StatusDegraded
	case !probed:
		// Not probed yet; report degraded rather than guessing healthy.
		check.Status = StatusDegraded
	}
	return check
}
