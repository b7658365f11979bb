// Package breaker implements per-dependency circuit breaking with a rolling
// failure-ratio window and a bounded half-open probe budget. One Registry
// serves all dependencies; breakers are created lazily on first use.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// State is a circuit breaker state. The numeric values are published as a
// Prometheus gauge, so they are part of the monitoring contract.
type State int

const (
	StateClosed   State = 0
	StateHalfOpen State = 1
	StateOpen     State = 2
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// OpenError is returned when a call is rejected because the circuit is open
// (or the half-open probe budget is exhausted). RetryAfter indicates when
// the next probe may be admitted.
type OpenError struct {
	Dependency string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (retry after %s)", e.Dependency, e.RetryAfter.Round(time.Millisecond))
}

// Settings tunes the breaker state machine. Shared by all dependencies.
type Settings struct {
	// FailureThreshold is the failure ratio (0..1] that trips the breaker
	// once MinCalls have been observed within the rolling window.
	FailureThreshold float64
	MinCalls         int64
	Window           time.Duration
	// OpenTimeout is how long the breaker stays open before admitting
	// half-open probes.
	OpenTimeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the circuit.
	SuccessThreshold int64
	// HalfOpenMaxCalls bounds concurrent half-open probes.
	HalfOpenMaxCalls int64
	// IsFailure classifies an operation error as a breaker failure. Nil
	// means every non-nil error counts. Callers exclude errors that say
	// nothing about dependency health (e.g. remote 4xx).
	IsFailure func(error) bool
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 || s.FailureThreshold > 1 {
		s.FailureThreshold = 0.5
	}
	if s.MinCalls < 1 {
		s.MinCalls = 10
	}
	if s.Window <= 0 {
		s.Window = time.Minute
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.SuccessThreshold < 1 {
		s.SuccessThreshold = 3
	}
	if s.HalfOpenMaxCalls < 1 {
		s.HalfOpenMaxCalls = 1
	}
	return s
}

// TransitionHook observes breaker state transitions. Hooks run outside the
// breaker mutex and must not call back into the Registry synchronously.
type TransitionHook func(dependency string, from, to State, at time.Time)

// Registry holds one breaker per dependency.
type Registry struct {
	settings atomic.Pointer[Settings]

	mu       sync.RWMutex
	breakers map[string]*breaker
	hooks    []TransitionHook
}

// NewRegistry creates a breaker registry with the given settings.
func NewRegistry(s Settings) *Registry {
	r := &Registry{breakers: make(map[string]*breaker)}
	def := s.withDefaults()
	r.settings.Store(&def)
	return r
}

// OnTransition registers a transition hook. Not safe to call concurrently
// with Execute; register hooks during wiring.
func (r *Registry) OnTransition(hook TransitionHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// UpdateSettings swaps the breaker settings. Existing breakers pick up the
// new values on their next call; open/half-open state is preserved.
func (r *Registry) UpdateSettings(s Settings) {
	def := s.withDefaults()
	r.settings.Store(&def)
}

// Execute runs op under the breaker for dependency. When the circuit is
// open it returns *OpenError without invoking op. The op error is returned
// unchanged either way.
func (r *Registry) Execute(ctx context.Context, dependency string, op func(context.Context) error) error {
	b := r.breaker(dependency)

	probe, err := b.allow()
	if err != nil {
		return err
	}

	opErr := op(ctx)

	s := r.settings.Load()
	failed := opErr != nil
	if s.IsFailure != nil {
		failed = s.IsFailure(opErr)
	}
	b.record(failed, probe)

	return opErr
}

// State returns the current state for a dependency. Unknown dependencies
// report closed.
func (r *Registry) State(dependency string) State {
	r.mu.RLock()
	b, ok := r.breakers[dependency]
	r.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return b.currentState()
}

// Snapshot returns the current state of every known breaker.
func (r *Registry) Snapshot() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.currentState()
	}
	return out
}

func (r *Registry) breaker(dependency string) *breaker {
	r.mu.RLock()
	b, ok := r.breakers[dependency]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[dependency]; ok {
		return b
	}
	b = &breaker{registry: r, dependency: dependency, state: StateClosed}
	r.breakers[dependency] = b
	return b
}

func (r *Registry) fire(dependency string, from, to State, at time.Time) {
	r.mu.RLock()
	hooks := r.hooks
	r.mu.RUnlock()
	for _, h := range hooks {
		h(dependency, from, to, at)
	}
}

// transitionEvent is a queued hook invocation, drained after b.mu is
// released so hooks never run under the breaker mutex.
type transitionEvent struct {
	from, to State
	at       time.Time
}

// breaker is the per-dependency state machine. All fields are guarded by mu
// except probes, which is swapped under mu and acquired lock-free.
type breaker struct {
	registry   *Registry
	dependency string

	mu          sync.Mutex
	state       State
	windowStart time.Time
	totalCalls  int64
	failures    int64
	openedAt    time.Time

	halfOpenSuccesses int64
	probes            *semaphore.Weighted
	pending           []transitionEvent
}

// allow decides whether a call may proceed. A non-nil probe is the
// half-open slot the call holds; record must release exactly that slot.
// Each half-open round gets a fresh semaphore, so the pointer also
// identifies the round the probe belongs to.
func (b *breaker) allow() (probe *semaphore.Weighted, err error) {
	s := b.registry.settings.Load()

	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil, nil

	case StateOpen:
		elapsed := time.Since(b.openedAt)
		if elapsed < s.OpenTimeout {
			retry := s.OpenTimeout - elapsed
			b.mu.Unlock()
			return nil, &OpenError{Dependency: b.dependency, RetryAfter: retry}
		}
		// Timeout elapsed: admit probes.
		b.transition(StateHalfOpen, s)
		fallthrough

	case StateHalfOpen:
		sem := b.probes
		b.unlockAndFire()
		if sem == nil || !sem.TryAcquire(1) {
			return nil, &OpenError{Dependency: b.dependency, RetryAfter: s.OpenTimeout}
		}
		return sem, nil
	}

	b.mu.Unlock()
	return nil, nil
}

// record folds a call outcome into the state machine.
func (b *breaker) record(failed bool, probe *semaphore.Weighted) {
	s := b.registry.settings.Load()

	b.mu.Lock()

	if probe != nil {
		probe.Release(1)
		if probe != b.probes {
			// The probe belongs to an earlier half-open round; the breaker
			// reopened or closed while it was in flight. Its outcome says
			// nothing about the current round.
			b.unlockAndFire()
			return
		}
	}

	switch b.state {
	case StateHalfOpen:
		if probe == nil {
			// Admitted while closed, finished after the trip; the outcome is
			// already reflected in the window that tripped.
			break
		}
		if failed {
			// A failed probe reopens immediately and restarts the timeout.
			b.openedAt = time.Now()
			b.transition(StateOpen, s)
			break
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= s.SuccessThreshold {
			b.transition(StateClosed, s)
		}

	case StateClosed:
		now := time.Now()
		if b.windowStart.IsZero() || now.Sub(b.windowStart) > s.Window {
			b.windowStart = now
			b.totalCalls = 0
			b.failures = 0
		}
		b.totalCalls++
		if failed {
			b.failures++
		}
		if b.totalCalls >= s.MinCalls &&
			float64(b.failures)/float64(b.totalCalls) >= s.FailureThreshold {
			b.openedAt = now
			b.transition(StateOpen, s)
		}

	case StateOpen:
		// A call admitted before the trip finished after it; outcome is
		// already reflected in the window that tripped.
	}

	b.unlockAndFire()
}

// transition switches state and resets the bookkeeping the target state
// needs. Caller holds b.mu; hooks are queued and fired after unlock.
func (b *breaker) transition(to State, s *Settings) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	switch to {
	case StateHalfOpen:
		b.halfOpenSuccesses = 0
		b.probes = semaphore.NewWeighted(s.HalfOpenMaxCalls)
	case StateClosed:
		b.windowStart = time.Time{}
		b.totalCalls = 0
		b.failures = 0
		b.probes = nil
	case StateOpen:
		b.probes = nil
	}

	b.pending = append(b.pending, transitionEvent{from: from, to: to, at: time.Now()})
}

// unlockAndFire releases b.mu and delivers any queued transition events.
func (b *breaker) unlockAndFire() {
	events := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, ev := range events {
		b.registry.fire(b.dependency, ev.from, ev.to, ev.at)
	}
}

func (b *breaker) currentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
