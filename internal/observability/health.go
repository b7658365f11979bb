package observability

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Pre-serialized JSON bodies avoid runtime encoding errors entirely.
var (
	jsonAlive    = []byte(`{"status":"alive"}`)
	jsonReady    = []byte(`{"status":"ready"}`)
	jsonNotReady = []byte(`{"status":"not_ready"}`)
	jsonDeepOK   = []byte(`{"status":"ready","redis":"ok"}`)
	jsonDeepFail = []byte(`{"status":"not_ready","redis":"unreachable"}`)
)

// Pinger is implemented by anything that can check connectivity
// (e.g. the Redis client).
type Pinger interface {
	Ping(ctx context.Context) error
}

// Readiness tracks the gateway's liveness and readiness for the admin
// probe endpoints. It starts in the not-ready state; the server flips it
// ready once listeners are up and not-ready again while draining.
type Readiness struct {
	ready int32 // atomic: 0 = not ready, 1 = ready

	mu          sync.RWMutex
	redisPinger Pinger // may be nil if Redis is not yet connected
}

// NewReadiness creates a readiness tracker in the not-ready state.
func NewReadiness() *Readiness {
	return &Readiness{}
}

// SetReady marks the service as ready to receive traffic.
func (h *Readiness) SetReady() {
	atomic.StoreInt32(&h.ready, 1)
}

// SetNotReady marks the service as not ready (draining).
func (h *Readiness) SetNotReady() {
	atomic.StoreInt32(&h.ready, 0)
}

// IsReady returns whether the service is ready.
func (h *Readiness) IsReady() bool {
	return atomic.LoadInt32(&h.ready) == 1
}

// SetRedisPinger registers a Redis client for deep readiness checks.
// Pass nil to clear it while the client is being replaced.
func (h *Readiness) SetRedisPinger(p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redisPinger = p
}

// LiveHandler returns 200 if the process is alive.
func (h *Readiness) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonAlive)
	}
}

// ReadyHandler returns 200 if the service is ready, 503 otherwise. With
// the query parameter `deep=true` and a registered Redis pinger it also
// PINGs Redis and returns 503 when unreachable.
func (h *Readiness) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !h.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(jsonNotReady)
			return
		}

		if r.URL.Query().Get("deep") == "true" {
			h.mu.RLock()
			pinger := h.redisPinger
			h.mu.RUnlock()

			if pinger != nil {
				ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
				defer cancel()
				if err := pinger.Ping(ctx); err != nil {
					w.WriteHeader(http.StatusServiceUnavailable)
					_, _ = w.Write(jsonDeepFail)
					return
				}
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonDeepOK)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonReady)
	}
}
