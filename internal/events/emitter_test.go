package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/knowgate/knowgate/internal/config"
	"github.com/knowgate/knowgate/internal/observability"
)

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmitter_DisabledReturnsNil(t *testing.T) {
	e := NewEmitter(config.EventsConfig{Enabled: false}, testLogger(), testMetrics())
	if e != nil {
		t.Fatal("expected nil emitter when disabled")
	}

	// A nil emitter is safe to use.
	e.Emit(Event{Type: TypeRateLimitDenied})
	if err := e.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}
}

func TestEmitter_BatchFlushing(t *testing.T) {
	var mu sync.Mutex
	var received []Event

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Events []Event `json:"events"`
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("unmarshal error: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, payload.Events...)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		URL:           srv.URL,
		BatchSize:     5,
		FlushInterval: "100ms",
		BufferSize:    100,
	}, testLogger(), testMetrics())

	for i := range 12 {
		if i%2 == 0 {
			e.Emit(BreakerTransition("search", "closed", "open", time.Now()))
		} else {
			e.Emit(RateLimitDenied("subject", "alice", 100, time.Now().Add(time.Minute), "req-1"))
		}
	}

	// Wait for flush.
	time.Sleep(500 * time.Millisecond)

	if err := e.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 12 {
		t.Errorf("expected 12 events, got %d", len(received))
	}
	for _, ev := range received {
		if ev.Type != TypeBreakerTransition && ev.Type != TypeRateLimitDenied {
			t.Errorf("unexpected event type %q", ev.Type)
		}
	}
}

func TestEmitter_EventFields(t *testing.T) {
	tr := BreakerTransition("graph", "closed", "open", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	if tr.Dependency != "graph" || tr.From != "closed" || tr.To != "open" {
		t.Errorf("unexpected transition event: %+v", tr)
	}
	if tr.Timestamp != "2026-01-02T03:04:05Z" {
		t.Errorf("unexpected timestamp %q", tr.Timestamp)
	}

	dn := RateLimitDenied("ip", "203.0.113.9", 50, time.Now().Add(30*time.Second), "req-9")
	if dn.Namespace != "ip" || dn.Key != "203.0.113.9" || dn.Limit != 50 {
		t.Errorf("unexpected denial event: %+v", dn)
	}
	if dn.RequestID != "req-9" {
		t.Errorf("unexpected request id %q", dn.RequestID)
	}
}

func TestEmitter_BufferOverflow(t *testing.T) {
	// Use a very small buffer to force overflow.
	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		URL:           "http://localhost:0/noop",
		BatchSize:     1000, // larger than buffer to prevent flushing
		FlushInterval: "1h",
		BufferSize:    5,
	}, testLogger(), testMetrics())

	for range 10 {
		e.Emit(Event{Type: TypeRateLimitDenied, Key: "overflow"})
	}

	e.ringMu.Lock()
	length := e.ringLen
	e.ringMu.Unlock()

	if length != 5 {
		t.Errorf("expected ring length 5 (capped), got %d", length)
	}

	// Don't bother flushing, close and move on.
	close(e.done)
	e.wg.Wait()
}

func TestEmitter_GracefulShutdownDrain(t *testing.T) {
	var mu sync.Mutex
	var received int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Events []Event `json:"events"`
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err == nil {
			mu.Lock()
			received += len(payload.Events)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		URL:           srv.URL,
		BatchSize:     100,
		FlushInterval: "1h", // long enough that only Close() will trigger drain
		BufferSize:    100,
	}, testLogger(), testMetrics())

	for range 7 {
		e.Emit(Event{Type: TypeBreakerTransition, Dependency: "drain-test"})
	}

	if err := e.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if received != 7 {
		t.Errorf("expected 7 events drained on close, got %d", received)
	}
}
