// Package events implements an async, buffered gateway event emitter that
// posts circuit breaker transitions and rate-limit denials to an external
// HTTP collector (webhook pattern). Events are batched and flushed at
// configurable intervals. The emitter is entirely optional and
// fire-and-forget; it never blocks the request hot path.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/knowgate/knowgate/internal/config"
	"github.com/knowgate/knowgate/internal/observability"
)

// Event types emitted by the gateway.
const (
	TypeBreakerTransition = "circuit_breaker_transition"
	TypeRateLimitDenied   = "rate_limit_denied"
)

// Event is one gateway occurrence worth shipping to the collector.
type Event struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"` // RFC 3339

	// Breaker transition fields.
	Dependency string `json:"dependency,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`

	// Rate-limit denial fields.
	Namespace string `json:"namespace,omitempty"`
	Key       string `json:"key,omitempty"`
	Limit     int64  `json:"limit,omitempty"`
	ResetAt   string `json:"reset_at,omitempty"`

	RequestID string `json:"request_id,omitempty"` // X-Request-Id for correlation
}

// BreakerTransition builds a transition event.
func BreakerTransition(dependency, from, to string, at time.Time) Event {
	return Event{
		Type:       TypeBreakerTransition,
		Timestamp:  at.UTC().Format(time.RFC3339),
		Dependency: dependency,
		From:       from,
		To:         to,
	}
}

// RateLimitDenied builds a denial event.
func RateLimitDenied(namespace, key string, limit int64, resetAt time.Time, requestID string) Event {
	return Event{
		Type:      TypeRateLimitDenied,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Namespace: namespace,
		Key:       key,
		Limit:     limit,
		ResetAt:   resetAt.UTC().Format(time.RFC3339),
		RequestID: requestID,
	}
}

// Emitter is an async, buffered event emitter that batches gateway events
// and flushes them to an external HTTP collector.
type Emitter struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	url        string
	httpClient *http.Client

	batchSize     int
	flushInterval time.Duration
	bufferSize    int

	ring     []Event
	ringMu   sync.Mutex
	ringHead int
	ringTail int
	ringLen  int

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewEmitter creates a gateway event emitter. Returns nil if events are not
// enabled in the config; a nil *Emitter is safe to Emit on and Close.
func NewEmitter(cfg config.EventsConfig, logger *slog.Logger, metrics *observability.Metrics) *Emitter {
	if !cfg.Enabled {
		return nil
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 10000
	}

	flushInterval := config.MustParseDuration(cfg.FlushInterval, 5*time.Second)

	e := &Emitter{
		logger:        logger.With("component", "events"),
		metrics:       metrics,
		url:           cfg.URL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		batchSize:     batchSize,
		flushInterval: flushInterval,
		bufferSize:    bufferSize,
		ring:          make([]Event, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	e.wg.Add(1)
	go e.flushLoop()

	return e
}

// Emit enqueues an event into the ring buffer. This is fire-and-forget and
// never blocks. When the buffer is full, the oldest event is dropped.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}

	e.ringMu.Lock()
	e.ring[e.ringTail] = ev
	e.ringTail = (e.ringTail + 1) % e.bufferSize
	if e.ringLen == e.bufferSize {
		// Buffer full, drop oldest by advancing head.
		e.ringHead = (e.ringHead + 1) % e.bufferSize
		if e.metrics != nil {
			e.metrics.IncEventsDropped()
		}
	} else {
		e.ringLen++
	}
	shouldFlush := e.ringLen >= e.batchSize
	e.ringMu.Unlock()

	if shouldFlush {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close flushes remaining events and stops the flush loop.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}

	close(e.done)
	e.wg.Wait()

	// Final drain.
	e.flush()
	return nil
}

func (e *Emitter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush()
		case <-e.flushCh:
			e.flush()
		}
	}
}

func (e *Emitter) flush() {
	for {
		batch := e.drain()
		if len(batch) == 0 {
			return
		}
		e.send(batch)
	}
}

func (e *Emitter) drain() []Event {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	if e.ringLen == 0 {
		return nil
	}

	n := e.ringLen
	if n > e.batchSize {
		n = e.batchSize
	}

	batch := make([]Event, n)
	for i := range n {
		batch[i] = e.ring[(e.ringHead+i)%e.bufferSize]
	}
	e.ringHead = (e.ringHead + n) % e.bufferSize
	e.ringLen -= n
	return batch
}

func (e *Emitter) send(batch []Event) {
	if e.url == "" {
		e.logger.Warn("no events destination configured, dropping batch", "count", len(batch))
		return
	}

	payload := struct {
		Events []Event `json:"events"`
	}{Events: batch}

	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to marshal events batch", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		e.logger.Error("failed to create events HTTP request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Warn("failed to send events batch", "error", err, "count", len(batch))
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		e.logger.Warn("events collector returned error",
			"status", resp.StatusCode, "count", len(batch))
	}
}

// String implements fmt.Stringer for debug logging.
func (e *Emitter) String() string {
	return fmt.Sprintf("Emitter(url=%s, batch=%d, flush=%s, buf=%d)",
		e.url, e.batchSize, e.flushInterval, e.bufferSize)
}
