// Package server hosts KnowGate's two HTTP surfaces: the main /v1 API that
// dispatches through the composed service client, and the admin server with
// health and metrics endpoints.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/knowgate/knowgate/internal/breaker"
	"github.com/knowgate/knowgate/internal/client"
	"github.com/knowgate/knowgate/internal/config"
	"github.com/knowgate/knowgate/internal/events"
	"github.com/knowgate/knowgate/internal/observability"
	"github.com/knowgate/knowgate/internal/ratelimit"
	"github.com/knowgate/knowgate/internal/redis"
	"github.com/knowgate/knowgate/internal/registry"
	"github.com/knowgate/knowgate/internal/retry"
)

// Dependency names the /v1 routes dispatch to. Each must appear under
// `dependencies:` in the configuration.
const (
	depSearch     = "search"
	depConnector  = "connector"
	depGraph      = "graph"
	depEmbeddings = "embeddings"
	depTools      = "tools"
)

// limits carries the reloadable rate-limit surface settings.
type limits struct {
	policy      config.FailurePolicy
	failureCode int
	strategy    ratelimit.KeyStrategy
	subject     bool // subject-level limiting enabled
}

// Gateway is the main API handler: validation, rate limiting, then dispatch
// through the service client.
type Gateway struct {
	client   *client.Client
	limiter  *ratelimit.Limiter
	fallback *ratelimit.InMemoryLimiter
	emitter  *events.Emitter
	metrics  *observability.Metrics
	logger   *slog.Logger

	limits      atomic.Pointer[limits]
	maxBodySize int64

	mux *http.ServeMux
}

// NewGateway builds the /v1 handler. The fallback limiter may be nil when
// the failure policy does not use it.
func NewGateway(cfg *config.Config, svc *client.Client, limiter *ratelimit.Limiter, fallback *ratelimit.InMemoryLimiter, emitter *events.Emitter, metrics *observability.Metrics, logger *slog.Logger) (*Gateway, error) {
	maxBody := cfg.Server.MaxBodySize
	if maxBody <= 0 {
		maxBody = 10 << 20
	}

	g := &Gateway{
		client:      svc,
		limiter:     limiter,
		fallback:    fallback,
		emitter:     emitter,
		metrics:     metrics,
		logger:      logger,
		maxBodySize: maxBody,
	}
	if err := g.Reload(cfg); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/search", g.route("/v1/search", "route:search", g.handleSearch))
	mux.HandleFunc("GET /v1/sources", g.route("/v1/sources", "route:sources", g.handleListSources))
	mux.HandleFunc("POST /v1/sources", g.route("/v1/sources", "route:sources", g.handleCreateSource))
	mux.HandleFunc("GET /v1/sources/{id}", g.route("/v1/sources/{id}", "route:sources", g.handleGetSource))
	mux.HandleFunc("DELETE /v1/sources/{id}", g.route("/v1/sources/{id}", "route:sources", g.handleDeleteSource))
	mux.HandleFunc("GET /v1/entities/{id}", g.route("/v1/entities/{id}", "", g.handleGetEntity))
	mux.HandleFunc("POST /v1/embeddings", g.route("/v1/embeddings", "", g.handleEmbeddings))
	mux.HandleFunc("POST /v1/tools/{tool}", g.route("/v1/tools/{tool}", "", g.handleTool))
	mux.HandleFunc("POST /v1/sync", g.route("/v1/sync", "route:sync", g.handleSync))
	g.mux = mux

	return g, nil
}

// Reload swaps in rate-limit surface settings from a fresh config.
func (g *Gateway) Reload(cfg *config.Config) error {
	strategy, err := ratelimit.NewKeyStrategy(cfg.RateLimit.KeyStrategy)
	if err != nil {
		return fmt.Errorf("key strategy: %w", err)
	}

	failureCode := cfg.RateLimit.FailureCode
	if failureCode == 0 {
		failureCode = http.StatusTooManyRequests
	}

	g.limits.Store(&limits{
		policy:      cfg.RateLimit.FailurePolicy,
		failureCode: failureCode,
		strategy:    strategy,
		subject:     cfg.RateLimit.DefaultLimit > 0,
	})

	if g.limiter != nil {
		g.limiter.SetDefaults(ratelimit.Config{
			Limit:      cfg.RateLimit.DefaultLimit,
			Window:     config.MustParseDuration(cfg.RateLimit.Window, time.Minute),
			SubWindows: cfg.RateLimit.SubWindows,
		})
		window := config.MustParseDuration(cfg.RateLimit.Window, time.Minute)
		for ns, limit := range map[string]int64{
			"route:search":  cfg.RateLimit.SearchLimit,
			"route:sources": cfg.RateLimit.SourcesLimit,
			"route:sync":    cfg.RateLimit.SyncLimit,
		} {
			g.limiter.SetNamespace(ns, ratelimit.Config{
				Limit:      limit,
				Window:     window,
				SubWindows: cfg.RateLimit.SubWindows,
			})
		}
	}
	return nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

// route wraps a handler with request ID assignment, body capping, rate
// limiting, duration metrics, and access logging.
func (g *Gateway) route(pattern, routeNamespace string, h func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		r = r.WithContext(observability.WithRequestID(r.Context(), requestID))

		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, g.maxBodySize)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		if !g.allow(rec, r, routeNamespace) {
			g.observe(pattern, rec.status, start)
			return
		}

		h(rec, r)
		g.observe(pattern, rec.status, start)
	}
}

func (g *Gateway) observe(pattern string, status int, start time.Time) {
	g.metrics.PromRequestDuration.
		WithLabelValues(pattern, strconv.Itoa(status)).
		Observe(time.Since(start).Seconds())
}

// statusRecorder captures the response status for metrics and logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController passthrough.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// allow applies subject-level and per-route rate limits. Returns false when
// the request was rejected (the response is already written).
func (g *Gateway) allow(w http.ResponseWriter, r *http.Request, routeNamespace string) bool {
	l := g.limits.Load()
	if g.limiter == nil || (!l.subject && routeNamespace == "") {
		return true
	}

	key, err := l.strategy.Extract(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "missing rate limit subject", err.Error())
		return false
	}

	if l.subject {
		if !g.check(w, r, l, "subject", key) {
			return false
		}
	}
	if routeNamespace != "" {
		if !g.check(w, r, l, routeNamespace, key) {
			return false
		}
	}
	return true
}

// check runs one limiter namespace check and applies the Redis failure
// policy on connectivity errors.
func (g *Gateway) check(w http.ResponseWriter, r *http.Request, l *limits, namespace, key string) bool {
	res, err := g.limiter.Allow(r.Context(), namespace, key)
	switch {
	case err == nil:
		setRateLimitHeaders(w, res)
		g.metrics.ObserveRemaining(res.Remaining)
		if res.Allowed {
			g.metrics.IncAllowed()
			return true
		}
		g.metrics.IncLimited()
		g.emitter.Emit(events.RateLimitDenied(namespace, key, res.Limit, res.ResetAt,
			observability.RequestIDFromContext(r.Context())))
		writeRateLimited(w, res)
		return false

	case redis.IsConnectivityErr(err):
		g.metrics.IncRedisErrors()
		return g.applyFailurePolicy(w, r, l, namespace, key, err)

	default:
		g.logger.Error("rate limit check failed", "namespace", namespace, "error", err)
		// Unexpected limiter errors fail open: limiting is protective, not
		// load-bearing for correctness.
		g.metrics.IncAllowed()
		return true
	}
}

func (g *Gateway) applyFailurePolicy(w http.ResponseWriter, r *http.Request, l *limits, namespace, key string, cause error) bool {
	switch l.policy {
	case config.FailurePolicyFailClosed:
		g.logger.Warn("rate limit store unreachable, failing closed", "namespace", namespace, "error", cause)
		writeError(w, l.failureCode, "RATE_LIMITED", "rate limit store unavailable", "")
		return false

	case config.FailurePolicyInMemoryFallback:
		g.metrics.IncFallbackUsed()
		if g.fallback != nil && !g.fallback.Allow(namespace+":"+key) {
			g.metrics.IncLimited()
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", "")
			return false
		}
		g.metrics.IncAllowed()
		return true

	default: // passthrough
		g.logger.Warn("rate limit store unreachable, passing through", "namespace", namespace, "error", cause)
		g.metrics.IncAllowed()
		return true
	}
}

func setRateLimitHeaders(w http.ResponseWriter, res *ratelimit.Result) {
	if res.Limit <= 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(max(res.Remaining, 0), 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}

func writeRateLimited(w http.ResponseWriter, res *ratelimit.Result) {
	retryAfter := res.RetryAfter
	if retryAfter <= 0 {
		retryAfter = time.Until(res.ResetAt)
	}
	// Jitter the advertised delay so synchronized clients do not stampede
	// on the window boundary.
	seconds := int64(retryAfter/time.Second) + 1 + rand.Int64N(3)
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", "")
}

// errorBody is the platform's stable error envelope.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details,omitempty"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message, details string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	body.Error.Details = details

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeClientError maps pipeline errors to the error envelope per the
// platform taxonomy.
func (g *Gateway) writeClientError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		openErr      *breaker.OpenError
		exceededErr  *ratelimit.ExceededError
		noInstance   *registry.NoHealthyInstanceError
		exhaustedErr *retry.ExhaustedError
		depErr       *client.DependencyError
	)

	switch {
	case errors.As(err, &openErr):
		retryAfter := int64(openErr.RetryAfter/time.Second) + 1
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
		writeError(w, http.StatusServiceUnavailable, "CIRCUIT_OPEN",
			fmt.Sprintf("dependency %s is unavailable", openErr.Dependency), "")

	case errors.As(err, &exceededErr):
		w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(exceededErr.ResetAt)/time.Second)+1, 10))
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", "")

	case errors.As(err, &noInstance):
		writeError(w, http.StatusServiceUnavailable, "NO_HEALTHY_INSTANCE",
			fmt.Sprintf("no healthy instance for %s", noInstance.Service), "")

	case errors.As(err, &depErr) && depErr.Timeout:
		writeError(w, http.StatusGatewayTimeout, "TIMEOUT",
			fmt.Sprintf("dependency %s timed out", depErr.Dependency), "")

	case errors.As(err, &depErr) && depErr.StatusCode >= 400 && depErr.StatusCode < 500:
		// Remote 4xx passes through verbatim.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(depErr.StatusCode)
		_, _ = w.Write(depErr.Body)

	case errors.As(err, &exhaustedErr):
		writeError(w, http.StatusBadGateway, "RETRIES_EXHAUSTED",
			fmt.Sprintf("dependency failed after %d attempts", exhaustedErr.Attempts), "")

	case errors.As(err, &depErr):
		writeError(w, http.StatusBadGateway, "DEPENDENCY_ERROR", "dependency request failed", "")

	default:
		g.logger.Error("unhandled pipeline error",
			"path", r.URL.Path, "request_id", observability.RequestIDFromContext(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error", "")
	}
}
