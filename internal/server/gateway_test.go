package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowgate/knowgate/internal/breaker"
	"github.com/knowgate/knowgate/internal/cache"
	"github.com/knowgate/knowgate/internal/client"
	"github.com/knowgate/knowgate/internal/config"
	"github.com/knowgate/knowgate/internal/observability"
	"github.com/knowgate/knowgate/internal/ratelimit"
	"github.com/knowgate/knowgate/internal/redis"
	"github.com/knowgate/knowgate/internal/registry"
)

type gatewayFixture struct {
	gateway  *Gateway
	registry *registry.Registry
	mr       *miniredis.Miniredis
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newGatewayFixture(t *testing.T, mutate func(*config.Config)) *gatewayFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := redis.NewClient(config.RedisConfig{
		Endpoints: []string{mr.Addr()},
		Mode:      config.RedisModeSingle,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	cfg := config.Defaults()
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.InitialBackoff = "1ms"
	cfg.RateLimit.DefaultLimit = 0 // subject limiting off unless a test opts in
	if mutate != nil {
		mutate(cfg)
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	breakers := breaker.NewRegistry(breaker.Settings{
		MinCalls:         2,
		FailureThreshold: 0.5,
		OpenTimeout:      time.Minute,
		IsFailure:        client.IsFailure,
	})
	limiter := ratelimit.NewLimiter(rc, ratelimit.Config{
		Limit:  cfg.RateLimit.DefaultLimit,
		Window: time.Minute,
	}, "rl", testLogger())

	reg := registry.New(rc, registry.Config{}, testLogger())

	var store *cache.Store
	if cfg.Cache.Enabled {
		store = cache.NewStore(rc)
		t.Cleanup(store.Close)
	}

	svc := client.New(cfg, client.Options{
		Registry: reg,
		Breakers: breakers,
		Limiter:  limiter,
		Cache:    store,
		Metrics:  metrics,
		Logger:   testLogger(),
	})

	var fallback *ratelimit.InMemoryLimiter
	if cfg.RateLimit.FailurePolicy == config.FailurePolicyInMemoryFallback {
		fallback = ratelimit.NewInMemoryLimiter(ratelimit.Config{
			Limit:  cfg.RateLimit.DefaultLimit,
			Window: time.Minute,
		})
		t.Cleanup(fallback.Close)
	}

	g, err := NewGateway(cfg, svc, limiter, fallback, nil, metrics, testLogger())
	require.NoError(t, err)

	return &gatewayFixture{gateway: g, registry: reg, mr: mr}
}

func (f *gatewayFixture) register(t *testing.T, service string, backend *httptest.Server) {
	t.Helper()
	require.NoError(t, f.registry.Register(context.Background(), registry.Instance{
		ID:      service + "-1",
		Service: service,
		Address: backend.URL,
	}))
}

func depConfig(name, backendURL string, extra func(*config.DependencyConfig)) func(*config.Config) {
	return func(cfg *config.Config) {
		dc := config.DependencyConfig{URL: backendURL, Timeout: "1s"}
		if extra != nil {
			extra(&dc)
		}
		if cfg.Dependencies == nil {
			cfg.Dependencies = map[string]config.DependencyConfig{}
		}
		cfg.Dependencies[name] = dc
	}
}

func TestSearchRoute(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "graph databases", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"id":"e1"}]}`))
	}))
	defer backend.Close()

	f := newGatewayFixture(t, depConfig("search", backend.URL, nil))
	f.register(t, "search", backend)

	rec := httptest.NewRecorder()
	f.gateway.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/search?q=graph+databases", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"results":[{"id":"e1"}]}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestSearchRequiresQuery(t *testing.T) {
	f := newGatewayFixture(t, nil)

	rec := httptest.NewRecorder()
	f.gateway.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/search", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
	assert.Contains(t, rec.Body.String(), "q is required")
}

func TestSourceRoutes(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "GET" && r.URL.Path == "/sources":
			_, _ = w.Write([]byte(`{"sources":[]}`))
		case r.Method == "POST" && r.URL.Path == "/sources":
			body, _ := io.ReadAll(r.Body)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(body)
		case r.Method == "GET" && r.URL.Path == "/sources/src-1":
			_, _ = w.Write([]byte(`{"id":"src-1"}`))
		case r.Method == "DELETE" && r.URL.Path == "/sources/src-1":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer backend.Close()

	f := newGatewayFixture(t, depConfig("connector", backend.URL, nil))
	f.register(t, "connector", backend)

	t.Run("list", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.gateway.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/sources", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"sources":[]}`, rec.Body.String())
	})

	t.Run("create", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/v1/sources", strings.NewReader(`{"kind":"notion"}`))
		f.gateway.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.JSONEq(t, `{"kind":"notion"}`, rec.Body.String())
	})

	t.Run("create rejects invalid json", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/v1/sources", strings.NewReader(`{not json`))
		f.gateway.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
	})

	t.Run("get by id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.gateway.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/sources/src-1", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("delete", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.gateway.ServeHTTP(rec, httptest.NewRequest("DELETE", "/v1/sources/src-1", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestDependency4xxPassesThroughVerbatim(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"source not found"}`))
	}))
	defer backend.Close()

	f := newGatewayFixture(t, depConfig("connector", backend.URL, nil))
	f.register(t, "connector", backend)

	rec := httptest.NewRecorder()
	f.gateway.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/sources/ghost", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"source not found"}`, rec.Body.String())
}

func TestNoHealthyInstanceMapsTo503(t *testing.T) {
	f := newGatewayFixture(t, depConfig("graph", "http://127.0.0.1:1", nil))
	// Nothing registered for "graph".

	rec := httptest.NewRecorder()
	f.gateway.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/entities/e1", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "NO_HEALTHY_INSTANCE")
}

func TestCircuitOpenMapsTo503WithRetryAfter(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	f := newGatewayFixture(t, depConfig("graph", backend.URL, nil))
	f.register(t, "graph", backend)

	// Trip the breaker (MinCalls=2, threshold 50%): the first request burns
	// both retry attempts and returns 502 before the circuit opens.
	rec := httptest.NewRecorder()
	f.gateway.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/entities/e1", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)

	rec = httptest.NewRecorder()
	f.gateway.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/entities/e1", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "CIRCUIT_OPEN")
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRetriesExhaustedMapsTo502(t *testing.T) {
	var hits atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer backend.Close()

	f := newGatewayFixture(t, depConfig("embeddings", backend.URL, nil))
	f.register(t, "embeddings", backend)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/embeddings", strings.NewReader(`{"text":"hello"}`))
	f.gateway.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "RETRIES_EXHAUSTED")
	assert.Equal(t, int64(2), hits.Load())
}

func TestTimeoutMapsTo504(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer backend.Close()

	f := newGatewayFixture(t, depConfig("tools", backend.URL, func(dc *config.DependencyConfig) {
		dc.Timeout = "30ms"
	}))
	f.register(t, "tools", backend)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/tools/summarize", strings.NewReader(`{"doc":"x"}`))
	f.gateway.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), "TIMEOUT")
}

func TestSubjectRateLimitHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer backend.Close()

	f := newGatewayFixture(t, func(cfg *config.Config) {
		depConfig("search", backend.URL, nil)(cfg)
		cfg.RateLimit.DefaultLimit = 2
	})
	f.register(t, "search", backend)

	get := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/v1/search?q=x", nil)
		req.RemoteAddr = "203.0.113.9:1234"
		f.gateway.ServeHTTP(rec, req)
		return rec
	}

	first := get()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))

	second := get()
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))

	third := get()
	assert.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.Contains(t, third.Body.String(), "RATE_LIMITED")
	assert.NotEmpty(t, third.Header().Get("Retry-After"))

	// A different client IP has its own quota.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/search?q=x", nil)
	req.RemoteAddr = "198.51.100.7:9999"
	f.gateway.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouteClassLimit(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer backend.Close()

	f := newGatewayFixture(t, func(cfg *config.Config) {
		depConfig("connector", backend.URL, nil)(cfg)
		cfg.RateLimit.SyncLimit = 1
	})
	f.register(t, "connector", backend)

	post := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/v1/sync", nil)
		req.RemoteAddr = "203.0.113.9:1234"
		f.gateway.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusAccepted, post().Code)
	assert.Equal(t, http.StatusTooManyRequests, post().Code)
}

func TestRedisDownFailurePolicies(t *testing.T) {
	t.Run("passthrough allows traffic", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		}))
		defer backend.Close()

		f := newGatewayFixture(t, func(cfg *config.Config) {
			depConfig("search", backend.URL, nil)(cfg)
			cfg.RateLimit.DefaultLimit = 1
			cfg.RateLimit.FailurePolicy = config.FailurePolicyPassThrough
		})
		f.register(t, "search", backend)
		f.mr.Close()

		rec := httptest.NewRecorder()
		f.gateway.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/search?q=x", nil))
		// Registry resolution also needs Redis; with it down the request
		// cannot be dispatched, but it must NOT be rejected as rate-limited.
		assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
	})

	t.Run("failclosed rejects traffic", func(t *testing.T) {
		f := newGatewayFixture(t, func(cfg *config.Config) {
			cfg.RateLimit.DefaultLimit = 100
			cfg.RateLimit.FailurePolicy = config.FailurePolicyFailClosed
			cfg.RateLimit.FailureCode = http.StatusServiceUnavailable
		})
		f.mr.Close()

		rec := httptest.NewRecorder()
		f.gateway.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/search?q=x", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
	})

	t.Run("in-memory fallback still limits", func(t *testing.T) {
		f := newGatewayFixture(t, func(cfg *config.Config) {
			cfg.RateLimit.DefaultLimit = 2
			cfg.RateLimit.FailurePolicy = config.FailurePolicyInMemoryFallback
		})
		f.mr.Close()

		statuses := make([]int, 0, 4)
		for i := 0; i < 4; i++ {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/v1/search?q=x", nil)
			req.RemoteAddr = "203.0.113.9:1234"
			f.gateway.ServeHTTP(rec, req)
			statuses = append(statuses, rec.Code)
		}
		assert.Contains(t, statuses, http.StatusTooManyRequests,
			"fallback limiter must eventually reject: %v", statuses)
	})
}

func TestCacheHeadersOnCachedRoute(t *testing.T) {
	var hits atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"id":"e1"}`))
	}))
	defer backend.Close()

	f := newGatewayFixture(t, func(cfg *config.Config) {
		cfg.Cache.Enabled = true
		depConfig("graph", backend.URL, func(dc *config.DependencyConfig) {
			dc.CacheTTL = "1m"
		})(cfg)
	})
	f.register(t, "graph", backend)

	rec := httptest.NewRecorder()
	f.gateway.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/entities/e1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))

	rec = httptest.NewRecorder()
	f.gateway.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/entities/e1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, int64(1), hits.Load())
}

func TestRequestIDIsPreserved(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "req-abc", r.Header.Get("X-Request-Id"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer backend.Close()

	f := newGatewayFixture(t, depConfig("search", backend.URL, nil))
	f.register(t, "search", backend)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/search?q=x", nil)
	req.Header.Set("X-Request-Id", "req-abc")
	f.gateway.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-abc", rec.Header().Get("X-Request-Id"))
}

func TestUnknownRouteIs404(t *testing.T) {
	f := newGatewayFixture(t, nil)

	rec := httptest.NewRecorder()
	f.gateway.ServeHTTP(rec, httptest.NewRequest("GET", "/v2/search", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGatewayReloadSwapsLimits(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer backend.Close()

	f := newGatewayFixture(t, func(cfg *config.Config) {
		depConfig("connector", backend.URL, nil)(cfg)
		cfg.RateLimit.SyncLimit = 100
	})
	f.register(t, "connector", backend)

	cfg := config.Defaults()
	cfg.RateLimit.SyncLimit = 1
	require.NoError(t, f.gateway.Reload(cfg))

	post := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/v1/sync", nil)
		req.RemoteAddr = "203.0.113.9:1234"
		f.gateway.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, post().Code)
	assert.Equal(t, http.StatusTooManyRequests, post().Code)
}
