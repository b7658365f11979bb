// Package client composes the gateway's resilience layers into a single
// downstream call pipeline: registry resolution, per-service rate limiting,
// response caching, and retries wrapped around circuit-broken HTTP calls.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/knowgate/knowgate/internal/breaker"
	"github.com/knowgate/knowgate/internal/cache"
	"github.com/knowgate/knowgate/internal/config"
	"github.com/knowgate/knowgate/internal/observability"
	"github.com/knowgate/knowgate/internal/ratelimit"
	"github.com/knowgate/knowgate/internal/registry"
	"github.com/knowgate/knowgate/internal/retry"
)

// maxResponseBody caps how much of a downstream response is read.
const maxResponseBody = 16 << 20 // 16 MiB

// Request describes one downstream call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte

	// CacheTTL enables response caching for GET requests when positive.
	// Zero falls back to the dependency's configured TTL.
	CacheTTL time.Duration
	// CacheMode selects aside (default) or write-through population.
	CacheMode config.CacheMode
	// NoCache bypasses the cache entirely for this call.
	NoCache bool
}

// Response is the downstream reply, possibly served from cache.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// CacheHit is true when the response was served from the cache.
	CacheHit bool
}

// DependencyError reports a failed downstream exchange: a non-2xx reply
// (with the remote status and body verbatim), a transport failure, or a
// deadline.
type DependencyError struct {
	Dependency string
	StatusCode int
	Body       []byte
	Timeout    bool
	Err        error
}

func (e *DependencyError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("dependency %s timed out", e.Dependency)
	case e.StatusCode != 0:
		return fmt.Sprintf("dependency %s returned status %d", e.Dependency, e.StatusCode)
	default:
		return fmt.Sprintf("dependency %s unreachable: %v", e.Dependency, e.Err)
	}
}

func (e *DependencyError) Unwrap() error { return e.Err }

// Dependency is the per-service call configuration derived from config.
type Dependency struct {
	Name     string
	Timeout  time.Duration
	CacheTTL time.Duration
	Limit    int64
}

// Client is the composed downstream caller. All methods are safe for
// concurrent use; the retry policy and dependency table swap atomically on
// config reload.
type Client struct {
	registry *registry.Registry
	breakers *breaker.Registry
	limiter  *ratelimit.Limiter
	cache    *cache.Store
	metrics  *observability.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	http     *http.Client

	policy atomic.Pointer[retry.Policy]
	deps   atomic.Pointer[map[string]Dependency]

	defaultCacheMode config.CacheMode
	defaultTimeout   time.Duration
}

// Options wires the Client's collaborators. Registry and Breakers are
// required; a nil Limiter or Cache disables that stage.
type Options struct {
	Registry  *registry.Registry
	Breakers  *breaker.Registry
	Limiter   *ratelimit.Limiter
	Cache     *cache.Store
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	Transport http.RoundTripper
}

// New creates a Client from the gateway configuration.
func New(cfg *config.Config, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	c := &Client{
		registry:         opts.Registry,
		breakers:         opts.Breakers,
		limiter:          opts.Limiter,
		cache:            opts.Cache,
		metrics:          opts.Metrics,
		logger:           logger,
		tracer:           otel.Tracer("knowgate/client"),
		http:             &http.Client{Transport: transport},
		defaultCacheMode: cfg.Cache.DefaultMode,
		defaultTimeout:   30 * time.Second,
	}
	c.Reload(cfg)
	return c
}

// Reload swaps in the retry policy and dependency table from a fresh config.
func (c *Client) Reload(cfg *config.Config) {
	policy := PolicyFromConfig(cfg.Retry)
	c.policy.Store(&policy)

	deps := make(map[string]Dependency, len(cfg.Dependencies))
	for name, dc := range cfg.Dependencies {
		deps[name] = Dependency{
			Name:     name,
			Timeout:  config.MustParseDuration(dc.Timeout, c.defaultTimeout),
			CacheTTL: config.MustParseDuration(dc.CacheTTL, 0),
			Limit:    dc.Limit,
		}
		if c.limiter != nil && dc.Limit > 0 {
			c.limiter.SetNamespace("service:"+name, ratelimit.Config{Limit: dc.Limit})
		}
	}
	c.deps.Store(&deps)
}

// PolicyFromConfig builds the retry policy used for downstream calls:
// 4xx replies and open circuits are permanent, everything else retries.
func PolicyFromConfig(rc config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:    rc.MaxAttempts,
		InitialBackoff: config.MustParseDuration(rc.InitialBackoff, 100*time.Millisecond),
		MaxBackoff:     config.MustParseDuration(rc.MaxBackoff, 2*time.Second),
		Multiplier:     rc.Multiplier,
		Retryable:      retryable,
	}
}

func retryable(err error) bool {
	var de *DependencyError
	if errors.As(err, &de) {
		if de.Timeout {
			return true
		}
		return de.StatusCode == 0 || de.StatusCode >= 500
	}
	return true
}

// IsFailure classifies downstream outcomes for the circuit breaker: remote
// 4xx replies are the caller's fault and do not count against the
// dependency.
func IsFailure(err error) bool {
	if err == nil {
		return false
	}
	var de *DependencyError
	if errors.As(err, &de) && de.StatusCode >= 400 && de.StatusCode < 500 && !de.Timeout {
		return false
	}
	return true
}

func (c *Client) dependency(service string) Dependency {
	if deps := c.deps.Load(); deps != nil {
		if d, ok := (*deps)[service]; ok {
			return d
		}
	}
	return Dependency{Name: service, Timeout: c.defaultTimeout}
}

// Call runs the full pipeline for one downstream request.
func (c *Client) Call(ctx context.Context, service string, req *Request) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "client.Call",
		trace.WithAttributes(
			attribute.String("dependency", service),
			attribute.String("http.method", req.Method),
			attribute.String("http.path", req.Path),
		))
	defer span.End()

	dep := c.dependency(service)

	instance, err := c.registry.Pick(ctx, service)
	if err != nil {
		span.SetStatus(codes.Error, "resolution failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("instance", instance.ID))

	if err := c.allow(ctx, dep); err != nil {
		span.SetStatus(codes.Error, "rate limited")
		return nil, err
	}

	if c.cacheable(dep, req) {
		return c.callCached(ctx, dep, instance, req, span)
	}

	resp, err := c.dispatch(ctx, dep, instance, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp, nil
}

// allow applies the per-service rate limit shared by all gateway instances.
func (c *Client) allow(ctx context.Context, dep Dependency) error {
	if c.limiter == nil || dep.Limit <= 0 {
		return nil
	}
	_, err := c.limiter.Check(ctx, "service:"+dep.Name, dep.Name)
	return err
}

func (c *Client) cacheable(dep Dependency, req *Request) bool {
	if c.cache == nil || req.NoCache || req.Method != http.MethodGet {
		return false
	}
	return c.cacheTTL(dep, req) > 0
}

func (c *Client) cacheTTL(dep Dependency, req *Request) time.Duration {
	if req.CacheTTL > 0 {
		return req.CacheTTL
	}
	return dep.CacheTTL
}

// cachedResponse is the serialized form stored in the cache.
type cachedResponse struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body"`
}

func cacheKey(service string, req *Request) string {
	key := service + ":" + req.Path
	if len(req.Query) > 0 {
		key += "?" + req.Query.Encode()
	}
	return key
}

func (c *Client) callCached(ctx context.Context, dep Dependency, instance registry.Instance, req *Request, span trace.Span) (*Response, error) {
	key := cacheKey(dep.Name, req)
	ttl := c.cacheTTL(dep, req)

	mode := req.CacheMode
	if mode == "" {
		mode = c.defaultCacheMode
	}

	if mode == config.CacheModeWriteThrough {
		// Write-through: always fetch, then overwrite the cached copy.
		resp, err := c.dispatch(ctx, dep, instance, req)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if data, merr := json.Marshal(cachedResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}); merr == nil {
			if perr := c.cache.Put(ctx, key, data, ttl); perr != nil && !errors.Is(perr, cache.ErrTooLarge) {
				c.logger.Debug("client: cache populate failed", "key", key, "error", perr)
			}
		}
		return resp, nil
	}

	hit := true
	data, err := c.cache.GetOrCompute(ctx, key, ttl, func(ctx context.Context) ([]byte, error) {
		hit = false
		resp, derr := c.dispatch(ctx, dep, instance, req)
		if derr != nil {
			return nil, derr
		}
		return json.Marshal(cachedResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body})
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var cached cachedResponse
	if uerr := json.Unmarshal(data, &cached); uerr != nil {
		return nil, fmt.Errorf("client: corrupt cache entry for %s: %w", key, uerr)
	}
	span.SetAttributes(attribute.Bool("cache.hit", hit))
	return &Response{
		StatusCode: cached.StatusCode,
		Header:     cached.Header,
		Body:       cached.Body,
		CacheHit:   hit,
	}, nil
}

// dispatch runs retry around the circuit-broken HTTP exchange.
func (c *Client) dispatch(ctx context.Context, dep Dependency, instance registry.Instance, req *Request) (*Response, error) {
	policy := *c.policy.Load()

	var resp *Response
	attempt := 0
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		attempt++
		if attempt > 1 && c.metrics != nil {
			c.metrics.IncDependencyRetry(dep.Name)
		}
		return c.breakers.Execute(ctx, dep.Name, func(ctx context.Context) error {
			r, err := c.do(ctx, dep, instance, req)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// do performs one HTTP exchange against the instance with the dependency
// deadline, propagating the request ID and trace context.
func (c *Client) do(ctx context.Context, dep Dependency, instance registry.Instance, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, dep.Timeout)
	defer cancel()

	target, err := buildURL(instance.Address, req.Path, req.Query)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("client: bad target for %s: %w", dep.Name, err))
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("client: build request for %s: %w", dep.Name, err))
	}

	for k, vs := range req.Header {
		httpReq.Header[k] = vs
	}
	if id := observability.RequestIDFromContext(ctx); id != "" {
		httpReq.Header.Set("X-Request-Id", id)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		derr := &DependencyError{Dependency: dep.Name, Err: err, Timeout: isTimeout(err)}
		c.record(dep.Name, "error", elapsed)
		return nil, derr
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		c.record(dep.Name, "error", elapsed)
		return nil, &DependencyError{Dependency: dep.Name, Err: err, Timeout: isTimeout(err)}
	}

	if httpResp.StatusCode >= 400 {
		c.record(dep.Name, outcomeForStatus(httpResp.StatusCode), elapsed)
		return nil, &DependencyError{
			Dependency: dep.Name,
			StatusCode: httpResp.StatusCode,
			Body:       respBody,
		}
	}

	c.record(dep.Name, "success", elapsed)
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       respBody,
	}, nil
}

func (c *Client) record(dependency, outcome string, elapsed time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordDependencyRequest(dependency, outcome, elapsed.Seconds())
	}
	c.logger.Debug("client: downstream call", "dependency", dependency, "outcome", outcome, "elapsed", elapsed)
}

func outcomeForStatus(status int) string {
	if status >= 500 {
		return "upstream_error"
	}
	return "client_error"
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// buildURL joins the instance address with the request path and query. The
// address may be a bare host:port or carry a scheme.
func buildURL(address, path string, query url.Values) (string, error) {
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	base, err := url.Parse(address)
	if err != nil {
		return "", err
	}
	if base.Host == "" {
		return "", fmt.Errorf("address %q has no host", address)
	}

	u := *base
	u.Path = strings.TrimSuffix(base.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}
