// Package health probes downstream dependencies on a fixed interval and
// merges the results with circuit breaker states into a single health
// document for the admin endpoints.
package health

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/knowgate/knowgate/internal/config"
)

// Status is a dependency or overall health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// worse orders statuses for worst-of aggregation.
func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Target is one dependency to probe.
type Target struct {
	Name     string
	URL      string
	Protocol config.Protocol
	Critical bool
}

// Prober checks one dependency and returns the probe latency.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
	Close() error
}

// HTTPProber performs a GET against the dependency's health URL. Any 2xx
// response counts as healthy.
type HTTPProber struct {
	url    string
	client *http.Client
}

// NewHTTPProber creates an HTTP prober for the given health URL.
func NewHTTPProber(healthURL string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		url: healthURL,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return elapsed, fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}
	return elapsed, nil
}

func (p *HTTPProber) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// GRPCProber checks a dependency through the standard gRPC health/v1
// service. The connection is created lazily and reused across probes.
type GRPCProber struct {
	target  string
	service string
	conn    *grpc.ClientConn
}

// NewGRPCProber creates a gRPC health prober. The target may be a plain
// host:port or a URL whose host:port is used; service selects a named
// sub-service in the health check and is usually empty.
func NewGRPCProber(target, service string) *GRPCProber {
	return &GRPCProber{target: grpcTarget(target), service: service}
}

// grpcTarget reduces a configured URL to the host:port gRPC dial target.
func grpcTarget(raw string) string {
	if !strings.Contains(raw, "://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

func (p *GRPCProber) dial() (*grpc.ClientConn, error) {
	if p.conn != nil {
		return p.conn, nil
	}
	conn, err := grpc.NewClient(p.target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

func (p *GRPCProber) Probe(ctx context.Context) (time.Duration, error) {
	conn, err := p.dial()
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{
		Service: p.service,
	})
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, err
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return elapsed, fmt.Errorf("health service reports %s", resp.GetStatus())
	}
	return elapsed, nil
}

func (p *GRPCProber) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// NewProber creates the prober matching the target's protocol.
func NewProber(t Target, timeout time.Duration) Prober {
	if t.Protocol == config.ProtocolGRPC {
		return NewGRPCProber(t.URL, "")
	}
	return NewHTTPProber(t.URL, timeout)
}
