package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/knowgate/knowgate/internal/breaker"
	"github.com/knowgate/knowgate/internal/cache"
	"github.com/knowgate/knowgate/internal/client"
	"github.com/knowgate/knowgate/internal/config"
	"github.com/knowgate/knowgate/internal/events"
	"github.com/knowgate/knowgate/internal/health"
	"github.com/knowgate/knowgate/internal/observability"
	"github.com/knowgate/knowgate/internal/ratelimit"
	iredis "github.com/knowgate/knowgate/internal/redis"
	"github.com/knowgate/knowgate/internal/registry"
)

// Server is the KnowGate gateway process: main API server, admin server,
// and the background loops (health probes, heartbeats, cache invalidation).
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	mainServer  *http.Server
	http3Server *http3.Server // nil when HTTP/3 is disabled.
	adminServer *http.Server

	gateway    *Gateway
	svc        *client.Client
	breakers   *breaker.Registry
	limiter    *ratelimit.Limiter
	store      *cache.Store // nil when caching is disabled.
	registry   *registry.Registry
	registrar  *registry.Registrar // nil without an advertise address.
	aggregator *health.Aggregator
	emitter    *events.Emitter
	redis      iredis.Client
	readiness  *observability.Readiness
	metrics    *observability.Metrics

	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled; supports hot-reload.
	subCancel       context.CancelFunc
}

// New wires the gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	readiness := observability.NewReadiness()

	iredis.WarnInsecureRedis(cfg.Redis.TLS, logger)
	redisClient, err := iredis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	readiness.SetRedisPinger(pingAdapter{redisClient})

	emitter := events.NewEmitter(cfg.Events, logger, metrics)

	breakers := breaker.NewRegistry(breakerSettings(cfg.Breaker))
	breakers.OnTransition(func(dependency string, from, to breaker.State, at time.Time) {
		logger.Info("circuit breaker transition",
			"dependency", dependency, "from", from.String(), "to", to.String())
		metrics.SetBreakerState(dependency, float64(to))
		metrics.IncBreakerTransition(dependency, to.String())
		emitter.Emit(events.BreakerTransition(dependency, from.String(), to.String(), at))
	})

	limiter := ratelimit.NewLimiter(redisClient, ratelimit.Config{
		Limit:      cfg.RateLimit.DefaultLimit,
		Window:     config.MustParseDuration(cfg.RateLimit.Window, time.Minute),
		SubWindows: cfg.RateLimit.SubWindows,
	}, cfg.RateLimit.KeyPrefix, logger)

	var fallback *ratelimit.InMemoryLimiter
	if cfg.RateLimit.FailurePolicy == config.FailurePolicyInMemoryFallback {
		fallback = ratelimit.NewInMemoryLimiter(ratelimit.Config{
			Limit:      cfg.RateLimit.DefaultLimit,
			Window:     config.MustParseDuration(cfg.RateLimit.Window, time.Minute),
			SubWindows: cfg.RateLimit.SubWindows,
		})
	}

	var store *cache.Store
	if cfg.Cache.Enabled {
		store = cache.NewStore(redisClient,
			cache.WithLogger(logger),
			cache.WithKeyPrefix(cfg.Cache.KeyPrefix),
			cache.WithChannel(cfg.Cache.Channel),
			cache.WithMaxBodySize(cfg.Cache.MaxBodySize),
			cache.WithLocalMaxCost(cfg.Cache.LocalMaxCost),
		)
		store.OnHit = metrics.IncCacheHit
		store.OnMiss = metrics.IncCacheMiss
		store.OnStale = metrics.IncCacheStale
	}

	serviceRegistry := registry.New(redisClient, registry.Config{
		KeyPrefix: cfg.Registry.KeyPrefix,
		TTL:       config.MustParseDuration(cfg.Registry.TTL, 30*time.Second),
	}, logger)

	svc := client.New(cfg, client.Options{
		Registry: serviceRegistry,
		Breakers: breakers,
		Limiter:  limiter,
		Cache:    store,
		Metrics:  metrics,
		Logger:   logger,
	})
	serviceRegistry.OnResolved = metrics.IncResolved
	serviceRegistry.OnResolveFailure = metrics.IncResolveFailure

	aggregator := health.NewAggregator(healthTargets(cfg), breakers, health.ConfigFrom(cfg.Health), logger)
	aggregator.OnProbe = func(dependency string, latency time.Duration) {
		metrics.ObserveProbeLatency(dependency, latency.Seconds())
	}
	aggregator.OnHealthy = func(ctx context.Context, dependency string) {
		if err := serviceRegistry.Heartbeat(ctx, dependency, staticInstanceID(dependency)); err != nil {
			if regErr := registerStatic(ctx, serviceRegistry, dependency, cfg.Dependencies[dependency]); regErr != nil {
				logger.Warn("static registration refresh failed", "dependency", dependency, "error", regErr)
			}
		}
	}

	var registrar *registry.Registrar
	if cfg.Registry.AdvertiseAddress != "" {
		registrar = registry.NewRegistrar(serviceRegistry, registry.Instance{
			Service: "knowgate",
			Address: cfg.Registry.AdvertiseAddress,
			Tags:    cfg.Registry.Tags,
		}, config.MustParseDuration(cfg.Registry.HeartbeatInterval, 10*time.Second), logger)
	}

	gateway, err := NewGateway(cfg, svc, limiter, fallback, emitter, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("build gateway: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		version:    version,
		gateway:    gateway,
		svc:        svc,
		breakers:   breakers,
		limiter:    limiter,
		store:      store,
		registry:   serviceRegistry,
		registrar:  registrar,
		aggregator: aggregator,
		emitter:    emitter,
		redis:      redisClient,
		readiness:  readiness,
		metrics:    metrics,
	}
	s.mainServer, s.http3Server = buildMainServer(cfg, gateway, logger)
	s.adminServer = buildAdminServer(cfg, readiness, aggregator, reg)
	return s, nil
}

// pingAdapter exposes the Redis client's Ping as a plain error check.
type pingAdapter struct {
	c iredis.Client
}

func (p pingAdapter) Ping(ctx context.Context) error {
	return p.c.Ping(ctx).Err()
}

func breakerSettings(bc config.BreakerConfig) breaker.Settings {
	return breaker.Settings{
		FailureThreshold: bc.FailureThreshold,
		MinCalls:         bc.MinCalls,
		Window:           config.MustParseDuration(bc.Window, time.Minute),
		OpenTimeout:      config.MustParseDuration(bc.OpenTimeout, 30*time.Second),
		SuccessThreshold: bc.SuccessThreshold,
		HalfOpenMaxCalls: bc.HalfOpenMaxCalls,
		IsFailure:        client.IsFailure,
	}
}

func staticInstanceID(dependency string) string {
	return "static-" + dependency
}

func registerStatic(ctx context.Context, reg *registry.Registry, name string, dc config.DependencyConfig) error {
	return reg.Register(ctx, registry.Instance{
		ID:      staticInstanceID(name),
		Service: name,
		Address: dc.URL,
	})
}

// healthTargets builds the probe list from the dependency table.
func healthTargets(cfg *config.Config) []health.Target {
	targets := make([]health.Target, 0, len(cfg.Dependencies))
	for name, dc := range cfg.Dependencies {
		healthURL := dc.HealthURL
		if healthURL == "" {
			healthURL = dc.URL
			if dc.Protocol != config.ProtocolGRPC {
				healthURL += "/health"
			}
		}
		targets = append(targets, health.Target{
			Name:     name,
			URL:      healthURL,
			Protocol: dc.Protocol,
			Critical: dc.Critical,
		})
	}
	return targets
}

func buildMainServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout := config.MustParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	h2s := &http2.Server{}
	mainHandler := h2c.NewHandler(handler, h2s)

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			MaxHeaderBytes: 1 << 20, // 1 MiB, same as the TCP server.
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // Disable 0-RTT to prevent replay attacks.
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if setErr := h3srv.SetQUICHeaders(w.Header()); setErr != nil {
					logger.Debug("failed to set Alt-Svc header", "error", setErr)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB, explicit default to prevent large-header DoS.
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, readiness *observability.Readiness, aggregator *health.Aggregator, reg *prometheus.Registry) *http.Server {
	adminReadTimeout := config.MustParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout := config.MustParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout := config.MustParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		doc := aggregator.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if doc.Status == health.StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(doc)
	})
	adminMux.Handle("/health/live", readiness.LiveHandler())
	adminMux.Handle("/health/ready", readiness.ReadyHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB, explicit default.
	}
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

// newCertHolder creates and loads the initial certificate.
func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

// tlsMinVersion returns the tls.Config MinVersion from config, defaulting to TLS 1.2.
func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts both servers and the background loops, blocking until the
// context is canceled, then performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	// Seed the statically configured dependencies into the registry so the
	// first requests can resolve before any probe completes.
	for name, dc := range s.cfg.Dependencies {
		if err := registerStatic(ctx, s.registry, name, dc); err != nil {
			s.logger.Warn("static registration failed", "dependency", name, "error", err)
		}
	}

	s.aggregator.Start()
	if s.store != nil {
		subCtx, cancel := context.WithCancel(context.Background())
		s.subCancel = cancel
		go s.store.Subscribe(subCtx)
	}
	if s.registrar != nil {
		if err := s.registrar.Start(ctx); err != nil {
			s.logger.Warn("self-registration failed", "error", err)
		}
	}

	errCh := make(chan error, 3)

	// readyCh is closed after the main listener has successfully bound,
	// preventing SetReady from being called before the server can accept
	// connections.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}

	select {
	case <-readyCh:
		s.readiness.SetReady()
		s.logger.Info("knowgate is ready", "version", s.version)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("api server starting",
		"address", s.cfg.Server.Address,
		"dependencies", len(s.cfg.Dependencies),
		"tls", s.cfg.Server.TLS.Enabled,
		"http3", s.cfg.Server.TLS.HTTP3Enabled)

	// Separate Listen from Serve so we can signal readiness after bind.
	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("api server listen: %w", listenErr)
		return
	}
	close(readyCh) // signal that the listener has bound

	var err error
	if s.cfg.Server.TLS.Enabled {
		ch, certErr := newCertHolder(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if certErr != nil {
			errCh <- certErr
			return
		}
		s.certs = ch

		minVer := max(tlsMinVersion(s.cfg), tls.VersionTLS12)
		tlsCfg := &tls.Config{
			MinVersion:     minVer,
			GetCertificate: ch.GetCertificate,
		}
		s.mainServer.TLSConfig = tlsCfg

		// Share the same TLS config with the HTTP/3 server so both
		// listeners enforce identical MinVersion and ciphers.
		if s.http3Server != nil {
			s.http3Server.TLSConfig = tlsCfg
		}

		tlsLn := tls.NewListener(ln, tlsCfg)
		err = s.mainServer.Serve(tlsLn)
	} else {
		err = s.mainServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("api server: %w", err)
	}
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.cfg.Server.Address)
	err := s.http3Server.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

// Reload hot-swaps limiter, breaker, retry, cache-TTL, and TLS certificate
// settings without restarting the server.
func (s *Server) Reload(newCfg *config.Config) error {
	if err := s.gateway.Reload(newCfg); err != nil {
		return err
	}
	s.svc.Reload(newCfg)
	s.breakers.UpdateSettings(breakerSettings(newCfg.Breaker))

	if s.certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		if err := s.certs.Reload(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile); err != nil {
			s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		} else {
			s.logger.Info("TLS certificates reloaded")
		}
	}

	s.cfg = newCfg
	s.logger.Info("configuration reloaded")
	return nil
}

func (s *Server) shutdown() error {
	s.readiness.SetNotReady()

	drainTimeout := config.MustParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("main server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	s.aggregator.Stop()
	if s.subCancel != nil {
		s.subCancel()
	}
	if s.registrar != nil {
		if err := s.registrar.Stop(shutdownCtx); err != nil {
			s.logger.Error("deregistration error", "error", err)
		}
	}
	if err := s.emitter.Close(); err != nil {
		s.logger.Error("events emitter close error", "error", err)
	}
	if err := s.limiter.Close(); err != nil {
		s.logger.Error("rate limiter close error", "error", err)
	}
	if s.store != nil {
		s.store.Close()
	}
	if err := s.redis.Close(); err != nil {
		s.logger.Error("redis close error", "error", err)
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
