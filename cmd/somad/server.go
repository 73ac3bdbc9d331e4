package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/somatica/soma/api/handlers"
	"github.com/somatica/soma/broker"
	"github.com/somatica/soma/config"
	"github.com/somatica/soma/embodiment"
	"github.com/somatica/soma/envelope"
	"github.com/somatica/soma/federation"
	"github.com/somatica/soma/internal/database"
	"github.com/somatica/soma/internal/metrics"
	"github.com/somatica/soma/internal/server"
	"github.com/somatica/soma/internal/telemetry"
	"github.com/somatica/soma/persistence"
	"github.com/somatica/soma/registry"
	"github.com/somatica/soma/selection"
	"github.com/somatica/soma/toolindex"
)

// Server assembles the broker, its stores, and the two HTTP listeners,
// and owns their lifecycles.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	keys   *envelope.KeyPair
	broker *broker.Broker

	httpManager    *server.Manager
	metricsManager *server.Manager

	envelopeHandler   *handlers.EnvelopeHandler
	federationHandler *handlers.FederationHandler
	adminHandler      *handlers.AdminHandler
	healthHandler     *handlers.HealthHandler

	metricsCollector *metrics.Collector
	otel             *telemetry.Providers
	reloader         *config.Reloader

	dbPool       *database.PoolManager
	sessionStore persistence.SessionStore
	auditStore   persistence.AuditStore
	mirror       *persistence.SessionMirror

	// rootCtx cancels background work: the rate limiter sweep and
	// peer dial retries.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	wg sync.WaitGroup
}

// NewServer wires nothing yet; Start does the work so failures carry
// errors instead of partially built state.
func NewServer(cfg *config.Config, configPath string, keys *envelope.KeyPair, otel *telemetry.Providers, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		keys:       keys,
		otel:       otel,
		logger:     logger,
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// Start brings everything up: stores, broker, handlers, reload
// watcher, HTTP listeners, then peer dials.
func (s *Server) Start() error {
	s.metricsCollector = metrics.NewCollector("soma", s.logger)

	if err := s.initPersistence(); err != nil {
		return fmt.Errorf("init persistence: %w", err)
	}

	if err := s.initBroker(); err != nil {
		return fmt.Errorf("init broker: %w", err)
	}

	if err := s.restoreSessions(); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}

	s.initHandlers()

	if err := s.initReloader(); err != nil {
		return fmt.Errorf("init config reload: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.dialPeers()

	s.logger.Info("somad started",
		zap.String("broker_id", s.broker.BrokerID()),
		zap.String("addr", s.cfg.Server.Addr),
		zap.String("metrics_addr", s.cfg.Server.MetricsAddr),
		zap.Bool("federation", s.cfg.Federation.Enabled),
		zap.Bool("persistence", s.cfg.Persistence.Enabled),
		zap.Bool("hot_reload", s.configPath != ""),
	)
	return nil
}

// initPersistence opens the configured stores. Configured persistence
// that cannot connect is a startup error, not a degraded mode.
func (s *Server) initPersistence() error {
	p := s.cfg.Persistence
	if !p.Enabled && !p.AuditEnabled {
		return nil
	}

	needDB := p.AuditEnabled || (p.Enabled && p.SessionBackend == "database")
	if needDB {
		pool, err := database.Open(s.cfg.Database, s.logger)
		if err != nil {
			return err
		}
		s.dbPool = pool
	}

	if p.AuditEnabled {
		store, err := persistence.NewGormAuditStore(s.dbPool.DB())
		if err != nil {
			return err
		}
		s.auditStore = store
	}

	if p.Enabled {
		switch p.SessionBackend {
		case "", "redis":
			store, err := persistence.NewRedisSessionStore(persistence.RedisConfig{
				Addr:      s.cfg.Redis.Addr,
				Password:  s.cfg.Redis.Password,
				DB:        s.cfg.Redis.DB,
				PoolSize:  s.cfg.Redis.PoolSize,
				KeyPrefix: s.cfg.Redis.KeyPrefix,
			})
			if err != nil {
				return err
			}
			s.sessionStore = store
		case "database":
			store, err := persistence.NewGormSessionStore(s.dbPool.DB())
			if err != nil {
				return err
			}
			s.sessionStore = store
		default:
			return fmt.Errorf("unknown session backend %q (redis or database)", p.SessionBackend)
		}
	}

	return nil
}

// initBroker maps the configuration tree onto the broker and starts
// it.
func (s *Server) initBroker() error {
	cfg := &broker.Config{
		BrokerID:         s.cfg.Broker.BrokerID,
		MaxHops:          s.cfg.Broker.MaxHops,
		PeerQueryTimeout: s.cfg.Broker.PeerQueryTimeout,
		Replay: &envelope.ReplayGuardConfig{
			Window:        s.cfg.Replay.Window,
			SweepInterval: s.cfg.Replay.SweepInterval,
			Retention:     s.cfg.Replay.Retention,
		},
		Registry: &registry.Config{
			LivenessInterval: s.cfg.Registry.LivenessInterval,
			PurgeGrace:       s.cfg.Registry.PurgeGrace,
			SweepInterval:    s.cfg.Registry.SweepInterval,
		},
		Index: &toolindex.Config{
			DefaultFederatedTTL: s.cfg.Index.FederatedTTL,
			SeenQueryTTL:        s.cfg.Index.SeenQueryTTL,
			SweepInterval:       s.cfg.Index.SweepInterval,
		},
		Selection: &selection.Config{
			RecencyWindow:      s.cfg.Selection.RecencyWindow,
			ErrorRateWindow:    s.cfg.Selection.ErrorRateWindow,
			RecencyWeight:      s.cfg.Selection.RecencyWeight,
			SuccessWeight:      s.cfg.Selection.SuccessWeight,
			CapacityWeight:     s.cfg.Selection.CapacityWeight,
			MinHealthThreshold: s.cfg.Selection.MinHealthThreshold,
			FailurePenalty:     s.cfg.Selection.FailurePenalty,
			MaxFailover:        s.cfg.Selection.MaxFailover,
		},
		Sessions: &embodiment.Config{
			DefaultSessionTTL: s.cfg.Sessions.DefaultTTL,
			MaxSessionTTL:     s.cfg.Sessions.MaxTTL,
			SweepInterval:     s.cfg.Sessions.SweepInterval,
			RetainTerminal:    s.cfg.Sessions.RetainTerminal,
			AuditBuffer:       s.cfg.Sessions.AuditBuffer,
		},
	}

	opts := broker.Options{
		Metrics: s.metricsCollector,
	}
	if s.auditStore != nil {
		opts.Audit = s.auditStore
	}
	if s.cfg.Federation.Enabled {
		fedCfg := federation.DefaultConfig()
		fedCfg.Endpoint = s.cfg.Federation.Endpoint
		if s.cfg.Federation.HeartbeatInterval > 0 {
			fedCfg.HeartbeatInterval = s.cfg.Federation.HeartbeatInterval
		}
		if s.cfg.Federation.HeartbeatTimeout > 0 {
			fedCfg.HeartbeatTimeout = s.cfg.Federation.HeartbeatTimeout
		}
		if s.cfg.Federation.HandshakeTimeout > 0 {
			fedCfg.HandshakeTimeout = s.cfg.Federation.HandshakeTimeout
		}
		if s.cfg.Federation.MaxConsecutiveFailures > 0 {
			fedCfg.MaxConsecutiveFailures = s.cfg.Federation.MaxConsecutiveFailures
		}
		opts.Federation = &fedCfg
	}

	s.broker = broker.NewWithOptions(cfg, s.keys, opts, s.logger)
	return s.broker.Start(s.rootCtx)
}

// restoreSessions rehydrates live sessions from the store and starts
// the mirror that keeps it current.
func (s *Server) restoreSessions() error {
	if s.sessionStore == nil {
		return nil
	}

	s.mirror = persistence.NewSessionMirror(s.sessionStore, s.broker.Sessions(), persistence.MirrorConfig{
		SnapshotInterval: s.cfg.Persistence.SnapshotInterval,
		CleanupInterval:  s.cfg.Persistence.CleanupInterval,
		Retention:        s.cfg.Persistence.Retention,
	}, s.logger)

	ctx, cancel := context.WithTimeout(s.rootCtx, 30*time.Second)
	defer cancel()

	restored, err := s.mirror.Restore(ctx)
	if err != nil {
		return err
	}
	if len(restored) > 0 {
		s.broker.Sessions().Restore(restored)
		s.logger.Info("sessions restored", zap.Int("count", len(restored)))
	}

	s.mirror.Start()
	return nil
}

func (s *Server) initHandlers() {
	s.envelopeHandler = handlers.NewEnvelopeHandler(s.broker, 0, s.logger)
	if s.cfg.Federation.Enabled {
		s.federationHandler = handlers.NewFederationHandler(s.broker, s.logger)
	}

	current := func() *config.Config {
		if s.reloader != nil {
			return s.reloader.Current()
		}
		return s.cfg
	}
	// The link manager only exists under federation; a typed nil must
	// not reach the interface.
	var links handlers.LinkLister
	if lm := s.broker.Links(); lm != nil {
		links = lm
	}
	s.adminHandler = handlers.NewAdminHandler(
		s.broker.Registry(), links, s.broker.Sessions(), current, s.logger)

	s.healthHandler = handlers.NewHealthHandler(s.logger)
	if s.dbPool != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.dbPool.Ping))
	}
	if s.sessionStore != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("session_store", s.sessionStore.Ping))
	}
}

// initReloader watches the config file when one was given. Reload
// swaps the tree served by GET /v1/config; listener and broker
// identity changes still need a restart.
func (s *Server) initReloader() error {
	if s.configPath == "" {
		return nil
	}

	loader := config.NewLoader().WithConfigPath(s.configPath)
	reloader, err := config.NewReloader(loader, s.cfg, s.logger)
	if err != nil {
		return err
	}
	reloader.OnChange(func(old, new *config.Config) {
		s.logger.Info("configuration reloaded",
			zap.Strings("changed_sections", config.ChangedSections(old, new)))
	})
	if err := reloader.Start(); err != nil {
		return err
	}
	s.reloader = reloader
	return nil
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit, s.broker.BrokerID()))

	mux.HandleFunc("POST /v1/envelopes", s.envelopeHandler.HandleIntake)
	if s.federationHandler != nil {
		mux.HandleFunc("GET /v1/federation", s.federationHandler.HandleUpgrade)
	}

	mux.HandleFunc("GET /v1/agents", s.adminHandler.HandleAgents)
	mux.HandleFunc("GET /v1/links", s.adminHandler.HandleLinks)
	mux.HandleFunc("GET /v1/sessions", s.adminHandler.HandleSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/audit", s.adminHandler.HandleSessionAudit)
	mux.HandleFunc("GET /v1/config", s.adminHandler.HandleConfig)

	// The envelope and federation surfaces authenticate themselves;
	// only the admin reads sit behind the JWT.
	skipAuthPaths := []string{
		"/v1/envelopes", "/v1/federation",
		"/health", "/healthz", "/ready", "/readyz", "/version",
	}

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
	}
	if s.cfg.Telemetry.Enabled {
		middlewares = append(middlewares, OTelTracing())
	}
	middlewares = append(middlewares, MetricsMiddleware(s.metricsCollector))
	middlewares = append(middlewares, CORS(s.cfg.Server.CORSOrigin))
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			RateLimiter(s.rootCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	middlewares = append(middlewares, JWTAuth(s.cfg.Auth, skipAuthPaths, s.logger))

	handler := Chain(mux, middlewares...)

	serverConfig := server.Config{
		Addr:            s.cfg.Server.Addr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		MaxConnections:  s.cfg.Server.MaxConnections,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if s.cfg.Server.TLSCert != "" && s.cfg.Server.TLSKey != "" {
		return s.httpManager.StartTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
	}
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            s.cfg.Server.MetricsAddr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	return s.metricsManager.Start()
}

// dialPeers connects to each configured peer, retrying with backoff
// until the handshake lands or shutdown begins. Dial failures at boot
// are routine: peers come up in any order.
func (s *Server) dialPeers() {
	if !s.cfg.Federation.Enabled {
		return
	}

	for _, endpoint := range s.cfg.Federation.Peers {
		s.wg.Add(1)
		go func(endpoint string) {
			defer s.wg.Done()

			delay := time.Second
			for {
				brokerID, err := s.broker.ConnectPeer(s.rootCtx, endpoint)
				if err == nil {
					s.logger.Info("peer connected",
						zap.String("endpoint", endpoint),
						zap.String("broker_id", brokerID))
					return
				}

				s.logger.Warn("peer dial failed",
					zap.String("endpoint", endpoint),
					zap.Duration("retry_in", delay),
					zap.Error(err))

				select {
				case <-s.rootCtx.Done():
					return
				case <-time.After(delay):
				}
				delay *= 2
				if delay > 30*time.Second {
					delay = 30 * time.Second
				}
			}
		}(endpoint)
	}
}

// WaitForShutdown blocks until a termination signal, then tears
// everything down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown drains in dependency order: stop taking new work, snapshot
// what is in flight, then close the engine and its stores.
func (s *Server) Shutdown() {
	s.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	s.rootCancel()

	if s.reloader != nil {
		s.reloader.Stop()
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	// Final snapshot happens while the session table is still live.
	if s.mirror != nil {
		if err := s.mirror.Close(); err != nil {
			s.logger.Error("session mirror shutdown error", zap.Error(err))
		}
	}

	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			s.logger.Error("broker shutdown error", zap.Error(err))
		}
	}

	if s.sessionStore != nil {
		if err := s.sessionStore.Close(); err != nil {
			s.logger.Error("session store close error", zap.Error(err))
		}
	}
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Error("database pool close error", zap.Error(err))
		}
	}

	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.wg.Wait()
	s.logger.Info("shutdown complete")
}
