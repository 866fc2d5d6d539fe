// Package server wires the registry, its storage and its notifiers behind
// the HTTP API.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/phraseclaim/internal/auth"
	"github.com/mbd888/phraseclaim/internal/circuitbreaker"
	"github.com/mbd888/phraseclaim/internal/config"
	"github.com/mbd888/phraseclaim/internal/health"
	"github.com/mbd888/phraseclaim/internal/idgen"
	"github.com/mbd888/phraseclaim/internal/logging"
	"github.com/mbd888/phraseclaim/internal/metrics"
	"github.com/mbd888/phraseclaim/internal/ratelimit"
	"github.com/mbd888/phraseclaim/internal/realtime"
	"github.com/mbd888/phraseclaim/internal/registry"
	"github.com/mbd888/phraseclaim/internal/security"
	"github.com/mbd888/phraseclaim/internal/syncutil"
	"github.com/mbd888/phraseclaim/internal/validation"
	"github.com/mbd888/phraseclaim/internal/webhooks"
	"github.com/mbd888/phraseclaim/migrations"
)

// Version is reported by /health. Set by ldflags in cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	store       registry.Store
	service     *registry.Service
	timer       *registry.Timer
	authMgr     *auth.Manager
	webhooks    *webhooks.Dispatcher // nil without WEBHOOK_URLS
	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter
	health      *health.Registry
	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil without REDIS_URL
	closeStore  func() error
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	clock       registry.Clock
	drainDelay  time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore injects a store instead of opening one from config (for testing)
func WithStore(store registry.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithClock replaces the registry clock (for testing)
func WithClock(c registry.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
		health:     health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.openStore(ctx); err != nil {
		return nil, err
	}
	s.health.Register("store", health.Ping("store", s.store.Ping))
	if s.db != nil {
		if err := metrics.RegisterDB(s.db, "phraseclaim"); err != nil {
			s.logger.Warn("db stats collector not registered", "error", err)
		}
	}

	policy := registry.Policy{
		Mode:              registry.Mode(cfg.ConfirmationMode),
		MaxPayloadBytes:   cfg.MaxPayloadBytes,
		DefaultPeriod:     cfg.DefaultPeriod,
		RequireClaimToken: cfg.RequireClaimToken,
		OpenSweep:         cfg.OpenSweep,
	}
	s.service = registry.NewService(s.store, policy).WithLogger(s.logger)
	if s.clock != nil {
		s.service.WithClock(s.clock)
	}

	if cfg.RedisURL != "" {
		if err := s.openRedis(ctx); err != nil {
			s.cleanup()
			return nil, err
		}
	}

	// Notifiers run after commit, in registration order.
	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(cfg.CORSOrigins))
	s.service.WithNotifier(s.realtimeHub)
	s.service.WithNotifier(registry.LogNotifier{Logger: s.logger})

	if len(cfg.WebhookURLs) > 0 {
		s.webhooks = webhooks.NewDispatcher(s.logger)
		for _, u := range cfg.WebhookURLs {
			if _, err := s.webhooks.Add(u, cfg.WebhookSecret); err != nil {
				s.cleanup()
				return nil, err
			}
		}
		s.service.WithNotifier(s.webhooks)
		s.logger.Info("webhooks enabled", "endpoints", len(cfg.WebhookURLs))
	}

	admin, err := s.service.Authority().Bootstrap(ctx, cfg.Admin())
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}
	if admin != cfg.Admin() {
		s.logger.Warn("stored admin differs from ADMIN_ADDRESS; keeping stored admin",
			"stored", admin.Hex(), "configured", cfg.Admin().Hex())
	}

	s.timer = registry.NewTimer(s.service, s.store, s.logger).
		WithInterval(cfg.SweepInterval).
		WithBatch(cfg.SweepBatch)
	s.health.Register("timer", health.Flag("timer", s.timer.Running, "expiry sweep not running"))

	s.authMgr = auth.NewManager(cfg.JWTSecret, cfg.JWTTTL)
	s.rateLimiter = ratelimit.New(ratelimit.ConfigForRPM(cfg.RateLimitRPM))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) openStore(ctx context.Context) error {
	switch {
	case s.store != nil:
		s.logger.Info("using injected store")
		s.closeStore = func() error { return nil }

	case s.cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db, migrations.Postgres); err != nil {
			_ = db.Close()
			return err
		}
		s.db = db
		s.store = registry.NewPostgresStore(db)
		s.closeStore = db.Close
		s.logger.Info("using postgres store", "dsn", maskDSN(s.cfg.DatabaseURL))

	case s.cfg.SQLitePath != "":
		st, err := registry.OpenSQLite(ctx, s.cfg.SQLitePath)
		if err != nil {
			return err
		}
		s.db = st.DB()
		s.store = st
		s.closeStore = st.Close
		s.logger.Info("using sqlite store", "path", s.cfg.SQLitePath)

	default:
		s.store = registry.NewMemoryStore()
		s.closeStore = func() error { return nil }
		s.logger.Warn("using in-memory store; state is lost on restart")
	}
	return nil
}

func (s *Server) openRedis(ctx context.Context) error {
	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	s.redis = redis.NewClient(opts)
	locker := syncutil.NewRedisMutex(s.redis, syncutil.WithReleaseErrorHandler(func(name string, err error) {
		s.logger.Warn("redis lock release failed", "name", name, "error", err)
	}))
	if err := locker.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.service.WithLocker(locker)
	s.health.Register("redis", health.Ping("redis", locker.Ping))
	s.logger.Info("using redis locks", "addr", opts.Addr)
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Auth runs before rate limiting so callers are limited per address.
	s.router.Use(auth.Middleware(s.authMgr))
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", gin.WrapH(s.realtimeHub))

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)
	v1.GET("/stream/stats", s.streamStatsHandler)
	auth.NewHandler(s.authMgr).RegisterRoutes(v1)

	registryHandler := registry.NewHandler(s.service)
	registryHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	registryHandler.RegisterProtectedRoutes(protected)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	p := s.service.Policy()
	c.JSON(http.StatusOK, gin.H{
		"name":              "phraseclaim",
		"version":           Version,
		"confirmationMode":  p.Mode,
		"maxPayloadBytes":   s.cfg.MaxPayloadBytes,
		"defaultPeriodSecs": int64(p.DefaultPeriod / time.Second),
		"requireClaimToken": p.RequireClaimToken,
		"openSweep":         p.OpenSweep,
		"webhooks":          s.webhookStatus(),
	})
}

// webhookStatus reports endpoint health without URLs, which may carry
// credentials.
func (s *Server) webhookStatus() gin.H {
	if s.webhooks == nil {
		return gin.H{"enabled": false}
	}
	subs := s.webhooks.Subscriptions()
	open := 0
	for _, sub := range subs {
		if sub.Circuit != circuitbreaker.StateClosed {
			open++
		}
	}
	return gin.H{"enabled": true, "endpoints": len(subs), "circuitsOpen": open}
}

func (s *Server) streamStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves HTTP and runs the background workers until ctx is cancelled, a
// termination signal arrives, or a component fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "admin", s.cfg.Admin().Hex())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error { s.realtimeHub.Run(gctx); return nil })
	g.Go(func() error { s.timer.Start(gctx); return nil })
	if s.webhooks != nil {
		g.Go(func() error { s.webhooks.Run(gctx); return nil })
	}

	g.Go(func() error {
		s.ready.Store(true)
		s.logger.Info("server ready")
		<-gctx.Done()
		s.logger.Info("shutdown requested")
		return s.shutdownHTTP()
	})

	err := g.Wait()
	s.cleanup()
	s.logger.Info("server stopped")
	return err
}

func (s *Server) shutdownHTTP() error {
	s.ready.Store(false)

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}
	return nil
}

// cleanup releases everything New opened.
func (s *Server) cleanup() {
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.closeStore != nil {
		if err := s.closeStore(); err != nil {
			s.logger.Error("store close error", "error", err)
		} else {
			s.logger.Info("store closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service returns the registry service.
func (s *Server) Service() *registry.Service {
	return s.service
}

// AuthManager returns the token manager.
func (s *Server) AuthManager() *auth.Manager {
	return s.authMgr
}
