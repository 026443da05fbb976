// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/sybilguard/internal/auth"
	"github.com/mbd888/sybilguard/internal/circuitbreaker"
	"github.com/mbd888/sybilguard/internal/config"
	"github.com/mbd888/sybilguard/internal/fingerprint"
	"github.com/mbd888/sybilguard/internal/health"
	"github.com/mbd888/sybilguard/internal/identity"
	"github.com/mbd888/sybilguard/internal/idgen"
	"github.com/mbd888/sybilguard/internal/logging"
	"github.com/mbd888/sybilguard/internal/metrics"
	"github.com/mbd888/sybilguard/internal/ratelimit"
	"github.com/mbd888/sybilguard/internal/realtime"
	"github.com/mbd888/sybilguard/internal/security"
	"github.com/mbd888/sybilguard/internal/sybil"
	"github.com/mbd888/sybilguard/internal/traces"
	"github.com/mbd888/sybilguard/internal/validation"
)

// Version is reported by the health endpoint; set by ldflags in cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	fingerprints fingerprint.Store
	scores       sybil.Store
	audit        sybil.AuditLog
	identity     identity.Provider
	sybil        *sybil.Service
	keyring      *auth.Keyring
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error

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

// WithIdentityProvider sets a custom identity provider (for testing)
func WithIdentityProvider(p identity.Provider) Option {
	return func(s *Server) {
		s.identity = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(2 * time.Second),
	}

	// Apply options first (may set identity/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     Version,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.stopTracing = stopTracing

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		if err := s.openPostgres(ctx); err != nil {
			return nil, err
		}
	} else {
		s.fingerprints = fingerprint.NewMemoryStore()
		s.scores = sybil.NewMemoryStore()
		s.audit = sybil.NewMemoryAuditLog()
		s.logger.Warn("using in-memory storage, data is lost on restart")
	}

	if s.identity == nil {
		if err := s.setupIdentity(ctx); err != nil {
			return nil, err
		}
	}

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(cfg.CORSOrigins))

	s.sybil = sybil.NewService(s.fingerprints, s.scores, s.audit, s.identity).
		WithEvents(s.realtimeHub).
		WithWorkers(cfg.BatchWorkers).
		WithMaxBatchSize(cfg.MaxBatchSize)

	s.keyring = auth.NewKeyring(cfg.OperatorKeys, cfg.AdminSecret)
	if cfg.IsDevelopment() && s.keyring.Len() == 0 {
		s.keyring.WithAnonymous("dev")
		s.logger.Warn("no operator keys configured, admin API open as operator \"dev\"")
	} else {
		s.logger.Info("operator authentication enabled", "operators", s.keyring.Operators())
	}
	if cfg.IngestKey == "" {
		s.logger.Warn("INGEST_KEY not set, fingerprint ingestion is unauthenticated")
	}

	s.registerHealthChecks()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) openPostgres(ctx context.Context) error {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	fpStore := fingerprint.NewPostgresStore(db)
	scoreStore := sybil.NewPostgresStore(db)
	auditLog := sybil.NewPostgresAuditLog(db)

	migrators := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"fingerprint", fpStore.Migrate},
		{"scores", scoreStore.Migrate},
		{"audit", auditLog.Migrate},
	}
	for _, m := range migrators {
		if err := m.fn(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to migrate %s store: %w", m.name, err)
		}
	}

	s.db = db
	s.fingerprints = fpStore
	s.scores = scoreStore
	s.audit = auditLog
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) setupIdentity(ctx context.Context) error {
	if s.cfg.IdentityURL == "" {
		if s.cfg.IsProduction() {
			return errors.New("IDENTITY_URL is required in production")
		}
		s.identity = identity.NewMemoryProvider()
		s.logger.Warn("IDENTITY_URL not set, every wallet is treated as unverified")
		return nil
	}

	if err := security.ValidateUpstreamURL(ctx, s.cfg.IdentityURL, s.cfg.IdentityAllowPrivate); err != nil {
		return fmt.Errorf("invalid IDENTITY_URL: %w", err)
	}
	s.identity = identity.NewHTTPProvider(identity.HTTPConfig{
		BaseURL: s.cfg.IdentityURL,
		APIKey:  s.cfg.IdentityAPIKey,
		Timeout: s.cfg.IdentityTimeout,
	})
	s.logger.Info("identity provider configured", "url", s.cfg.IdentityURL)
	return nil
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.health.Register("database", s.db.PingContext)
	}

	if p, ok := s.identity.(*identity.HTTPProvider); ok {
		s.health.RegisterOptional("identity", func(context.Context) error {
			if state := p.CircuitState(); state == circuitbreaker.StateOpen {
				return fmt.Errorf("circuit %s", state)
			}
			return nil
		})
	}
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
	// Recovery with logging
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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware(auth.Identify(s.keyring, s.cfg.IngestKey)))

	// Prometheus metrics and tracing
	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Reuse a well-formed ID from the load balancer
		requestID := c.GetHeader("X-Request-ID")
		if !idgen.Valid(requestID) {
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

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())
		if op := auth.GetOperator(c); op != "" {
			logger = logger.With("operator", op)
		}

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	fpHandler := fingerprint.NewHandler(s.fingerprints)

	// Fingerprint ingestion from the app backend
	ingest := v1.Group("")
	ingest.Use(auth.RequireIngestKey(s.cfg.IngestKey))
	fpHandler.RegisterIngestRoutes(ingest)

	// Operator API
	admin := v1.Group("")
	admin.Use(auth.Middleware(s.keyring), auth.RequireOperator())
	sybil.NewHandler(s.sybil).RegisterRoutes(admin)
	fpHandler.RegisterRoutes(admin)

	admin.GET("/scores/stream", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	admin.GET("/scores/stream/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	rep := s.health.Check(ctx)

	httpStatus := http.StatusOK
	if !rep.Ready() {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    string(rep.Level),
		Version:   Version,
		Checks:    rep.Checks,
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
	if rep := s.health.Check(c.Request.Context()); !rep.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": rep.Checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.cfg.ShutdownDrain > 0 {
		time.Sleep(s.cfg.ShutdownDrain)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stops the hub and the DB stats collector
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
