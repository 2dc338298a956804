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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/gigescrow/internal/auth"
	"github.com/mbd888/gigescrow/internal/circuitbreaker"
	"github.com/mbd888/gigescrow/internal/commission"
	"github.com/mbd888/gigescrow/internal/config"
	"github.com/mbd888/gigescrow/internal/dedup"
	"github.com/mbd888/gigescrow/internal/escrow"
	"github.com/mbd888/gigescrow/internal/health"
	"github.com/mbd888/gigescrow/internal/idgen"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/notify"
	"github.com/mbd888/gigescrow/internal/ratelimit"
	"github.com/mbd888/gigescrow/internal/realtime"
	"github.com/mbd888/gigescrow/internal/reconciliation"
	"github.com/mbd888/gigescrow/internal/retry"
	"github.com/mbd888/gigescrow/internal/security"
	"github.com/mbd888/gigescrow/internal/validation"
	"github.com/mbd888/gigescrow/internal/webhooks"
)

const (
	defaultDrainDelay   = 5 * time.Second
	notifyTimeout       = 5 * time.Second
	dedupKeyPrefix      = "gigescrow:webhook:"
	breakerThreshold    = 5
	breakerOpenDuration = 30 * time.Second
	maxCommitBackoff    = 2 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	version       string
	store         escrow.Store
	checkout      escrow.PaymentInitiator
	publisher     notify.Publisher
	escrowService *escrow.Service
	escrowTimer   *escrow.Timer
	reconciler    *reconciliation.Runner
	hub           *realtime.Hub
	reconcileTmr  *reconciliation.Timer
	ingestor      *webhooks.Ingestor
	rateLimiter   *ratelimit.Limiter
	checks        *health.Registry
	db            *sql.DB       // nil if using in-memory
	redis         *redis.Client // nil without REDIS_URL
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	drainDelay    time.Duration
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithVersion sets the version reported by /health and build metrics.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithStore overrides the escrow store selected from DATABASE_URL (for testing)
func WithStore(store escrow.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithCheckout overrides the Stripe checkout initiator (for testing)
func WithCheckout(p escrow.PaymentInitiator) Option {
	return func(s *Server) {
		s.checkout = p
	}
}

// WithPublisher sets the transition event publisher instead of Kafka (for testing)
func WithPublisher(p notify.Publisher) Option {
	return func(s *Server) {
		s.publisher = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		checks:     health.NewRegistry(),
		drainDelay: defaultDrainDelay,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	calc, err := commission.NewCalculator(cfg.Commission())
	if err != nil {
		return nil, fmt.Errorf("invalid commission schedule: %w", err)
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	storeKind := "custom"
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := openDatabase(ctx, cfg.DatabaseURL)
			if err != nil {
				return nil, err
			}
			s.db = db
			s.store = escrow.NewPostgresStore(db)
			s.checks.RegisterPing("database", db.PingContext)
			storeKind = "postgres"
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = escrow.NewMemoryStore()
			storeKind = "memory"
			s.logger.Warn("using in-memory storage, escrow state is lost on restart")
		}
	}

	// Processed webhook events: Redis when configured so replicas share it
	var seen dedup.Cache
	if cfg.RedisURL != "" {
		client, err := dedup.Connect(ctx, cfg.RedisURL)
		if err != nil {
			s.closeStorage()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		seen = dedup.NewRedisCache(client, dedupKeyPrefix, cfg.DedupTTL)
		s.checks.RegisterPing("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		s.logger.Info("using Redis webhook dedup cache", "url", maskDSN(cfg.RedisURL))
	} else {
		seen = dedup.NewMemoryCache(cfg.DedupTTL)
	}

	// Transition events
	if s.publisher == nil && len(cfg.KafkaBrokers) > 0 {
		pub, err := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic,
			circuitbreaker.New(breakerThreshold, breakerOpenDuration))
		if err != nil {
			s.closeStorage()
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		s.publisher = pub
		s.logger.Info("publishing escrow transitions to kafka",
			"brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	// Payment initiation
	if s.checkout == nil && cfg.StripeSecretKey != "" {
		s.checkout = escrow.NewStripeCheckout(cfg.StripeSecretKey, cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL)
	}

	s.escrowService = escrow.NewService(s.store, calc, s.logger).
		WithApprovalWindow(cfg.ApprovalWindow).
		WithCommitPolicy(retry.Policy{
			MaxAttempts: cfg.CommitAttempts,
			BaseDelay:   cfg.CommitBaseDelay,
			MaxDelay:    maxCommitBackoff,
		})

	// Committed transitions go to connected parties and, when configured, Kafka
	s.hub = realtime.NewHub(s.logger, cfg.CORSAllowedOrigins)
	notifiers := notify.Fanout{s.hub}
	if s.publisher != nil {
		notifiers = append(notifiers, notify.NewTransitionNotifier(s.publisher, notifyTimeout, s.logger))
	}
	s.escrowService.WithNotifier(notifiers)
	if s.checkout != nil {
		s.escrowService.WithCheckout(s.checkout)
	} else {
		s.logger.Info("checkout initiation disabled (no STRIPE_SECRET_KEY set)")
	}

	s.escrowTimer = escrow.NewTimer(s.escrowService, s.store, cfg.SweepInterval, s.logger)
	s.checks.RegisterRunning("approval_timer", s.escrowTimer.Running)

	s.reconciler = reconciliation.NewRunner(s.store, s.logger).
		WithApprovalGrace(2 * cfg.SweepInterval)
	s.reconcileTmr = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.ingestor = webhooks.NewIngestor(cfg.StripeWebhookSecret, s.escrowService, s.logger).WithDedup(seen)

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitPerMinute,
		BurstSize:         cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})

	metrics.SetBuildInfo(s.version, storeKind)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func openDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// The database may still be starting alongside the service.
	if err := retry.Do(ctx, 5, 500*time.Millisecond, func() error {
		return db.PingContext(ctx)
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream request ID (gateway, load balancer) when it is sane
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
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

	// Processor webhooks authenticate by signature, not by user
	webhooks.NewHandler(s.ingestor, s.cfg.WebhookTimeout).RegisterRoutes(v1)

	escrowHandler := escrow.NewHandler(s.escrowService)

	api := v1.Group("")
	api.Use(s.rateLimiter.Middleware(ratelimit.ByUserOrIP(auth.HeaderUser)), auth.Middleware())
	escrowHandler.RegisterRoutes(api)

	protected := api.Group("")
	protected.Use(auth.RequireAuth())
	escrowHandler.RegisterProtectedRoutes(protected)
	s.hub.RegisterProtectedRoutes(protected)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret), auth.Middleware())
	escrowHandler.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)
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
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    statuses,
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
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Background loops stop when runCtx is cancelled
	go s.escrowTimer.Start(runCtx)
	go s.reconcileTmr.Start(runCtx)
	go s.hub.Run(runCtx)

	// Pool and runtime gauges
	go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		s.closeStorage()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.escrowTimer.Stop()
	s.reconcileTmr.Stop()
	s.logger.Info("escrow timers stopped")

	s.rateLimiter.Stop()

	s.closeStorage()

	s.logger.Info("server stopped")
	return nil
}

// closeStorage releases the publisher, Redis and database handles.
func (s *Server) closeStorage() {
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("publisher close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// EscrowService exposes the wired service (for testing and tooling)
func (s *Server) EscrowService() *escrow.Service {
	return s.escrowService
}
