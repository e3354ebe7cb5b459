// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/swiftline/escrow/internal/audit"
	"github.com/swiftline/escrow/internal/auth"
	"github.com/swiftline/escrow/internal/config"
	"github.com/swiftline/escrow/internal/escrow"
	"github.com/swiftline/escrow/internal/gateway"
	"github.com/swiftline/escrow/internal/health"
	"github.com/swiftline/escrow/internal/idempotency"
	"github.com/swiftline/escrow/internal/logging"
	"github.com/swiftline/escrow/internal/metrics"
	"github.com/swiftline/escrow/internal/notify"
	"github.com/swiftline/escrow/internal/otp"
	"github.com/swiftline/escrow/internal/payout"
	"github.com/swiftline/escrow/internal/ratelimit"
	"github.com/swiftline/escrow/internal/realtime"
	"github.com/swiftline/escrow/internal/security"
	"github.com/swiftline/escrow/internal/traces"
	"github.com/swiftline/escrow/internal/validation"
	"github.com/swiftline/escrow/migrations"
)

// Version is reported by /health and in traces.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil unless REDIS_URL is set
	verifier    *auth.Verifier
	escrow      *escrow.Service
	escrowTimer *escrow.Timer
	payouts     *payout.Dispatcher
	payoutTimer *payout.Timer
	registry    payout.Registry
	adapter     *gateway.Adapter // nil when Daraja is not configured
	notifier    *notify.Dispatcher
	directory   *notify.MemoryDirectory
	realtimeHub *realtime.Hub
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	otpLimiter  *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	shutdownTr  func(context.Context) error

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTr = shutdown

	if err := s.openStorage(ctx); err != nil {
		return nil, err
	}

	s.verifier = auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	s.realtimeHub = realtime.NewHub(s.logger)
	s.health.RegisterRunning("realtime", s.realtimeHub.Running)

	s.setupNotifications()
	s.setupPayouts()
	s.setupEscrow()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// openStorage connects Postgres and Redis when configured. Without
// DATABASE_URL every store is in-memory.
func (s *Server) openStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		s.db = db
		s.health.RegisterPing("postgres", db)
		s.logger.Info("using PostgreSQL storage", "dsn", maskDSN(s.cfg.DatabaseURL))
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
	}

	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.redis.Ping(pingCtx).Err(); err != nil {
			_ = s.redis.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.health.Register("redis", func(ctx context.Context) health.Status {
			if err := s.redis.Ping(ctx).Err(); err != nil {
				return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
		s.logger.Info("using Redis idempotency ledger", "addr", opts.Addr)
	}
	return nil
}

func (s *Server) setupNotifications() {
	s.directory = notify.NewMemoryDirectory()
	channels := []notify.Channel{notify.NewRealtime(s.realtimeHub)}
	if s.cfg.TwilioConfigured() {
		sender := notify.NewTwilioClient(s.cfg.TwilioAccountSID, s.cfg.TwilioAuthToken, s.cfg.TwilioFromNumber)
		channels = append(channels, notify.NewSMS(sender, s.directory))
		s.logger.Info("SMS notifications enabled")
	} else {
		s.logger.Warn("Twilio not configured, delivery codes will not reach buyers by SMS")
	}
	s.notifier = notify.NewDispatcher(s.logger, channels...)
}

func (s *Server) setupPayouts() {
	if s.cfg.MpesaConfigured() {
		client := gateway.NewClient(gateway.ClientConfig{
			BaseURL:            s.cfg.MpesaBaseURL,
			ConsumerKey:        s.cfg.MpesaConsumerKey,
			ConsumerSecret:     s.cfg.MpesaConsumerSecret,
			ShortCode:          s.cfg.MpesaShortCode,
			Passkey:            s.cfg.MpesaPasskey,
			CallbackURL:        s.cfg.MpesaCallbackURL,
			ResultURL:          s.cfg.MpesaResultURL,
			TimeoutURL:         s.cfg.MpesaTimeoutURL,
			InitiatorName:      s.cfg.MpesaInitiatorName,
			SecurityCredential: s.cfg.MpesaSecurityCredential,
		})
		var refs gateway.ReferenceStore
		if s.db != nil {
			refs = escrow.NewPostgresStore(s.db)
		}
		s.adapter = gateway.NewAdapter(client, refs, s.cfg.MpesaWebhookSecret, s.logger)
		s.logger.Info("M-Pesa gateway enabled", "baseUrl", s.cfg.MpesaBaseURL, "shortCode", s.cfg.MpesaShortCode)

		breaker := s.adapter.Breaker()
		s.health.Register("mpesa_circuit", func(context.Context) health.Status {
			if open := breaker.Open(); len(open) > 0 {
				return health.Status{Name: "mpesa_circuit", Healthy: false, Detail: "open: " + strings.Join(open, ",")}
			}
			return health.Status{Name: "mpesa_circuit", Healthy: true}
		})
	} else {
		s.logger.Warn("M-Pesa not configured, payments cannot be initiated")
	}

	var (
		store     payout.Store
		disburser payout.Disburser = unconfiguredDisburser{}
	)
	if s.db != nil {
		store = payout.NewPostgresStore(s.db)
		s.registry = payout.NewPostgresRegistry(s.db)
	} else {
		store = payout.NewMemoryStore()
		s.registry = payout.NewMemoryRegistry()
	}
	if s.adapter != nil {
		disburser = s.adapter
	}

	s.payouts = payout.NewDispatcher(store, disburser, payout.Config{
		MaxAttempts: s.cfg.PayoutMaxAttempts,
		BaseDelay:   s.cfg.PayoutBaseDelay,
		MaxDelay:    s.cfg.PayoutMaxDelay,
	}, s.logger).WithNotifier(s.notifier)
	s.payoutTimer = payout.NewTimer(s.payouts, s.cfg.PayoutInterval, s.logger)
	s.health.RegisterRunning("payout_timer", s.payoutTimer.Running)
}

func (s *Server) setupEscrow() {
	var (
		store  escrow.Store
		ledger idempotency.Ledger
		codes  otp.Store
		trail  audit.Logger
	)
	if s.db != nil {
		store = escrow.NewPostgresStore(s.db)
		ledger = idempotency.NewPostgresLedger(s.db)
		codes = otp.NewPostgresStore(s.db)
		trail = audit.NewPostgresLogger(s.db)
	} else {
		store = escrow.NewMemoryStore()
		ledger = idempotency.NewMemoryLedger()
		codes = otp.NewMemoryStore()
		trail = audit.NewMemoryLogger()
	}
	if s.redis != nil {
		ledger = idempotency.NewRedisLedger(s.redis, idempotency.DefaultRedisRetention)
	}

	machine := escrow.NewMachine(escrow.Policy{
		PaymentWindow:     s.cfg.PaymentWindow,
		AcceptanceWindow:  s.cfg.AcceptanceWindow,
		ShippingWindow:    s.cfg.ShippingWindow,
		DeliveryWindow:    s.cfg.DeliveryWindow,
		DisputeWindow:     s.cfg.DisputeWindow,
		AutoDeliverWindow: s.cfg.AutoDeliverWindow,
	}, s.cfg.SupportedCurrencies)

	otpService := otp.NewService(codes, otp.Config{
		Length:      s.cfg.OTPLength,
		TTL:         s.cfg.OTPTTL,
		MaxAttempts: s.cfg.OTPMaxAttempts,
		Cooldown:    s.cfg.OTPCooldown,
	}, s.logger)

	s.escrow = escrow.NewService(store, machine, s.logger).
		WithLedger(ledger).
		WithDeliveryCodes(otpService).
		WithSettler(s.payouts).
		WithPayoutMethods(s.registry).
		WithAudit(trail).
		WithNotifier(s.notifier)
	if s.adapter != nil {
		s.escrow.WithGateway(s.adapter)
	}

	s.escrowTimer = escrow.NewTimer(s.escrow, store, escrow.TimerConfig{
		Interval:     s.cfg.SweepInterval,
		BatchSize:    s.cfg.SweepBatchSize,
		PollInterval: s.cfg.PaymentPollInterval,
		RetryBackoff: s.cfg.SweepRetryBackoff,
		MaxBackoff:   s.cfg.SweepMaxBackoff,
	}, s.logger)
	s.health.RegisterRunning("escrow_timer", s.escrowTimer.Running)
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

// unconfiguredDisburser keeps payouts queued until Daraja credentials are
// supplied. Each attempt fails transiently and is retried with backoff.
type unconfiguredDisburser struct{}

var errDisburserUnconfigured = errors.New("M-Pesa disbursement is not configured")

func (unconfiguredDisburser) Disburse(context.Context, string, decimal.Decimal, string, string) (string, error) {
	return "", errDisburserUnconfigured
}

func (unconfiguredDisburser) Reverse(context.Context, string, string, decimal.Decimal, string) (string, error) {
	return "", errDisburserUnconfigured
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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Auth runs before rate limiting so buckets key by actor.
	s.router.Use(auth.Middleware(s.verifier))
	limits := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limits.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limits)
	s.otpLimiter = ratelimit.New(ratelimit.OTPConfig())
	s.router.Use(s.rateLimiter.MiddlewareWithKey(ratelimit.ActorOrIP))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.phoneDirectoryMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = audit.WithRequestID(ctx, requestID)
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
				"latencyMs", latency.Milliseconds(),
				"clientIp", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latencyMs", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latencyMs", latency.Milliseconds(),
			)
		}
	}
}

// phoneDirectoryMiddleware records the phone carried in a principal's token
// so SMS notifications can reach sellers and buyers alike.
func (s *Server) phoneDirectoryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if p, ok := auth.GetPrincipal(c); ok && p.Phone != "" {
			s.directory.Set(p.ID, validation.NormalizeMSISDN(p.Phone))
		}
		c.Next()
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

	v1 := s.router.Group("/v1")
	v1.GET("", s.infoHandler)

	escrowHandler := escrow.NewHandler(s.escrow)
	if s.adapter != nil {
		escrowHandler.WithWebhooks(s.adapter)
	}
	// Provider callbacks carry no bearer token.
	escrowHandler.RegisterWebhookRoutes(v1)

	authed := v1.Group("", auth.RequireAuth())
	escrowHandler.RegisterRoutes(authed, s.otpLimiter.MiddlewareWithKey(ratelimit.ActorOrIP))
	payout.NewHandler(s.payouts, s.registry).
		WithPhoneBook(s.directory).
		RegisterRoutes(authed)

	v1.GET("/ws", s.realtimeHub.Handler(s.verifier))
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

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, HealthResponse{
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
	c.JSON(http.StatusOK, gin.H{
		"name":        "Swiftline Escrow",
		"description": "Buyer-protected M-Pesa payments",
		"version":     Version,
		"currencies":  s.cfg.SupportedCurrencies,
		"mpesa":       s.adapter != nil,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	go s.realtimeHub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)
	go s.payoutTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
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
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.escrowTimer.Stop()
	s.payoutTimer.Stop()
	s.logger.Info("timers stopped")

	// Let in-flight SMS and realtime fan-out finish.
	s.notifier.Wait()

	s.rateLimiter.Stop()
	s.otpLimiter.Stop()

	if s.shutdownTr != nil {
		if err := s.shutdownTr(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
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

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Escrow returns the transaction service.
func (s *Server) Escrow() *escrow.Service {
	return s.escrow
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
