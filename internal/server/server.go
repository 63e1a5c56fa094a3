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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/shplabs/shpbridge/internal/bridge"
	"github.com/shplabs/shpbridge/internal/chain"
	"github.com/shplabs/shpbridge/internal/circuitbreaker"
	"github.com/shplabs/shpbridge/internal/config"
	"github.com/shplabs/shpbridge/internal/gateway"
	"github.com/shplabs/shpbridge/internal/health"
	"github.com/shplabs/shpbridge/internal/kes"
	"github.com/shplabs/shpbridge/internal/kyc"
	"github.com/shplabs/shpbridge/internal/logging"
	"github.com/shplabs/shpbridge/internal/metrics"
	"github.com/shplabs/shpbridge/internal/oracle"
	"github.com/shplabs/shpbridge/internal/ratelimit"
	"github.com/shplabs/shpbridge/internal/realtime"
	"github.com/shplabs/shpbridge/internal/rebase"
	"github.com/shplabs/shpbridge/internal/security"
	"github.com/shplabs/shpbridge/internal/signals"
	"github.com/shplabs/shpbridge/internal/traces"
	"github.com/shplabs/shpbridge/internal/validation"
)

// BridgeResumeInterval is how often the settlement timer sweeps
// non-terminal settlements forward.
const BridgeResumeInterval = 30 * time.Second

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	chain         *chain.Client
	payments      *gateway.Router
	kycGate       *kyc.Gate
	breaker       *circuitbreaker.Breaker
	bridgeService *bridge.Service
	bridgeTimer   *bridge.Timer
	oracleService *oracle.Service
	oracleTimer   *oracle.Timer
	rebaseService *rebase.Service
	rebaseTimer   *rebase.Timer
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	checks        *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
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

// WithChain sets a custom chain client (for testing)
func WithChain(c *chain.Client) Option {
	return func(s *Server) {
		s.chain = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set chain/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var bridgeStore bridge.Store
	var rebaseStore rebase.EventStore
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		bridgeStore = bridge.NewPostgresStore(db)
		rebaseStore = rebase.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		bridgeStore = bridge.NewMemoryStore()
		rebaseStore = rebase.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Create chain client if not injected
	if s.chain == nil {
		c, err := chain.New(chain.Config{
			RPCURL:         cfg.RPCURL,
			PrivateKey:     cfg.PrivateKey,
			ChainID:        cfg.ChainID,
			BridgeContract: cfg.BridgeContract,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create chain client: %w", err)
		}
		s.chain = c
	}

	// Payment rails
	s.payments = gateway.NewRouter()
	if cfg.MobileMoneyBaseURL != "" {
		s.payments.Register(gateway.RailMobileMoney, gateway.NewDaraja(gateway.DarajaConfig{
			BaseURL:            cfg.MobileMoneyBaseURL,
			AppKey:             cfg.MobileMoneyAppKey,
			AppSecret:          cfg.MobileMoneyAppSecret,
			ShortCode:          cfg.MobileMoneyShortCode,
			PassKey:            cfg.MobileMoneyPassKey,
			InitiatorName:      cfg.MobileMoneyInitiator,
			SecurityCredential: cfg.MobileMoneySecurityCred,
			CallbackURL:        cfg.MobileMoneyCallbackURL,
		}))
		s.logger.Info("mobile money rail enabled", "shortCode", cfg.MobileMoneyShortCode)
	}
	if cfg.StripeAPIKey != "" {
		s.payments.Register(gateway.RailBank, gateway.NewBank(cfg.StripeAPIKey))
		s.logger.Info("bank rail enabled")
	}

	// KYC gate (verification required above the transfer threshold)
	threshold, ok := kes.Parse(cfg.KYCThreshold)
	if !ok {
		return nil, fmt.Errorf("invalid KYC threshold %q", cfg.KYCThreshold)
	}
	var verifier kyc.Verifier
	if cfg.KYCBaseURL != "" {
		verifier = kyc.NewHTTPVerifier(cfg.KYCBaseURL)
		s.logger.Info("KYC verification enabled", "provider", cfg.KYCBaseURL)
	} else {
		verifier = kyc.NewStaticVerifier()
		s.logger.Info("KYC verification using static allowlist (demo)")
	}
	s.kycGate = kyc.NewGate(verifier, threshold)

	// Circuit breaker shared by ledger and gateway calls
	s.breaker = circuitbreaker.New(5, 30*time.Second)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker state change",
			"key", key,
			"from", from.String(),
			"to", to.String(),
		)
	})

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Settlement pipeline
	s.bridgeService = bridge.NewService(
		bridgeStore,
		&chainLedgerAdapter{s.chain},
		s.payments,
		s.kycGate,
		s.logger,
		bridge.WithBreaker(s.breaker),
		bridge.WithNotifier(s.realtimeHub),
		bridge.WithCallTimeout(cfg.ExternalCallTimeout),
		bridge.WithMaxAttempts(cfg.MaxSettleAttempts),
	)
	s.bridgeTimer = bridge.NewTimer(s.bridgeService, BridgeResumeInterval, s.logger)
	s.logger.Info("settlement pipeline enabled",
		"kycThreshold", cfg.KYCThreshold,
		"maxAttempts", cfg.MaxSettleAttempts,
	)

	// Economic signal sources. Any metric without a configured upstream
	// falls back to static demo values.
	mux := signals.NewMux()
	fallback := signals.NewStatic(map[signals.Metric]float64{
		signals.MetricGrowthRate:        2.5,
		signals.MetricTransactionVolume: 50_000_000,
		signals.MetricUserGrowth:        1.2,
		signals.MetricReserveValuation:  1_000_000,
	})
	registerSource := func(metric signals.Metric, baseURL string) {
		if baseURL != "" {
			mux.Register(metric, signals.NewHTTPSource(baseURL))
			return
		}
		mux.Register(metric, fallback)
		s.logger.Info("using static signal source (demo)", "metric", string(metric))
	}
	registerSource(signals.MetricGrowthRate, cfg.CentralBankAPIURL)
	registerSource(signals.MetricTransactionVolume, cfg.TelcoAPIURL)
	registerSource(signals.MetricUserGrowth, cfg.PlatformStatsURL)
	registerSource(signals.MetricReserveValuation, cfg.PlatformStatsURL)

	// Peg oracle
	s.oracleService = oracle.NewService(
		mux,
		&oracleLedgerAdapter{s.chain},
		s.logger,
		oracle.WithThresholds(cfg.GrowthThreshold, cfg.VolumeThreshold),
		oracle.WithInterval(cfg.OracleInterval),
		oracle.WithNotifier(s.realtimeHub),
	)
	s.oracleTimer = oracle.NewTimer(s.oracleService, cfg.OracleInterval, s.logger)
	s.logger.Info("peg oracle enabled", "interval", cfg.OracleInterval.String())

	// Supply rebase engine
	s.rebaseService = rebase.NewService(
		mux,
		&rebaseLedgerAdapter{s.chain},
		rebaseStore,
		s.logger,
		rebase.WithVolumeThreshold(cfg.VolumeThreshold),
		rebase.WithNotifier(s.realtimeHub),
	)
	s.rebaseTimer = rebase.NewTimer(s.rebaseService, cfg.RebaseInterval, s.logger)
	s.logger.Info("supply rebase enabled", "interval", cfg.RebaseInterval.String())

	// Health checks
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	chainClient := s.chain
	s.checks.Register("chain", func(ctx context.Context) health.Status {
		if _, err := chainClient.TotalSupply(ctx); err != nil {
			return health.Status{Name: "chain", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "chain", Healthy: true}
	})

	// Distributed tracing (no-op without an OTLP endpoint)
	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.traceShutdown = shutdown

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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limitCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info endpoints
	s.router.GET("/", s.infoHandler)
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :requestId URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.RequestIDParamMiddleware())

	v1.GET("/platform", s.platformHandler)

	bridgeHandler := bridge.NewHandler(s.bridgeService)
	bridgeHandler.RegisterRoutes(v1)

	oracleHandler := oracle.NewHandler(s.oracleService)
	oracleHandler.RegisterRoutes(v1)

	rebaseHandler := rebase.NewHandler(s.rebaseService)
	rebaseHandler.RegisterRoutes(v1)

	// Operator routes. Deploys put these behind network policy; they
	// are not exposed on the public ingress.
	admin := v1.Group("/admin")
	bridgeHandler.RegisterAdminRoutes(admin)
	oracleHandler.RegisterAdminRoutes(admin)
	rebaseHandler.RegisterAdminRoutes(admin)
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "SHP Bridge",
		"description": "Settlement bridge between payment rails and the SHP stablecoin",
		"version":     "0.1.0",
		"currency":    "SHP",
		"chainId":     s.cfg.ChainID,
	})
}

// platformHandler returns platform info including the operator address
// and which payment rails are live.
func (s *Server) platformHandler(c *gin.Context) {
	rails := []string{}
	if _, err := s.payments.For(gateway.RailMobileMoney); err == nil {
		rails = append(rails, string(gateway.RailMobileMoney))
	}
	if _, err := s.payments.For(gateway.RailBank); err == nil {
		rails = append(rails, string(gateway.RailBank))
	}

	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":            "SHP Bridge",
			"version":         "0.1.0",
			"operatorAddress": s.chain.Address(),
			"chainId":         s.cfg.ChainID,
			"bridgeContract":  s.cfg.BridgeContract,
			"rails":           rails,
			"kycThreshold":    s.cfg.KYCThreshold,
		},
		"instructions": gin.H{
			"deposit":  "POST /v1/deposit with requestId, userId, rail, and amount. The rail collects KES, then SHP is minted.",
			"withdraw": "POST /v1/withdrawal. SHP is burned, then the rail pays out KES.",
			"transfer": "POST /v1/transfer to move SHP between users with no off-chain leg.",
		},
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"operator", s.chain.Address(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Resume settlements interrupted by the previous shutdown, then keep
	// sweeping on a timer.
	go func() {
		if err := s.bridgeService.ResumePending(runCtx); err != nil && runCtx.Err() == nil {
			s.logger.Error("startup settlement resume failed", "error", err)
		}
	}()
	go s.bridgeTimer.Start(runCtx)

	// Start peg oracle and rebase timers
	go s.oracleTimer.Start(runCtx)
	go s.rebaseTimer.Start(runCtx)

	// Export connection pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop settlement resume timer
	if s.bridgeTimer != nil {
		s.bridgeTimer.Stop()
		s.logger.Info("settlement timer stopped")
	}

	// Stop oracle timer
	if s.oracleTimer != nil {
		s.oracleTimer.Stop()
		s.logger.Info("oracle timer stopped")
	}

	// Stop rebase timer
	if s.rebaseTimer != nil {
		s.rebaseTimer.Stop()
		s.logger.Info("rebase timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close chain client connection
	if err := s.chain.Close(); err != nil {
		s.logger.Error("chain client close error", "error", err)
	}

	// Close database connection pool
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
