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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/sentinel/internal/activity"
	"github.com/mbd888/sentinel/internal/admin"
	"github.com/mbd888/sentinel/internal/auth"
	"github.com/mbd888/sentinel/internal/cases"
	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/compliance"
	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/health"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/playbook"
	"github.com/mbd888/sentinel/internal/ratelimit"
	"github.com/mbd888/sentinel/internal/receipts"
	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/screening"
	"github.com/mbd888/sentinel/internal/security"
	"github.com/mbd888/sentinel/internal/signals"
	"github.com/mbd888/sentinel/internal/validation"
	"github.com/mbd888/sentinel/internal/vault"
	"github.com/mbd888/sentinel/internal/watcher"
	"github.com/mbd888/sentinel/internal/webhooks"
	"github.com/mbd888/sentinel/migrations"
)

// Version is reported by /health.
const Version = "0.3.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB // nil if using in-memory
	cache       signals.Cache
	providers   *providerSet
	aggregator  *signals.Aggregator
	gateway     *vault.Gateway
	audit       vault.AuditStore
	compliance  *compliance.Metrics
	snapshots   compliance.Store
	snapshotter *compliance.Snapshotter
	breaker     *circuitbreaker.Breaker
	hub         *activity.Hub
	library     *playbook.Library
	learner     *playbook.Learner
	cases       *cases.Service
	webhooks    webhooks.Store
	dispatcher  *webhooks.Dispatcher
	receipts    *receipts.Service
	watcher     *watcher.Watcher
	ethClient   *ethclient.Client // watcher's node connection
	pipeline    *screening.Pipeline
	analysts    *auth.Analysts
	rateLimiter *ratelimit.Limiter
	analystRate *ratelimit.Limiter
	health      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	cancelRun   context.CancelFunc // cancels background goroutines started in Run

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

// WithDB injects an already-open database (for testing)
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
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

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}

	providers, err := buildProviders(ctx, cfg, s.cache, s.logger)
	if err != nil {
		return nil, err
	}
	s.providers = providers

	s.breaker = circuitbreaker.New(5, 30*time.Second)
	s.breaker.OnTransition(func(provider string, from, to circuitbreaker.State) {
		s.logger.Warn("provider circuit changed", "provider", provider, "from", from.String(), "to", to.String())
	})
	s.aggregator = signals.NewAggregator(signals.Config{
		RiskProviders:   providers.risk,
		Analytics:       providers.analytics,
		Concurrency:     cfg.ScreenConcurrency,
		ProviderTimeout: cfg.ProviderTimeout,
		Breaker:         s.breaker,
		Logger:          s.logger,
	})

	// Compliance counters are restored from the last snapshot so the
	// percentages survive restarts.
	s.compliance = compliance.NewMetrics()
	if err := s.compliance.Register(prometheus.DefaultRegisterer); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("register compliance metrics: %w", err)
		}
		s.logger.Debug("compliance gauges already registered")
	}
	s.snapshotter = compliance.NewSnapshotter(s.compliance, s.snapshots, cfg.ComplianceSnapshotInterval, s.logger)
	if err := s.snapshotter.Restore(ctx); err != nil {
		s.logger.Warn("failed to restore compliance counters", "error", err)
	}

	s.gateway = vault.NewGateway(providers.vault, s.compliance, s.audit, s.logger)
	s.logger.Info("tokenization vault configured", "provider", s.gateway.Provider())

	s.hub = activity.NewHub(s.logger)

	if err := s.setupPlaybooks(ctx); err != nil {
		return nil, err
	}

	var caseStore cases.Store = cases.NewMemoryStore()
	if s.db != nil {
		caseStore = cases.NewPostgresStore(s.db)
	}
	s.cases = cases.NewService(caseStore, s.gateway, s.hub, s.logger)

	s.webhooks = webhooks.NewMemoryStore()
	if s.db != nil {
		s.webhooks = webhooks.NewPostgresStore(s.db)
	}
	s.dispatcher = webhooks.NewDispatcher(s.webhooks, s.logger)
	emitter := webhooks.NewEmitter(s.dispatcher, s.logger)
	s.cases.SetNotifier(emitter)

	var receiptStore receipts.Store = receipts.NewMemoryStore()
	if s.db != nil {
		receiptStore = receipts.NewPostgresStore(s.db)
	}
	s.receipts = receipts.NewService(receiptStore, receipts.NewSigner(cfg.ReceiptSigningSecret))
	if !s.receipts.Enabled() {
		s.logger.Info("RECEIPT_SIGNING_SECRET not set, decision receipts disabled")
	}

	s.pipeline = screening.NewPipeline(screening.Config{
		Signals:     s.aggregator,
		Scorer:      risk.NewScorer(cfg.DefaultScore),
		Policy:      risk.NewPolicyEngine(risk.DefaultThresholds()),
		Features:    risk.NewFeatureTracker(),
		Playbooks:   s.library,
		Vault:       s.gateway,
		Cases:       s.cases,
		Publisher:   s.hub,
		Notifier:    emitter,
		Receipts:    s.receipts,
		Chain:       cfg.Chain,
		Concurrency: cfg.ScreenConcurrency,
		Logger:      s.logger,
	})

	if err := s.setupWatcher(ctx); err != nil {
		return nil, err
	}

	s.analysts = auth.NewAnalysts(cfg.AnalystAPIKeys)
	if !s.analysts.Configured() {
		s.logger.Warn("no ANALYST_API_KEYS configured, analyst endpoints will reject every request")
	}

	s.health.Register("vault", health.Ping("vault", s.gateway.Ping))
	s.health.Register("signal_cache", health.Ping("signal_cache", s.cache.Ping))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupWatcher connects the on-chain transfer watcher when
// WATCH_ADDRESSES is configured.
func (s *Server) setupWatcher(ctx context.Context) error {
	if !s.cfg.WatchEnabled() {
		return nil
	}
	client, err := ethclient.DialContext(ctx, s.cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("failed to connect watcher RPC: %w", err)
	}
	watched := make([]common.Address, 0, len(s.cfg.WatchAddresses))
	for _, a := range s.cfg.WatchAddresses {
		watched = append(watched, common.HexToAddress(a))
	}
	wcfg := watcher.DefaultConfig()
	wcfg.TokenContract = common.HexToAddress(s.cfg.WatchTokenContract)
	wcfg.TokenSymbol = s.cfg.WatchTokenSymbol
	wcfg.TokenDecimals = int32(s.cfg.WatchTokenDecimals)
	wcfg.Watched = watched
	wcfg.Chain = s.cfg.Chain
	wcfg.PollInterval = s.cfg.WatchPollInterval
	wcfg.StartBlock = s.cfg.WatchStartBlock

	w, err := watcher.New(wcfg, client, s.pipeline, s.logger.With("component", "watcher"))
	if err != nil {
		client.Close()
		return err
	}
	s.watcher = w
	s.ethClient = client
	return nil
}

// setupStorage opens Postgres when DATABASE_URL is set and Redis when
// REDIS_URL is set; otherwise everything stays in memory.
func (s *Server) setupStorage(ctx context.Context) error {
	if s.db == nil && s.cfg.DatabaseURL != "" {
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
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	}

	if s.db != nil {
		if err := migrations.Up(ctx, s.db); err != nil {
			s.logger.Warn("failed to apply migrations", "error", err)
		}
		s.snapshots = compliance.NewPostgresStore(s.db)
		s.audit = vault.NewPostgresAuditStore(s.db)
		s.health.Register("database", health.Ping("database", s.db.PingContext))
	} else {
		s.snapshots = compliance.NewMemoryStore()
		s.audit = vault.NewMemoryAuditStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.cfg.RedisURL != "" {
		rc, err := signals.NewRedisCache(ctx, s.cfg.RedisURL)
		if err != nil {
			return err
		}
		s.cache = rc
		s.logger.Info("signal cache: redis")
	} else {
		s.cache = signals.NewMemoryCache()
	}
	return nil
}

// setupPlaybooks loads the persisted library and seeds it when empty,
// from PLAYBOOKS_FILE if set or the built-in defaults.
func (s *Server) setupPlaybooks(ctx context.Context) error {
	var store playbook.Store = playbook.NewMemoryStore()
	if s.db != nil {
		store = playbook.NewPostgresStore(s.db)
	}
	s.library = playbook.NewLibrary(store, s.logger)
	if err := s.library.Load(ctx); err != nil {
		return fmt.Errorf("load playbooks: %w", err)
	}

	seed := playbook.DefaultPlaybooks(time.Now())
	if s.cfg.PlaybooksFile != "" {
		pbs, err := playbook.LoadFile(s.cfg.PlaybooksFile)
		if err != nil {
			return &config.ConfigurationError{Key: "PLAYBOOKS_FILE", Reason: err.Error()}
		}
		seed = pbs
	}
	n, err := s.library.Seed(ctx, seed)
	if err != nil {
		return fmt.Errorf("seed playbooks: %w", err)
	}
	if n > 0 {
		s.logger.Info("playbook library seeded", "count", n)
	}
	s.learner = playbook.NewLearner(s.library, s.hub, s.logger)
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
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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
			logger.Debug("request completed",
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/", s.infoHandler)

	activityHandler := activity.NewHandler(s.hub)
	s.router.GET("/ws", activityHandler.WebSocket)

	v1 := s.router.Group("/v1")

	// Analyst-only routes share a per-analyst budget so PII reversal
	// stays rate-tracked.
	s.analystRate = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.DetokenizeRPM,
		BurstSize:         max(1, s.cfg.DetokenizeRPM/6),
	})
	analyst := v1.Group("")
	analyst.Use(auth.RequireAnalyst(s.analysts), s.analystRate.MiddlewareBy(auth.AnalystRateKey))

	screening.NewHandler(s.pipeline).RegisterRoutes(v1)

	caseHandler := cases.NewHandler(s.cases)
	caseHandler.RegisterRoutes(v1)
	caseHandler.RegisterAnalystRoutes(analyst)

	playbookHandler := playbook.NewHandler(s.library, s.learner)
	playbookHandler.RegisterRoutes(v1)
	playbookHandler.RegisterProtectedRoutes(analyst)

	vaultHandler := vault.NewHandler(s.gateway, s.audit)
	vaultHandler.RegisterRoutes(v1)
	vaultHandler.RegisterAnalystRoutes(analyst)

	webhooks.NewHandler(s.webhooks).RegisterAnalystRoutes(analyst)

	admin.NewHandler().
		WithProviders(s.aggregator, s.breaker).
		WithSnapshotter(s.snapshotter).
		WithCaseExporter(s.cases).
		RegisterRoutes(analyst)

	compliance.NewHandler(s.compliance, s.snapshots).RegisterRoutes(v1)
	receipts.NewHandler(s.receipts).RegisterRoutes(v1)
	activityHandler.RegisterRoutes(v1)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Mode      string          `json:"provider_mode"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Mode:      s.cfg.ProviderMode,
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
		"service":       "sentinel",
		"version":       Version,
		"provider_mode": s.cfg.ProviderMode,
		"providers":     s.aggregator.Providers(),
		"vault":         s.gateway.Provider(),
		"chain":         s.cfg.Chain,
		"playbooks":     s.library.Snapshot().Len(),
		"agent_version": screening.AgentVersion,
		"watcher":       s.watcher != nil,
		"receipts":      s.receipts.Enabled(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second, // batch screening can take a while
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"provider_mode", s.cfg.ProviderMode,
			"chain", s.cfg.Chain,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.snapshotter.Start(runCtx)
	if s.watcher != nil {
		if err := s.watcher.Start(runCtx); err != nil {
			s.logger.Error("transfer watcher failed to start", "error", err)
			s.watcher = nil
		}
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	// The snapshotter writes a final snapshot when its loop exits; wait
	// for it before the database goes away.
	s.snapshotter.Stop()
	if s.cancelRun != nil {
		s.cancelRun()
	}
	for deadline := time.Now().Add(5 * time.Second); s.snapshotter.Running() && time.Now().Before(deadline); {
		time.Sleep(50 * time.Millisecond)
	}

	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.ethClient != nil {
		s.ethClient.Close()
	}

	s.rateLimiter.Stop()
	s.analystRate.Stop()
	s.dispatcher.Wait()

	for _, closeFn := range s.providers.closers {
		closeFn()
	}
	if rc, ok := s.cache.(*signals.RedisCache); ok {
		if err := rc.Close(); err != nil {
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

// Pipeline returns the screening pipeline.
func (s *Server) Pipeline() *screening.Pipeline {
	return s.pipeline
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
