// Package server wires the credit decision pipeline behind the HTTP API.
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

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/ksp2701/chaintrust/internal/addressintel"
	"github.com/ksp2701/chaintrust/internal/attestation"
	"github.com/ksp2701/chaintrust/internal/audit"
	"github.com/ksp2701/chaintrust/internal/config"
	"github.com/ksp2701/chaintrust/internal/explorer"
	"github.com/ksp2701/chaintrust/internal/health"
	"github.com/ksp2701/chaintrust/internal/history"
	"github.com/ksp2701/chaintrust/internal/idgen"
	"github.com/ksp2701/chaintrust/internal/loan"
	"github.com/ksp2701/chaintrust/internal/logging"
	"github.com/ksp2701/chaintrust/internal/metrics"
	"github.com/ksp2701/chaintrust/internal/policy"
	"github.com/ksp2701/chaintrust/internal/ratelimit"
	"github.com/ksp2701/chaintrust/internal/riskscore"
	"github.com/ksp2701/chaintrust/internal/security"
	"github.com/ksp2701/chaintrust/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the pipeline it serves.
type Server struct {
	cfg          *config.Config
	version      string
	db           *sql.DB           // nil if using in-memory
	eth          *ethclient.Client // nil without RPC_URL
	explorer     *explorer.Client
	scorer       *riskscore.Client
	policy       *policy.Engine
	loans        *loan.Service
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

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

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New builds every pipeline component from cfg and registers the routes.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Audit storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var store audit.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		pg := audit.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to prepare audit schema: %w", err)
		}

		s.db = db
		store = pg
		s.health.Register("database", health.PingChecker("database", health.DefaultTimeout, db.PingContext))
		s.logger.Info("using PostgreSQL audit storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		store = audit.NewMemoryStore()
		s.logger.Info("using in-memory audit storage (data will not persist)")
	}

	// One node connection serves code lookups, nonces and attestation.
	var (
		codeReader addressintel.CodeReader
		histOpts   = []history.Option{history.WithLogger(s.logger)}
		chainOpts  = []attestation.Option{attestation.WithLogger(s.logger)}
	)
	if cfg.RPCURL != "" {
		eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to dial RPC node: %w", err)
		}
		s.eth = eth
		codeReader = eth
		histOpts = append(histOpts, history.WithNonceReader(eth))
		chainOpts = append(chainOpts, attestation.WithClient(eth))
		s.health.RegisterOptional("chain_rpc", health.PingChecker("chain_rpc", health.DefaultTimeout, func(ctx context.Context) error {
			_, err := eth.ChainID(ctx)
			return err
		}))
	}

	s.explorer = explorer.New(explorer.Config{
		BaseURL:           cfg.ExplorerBaseURL,
		ChainID:           cfg.ExplorerChainID,
		APIKeys:           cfg.ExplorerAPIKeys,
		RequestsPerSecond: cfg.ExplorerRPSPerKey,
	}, explorer.WithLogger(s.logger))
	if !s.explorer.HasKeys() {
		s.logger.Warn("no explorer API keys configured; live wallet history disabled")
	}

	histCfg := history.Config{SyntheticFallback: cfg.SyntheticFallback}
	if cfg.RugpullDustThresholdEth > 0 {
		histCfg.Rugpull = history.DustValuePredicate(cfg.RugpullDustThresholdEth)
	}
	fetcher := history.New(s.explorer, histCfg, histOpts...)

	assessor := addressintel.New(addressintel.Config{
		BurnAddresses:       cfg.BurnAddresses,
		KnownContracts:      cfg.KnownContractAddresses,
		RejectContracts:     cfg.RejectContracts,
		RequireCheckSuccess: cfg.RequireContractCheck,
	}, codeReader, s.explorer)

	scorerCfg := riskscore.DefaultConfig(cfg.MLServiceURL)
	scorerCfg.Bands = riskscore.Bands{LowMax: cfg.RiskLowMax, MediumMax: cfg.RiskMediumMax}
	s.scorer = riskscore.New(scorerCfg, riskscore.WithLogger(s.logger))
	s.health.RegisterOptional("risk_scorer", health.PingChecker("risk_scorer", health.DefaultTimeout, s.scorer.Ping))

	s.policy = policy.New(policy.Config{
		ThresholdsFile: cfg.PolicyThresholdsFile,
		ReloadInterval: cfg.PolicyReloadInterval,
		Defaults: policy.Thresholds{
			PlatinumMinTrust: cfg.DefaultPlatinumMinTrust,
			GoldMinTrust:     cfg.DefaultGoldMinTrust,
			SilverMinTrust:   cfg.DefaultSilverMinTrust,
			BronzeMinTrust:   cfg.DefaultBronzeMinTrust,
			SilverMaxAmount:  cfg.DefaultSilverMaxAmount,
			BronzeMaxAmount:  cfg.DefaultBronzeMaxAmount,
		},
		RejectBurnAddresses:   cfg.RejectBurnAddresses,
		RejectKnownContracts:  cfg.RejectKnownContracts,
		RejectContracts:       cfg.RejectContracts,
		RejectRugpullGTE:      cfg.RejectRugpullGTE,
		RejectWalletAgeLT:     cfg.RejectWalletAgeLT,
		RejectLiquidationsGTE: cfg.RejectLiquidationsGTE,
		MaxRecommendedLimit:   cfg.MaxRecommendedLimit,
	}, policy.WithLogger(s.logger))

	writer, err := attestation.New(attestation.Config{
		Enabled:         cfg.BlockchainEnabled,
		Required:        cfg.BlockchainRequired,
		ChainID:         cfg.BlockchainChainID,
		ContractAddress: cfg.BlockchainContractAddress,
		PrivateKey:      cfg.BlockchainPrivateKey,
		GasLimit:        cfg.BlockchainGasLimit,
		GasPriceWei:     cfg.BlockchainGasPriceWei,
	}, chainOpts...)
	if err != nil {
		s.closeClients()
		return nil, fmt.Errorf("failed to create attestation writer: %w", err)
	}
	if cfg.BlockchainEnabled && s.eth == nil {
		s.logger.Warn("blockchain recording enabled without RPC_URL; records will fail")
	}

	s.loans = loan.NewService(loan.Deps{
		History: fetcher,
		Address: assessor,
		Scorer:  s.scorer,
		Policy:  s.policy,
		Chain:   writer,
		Audit:   audit.NewService(store, audit.WithLogger(s.logger)),
	}, loan.WithLogger(s.logger))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// maskDSN hides the password in a database URL for logging.
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
	if len(s.cfg.CORSOrigins) > 0 {
		s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	}

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	if s.cfg.RateLimitRPS > 0 {
		rl := ratelimit.DefaultConfig()
		rl.RequestsPerSecond = float64(s.cfg.RateLimitRPS)
		rl.BurstSize = 2 * s.cfg.RateLimitRPS
		s.rateLimiter = ratelimit.New(rl)
		s.router.Use(s.rateLimiter.Middleware())
	}

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.RequestID()
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
		case path == "/health/live" || path == "/metrics":
			logger.Debug("request completed", attrs...)
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

	v1 := s.router.Group("/v1")
	loan.NewHandler(s.loans).RegisterRoutes(v1)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Route not found",
		})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for the aggregate health endpoint
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	} else {
		for _, st := range checks {
			if !st.Healthy {
				status = "degraded"
				break
			}
		}
	}

	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   s.version,
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
	if ok, checks := s.health.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and blocks until a signal, ctx cancellation or
// a listener error, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Evaluations wait on model warm-up and receipt polling, so writes get
	// a long deadline.
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"blockchain_enabled", s.cfg.BlockchainEnabled,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)

	// Load the thresholds file before the first request arrives.
	if _, err := s.policy.Reload(); err != nil {
		s.logger.Warn("policy thresholds not loaded; using defaults", "error", err)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.cancelRunCtx()
		s.closeClients()
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
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.closeClients()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeClients() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.explorer != nil {
		s.explorer.Close()
	}
	if s.eth != nil {
		s.eth.Close()
		s.eth = nil
	}
	s.closeDB()
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
	s.db = nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
