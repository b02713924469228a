// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/audit"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/chain"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/config"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/custody"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/escrow"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/health"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/logging"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/metrics"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/multisig"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/notify"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/ratelimit"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/security"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/timeouts"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/traces"
	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	ledger         chain.Client
	escrowService  *escrow.Service
	timeoutMonitor *timeouts.Monitor
	depositMonitor *escrow.DepositMonitor
	multisigSvc    *multisig.Service
	auditor        audit.Logger
	notifier       notify.Dispatcher
	healthReg      *health.Registry
	rateLimiter    *ratelimit.Limiter
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithLedger sets a custom ledger client (for testing)
func WithLedger(c chain.Client) Option {
	return func(s *Server) {
		s.ledger = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set ledger/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		contracts escrow.ContractStore
		miles     escrow.MilestoneStore
		deposits  escrow.DepositStore
		disputes  escrow.DisputeStore
		cancels   escrow.CancellationStore
		toStore   timeouts.Store
		msStore   multisig.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		contracts = escrow.NewPostgresContractStore(db)
		miles = escrow.NewPostgresMilestoneStore(db)
		deposits = escrow.NewPostgresDepositStore(db)
		disputes = escrow.NewPostgresDisputeStore(db)
		cancels = escrow.NewPostgresCancellationStore(db)
		toStore = timeouts.NewPostgresStore(db)
		msStore = multisig.NewPostgresStore(db)
		s.auditor = audit.NewPostgresLogger(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		contracts = escrow.NewMemoryContractStore()
		miles = escrow.NewMemoryMilestoneStore()
		deposits = escrow.NewMemoryDepositStore()
		disputes = escrow.NewMemoryDisputeStore()
		cancels = escrow.NewMemoryCancellationStore()
		toStore = timeouts.NewMemoryStore()
		msStore = multisig.NewMemoryStore()
		s.auditor = audit.NewMemoryLogger()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Custodial key management
	custodian, err := custody.NewManager(cfg.MasterSecret, s.auditor)
	if err != nil {
		return nil, fmt.Errorf("failed to create custody manager: %w", err)
	}

	// Ledger client. The simulator stands in until RPC submission lands;
	// it enforces balances and signatures the same way the cluster does.
	if s.ledger == nil {
		s.ledger = chain.NewSimClient()
		s.logger.Info("ledger simulator enabled", "cluster", cfg.Cluster, "rpc", cfg.RPCURL)
	}
	signer := chain.NewSigner(s.ledger, custodian, s.logger)

	// Notifications. Webhook targets are checked against SSRF-prone
	// destinations before the dispatcher is created.
	if cfg.WebhookURL != "" {
		if err := security.ValidateEndpointURL(cfg.WebhookURL); err != nil {
			return nil, fmt.Errorf("invalid webhook URL: %w", err)
		}
		s.notifier = notify.NewWebhookDispatcher(cfg.WebhookURL, cfg.WebhookSecret, s.logger)
		s.logger.Info("webhook notifications enabled")
	} else {
		s.notifier = notify.NewLogDispatcher(s.logger)
	}

	// Timeout durations
	tcfg := timeouts.DefaultConfig()
	if cfg.WarningWindowHours > 0 {
		tcfg.WarningWindow = time.Duration(cfg.WarningWindowHours) * time.Hour
	}

	// Settlement engine
	s.escrowService = escrow.NewService(escrow.Deps{
		Contracts:               contracts,
		Milestones:              miles,
		Deposits:                deposits,
		Disputes:                disputes,
		Cancellations:           cancels,
		Custody:                 custodian,
		Chain:                   s.ledger,
		Signer:                  signer,
		Timeouts:                toStore,
		TimeoutConfig:           tcfg,
		Audit:                   s.auditor,
		Notifier:                s.notifier,
		Logger:                  s.logger,
		TreasuryWallet:          cfg.TreasuryWallet,
		FeePercent:              cfg.PlatformFeePercent,
		UnfundedCancellationFee: cfg.UnfundedCancellationFee,
	})
	s.logger.Info("settlement engine enabled",
		"treasury", cfg.TreasuryWallet,
		"fee_percent", cfg.PlatformFeePercent,
	)

	// Timeout monitor: the engine itself resolves expiries and names
	// warning recipients.
	s.timeoutMonitor = timeouts.NewMonitor(
		toStore,
		s.escrowService,
		s.notifier,
		s.escrowService,
		time.Duration(cfg.TimeoutScanInterval)*time.Second,
		s.logger,
	)

	// Deposit monitor
	s.depositMonitor = escrow.NewDepositMonitor(
		s.escrowService,
		time.Duration(cfg.DepositScanInterval)*time.Second,
		s.logger,
	)

	// Multi-sig coordination
	s.multisigSvc = multisig.NewService(msStore, &ledgerInspector{s.ledger})
	s.logger.Info("multi-sig coordination enabled")

	s.healthReg.Register("ledger", func(ctx context.Context) health.Status {
		if _, err := s.ledger.Balance(ctx, cfg.TreasuryWallet, "SOL"); err != nil {
			return health.Status{Name: "ledger", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "ledger", Healthy: true}
	})
	s.healthReg.Register("timeout_monitor", func(ctx context.Context) health.Status {
		return health.Status{Name: "timeout_monitor", Healthy: s.timeoutMonitor.Running()}
	})

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
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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

// adminAuth guards administrative routes with a shared secret header.
// Development mode with no secret configured lets everything through.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsDevelopment() {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin routes are not configured",
			})
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin credentials",
			})
			return
		}
		c.Next()
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

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	v1.GET("/platform", s.platformHandler)

	escrowHandler := escrow.NewHandler(s.escrowService, s.timeoutMonitor, s.auditor)
	escrowHandler.RegisterRoutes(v1)

	multisigHandler := multisig.NewHandler(s.multisigSvc)
	multisigHandler.RegisterRoutes(v1)

	// Admin routes: dispute rulings and manual release retries
	admin := v1.Group("/admin")
	admin.Use(s.adminAuth())
	escrowHandler.RegisterAdminRoutes(admin)
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

	healthy, statuses := s.healthReg.CheckAll(ctx)

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
		"name":        "escrow settlement engine",
		"description": "Custodial escrow with milestone and atomic swap settlement",
		"version":     "0.1.0",
		"cluster":     s.cfg.Cluster,
	})
}

// platformHandler returns platform settlement parameters
func (s *Server) platformHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":     "escrow settlement engine",
			"version":  "0.1.0",
			"cluster":  s.cfg.Cluster,
			"treasury": s.cfg.TreasuryWallet,
		},
		"fees": gin.H{
			"platformPercent":     s.cfg.PlatformFeePercent,
			"cancellationPercent": 1.0,
		},
		"instructions": gin.H{
			"create":  "POST /v1/escrows/{traditional|milestone|swap}, then fund the returned escrowAddr",
			"deposit": "Send the agreed asset to escrowAddr. Deposits are detected within the scan interval.",
			"status":  "GET /v1/escrows/{id} for contract state, /deposits for funding detail",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when no OTLP endpoint is configured)
	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	}

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"treasury", s.cfg.TreasuryWallet,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Background monitors
	go s.timeoutMonitor.Start(runCtx)
	go s.depositMonitor.Start(runCtx)

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

	err = s.Shutdown()
	if shutdownTraces != nil {
		traceCtx, traceCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer traceCancel()
		if terr := shutdownTraces(traceCtx); terr != nil {
			s.logger.Error("trace shutdown error", "error", terr)
		}
	}
	return err
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines
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

	s.timeoutMonitor.Stop()
	s.logger.Info("timeout monitor stopped")

	s.depositMonitor.Stop()
	s.logger.Info("deposit monitor stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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

// Ledger returns the chain client for testing
func (s *Server) Ledger() chain.Client {
	return s.ledger
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// ledgerInspector adapts chain.Client to multisig.Inspector
type ledgerInspector struct {
	c chain.Client
}

func (i *ledgerInspector) AccountOwner(ctx context.Context, addr string) (string, error) {
	return i.c.AccountOwner(ctx, addr)
}

func (i *ledgerInspector) MultiSigAccount(ctx context.Context, addr string) (*multisig.Account, error) {
	acct, err := i.c.MultiSigAccount(ctx, addr)
	if err != nil || acct == nil {
		return nil, err
	}
	return &multisig.Account{
		Program:   acct.Program,
		Threshold: acct.Threshold,
		Signers:   acct.Signers,
	}, nil
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
