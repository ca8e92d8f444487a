// Package server assembles the escrow service: storage, the treasury
// ledger, the escrow core, auth, the event fanout, and the HTTP surface,
// plus the process lifecycle around them.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/Blazingkevin/trustless-escrow/internal/admin"
	"github.com/Blazingkevin/trustless-escrow/internal/auth"
	"github.com/Blazingkevin/trustless-escrow/internal/circuitbreaker"
	"github.com/Blazingkevin/trustless-escrow/internal/config"
	"github.com/Blazingkevin/trustless-escrow/internal/escrow"
	"github.com/Blazingkevin/trustless-escrow/internal/health"
	"github.com/Blazingkevin/trustless-escrow/internal/idgen"
	"github.com/Blazingkevin/trustless-escrow/internal/logging"
	"github.com/Blazingkevin/trustless-escrow/internal/metrics"
	"github.com/Blazingkevin/trustless-escrow/internal/ratelimit"
	"github.com/Blazingkevin/trustless-escrow/internal/realtime"
	"github.com/Blazingkevin/trustless-escrow/internal/reconciliation"
	"github.com/Blazingkevin/trustless-escrow/internal/security"
	"github.com/Blazingkevin/trustless-escrow/internal/traces"
	"github.com/Blazingkevin/trustless-escrow/internal/treasury"
	"github.com/Blazingkevin/trustless-escrow/internal/validation"
	"github.com/Blazingkevin/trustless-escrow/internal/wallet"
	"github.com/Blazingkevin/trustless-escrow/internal/watcher"
	"github.com/Blazingkevin/trustless-escrow/internal/webhooks"
)

// Server owns every subsystem and the router in front of them.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db *sql.DB // nil when running on in-memory stores

	escrowService   *escrow.Service
	escrowStore     escrow.Store
	analytics       *escrow.AnalyticsService
	templateService *escrow.TemplateService
	sweeper         *escrow.Sweeper

	treasury *treasury.Service
	authMgr  *auth.Manager
	wallet   *wallet.Wallet // nil without chain settlement

	reconciler *reconciliation.Checker
	reconTimer *reconciliation.Timer

	hub          *realtime.Hub
	dispatcher   *webhooks.Dispatcher
	emitter      *webhooks.Emitter
	webhookStore webhooks.Store

	depositWatcher *watcher.Watcher

	rateLimiter *ratelimit.Limiter
	checks      *health.Registry

	router  *gin.Engine
	httpSrv *http.Server

	executor    treasury.WithdrawalExecutor
	cancelRun   context.CancelFunc
	stopTracing func(context.Context) error

	ready atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithExecutor injects a withdrawal executor, bypassing the wallet dial.
// Used in tests.
func WithExecutor(ex treasury.WithdrawalExecutor) Option {
	return func(s *Server) {
		s.executor = ex
	}
}

// New creates a fully wired server. It does not start listening; call
// Run for that.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	// Storage: Postgres when a DSN is configured, in-memory otherwise.
	// The schema is managed by cmd/migrate; stores assume it is current.
	var (
		escrowStore   escrow.Store
		escrowQuerier escrow.AnalyticsQuerier
		templateStore escrow.TemplateStore
		treasuryStore treasury.Store
		authStore     auth.Store
		webhookStore  webhooks.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		store := escrow.NewPostgresStore(db)
		escrowStore, escrowQuerier = store, store
		templateStore = escrow.NewTemplatePostgresStore(db)
		treasuryStore = treasury.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		webhookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		store := escrow.NewMemoryStore()
		escrowStore, escrowQuerier = store, store
		templateStore = escrow.NewTemplateMemoryStore()
		treasuryStore = treasury.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (state is lost on restart)")
	}
	s.escrowStore = escrowStore
	s.webhookStore = webhookStore

	s.treasury = treasury.New(treasuryStore, s.logger)
	s.authMgr = auth.NewManager(authStore)

	// Chain settlement: the wallet signs withdrawals; a circuit breaker
	// keeps a flaky RPC from stalling every request that follows.
	if s.executor == nil && cfg.ChainEnabled() {
		w, err := wallet.New(wallet.Config{
			RPCURL:     cfg.RPCURL,
			PrivateKey: cfg.CustodyPrivateKey,
			ChainID:    cfg.ChainID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create wallet: %w", err)
		}
		s.wallet = w

		breaker := circuitbreaker.New(5, time.Minute)
		breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
			s.logger.Warn("withdrawal circuit changed state", "asset", key, "from", from, "to", to)
		})
		s.executor = &breakerExecutor{wallet: w, breaker: breaker}
		s.logger.Info("on-chain withdrawals enabled", "custody", w.Address(), "chainId", cfg.ChainID)
	}
	if s.executor != nil {
		s.treasury.WithExecutor(s.executor)
	} else {
		s.logger.Info("running custodial-only, withdrawals disabled")
	}

	// Events fan out to the websocket hub and webhook subscribers.
	s.hub = realtime.NewHub(s.logger)
	s.dispatcher = webhooks.NewDispatcher(webhookStore).
		WithLogger(s.logger).
		WithWorkers(cfg.WebhookWorkers)
	s.emitter = webhooks.NewEmitter(s.dispatcher, s.logger)

	s.escrowService = escrow.NewService(escrowStore, &treasuryVault{s.treasury}).
		WithLogger(s.logger).
		WithNotifier(&eventFanout{hub: s.hub, webhooks: s.emitter})
	if err := s.escrowService.SetFeeBps(cfg.PlatformFeeBps); err != nil {
		return nil, fmt.Errorf("invalid platform fee: %w", err)
	}

	s.analytics = escrow.NewAnalyticsService(escrowQuerier)
	s.templateService = escrow.NewTemplateService(templateStore, s.escrowService)
	s.sweeper = escrow.NewSweeper(s.escrowService, escrowStore, cfg.SweepInterval, s.logger)

	// Conservation checks: pooled custody funds must cover every open
	// escrow plus accrued fees. With a wallet attached the checker also
	// compares the on-chain custody balance against total liabilities.
	s.reconciler = reconciliation.New(escrowStore, s.treasury, s.logger)
	if s.wallet != nil {
		s.reconciler = s.reconciler.WithChain(&custodyChain{wallet: s.wallet})
	}
	s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	// Deposit watcher: credits treasury accounts when tokens arrive at
	// the custody address.
	if cfg.RPCURL != "" && cfg.CustodyAddress != "" {
		wcfg := watcher.DefaultConfig()
		wcfg.RPCURL = cfg.RPCURL
		wcfg.CustodyAddress = common.HexToAddress(cfg.CustodyAddress)
		for _, contract := range cfg.TokenContracts {
			if !common.IsHexAddress(contract) {
				s.logger.Warn("skipping invalid token contract", "address", contract)
				continue
			}
			wcfg.TokenContracts = append(wcfg.TokenContracts, common.HexToAddress(contract))
		}

		w, err := watcher.New(wcfg, s.treasury, s.logger,
			watcher.WithChecker(&registeredAccounts{s.authMgr}))
		if err != nil {
			s.logger.Warn("deposit watcher disabled", "error", err)
		} else {
			s.depositWatcher = w
			s.logger.Info("deposit watcher configured",
				"custody", wcfg.CustodyAddress.Hex(),
				"tokens", len(wcfg.TokenContracts),
			)
		}
	}

	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RPS:             cfg.RateLimitRPS,
		Burst:           cfg.RateLimitBurst,
		CleanupInterval: time.Minute,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// maskDSN hides the password in a connection string for logging.
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

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(s.rateLimiter.Middleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Honor an ID assigned upstream (load balancer, API gateway).
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
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
	s.router.GET("/", dashboardHandler)
	s.router.GET("/healthz", s.healthzHandler)
	s.router.GET("/readyz", s.readyzHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	escrowHandler := escrow.NewHandler(s.escrowService).WithAnalytics(s.analytics)
	escrowHandler.RegisterRoutes(v1)

	templateHandler := escrow.NewTemplateHandler(s.templateService)
	templateHandler.RegisterRoutes(v1)

	// Registration is the bootstrap: it issues the first API key, so it
	// cannot itself require one.
	authHandler := auth.NewHandler(s.authMgr)
	v1.POST("/treasury/accounts", authHandler.Register)

	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth())
	{
		escrowHandler.RegisterProtectedRoutes(protected)
		templateHandler.RegisterProtectedRoutes(protected)

		treasury.NewHandler(s.treasury).RegisterRoutes(protected)
		webhooks.NewHandler(s.webhookStore).RegisterRoutes(protected)

		protected.GET("/treasury/keys", authHandler.ListKeys)
		protected.POST("/treasury/keys", authHandler.CreateKey)
		protected.DELETE("/treasury/keys/:keyId", authHandler.RevokeKey)
		protected.GET("/treasury/whoami", authHandler.Whoami)
	}

	adminHandler := admin.NewHandler(s.escrowService).
		WithLogger(s.logger).
		WithReconciler(s.reconciler).
		WithPauseHook(func(paused bool) {
			s.emitter.EmitEscrowPaused(paused)
			s.hub.BroadcastEscrowEvent(realtime.EventEscrowPaused, map[string]interface{}{
				"paused": paused,
			})
		})
	adminGroup := v1.Group("")
	adminGroup.Use(admin.RequireSecret(s.cfg.AdminSecret))
	adminHandler.RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) healthzHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	healthy, checks := s.checks.CheckAll(ctx)

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
	})
}

func (s *Server) readyzHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and the background loops, then blocks until
// a shutdown signal, a server error, or context cancellation.
func (s *Server) Run(ctx context.Context) error {
	// Background goroutines get their own cancellable context so
	// Shutdown can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	if s.cfg.OTLPEndpoint != "" {
		stop, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("tracing disabled", "error", err)
		} else {
			s.stopTracing = stop
		}
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
			"env", s.cfg.Env,
			"feeBps", s.escrowService.FeeBps(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.depositWatcher != nil {
		if err := s.depositWatcher.Start(runCtx); err != nil {
			s.logger.Error("failed to start deposit watcher", "error", err)
		}
	}

	go s.hub.Run(runCtx)
	go s.sweeper.Start(runCtx)
	go s.reconTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.checks.Register("deadline_sweeper", func(context.Context) health.Status {
		if !s.sweeper.Running() {
			return health.Status{Name: "deadline_sweeper", Healthy: false, Detail: "not running"}
		}
		return health.Status{Name: "deadline_sweeper", Healthy: true}
	})
	s.checks.Register("reconciliation", func(context.Context) health.Status {
		if !s.reconTimer.Running() {
			return health.Status{Name: "reconciliation", Healthy: false, Detail: "not running"}
		}
		return health.Status{Name: "reconciliation", Healthy: true}
	})

	// Mark ready after a brief delay for startup.
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

// Shutdown gracefully stops the server and every background loop.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRun != nil {
		s.cancelRun()
	}

	// Give load balancers time to stop sending traffic.
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweeper.Stop()
	s.logger.Info("deadline sweeper stopped")

	s.reconTimer.Stop()
	s.logger.Info("reconciliation timer stopped")

	s.rateLimiter.Stop()

	if s.depositWatcher != nil {
		s.depositWatcher.Stop()
		s.logger.Info("deposit watcher stopped")
	}

	// Drain in-flight webhook deliveries.
	s.dispatcher.Close()
	s.logger.Info("webhook dispatcher drained")

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	if s.wallet != nil {
		if err := s.wallet.Close(); err != nil {
			s.logger.Error("wallet close error", "error", err)
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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Treasury adapters
// -----------------------------------------------------------------------------

// treasuryVault adapts treasury.Service to escrow.Vault. The escrow
// service has already validated the attached value against the deposit
// rules, so the lock only needs payer, asset, and gross.
type treasuryVault struct {
	t *treasury.Service
}

func (v *treasuryVault) PullDeposit(ctx context.Context, payer, asset, gross, _ string) error {
	return v.t.EscrowLock(ctx, payer, asset, gross)
}

func (v *treasuryVault) Payout(ctx context.Context, recipient, asset, amount, reference string) error {
	return v.t.EscrowPayout(ctx, recipient, asset, amount, reference)
}

func (v *treasuryVault) PayoutSplit(ctx context.Context, asset, reference string, legs []escrow.PayoutLeg) error {
	out := make([]treasury.Leg, len(legs))
	for i, leg := range legs {
		out[i] = treasury.Leg{Recipient: leg.Recipient, Amount: leg.Amount}
	}
	return v.t.EscrowSplit(ctx, asset, reference, out)
}

func (v *treasuryVault) Return(ctx context.Context, payer, asset, amount, reference string) error {
	return v.t.EscrowReturn(ctx, payer, asset, amount, reference)
}

// breakerExecutor wraps the wallet behind a per-asset circuit breaker so
// a dead RPC fails withdrawals fast instead of hanging each one.
type breakerExecutor struct {
	wallet  *wallet.Wallet
	breaker *circuitbreaker.Breaker
}

var errChainSuspended = errors.New("on-chain transfers temporarily suspended")

func (e *breakerExecutor) Transfer(ctx context.Context, asset string, to common.Address, amount *big.Int) (string, error) {
	if !e.breaker.Allow(asset) {
		return "", errChainSuspended
	}

	txHash, err := e.wallet.Transfer(ctx, asset, to, amount)
	if err != nil {
		e.breaker.RecordFailure(asset)
		return "", err
	}
	e.breaker.RecordSuccess(asset)
	return txHash, nil
}

// registeredAccounts adapts auth.Manager to watcher.AccountChecker:
// deposits from addresses that never registered are left untouched.
type registeredAccounts struct {
	m *auth.Manager
}

func (r *registeredAccounts) IsRegistered(ctx context.Context, address string) bool {
	keys, err := r.m.ListKeys(ctx, address)
	return err == nil && len(keys) > 0
}

// custodyChain adapts the wallet to reconciliation.ChainReader: the
// checker compares the custody address's on-chain balance against the
// ledger's liabilities.
type custodyChain struct {
	wallet *wallet.Wallet
}

func (c *custodyChain) CustodyBalance(ctx context.Context, asset string) (*big.Int, error) {
	return c.wallet.BalanceOf(ctx, asset, common.HexToAddress(c.wallet.Address()))
}

// -----------------------------------------------------------------------------
// Event fanout
// -----------------------------------------------------------------------------

// eventFanout implements escrow.Notifier by forwarding each lifecycle
// event to the websocket hub and the webhook emitter. The escrow service
// calls these off the request path, so neither sink can block a
// settlement.
type eventFanout struct {
	hub      *realtime.Hub
	webhooks *webhooks.Emitter
}

func fmtID(id uint64) string { return strconv.FormatUint(id, 10) }

func (f *eventFanout) EscrowCreated(e *escrow.Escrow) {
	f.webhooks.EmitEscrowCreated(fmtID(e.ID), e.Client, e.Freelancer, e.TotalAmount, e.Asset)
	f.hub.BroadcastEscrowEvent(realtime.EventEscrowCreated, map[string]interface{}{
		"escrowId":   fmtID(e.ID),
		"client":     e.Client,
		"freelancer": e.Freelancer,
		"amount":     e.TotalAmount,
		"asset":      e.Asset,
		"milestones": len(e.Milestones),
	})
}

func (f *eventFanout) EscrowReleased(e *escrow.Escrow, amount string) {
	f.webhooks.EmitEscrowReleased(fmtID(e.ID), e.Client, e.Freelancer, amount, e.Asset)
	f.hub.BroadcastEscrowEvent(realtime.EventEscrowReleased, map[string]interface{}{
		"escrowId":   fmtID(e.ID),
		"client":     e.Client,
		"freelancer": e.Freelancer,
		"amount":     amount,
		"asset":      e.Asset,
	})
}

func (f *eventFanout) EscrowRefunded(e *escrow.Escrow, amount string) {
	f.webhooks.EmitEscrowRefunded(fmtID(e.ID), e.Client, e.Freelancer, amount, e.Asset)
	f.hub.BroadcastEscrowEvent(realtime.EventEscrowRefunded, map[string]interface{}{
		"escrowId":   fmtID(e.ID),
		"client":     e.Client,
		"freelancer": e.Freelancer,
		"amount":     amount,
		"asset":      e.Asset,
	})
}

func (f *eventFanout) MilestoneCompleted(e *escrow.Escrow, index int) {
	f.webhooks.EmitMilestoneCompleted(fmtID(e.ID), e.Client, e.Freelancer, index)
	f.hub.BroadcastEscrowEvent(realtime.EventMilestoneCompleted, map[string]interface{}{
		"escrowId":   fmtID(e.ID),
		"client":     e.Client,
		"freelancer": e.Freelancer,
		"milestone":  index,
	})
}

func (f *eventFanout) MilestoneReleased(e *escrow.Escrow, index int, amount string) {
	f.webhooks.EmitMilestoneReleased(fmtID(e.ID), e.Client, e.Freelancer, index, amount, e.Asset)
	f.hub.BroadcastEscrowEvent(realtime.EventMilestoneReleased, map[string]interface{}{
		"escrowId":   fmtID(e.ID),
		"client":     e.Client,
		"freelancer": e.Freelancer,
		"milestone":  index,
		"amount":     amount,
		"asset":      e.Asset,
	})
}

func (f *eventFanout) DisputeRaised(e *escrow.Escrow) {
	f.webhooks.EmitDisputeRaised(fmtID(e.ID), e.Client, e.Freelancer, e.Arbitrator, e.DisputeRaiser, e.DisputeReason)
	f.hub.BroadcastEscrowEvent(realtime.EventDisputeRaised, map[string]interface{}{
		"escrowId":   fmtID(e.ID),
		"client":     e.Client,
		"freelancer": e.Freelancer,
		"raisedBy":   e.DisputeRaiser,
		"reason":     e.DisputeReason,
	})
}

func (f *eventFanout) DisputeResolved(e *escrow.Escrow, winner, winnerAmount, loserAmount, arbitrationFee string) {
	f.webhooks.EmitDisputeResolved(fmtID(e.ID), e.Client, e.Freelancer, e.Arbitrator,
		winner, winnerAmount, loserAmount, arbitrationFee)
	f.hub.BroadcastEscrowEvent(realtime.EventDisputeResolved, map[string]interface{}{
		"escrowId":       fmtID(e.ID),
		"client":         e.Client,
		"freelancer":     e.Freelancer,
		"winner":         winner,
		"winnerAmount":   winnerAmount,
		"loserAmount":    loserAmount,
		"arbitrationFee": arbitrationFee,
		"asset":          e.Asset,
	})
}

func (f *eventFanout) DeadlineExtended(e *escrow.Escrow, previous time.Time) {
	f.webhooks.EmitDeadlineExtended(fmtID(e.ID), e.Client, e.Freelancer, previous, e.Deadline)
	f.hub.BroadcastEscrowEvent(realtime.EventDeadlineExtended, map[string]interface{}{
		"escrowId":         fmtID(e.ID),
		"client":           e.Client,
		"freelancer":       e.Freelancer,
		"previousDeadline": previous,
		"deadline":         e.Deadline,
	})
}

func (f *eventFanout) EscrowClaimed(e *escrow.Escrow, amount string) {
	f.webhooks.EmitEscrowClaimed(fmtID(e.ID), e.Client, e.Freelancer, amount, e.Asset)
	f.hub.BroadcastEscrowEvent(realtime.EventEscrowClaimed, map[string]interface{}{
		"escrowId":   fmtID(e.ID),
		"client":     e.Client,
		"freelancer": e.Freelancer,
		"amount":     amount,
		"asset":      e.Asset,
	})
}

func (f *eventFanout) EscrowClaimable(e *escrow.Escrow, eligibleAt time.Time) {
	f.webhooks.EmitEscrowClaimable(fmtID(e.ID), e.Client, e.Freelancer, eligibleAt)
	f.hub.BroadcastEscrowEvent(realtime.EventEscrowClaimable, map[string]interface{}{
		"escrowId":   fmtID(e.ID),
		"client":     e.Client,
		"freelancer": e.Freelancer,
		"eligibleAt": eligibleAt,
	})
}
