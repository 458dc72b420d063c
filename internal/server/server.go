// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/ed25519"
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

	"github.com/mbd888/altscore/internal/auth"
	"github.com/mbd888/altscore/internal/circuitbreaker"
	"github.com/mbd888/altscore/internal/config"
	"github.com/mbd888/altscore/internal/features"
	"github.com/mbd888/altscore/internal/health"
	"github.com/mbd888/altscore/internal/logging"
	"github.com/mbd888/altscore/internal/metrics"
	"github.com/mbd888/altscore/internal/ratelimit"
	"github.com/mbd888/altscore/internal/realtime"
	"github.com/mbd888/altscore/internal/scoreruns"
	"github.com/mbd888/altscore/internal/scoring"
	"github.com/mbd888/altscore/internal/tokens"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg      *config.Config
	tokenCfg *tokens.Config

	authMgr     *auth.Manager
	scoring     *scoring.Service
	runs        *scoreruns.Service
	runReaper   *scoreruns.Reaper
	broker      *tokens.Broker
	checker     *tokens.Checker
	nonceSweep  *tokens.Sweeper // nil when nonces live in Redis
	softCounter *ratelimit.MemoryCounterStore
	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter
	healthReg   *health.Registry

	db           *sql.DB       // nil if using in-memory
	redis        *redis.Client // nil if REDIS_URL unset
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

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

// WithTokenConfig replaces the token settings read from the environment
// (for testing).
func WithTokenConfig(tc tokens.Config) Option {
	return func(s *Server) {
		s.tokenCfg = &tc
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
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
		healthReg:  health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if s.tokenCfg == nil {
		tc, err := tokens.LoadConfigFromEnv(cfg.Env, s.logger)
		if err != nil {
			return nil, err
		}
		s.tokenCfg = &tc
	}
	if err := s.tokenCfg.Validate(); err != nil {
		return nil, err
	}

	var (
		activity   features.ActivitySource
		seedWriter features.ActivityWriter
		models     scoring.ModelStore
		scores     scoring.ScoreStore
		audit      scoring.AuditStore
		runStore   scoreruns.Store
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLife)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.healthReg.Register("database", health.DatabaseChecker("database", db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		featureSrc := features.NewPostgresSource(db)
		if err := featureSrc.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate activity store", "error", err)
		}
		breaker := circuitbreaker.New(5, 30*time.Second)
		breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
			s.logger.Warn("circuit breaker transition", "key", key, "from", from.String(), "to", to.String())
		})
		activity, seedWriter = features.NewGuardedSource(featureSrc, breaker), featureSrc

		scoringStore := scoring.NewPostgresStore(db)
		if err := scoringStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate scoring store", "error", err)
		}
		models, scores, audit = scoringStore, scoringStore, scoringStore

		authStore := auth.NewPostgresStore(db)
		if err := authStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		s.authMgr = auth.NewManager(authStore)

		pgRuns := scoreruns.NewPostgresStore(db)
		if err := pgRuns.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate score run store", "error", err)
		}
		runStore = pgRuns
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		featureSrc := features.NewMemorySource()
		activity, seedWriter = featureSrc, featureSrc

		scoringStore := scoring.NewMemoryStore()
		models, scores, audit = scoringStore, scoringStore, scoringStore

		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		runStore = scoreruns.NewMemoryStore()
	}

	if cfg.PersonaSeedFile != "" {
		n, err := features.LoadSeedFile(ctx, cfg.PersonaSeedFile, seedWriter, time.Now())
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to load persona seed: %w", err)
		}
		s.logger.Info("persona activity seeded", "file", cfg.PersonaSeedFile, "records", n)
	}

	if err := s.seedModels(ctx, models); err != nil {
		s.closeDB()
		return nil, err
	}

	// Redis backs soft-limit counters and nonces when configured so every
	// instance shares them.
	var (
		counters ratelimit.CounterStore
		nonces   tokens.NonceStore
	)
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(redisOpts)
		s.healthReg.Register("redis", health.RedisChecker("redis", s.redis))
		counters = ratelimit.NewRedisCounterStore(s.redis)
		nonces = tokens.NewRedisNonceStore(s.redis)
		s.logger.Info("using Redis for nonces and soft limits", "addr", redisOpts.Addr)
	} else {
		s.softCounter = ratelimit.NewMemoryCounterStore()
		counters = s.softCounter
		memNonces := tokens.NewMemoryNonceStore()
		nonces = memNonces
		s.nonceSweep = tokens.NewSweeper(memNonces, s.tokenCfg.NonceSweepInterval, s.logger)
		s.healthReg.Register("nonce_sweeper", health.LoopChecker("nonce_sweeper", s.nonceSweep.Running))
	}

	priv, pub, err := tokens.ResolveKeys(ctx, *s.tokenCfg, cfg.IsProduction(), s.logger)
	if err != nil {
		s.closeDB()
		return nil, err
	}
	s.broker = tokens.NewBroker(*s.tokenCfg, priv, ratelimit.NewSoftLimiter(counters))
	s.checker = tokens.NewChecker(*s.tokenCfg, pub, nonces)
	s.logger.Info("token broker enabled",
		"issuer", s.tokenCfg.Issuer,
		"audience", s.tokenCfg.Audience,
		"demo_mode", s.tokenCfg.DemoMode,
		"verify_key", tokens.EncodePublicKey(pub),
	)

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigin(cfg.CORSAllowedOrigin))

	extractor := features.NewExtractor(activity, s.logger)
	s.scoring = scoring.NewService(models, scores, audit, extractor).
		WithDefaultBounds(scoring.Bounds{
			Min:    cfg.DefaultRawMin,
			Max:    cfg.DefaultRawMax,
			Source: scoring.BoundsFromDefaults,
		}).
		WithNotifier(s.realtimeHub)

	s.runs = scoreruns.NewService(runStore, s.scoring, s.logger).
		WithEvents(&runEventEmitter{hub: s.realtimeHub})
	s.runReaper = scoreruns.NewReaper(s.runs, cfg.ScoreRunTimeout, s.logger)
	s.healthReg.Register("run_reaper", health.LoopChecker("run_reaper", s.runReaper.Running))

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

// seedModels loads the model catalog into store.
func (s *Server) seedModels(ctx context.Context, store scoring.ModelStore) error {
	var (
		cfgs []*scoring.ModelConfig
		err  error
	)
	if s.cfg.ModelCatalogFile != "" {
		cfgs, err = scoring.LoadCatalogFile(s.cfg.ModelCatalogFile)
	} else {
		cfgs, err = scoring.DefaultCatalog()
	}
	if err != nil {
		return fmt.Errorf("failed to load model catalog: %w", err)
	}
	if err := scoring.SeedCatalog(ctx, store, cfgs); err != nil {
		return fmt.Errorf("failed to seed model catalog: %w", err)
	}
	s.logger.Info("model catalog loaded", "models", len(cfgs), "default_model", s.cfg.DefaultModelID)
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
// Adapters
// -----------------------------------------------------------------------------

// runEventEmitter publishes score run transitions on the realtime hub.
type runEventEmitter struct {
	hub *realtime.Hub
}

func (e *runEventEmitter) EmitRunEvent(run *scoreruns.Run) {
	e.hub.Broadcast(&realtime.Event{
		Type:      realtime.RunEvent(string(run.Status)),
		PersonaID: run.PersonaID,
		Band:      run.RiskBand,
		Score:     run.ScoreResult,
		Data:      run,
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

	s.startBackground(runCtx)

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
		s.stopBackground()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startBackground launches the hub and the periodic loops.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)

	if s.nonceSweep != nil {
		go s.nonceSweep.Start(ctx)
	}
	if s.softCounter != nil {
		go s.softCounter.Start(ctx, time.Minute)
	}
	go s.runReaper.Start(ctx)
	go s.rateLimiter.Start(ctx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// stopBackground stops the loops and waits for in-flight work.
func (s *Server) stopBackground() {
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.nonceSweep != nil {
		s.nonceSweep.Stop()
		s.logger.Info("nonce sweeper stopped")
	}

	s.runReaper.Stop()
	s.logger.Info("run reaper stopped")

	// Interrupted runs stay running and are reaped after restart.
	s.runs.Shutdown()
	s.scoring.Wait()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.stopBackground()

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	s.closeDB()

	s.logger.Info("server stopped")
	return shutdownErr
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

// VerifyKey returns the public key tokens are checked against.
func (s *Server) VerifyKey() ed25519.PublicKey {
	return s.checker.PublicKey()
}
