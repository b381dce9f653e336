package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/deaddrop/internal/api"
	"github.com/eldtechnologies/deaddrop/internal/api/middleware"
	"github.com/eldtechnologies/deaddrop/internal/config"
	"github.com/eldtechnologies/deaddrop/internal/crypto"
	"github.com/eldtechnologies/deaddrop/internal/exchange"
	"github.com/eldtechnologies/deaddrop/internal/handlers"
	"github.com/eldtechnologies/deaddrop/internal/index"
	"github.com/eldtechnologies/deaddrop/internal/ratelimit"
	"github.com/eldtechnologies/deaddrop/internal/registry"
	"github.com/eldtechnologies/deaddrop/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && level != zerolog.NoLevel {
		logger = logger.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clockwork.NewRealClock()

	// Agent records: Postgres, then SQLite, then memory
	var agents store.AgentStore
	switch {
	case cfg.DatabaseURL != "":
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Msg("migrations completed")

		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		agents = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	case cfg.SQLitePath != "":
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.SQLitePath).Msg("sqlite open failed")
		}
		agents = sqliteStore
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite database")
	default:
		agents = store.NewMemoryStore()
		logger.Warn().Msg("no DATABASE_URL or SQLITE_PATH; agents are kept in memory")
	}
	defer agents.Close()

	// Inboxes and rate windows: Redis, then memory
	var (
		inbox      store.InboxStore
		limiter    ratelimit.Limiter
		blocker    ratelimit.Blocker
		sweepHooks []func()
	)
	if cfg.RedisURL != "" {
		redisStore, err := store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		inbox = redisStore
		limiter = ratelimit.NewRedisLimiter(redisStore.Client(), clk)
		blocker = ratelimit.NewRedisBlocker(redisStore.Client())
		logger.Info().Msg("connected to Redis")
	} else {
		memLimiter := ratelimit.NewMemoryLimiter(clk)
		inbox = store.NewMemoryInbox()
		limiter = memLimiter
		blocker = ratelimit.NewMemoryBlocker(clk)

		// Windows longer than the longest configured limit hold nothing.
		maxWindow := cfg.SendRateWindow
		for _, l := range middleware.DefaultIPLimits {
			if l.Window > maxWindow {
				maxWindow = l.Window
			}
		}
		sweepHooks = append(sweepHooks, func() {
			if n := memLimiter.Sweep(maxWindow); n > 0 {
				logger.Debug().Int("windows", n).Msg("dropped idle rate windows")
			}
		})
		logger.Warn().Msg("no REDIS_URL; inboxes are kept in memory")
	}
	defer inbox.Close()

	if cfg.KeyPepper == "" {
		logger.Warn().Msg("KEY_PEPPER not set; API keys are stored as plain SHA-256 digests")
	}

	idx := index.New(cfg.SearchResultLimit, cfg.SearchMaturityThreshold)
	reg := registry.New(agents, idx, crypto.NewKeyHasher(cfg.KeyPepper), clk, logger)

	n, err := reg.RebuildIndex(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to rebuild capability index")
	}
	logger.Info().Int("active_agents", n).Msg("capability index rebuilt")

	x := exchange.New(reg, inbox, limiter, clk, logger, exchange.Config{
		SendLimit:  ratelimit.Limit{Requests: cfg.SendRateLimit, Window: cfg.SendRateWindow},
		MessageTTL: cfg.MessageTTL,
	})
	go x.RunSweeper(ctx, cfg.SweepInterval, sweepHooks...)

	opts := api.Options{MaxBodyBytes: cfg.MaxBodyBytes}
	if cfg.IPThrottleEnabled {
		opts.IPThrottle = &api.IPThrottle{
			Limiter: limiter,
			Blocker: blocker,
			Config: middleware.RateLimiterConfig{
				Whitelist:        cfg.RateLimitWhitelist,
				AutoBlockEnabled: cfg.AutoBlockEnabled,
			},
		}
	}
	if cfg.AdminSecretHash == "" {
		logger.Warn().Msg("ADMIN_SECRET_HASH not set; /admin/stats is disabled")
	}

	// Create router
	router := api.NewRouter(logger, handlers.Deps{
		Registry:        reg,
		Index:           idx,
		Exchange:        x,
		Agents:          agents,
		Inbox:           inbox,
		AdminSecretHash: cfg.AdminSecretHash,
		Logger:          logger,
	}, opts)

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("agents", agents.Backend()).
			Str("inboxes", inbox.Backend()).
			Msg("starting deaddrop server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
