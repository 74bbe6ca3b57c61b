package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/credpool/pool-server-go/internal/config"
	"github.com/credpool/pool-server-go/internal/database"
	"github.com/credpool/pool-server-go/internal/handler"
	"github.com/credpool/pool-server-go/internal/jobs"
	"github.com/credpool/pool-server-go/internal/middleware"
	"github.com/credpool/pool-server-go/internal/redis"
	"github.com/credpool/pool-server-go/internal/repository"
	"github.com/credpool/pool-server-go/internal/service"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	if err := cfg.Validate(cfg.IsProduction()); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("database ready")

	// Rate limit windows live in redis when available so every instance
	// sees the same budget; otherwise each instance counts on its own.
	var limiter middleware.Limiter = middleware.NewMemoryRateLimiter()
	if cfg.RedisURL != "" {
		redisClient, err := redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		limiter = middleware.NewRedisRateLimiter(redisClient.Client)
		log.Info().Msg("redis connected")
	}

	accountRepo := repository.NewAccountRepository(db.DB, cfg.EncryptionKey)

	tokenClient := service.NewSecureTokenClient(cfg.SecureTokenURL, cfg.FirebaseAPIKey, cfg.RefreshTimeout())
	provisioner := service.NewProvisionerClient(cfg.ProvisionerURL, cfg.ProvisionerAPIKey, cfg.ProvisionTimeout())

	refreshService := service.NewTokenRefreshService(
		accountRepo, tokenClient, cfg.MinRefreshInterval(), cfg.RefreshBuffer(), cfg.RefreshTimeout(),
	)
	poolService := service.NewPoolService(accountRepo, provisioner, refreshService, cfg)

	// No session can exist yet, so anything still claimed belongs to a
	// previous process and goes back to the pool.
	if cfg.ReclaimOnStart {
		reclaimCtx, reclaimCancel := context.WithTimeout(context.Background(), config.ReclaimTimeout)
		if _, err := poolService.ReclaimOrphans(reclaimCtx); err != nil {
			log.Error().Err(err).Msg("failed to reclaim orphaned allocations")
		}
		reclaimCancel()
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.ServiceToken, cfg.AdminTokenHash)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(limiter, cfg.RateLimitPerMinute)

	poolHandler := handler.NewPoolHandler(poolService, refreshService, authMiddleware.RequireAdmin)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	r.Use(middleware.BodyLimit(0))

	r.Get("/health", poolHandler.Health)

	r.Route("/accounts", func(r chi.Router) {
		r.Use(authMiddleware.RequireService)
		r.Use(rateLimitMiddleware.Handler)
		r.Mount("/", poolHandler.Routes())
	})

	r.Route("/pool", func(r chi.Router) {
		r.Use(authMiddleware.RequireService)
		r.Use(rateLimitMiddleware.Handler)
		r.With(authMiddleware.RequireAdmin).Post("/refresh", poolHandler.RefreshPool)
	})

	maintenance := jobs.NewMaintenanceJob(poolService, refreshService, cfg.MaintenanceInterval())
	maintenance.Start()
	defer maintenance.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
