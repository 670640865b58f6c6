package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tollgate/tollgate/internal/cache"
	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/database"
	"github.com/tollgate/tollgate/internal/handler"
	"github.com/tollgate/tollgate/internal/middleware"
	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/repository"
	"github.com/tollgate/tollgate/internal/service"
	"github.com/tollgate/tollgate/internal/worker"
	"github.com/tollgate/tollgate/pkg/facilitator"
)

// main is the application entrypoint for the tollgate proxy.
func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Setup logger
	setupLogger(cfg.Env)
	log.Info().Str("env", cfg.Env).Msg("starting tollgate proxy")

	// 3. Connect database
	db, err := database.Connect(&cfg.DB)
	if err != nil {
		log.Error().Err(err).Msg("database connection failed")
		fmt.Fprintf(os.Stderr, "database connection failed: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	// 3a. Run migrations
	if err := runMigrations(db.DB); err != nil {
		log.Error().Err(err).Msg("migration failed")
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}
	log.Info().Msg("migrations completed successfully")

	// 3b. Connect to Redis
	redisClient, err := cache.NewRedisClient(&cfg.Redis)
	if err != nil {
		log.Error().Err(err).Msg("redis connection failed")
		fmt.Fprintf(os.Stderr, "redis connection failed: %v\n", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected successfully")

	// 4. Initialize repositories and caches
	gatewayRepo := repository.NewGatewayRepository(db)
	logRepo := repository.NewRequestLogRepository(db)
	gatewayCache := cache.NewGatewayCache(redisClient)

	// 5. Initialize facilitator client
	facClient := facilitator.NewClient(cfg.Facilitator.BaseURL, cfg.Facilitator.APIKey, cfg.Facilitator.Timeout)

	// 6. Initialize services
	directorySvc := service.NewDirectoryService(gatewayRepo, gatewayCache, &cfg.Proxy)
	paymentSvc := service.NewPaymentService(facClient, models.DefaultNetworks())
	forwardSvc := service.NewForwardService(&cfg.Proxy, cfg.Env)
	telemetrySvc := service.NewTelemetryService(cfg.Telemetry.QueueSize)

	// 7. Initialize handlers
	proxyHandler := handler.NewProxyHandler(directorySvc, paymentSvc, forwardSvc, telemetrySvc)
	healthHandler := handler.NewHealthHandler(db, redisClient, facClient, telemetrySvc)

	// 8. Setup routers. Every host and path on the proxy port goes through
	// the pipeline; health lives on the internal port.
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.LoggingMiddleware())
	router.NoRoute(proxyHandler.Handle)

	internal := gin.New()
	internal.Use(gin.Recovery())
	internal.GET("/healthz", healthHandler.GetHealth)

	// 9. Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 10. Start telemetry worker
	go worker.NewTelemetryWorker(logRepo, telemetrySvc, cfg.Telemetry.InsertTimeout).Start(ctx)

	// 11. Start HTTP servers
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	internalSrv := &http.Server{
		Addr:    ":" + cfg.HealthPort,
		Handler: internal,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Starting proxy server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Proxy server failed")
		}
	}()
	go func() {
		log.Info().Str("port", cfg.HealthPort).Msg("Starting internal server")
		if err := internalSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Internal server failed")
		}
	}()

	// 12. Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// 13. Cancel context to stop the telemetry worker (drains its queue)
	cancel()

	// 14. Shutdown HTTP servers with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Proxy server forced to shutdown")
	}
	if err := internalSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Internal server forced to shutdown")
	}
	log.Info().Msg("Server exited")
}

// runMigrations runs database migrations using golang-migrate.
func runMigrations(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		"file://migrations",
		"postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	return nil
}

func setupLogger(env string) {
	if env == "production" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}
