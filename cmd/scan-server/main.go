package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/scanhub/scanhub/internal/config"
	"github.com/scanhub/scanhub/internal/domain/notification"
	"github.com/scanhub/scanhub/internal/domain/scan"
	"github.com/scanhub/scanhub/internal/platform/auth"
	"github.com/scanhub/scanhub/internal/platform/blobstore"
	"github.com/scanhub/scanhub/internal/platform/db"
	"github.com/scanhub/scanhub/internal/platform/metrics"
	"github.com/scanhub/scanhub/internal/platform/middleware"
	"github.com/scanhub/scanhub/internal/platform/notify"
	"github.com/scanhub/scanhub/internal/platform/websocket"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "scan-server",
		Short: "Scan analysis API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scan API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Storage: Postgres when configured, in-memory otherwise (dev only).
	ctx := context.Background()
	var scanRepo scan.Repository
	var notifRepo notification.Repository
	var pool *pgxpool.Pool

	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		scanRepo = scan.NewRepoPG(pool)
		notifRepo = notification.NewRepoPG(pool)
		logger.Info().Msg("connected to database")
	} else {
		scanRepo = scan.NewInMemoryRepository()
		notifRepo = notification.NewInMemoryRepository()
		logger.Warn().Msg("DATABASE_URL not set; using in-memory storage")
	}
	if pool != nil {
		defer pool.Close()
	}

	// Blob storage for uploaded scan images
	var blobs blobstore.Store
	if cfg.UploadDir != "" {
		diskStore, err := blobstore.NewDiskStore(cfg.UploadDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open upload directory")
		}
		blobs = diskStore
	} else {
		blobs = blobstore.NewInMemoryStore()
	}

	// Notification fan-out: WebSocket push plus the durable inbox store.
	hub := websocket.NewHub()
	notifSvc := notification.NewService(notifRepo)
	router := notify.NewMulti(logger, hub, notifSvc)

	// Scan pipeline
	worker := scan.NewHTTPWorker(cfg.AIWorkerURL, cfg.AnalysisTimeout())
	scanSvc := scan.NewService(scanRepo, worker, router, logger)
	scanSvc.SubmitTimeout = cfg.AnalysisTimeout()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(1<<20, blobstore.MaxFileSize+1<<20))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	e.GET("/metrics", metrics.Handler())

	// Worker callback ingress, outside the authenticated group.
	callbackGroup := e.Group("/api")

	// Authenticated API
	api := e.Group("/api")
	if cfg.IsDev() && cfg.JWTSigningKey == "" {
		api.Use(auth.DevMiddleware())
	} else {
		api.Use(auth.Middleware([]byte(cfg.JWTSigningKey)))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	api.Use(middleware.RateLimit(rateLimitCfg))

	// Domain handlers
	scanHandler := scan.NewHandler(scanSvc, blobs)
	scanHandler.RegisterRoutes(api)
	scanHandler.RegisterCallbackRoutes(callbackGroup)

	notifHandler := notification.NewHandler(notifSvc, notifRepo)
	notifHandler.RegisterRoutes(api)

	wsHandler := websocket.NewHandler(hub)
	wsHandler.RegisterRoutes(api)

	// Start server
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("scan server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}

	// Let in-flight worker dispatches finish before closing the pool.
	scanSvc.Wait()
	logger.Info().Msg("shutdown complete")
	return nil
}
