package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sumandas0/contextd/config"
	"github.com/sumandas0/contextd/internal/api"
	"github.com/sumandas0/contextd/internal/bus"
	"github.com/sumandas0/contextd/internal/core"
	"github.com/sumandas0/contextd/internal/health"
	"github.com/sumandas0/contextd/internal/ingest"
	"github.com/sumandas0/contextd/internal/observability"
	"github.com/sumandas0/contextd/internal/resilience"
	"github.com/sumandas0/contextd/internal/store"
	"github.com/sumandas0/contextd/internal/store/memory"
	"github.com/sumandas0/contextd/internal/store/postgres"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "contextd",
		Short: "Context data broker",
		Long:  "A context broker serving current entity state and append-only attribute history.",
		RunE:  runServer,
	}

	rootCmd.Flags().StringP("config", "c", "", "Path to configuration file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("contextd %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE:  runMigrations,
	}
	migrateCmd.Flags().StringP("config", "c", "", "Path to configuration file")
	rootCmd.AddCommand(migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	app, err := NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.Close()

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      app.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverChan := make(chan error, 1)
	go func() {
		log.Info().Str("address", cfg.GetServerAddress()).Str("version", version).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverChan <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverChan:
		return err
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		return err
	}

	log.Info().Msg("server shutdown completed")
	return nil
}

func runMigrations(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	pgStore, err := postgres.NewPostgresStore(cfg.GetDatabaseURL())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pgStore.Close()

	migrator := postgres.NewMigrator(pgStore.GetPool())
	if err := migrator.Run(context.Background()); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info().Msg("database migrations completed")
	return nil
}

// Application holds the wired components of the broker.
type Application struct {
	cfg            *config.Config
	entityStore    store.EntityStore
	temporalStore  store.TemporalStore
	eventBus       *bus.Bus
	consumer       *ingest.Consumer
	consumerCancel context.CancelFunc
	obsManager     *observability.Manager
	router         *api.Router
}

func NewApplication(cfg *config.Config) (*Application, error) {
	app := &Application{cfg: cfg}

	obsManager, err := observability.NewManager(cfg.ObservabilityConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}
	app.obsManager = obsManager

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch cfg.Store.Type {
	case "memory":
		memStore := memory.NewStore()
		app.entityStore = memStore
		app.temporalStore = memStore
	default:
		pgStore, err := postgres.NewPostgresStore(cfg.GetDatabaseURL())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres: %w", err)
		}
		if err := pgStore.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		if cfg.Store.Database.MigrateOnStart {
			migrator := postgres.NewMigrator(pgStore.GetPool())
			if err := migrator.Run(ctx); err != nil {
				return nil, fmt.Errorf("migration failed: %w", err)
			}
		}
		app.entityStore = pgStore
		app.temporalStore = postgres.NewTemporalPostgresStore(pgStore.GetPool())
	}

	app.eventBus = bus.New(cfg.Bus.BufferSize)

	breakers := resilience.NewCircuitBreakerManager(cfg.Resilience)
	engine := core.NewEngine(app.entityStore, app.temporalStore, app.eventBus, obsManager)
	temporalEngine := core.NewTemporalEngine(app.temporalStore, app.entityStore, breakers, obsManager)

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	app.consumerCancel = consumerCancel
	app.consumer = ingest.NewConsumer(app.eventBus, temporalEngine, obsManager)
	app.consumer.Start(consumerCtx)

	healthChecker := health.NewHealthChecker(5 * time.Second)
	healthChecker.RegisterStore("entity_store", app.entityStore)
	healthChecker.RegisterStore("temporal_store", app.temporalStore)

	app.router = api.NewRouter(engine, temporalEngine, healthChecker, obsManager, api.RateLimitOptions{
		Enabled:  cfg.RateLimit.Enabled,
		Requests: cfg.RateLimit.Requests,
		Period:   cfg.RateLimit.Period,
	})

	return app, nil
}

func (a *Application) Handler() http.Handler {
	return a.router.SetupRoutes()
}

func (a *Application) Close() {
	a.eventBus.Close()
	a.consumer.Wait()
	a.consumerCancel()

	if a.entityStore != nil {
		a.entityStore.Close()
	}
	if a.temporalStore != nil {
		a.temporalStore.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.obsManager.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("observability shutdown failed")
	}
}
