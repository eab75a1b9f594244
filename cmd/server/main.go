/*
main.go - Application entry point

PURPOSE:
  Starts the points engine HTTP server, or seeds a demo scenario.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve   Run the HTTP API (default when no command is given)
  seed    Reset the database and load a demo scenario, then exit

STARTUP SEQUENCE (serve):
  1. Load .env, then config (defaults < config file < POINTS_* env < flags)
  2. Build the slog logger
  3. Open the store (SQLite or PostgreSQL)
  4. Build the engine with metrics and the plan cache
  5. Configure the HTTP router
  6. Start server with graceful shutdown

FLAGS:
  --config      Optional config file (yaml, toml, json, env)
  --env-file    Dotenv file loaded into the environment (default: .env)
                Variables already set in the environment win
  --port        HTTP server port (default: 8080)
  --db          SQLite path or PostgreSQL URL (default: points.db)
                Use ":memory:" for an in-memory SQLite database
  --db-driver   sqlite | postgres
  --log-level   debug | info | warn | error
  --scenario    Scenario to load (seed only)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  POINTS_JWT_SECRET=dev ./points-server serve --db=./data/points.db

  # Run against PostgreSQL
  ./points-server serve --db-driver=postgres --db=postgres://localhost/points

  # Load the demo hierarchy
  ./points-server seed --scenario=refund-review

SEE ALSO:
  - config/config.go: Settings and environment variables
  - api/server.go: Router configuration
  - api/scenarios.go: Demo data
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/warp/points-engine/api"
	"github.com/warp/points-engine/config"
	"github.com/warp/points-engine/logging"
	"github.com/warp/points-engine/metrics"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/store/postgres"
	"github.com/warp/points-engine/store/sqlite"
)

// storage is what the server needs from either backend.
type storage interface {
	points.TxStore
	io.Closer
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "points-server",
	Short:        "Points ledger and billing engine for the reseller hierarchy",
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Reset the database and load a demo scenario",
	RunE:  runSeed,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file")
	flags.String("env-file", ".env", "dotenv file for local development")
	flags.Int("port", 8080, "HTTP server port")
	flags.String("db", "points.db", "SQLite path or PostgreSQL URL")
	flags.String("db-driver", config.DriverSQLite, "database driver (sqlite, postgres)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	seedCmd.Flags().String("scenario", "reseller-network", "scenario to load")

	rootCmd.AddCommand(serveCmd, seedCmd)
}

// =============================================================================
// SERVE
// =============================================================================

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("POINTS_JWT_SECRET is required to serve the API")
	}

	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := newEngine(store, cfg, log)
	handler := api.NewHandler(engine, log)
	router := api.NewRouter(handler, api.RouterConfig{
		JWTSecret:      []byte(cfg.JWTSecret),
		AllowedOrigins: cfg.AllowedOrigins,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.ServerPort, "driver", cfg.DatabaseDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-quit:
	}

	log.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

// =============================================================================
// SEED
// =============================================================================

func runSeed(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	scenario, _ := cmd.Flags().GetString("scenario")

	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := api.Seed(cmd.Context(), newEngine(store, cfg, log), scenario)
	if err != nil {
		return fmt.Errorf("seed %s: %w", scenario, err)
	}
	log.Info("scenario loaded", "scenario", scenario, "accounts", len(result.Accounts), "plans", len(result.Plans))
	for name, id := range result.Accounts {
		fmt.Fprintf(cmd.OutOrStdout(), "%-12s %d\n", name, id)
	}
	return nil
}

// =============================================================================
// WIRING
// =============================================================================

func setup(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.Config{}, nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(log)
	return cfg, log, nil
}

func openStore(ctx context.Context, cfg config.Config) (storage, error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return store, nil
	default:
		store, err := sqlite.New(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return store, nil
	}
}

func newEngine(store points.TxStore, cfg config.Config, log *slog.Logger) *points.Engine {
	return points.New(store,
		points.WithLogger(log),
		points.WithObserver(metrics.New(nil)),
		points.WithRefundWindowDays(cfg.RefundWindowDays),
		points.WithPlanCache(points.NewPlanCache(cfg.PlanCacheSize)),
	)
}
