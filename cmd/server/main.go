/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the slice allocation server. Handles
  configuration, dependency wiring, and graceful shutdown.

COMMANDS:
  slice-server [serve]     Run the HTTP API (default)
  slice-server reconcile   Run one reconciliation pass and exit
  slice-server role        Grant or revoke the admin role
  slice-server version     Print version information

FLAGS:
  -c, --config     YAML config file (default: ./configs/config.yaml if present)
      --db         SQLite database path, overrides database.path
      --port       HTTP port, overrides server.port

STARTUP SEQUENCE:
  1. Load config (defaults, YAML, SLICE_* env)
  2. Initialize slog
  3. Open SQLite store
  4. Build locker (memory or redis), metrics, engine, reconciler
  5. Start reconciliation cron and HTTP server under one errgroup

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout, 30s)
  3. Stop the scheduler, waiting for a running pass
  4. Close redis and the database

EXAMPLES:
  ./slice-server --db=":memory:"
  SLICE_LOCK_BACKEND=redis ./slice-server -c configs/config.yaml
  ./slice-server reconcile --db=./data/slice.db
  ./slice-server role alice admin
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/slice/allocation-engine/api"
	"github.com/slice/allocation-engine/config"
	"github.com/slice/allocation-engine/store/sqlite"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	appName = "slice-server"
	Version = "0.1.0"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	dbPath     string
	port       int
}

func rootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Slice allocation and accounting server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), f)
		},
	}

	cmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&f.dbPath, "db", "", "SQLite database path (overrides database.path)")
	cmd.PersistentFlags().IntVar(&f.port, "port", 0, "HTTP server port (overrides server.port)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), f)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Recompute target totals from the ledger and report budget violations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return reconcile(cmd.Context(), f)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "role <username> <user|admin>",
		Short: "Set a user's role; admins may call /api/admin routes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return changeRole(cmd.Context(), f, args[0], args[1])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})

	return cmd
}

func loadConfig(f flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.dbPath != "" {
		cfg.Database.Path = f.dbPath
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler).With(slog.String("app", appName))
}

func serve(ctx context.Context, f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.scheduler.Start(); err != nil {
		return err
	}

	router := api.NewRouter(app.handler, api.RouterConfig{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         logger,
	})
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting",
			slog.Int("port", cfg.Server.Port),
			slog.String("database", cfg.Database.Path),
			slog.String("lock_backend", cfg.Lock.Backend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		app.scheduler.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func reconcile(ctx context.Context, f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if ctx == nil {
		ctx = context.Background()
	}
	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	report, err := app.reconciler.Run(ctx)
	app.metrics.ReconcileFinished(err)
	if err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(api.NewReconcileReportDTO(report))
}

func changeRole(ctx context.Context, f flags, username, role string) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	if ctx == nil {
		ctx = context.Background()
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	return setRole(ctx, store, username, role, logger)
}
