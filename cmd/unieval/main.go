package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"unieval/internal/app"
	"unieval/internal/store/postgres"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:           "unieval",
	Short:         "Academic evaluation lifecycle service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the lifecycle scheduler",
	RunE:  runServe,
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduler pass and print what changed",
	RunE:  runTick,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schema",
	RunE:  runMigrate,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the environment")
	rootCmd.AddCommand(serveCmd, tickCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setup(ctx context.Context) (*app.App, error) {
	cfg, err := app.LoadConfig(envFile)
	if err != nil {
		return nil, err
	}
	logger, err := app.NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	defer func() { _ = a.Logger.Sync() }()

	if a.DB != nil {
		if err := postgres.EnsureSchema(ctx, a.DB); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              a.Config.HTTPAddr,
		Handler:           app.NewRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("unieval listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.Limiter.SweepEvery(gctx, time.Minute)
	})
	if a.Config.SchedulerEnabled {
		g.Go(func() error {
			return a.Scheduler.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		a.Logger.Error("server stopped", zap.Error(err))
		return err
	}
	a.Logger.Info("server stopped")
	return nil
}

func runTick(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	defer func() { _ = a.Logger.Sync() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), a.Config.SchedulerRunTimeout)
	defer cancel()
	rep := a.Scheduler.RunOnce(ctx)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}
	if rep.Failed() {
		return fmt.Errorf("scheduler run had %d failed step(s)", len(rep.Errors))
	}
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := app.LoadConfig(envFile)
	if err != nil {
		return err
	}
	logger, err := app.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	conn, err := app.OpenDB(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := postgres.EnsureSchema(cmd.Context(), conn); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	logger.Info("schema applied")
	return nil
}
