// Package main is the entry point for ratchetd, the task-execution core
// server: it loads configuration, brings up the App supervisor (C0), and
// serves the Agent Protocol Layer (C6) over whichever transport the
// configuration selects. The same binary also runs as the worker subprocess
// the Worker Pool (C2) spawns (`ratchetd worker`) and as a standalone
// migration runner (`ratchetd migrate`), so a single built artifact covers
// every role in the deployment.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ratchet-run/ratchet/internal/app"
	"github.com/ratchet-run/ratchet/internal/config"
	"github.com/ratchet-run/ratchet/internal/jsworker"
	"github.com/ratchet-run/ratchet/internal/protocol"
	"github.com/ratchet-run/ratchet/internal/store"
)

var (
	version = "dev"
	commit  = "none"
)

type rootConfig struct {
	configPath     string
	logLevel       string
	httpAddr       string
	shutdownGraceS int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &rootConfig{}

	root := &cobra.Command{
		Use:   "ratchetd",
		Short: "ratchetd — the task-execution core server",
		Long: `ratchetd loads task definitions from one or more registry sources,
dispatches executions across a supervised worker pool, and exposes
tasks, executions, and schedules to agents over the Agent Protocol
Layer (pipe or SSE transport).

Run "ratchetd serve" to start the server, "ratchetd migrate" to apply
pending store migrations without serving traffic, or "ratchetd worker"
to run a single worker subprocess (normally spawned by the server's
own worker pool, not invoked by hand).`,
	}

	root.PersistentFlags().StringVar(&cfg.configPath, "config", envOrDefault("RATCHET_CONFIG", ""), "path to a YAML config file (defaults built in if unset)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("RATCHET_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(cfg))
	root.AddCommand(newMigrateCmd(cfg))
	root.AddCommand(newWorkerCmd(cfg))
	root.AddCommand(newVersionCmd())

	return root
}

func newServeCmd(cfg *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the task-execution core server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("RATCHET_HTTP_ADDR", ""), "override protocol.endpoint from config")
	cmd.Flags().IntVar(&cfg.shutdownGraceS, "shutdown-grace-s", 15, "seconds to let in-flight executions finish during shutdown")
	return cmd
}

func newMigrateCmd(cfg *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending store migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			conf, err := loadConfig(cfg.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			// store.New runs the migrate-driver's migrations as a side effect of
			// opening the database; closing immediately after is enough to
			// leave the schema up to date without starting the supervisor.
			db, err := store.New(store.Config{Driver: conf.Store.Driver, DSN: conf.Store.DSN, Logger: logger})
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			sqlDB, err := db.DB()
			if err == nil {
				_ = sqlDB.Close()
			}

			logger.Info("migrations applied", zap.String("driver", conf.Store.Driver))
			return nil
		},
	}
}

func newWorkerCmd(cfg *rootConfig) *cobra.Command {
	var workerID string

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a single worker subprocess, executing Execute frames received on stdin",
		Hidden: true, // spawned by the worker pool, not meant for interactive use
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), workerID, cfg.logLevel)
		},
	}
	cmd.Flags().StringVar(&workerID, "worker-id", envOrDefault("RATCHET_WORKER_ID", "w0"), "identifier reported back in logs")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ratchetd %s (commit: %s)\n", version, commit)
		},
	}
}

func runServe(ctx context.Context, rc *rootConfig) error {
	logger, err := buildLogger(rc.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := loadConfig(rc.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if rc.httpAddr != "" {
		cfg.Protocol.Endpoint = rc.httpAddr
	}

	logger.Info("starting ratchetd",
		zap.String("version", version),
		zap.String("transport", cfg.Protocol.Transport),
		zap.String("endpoint", cfg.Protocol.Endpoint),
		zap.String("store_driver", cfg.Store.Driver),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build app: %w", err)
	}

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- a.Run(ctx)
	}()

	transportErrCh := make(chan error, 1)
	httpSrv := buildTransport(cfg, a, logger, transportErrCh)
	if httpSrv != nil {
		go func() {
			logger.Info("protocol transport listening", zap.String("addr", cfg.Protocol.Endpoint))
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				transportErrCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-transportErrCh:
		logger.Error("protocol transport error", zap.Error(err))
		stop()
	case err := <-runErrCh:
		if err != nil {
			logger.Error("app supervisor exited with error", zap.Error(err))
		}
		stop()
	}

	grace := time.Duration(rc.shutdownGraceS) * time.Second
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("transport shutdown error", zap.Error(err))
		}
	}

	a.Shutdown(grace)
	<-runErrCh

	logger.Info("ratchetd stopped")
	return nil
}

// runWorker is the ratchetd-as-worker-subprocess entry point: it speaks the
// length-prefixed frame protocol over its own stdin/stdout, never over a
// socket, and logs only to stderr so stdout stays reserved for frames.
func runWorker(ctx context.Context, workerID, logLevel string) error {
	logger, err := buildWorkerLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := jsworker.New(workerID, os.Stdin, os.Stdout, logger)
	return w.Run(ctx)
}

// buildTransport wires the Agent Protocol Layer's SSE transport behind an
// http.Server when configured, with the Prometheus scrape endpoint mounted
// alongside it; the pipe transport has no listener to manage here since it
// runs directly over the process's stdin/stdout (reserved for a future
// `ratchetd serve --transport pipe` mode, not wired by default) — metrics
// are only reachable over HTTP when the sse transport is selected.
func buildTransport(cfg *config.Config, a *app.App, logger *zap.Logger, errCh chan<- error) *http.Server {
	if cfg.Protocol.Transport != "sse" {
		return nil
	}

	creds := make([]protocol.Credential, 0, len(cfg.Protocol.Auth.Keys))
	for _, k := range cfg.Protocol.Auth.Keys {
		creds = append(creds, protocol.Credential{
			Key: k,
			Permissions: protocol.Permissions{
				CanExecute: true, CanReadLogs: true, CanReadTraces: true, CanAccessSystemInfo: true,
			},
		})
	}
	auth := protocol.NewAuthenticator(cfg.Protocol.Auth.Method, creds)

	rules := make([]protocol.RateLimitRule, 0, len(cfg.Protocol.RateLimits))
	for _, r := range cfg.Protocol.RateLimits {
		rules = append(rules, protocol.RateLimitRule{Method: r.Method, RatePerMin: r.RatePerMin, Burst: r.Burst})
	}
	limiter := protocol.NewRateLimiter(rules)

	dispatcher := protocol.NewDispatcher(a.Core(), limiter)
	hub := protocol.NewSessionHub(dispatcher, auth, time.Duration(cfg.Protocol.Session.TimeoutS)*time.Second, logger)

	mux := http.NewServeMux()
	mux.Handle("/", hub.Router())
	mux.Handle("/metrics", a.Metrics())

	return &http.Server{
		Addr:         cfg.Protocol.Endpoint,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // event streams are long-lived
		IdleTimeout:  120 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

// buildWorkerLogger mirrors buildLogger but pins output to stderr: stdout is
// reserved for the framed protocol and must never be polluted by log output.
func buildWorkerLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
