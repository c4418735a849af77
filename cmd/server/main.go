package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/botfleet-io/botfleet/internal/api"
	"github.com/botfleet-io/botfleet/internal/clock"
	"github.com/botfleet-io/botfleet/internal/db"
	"github.com/botfleet-io/botfleet/internal/dispatcher"
	"github.com/botfleet-io/botfleet/internal/eventbus"
	"github.com/botfleet-io/botfleet/internal/inbound"
	"github.com/botfleet-io/botfleet/internal/janitor"
	"github.com/botfleet-io/botfleet/internal/metrics"
	"github.com/botfleet-io/botfleet/internal/registry"
	"github.com/botfleet-io/botfleet/internal/repository"
	"github.com/botfleet-io/botfleet/internal/scheduler"
	"github.com/botfleet-io/botfleet/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr          string
	dbDriver          string
	dbDSN             string
	logLevel          string
	heartbeatInterval int
	dispatchTimeout   int
	tickInterval      int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "botfleet-server",
		Short: "Botfleet server — orchestrator for browser automation bots",
		Long: `Botfleet server is the control plane of the Botfleet system.
It exposes a REST API and a WebSocket event stream, schedules bot runs
from cron expressions, and dispatches queued runs to registered agents.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("BOTFLEET_HTTP_ADDR", ":8080"), "HTTP API and WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("BOTFLEET_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("BOTFLEET_DB_DSN", "./botfleet.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("BOTFLEET_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.heartbeatInterval, "heartbeat-interval", envOrDefaultInt("BOTFLEET_HEARTBEAT_INTERVAL", 10), "Expected agent heartbeat interval in seconds")
	root.PersistentFlags().IntVar(&cfg.dispatchTimeout, "dispatch-timeout", envOrDefaultInt("BOTFLEET_DISPATCH_TIMEOUT", 10), "Per-agent dispatch call timeout in seconds")
	root.PersistentFlags().IntVar(&cfg.tickInterval, "tick-interval", envOrDefaultInt("BOTFLEET_TICK_INTERVAL", 60), "Dispatcher pass and janitor sweep interval in seconds")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("botfleet-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting botfleet server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Storage ---
	database, err := db.New(db.Config{
		Driver: cfg.dbDriver,
		DSN:    cfg.dbDSN,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	botRepo := repository.NewBotRepository(database)
	agentRepo := repository.NewAgentRepository(database)
	runRepo := repository.NewRunRepository(database)
	eventRepo := repository.NewRunEventRepository(database)
	logRepo := repository.NewRunLogRepository(database)

	// --- Core services ---
	m := metrics.New()
	bus := eventbus.New(logger, m)
	clk := clock.System{}

	heartbeat := time.Duration(cfg.heartbeatInterval) * time.Second
	agentReg := registry.NewAgentRegistry(agentRepo, bus, clk, heartbeat, logger)
	runReg := registry.NewRunRegistry(runRepo, eventRepo, logRepo, bus, clk, m, logger)
	botReg := registry.NewBotRegistry(botRepo, bus, clk, logger)

	// --- Background loops ---
	sched, err := scheduler.New(botRepo, runRepo, runReg, clk, logger)
	if err != nil {
		return err
	}

	transport := dispatcher.NewHTTPTransport(time.Duration(cfg.dispatchTimeout) * time.Second)
	disp, err := dispatcher.New(runRepo, botRepo, runReg, agentReg, transport, clk,
		time.Duration(cfg.dispatchTimeout)*time.Second,
		time.Duration(cfg.tickInterval)*time.Second, m, logger)
	if err != nil {
		return err
	}

	jan, err := janitor.New(agentRepo, runRepo, runReg, agentReg, clk,
		time.Duration(cfg.tickInterval)*time.Second, m, logger)
	if err != nil {
		return err
	}

	// --- Push channel ---
	inboundRouter := inbound.NewRouter(agentReg, runReg, disp.Kick, logger)
	hub := websocket.NewHub(bus, m, logger)
	go hub.Run(ctx)

	// --- HTTP ---
	router := api.NewRouter(api.RouterConfig{
		Bots:       botReg,
		Agents:     agentReg,
		Runs:       runReg,
		Dispatcher: disp,
		Hub:        hub,
		Inbound:    inboundRouter,
		DB:         database,
		Metrics:    m.Handler(),
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if err := disp.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	if err := jan.Start(ctx); err != nil {
		return fmt.Errorf("failed to start janitor: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		cancel()
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down botfleet server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}

	if err := jan.Stop(); err != nil {
		logger.Warn("janitor stop error", zap.Error(err))
	}
	if err := disp.Stop(); err != nil {
		logger.Warn("dispatcher stop error", zap.Error(err))
	}
	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler stop error", zap.Error(err))
	}

	return nil
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
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
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

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
