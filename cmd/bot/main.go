// Package main is the entry point for the algobot execution engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/algobot/internal/alerting"
	"github.com/tathienbao/algobot/internal/config"
	"github.com/tathienbao/algobot/internal/engine"
	"github.com/tathienbao/algobot/internal/gateway"
	"github.com/tathienbao/algobot/internal/gateway/binance"
	"github.com/tathienbao/algobot/internal/gateway/paper"
	"github.com/tathienbao/algobot/internal/journal"
	"github.com/tathienbao/algobot/internal/metrics"
	"github.com/tathienbao/algobot/internal/scheduler"
	"github.com/tathienbao/algobot/internal/tracker"
	"github.com/tathienbao/algobot/internal/types"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		cmdRun(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Algobot - Order Strategy Execution Engine

Usage:
  algobot <command> [options]

Commands:
  run        Start the execution engine
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  algobot run --config config.yaml
  algobot validate --config config.yaml

Use "algobot <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("algobot version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Gateway: %s\n", cfg.Gateway.Type)
	fmt.Printf("  Strategies: %d\n", len(cfg.Strategies))
	for i, s := range cfg.Strategies {
		fmt.Printf("    [%d] %s %s\n", i, s.Kind, s.Symbol)
	}
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	verbose := fs.Bool("verbose", false, "Debug logging")
	fs.Parse(args)

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("algobot starting",
		"version", Version,
		"gateway", cfg.Gateway.Type,
		"strategies", len(cfg.Strategies),
	)
	metrics.SetBuildInfo(Version, GitCommit, BuildTime)

	exchange, err := buildGateway(cfg, logger)
	if err != nil {
		slog.Error("failed to build gateway", "err", err)
		os.Exit(1)
	}

	var jrnl *journal.Journal
	if cfg.Journal.Enabled {
		jrnl, err = journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			slog.Error("failed to open journal", "err", err)
			os.Exit(1)
		}
		defer jrnl.Close()
	}

	var observer tracker.Observer
	var runJournal engine.RunJournal
	if jrnl != nil {
		observer = jrnl
		runJournal = jrnl
	}

	trk := tracker.New(cfg.TrackerConfig(), exchange, observer, logger)
	sched := scheduler.New(cfg.SchedulerConfigValue(), logger)
	alerter := buildAlerter(cfg, logger)
	eng := engine.New(cfg.EngineConfigValue(), sched, runJournal, alerter, logger)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		srvCfg := metrics.DefaultServerConfig()
		srvCfg.Port = cfg.Metrics.Port
		metricsServer = metrics.NewServer(srvCfg, logger)
		metricsServer.RegisterHealthCheck("engine", func() metrics.Check {
			return metrics.Check{
				Status:  "ok",
				Message: fmt.Sprintf("%d active runs", eng.ActiveRuns()),
			}
		})
		metricsServer.Start()
	}

	// Launch the configured strategy runs.
	for i, sc := range cfg.Strategies {
		strat, err := sc.BuildStrategy(trk)
		if err != nil {
			slog.Error("invalid strategy", "index", i, "kind", sc.Kind, "err", err)
			os.Exit(1)
		}
		id, err := eng.StartStrategy(ctx, strat)
		if err != nil {
			slog.Error("failed to start strategy", "index", i, "kind", sc.Kind, "err", err)
			continue
		}
		slog.Info("strategy launched", "run_id", id, "kind", sc.Kind, "symbol", sc.Symbol)
	}

	// Periodic snapshot report until shutdown.
	recorder := metrics.NewRecorder()
	reportTicker := time.NewTicker(30 * time.Second)
	defer reportTicker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-reportTicker.C:
			recorder.RecordHeartbeat()
			for _, snap := range eng.Snapshots() {
				slog.Info("run snapshot",
					"run_id", snap.StrategyID,
					"kind", snap.Kind.String(),
					"state", snap.State.String(),
					"children", len(snap.Children),
					"summary", snap.Summary,
				)
			}
		}
	}

	slog.Info("shutdown signal received")
	shutdown(eng, sched, metricsServer, jrnl)
	slog.Info("algobot shutdown complete")
}

// buildGateway constructs the configured exchange implementation.
func buildGateway(cfg *config.Config, logger *slog.Logger) (gateway.Exchange, error) {
	switch cfg.Gateway.Type {
	case "paper":
		ex := paper.New(paper.DefaultConfig(), logger)
		for symbol, price := range cfg.Gateway.Paper.Prices {
			ex.SetPrice(symbol, decimal.NewFromFloat(price))
		}
		for asset, qty := range cfg.Gateway.Paper.Balances {
			ex.SetBalance(asset, decimal.NewFromFloat(qty))
		}
		return ex, nil
	case "binance":
		return binance.New(binance.Config{
			BaseURL:           cfg.Gateway.Binance.BaseURL,
			APIKey:            cfg.Gateway.Binance.APIKey,
			SecretKey:         cfg.Gateway.Binance.SecretKey,
			RecvWindow:        time.Duration(cfg.Gateway.Binance.RecvWindowSec) * time.Second,
			RequestTimeout:    time.Duration(cfg.Gateway.Binance.RequestTimeoutSec) * time.Second,
			RequestsPerSecond: cfg.Gateway.Binance.RequestsPerSecond,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: gateway type '%s'", types.ErrInvalidConfig, cfg.Gateway.Type)
	}
}

// buildAlerter assembles the alert fan-out from config. With alerting
// disabled everything still logs through the console channel.
func buildAlerter(cfg *config.Config, logger *slog.Logger) alerting.Alerter {
	if !cfg.Alerting.Enabled || len(cfg.Alerting.Channels) == 0 {
		return alerting.NewConsoleAlerter(logger)
	}

	multi := alerting.NewMultiAlerter(logger)
	for _, ch := range cfg.Alerting.Channels {
		switch ch.Type {
		case "console":
			multi.Add(alerting.NewConsoleAlerter(logger))
		case "webhook":
			multi.Add(alerting.NewWebhookAlerter(ch.WebhookURL))
		}
	}
	return multi
}

// shutdown cancels every active run, dumps its journaled order
// history, then stops the engine, scheduler and metrics server.
func shutdown(eng *engine.Engine, sched *scheduler.Scheduler, metricsServer *metrics.Server, jrnl *journal.Journal) {
	for _, snap := range eng.Snapshots() {
		if snap.State.IsTerminal() {
			continue
		}
		if err := eng.CancelRun(snap.StrategyID); err != nil {
			slog.Warn("cancel on shutdown failed", "run_id", snap.StrategyID, "err", err)
		}
	}

	// Give cancellations a moment to settle before tearing down.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && eng.ActiveRuns() > 0 {
		time.Sleep(200 * time.Millisecond)
	}
	if n := eng.ActiveRuns(); n > 0 {
		slog.Warn("shutting down with runs still active", "count", n)
	}

	if jrnl != nil {
		reportOrderHistory(eng, jrnl)
	}

	eng.Stop()
	sched.Stop()

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(ctx); err != nil {
			slog.Warn("metrics server shutdown failed", "err", err)
		}
	}
}

// reportOrderHistory logs the journaled order trail of every run as a
// final account of what was placed and what filled.
func reportOrderHistory(eng *engine.Engine, jrnl *journal.Journal) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, snap := range eng.Snapshots() {
		entries, err := jrnl.OrderHistory(ctx, snap.StrategyID)
		if err != nil {
			slog.Warn("order history query failed", "run_id", snap.StrategyID, "err", err)
			continue
		}
		for _, entry := range entries {
			slog.Info("order history",
				"run_id", snap.StrategyID,
				"intent_id", entry.IntentID,
				"venue_order_id", entry.VenueOrderID,
				"symbol", entry.Symbol,
				"side", entry.Side,
				"kind", entry.Kind,
				"qty", entry.Quantity,
				"status", entry.Status,
				"filled", entry.FilledQuantity,
			)
		}
	}
}
