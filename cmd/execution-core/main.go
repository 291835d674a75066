// Command execution-core runs the Execution Core process: the admin HTTP
// surface and the Recovery Loop, wired to a single broker connection, an
// Order Tracker, and a Ledger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"execution-core/internal/admin"
	"execution-core/internal/bootstrap"
	"execution-core/internal/broker"
	"execution-core/internal/core"
	"execution-core/internal/engine"
	"execution-core/internal/health"
	"execution-core/internal/ingress"
	"execution-core/internal/ledger"
	"execution-core/internal/safety"
	"execution-core/internal/tracker"
	"execution-core/pkg/telemetry"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	overlayPath := flag.String("config", "", "Path to the optional YAML defaults overlay")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("execution-core version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*overlayPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap application: %v\n", err)
		var cfgErr *core.ConfigError
		if errors.As(err, &cfgErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
	logger := app.Logger
	cfg := app.Cfg

	tel, err := telemetry.Setup(cfg.ServiceName)
	if err != nil {
		logger.Error("failed to set up telemetry, continuing without it", "error", err.Error())
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err.Error())
			}
		}()
	}

	logger.Info("starting execution-core",
		"version", version,
		"mode", cfg.Mode,
		"broker_url_class", cfg.BrokerURLClass(),
		"execution_enabled", cfg.ExecutionEnabled,
	)

	brokerAdapter := broker.New(broker.Config{
		BaseURL:  cfg.BrokerBaseURL,
		URLClass: cfg.BrokerURLClass(),
		APIKey:   string(cfg.BrokerAPIKey),
	}, logger)

	trackerStore, err := tracker.Open(cfg.TrackerDBPath, logger)
	if err != nil {
		logger.Fatal("failed to open tracker store", "error", err.Error())
	}
	defer func() { _ = trackerStore.Close() }()

	ledgerStore, err := ledger.Open(cfg.LedgerDBPath, logger)
	if err != nil {
		logger.Fatal("failed to open ledger store", "error", err.Error())
	}
	defer func() { _ = ledgerStore.Close() }()

	gate := safety.NewGate(cfg, logger, nil, brokerAdapter)

	recoveryLoop := tracker.NewLoop(trackerStore, brokerAdapter, ledgerStore, cfg, logger, tracker.LoopConfig{
		Tenants:      cfg.RecoveryTenants,
		PollInterval: time.Duration(cfg.RecoveryPollIntervalS) * time.Second,
		PollWorkers:  cfg.RecoveryPollWorkers,
	})

	// dbosCtx is left nil: the Execution Engine degrades gracefully to
	// running its step sequence inline, and no durable-workflow backing store
	// has been wired into this process's configuration.
	executionEngine := engine.New(cfg, gate, brokerAdapter, trackerStore, ledgerStore, logger, nil)

	healthManager := health.NewHealthManager(logger)
	healthManager.Register("broker", func() error {
		if brokerAdapter.RecentErrorCount(time.Minute) > 50 {
			return fmt.Errorf("broker connection unhealthy: too many recent errors")
		}
		return nil
	})

	adminServer := admin.NewServer(cfg, logger, gate, recoveryLoop, healthManager)
	ingressServer := ingress.NewServer(cfg, logger, executionEngine)

	if err := app.Run(adminServer, ingressServer, recoveryLoop); err != nil {
		logger.Error("execution-core stopped with error", "error", err.Error())
		os.Exit(1)
	}
}
