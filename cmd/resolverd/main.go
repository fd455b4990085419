// Resolverd is the exception-resolution daemon.
//
// It exposes the resolution pipeline over HTTP: rule-based exception
// detection, similarity-based retrieval of past cases, strategy
// simulation, and decision selection, backed by a SQLite episode store.
//
// Configuration is loaded from a YAML file plus environment overrides.
// See internal/config for details.
//
// Usage:
//
//	# Start with defaults (in-memory store, port 9080)
//	resolverd
//
//	# Start with a config file
//	resolverd -config /etc/resolverd/config.yaml
//
//	# Configure via environment
//	SERVER_PORT=9090 STORE_PATH=/var/lib/resolverd/episodes.db resolverd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/resolverd/internal/config"
	"github.com/fyrsmithlabs/resolverd/internal/decision"
	"github.com/fyrsmithlabs/resolverd/internal/detector"
	"github.com/fyrsmithlabs/resolverd/internal/events"
	"github.com/fyrsmithlabs/resolverd/internal/httpapi"
	"github.com/fyrsmithlabs/resolverd/internal/logging"
	"github.com/fyrsmithlabs/resolverd/internal/memory"
	"github.com/fyrsmithlabs/resolverd/internal/meta"
	"github.com/fyrsmithlabs/resolverd/internal/resolver"
	"github.com/fyrsmithlabs/resolverd/internal/store"
	"github.com/fyrsmithlabs/resolverd/internal/strategy"
	"github.com/fyrsmithlabs/resolverd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("resolverd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// run wires every pipeline component and blocks until ctx is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	tel, err := telemetry.New(ctx, cfg.Telemetry, version)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background()) //nolint:errcheck
	if degraded, reasons := tel.Degraded(); degraded {
		logger.Warn(ctx, "telemetry degraded", zap.Strings("reasons", reasons))
	}

	st, err := store.Open(cfg.Store.Path, cfg.Store.LockTimeout)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close() //nolint:errcheck

	mem, err := memory.NewService(st, memory.Config{
		RecencyLambda: cfg.Memory.RecencyLambda,
		DefaultLimit:  cfg.Memory.DefaultLimit,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize episodic memory: %w", err)
	}

	det := detector.New(cfg.Rules, st, logger)
	registry := strategy.NewRegistry(cfg.Rules)

	sim, err := strategy.NewSimulator(registry, logger)
	if err != nil {
		return fmt.Errorf("initialize simulator: %w", err)
	}

	sel, err := decision.NewSelector(cfg.Decision.EscalationCutoff, logger)
	if err != nil {
		return fmt.Errorf("initialize selector: %w", err)
	}

	mc, err := meta.NewController(st, registry, cfg.Meta, logger)
	if err != nil {
		return fmt.Errorf("initialize meta controller: %w", err)
	}

	pub, err := events.Connect(cfg.Events, logger)
	if err != nil {
		return fmt.Errorf("connect event broker: %w", err)
	}
	defer pub.Close()

	rsv, err := resolver.NewService(st, det, mem, sim, sel, mc, pub, logger)
	if err != nil {
		return fmt.Errorf("initialize resolver: %w", err)
	}

	srv, err := httpapi.NewServer(cfg.Server, rsv, mc, st, logger)
	if err != nil {
		return fmt.Errorf("initialize http server: %w", err)
	}

	logger.Info(ctx, "resolverd starting",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", storeLabel(cfg.Store.Path)),
		zap.Bool("events_connected", pub != nil))

	if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func storeLabel(path string) string {
	if path == "" {
		return ":memory:"
	}
	return path
}
