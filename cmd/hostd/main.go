// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/connectias/sandboxcore/internal/config"
	"github.com/connectias/sandboxcore/internal/hostapi"
	"github.com/connectias/sandboxcore/internal/obs"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Supervisor.BundleDir, 0o755); err != nil {
		logger.Fatal("create bundle dir", obs.Err(err))
	}

	mgr, err := hostapi.New(cfg, logger)
	if err != nil {
		logger.Fatal("build manager", obs.Err(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		logger.Fatal("start manager", obs.Err(err))
	}

	readyCheck := func(context.Context) error { return nil }
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	loadConfiguredBundles(ctx, mgr, cfg.Supervisor.BundleDir, logger)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := mgr.Stop(stopCtx); err != nil {
		logger.Error("manager shutdown error", obs.Err(err))
	}
}

// loadConfiguredBundles loads every plugin bundle already unpacked under
// bundleDir at startup, one subdirectory per plugin id. This boot-time scan
// only covers what is already on disk; bundles dropped in later are not
// loaded, and the admin surface has no load endpoint.
func loadConfiguredBundles(ctx context.Context, mgr *hostapi.Manager, bundleDir string, logger *zap.Logger) {
	entries, err := os.ReadDir(bundleDir)
	if err != nil {
		logger.Warn("scan bundle dir", obs.Err(err))
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(bundleDir, entry.Name())
		if _, err := mgr.LoadPlugin(ctx, dir); err != nil {
			logger.Warn("load bundle at startup", obs.String("dir", dir), obs.Err(err))
		}
	}
}
