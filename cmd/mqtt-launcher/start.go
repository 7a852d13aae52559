package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/mqtt-launcher/internal/api"
	"github.com/mattjoyce/mqtt-launcher/internal/dispatch"
	"github.com/mattjoyce/mqtt-launcher/internal/events"
	"github.com/mattjoyce/mqtt-launcher/internal/executor"
	"github.com/mattjoyce/mqtt-launcher/internal/history"
	"github.com/mattjoyce/mqtt-launcher/internal/lock"
	"github.com/mattjoyce/mqtt-launcher/internal/log"
	"github.com/mattjoyce/mqtt-launcher/internal/mqtt"
	"github.com/mattjoyce/mqtt-launcher/internal/registry"
	"github.com/mattjoyce/mqtt-launcher/internal/storage"
)

const pruneInterval = time.Hour

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return exitError
	}

	cfg, code := loadConfig(*configPath)
	if cfg == nil {
		return code
	}

	log.SetupWith(cfg.Service.LogLevel, cfg.Service.LogFormat, os.Stdout)
	logger := log.WithComponent("main")
	logger.Info("mqtt-launcher starting", "version", version, "config", cfg.SourcePath)

	pidLockPath := lock.PathFor(cfg.State.Path, cfg.MQTT.ClientID)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock", "path", pidLockPath, "error", err)
		return exitError
	}
	defer pidLock.Release()

	reg, err := registry.FromConfig(cfg)
	if err != nil {
		logger.Error("failed to build topic registry", "error", err)
		return exitConfig
	}
	logger.Info("topic registry loaded", "topics", reg.Len())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := events.NewHub(256)

	var (
		recorder dispatch.Recorder
		runs     api.RunStore
	)
	if cfg.State.Path != "" {
		db, err := storage.OpenSQLite(ctx, cfg.State.Path)
		if err != nil {
			logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
			return exitError
		}
		defer db.Close()
		logger.Info("database opened", "path", cfg.State.Path)

		store := history.NewStore(db)
		recorder = store
		runs = store
		go runPruner(ctx, store, cfg.State.Retention, logger)
	} else {
		logger.Info("run history disabled")
	}

	exec := executor.New(executor.Options{
		WorkDir:   cfg.Service.WorkDir,
		Timeout:   cfg.Service.ExecTimeout,
		MaxOutput: cfg.Service.MaxOutputBytes,
	})
	client := mqtt.New(cfg.MQTT, reg.Topics(), hub)
	disp := dispatch.New(reg, exec, client, recorder, hub)
	loop := dispatch.NewLoop(disp, cfg.MQTT.QueueSize)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 3)

	go func() {
		if err := loop.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("dispatch loop: %w", err)
		}
	}()

	go func() {
		if err := client.Run(ctx, loop); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("mqtt: %w", err)
		}
	}()

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.APIKey,
		}, loop, runs, reg, client, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("mqtt-launcher running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		if errors.Is(err, mqtt.ErrRefused) {
			return exitConfig
		}
		return exitError
	}

	logger.Info("mqtt-launcher stopped")
	return exitOK
}

// runPruner drops history older than retention, once at startup and then
// every pruneInterval.
func runPruner(ctx context.Context, store *history.Store, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	prune := func() {
		n, err := store.Prune(ctx, retention)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("failed to prune run history", "error", err)
			}
			return
		}
		if n > 0 {
			logger.Info("pruned run history", "deleted", n, "retention", retention)
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
