package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RCrewX/ton-provider-system/internal/config"
	"github.com/RCrewX/ton-provider-system/internal/health"
	"github.com/RCrewX/ton-provider-system/internal/manager"
	"github.com/RCrewX/ton-provider-system/internal/provider"
	"github.com/RCrewX/ton-provider-system/internal/selector"
	"github.com/RCrewX/ton-provider-system/internal/web"
)

func main() {
	cfg := config.Load()
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting TON provider manager",
		"network", cfg.Network,
		"probe_interval", cfg.ProbeInterval)

	registry := config.BuiltinRegistry()
	if cfg.RegistryPath != "" {
		userFile, err := config.LoadRegistryFile(cfg.RegistryPath)
		if err != nil {
			logger.Error("provider_registry_invalid", "path", cfg.RegistryPath, "error", err.Error())
			os.Exit(1)
		}
		registry = config.MergeRegistry(registry, userFile)
	}

	mgr := manager.New(manager.Options{
		Network:      provider.ParseNetwork(cfg.Network),
		Registry:     registry,
		ProbeOnStart: cfg.ProbeOnStart,
		Checker: health.CheckerConfig{
			ProbeTimeout: cfg.ProbeTimeout,
			BrowserMode:  cfg.BrowserMode,
		},
		Selector: selector.Config{BrowserMode: cfg.BrowserMode},
		Logger:   logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Init(ctx); err != nil {
		logger.Error("manager_init_failed", "error", err.Error())
		os.Exit(1)
	}
	mgr.StartProbing(ctx, cfg.ProbeInterval)

	srv := web.NewServer(cfg.ListenAddr, mgr, logger)
	srv.Start(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Stop(shutdownCtx)
	mgr.Destroy()
}
