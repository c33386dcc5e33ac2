package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tourbase/resilience/internal/api"
	"github.com/tourbase/resilience/internal/config"
	"github.com/tourbase/resilience/internal/snapshot"
	"github.com/tourbase/resilience/internal/system"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer func() { _ = logger.Sync() }()

	opts := system.Options{}
	if cfg.Snapshot.Postgres.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err := snapshot.NewPostgresStore(ctx, cfg.Snapshot.Postgres, logger.Named("snapshot"))
		cancel()
		if err != nil {
			logger.Fatal("connect snapshot store", zap.Error(err))
		}
		defer func() { _ = store.Close() }()
		opts.Store = store
	}

	sys := system.New(cfg, opts, logger)
	if err := sys.Start(context.Background()); err != nil {
		logger.Fatal("start system", zap.Error(err))
	}

	server := api.NewServer(cfg, sys.Registry, sys.Orch, sys.Bus, logger.Named("api"))

	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, sys.ApplyConfig, logger.Named("config"))
		if err != nil {
			logger.Warn("config watcher unavailable", zap.Error(err))
		} else {
			watchCtx, cancelWatch := context.WithCancel(context.Background())
			defer cancelWatch()
			go watcher.Run(watchCtx)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("api shutdown", zap.Error(err))
	}
	if err := sys.Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("system shutdown", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
