package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/golemcloud/golem-core/backends/sqlite"
	"github.com/golemcloud/golem-core/config"
	"github.com/golemcloud/golem-core/server"
	"github.com/golemcloud/golem-core/shard"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to config file")
	listenAddr := flag.String("listen", "0.0.0.0:9000", "listen address")
	statePath := flag.String("state", "./data/shard-manager.sqlite", "state database path")
	flag.Parse()

	logHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.StampMilli,
	})
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("loading config failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := sqlite.Open(*statePath)
	if err != nil {
		logger.Error("opening state database failed", "path", *statePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	controller := shard.NewController(
		cfg.ShardManager,
		server.NewExecutorClient(cfg.ShardManager.AckTimeout),
		shard.NewHTTPHealthCheck(2*time.Second),
		store,
		logger,
	)
	if err := controller.Restore(ctx); err != nil {
		logger.Error("restoring shard state failed", "error", err)
		os.Exit(1)
	}
	go controller.Run(ctx)

	srv := server.NewShardManagerServer(controller, logger)
	go func() {
		if err := srv.Start(*listenAddr); err != nil {
			logger.Error("shard manager server stopped", "error", err)
			cancel()
		}
	}()

	logger.Info("shard manager running", "addr", *listenAddr, "shards", cfg.ShardManager.NumberOfShards)
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
