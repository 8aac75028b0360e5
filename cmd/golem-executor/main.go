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
	"github.com/lithammer/shortuuid/v4"
	"github.com/lmittmann/tint"

	golem "github.com/golemcloud/golem-core"
	"github.com/golemcloud/golem-core/backends/minio"
	"github.com/golemcloud/golem-core/backends/sqlite"
	"github.com/golemcloud/golem-core/config"
	"github.com/golemcloud/golem-core/oplog"
	"github.com/golemcloud/golem-core/server"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to config file")
	componentDir := flag.String("components", "./components", "directory with component sources")
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
	nodeID := cfg.Node.NodeID
	if nodeID == "" {
		nodeID = "executor-" + shortuuid.New()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := sqlite.Open(cfg.Oplog.SQLitePath)
	if err != nil {
		logger.Error("opening sqlite store failed", "path", cfg.Oplog.SQLitePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var archive oplog.Archive
	if cfg.Oplog.Archive.Endpoint != "" {
		archive, err = minio.NewArchive(cfg.Oplog.Archive)
		if err != nil {
			logger.Error("opening archive tier failed", "error", err)
			os.Exit(1)
		}
	}
	oplogStore := oplog.NewTieredStore(store, archive,
		oplog.WithChunkSize(cfg.Oplog.ChunkSize),
		oplog.WithArchiveAfter(cfg.Oplog.ArchiveAfter),
		oplog.WithLogger(logger),
	)
	if archive != nil {
		go oplogStore.RunArchival(ctx, cfg.Oplog.ArchiveInterval)
	}

	runtime := golem.NewStarlarkRuntime()
	components, err := golem.NewComponentCache(
		NewDirComponentStore(*componentDir), runtime,
		cfg.Components.MemoryEntries, cfg.Components.Dir, cfg.Components.MaxDiskBytes)
	if err != nil {
		logger.Error("building component cache failed", "error", err)
		os.Exit(1)
	}

	executor, err := golem.NewExecutor(cfg.Executor, golem.Deps{
		Oplog:      oplogStore,
		KV:         store,
		Blobs:      store,
		Promises:   golem.NewPromises(store.Promises()),
		Index:      store.Workers(),
		Limiter:    golem.NewLimiter(cfg.Limits),
		Remote:     golem.NewHTTPRemoteBackend(30 * time.Second),
		Components: components,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("building executor failed", "error", err)
		os.Exit(1)
	}
	defer executor.Close()

	// Join the cluster and keep the heartbeat going.
	manager := server.NewShardManagerClient(cfg.Node.ShardManagerAddr, 5*time.Second)
	if err := manager.Register(ctx, nodeID, cfg.Node.AdvertiseAddr); err != nil {
		logger.Error("registering with shard manager failed", "error", err)
		os.Exit(1)
	}
	go manager.RunHeartbeats(ctx, nodeID, cfg.Node.HeartbeatEvery)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Deregister(shutdownCtx, nodeID)
	}()

	srv := server.NewExecutorServer(executor, logger)
	go func() {
		if err := srv.Start(cfg.Node.ListenAddr); err != nil {
			logger.Error("executor server stopped", "error", err)
			cancel()
		}
	}()

	logger.Info("executor running", "node", nodeID, "addr", cfg.Node.ListenAddr)
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
