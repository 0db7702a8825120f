package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/M0-find-U/golem/pkg/activeset"
	"github.com/M0-find-U/golem/pkg/componentcache"
	"github.com/M0-find-U/golem/pkg/events"
	"github.com/M0-find-U/golem/pkg/executor"
	"github.com/M0-find-U/golem/pkg/golemid"
	"github.com/M0-find-U/golem/pkg/guest"
	"github.com/M0-find-U/golem/pkg/invocation"
	"github.com/M0-find-U/golem/pkg/kv"
	"github.com/M0-find-U/golem/pkg/limiter"
	"github.com/M0-find-U/golem/pkg/log"
	"github.com/M0-find-U/golem/pkg/metrics"
	"github.com/M0-find-U/golem/pkg/oplog"
	"github.com/M0-find-U/golem/pkg/promise"
	"github.com/M0-find-U/golem/pkg/reconciler"
	"github.com/M0-find-U/golem/pkg/rpc"
	"github.com/M0-find-U/golem/pkg/shard"
	"github.com/M0-find-U/golem/pkg/update"
	"github.com/M0-find-U/golem/pkg/worker"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "executor",
	Short:   "Golem executor: hosts durable workers for the shards it owns",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

// fileConfig mirrors the start flags for optional YAML loading; zero fields fall back
// to the flag defaults.
type fileConfig struct {
	DataDir     string `yaml:"data_dir"`
	ShardCount  int    `yaml:"shard_count"`
	HTTPAddr    string `yaml:"http_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
	ShardRPCAddr string `yaml:"shard_rpc_addr"`
	CacheSize   int    `yaml:"cache_size"`
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the executor process",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		shardCount, _ := cmd.Flags().GetInt("shard-count")
		httpAddr, _ := cmd.Flags().GetString("http-addr")
		grpcAddr, _ := cmd.Flags().GetString("grpc-addr")
		shardRPCAddr, _ := cmd.Flags().GetString("shard-rpc-addr")
		cacheSize, _ := cmd.Flags().GetInt("cache-size")
		configPath, _ := cmd.Flags().GetString("config")

		if configPath != "" {
			var fc fileConfig
			data, err := os.ReadFile(configPath)
			if err != nil {
				return fmt.Errorf("read config: %w", err)
			}
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return fmt.Errorf("parse config: %w", err)
			}
			if fc.DataDir != "" {
				dataDir = fc.DataDir
			}
			if fc.ShardCount != 0 {
				shardCount = fc.ShardCount
			}
			if fc.HTTPAddr != "" {
				httpAddr = fc.HTTPAddr
			}
			if fc.GRPCAddr != "" {
				grpcAddr = fc.GRPCAddr
			}
			if fc.ShardRPCAddr != "" {
				shardRPCAddr = fc.ShardRPCAddr
			}
			if fc.CacheSize != 0 {
				cacheSize = fc.CacheSize
			}
		}

		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}

		metrics.SetVersion(Version)
		metrics.RegisterComponent("oplog", false, "starting")
		metrics.RegisterComponent("componentcache", false, "starting")
		metrics.RegisterComponent("engine", false, "starting")

		store, err := oplog.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("open oplog store: %w", err)
		}
		metrics.RegisterComponent("oplog", true, "open")

		invocations := invocation.NewManager(store)
		lim := limiter.New()
		updater := update.NewManager(store)
		activeSet := activeset.New(1024)

		promises, err := promise.NewRegistry(dataDir)
		if err != nil {
			return fmt.Errorf("open promise registry: %w", err)
		}
		defer promises.Close()

		kvStore, err := kv.NewStore(dataDir)
		if err != nil {
			return fmt.Errorf("open kv store: %w", err)
		}
		defer kvStore.Close()

		programs := guest.NewRegistry()
		cache, err := componentcache.New(dataDir, cacheSize, noComponentStoreConfigured)
		if err != nil {
			return fmt.Errorf("open component cache: %w", err)
		}
		defer cache.Close()
		metrics.RegisterComponent("componentcache", true, "open")

		resolver := guest.NewCachedResolver(cache, programs)
		engine := worker.NewEngine(store, invocations, lim, resolver.Resolve, activeSet, updater, promises, kvStore)
		metrics.RegisterComponent("engine", true, "ready")

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		ring := shard.NewRing(shardCount)
		exec := executor.New(engine, activeSet, store, ring, broker, promises)

		recon := reconciler.New(activeSet, exec.OwnsWorker, 10*time.Second)
		recon.Start()
		defer recon.Stop()

		grpcServer := rpc.NewGRPCServer(grpcAddr)
		grpcServer.SetServing(true)
		grpcErrCh := make(chan error, 1)
		go func() {
			if err := grpcServer.Start(); err != nil {
				grpcErrCh <- err
			}
		}()
		log.Info("grpc health server started", "addr", grpcAddr)

		shardSvc := rpc.NewShardRPCService(exec)
		shardErrCh := make(chan error, 1)
		go func() {
			if err := rpc.ServeShardRPC(shardRPCAddr, shardSvc); err != nil {
				shardErrCh <- err
			}
		}()
		log.Info("shard rpc server started", "addr", shardRPCAddr)

		httpServer := rpc.NewHTTPServer()
		httpErrCh := make(chan error, 1)
		go func() {
			if err := httpServer.Start(httpAddr); err != nil {
				httpErrCh <- err
			}
		}()
		log.Info("http server started", "addr", httpAddr)
		log.Info("executor started", "shard_count", shardCount, "data_dir", dataDir)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("shutting down")
		case err := <-grpcErrCh:
			log.Error("grpc server error", "error", err)
		case err := <-shardErrCh:
			log.Error("shard rpc server error", "error", err)
		case err := <-httpErrCh:
			log.Error("http server error", "error", err)
		}

		grpcServer.SetServing(false)
		grpcServer.Stop()
		return store.Close()
	},
}

// noComponentStoreConfigured is the Compiler stand-in: fetching component binaries
// from an external store is out of scope, so every cache miss fails with a clear
// error rather than silently returning empty bytes.
func noComponentStoreConfigured(ctx context.Context, id golemid.ComponentId, version golemid.ComponentVersion) ([]byte, string, string, error) {
	return nil, "", "", fmt.Errorf("no component store configured: cannot fetch component %s v%d", id, version)
}

func init() {
	startCmd.Flags().String("data-dir", "./executor-data", "Data directory for the oplog and component cache")
	startCmd.Flags().Int("shard-count", shard.DefaultShardCount, "Total number of shards in the cluster")
	startCmd.Flags().String("http-addr", "127.0.0.1:9091", "HTTP health/ready/metrics address")
	startCmd.Flags().String("grpc-addr", "127.0.0.1:9092", "gRPC health-check address")
	startCmd.Flags().String("shard-rpc-addr", "127.0.0.1:9093", "Shard assign/revoke RPC address, dialed by the shard manager")
	startCmd.Flags().Int("cache-size", 128, "Maximum number of compiled component artifacts held in memory")
	startCmd.Flags().String("config", "", "Optional YAML config file overriding the flags above")
}
