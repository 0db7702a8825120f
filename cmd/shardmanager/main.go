package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/M0-find-U/golem/pkg/log"
	"github.com/M0-find-U/golem/pkg/metrics"
	"github.com/M0-find-U/golem/pkg/rpc"
	"github.com/M0-find-U/golem/pkg/shard"
	"github.com/M0-find-U/golem/pkg/shardmanager"
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
	Use:     "shardmanager",
	Short:   "Golem shard manager: rendezvous-hash placement and a Raft-backed control loop",
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

// fileConfig mirrors shardmanager.Config for optional YAML loading; zero fields keep
// the value already set from the flags.
type fileConfig struct {
	NodeID             string  `yaml:"node_id"`
	BindAddr           string  `yaml:"bind_addr"`
	DataDir            string  `yaml:"data_dir"`
	HTTPAddr           string  `yaml:"http_addr"`
	ShardCount         int     `yaml:"shard_count"`
	RebalanceThreshold float64 `yaml:"rebalance_threshold"`
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the shard manager, bootstrapping a single-node Raft cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		httpAddr, _ := cmd.Flags().GetString("http-addr")
		configPath, _ := cmd.Flags().GetString("config")

		cfg := shardmanager.DefaultConfig()
		cfg.NodeID = nodeID
		cfg.BindAddr = bindAddr
		cfg.DataDir = dataDir
		cfg.Dialer = rpc.ShardRPCDialer{}
		cfg.HealthInterval, _ = cmd.Flags().GetDuration("health-interval")
		cfg.ShardCount, _ = cmd.Flags().GetInt("shard-count")

		if configPath != "" {
			if err := loadFileConfig(configPath, &cfg, &httpAddr); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
		}

		metrics.SetVersion(Version)
		metrics.RegisterComponent("raft", false, "bootstrapping")

		mgr, err := shardmanager.NewManager(cfg)
		if err != nil {
			return fmt.Errorf("create shard manager: %w", err)
		}

		if err := mgr.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap raft: %w", err)
		}
		metrics.RegisterComponent("raft", true, "bootstrapped")
		log.Info("shard manager started", "node_id", cfg.NodeID, "shard_count", cfg.ShardCount)

		mgr.Start(cmd.Context())
		collector := shardmanager.NewMetricsCollector(mgr)
		collector.Start()

		httpServer := rpc.NewHTTPServer()
		httpErrCh := make(chan error, 1)
		go func() {
			if err := httpServer.Start(httpAddr); err != nil {
				httpErrCh <- err
			}
		}()
		log.Info("http server started", "addr", httpAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("shutting down")
		case err := <-httpErrCh:
			log.Error("http server error", "error", err)
		}

		collector.Stop()
		mgr.Stop()
		return nil
	},
}

func loadFileConfig(path string, cfg *shardmanager.Config, httpAddr *string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}

	if fc.NodeID != "" {
		cfg.NodeID = fc.NodeID
	}
	if fc.BindAddr != "" {
		cfg.BindAddr = fc.BindAddr
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.HTTPAddr != "" {
		*httpAddr = fc.HTTPAddr
	}
	if fc.ShardCount != 0 {
		cfg.ShardCount = fc.ShardCount
	}
	if fc.RebalanceThreshold != 0 {
		cfg.RebalanceThreshold = fc.RebalanceThreshold
	}
	return nil
}

func init() {
	startCmd.Flags().String("node-id", "shardmanager-1", "Unique node ID for this Raft replica")
	startCmd.Flags().String("bind-addr", "127.0.0.1:7946", "Raft transport bind address")
	startCmd.Flags().String("data-dir", "./shardmanager-data", "Data directory for Raft log/snapshots")
	startCmd.Flags().String("http-addr", "127.0.0.1:9090", "HTTP health/ready/metrics address")
	startCmd.Flags().String("config", "", "Optional YAML config file overriding the flags above")
	startCmd.Flags().Duration("health-interval", 5*time.Second, "Executor health probe interval")
	startCmd.Flags().Int("shard-count", shard.DefaultShardCount, "Total number of shards in the cluster")
}
