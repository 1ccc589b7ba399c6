// Package config loads the master node's YAML configuration, grounded on
// ChuLiYu-raft-recovery's internal/cli config struct and loadConfig helper,
// plus .env loading the way the teacher's root main.go does it.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete master node configuration.
type Config struct {
	Cluster struct {
		NodeId            string        `yaml:"node_id"`
		GRPCAddr          string        `yaml:"grpc_addr"`
		RaftAddr          string        `yaml:"raft_addr"`
		RaftDataDir       string        `yaml:"raft_data_dir"`
		ReplicationFactor int           `yaml:"replication_factor"`
		FailoverFactor    int           `yaml:"failover_factor"`
		Bootstrap         bool          `yaml:"bootstrap"`
		ApplyTimeout      time.Duration `yaml:"apply_timeout"`
		Permissions       uint8         `yaml:"permissions"`
		DeploymentId      string        `yaml:"deployment_id"`
		Version           string        `yaml:"version"`
		// JoinSecret gates Attach behind pkg/clusterauth (spec §6 node
		// admission). Empty disables join authentication, the single-node
		// dev default.
		JoinSecret string `yaml:"join_secret"`
	} `yaml:"cluster"`

	WorkerPool struct {
		HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
		CleanupInterval  time.Duration `yaml:"cleanup_interval"`
		ReservationTTL   time.Duration `yaml:"reservation_ttl"`
	} `yaml:"worker_pool"`

	TaskManager struct {
		MailboxDepth  int           `yaml:"mailbox_depth"`
		RetryBaseWait time.Duration `yaml:"retry_base_wait"`
		RetryMaxWait  time.Duration `yaml:"retry_max_wait"`
	} `yaml:"task_manager"`

	BlobStore struct {
		Enabled  bool   `yaml:"enabled"`
		URL      string `yaml:"url"`
		Database string `yaml:"database"`
	} `yaml:"blob_store"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Telemetry struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"telemetry"`

	// ResultArchive, when enabled, durably records every terminal task
	// result to MongoDB via pkg/resultarchive, independent of BlobStore's
	// one-Result-per-process retrieval path.
	ResultArchive struct {
		Enabled    bool   `yaml:"enabled"`
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	} `yaml:"result_archive"`

	Logging struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`
}

// Default returns a configuration usable for a single-node deployment.
func Default() *Config {
	var cfg Config
	cfg.Cluster.NodeId = "node-1"
	cfg.Cluster.GRPCAddr = ":50051"
	cfg.Cluster.RaftAddr = "127.0.0.1:7000"
	cfg.Cluster.RaftDataDir = "./data/raft"
	cfg.Cluster.ReplicationFactor = 1
	cfg.Cluster.FailoverFactor = 0
	cfg.Cluster.Bootstrap = true
	cfg.Cluster.ApplyTimeout = 5 * time.Second
	cfg.Cluster.Permissions = 3 // PermAll: this node can both execute tasks and host managers
	cfg.Cluster.DeploymentId = "mbrace-dev"
	cfg.Cluster.Version = "dev"
	cfg.WorkerPool.HeartbeatTimeout = 30 * time.Second
	cfg.WorkerPool.CleanupInterval = 10 * time.Second
	cfg.WorkerPool.ReservationTTL = 5 * time.Minute
	cfg.TaskManager.MailboxDepth = 256
	cfg.TaskManager.RetryBaseWait = 50 * time.Millisecond
	cfg.TaskManager.RetryMaxWait = 2 * time.Second
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.Telemetry.Enabled = false
	cfg.Telemetry.Addr = ":9091"
	cfg.ResultArchive.Enabled = false
	cfg.ResultArchive.Database = "mbrace"
	cfg.ResultArchive.Collection = "task_results"
	cfg.Logging.Level = "info"
	return &cfg
}

// Load reads .env (best-effort, a missing file is not an error) and then
// the YAML file at path, overlaying it on Default().
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// No .env file is the common case outside local dev; not fatal.
		fmt.Fprintf(os.Stderr, "no .env file found: %v\n", err)
	}

	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}
