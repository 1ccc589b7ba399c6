// Command mbrace-master runs one node of the task-execution cluster:
// the replicated Task Log, Worker Pool, Process Manager, and the
// client-/worker-facing gRPC surface. Wiring is grounded on the
// teacher's cmd/master/main.go (gRPC server setup, signal handling)
// generalized with Cobra the way ChuLiYu-raft-recovery's internal/cli
// structures its run command.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/Codesmith28/mbrace/pkg/blobstore"
	"github.com/Codesmith28/mbrace/pkg/clusterauth"
	"github.com/Codesmith28/mbrace/pkg/clustermanager"
	"github.com/Codesmith28/mbrace/pkg/config"
	"github.com/Codesmith28/mbrace/pkg/mbrace"
	"github.com/Codesmith28/mbrace/pkg/masterapi"
	"github.com/Codesmith28/mbrace/pkg/metrics"
	"github.com/Codesmith28/mbrace/pkg/mlog"
	"github.com/Codesmith28/mbrace/pkg/processmanager"
	"github.com/Codesmith28/mbrace/pkg/resultarchive"
	"github.com/Codesmith28/mbrace/pkg/scheduler"
	"github.com/Codesmith28/mbrace/pkg/tasklog"
	"github.com/Codesmith28/mbrace/pkg/taskmanager"
	"github.com/Codesmith28/mbrace/pkg/telemetrystream"
	"github.com/Codesmith28/mbrace/pkg/workerclient"
	"github.com/Codesmith28/mbrace/pkg/workerpool"
)

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:     "mbrace-master",
		Short:   "Run an mbrace cluster master node",
		Version: "dev",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (optional)")

	root.AddCommand(buildRunCommand(&configPath))
	return root
}

func buildRunCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the master node and block until signaled to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(*configPath)
		},
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("mbrace-master: %w", err)
	}

	mlog.Init(mlog.Config{Level: mlog.Level(cfg.Logging.Level), JSONOutput: cfg.Logging.JSON})
	log := mlog.Component("mbrace-master")

	collector := metrics.NewCollector()

	pool := workerpool.New()

	taskLog, err := tasklog.New(tasklog.Config{
		NodeId:            cfg.Cluster.NodeId,
		BindAddr:          cfg.Cluster.RaftAddr,
		DataDir:           cfg.Cluster.RaftDataDir,
		Bootstrap:         cfg.Cluster.Bootstrap,
		ApplyTimeout:      cfg.Cluster.ApplyTimeout,
		ReplicationFactor: cfg.Cluster.ReplicationFactor,
		FailoverFactor:    cfg.Cluster.FailoverFactor,
	})
	if err != nil {
		return fmt.Errorf("mbrace-master: failed to start task log: %w", err)
	}

	var blobs *blobstore.Store
	if cfg.BlobStore.Enabled {
		blobs, err = blobstore.New(context.Background(), blobstore.Config{URL: cfg.BlobStore.URL, Database: cfg.BlobStore.Database})
		if err != nil {
			return fmt.Errorf("mbrace-master: failed to connect to blob store: %w", err)
		}
	}

	client := workerclient.New()
	defer client.Close()

	var archive *resultarchive.Archive
	if cfg.ResultArchive.Enabled {
		archive, err = resultarchive.New(context.Background(), resultarchive.Config{
			URI:        cfg.ResultArchive.URI,
			Database:   cfg.ResultArchive.Database,
			Collection: cfg.ResultArchive.Collection,
		})
		if err != nil {
			return fmt.Errorf("mbrace-master: failed to connect to result archive: %w", err)
		}
		defer archive.Close(context.Background())
	}

	var taskArchiver taskmanager.ResultArchiver
	if archive != nil {
		taskArchiver = archive
	}

	activator := processmanager.NewDefaultActivator(taskLog, pool, client, collector, taskmanager.Config{
		MailboxDepth:  cfg.TaskManager.MailboxDepth,
		RetryBaseWait: cfg.TaskManager.RetryBaseWait,
		RetryMaxWait:  cfg.TaskManager.RetryMaxWait,
		Archiver:      taskArchiver,
	})

	interp := scheduler.NewInterpreter(activator.Resolve)

	var blobStore processmanager.BlobStore = noopBlobStore{}
	if blobs != nil {
		blobStore = blobs
	}

	grpcServer := grpc.NewServer()

	pmCfg := processmanager.Config{
		MailboxDepth: 256,
		OnFailCluster: func(reason error) {
			log.Error().Err(reason).Msg("cluster-wide system fault; stopping gRPC server")
			grpcServer.GracefulStop()
		},
	}
	pm := processmanager.New(interp, activator, blobStore, collector, pmCfg)
	defer pm.Close()

	clusterCfg := clustermanager.Config{
		NodeId:       cfg.Cluster.NodeId,
		Address:      cfg.Cluster.GRPCAddr,
		Permissions:  mbrace.Permissions(cfg.Cluster.Permissions),
		DeploymentId: cfg.Cluster.DeploymentId,
		Version:      cfg.Cluster.Version,
	}
	gauge := func() int {
		total := 0
		for _, r := range pm.GetAllProcessInfo() {
			if !r.State.Terminal() {
				total++
			}
		}
		return total
	}
	cm := clustermanager.New(clusterCfg, pool, taskLog, gauge)
	cm.OnShutdown(grpcServer.GracefulStop)

	if cfg.Cluster.JoinSecret != "" {
		secretHash, err := clusterauth.HashSecret(cfg.Cluster.JoinSecret)
		if err != nil {
			return fmt.Errorf("mbrace-master: failed to hash join secret: %w", err)
		}
		cm.SetAuthenticator(clusterauth.NewIssuer(secretHash, []byte(cfg.Cluster.JoinSecret), 0))
		log.Info().Msg("join authentication enabled")
	}

	clustermanager.Register(grpcServer, clustermanager.NewServer(cm))
	masterapi.Register(grpcServer, masterapi.NewServer(pm, activator))

	go recoveryLoop(pool, activator)
	go staleCleanupLoop(pool, cfg.WorkerPool.HeartbeatTimeout, cfg.WorkerPool.CleanupInterval)

	var telemetryCancel context.CancelFunc
	if cfg.Telemetry.Enabled {
		var telemetryCtx context.Context
		telemetryCtx, telemetryCancel = context.WithCancel(context.Background())
		stream := telemetrystream.New(cfg.Telemetry.Addr, pool, nodeLister{cm})
		go func() {
			if err := stream.Run(telemetryCtx); err != nil {
				log.Warn().Err(err).Msg("telemetry stream stopped")
			}
		}()
	}

	if cfg.Metrics.Enabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Info().Str("addr", addr).Msg("starting metrics server")
			if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
				log.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	listener, err := net.Listen("tcp", cfg.Cluster.GRPCAddr)
	if err != nil {
		return fmt.Errorf("mbrace-master: failed to listen on %s: %w", cfg.Cluster.GRPCAddr, err)
	}

	go func() {
		log.Info().Str("addr", cfg.Cluster.GRPCAddr).Msg("master node listening")
		if err := grpcServer.Serve(listener); err != nil {
			log.Warn().Err(err).Msg("gRPC server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	if telemetryCancel != nil {
		telemetryCancel()
	}
	if blobs != nil {
		defer blobs.Close()
	}
	return cm.ShutdownSync()
}

// nodeLister adapts *clustermanager.Manager to telemetrystream.NodeLister,
// translating its richer NodeInfo down to the wire-facing NodeSnapshot so
// pkg/telemetrystream doesn't need to import clustermanager.
type nodeLister struct {
	cm *clustermanager.Manager
}

func (n nodeLister) GetAllNodes() []telemetrystream.NodeSnapshot {
	nodes := n.cm.GetAllNodes()
	out := make([]telemetrystream.NodeSnapshot, len(nodes))
	for i, node := range nodes {
		out[i] = telemetrystream.NodeSnapshot{NodeId: node.NodeId, Address: node.Address, Permissions: uint8(node.Permissions)}
	}
	return out
}

// recoveryLoop forwards every Worker Pool failure event to every
// currently active Task Manager (spec §4.2/§4.3: a worker's death
// triggers recovery for any process that had tasks assigned to it).
func recoveryLoop(pool *workerpool.Pool, activator *processmanager.DefaultActivator) {
	events := pool.Subscribe()
	for ev := range events {
		activator.RecoverAll(ev.WorkerId)
	}
}

func staleCleanupLoop(pool *workerpool.Pool, heartbeatTimeout, interval time.Duration) {
	if heartbeatTimeout == 0 {
		heartbeatTimeout = 30 * time.Second
	}
	if interval == 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		pool.CleanupStale(heartbeatTimeout)
	}
}

// noopBlobStore stands in for a Blob Store when cfg.BlobStore.Enabled is
// false, so ClearProcessInfo's best-effort cleanup has something to call
// without a nil-pointer branch.
type noopBlobStore struct{}

func (noopBlobStore) Delete(ctx context.Context, key string) error { return nil }
