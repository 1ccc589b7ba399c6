// Command mbrace-worker runs one worker node: it attaches to a master,
// exposes pkg/workerclient's ExecuteTask/CancelTasks/IsValidTask RPCs, and
// runs submitted task bodies through a small built-in executor. Wiring is
// grounded on the teacher's cmd/test-client/main.go (gRPC dial setup)
// generalized with Cobra the way cmd/mbrace-master structures its own
// run command.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/Codesmith28/mbrace/pkg/dockerexec"
	"github.com/Codesmith28/mbrace/pkg/mbrace"
	"github.com/Codesmith28/mbrace/pkg/mlog"
	"github.com/Codesmith28/mbrace/pkg/workerclient"
)

// dockerExecutor is dialed lazily on the first task that carries a
// dockerexec.Spec, so a cluster that never runs Docker-backed tasks
// never needs a reachable Docker daemon.
var (
	dockerExecutorOnce sync.Once
	dockerExecutor     *dockerexec.Executor
	dockerExecutorErr  error
)

func getDockerExecutor() (*dockerexec.Executor, error) {
	dockerExecutorOnce.Do(func() {
		dockerExecutor, dockerExecutorErr = dockerexec.New()
	})
	return dockerExecutor, dockerExecutorErr
}

// heartbeatInterval is how often a worker re-Attaches to refresh its
// LoadFactor, grounded on worker/internal/system.go's resource sampling
// generalized to one real-valued gauge instead of a full ResourceInfo.
const heartbeatInterval = 10 * time.Second

// sampleLoadFactor reports the worker's current CPU utilization (0-100,
// averaged across cores) via gopsutil/v4, the dependency
// worker/go.mod pulls in for exactly this purpose alongside the raw
// /proc and syscall reads worker/internal/system/system.go uses for its
// richer GetSystemResources report. A sampling failure reports 0 rather
// than failing the heartbeat: an unmeasured worker is treated as
// unloaded, not excluded from selection.
func sampleLoadFactor() float64 {
	percents, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return percents[0]
}

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCommand() *cobra.Command {
	var (
		nodeId      string
		bindAddr    string
		masterAddr  string
		permissions uint8
		joinSecret  string
	)

	root := &cobra.Command{
		Use:     "mbrace-worker",
		Short:   "Run an mbrace cluster worker node",
		Version: "dev",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(nodeId, bindAddr, masterAddr, mbrace.Permissions(permissions), joinSecret)
		},
	}
	root.Flags().StringVar(&nodeId, "id", "", "this worker's node id (required)")
	root.Flags().StringVar(&bindAddr, "addr", ":50061", "address this worker listens on for ExecuteTask RPCs")
	root.Flags().StringVar(&masterAddr, "master", "127.0.0.1:50051", "address of the master to attach to")
	root.Flags().Uint8Var(&permissions, "permissions", uint8(mbrace.PermSlave), "bitset of permissions to advertise when attaching")
	root.Flags().StringVar(&joinSecret, "join-secret", "", "shared secret to exchange for a join token, required only if the cluster has one configured")
	_ = root.MarkFlagRequired("id")

	return root
}

func run(nodeId, bindAddr, masterAddr string, permissions mbrace.Permissions, joinSecret string) error {
	mlog.Init(mlog.Config{})
	log := mlog.Component("mbrace-worker")

	master, err := workerclient.DialMaster(masterAddr)
	if err != nil {
		return fmt.Errorf("mbrace-worker: %w", err)
	}
	defer master.Close()

	node := workerclient.NewNode(executeLeaf, master)

	grpcServer := grpc.NewServer()
	workerclient.Register(grpcServer, node)

	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("mbrace-worker: failed to listen on %s: %w", bindAddr, err)
	}

	go func() {
		log.Info().Str("addr", bindAddr).Msg("worker node listening")
		if err := grpcServer.Serve(listener); err != nil {
			log.Warn().Err(err).Msg("gRPC server stopped")
		}
	}()

	var token string
	if joinSecret != "" {
		tokenCtx, tokenCancel := context.WithTimeout(context.Background(), 10*time.Second)
		t, err := master.RequestJoinToken(tokenCtx, nodeId, joinSecret)
		tokenCancel()
		if err != nil {
			grpcServer.GracefulStop()
			return fmt.Errorf("mbrace-worker: failed to obtain join token from master %s: %w", masterAddr, err)
		}
		token = t
	}

	attachCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := master.Attach(attachCtx, nodeId, bindAddr, permissions, sampleLoadFactor(), token); err != nil {
		grpcServer.GracefulStop()
		return fmt.Errorf("mbrace-worker: failed to attach to master %s: %w", masterAddr, err)
	}
	log.Info().Str("master", masterAddr).Str("node_id", nodeId).Msg("attached to cluster")

	heartbeatDone := make(chan struct{})
	go heartbeatLoop(master, nodeId, bindAddr, permissions, token, heartbeatDone)
	defer close(heartbeatDone)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	grpcServer.GracefulStop()
	return nil
}

// heartbeatLoop re-Attaches on a fixed interval with a fresh LoadFactor
// sample, keeping the Worker Pool's view of this node's system load
// current between task dispatches.
func heartbeatLoop(master *workerclient.MasterClient, nodeId, bindAddr string, permissions mbrace.Permissions, token string, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	log := mlog.Component("mbrace-worker")

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := master.Attach(ctx, nodeId, bindAddr, permissions, sampleLoadFactor(), token)
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("heartbeat attach failed")
			}
		}
	}
}

// leafBody is the JSON shape a task's scheduler.Leaf.Body is expected to
// carry. It is a demonstration runtime only: SPEC_FULL.md treats a
// process body as opaque to the cluster, so no concrete computation
// language is mandated. sleep_ms waits first; then fail produces a
// ResultFault, docker runs a container, echo returns its value verbatim,
// in that order of precedence; a body with none of these succeeds with no
// value. Only a body that is not valid JSON is a ResultInitError.
type leafBody struct {
	Echo    json.RawMessage `json:"echo,omitempty"`
	Fail    string          `json:"fail,omitempty"`
	SleepMs int             `json:"sleep_ms,omitempty"`
	// Docker, when set, runs the task as a container instead of echo;
	// sleep_ms is still waited out first and fail still takes precedence
	// (spec §3: a task body is opaque cluster-side; this is this runtime's
	// one non-trivial execution shape).
	Docker *dockerexec.Spec `json:"docker,omitempty"`
}

// executeLeaf is the workerclient.Executor this node runs every assigned
// task through.
func executeLeaf(ctx context.Context, payload mbrace.TaskPayload) mbrace.Result {
	var body leafBody
	if err := json.Unmarshal(payload.Body, &body); err != nil {
		return mbrace.InitErrorResult(fmt.Sprintf("malformed task body: %v", err))
	}

	if body.SleepMs > 0 {
		select {
		case <-time.After(time.Duration(body.SleepMs) * time.Millisecond):
		case <-ctx.Done():
			return mbrace.KilledResult()
		}
	}

	if body.Fail != "" {
		return mbrace.FaultResult(body.Fail)
	}

	if body.Docker != nil {
		return executeDocker(ctx, string(payload.TaskId), *body.Docker)
	}

	if body.Echo != nil {
		return mbrace.SuccessResult([]byte(body.Echo))
	}

	return mbrace.SuccessResult(nil)
}

// executeDocker runs body under pkg/dockerexec, surfacing a non-zero
// container exit code as a ResultFault rather than a transport-level
// error: the container ran to completion, it just didn't succeed.
func executeDocker(ctx context.Context, taskId string, spec dockerexec.Spec) mbrace.Result {
	executor, err := getDockerExecutor()
	if err != nil {
		return mbrace.InitErrorResult(fmt.Sprintf("docker executor unavailable: %v", err))
	}

	result, err := executor.Run(ctx, taskId, spec)
	if err != nil {
		return mbrace.FaultResult(fmt.Sprintf("docker execution failed: %v", err))
	}
	if result.ExitCode != 0 {
		return mbrace.FaultResult(fmt.Sprintf("container exited with code %d: %s", result.ExitCode, result.Logs))
	}
	return mbrace.SuccessResult([]byte(result.Logs))
}
