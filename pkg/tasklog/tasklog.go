// Package tasklog implements the replicated Task Log (spec §4.1): a
// raft-backed, append-mostly record of which worker owns which task,
// consulted during recovery to find tasks orphaned by a worker crash.
// Raft setup follows cuemby-warren's pkg/manager.Manager.Bootstrap.
package tasklog

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/Codesmith28/mbrace/pkg/mbrace"
	"github.com/Codesmith28/mbrace/pkg/mbraceerr"
	"github.com/Codesmith28/mbrace/pkg/mlog"
)

// ReplicationDirective selects how a write waits for replication, per
// spec §4.1: AsyncReplicated returns once the local leader has queued the
// entry, SyncReplicated blocks until a quorum of replicationFactor peers
// have acknowledged it.
type ReplicationDirective int

const (
	AsyncReplicated ReplicationDirective = iota
	SyncReplicated
)

// Config describes one raft member of the Task Log.
type Config struct {
	NodeId       string
	BindAddr     string
	DataDir      string
	Bootstrap    bool
	ApplyTimeout time.Duration

	// ReplicationFactor and FailoverFactor are the initial values of the
	// same-named knobs in clustermanager.Configuration (spec §4.1);
	// MasterBoot overrides them for good via SetReplicationTargets once
	// the cluster's node list is known.
	ReplicationFactor int
	FailoverFactor    int
}

// TaskLog is the replicated record of in-flight task ownership.
type TaskLog struct {
	cfg  Config
	raft *raft.Raft
	fsm  *fsm
	log  zerolog.Logger

	mu                sync.Mutex
	replicationFactor int
	failoverFactor    int
	maxVoters         int
}

// New creates a raft-backed TaskLog and, if cfg.Bootstrap is set, forms a
// new single-node cluster. Joining an existing cluster is done afterward
// via AddVoter on the current leader.
func New(cfg Config) (*TaskLog, error) {
	if cfg.ApplyTimeout == 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("tasklog: failed to create data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeId)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("tasklog: failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("tasklog: failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("tasklog: failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("tasklog: failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("tasklog: failed to create stable store: %w", err)
	}

	theFSM := newFSM()

	r, err := raft.NewRaft(raftCfg, theFSM, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("tasklog: failed to create raft instance: %w", err)
	}

	tl := &TaskLog{
		cfg:               cfg,
		raft:              r,
		fsm:               theFSM,
		log:               mlog.Component("tasklog"),
		replicationFactor: cfg.ReplicationFactor,
		failoverFactor:    cfg.FailoverFactor,
	}

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{ID: raftCfg.LocalID, Address: transport.LocalAddr()},
			},
		}
		future := r.BootstrapCluster(configuration)
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("tasklog: failed to bootstrap cluster: %w", err)
		}
	}

	return tl, nil
}

// Log appends one or more entries, idempotent on TaskId. Batch append lets
// a Scheduler fan-out log every child of a wave in a single raft entry, so
// a crash mid-dispatch never leaves only some children logged.
func (t *TaskLog) Log(entries []mbrace.TaskLogEntry, directive ReplicationDirective) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return &mbraceerr.SystemFault{Err: fmt.Errorf("tasklog: failed to marshal entries: %w", err)}
	}
	return t.apply(opLog, data, directive)
}

// Unlog removes one or more entries; missing ids are ignored.
func (t *TaskLog) Unlog(taskIds []mbrace.TaskId, directive ReplicationDirective) error {
	data, err := json.Marshal(taskIds)
	if err != nil {
		return &mbraceerr.SystemFault{Err: fmt.Errorf("tasklog: failed to marshal task ids: %w", err)}
	}
	return t.apply(opUnlog, data, directive)
}

func (t *TaskLog) apply(op string, data json.RawMessage, directive ReplicationDirective) error {
	if t.raft.State() != raft.Leader {
		return &mbraceerr.SystemFault{Err: fmt.Errorf("tasklog: apply called on non-leader node")}
	}
	if t.IsCorrupted() {
		return &mbraceerr.SystemFault{Err: fmt.Errorf("tasklog: log considered corrupt, more than failoverFactor=%d peers have been lost", t.failoverFactorLocked())}
	}

	cmd := command{Op: op, Data: data}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return &mbraceerr.SystemFault{Err: fmt.Errorf("tasklog: failed to marshal command: %w", err)}
	}

	future := t.raft.Apply(payload, t.cfg.ApplyTimeout)

	if directive == AsyncReplicated {
		return nil
	}

	if err := future.Error(); err != nil {
		t.log.Warn().Err(err).Str("op", op).Msg("sync replicated write failed to reach quorum")
		return &mbraceerr.BroadcastFailure{Err: err}
	}
	if fsmErr, ok := future.Response().(error); ok && fsmErr != nil {
		return &mbraceerr.SystemFault{Err: fsmErr}
	}
	if err := t.checkReplication(); err != nil {
		t.log.Warn().Err(err).Str("op", op).Msg("sync replicated write committed below replicationFactor")
		return err
	}
	return nil
}

// voterCount returns the number of current raft voters, or 0 if the
// configuration can't be read (treated as "no peers known" rather than
// propagating a second error out of a replication check).
func (t *TaskLog) voterCount() int {
	future := t.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return 0
	}
	n := 0
	for _, srv := range future.Configuration().Servers {
		if srv.Suffrage == raft.Voter {
			n++
		}
	}
	return n
}

// checkReplication enforces spec §4.1: "SyncReplicated fails with
// BroadcastFailure when fewer than replicationFactor peers ack." raft's
// own Apply already requires a majority of the current voter set to
// commit; this additionally requires the voter set itself to be at least
// as large as replicationFactor, so a write made durable by a shrunken
// quorum (e.g. after peers were lost) is still reported as a broadcast
// failure rather than silently succeeding below the configured factor.
func (t *TaskLog) checkReplication() error {
	t.mu.Lock()
	rf := t.replicationFactor
	t.mu.Unlock()
	if rf <= 1 {
		return nil
	}
	if voters := t.voterCount(); voters < rf {
		return &mbraceerr.BroadcastFailure{Err: fmt.Errorf("tasklog: only %d of %d required replication_factor voters are live", voters, rf)}
	}
	return nil
}

func (t *TaskLog) failoverFactorLocked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failoverFactor
}

// IsCorrupted reports whether more voters have been lost than
// failoverFactor tolerates (spec §4.1: "failoverFactor (how many peers
// may be lost before the log is considered corrupt)"), measured against
// the largest voter set this node has observed since boot. A
// failoverFactor of 0 disables the check (any loss is tolerated as long
// as raft itself still has a quorum).
func (t *TaskLog) IsCorrupted() bool {
	t.mu.Lock()
	ff := t.failoverFactor
	maxV := t.maxVoters
	t.mu.Unlock()
	if ff <= 0 || maxV == 0 {
		return false
	}
	return maxV-t.voterCount() > ff
}

// SetReplicationTargets overrides the replication/failover factors this
// TaskLog enforces, called by clustermanager.MasterBoot once the
// authoritative node list for cluster formation is known (spec §6).
func (t *TaskLog) SetReplicationTargets(replicationFactor, failoverFactor int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replicationFactor = replicationFactor
	t.failoverFactor = failoverFactor
}

// IsLogged reports whether taskId currently has an ownership record.
func (t *TaskLog) IsLogged(taskId mbrace.TaskId) bool {
	_, ok := t.fsm.get(taskId)
	return ok
}

// Get returns the current entry for taskId, if logged.
func (t *TaskLog) Get(taskId mbrace.TaskId) (mbrace.TaskLogEntry, bool) {
	return t.fsm.get(taskId)
}

// RetrieveByWorker returns every task currently attributed to workerId,
// consulted by recovery when a worker is declared dead.
func (t *TaskLog) RetrieveByWorker(workerId string) []mbrace.TaskLogEntry {
	return t.fsm.byWorker(workerId)
}

// GetSiblingTasks returns every task sharing parentTaskId.
func (t *TaskLog) GetSiblingTasks(parentTaskId mbrace.TaskId) []mbrace.TaskLogEntry {
	return t.fsm.siblings(parentTaskId)
}

// RetrieveByProcess returns every task currently attributed to processId,
// consulted by KillProcess to cascade cancellation across an entire
// process's outstanding tasks regardless of their position in the
// scheduler's expression tree (spec §8 scenario 5, "kill during fan-out").
func (t *TaskLog) RetrieveByProcess(processId mbrace.ProcessId) []mbrace.TaskLogEntry {
	return t.fsm.byProcess(processId)
}

// GetCount returns the number of currently logged tasks.
func (t *TaskLog) GetCount() int {
	return t.fsm.count()
}

// IsLeader reports whether this node currently holds the raft leadership,
// used by the Process Manager to decide whether it is the cluster singleton.
func (t *TaskLog) IsLeader() bool {
	return t.raft.State() == raft.Leader
}

// AddVoter admits a new node to the raft cluster, called on the current
// leader when a worker advertises master permissions (spec §6 Attach).
func (t *TaskLog) AddVoter(nodeId, addr string) error {
	future := t.raft.AddVoter(raft.ServerID(nodeId), raft.ServerAddress(addr), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return err
	}
	if n := t.voterCount(); n > 0 {
		t.mu.Lock()
		if n > t.maxVoters {
			t.maxVoters = n
		}
		t.mu.Unlock()
	}
	return nil
}

// RemoveServer evicts a node from the raft cluster (spec §6 Detach).
func (t *TaskLog) RemoveServer(nodeId string) error {
	future := t.raft.RemoveServer(raft.ServerID(nodeId), 0, 10*time.Second)
	return future.Error()
}

// Shutdown releases the underlying raft instance and its transport.
func (t *TaskLog) Shutdown() error {
	return t.raft.Shutdown().Error()
}
