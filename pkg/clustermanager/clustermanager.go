// Package clustermanager implements the node administration surface
// (spec §6): cluster membership, permissions, node types, and the admin
// operations consumed by the CLI/admin tooling. Built directly on
// pkg/workerpool.Pool for membership bookkeeping and pkg/tasklog.TaskLog
// for raft voter admission, rather than a separate membership store, so
// the worker selection the Task Manager sees and the node list an admin
// queries are always the same underlying table.
package clustermanager

import (
	"fmt"
	"sync"
	"time"

	"github.com/Codesmith28/mbrace/pkg/mbrace"
	"github.com/Codesmith28/mbrace/pkg/mbraceerr"
	"github.com/Codesmith28/mbrace/pkg/mlog"
	"github.com/Codesmith28/mbrace/pkg/workerpool"
)

// Authenticator is the pkg/clusterauth.Issuer surface this package needs:
// narrowed to an interface so a Manager can be built without join
// authentication at all (the nil case, preserved for the single-node dev
// default) and so tests can fake it.
type Authenticator interface {
	IssueToken(nodeId, presentedSecret string) (string, error)
	VerifyToken(tokenString string) (string, error)
}

// Membership is the raft voter-set surface this package needs out of
// tasklog.TaskLog. Narrowed to an interface (rather than importing the
// concrete *tasklog.TaskLog type) so tests can exercise Attach/Detach/
// GetMasterAndAlts/ShutdownSync without standing up a real raft cluster.
type Membership interface {
	IsLeader() bool
	AddVoter(nodeId, addr string) error
	RemoveServer(nodeId string) error
	Shutdown() error

	// SetReplicationTargets declares the replication/failover factors a
	// freshly formed cluster must enforce (spec §4.1), called once by
	// MasterBoot with the authoritative values for cfg.Nodes.
	SetReplicationTargets(replicationFactor, failoverFactor int)
}

// NodeInfo is one entry of GetAllNodes / GetMasterAndAlts.
type NodeInfo struct {
	NodeId      string
	Address     string
	Type        mbrace.NodeType
	Permissions mbrace.Permissions
}

// Configuration is MasterBoot's argument (spec §6): the set of nodes the
// cluster starts with and its replication/failover factors.
type Configuration struct {
	Nodes             []NodeInfo
	ReplicationFactor int
	FailoverFactor    int
}

// DeploymentInfo answers GetNodeDeploymentInfo.
type DeploymentInfo struct {
	DeploymentId string
	NodeId       string
	BootTime     time.Time
	Version      string
}

// PerformanceCounters answers GetNodePerformanceCounters. ActiveTasks is
// supplied by a caller-provided gauge func rather than computed here,
// since the Task Log/Task Manager own that count and this package has no
// business reaching into per-process state to recompute it.
type PerformanceCounters struct {
	ActiveWorkers     int
	ActiveTasks       int
	LoadFactorMean    float64
	LoadFactorStdDev  float64
}

// ActiveTaskGauge lets the Manager report a live task count without
// importing pkg/taskmanager or pkg/processmanager, both of which sit
// above this package in the dependency graph.
type ActiveTaskGauge func() int

// Config describes the local node this Manager represents.
type Config struct {
	NodeId       string
	Address      string
	Permissions  mbrace.Permissions
	DeploymentId string
	Version      string
}

// Manager is the node administration actor. It is not itself an
// actor.Mailbox-serialized component: every operation here is either a
// simple read/write against workerpool.Pool (already internally
// synchronized) or a one-shot raft membership change against
// tasklog.TaskLog, so a plain mutex over the small amount of admin-only
// state (node types, event history) is sufficient.
type Manager struct {
	cfg      Config
	pool     *workerpool.Pool
	log      Membership
	bootTime time.Time
	gauge    ActiveTaskGauge

	mu         sync.Mutex
	nodes      map[string]NodeInfo
	events     []string
	shutdownFn func()
	auth       Authenticator
}

// New creates a Manager for the local node described by cfg.
func New(cfg Config, pool *workerpool.Pool, log Membership, gauge ActiveTaskGauge) *Manager {
	if gauge == nil {
		gauge = func() int { return 0 }
	}
	self := NodeInfo{NodeId: cfg.NodeId, Address: cfg.Address, Permissions: cfg.Permissions, Type: typeForPermissions(cfg.Permissions)}
	return &Manager{
		cfg:      cfg,
		pool:     pool,
		log:      log,
		bootTime: time.Now(),
		gauge:    gauge,
		nodes:    map[string]NodeInfo{cfg.NodeId: self},
	}
}

func typeForPermissions(p mbrace.Permissions) mbrace.NodeType {
	switch {
	case p.CanHostManagers():
		return mbrace.NodeMaster
	case p.CanExecuteTasks():
		return mbrace.NodeSlave
	default:
		return mbrace.NodeIdle
	}
}

// Ping answers liveness checks with the local node id.
func (m *Manager) Ping() string {
	return m.cfg.NodeId
}

// GetNodeDeploymentInfo answers static deployment metadata.
func (m *Manager) GetNodeDeploymentInfo() DeploymentInfo {
	return DeploymentInfo{
		DeploymentId: m.cfg.DeploymentId,
		NodeId:       m.cfg.NodeId,
		BootTime:     m.bootTime,
		Version:      m.cfg.Version,
	}
}

// GetNodePerformanceCounters answers a snapshot of current load.
func (m *Manager) GetNodePerformanceCounters() PerformanceCounters {
	mean, stddev := m.pool.LoadFactorStats()
	return PerformanceCounters{
		ActiveWorkers:    m.pool.GetAvailableWorkerCount(),
		ActiveTasks:      m.gauge(),
		LoadFactorMean:   mean,
		LoadFactorStdDev: stddev,
	}
}

// SetAuthenticator enables join-token gating on Attach. Called once at
// startup by the hosting process when cfg.Cluster.JoinSecret is set;
// left nil, Attach admits any node that can reach this one, the
// single-node dev default.
func (m *Manager) SetAuthenticator(auth Authenticator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auth = auth
}

// IssueJoinToken exchanges a presented join secret for a token scoped to
// nodeId, the first call a node makes before Attach when this cluster
// has join authentication configured.
func (m *Manager) IssueJoinToken(nodeId, presentedSecret string) (string, error) {
	m.mu.Lock()
	auth := m.auth
	m.mu.Unlock()

	if auth == nil {
		return "", &mbraceerr.ActivationError{Err: fmt.Errorf("clustermanager: join authentication is not configured on this node")}
	}
	return auth.IssueToken(nodeId, presentedSecret)
}

// verifyJoinToken checks token against nodeId when join authentication is
// configured, and is a no-op otherwise.
func (m *Manager) verifyJoinToken(nodeId, token string) error {
	m.mu.Lock()
	auth := m.auth
	m.mu.Unlock()

	if auth == nil {
		return nil
	}
	issuedTo, err := auth.VerifyToken(token)
	if err != nil {
		return err
	}
	if issuedTo != nodeId {
		return &mbraceerr.ActivationError{Err: fmt.Errorf("clustermanager: join token was issued to %s, not %s", issuedTo, nodeId)}
	}
	return nil
}

// Attach admits nodeRef into the cluster: it always joins the Worker
// Pool's membership table, and additionally joins the raft voter set if
// it carries Master permission (spec §6: "Master allows hosting
// process/task managers"). When join authentication is configured, token
// must be a valid pkg/clusterauth token issued to ref.Id.
func (m *Manager) Attach(ref mbrace.WorkerRef, token string) error {
	if err := m.verifyJoinToken(ref.Id, token); err != nil {
		return err
	}
	return m.attachTrusted(ref)
}

// attachTrusted performs admission without a token check, used for the
// operator-supplied node list MasterBoot admits at cluster formation
// time, which never passes through Attach's gRPC surface.
func (m *Manager) attachTrusted(ref mbrace.WorkerRef) error {
	m.pool.UpdateHeartbeat(ref)

	m.mu.Lock()
	m.nodes[ref.Id] = NodeInfo{NodeId: ref.Id, Address: ref.Address, Permissions: ref.Permissions, Type: typeForPermissions(ref.Permissions)}
	m.recordEventLocked(fmt.Sprintf("attach node_id=%s address=%s permissions=%s", ref.Id, ref.Address, ref.Permissions))
	m.mu.Unlock()

	if ref.Permissions.CanHostManagers() {
		if err := m.log.AddVoter(ref.Id, ref.Address); err != nil {
			return &mbraceerr.ActivationError{Err: fmt.Errorf("clustermanager: failed to admit %s as a raft voter: %w", ref.Id, err)}
		}
	}

	mlog.Component("clustermanager").Info().Str("node_id", ref.Id).Str("address", ref.Address).Msg("node attached")
	return nil
}

// Detach evicts nodeId from the Worker Pool and, if it had been admitted
// as a raft voter, from the Task Log's cluster too.
func (m *Manager) Detach(nodeId string) error {
	m.pool.OnWorkerFailure(nodeId)

	m.mu.Lock()
	node, known := m.nodes[nodeId]
	delete(m.nodes, nodeId)
	m.recordEventLocked(fmt.Sprintf("detach node_id=%s", nodeId))
	m.mu.Unlock()

	if known && node.Type == mbrace.NodeMaster {
		if err := m.log.RemoveServer(nodeId); err != nil {
			return &mbraceerr.ActivationError{Err: fmt.Errorf("clustermanager: failed to remove raft voter %s: %w", nodeId, err)}
		}
	}

	mlog.Component("clustermanager").Info().Str("node_id", nodeId).Msg("node detached")
	return nil
}

// SetNodePermissions updates nodeId's type classification. Permission
// bits themselves live on the WorkerRef the Worker Pool already holds;
// callers re-Attach with an updated WorkerRef to change what the pool
// sees, this only updates the admin-facing type label.
func (m *Manager) SetNodePermissions(nodeId string, permissions mbrace.Permissions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[nodeId]
	if !ok {
		node = NodeInfo{NodeId: nodeId}
	}
	node.Permissions = permissions
	node.Type = typeForPermissions(permissions)
	m.nodes[nodeId] = node
	m.recordEventLocked(fmt.Sprintf("set_permissions node_id=%s permissions=%s", nodeId, permissions))
}

// GetAllNodes lists every node currently attached.
func (m *Manager) GetAllNodes() []NodeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]NodeInfo, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	return out
}

// GetMasterAndAlts reports the current raft leader and the standby
// voters eligible for failover.
func (m *Manager) GetMasterAndAlts() (NodeInfo, []NodeInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var master NodeInfo
	var alts []NodeInfo
	for id, n := range m.nodes {
		if n.Type != mbrace.NodeMaster {
			continue
		}
		if id == m.cfg.NodeId && m.log.IsLeader() {
			master = n
			continue
		}
		alt := n
		alt.Type = mbrace.NodeAlt
		alts = append(alts, alt)
	}
	return master, alts
}

// GetDeploymentId returns the cluster's deployment identifier.
func (m *Manager) GetDeploymentId() string {
	return m.cfg.DeploymentId
}

// GetLogDump returns the Manager's own admin event history (attach,
// detach, permission changes): a genuine cluster-wide log-shipping
// facility is out of scope, so this is the bounded slice of
// administrative events this node has observed, not a tail of the
// process's full structured log.
func (m *Manager) GetLogDump() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	copy(out, m.events)
	return out
}

const maxEvents = 512

func (m *Manager) recordEventLocked(event string) {
	m.events = append(m.events, fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), event))
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
}

// OnShutdown registers fn to run during Shutdown/ShutdownSync, used by
// the hosting process to stop its grpc.Server and release other
// resources this package doesn't own.
func (m *Manager) OnShutdown(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownFn = fn
}

// Shutdown requests termination without waiting for it to complete.
func (m *Manager) Shutdown() {
	go m.ShutdownSync()
}

// ShutdownSync releases the Task Log's raft instance and runs the
// registered shutdown hook, blocking until both finish.
func (m *Manager) ShutdownSync() error {
	m.mu.Lock()
	fn := m.shutdownFn
	m.mu.Unlock()

	if fn != nil {
		fn()
	}
	return m.log.Shutdown()
}

// MasterBoot admits every node in cfg.Nodes, used once at cluster
// formation time by whichever node is designated the initial master. It
// also declares cfg.ReplicationFactor/FailoverFactor (spec §4.1) as the
// Task Log's enforced targets, refusing to boot a cluster too small to
// ever satisfy the requested replication factor.
func (m *Manager) MasterBoot(cfg Configuration) error {
	totalNodes := len(cfg.Nodes) + 1 // cfg.Nodes plus this node
	if cfg.ReplicationFactor > totalNodes {
		return &mbraceerr.ActivationError{Err: fmt.Errorf(
			"clustermanager: MasterBoot cannot satisfy replication_factor=%d with only %d nodes configured",
			cfg.ReplicationFactor, totalNodes)}
	}

	m.log.SetReplicationTargets(cfg.ReplicationFactor, cfg.FailoverFactor)

	for _, n := range cfg.Nodes {
		ref := mbrace.WorkerRef{Id: n.NodeId, Address: n.Address, Permissions: n.Permissions}
		if err := m.attachTrusted(ref); err != nil {
			return fmt.Errorf("clustermanager: MasterBoot failed to attach %s: %w", n.NodeId, err)
		}
	}
	return nil
}
