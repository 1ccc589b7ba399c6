package clustermanager

import (
	"fmt"
	"sync"
	"testing"

	"github.com/Codesmith28/mbrace/pkg/mbrace"
	"github.com/Codesmith28/mbrace/pkg/workerpool"
)

type fakeMembership struct {
	mu                sync.Mutex
	leader            bool
	voters            map[string]string
	removed           []string
	shutdown          bool
	replicationFactor int
	failoverFactor    int
}

func newFakeMembership(leader bool) *fakeMembership {
	return &fakeMembership{leader: leader, voters: make(map[string]string)}
}

func (f *fakeMembership) IsLeader() bool { return f.leader }

func (f *fakeMembership) AddVoter(nodeId, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voters[nodeId] = addr
	return nil
}

func (f *fakeMembership) RemoveServer(nodeId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.voters, nodeId)
	f.removed = append(f.removed, nodeId)
	return nil
}

func (f *fakeMembership) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	return nil
}

func (f *fakeMembership) SetReplicationTargets(replicationFactor, failoverFactor int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replicationFactor = replicationFactor
	f.failoverFactor = failoverFactor
}

func newTestManager(leader bool) (*Manager, *fakeMembership) {
	membership := newFakeMembership(leader)
	cfg := Config{NodeId: "node-1", Address: "127.0.0.1:9001", Permissions: mbrace.PermAll, DeploymentId: "dep-1", Version: "test"}
	return New(cfg, workerpool.New(), membership, nil), membership
}

func TestAttachAdmitsRaftVoterForMasterPermission(t *testing.T) {
	m, membership := newTestManager(true)

	ref := mbrace.WorkerRef{Id: "node-2", Address: "127.0.0.1:9002", Permissions: mbrace.PermAll}
	if err := m.Attach(ref, ""); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if _, ok := membership.voters["node-2"]; !ok {
		t.Fatalf("expected node-2 admitted as a raft voter")
	}

	nodes := m.GetAllNodes()
	found := false
	for _, n := range nodes {
		if n.NodeId == "node-2" && n.Type == mbrace.NodeMaster {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected node-2 listed as NodeMaster, got %+v", nodes)
	}
}

func TestAttachSlaveDoesNotJoinRaftVoters(t *testing.T) {
	m, membership := newTestManager(true)

	ref := mbrace.WorkerRef{Id: "worker-1", Address: "127.0.0.1:9100", Permissions: mbrace.PermSlave}
	if err := m.Attach(ref, ""); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if _, ok := membership.voters["worker-1"]; ok {
		t.Fatalf("slave-only node should not be admitted as a raft voter")
	}
}

func TestDetachRemovesMasterFromRaftVoters(t *testing.T) {
	m, membership := newTestManager(true)

	ref := mbrace.WorkerRef{Id: "node-2", Address: "127.0.0.1:9002", Permissions: mbrace.PermAll}
	if err := m.Attach(ref, ""); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := m.Detach("node-2"); err != nil {
		t.Fatalf("Detach: %v", err)
	}

	if _, ok := membership.voters["node-2"]; ok {
		t.Fatalf("expected node-2 removed from the raft voter set")
	}
}

func TestGetMasterAndAltsIdentifiesLeader(t *testing.T) {
	m, _ := newTestManager(true)

	alt := mbrace.WorkerRef{Id: "node-2", Address: "127.0.0.1:9002", Permissions: mbrace.PermAll}
	if err := m.Attach(alt, ""); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	master, alts := m.GetMasterAndAlts()
	if master.NodeId != "node-1" {
		t.Fatalf("expected node-1 (the leader) as master, got %+v", master)
	}
	if len(alts) != 1 || alts[0].NodeId != "node-2" {
		t.Fatalf("expected node-2 listed as an alt, got %+v", alts)
	}
}

func TestGetLogDumpRecordsAdminEvents(t *testing.T) {
	m, _ := newTestManager(true)

	ref := mbrace.WorkerRef{Id: "node-2", Address: "127.0.0.1:9002", Permissions: mbrace.PermSlave}
	if err := m.Attach(ref, ""); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := m.Detach("node-2"); err != nil {
		t.Fatalf("Detach: %v", err)
	}

	dump := m.GetLogDump()
	if len(dump) < 2 {
		t.Fatalf("expected at least 2 recorded events, got %d: %v", len(dump), dump)
	}
}

func TestShutdownSyncRunsHookAndReleasesMembership(t *testing.T) {
	m, membership := newTestManager(true)

	hookRan := false
	m.OnShutdown(func() { hookRan = true })

	if err := m.ShutdownSync(); err != nil {
		t.Fatalf("ShutdownSync: %v", err)
	}
	if !hookRan {
		t.Fatalf("expected the shutdown hook to run")
	}
	if !membership.shutdown {
		t.Fatalf("expected the Task Log to be released")
	}
}

func TestMasterBootAttachesEveryNode(t *testing.T) {
	m, membership := newTestManager(true)

	cfg := Configuration{
		Nodes: []NodeInfo{
			{NodeId: "node-2", Address: "127.0.0.1:9002", Permissions: mbrace.PermAll},
			{NodeId: "node-3", Address: "127.0.0.1:9003", Permissions: mbrace.PermSlave},
		},
		ReplicationFactor: 3,
		FailoverFactor:    1,
	}
	if err := m.MasterBoot(cfg); err != nil {
		t.Fatalf("MasterBoot: %v", err)
	}

	if _, ok := membership.voters["node-2"]; !ok {
		t.Fatalf("expected node-2 admitted as a raft voter by MasterBoot")
	}
	if len(m.GetAllNodes()) != 3 {
		t.Fatalf("expected 3 nodes known after MasterBoot (self + 2), got %d", len(m.GetAllNodes()))
	}
	if membership.replicationFactor != 3 || membership.failoverFactor != 1 {
		t.Fatalf("expected MasterBoot to declare replication_factor=3 failover_factor=1, got rf=%d ff=%d",
			membership.replicationFactor, membership.failoverFactor)
	}
}

type fakeAuthenticator struct {
	issuedTo map[string]string // token -> nodeId
}

func newFakeAuthenticator() *fakeAuthenticator {
	return &fakeAuthenticator{issuedTo: make(map[string]string)}
}

func (f *fakeAuthenticator) IssueToken(nodeId, presentedSecret string) (string, error) {
	if presentedSecret != "shared-secret" {
		return "", fmt.Errorf("fakeAuthenticator: wrong secret")
	}
	token := "token-for-" + nodeId
	f.issuedTo[token] = nodeId
	return token, nil
}

func (f *fakeAuthenticator) VerifyToken(token string) (string, error) {
	nodeId, ok := f.issuedTo[token]
	if !ok {
		return "", fmt.Errorf("fakeAuthenticator: unknown token")
	}
	return nodeId, nil
}

func TestAttachRejectsMissingOrForeignJoinToken(t *testing.T) {
	m, _ := newTestManager(true)
	auth := newFakeAuthenticator()
	m.SetAuthenticator(auth)

	ref := mbrace.WorkerRef{Id: "node-2", Address: "127.0.0.1:9002", Permissions: mbrace.PermSlave}
	if err := m.Attach(ref, ""); err == nil {
		t.Fatalf("expected Attach to reject a missing join token")
	}

	token, err := m.IssueJoinToken("node-3", "shared-secret")
	if err != nil {
		t.Fatalf("IssueJoinToken: %v", err)
	}
	if err := m.Attach(ref, token); err == nil {
		t.Fatalf("expected Attach to reject a token issued to a different node id")
	}
}

func TestAttachAcceptsMatchingJoinToken(t *testing.T) {
	m, _ := newTestManager(true)
	auth := newFakeAuthenticator()
	m.SetAuthenticator(auth)

	token, err := m.IssueJoinToken("node-2", "shared-secret")
	if err != nil {
		t.Fatalf("IssueJoinToken: %v", err)
	}

	ref := mbrace.WorkerRef{Id: "node-2", Address: "127.0.0.1:9002", Permissions: mbrace.PermSlave}
	if err := m.Attach(ref, token); err != nil {
		t.Fatalf("Attach: %v", err)
	}
}

func TestGetNodePerformanceCountersReportsLoadFactorSpread(t *testing.T) {
	pool := workerpool.New()
	pool.UpdateHeartbeat(mbrace.WorkerRef{Id: "w-1", Permissions: mbrace.PermSlave, LoadFactor: 10})
	pool.UpdateHeartbeat(mbrace.WorkerRef{Id: "w-2", Permissions: mbrace.PermSlave, LoadFactor: 30})

	membership := newFakeMembership(true)
	cfg := Config{NodeId: "node-1", Address: "127.0.0.1:9001", Permissions: mbrace.PermAll, DeploymentId: "dep-1", Version: "test"}
	m := New(cfg, pool, membership, nil)

	counters := m.GetNodePerformanceCounters()
	if counters.ActiveWorkers != 2 {
		t.Fatalf("expected 2 active workers, got %d", counters.ActiveWorkers)
	}
	if counters.LoadFactorMean != 20 {
		t.Fatalf("expected LoadFactorMean 20, got %v", counters.LoadFactorMean)
	}
	if counters.LoadFactorStdDev <= 0 {
		t.Fatalf("expected a positive LoadFactorStdDev for a 10/30 spread, got %v", counters.LoadFactorStdDev)
	}
}

func TestMasterBootRejectsUnsatisfiableReplicationFactor(t *testing.T) {
	m, _ := newTestManager(true)

	cfg := Configuration{
		Nodes: []NodeInfo{
			{NodeId: "node-2", Address: "127.0.0.1:9002", Permissions: mbrace.PermAll},
		},
		ReplicationFactor: 5, // only 2 nodes total (self + node-2)
	}
	if err := m.MasterBoot(cfg); err == nil {
		t.Fatalf("expected MasterBoot to reject an unsatisfiable replication_factor")
	}
}
