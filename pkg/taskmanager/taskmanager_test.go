package taskmanager

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Codesmith28/mbrace/pkg/mbrace"
	"github.com/Codesmith28/mbrace/pkg/tasklog"
	"github.com/Codesmith28/mbrace/pkg/workerpool"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func newTestLog(t *testing.T) *tasklog.TaskLog {
	t.Helper()
	port := freePort(t)
	tl, err := tasklog.New(tasklog.Config{
		NodeId:       "node-1",
		BindAddr:     fmt.Sprintf("127.0.0.1:%d", port),
		DataDir:      t.TempDir(),
		Bootstrap:    true,
		ApplyTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("tasklog.New: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !tl.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatalf("node never became leader")
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Cleanup(func() { _ = tl.Shutdown() })
	return tl
}

// fakeClient records ExecuteTask/CancelTasks calls and can be told to fail
// the next N executions against a given worker.
type fakeClient struct {
	mu        sync.Mutex
	executed  []mbrace.TaskPayload
	cancelled []mbrace.TaskId
	failNext  map[string]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{failNext: make(map[string]int)}
}

func (f *fakeClient) ExecuteTask(ctx context.Context, worker mbrace.WorkerRef, payload mbrace.TaskPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failNext[worker.Id]; n > 0 {
		f.failNext[worker.Id] = n - 1
		return fmt.Errorf("simulated dispatch failure")
	}
	f.executed = append(f.executed, payload)
	return nil
}

func (f *fakeClient) CancelTasks(ctx context.Context, worker mbrace.WorkerRef, taskIds []mbrace.TaskId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskIds...)
	return nil
}

func (f *fakeClient) executedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

// fakeScheduler records TaskResult deliveries.
type fakeScheduler struct {
	mu      sync.Mutex
	results []mbrace.Result
}

func (s *fakeScheduler) TaskResult(processId mbrace.ProcessId, taskId mbrace.TaskId, result mbrace.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

// fakeArchiver records ArchiveResult calls.
type fakeArchiver struct {
	mu      sync.Mutex
	entries []mbrace.Result
}

func (a *fakeArchiver) ArchiveResult(processId mbrace.ProcessId, taskId mbrace.TaskId, workerId string, result mbrace.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, result)
}

func (a *fakeArchiver) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

func newTestManager(t *testing.T, client WorkerClient) (*TaskManager, *workerpool.Pool) {
	t.Helper()
	return newTestManagerWithConfig(t, client, Config{})
}

func newTestManagerWithConfig(t *testing.T, client WorkerClient, cfg Config) (*TaskManager, *workerpool.Pool) {
	t.Helper()
	log := newTestLog(t)
	pool := workerpool.New()
	cfg.RetryBaseWait = time.Millisecond
	cfg.RetryMaxWait = 20 * time.Millisecond
	tm := New("process-1", log, pool, client, nil, cfg)
	t.Cleanup(tm.Close)
	return tm, pool
}

func TestCreateRootTaskDispatchesToAWorker(t *testing.T) {
	client := newFakeClient()
	tm, pool := newTestManager(t, client)
	pool.UpdateHeartbeat(mbrace.WorkerRef{Id: "w-1", Permissions: mbrace.PermSlave})

	if _, err := tm.CreateRootTask([]byte("body"), nil); err != nil {
		t.Fatalf("CreateRootTask: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for client.executedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("task was never dispatched")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if tm.GetActiveTaskCount() != 1 {
		t.Fatalf("expected 1 active task after root dispatch, got %d", tm.GetActiveTaskCount())
	}

	snapshot := tm.GetTaskLogSnapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected GetTaskLogSnapshot to return 1 entry, got %d", len(snapshot))
	}
}

func TestCreateRootTaskRetriesWhenNoWorkerAvailable(t *testing.T) {
	client := newFakeClient()
	tm, pool := newTestManager(t, client)

	done := make(chan error, 1)
	go func() { _, err := tm.CreateRootTask([]byte("body"), nil); done <- err }()

	time.Sleep(30 * time.Millisecond)
	pool.UpdateHeartbeat(mbrace.WorkerRef{Id: "w-1", Permissions: mbrace.PermSlave})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("CreateRootTask: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("CreateRootTask never completed once a worker became available")
	}
}

func TestTaskResultDropsUnloggedTask(t *testing.T) {
	client := newFakeClient()
	tm, _ := newTestManager(t, client)
	sched := &fakeScheduler{}
	tm.SetScheduler(sched)

	tm.TaskResult("never-logged", mbrace.SuccessResult([]byte("x")))

	time.Sleep(50 * time.Millisecond)
	if sched.count() != 0 {
		t.Fatalf("expected duplicate/unlogged result to be dropped, scheduler saw %d", sched.count())
	}
}

func TestTaskResultRelaysLoggedTask(t *testing.T) {
	client := newFakeClient()
	tm, pool := newTestManager(t, client)
	pool.UpdateHeartbeat(mbrace.WorkerRef{Id: "w-1", Permissions: mbrace.PermSlave})
	sched := &fakeScheduler{}
	tm.SetScheduler(sched)

	if _, err := tm.CreateRootTask([]byte("body"), nil); err != nil {
		t.Fatalf("CreateRootTask: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for tm.GetActiveTaskCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("root task never logged")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var loggedId mbrace.TaskId
	for _, p := range client.executed {
		loggedId = p.TaskId
	}

	tm.TaskResult(loggedId, mbrace.SuccessResult([]byte("42")))

	deadline = time.Now().Add(time.Second)
	for sched.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("scheduler never received the result")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTaskResultArchivesWhenConfigured(t *testing.T) {
	client := newFakeClient()
	archiver := &fakeArchiver{}
	tm, pool := newTestManagerWithConfig(t, client, Config{Archiver: archiver})
	pool.UpdateHeartbeat(mbrace.WorkerRef{Id: "w-1", Permissions: mbrace.PermSlave})
	sched := &fakeScheduler{}
	tm.SetScheduler(sched)

	if _, err := tm.CreateRootTask([]byte("body"), nil); err != nil {
		t.Fatalf("CreateRootTask: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for tm.GetActiveTaskCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("root task never logged")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var loggedId mbrace.TaskId
	for _, p := range client.executed {
		loggedId = p.TaskId
	}

	tm.TaskResult(loggedId, mbrace.SuccessResult([]byte("42")))

	deadline = time.Now().Add(time.Second)
	for archiver.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("archiver never received the result")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDispatchFailureTriggersRetry(t *testing.T) {
	client := newFakeClient()
	client.failNext["w-1"] = 1

	tm, pool := newTestManager(t, client)
	pool.UpdateHeartbeat(mbrace.WorkerRef{Id: "w-1", Permissions: mbrace.PermSlave})
	pool.UpdateHeartbeat(mbrace.WorkerRef{Id: "w-2", Permissions: mbrace.PermSlave})

	if _, err := tm.CreateRootTask([]byte("body"), nil); err != nil {
		t.Fatalf("CreateRootTask: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for client.executedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("retry after dispatch failure never executed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecoverRedispatchesOrphanedTasks(t *testing.T) {
	client := newFakeClient()
	tm, pool := newTestManager(t, client)
	pool.UpdateHeartbeat(mbrace.WorkerRef{Id: "w-1", Permissions: mbrace.PermSlave})

	if _, err := tm.CreateRootTask([]byte("body"), nil); err != nil {
		t.Fatalf("CreateRootTask: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for client.executedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("root task never dispatched")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Worker w-1 crashes; a fresh worker comes online before Recover runs.
	pool.OnWorkerFailure("w-1")
	pool.UpdateHeartbeat(mbrace.WorkerRef{Id: "w-2", Permissions: mbrace.PermSlave})
	tm.Recover("w-1")

	deadline = time.Now().Add(2 * time.Second)
	for client.executedCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected the orphaned task to be re-dispatched to w-2, executed=%d", client.executedCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLeafTaskCompleteUnlogs(t *testing.T) {
	client := newFakeClient()
	tm, pool := newTestManager(t, client)
	pool.UpdateHeartbeat(mbrace.WorkerRef{Id: "w-1", Permissions: mbrace.PermSlave})

	if _, err := tm.CreateRootTask([]byte("body"), nil); err != nil {
		t.Fatalf("CreateRootTask: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for tm.GetActiveTaskCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("root task never logged")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var loggedId mbrace.TaskId
	for _, p := range client.executed {
		loggedId = p.TaskId
	}

	tm.LeafTaskComplete(loggedId)

	deadline = time.Now().Add(time.Second)
	for tm.GetActiveTaskCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected log to empty after LeafTaskComplete")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
