package processmanager

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Codesmith28/mbrace/pkg/mbrace"
	"github.com/Codesmith28/mbrace/pkg/scheduler"
	"github.com/Codesmith28/mbrace/pkg/taskmanager"
)

// fakeTaskManager satisfies both processmanager.TaskManager (what the
// Process Manager drives) and scheduler.Dispatcher (what the Interpreter
// drives), the same dual role *taskmanager.TaskManager plays in
// production; this lets tests exercise CreateDynamicProcess end to end
// without standing up a real raft-backed Task Log.
type fakeTaskManager struct {
	mu          sync.Mutex
	processId   mbrace.ProcessId
	scheduler   taskmanager.Scheduler
	cancelled   bool
	cancelErr   error
	closed      bool
	nextTaskNum int
	rootResult  mbrace.Result
}

func newFakeTaskManager(processId mbrace.ProcessId, rootResult mbrace.Result) *fakeTaskManager {
	return &fakeTaskManager{processId: processId, rootResult: rootResult}
}

func (f *fakeTaskManager) SetScheduler(s taskmanager.Scheduler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduler = s
}

func (f *fakeTaskManager) CancelAllTasks() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return f.cancelErr
}

func (f *fakeTaskManager) GetActiveTaskCount() int { return 0 }

func (f *fakeTaskManager) GetTaskLogSnapshot() []mbrace.TaskLogEntry { return nil }

func (f *fakeTaskManager) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeTaskManager) CreateRootTask(body []byte, deps mbrace.DependencyManifest) (mbrace.TaskId, error) {
	ids, err := f.CreateRootTasks([][]byte{body}, deps)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (f *fakeTaskManager) CreateRootTasks(bodies [][]byte, deps mbrace.DependencyManifest) ([]mbrace.TaskId, error) {
	f.mu.Lock()
	ids := make([]mbrace.TaskId, len(bodies))
	for i := range bodies {
		f.nextTaskNum++
		ids[i] = mbrace.TaskId(string(f.processId) + "-task-" + string(rune('0'+f.nextTaskNum)))
	}
	sched := f.scheduler
	processId := f.processId
	result := f.rootResult
	f.mu.Unlock()

	for _, id := range ids {
		id := id
		go func() {
			time.Sleep(5 * time.Millisecond)
			if sched != nil {
				sched.TaskResult(processId, id, result)
			}
		}()
	}
	return ids, nil
}

func (f *fakeTaskManager) CreateTasks(parentTaskId mbrace.TaskId, bodies [][]byte, deps mbrace.DependencyManifest) ([]mbrace.TaskId, error) {
	return f.CreateRootTasks(bodies, deps)
}

func (f *fakeTaskManager) LeafTaskComplete(taskId mbrace.TaskId) {}

func (f *fakeTaskManager) FinalTaskComplete(taskId mbrace.TaskId) error { return nil }

func (f *fakeTaskManager) CancelSiblingTasks(taskId mbrace.TaskId) error { return nil }

// fakeActivator hands out fakeTaskManagers and registers each as the
// scheduler.Dispatcher its processId resolves to, mirroring
// DefaultActivator's registry without any raft/grpc machinery.
type fakeActivator struct {
	mu          sync.Mutex
	managers    map[mbrace.ProcessId]*fakeTaskManager
	rootResult  mbrace.Result
	activateErr error
}

func newFakeActivator(rootResult mbrace.Result) *fakeActivator {
	return &fakeActivator{managers: make(map[mbrace.ProcessId]*fakeTaskManager), rootResult: rootResult}
}

func (a *fakeActivator) Activate(processId mbrace.ProcessId) (TaskManager, error) {
	if a.activateErr != nil {
		return nil, a.activateErr
	}
	tm := newFakeTaskManager(processId, a.rootResult)
	a.mu.Lock()
	a.managers[processId] = tm
	a.mu.Unlock()
	return tm, nil
}

func (a *fakeActivator) Deactivate(processId mbrace.ProcessId) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.managers, processId)
}

func (a *fakeActivator) Resolve(processId mbrace.ProcessId) (scheduler.Dispatcher, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tm, ok := a.managers[processId]
	return tm, ok
}

type fakeBlobStore struct {
	mu      sync.Mutex
	deleted []string
}

func (b *fakeBlobStore) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, key)
	return nil
}

func leafBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{"kind": "leaf", "body": []byte("work")})
	if err != nil {
		t.Fatalf("failed to encode leaf body: %v", err)
	}
	return body
}

func waitForTerminal(t *testing.T, pm *ProcessManager, processId mbrace.ProcessId) *mbrace.ProcessRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		record, ok := pm.GetProcessInfo(processId)
		if ok && record.State.Terminal() {
			return record
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("process %s never reached a terminal state", processId)
	return nil
}

func TestCreateDynamicProcessHappyPath(t *testing.T) {
	activator := newFakeActivator(mbrace.SuccessResult([]byte("42")))
	interp := scheduler.NewInterpreter(activator.Resolve)
	pm := New(interp, activator, &fakeBlobStore{}, nil, Config{})
	defer pm.Close()

	record, err := pm.CreateDynamicProcess("req-1", mbrace.ProcessImage{Name: "job", Body: leafBody(t)})
	if err != nil {
		t.Fatalf("CreateDynamicProcess: %v", err)
	}
	if record.State != mbrace.ProcessRunning {
		t.Fatalf("expected Running immediately after create, got %s", record.State)
	}

	final := waitForTerminal(t, pm, record.Id)
	if final.State != mbrace.ProcessCompleted {
		t.Fatalf("expected Completed, got %s", final.State)
	}
	if final.Result == nil || final.Result.Kind != mbrace.ResultSuccess {
		t.Fatalf("expected a success result, got %+v", final.Result)
	}
}

func TestCreateDynamicProcessDeduplicatesByRequestId(t *testing.T) {
	activator := newFakeActivator(mbrace.SuccessResult([]byte("42")))
	interp := scheduler.NewInterpreter(activator.Resolve)
	pm := New(interp, activator, &fakeBlobStore{}, nil, Config{})
	defer pm.Close()

	body := leafBody(t)
	first, err := pm.CreateDynamicProcess("dup-req", mbrace.ProcessImage{Name: "job", Body: body})
	if err != nil {
		t.Fatalf("first CreateDynamicProcess: %v", err)
	}
	second, err := pm.CreateDynamicProcess("dup-req", mbrace.ProcessImage{Name: "job", Body: body})
	if err != nil {
		t.Fatalf("second CreateDynamicProcess: %v", err)
	}
	if first.Id != second.Id {
		t.Fatalf("expected exactly one ProcessId for duplicate requestId, got %s and %s", first.Id, second.Id)
	}

	all := pm.GetAllProcessInfo()
	if len(all) != 1 {
		t.Fatalf("expected exactly one process record, got %d", len(all))
	}
}

func TestKillProcessCancelsAndTerminates(t *testing.T) {
	activator := newFakeActivator(mbrace.SuccessResult([]byte("never arrives")))
	interp := scheduler.NewInterpreter(activator.Resolve)
	pm := New(interp, activator, &fakeBlobStore{}, nil, Config{})
	defer pm.Close()

	record, err := pm.CreateDynamicProcess("kill-req", mbrace.ProcessImage{Name: "job", Body: leafBody(t)})
	if err != nil {
		t.Fatalf("CreateDynamicProcess: %v", err)
	}

	if err := pm.KillProcess(record.Id); err != nil {
		t.Fatalf("KillProcess: %v", err)
	}

	killed, ok := pm.GetProcessInfo(record.Id)
	if !ok || killed.State != mbrace.ProcessKilled {
		t.Fatalf("expected Killed, got %+v", killed)
	}

	activator.mu.Lock()
	_, stillActivated := activator.managers[record.Id]
	activator.mu.Unlock()
	if stillActivated {
		t.Fatalf("expected the Task Manager to be deactivated after kill")
	}

	// A late result racing the kill must not move the record off Killed.
	time.Sleep(20 * time.Millisecond)
	final, _ := pm.GetProcessInfo(record.Id)
	if final.State != mbrace.ProcessKilled {
		t.Fatalf("a straggling result flipped state away from Killed: %s", final.State)
	}
}

func TestClearProcessInfoRequiresTerminalState(t *testing.T) {
	activator := newFakeActivator(mbrace.SuccessResult([]byte("42")))
	interp := scheduler.NewInterpreter(activator.Resolve)
	blobs := &fakeBlobStore{}
	pm := New(interp, activator, blobs, nil, Config{})
	defer pm.Close()

	record, err := pm.CreateDynamicProcess("clear-req", mbrace.ProcessImage{Name: "job", Body: leafBody(t)})
	if err != nil {
		t.Fatalf("CreateDynamicProcess: %v", err)
	}

	if err := pm.ClearProcessInfo(record.Id); err == nil {
		t.Fatalf("expected an error clearing a non-terminal process")
	}

	waitForTerminal(t, pm, record.Id)
	if err := pm.ClearProcessInfo(record.Id); err != nil {
		t.Fatalf("ClearProcessInfo after completion: %v", err)
	}
	if _, ok := pm.GetProcessInfo(record.Id); ok {
		t.Fatalf("expected the record to be gone after ClearProcessInfo")
	}
}

func TestCreateDynamicProcessSurfacesActivationError(t *testing.T) {
	activator := newFakeActivator(mbrace.SuccessResult(nil))
	activator.activateErr = &testActivationFailure{}
	interp := scheduler.NewInterpreter(activator.Resolve)
	pm := New(interp, activator, &fakeBlobStore{}, nil, Config{})
	defer pm.Close()

	_, err := pm.CreateDynamicProcess("act-fail", mbrace.ProcessImage{Name: "job", Body: leafBody(t)})
	if err == nil {
		t.Fatalf("expected an activation error")
	}
}

type testActivationFailure struct{}

func (e *testActivationFailure) Error() string { return "simulated activation failure" }
