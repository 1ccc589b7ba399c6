package scheduler

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Codesmith28/mbrace/pkg/mbrace"
)

// fakeDispatcher is an in-memory stand-in for taskmanager.TaskManager: it
// "dispatches" a Leaf by handing the test its TaskId via a channel, and
// the test drives completion by calling the Interpreter's TaskResult. Cancellation and unlog
// are recorded for assertions.
type fakeDispatcher struct {
	mu        sync.Mutex
	parents   map[mbrace.TaskId]mbrace.TaskId
	siblings  map[mbrace.TaskId][]mbrace.TaskId
	cancelled []mbrace.TaskId
	completed []mbrace.TaskId
	finalized []mbrace.TaskId
	nextId    int
	onDispatch func(taskId mbrace.TaskId, body []byte)
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		parents:  make(map[mbrace.TaskId]mbrace.TaskId),
		siblings: make(map[mbrace.TaskId][]mbrace.TaskId),
	}
}

func (f *fakeDispatcher) newId() mbrace.TaskId {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextId++
	return mbrace.TaskId(fmt.Sprintf("t-%d", f.nextId))
}

func (f *fakeDispatcher) CreateRootTask(body []byte, deps mbrace.DependencyManifest) (mbrace.TaskId, error) {
	id := f.newId()
	if f.onDispatch != nil {
		f.onDispatch(id, body)
	}
	return id, nil
}

func (f *fakeDispatcher) CreateRootTasks(bodies [][]byte, deps mbrace.DependencyManifest) ([]mbrace.TaskId, error) {
	ids := make([]mbrace.TaskId, len(bodies))
	for i, b := range bodies {
		ids[i] = f.newId()
		f.mu.Lock()
		f.siblings[""] = append(f.siblings[""], ids[i])
		f.mu.Unlock()
		if f.onDispatch != nil {
			f.onDispatch(ids[i], b)
		}
	}
	f.mu.Lock()
	for _, id := range ids {
		f.parents[id] = ""
	}
	f.mu.Unlock()
	return ids, nil
}

func (f *fakeDispatcher) CreateTasks(parentTaskId mbrace.TaskId, bodies [][]byte, deps mbrace.DependencyManifest) ([]mbrace.TaskId, error) {
	ids := make([]mbrace.TaskId, len(bodies))
	f.mu.Lock()
	for i, b := range bodies {
		id := f.newId()
		ids[i] = id
		f.parents[id] = parentTaskId
		f.siblings[parentTaskId] = append(f.siblings[parentTaskId], id)
		if f.onDispatch != nil {
			f.mu.Unlock()
			f.onDispatch(id, b)
			f.mu.Lock()
		}
	}
	f.mu.Unlock()
	return ids, nil
}

func (f *fakeDispatcher) LeafTaskComplete(taskId mbrace.TaskId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, taskId)
}

func (f *fakeDispatcher) FinalTaskComplete(taskId mbrace.TaskId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, taskId)
	return nil
}

func (f *fakeDispatcher) CancelSiblingTasks(taskId mbrace.TaskId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	parent := f.parents[taskId]
	f.cancelled = append(f.cancelled, f.siblings[parent]...)
	return nil
}

func newTestInterpreter(d *fakeDispatcher) *Interpreter {
	return NewInterpreter(func(mbrace.ProcessId) (Dispatcher, bool) { return d, true })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition never became true")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHappyPathSingleLeaf(t *testing.T) {
	d := newFakeDispatcher()
	in := newTestInterpreter(d)

	var final mbrace.Result
	var gotFinal bool
	var mu sync.Mutex

	d.onDispatch = func(taskId mbrace.TaskId, body []byte) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			in.TaskResult("p1", taskId, mbrace.SuccessResult([]byte("ok")))
		}()
	}

	in.NewProcess("p1", Leaf{Body: []byte("work")}, nil, func(r mbrace.Result) {
		mu.Lock()
		final, gotFinal = r, true
		mu.Unlock()
	})

	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return gotFinal })
	if final.Kind != mbrace.ResultSuccess {
		t.Fatalf("expected success, got %+v", final)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.finalized) != 1 {
		t.Fatalf("expected exactly one FinalTaskComplete call, got %d", len(d.finalized))
	}
	if len(d.completed) != 0 {
		t.Fatalf("a bare root Leaf should use FinalTaskComplete, not LeafTaskComplete")
	}
}

func TestParallelFanOutOfFive(t *testing.T) {
	d := newFakeDispatcher()
	in := newTestInterpreter(d)

	children := make([]Expr, 5)
	for i := range children {
		children[i] = Leaf{Body: []byte(fmt.Sprintf("child-%d", i))}
	}

	d.onDispatch = func(taskId mbrace.TaskId, body []byte) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			in.TaskResult("p2", taskId, mbrace.SuccessResult([]byte("done")))
		}()
	}

	var final mbrace.Result
	var gotFinal bool
	var mu sync.Mutex

	in.NewProcess("p2", Parallel{Children: children}, nil, func(r mbrace.Result) {
		mu.Lock()
		final, gotFinal = r, true
		mu.Unlock()
	})

	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return gotFinal })
	if final.Kind != mbrace.ResultSuccess {
		t.Fatalf("expected success, got %+v", final)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.siblings[""]) != 5 {
		t.Fatalf("expected all 5 children logged atomically as one root wave, got %d", len(d.siblings[""]))
	}
}

func TestBindSequencesOnParentResult(t *testing.T) {
	d := newFakeDispatcher()
	in := newTestInterpreter(d)

	d.onDispatch = func(taskId mbrace.TaskId, body []byte) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			in.TaskResult("p3", taskId, mbrace.SuccessResult(body))
		}()
	}

	expr := Bind{
		First: Leaf{Body: []byte("first")},
		Continue: func(r mbrace.Result) Expr {
			return Leaf{Body: append([]byte("then-"), r.Value...)}
		},
	}

	var final mbrace.Result
	var gotFinal bool
	var mu sync.Mutex

	in.NewProcess("p3", expr, nil, func(r mbrace.Result) {
		mu.Lock()
		final, gotFinal = r, true
		mu.Unlock()
	})

	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return gotFinal })
	if string(final.Value) != "then-first" {
		t.Fatalf("expected continuation to see first's result, got %q", final.Value)
	}
}

func TestChoiceCancelsLosingBranches(t *testing.T) {
	d := newFakeDispatcher()
	in := newTestInterpreter(d)

	var winner mbrace.TaskId
	var mu sync.Mutex
	d.onDispatch = func(taskId mbrace.TaskId, body []byte) {
		mu.Lock()
		first := winner == ""
		if first {
			winner = taskId
		}
		mu.Unlock()
		if first {
			go func() {
				time.Sleep(10 * time.Millisecond)
				in.TaskResult("p4", taskId, mbrace.SuccessResult([]byte("winner")))
			}()
		}
		// Losing branches never deliver a result; they're expected to be
		// cancelled once the winner is known.
	}

	branches := []Expr{
		Leaf{Body: []byte("a")},
		Leaf{Body: []byte("b")},
		Leaf{Body: []byte("c")},
	}

	var final mbrace.Result
	var gotFinal bool
	in.NewProcess("p4", Choice{Branches: branches}, nil, func(r mbrace.Result) {
		mu.Lock()
		final, gotFinal = r, true
		mu.Unlock()
	})

	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return gotFinal })
	if final.Kind != mbrace.ResultSuccess {
		t.Fatalf("expected the winning branch's result, got %+v", final)
	}

	waitFor(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.cancelled) == 3
	})
}

func TestParallelFaultsWholeGroupOnAnyChildFault(t *testing.T) {
	d := newFakeDispatcher()
	in := newTestInterpreter(d)

	i := 0
	d.onDispatch = func(taskId mbrace.TaskId, body []byte) {
		d.mu.Lock()
		idx := i
		i++
		d.mu.Unlock()
		if idx == 1 {
			go func() {
				time.Sleep(10 * time.Millisecond)
				in.TaskResult("p5", taskId, mbrace.FaultResult("boom"))
			}()
			return
		}
		go func() {
			time.Sleep(10 * time.Millisecond)
			in.TaskResult("p5", taskId, mbrace.SuccessResult([]byte("ok")))
		}()
	}

	children := []Expr{Leaf{Body: []byte("a")}, Leaf{Body: []byte("b")}, Leaf{Body: []byte("c")}}

	var final mbrace.Result
	var gotFinal bool
	var mu sync.Mutex
	in.NewProcess("p5", Parallel{Children: children}, nil, func(r mbrace.Result) {
		mu.Lock()
		final, gotFinal = r, true
		mu.Unlock()
	})

	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return gotFinal })
	if final.Kind != mbrace.ResultFault {
		t.Fatalf("expected the group to fault when any child faults, got %+v", final)
	}
}
