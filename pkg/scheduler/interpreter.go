package scheduler

import (
	"encoding/json"
	"sync"

	"github.com/Codesmith28/mbrace/pkg/mbrace"
	"github.com/Codesmith28/mbrace/pkg/mlog"
)

// Dispatcher is the slice of taskmanager.TaskManager the Interpreter
// drives. Defined here rather than imported so pkg/taskmanager never
// needs to import pkg/scheduler: taskmanager.TaskManager satisfies this
// interface structurally.
type Dispatcher interface {
	CreateRootTask(body []byte, deps mbrace.DependencyManifest) (mbrace.TaskId, error)
	CreateRootTasks(bodies [][]byte, deps mbrace.DependencyManifest) ([]mbrace.TaskId, error)
	CreateTasks(parentTaskId mbrace.TaskId, bodies [][]byte, deps mbrace.DependencyManifest) ([]mbrace.TaskId, error)
	LeafTaskComplete(taskId mbrace.TaskId)
	FinalTaskComplete(taskId mbrace.TaskId) error
	CancelSiblingTasks(taskId mbrace.TaskId) error
}

// ProcessDispatcher resolves the Dispatcher that owns a given process, so
// one Interpreter can serve every process in the cluster.
type ProcessDispatcher func(processId mbrace.ProcessId) (Dispatcher, bool)

// continuation receives the result of the task it is registered against
// and decides what happens next: settle a Parallel slot, feed a Bind's
// Continue, or resolve a Choice.
type continuation func(taskId mbrace.TaskId, result mbrace.Result)

// parallelState aggregates results for one in-flight Parallel node.
type parallelState struct {
	mu       sync.Mutex
	results  []mbrace.Result
	pending  int
	resolved bool
}

// choiceState aggregates results for one in-flight Choice node: the first
// success wins, every other branch is cancelled.
type choiceState struct {
	mu        sync.Mutex
	lastFault mbrace.Result
	pending   int
	resolved  bool
	onDone    continuation
}

// processState holds per-process bookkeeping: the dependency manifest the
// process was submitted with and the live continuation map correlating a
// dispatched TaskId to what happens when its result arrives.
type processState struct {
	mu      sync.Mutex
	deps    mbrace.DependencyManifest
	pending map[mbrace.TaskId]continuation
	onFinal func(mbrace.Result)
}

// Interpreter is the Scheduler of spec.md §4.5: it owns no network
// surface of its own. The Process Manager calls NewProcess once the
// process's Task Manager is activated, and the Task Manager calls
// TaskResult for every worker reply. Expr evaluation (deciding which node is a Leaf vs. a combinator)
// happens locally in the Interpreter; only Leaf bodies ever cross the
// wire to a worker.
type Interpreter struct {
	resolve ProcessDispatcher

	mu        sync.Mutex
	processes map[mbrace.ProcessId]*processState
}

// NewInterpreter creates a cluster-wide Scheduler. resolve looks up the
// Task Manager owning a given process; cmd/mbrace-master passes
// processmanager.DefaultActivator.Resolve, a lookup in the activator's
// per-process registry.
func NewInterpreter(resolve ProcessDispatcher) *Interpreter {
	return &Interpreter{
		resolve:   resolve,
		processes: make(map[mbrace.ProcessId]*processState),
	}
}

// NewProcess begins evaluating root for processId. onFinal is invoked
// exactly once, with the process's final Result, when root (and every
// descendant it spawns) has completed.
func (in *Interpreter) NewProcess(processId mbrace.ProcessId, root Expr, deps mbrace.DependencyManifest, onFinal func(mbrace.Result)) {
	ps := &processState{
		deps:    deps,
		pending: make(map[mbrace.TaskId]continuation),
		onFinal: onFinal,
	}
	in.mu.Lock()
	in.processes[processId] = ps
	in.mu.Unlock()

	dispatcher, ok := in.resolve(processId)
	if !ok {
		mlog.Component("scheduler").Error().Str("process_id", string(processId)).
			Msg("NewProcess called for an unknown process")
		return
	}

	in.evalRoot(processId, dispatcher, ps, root, func(result mbrace.Result) {
		ps.onFinal(result)
	})
}

// CloseProcess drops per-process bookkeeping once a process has reached a
// terminal state, called by the Process Manager's KillProcess and by its
// ClearProcessInfo/ClearAllProcessInfo so a long-lived cluster does not accumulate state for
// every process it has ever run.
func (in *Interpreter) CloseProcess(processId mbrace.ProcessId) {
	in.mu.Lock()
	delete(in.processes, processId)
	in.mu.Unlock()
}

// TaskResult implements taskmanager.Scheduler: it is called once per
// worker reply and dispatches to whichever continuation is pending for
// taskId. A result with no pending continuation is a late straggler from
// an already-resolved Choice and is ignored.
func (in *Interpreter) TaskResult(processId mbrace.ProcessId, taskId mbrace.TaskId, result mbrace.Result) {
	in.mu.Lock()
	ps, ok := in.processes[processId]
	in.mu.Unlock()
	if !ok {
		return
	}

	ps.mu.Lock()
	cont, ok := ps.pending[taskId]
	if ok {
		delete(ps.pending, taskId)
	}
	ps.mu.Unlock()
	if !ok {
		return
	}
	cont(taskId, result)
}

// evalRoot evaluates the top of a process's Expr tree, where there is no
// parent task to unlog once children are dispatched.
func (in *Interpreter) evalRoot(processId mbrace.ProcessId, d Dispatcher, ps *processState, e Expr, k continuation1) {
	switch n := e.(type) {
	case Leaf:
		taskId, err := d.CreateRootTask(n.Body, ps.deps)
		if err != nil {
			k(mbrace.FaultResult(err.Error()))
			return
		}
		// A bare Leaf at the root of a process is, by construction, its
		// one and only task: its completion is the process's completion,
		// so the log entry is retired synchronously rather than async.
		in.await(ps, taskId, func(_ mbrace.TaskId, result mbrace.Result) {
			if err := d.FinalTaskComplete(taskId); err != nil {
				mlog.Component("scheduler").Warn().Err(err).Str("task_id", string(taskId)).
					Msg("final unlog failed")
			}
			k(result)
		})

	case Parallel:
		in.evalParallelAtRoot(processId, d, ps, n, k)

	case Choice:
		in.evalChoiceAtRoot(processId, d, ps, n, k)

	case Bind:
		in.evalRoot(processId, d, ps, n.First, func(first mbrace.Result) {
			if first.Kind != mbrace.ResultSuccess {
				k(first)
				return
			}
			in.evalChild(processId, d, ps, "", n.Continue(first), k)
		})

	default:
		k(mbrace.FaultResult("scheduler: unknown expression node"))
	}
}

// continuation1 is a single-value completion callback, distinct from the
// per-task continuation map entry: it is what an Expr subtree reports its
// own resolved Result to, once every task it spawned has settled.
type continuation1 func(mbrace.Result)

func (in *Interpreter) evalParallelAtRoot(processId mbrace.ProcessId, d Dispatcher, ps *processState, n Parallel, k continuation1) {
	leaves, rest := splitLeaves(n.Children)
	if len(rest) > 0 {
		// A root Parallel with non-Leaf children degrades to dispatching
		// each child as its own root-level subtree, still concurrently.
		in.evalHeterogeneousParallel(processId, d, ps, n.Children, k)
		return
	}
	if len(leaves) == 0 {
		k(mbrace.SuccessResult(nil))
		return
	}

	bodies := make([][]byte, len(leaves))
	for i, l := range leaves {
		bodies[i] = l.Body
	}
	taskIds, err := d.CreateRootTasks(bodies, ps.deps)
	if err != nil {
		k(mbrace.FaultResult(err.Error()))
		return
	}
	in.awaitAll(ps, d, taskIds, k)
}

func (in *Interpreter) evalChoiceAtRoot(processId mbrace.ProcessId, d Dispatcher, ps *processState, n Choice, k continuation1) {
	leaves, rest := splitLeaves(n.Branches)
	if len(rest) > 0 {
		in.evalHeterogeneousChoice(processId, d, ps, n.Branches, k)
		return
	}
	if len(leaves) == 0 {
		k(mbrace.SuccessResult(nil))
		return
	}

	bodies := make([][]byte, len(leaves))
	for i, l := range leaves {
		bodies[i] = l.Body
	}
	taskIds, err := d.CreateRootTasks(bodies, ps.deps)
	if err != nil {
		k(mbrace.FaultResult(err.Error()))
		return
	}
	in.awaitFirstSuccess(d, ps, taskIds, k)
}

// evalChild evaluates e as a child of parentTaskId: a Leaf becomes a real
// child task via CreateTasks; combinators recurse, threading parentTaskId
// down to whichever Leaf eventually anchors them.
func (in *Interpreter) evalChild(processId mbrace.ProcessId, d Dispatcher, ps *processState, parentTaskId mbrace.TaskId, e Expr, k continuation1) {
	switch n := e.(type) {
	case Leaf:
		taskIds, err := d.CreateTasks(parentTaskId, [][]byte{n.Body}, ps.deps)
		if err != nil {
			k(mbrace.FaultResult(err.Error()))
			return
		}
		in.awaitLeaf(d, ps, taskIds[0], k)

	case Parallel:
		leaves, rest := splitLeaves(n.Children)
		if len(rest) > 0 || len(leaves) == 0 {
			in.evalHeterogeneousParallel(processId, d, ps, n.Children, k)
			return
		}
		bodies := make([][]byte, len(leaves))
		for i, l := range leaves {
			bodies[i] = l.Body
		}
		taskIds, err := d.CreateTasks(parentTaskId, bodies, ps.deps)
		if err != nil {
			k(mbrace.FaultResult(err.Error()))
			return
		}
		in.awaitAll(ps, d, taskIds, k)

	case Choice:
		leaves, rest := splitLeaves(n.Branches)
		if len(rest) > 0 || len(leaves) == 0 {
			in.evalHeterogeneousChoice(processId, d, ps, n.Branches, k)
			return
		}
		bodies := make([][]byte, len(leaves))
		for i, l := range leaves {
			bodies[i] = l.Body
		}
		taskIds, err := d.CreateTasks(parentTaskId, bodies, ps.deps)
		if err != nil {
			k(mbrace.FaultResult(err.Error()))
			return
		}
		in.awaitFirstSuccess(d, ps, taskIds, k)

	case Bind:
		in.evalChild(processId, d, ps, parentTaskId, n.First, func(first mbrace.Result) {
			if first.Kind != mbrace.ResultSuccess {
				k(first)
				return
			}
			in.evalChild(processId, d, ps, parentTaskId, n.Continue(first), k)
		})

	default:
		k(mbrace.FaultResult("scheduler: unknown expression node"))
	}
}

// evalHeterogeneousParallel handles a Parallel whose children are not all
// bare Leaf nodes (nested Bind/Choice/Parallel): each child is evaluated
// as its own root-level subtree concurrently, aggregated the same as a
// leaf-only Parallel.
func (in *Interpreter) evalHeterogeneousParallel(processId mbrace.ProcessId, d Dispatcher, ps *processState, children []Expr, k continuation1) {
	if len(children) == 0 {
		k(mbrace.SuccessResult(nil))
		return
	}
	state := &parallelState{results: make([]mbrace.Result, len(children)), pending: len(children)}
	for i, child := range children {
		i, child := i, child
		go in.evalRoot(processId, d, ps, child, func(r mbrace.Result) {
			state.mu.Lock()
			state.results[i] = r
			state.pending--
			done := state.pending == 0 && !state.resolved
			if done {
				state.resolved = true
			}
			results := state.results
			state.mu.Unlock()
			if done {
				k(aggregate(results))
			}
		})
	}
}

func (in *Interpreter) evalHeterogeneousChoice(processId mbrace.ProcessId, d Dispatcher, ps *processState, branches []Expr, k continuation1) {
	if len(branches) == 0 {
		k(mbrace.SuccessResult(nil))
		return
	}
	var mu sync.Mutex
	resolved := false
	remaining := len(branches)
	var lastFault mbrace.Result

	for _, branch := range branches {
		branch := branch
		go in.evalRoot(processId, d, ps, branch, func(r mbrace.Result) {
			mu.Lock()
			defer mu.Unlock()
			remaining--
			if resolved {
				return
			}
			if r.Kind == mbrace.ResultSuccess {
				resolved = true
				k(r)
				return
			}
			lastFault = r
			if remaining == 0 {
				resolved = true
				k(lastFault)
			}
		})
	}
}

// await registers a single continuation for taskId.
func (in *Interpreter) await(ps *processState, taskId mbrace.TaskId, cont continuation) {
	ps.mu.Lock()
	ps.pending[taskId] = cont
	ps.mu.Unlock()
}

// awaitLeaf registers taskId's continuation and retires its log entry as
// soon as the result is captured: a Leaf that is not the root of its
// process never gets another chance to be unlogged, since nothing else
// references it once its result has been consumed.
func (in *Interpreter) awaitLeaf(d Dispatcher, ps *processState, taskId mbrace.TaskId, k continuation1) {
	in.await(ps, taskId, func(_ mbrace.TaskId, result mbrace.Result) {
		d.LeafTaskComplete(taskId)
		k(result)
	})
}

// awaitAll registers a continuation per taskId and reports the aggregate
// Result once every one has settled, in the same order as taskIds.
func (in *Interpreter) awaitAll(ps *processState, d Dispatcher, taskIds []mbrace.TaskId, k continuation1) {
	if len(taskIds) == 0 {
		k(mbrace.SuccessResult(nil))
		return
	}
	state := &parallelState{results: make([]mbrace.Result, len(taskIds)), pending: len(taskIds)}
	for i, taskId := range taskIds {
		i, taskId := i, taskId
		in.await(ps, taskId, func(_ mbrace.TaskId, r mbrace.Result) {
			d.LeafTaskComplete(taskId)
			state.mu.Lock()
			state.results[i] = r
			state.pending--
			done := state.pending == 0
			results := state.results
			state.mu.Unlock()
			if done {
				k(aggregate(results))
			}
		})
	}
}

// awaitFirstSuccess resolves a Choice: the first successful result wins
// and every other sibling task is cancelled via CancelSiblingTasks.
func (in *Interpreter) awaitFirstSuccess(d Dispatcher, ps *processState, taskIds []mbrace.TaskId, k continuation1) {
	if len(taskIds) == 0 {
		k(mbrace.SuccessResult(nil))
		return
	}
	state := &choiceState{pending: len(taskIds), onDone: func(_ mbrace.TaskId, r mbrace.Result) { k(r) }}
	for _, taskId := range taskIds {
		taskId := taskId
		in.await(ps, taskId, func(_ mbrace.TaskId, r mbrace.Result) {
			state.mu.Lock()
			if state.resolved {
				state.mu.Unlock()
				return
			}
			if r.Kind == mbrace.ResultSuccess {
				state.resolved = true
				state.mu.Unlock()
				if err := d.CancelSiblingTasks(taskId); err != nil {
					mlog.Component("scheduler").Warn().Err(err).Str("task_id", string(taskId)).
						Msg("failed to cancel losing choice branches")
				}
				state.onDone(taskId, r)
				return
			}
			state.lastFault = r
			state.pending--
			done := state.pending == 0
			fault := state.lastFault
			if done {
				state.resolved = true
			}
			state.mu.Unlock()
			if done {
				state.onDone(taskId, fault)
			}
		})
	}
}

// splitLeaves separates bare Leaf nodes from everything else, preserving
// order within each group is not required: callers only use leaves when
// rest is empty.
func splitLeaves(nodes []Expr) (leaves []Leaf, rest []Expr) {
	for _, n := range nodes {
		if l, ok := n.(Leaf); ok {
			leaves = append(leaves, l)
		} else {
			rest = append(rest, n)
		}
	}
	return leaves, rest
}

// aggregate combines a Parallel's per-child results into one Result: any
// fault anywhere fails the whole group, matching spec.md §4.5's "a single
// faulted child faults the Parallel" rule.
func aggregate(results []mbrace.Result) mbrace.Result {
	for _, r := range results {
		if r.Kind != mbrace.ResultSuccess {
			return r
		}
	}
	values := make([][]byte, len(results))
	for i, r := range results {
		values[i] = r.Value
	}
	return mbrace.SuccessResult(encodeValues(values))
}

// encodeValues wraps a Parallel's ordered child values into one JSON
// array, the wire shape a Bind's Continue closure sees as its input.
func encodeValues(values [][]byte) []byte {
	raw := make([]json.RawMessage, len(values))
	for i, v := range values {
		if v == nil {
			raw[i] = json.RawMessage("null")
			continue
		}
		raw[i] = json.RawMessage(v)
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	return encoded
}
