package processmanager

import (
	"sync"

	"github.com/Codesmith28/mbrace/pkg/mbrace"
	"github.com/Codesmith28/mbrace/pkg/metrics"
	"github.com/Codesmith28/mbrace/pkg/scheduler"
	"github.com/Codesmith28/mbrace/pkg/tasklog"
	"github.com/Codesmith28/mbrace/pkg/taskmanager"
	"github.com/Codesmith28/mbrace/pkg/workerpool"
)

// DefaultActivator is the in-process constructor spec §4.4's "cluster-
// activation service" reduces to in a single-binary deployment: standing
// up a Task Manager is direct construction, not a distributed primitive.
// It also owns the registry its Resolve method (a
// scheduler.ProcessDispatcher) looks processes up in, since the Interpreter is a single cluster-wide actor serving
// every process by id.
type DefaultActivator struct {
	log     *tasklog.TaskLog
	pool    *workerpool.Pool
	client  taskmanager.WorkerClient
	metrics *metrics.Collector
	cfg     taskmanager.Config

	mu          sync.RWMutex
	dispatchers map[mbrace.ProcessId]scheduler.Dispatcher
}

// NewDefaultActivator builds an Activator sharing one Task Log, Worker
// Pool, and worker client across every process it activates, matching
// spec §5's "the only shared resource is the replicated Task Log" model.
func NewDefaultActivator(log *tasklog.TaskLog, pool *workerpool.Pool, client taskmanager.WorkerClient, collector *metrics.Collector, cfg taskmanager.Config) *DefaultActivator {
	return &DefaultActivator{
		log:         log,
		pool:        pool,
		client:      client,
		metrics:     collector,
		cfg:         cfg,
		dispatchers: make(map[mbrace.ProcessId]scheduler.Dispatcher),
	}
}

// Resolve is the scheduler.ProcessDispatcher cmd/mbrace-master wires into
// scheduler.NewInterpreter at startup.
func (a *DefaultActivator) Resolve(processId mbrace.ProcessId) (scheduler.Dispatcher, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	d, ok := a.dispatchers[processId]
	return d, ok
}

// Activate satisfies processmanager.Activator.
func (a *DefaultActivator) Activate(processId mbrace.ProcessId) (TaskManager, error) {
	tm := taskmanager.New(processId, a.log, a.pool, a.client, a.metrics, a.cfg)

	a.mu.Lock()
	a.dispatchers[processId] = tm
	a.mu.Unlock()

	return tm, nil
}

// Deactivate satisfies processmanager.Activator.
func (a *DefaultActivator) Deactivate(processId mbrace.ProcessId) {
	a.mu.Lock()
	delete(a.dispatchers, processId)
	a.mu.Unlock()
}

// ReportTaskResult routes a worker's reported result to the Task Manager
// activated for processId, called by the master's worker-facing RPC
// handler once a task finishes. Reports for an unknown or already
// deactivated process are dropped, matching TaskManager.TaskResult's own
// drop-if-not-logged behavior for stragglers.
func (a *DefaultActivator) ReportTaskResult(processId mbrace.ProcessId, taskId mbrace.TaskId, result mbrace.Result) bool {
	a.mu.RLock()
	d, ok := a.dispatchers[processId]
	a.mu.RUnlock()
	if !ok {
		return false
	}
	tm, ok := d.(*taskmanager.TaskManager)
	if !ok {
		return false
	}
	tm.TaskResult(taskId, result)
	return true
}

// RecoverAll notifies every currently activated process that workerId
// failed, called from the Worker Pool's FailureEvent subscriber loop
// (spec §4.2: recovery is broadcast to every process, since a dead worker
// may have owned tasks for several of them at once).
func (a *DefaultActivator) RecoverAll(workerId string) {
	a.mu.RLock()
	tms := make([]*taskmanager.TaskManager, 0, len(a.dispatchers))
	for _, d := range a.dispatchers {
		if tm, ok := d.(*taskmanager.TaskManager); ok {
			tms = append(tms, tm)
		}
	}
	a.mu.RUnlock()

	for _, tm := range tms {
		tm.Recover(workerId)
	}
}
