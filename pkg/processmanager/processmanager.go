// Package processmanager implements the Process Manager (spec §4.4): the
// cluster-singleton actor responsible for admission, identity allocation,
// per-process activation, and client-facing query/control. Built on
// pkg/actor.Mailbox, the same actor-style primitive the Task Manager and
// Scheduler use, so the process table serializes exactly like any other
// actor's state (spec §5).
package processmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Codesmith28/mbrace/pkg/actor"
	"github.com/Codesmith28/mbrace/pkg/mbrace"
	"github.com/Codesmith28/mbrace/pkg/mbraceerr"
	"github.com/Codesmith28/mbrace/pkg/metrics"
	"github.com/Codesmith28/mbrace/pkg/mlog"
	"github.com/Codesmith28/mbrace/pkg/scheduler"
	"github.com/Codesmith28/mbrace/pkg/taskmanager"
)

// TaskManager is the slice of taskmanager.TaskManager the Process Manager
// drives directly: scheduler wiring on activation, cancellation on kill,
// and introspection.
// *taskmanager.TaskManager satisfies it exactly.
type TaskManager interface {
	SetScheduler(s taskmanager.Scheduler)
	CancelAllTasks() error
	GetActiveTaskCount() int
	GetTaskLogSnapshot() []mbrace.TaskLogEntry
	Close()
}

// Activator stands up and tears down the per-process Task Manager for a
// newly created process. The "cluster-activation service" of spec §4.4 is
// itself out of scope as a distributed primitive; in a single-binary
// deployment this is direct construction, so the interface exists only to
// keep the Process Manager from depending on taskmanager/workerpool/
// tasklog construction details.
type Activator interface {
	Activate(processId mbrace.ProcessId) (TaskManager, error)
	Deactivate(processId mbrace.ProcessId)
}

// BlobStore is the slice of blobstore.Store the Process Manager needs:
// best-effort cleanup on create and real cleanup on clear. *blobstore.Store
// satisfies it exactly; tests substitute an in-memory fake.
type BlobStore interface {
	Delete(ctx context.Context, key string) error
}

// FailClusterFunc signals cluster-wide failure once a system fault is
// triggered (spec §7: triggerSystemFault's final step). The cluster
// manager supplies the real implementation; nil is a valid no-op for
// single-node deployments.
type FailClusterFunc func(reason error)

// Config tunes the Process Manager's mailbox and fault signaling.
type Config struct {
	MailboxDepth int
	OnFailCluster FailClusterFunc
}

func (c Config) withDefaults() Config {
	if c.MailboxDepth == 0 {
		c.MailboxDepth = 256
	}
	if c.OnFailCluster == nil {
		c.OnFailCluster = func(error) {}
	}
	return c
}

// ProcessManager is the cluster-singleton admission controller (spec
// §4.4). One instance exists per cluster; it owns the ProcessRecord table
// and the requestId dedup index realizing the "exactly one ProcessId per
// requestId" testable property (spec §8).
type ProcessManager struct {
	mb          *actor.Mailbox
	interpreter *scheduler.Interpreter
	activator   Activator
	blobs       BlobStore
	metrics     *metrics.Collector
	cfg         Config

	records   map[mbrace.ProcessId]*mbrace.ProcessRecord
	taskMgrs  map[mbrace.ProcessId]TaskManager
	dedup     map[mbrace.ClientRequestId]mbrace.ProcessId
	deactivated bool
}

// New creates a Process Manager. interpreter drives every activated
// process's Scheduler; activator stands up each process's Task Manager.
func New(interpreter *scheduler.Interpreter, activator Activator, blobs BlobStore, collector *metrics.Collector, cfg Config) *ProcessManager {
	cfg = cfg.withDefaults()
	return &ProcessManager{
		mb:          actor.NewMailbox(cfg.MailboxDepth),
		interpreter: interpreter,
		activator:   activator,
		blobs:       blobs,
		metrics:     collector,
		cfg:         cfg,
		records:     make(map[mbrace.ProcessId]*mbrace.ProcessRecord),
		taskMgrs:    make(map[mbrace.ProcessId]TaskManager),
		dedup:       make(map[mbrace.ClientRequestId]mbrace.ProcessId),
	}
}

// Close stops the underlying mailbox.
func (pm *ProcessManager) Close() {
	pm.mb.Close()
}

func newProcessId() mbrace.ProcessId {
	return mbrace.ProcessId(uuid.NewString())
}

// CreateDynamicProcess is idempotent per requestId (spec §4.4, §8
// scenario 4): a second concurrent submission with the same requestId
// never allocates a second ProcessId, it observes the first's record.
func (pm *ProcessManager) CreateDynamicProcess(requestId mbrace.ClientRequestId, image mbrace.ProcessImage) (*mbrace.ProcessRecord, error) {
	return actor.Ask(pm.mb, func(reply chan<- createResult) {
		pm.handleCreate(reply, requestId, image)
	}).unpack()
}

type createResult struct {
	record *mbrace.ProcessRecord
	err    error
}

func (r createResult) unpack() (*mbrace.ProcessRecord, error) { return r.record, r.err }

// handleCreate runs every submission through triggerSystemFault's net: an
// unexpected panic anywhere in activation or dispatch is the "any other
// exception, unhandled" bucket of spec §7's error-mapping policy, and is
// escalated rather than left to crash the actor's single goroutine.
func (pm *ProcessManager) handleCreate(reply chan<- createResult, requestId mbrace.ClientRequestId, image mbrace.ProcessImage) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("processmanager: unexpected panic in CreateDynamicProcess: %v", r)
			pm.triggerSystemFault(err)
			reply <- createResult{err: &mbraceerr.SystemFault{Err: err}}
		}
	}()

	if pm.deactivated {
		reply <- createResult{err: &mbraceerr.SystemFault{Err: fmt.Errorf("processmanager: deactivated after a prior system fault")}}
		return
	}

	if existing, ok := pm.dedup[requestId]; ok {
		reply <- createResult{record: cloneRecord(pm.records[existing])}
		return
	}

	expr, err := scheduler.CompileBody(image.Body)
	if err != nil {
		processId := newProcessId()
		initErr := mbrace.InitErrorResult(err.Error())
		pm.records[processId] = &mbrace.ProcessRecord{
			Id:         processId,
			RequestId:  requestId,
			Name:       image.Name,
			ReturnType: image.ReturnType,
			Deps:       image.Deps,
			State:      mbrace.ProcessFailed,
			InitTime:   now(),
			Result:     &initErr,
		}
		pm.dedup[requestId] = processId
		reply <- createResult{err: err}
		return
	}

	processId := newProcessId()
	record := &mbrace.ProcessRecord{
		Id:         processId,
		RequestId:  requestId,
		Name:       image.Name,
		ReturnType: image.ReturnType,
		Deps:       image.Deps,
		State:      mbrace.ProcessInitialized,
		InitTime:   now(),
	}
	pm.records[processId] = record
	pm.dedup[requestId] = processId

	// Best-effort cleanup of prior log artifacts under this id. Vestigial
	// by spec §9's design note: a freshly allocated id has nothing to
	// clean up, so real cleanup lives in ClearProcessInfo instead; this
	// call exists only because the source does it here too, and a stale
	// key collision is not impossible given id reuse across deployments.
	go func() {
		if err := pm.blobs.Delete(context.Background(), string(processId)); err != nil {
			mlog.Component("processmanager").Debug().Err(err).Str("process_id", string(processId)).
				Msg("best-effort pre-creation blob cleanup found nothing or failed")
		}
	}()

	tm, err := pm.activator.Activate(processId)
	if err != nil {
		record.State = mbrace.ProcessFailed
		reply <- createResult{err: &mbraceerr.ActivationError{Err: fmt.Errorf("processmanager: failed to activate process %s: %w", processId, err)}}
		return
	}
	pm.taskMgrs[processId] = tm
	tm.SetScheduler(pm.interpreter)

	record.State = mbrace.ProcessCreated
	record.ExecTime = now()

	pm.interpreter.NewProcess(processId, expr, image.Deps, func(result mbrace.Result) {
		pm.mb.Send(func() { pm.settleProcess(processId, result) })
	})
	record.State = mbrace.ProcessRunning

	if pm.metrics != nil {
		pm.metrics.SetActiveProcesses(pm.countNonTerminalLocked())
	}

	reply <- createResult{record: cloneRecord(record)}
}

// settleProcess runs on the Process Manager's own mailbox, invoked by the
// Interpreter's onFinal callback once a process's root expression
// completes. Kill racing a genuine completion is resolved by Killed
// taking priority: once a record is terminal-Killed it never moves again.
func (pm *ProcessManager) settleProcess(processId mbrace.ProcessId, result mbrace.Result) {
	record, ok := pm.records[processId]
	if !ok || record.State == mbrace.ProcessKilled {
		return
	}

	record.Result = &result
	switch result.Kind {
	case mbrace.ResultSuccess:
		record.State = mbrace.ProcessCompleted
		if pm.metrics != nil {
			pm.metrics.RecordProcessCompleted()
		}
	case mbrace.ResultKilled:
		record.State = mbrace.ProcessKilled
		if pm.metrics != nil {
			pm.metrics.RecordProcessKilled()
		}
	default:
		record.State = mbrace.ProcessFailed
		if pm.metrics != nil {
			pm.metrics.RecordProcessFailed()
		}
	}

	if pm.metrics != nil {
		pm.metrics.SetActiveProcesses(pm.countNonTerminalLocked())
	}
}

// GetProcessInfo is a read-only query.
func (pm *ProcessManager) GetProcessInfo(processId mbrace.ProcessId) (*mbrace.ProcessRecord, bool) {
	return actor.Ask(pm.mb, func(reply chan<- getResult) {
		record, ok := pm.records[processId]
		if !ok {
			reply <- getResult{}
			return
		}
		reply <- getResult{record: cloneRecord(record), ok: true}
	}).unpack()
}

type getResult struct {
	record *mbrace.ProcessRecord
	ok     bool
}

func (r getResult) unpack() (*mbrace.ProcessRecord, bool) { return r.record, r.ok }

// GetAllProcessInfo is a read-only query over every known record.
func (pm *ProcessManager) GetAllProcessInfo() []*mbrace.ProcessRecord {
	return actor.Ask(pm.mb, func(reply chan<- []*mbrace.ProcessRecord) {
		out := make([]*mbrace.ProcessRecord, 0, len(pm.records))
		for _, r := range pm.records {
			out = append(out, cloneRecord(r))
		}
		reply <- out
	})
}

// GetTaskLogSnapshot exposes taskId-level introspection for a single
// process's Task Manager (spec §4.3's GetTaskLogSnapshot), used by the
// admin CLI; returns ok=false for a process with no active Task Manager
// (never activated, or killed). A process that completes on its own keeps
// its Task Manager.
func (pm *ProcessManager) GetTaskLogSnapshot(processId mbrace.ProcessId) ([]mbrace.TaskLogEntry, bool) {
	return actor.Ask(pm.mb, func(reply chan<- snapshotResult) {
		tm, ok := pm.taskMgrs[processId]
		if !ok {
			reply <- snapshotResult{}
			return
		}
		reply <- snapshotResult{entries: tm.GetTaskLogSnapshot(), ok: true}
	}).unpack()
}

type snapshotResult struct {
	entries []mbrace.TaskLogEntry
	ok      bool
}

func (r snapshotResult) unpack() ([]mbrace.TaskLogEntry, bool) { return r.entries, r.ok }

// KillProcess marks processId Killed and deactivates its per-process
// definition, which cascades CancelTasks to every worker still holding a
// logged task for it (spec §5, §8 scenario 5). It returns once the
// cascade has been issued, within a bounded time regardless of how many
// tasks were outstanding, since CancelAllTasks batches the unlog into one
// replicated write.
func (pm *ProcessManager) KillProcess(processId mbrace.ProcessId) error {
	return actor.Ask(pm.mb, func(reply chan<- error) {
		record, ok := pm.records[processId]
		if !ok {
			reply <- &mbraceerr.UserError{Err: fmt.Errorf("processmanager: unknown process %s", processId)}
			return
		}
		if record.State.Terminal() {
			reply <- nil
			return
		}

		tm, hasTm := pm.taskMgrs[processId]
		record.State = mbrace.ProcessKilled
		killed := mbrace.KilledResult()
		record.Result = &killed
		pm.interpreter.CloseProcess(processId)

		if hasTm {
			if err := tm.CancelAllTasks(); err != nil {
				mlog.Component("processmanager").Warn().Err(err).Str("process_id", string(processId)).
					Msg("cancel-all during kill failed to replicate; some tasks may straggle")
			}
			tm.Close()
			delete(pm.taskMgrs, processId)
		}
		pm.activator.Deactivate(processId)

		if pm.metrics != nil {
			pm.metrics.RecordProcessKilled()
			pm.metrics.SetActiveProcesses(pm.countNonTerminalLocked())
		}
		reply <- nil
	})
}

// ClearProcessInfo frees one terminal record from the monitor, performing
// the real blob-store cleanup spec §9 recommends moving here instead of
// CreateDynamicProcess.
func (pm *ProcessManager) ClearProcessInfo(processId mbrace.ProcessId) error {
	return actor.Ask(pm.mb, func(reply chan<- error) {
		record, ok := pm.records[processId]
		if !ok {
			reply <- nil
			return
		}
		if !record.State.Terminal() {
			reply <- &mbraceerr.UserError{Err: fmt.Errorf("processmanager: cannot clear non-terminal process %s (state %s)", processId, record.State)}
			return
		}
		delete(pm.records, processId)
		delete(pm.dedup, record.RequestId)
		pm.interpreter.CloseProcess(processId)
		if err := pm.blobs.Delete(context.Background(), string(processId)); err != nil {
			mlog.Component("processmanager").Warn().Err(err).Str("process_id", string(processId)).
				Msg("blob cleanup on clear failed")
		}
		reply <- nil
	})
}

// ClearAllProcessInfo frees every terminal record.
func (pm *ProcessManager) ClearAllProcessInfo() error {
	return actor.Ask(pm.mb, func(reply chan<- error) {
		for id, record := range pm.records {
			if !record.State.Terminal() {
				continue
			}
			delete(pm.records, id)
			delete(pm.dedup, record.RequestId)
			pm.interpreter.CloseProcess(id)
			if err := pm.blobs.Delete(context.Background(), string(id)); err != nil {
				mlog.Component("processmanager").Warn().Err(err).Str("process_id", string(id)).
					Msg("blob cleanup on clear-all failed")
			}
		}
		reply <- nil
	})
}

// RequestDependencies, LoadAssemblies, and GetAssemblyLoadInfo are
// pass-throughs to the out-of-scope assembly/dependency manager: this
// module only needs to know that Deps is an opaque id list it carries
// unopened (spec §1 Non-goals), so they are no-op placeholders a real
// codegen collaborator would replace.
func (pm *ProcessManager) RequestDependencies(deps mbrace.DependencyManifest) error { return nil }

func (pm *ProcessManager) LoadAssemblies(deps mbrace.DependencyManifest) error { return nil }

func (pm *ProcessManager) GetAssemblyLoadInfo(deps mbrace.DependencyManifest) (mbrace.DependencyManifest, error) {
	return deps, nil
}

// triggerSystemFault is the escalation path for an unexpected panic in
// CreateDynamicProcess, its only caller: it self-deactivates the Process
// Manager and signals cluster-wide failure, after which handleCreate
// replies to the caller with a SystemFault. Errors returned as values
// (including a BroadcastFailure or SystemFault from the Task Log) do not
// reach it.
func (pm *ProcessManager) triggerSystemFault(reason error) {
	mlog.Component("processmanager").Error().Err(reason).Msg("system fault in process manager, signaling cluster failure")
	pm.deactivated = true
	pm.cfg.OnFailCluster(&mbraceerr.SystemFault{Err: reason})
}

func (pm *ProcessManager) countNonTerminalLocked() int {
	n := 0
	for _, r := range pm.records {
		if !r.State.Terminal() {
			n++
		}
	}
	return n
}

func cloneRecord(r *mbrace.ProcessRecord) *mbrace.ProcessRecord {
	cp := *r
	if r.Result != nil {
		res := *r.Result
		cp.Result = &res
	}
	return &cp
}

func now() time.Time { return time.Now() }
