// Package taskmanager implements the Task Manager (spec §4.3): the
// per-process actor that drives every task from dispatch to completion,
// including retry and recovery. Built on pkg/actor.Mailbox for the
// actor-style, serial-per-actor concurrency model spec §5 requires.
package taskmanager

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Codesmith28/mbrace/pkg/actor"
	"github.com/Codesmith28/mbrace/pkg/mbrace"
	"github.com/Codesmith28/mbrace/pkg/mbraceerr"
	"github.com/Codesmith28/mbrace/pkg/metrics"
	"github.com/Codesmith28/mbrace/pkg/mlog"
	"github.com/Codesmith28/mbrace/pkg/tasklog"
	"github.com/Codesmith28/mbrace/pkg/workerpool"
)

// Scheduler is the per-process collaborator driven by TaskResult. The
// Task Manager never imports pkg/scheduler directly: SetScheduler injects
// the reference after both are constructed, resolving the cyclic
// reference per spec §9's two-phase wiring note.
type Scheduler interface {
	TaskResult(processId mbrace.ProcessId, taskId mbrace.TaskId, result mbrace.Result)
}

// WorkerClient dispatches payloads to and cancels tasks on a worker node.
type WorkerClient interface {
	ExecuteTask(ctx context.Context, worker mbrace.WorkerRef, payload mbrace.TaskPayload) error
	CancelTasks(ctx context.Context, worker mbrace.WorkerRef, taskIds []mbrace.TaskId) error
}

// ResultArchiver durably records a task's terminal result for long-term
// audit/query, independent of the Task Log's operational bookkeeping.
// Optional: a nil Archiver in Config means results are never archived.
// Satisfied by pkg/resultarchive.Archive.
type ResultArchiver interface {
	ArchiveResult(processId mbrace.ProcessId, taskId mbrace.TaskId, workerId string, result mbrace.Result)
}

// Config tunes dispatch timeouts and self-retry backoff.
type Config struct {
	MailboxDepth    int
	DispatchTimeout time.Duration
	RetryBaseWait   time.Duration
	RetryMaxWait    time.Duration
	Archiver        ResultArchiver
}

func (c Config) withDefaults() Config {
	if c.MailboxDepth == 0 {
		c.MailboxDepth = 256
	}
	if c.DispatchTimeout == 0 {
		c.DispatchTimeout = 10 * time.Second
	}
	if c.RetryBaseWait == 0 {
		c.RetryBaseWait = 50 * time.Millisecond
	}
	if c.RetryMaxWait == 0 {
		c.RetryMaxWait = 2 * time.Second
	}
	return c
}

// TaskManager is a per-process singleton actor; create one per activated
// process, never shared across processes.
type TaskManager struct {
	mb        *actor.Mailbox
	processId mbrace.ProcessId
	log       *tasklog.TaskLog
	pool      *workerpool.Pool
	client    WorkerClient
	scheduler Scheduler
	metrics   *metrics.Collector
	cfg       Config

	retryRequested map[mbrace.TaskId]bool
	processing     map[mbrace.TaskId]bool
	backoffs       map[mbrace.TaskId]*actor.Backoff
}

// New creates a Task Manager for one process. Call SetScheduler before
// any message that would reach the Scheduler.
func New(processId mbrace.ProcessId, log *tasklog.TaskLog, pool *workerpool.Pool, client WorkerClient, collector *metrics.Collector, cfg Config) *TaskManager {
	cfg = cfg.withDefaults()
	tm := &TaskManager{
		mb:             actor.NewMailbox(cfg.MailboxDepth),
		processId:      processId,
		log:            log,
		pool:           pool,
		client:         client,
		metrics:        collector,
		cfg:            cfg,
		retryRequested: make(map[mbrace.TaskId]bool),
		processing:     make(map[mbrace.TaskId]bool),
		backoffs:       make(map[mbrace.TaskId]*actor.Backoff),
	}
	return tm
}

// SetScheduler installs the Scheduler reference at process activation.
func (tm *TaskManager) SetScheduler(s Scheduler) {
	tm.mb.Send(func() { tm.scheduler = s })
}

// Close stops the underlying mailbox; called on process deactivation.
func (tm *TaskManager) Close() {
	tm.mb.Close()
}

func newTaskId() mbrace.TaskId {
	return mbrace.TaskId(uuid.NewString())
}

type waveDispatchResult struct {
	TaskIds []mbrace.TaskId
	Err     error
}

// CreateRootTask creates the first task of the process and returns its
// generated TaskId once the log quorum confirms the entry, so the caller
// (the Scheduler) can correlate a later TaskResult back to this dispatch.
func (tm *TaskManager) CreateRootTask(body []byte, deps mbrace.DependencyManifest) (mbrace.TaskId, error) {
	ids, err := tm.CreateRootTasks([][]byte{body}, deps)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// CreateRootTasks dispatches the first wave of a process with no parent
// to unlog: a root Parallel or Choice fans out directly into N sibling
// tasks without any synthetic placeholder task, so the exact set of
// workers chosen by the wave is the exact set that receives ExecuteTask.
func (tm *TaskManager) CreateRootTasks(bodies [][]byte, deps mbrace.DependencyManifest) ([]mbrace.TaskId, error) {
	return tm.createWave("", bodies, deps)
}

// CreateTasks is called by the Scheduler with 1..N child task bodies for
// parentTaskId, returning their generated TaskIds in the same order as
// bodies. Children are selected and logged atomically; the parent unlog
// is issued right after, so a crash between the two leaves the parent
// logged and reissuable, never lost.
func (tm *TaskManager) CreateTasks(parentTaskId mbrace.TaskId, bodies [][]byte, deps mbrace.DependencyManifest) ([]mbrace.TaskId, error) {
	return tm.createWave(parentTaskId, bodies, deps)
}

func (tm *TaskManager) createWave(parentTaskId mbrace.TaskId, bodies [][]byte, deps mbrace.DependencyManifest) ([]mbrace.TaskId, error) {
	backoff := actor.NewBackoff(tm.cfg.RetryBaseWait, tm.cfg.RetryMaxWait)
	res := actor.Ask(tm.mb, func(reply chan<- waveDispatchResult) {
		tm.dispatchWave(reply, parentTaskId, bodies, deps, backoff)
	})
	return res.TaskIds, res.Err
}

func (tm *TaskManager) dispatchWave(reply chan<- waveDispatchResult, parentTaskId mbrace.TaskId, bodies [][]byte, deps mbrace.DependencyManifest, backoff *actor.Backoff) {
	workers, ok := tm.pool.SelectMany(len(bodies))
	if !ok {
		tm.retrySelf(backoff, func() { tm.dispatchWave(reply, parentTaskId, bodies, deps, backoff) })
		return
	}

	children := make([]mbrace.TaskLogEntry, len(bodies))
	payloads := make([]mbrace.TaskPayload, len(bodies))
	taskIds := make([]mbrace.TaskId, len(bodies))
	for i, body := range bodies {
		taskId := newTaskId()
		taskIds[i] = taskId
		payload := mbrace.TaskPayload{ProcessId: tm.processId, TaskId: taskId, ParentId: parentTaskId, Body: body, Deps: deps}
		children[i] = mbrace.TaskLogEntry{TaskId: taskId, ParentTaskId: parentTaskId, Worker: workers[i], Payload: payload}
		payloads[i] = payload
	}

	if err := tm.log.Log(children, tasklog.SyncReplicated); err != nil {
		reply <- waveDispatchResult{Err: err}
		return
	}
	reply <- waveDispatchResult{TaskIds: taskIds}

	if parentTaskId != "" {
		if err := tm.log.Unlog([]mbrace.TaskId{parentTaskId}, tasklog.AsyncReplicated); err != nil {
			mlog.Component("taskmanager").Warn().Err(err).Str("parent_task_id", string(parentTaskId)).
				Msg("async parent unlog failed")
		}
	}

	tm.setActiveGauge()
	for i, payload := range payloads {
		tm.postTask(workers[i], payload)
	}
}

// LeafTaskComplete signals a terminal leaf with no children.
func (tm *TaskManager) LeafTaskComplete(taskId mbrace.TaskId) {
	tm.mb.Send(func() {
		if err := tm.log.Unlog([]mbrace.TaskId{taskId}, tasklog.AsyncReplicated); err != nil {
			mlog.Component("taskmanager").Warn().Err(err).Str("task_id", string(taskId)).Msg("leaf unlog failed")
		}
		tm.settle(taskId)
	})
}

// FinalTaskComplete is the terminal root-completion signal: Unlog is
// performed synchronously before acking so completion is durable.
func (tm *TaskManager) FinalTaskComplete(taskId mbrace.TaskId) error {
	return actor.Ask(tm.mb, func(reply chan<- error) {
		err := tm.log.Unlog([]mbrace.TaskId{taskId}, tasklog.SyncReplicated)
		tm.settle(taskId)
		reply <- err
	})
}

func (tm *TaskManager) settle(taskId mbrace.TaskId) {
	if entry, ok := tm.log.Get(taskId); ok {
		tm.pool.Release(entry.Worker.Id)
	}
	delete(tm.processing, taskId)
	delete(tm.retryRequested, taskId)
	delete(tm.backoffs, taskId)
	tm.setActiveGauge()
}

// TaskResult is forwarded from a worker via the transport layer. A result
// for a task no longer in the log is a duplicate or a straggler from a
// cancelled group and is dropped without side effect.
func (tm *TaskManager) TaskResult(taskId mbrace.TaskId, result mbrace.Result) {
	tm.mb.Send(func() {
		if !tm.log.IsLogged(taskId) {
			mlog.Component("taskmanager").Warn().Str("task_id", string(taskId)).
				Msg("dropping result for a task no longer in the log")
			return
		}
		tm.processing[taskId] = true
		entry, ok := tm.log.Get(taskId)
		if ok {
			tm.pool.Release(entry.Worker.Id)
		}
		if tm.cfg.Archiver != nil && ok {
			tm.cfg.Archiver.ArchiveResult(tm.processId, taskId, entry.Worker.Id, result)
		}
		if tm.scheduler != nil {
			tm.scheduler.TaskResult(tm.processId, taskId, result)
		}
	})
}

// RetryTask is triggered by a failed postTask or by Recover. A duplicate
// retry (taskId not currently in retryRequested) is ignored.
func (tm *TaskManager) RetryTask(taskId mbrace.TaskId, payload mbrace.TaskPayload) {
	tm.mb.Send(func() { tm.processRetry(taskId, payload) })
}

func (tm *TaskManager) processRetry(taskId mbrace.TaskId, payload mbrace.TaskPayload) {
	if !tm.retryRequested[taskId] {
		return
	}

	worker, ok := tm.pool.Select()
	if !ok {
		backoff := tm.backoffFor(taskId)
		tm.retrySelf(backoff, func() { tm.processRetry(taskId, payload) })
		return
	}

	entry := mbrace.TaskLogEntry{TaskId: taskId, ParentTaskId: payload.ParentId, Worker: worker, Payload: payload}
	if err := tm.log.Log([]mbrace.TaskLogEntry{entry}, tasklog.SyncReplicated); err != nil {
		mlog.Component("taskmanager").Error().Err(err).Str("task_id", string(taskId)).Msg("failed to log retry entry")
		return
	}

	delete(tm.retryRequested, taskId)
	delete(tm.backoffs, taskId)
	if tm.metrics != nil {
		tm.metrics.RecordRetry()
	}
	tm.postTask(worker, payload)
}

// Recover is triggered by a Worker Pool failure event: every task
// attributed to workerId is re-dispatched, unless it is already in
// processing (its result just hasn't settled yet).
func (tm *TaskManager) Recover(workerId string) {
	tm.mb.Send(func() {
		entries := tm.log.RetrieveByWorker(workerId)
		recovered := 0
		for _, e := range entries {
			if tm.processing[e.TaskId] {
				continue
			}
			tm.retryRequested[e.TaskId] = true
			entry := e
			tm.mb.Send(func() { tm.processRetry(entry.TaskId, entry.Payload) })
			recovered++
		}
		if tm.metrics != nil && recovered > 0 {
			tm.metrics.RecordRecovered(recovered)
		}
	})
}

// CancelSiblingTasks implements Choice semantics: every task sharing
// taskId's parent is unlogged in one batch, then CancelTasks is sent to
// each affected worker in parallel. Worker-side cancellation failures are
// logged, never propagated.
func (tm *TaskManager) CancelSiblingTasks(taskId mbrace.TaskId) error {
	return actor.Ask(tm.mb, func(reply chan<- error) {
		entry, ok := tm.log.Get(taskId)
		if !ok {
			reply <- nil
			return
		}

		siblings := tm.log.GetSiblingTasks(entry.ParentTaskId)
		ids := make([]mbrace.TaskId, len(siblings))
		for i, s := range siblings {
			ids[i] = s.TaskId
		}

		err := tm.log.Unlog(ids, tasklog.SyncReplicated)
		reply <- err
		if err != nil {
			return
		}

		for _, s := range siblings {
			tm.pool.Release(s.Worker.Id)
			s := s
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), tm.cfg.DispatchTimeout)
				defer cancel()
				if cerr := tm.client.CancelTasks(ctx, s.Worker, []mbrace.TaskId{s.TaskId}); cerr != nil {
					mlog.Component("taskmanager").Warn().Err(cerr).Str("worker_id", s.Worker.Id).
						Msg("worker-side cancellation failed")
				}
			}()
		}
		tm.setActiveGauge()
	})
}

// CancelAllTasks implements the KillProcess cascade (spec §5): every task
// still logged for this process is unlogged in one batch, then CancelTasks
// is sent to each affected worker, regardless of the task's position in
// the scheduler's expression tree. Called once, at process deactivation;
// a result arriving afterward finds nothing logged and is dropped by
// TaskResult.
func (tm *TaskManager) CancelAllTasks() error {
	return actor.Ask(tm.mb, func(reply chan<- error) {
		entries := tm.log.RetrieveByProcess(tm.processId)
		if len(entries) == 0 {
			reply <- nil
			return
		}

		ids := make([]mbrace.TaskId, len(entries))
		for i, e := range entries {
			ids[i] = e.TaskId
		}

		err := tm.log.Unlog(ids, tasklog.SyncReplicated)
		reply <- err
		if err != nil {
			return
		}

		for _, e := range entries {
			tm.pool.Release(e.Worker.Id)
			e := e
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), tm.cfg.DispatchTimeout)
				defer cancel()
				if cerr := tm.client.CancelTasks(ctx, e.Worker, []mbrace.TaskId{e.TaskId}); cerr != nil {
					mlog.Component("taskmanager").Warn().Err(cerr).Str("worker_id", e.Worker.Id).
						Msg("worker-side cancellation failed during process kill")
				}
			}()
		}
		tm.setActiveGauge()
	})
}

// IsValidTask exposes IsLogged to workers so they can short-circuit
// zombie executions of a cancelled or already-completed task.
func (tm *TaskManager) IsValidTask(taskId mbrace.TaskId) bool {
	return tm.log.IsLogged(taskId)
}

// GetActiveTaskCount forwards to the Task Log.
func (tm *TaskManager) GetActiveTaskCount() int {
	return tm.log.GetCount()
}

// GetTaskLogSnapshot returns every Task Log entry currently attributed to
// this process: a read-only debug/introspection operation for the admin
// CLI, mirroring go-master's taskqueue.GetAllTasks dump. Routed through
// the mailbox so it never observes a wave half-logged by a concurrent
// createWave/processRetry.
func (tm *TaskManager) GetTaskLogSnapshot() []mbrace.TaskLogEntry {
	return actor.Ask(tm.mb, func(reply chan<- []mbrace.TaskLogEntry) {
		reply <- tm.log.RetrieveByProcess(tm.processId)
	})
}

// postTask sends ExecuteTask to the chosen worker off the mailbox
// goroutine, since it may block on the network; on failure it re-enters
// the mailbox to mark the task retry-pending. Posting happens after
// logging, so a post failure never loses the task.
func (tm *TaskManager) postTask(worker mbrace.WorkerRef, payload mbrace.TaskPayload) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), tm.cfg.DispatchTimeout)
		defer cancel()

		err := tm.client.ExecuteTask(ctx, worker, payload)
		if err == nil {
			return
		}

		wrapped := &mbraceerr.TransientWorkerError{Err: err}
		mlog.Component("taskmanager").Warn().Err(wrapped).Str("task_id", string(payload.TaskId)).
			Str("worker_id", worker.Id).Msg("dispatch failed, scheduling retry")

		tm.mb.Send(func() {
			tm.retryRequested[payload.TaskId] = true
			tm.pool.Release(worker.Id)
			tm.processRetry(payload.TaskId, payload)
		})
	}()
}

func (tm *TaskManager) backoffFor(taskId mbrace.TaskId) *actor.Backoff {
	b, ok := tm.backoffs[taskId]
	if !ok {
		b = actor.NewBackoff(tm.cfg.RetryBaseWait, tm.cfg.RetryMaxWait)
		tm.backoffs[taskId] = b
	}
	return b
}

// retrySelf schedules retry to run on this mailbox after a backoff delay,
// the non-blocking back-pressure idiom spec §9 requires instead of a
// blocking wait on resource availability.
func (tm *TaskManager) retrySelf(backoff *actor.Backoff, retry func()) {
	time.AfterFunc(backoff.Next(), func() {
		tm.mb.Send(retry)
	})
}

func (tm *TaskManager) setActiveGauge() {
	if tm.metrics != nil {
		tm.metrics.SetActiveTasks(tm.log.GetCount())
	}
}
