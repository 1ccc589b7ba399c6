package workerclient

import (
	"context"
	"sync"

	"github.com/Codesmith28/mbrace/pkg/mbrace"
	"github.com/Codesmith28/mbrace/pkg/mlog"
	"github.com/Codesmith28/mbrace/pkg/protocol"
)

// Executor runs one task body and produces its terminal Result. Supplied
// by whatever hosts the worker process; this package has no opinion on
// how a body is interpreted.
type Executor func(ctx context.Context, payload mbrace.TaskPayload) mbrace.Result

// MasterReporter is the thin slice of the master's RPC surface a worker
// calls back into once a task finishes.
type MasterReporter interface {
	ReportTaskResult(ctx context.Context, processId mbrace.ProcessId, taskId mbrace.TaskId, result mbrace.Result) error
}

// Node is the worker-side RPC handler for protocol.MethodExecuteTask /
// MethodCancelTasks / MethodIsValidTask: it owns no transport of its
// own, it is registered against a grpc.Server by cmd/mbrace-worker the
// same way pkg/clustermanager registers its handlers.
type Node struct {
	exec     Executor
	reporter MasterReporter

	mu        sync.Mutex
	cancelled map[mbrace.TaskId]bool
	running   map[mbrace.TaskId]context.CancelFunc
}

func NewNode(exec Executor, reporter MasterReporter) *Node {
	return &Node{
		exec:      exec,
		reporter:  reporter,
		cancelled: make(map[mbrace.TaskId]bool),
		running:   make(map[mbrace.TaskId]context.CancelFunc),
	}
}

// HandleExecuteTask runs payload's body asynchronously and reports the
// result back to the master once it settles; the RPC itself acks
// immediately, matching the fire-and-forget dispatch taskmanager.postTask
// expects.
func (n *Node) HandleExecuteTask(ctx context.Context, req *protocol.ExecuteTaskRequest) (*protocol.ExecuteTaskReply, error) {
	taskId := req.TaskId
	runCtx, cancel := context.WithCancel(context.Background())

	n.mu.Lock()
	if n.cancelled[taskId] {
		n.mu.Unlock()
		cancel()
		return &protocol.ExecuteTaskReply{}, nil
	}
	n.running[taskId] = cancel
	n.mu.Unlock()

	payload := mbrace.TaskPayload{
		ProcessId: req.ProcessId,
		TaskId:    req.TaskId,
		ParentId:  req.ParentId,
		Body:      req.Body,
		Deps:      req.Deps,
	}

	go func() {
		defer cancel()
		result := n.exec(runCtx, payload)

		n.mu.Lock()
		skip := n.cancelled[taskId]
		delete(n.running, taskId)
		delete(n.cancelled, taskId)
		n.mu.Unlock()
		if skip {
			return
		}

		if err := n.reporter.ReportTaskResult(context.Background(), req.ProcessId, taskId, result); err != nil {
			mlog.Component("worker").Warn().Err(err).Str("task_id", string(taskId)).
				Msg("failed to report task result to master")
		}
	}()

	return &protocol.ExecuteTaskReply{}, nil
}

// HandleCancelTasks stops local execution of every named task, marking
// it so a straggler result is dropped instead of reported.
func (n *Node) HandleCancelTasks(ctx context.Context, req *protocol.CancelTasksRequest) (*protocol.CancelTasksReply, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, taskId := range req.TaskIds {
		n.cancelled[taskId] = true
		if cancel, ok := n.running[taskId]; ok {
			cancel()
		}
	}
	return &protocol.CancelTasksReply{}, nil
}

// HandleIsValidTask reports whether taskId is still running locally and
// not cancelled.
func (n *Node) HandleIsValidTask(ctx context.Context, req *protocol.IsValidTaskRequest) (*protocol.IsValidTaskReply, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, running := n.running[req.TaskId]
	return &protocol.IsValidTaskReply{Valid: running && !n.cancelled[req.TaskId]}, nil
}
