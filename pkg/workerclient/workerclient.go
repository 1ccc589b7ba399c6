// Package workerclient is the master-side gRPC client used by the Task
// Manager to dispatch and cancel work on worker nodes, satisfying
// taskmanager.WorkerClient. Grounded on the teacher's cmd/test-client,
// which dials with insecure credentials and invokes RPCs against a
// generated stub; here the stub is replaced by direct conn.Invoke calls
// against pkg/protocol's hand-written method names and JSON codec.
package workerclient

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Codesmith28/mbrace/pkg/mbrace"
	"github.com/Codesmith28/mbrace/pkg/mbraceerr"
	"github.com/Codesmith28/mbrace/pkg/protocol"
)

// Client dials worker nodes on demand and caches one connection per
// address, reused across every task dispatched to that worker.
type Client struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func New() *Client {
	return &Client{conns: make(map[string]*grpc.ClientConn)}
}

func (c *Client) connFor(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(protocol.CodecName)),
	)
	if err != nil {
		return nil, &mbraceerr.TransientWorkerError{Err: fmt.Errorf("workerclient: dial %s failed: %w", addr, err)}
	}
	c.conns[addr] = conn
	return conn, nil
}

// ExecuteTask dispatches payload to worker, satisfying taskmanager.WorkerClient.
func (c *Client) ExecuteTask(ctx context.Context, worker mbrace.WorkerRef, payload mbrace.TaskPayload) error {
	conn, err := c.connFor(worker.Address)
	if err != nil {
		return err
	}

	req := &protocol.ExecuteTaskRequest{
		ProcessId: payload.ProcessId,
		TaskId:    payload.TaskId,
		ParentId:  payload.ParentId,
		Body:      payload.Body,
		Deps:      payload.Deps,
	}
	reply := &protocol.ExecuteTaskReply{}
	if err := conn.Invoke(ctx, protocol.MethodExecuteTask, req, reply); err != nil {
		return &mbraceerr.TransientWorkerError{Err: fmt.Errorf("workerclient: ExecuteTask on %s: %w", worker.Id, err)}
	}
	return nil
}

// CancelTasks tells worker to abandon taskIds, satisfying taskmanager.WorkerClient.
func (c *Client) CancelTasks(ctx context.Context, worker mbrace.WorkerRef, taskIds []mbrace.TaskId) error {
	conn, err := c.connFor(worker.Address)
	if err != nil {
		return err
	}

	req := &protocol.CancelTasksRequest{TaskIds: taskIds}
	reply := &protocol.CancelTasksReply{}
	if err := conn.Invoke(ctx, protocol.MethodCancelTasks, req, reply); err != nil {
		return &mbraceerr.TransientWorkerError{Err: fmt.Errorf("workerclient: CancelTasks on %s: %w", worker.Id, err)}
	}
	return nil
}

// IsValidTask asks worker whether taskId is still running there and has
// not been cancelled (Node.HandleIsValidTask checks only the worker's
// local state, not the Task Log).
func (c *Client) IsValidTask(ctx context.Context, worker mbrace.WorkerRef, taskId mbrace.TaskId) (bool, error) {
	conn, err := c.connFor(worker.Address)
	if err != nil {
		return false, err
	}

	req := &protocol.IsValidTaskRequest{TaskId: taskId}
	reply := &protocol.IsValidTaskReply{}
	if err := conn.Invoke(ctx, protocol.MethodIsValidTask, req, reply); err != nil {
		return false, &mbraceerr.TransientWorkerError{Err: fmt.Errorf("workerclient: IsValidTask on %s: %w", worker.Id, err)}
	}
	return reply.Valid, nil
}

// Close releases every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		_ = conn.Close()
	}
	c.conns = make(map[string]*grpc.ClientConn)
	return nil
}
