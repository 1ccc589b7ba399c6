package workerclient

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Codesmith28/mbrace/pkg/mbrace"
	"github.com/Codesmith28/mbrace/pkg/mbraceerr"
	"github.com/Codesmith28/mbrace/pkg/protocol"
)

// MasterClient is the worker-side stub for calling back into the
// cluster's current leader, satisfying Node's MasterReporter. It holds
// one connection to the address given to DialMaster; it does not follow
// leadership to another node after an election.
type MasterClient struct {
	conn *grpc.ClientConn
}

func DialMaster(addr string) (*MasterClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(protocol.CodecName)),
	)
	if err != nil {
		return nil, &mbraceerr.TransientWorkerError{Err: fmt.Errorf("workerclient: dial master %s failed: %w", addr, err)}
	}
	return &MasterClient{conn: conn}, nil
}

// Attach joins this worker into the cluster, the first call a worker
// makes after dialing the master so it starts receiving ExecuteTask RPCs.
// Called again on every heartbeat tick with a fresh loadFactor so the
// Worker Pool's selection sees up-to-date system load. token is a
// pkg/clusterauth join token from RequestJoinToken; empty when the
// cluster has no join authentication configured.
func (m *MasterClient) Attach(ctx context.Context, nodeId, addr string, permissions mbrace.Permissions, loadFactor float64, token string) error {
	req := &protocol.AttachRequest{NodeId: nodeId, Addr: addr, Permissions: permissions, LoadFactor: loadFactor, Token: token}
	reply := &protocol.AttachReply{}
	if err := m.conn.Invoke(ctx, protocol.MethodAttach, req, reply); err != nil {
		return &mbraceerr.TransientWorkerError{Err: fmt.Errorf("workerclient: Attach: %w", err)}
	}
	return nil
}

// RequestJoinToken exchanges secret for a pkg/clusterauth token scoped to
// nodeId, called once before this worker's first Attach against a
// cluster with join authentication configured.
func (m *MasterClient) RequestJoinToken(ctx context.Context, nodeId, secret string) (string, error) {
	req := &protocol.RequestJoinTokenRequest{NodeId: nodeId, Secret: secret}
	reply := &protocol.RequestJoinTokenReply{}
	if err := m.conn.Invoke(ctx, protocol.MethodRequestJoinToken, req, reply); err != nil {
		return "", &mbraceerr.TransientWorkerError{Err: fmt.Errorf("workerclient: RequestJoinToken: %w", err)}
	}
	return reply.Token, nil
}

func (m *MasterClient) ReportTaskResult(ctx context.Context, processId mbrace.ProcessId, taskId mbrace.TaskId, result mbrace.Result) error {
	req := &protocol.ReportTaskResultRequest{ProcessId: processId, TaskId: taskId, Result: result}
	reply := &protocol.ReportTaskResultReply{}
	if err := m.conn.Invoke(ctx, protocol.MethodReportResult, req, reply); err != nil {
		return &mbraceerr.TransientWorkerError{Err: fmt.Errorf("workerclient: ReportTaskResult: %w", err)}
	}
	return nil
}

func (m *MasterClient) Close() error {
	return m.conn.Close()
}
