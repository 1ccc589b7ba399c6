package protocol

import (
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/Codesmith28/mbrace/pkg/mbrace"
)

// Full gRPC method names, mirroring what protoc would generate from a
// "mbrace.proto" had one existed.
const (
	MethodExecuteTask      = "/mbrace.Worker/ExecuteTask"
	MethodCancelTasks      = "/mbrace.Worker/CancelTasks"
	MethodIsValidTask      = "/mbrace.Worker/IsValidTask"
	MethodReportResult     = "/mbrace.ClusterCallback/ReportTaskResult"
	MethodPing             = "/mbrace.Cluster/Ping"
	MethodAttach           = "/mbrace.Cluster/Attach"
	MethodRequestJoinToken = "/mbrace.Cluster/RequestJoinToken"
	MethodDetach           = "/mbrace.Cluster/Detach"
	MethodGetAllNodes      = "/mbrace.Cluster/GetAllNodes"
	MethodShutdown         = "/mbrace.Cluster/Shutdown"

	MethodCreateProcess      = "/mbrace.Master/CreateProcess"
	MethodKillProcess        = "/mbrace.Master/KillProcess"
	MethodGetProcessInfo     = "/mbrace.Master/GetProcessInfo"
	MethodGetAllProcessInfo  = "/mbrace.Master/GetAllProcessInfo"
	MethodClearProcessInfo   = "/mbrace.Master/ClearProcessInfo"
	MethodGetTaskLogSnapshot = "/mbrace.Master/GetTaskLogSnapshot"
)

type ExecuteTaskRequest struct {
	ProcessId mbrace.ProcessId
	TaskId    mbrace.TaskId
	ParentId  mbrace.TaskId
	Body      []byte
	Deps      mbrace.DependencyManifest
}

type ExecuteTaskReply struct{}

type CancelTasksRequest struct {
	TaskIds []mbrace.TaskId
}

type CancelTasksReply struct{}

type IsValidTaskRequest struct {
	TaskId mbrace.TaskId
}

type IsValidTaskReply struct {
	Valid bool
}

// ReportTaskResultRequest is sent worker-to-master, the inverse
// direction of ExecuteTask: a worker reports a task's terminal outcome
// once its execution finishes.
type ReportTaskResultRequest struct {
	ProcessId mbrace.ProcessId
	TaskId    mbrace.TaskId
	Result    mbrace.Result
}

type ReportTaskResultReply struct{}

type PingRequest struct{}

type PingReply struct {
	NodeId string
}

type AttachRequest struct {
	NodeId      string
	Addr        string
	Permissions mbrace.Permissions
	LoadFactor  float64
	// Token is a pkg/clusterauth join token, required only when the
	// target cluster has join authentication configured; ignored
	// otherwise.
	Token string
}

type AttachReply struct{}

// RequestJoinTokenRequest exchanges a shared join secret for a
// pkg/clusterauth token scoped to NodeId, made once before a node's
// first Attach against a cluster with join authentication configured.
type RequestJoinTokenRequest struct {
	NodeId string
	Secret string
}

type RequestJoinTokenReply struct {
	Token string
}

type DetachRequest struct {
	NodeId string
}

type DetachReply struct{}

type GetAllNodesRequest struct{}

type NodeInfo struct {
	NodeId      string
	Addr        string
	Permissions mbrace.Permissions
	IsLeader    bool
	LoadFactor  float64
}

type GetAllNodesReply struct {
	Nodes []NodeInfo
}

type ShutdownRequest struct {
	Sync bool
}

type ShutdownReply struct{}

// CreateProcessRequest carries a client-submitted computation. RequestId
// is the idempotency token the Process Manager deduplicates on.
type CreateProcessRequest struct {
	RequestId  mbrace.ClientRequestId
	Name       string
	Body       []byte
	ReturnType string
	TypeName   string
	ClientId   string
	Deps       mbrace.DependencyManifest
}

type ProcessRecord struct {
	Id         mbrace.ProcessId
	RequestId  mbrace.ClientRequestId
	Name       string
	ReturnType string
	State      string
	InitTime   *timestamppb.Timestamp
	ExecTime   *timestamppb.Timestamp
	Result     *mbrace.Result
}

type CreateProcessReply struct {
	Record ProcessRecord
}

type KillProcessRequest struct {
	ProcessId mbrace.ProcessId
}

type KillProcessReply struct{}

type GetProcessInfoRequest struct {
	ProcessId mbrace.ProcessId
}

type GetProcessInfoReply struct {
	Record ProcessRecord
	Found  bool
}

type GetAllProcessInfoRequest struct{}

type GetAllProcessInfoReply struct {
	Records []ProcessRecord
}

type ClearProcessInfoRequest struct {
	ProcessId mbrace.ProcessId
}

type ClearProcessInfoReply struct{}

// GetTaskLogSnapshotRequest asks for the admin-facing Task Log dump for
// one process (spec §4.3's GetTaskLogSnapshot).
type GetTaskLogSnapshotRequest struct {
	ProcessId mbrace.ProcessId
}

type GetTaskLogSnapshotReply struct {
	Entries []mbrace.TaskLogEntry
	Found   bool
}
