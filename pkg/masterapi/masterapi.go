// Package masterapi exposes the client-facing half of spec §6's external
// interfaces (CreateDynamicProcess, KillProcess, the process-info
// queries) and the worker-facing ReportTaskResult callback, both as gRPC
// handlers over pkg/protocol's hand-written wire types. clustermanager.Server
// covers the node-administration half; this package covers process
// lifecycle and result reporting, kept separate since they're driven by
// different callers (an end-user client versus a worker node).
package masterapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/Codesmith28/mbrace/pkg/mbrace"
	"github.com/Codesmith28/mbrace/pkg/protocol"
)

// ProcessManager is the subset of processmanager.ProcessManager this
// package drives.
type ProcessManager interface {
	CreateDynamicProcess(requestId mbrace.ClientRequestId, image mbrace.ProcessImage) (*mbrace.ProcessRecord, error)
	KillProcess(processId mbrace.ProcessId) error
	GetProcessInfo(processId mbrace.ProcessId) (*mbrace.ProcessRecord, bool)
	GetAllProcessInfo() []*mbrace.ProcessRecord
	ClearProcessInfo(processId mbrace.ProcessId) error
	GetTaskLogSnapshot(processId mbrace.ProcessId) ([]mbrace.TaskLogEntry, bool)
}

// ResultReporter routes a worker's reported result into the right
// process's Task Manager, satisfied by processmanager.DefaultActivator.
type ResultReporter interface {
	ReportTaskResult(processId mbrace.ProcessId, taskId mbrace.TaskId, result mbrace.Result) bool
}

// Server adapts a ProcessManager and ResultReporter to gRPC.
type Server struct {
	pm       ProcessManager
	reporter ResultReporter
}

func NewServer(pm ProcessManager, reporter ResultReporter) *Server {
	return &Server{pm: pm, reporter: reporter}
}

// wireTime converts a zero time.Time (the "not reached yet" sentinel
// mbrace.ProcessRecord.ExecTime uses before a process starts running) to a
// nil *timestamppb.Timestamp rather than the protobuf epoch value.
func wireTime(t time.Time) *timestamppb.Timestamp {
	if t.IsZero() {
		return nil
	}
	return timestamppb.New(t)
}

func toWireRecord(r *mbrace.ProcessRecord) protocol.ProcessRecord {
	return protocol.ProcessRecord{
		Id:         r.Id,
		RequestId:  r.RequestId,
		Name:       r.Name,
		ReturnType: r.ReturnType,
		State:      r.State.String(),
		InitTime:   wireTime(r.InitTime),
		ExecTime:   wireTime(r.ExecTime),
		Result:     r.Result,
	}
}

func (s *Server) handleCreateProcess(ctx context.Context, req *protocol.CreateProcessRequest) (*protocol.CreateProcessReply, error) {
	image := mbrace.ProcessImage{
		Name:       req.Name,
		Body:       req.Body,
		ReturnType: req.ReturnType,
		TypeName:   req.TypeName,
		ClientId:   req.ClientId,
		Deps:       req.Deps,
	}
	record, err := s.pm.CreateDynamicProcess(req.RequestId, image)
	if err != nil {
		return nil, err
	}
	return &protocol.CreateProcessReply{Record: toWireRecord(record)}, nil
}

func (s *Server) handleKillProcess(ctx context.Context, req *protocol.KillProcessRequest) (*protocol.KillProcessReply, error) {
	if err := s.pm.KillProcess(req.ProcessId); err != nil {
		return nil, err
	}
	return &protocol.KillProcessReply{}, nil
}

func (s *Server) handleGetProcessInfo(ctx context.Context, req *protocol.GetProcessInfoRequest) (*protocol.GetProcessInfoReply, error) {
	record, ok := s.pm.GetProcessInfo(req.ProcessId)
	if !ok {
		return &protocol.GetProcessInfoReply{Found: false}, nil
	}
	return &protocol.GetProcessInfoReply{Record: toWireRecord(record), Found: true}, nil
}

func (s *Server) handleGetAllProcessInfo(ctx context.Context, req *protocol.GetAllProcessInfoRequest) (*protocol.GetAllProcessInfoReply, error) {
	records := s.pm.GetAllProcessInfo()
	out := make([]protocol.ProcessRecord, len(records))
	for i, r := range records {
		out[i] = toWireRecord(r)
	}
	return &protocol.GetAllProcessInfoReply{Records: out}, nil
}

func (s *Server) handleClearProcessInfo(ctx context.Context, req *protocol.ClearProcessInfoRequest) (*protocol.ClearProcessInfoReply, error) {
	if err := s.pm.ClearProcessInfo(req.ProcessId); err != nil {
		return nil, err
	}
	return &protocol.ClearProcessInfoReply{}, nil
}

func (s *Server) handleGetTaskLogSnapshot(ctx context.Context, req *protocol.GetTaskLogSnapshotRequest) (*protocol.GetTaskLogSnapshotReply, error) {
	entries, ok := s.pm.GetTaskLogSnapshot(req.ProcessId)
	if !ok {
		return &protocol.GetTaskLogSnapshotReply{Found: false}, nil
	}
	return &protocol.GetTaskLogSnapshotReply{Entries: entries, Found: true}, nil
}

func (s *Server) handleReportTaskResult(ctx context.Context, req *protocol.ReportTaskResultRequest) (*protocol.ReportTaskResultReply, error) {
	s.reporter.ReportTaskResult(req.ProcessId, req.TaskId, req.Result)
	return &protocol.ReportTaskResultReply{}, nil
}

func createProcessHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(protocol.CreateProcessRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*Server).handleCreateProcess(ctx, req)
}

func killProcessHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(protocol.KillProcessRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*Server).handleKillProcess(ctx, req)
}

func getProcessInfoHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(protocol.GetProcessInfoRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*Server).handleGetProcessInfo(ctx, req)
}

func getAllProcessInfoHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(protocol.GetAllProcessInfoRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*Server).handleGetAllProcessInfo(ctx, req)
}

func clearProcessInfoHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(protocol.ClearProcessInfoRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*Server).handleClearProcessInfo(ctx, req)
}

func getTaskLogSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(protocol.GetTaskLogSnapshotRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*Server).handleGetTaskLogSnapshot(ctx, req)
}

func reportTaskResultHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(protocol.ReportTaskResultRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*Server).handleReportTaskResult(ctx, req)
}

// MasterServiceDesc covers the client-facing process lifecycle RPCs.
var MasterServiceDesc = grpc.ServiceDesc{
	ServiceName: "mbrace.Master",
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateProcess", Handler: createProcessHandler},
		{MethodName: "KillProcess", Handler: killProcessHandler},
		{MethodName: "GetProcessInfo", Handler: getProcessInfoHandler},
		{MethodName: "GetAllProcessInfo", Handler: getAllProcessInfoHandler},
		{MethodName: "ClearProcessInfo", Handler: clearProcessInfoHandler},
		{MethodName: "GetTaskLogSnapshot", Handler: getTaskLogSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mbrace.proto",
}

// ClusterCallbackServiceDesc covers the worker-facing result callback, a
// distinct service from clustermanager.ServiceDesc's "mbrace.Cluster"
// (grpc.Server rejects two RegisterService calls sharing one service
// name) even though both run on the same master-side listener.
var ClusterCallbackServiceDesc = grpc.ServiceDesc{
	ServiceName: "mbrace.ClusterCallback",
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ReportTaskResult", Handler: reportTaskResultHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mbrace.proto",
}

// Register attaches s to grpcServer under both service descriptors.
func Register(grpcServer *grpc.Server, s *Server) {
	grpcServer.RegisterService(&MasterServiceDesc, s)
	grpcServer.RegisterService(&ClusterCallbackServiceDesc, s)
}
