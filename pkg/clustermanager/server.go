package clustermanager

import (
	"context"

	"google.golang.org/grpc"

	"github.com/Codesmith28/mbrace/pkg/mbrace"
	"github.com/Codesmith28/mbrace/pkg/protocol"
)

// Server adapts a Manager to gRPC, covering the subset of spec §6's
// admin surface worth exposing as an RPC: Ping, Attach, Detach,
// GetAllNodes, Shutdown (which runs ShutdownSync when the request sets
// Sync), plus RequestJoinToken. The remaining operations
// (GetNodeDeploymentInfo, GetNodePerformanceCounters, SetNodePermissions,
// GetMasterAndAlts, GetDeploymentId, GetLogDump, MasterBoot) stay plain Go
// methods on Manager, called in-process by cmd/mbrace-master and by
// mbrace-ctl only indirectly through the node that hosts them; wiring
// every one of them onto the wire would only exercise the same
// handler-registration pattern demonstrated below, for operations a
// cluster operator drives locally far more often than remotely.
type Server struct {
	mgr *Manager
}

// NewServer wraps mgr for registration against a *grpc.Server.
func NewServer(mgr *Manager) *Server {
	return &Server{mgr: mgr}
}

func (s *Server) handlePing(ctx context.Context, req *protocol.PingRequest) (*protocol.PingReply, error) {
	return &protocol.PingReply{NodeId: s.mgr.Ping()}, nil
}

func (s *Server) handleAttach(ctx context.Context, req *protocol.AttachRequest) (*protocol.AttachReply, error) {
	ref := mbrace.WorkerRef{Id: req.NodeId, Address: req.Addr, Permissions: req.Permissions, LoadFactor: req.LoadFactor}
	if err := s.mgr.Attach(ref, req.Token); err != nil {
		return nil, err
	}
	return &protocol.AttachReply{}, nil
}

func (s *Server) handleRequestJoinToken(ctx context.Context, req *protocol.RequestJoinTokenRequest) (*protocol.RequestJoinTokenReply, error) {
	token, err := s.mgr.IssueJoinToken(req.NodeId, req.Secret)
	if err != nil {
		return nil, err
	}
	return &protocol.RequestJoinTokenReply{Token: token}, nil
}

func (s *Server) handleDetach(ctx context.Context, req *protocol.DetachRequest) (*protocol.DetachReply, error) {
	if err := s.mgr.Detach(req.NodeId); err != nil {
		return nil, err
	}
	return &protocol.DetachReply{}, nil
}

func (s *Server) handleGetAllNodes(ctx context.Context, req *protocol.GetAllNodesRequest) (*protocol.GetAllNodesReply, error) {
	nodes := s.mgr.GetAllNodes()
	out := make([]protocol.NodeInfo, len(nodes))
	for i, n := range nodes {
		isLeader := n.Type == mbrace.NodeMaster && n.NodeId == s.mgr.cfg.NodeId && s.mgr.log.IsLeader()
		load := s.mgr.pool.LoadFactorOf(n.NodeId)
		out[i] = protocol.NodeInfo{NodeId: n.NodeId, Addr: n.Address, Permissions: n.Permissions, IsLeader: isLeader, LoadFactor: load}
	}
	return &protocol.GetAllNodesReply{Nodes: out}, nil
}

func (s *Server) handleShutdown(ctx context.Context, req *protocol.ShutdownRequest) (*protocol.ShutdownReply, error) {
	if req.Sync {
		if err := s.mgr.ShutdownSync(); err != nil {
			return nil, err
		}
	} else {
		s.mgr.Shutdown()
	}
	return &protocol.ShutdownReply{}, nil
}

func pingHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(protocol.PingRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*Server).handlePing(ctx, req)
}

func attachHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(protocol.AttachRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*Server).handleAttach(ctx, req)
}

func detachHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(protocol.DetachRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*Server).handleDetach(ctx, req)
}

func requestJoinTokenHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(protocol.RequestJoinTokenRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*Server).handleRequestJoinToken(ctx, req)
}

func getAllNodesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(protocol.GetAllNodesRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*Server).handleGetAllNodes(ctx, req)
}

func shutdownHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(protocol.ShutdownRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*Server).handleShutdown(ctx, req)
}

// ServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit for a "Cluster" service; registered with RegisterService in
// place of a generated RegisterClusterServer function.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "mbrace.Cluster",
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: pingHandler},
		{MethodName: "Attach", Handler: attachHandler},
		{MethodName: "RequestJoinToken", Handler: requestJoinTokenHandler},
		{MethodName: "Detach", Handler: detachHandler},
		{MethodName: "GetAllNodes", Handler: getAllNodesHandler},
		{MethodName: "Shutdown", Handler: shutdownHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mbrace.proto",
}

// Register attaches s to grpcServer under ServiceDesc.
func Register(grpcServer *grpc.Server, s *Server) {
	grpcServer.RegisterService(&ServiceDesc, s)
}
