package workerclient

import (
	"context"

	"google.golang.org/grpc"

	"github.com/Codesmith28/mbrace/pkg/protocol"
)

func executeTaskHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(protocol.ExecuteTaskRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*Node).HandleExecuteTask(ctx, req)
}

func cancelTasksHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(protocol.CancelTasksRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*Node).HandleCancelTasks(ctx, req)
}

func isValidTaskHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(protocol.IsValidTaskRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*Node).HandleIsValidTask(ctx, req)
}

// ServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit for a "Worker" service, registered against a *grpc.Server by
// cmd/mbrace-worker the same way pkg/clustermanager registers its own.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "mbrace.Worker",
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ExecuteTask", Handler: executeTaskHandler},
		{MethodName: "CancelTasks", Handler: cancelTasksHandler},
		{MethodName: "IsValidTask", Handler: isValidTaskHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mbrace.proto",
}

// Register attaches n to grpcServer under ServiceDesc.
func Register(grpcServer *grpc.Server, n *Node) {
	grpcServer.RegisterService(&ServiceDesc, n)
}
