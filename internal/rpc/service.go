// Package rpc exposes job status over gRPC. Messages are structpb.Struct
// values carrying the same fields as the HTTP API's job JSON, so no
// generated code is needed.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "meshoverlay.JobService"

	getJobMethod   = "/" + ServiceName + "/GetJob"
	watchJobMethod = "/" + ServiceName + "/WatchJob"
)

// JobServiceServer is implemented by *JobServer.
type JobServiceServer interface {
	// GetJob returns the current snapshot of the job named by "job_id".
	GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	// WatchJob streams snapshots until the job is terminal.
	WatchJob(req *structpb.Struct, stream grpc.ServerStream) error
}

// ServiceDesc describes JobService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetJob", Handler: getJobHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchJob", Handler: watchJobHandler, ServerStreams: true},
	},
	Metadata: "meshoverlay/job_service",
}

// RegisterService attaches srv to a gRPC server.
func RegisterService(s grpc.ServiceRegistrar, srv JobServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func getJobHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobServiceServer).GetJob(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getJobMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(JobServiceServer).GetJob(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchJobHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(JobServiceServer).WatchJob(in, stream)
}
