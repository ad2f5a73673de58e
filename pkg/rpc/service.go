// Package rpc exposes the prediction service over gRPC.
//
// The service is declared by hand rather than generated: requests and
// responses are google.protobuf.Struct documents mirroring the JSON bodies of
// the HTTP API, so no .proto compilation step is involved.
//
//	service bikecast.v1.PredictionService {
//	  rpc Predict(google.protobuf.Struct) returns (google.protobuf.Struct);
//	  rpc Sync(google.protobuf.Empty) returns (google.protobuf.Struct);
//	}
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "bikecast.v1.PredictionService"

const (
	PredictMethod = "/" + ServiceName + "/Predict"
	SyncMethod    = "/" + ServiceName + "/Sync"
)

// PredictionServiceServer is the server side of the service.
type PredictionServiceServer interface {
	Predict(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Sync(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// ServiceDesc describes the service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PredictionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Predict", Handler: predictHandler},
		{MethodName: "Sync", Handler: syncHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bikecast/v1/prediction.proto",
}

// RegisterPredictionServiceServer registers srv on s.
func RegisterPredictionServiceServer(s grpc.ServiceRegistrar, srv PredictionServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func predictHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PredictionServiceServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PredictMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PredictionServiceServer).Predict(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func syncHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PredictionServiceServer).Sync(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SyncMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PredictionServiceServer).Sync(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
