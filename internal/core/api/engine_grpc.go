package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// EngineServiceName is the fully qualified gRPC service name.
const EngineServiceName = "waypoint.engine.v1.Engine"

// Method names of the Engine service.
const (
	MethodEnroll        = "Enroll"
	MethodHandleEvent   = "HandleEvent"
	MethodCancel        = "Cancel"
	MethodEvaluateRule  = "EvaluateRule"
	MethodUpdateProfile = "UpdateProfile"
)

// EngineServer is the server API for the Engine service. Requests and
// responses are google.protobuf.Struct documents.
type EngineServer interface {
	Enroll(context.Context, *structpb.Struct) (*structpb.Struct, error)
	HandleEvent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EvaluateRule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateProfile(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type engineCall func(EngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call engineCall) grpc.MethodDesc {
	fullMethod := "/" + EngineServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(EngineServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(EngineServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// EngineServiceDesc describes the Engine service for grpc.Server.RegisterService.
var EngineServiceDesc = grpc.ServiceDesc{
	ServiceName: EngineServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodEnroll, EngineServer.Enroll),
		unaryMethod(MethodHandleEvent, EngineServer.HandleEvent),
		unaryMethod(MethodCancel, EngineServer.Cancel),
		unaryMethod(MethodEvaluateRule, EngineServer.EvaluateRule),
		unaryMethod(MethodUpdateProfile, EngineServer.UpdateProfile),
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterEngineServer registers srv with s.
func RegisterEngineServer(s grpc.ServiceRegistrar, srv EngineServer) {
	s.RegisterService(&EngineServiceDesc, srv)
}

// EngineClient calls the Engine service over a client connection.
type EngineClient struct {
	cc grpc.ClientConnInterface
}

// NewEngineClient wraps cc.
func NewEngineClient(cc grpc.ClientConnInterface) *EngineClient {
	return &EngineClient{cc: cc}
}

// Call invokes method with in and returns the response document.
func (c *EngineClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+EngineServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
