package monitorrpc

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "pgautofailover.Monitor"

// MonitorServer is the interface pkg/monitor's RPC front-end
// implements; ServiceDesc below dispatches incoming calls to it.
type MonitorServer interface {
	Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error)
	NodeActive(ctx context.Context, req *NodeActiveRequest) (*NodeActiveResponse, error)
	GetOtherNodes(ctx context.Context, req *GetOtherNodesRequest) (*GetOtherNodesResponse, error)
	GetCurrentState(ctx context.Context, req *GetCurrentStateRequest) (*GetCurrentStateResponse, error)
	GetEvents(ctx context.Context, req *GetEventsRequest) (*GetEventsResponse, error)
	SetMaintenance(ctx context.Context, req *SetMaintenanceRequest) (*SetMaintenanceResponse, error)
	PerformFailover(ctx context.Context, req *PerformFailoverRequest) (*PerformFailoverResponse, error)
	PerformPromotion(ctx context.Context, req *PerformPromotionRequest) (*PerformPromotionResponse, error)
	Listen(req *ListenRequest, stream Monitor_ListenServer) error
	RemoveNode(ctx context.Context, req *RemoveNodeRequest) (*RemoveNodeResponse, error)
}

// Monitor_ListenServer is the server-side handle for the streaming
// Listen RPC; pkg/monitor sends notifications to it as they occur.
type Monitor_ListenServer interface {
	Send(*StateChangeNotification) error
	grpc.ServerStream
}

type monitorListenServer struct {
	grpc.ServerStream
}

func (s *monitorListenServer) Send(n *StateChangeNotification) error {
	return s.SendMsg(n)
}

// RegisterServer attaches impl to grpcServer under this package's
// ServiceDesc, the JSON-codec equivalent of a generated
// RegisterMonitorServer function.
func RegisterServer(grpcServer *grpc.Server, impl MonitorServer) {
	grpcServer.RegisterService(&ServiceDesc, impl)
}

func registerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MonitorServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Register"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MonitorServer).Register(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func nodeActiveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(NodeActiveRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MonitorServer).NodeActive(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/NodeActive"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MonitorServer).NodeActive(ctx, req.(*NodeActiveRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getOtherNodesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetOtherNodesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MonitorServer).GetOtherNodes(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetOtherNodes"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MonitorServer).GetOtherNodes(ctx, req.(*GetOtherNodesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getCurrentStateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetCurrentStateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MonitorServer).GetCurrentState(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetCurrentState"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MonitorServer).GetCurrentState(ctx, req.(*GetCurrentStateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getEventsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetEventsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MonitorServer).GetEvents(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetEvents"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MonitorServer).GetEvents(ctx, req.(*GetEventsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func setMaintenanceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SetMaintenanceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MonitorServer).SetMaintenance(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SetMaintenance"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MonitorServer).SetMaintenance(ctx, req.(*SetMaintenanceRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func performFailoverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PerformFailoverRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MonitorServer).PerformFailover(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/PerformFailover"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MonitorServer).PerformFailover(ctx, req.(*PerformFailoverRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func performPromotionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PerformPromotionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MonitorServer).PerformPromotion(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/PerformPromotion"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MonitorServer).PerformPromotion(ctx, req.(*PerformPromotionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func removeNodeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RemoveNodeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MonitorServer).RemoveNode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RemoveNode"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MonitorServer).RemoveNode(ctx, req.(*RemoveNodeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listenHandler(srv any, stream grpc.ServerStream) error {
	in := new(ListenRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MonitorServer).Listen(in, &monitorListenServer{ServerStream: stream})
}

// ServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit from a .proto file describing these ten RPCs.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*MonitorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: registerHandler},
		{MethodName: "NodeActive", Handler: nodeActiveHandler},
		{MethodName: "GetOtherNodes", Handler: getOtherNodesHandler},
		{MethodName: "GetCurrentState", Handler: getCurrentStateHandler},
		{MethodName: "GetEvents", Handler: getEventsHandler},
		{MethodName: "SetMaintenance", Handler: setMaintenanceHandler},
		{MethodName: "PerformFailover", Handler: performFailoverHandler},
		{MethodName: "PerformPromotion", Handler: performPromotionHandler},
		{MethodName: "RemoveNode", Handler: removeNodeHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Listen",
			ServerStreams: true,
			Handler:       listenHandler,
		},
	},
	Metadata: "pgautofailover/monitor.proto",
}
