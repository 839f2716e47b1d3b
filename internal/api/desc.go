// Package api serves the daemon's control surface over gRPC. Messages are
// protobuf well-known types so clients need no generated code.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ConnectionServiceName = "meshlink.v1.ConnectionService"
	SyncServiceName       = "meshlink.v1.SyncService"
	MessageServiceName    = "meshlink.v1.MessageService"
)

// Full method names.
const (
	ConnectionService_GetStatus_FullMethodName             = "/" + ConnectionServiceName + "/GetStatus"
	ConnectionService_Connect_FullMethodName               = "/" + ConnectionServiceName + "/Connect"
	ConnectionService_ConnectTCP_FullMethodName            = "/" + ConnectionServiceName + "/ConnectTCP"
	ConnectionService_SwitchDevice_FullMethodName          = "/" + ConnectionServiceName + "/SwitchDevice"
	ConnectionService_Disconnect_FullMethodName            = "/" + ConnectionServiceName + "/Disconnect"
	ConnectionService_SetForeground_FullMethodName         = "/" + ConnectionServiceName + "/SetForeground"
	ConnectionService_ListDevices_FullMethodName           = "/" + ConnectionServiceName + "/ListDevices"
	ConnectionService_WatchConnectionEvents_FullMethodName = "/" + ConnectionServiceName + "/WatchConnectionEvents"

	SyncService_GetSyncStatus_FullMethodName   = "/" + SyncServiceName + "/GetSyncStatus"
	SyncService_Resync_FullMethodName          = "/" + SyncServiceName + "/Resync"
	SyncService_WatchSyncEvents_FullMethodName = "/" + SyncServiceName + "/WatchSyncEvents"

	MessageService_ListConversations_FullMethodName  = "/" + MessageServiceName + "/ListConversations"
	MessageService_ListMessages_FullMethodName       = "/" + MessageServiceName + "/ListMessages"
	MessageService_SearchMessages_FullMethodName     = "/" + MessageServiceName + "/SearchMessages"
	MessageService_SendText_FullMethodName           = "/" + MessageServiceName + "/SendText"
	MessageService_WatchMessageEvents_FullMethodName = "/" + MessageServiceName + "/WatchMessageEvents"
)

// ConnectionServiceServer is the server API for ConnectionService.
type ConnectionServiceServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Connect(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ConnectTCP(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	SwitchDevice(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Disconnect(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	SetForeground(context.Context, *wrapperspb.BoolValue) (*emptypb.Empty, error)
	ListDevices(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	WatchConnectionEvents(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

// SyncServiceServer is the server API for SyncService.
type SyncServiceServer interface {
	GetSyncStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Resync(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error)
	WatchSyncEvents(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

// MessageServiceServer is the server API for MessageService.
type MessageServiceServer interface {
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SearchMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchMessageEvents(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

// unary builds a MethodDesc whose handler decodes a Req and calls fn with
// the registered server.
func unary[S any, Req any, PReq interface {
	*Req
	proto.Message
}, Resp proto.Message](service, method string, fn func(S, context.Context, PReq) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + service + "/" + method}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(S), ctx, req.(PReq))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// watch builds a server-streaming StreamDesc taking an Empty request.
func watch[S any](method string, fn func(S, *emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    method,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(emptypb.Empty)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return fn(srv.(S), in, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
		},
	}
}

// ConnectionService_ServiceDesc is the grpc.ServiceDesc for ConnectionService.
var ConnectionService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ConnectionServiceName,
	HandlerType: (*ConnectionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ConnectionServiceName, "GetStatus", ConnectionServiceServer.GetStatus),
		unary(ConnectionServiceName, "Connect", ConnectionServiceServer.Connect),
		unary(ConnectionServiceName, "ConnectTCP", ConnectionServiceServer.ConnectTCP),
		unary(ConnectionServiceName, "SwitchDevice", ConnectionServiceServer.SwitchDevice),
		unary(ConnectionServiceName, "Disconnect", ConnectionServiceServer.Disconnect),
		unary(ConnectionServiceName, "SetForeground", ConnectionServiceServer.SetForeground),
		unary(ConnectionServiceName, "ListDevices", ConnectionServiceServer.ListDevices),
	},
	Streams: []grpc.StreamDesc{
		watch("WatchConnectionEvents", ConnectionServiceServer.WatchConnectionEvents),
	},
}

// SyncService_ServiceDesc is the grpc.ServiceDesc for SyncService.
var SyncService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: SyncServiceName,
	HandlerType: (*SyncServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SyncServiceName, "GetSyncStatus", SyncServiceServer.GetSyncStatus),
		unary(SyncServiceName, "Resync", SyncServiceServer.Resync),
	},
	Streams: []grpc.StreamDesc{
		watch("WatchSyncEvents", SyncServiceServer.WatchSyncEvents),
	},
}

// MessageService_ServiceDesc is the grpc.ServiceDesc for MessageService.
var MessageService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: MessageServiceName,
	HandlerType: (*MessageServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MessageServiceName, "ListConversations", MessageServiceServer.ListConversations),
		unary(MessageServiceName, "ListMessages", MessageServiceServer.ListMessages),
		unary(MessageServiceName, "SearchMessages", MessageServiceServer.SearchMessages),
		unary(MessageServiceName, "SendText", MessageServiceServer.SendText),
	},
	Streams: []grpc.StreamDesc{
		watch("WatchMessageEvents", MessageServiceServer.WatchMessageEvents),
	},
}

// Register adds all three services to s.
func Register(s grpc.ServiceRegistrar, conn ConnectionServiceServer, sync SyncServiceServer, msg MessageServiceServer) {
	s.RegisterService(&ConnectionService_ServiceDesc, conn)
	s.RegisterService(&SyncService_ServiceDesc, sync)
	s.RegisterService(&MessageService_ServiceDesc, msg)
}
