package rpc

import (
	"context"

	"github.com/bytedance/sonic"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "papertrade.Settlement"

// SettlementServer is the server API for the papertrade.Settlement service.
type SettlementServer interface {
	PlaceOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClosePosition(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPositions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetTradeHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAccount(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Subscribe(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

type unaryMethod func(SettlementServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SettlementServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(SettlementServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SettlementServer).Subscribe(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SettlementServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("PlaceOrder", SettlementServer.PlaceOrder),
		unaryHandler("ClosePosition", SettlementServer.ClosePosition),
		unaryHandler("GetPositions", SettlementServer.GetPositions),
		unaryHandler("GetTradeHistory", SettlementServer.GetTradeHistory),
		unaryHandler("GetAccount", SettlementServer.GetAccount),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "papertrade/settlement.proto",
}

// encodeStruct converts v to a Struct through its JSON form, so payloads
// match what the HTTP API returns.
func encodeStruct(v any) (*structpb.Struct, error) {
	raw, err := sonic.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := sonic.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func decodeStruct(in *structpb.Struct, dst any) error {
	raw, err := sonic.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	return sonic.Unmarshal(raw, dst)
}

func stringField(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}
