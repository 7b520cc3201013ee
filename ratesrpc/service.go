package ratesrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName         = "ExchangeRatesProvider"
	SubscribeFullMethod = "/ExchangeRatesProvider/subscribe"
)

// SubscribeStream is the server side of one subscribe call.
type SubscribeStream = grpc.ServerStreamingServer[RatesUpdate]

// UpdateStream is the client side of one subscribe call.
type UpdateStream = grpc.ServerStreamingClient[RatesUpdate]

// ExchangeRatesProviderServer is the server API. Implementations must embed
// UnimplementedExchangeRatesProviderServer.
type ExchangeRatesProviderServer interface {
	Subscribe(*Subscription, SubscribeStream) error
	mustEmbedUnimplementedExchangeRatesProviderServer()
}

// UnimplementedExchangeRatesProviderServer answers every call with codes.Unimplemented.
// Embed it by value.
type UnimplementedExchangeRatesProviderServer struct{}

func (UnimplementedExchangeRatesProviderServer) Subscribe(*Subscription, SubscribeStream) error {
	return status.Error(codes.Unimplemented, "method subscribe not implemented")
}

func (UnimplementedExchangeRatesProviderServer) mustEmbedUnimplementedExchangeRatesProviderServer() {}

// RegisterExchangeRatesProviderServer registers srv on s.
func RegisterExchangeRatesProviderServer(s grpc.ServiceRegistrar, srv ExchangeRatesProviderServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	m := new(Subscription)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}

	return srv.(ExchangeRatesProviderServer).Subscribe(m, &grpc.GenericServerStream[Subscription, RatesUpdate]{ServerStream: stream})
}

// ServiceDesc describes the ExchangeRatesProvider service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExchangeRatesProviderServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "exchange_rate.proto",
}

// ExchangeRatesProviderClient is the client API.
type ExchangeRatesProviderClient interface {
	Subscribe(ctx context.Context, in *Subscription, opts ...grpc.CallOption) (UpdateStream, error)
}

type exchangeRatesProviderClient struct {
	cc grpc.ClientConnInterface
}

// NewExchangeRatesProviderClient returns a client that sends messages with the JSON codec.
func NewExchangeRatesProviderClient(cc grpc.ClientConnInterface) ExchangeRatesProviderClient { //nolint:ireturn
	return &exchangeRatesProviderClient{cc: cc}
}

func (c *exchangeRatesProviderClient) Subscribe(
	ctx context.Context,
	in *Subscription,
	opts ...grpc.CallOption,
) (UpdateStream, error) { //nolint:ireturn
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)

	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], SubscribeFullMethod, opts...)
	if err != nil {
		return nil, err
	}

	x := &grpc.GenericClientStream[Subscription, RatesUpdate]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}

	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}

	return x, nil
}
