package sourcelink

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "caravel.source.v1.SourceService"

// SourceServer is implemented by sourcesim and by real supplier
// endpoints.
type SourceServer interface {
	Availability(ctx context.Context, req *AvailabilityRequest) (*AvailabilityResponse, error)
	Locations(ctx context.Context, req *LocationsRequest) (*LocationsResponse, error)
	BookingCreate(ctx context.Context, req *BookingCreateRequest) (*BookingResponse, error)
	BookingModify(ctx context.Context, req *BookingModifyRequest) (*BookingResponse, error)
	BookingCancel(ctx context.Context, req *BookingCancelRequest) (*BookingResponse, error)
	BookingCheck(ctx context.Context, req *BookingCheckRequest) (*BookingResponse, error)
	Echo(ctx context.Context, req *EchoRequest) (*EchoResponse, error)
}

// RegisterSourceServer attaches the hand-maintained service descriptor to
// a gRPC server.
func RegisterSourceServer(s *grpc.Server, srv SourceServer) {
	s.RegisterService(&sourceServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(SourceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SourceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + serviceName + "/" + method,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(SourceServer), ctx, req.(*Req))
			})
		},
	}
}

var sourceServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SourceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Availability", SourceServer.Availability),
		unaryHandler("Locations", SourceServer.Locations),
		unaryHandler("BookingCreate", SourceServer.BookingCreate),
		unaryHandler("BookingModify", SourceServer.BookingModify),
		unaryHandler("BookingCancel", SourceServer.BookingCancel),
		unaryHandler("BookingCheck", SourceServer.BookingCheck),
		unaryHandler("Echo", SourceServer.Echo),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "proto/source.proto",
}
