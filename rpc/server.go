package rpc

import (
	"context"

	"github.com/cpacia/fdpindex/events"
	"github.com/op/go-logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var log = logging.MustGetLogger("RPC")

// AuthenticationTokenKey is the metadata key clients put the gRPC auth
// token under when the server requires one.
const AuthenticationTokenKey = "AuthenticationToken"

const serviceName = "fdpindex.Index"

// IndexServer is the server side of the fdpindex.Index service.
type IndexServer interface {
	TriggerAll(ctx context.Context, req *TriggerAllRequest) (*TriggerResponse, error)
	Trigger(ctx context.Context, req *TriggerRequest) (*TriggerResponse, error)
	Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error
}

// GrpcServer represents the server which implements the gRPC interface.
type GrpcServer struct {
	index Index
}

// NewGrpcServer returns new gRPC server implementation.
func NewGrpcServer(index Index) *GrpcServer {
	return &GrpcServer{
		index: index,
	}
}

// Register adds the service to s.
func (s *GrpcServer) Register(server *grpc.Server) {
	server.RegisterService(&serviceDesc, s)
}

// TriggerAll records an admin trigger and schedules a harvest of every
// entry.
func (s *GrpcServer) TriggerAll(ctx context.Context, req *TriggerAllRequest) (*TriggerResponse, error) {
	ev, err := s.index.TriggerAll(remoteAddr(ctx))
	if err != nil {
		return nil, err
	}
	return &TriggerResponse{Event: ev}, nil
}

// Trigger records an admin trigger and schedules a harvest of one entry.
func (s *GrpcServer) Trigger(ctx context.Context, req *TriggerRequest) (*TriggerResponse, error) {
	if req.ClientURL == "" {
		return nil, status.Error(codes.InvalidArgument, "clientUrl is required")
	}
	ev, err := s.index.Trigger(req.ClientURL, remoteAddr(ctx))
	if err != nil {
		return nil, err
	}
	return &TriggerResponse{Event: ev}, nil
}

// Subscribe streams events as they are appended to the ledger. Events
// appended while not subscribed are not resent; use the HTTP event list
// to catch up.
func (s *GrpcServer) Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	sub, err := s.index.Subscribe()
	if err != nil {
		return err
	}
	defer sub.Close()

	wanted := make(map[events.Type]bool)
	for _, t := range req.Types {
		wanted[t] = true
	}

	for {
		select {
		case ev := <-sub.Out:
			if len(wanted) > 0 && !wanted[ev.Type] {
				continue
			}
			if err := stream.SendMsg(ev); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil // client disconnected
		}
	}
}

func remoteAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok {
		return p.Addr.String()
	}
	return ""
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*IndexServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "TriggerAll",
			Handler:    triggerAllHandler,
		},
		{
			MethodName: "Trigger",
			Handler:    triggerHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "fdpindex",
}

func triggerAllHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(TriggerAllRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IndexServer).TriggerAll(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + serviceName + "/TriggerAll",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IndexServer).TriggerAll(ctx, req.(*TriggerAllRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func triggerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(TriggerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IndexServer).Trigger(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + serviceName + "/Trigger",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IndexServer).Trigger(ctx, req.(*TriggerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(IndexServer).Subscribe(in, stream)
}
