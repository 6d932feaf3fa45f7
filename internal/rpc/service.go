package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// serviceName is the fully-qualified service name used in both the
// hand-written ServiceDesc and the client's method paths.
const serviceName = "kvraft.KVRaft"

// Server is implemented by whatever wires together a Raft node and a
// storage engine to answer RPCs (internal/server.Handler in this repo).
type Server interface {
	RequestVote(context.Context, *VoteRequestMsg) (*VoteResponseMsg, error)
	Append(context.Context, *AppendRequestMsg) (*AppendResponseMsg, error)
	Get(context.Context, *GetRequestMsg) (*GetResponseMsg, error)
	Put(context.Context, *PutRequestMsg) (*PutResponseMsg, error)
}

// RegisterServer attaches srv's four methods to a *grpc.Server via a
// hand-rolled grpc.ServiceDesc, standing in for what protoc-gen-go-grpc
// would otherwise generate from a .proto file.
func RegisterServer(s *grpc.Server, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "Append", Handler: appendHandler},
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "Put", Handler: putHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kvraft.proto",
}

func requestVoteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(VoteRequestMsg)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).RequestVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RequestVote"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).RequestVote(ctx, req.(*VoteRequestMsg))
	}
	return interceptor(ctx, in, info, handler)
}

func appendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AppendRequestMsg)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Append(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Append"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Append(ctx, req.(*AppendRequestMsg))
	}
	return interceptor(ctx, in, info, handler)
}

func getHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetRequestMsg)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Get"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Get(ctx, req.(*GetRequestMsg))
	}
	return interceptor(ctx, in, info, handler)
}

func putHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PutRequestMsg)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Put(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Put"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Put(ctx, req.(*PutRequestMsg))
	}
	return interceptor(ctx, in, info, handler)
}
