package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// rpcDeadline bounds every outbound call per spec §5's 2s RPC deadline.
const rpcDeadline = 2 * time.Second

// Transport is how a Raft node reaches its peers and how a client-facing
// handler redirects to the current leader. Addresses are "host:port"
// strings taken from raft.cfg.
type Transport interface {
	RequestVote(ctx context.Context, addr string, req *VoteRequestMsg) (*VoteResponseMsg, error)
	Append(ctx context.Context, addr string, req *AppendRequestMsg) (*AppendResponseMsg, error)
	Get(ctx context.Context, addr string, req *GetRequestMsg) (*GetResponseMsg, error)
	Put(ctx context.Context, addr string, req *PutRequestMsg) (*PutResponseMsg, error)
}

// GRPCTransport dials peers lazily and caches the resulting connections.
type GRPCTransport struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCTransport returns a Transport backed by gRPC client connections.
func NewGRPCTransport() *GRPCTransport {
	return &GRPCTransport{conns: make(map[string]*grpc.ClientConn)}
}

func (t *GRPCTransport) conn(addr string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cc, ok := t.conns[addr]; ok {
		return cc, nil
	}
	cc, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	t.conns[addr] = cc
	return cc, nil
}

func (t *GRPCTransport) invoke(ctx context.Context, addr, method string, in, out any) error {
	cc, err := t.conn(addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, rpcDeadline)
	defer cancel()
	return cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out)
}

func (t *GRPCTransport) RequestVote(ctx context.Context, addr string, req *VoteRequestMsg) (*VoteResponseMsg, error) {
	out := new(VoteResponseMsg)
	if err := t.invoke(ctx, addr, "RequestVote", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *GRPCTransport) Append(ctx context.Context, addr string, req *AppendRequestMsg) (*AppendResponseMsg, error) {
	out := new(AppendResponseMsg)
	if err := t.invoke(ctx, addr, "Append", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *GRPCTransport) Get(ctx context.Context, addr string, req *GetRequestMsg) (*GetResponseMsg, error) {
	out := new(GetResponseMsg)
	if err := t.invoke(ctx, addr, "Get", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *GRPCTransport) Put(ctx context.Context, addr string, req *PutRequestMsg) (*PutResponseMsg, error) {
	out := new(PutResponseMsg)
	if err := t.invoke(ctx, addr, "Put", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close tears down every cached connection.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for _, cc := range t.conns {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.conns = make(map[string]*grpc.ClientConn)
	return firstErr
}
