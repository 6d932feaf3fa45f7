package rpc

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type fakeServer struct {
	votes  int
	leader string
}

func (f *fakeServer) RequestVote(ctx context.Context, req *VoteRequestMsg) (*VoteResponseMsg, error) {
	f.votes++
	return &VoteResponseMsg{Term: req.Term, Code: VoteGranted}, nil
}

func (f *fakeServer) Append(ctx context.Context, req *AppendRequestMsg) (*AppendResponseMsg, error) {
	return &AppendResponseMsg{Term: req.Term, Code: AppendAccepted}, nil
}

func (f *fakeServer) Get(ctx context.Context, req *GetRequestMsg) (*GetResponseMsg, error) {
	if f.leader != "" {
		return &GetResponseMsg{Code: GetRedirect, LeaderAddr: f.leader}, nil
	}
	if string(req.Key) == "missing" {
		return &GetResponseMsg{Code: GetMissing}, nil
	}
	return &GetResponseMsg{Code: GetOK, Value: []byte("value-for-" + string(req.Key))}, nil
}

func (f *fakeServer) Put(ctx context.Context, req *PutRequestMsg) (*PutResponseMsg, error) {
	return &PutResponseMsg{Code: PutOK}, nil
}

func startBufconnServer(t *testing.T, srv Server) (*grpc.ClientConn, func()) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)

	s := grpc.NewServer()
	RegisterServer(s, srv)
	go s.Serve(lis)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}
	cc, err := grpc.Dial("bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}

	return cc, func() {
		cc.Close()
		s.Stop()
	}
}

func TestService_RequestVoteRoundTrip(t *testing.T) {
	fake := &fakeServer{}
	cc, cleanup := startBufconnServer(t, fake)
	defer cleanup()

	out := new(VoteResponseMsg)
	err := cc.Invoke(context.Background(), "/"+serviceName+"/RequestVote", &VoteRequestMsg{Term: 5, CandidateID: "n1"}, out)
	if err != nil {
		t.Fatal(err)
	}
	if out.Term != 5 || out.Code != VoteGranted {
		t.Fatalf("unexpected response: %+v", out)
	}
	if fake.votes != 1 {
		t.Fatalf("expected handler to be invoked once, got %d", fake.votes)
	}
}

func TestService_GetRedirectsToLeader(t *testing.T) {
	fake := &fakeServer{leader: "10.0.0.5:9000"}
	cc, cleanup := startBufconnServer(t, fake)
	defer cleanup()

	out := new(GetResponseMsg)
	err := cc.Invoke(context.Background(), "/"+serviceName+"/Get", &GetRequestMsg{Key: []byte("k")}, out)
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != GetRedirect || out.LeaderAddr != "10.0.0.5:9000" {
		t.Fatalf("expected redirect to leader, got %+v", out)
	}
}

func TestService_GetMissingKey(t *testing.T) {
	fake := &fakeServer{}
	cc, cleanup := startBufconnServer(t, fake)
	defer cleanup()

	out := new(GetResponseMsg)
	err := cc.Invoke(context.Background(), "/"+serviceName+"/Get", &GetRequestMsg{Key: []byte("missing")}, out)
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != GetMissing {
		t.Fatalf("expected GetMissing, got %+v", out)
	}
}

func TestJSONCodec_RoundTrip(t *testing.T) {
	c := jsonCodec{}
	req := &PutRequestMsg{Key: []byte("k"), Value: []byte("v")}

	data, err := c.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}

	out := new(PutRequestMsg)
	if err := c.Unmarshal(data, out); err != nil {
		t.Fatal(err)
	}
	if string(out.Key) != "k" || string(out.Value) != "v" {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}
