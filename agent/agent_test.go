package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/taskex/taskex/clock"
	"github.com/taskex/taskex/log"
	"github.com/taskex/taskex/protocol"
	"github.com/taskex/taskex/registry"
	"github.com/taskex/taskex/transport"
	"github.com/taskex/taskex/types"
)

// testBroker is a minimal broker-side handler for driving the SDK.
type testBroker struct {
	mu       sync.Mutex
	channels map[string]registry.Channel

	registers   chan *protocol.Register
	bids        chan *protocol.BidResponse
	results     chan *protocol.TaskResultMsg
	heartbeats  chan string
	disconnects chan string
}

func newTestBroker() *testBroker {
	return &testBroker{
		channels:    make(map[string]registry.Channel),
		registers:   make(chan *protocol.Register, 8),
		bids:        make(chan *protocol.BidResponse, 8),
		results:     make(chan *protocol.TaskResultMsg, 8),
		heartbeats:  make(chan string, 8),
		disconnects: make(chan string, 8),
	}
}

func (b *testBroker) HandleRegister(ch registry.Channel, msg *protocol.Register) (*protocol.Registered, error) {
	b.mu.Lock()
	b.channels[msg.AgentID] = ch
	b.mu.Unlock()
	b.registers <- msg
	return &protocol.Registered{
		Type: protocol.MsgRegistered, ProtocolVersion: protocol.Version,
		AgentID: msg.AgentID,
		Config:  protocol.SessionConfig{HeartbeatIntervalMs: 10000, DefaultTimeoutMs: 30000},
	}, nil
}

func (b *testBroker) channel(agentID string) registry.Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels[agentID]
}

func (b *testBroker) HandleBidResponse(msg *protocol.BidResponse)  { b.bids <- msg }
func (b *testBroker) HandleTaskResult(msg *protocol.TaskResultMsg) { b.results <- msg }
func (b *testBroker) HandleHeartbeat(agentID string)               { b.heartbeats <- agentID }
func (b *testBroker) HandleDisconnect(ch registry.Channel, agentID, reason string) {
	b.disconnects <- agentID
}

func startBroker(t *testing.T) (*transport.Server, *testBroker) {
	t.Helper()
	b := newTestBroker()
	cfg := transport.DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.HeartbeatInterval = time.Minute
	srv := transport.NewServer(cfg, b, clock.NewSystem(), log.Discard())
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv, b
}

func startAgent(t *testing.T, srv *transport.Server, mutate func(*Config)) *Agent {
	t.Helper()
	cfg := Config{
		BrokerURL:    "ws://" + srv.Addr() + "/",
		AgentID:      "worker-1",
		AgentVersion: "1.0",
		OnBid: func(*protocol.BidRequest) *types.Bid {
			return &types.Bid{Confidence: 0.8}
		},
		OnExecute: func(ctx context.Context, asg *protocol.TaskAssignment) *types.TaskResult {
			return &types.TaskResult{Success: true}
		},
		ReconnectMin: 20 * time.Millisecond,
		ReconnectMax: 100 * time.Millisecond,
		Logger:       log.Discard(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	a.Start()
	t.Cleanup(func() { a.Close() })
	return a
}

func awaitRegister(t *testing.T, b *testBroker) *protocol.Register {
	t.Helper()
	select {
	case reg := <-b.registers:
		return reg
	case <-time.After(3 * time.Second):
		t.Fatal("agent never registered")
		return nil
	}
}

func TestAgentBidAndExecute(t *testing.T) {
	srv, b := startBroker(t)
	startAgent(t, srv, nil)
	reg := awaitRegister(t, b)
	if reg.AgentID != "worker-1" || reg.ProtocolVersion != protocol.Version {
		t.Fatalf("register = %+v", reg)
	}

	ch := b.channel("worker-1")
	if err := ch.Send(&protocol.BidRequest{
		Type: protocol.MsgBidRequest, AuctionID: "auc-1",
		Task: &types.Task{ID: "t-1", Content: "work"},
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case bid := <-b.bids:
		if bid.AuctionID != "auc-1" || bid.Bid == nil || bid.Bid.Confidence != 0.8 {
			t.Fatalf("bid = %+v", bid)
		}
		if bid.AgentID != "worker-1" || bid.AgentVersion != "1.0" {
			t.Fatalf("bid identity = %s/%s", bid.AgentID, bid.AgentVersion)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no bid response")
	}

	if err := ch.Send(&protocol.TaskAssignment{
		Type: protocol.MsgTaskAssignment, TaskID: "t-1",
		Task: &types.Task{ID: "t-1", Content: "work"},
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case res := <-b.results:
		if res.TaskID != "t-1" || !res.Result.Success {
			t.Fatalf("result = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no task result")
	}
}

func TestAgentDeclines(t *testing.T) {
	srv, b := startBroker(t)
	startAgent(t, srv, func(cfg *Config) {
		cfg.OnBid = func(*protocol.BidRequest) *types.Bid { return nil }
	})
	awaitRegister(t, b)

	b.channel("worker-1").Send(&protocol.BidRequest{
		Type: protocol.MsgBidRequest, AuctionID: "auc-1",
		Task: &types.Task{ID: "t-1"},
	})
	select {
	case bid := <-b.bids:
		if bid.Bid != nil {
			t.Fatalf("bid = %+v, want formal decline", bid.Bid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no decline frame")
	}
}

func TestAgentDeduplicatesAssignments(t *testing.T) {
	srv, b := startBroker(t)
	startAgent(t, srv, nil)
	awaitRegister(t, b)

	asg := &protocol.TaskAssignment{
		Type: protocol.MsgTaskAssignment, TaskID: "t-dup",
		Task: &types.Task{ID: "t-dup", Content: "once"},
	}
	ch := b.channel("worker-1")
	ch.Send(asg)
	ch.Send(asg)

	select {
	case <-b.results:
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}
	select {
	case res := <-b.results:
		t.Fatalf("duplicate assignment executed: %+v", res)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAgentCancelStopsExecution(t *testing.T) {
	srv, b := startBroker(t)
	started := make(chan struct{})
	startAgent(t, srv, func(cfg *Config) {
		cfg.OnExecute = func(ctx context.Context, asg *protocol.TaskAssignment) *types.TaskResult {
			close(started)
			<-ctx.Done()
			return nil
		}
	})
	awaitRegister(t, b)

	ch := b.channel("worker-1")
	ch.Send(&protocol.TaskAssignment{
		Type: protocol.MsgTaskAssignment, TaskID: "t-slow",
		Task: &types.Task{ID: "t-slow"},
	})
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("execution never started")
	}
	ch.Send(&protocol.TaskCancel{Type: protocol.MsgTaskCancel, TaskID: "t-slow", Reason: "timeout"})

	select {
	case res := <-b.results:
		t.Fatalf("cancelled execution reported a result: %+v", res)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestAgentRepliesToPing(t *testing.T) {
	srv, b := startBroker(t)
	startAgent(t, srv, nil)
	awaitRegister(t, b)

	b.channel("worker-1").Send(&protocol.Ping{Type: protocol.MsgPing, Timestamp: 99})
	select {
	case id := <-b.heartbeats:
		if id != "worker-1" {
			t.Fatalf("heartbeat from %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pong never refreshed the heartbeat")
	}
}

func TestAgentReconnects(t *testing.T) {
	srv, b := startBroker(t)
	startAgent(t, srv, nil)
	awaitRegister(t, b)

	// Broker-side close forces the SDK through its reconnect path.
	b.channel("worker-1").Close()

	reg := awaitRegister(t, b)
	if reg.AgentID != "worker-1" {
		t.Fatalf("re-register = %+v", reg)
	}

	// The new session is live.
	b.channel("worker-1").Send(&protocol.BidRequest{
		Type: protocol.MsgBidRequest, AuctionID: "auc-2",
		Task: &types.Task{ID: "t-2"},
	})
	select {
	case bid := <-b.bids:
		if bid.AuctionID != "auc-2" {
			t.Fatalf("bid = %+v", bid)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no bid after reconnect")
	}
}
