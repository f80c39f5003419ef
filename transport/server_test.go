package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskex/taskex/clock"
	"github.com/taskex/taskex/log"
	"github.com/taskex/taskex/protocol"
	"github.com/taskex/taskex/registry"
	"github.com/taskex/taskex/types"
)

// fakeHandler records broker-side session callbacks.
type fakeHandler struct {
	mu          sync.Mutex
	channels    map[string]registry.Channel
	registerErr error

	bids        chan *protocol.BidResponse
	results     chan *protocol.TaskResultMsg
	heartbeats  chan string
	disconnects chan string
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		channels:    make(map[string]registry.Channel),
		bids:        make(chan *protocol.BidResponse, 8),
		results:     make(chan *protocol.TaskResultMsg, 8),
		heartbeats:  make(chan string, 8),
		disconnects: make(chan string, 8),
	}
}

func (h *fakeHandler) HandleRegister(ch registry.Channel, msg *protocol.Register) (*protocol.Registered, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.registerErr != nil {
		return nil, h.registerErr
	}
	h.channels[msg.AgentID] = ch
	return &protocol.Registered{
		Type: protocol.MsgRegistered, ProtocolVersion: protocol.Version,
		AgentID: msg.AgentID,
		Config:  protocol.SessionConfig{HeartbeatIntervalMs: 10000, DefaultTimeoutMs: 30000},
	}, nil
}

func (h *fakeHandler) channel(agentID string) registry.Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channels[agentID]
}

func (h *fakeHandler) HandleBidResponse(msg *protocol.BidResponse) { h.bids <- msg }
func (h *fakeHandler) HandleTaskResult(msg *protocol.TaskResultMsg) {
	h.results <- msg
}
func (h *fakeHandler) HandleHeartbeat(agentID string) { h.heartbeats <- agentID }
func (h *fakeHandler) HandleDisconnect(ch registry.Channel, agentID, reason string) {
	h.disconnects <- agentID
}

func startServer(t *testing.T) (*Server, *fakeHandler) {
	t.Helper()
	h := newFakeHandler()
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.HeartbeatInterval = time.Minute
	srv := NewServer(cfg, h, clock.NewSystem(), log.Discard())
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv, h
}

type client struct {
	conn *websocket.Conn
}

func dialClient(t *testing.T, srv *Server) *client {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{conn: conn}
}

func (c *client) send(t *testing.T, msg any) {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *client) read(t *testing.T) any {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func (c *client) register(t *testing.T, agentID string) *protocol.Registered {
	t.Helper()
	c.send(t, &protocol.Register{
		Type: protocol.MsgRegister, ProtocolVersion: protocol.Version,
		AgentID: agentID, AgentVersion: "1.0",
		Capabilities: types.AgentCapabilities{MaxConcurrent: 1},
	})
	ack, ok := c.read(t).(*protocol.Registered)
	if !ok {
		t.Fatal("no registration ack")
	}
	return ack
}

func TestRegisterHandshakeAndOutbound(t *testing.T) {
	srv, h := startServer(t)
	c := dialClient(t, srv)

	ack := c.register(t, "a1")
	if ack.AgentID != "a1" || ack.Config.HeartbeatIntervalMs != 10000 {
		t.Fatalf("ack = %+v", ack)
	}

	// The broker can push frames through the captured channel.
	ch := h.channel("a1")
	if ch == nil {
		t.Fatal("handler did not capture the session channel")
	}
	if err := ch.Send(&protocol.BidRequest{
		Type: protocol.MsgBidRequest, AuctionID: "auc-1",
		Task: &types.Task{ID: "t-1", Content: "x"},
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	req, ok := c.read(t).(*protocol.BidRequest)
	if !ok || req.AuctionID != "auc-1" {
		t.Fatalf("client received %+v", req)
	}
}

func TestVersionMismatchClosesSession(t *testing.T) {
	srv, _ := startServer(t)
	c := dialClient(t, srv)

	c.send(t, &protocol.Register{
		Type: protocol.MsgRegister, ProtocolVersion: "0.9", AgentID: "old",
	})
	errFrame, ok := c.read(t).(*protocol.Error)
	if !ok || errFrame.Code != protocol.CodeVersionMismatch {
		t.Fatalf("frame = %+v", errFrame)
	}
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := c.conn.ReadMessage(); err == nil {
		t.Fatal("session should be closed after version mismatch")
	}
}

func TestUnregisteredBidRejected(t *testing.T) {
	srv, h := startServer(t)
	c := dialClient(t, srv)

	c.send(t, &protocol.BidResponse{Type: protocol.MsgBidResponse, AuctionID: "auc-1"})
	errFrame, ok := c.read(t).(*protocol.Error)
	if !ok || errFrame.Code != protocol.CodeNotRegistered {
		t.Fatalf("frame = %+v", errFrame)
	}
	select {
	case <-h.bids:
		t.Fatal("unregistered bid should not reach the handler")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBidAndResultRouting(t *testing.T) {
	srv, h := startServer(t)
	c := dialClient(t, srv)
	c.register(t, "a1")

	c.send(t, &protocol.BidResponse{
		Type: protocol.MsgBidResponse, AuctionID: "auc-1",
		Bid: &types.Bid{Confidence: 0.8},
	})
	select {
	case bid := <-h.bids:
		if bid.AgentID != "a1" {
			t.Fatalf("bid agent = %q, want session agent filled in", bid.AgentID)
		}
	case <-time.After(time.Second):
		t.Fatal("bid not routed")
	}

	c.send(t, &protocol.TaskResultMsg{
		Type: protocol.MsgTaskResult, TaskID: "t-1",
		Result: &types.TaskResult{Success: true},
	})
	select {
	case res := <-h.results:
		if res.AgentID != "a1" || !res.Result.Success {
			t.Fatalf("result = %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("result not routed")
	}
}

func TestPingPongHeartbeat(t *testing.T) {
	srv, h := startServer(t)
	c := dialClient(t, srv)
	c.register(t, "a1")

	c.send(t, &protocol.Ping{Type: protocol.MsgPing, Timestamp: 12345})
	pong, ok := c.read(t).(*protocol.Pong)
	if !ok || pong.Timestamp != 12345 {
		t.Fatalf("pong = %+v", pong)
	}
	select {
	case id := <-h.heartbeats:
		if id != "a1" {
			t.Fatalf("heartbeat agent = %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("ping did not refresh heartbeat")
	}
}

func TestMalformedFrame(t *testing.T) {
	srv, _ := startServer(t)
	c := dialClient(t, srv)

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	errFrame, ok := c.read(t).(*protocol.Error)
	if !ok || errFrame.Code != protocol.CodeMalformedFrame {
		t.Fatalf("frame = %+v", errFrame)
	}

	c.send(t, map[string]any{"type": "mystery"})
	errFrame, ok = c.read(t).(*protocol.Error)
	if !ok || errFrame.Code != protocol.CodeUnknownType {
		t.Fatalf("frame = %+v", errFrame)
	}
}

func TestDisconnectNotifiesHandler(t *testing.T) {
	srv, h := startServer(t)
	c := dialClient(t, srv)
	c.register(t, "a1")

	c.conn.Close()
	select {
	case id := <-h.disconnects:
		if id != "a1" {
			t.Fatalf("disconnect agent = %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not notified of disconnect")
	}
}

func TestRegisterRejectionClosesSession(t *testing.T) {
	srv, h := startServer(t)
	h.mu.Lock()
	h.registerErr = errors.New("bad api key")
	h.mu.Unlock()
	c := dialClient(t, srv)

	c.send(t, &protocol.Register{
		Type: protocol.MsgRegister, ProtocolVersion: protocol.Version, AgentID: "a1",
	})
	errFrame, ok := c.read(t).(*protocol.Error)
	if !ok || errFrame.Code != protocol.CodeAuthFailed {
		t.Fatalf("frame = %+v", errFrame)
	}
}
