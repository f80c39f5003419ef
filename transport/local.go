package transport

import (
	"fmt"
	"sync"

	"github.com/taskex/taskex/protocol"
)

// LocalSession is the in-process counterpart of a websocket session, used
// by the market maker and tests. Broker-bound calls go straight to the
// Handler; agent-bound frames are delivered in order to the receive
// callback by a single consumer goroutine.
type LocalSession struct {
	handler Handler
	recv    func(msg any)

	out chan any

	mu        sync.Mutex
	agentID   string
	closeOnce sync.Once
	done      chan struct{}
}

// NewLocalSession creates a LocalSession delivering broker frames to recv.
func NewLocalSession(handler Handler, recv func(msg any)) *LocalSession {
	s := &LocalSession{
		handler: handler,
		recv:    recv,
		out:     make(chan any, 128),
		done:    make(chan struct{}),
	}
	go s.deliver()
	return s
}

func (s *LocalSession) deliver() {
	for {
		select {
		case msg := <-s.out:
			s.recv(msg)
		case <-s.done:
			return
		}
	}
}

// Send queues one broker-to-agent frame. It satisfies registry.Channel.
func (s *LocalSession) Send(msg any) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- msg:
		return nil
	default:
		return fmt.Errorf("transport: local session buffer full")
	}
}

// Close stops delivery. Idempotent.
func (s *LocalSession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Register runs the registration handshake against the broker handler.
func (s *LocalSession) Register(msg *protocol.Register) (*protocol.Registered, error) {
	ack, err := s.handler.HandleRegister(s, msg)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.agentID = msg.AgentID
	s.mu.Unlock()
	return ack, nil
}

// AgentID returns the registered agent id, or "" before registration.
func (s *LocalSession) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

// SubmitBid delivers a bid response to the broker.
func (s *LocalSession) SubmitBid(msg *protocol.BidResponse) {
	if msg.AgentID == "" {
		msg.AgentID = s.AgentID()
	}
	s.handler.HandleBidResponse(msg)
}

// SubmitResult delivers an execution outcome to the broker.
func (s *LocalSession) SubmitResult(msg *protocol.TaskResultMsg) {
	if msg.AgentID == "" {
		msg.AgentID = s.AgentID()
	}
	s.handler.HandleTaskResult(msg)
}

// Heartbeat refreshes the agent's liveness stamp.
func (s *LocalSession) Heartbeat() {
	if id := s.AgentID(); id != "" {
		s.handler.HandleHeartbeat(id)
	}
}

// Disconnect tears the session down on the broker side as well.
func (s *LocalSession) Disconnect(reason string) {
	s.Close()
	if id := s.AgentID(); id != "" {
		s.handler.HandleDisconnect(s, id, reason)
	}
}
