package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/taskex/taskex/clock"
	"github.com/taskex/taskex/log"
	"github.com/taskex/taskex/protocol"
)

// ErrSessionClosed is returned by Send on a torn-down session.
var ErrSessionClosed = errors.New("transport: session closed")

// session is one websocket agent connection. It satisfies registry.Channel;
// the write mutex keeps outbound frames ordered.
type session struct {
	conn   *websocket.Conn
	logger *log.Logger

	writeMu sync.Mutex
	agentID atomic.Value // string, set after registration
	closed  atomic.Bool
}

// Send encodes and writes one frame. Order is preserved per session.
func (s *session) Send(msg any) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Close tears down the connection. Idempotent.
func (s *session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

func (s *session) agent() string {
	if v := s.agentID.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// sendError delivers a protocol error frame, best effort.
func (s *session) sendError(code, message string) {
	if err := s.Send(protocol.NewError(code, message)); err != nil {
		s.logger.Debug("error frame undeliverable", "code", code, "err", err)
	}
}

// Server accepts websocket agent sessions and routes their frames to the
// Handler. One read loop per session; inbound frames are handled in the
// order received.
type Server struct {
	cfg      Config
	handler  Handler
	clk      clock.Clock
	logger   *log.Logger
	upgrader websocket.Upgrader

	listener net.Listener
	httpSrv  *http.Server

	mu       sync.Mutex
	sessions map[*session]struct{}
	stopped  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a websocket transport Server.
func NewServer(cfg Config, handler Handler, clk clock.Clock, logger *log.Logger) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = def.MaxFrameBytes
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		clk:     clk,
		logger:  logger.Module("transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
		stop:     make(chan struct{}),
	}
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	mux := http.NewServeMux()
	mux.Handle("/", s)
	s.httpSrv = &http.Server{Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("transport server stopped", "err", err)
		}
	}()
	s.logger.Info("transport listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, useful with ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every open session.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	open := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	close(s.stop)
	for _, sess := range open {
		sess.Close()
	}
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

// ServeHTTP upgrades the connection and runs the session read loop.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameBytes)

	sess := &session{conn: conn, logger: s.logger}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(sess)
	}()
}

// SessionCount returns the number of open sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) readLoop(sess *session) {
	defer func() {
		sess.Close()
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		if id := sess.agent(); id != "" {
			s.handler.HandleDisconnect(sess, id, "socket closed")
		}
	}()

	pingStop := make(chan struct{})
	defer close(pingStop)

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			s.logger.Debug("session read ended", "agent", sess.agent(), "err", err)
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrUnknownType):
				sess.sendError(protocol.CodeUnknownType, err.Error())
			default:
				sess.sendError(protocol.CodeMalformedFrame, err.Error())
			}
			continue
		}

		switch m := msg.(type) {
		case *protocol.Register:
			if m.ProtocolVersion != protocol.Version {
				sess.sendError(protocol.CodeVersionMismatch,
					fmt.Sprintf("broker speaks protocol %s, agent sent %s", protocol.Version, m.ProtocolVersion))
				return
			}
			ack, err := s.handler.HandleRegister(sess, m)
			if err != nil {
				sess.sendError(protocol.CodeAuthFailed, err.Error())
				return
			}
			first := sess.agent() == ""
			sess.agentID.Store(m.AgentID)
			if err := sess.Send(ack); err != nil {
				return
			}
			if first {
				s.startPinger(sess, pingStop)
			}

		case *protocol.BidResponse:
			id := sess.agent()
			if id == "" {
				sess.sendError(protocol.CodeNotRegistered, "register before bidding")
				continue
			}
			if m.AgentID == "" {
				m.AgentID = id
			}
			s.handler.HandleBidResponse(m)

		case *protocol.TaskResultMsg:
			id := sess.agent()
			if id == "" {
				sess.sendError(protocol.CodeNotRegistered, "register before reporting results")
				continue
			}
			if m.AgentID == "" {
				m.AgentID = id
			}
			s.handler.HandleTaskResult(m)

		case *protocol.Ping:
			sess.Send(&protocol.Pong{Type: protocol.MsgPong, Timestamp: m.Timestamp})
			if id := sess.agent(); id != "" {
				s.handler.HandleHeartbeat(id)
			}

		case *protocol.Pong:
			if id := sess.agent(); id != "" {
				s.handler.HandleHeartbeat(id)
			}

		default:
			sess.sendError(protocol.CodeUnknownType,
				fmt.Sprintf("frame %T not accepted from agents", msg))
		}
	}
}

// startPinger pings the session on the heartbeat interval. Missed pongs
// surface as stale heartbeats during the registry health sweep.
func (s *Server) startPinger(sess *session, stop chan struct{}) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.clk.After(s.cfg.HeartbeatInterval):
			case <-stop:
				return
			case <-s.stop:
				return
			}
			ping := &protocol.Ping{Type: protocol.MsgPing, Timestamp: s.clk.Now().UnixMilli()}
			if err := sess.Send(ping); err != nil {
				return
			}
		}
	}()
}
