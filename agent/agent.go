// Package agent is the worker SDK for the taskex exchange. It maintains a
// websocket session to the broker, re-registering automatically with
// exponential backoff after a disconnect, and drives the caller's bid and
// execute callbacks from inbound frames.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gocache "github.com/patrickmn/go-cache"

	"github.com/taskex/taskex/log"
	"github.com/taskex/taskex/protocol"
	"github.com/taskex/taskex/types"
)

// Agent errors.
var (
	ErrClosed = errors.New("agent: closed")
	// ErrRejected means the broker refused registration permanently
	// (version mismatch or authentication failure); the agent stops
	// reconnecting.
	ErrRejected = errors.New("agent: registration rejected")
)

// BidFunc prices a bid request. Returning nil declines the auction.
type BidFunc func(req *protocol.BidRequest) *types.Bid

// ExecuteFunc runs an assignment. ctx is cancelled when the broker sends a
// task_cancel or the agent closes. Returning nil sends no result frame.
type ExecuteFunc func(ctx context.Context, assignment *protocol.TaskAssignment) *types.TaskResult

// Config describes the agent and its broker connection.
type Config struct {
	// BrokerURL is the websocket endpoint, e.g. "ws://localhost:7465/".
	BrokerURL    string
	AgentID      string
	AgentVersion string
	Categories   []string
	Capabilities types.AgentCapabilities
	APIKey       string

	OnBid     BidFunc
	OnExecute ExecuteFunc

	// ReconnectMin/Max bound the exponential backoff between dial
	// attempts. Defaults: 500ms and 30s.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// DedupTTL is how long delivered assignment ids are remembered so a
	// re-sent assignment is not executed twice. Default 5m.
	DedupTTL time.Duration

	Logger *log.Logger
}

// Agent is one broker session with automatic reconnect. Create with New,
// drive with Run (blocking) or Start (background), stop with Close.
type Agent struct {
	cfg    Config
	logger *log.Logger
	seen   *gocache.Cache

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex

	execMu     sync.Mutex
	executions map[string]context.CancelFunc

	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New validates the configuration and creates an Agent.
func New(cfg Config) (*Agent, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("agent: broker url is empty")
	}
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent: agent id is empty")
	}
	if cfg.OnExecute == nil {
		return nil, fmt.Errorf("agent: OnExecute is required")
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 5 * time.Minute
	}
	if cfg.Capabilities.MaxConcurrent <= 0 {
		cfg.Capabilities.MaxConcurrent = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Agent{
		cfg:        cfg,
		logger:     cfg.Logger.Module("agent").With("agent", cfg.AgentID),
		seen:       gocache.New(cfg.DedupTTL, 2*cfg.DedupTTL),
		executions: make(map[string]context.CancelFunc),
		stop:       make(chan struct{}),
	}, nil
}

// Start runs the session loop in the background.
func (a *Agent) Start() {
	go a.Run()
}

// Run connects and serves the session, reconnecting with backoff until Close
// is called or the broker rejects the registration permanently.
func (a *Agent) Run() error {
	a.wg.Add(1)
	defer a.wg.Done()
	backoff := a.cfg.ReconnectMin
	for {
		select {
		case <-a.stop:
			return nil
		default:
		}

		err := a.session()
		if errors.Is(err, ErrRejected) {
			a.logger.Error("registration rejected, giving up", "err", err)
			return err
		}
		select {
		case <-a.stop:
			return nil
		default:
		}
		if err != nil {
			a.logger.Warn("session ended, reconnecting", "err", err, "backoff", backoff)
		}
		select {
		case <-a.stop:
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > a.cfg.ReconnectMax {
			backoff = a.cfg.ReconnectMax
		}
	}
}

// Close tears the session down and cancels in-flight executions.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		close(a.stop)
		a.mu.Lock()
		if a.conn != nil {
			a.conn.Close()
		}
		a.mu.Unlock()
		a.execMu.Lock()
		for _, cancel := range a.executions {
			cancel()
		}
		a.execMu.Unlock()
	})
	a.wg.Wait()
	return nil
}

// session dials, registers, and serves frames until the connection drops.
func (a *Agent) session() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(a.cfg.BrokerURL, nil)
	if err != nil {
		return fmt.Errorf("agent: dial %s: %w", a.cfg.BrokerURL, err)
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	defer func() {
		conn.Close()
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
	}()

	if err := a.send(&protocol.Register{
		Type:            protocol.MsgRegister,
		ProtocolVersion: protocol.Version,
		AgentID:         a.cfg.AgentID,
		AgentVersion:    a.cfg.AgentVersion,
		Categories:      a.cfg.Categories,
		Capabilities:    a.cfg.Capabilities,
		APIKey:          a.cfg.APIKey,
	}); err != nil {
		return err
	}

	registered := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("agent: read: %w", err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			a.logger.Warn("dropping undecodable frame", "err", err)
			continue
		}

		switch frame := msg.(type) {
		case *protocol.Registered:
			registered = true
			a.logger.Info("registered",
				"heartbeatMs", frame.Config.HeartbeatIntervalMs)

		case *protocol.BidRequest:
			a.handleBidRequest(frame)

		case *protocol.TaskAssignment:
			a.handleAssignment(frame)

		case *protocol.TaskCancel:
			a.cancelExecution(frame.TaskID)

		case *protocol.Ping:
			a.send(&protocol.Pong{Type: protocol.MsgPong, Timestamp: frame.Timestamp})

		case *protocol.Pong:

		case *protocol.Error:
			if !registered && (frame.Code == protocol.CodeVersionMismatch ||
				frame.Code == protocol.CodeAuthFailed) {
				return fmt.Errorf("%w: %s: %s", ErrRejected, frame.Code, frame.Message)
			}
			a.logger.Warn("broker error frame", "code", frame.Code, "message", frame.Message)

		default:
			a.logger.Debug("ignoring frame", "type", fmt.Sprintf("%T", msg))
		}
	}
}

func (a *Agent) handleBidRequest(req *protocol.BidRequest) {
	var bid *types.Bid
	if a.cfg.OnBid != nil {
		bid = a.cfg.OnBid(req)
	}
	a.send(&protocol.BidResponse{
		Type:         protocol.MsgBidResponse,
		AuctionID:    req.AuctionID,
		AgentID:      a.cfg.AgentID,
		AgentVersion: a.cfg.AgentVersion,
		Bid:          bid,
	})
}

// handleAssignment runs the execute callback in its own goroutine. Re-sent
// assignments inside the dedup window are acknowledged but not re-executed.
func (a *Agent) handleAssignment(assignment *protocol.TaskAssignment) {
	if _, dup := a.seen.Get(assignment.TaskID); dup {
		a.logger.Debug("duplicate assignment ignored", "task", assignment.TaskID)
		return
	}
	a.seen.Set(assignment.TaskID, struct{}{}, gocache.DefaultExpiration)

	ctx, cancel := context.WithCancel(context.Background())
	a.execMu.Lock()
	a.executions[assignment.TaskID] = cancel
	a.execMu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			cancel()
			a.execMu.Lock()
			delete(a.executions, assignment.TaskID)
			a.execMu.Unlock()
		}()

		result := a.cfg.OnExecute(ctx, assignment)
		if result == nil {
			return
		}
		a.send(&protocol.TaskResultMsg{
			Type:    protocol.MsgTaskResult,
			TaskID:  assignment.TaskID,
			AgentID: a.cfg.AgentID,
			Result:  result,
		})
	}()
}

func (a *Agent) cancelExecution(taskID string) {
	a.execMu.Lock()
	cancel := a.executions[taskID]
	a.execMu.Unlock()
	if cancel != nil {
		a.logger.Info("execution cancelled by broker", "task", taskID)
		cancel()
	}
}

// send encodes and writes one frame on the current connection.
func (a *Agent) send(msg any) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("agent: write: %w", err)
	}
	return nil
}
