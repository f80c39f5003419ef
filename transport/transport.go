// Package transport carries the persistent bidirectional agent sessions:
// a websocket server for remote agents and a local in-process channel for
// the market maker and tests. Frames are the JSON shapes from protocol;
// message order is preserved within a session, never across sessions.
package transport

import (
	"time"

	"github.com/taskex/taskex/protocol"
	"github.com/taskex/taskex/registry"
)

// Handler is the broker side of a session: the exchange facade implements
// it by delegating to the registry, coordinator, and dispatcher.
type Handler interface {
	// HandleRegister admits an agent and returns the registration ack.
	HandleRegister(ch registry.Channel, msg *protocol.Register) (*protocol.Registered, error)
	// HandleBidResponse routes a sealed bid or decline.
	HandleBidResponse(msg *protocol.BidResponse)
	// HandleTaskResult routes an execution outcome.
	HandleTaskResult(msg *protocol.TaskResultMsg)
	// HandleHeartbeat refreshes the agent's liveness stamp.
	HandleHeartbeat(agentID string)
	// HandleDisconnect tears down the agent's session state. ch is the
	// session being torn down; a stale channel must not evict a record
	// already replaced by a re-registration.
	HandleDisconnect(ch registry.Channel, agentID, reason string)
}

// Config bounds the websocket server.
type Config struct {
	// Addr is the listen address, for example ":7465".
	Addr string `yaml:"addr"`
	// HeartbeatInterval is how often the server pings each session.
	HeartbeatInterval time.Duration `yaml:"heartbeatIntervalMs"`
	// DefaultTimeout is advertised to agents in the registration ack.
	DefaultTimeout time.Duration `yaml:"defaultTimeoutMs"`
	// MaxFrameBytes caps inbound frame size.
	MaxFrameBytes int64 `yaml:"maxFrameBytes"`
}

// DefaultConfig returns standard transport settings.
func DefaultConfig() Config {
	return Config{
		Addr:              ":7465",
		HeartbeatInterval: 10 * time.Second,
		DefaultTimeout:    30 * time.Second,
		MaxFrameBytes:     1 << 20,
	}
}
