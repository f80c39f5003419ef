// Package registry tracks the agents currently connected to the exchange:
// identity, version, categories, capacity, heartbeat freshness, and health.
// The registry exclusively owns agent records; the transport only holds the
// delivery channel referenced from each record.
package registry

import (
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/taskex/taskex/clock"
	"github.com/taskex/taskex/events"
	"github.com/taskex/taskex/log"
	"github.com/taskex/taskex/protocol"
	"github.com/taskex/taskex/types"
)

// Registry errors.
var (
	ErrUnknownAgent = errors.New("registry: unknown agent")
	ErrEmptyAgentID = errors.New("registry: empty agent id")
	// ErrStaleChannel reports an unregister from a channel that no longer
	// holds the agent's record, typically a replaced session tearing down.
	ErrStaleChannel = errors.New("registry: stale channel")
)

// Channel is the transport-owned delivery handle for one agent session.
type Channel interface {
	// Send encodes and delivers one frame. It returns an error when the
	// session is closed or the write fails.
	Send(msg any) error
	// Close tears down the session.
	Close() error
}

// Agent is the registry's record for one connected agent. CurrentTasks is
// maintained by the dispatcher through the increment/decrement operations.
type Agent struct {
	ID           string                  `json:"id"`
	Version      string                  `json:"version"`
	Categories   []string                `json:"categories,omitempty"`
	Capabilities types.AgentCapabilities `json:"capabilities"`

	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Healthy       bool      `json:"healthy"`
	CurrentTasks  int       `json:"currentTasks"`

	// KeyFingerprint is the SHA3-256 of the registration API key; the
	// raw key is never retained.
	KeyFingerprint string `json:"keyFingerprint,omitempty"`
}

// Registry maintains the connected-agent set. All methods are safe for
// concurrent use; per-agent mutations serialize under the registry lock.
type Registry struct {
	bus    *events.Bus
	clk    clock.Clock
	logger *log.Logger

	// HealthTimeout marks agents whose last heartbeat is older than this
	// as unhealthy during CheckHealth.
	healthTimeout time.Duration

	mu       sync.RWMutex
	agents   map[string]*Agent
	channels map[string]Channel
}

// New creates a Registry. healthTimeout bounds heartbeat staleness.
func New(healthTimeout time.Duration, bus *events.Bus, clk clock.Clock, logger *log.Logger) *Registry {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		bus:           bus,
		clk:           clk,
		logger:        logger.Module("registry"),
		healthTimeout: healthTimeout,
		agents:        make(map[string]*Agent),
		channels:      make(map[string]Channel),
	}
}

// Fingerprint returns the hex SHA3-256 of an API key, or "" for none.
func Fingerprint(apiKey string) string {
	if apiKey == "" {
		return ""
	}
	sum := sha3.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Register creates a record for the agent described by reg, holding ch as
// its delivery channel. A pre-existing record with the same id is replaced
// and its channel closed before the new record becomes visible.
func (r *Registry) Register(ch Channel, reg *protocol.Register) (*Agent, error) {
	if reg.AgentID == "" {
		return nil, ErrEmptyAgentID
	}

	caps := reg.Capabilities
	if caps.MaxConcurrent <= 0 {
		caps.MaxConcurrent = 1
	}

	r.mu.Lock()
	if old, ok := r.channels[reg.AgentID]; ok && old != nil && old != ch {
		// Replacement completes the old session teardown before the
		// new record is published.
		old.Close()
		r.logger.Info("replacing existing agent session", "agent", reg.AgentID)
	}

	now := r.clk.Now()
	agent := &Agent{
		ID:             reg.AgentID,
		Version:        reg.AgentVersion,
		Categories:     append([]string(nil), reg.Categories...),
		Capabilities:   caps,
		ConnectedAt:    now,
		LastHeartbeat:  now,
		Healthy:        true,
		KeyFingerprint: Fingerprint(reg.APIKey),
	}
	r.agents[reg.AgentID] = agent
	r.channels[reg.AgentID] = ch
	cp := *agent
	r.mu.Unlock()

	r.logger.Info("agent registered",
		"agent", reg.AgentID, "version", reg.AgentVersion,
		"maxConcurrent", caps.MaxConcurrent)
	if r.bus != nil {
		r.bus.Publish(events.AgentConnected, events.AgentEvent{
			AgentID: reg.AgentID, Version: reg.AgentVersion,
		})
	}
	return &cp, nil
}

// Unregister removes the agent and closes its channel.
func (r *Registry) Unregister(agentID, reason string) error {
	return r.unregister(nil, agentID, reason)
}

// UnregisterChannel removes the agent only while ch still holds its record.
// The teardown of a session replaced under the same id arrives after the
// new record is published and must not evict it.
func (r *Registry) UnregisterChannel(ch Channel, agentID, reason string) error {
	return r.unregister(ch, agentID, reason)
}

func (r *Registry) unregister(from Channel, agentID, reason string) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownAgent
	}
	if from != nil && r.channels[agentID] != from {
		r.mu.Unlock()
		r.logger.Debug("stale session teardown ignored", "agent", agentID)
		return ErrStaleChannel
	}
	version := agent.Version
	ch := r.channels[agentID]
	delete(r.agents, agentID)
	delete(r.channels, agentID)
	r.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	r.logger.Info("agent unregistered", "agent", agentID, "reason", reason)
	if r.bus != nil {
		r.bus.Publish(events.AgentDisconnected, events.AgentEvent{
			AgentID: agentID, Version: version, Reason: reason,
		})
	}
	return nil
}

// Heartbeat refreshes the agent's liveness stamp and restores health.
func (r *Registry) Heartbeat(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	agent.LastHeartbeat = r.clk.Now()
	agent.Healthy = true
	return nil
}

// IncrementTaskCount notes one more outstanding assignment for the agent.
func (r *Registry) IncrementTaskCount(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	agent.CurrentTasks++
	return nil
}

// DecrementTaskCount notes the completion of one assignment.
func (r *Registry) DecrementTaskCount(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	if agent.CurrentTasks > 0 {
		agent.CurrentTasks--
	}
	return nil
}

// CanAcceptTask reports whether the agent is healthy with spare capacity.
func (r *Registry) CanAcceptTask(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return false
	}
	return agent.Healthy && agent.CurrentTasks < agent.Capabilities.MaxConcurrent
}

// CheckHealth marks agents with stale heartbeats unhealthy and publishes
// agent:unhealthy for each transition. Returns the ids marked this pass.
func (r *Registry) CheckHealth() []string {
	now := r.clk.Now()
	var marked []string

	r.mu.Lock()
	for id, agent := range r.agents {
		if !agent.Healthy {
			continue
		}
		if now.Sub(agent.LastHeartbeat) > r.healthTimeout {
			agent.Healthy = false
			marked = append(marked, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(marked)
	for _, id := range marked {
		r.logger.Warn("agent heartbeat stale", "agent", id)
		if r.bus != nil {
			r.bus.Publish(events.AgentUnhealthy, events.AgentEvent{AgentID: id, Reason: "heartbeat timeout"})
		}
	}
	return marked
}

// Get returns a snapshot of the agent record.
func (r *Registry) Get(agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, ErrUnknownAgent
	}
	cp := *agent
	cp.Categories = append([]string(nil), agent.Categories...)
	return &cp, nil
}

// Channel returns the delivery channel for the agent, or false when the
// agent is not connected.
func (r *Registry) Channel(agentID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[agentID]
	return ch, ok && ch != nil
}

// HealthyAgents returns snapshots of all healthy agents sorted by id. This
// is the coordinator's invite set.
func (r *Registry) HealthyAgents() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		if !agent.Healthy {
			continue
		}
		cp := *agent
		cp.Categories = append([]string(nil), agent.Categories...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns snapshots of every record sorted by id.
func (r *Registry) All() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		cp := *agent
		cp.Categories = append([]string(nil), agent.Categories...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// CloseAll force-closes every session, removing all records. Used during
// shutdown after the drain deadline.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	channels := r.channels
	r.agents = make(map[string]*Agent)
	r.channels = make(map[string]Channel)
	r.mu.Unlock()

	for _, ch := range channels {
		if ch != nil {
			ch.Close()
		}
	}
}
