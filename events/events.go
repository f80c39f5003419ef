// Package events provides the typed publish-subscribe bus that couples the
// coordinator, dispatcher, registry, and reputation store without direct
// references. All observability flows through here.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies the kind of event published on the bus.
type Type string

// Event types emitted by the exchange.
const (
	TaskSubmitted         Type = "task:submitted"
	TaskQueued            Type = "task:queued"
	TaskAssigned          Type = "task:assigned"
	TaskSettled           Type = "task:settled"
	TaskBusted            Type = "task:busted"
	TaskDeadLetter        Type = "task:dead_letter"
	TaskCancelled         Type = "task:cancelled"
	TaskAgentDisconnected Type = "task:agent_disconnected"
	AuctionOpened         Type = "auction:opened"
	AuctionBid            Type = "auction:bid"
	AuctionClosed         Type = "auction:closed"
	AgentConnected        Type = "agent:connected"
	AgentDisconnected     Type = "agent:disconnected"
	AgentUnhealthy        Type = "agent:unhealthy"
	AgentFlagged          Type = "agent:flagged"
)

// Event is a message published on the bus.
type Event struct {
	Type      Type
	Data      any
	Timestamp time.Time
}

// TaskEvent is the payload for task:* events.
type TaskEvent struct {
	TaskID  string
	AgentID string
	Attempt int
	Reason  string
}

// AuctionEvent is the payload for auction:* events.
type AuctionEvent struct {
	AuctionID string
	TaskID    string
	AgentID   string
	Bids      int
	Winner    string
	Backups   []string
}

// AgentEvent is the payload for agent:* events.
type AgentEvent struct {
	AgentID string
	Version string
	Reason  string
}

// Subscription receives events matching a set of types.
type Subscription struct {
	id     uint64
	types  map[Type]struct{}
	ch     chan Event
	bus    *Bus
	closed atomic.Bool
}

// Chan returns the read-only channel delivering matching events.
func (s *Subscription) Chan() <-chan Event { return s.ch }

// Unsubscribe removes this subscription from the bus and closes the
// underlying channel. Safe to call multiple times.
func (s *Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.Unsubscribe(s)
	}
}

// Bus is a typed pub/sub hub. All methods are safe for concurrent use.
type Bus struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscription
	nextID     uint64
	bufferSize int
	closed     bool
}

// NewBus creates a Bus. bufferSize controls the channel buffer for each
// subscription; 0 means unbuffered.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Bus{
		subs:       make(map[uint64]*Subscription),
		bufferSize: bufferSize,
	}
}

// Subscribe creates a subscription for the given event types. With no
// arguments the subscription matches every type.
func (b *Bus) Subscribe(typ ...Type) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub := &Subscription{ch: make(chan Event), types: map[Type]struct{}{}}
		sub.closed.Store(true)
		close(sub.ch)
		return sub
	}

	b.nextID++
	var typeSet map[Type]struct{}
	if len(typ) > 0 {
		typeSet = make(map[Type]struct{}, len(typ))
		for _, t := range typ {
			typeSet[t] = struct{}{}
		}
	}
	sub := &Subscription{
		id:    b.nextID,
		types: typeSet,
		ch:    make(chan Event, b.bufferSize),
		bus:   b,
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub from the bus and closes its channel. Safe to
// call multiple times or with nil.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	if !sub.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	close(sub.ch)
}

// Publish delivers an event to all matching subscribers without blocking.
// Slow subscribers with a full buffer miss the event; the bus favours
// broker liveness over lossless delivery.
func (b *Bus) Publish(typ Type, data any) {
	event := Event{Type: typ, Data: data, Timestamp: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.closed.Load() {
			continue
		}
		if sub.types != nil {
			if _, ok := sub.types[typ]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions matching typ.
func (b *Bus) SubscriberCount(typ Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, sub := range b.subs {
		if sub.closed.Load() {
			continue
		}
		if sub.types == nil {
			count++
			continue
		}
		if _, ok := sub.types[typ]; ok {
			count++
		}
	}
	return count
}

// Close shuts down the bus. All subscription channels are closed and no
// further events can be published.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	toClose := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		toClose = append(toClose, sub)
	}
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range toClose {
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.ch)
		}
	}
}
