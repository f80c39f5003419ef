// Package breaker implements a per-target circuit breaker guarding
// outbound calls to remote agents. Targets trip open after a run of
// failures inside the failure window, fail fast while open, and re-close
// through a single half-open probe.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taskex/taskex/clock"
)

// ErrOpen is returned by Allow while a target's circuit is open.
var ErrOpen = errors.New("breaker: circuit open")

// State of one target's circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config bounds the breaker behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures within
	// FailureWindow that trips the circuit.
	FailureThreshold int `yaml:"failureThreshold"`
	// FailureWindow bounds how long a failure streak stays relevant.
	FailureWindow time.Duration `yaml:"failureWindow"`
	// ResetTimeout is how long an open circuit waits before permitting
	// the half-open probe.
	ResetTimeout time.Duration `yaml:"resetTimeout"`
}

// DefaultConfig returns standard breaker limits.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		ResetTimeout:     30 * time.Second,
	}
}

type circuit struct {
	state        State
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	probing      bool
}

// Breaker tracks one circuit per outbound target. All methods are safe
// for concurrent use.
type Breaker struct {
	cfg Config
	clk clock.Clock

	mu       sync.Mutex
	circuits map[string]*circuit
}

// New creates a Breaker.
func New(cfg Config, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultConfig().FailureWindow
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	return &Breaker{cfg: cfg, clk: clk, circuits: make(map[string]*circuit)}
}

func (b *Breaker) circuitLocked(target string) *circuit {
	c, ok := b.circuits[target]
	if !ok {
		c = &circuit{state: Closed}
		b.circuits[target] = c
	}
	return c
}

// Allow reports whether a call to target may proceed. While open it fails
// fast with ErrOpen until ResetTimeout has elapsed, at which point exactly
// one caller is admitted as the half-open probe.
func (b *Breaker) Allow(target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(target)
	switch c.state {
	case Closed:
		return nil
	case Open:
		if b.clk.Since(c.openedAt) < b.cfg.ResetTimeout {
			return ErrOpen
		}
		c.state = HalfOpen
		c.probing = true
		return nil
	case HalfOpen:
		if c.probing {
			return ErrOpen
		}
		c.probing = true
		return nil
	}
	return nil
}

// RecordSuccess notes a successful call. A half-open probe success closes
// the circuit; in the closed state the failure streak shrinks by one.
func (b *Breaker) RecordSuccess(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(target)
	switch c.state {
	case HalfOpen:
		c.state = Closed
		c.probing = false
		if c.failures > 0 {
			c.failures--
		}
	case Closed:
		if c.failures > 0 {
			c.failures--
		}
	}
}

// RecordFailure notes a failed call. In the closed state it extends the
// failure streak and trips the circuit at the threshold; a half-open probe
// failure reopens immediately.
func (b *Breaker) RecordFailure(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	c := b.circuitLocked(target)
	switch c.state {
	case HalfOpen:
		c.state = Open
		c.openedAt = now
		c.probing = false
	case Closed:
		if c.failures == 0 || now.Sub(c.firstFailure) > b.cfg.FailureWindow {
			c.failures = 0
			c.firstFailure = now
		}
		c.failures++
		if c.failures >= b.cfg.FailureThreshold {
			c.state = Open
			c.openedAt = now
		}
	}
}

// State returns the current state of the target's circuit.
func (b *Breaker) State(target string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[target]
	if !ok {
		return Closed
	}
	return c.state
}

// Failures returns the current failure streak for the target.
func (b *Breaker) Failures(target string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[target]
	if !ok {
		return 0
	}
	return c.failures
}
