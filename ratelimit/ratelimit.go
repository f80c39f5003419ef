// Package ratelimit provides sliding-window admission control for the
// exchange: a global submissions-per-minute window with burst allowance, a
// per-agent dispatch window, and a concurrent-auction slot counter.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taskex/taskex/clock"
)

// window is the sliding-window span for the task rate limits.
const window = time.Minute

// ErrRateLimited is wrapped by all admission rejections.
var ErrRateLimited = errors.New("rate limited")

// LimitError carries the retry hint returned to clients.
type LimitError struct {
	Scope      string        // "global", "agent", "auctions"
	RetryAfter time.Duration // suggested wait before retrying
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry after %s", e.Scope, e.RetryAfter)
}

// Unwrap lets callers match with errors.Is(err, ErrRateLimited).
func (e *LimitError) Unwrap() error { return ErrRateLimited }

// Config bounds the limiter. Zero values disable the respective limit.
type Config struct {
	MaxTasksPerMinute     int `yaml:"maxTasksPerMinute"`
	MaxTasksPerAgent      int `yaml:"maxTasksPerAgent"`
	MaxConcurrentAuctions int `yaml:"maxConcurrentAuctions"`
	BurstAllowance        int `yaml:"burstAllowance"`
}

// DefaultConfig returns the standard admission limits.
func DefaultConfig() Config {
	return Config{
		MaxTasksPerMinute:     120,
		MaxTasksPerAgent:      30,
		MaxConcurrentAuctions: 16,
		BurstAllowance:        20,
	}
}

// Limiter enforces the configured admission limits. All methods are safe
// for concurrent use.
type Limiter struct {
	cfg Config
	clk clock.Clock

	mu             sync.Mutex
	global         []time.Time
	perAgent       map[string][]time.Time
	activeAuctions int
}

// New creates a Limiter.
func New(cfg Config, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Limiter{
		cfg:      cfg,
		clk:      clk,
		perAgent: make(map[string][]time.Time),
	}
}

// AdmitTask records one task submission against the global window.
// On rejection the returned error is a *LimitError.
func (l *Limiter) AdmitTask() error {
	if l.cfg.MaxTasksPerMinute <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	l.global = prune(l.global, now)
	limit := l.cfg.MaxTasksPerMinute + l.cfg.BurstAllowance
	if len(l.global) >= limit {
		return &LimitError{Scope: "global", RetryAfter: retryAfter(l.global, now)}
	}
	l.global = append(l.global, now)
	return nil
}

// AdmitAgentTask records one dispatch to the given agent against its
// per-agent window.
func (l *Limiter) AdmitAgentTask(agentID string) error {
	if l.cfg.MaxTasksPerAgent <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	stamps := prune(l.perAgent[agentID], now)
	if len(stamps) >= l.cfg.MaxTasksPerAgent {
		l.perAgent[agentID] = stamps
		return &LimitError{Scope: "agent", RetryAfter: retryAfter(stamps, now)}
	}
	l.perAgent[agentID] = append(stamps, now)
	return nil
}

// AcquireAuction claims a concurrent-auction slot. Callers must pair a
// successful acquire with ReleaseAuction.
func (l *Limiter) AcquireAuction() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cfg.MaxConcurrentAuctions > 0 && l.activeAuctions >= l.cfg.MaxConcurrentAuctions {
		return false
	}
	l.activeAuctions++
	return true
}

// ReleaseAuction returns a previously acquired auction slot.
func (l *Limiter) ReleaseAuction() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.activeAuctions > 0 {
		l.activeAuctions--
	}
}

// ActiveAuctions returns the number of held auction slots.
func (l *Limiter) ActiveAuctions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeAuctions
}

// prune drops timestamps older than the window.
func prune(stamps []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(stamps); i++ {
		if stamps[i].After(cutoff) {
			break
		}
	}
	return stamps[i:]
}

// retryAfter computes how long until the oldest in-window entry expires.
func retryAfter(stamps []time.Time, now time.Time) time.Duration {
	if len(stamps) == 0 {
		return 0
	}
	d := stamps[0].Add(window).Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}
