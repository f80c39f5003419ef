// Package dispatch delivers assignments to winning agents and reacts to the
// outcome: settle on success, cascade to the next backup on failure or
// timeout, and dead-letter when retries are exhausted. Per-task state is
// serialized by a single runner goroutine, which guarantees exactly one
// reputation event per (task, agent, attempt) no matter how result, timeout,
// and disconnect arrivals interleave.
package dispatch

import (
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/taskex/taskex/clock"
	"github.com/taskex/taskex/events"
	"github.com/taskex/taskex/log"
	"github.com/taskex/taskex/protocol"
	"github.com/taskex/taskex/registry"
	"github.com/taskex/taskex/reputation"
	"github.com/taskex/taskex/types"
)

// TaskStore provides snapshot reads and serialized mutation of task state.
type TaskStore interface {
	Get(id string) (*types.Task, bool)
	Update(id string, fn func(*types.Task) error) (*types.Task, error)
}

// Sender delivers an outbound frame to a connected agent, reporting false
// when no open channel exists for the id.
type Sender interface {
	Send(agentID string, msg any) bool
}

// Reputation is the dispatcher's view of the reputation store.
type Reputation interface {
	RecordSuccess(agentID, version string)
	RecordFailure(agentID, version string, ctx reputation.FailureContext)
}

// Limiter admits one dispatch against the agent's rate window. A nil
// Limiter admits everything.
type Limiter interface {
	AdmitAgentTask(agentID string) error
}

// Config bounds execution monitoring.
type Config struct {
	// ExecutionTimeout is how long an assigned agent may hold a task
	// before the dispatcher treats it as timed out.
	ExecutionTimeout time.Duration `yaml:"executionTimeoutMs"`
	// MaxAuctionAttempts caps backup cascading together with the backup
	// queue length.
	MaxAuctionAttempts int `yaml:"maxAuctionAttempts"`
	// ResultDedupTTL is how long processed (task, agent) results are
	// remembered for duplicate suppression.
	ResultDedupTTL time.Duration `yaml:"resultDedupTTL"`
}

// DefaultConfig returns standard dispatch limits.
func DefaultConfig() Config {
	return Config{
		ExecutionTimeout:   30 * time.Second,
		MaxAuctionAttempts: 3,
		ResultDedupTTL:     5 * time.Minute,
	}
}

// execution is the runner-side wait state for one outstanding assignment.
type execution struct {
	agentID      string
	resultCh     chan *types.TaskResult
	cancelCh     chan string
	disconnectCh chan struct{}
}

// Dispatcher owns the ASSIGNED→{SETTLED,BUSTED,DEAD_LETTER} leg of the task
// lifecycle. All methods are safe for concurrent use.
type Dispatcher struct {
	cfg     Config
	store   TaskStore
	reg     *registry.Registry
	rep     Reputation
	sender  Sender
	limiter Limiter
	bus     *events.Bus
	clk     clock.Clock
	logger  *log.Logger

	mu      sync.Mutex
	waiting map[string]*execution

	// seen suppresses duplicate result frames for already-processed
	// (task, agent) pairs.
	seen *gocache.Cache

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Dispatcher. limiter may be nil to disable per-agent
// dispatch limits.
func New(cfg Config, store TaskStore, reg *registry.Registry, rep Reputation,
	sender Sender, limiter Limiter, bus *events.Bus, clk clock.Clock, logger *log.Logger) *Dispatcher {

	def := DefaultConfig()
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = def.ExecutionTimeout
	}
	if cfg.MaxAuctionAttempts <= 0 {
		cfg.MaxAuctionAttempts = def.MaxAuctionAttempts
	}
	if cfg.ResultDedupTTL <= 0 {
		cfg.ResultDedupTTL = def.ResultDedupTTL
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		reg:     reg,
		rep:     rep,
		sender:  sender,
		limiter: limiter,
		bus:     bus,
		clk:     clk,
		logger:  logger.Module("dispatch"),
		waiting: make(map[string]*execution),
		seen:    gocache.New(cfg.ResultDedupTTL, 2*cfg.ResultDedupTTL),
		stop:    make(chan struct{}),
	}
}

// Stop shuts the dispatcher down, abandoning outstanding waits.
func (d *Dispatcher) Stop() {
	close(d.stop)
	d.wg.Wait()
}

// Outstanding returns the number of tasks currently awaiting a result.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiting)
}

// Dispatch takes control of an ASSIGNED task. The winner and backup queue
// are read from the task record; the call returns immediately and the
// cascade runs in its own goroutine.
func (d *Dispatcher) Dispatch(taskID string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for d.attempt(taskID) {
		}
	}()
}

// attempt delivers the current assignment and waits for one outcome.
// Returns true when the cascade should continue with the next backup.
func (d *Dispatcher) attempt(taskID string) bool {
	snap, ok := d.store.Get(taskID)
	if !ok || snap.Status != types.TaskAssigned || snap.AssignedAgent == "" {
		return false
	}
	agentID := snap.AssignedAgent
	version := ""
	if rec, err := d.reg.Get(agentID); err == nil {
		version = rec.Version
	}

	if !d.reg.CanAcceptTask(agentID) {
		d.logger.Warn("assigned agent cannot accept task", "task", taskID, "agent", agentID)
		return d.escalate(taskID, agentID, version, "agent unavailable", outcomeSkip)
	}
	if d.limiter != nil {
		if err := d.limiter.AdmitAgentTask(agentID); err != nil {
			d.logger.Warn("assigned agent rate limited", "task", taskID, "agent", agentID, "err", err)
			return d.escalate(taskID, agentID, version, "agent rate limited", outcomeSkip)
		}
	}

	assignment := &protocol.TaskAssignment{
		Type:           protocol.MsgTaskAssignment,
		TaskID:         taskID,
		Task:           snap,
		IsBackup:       snap.BackupIndex > 0,
		BackupIndex:    snap.BackupIndex,
		TimeoutMs:      d.cfg.ExecutionTimeout.Milliseconds(),
		PreviousErrors: snap.PreviousErrors,
	}

	exec := &execution{
		agentID:      agentID,
		resultCh:     make(chan *types.TaskResult, 1),
		cancelCh:     make(chan string, 1),
		disconnectCh: make(chan struct{}, 1),
	}
	d.mu.Lock()
	d.waiting[taskID] = exec
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.waiting, taskID)
		d.mu.Unlock()
	}()

	if !d.sender.Send(agentID, assignment) {
		d.logger.Warn("assignment undeliverable", "task", taskID, "agent", agentID)
		return d.escalate(taskID, agentID, version, "assignment delivery failed", outcomeSkip)
	}
	d.reg.IncrementTaskCount(agentID)
	defer d.reg.DecrementTaskCount(agentID)

	timeoutAt := d.clk.Now().Add(d.cfg.ExecutionTimeout)
	d.store.Update(taskID, func(t *types.Task) error {
		t.TimeoutAt = &timeoutAt
		return nil
	})
	d.logger.Info("task dispatched",
		"task", taskID, "agent", agentID, "backup", assignment.IsBackup)

	select {
	case result := <-exec.resultCh:
		if result.Success {
			return d.settle(taskID, agentID, version, result)
		}
		reason := result.Error
		if reason == "" {
			reason = "agent reported failure"
		}
		return d.escalate(taskID, agentID, version, reason, outcomeFailure)

	case <-d.clk.After(d.cfg.ExecutionTimeout):
		// Best-effort hint; the agent may already be gone.
		d.sender.Send(agentID, &protocol.TaskCancel{
			Type: protocol.MsgTaskCancel, TaskID: taskID, Reason: "execution timeout",
		})
		return d.escalate(taskID, agentID, version, "execution timeout", outcomeTimeout)

	case <-exec.disconnectCh:
		d.bus.Publish(events.TaskAgentDisconnected, events.TaskEvent{
			TaskID: taskID, AgentID: agentID, Reason: "agent disconnected mid-execution",
		})
		return d.escalate(taskID, agentID, version, "agent disconnected", outcomeTimeout)

	case reason := <-exec.cancelCh:
		d.sender.Send(agentID, &protocol.TaskCancel{
			Type: protocol.MsgTaskCancel, TaskID: taskID, Reason: reason,
		})
		d.logger.Info("dispatch cancelled", "task", taskID, "reason", reason)
		return false

	case <-d.stop:
		return false
	}
}

// outcome classifies how an attempt ended for reputation purposes.
type outcome int

const (
	// outcomeSkip escalates without a reputation event: the agent never
	// received the assignment.
	outcomeSkip outcome = iota
	outcomeFailure
	outcomeTimeout
)

// settle marks the task SETTLED. A task cancelled while the result was in
// flight refuses the transition and the late result is dropped without a
// reputation event.
func (d *Dispatcher) settle(taskID, agentID, version string, result *types.TaskResult) bool {
	now := d.clk.Now()
	snap, err := d.store.Update(taskID, func(t *types.Task) error {
		if !types.CanTransition(t.Status, types.TaskSettled) {
			return fmt.Errorf("task %s not settleable in state %s", t.ID, t.Status)
		}
		t.Status = types.TaskSettled
		t.Result = result
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		d.logger.Debug("late result dropped", "task", taskID, "err", err)
		return false
	}
	d.rep.RecordSuccess(agentID, version)
	d.logger.Info("task settled", "task", taskID, "agent", agentID, "durationMs", result.DurationMs)
	d.bus.Publish(events.TaskSettled, events.TaskEvent{
		TaskID: taskID, AgentID: agentID, Attempt: snap.AuctionAttempt,
	})
	return false
}

// escalate busts the current assignment and moves to the next backup, or
// dead-letters the task when backups or attempts are exhausted. Returns
// true when a backup was assigned and the cascade continues.
func (d *Dispatcher) escalate(taskID, agentID, version, reason string, oc outcome) bool {
	now := d.clk.Now()
	entry := fmt.Sprintf("%s: %s", agentID, reason)
	snap, err := d.store.Update(taskID, func(t *types.Task) error {
		if !types.CanTransition(t.Status, types.TaskBusted) {
			return fmt.Errorf("task %s not bustable in state %s", t.ID, t.Status)
		}
		t.Status = types.TaskBusted
		t.PreviousErrors = append(t.PreviousErrors, entry)
		return nil
	})
	if err != nil {
		d.logger.Debug("escalation dropped", "task", taskID, "err", err)
		return false
	}

	switch oc {
	case outcomeFailure:
		d.rep.RecordFailure(agentID, version, reputation.FailureContext{Error: reason})
	case outcomeTimeout:
		d.rep.RecordFailure(agentID, version, reputation.FailureContext{IsTimeout: true, Error: reason})
	}
	d.bus.Publish(events.TaskBusted, events.TaskEvent{
		TaskID: taskID, AgentID: agentID, Attempt: snap.AuctionAttempt, Reason: reason,
	})
	d.logger.Warn("assignment busted", "task", taskID, "agent", agentID, "reason", reason)

	reassigned := false
	final, err := d.store.Update(taskID, func(t *types.Task) error {
		next, ok := t.NextBackup()
		if ok && t.AuctionAttempt < d.cfg.MaxAuctionAttempts {
			if !types.CanTransition(t.Status, types.TaskAssigned) {
				return fmt.Errorf("task %s not reassignable in state %s", t.ID, t.Status)
			}
			t.Status = types.TaskAssigned
			t.AssignedAgent = next
			t.AssignedAt = &now
			reassigned = true
			return nil
		}
		if !types.CanTransition(t.Status, types.TaskDeadLetter) {
			return fmt.Errorf("task %s not dead-letterable in state %s", t.ID, t.Status)
		}
		t.Status = types.TaskDeadLetter
		t.AssignedAgent = ""
		t.Error = "all assignments failed: " + strings.Join(t.PreviousErrors, "; ")
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		return false
	}
	if reassigned {
		d.logger.Info("escalating to backup",
			"task", taskID, "agent", final.AssignedAgent, "backupIndex", final.BackupIndex)
		return true
	}
	d.bus.Publish(events.TaskDeadLetter, events.TaskEvent{
		TaskID: taskID, Attempt: final.AuctionAttempt, Reason: final.Error,
	})
	d.logger.Warn("task dead-lettered", "task", taskID, "reason", final.Error)
	return false
}

// HandleTaskResult routes an inbound result frame to its waiting runner.
// Results with no outstanding wait, from the wrong agent, or already
// processed are dropped.
func (d *Dispatcher) HandleTaskResult(msg *protocol.TaskResultMsg) {
	if msg.Result == nil {
		return
	}
	key := msg.TaskID + "|" + msg.AgentID

	d.mu.Lock()
	exec := d.waiting[msg.TaskID]
	d.mu.Unlock()

	if exec == nil || exec.agentID != msg.AgentID {
		if _, dup := d.seen.Get(key); dup {
			d.logger.Debug("duplicate result dropped", "task", msg.TaskID, "agent", msg.AgentID)
		} else {
			d.logger.Debug("result with no outstanding wait", "task", msg.TaskID, "agent", msg.AgentID)
		}
		return
	}
	d.seen.Set(key, struct{}{}, gocache.DefaultExpiration)
	select {
	case exec.resultCh <- msg.Result:
	default:
	}
}

// HandleAgentDisconnect wakes every runner waiting on the departed agent,
// which treats the loss as a timeout-equivalent failure.
func (d *Dispatcher) HandleAgentDisconnect(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, exec := range d.waiting {
		if exec.agentID != agentID {
			continue
		}
		select {
		case exec.disconnectCh <- struct{}{}:
		default:
		}
	}
}

// Cancel aborts the outstanding wait for the task, if any. The caller is
// responsible for the task's CANCELLED transition; the dispatcher stops its
// timer and sends a best-effort cancel hint to the agent.
func (d *Dispatcher) Cancel(taskID, reason string) bool {
	d.mu.Lock()
	exec := d.waiting[taskID]
	d.mu.Unlock()
	if exec == nil {
		return false
	}
	select {
	case exec.cancelCh <- reason:
	default:
	}
	return true
}
