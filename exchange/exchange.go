// Package exchange assembles the task auction exchange: storage, reputation,
// queue, admission control, registry, coordinator, dispatcher, and the
// websocket transport, behind a small facade. Clients submit, cancel, and
// poll tasks here; agents connect through the transport and are routed back
// into the facade via the session handler.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/taskex/taskex/auction"
	"github.com/taskex/taskex/breaker"
	"github.com/taskex/taskex/clock"
	"github.com/taskex/taskex/dispatch"
	"github.com/taskex/taskex/events"
	"github.com/taskex/taskex/log"
	"github.com/taskex/taskex/metrics"
	"github.com/taskex/taskex/protocol"
	"github.com/taskex/taskex/queue"
	"github.com/taskex/taskex/ratelimit"
	"github.com/taskex/taskex/registry"
	"github.com/taskex/taskex/remote"
	"github.com/taskex/taskex/reputation"
	"github.com/taskex/taskex/storage"
	"github.com/taskex/taskex/transport"
	"github.com/taskex/taskex/types"
)

// ErrShuttingDown rejects submissions during drain.
var ErrShuttingDown = errors.New("exchange: shutting down")

// Exchange is the broker facade. One instance owns every subsystem; all
// methods are safe for concurrent use.
type Exchange struct {
	cfg    Config
	clk    clock.Clock
	logger *log.Logger
	bus    *events.Bus

	adapter storage.Adapter
	tasks   *TaskStore
	queue   *queue.TaskQueue
	limiter *ratelimit.Limiter
	rep     *reputation.Store
	reg     *registry.Registry
	coord   *auction.Coordinator
	disp    *dispatch.Dispatcher
	server  *transport.Server
	ops     *opsServer
	maker   *marketMaker
	remotec *remote.Client
	proxies []*remoteProxy

	draining atomic.Bool
	started  atomic.Bool

	stopTickers chan struct{}
	tickersDone chan struct{}
}

// New wires an Exchange from the configuration. Nothing listens until Start.
func New(cfg Config, clk clock.Clock, logger *log.Logger) (*Exchange, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = log.Default()
	}

	var adapter storage.Adapter
	switch cfg.Storage.Backend {
	case StorageFile:
		fs, err := storage.NewFileStore(storage.FileStoreConfig{
			Dir:           cfg.Storage.Path,
			FlushInterval: ms(cfg.Storage.FlushIntervalMs),
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		adapter = fs
	default:
		adapter = storage.NewMemoryStore()
	}

	bus := events.NewBus(64)
	rep, err := reputation.NewStore(cfg.reputationConfig(), adapter, bus, clk, logger)
	if err != nil {
		adapter.Close()
		return nil, err
	}

	ex := &Exchange{
		cfg:         cfg,
		clk:         clk,
		logger:      logger.Module("exchange"),
		bus:         bus,
		adapter:     adapter,
		tasks:       NewTaskStore(),
		queue:       queue.New(),
		limiter:     ratelimit.New(cfg.RateLimit, clk),
		rep:         rep,
		stopTickers: make(chan struct{}),
		tickersDone: make(chan struct{}),
	}
	ex.reg = registry.New(cfg.heartbeatTimeout(), bus, clk, logger)
	ex.disp = dispatch.New(cfg.dispatchConfig(), ex.tasks, ex.reg, rep, ex, ex.limiter, bus, clk, logger)

	acfg := cfg.auctionConfig()
	acfg.Categories = cfg.categoryNames()
	ex.coord = auction.New(acfg, ex.tasks, ex.queue, ex.reg, ex.limiter, rep, ex, ex.disp,
		bus, clk, logger)

	tcfg := transport.DefaultConfig()
	tcfg.Addr = fmt.Sprintf(":%d", cfg.Port)
	tcfg.HeartbeatInterval = cfg.heartbeatInterval()
	ex.server = transport.NewServer(tcfg, ex, clk, logger)

	if cfg.OpsPort >= 0 {
		ex.ops = newOpsServer(ex, fmt.Sprintf(":%d", cfg.OpsPort), logger)
	}
	if len(cfg.RemoteAgents) > 0 {
		brk := breaker.New(breaker.DefaultConfig(), clk)
		ex.remotec = remote.New(remote.DefaultConfig(), brk, nil, clk, logger)
	}
	return ex, nil
}

// Start binds the transport, launches the coordinator and the background
// sweeps, and connects the market maker when enabled.
func (e *Exchange) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := e.server.Start(); err != nil {
		return err
	}
	if e.ops != nil {
		if err := e.ops.start(); err != nil {
			e.server.Stop(context.Background())
			return err
		}
	}
	e.coord.Start()
	go e.runTickers()
	go e.relayMetrics(e.bus.Subscribe(
		events.AuctionOpened, events.AuctionBid, events.AuctionClosed,
		events.TaskSettled, events.TaskBusted, events.TaskDeadLetter,
		events.AgentFlagged))

	if e.cfg.MarketMaker.Enabled {
		maker, err := newMarketMaker(e, e.cfg.MarketMaker, e.logger)
		if err != nil {
			e.logger.Error("market maker failed to register", "err", err)
		} else {
			e.maker = maker
		}
	}
	for _, rc := range e.cfg.RemoteAgents {
		proxy, err := newRemoteProxy(e, e.remotec, rc)
		if err != nil {
			e.logger.Error("remote agent failed to register", "agent", rc.AgentID, "err", err)
			continue
		}
		e.proxies = append(e.proxies, proxy)
	}
	e.logger.Info("exchange started",
		"addr", e.server.Addr(), "storage", e.cfg.Storage.Backend,
		"marketMaker", e.cfg.MarketMaker.Enabled)
	return nil
}

// Addr returns the bound transport address.
func (e *Exchange) Addr() string { return e.server.Addr() }

// OpsAddr returns the bound ops address, or "" when disabled.
func (e *Exchange) OpsAddr() string {
	if e.ops == nil {
		return ""
	}
	return e.ops.addr()
}

// Bus exposes the event bus for observers.
func (e *Exchange) Bus() *events.Bus { return e.bus }

// runTickers drives the registry health sweep and reputation decay.
func (e *Exchange) runTickers() {
	defer close(e.tickersDone)
	sweep := e.cfg.heartbeatInterval()
	if sweep <= 0 {
		sweep = 10 * time.Second
	}
	decay := ms(e.cfg.Reputation.DecayIntervalMs)
	if decay <= 0 {
		decay = 24 * time.Hour
	}
	sweepCh := e.clk.After(sweep)
	decayCh := e.clk.After(decay)
	for {
		select {
		case <-sweepCh:
			e.reg.CheckHealth()
			metrics.AgentsConnected.Set(int64(e.reg.Count()))
			metrics.QueueDepth.Set(int64(e.queue.Len()))
			sweepCh = e.clk.After(sweep)
		case <-decayCh:
			e.rep.DecayAll()
			decayCh = e.clk.After(decay)
		case <-e.stopTickers:
			return
		}
	}
}

// relayMetrics translates bus events into the standard metrics. The loop
// ends when the bus closes the subscription during shutdown.
func (e *Exchange) relayMetrics(sub *events.Subscription) {
	for ev := range sub.Chan() {
		switch ev.Type {
		case events.AuctionOpened:
			metrics.AuctionsOpened.Inc()
		case events.AuctionBid:
			metrics.BidsAccepted.Inc()
		case events.AuctionClosed:
			metrics.AuctionsClosed.Inc()
			data, ok := ev.Data.(events.AuctionEvent)
			if !ok {
				continue
			}
			if data.Bids == 0 {
				metrics.AuctionsEmpty.Inc()
			}
			if task, found := e.tasks.Get(data.TaskID); found &&
				task.AuctionOpened != nil && task.AuctionClosed != nil {
				metrics.AuctionDuration.Observe(
					float64(task.AuctionClosed.Sub(*task.AuctionOpened).Milliseconds()))
			}
		case events.TaskSettled:
			metrics.TasksSettled.Inc()
			data, ok := ev.Data.(events.TaskEvent)
			if !ok {
				continue
			}
			if task, found := e.tasks.Get(data.TaskID); found &&
				task.AssignedAt != nil && task.CompletedAt != nil {
				metrics.ExecutionTime.Observe(
					float64(task.CompletedAt.Sub(*task.AssignedAt).Milliseconds()))
			}
		case events.TaskBusted:
			metrics.AssignmentsBusted.Inc()
		case events.TaskDeadLetter:
			metrics.TasksDeadLettered.Inc()
		case events.AgentFlagged:
			metrics.AgentsFlagged.Inc()
		}
	}
}

// Submit accepts a task for auction. Returns the task id.
func (e *Exchange) Submit(content string, metadata map[string]string, priority types.Priority) (string, error) {
	if e.draining.Load() {
		return "", ErrShuttingDown
	}
	if err := e.limiter.AdmitTask(); err != nil {
		metrics.TasksRejected.Inc()
		return "", err
	}
	task, err := types.NewTask(content, metadata, priority)
	if err != nil {
		return "", err
	}
	if err := e.tasks.Put(task); err != nil {
		return "", err
	}
	metrics.TasksSubmitted.Inc()
	e.bus.Publish(events.TaskSubmitted, events.TaskEvent{TaskID: task.ID})
	if err := e.queue.Enqueue(task); err != nil {
		return "", err
	}
	metrics.QueueDepth.Set(int64(e.queue.Len()))
	e.bus.Publish(events.TaskQueued, events.TaskEvent{TaskID: task.ID})
	e.logger.Info("task submitted", "task", task.ID, "priority", task.Priority)
	return task.ID, nil
}

// Cancel marks the task cancelled if it has not reached a terminal state.
// Assigned tasks get a best-effort abort; a late result is discarded.
func (e *Exchange) Cancel(taskID, reason string) bool {
	if reason == "" {
		reason = "cancelled by client"
	}
	snap, ok := e.tasks.Get(taskID)
	if !ok || snap.Status.Terminal() {
		return false
	}

	if e.queue.Contains(taskID) {
		e.queue.Remove(taskID)
		metrics.QueueDepth.Set(int64(e.queue.Len()))
	}
	e.disp.Cancel(taskID, reason)

	now := e.clk.Now()
	if _, err := e.tasks.Update(taskID, func(t *types.Task) error {
		if !types.CanTransition(t.Status, types.TaskCancelled) {
			return fmt.Errorf("task %s already terminal in state %s", t.ID, t.Status)
		}
		t.Status = types.TaskCancelled
		t.Error = reason
		t.CompletedAt = &now
		return nil
	}); err != nil {
		return false
	}
	metrics.TasksCancelled.Inc()
	e.bus.Publish(events.TaskCancelled, events.TaskEvent{TaskID: taskID, Reason: reason})
	e.logger.Info("task cancelled", "task", taskID, "reason", reason)
	return true
}

// GetTask returns a snapshot of the task.
func (e *Exchange) GetTask(taskID string) (*types.Task, bool) {
	return e.tasks.Get(taskID)
}

// Agents returns registry snapshots of every connected agent.
func (e *Exchange) Agents() []registry.Agent { return e.reg.All() }

// ReputationSummary aggregates the reputation store for operators.
func (e *Exchange) ReputationSummary() reputation.Summary { return e.rep.GetSummary() }

// Shutdown drains the exchange: new submissions are refused immediately,
// in-flight auctions and executions get until ctx expires, then sessions are
// forcibly closed.
func (e *Exchange) Shutdown(ctx context.Context) error {
	if !e.draining.CompareAndSwap(false, true) {
		return nil
	}
	e.logger.Info("exchange draining")

	if e.maker != nil {
		e.maker.close()
	}

	drained := e.awaitDrain(ctx)
	for _, proxy := range e.proxies {
		proxy.stop()
	}
	close(e.stopTickers)
	if e.started.Load() {
		<-e.tickersDone
	}
	e.coord.Stop()
	e.disp.Stop()

	var err error
	if e.started.Load() {
		if e.ops != nil {
			e.ops.stop(ctx)
		}
		err = e.server.Stop(ctx)
	}
	e.reg.CloseAll()
	e.bus.Close()
	if cerr := e.adapter.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if !drained {
		e.logger.Warn("shutdown deadline hit with work in flight",
			"auctions", e.coord.Active(), "outstanding", e.disp.Outstanding())
	}
	e.logger.Info("exchange stopped")
	return err
}

// awaitDrain polls until no auctions or executions remain or ctx expires.
func (e *Exchange) awaitDrain(ctx context.Context) bool {
	for {
		if e.coord.Active() == 0 && e.disp.Outstanding() == 0 && e.queue.Len() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// ---------------------------------------------------------------------------
// Sender: outbound delivery through the registry's channels.
// ---------------------------------------------------------------------------

// Send delivers msg to the agent's session, reporting false when the agent
// has no open channel or the write fails.
func (e *Exchange) Send(agentID string, msg any) bool {
	ch, ok := e.reg.Channel(agentID)
	if !ok {
		return false
	}
	if err := ch.Send(msg); err != nil {
		e.logger.Debug("send failed", "agent", agentID, "err", err)
		return false
	}
	if _, isAssign := msg.(*protocol.TaskAssignment); isAssign {
		metrics.AssignmentsSent.Inc()
	}
	return true
}

// ---------------------------------------------------------------------------
// transport.Handler: inbound session routing.
// ---------------------------------------------------------------------------

// HandleRegister admits the agent into the registry and returns the session
// ack. Registration during drain is refused.
func (e *Exchange) HandleRegister(ch registry.Channel, msg *protocol.Register) (*protocol.Registered, error) {
	if e.draining.Load() {
		return nil, ErrShuttingDown
	}
	if _, err := e.reg.Register(ch, msg); err != nil {
		return nil, err
	}
	metrics.AgentsConnected.Set(int64(e.reg.Count()))
	return &protocol.Registered{
		Type:            protocol.MsgRegistered,
		ProtocolVersion: protocol.Version,
		AgentID:         msg.AgentID,
		Config: protocol.SessionConfig{
			HeartbeatIntervalMs: e.cfg.HeartbeatIntervalMs,
			DefaultTimeoutMs:    e.cfg.Auction.ExecutionTimeoutMs,
		},
	}, nil
}

// HandleBidResponse routes a bid to its auction.
func (e *Exchange) HandleBidResponse(msg *protocol.BidResponse) {
	if msg.AgentVersion == "" {
		if rec, err := e.reg.Get(msg.AgentID); err == nil {
			msg.AgentVersion = rec.Version
		}
	}
	e.coord.HandleBidResponse(msg)
}

// HandleTaskResult routes an execution outcome to the dispatcher.
func (e *Exchange) HandleTaskResult(msg *protocol.TaskResultMsg) {
	e.disp.HandleTaskResult(msg)
}

// HandleHeartbeat refreshes the agent's liveness stamp.
func (e *Exchange) HandleHeartbeat(agentID string) {
	e.reg.Heartbeat(agentID)
}

// HandleDisconnect removes the agent and wakes any runner waiting on it.
// A teardown from a session already replaced by a re-registration leaves
// the new record untouched.
func (e *Exchange) HandleDisconnect(ch registry.Channel, agentID, reason string) {
	if err := e.reg.UnregisterChannel(ch, agentID, reason); err != nil {
		return
	}
	e.disp.HandleAgentDisconnect(agentID)
	metrics.AgentsConnected.Set(int64(e.reg.Count()))
}
