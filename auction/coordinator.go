package auction

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskex/taskex/clock"
	"github.com/taskex/taskex/events"
	"github.com/taskex/taskex/log"
	"github.com/taskex/taskex/protocol"
	"github.com/taskex/taskex/queue"
	"github.com/taskex/taskex/ratelimit"
	"github.com/taskex/taskex/registry"
	"github.com/taskex/taskex/reputation"
	"github.com/taskex/taskex/types"
)

// TaskStore provides serialized per-task mutation. fn runs under the task's
// exclusive lock; returning an error aborts the update. The returned task
// is a snapshot.
type TaskStore interface {
	Update(id string, fn func(*types.Task) error) (*types.Task, error)
}

// Sender delivers an outbound frame to a connected agent, reporting false
// when no open channel exists for the id.
type Sender interface {
	Send(agentID string, msg any) bool
}

// Dispatcher receives control of a task once a winner has been assigned.
type Dispatcher interface {
	Dispatch(taskID string)
}

// Reputation is the coordinator's view of the reputation store: scores for
// ranking and bid-outcome records for gaming mitigations.
type Reputation interface {
	ScoreProvider
	RecordBidOutcome(agentID, version string, outcome reputation.BidOutcome)
}

// Config bounds auction timing and retry behavior.
type Config struct {
	// Window is how long the order book stays open, clamped to
	// [MinWindow, MaxWindow].
	Window    time.Duration `yaml:"windowMs"`
	MinWindow time.Duration `yaml:"minWindowMs"`
	MaxWindow time.Duration `yaml:"maxWindowMs"`

	// InstantWinEnabled turns on the early-close shortcut for dominant
	// high-confidence bids. Off by default.
	InstantWinEnabled   bool          `yaml:"instantWinEnabled"`
	InstantWinThreshold float64       `yaml:"instantWinThreshold"`
	DominanceMargin     float64       `yaml:"dominanceMargin"`
	GraceInterval       time.Duration `yaml:"graceIntervalMs"`

	// MaxAuctionAttempts caps how many empty auctions a task survives
	// before dead-lettering.
	MaxAuctionAttempts int           `yaml:"maxAuctionAttempts"`
	RequeueBackoff     time.Duration `yaml:"requeueBackoffMs"`

	// MarketMakerID, when set, is always included in the invite set.
	MarketMakerID string `yaml:"marketMakerId,omitempty"`

	// Categories are forwarded in bid-request context. They never filter
	// the invite set.
	Categories []string `yaml:"categories,omitempty"`
}

// DefaultConfig returns standard auction timing.
func DefaultConfig() Config {
	return Config{
		Window:              5 * time.Second,
		MinWindow:           time.Second,
		MaxWindow:           30 * time.Second,
		InstantWinEnabled:   false,
		InstantWinThreshold: 0.90,
		DominanceMargin:     0.20,
		GraceInterval:       250 * time.Millisecond,
		MaxAuctionAttempts:  3,
		RequeueBackoff:      time.Second,
	}
}

// Auction is one bounded-time sealed-bid collection for a task.
type Auction struct {
	ID       string
	TaskID   string
	Invited  map[string]struct{}
	Book     *Book
	OpenedAt time.Time
	CloseAt  time.Time

	closeOnce sync.Once
	closeCh   chan struct{}
}

// signalClose closes the auction early. Idempotent.
func (a *Auction) signalClose() {
	a.closeOnce.Do(func() { close(a.closeCh) })
}

// Coordinator drains the task queue and runs one auction per task: it picks
// the invite set, opens an order book, delivers bid requests, closes the
// book at the deadline or when every invitee has responded, ranks, and
// hands the winner to the dispatcher. Auctions run in parallel up to the
// limiter's concurrent-auctions cap.
type Coordinator struct {
	cfg        Config
	store      TaskStore
	queue      *queue.TaskQueue
	reg        *registry.Registry
	limiter    *ratelimit.Limiter
	rep        Reputation
	sender     Sender
	dispatcher Dispatcher
	bus        *events.Bus
	clk        clock.Clock
	logger     *log.Logger

	mu       sync.Mutex
	auctions map[string]*Auction

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Coordinator. The window is clamped to [MinWindow, MaxWindow].
func New(cfg Config, store TaskStore, q *queue.TaskQueue, reg *registry.Registry,
	limiter *ratelimit.Limiter, rep Reputation, sender Sender, dispatcher Dispatcher,
	bus *events.Bus, clk clock.Clock, logger *log.Logger) *Coordinator {

	def := DefaultConfig()
	if cfg.MinWindow <= 0 {
		cfg.MinWindow = def.MinWindow
	}
	if cfg.MaxWindow <= 0 {
		cfg.MaxWindow = def.MaxWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Window < cfg.MinWindow {
		cfg.Window = cfg.MinWindow
	}
	if cfg.Window > cfg.MaxWindow {
		cfg.Window = cfg.MaxWindow
	}
	if cfg.MaxAuctionAttempts <= 0 {
		cfg.MaxAuctionAttempts = def.MaxAuctionAttempts
	}
	if cfg.RequeueBackoff <= 0 {
		cfg.RequeueBackoff = def.RequeueBackoff
	}
	if cfg.GraceInterval <= 0 {
		cfg.GraceInterval = def.GraceInterval
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		cfg:        cfg,
		store:      store,
		queue:      q,
		reg:        reg,
		limiter:    limiter,
		rep:        rep,
		sender:     sender,
		dispatcher: dispatcher,
		bus:        bus,
		clk:        clk,
		logger:     logger.Module("auction"),
		auctions:   make(map[string]*Auction),
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the queue-draining loop.
func (c *Coordinator) Start() {
	go c.run()
}

// Stop shuts the coordinator down. In-flight auctions are abandoned;
// auction state is best-effort in-memory and does not survive restarts.
func (c *Coordinator) Stop() {
	close(c.stop)
	<-c.done
	c.wg.Wait()
}

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		c.drain()
		select {
		case <-c.stop:
			return
		case <-c.queue.Notify():
		case <-c.kick:
		}
	}
}

// drain opens auctions for queued tasks while the limiter grants slots.
func (c *Coordinator) drain() {
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		if !c.limiter.AcquireAuction() {
			return
		}
		task, ok := c.queue.Dequeue()
		if !ok {
			c.limiter.ReleaseAuction()
			return
		}
		c.wg.Add(1)
		go c.runAuction(task.ID)
	}
}

func (c *Coordinator) kickLoop() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Coordinator) runAuction(taskID string) {
	defer c.wg.Done()
	defer c.limiter.ReleaseAuction()
	defer c.kickLoop()

	auctionID := uuid.NewString()
	now := c.clk.Now()
	closeAt := now.Add(c.cfg.Window)

	snap, err := c.store.Update(taskID, func(t *types.Task) error {
		if !types.CanTransition(t.Status, types.TaskOpen) {
			return fmt.Errorf("task %s not eligible for auction in state %s", t.ID, t.Status)
		}
		t.Status = types.TaskOpen
		t.AuctionID = auctionID
		t.AuctionAttempt++
		t.AuctionOpened = &now
		t.AssignedAgent = ""
		t.BackupQueue = nil
		t.BackupIndex = 0
		return nil
	})
	if err != nil {
		c.logger.Debug("skipping auction", "task", taskID, "err", err)
		return
	}

	invited := c.inviteSet()
	a := &Auction{
		ID:       auctionID,
		TaskID:   taskID,
		Invited:  invited,
		Book:     NewBook(),
		OpenedAt: now,
		CloseAt:  closeAt,
		closeCh:  make(chan struct{}),
	}
	c.mu.Lock()
	c.auctions[auctionID] = a
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.auctions, auctionID)
		c.mu.Unlock()
	}()

	c.bus.Publish(events.AuctionOpened, events.AuctionEvent{
		AuctionID: auctionID, TaskID: taskID,
	})
	c.logger.Info("auction opened",
		"auction", auctionID, "task", taskID,
		"attempt", snap.AuctionAttempt, "invited", len(invited))

	participants := make([]string, 0, len(invited))
	for id := range invited {
		participants = append(participants, id)
	}
	req := &protocol.BidRequest{
		Type:      protocol.MsgBidRequest,
		AuctionID: auctionID,
		Task:      snap,
		Context: protocol.BidContext{
			QueueDepth:          c.queue.Len(),
			ParticipatingAgents: participants,
			Categories:          c.cfg.Categories,
		},
		Deadline: closeAt,
	}
	for id := range invited {
		if !c.sender.Send(id, req) {
			c.logger.Debug("bid request undeliverable", "auction", auctionID, "agent", id)
		}
	}

	if len(invited) == 0 {
		a.signalClose()
	}

	select {
	case <-c.clk.After(c.cfg.Window):
	case <-a.closeCh:
	case <-c.stop:
		return
	}
	c.finish(a)
}

// inviteSet is every currently healthy agent, plus the market maker when
// one is configured and connected. Categories never filter the set.
func (c *Coordinator) inviteSet() map[string]struct{} {
	set := make(map[string]struct{})
	for _, agent := range c.reg.HealthyAgents() {
		set[agent.ID] = struct{}{}
	}
	if c.cfg.MarketMakerID != "" {
		if _, err := c.reg.Get(c.cfg.MarketMakerID); err == nil {
			set[c.cfg.MarketMakerID] = struct{}{}
		}
	}
	return set
}

// HandleBidResponse routes an inbound bid (or decline) to its order book.
// Bids for unknown or closed auctions and from uninvited agents are dropped.
func (c *Coordinator) HandleBidResponse(resp *protocol.BidResponse) {
	c.mu.Lock()
	a, ok := c.auctions[resp.AuctionID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("bid for unknown auction", "auction", resp.AuctionID, "agent", resp.AgentID)
		return
	}
	if _, invited := a.Invited[resp.AgentID]; !invited {
		c.logger.Debug("bid from uninvited agent", "auction", resp.AuctionID, "agent", resp.AgentID)
		return
	}

	if resp.Bid == nil {
		if err := a.Book.Decline(resp.AgentID); err != nil {
			return
		}
	} else {
		bid := *resp.Bid
		bid.AgentID = resp.AgentID
		if bid.AgentVersion == "" {
			bid.AgentVersion = resp.AgentVersion
		}
		if bid.Timestamp.IsZero() {
			bid.Timestamp = c.clk.Now()
		}
		if err := a.Book.SubmitBid(bid); err != nil {
			c.logger.Debug("bid rejected",
				"auction", resp.AuctionID, "agent", resp.AgentID, "err", err)
			return
		}
		c.bus.Publish(events.AuctionBid, events.AuctionEvent{
			AuctionID: a.ID, TaskID: a.TaskID, AgentID: resp.AgentID, Bids: a.Book.BidCount(),
		})
		if c.cfg.InstantWinEnabled && bid.Confidence >= c.cfg.InstantWinThreshold {
			c.scheduleInstantWin(a)
		}
	}

	if a.Book.Responses() >= len(a.Invited) {
		a.signalClose()
	}
}

// scheduleInstantWin closes the auction after the grace interval if the top
// bid still clears the threshold with no competitor inside the margin.
func (c *Coordinator) scheduleInstantWin(a *Auction) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-c.clk.After(c.cfg.GraceInterval):
		case <-a.closeCh:
			return
		case <-c.stop:
			return
		}
		var top, second float64
		for _, bid := range a.Book.Bids() {
			if bid.Confidence > top {
				second = top
				top = bid.Confidence
			} else if bid.Confidence > second {
				second = bid.Confidence
			}
		}
		if top >= c.cfg.InstantWinThreshold && top-second >= c.cfg.DominanceMargin {
			c.logger.Info("instant win", "auction", a.ID, "confidence", top)
			a.signalClose()
		}
	}()
}

// finish seals the book, ranks bids, and either assigns the winner or walks
// the no-bid retry path.
func (c *Coordinator) finish(a *Auction) {
	a.Book.Close()
	a.signalClose()

	now := c.clk.Now()
	snap, err := c.store.Update(a.TaskID, func(t *types.Task) error {
		if !types.CanTransition(t.Status, types.TaskMatching) {
			return fmt.Errorf("task %s left auction path in state %s", t.ID, t.Status)
		}
		t.Status = types.TaskMatching
		t.AuctionClosed = &now
		return nil
	})
	if err != nil {
		c.logger.Debug("abandoning auction", "auction", a.ID, "err", err)
		return
	}

	ranked := a.Book.EvaluateAndRank(c.rep)
	winner := ""
	var backups []string
	if len(ranked) > 0 {
		winner = ranked[0].Bid.AgentID
		backups = make([]string, 0, len(ranked)-1)
		for _, eb := range ranked[1:] {
			backups = append(backups, eb.Bid.AgentID)
		}
	}
	c.bus.Publish(events.AuctionClosed, events.AuctionEvent{
		AuctionID: a.ID, TaskID: a.TaskID, Bids: len(ranked),
		Winner: winner, Backups: backups,
	})
	c.logger.Info("auction closed",
		"auction", a.ID, "task", a.TaskID, "bids", len(ranked), "winner", winner)

	if len(ranked) == 0 {
		c.handleNoBids(snap)
		return
	}

	for _, eb := range ranked {
		c.rep.RecordBidOutcome(eb.Bid.AgentID, eb.Bid.AgentVersion, reputation.BidOutcome{
			Won:        eb.Rank == 1,
			Confidence: eb.Bid.Confidence,
		})
	}

	assignedAt := c.clk.Now()
	if _, err := c.store.Update(a.TaskID, func(t *types.Task) error {
		if !types.CanTransition(t.Status, types.TaskAssigned) {
			return fmt.Errorf("task %s not assignable in state %s", t.ID, t.Status)
		}
		t.Status = types.TaskAssigned
		t.AssignedAgent = winner
		t.BackupQueue = backups
		t.BackupIndex = 0
		t.AssignedAt = &assignedAt
		return nil
	}); err != nil {
		c.logger.Debug("assignment dropped", "auction", a.ID, "err", err)
		return
	}

	c.bus.Publish(events.TaskAssigned, events.TaskEvent{
		TaskID: a.TaskID, AgentID: winner, Attempt: snap.AuctionAttempt,
	})
	c.dispatcher.Dispatch(a.TaskID)
}

// handleNoBids requeues the task after a backoff while attempts remain,
// otherwise dead-letters it.
func (c *Coordinator) handleNoBids(snap *types.Task) {
	if snap.AuctionAttempt >= c.cfg.MaxAuctionAttempts {
		now := c.clk.Now()
		reason := fmt.Sprintf("no bidders after %d auction attempts", snap.AuctionAttempt)
		if _, err := c.store.Update(snap.ID, func(t *types.Task) error {
			if !types.CanTransition(t.Status, types.TaskDeadLetter) {
				return fmt.Errorf("task %s not dead-letterable in state %s", t.ID, t.Status)
			}
			t.Status = types.TaskDeadLetter
			t.Error = reason
			t.CompletedAt = &now
			return nil
		}); err != nil {
			return
		}
		c.logger.Warn("task dead-lettered", "task", snap.ID, "reason", reason)
		c.bus.Publish(events.TaskDeadLetter, events.TaskEvent{
			TaskID: snap.ID, Attempt: snap.AuctionAttempt, Reason: reason,
		})
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-c.clk.After(c.cfg.RequeueBackoff):
		case <-c.stop:
			return
		}
		requeued, err := c.store.Update(snap.ID, func(t *types.Task) error {
			if !types.CanTransition(t.Status, types.TaskPending) {
				return fmt.Errorf("task %s not requeueable in state %s", t.ID, t.Status)
			}
			t.Status = types.TaskPending
			t.AuctionID = ""
			return nil
		})
		if err != nil {
			return
		}
		if err := c.queue.Enqueue(requeued); err != nil {
			c.logger.Warn("requeue failed", "task", snap.ID, "err", err)
			return
		}
		c.bus.Publish(events.TaskQueued, events.TaskEvent{
			TaskID: snap.ID, Attempt: snap.AuctionAttempt,
		})
	}()
}

// Get returns the live auction by id.
func (c *Coordinator) Get(auctionID string) (*Auction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.auctions[auctionID]
	return a, ok
}

// Active returns the number of auctions currently collecting bids.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.auctions)
}
