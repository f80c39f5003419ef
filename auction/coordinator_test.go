package auction

import (
	"errors"
	"sync"
	"testing"
	"time"

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

// memStore is a minimal serialized task store for coordinator tests.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]*types.Task
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]*types.Task)}
}

func (s *memStore) add(t *types.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
}

func (s *memStore) get(id string) *types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].Clone()
}

func (s *memStore) Update(id string, fn func(*types.Task) error) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, errors.New("task not found")
	}
	if err := fn(task); err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// chanSender forwards every outbound frame to a channel keyed by agent.
type chanSender struct {
	mu   sync.Mutex
	sent map[string][]any
	ch   chan sentFrame
}

type sentFrame struct {
	AgentID string
	Msg     any
}

func newChanSender() *chanSender {
	return &chanSender{sent: make(map[string][]any), ch: make(chan sentFrame, 64)}
}

func (s *chanSender) Send(agentID string, msg any) bool {
	s.mu.Lock()
	s.sent[agentID] = append(s.sent[agentID], msg)
	s.mu.Unlock()
	s.ch <- sentFrame{AgentID: agentID, Msg: msg}
	return true
}

// chanDispatcher records dispatch hand-offs.
type chanDispatcher struct {
	ch chan string
}

func (d *chanDispatcher) Dispatch(taskID string) { d.ch <- taskID }

// fakeRep is a fixed-score reputation with outcome recording.
type fakeRep struct {
	mu       sync.Mutex
	scores   map[string]float64
	outcomes []recordedOutcome
}

type recordedOutcome struct {
	AgentID string
	Outcome reputation.BidOutcome
}

func (r *fakeRep) Score(agentID, _ string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.scores[agentID]; ok {
		return s
	}
	return 0.5
}

func (r *fakeRep) RecordBidOutcome(agentID, _ string, outcome reputation.BidOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, recordedOutcome{AgentID: agentID, Outcome: outcome})
}

func (r *fakeRep) recorded() []recordedOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedOutcome(nil), r.outcomes...)
}

// nopChannel satisfies registry.Channel for connected test agents.
type nopChannel struct{}

func (nopChannel) Send(any) error { return nil }
func (nopChannel) Close() error   { return nil }

type coordFixture struct {
	coord  *Coordinator
	store  *memStore
	queue  *queue.TaskQueue
	reg    *registry.Registry
	rep    *fakeRep
	sender *chanSender
	disp   *chanDispatcher
	bus    *events.Bus
	clk    *clock.Mock
}

func newFixture(t *testing.T, cfg Config) *coordFixture {
	t.Helper()
	clk := clock.NewMock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	f := &coordFixture{
		store:  newMemStore(),
		queue:  queue.New(),
		reg:    registry.New(30*time.Second, nil, clk, log.Discard()),
		rep:    &fakeRep{scores: make(map[string]float64)},
		sender: newChanSender(),
		disp:   &chanDispatcher{ch: make(chan string, 8)},
		bus:    events.NewBus(64),
		clk:    clk,
	}
	f.coord = New(cfg, f.store, f.queue, f.reg, ratelimit.New(ratelimit.Config{}, clk),
		f.rep, f.sender, f.disp, f.bus, clk, log.Discard())
	f.coord.Start()
	t.Cleanup(func() {
		f.coord.Stop()
		f.bus.Close()
	})
	return f
}

func (f *coordFixture) connect(t *testing.T, id string) {
	t.Helper()
	_, err := f.reg.Register(nopChannel{}, &protocol.Register{
		Type: protocol.MsgRegister, ProtocolVersion: protocol.Version,
		AgentID: id, AgentVersion: "1",
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func (f *coordFixture) submit(t *testing.T, content string) string {
	t.Helper()
	task, err := types.NewTask(content, nil, types.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	f.store.add(task)
	if err := f.queue.Enqueue(task); err != nil {
		t.Fatal(err)
	}
	return task.ID
}

// awaitBidRequest blocks until agentID receives a bid request.
func (f *coordFixture) awaitBidRequest(t *testing.T, agentID string) *protocol.BidRequest {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-f.sender.ch:
			if req, ok := frame.Msg.(*protocol.BidRequest); ok && frame.AgentID == agentID {
				return req
			}
		case <-deadline:
			t.Fatalf("agent %s never received a bid request", agentID)
		}
	}
}

// advanceUntil steps the mock clock until cond holds.
func advanceUntil(t *testing.T, clk *clock.Mock, step time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		clk.Advance(step)
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached while advancing clock")
}

func respond(f *coordFixture, req *protocol.BidRequest, agentID string, confidence float64) {
	f.coord.HandleBidResponse(&protocol.BidResponse{
		Type: protocol.MsgBidResponse, AuctionID: req.AuctionID,
		AgentID: agentID, AgentVersion: "1",
		Bid: &types.Bid{AgentID: agentID, AgentVersion: "1", Confidence: confidence},
	})
}

func TestSingleBidderWinsOnEarlyClose(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.connect(t, "a1")
	taskID := f.submit(t, "summarize the report")

	req := f.awaitBidRequest(t, "a1")
	if req.Task.ID != taskID || req.Task.Status != types.TaskOpen {
		t.Fatalf("bid request task = %+v", req.Task)
	}
	respond(f, req, "a1", 0.80)

	// Every invitee responded, so the auction closes without the window
	// elapsing on the mock clock.
	select {
	case got := <-f.disp.ch:
		if got != taskID {
			t.Fatalf("dispatched %s, want %s", got, taskID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never received the task")
	}

	task := f.store.get(taskID)
	if task.Status != types.TaskAssigned || task.AssignedAgent != "a1" {
		t.Fatalf("task = %+v", task)
	}
	if len(task.BackupQueue) != 0 {
		t.Fatalf("backups = %v, want none", task.BackupQueue)
	}
}

func TestReputationBreaksScoreTie(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.connect(t, "alpha")
	f.connect(t, "beta")
	f.rep.scores["alpha"] = 0.9
	f.rep.scores["beta"] = 0.7
	taskID := f.submit(t, "classify")

	reqA := f.awaitBidRequest(t, "alpha")
	f.awaitBidRequest(t, "beta")
	respond(f, reqA, "alpha", 0.80)
	respond(f, reqA, "beta", 0.80)

	<-f.disp.ch
	task := f.store.get(taskID)
	if task.AssignedAgent != "alpha" {
		t.Fatalf("winner = %s, want alpha", task.AssignedAgent)
	}
	if len(task.BackupQueue) != 1 || task.BackupQueue[0] != "beta" {
		t.Fatalf("backups = %v, want [beta]", task.BackupQueue)
	}

	// Exactly one outcome per bidder, winner flagged.
	outcomes := f.rep.recorded()
	if len(outcomes) != 2 {
		t.Fatalf("recorded %d outcomes, want 2", len(outcomes))
	}
	for _, o := range outcomes {
		if won := o.AgentID == "alpha"; o.Outcome.Won != won {
			t.Fatalf("outcome %+v", o)
		}
	}
}

func TestDeclineCountsTowardEarlyClose(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.connect(t, "a1")
	f.connect(t, "a2")
	taskID := f.submit(t, "translate")

	req := f.awaitBidRequest(t, "a1")
	f.awaitBidRequest(t, "a2")
	respond(f, req, "a1", 0.60)
	f.coord.HandleBidResponse(&protocol.BidResponse{
		Type: protocol.MsgBidResponse, AuctionID: req.AuctionID, AgentID: "a2", Bid: nil,
	})

	<-f.disp.ch
	if got := f.store.get(taskID).AssignedAgent; got != "a1" {
		t.Fatalf("winner = %s, want a1", got)
	}
}

func TestWindowCloseRejectsMinimumBid(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.connect(t, "good")
	f.connect(t, "tiny")
	taskID := f.submit(t, "render")

	req := f.awaitBidRequest(t, "good")
	f.awaitBidRequest(t, "tiny")
	respond(f, req, "good", 0.73)
	respond(f, req, "tiny", 0.01) // rejected, does not count as a response

	// The rejected bid leaves one invitee unanswered, so the auction only
	// closes when the window elapses.
	advanceUntil(t, f.clk, time.Second, func() bool {
		select {
		case <-f.disp.ch:
			return true
		default:
			return false
		}
	})
	task := f.store.get(taskID)
	if task.AssignedAgent != "good" {
		t.Fatalf("winner = %s, want good", task.AssignedAgent)
	}
}

func TestUninvitedAndUnknownBidsIgnored(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.connect(t, "a1")
	f.submit(t, "task")

	req := f.awaitBidRequest(t, "a1")
	f.coord.HandleBidResponse(&protocol.BidResponse{
		Type: protocol.MsgBidResponse, AuctionID: "no-such-auction", AgentID: "a1",
		Bid: &types.Bid{Confidence: 0.9},
	})
	f.coord.HandleBidResponse(&protocol.BidResponse{
		Type: protocol.MsgBidResponse, AuctionID: req.AuctionID, AgentID: "intruder",
		Bid: &types.Bid{Confidence: 0.9},
	})
	a, ok := f.coord.Get(req.AuctionID)
	if !ok {
		t.Fatal("auction should still be live")
	}
	if a.Book.BidCount() != 0 {
		t.Fatalf("book has %d bids, want 0", a.Book.BidCount())
	}
}

func TestNoBiddersRequeuesThenDeadLetters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAuctionAttempts = 2
	f := newFixture(t, cfg)
	sub := f.bus.Subscribe(events.TaskDeadLetter)
	taskID := f.submit(t, "orphan")

	// No agents connected: each auction closes empty, requeues after the
	// backoff, and the final attempt dead-letters.
	advanceUntil(t, f.clk, time.Second, func() bool {
		return f.store.get(taskID).Status == types.TaskDeadLetter
	})

	task := f.store.get(taskID)
	if task.AuctionAttempt != 2 {
		t.Fatalf("attempts = %d, want 2", task.AuctionAttempt)
	}
	if task.Error == "" {
		t.Fatal("dead-lettered task should carry a reason")
	}
	select {
	case ev := <-sub.Chan():
		if ev.Data.(events.TaskEvent).TaskID != taskID {
			t.Fatalf("dead-letter payload = %+v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("task:dead_letter not published")
	}
}

func TestCancelledTaskSkipsAuction(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.connect(t, "a1")

	task, _ := types.NewTask("doomed", nil, types.PriorityNormal)
	task.Status = types.TaskCancelled
	f.store.add(task)
	f.queue.Enqueue(task)

	// The coordinator refuses the transition and never opens an auction.
	time.Sleep(50 * time.Millisecond)
	if f.coord.Active() != 0 {
		t.Fatal("cancelled task should not reach an auction")
	}
	if got := f.store.get(task.ID).Status; got != types.TaskCancelled {
		t.Fatalf("status = %s, want CANCELLED", got)
	}
}

func TestInstantWinClosesEarly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InstantWinEnabled = true
	f := newFixture(t, cfg)
	f.connect(t, "fast")
	f.connect(t, "slow")
	taskID := f.submit(t, "urgent thing")

	req := f.awaitBidRequest(t, "fast")
	f.awaitBidRequest(t, "slow")
	respond(f, req, "fast", 0.95)
	// "slow" never responds; the grace interval elapses with no competing
	// bid inside the dominance margin.
	advanceUntil(t, f.clk, cfg.GraceInterval, func() bool {
		select {
		case got := <-f.disp.ch:
			return got == taskID
		default:
			return false
		}
	})
	if got := f.store.get(taskID).AssignedAgent; got != "fast" {
		t.Fatalf("winner = %s, want fast", got)
	}
}
