package metrics

// Pre-defined metrics for the taskex exchange. All metrics live in
// DefaultRegistry so they are globally accessible without passing a
// registry around.

var (
	// ---- Task metrics ----

	// TasksSubmitted counts tasks accepted through the facade.
	TasksSubmitted = DefaultRegistry.Counter("tasks.submitted")
	// TasksSettled counts tasks completed successfully.
	TasksSettled = DefaultRegistry.Counter("tasks.settled")
	// TasksDeadLettered counts tasks that exhausted auctions or backups.
	TasksDeadLettered = DefaultRegistry.Counter("tasks.dead_lettered")
	// TasksCancelled counts client-cancelled tasks.
	TasksCancelled = DefaultRegistry.Counter("tasks.cancelled")
	// TasksRejected counts submissions refused by admission control.
	TasksRejected = DefaultRegistry.Counter("tasks.rejected")
	// QueueDepth tracks the number of tasks waiting for an auction.
	QueueDepth = DefaultRegistry.Gauge("tasks.queue_depth")

	// ---- Auction metrics ----

	// AuctionsOpened counts auctions opened by the coordinator.
	AuctionsOpened = DefaultRegistry.Counter("auctions.opened")
	// AuctionsClosed counts auctions that reached ranking.
	AuctionsClosed = DefaultRegistry.Counter("auctions.closed")
	// AuctionsEmpty counts auctions that closed without a single bid.
	AuctionsEmpty = DefaultRegistry.Counter("auctions.empty")
	// BidsAccepted counts bids accepted into order books.
	BidsAccepted = DefaultRegistry.Counter("auctions.bids_accepted")
	// AuctionDuration records open-to-close time in milliseconds.
	AuctionDuration = DefaultRegistry.Histogram("auctions.duration_ms")

	// ---- Dispatch metrics ----

	// AssignmentsSent counts task assignments delivered to agents.
	AssignmentsSent = DefaultRegistry.Counter("dispatch.assignments")
	// AssignmentsBusted counts failed or timed-out assignments.
	AssignmentsBusted = DefaultRegistry.Counter("dispatch.busted")
	// ExecutionTime records assignment-to-result time in milliseconds.
	ExecutionTime = DefaultRegistry.Histogram("dispatch.execution_ms")

	// ---- Agent metrics ----

	// AgentsConnected tracks the number of registered agent sessions.
	AgentsConnected = DefaultRegistry.Gauge("agents.connected")
	// AgentsFlagged counts agents flagged for review by the reputation
	// store.
	AgentsFlagged = DefaultRegistry.Counter("agents.flagged")
)
