// Package types defines the core data model for the taskex exchange: tasks
// and their status machine, bids, evaluated bids, and agent capability
// descriptors shared between the broker and the wire protocol.
package types

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	// TaskPending means the task is accepted and queued but no auction
	// has been opened for it yet.
	TaskPending TaskStatus = "PENDING"
	// TaskOpen means an auction is collecting bids for the task.
	TaskOpen TaskStatus = "OPEN"
	// TaskMatching means the auction has closed and bids are being ranked.
	TaskMatching TaskStatus = "MATCHING"
	// TaskAssigned means the task has been dispatched to an agent.
	TaskAssigned TaskStatus = "ASSIGNED"
	// TaskSettled is the terminal success state.
	TaskSettled TaskStatus = "SETTLED"
	// TaskBusted means the current assignment failed; the dispatcher may
	// escalate to a backup agent or dead-letter the task.
	TaskBusted TaskStatus = "BUSTED"
	// TaskDeadLetter is the terminal state for tasks whose auctions or
	// executions exhausted all retries.
	TaskDeadLetter TaskStatus = "DEAD_LETTER"
	// TaskCancelled is the terminal state for client-cancelled tasks.
	TaskCancelled TaskStatus = "CANCELLED"
	// TaskHalted is reached when admission control or the coordinator
	// refuses the task after the maximum number of auction attempts.
	TaskHalted TaskStatus = "HALTED"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSettled, TaskDeadLetter, TaskCancelled, TaskHalted:
		return true
	}
	return false
}

// transitions is the legal status graph. CANCELLED is reachable from every
// non-terminal state and is handled separately in CanTransition.
var transitions = map[TaskStatus][]TaskStatus{
	TaskPending:  {TaskOpen},
	TaskOpen:     {TaskMatching, TaskPending, TaskHalted},
	TaskMatching: {TaskAssigned, TaskPending, TaskDeadLetter, TaskHalted},
	TaskAssigned: {TaskSettled, TaskBusted},
	TaskBusted:   {TaskAssigned, TaskDeadLetter},
}

// CanTransition reports whether moving from to next is a legal edge in the
// task status machine.
func CanTransition(from, next TaskStatus) bool {
	if from.Terminal() {
		return false
	}
	if next == TaskCancelled {
		return true
	}
	for _, s := range transitions[from] {
		if s == next {
			return true
		}
	}
	return false
}

// Priority is the admission band of a task. Within a band tasks are FIFO.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is one of the three recognized bands.
func (p Priority) Valid() bool {
	return p == PriorityUrgent || p == PriorityNormal || p == PriorityLow
}

// Band returns the numeric rank of the priority band, 0 being most urgent.
func (p Priority) Band() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

// TaskResult is the terminal outcome reported by an agent.
type TaskResult struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`
}

// Task is the unit of work flowing through the exchange. The coordinator
// owns PENDING→OPEN→MATCHING→ASSIGNED; the dispatcher owns the rest.
type Task struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Status   TaskStatus        `json:"status"`
	Priority Priority          `json:"priority"`

	// AuctionAttempt counts how many auctions have been opened for the
	// task, including the current one.
	AuctionAttempt int    `json:"auctionAttempt"`
	AuctionID      string `json:"auctionId,omitempty"`

	AssignedAgent string   `json:"assignedAgent,omitempty"`
	BackupQueue   []string `json:"backupQueue,omitempty"`
	BackupIndex   int      `json:"backupIndex"`

	// PreviousErrors accumulates one entry per failed attempt and feeds
	// the dead-letter reason.
	PreviousErrors []string `json:"previousErrors,omitempty"`

	CreatedAt     time.Time  `json:"createdAt"`
	AuctionOpened *time.Time `json:"auctionOpened,omitempty"`
	AuctionClosed *time.Time `json:"auctionClosed,omitempty"`
	AssignedAt    *time.Time `json:"assignedAt,omitempty"`
	TimeoutAt     *time.Time `json:"timeoutAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`

	Result *TaskResult `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Task construction errors.
var (
	ErrEmptyContent    = errors.New("task content is empty")
	ErrInvalidPriority = errors.New("invalid task priority")
)

// NewTask creates a PENDING task with a fresh UUID. Metadata may be nil.
func NewTask(content string, metadata map[string]string, priority Priority) (*Task, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return nil, ErrInvalidPriority
	}
	return &Task{
		ID:        uuid.NewString(),
		Content:   content,
		Metadata:  metadata,
		Status:    TaskPending,
		Priority:  priority,
		CreatedAt: time.Now(),
	}, nil
}

// Clone returns a deep copy of the task, safe to hand out as a snapshot.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.BackupQueue = append([]string(nil), t.BackupQueue...)
	cp.PreviousErrors = append([]string(nil), t.PreviousErrors...)
	if t.Result != nil {
		r := *t.Result
		cp.Result = &r
	}
	cp.AuctionOpened = cloneTime(t.AuctionOpened)
	cp.AuctionClosed = cloneTime(t.AuctionClosed)
	cp.AssignedAt = cloneTime(t.AssignedAt)
	cp.TimeoutAt = cloneTime(t.TimeoutAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// NextBackup pops the next backup agent id, advancing BackupIndex. Returns
// false when the backup queue is exhausted.
func (t *Task) NextBackup() (string, bool) {
	if t.BackupIndex >= len(t.BackupQueue) {
		return "", false
	}
	id := t.BackupQueue[t.BackupIndex]
	t.BackupIndex++
	return id, true
}
