// Package queue implements the pending-task queue: strict FIFO within each
// of the three priority bands, urgent before normal before low. Tasks can
// be escalated across bands or removed (cancellation) while queued.
package queue

import (
	"errors"
	"sync"

	"github.com/taskex/taskex/types"
)

// Queue errors.
var (
	ErrDuplicate = errors.New("queue: task already queued")
	ErrNotQueued = errors.New("queue: task not queued")
)

const bands = 3

// TaskQueue is the three-band FIFO priority queue feeding the auction
// coordinator. It has no upper bound; admission control upstream is the
// overflow backstop. All methods are safe for concurrent use.
type TaskQueue struct {
	mu     sync.Mutex
	lists  [bands][]*types.Task
	index  map[string]types.Priority
	notify chan struct{}
}

// New creates an empty TaskQueue.
func New() *TaskQueue {
	return &TaskQueue{
		index:  make(map[string]types.Priority),
		notify: make(chan struct{}, 1),
	}
}

// Notify returns a channel that receives a signal whenever a task becomes
// available. The channel is coalescing: one signal may cover several
// enqueues, so consumers drain with Dequeue until it reports empty.
func (q *TaskQueue) Notify() <-chan struct{} {
	return q.notify
}

// Enqueue appends the task to its priority band.
func (q *TaskQueue) Enqueue(task *types.Task) error {
	q.mu.Lock()
	if _, ok := q.index[task.ID]; ok {
		q.mu.Unlock()
		return ErrDuplicate
	}
	band := task.Priority.Band()
	q.lists[band] = append(q.lists[band], task)
	q.index[task.ID] = task.Priority
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue pops the oldest task from the most urgent non-empty band.
// Returns false when the queue is empty.
func (q *TaskQueue) Dequeue() (*types.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for band := 0; band < bands; band++ {
		if len(q.lists[band]) == 0 {
			continue
		}
		task := q.lists[band][0]
		q.lists[band][0] = nil
		q.lists[band] = q.lists[band][1:]
		delete(q.index, task.ID)
		return task, true
	}
	return nil, false
}

// Remove deletes a queued task by id, preserving FIFO order of the rest.
func (q *TaskQueue) Remove(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	prio, ok := q.index[taskID]
	if !ok {
		return ErrNotQueued
	}
	q.removeFromBandLocked(taskID, prio.Band())
	delete(q.index, taskID)
	return nil
}

// Escalate moves a queued task to a more urgent band. The task joins the
// tail of the target band. Demotion requests are ignored.
func (q *TaskQueue) Escalate(taskID string, to types.Priority) error {
	if !to.Valid() {
		return types.ErrInvalidPriority
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	prio, ok := q.index[taskID]
	if !ok {
		return ErrNotQueued
	}
	if to.Band() >= prio.Band() {
		return nil
	}
	task := q.removeFromBandLocked(taskID, prio.Band())
	task.Priority = to
	q.lists[to.Band()] = append(q.lists[to.Band()], task)
	q.index[taskID] = to
	return nil
}

// removeFromBandLocked extracts the task from its band slice. Caller holds
// q.mu and has verified membership via the index.
func (q *TaskQueue) removeFromBandLocked(taskID string, band int) *types.Task {
	list := q.lists[band]
	for i, task := range list {
		if task.ID == taskID {
			q.lists[band] = append(list[:i], list[i+1:]...)
			return task
		}
	}
	return nil
}

// Len returns the total number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// Depth returns the number of queued tasks per priority band.
func (q *TaskQueue) Depth() map[types.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[types.Priority]int{
		types.PriorityUrgent: len(q.lists[types.PriorityUrgent.Band()]),
		types.PriorityNormal: len(q.lists[types.PriorityNormal.Band()]),
		types.PriorityLow:    len(q.lists[types.PriorityLow.Band()]),
	}
}

// Contains reports whether the task is currently queued.
func (q *TaskQueue) Contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[taskID]
	return ok
}
