package exchange

import (
	"errors"
	"sort"
	"sync"

	"github.com/taskex/taskex/types"
)

// Task store errors.
var (
	ErrTaskExists   = errors.New("exchange: task already exists")
	ErrUnknownTask  = errors.New("exchange: unknown task")
	ErrTaskTerminal = errors.New("exchange: task in terminal state")
)

// TaskStore is the authoritative in-memory task table. Update serializes
// mutation per task under the store lock; callers always receive snapshots,
// never the live record. It satisfies the coordinator's and dispatcher's
// store interfaces.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*types.Task
}

// NewTaskStore creates an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]*types.Task)}
}

// Put inserts a new task. Duplicate ids are rejected.
func (s *TaskStore) Put(task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return ErrTaskExists
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// Get returns a snapshot of the task.
func (s *TaskStore) Get(id string) (*types.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// Update applies fn to the task under the store lock. Returning an error
// from fn aborts the mutation. The returned task is a snapshot.
func (s *TaskStore) Update(id string, fn func(*types.Task) error) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrUnknownTask
	}
	cp := task.Clone()
	if err := fn(cp); err != nil {
		return nil, err
	}
	s.tasks[id] = cp
	return cp.Clone(), nil
}

// All returns snapshots of every task sorted by creation time then id.
func (s *TaskStore) All() []*types.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Count returns the number of stored tasks.
func (s *TaskStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// CountByStatus returns the number of tasks per status.
func (s *TaskStore) CountByStatus() map[types.TaskStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.TaskStatus]int)
	for _, task := range s.tasks {
		out[task.Status]++
	}
	return out
}
