package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/taskex/taskex/types"
)

func mustTask(t *testing.T, content string, prio types.Priority) *types.Task {
	t.Helper()
	task, err := types.NewTask(content, nil, prio)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestFIFOWithinBand(t *testing.T) {
	q := New()
	first := mustTask(t, "first", types.PriorityNormal)
	second := mustTask(t, "second", types.PriorityNormal)
	q.Enqueue(first)
	q.Enqueue(second)

	got, ok := q.Dequeue()
	if !ok || got.ID != first.ID {
		t.Fatalf("first dequeue = %v", got)
	}
	got, _ = q.Dequeue()
	if got.ID != second.ID {
		t.Fatalf("second dequeue = %v", got)
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("empty queue should report false")
	}
}

func TestUrgentBeforeNormalBeforeLow(t *testing.T) {
	q := New()
	low := mustTask(t, "low", types.PriorityLow)
	normal := mustTask(t, "normal", types.PriorityNormal)
	urgent := mustTask(t, "urgent", types.PriorityUrgent)
	q.Enqueue(low)
	q.Enqueue(normal)
	q.Enqueue(urgent)

	order := []string{urgent.ID, normal.ID, low.ID}
	for i, want := range order {
		got, ok := q.Dequeue()
		if !ok || got.ID != want {
			t.Fatalf("dequeue %d = %v, want id %s", i, got, want)
		}
	}
}

func TestDuplicateEnqueue(t *testing.T) {
	q := New()
	task := mustTask(t, "x", types.PriorityNormal)
	q.Enqueue(task)
	if err := q.Enqueue(task); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate enqueue = %v, want ErrDuplicate", err)
	}
}

func TestRemove(t *testing.T) {
	q := New()
	a := mustTask(t, "a", types.PriorityNormal)
	b := mustTask(t, "b", types.PriorityNormal)
	c := mustTask(t, "c", types.PriorityNormal)
	q.Enqueue(a)
	q.Enqueue(b)
	q.Enqueue(c)

	if err := q.Remove(b.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := q.Remove(b.ID); !errors.Is(err, ErrNotQueued) {
		t.Fatalf("second Remove = %v, want ErrNotQueued", err)
	}

	got, _ := q.Dequeue()
	if got.ID != a.ID {
		t.Fatalf("dequeue after remove = %s, want %s", got.ID, a.ID)
	}
	got, _ = q.Dequeue()
	if got.ID != c.ID {
		t.Fatalf("dequeue after remove = %s, want %s", got.ID, c.ID)
	}
}

func TestEscalate(t *testing.T) {
	q := New()
	blocker := mustTask(t, "blocker", types.PriorityNormal)
	slow := mustTask(t, "slow", types.PriorityLow)
	q.Enqueue(blocker)
	q.Enqueue(slow)

	if err := q.Escalate(slow.ID, types.PriorityUrgent); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	got, _ := q.Dequeue()
	if got.ID != slow.ID {
		t.Fatalf("escalated task should dequeue first, got %s", got.ID)
	}
	if got.Priority != types.PriorityUrgent {
		t.Fatalf("priority = %s, want urgent", got.Priority)
	}

	// Demotion is a no-op.
	if err := q.Escalate(blocker.ID, types.PriorityLow); err != nil {
		t.Fatalf("demotion returned error: %v", err)
	}
	got, _ = q.Dequeue()
	if got.Priority != types.PriorityNormal {
		t.Fatalf("demotion changed priority to %s", got.Priority)
	}
}

func TestNotifySignalsEnqueue(t *testing.T) {
	q := New()
	done := make(chan string, 1)
	go func() {
		<-q.Notify()
		task, ok := q.Dequeue()
		if !ok {
			done <- ""
			return
		}
		done <- task.ID
	}()

	task := mustTask(t, "wake up", types.PriorityNormal)
	q.Enqueue(task)

	select {
	case id := <-done:
		if id != task.ID {
			t.Fatalf("consumer got %q, want %q", id, task.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("notify never fired")
	}
}

func TestDepth(t *testing.T) {
	q := New()
	q.Enqueue(mustTask(t, "u", types.PriorityUrgent))
	q.Enqueue(mustTask(t, "n1", types.PriorityNormal))
	q.Enqueue(mustTask(t, "n2", types.PriorityNormal))

	d := q.Depth()
	if d[types.PriorityUrgent] != 1 || d[types.PriorityNormal] != 2 || d[types.PriorityLow] != 0 {
		t.Fatalf("depth = %v", d)
	}
	if q.Len() != 3 {
		t.Fatalf("len = %d, want 3", q.Len())
	}
}
