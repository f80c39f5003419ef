package clock

import (
	"testing"
	"time"
)

func TestMockAdvanceFiresWaiters(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMock(start)

	ch := m.After(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before advance")
	default:
	}

	m.Advance(3 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired too early")
	default:
	}

	m.Advance(2 * time.Second)
	select {
	case fired := <-ch:
		if !fired.Equal(start.Add(5 * time.Second)) {
			t.Fatalf("fired at %v, want %v", fired, start.Add(5*time.Second))
		}
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after deadline passed")
	}
}

func TestMockAfterNonPositive(t *testing.T) {
	m := NewMock(time.Unix(0, 0))
	select {
	case <-m.After(0):
	case <-time.After(time.Second):
		t.Fatal("zero-duration After should fire immediately")
	}
}

func TestMockSince(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewMock(start)
	m.Advance(90 * time.Second)
	if got := m.Since(start); got != 90*time.Second {
		t.Fatalf("Since = %v, want 90s", got)
	}
}

func TestSystemClock(t *testing.T) {
	c := NewSystem()
	before := time.Now()
	now := c.Now()
	if now.Before(before.Add(-time.Second)) {
		t.Fatal("system clock is far behind wall clock")
	}
	if c.Since(before) < 0 {
		t.Fatal("Since returned negative duration")
	}
}
