package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/taskex/taskex/clock"
)

func newTestBreaker() (*Breaker, *clock.Mock) {
	clk := clock.NewMock(time.Unix(0, 0))
	b := New(Config{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		ResetTimeout:     30 * time.Second,
	}, clk)
	return b, clk
}

func TestTripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 2; i++ {
		b.RecordFailure("a1")
		if got := b.State("a1"); got != Closed {
			t.Fatalf("state after %d failures = %v, want closed", i+1, got)
		}
	}
	b.RecordFailure("a1")
	if got := b.State("a1"); got != Open {
		t.Fatalf("state after threshold = %v, want open", got)
	}
	if err := b.Allow("a1"); !errors.Is(err, ErrOpen) {
		t.Fatalf("Allow while open = %v, want ErrOpen", err)
	}
}

func TestFailureWindowExpiresStreak(t *testing.T) {
	b, clk := newTestBreaker()

	b.RecordFailure("a1")
	b.RecordFailure("a1")
	clk.Advance(61 * time.Second)
	b.RecordFailure("a1")
	if got := b.State("a1"); got != Closed {
		t.Fatalf("stale streak should reset, state = %v", got)
	}
	if got := b.Failures("a1"); got != 1 {
		t.Fatalf("failures = %d, want 1", got)
	}
}

func TestHalfOpenSingleProbe(t *testing.T) {
	b, clk := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure("a1")
	}

	clk.Advance(31 * time.Second)
	if err := b.Allow("a1"); err != nil {
		t.Fatalf("probe after reset timeout should be admitted: %v", err)
	}
	if got := b.State("a1"); got != HalfOpen {
		t.Fatalf("state = %v, want half-open", got)
	}
	// Only one probe at a time.
	if err := b.Allow("a1"); !errors.Is(err, ErrOpen) {
		t.Fatalf("second probe should be refused, got %v", err)
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	b, clk := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure("a1")
	}
	clk.Advance(31 * time.Second)
	if err := b.Allow("a1"); err != nil {
		t.Fatal(err)
	}
	b.RecordSuccess("a1")
	if got := b.State("a1"); got != Closed {
		t.Fatalf("state after probe success = %v, want closed", got)
	}
	if err := b.Allow("a1"); err != nil {
		t.Fatalf("closed circuit should admit: %v", err)
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b, clk := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure("a1")
	}
	clk.Advance(31 * time.Second)
	if err := b.Allow("a1"); err != nil {
		t.Fatal(err)
	}
	b.RecordFailure("a1")
	if got := b.State("a1"); got != Open {
		t.Fatalf("state after probe failure = %v, want open", got)
	}
	// Reopened circuit waits a full reset timeout again.
	if err := b.Allow("a1"); !errors.Is(err, ErrOpen) {
		t.Fatalf("Allow right after reopen = %v, want ErrOpen", err)
	}
	clk.Advance(31 * time.Second)
	if err := b.Allow("a1"); err != nil {
		t.Fatalf("probe after second wait should be admitted: %v", err)
	}
}

func TestSuccessDecrementsStreak(t *testing.T) {
	b, _ := newTestBreaker()

	b.RecordFailure("a1")
	b.RecordFailure("a1")
	b.RecordSuccess("a1")
	if got := b.Failures("a1"); got != 1 {
		t.Fatalf("failures = %d, want 1", got)
	}
	// One more failure stays under the threshold now.
	b.RecordFailure("a1")
	if got := b.State("a1"); got != Closed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestTargetsAreIndependent(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure("a1")
	}
	if got := b.State("a1"); got != Open {
		t.Fatalf("a1 state = %v, want open", got)
	}
	if err := b.Allow("a2"); err != nil {
		t.Fatalf("a2 should be unaffected: %v", err)
	}
}
