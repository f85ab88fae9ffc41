package timer

import (
	"testing"
	"weak"

	"github.com/Mythra/Span/internal/clock"
)

func TestManagerSingle(t *testing.T) {
	m := NewManager()
	if got := m.NextDeadline(); got != -1 {
		t.Fatalf("expected -1 on empty manager, got %d", got)
	}
	var sequence int
	m.Register(0, func() { sequence++ }, false)
	if got := m.NextDeadline(); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if sequence != 0 {
		t.Fatalf("expected no fire yet, got sequence=%d", sequence)
	}
	if n := m.ExecuteDue(); n != 1 {
		t.Fatalf("expected 1 timer to fire, got %d", n)
	}
	if sequence != 1 {
		t.Fatalf("expected sequence=1, got %d", sequence)
	}
	if got := m.NextDeadline(); got != -1 {
		t.Fatalf("expected -1 after firing, got %d", got)
	}
}

func TestManagerMultipleOrdering(t *testing.T) {
	m := NewManager()
	clock.SetOverride(func() int64 { return 0 })
	defer clock.SetOverride(nil)

	var order []int
	m.Register(2000, func() { order = append(order, 2) }, false)
	m.Register(0, func() { order = append(order, 0) }, false)
	m.Register(1000, func() { order = append(order, 1) }, false)

	if n := m.ExecuteDue(); n != 1 {
		t.Fatalf("expected only the due timer to fire, got %d", n)
	}
	if len(order) != 1 || order[0] != 0 {
		t.Fatalf("unexpected order: %v", order)
	}

	clock.SetOverride(func() int64 { return 1500 })
	if n := m.ExecuteDue(); n != 1 {
		t.Fatalf("expected the 1000us timer to fire, got %d", n)
	}
	if len(order) != 2 || order[1] != 1 {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestTimerCancel(t *testing.T) {
	m := NewManager()
	var fired bool
	tm := m.Register(0, func() { fired = true }, false)
	if !tm.Cancel() {
		t.Fatal("expected first cancel to succeed")
	}
	if tm.Cancel() {
		t.Fatal("expected second cancel to be a no-op")
	}
	if got := m.NextDeadline(); got != -1 {
		t.Fatalf("expected -1 after cancelling the only timer, got %d", got)
	}
	m.ExecuteDue()
	if fired {
		t.Fatal("cancelled timer must not fire")
	}
}

func TestTimerCancelAfterFiring(t *testing.T) {
	m := NewManager()
	tm := m.Register(0, func() {}, false)
	m.ExecuteDue()
	if tm.Cancel() {
		t.Fatal("expected cancel after firing to report false")
	}
}

func TestRecurringTimerReregisters(t *testing.T) {
	m := NewManager()
	clock.SetOverride(func() int64 { return 0 })
	defer clock.SetOverride(nil)

	var count int
	m.Register(1000, func() { count++ }, true)

	clock.SetOverride(func() int64 { return 1000 })
	m.ExecuteDue()
	if count != 1 {
		t.Fatalf("expected 1 firing, got %d", count)
	}
	if got := m.NextDeadline(); got != 1000 {
		t.Fatalf("expected the recurring timer to be rescheduled one interval after it fired, got %d", got)
	}

	clock.SetOverride(func() int64 { return 2000 })
	m.ExecuteDue()
	if count != 2 {
		t.Fatalf("expected 2 firings, got %d", count)
	}
}

func TestClockRolloverExpiresAllTimers(t *testing.T) {
	m := NewManager()
	clock.SetOverride(func() int64 { return 10_000_000 })
	defer clock.SetOverride(nil)

	var fired int
	m.Register(60_000_000, func() { fired++ }, false)
	m.Register(120_000_000, func() { fired++ }, false)
	m.ExecuteDue()
	if fired != 0 {
		t.Fatalf("neither timer should be due yet, fired=%d", fired)
	}

	// Clock jumps far backward (> rollover threshold): both timers should
	// be treated as expired rather than pushed out to some distant future.
	clock.SetOverride(func() int64 { return 1_000 })
	if n := m.ExecuteDue(); n != 2 {
		t.Fatalf("expected rollover to expire both timers, got %d", n)
	}
	if fired != 2 {
		t.Fatalf("expected both callbacks to run, fired=%d", fired)
	}
}

func TestOnTimerInsertedAtFrontFiresOnlyForNewEarliest(t *testing.T) {
	m := NewManager()
	clock.SetOverride(func() int64 { return 0 })
	defer clock.SetOverride(nil)

	var notified int
	m.OnTimerInsertedAtFront = func() { notified++ }

	m.Register(1000, func() {}, false)
	if notified != 1 {
		t.Fatalf("expected the first registration to notify, got %d", notified)
	}

	m.Register(2000, func() {}, false)
	if notified != 1 {
		t.Fatalf("a later deadline must not notify, got %d", notified)
	}

	// The woken waiter reads the next deadline, consuming the first
	// notification; only then can a new earliest deadline notify again.
	m.NextDeadline()
	m.Register(500, func() {}, false)
	if notified != 2 {
		t.Fatalf("an earlier deadline must notify, got %d", notified)
	}
}

func TestRegisterConditionSkipsWhenTargetCollected(t *testing.T) {
	m := NewManager()

	var fired bool
	obj := new(int)
	weakObj := weak.Make(obj)
	RegisterCondition(m, 0, func() { fired = true }, weakObj, false)

	// Can't force a GC-dependent collection deterministically in a unit
	// test; instead exercise the still-alive path, which is the part under
	// our control without relying on GC timing. obj is kept reachable
	// until after ExecuteDue.
	m.ExecuteDue()
	_ = obj
	if !fired {
		t.Fatal("expected callback to run while the condition target is still referenced")
	}
}
