// Package timer provides an ordered set of deadlines, shared by schedulers
// and the I/O runtime to drive their "how long until something is due"
// wait.
//
// Grounded on span::TimerManager (original_source/span/src/span/Timer.cpp):
// a mutex-guarded ordered set of timers keyed by (deadline, identity), with
// clock-rollover detection and in-place re-registration of recurring
// timers during the same harvest pass that expires them. The ordered set
// itself is grounded on the teacher's eventloop.Loop timerHeap, a
// container/heap.Interface over a slice — this port uses the same
// structure instead of the original's std::set, since Go's heap package is
// the idiomatic ordered-priority-queue primitive the teacher itself reaches
// for.
package timer

import (
	"container/heap"
	"sync"
	"weak"

	"github.com/Mythra/Span/internal/clock"
)

// clockRolloverThresholdMicros mirrors span::clockRolloverThreshold: a
// backward jump in the clock smaller than this is treated as jitter, not a
// rollover.
const clockRolloverThresholdMicros = 5_000_000

// Timer is a handle to one scheduled callback. The zero value is not
// useful; obtain one via (*Manager).Register or RegisterCondition.
type Timer struct {
	manager   *Manager
	dg        func()
	us        int64
	next      int64
	recurring bool
	seq       uint64 // tie-breaker, mirrors Comparator's pointer-identity fallback
	index     int    // heap slot, maintained by container/heap
	cancelled bool
}

// Cancel removes t from its Manager if it has not already fired (and, for
// recurring timers, if it has not already been cancelled). Returns false if
// t was already fired/cancelled.
func (t *Timer) Cancel() bool {
	m := t.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.dg == nil {
		return false
	}
	t.dg = nil
	t.cancelled = true
	if t.index >= 0 {
		heap.Remove(&m.timers, t.index)
	}
	return true
}

// Refresh re-bases t's deadline to now+us, preserving its original
// duration. Returns false if t already fired/was cancelled.
func (t *Timer) Refresh() bool {
	m := t.manager
	var atFront bool
	m.mu.Lock()
	if t.dg == nil {
		m.mu.Unlock()
		return false
	}
	heap.Remove(&m.timers, t.index)
	t.next = clock.NowMicros() + t.us
	heap.Push(&m.timers, t)
	atFront = m.timers[0] == t && !m.tickled
	if atFront {
		m.tickled = true
	}
	m.mu.Unlock()
	if atFront {
		m.onTimerInsertedAtFront()
	}
	return true
}

// Reset changes t's duration to us, re-basing from either t's original
// start (fromNow false) or the current time (fromNow true). Returns false
// if t already fired/was cancelled.
func (t *Timer) Reset(us int64, fromNow bool) bool {
	m := t.manager
	var atFront bool
	m.mu.Lock()
	if t.dg == nil {
		m.mu.Unlock()
		return false
	}
	if us == t.us && !fromNow {
		m.mu.Unlock()
		return true
	}
	heap.Remove(&m.timers, t.index)
	var start int64
	if fromNow {
		start = clock.NowMicros()
	} else {
		start = t.next - t.us
	}
	t.us = us
	t.next = start + us
	heap.Push(&m.timers, t)
	atFront = m.timers[0] == t && !m.tickled
	if atFront {
		m.tickled = true
	}
	m.mu.Unlock()
	if atFront {
		m.onTimerInsertedAtFront()
	}
	return true
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].next != h[j].next {
		return h[i].next < h[j].next
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Manager is an ordered set of pending Timers plus the bookkeeping needed
// to detect clock rollover and to notify a owner (typically a scheduler or
// I/O reactor) when a newly-registered timer becomes the soonest deadline.
type Manager struct {
	// OnTimerInsertedAtFront, if set, is called (without the Manager's lock
	// held) whenever a Register/Refresh/Reset call makes its timer the new
	// earliest deadline and no earlier notification is outstanding: after
	// one call, further ones are suppressed until the next NextDeadline
	// call. Typically used to wake
	// a blocked poll/wait call early. Grounded on
	// TimerManager::onTimerInsertedAtFront, a virtual hook in the original;
	// Go prefers an injected function over subclassing.
	OnTimerInsertedAtFront func()

	mu       sync.Mutex
	timers   timerHeap
	tickled  bool
	prevTime int64
	nextSeq  uint64
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

func (m *Manager) onTimerInsertedAtFront() {
	if m.OnTimerInsertedAtFront != nil {
		m.OnTimerInsertedAtFront()
	}
}

// Register schedules dg to run after us microseconds, once (recurring
// false) or repeatedly every us microseconds (recurring true) until
// cancelled.
func (m *Manager) Register(us int64, dg func(), recurring bool) *Timer {
	if dg == nil {
		panic("timer: dg must not be nil")
	}
	t := &Timer{
		manager:   m,
		dg:        dg,
		us:        us,
		recurring: recurring,
		next:      clock.NowMicros() + us,
	}
	var atFront bool
	m.mu.Lock()
	t.seq = m.nextSeq
	m.nextSeq++
	heap.Push(&m.timers, t)
	atFront = m.timers[0] == t && !m.tickled
	if atFront {
		m.tickled = true
	}
	m.mu.Unlock()
	if atFront {
		m.onTimerInsertedAtFront()
	}
	return t
}

// RegisterCondition schedules dg like Register, but skips invoking dg (and
// silently consumes the firing) if the object cond points to has already
// been collected by the time the timer expires. Grounded on
// TimerManager::registerConditionTimer / stubOnTimer's weak_ptr<void>
// guard; a weak.Pointer[T] is Go's direct analogue.
func RegisterCondition[T any](m *Manager, us int64, dg func(), cond weak.Pointer[T], recurring bool) *Timer {
	return m.Register(us, func() {
		if cond.Value() != nil {
			dg()
		}
	}, recurring)
}

// NextDeadline returns the number of microseconds until the soonest
// pending timer is due (0 if already due, or already overdue), or -1 if no
// timers are pending. Calling it clears the "tickled" flag, so a
// subsequent Register racing with an in-flight wait will re-signal via
// OnTimerInsertedAtFront instead of being silently absorbed.
func (m *Manager) NextDeadline() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickled = false
	if len(m.timers) == 0 {
		return -1
	}
	now := clock.NowMicros()
	next := m.timers[0].next
	if now >= next {
		return 0
	}
	return next - now
}

func (m *Manager) detectClockRollover(nowUs int64) bool {
	rollover := nowUs < m.prevTime && nowUs < m.prevTime-clockRolloverThresholdMicros
	m.prevTime = nowUs
	return rollover
}

// processDue pops every timer due at or before now (or every timer, on a
// detected clock rollover), re-registering recurring ones in place, and
// returns the callbacks to run. Must be called with m.mu held.
func (m *Manager) processDue(nowUs int64) []func() {
	if len(m.timers) == 0 {
		return nil
	}
	rollover := m.detectClockRollover(nowUs)
	if !rollover && m.timers[0].next > nowUs {
		return nil
	}

	var expired []*Timer
	if rollover {
		expired = append(expired, m.timers...)
		m.timers = m.timers[:0]
	} else {
		for len(m.timers) > 0 && m.timers[0].next <= nowUs {
			expired = append(expired, heap.Pop(&m.timers).(*Timer))
		}
	}

	result := make([]func(), 0, len(expired))
	for _, t := range expired {
		dg := t.dg
		if dg == nil {
			// cancelled between harvest selection and here cannot happen
			// under the same lock, but a rollover-harvested recurring timer
			// that was separately cancelled this same tick could be nil.
			continue
		}
		result = append(result, dg)
		if t.recurring && !t.cancelled {
			t.next = nowUs + t.us
			heap.Push(&m.timers, t)
		} else {
			t.dg = nil
		}
	}
	return result
}

// ExecuteDue runs every timer callback due at the current time (outside
// the Manager's lock, matching TimerManager::executeTimers), returning the
// number executed.
func (m *Manager) ExecuteDue() int {
	due := m.Harvest()
	for _, dg := range due {
		dg()
	}
	return len(due)
}

// Harvest pops every timer callback due at the current time (re-registering
// recurring ones in place) without running them, leaving the caller free to
// schedule them however it likes. Used by ioruntime's idle loop, which
// schedules harvested callbacks onto worker fibers rather than running them
// inline on the reactor goroutine, mirroring IOManager::idle's
// `schedule(expired.begin(), expired.end())`.
func (m *Manager) Harvest() []func() {
	nowUs := clock.NowMicros()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processDue(nowUs)
}
