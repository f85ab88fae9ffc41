// Package fsync provides synchronization primitives that yield to a
// [scheduler.Scheduler] instead of blocking an OS thread, plus a
// thread-level counting Semaphore for the rare case where blocking a
// thread really is what's wanted (a scheduler's idle worker backoff).
//
// Grounded on span::fibers::FiberMutex/FiberSemaphore/FiberCondition/
// FiberEvent (original_source/span/src/span/fibers/FiberSynchronization.cpp)
// and span::fibers::Semaphore
// (original_source/span/src/span/fibers/Semaphore.cpp): every fiber-aware
// primitive keeps a FIFO list of (scheduler, fiber) waiters and hands
// ownership/permits to the front of that list instead of the CPU's own
// wakeup order, exactly as the teacher's eventloop favors explicit FIFO
// queues over relying on incidental scheduling fairness.
package fsync

import (
	"sync"

	"github.com/Mythra/Span/fiber"
	"github.com/Mythra/Span/scheduler"
)

type waiter struct {
	s *scheduler.Scheduler
	f *fiber.Fiber
}

func currentWaiter() waiter {
	s := scheduler.Current()
	if s == nil {
		panic("fsync: no scheduler is driving the current fiber")
	}
	return waiter{s: s, f: fiber.GetThis()}
}

func (w waiter) wake() { w.s.Schedule(w.f, 0) }

// FiberMutex is a mutual-exclusion lock whose blocked side yields to its
// scheduler rather than parking an OS thread.
type FiberMutex struct {
	mu      sync.Mutex
	owner   *fiber.Fiber
	waiters []waiter
}

// Lock acquires the mutex, yielding the calling fiber to its scheduler if
// another fiber already holds it.
func (m *FiberMutex) Lock() {
	m.mu.Lock()
	if m.owner == nil {
		m.owner = fiber.GetThis()
		m.mu.Unlock()
		return
	}
	if m.owner == fiber.GetThis() {
		m.mu.Unlock()
		panic("fsync: FiberMutex is not reentrant")
	}
	m.waiters = append(m.waiters, currentWaiter())
	m.mu.Unlock()
	_ = fiber.Yield()
}

// Unlock releases the mutex, handing ownership directly to the
// longest-waiting fiber (if any) and scheduling it to run.
func (m *FiberMutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlockLocked()
}

func (m *FiberMutex) unlockLocked() {
	if m.owner != fiber.GetThis() {
		panic("fsync: Unlock called by a fiber that does not hold the lock")
	}
	m.owner = nil
	if len(m.waiters) == 0 {
		return
	}
	next := m.waiters[0]
	m.waiters = m.waiters[1:]
	m.owner = next.f
	next.wake()
}

// UnlockIfNotUnique releases the mutex only if at least one other fiber is
// waiting on it, returning whether it did so. Useful for a fiber that
// would otherwise immediately re-lock with nobody else runnable.
func (m *FiberMutex) UnlockIfNotUnique() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != fiber.GetThis() {
		panic("fsync: UnlockIfNotUnique called by a fiber that does not hold the lock")
	}
	if len(m.waiters) == 0 {
		return false
	}
	m.unlockLocked()
	return true
}

// FiberSemaphore is a counting semaphore whose blocked side yields to its
// scheduler.
type FiberSemaphore struct {
	mu          sync.Mutex
	concurrency int
	waiters     []waiter
}

// NewFiberSemaphore constructs a FiberSemaphore starting with
// initialConcurrency permits available.
func NewFiberSemaphore(initialConcurrency int) *FiberSemaphore {
	return &FiberSemaphore{concurrency: initialConcurrency}
}

// Wait acquires a permit, yielding if none is immediately available.
func (s *FiberSemaphore) Wait() {
	s.mu.Lock()
	if s.concurrency > 0 {
		s.concurrency--
		s.mu.Unlock()
		return
	}
	s.waiters = append(s.waiters, currentWaiter())
	s.mu.Unlock()
	_ = fiber.Yield()
}

// Notify releases a permit, directly waking the longest-waiting fiber if
// one exists instead of incrementing the available count.
func (s *FiberSemaphore) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.waiters) > 0 {
		next := s.waiters[0]
		s.waiters = s.waiters[1:]
		next.wake()
		return
	}
	s.concurrency++
}

// FiberCondition is a condition variable paired with a FiberMutex, in the
// style of sync.Cond but yielding instead of blocking.
type FiberCondition struct {
	mu      sync.Mutex
	fm      *FiberMutex
	waiters []waiter
}

// NewFiberCondition constructs a FiberCondition guarded by fm. fm must be
// held by the calling fiber whenever Wait is called.
func NewFiberCondition(fm *FiberMutex) *FiberCondition {
	return &FiberCondition{fm: fm}
}

// Wait releases the associated FiberMutex and suspends the calling fiber
// until a Signal or Broadcast re-acquires it on this fiber's behalf.
// Precondition: the calling fiber holds fm.
func (c *FiberCondition) Wait() {
	c.mu.Lock()
	c.fm.mu.Lock()
	if c.fm.owner != fiber.GetThis() {
		c.fm.mu.Unlock()
		c.mu.Unlock()
		panic("fsync: FiberCondition.Wait called without holding its mutex")
	}
	c.waiters = append(c.waiters, currentWaiter())
	c.fm.unlockLocked()
	c.fm.mu.Unlock()
	c.mu.Unlock()
	_ = fiber.Yield()
}

// Signal wakes (and transfers mutex ownership to, or queues behind the
// current owner) the longest-waiting fiber, if any.
func (c *FiberCondition) Signal() {
	c.mu.Lock()
	if len(c.waiters) == 0 {
		c.mu.Unlock()
		return
	}
	next := c.waiters[0]
	c.waiters = c.waiters[1:]
	c.mu.Unlock()

	c.fm.mu.Lock()
	if c.fm.owner == next.f {
		c.fm.mu.Unlock()
		panic("fsync: condition waiter already owns the associated mutex")
	}
	if c.fm.owner == nil {
		c.fm.owner = next.f
		c.fm.mu.Unlock()
		next.wake()
	} else {
		c.fm.waiters = append(c.fm.waiters, next)
		c.fm.mu.Unlock()
	}
}

// Broadcast wakes every waiter, in FIFO order, the same way Signal wakes
// one.
func (c *FiberCondition) Broadcast() {
	c.mu.Lock()
	if len(c.waiters) == 0 {
		c.mu.Unlock()
		return
	}
	all := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	c.fm.mu.Lock()
	for _, next := range all {
		if c.fm.owner == next.f {
			c.fm.mu.Unlock()
			panic("fsync: condition waiter already owns the associated mutex")
		}
		if c.fm.owner == nil {
			c.fm.owner = next.f
			c.fm.mu.Unlock()
			next.wake()
			c.fm.mu.Lock()
		} else {
			c.fm.waiters = append(c.fm.waiters, next)
		}
	}
	c.fm.mu.Unlock()
}

// FiberEvent is a manual- or auto-reset signal fibers can wait on.
type FiberEvent struct {
	mu        sync.Mutex
	signalled bool
	autoReset bool
	waiters   []waiter
}

// NewFiberEvent constructs a FiberEvent. If autoReset is true, Set wakes
// at most one waiter and clears the signal; otherwise Set wakes every
// current and future waiter until Reset is called.
func NewFiberEvent(autoReset bool) *FiberEvent {
	return &FiberEvent{autoReset: autoReset}
}

// Wait blocks the calling fiber until the event is signalled.
func (e *FiberEvent) Wait() {
	e.mu.Lock()
	if e.signalled {
		if e.autoReset {
			e.signalled = false
		}
		e.mu.Unlock()
		return
	}
	e.waiters = append(e.waiters, currentWaiter())
	e.mu.Unlock()
	_ = fiber.Yield()
}

// Set signals the event.
func (e *FiberEvent) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.autoReset {
		e.signalled = true
		for _, w := range e.waiters {
			w.wake()
		}
		e.waiters = nil
		return
	}

	if len(e.waiters) == 0 {
		e.signalled = true
		return
	}
	e.waiters[0].wake()
	e.waiters = e.waiters[1:]
}

// Reset clears a manual-reset event's signalled state.
func (e *FiberEvent) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signalled = false
}

// Semaphore is a plain counting semaphore that blocks the calling
// goroutine's OS thread (unlike every other type in this package). The
// scheduler's default idle loop does not use it: it blocks on the
// Scheduler's own buffered wake channel. Grounded on
// span::fibers::Semaphore, a thin wrapper over the platform semaphore API.
// A buffered channel is Go's idiomatic analogue.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore constructs a Semaphore starting with count permits
// available.
func NewSemaphore(count int) *Semaphore {
	s := &Semaphore{ch: make(chan struct{}, 1<<20)}
	for i := 0; i < count; i++ {
		s.ch <- struct{}{}
	}
	return s
}

// Wait blocks the calling goroutine until a permit is available.
func (s *Semaphore) Wait() { <-s.ch }

// Notify releases one permit.
func (s *Semaphore) Notify() { s.ch <- struct{}{} }
