package fsync

import (
	"sync"
	"testing"
	"time"

	"github.com/Mythra/Span/scheduler"
)

func TestFiberMutexFIFOHandoff(t *testing.T) {
	s := scheduler.New(4, false)
	s.Start()
	defer s.Stop()

	m := &FiberMutex{}
	var order []int
	var mu sync.Mutex
	done := make(chan struct{})

	m.Lock()
	for i := 0; i < 3; i++ {
		i := i
		s.ScheduleFunc(func() {
			m.Lock()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			m.Unlock()
			if i == 2 {
				close(done)
			}
		}, 0)
	}
	// give the scheduled fibers a chance to queue up behind the lock
	time.Sleep(20 * time.Millisecond)
	m.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lock handoff chain")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("expected all 3 waiters to run, got %v", order)
	}
}

func TestFiberSemaphoreLimitsConcurrency(t *testing.T) {
	s := scheduler.New(4, false)
	s.Start()
	defer s.Stop()

	sem := NewFiberSemaphore(2)
	var mu sync.Mutex
	var current, maxSeen int
	var wg sync.WaitGroup
	wg.Add(5)

	for i := 0; i < 5; i++ {
		s.ScheduleFunc(func() {
			sem.Wait()
			mu.Lock()
			current++
			if current > maxSeen {
				maxSeen = current
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
			sem.Notify()
			wg.Done()
		}, 0)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
	}
	if maxSeen > 2 {
		t.Fatalf("expected at most 2 concurrent holders, saw %d", maxSeen)
	}
}

func TestFiberEventAutoResetWakesOneAtATime(t *testing.T) {
	s := scheduler.New(2, false)
	s.Start()
	defer s.Stop()

	ev := NewFiberEvent(true)
	var mu sync.Mutex
	var woken int
	done := make(chan struct{})

	for i := 0; i < 2; i++ {
		s.ScheduleFunc(func() {
			ev.Wait()
			mu.Lock()
			woken++
			n := woken
			mu.Unlock()
			if n == 2 {
				close(done)
			}
		}, 0)
	}
	time.Sleep(20 * time.Millisecond)
	ev.Set()
	time.Sleep(20 * time.Millisecond)
	ev.Set()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for both waiters to wake")
	}
}

func TestThreadSemaphoreBasic(t *testing.T) {
	sem := NewSemaphore(1)
	sem.Wait()
	done := make(chan struct{})
	go func() {
		sem.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected the second Wait to block until Notify")
	case <-time.After(50 * time.Millisecond):
	}
	sem.Notify()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Notify to unblock the waiting goroutine")
	}
}
