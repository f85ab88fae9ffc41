// Package fpar implements fan-out/fan-in helpers (parallel_do and
// parallel_for) over a [fiber.Fiber] and [scheduler.Scheduler]: running a
// batch of functions "in parallel" by scheduling one fiber per function on
// the calling fiber's scheduler, then yielding until they've all reported
// completion.
//
// Grounded on span::parallel_do / span::parallel_foreach
// (original_source/span/src/span/Parallel.cpp/.hh): a per-call atomic
// completion counter, an optional FiberSemaphore capping how many of the
// spawned fibers may run their function body concurrently, and a
// first-uncaught-error-wins policy across the batch.
package fpar

import (
	"sync/atomic"

	"github.com/Mythra/Span/fiber"
	"github.com/Mythra/Span/fsync"
	"github.com/Mythra/Span/scheduler"
)

// ParallelDo runs every function in fns, returning the first error
// returned by any of them (if several fail, which one is "first" is
// unspecified, matching the reference's unspecified throw ordering).
//
// If there is no Scheduler driving the calling fiber, or len(fns) <= 1,
// the functions simply run sequentially on the calling goroutine.
//
// parallelism caps how many of the spawned fibers run concurrently; -1
// (the default passed by ParallelDoAll) means "no cap, limited only by
// the Scheduler's own concurrency".
func ParallelDo(fns []func() error, parallelism int) error {
	s := scheduler.Current()
	if s == nil || len(fns) <= 1 {
		for _, fn := range fns {
			if err := fn(); err != nil {
				return err
			}
		}
		return nil
	}
	if parallelism == 0 {
		panic("fpar: parallelism must not be 0")
	}

	caller := fiber.GetThis()
	var completed atomic.Int64
	total := int64(len(fns))
	errs := make([]error, len(fns))

	var sem *fsync.FiberSemaphore
	if parallelism != -1 {
		sem = fsync.NewFiberSemaphore(parallelism)
	}

	for idx, fn := range fns {
		idx, fn := idx, fn
		f := fiber.New(func(self *fiber.Fiber) error {
			if sem != nil {
				sem.Wait()
			}
			errs[idx] = fn()
			if sem != nil {
				sem.Notify()
			}
			if completed.Add(1) == total {
				s.Schedule(caller, 0)
			}
			return nil
		})
		s.Schedule(f, 0)
	}

	_ = fiber.Yield()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// ParallelDoAll is ParallelDo with no concurrency cap.
func ParallelDoAll(fns []func() error) error {
	return ParallelDo(fns, -1)
}

// ParallelFor applies fn to every element of items across parallelism
// fibers pulling from a shared cursor, returning the first error any
// invocation produced. parallelism <= 0 selects a default of 4, matching
// parallel_foreach's default. If there is no Scheduler driving the
// calling fiber, or parallelism == 1, items are processed sequentially on
// the calling goroutine.
func ParallelFor[T any](items []T, fn func(T) error, parallelism int) error {
	if parallelism <= 0 {
		parallelism = 4
	}
	s := scheduler.Current()
	if parallelism == 1 || s == nil {
		for _, it := range items {
			if err := fn(it); err != nil {
				return err
			}
		}
		return nil
	}

	caller := fiber.GetThis()
	var next atomic.Int64
	var firstErr atomic.Pointer[error]
	remaining := atomic.Int64{}
	remaining.Store(int64(parallelism))

	worker := func() {
		for {
			i := next.Add(1) - 1
			if i >= int64(len(items)) || firstErr.Load() != nil {
				break
			}
			if err := fn(items[i]); err != nil {
				firstErr.CompareAndSwap(nil, &err)
				break
			}
		}
		if remaining.Add(-1) == 0 {
			s.Schedule(caller, 0)
		}
	}

	for i := 0; i < parallelism; i++ {
		f := fiber.New(func(self *fiber.Fiber) error {
			worker()
			return nil
		})
		s.Schedule(f, 0)
	}

	_ = fiber.Yield()

	if p := firstErr.Load(); p != nil {
		return *p
	}
	return nil
}
