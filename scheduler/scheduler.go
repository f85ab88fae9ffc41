// Package scheduler implements a cooperative M:N dispatcher for
// [fiber.Fiber] values and bare functions: an M:N scheduler lets a handful
// of OS threads service many more fibers than there are threads, switching
// between fibers whenever one yields instead of blocking its thread.
//
// Grounded on span::fibers::Scheduler
// (original_source/span/src/span/fibers/Scheduler.cpp): a FIFO ready queue
// guarded by a mutex, a configurable number of worker threads plus an
// optional "hijacked" caller thread, per-item thread affinity, a batch-size
// knob controlling how many ready items one worker claims per pass before
// considering tickling a sibling, and a pluggable idle/tickle pair used by
// subclasses (IOManagerEpoll/Kqueue) to poll a reactor instead of just
// blocking. Workers are plain goroutines here rather than OS threads, and
// the idle/tickle pair is a functional option instead of virtual methods,
// per the teacher's (eventloop) functional-options idiom
// (eventloop/options.go).
package scheduler

import (
	"sync"
	"sync/atomic"

	"github.com/Mythra/Span/fiber"
	"github.com/Mythra/Span/internal/gid"
)

// item is either a Fiber to resume, or a bare function to run on the
// claiming worker's reusable closure fiber (see run)
// (span::fibers::Scheduler::FiberAndThread).
type item struct {
	f        *fiber.Fiber
	fn       func()
	affinity uint64 // 0 means "no affinity"; otherwise a worker goroutine id
}

// Option configures a Scheduler at construction time.
type Option interface{ apply(*Scheduler) }

type optionFunc func(*Scheduler)

func (f optionFunc) apply(s *Scheduler) { f(s) }

// WithBatchSize bounds how many ready items one worker pass claims before
// re-checking whether a sibling worker should be tickled. Default 1,
// matching the reference default.
func WithBatchSize(n int) Option {
	return optionFunc(func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	})
}

// WithIdle overrides the default "block until tickled" idle behavior.
// idle is run (on a dedicated per-worker Fiber) whenever a worker finds no
// ready work; it should call fiber.Yield periodically if it believes work
// may now be available, and return when the Scheduler is stopping.
// Grounded on Scheduler::idle being pure-virtual in the reference; used by
// ioruntime to poll its reactor instead of merely sleeping.
func WithIdle(idle func(s *Scheduler)) Option {
	return optionFunc(func(s *Scheduler) { s.idleFn = idle })
}

// WithMetrics enables the counters exposed by ActiveWorkers/IdleWorkers;
// disabled by default to match eventloop's WithMetrics gate. ReadyLen is
// not gated.
func WithMetrics(enabled bool) Option {
	return optionFunc(func(s *Scheduler) { s.metricsEnabled = enabled })
}

// WithTickle overrides how Schedule/ScheduleFunc/Stop wake a worker that
// may be parked somewhere other than the default idle loop's s.wake
// channel. Grounded on Scheduler::tickle being virtual in the reference,
// overridden by IOManager::tickle to write to its self-pipe instead of
// signalling a condition variable; used the same way by ioruntime, whose
// idle loop blocks inside a kernel poller rather than on s.wake.
func WithTickle(tickle func(s *Scheduler)) Option {
	return optionFunc(func(s *Scheduler) { s.tickleFn = tickle })
}

func resolveOptions(opts []Option) func(*Scheduler) {
	return func(s *Scheduler) {
		for _, o := range opts {
			o.apply(s)
		}
	}
}

// Scheduler dispatches Fibers and bare functions across a pool of worker
// goroutines (and, optionally, its creating goroutine).
type Scheduler struct {
	mu       sync.Mutex
	ready    []item
	stopping atomic.Bool
	autoStop atomic.Bool

	threadCount int // excludes the hijacked caller, if any
	batchSize   int

	activeWorkers atomic.Int64
	idleWorkers   atomic.Int64
	metricsEnabled bool

	idleFn   func(s *Scheduler)
	tickleFn func(s *Scheduler)

	wake chan struct{} // buffered(1); default tickleFn target

	workersMu sync.Mutex
	running   sync.WaitGroup

	useCaller bool
	rootGID   uint64
	rootFiber *fiber.Fiber
	// callingFiber is the fiber that invoked Dispatch/Stop on the hijacked
	// thread, parked while the scheduler's root fiber runs the worker loop.
	callingFiber *fiber.Fiber
}

var currentSchedulers sync.Map // goroutine id (uint64) -> *Scheduler

// Current returns the Scheduler driving the calling fiber, or nil if
// nothing is. Since each Fiber's entry function runs on its own goroutine
// (distinct from whatever worker goroutine is blocked inside Call),
// resolving this by goroutine id alone would miss every fiber body; the
// primary lookup instead asks the current Fiber which Scheduler last
// resumed it (see (*fiber.Fiber).SetScheduler, set by run() immediately
// before every Call). The goroutine-id-keyed fallback only matters for the
// hijacked-caller goroutine itself, between New(..., useCaller=true) and
// its first Dispatch/Stop call, when that goroutine's "current fiber" is
// still its own bare thread-entry Fiber rather than the scheduler's root
// fiber.
func Current() *Scheduler {
	if f := fiber.GetThis(); f != nil {
		if v := f.Scheduler(); v != nil {
			if s, ok := v.(*Scheduler); ok {
				return s
			}
		}
	}
	if v, ok := currentSchedulers.Load(gid.Current()); ok {
		return v.(*Scheduler)
	}
	return nil
}

// New constructs a Scheduler. threads is the total worker count; if
// useCaller is true, one of those workers is "hijacked" from the calling
// goroutine instead of spawned, and only runs once Dispatch or Stop is
// called from that same goroutine.
func New(threads int, useCaller bool, opts ...Option) *Scheduler {
	if threads < 1 {
		threads = 1
	}
	s := &Scheduler{
		batchSize: 1,
		wake:      make(chan struct{}, 1),
		useCaller: useCaller,
	}
	s.stopping.Store(true)
	resolveOptions(opts)(s)
	if s.idleFn == nil {
		s.idleFn = defaultIdle
	}
	if s.tickleFn == nil {
		s.tickleFn = defaultTickle
	}

	if useCaller {
		threads--
		if Current() != nil {
			panic("scheduler: useCaller requires no scheduler already driving this goroutine")
		}
		s.rootGID = gid.Current()
		s.rootFiber = fiber.New(func(self *fiber.Fiber) error {
			s.run()
			return nil
		})
		s.rootFiber.SetScheduler(s)
		currentSchedulers.Store(s.rootGID, s)
	}
	s.threadCount = threads
	return s
}

func defaultTickle(s *Scheduler) {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func defaultIdle(s *Scheduler) {
	for {
		if s.Stopping() {
			return
		}
		<-s.wake
		if err := fiber.Yield(); err != nil {
			return
		}
	}
}

// Stopping reports whether the Scheduler is shutting down and has no ready
// work or active workers left; derived idle loops (ioruntime) poll this to
// decide when to return as fast as possible.
func (s *Scheduler) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping.Load() && len(s.ready) == 0 && s.activeWorkers.Load() == 0
}

func (s *Scheduler) tickle() {
	s.tickleFn(s)
}

// Start spawns this Scheduler's non-hijacked worker goroutines. Safe to
// call if already started (a no-op).
func (s *Scheduler) Start() {
	s.mu.Lock()
	if !s.stopping.Load() {
		s.mu.Unlock()
		return
	}
	s.stopping.Store(false)
	n := s.threadCount
	s.mu.Unlock()

	for i := 0; i < n; i++ {
		s.running.Add(1)
		go func() {
			defer s.running.Done()
			s.run()
		}()
	}
}

// Schedule enqueues f to run on this Scheduler, optionally pinned to the
// worker goroutine identified by affinity (0 means "any worker").
func (s *Scheduler) Schedule(f *fiber.Fiber, affinity uint64) {
	s.mu.Lock()
	empty := len(s.ready) == 0
	s.ready = append(s.ready, item{f: f, affinity: affinity})
	shouldTickle := s.shouldTickle(empty)
	s.mu.Unlock()
	if shouldTickle {
		s.tickle()
	}
}

// ScheduleFunc enqueues fn to run (on the claiming worker's reusable
// closure fiber) on this Scheduler, optionally pinned to a specific worker
// goroutine.
func (s *Scheduler) ScheduleFunc(fn func(), affinity uint64) {
	s.mu.Lock()
	empty := len(s.ready) == 0
	s.ready = append(s.ready, item{fn: fn, affinity: affinity})
	shouldTickle := s.shouldTickle(empty)
	s.mu.Unlock()
	if shouldTickle {
		s.tickle()
	}
}

// shouldTickle mirrors Scheduler::shouldTickle: by default, always tickle
// unless the queue was already non-empty (there's no need to wake a
// second idle worker for every single enqueue if one is already coming).
// Must be called with s.mu held.
func (s *Scheduler) shouldTickle(wasEmpty bool) bool {
	return wasEmpty
}

// HasWorkToDo reports whether any item is currently queued.
func (s *Scheduler) HasWorkToDo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready) != 0
}

// ActiveWorkers and IdleWorkers report live counters only when the
// Scheduler was constructed with WithMetrics(true); otherwise they return
// 0, matching eventloop's metrics gate.
func (s *Scheduler) ActiveWorkers() int64 {
	if !s.metricsEnabled {
		return 0
	}
	return s.activeWorkers.Load()
}

func (s *Scheduler) IdleWorkers() int64 {
	if !s.metricsEnabled {
		return 0
	}
	return s.idleWorkers.Load()
}

// ReadyLen reports the current ready-queue depth.
func (s *Scheduler) ReadyLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}

// Dispatch hijacks the calling goroutine (which must be the one that
// constructed this Scheduler with useCaller true) to run the worker loop
// until there is no more work, then returns. Grounded on
// Scheduler::dispatch.
func (s *Scheduler) Dispatch() {
	if !s.useCaller || s.rootGID != gid.Current() {
		panic("scheduler: Dispatch must be called from the goroutine that constructed this Scheduler with useCaller")
	}
	s.stopping.Store(true)
	s.autoStop.Store(true)
	s.yieldToRoot()
	s.autoStop.Store(false)
}

// yieldToRoot yields control of the hijacked caller goroutine to the
// scheduler's worker loop, returning once the loop next parks this fiber
// (e.g. because it ran out of work). Only valid on a Scheduler constructed
// with useCaller: otherwise there is no root fiber to call.
func (s *Scheduler) yieldToRoot() {
	caller := fiber.GetThis()
	s.callingFiber = caller
	_ = s.rootFiber.Call()
}

// Stop drains all queued work and terminates every worker, including the
// hijacked caller fiber if any. Stop blocks until all workers have
// exited. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopping.Store(true)
	for i := 0; i < s.threadCount; i++ {
		s.tickle()
	}
	if s.useCaller {
		s.tickle()
		if s.rootGID == gid.Current() {
			for !s.Stopping() {
				s.yieldToRoot()
			}
		}
	}
	s.running.Wait()
}

// runPending invokes *fn, recovering any panic so a single bad closure
// can't terminate the worker's reusable dgFiber (which otherwise loops,
// running one closure per resumption, see run).
func runPending(fn *func()) {
	defer func() { recover() }()
	(*fn)()
}

// run is the body of one worker: claim a batch of ready items, run them to
// completion of one quantum, and idle when there is nothing ready.
func (s *Scheduler) run() {
	myGID := gid.Current()
	currentSchedulers.Store(myGID, s)

	idleFiber := fiber.New(func(self *fiber.Fiber) error {
		s.idleFn(s)
		return nil
	})
	idleFiber.SetScheduler(s)

	var batch []item
	isActive := false

	// dgFiber is this worker's own reusable fiber for running bare
	// closures, grounded on Scheduler::run's dgFiber: one fiber per worker,
	// reset() (here: looped and handed a new pendingFn) instead of
	// allocated fresh per closure.
	// A closure that suspends mid-run (e.g. waiting on a FiberMutex) keeps
	// its dgFiber, which whoever wakes it resumes; the worker then starts a
	// new dgFiber for its next closure.
	var dgFiber *fiber.Fiber
	var dgRunning *atomic.Bool // true while dgFiber's current closure has not returned
	var pendingFn func()

	for {
		var tickleMe bool
		var dontIdle bool

		s.mu.Lock()
		kept := s.ready[:0]
		for _, it := range s.ready {
			if len(batch) >= s.batchSize {
				kept = append(kept, it)
				continue
			}
			if it.affinity != 0 && it.affinity != myGID {
				tickleMe = true
				dontIdle = true
				kept = append(kept, it)
				continue
			}
			if it.f != nil && it.f.State() == fiber.StateExec {
				kept = append(kept, it)
				dontIdle = true
				continue
			}
			batch = append(batch, it)
			if !isActive {
				s.activeWorkers.Add(1)
				isActive = true
			}
		}
		s.ready = kept
		if len(batch) == 0 && isActive {
			s.activeWorkers.Add(-1)
			isActive = false
		}
		s.mu.Unlock()

		if tickleMe {
			s.tickle()
		}

		if len(batch) == 0 {
			if dontIdle {
				continue
			}
			if s.stopping.Load() && !s.HasWorkToDo() {
				currentSchedulers.Delete(myGID)
				return
			}
			s.idleWorkers.Add(1)
			_ = idleFiber.Call()
			s.idleWorkers.Add(-1)
			if idleFiber.State() == fiber.StateTerm {
				if s.useCaller && myGID == s.rootGID {
					s.callingFiber = nil
				}
				currentSchedulers.Delete(myGID)
				return
			}
			continue
		}

		// Drain front-to-back: items were claimed in ready-queue order above,
		// so draining from the head preserves the FIFO guarantee within a
		// claimed batch (draining the tail would run the most recently
		// claimed item first).
		for len(batch) > 0 {
			it := batch[0]
			batch = batch[1:]

			if it.f != nil {
				if it.f.State() != fiber.StateTerm {
					it.f.SetScheduler(s)
					_ = it.f.Call()
				}
			} else if it.fn != nil {
				if dgFiber == nil {
					running := new(atomic.Bool)
					dgRunning = running
					dgFiber = fiber.New(func(self *fiber.Fiber) error {
						for {
							runPending(&pendingFn)
							if !running.CompareAndSwap(true, false) {
								// The worker gave this fiber up while its
								// closure was suspended; nothing more to run.
								return nil
							}
							if err := self.Yield(); err != nil {
								return err
							}
						}
					})
				}
				pendingFn = it.fn
				dgRunning.Store(true)
				dgFiber.SetScheduler(s)
				_ = dgFiber.Call()
				if dgRunning.CompareAndSwap(true, false) ||
					dgFiber.State() == fiber.StateTerm || dgFiber.State() == fiber.StateExcept {
					// Either the closure suspended mid-run and belongs to
					// whoever wakes it, or it panicked hard enough to escape
					// runPending's recover; in both cases allocate a fresh
					// dgFiber for the next closure instead of re-Calling
					// this one.
					dgFiber = nil
				}
			}
		}
	}
}

// Switcher temporarily switches the calling fiber onto target for the
// lifetime of a defer, restoring the previous scheduler afterward.
// Grounded on span::fibers::SchedulerSwitcher.
type Switcher struct{ caller *Scheduler }

// NewSwitcher records the currently-active scheduler and schedules the
// calling fiber onto target.
func NewSwitcher(target *Scheduler) *Switcher {
	caller := Current()
	if target != nil && target != caller {
		target.Schedule(fiber.GetThis(), 0)
		_ = fiber.Yield()
	}
	return &Switcher{caller: caller}
}

// Close switches back to the scheduler active when NewSwitcher was called.
func (sw *Switcher) Close() {
	if sw.caller != nil && sw.caller != Current() {
		sw.caller.Schedule(fiber.GetThis(), 0)
		_ = fiber.Yield()
	}
}
