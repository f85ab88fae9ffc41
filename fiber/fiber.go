package fiber

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Mythra/Span/internal/gid"
)

// State is the lifecycle state of a Fiber. See spec.md §3 "Fiber".
type State uint32

const (
	StateInit State = iota
	StateHodl
	StateExec
	StateExcept
	StateTerm
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHodl:
		return "HODL"
	case StateExec:
		return "EXEC"
	case StateExcept:
		return "EXCEPT"
	case StateTerm:
		return "TERM"
	default:
		return "UNKNOWN"
	}
}

// Func is a Fiber's entry function. It receives the Fiber running it (the
// same value GetThis would return from inside the function) so it can call
// Yield without a second lookup.
type Func func(self *Fiber) error

type resumeMsg struct {
	inject error
}

type yieldAction uint8

const (
	actionYield yieldAction = iota
	actionTerm
	actionExcept
)

type yieldMsg struct {
	action yieldAction
	err    error
}

// Fiber is a stackful coroutine. See package doc for the goroutine-based
// translation of the reference context-switch discipline.
type Fiber struct {
	state atomic.Uint32

	fn Func

	resumeCh chan resumeMsg
	yieldCh  chan yieldMsg
	started  bool

	caller        *Fiber
	terminateRoot *Fiber // recorded by YieldTo but not specially dispatched on termination

	failure error

	stackSize   int
	threadEntry bool

	flsMu sync.Mutex
	fls   []any

	sched atomic.Value // holds a schedHolder; set by whichever *scheduler.Scheduler last resumed this fiber
}

// schedHolder lets sched (an atomic.Value) store a possibly-nil scheduler
// reference: atomic.Value panics on Store(nil) and requires a consistent
// concrete type across stores, so the scheduler reference is always
// wrapped in this struct.
type schedHolder struct{ v any }

// SetScheduler records s (expected to be a *scheduler.Scheduler, but kept
// as any here to avoid an import cycle between fiber and scheduler) as the
// scheduler currently driving f. Called by scheduler.Scheduler immediately
// before resuming f, since f's body runs on its own goroutine — a distinct
// one from whichever worker goroutine is blocked inside Call — and so
// can't be identified via a goroutine-id-keyed map the way GetThis() is.
func (f *Fiber) SetScheduler(s any) { f.sched.Store(schedHolder{s}) }

// Scheduler returns whatever was last passed to SetScheduler, or nil.
func (f *Fiber) Scheduler() any {
	v := f.sched.Load()
	if v == nil {
		return nil
	}
	return v.(schedHolder).v
}

var currentFibers sync.Map // goroutineID uint64 -> *Fiber

// New allocates a Fiber bound to fn. stackSize is accepted for API parity
// with the reference design (a real hint to a stack allocator) but is
// otherwise unused: the backing goroutine's stack is managed, and grown
// automatically, by the Go runtime.
func New(fn Func, stackSize ...int) *Fiber {
	f := &Fiber{
		resumeCh: make(chan resumeMsg),
		yieldCh:  make(chan yieldMsg),
		fn:       fn,
	}
	if len(stackSize) > 0 {
		f.stackSize = stackSize[0]
	}
	f.state.Store(uint32(StateInit))
	return f
}

// GetThis returns the Fiber that owns the calling goroutine, lazily
// constructing a stackless "thread entry" Fiber if the calling goroutine
// has never been registered (spec.md §3).
func GetThis() *Fiber {
	id := gid.Current()
	if v, ok := currentFibers.Load(id); ok {
		return v.(*Fiber)
	}
	f := &Fiber{threadEntry: true}
	f.state.Store(uint32(StateExec))
	actual, _ := currentFibers.LoadOrStore(id, f)
	return actual.(*Fiber)
}

// State returns the current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// IsThreadEntry reports whether f anchors an OS thread's native stack
// rather than running user code of its own.
func (f *Fiber) IsThreadEntry() bool { return f.threadEntry }

// Failure returns the last captured failure, if this fiber terminated via
// EXCEPT.
func (f *Fiber) Failure() error { return f.failure }

// Caller returns the fiber that most recently called or yielded-to this
// fiber, or nil.
func (f *Fiber) Caller() *Fiber { return f.caller }

// Call transfers control to f as a child of the currently executing fiber.
// Pre: f.State() ∈ {INIT, HODL}. Returns the failure that escaped f's entry
// function, if f terminated via EXCEPT during this resumption; nil
// otherwise (this is the Go-idiomatic substitute for "re-raising" an
// exception in the caller).
func (f *Fiber) Call() error {
	return f.switchFrom(GetThis(), nil, false)
}

// YieldTo transfers control to f without keeping the caller's slot
// semantically distinct from a plain suspension: the caller becomes HODL
// and f runs. If yieldToCallerOnTerminate is set, the chain root (the
// fiber that itself was never YieldTo'd-into, i.e. the outermost resumer)
// is recorded on f.terminateRoot for introspection.
func (f *Fiber) YieldTo(yieldToCallerOnTerminate bool) error {
	caller := GetThis()
	if yieldToCallerOnTerminate {
		root := caller
		if caller.terminateRoot != nil {
			root = caller.terminateRoot
		}
		f.terminateRoot = root
	}
	return f.switchFrom(caller, nil, true)
}

// Inject resumes f (which must be HODL, i.e. already suspended inside a
// Yield call) by making that Yield call return failure, instead of
// whatever would have woken it otherwise.
func (f *Fiber) Inject(failure error) error {
	if f.State() != StateHodl {
		return ErrNotCallable
	}
	return f.switchFrom(GetThis(), failure, false)
}

func (f *Fiber) switchFrom(caller *Fiber, injected error, _ bool) error {
	if !f.state.CompareAndSwap(uint32(StateInit), uint32(StateExec)) &&
		!f.state.CompareAndSwap(uint32(StateHodl), uint32(StateExec)) {
		return ErrNotCallable
	}

	f.caller = caller

	if !f.started {
		f.started = true
		go f.trampoline()
	}

	caller.state.Store(uint32(StateHodl))
	f.resumeCh <- resumeMsg{inject: injected}
	msg := <-f.yieldCh
	caller.state.Store(uint32(StateExec))

	switch msg.action {
	case actionYield:
		f.state.Store(uint32(StateHodl))
		return nil
	case actionTerm:
		f.state.Store(uint32(StateTerm))
		f.fn = nil
		return nil
	default: // actionExcept
		f.state.Store(uint32(StateExcept))
		f.failure = msg.err
		return msg.err
	}
}

// trampoline is the body of a Fiber's dedicated goroutine. It blocks for
// its first resumption, registers itself as the "current fiber" for this
// goroutine, then runs the entry function to completion, delivering the
// outcome to whichever resumer is waiting on yieldCh.
func (f *Fiber) trampoline() {
	<-f.resumeCh
	currentFibers.Store(gid.Current(), f)

	err := f.runEntry()

	if err != nil {
		f.yieldCh <- yieldMsg{action: actionExcept, err: err}
	} else {
		f.yieldCh <- yieldMsg{action: actionTerm}
	}
}

func (f *Fiber) runEntry() (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = WrapError("fiber: recovered panic", e)
			} else {
				err = fmt.Errorf("fiber: recovered panic: %v", r)
			}
		}
	}()
	return f.fn(f)
}

// Yield suspends the currently executing fiber back to its caller. Pre: f
// has a caller (was Call'd or YieldTo'd into). Returns the failure injected
// via Inject, if any, otherwise nil.
func (f *Fiber) Yield() error {
	if f.caller == nil {
		return ErrNoCaller
	}
	f.yieldCh <- yieldMsg{action: actionYield}
	msg := <-f.resumeCh
	return msg.inject
}

// Yield is the static/package-level form: it resolves the currently
// executing fiber via GetThis and suspends it.
func Yield() error {
	return GetThis().Yield()
}

// Reset recycles a TERM/EXCEPT/INIT fiber back to INIT with a new entry
// function, reusing the Fiber struct (and, once resumed, a freshly spawned
// goroutine taking the place of the one that exited).
func (f *Fiber) Reset(fn Func) error {
	switch f.State() {
	case StateTerm, StateExcept, StateInit:
	default:
		return ErrBusy
	}
	f.fn = fn
	f.caller = nil
	f.terminateRoot = nil
	f.failure = nil
	f.started = false
	f.flsMu.Lock()
	f.fls = nil
	f.flsMu.Unlock()
	f.sched.Store(schedHolder{})
	f.state.Store(uint32(StateInit))
	return nil
}
