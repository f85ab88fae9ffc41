package fiber

import (
	"errors"
	"fmt"
)

// Sentinel errors for static, parameter-free failure conditions.
var (
	// ErrNotCallable is returned by Call/YieldTo/Inject when the target
	// fiber is not in a state that can receive control (must be INIT or
	// HODL).
	ErrNotCallable = errors.New("fiber: not in a callable state")

	// ErrNoCaller is returned by Yield when the currently executing fiber
	// has no caller to suspend back to (e.g. it is a thread-entry fiber).
	ErrNoCaller = errors.New("fiber: current fiber has no caller")

	// ErrBusy is returned by destructive operations (Reset, destroy) issued
	// against a fiber that is EXEC or HODL.
	ErrBusy = errors.New("fiber: fiber is running or suspended, not resettable")

	// ErrStackAlloc names a failed fiber allocation. Nothing in this package
	// returns it: New has no error result, since a Fiber's stack is its
	// goroutine's, allocated by the Go runtime.
	ErrStackAlloc = errors.New("fiber: failed to allocate fiber")
)

// PreconditionError signals a violated invariant. Per spec.md §7 this kind
// is fatal: callers are expected to treat its presence as a programmer bug,
// typically via a top-level recover-and-exit, never as a recoverable
// failure to retry.
type PreconditionError struct {
	Message string
}

func (e *PreconditionError) Error() string { return "fiber: precondition violated: " + e.Message }

// CancelledError signals that an in-flight operation was cancelled rather
// than completing or failing on its own terms (spec.md §7 "Operation
// cancelled").
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause == nil {
		return "fiber: operation cancelled"
	}
	return "fiber: operation cancelled: " + e.Cause.Error()
}

func (e *CancelledError) Unwrap() error { return e.Cause }

// DeadlineExceededError is a specialization of CancelledError carrying a
// "timed out" disposition (spec.md §7 "Deadline exceeded").
type DeadlineExceededError struct {
	CancelledError
}

func NewDeadlineExceededError() *DeadlineExceededError {
	return &DeadlineExceededError{CancelledError{Cause: errDeadline}}
}

var errDeadline = errors.New("deadline exceeded")

// KernelError wraps an errno-class failure surfaced from a syscall made on
// the fiber's behalf (spec.md §7 "Kernel-side failure").
type KernelError struct {
	Op    string
	Cause error
}

func (e *KernelError) Error() string { return fmt.Sprintf("fiber: kernel error during %s: %v", e.Op, e.Cause) }
func (e *KernelError) Unwrap() error { return e.Cause }

// ClosedError signals the peer end of a stream-like resource closed
// (spec.md §7 "Peer closed").
type ClosedError struct {
	Op string
}

func (e *ClosedError) Error() string { return "fiber: peer closed during " + e.Op }

// WrapError mirrors eventloop.WrapError: a message plus cause chain,
// satisfying errors.Is/errors.As against cause.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}
