package proc

import (
	"errors"
	"fmt"

	"github.com/flxtrace/flxtrace/pkg/event"
)

// ErrTargetTerminated is returned when an event is delivered to a process
// that already terminated.
var ErrTargetTerminated = errors.New("target process terminated")

// UnresolvedAddressError is returned when an address is not on any known
// stack frame or cannot be resolved to a symbol.
type UnresolvedAddressError struct {
	Addr   uint64
	Reason string
}

func (err *UnresolvedAddressError) Error() string {
	return fmt.Sprintf("unresolved address %#x: %s", err.Addr, err.Reason)
}

// StackUnderflowError is returned when late return reconciliation empties
// the call stack. Processing continues with the empty stack.
type StackUnderflowError struct {
	ThreadID int
	SP       uint64 // observed stack pointer
	Popped   int    // frames popped before the stack ran out
}

func (err *StackUnderflowError) Error() string {
	return fmt.Sprintf("call stack of thread %d exhausted at sp %#x after %d late returns", err.ThreadID, err.SP, err.Popped)
}

// DispatchTableGapError is returned when the router has no handler for an
// event kind.
type DispatchTableGapError struct {
	Kind event.Kind
}

func (err *DispatchTableGapError) Error() string {
	return fmt.Sprintf("no handler for %s events", err.Kind)
}

// AttachError is returned when a process cannot be traced. It only affects
// the process named.
type AttachError struct {
	Name string
	Err  error
}

func (err *AttachError) Error() string {
	return fmt.Sprintf("could not attach to %s: %v", err.Name, err.Err)
}

func (err *AttachError) Unwrap() error { return err.Err }

// IsFatal returns true if err means the event it was produced for could not
// be processed. Stack underflows and unresolved addresses are recoverable,
// except for unresolved hooked functions. Every other error is fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var (
		hook  *HookError
		unres *UnresolvedAddressError
		under *StackUnderflowError
	)
	if errors.As(err, &hook) {
		return true
	}
	return !errors.As(err, &unres) && !errors.As(err, &under)
}
