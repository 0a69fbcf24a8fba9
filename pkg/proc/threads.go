package proc

import (
	"fmt"

	"github.com/flxtrace/flxtrace/pkg/logflags"
)

// Thread is a logical guest thread of a traced process.
type Thread struct {
	ID     int
	Stack  Stack
	Memory *MemoryMap

	// PreviousCall is the last frame pushed on this thread.
	PreviousCall *Frame

	target *Target
}

func (th *Thread) String() string {
	return fmt.Sprintf("Thread %d (depth %d)", th.ID, th.Stack.Len())
}

// Target returns the process th belongs to.
func (th *Thread) Target() *Target {
	return th.target
}

// pushCall pushes a frame for a call to target returning to ret.
func (th *Thread) pushCall(target, ret, sp uint64) *Frame {
	f := &Frame{Target: target, Ret: ret, SP: sp}
	th.Stack.Push(f)
	th.PreviousCall = f
	th.target.log(th.ID, &CallRecord{Target: target, Ret: ret, SP: sp, Depth: th.Stack.Len()})
	return f
}

// popFrame pops the top frame, logs it as a return of the given kind and
// runs its return callbacks.
func (th *Thread) popFrame(kind RetKind, burst int) *Frame {
	f, ok := th.Stack.Pop()
	if !ok {
		return nil
	}
	th.target.log(th.ID, &RetRecord{Kind: kind, Target: f.Target, Burst: burst})
	f.doReturn()
	return f
}

// handleReturn reconciles the call stack with a return to retaddr observed
// with stack pointer sp.
func (th *Thread) handleReturn(retaddr, sp uint64) error {
	top, ok := th.Stack.Top()
	if !ok {
		return &StackUnderflowError{ThreadID: th.ID, SP: sp}
	}
	if top.IsReturning(retaddr) {
		th.popFrame(RetNormal, 0)
		th.Memory.Stack.Update(sp)
		return nil
	}
	err := th.unwindTo(sp)
	if top, ok := th.Stack.Top(); ok && top.IsReturning(retaddr) {
		th.popFrame(RetNormal, 0)
	}
	th.Memory.Stack.Update(sp)
	return err
}

// unwindTo pops every frame whose stack pointer is below sp. The first frame
// popped is a late return, the others are cleanup of the same burst.
func (th *Thread) unwindTo(sp uint64) error {
	n := 0
	for {
		top, ok := th.Stack.Top()
		if !ok {
			if n > 0 {
				return &StackUnderflowError{ThreadID: th.ID, SP: sp, Popped: n}
			}
			return nil
		}
		if top.SP >= sp {
			break
		}
		kind := RetCleanup
		if n == 0 {
			kind = RetLate
		}
		th.popFrame(kind, n)
		n++
	}
	if n > 0 && logflags.Threads() {
		logflags.ThreadsLogger().Debugf("thread %d: %d late returns at sp %#x", th.ID, n, sp)
	}
	return nil
}

// terminate pops every frame of the thread, logging a synthetic return for
// each of them.
func (th *Thread) terminate() {
	for th.Stack.Len() > 0 {
		th.popFrame(RetSynthetic, 0)
	}
	th.PreviousCall = nil
}

// FrameForStackAddress returns the frame owning the stack address addr,
// given the current stack pointer sp. Locals of a frame live between its
// stack pointer and the stack pointer of the frame it called.
func (th *Thread) FrameForStackAddress(addr, sp uint64) (*Frame, error) {
	if addr < sp {
		return nil, &UnresolvedAddressError{Addr: addr, Reason: "below the stack pointer"}
	}
	lo := sp
	for i := th.Stack.Len() - 1; i >= 0; i-- {
		f := th.Stack.At(i)
		if addr >= lo && addr < f.SP {
			return f, nil
		}
		lo = f.SP
	}
	return nil, &UnresolvedAddressError{Addr: addr, Reason: "not on any stack frame"}
}
