package proc

import (
	"fmt"
)

// Frame is an entry of a thread's call stack.
type Frame struct {
	// Target is the entry address of the called function.
	Target uint64
	// Ret is the address the function is expected to return to.
	Ret uint64
	// SP is the stack pointer observed when the call executed. Frames
	// whose SP is below the current stack pointer have been left.
	SP uint64

	returnCallbacks []func(*Frame)
	returned        bool
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame{target: %#x, ret: %#x, sp: %#x}", f.Target, f.Ret, f.SP)
}

// IsReturning returns true if returning to addr returns from f.
func (f *Frame) IsReturning(addr uint64) bool {
	return f.Ret == addr
}

// AddReturnCallback registers cb to be called when f is popped.
func (f *Frame) AddReturnCallback(cb func(*Frame)) {
	f.returnCallbacks = append(f.returnCallbacks, cb)
}

// doReturn runs the return callbacks of f, at most once.
func (f *Frame) doReturn() {
	if f.returned {
		return
	}
	f.returned = true
	cbs := f.returnCallbacks
	f.returnCallbacks = nil
	for _, cb := range cbs {
		cb(f)
	}
}

// Stack is a call stack, the last frame is the innermost call.
type Stack struct {
	frames []*Frame
}

// Push pushes f on top of the stack.
func (s *Stack) Push(f *Frame) {
	s.frames = append(s.frames, f)
}

// Pop removes the top frame.
func (s *Stack) Pop() (*Frame, bool) {
	if len(s.frames) == 0 {
		return nil, false
	}
	f := s.frames[len(s.frames)-1]
	s.frames[len(s.frames)-1] = nil
	s.frames = s.frames[:len(s.frames)-1]
	return f, true
}

// Top returns the innermost frame.
func (s *Stack) Top() (*Frame, bool) {
	if len(s.frames) == 0 {
		return nil, false
	}
	return s.frames[len(s.frames)-1], true
}

// Bottom returns the outermost frame.
func (s *Stack) Bottom() (*Frame, bool) {
	if len(s.frames) == 0 {
		return nil, false
	}
	return s.frames[0], true
}

// Len returns the depth of the stack.
func (s *Stack) Len() int {
	return len(s.frames)
}

// At returns the i-th frame, 0 being the outermost one.
func (s *Stack) At(i int) *Frame {
	return s.frames[i]
}

// Frames returns a copy of the stack, outermost frame first.
func (s *Stack) Frames() []*Frame {
	r := make([]*Frame, len(s.frames))
	copy(r, s.frames)
	return r
}
