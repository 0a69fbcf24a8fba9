package proc

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/derekparker/trie"

	"github.com/flxtrace/flxtrace/pkg/breakpoint"
	"github.com/flxtrace/flxtrace/pkg/logflags"
)

// Function is a call to a hooked function.
type Function struct {
	Addr     uint64
	Lib      string
	Name     string
	Frame    *Frame
	ThreadID int
	Target   *Target
}

func (fn *Function) String() string {
	return fmt.Sprintf("%s!%s", fn.Lib, fn.Name)
}

// HookHandler is notified of the calls to a hooked function. OnLeave is
// called when the frame of the call is popped, which can happen through a
// late return.
type HookHandler interface {
	OnEnter(fn *Function)
	OnLeave(fn *Function)
}

// HookFactory creates the handler of a hook for a target.
type HookFactory func(t *Target) HookHandler

// HookEvent discriminates the two hook callbacks.
type HookEvent uint8

const (
	HookEnter HookEvent = iota
	HookLeave
)

func (ev HookEvent) String() string {
	switch ev {
	case HookEnter:
		return "enter"
	case HookLeave:
		return "leave"
	}
	return "unknown"
}

// HookError is returned when a hooked function cannot be resolved.
type HookError struct {
	Addr uint64
	Err  error
}

func (err *HookError) Error() string {
	return fmt.Sprintf("hook at %#x: %v", err.Addr, err.Err)
}

func (err *HookError) Unwrap() error { return err.Err }

// hookEntry holds the handlers registered for one lib!name key. An empty
// library matches the function in every library.
type hookEntry struct {
	lib, name string
	handlers  []HookHandler
	installed map[uint64]breakpoint.BreakletID
}

type hookRegistry struct {
	trie *trie.Trie
}

func newHookRegistry() *hookRegistry {
	return &hookRegistry{trie: trie.New()}
}

func hookKey(lib, name string) string {
	return strings.ToLower(lib) + "!" + name
}

func (r *hookRegistry) find(key string) (*hookEntry, bool) {
	node, ok := r.trie.Find(key)
	if !ok {
		return nil, false
	}
	return node.Meta().(*hookEntry), true
}

func (r *hookRegistry) entry(lib, name string) *hookEntry {
	key := hookKey(lib, name)
	if e, ok := r.find(key); ok {
		return e
	}
	e := &hookEntry{lib: strings.ToLower(lib), name: name, installed: make(map[uint64]breakpoint.BreakletID)}
	r.trie.Add(key, e)
	return e
}

// forLibrary returns the entries that apply to functions of lib.
func (r *hookRegistry) forLibrary(lib string) []*hookEntry {
	var r0 []*hookEntry
	for _, prefix := range []string{strings.ToLower(lib) + "!", "!"} {
		keys := r.trie.PrefixSearch(prefix)
		sort.Strings(keys)
		for _, key := range keys {
			if e, ok := r.find(key); ok {
				r0 = append(r0, e)
			}
		}
	}
	return r0
}

func (r *hookRegistry) clear() {
	r.trie = trie.New()
}

// RegisterFunctionHook calls factory to create a handler notified of every
// call to lib!name. If lib is empty the function is hooked in every library
// exporting it. Hooks for libraries already loaded are installed right away.
func (t *Target) RegisterFunctionHook(lib, name string, factory HookFactory) error {
	e := t.hooks.entry(lib, name)
	e.handlers = append(e.handlers, factory(t))
	if t.state == StateAttached {
		return nil
	}
	return t.InstallHook(lib, name)
}

// UnregisterFunctionHook removes every handler of lib!name. It takes effect
// for the next event.
func (t *Target) UnregisterFunctionHook(lib, name string) error {
	e, ok := t.hooks.find(hookKey(lib, name))
	if !ok {
		return nil
	}
	e.handlers = nil
	for addr, id := range e.installed {
		if err := t.breakpoints.Remove(addr, id); err != nil {
			return err
		}
		delete(e.installed, addr)
	}
	return nil
}

// InstallHook arms the breakpoints for the hooks registered for lib!name.
// If lib is empty every loaded library is searched.
func (t *Target) InstallHook(lib, name string) error {
	e, ok := t.hooks.find(hookKey(lib, name))
	if !ok {
		return fmt.Errorf("no hook registered for %s", hookKey(lib, name))
	}
	if lib != "" {
		return t.installIn(e, strings.ToLower(lib))
	}
	for _, img := range t.Libraries() {
		if err := t.installIn(e, strings.ToLower(img.BaseName)); err != nil {
			return err
		}
	}
	return nil
}

// installHooks arms the hooks that apply to the library lib.
func (t *Target) installHooks(lib string) error {
	for _, e := range t.hooks.forLibrary(lib) {
		if err := t.installIn(e, strings.ToLower(lib)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Target) installIn(e *hookEntry, lib string) error {
	addr, ok := t.symbols.ProcAddress(lib, e.name)
	if !ok {
		return nil
	}
	if _, ok := e.installed[addr]; ok {
		return nil
	}
	id, err := t.breakpoints.Add(addr, func(ctx breakpoint.Context) error {
		return t.hookHit(e, ctx)
	})
	if err != nil {
		return err
	}
	e.installed[addr] = id
	if logflags.Hooks() {
		logflags.HooksLogger().Debugf("hooked %s!%s at %#x", lib, e.name, addr)
	}
	return nil
}

// hookHit runs the handlers of e for a call stopped at ctx.Addr, the first
// instruction of the hooked function. A frame is pushed for the call unless
// the call was already observed.
func (t *Target) hookHit(e *hookEntry, ctx breakpoint.Context) error {
	lib, name, err := t.ResolveSymbol(ctx.Addr)
	if err != nil {
		return &HookError{Addr: ctx.Addr, Err: err}
	}
	th := t.threadFor(ctx.ThreadID)
	frame, ok := th.Stack.Top()
	if !ok || frame.Target != ctx.Addr {
		regs, err := t.engine.Registers()
		if err != nil {
			return &HookError{Addr: ctx.Addr, Err: err}
		}
		sp := regs.SP()
		buf, err := t.engine.ReadMemory(sp, 4)
		if err != nil {
			return &HookError{Addr: ctx.Addr, Err: err}
		}
		if len(buf) < 4 {
			return &HookError{Addr: ctx.Addr, Err: fmt.Errorf("short read of return address at %#x", sp)}
		}
		frame = th.pushCall(ctx.Addr, uint64(binary.LittleEndian.Uint32(buf)), sp)
	}
	fn := &Function{
		Addr:     ctx.Addr,
		Lib:      lib,
		Name:     name,
		Frame:    frame,
		ThreadID: th.ID,
		Target:   t,
	}
	handlers := e.handlers
	for _, h := range handlers {
		h.OnEnter(fn)
	}
	frame.AddReturnCallback(func(*Frame) {
		for _, h := range handlers {
			h.OnLeave(fn)
		}
	})
	return nil
}

// RunHooks calls the handlers registered for the library and name of fn.
func (t *Target) RunHooks(fn *Function, ev HookEvent) error {
	if ev != HookEnter && ev != HookLeave {
		return fmt.Errorf("unknown hook event %d", ev)
	}
	for _, key := range []string{hookKey(fn.Lib, fn.Name), hookKey("", fn.Name)} {
		e, ok := t.hooks.find(key)
		if !ok {
			continue
		}
		for _, h := range e.handlers {
			if ev == HookEnter {
				h.OnEnter(fn)
			} else {
				h.OnLeave(fn)
			}
		}
	}
	return nil
}
