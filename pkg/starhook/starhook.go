// Package starhook implements function hooks written in Starlark.
//
// A hook script defines on_enter(fn) and/or on_leave(fn). Both receive a
// struct describing the hooked call:
//
//	fn.addr    entry address of the function
//	fn.lib     library exporting it
//	fn.name    exported name
//	fn.ret     return address of the call
//	fn.sp      stack pointer at the call
//	fn.tid     guest thread id
//
// The script is executed once per traced process, global variables are
// therefore private to a process.
package starhook

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/flxtrace/flxtrace/pkg/logflags"
	"github.com/flxtrace/flxtrace/pkg/proc"
)

const (
	onEnterName = "on_enter"
	onLeaveName = "on_leave"

	logBuiltinName        = "log"
	readMemoryBuiltinName = "read_memory"
	registersBuiltinName  = "registers"
	helpBuiltinName       = "help"

	targetLocal = "flxtrace.target"
	tidLocal    = "flxtrace.tid"
)

func init() {
	resolve.AllowNestedDef = true
	resolve.AllowLambda = true
	resolve.AllowFloat = true
	resolve.AllowSet = true
	resolve.AllowBitwise = true
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true
}

// Script is a loaded hook script.
type Script struct {
	path   string
	source []byte

	hasEnter, hasLeave bool
}

// Load parses and executes the script at path. If source is not nil it is
// used instead of the contents of the file, it must be a string or a
// []byte.
func Load(path string, source interface{}) (*Script, error) {
	s := &Script{path: path}
	switch src := source.(type) {
	case nil:
		buf, err := ioutil.ReadFile(path)
		if err != nil {
			return nil, err
		}
		s.source = buf
	case string:
		s.source = []byte(src)
	case []byte:
		s.source = src
	default:
		return nil, fmt.Errorf("invalid source type %T", source)
	}

	globals, err := s.exec(nil)
	if err != nil {
		return nil, err
	}
	enter, err := hookFunction(globals, onEnterName)
	if err != nil {
		return nil, err
	}
	leave, err := hookFunction(globals, onLeaveName)
	if err != nil {
		return nil, err
	}
	if enter == nil && leave == nil {
		return nil, fmt.Errorf("%s: neither %s nor %s defined", path, onEnterName, onLeaveName)
	}
	s.hasEnter, s.hasLeave = enter != nil, leave != nil
	return s, nil
}

// Name returns the base name of the script.
func (s *Script) Name() string {
	return filepath.Base(s.path)
}

func (s *Script) String() string {
	var cbs []string
	if s.hasEnter {
		cbs = append(cbs, onEnterName)
	}
	if s.hasLeave {
		cbs = append(cbs, onLeaveName)
	}
	return fmt.Sprintf("%s (%s)", s.path, strings.Join(cbs, ", "))
}

func hookFunction(globals starlark.StringDict, name string) (*starlark.Function, error) {
	v, ok := globals[name]
	if !ok {
		return nil, nil
	}
	fnval, ok := v.(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("%s is a %s, not a function", name, v.Type())
	}
	if fnval.NumParams() != 1 {
		return nil, fmt.Errorf("%s must take exactly one argument, takes %d", name, fnval.NumParams())
	}
	return fnval, nil
}

// exec runs the top level code of the script. Unlike starlark.ExecFile
// the globals are not frozen, hooks can keep state in them.
func (s *Script) exec(t *proc.Target) (starlark.StringDict, error) {
	env := predeclared()
	_, prog, err := starlark.SourceProgram(s.path, s.source, env.Has)
	if err != nil {
		return nil, err
	}
	return prog.Init(s.newThread(t), env)
}

func (s *Script) newThread(t *proc.Target) *starlark.Thread {
	thread := &starlark.Thread{
		Name: s.Name(),
		Print: func(thread *starlark.Thread, msg string) {
			emit(thread, s.Name(), msg)
		},
	}
	thread.SetLocal(targetLocal, t)
	return thread
}

// Factory returns a hook factory running the script.
func (s *Script) Factory() proc.HookFactory {
	return func(t *proc.Target) proc.HookHandler {
		h := &handler{script: s, thread: s.newThread(t)}
		globals, err := s.exec(t)
		if err != nil {
			logflags.HooksLogger().WithField("script", s.path).Errorf("could not execute script for %s: %v", t.Name, err)
			return h
		}
		h.onEnter, _ = hookFunction(globals, onEnterName)
		h.onLeave, _ = hookFunction(globals, onLeaveName)
		return h
	}
}

type handler struct {
	script  *Script
	thread  *starlark.Thread
	onEnter *starlark.Function
	onLeave *starlark.Function
}

func (h *handler) OnEnter(fn *proc.Function) { h.call(h.onEnter, fn, proc.HookEnter) }
func (h *handler) OnLeave(fn *proc.Function) { h.call(h.onLeave, fn, proc.HookLeave) }

func (h *handler) call(fnval *starlark.Function, fn *proc.Function, ev proc.HookEvent) {
	if fnval == nil {
		return
	}
	if err := h.execute(fnval, fn); err != nil {
		logflags.HooksLogger().WithFields(logflags.Fields{
			"script": h.script.path,
			"hook":   fn.String(),
			"event":  ev.String(),
			"tid":    fn.ThreadID,
		}).Errorf("%v", err)
	}
}

func (h *handler) execute(fnval *starlark.Function, fn *proc.Function) (err error) {
	defer func() {
		ierr := recover()
		if ierr == nil {
			return
		}
		if rerr, ok := ierr.(runtime.Error); ok {
			err = fmt.Errorf("%s: %v", fnval.Name(), rerr)
			return
		}
		panic(ierr)
	}()
	h.thread.SetLocal(targetLocal, fn.Target)
	h.thread.SetLocal(tidLocal, fn.ThreadID)
	_, err = starlark.Call(h.thread, fnval, starlark.Tuple{functionValue(fn)}, nil)
	return err
}

func functionValue(fn *proc.Function) starlark.Value {
	var ret, sp uint64
	if fn.Frame != nil {
		ret, sp = fn.Frame.Ret, fn.Frame.SP
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"addr": starlark.MakeUint64(fn.Addr),
		"lib":  starlark.String(fn.Lib),
		"name": starlark.String(fn.Name),
		"ret":  starlark.MakeUint64(ret),
		"sp":   starlark.MakeUint64(sp),
		"tid":  starlark.MakeInt(fn.ThreadID),
	})
}

func targetOf(thread *starlark.Thread) (*proc.Target, error) {
	t, _ := thread.Local(targetLocal).(*proc.Target)
	if t == nil {
		return nil, fmt.Errorf("not running inside a traced process")
	}
	return t, nil
}

func emit(thread *starlark.Thread, source, text string) {
	t, err := targetOf(thread)
	if err != nil {
		// top level code of the script, run while loading it
		logflags.HooksLogger().WithField("script", source).Info(text)
		return
	}
	tid, _ := thread.Local(tidLocal).(int)
	t.Log(tid, &proc.MessageRecord{Source: source, Text: text})
}

var builtinDoc = map[string]string{}

func builtindoc(name, args, descr string) {
	builtinDoc[name] = name + args + "\n\n" + name + " " + descr
}

func init() {
	builtindoc(logBuiltinName, "(Arg...)", "appends a message to the trace of the current process.")
	builtindoc(readMemoryBuiltinName, "(Addr, N)", "reads N bytes of guest memory at Addr.")
	builtindoc(registersBuiltinName, "()", "returns a dictionary with the registers of the current CPU.")
	builtindoc(helpBuiltinName, "(Name)", "describes a builtin, or lists the builtins when called without arguments.")
}

// Builtins returns the names of the functions available to hook scripts.
func Builtins() []string {
	r := make([]string, 0, len(builtinDoc))
	for name := range builtinDoc {
		r = append(r, name)
	}
	sort.Strings(r)
	return r
}

// Doc returns the documentation of a builtin.
func Doc(name string) (string, bool) {
	doc, ok := builtinDoc[name]
	return doc, ok
}

func predeclared() starlark.StringDict {
	env := starlark.StringDict{}

	env[logBuiltinName] = starlark.NewBuiltin(logBuiltinName, func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(kwargs) > 0 {
			return nil, decorateError(thread, fmt.Errorf("log does not accept keyword arguments"))
		}
		parts := make([]string, len(args))
		for i := range args {
			if s, ok := args[i].(starlark.String); ok {
				parts[i] = string(s)
			} else {
				parts[i] = args[i].String()
			}
		}
		emit(thread, thread.Name, strings.Join(parts, " "))
		return starlark.None, nil
	})

	env[readMemoryBuiltinName] = starlark.NewBuiltin(readMemoryBuiltinName, func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var addrv starlark.Int
		var n int
		if err := starlark.UnpackArgs(readMemoryBuiltinName, args, kwargs, "addr", &addrv, "n", &n); err != nil {
			return nil, decorateError(thread, err)
		}
		addr, ok := addrv.Uint64()
		if !ok {
			return nil, decorateError(thread, fmt.Errorf("address %v out of range", addrv))
		}
		if n < 0 {
			return nil, decorateError(thread, fmt.Errorf("negative size %d", n))
		}
		t, err := targetOf(thread)
		if err != nil {
			return nil, decorateError(thread, err)
		}
		buf, err := t.ReadMemory(addr, n)
		if err != nil {
			return nil, decorateError(thread, err)
		}
		return starlark.Bytes(buf), nil
	})

	env[registersBuiltinName] = starlark.NewBuiltin(registersBuiltinName, func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(args) > 0 || len(kwargs) > 0 {
			return nil, decorateError(thread, fmt.Errorf("wrong number of arguments"))
		}
		t, err := targetOf(thread)
		if err != nil {
			return nil, decorateError(thread, err)
		}
		regs, err := t.Registers()
		if err != nil {
			return nil, decorateError(thread, err)
		}
		names := make([]string, 0, len(regs))
		for name := range regs {
			names = append(names, name)
		}
		sort.Strings(names)
		d := starlark.NewDict(len(regs))
		for _, name := range names {
			d.SetKey(starlark.String(name), starlark.MakeUint64(regs[name]))
		}
		return d, nil
	})

	env[helpBuiltinName] = starlark.NewBuiltin(helpBuiltinName, func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		switch len(args) {
		case 0:
			thread.Print(thread, "available builtins: "+strings.Join(Builtins(), ", "))
		case 1:
			name, ok := args[0].(starlark.String)
			if !ok {
				return nil, decorateError(thread, fmt.Errorf("argument of help is not a string"))
			}
			doc, ok := builtinDoc[string(name)]
			if !ok {
				return nil, decorateError(thread, fmt.Errorf("no builtin called %s", name))
			}
			thread.Print(thread, doc)
		default:
			return nil, decorateError(thread, fmt.Errorf("wrong number of arguments"))
		}
		return starlark.None, nil
	})

	return env
}

func decorateError(thread *starlark.Thread, err error) error {
	if err == nil {
		return nil
	}
	pos := thread.CallFrame(1).Pos
	if pos.Col > 0 {
		return fmt.Errorf("%s:%d:%d: %v", pos.Filename(), pos.Line, pos.Col, err)
	}
	return fmt.Errorf("%s:%d: %v", pos.Filename(), pos.Line, err)
}
