// Package session assembles a tracing session from a configuration: the
// syscall table, the cached symbol resolver, the trace sink and the
// function hooks are wired around the collaborators supplied by the
// instrumentation engine.
package session

import (
	"fmt"

	"github.com/flxtrace/flxtrace/pkg/config"
	"github.com/flxtrace/flxtrace/pkg/hookcond"
	"github.com/flxtrace/flxtrace/pkg/logflags"
	"github.com/flxtrace/flxtrace/pkg/proc"
	"github.com/flxtrace/flxtrace/pkg/starhook"
	"github.com/flxtrace/flxtrace/pkg/symbols"
	"github.com/flxtrace/flxtrace/pkg/syscalls"
	"github.com/flxtrace/flxtrace/pkg/tracelog"
)

// Hook is a configured function hook, ready to be registered.
type Hook struct {
	Library  string
	Function string
	Script   *starhook.Script
	Cond     *hookcond.Cond
	Factory  proc.HookFactory
}

func (h *Hook) String() string {
	s := fmt.Sprintf("%s!%s: %v", h.Library, h.Function, h.Script)
	if h.Cond != nil {
		s += fmt.Sprintf(" if %v", h.Cond)
	}
	return s
}

// Session is a validated configuration with its hooks compiled.
type Session struct {
	conf     *config.Config
	Syscalls *syscalls.Table
	Hooks    []*Hook

	symbols *symbols.Cache
	trace   *tracelog.Logger
	group   *proc.TargetGroup
}

// Prepare validates conf, loads the syscall table and compiles every
// hook. Nothing is attached.
func Prepare(conf *config.Config) (*Session, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if err := proc.CheckDispatchTable(); err != nil {
		return nil, err
	}
	s := &Session{conf: conf}
	var err error
	s.Syscalls, err = syscalls.Load(conf.SyscallTable)
	if err != nil {
		return nil, fmt.Errorf("could not load syscall table: %v", err)
	}
	for _, hc := range conf.Hooks {
		h, err := compileHook(hc)
		if err != nil {
			return nil, err
		}
		s.Hooks = append(s.Hooks, h)
	}
	return s, nil
}

func compileHook(hc config.HookConfig) (*Hook, error) {
	script, err := starhook.Load(hc.Script, nil)
	if err != nil {
		return nil, fmt.Errorf("hook %s: %v", hc.Function, err)
	}
	h := &Hook{Library: hc.Library, Function: hc.Function, Script: script, Factory: script.Factory()}
	if hc.Cond != "" {
		h.Cond, err = hookcond.Compile(hc.Cond)
		if err != nil {
			return nil, fmt.Errorf("hook %s: %v", hc.Function, err)
		}
		h.Factory = hookcond.Wrap(h.Cond, h.Factory)
	}
	return h, nil
}

// Start creates the target group. Collaborators missing from be are
// supplied by the session: the syscall table, and a trace file opened at
// the configured trace output. The symbol resolver of be is wrapped in a
// cache.
func (s *Session) Start(be proc.Backend) (*proc.TargetGroup, error) {
	if s.group != nil {
		return nil, fmt.Errorf("session already started")
	}
	if be.Engine == nil || be.OS == nil || be.Loader == nil || be.Symbols == nil {
		return nil, fmt.Errorf("incomplete backend")
	}
	if be.Syscalls == nil {
		be.Syscalls = s.Syscalls
	}
	var err error
	s.symbols, err = symbols.New(be.Symbols, s.conf.SymbolCacheSize)
	if err != nil {
		return nil, err
	}
	be.Symbols = s.symbols
	if be.Logger == nil {
		s.trace, err = tracelog.Open(s.conf.TraceOutput)
		if err != nil {
			return nil, err
		}
		be.Logger = s.trace
	}

	s.group = proc.NewGroup(be, proc.GroupConfig{
		Targets:          s.conf.Targets,
		ExeDir:           s.conf.ExeDir,
		Instrument:       s.conf.Instrument,
		ExtraEntryPoints: s.conf.ExtraEntryPoints,
	})
	s.group.OnAttach(s.registerHooks)
	return s.group, nil
}

func (s *Session) registerHooks(t *proc.Target) error {
	for _, h := range s.Hooks {
		if err := t.RegisterFunctionHook(h.Library, h.Function, h.Factory); err != nil {
			return fmt.Errorf("could not register hook %v: %w", h, err)
		}
		logflags.HooksLogger().Debugf("%s: registered %v", t.Name, h)
	}
	return nil
}

// SymbolStats returns the hit and miss counts of the symbol cache.
func (s *Session) SymbolStats() (hits, misses uint64) {
	if s.symbols == nil {
		return 0, 0
	}
	return s.symbols.Stats()
}

// Close terminates every target and closes the trace file.
func (s *Session) Close() error {
	var err error
	if s.group != nil {
		err = s.group.Close()
	}
	if s.trace != nil {
		if cerr := s.trace.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
