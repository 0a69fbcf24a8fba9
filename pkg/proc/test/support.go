// Package test provides in-memory implementations of the collaborators of a
// traced process, for tests.
package test

import (
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/flxtrace/flxtrace/pkg/event"
	"github.com/flxtrace/flxtrace/pkg/proc"
)

// Engine is an instrumentation engine that records the requests it gets.
type Engine struct {
	Armed   map[uint64]bool
	Inserts map[uint64]int
	Removes map[uint64]int

	Regs proc.Registers
	CR3  uint64

	Filter         proc.AddressRanges
	FilterAdds     []proc.AddressRange
	FilterEnabled  bool
	Retranslations int

	Memory map[uint64][]byte

	// FailInsert and FailRemove, when set, are returned by the
	// breakpoint requests.
	FailInsert error
	FailRemove error
}

// NewEngine returns an engine with no breakpoints and esp and eip zeroed.
func NewEngine() *Engine {
	return &Engine{
		Armed:   make(map[uint64]bool),
		Inserts: make(map[uint64]int),
		Removes: make(map[uint64]int),
		Regs:    proc.Registers{"esp": 0, "eip": 0},
		Memory:  make(map[uint64][]byte),
	}
}

func (e *Engine) InsertBreakpoint(addr uint64) error {
	if e.FailInsert != nil {
		return e.FailInsert
	}
	if e.Armed[addr] {
		return fmt.Errorf("breakpoint at %#x already armed", addr)
	}
	e.Armed[addr] = true
	e.Inserts[addr]++
	return nil
}

func (e *Engine) RemoveBreakpoint(addr uint64) error {
	if e.FailRemove != nil {
		return e.FailRemove
	}
	if !e.Armed[addr] {
		return fmt.Errorf("no breakpoint armed at %#x", addr)
	}
	delete(e.Armed, addr)
	e.Removes[addr]++
	return nil
}

func (e *Engine) Registers() (proc.Registers, error) {
	regs := make(proc.Registers, len(e.Regs))
	for k, v := range e.Regs {
		regs[k] = v
	}
	return regs, nil
}

func (e *Engine) ControlRegister(name string) (uint64, error) {
	if name != "cr3" {
		return 0, fmt.Errorf("unknown control register %q", name)
	}
	return e.CR3, nil
}

func (e *Engine) FilterAdd(lo, hi uint64) error {
	e.FilterAdds = append(e.FilterAdds, proc.AddressRange{Lo: lo, Hi: hi})
	e.Filter.Add(lo, hi)
	return nil
}

func (e *Engine) FilterEnable() error {
	e.FilterEnabled = true
	return nil
}

func (e *Engine) FilterContains(addr uint64) bool {
	return e.Filter.Contains(addr)
}

func (e *Engine) Retranslate() error {
	e.Retranslations++
	return nil
}

func (e *Engine) ReadMemory(addr uint64, n int) ([]byte, error) {
	buf, ok := e.Memory[addr]
	if !ok || len(buf) < n {
		return nil, fmt.Errorf("could not read %d bytes at %#x", n, addr)
	}
	return buf[:n], nil
}

// SetSP sets the stack pointer.
func (e *Engine) SetSP(sp uint64) { e.Regs["esp"] = sp }

// SetPC sets the instruction pointer.
func (e *Engine) SetPC(pc uint64) { e.Regs["eip"] = pc }

// OS is a guest with a fixed process list.
type OS struct {
	Procs   []proc.ProcessInfo
	Mapped  map[uint64][]proc.Image
	Regions map[uint64][]proc.MemoryRegion
	TID     int

	// RegionsErr, when set, is returned by MemoryRegions.
	RegionsErr error
}

func (o *OS) Processes() ([]proc.ProcessInfo, error) {
	return o.Procs, nil
}

func (o *OS) Images(asid uint64) ([]proc.Image, error) {
	return o.Mapped[asid], nil
}

func (o *OS) CurrentThreadID() int {
	return o.TID
}

func (o *OS) MemoryRegions(asid uint64) ([]proc.MemoryRegion, error) {
	if o.RegionsErr != nil {
		return nil, o.RegionsErr
	}
	return o.Regions[asid], nil
}

// Symbols resolves the symbols it was given with Add.
type Symbols struct {
	Loaded []string
	byAddr map[uint64][2]string
	byName map[string]uint64
	Fail   map[string]error
}

func NewSymbols() *Symbols {
	return &Symbols{
		byAddr: make(map[uint64][2]string),
		byName: make(map[string]uint64),
		Fail:   make(map[string]error),
	}
}

// Add declares that lib exports name at addr.
func (s *Symbols) Add(lib, name string, addr uint64) {
	lib = strings.ToLower(lib)
	s.byAddr[addr] = [2]string{lib, name}
	s.byName[lib+"!"+name] = addr
}

// Forget removes the reverse mapping of addr, ProcAddress still finds it.
func (s *Symbols) Forget(addr uint64) {
	delete(s.byAddr, addr)
}

func (s *Symbols) LoadLibraryImage(name string, base uint64) error {
	if err := s.Fail[name]; err != nil {
		return err
	}
	s.Loaded = append(s.Loaded, name)
	return nil
}

func (s *Symbols) ResolveAddress(addr uint64) (lib, name string, ok bool) {
	sym, ok := s.byAddr[addr]
	return sym[0], sym[1], ok
}

func (s *Symbols) ProcAddress(lib, name string) (uint64, bool) {
	addr, ok := s.byName[strings.ToLower(lib)+"!"+name]
	return addr, ok
}

// Loader returns the entry points it was given.
type Loader map[string]uint64

func (l Loader) EntryPoint(path string) (uint64, error) {
	entry, ok := l[path]
	if !ok {
		return 0, fmt.Errorf("could not open %s", path)
	}
	return entry, nil
}

// Syscalls is a syscall table.
type Syscalls map[uint64]string

func (s Syscalls) SyscallName(number uint64) (string, bool) {
	name, ok := s[number]
	return name, ok
}

// Logged is one record received by a Logger.
type Logged struct {
	Target *proc.Target
	TID    int
	Record proc.Record
}

// Logger records everything it receives.
type Logger struct {
	Logged    []Logged
	Shutdowns map[*proc.Target]int
}

func NewLogger() *Logger {
	return &Logger{Shutdowns: make(map[*proc.Target]int)}
}

func (l *Logger) LogEvent(t *proc.Target, tid int, rec proc.Record) {
	l.Logged = append(l.Logged, Logged{Target: t, TID: tid, Record: rec})
}

func (l *Logger) Shutdown(t *proc.Target) {
	l.Shutdowns[t]++
}

// Strings returns the String of every record logged, optionally only
// those whose Type is one of types.
func (l *Logger) Strings(types ...string) []string {
	var r []string
	for _, logged := range l.Logged {
		if len(types) > 0 && !contains(types, logged.Record.Type()) {
			continue
		}
		r = append(r, logged.Record.String())
	}
	return r
}

// Rets returns the return records logged.
func (l *Logger) Rets() []*proc.RetRecord {
	var r []*proc.RetRecord
	for _, logged := range l.Logged {
		if ret, ok := logged.Record.(*proc.RetRecord); ok {
			r = append(r, ret)
		}
	}
	return r
}

// Reset forgets the records logged so far.
func (l *Logger) Reset() {
	l.Logged = nil
}

func contains(s []string, x string) bool {
	for _, y := range s {
		if x == y {
			return true
		}
	}
	return false
}

// Fakes bundles one of each collaborator.
type Fakes struct {
	Engine   *Engine
	OS       *OS
	Symbols  *Symbols
	Loader   Loader
	Syscalls Syscalls
	Logger   *Logger
}

// Well known syscall numbers of the default Syscalls.
const (
	SysCreateProcess   = 0x2f
	SysCreateThread    = 0x35
	SysTerminateProc   = 0x101
	SysTerminateThread = 0x102
	SysClose           = 0x19
	SysAllocateMemory  = 0x11
	SysFreeMemory      = 0x53
)

// NewFakes returns a set of collaborators for a guest with no processes.
func NewFakes() *Fakes {
	return &Fakes{
		Engine:  NewEngine(),
		OS:      &OS{Mapped: make(map[uint64][]proc.Image), Regions: make(map[uint64][]proc.MemoryRegion)},
		Symbols: NewSymbols(),
		Loader:  make(Loader),
		Syscalls: Syscalls{
			SysCreateProcess:   "NtCreateProcess",
			SysCreateThread:    "NtCreateThread",
			SysTerminateProc:   "NtTerminateProcess",
			SysTerminateThread: "NtTerminateThread",
			SysClose:           "NtClose",
			SysAllocateMemory:  "NtAllocateVirtualMemory",
			SysFreeMemory:      "NtFreeVirtualMemory",
		},
		Logger: NewLogger(),
	}
}

// Backend returns the fakes as a proc.Backend.
func (f *Fakes) Backend() proc.Backend {
	return proc.Backend{
		Engine:   f.Engine,
		Symbols:  f.Symbols,
		Loader:   f.Loader,
		OS:       f.OS,
		Syscalls: f.Syscalls,
		Logger:   f.Logger,
	}
}

// MustEvent returns the raw event for the engine tag name.
func MustEvent(t testing.TB, name string, fields ...interface{}) event.Raw {
	t.Helper()
	raw, err := event.New(name, fields...)
	if err != nil {
		t.Fatalf("event.New(%q): %v", name, err)
	}
	return raw
}

// Send routes the event to p on thread tid and fails the test on error.
func Send(t testing.TB, p *proc.Target, tid int, name string, fields ...interface{}) {
	t.Helper()
	if err := p.HandleEvent(tid, MustEvent(t, name, fields...)); err != nil {
		t.Fatalf("%s event: %v", name, err)
	}
}

// SortedAddrs returns the keys of m in ascending order.
func SortedAddrs(m map[uint64]bool) []uint64 {
	r := make([]uint64, 0, len(m))
	for addr := range m {
		r = append(r, addr)
	}
	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })
	return r
}
