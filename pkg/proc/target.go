package proc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flxtrace/flxtrace/pkg/breakpoint"
	"github.com/flxtrace/flxtrace/pkg/event"
	"github.com/flxtrace/flxtrace/pkg/logflags"
)

// TargetState describes how far the instrumentation of a process has
// progressed.
type TargetState uint8

const (
	// StateAttached means the entry point breakpoints are armed and
	// nothing else is instrumented yet.
	StateAttached TargetState = iota
	// StateEntryReached means the entry point was hit and the libraries of
	// interest are filtered.
	StateEntryReached
	// StateRunning means events are being routed.
	StateRunning
	// StateTerminated means the process exited and its state was released.
	StateTerminated
)

func (s TargetState) String() string {
	switch s {
	case StateAttached:
		return "attached"
	case StateEntryReached:
		return "entry reached"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	}
	return ""
}

// TargetConfig is the configuration for a new Target.
type TargetConfig struct {
	Name      string // image file name of the process
	ImagePath string // path of the image on the host
	ASID      uint64

	// Instrument lists the libraries whose code is of interest, the
	// executable itself included. Names are compared case insensitively.
	Instrument []string
	// ExtraEntryPoints are addresses that also count as reaching the entry
	// point, for packed images that never execute the declared one.
	ExtraEntryPoints []uint64
}

// Target represents a process traced by the instrumentation engine.
type Target struct {
	Name       string
	ImagePath  string
	ASID       uint64
	EntryPoint uint64

	engine   Engine
	symbols  SymbolResolver
	os       OS
	syscalls SyscallTable
	logger   Logger

	state       TargetState
	dispatch    dispatchTable
	breakpoints *breakpoint.Map
	entryBPs    map[uint64]breakpoint.BreakletID

	threads map[int]*Thread
	// memory holds the regions shared by every thread, its stack is unused.
	memory *MemoryMap
	// regionsStale is set when the process allocated or freed memory since
	// the regions were last listed.
	regionsStale bool
	// pendingParent is the thread that announced the creation of a
	// thread not yet seen.
	pendingParent *Thread

	instrument map[string]bool
	libraries  map[string]Image
	filter     AddressRanges

	hooks *hookRegistry

	initializers   []func(*Target) error
	deinitializers []func(*Target) error
	loggerDown     bool
}

// NewTarget attaches to the process described by cfg: it finds the entry
// point of the image and arms the entry breakpoints. No other
// instrumentation happens until the entry point is reached.
func NewTarget(be Backend, cfg TargetConfig) (*Target, error) {
	t := &Target{
		Name:      strings.ToLower(cfg.Name),
		ImagePath: cfg.ImagePath,
		ASID:      cfg.ASID,

		engine:   be.Engine,
		symbols:  be.Symbols,
		os:       be.OS,
		syscalls: be.Syscalls,
		logger:   be.Logger,

		state:       StateAttached,
		dispatch:    newDispatchTable(),
		breakpoints: breakpoint.NewMap(be.Engine),
		entryBPs:    make(map[uint64]breakpoint.BreakletID),
		threads:     make(map[int]*Thread),
		memory:      newMemoryMap(),
		instrument:  make(map[string]bool),
		libraries:   make(map[string]Image),
		hooks:       newHookRegistry(),
	}
	if err := t.dispatch.check(); err != nil {
		return nil, err
	}
	for _, lib := range cfg.Instrument {
		t.instrument[strings.ToLower(lib)] = true
	}

	entry, err := be.Loader.EntryPoint(cfg.ImagePath)
	if err != nil {
		return nil, &AttachError{Name: cfg.Name, Err: err}
	}
	t.EntryPoint = entry

	addrs := append([]uint64{entry}, cfg.ExtraEntryPoints...)
	for _, addr := range addrs {
		if _, ok := t.entryBPs[addr]; ok {
			continue
		}
		id, err := t.breakpoints.Add(addr, t.entryPointReached)
		if err != nil {
			t.breakpoints.Clear()
			return nil, &AttachError{Name: cfg.Name, Err: err}
		}
		t.entryBPs[addr] = id
	}
	if logflags.Target() {
		logflags.TargetLogger().Debugf("attached to %s (asid %#x), entry point at %#x", t.Name, t.ASID, entry)
	}
	return t, nil
}

// State returns the lifecycle state of t.
func (t *Target) State() TargetState {
	return t.state
}

// Breakpoints returns the breakpoint map of t.
func (t *Target) Breakpoints() *breakpoint.Map {
	return t.breakpoints
}

// FilterRanges returns the address ranges marked of interest.
func (t *Target) FilterRanges() []AddressRange {
	return t.filter.Ranges()
}

// Libraries returns the libraries seen so far, sorted by base address.
func (t *Target) Libraries() []Image {
	r := make([]Image, 0, len(t.libraries))
	for _, img := range t.libraries {
		r = append(r, img)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Base < r[j].Base })
	return r
}

// Registers returns the registers of the current CPU.
func (t *Target) Registers() (Registers, error) {
	return t.engine.Registers()
}

// ReadMemory reads n bytes of guest memory at addr.
func (t *Target) ReadMemory(addr uint64, n int) ([]byte, error) {
	return t.engine.ReadMemory(addr, n)
}

// Log sends rec to the trace logger on behalf of thread tid.
func (t *Target) Log(tid int, rec Record) {
	t.log(tid, rec)
}

func (t *Target) log(tid int, rec Record) {
	if t.loggerDown {
		return
	}
	t.logger.LogEvent(t, tid, rec)
}

// OnInstrumentationInit registers fn to run when the entry point is
// reached, after the filter is enabled.
func (t *Target) OnInstrumentationInit(fn func(*Target) error) {
	t.initializers = append(t.initializers, fn)
}

// OnInstrumentationStop registers fn to run when the process terminates.
func (t *Target) OnInstrumentationStop(fn func(*Target) error) {
	t.deinitializers = append(t.deinitializers, fn)
}

// HandleEvent routes raw, observed on thread tid.
func (t *Target) HandleEvent(tid int, raw event.Raw) error {
	switch t.state {
	case StateTerminated:
		return ErrTargetTerminated
	case StateEntryReached:
		t.state = StateRunning
	}
	return t.route(tid, raw)
}

// Thread returns the thread with id tid, if it was seen.
func (t *Target) Thread(tid int) (*Thread, bool) {
	th, ok := t.threads[tid]
	return th, ok
}

// Threads returns the live threads sorted by id.
func (t *Target) Threads() []*Thread {
	r := make([]*Thread, 0, len(t.threads))
	for _, th := range t.threads {
		r = append(r, th)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r
}

// threadFor returns the thread tid, creating it on first sight. The first
// thread of the process gets a fresh memory map, later ones share every
// region but the stack with the thread that created them.
func (t *Target) threadFor(tid int) *Thread {
	if th, ok := t.threads[tid]; ok {
		return th
	}
	th := &Thread{ID: tid, target: t}
	if parent := t.parentThread(); parent != nil {
		th.Memory = parent.Memory.inherit()
	} else {
		th.Memory = t.memory.inherit()
	}
	t.pendingParent = nil
	t.threads[tid] = th
	if logflags.Threads() {
		logflags.ThreadsLogger().Debugf("thread %d registered in %s", tid, t.Name)
	}
	return th
}

func (t *Target) parentThread() *Thread {
	if p := t.pendingParent; p != nil {
		if _, alive := t.threads[p.ID]; alive {
			return p
		}
	}
	threads := t.Threads()
	if len(threads) == 0 {
		return nil
	}
	return threads[0]
}

// releaseThread unwinds the call stack of th and forgets it.
func (t *Target) releaseThread(th *Thread) {
	th.terminate()
	delete(t.threads, th.ID)
	if t.pendingParent == th {
		t.pendingParent = nil
	}
	if logflags.Threads() {
		logflags.ThreadsLogger().Debugf("thread %d terminated in %s", th.ID, t.Name)
	}
}

// entryPointReached starts the instrumentation of the process.
func (t *Target) entryPointReached(ctx breakpoint.Context) error {
	if t.state != StateAttached {
		return nil
	}
	logflags.TargetLogger().Infof("instrumentation starting for %s at %#x", t.Name, ctx.Addr)

	if _, err := t.updateImages(); err != nil {
		return &AttachError{Name: t.Name, Err: err}
	}
	if err := t.engine.FilterEnable(); err != nil {
		return &AttachError{Name: t.Name, Err: err}
	}
	for _, init := range t.initializers {
		if err := init(t); err != nil {
			return &AttachError{Name: t.Name, Err: err}
		}
	}
	if err := t.engine.Retranslate(); err != nil {
		return &AttachError{Name: t.Name, Err: err}
	}
	regs, err := t.engine.Registers()
	if err != nil {
		return &AttachError{Name: t.Name, Err: err}
	}
	th := t.threadFor(ctx.ThreadID)
	th.Stack.Push(&Frame{Target: ctx.Addr, SP: regs.SP()})

	for addr, id := range t.entryBPs {
		if err := t.breakpoints.Remove(addr, id); err != nil {
			return err
		}
	}
	t.entryBPs = nil
	t.state = StateEntryReached

	// libraries loaded before the entry point are known but not hooked yet
	for _, img := range t.Libraries() {
		if err := t.installHooks(img.BaseName); err != nil {
			return err
		}
	}
	logflags.TargetLogger().Infof("instrumentation initialized for %s", t.Name)
	return nil
}

// updateImages enumerates the images of the process. Images not seen before
// are loaded into the symbol resolver and, when they are on the instrument
// list, added to the filter. It returns the new images.
func (t *Target) updateImages() ([]Image, error) {
	imgs, err := t.os.Images(t.ASID)
	if err != nil {
		return nil, err
	}
	var loaded []Image
	for _, img := range imgs {
		key := strings.ToLower(img.BaseName)
		if _, seen := t.libraries[key]; seen {
			continue
		}
		if err := t.symbols.LoadLibraryImage(key, img.Base); err != nil {
			return loaded, fmt.Errorf("could not load %s: %w", img.FullName, err)
		}
		t.libraries[key] = img
		loaded = append(loaded, img)
		if !t.instrument[key] {
			if logflags.Target() {
				logflags.TargetLogger().Debugf("not instrumenting %s", img.FullName)
			}
			continue
		}
		if _, err := t.addFilter(img.Base, img.End()); err != nil {
			return loaded, err
		}
		logflags.TargetLogger().Infof("instrumenting %s at %#x-%#x", img.FullName, img.Base, img.End())
	}
	if err := t.refreshRegions(); err != nil {
		return loaded, err
	}
	return loaded, nil
}

// refreshRegions rebuilds the heap, data and unknown regions shared by the
// threads of t. Mapped images are data, the rest comes from the OS model
// when it implements RegionLister.
func (t *Target) refreshRegions() error {
	var heap, data, unknown AddressRanges
	for _, img := range t.libraries {
		data.Add(img.Base, img.End())
	}
	if lister, ok := t.os.(RegionLister); ok {
		regions, err := lister.MemoryRegions(t.ASID)
		if err != nil {
			return fmt.Errorf("could not list memory regions: %w", err)
		}
		for _, r := range regions {
			switch r.Kind {
			case RegionHeap:
				heap.Add(r.Base, r.End())
			case RegionData:
				data.Add(r.Base, r.End())
			case RegionUnknown:
				unknown.Add(r.Base, r.End())
			}
		}
	}
	t.memory.Heap.AddressRanges = heap
	t.memory.Data.AddressRanges = data
	t.memory.Unknown.AddressRanges = unknown
	t.regionsStale = false
	return nil
}

// classify returns the region of addr as seen by th, listing the regions
// again if memory was allocated since they were last listed.
func (t *Target) classify(th *Thread, addr uint64) RegionKind {
	kind := th.Memory.Classify(addr)
	if kind != RegionNone || !t.regionsStale {
		return kind
	}
	if err := t.refreshRegions(); err != nil {
		logflags.TargetLogger().WithField("process", t.Name).Warnf("%v", err)
		return kind
	}
	return th.Memory.Classify(addr)
}

// addFilter adds [lo, hi) to the filter. Ranges already covered are not
// passed to the engine again.
func (t *Target) addFilter(lo, hi uint64) (bool, error) {
	if t.filter.Covers(lo, hi) {
		return false, nil
	}
	if err := t.engine.FilterAdd(lo, hi); err != nil {
		return false, err
	}
	t.filter.Add(lo, hi)
	return true, nil
}

// UpdateLibrary is called when libname was loaded by the process. It
// returns false if no image of that name is mapped. Before the entry point
// is reached the library is only recorded and added to the filter, the
// filter is enabled and its hooks are installed with the entry point.
func (t *Target) UpdateLibrary(libname string) (bool, error) {
	if t.state == StateTerminated {
		return false, ErrTargetTerminated
	}
	before := t.filter.Ranges()
	loaded, err := t.updateImages()
	if err != nil {
		return false, err
	}
	_, found := t.libraries[strings.ToLower(libname)]
	if t.state == StateAttached {
		return found, nil
	}
	if !sameRanges(before, t.filter.Ranges()) {
		if err := t.engine.FilterEnable(); err != nil {
			return false, err
		}
		if err := t.engine.Retranslate(); err != nil {
			return false, err
		}
	}
	for _, img := range loaded {
		if err := t.installHooks(img.BaseName); err != nil {
			return false, err
		}
	}
	return found, nil
}

func sameRanges(a, b []AddressRange) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Symbol returns "lib!name" for addr, or addr in hex if it cannot be
// resolved.
func (t *Target) Symbol(addr uint64) string {
	lib, name, err := t.ResolveSymbol(addr)
	if err != nil {
		return fmt.Sprintf("%#x", addr)
	}
	return lib + "!" + name
}

// ResolveSymbol returns the library and function at addr.
func (t *Target) ResolveSymbol(addr uint64) (lib, name string, err error) {
	lib, name, ok := t.symbols.ResolveAddress(addr)
	if !ok {
		return "", "", &UnresolvedAddressError{Addr: addr, Reason: "no symbol"}
	}
	return strings.ToLower(lib), name, nil
}

// AddrInExe returns true if addr is inside the main executable image.
func (t *Target) AddrInExe(addr uint64) bool {
	img, ok := t.libraries[t.Name]
	return ok && addr >= img.Base && addr < img.End()
}

// CallFromExe returns true if the innermost call of thread tid was made to
// the main executable. Threads without calls are considered to be in the
// executable.
func (t *Target) CallFromExe(tid int) bool {
	th, ok := t.threads[tid]
	if !ok {
		return true
	}
	top, ok := th.Stack.Top()
	if !ok {
		return true
	}
	lib, _, err := t.ResolveSymbol(top.Target)
	if err != nil {
		return t.AddrInExe(top.Target)
	}
	return lib == t.Name
}

// AddPendingReturn arranges for cb to be called when the innermost frame of
// thread tid returns.
func (t *Target) AddPendingReturn(tid int, cb func(*Frame)) error {
	th, ok := t.threads[tid]
	if !ok {
		return fmt.Errorf("unknown thread %d", tid)
	}
	top, ok := th.Stack.Top()
	if !ok {
		return &StackUnderflowError{ThreadID: tid}
	}
	top.AddReturnCallback(cb)
	return nil
}

// Terminate releases every thread, running their pending return callbacks,
// then runs the deinitializers, shuts the trace logger down and clears the
// hooks and breakpoints. Calling it again does nothing.
func (t *Target) Terminate() error {
	if t.state == StateTerminated {
		return nil
	}
	for _, th := range t.Threads() {
		t.releaseThread(th)
	}
	var err0 error
	for _, deinit := range t.deinitializers {
		if err := deinit(t); err != nil && err0 == nil {
			err0 = err
		}
	}
	if !t.loggerDown {
		t.logger.Shutdown(t)
		t.loggerDown = true
	}
	t.hooks.clear()
	if err := t.breakpoints.Clear(); err != nil && err0 == nil {
		err0 = err
	}
	t.state = StateTerminated
	logflags.TargetLogger().Infof("terminated %s", t.Name)
	return err0
}
