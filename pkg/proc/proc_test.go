package proc_test

import (
	"errors"
	"flag"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flxtrace/flxtrace/pkg/breakpoint"
	"github.com/flxtrace/flxtrace/pkg/event"
	"github.com/flxtrace/flxtrace/pkg/logflags"
	"github.com/flxtrace/flxtrace/pkg/proc"
	protest "github.com/flxtrace/flxtrace/pkg/proc/test"
)

const (
	testASID = 0x2a3f000

	exeBase  = 0x400000
	exeEntry = 0x401000
	k32Base  = 0x7c800000
	ntdBase  = 0x7c900000

	entrySP = 0x12ff00
)

func TestMain(m *testing.M) {
	var logConf string
	flag.StringVar(&logConf, "log", "", "configures logging")
	flag.Parse()
	logflags.Setup(logConf != "", logConf, "")
	os.Exit(m.Run())
}

func testImages() []proc.Image {
	return []proc.Image{
		{BaseName: "sample.exe", FullName: `C:\sample.exe`, Base: exeBase, Size: 0x10000},
		{BaseName: "kernel32.dll", FullName: `C:\WINDOWS\system32\kernel32.dll`, Base: k32Base, Size: 0xf6000},
		{BaseName: "ntdll.dll", FullName: `C:\WINDOWS\system32\ntdll.dll`, Base: ntdBase, Size: 0xaf000},
	}
}

func newTestTarget(t *testing.T, f *protest.Fakes, cfg proc.TargetConfig) *proc.Target {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "sample.exe"
	}
	if cfg.ImagePath == "" {
		cfg.ImagePath = "sample.exe"
	}
	if cfg.Instrument == nil {
		cfg.Instrument = []string{"sample.exe"}
	}
	cfg.ASID = testASID
	f.Loader[cfg.ImagePath] = exeEntry
	if _, ok := f.OS.Mapped[testASID]; !ok {
		f.OS.Mapped[testASID] = testImages()
	}
	f.Engine.CR3 = testASID
	p, err := proc.NewTarget(f.Backend(), cfg)
	require.NoError(t, err)
	return p
}

// withTestProcess runs fn with a target that reached its entry point on
// thread 1. Thread 1 has the entry frame on its stack.
func withTestProcess(t *testing.T, fn func(p *proc.Target, f *protest.Fakes)) {
	t.Helper()
	f := protest.NewFakes()
	f.Symbols.Add("kernel32.dll", "CreateFileA", k32Base+0x10800)
	f.Symbols.Add("kernel32.dll", "Sleep", k32Base+0x2446)
	f.Symbols.Add("ntdll.dll", "NtClose", ntdBase+0xd5ff)
	p := newTestTarget(t, f, proc.TargetConfig{})
	f.Engine.SetSP(entrySP)
	protest.Send(t, p, 1, "breakpoint", exeEntry)
	require.Equal(t, proc.StateEntryReached, p.State())
	f.Logger.Reset()
	fn(p, f)
}

func stackOf(t *testing.T, p *proc.Target, tid int) *proc.Stack {
	t.Helper()
	th, ok := p.Thread(tid)
	require.True(t, ok, "thread %d not found", tid)
	return &th.Stack
}

func TestEntryPointReached(t *testing.T) {
	f := protest.NewFakes()
	var filterEnabledAtInit bool
	var retranslationsAtInit int
	p := newTestTarget(t, f, proc.TargetConfig{})
	p.OnInstrumentationInit(func(*proc.Target) error {
		filterEnabledAtInit = f.Engine.FilterEnabled
		retranslationsAtInit = f.Engine.Retranslations
		return nil
	})

	assert.Equal(t, proc.StateAttached, p.State())
	assert.Equal(t, uint64(exeEntry), p.EntryPoint)
	assert.True(t, f.Engine.Armed[exeEntry])

	f.Engine.SetSP(entrySP)
	protest.Send(t, p, 1, "breakpoint", exeEntry)

	assert.Equal(t, proc.StateEntryReached, p.State())
	assert.Empty(t, f.Engine.Armed, "entry breakpoint still armed")
	assert.Equal(t, []proc.AddressRange{{Lo: exeBase, Hi: exeBase + 0x10000}}, f.Engine.FilterAdds)
	assert.True(t, f.Engine.FilterEnabled)
	assert.True(t, filterEnabledAtInit)
	assert.Equal(t, 0, retranslationsAtInit)
	assert.Equal(t, 1, f.Engine.Retranslations)
	assert.Equal(t, []string{"sample.exe", "kernel32.dll", "ntdll.dll"}, f.Symbols.Loaded)

	stack := stackOf(t, p, 1)
	require.Equal(t, 1, stack.Len())
	assert.Equal(t, uint64(exeEntry), stack.At(0).Target)
	assert.Equal(t, uint64(entrySP), stack.At(0).SP)

	protest.Send(t, p, 1, "schedule", 1, 2)
	assert.Equal(t, proc.StateRunning, p.State())
}

func TestExtraEntryPoints(t *testing.T) {
	f := protest.NewFakes()
	p := newTestTarget(t, f, proc.TargetConfig{ExtraEntryPoints: []uint64{0x401015, exeEntry}})
	assert.Equal(t, []uint64{exeEntry, 0x401015}, protest.SortedAddrs(f.Engine.Armed))
	assert.Equal(t, 1, f.Engine.Inserts[exeEntry])

	protest.Send(t, p, 1, "breakpoint", 0x401015)
	assert.Equal(t, proc.StateEntryReached, p.State())
	assert.Empty(t, f.Engine.Armed)
	assert.Equal(t, uint64(0x401015), stackOf(t, p, 1).At(0).Target)
}

func TestAttachMissingEntryPoint(t *testing.T) {
	f := protest.NewFakes()
	_, err := proc.NewTarget(f.Backend(), proc.TargetConfig{Name: "packed.exe", ImagePath: "packed.exe"})
	var attachErr *proc.AttachError
	require.True(t, errors.As(err, &attachErr), "wrong error %v", err)
	assert.Equal(t, "packed.exe", attachErr.Name)
}

func TestAttachInsertFailure(t *testing.T) {
	f := protest.NewFakes()
	f.Loader["sample.exe"] = exeEntry
	f.Engine.FailInsert = errors.New("no more breakpoints")
	_, err := proc.NewTarget(f.Backend(), proc.TargetConfig{Name: "sample.exe", ImagePath: "sample.exe"})
	var attachErr *proc.AttachError
	require.True(t, errors.As(err, &attachErr), "wrong error %v", err)
}

func TestEntryImageLoadFailure(t *testing.T) {
	f := protest.NewFakes()
	f.Symbols.Fail["ntdll.dll"] = errors.New("bad PE header")
	p := newTestTarget(t, f, proc.TargetConfig{})
	err := p.HandleEvent(1, protest.MustEvent(t, "breakpoint", exeEntry))
	var attachErr *proc.AttachError
	require.True(t, errors.As(err, &attachErr), "wrong error %v", err)
	assert.True(t, proc.IsFatal(err))
	assert.Equal(t, proc.StateAttached, p.State())
}

func TestPairedCallsLeaveEmptyStack(t *testing.T) {
	withTestProcess(t, func(p *proc.Target, f *protest.Fakes) {
		const tid = 2
		protest.Send(t, p, tid, "call", 0x401100, 0x401200, 0x401105, 0x12fe00)
		protest.Send(t, p, tid, "call", 0x401210, 0x401300, 0x401215, 0x12fdf0)
		protest.Send(t, p, tid, "call", 0x401310, 0x401400, 0x401315, 0x12fde0)
		assert.Equal(t, 3, stackOf(t, p, tid).Len())

		f.Engine.SetSP(0x12fde0)
		protest.Send(t, p, tid, "ret", 0x401410, 0x401315)
		f.Engine.SetSP(0x12fdf0)
		protest.Send(t, p, tid, "ret", 0x401320, 0x401215)
		f.Engine.SetSP(0x12fe00)
		protest.Send(t, p, tid, "ret", 0x401220, 0x401105)

		assert.Equal(t, 0, stackOf(t, p, tid).Len())
		for _, ret := range f.Logger.Rets() {
			assert.Equal(t, proc.RetNormal, ret.Kind, "%v", ret)
		}
		assert.Equal(t, []string{
			"Call(0x401200)", "Call(0x401300)", "Call(0x401400)",
			"Ret(0x401400)", "Ret(0x401300)", "Ret(0x401200)",
		}, f.Logger.Strings())
		assert.Equal(t, 1, stackOf(t, p, 1).Len(), "other thread modified")
	})
}

func TestLateReturn(t *testing.T) {
	withTestProcess(t, func(p *proc.Target, f *protest.Fakes) {
		const tid = 2
		const A, B = 0x401200, 0x401300
		protest.Send(t, p, tid, "call", 0x401100, A, 0x401105, 100)
		protest.Send(t, p, tid, "call", 0x401210, B, 0x401215, 90)

		f.Engine.SetSP(100)
		protest.Send(t, p, tid, "ret", 0x401220, 0x401105)

		assert.Equal(t, 0, stackOf(t, p, tid).Len())
		rets := f.Logger.Rets()
		require.Len(t, rets, 2)
		assert.Equal(t, proc.RetLate, rets[0].Kind)
		assert.Equal(t, uint64(B), rets[0].Target)
		assert.Equal(t, proc.RetNormal, rets[1].Kind)
		assert.Equal(t, uint64(A), rets[1].Target)
		assert.Equal(t, []string{"LateRet(0x401300)", "Ret(0x401200)"}, f.Logger.Strings("lateret", "ret"))
	})
}

func TestLateReturnBurst(t *testing.T) {
	withTestProcess(t, func(p *proc.Target, f *protest.Fakes) {
		const tid = 2
		for i, sp := range []uint64{100, 90, 80, 70} {
			base := uint64(0x401000 + 0x100*(i+1))
			protest.Send(t, p, tid, "call", base, base+0x80, base+5, sp)
		}
		f.Engine.SetSP(95)
		protest.Send(t, p, tid, "ret", 0x401400, 0x401777)

		stack := stackOf(t, p, tid)
		require.Equal(t, 1, stack.Len())
		assert.Equal(t, uint64(100), stack.At(0).SP)

		rets := f.Logger.Rets()
		require.Len(t, rets, 3)
		assert.Equal(t, proc.RetLate, rets[0].Kind)
		assert.Equal(t, 0, rets[0].Burst)
		for i, ret := range rets[1:] {
			assert.Equal(t, proc.RetCleanup, ret.Kind)
			assert.Equal(t, i+1, ret.Burst)
		}
	})
}

func TestStackUnderflowIsRecoverable(t *testing.T) {
	withTestProcess(t, func(p *proc.Target, f *protest.Fakes) {
		const tid = 2
		protest.Send(t, p, tid, "call", 0x401100, 0x401200, 0x401105, 90)
		f.Engine.SetSP(200)
		err := p.HandleEvent(tid, protest.MustEvent(t, "ret", 0x401220, 0x401999))
		require.NoError(t, err)
		assert.Equal(t, 0, stackOf(t, p, tid).Len())
		assert.Equal(t, []string{"LateRet(0x401200)"}, f.Logger.Strings("lateret"))

		anomalies := f.Logger.Strings("anomaly")
		require.Len(t, anomalies, 1)

		// an empty stack stays empty
		require.NoError(t, p.HandleEvent(tid, protest.MustEvent(t, "ret", 0x401220, 0x401999)))
		assert.Len(t, f.Logger.Strings("anomaly"), 2)
	})
}

func TestUnfilteredEventsDoNotMutate(t *testing.T) {
	withTestProcess(t, func(p *proc.Target, f *protest.Fakes) {
		protest.Send(t, p, 1, "call", 0x401100, k32Base+0x2446, 0x401105, 0x12fe00)
		assert.Equal(t, 1, stackOf(t, p, 1).Len())

		f.Engine.SetSP(0x12ffff)
		protest.Send(t, p, 1, "ret", k32Base+0x2500, 0x401105)
		assert.Equal(t, 1, stackOf(t, p, 1).Len())

		protest.Send(t, p, 1, "jmp", 0x401100, k32Base+0x100)
		protest.Send(t, p, 1, "jmp", 0x401100, 0x401180)
		assert.Equal(t, 1, stackOf(t, p, 1).Len())
		assert.Equal(t, []string{"Jmp(0x401100->0x401180)"}, f.Logger.Strings())
	})
}

func TestCaballeroBlockUnwinds(t *testing.T) {
	withTestProcess(t, func(p *proc.Target, f *protest.Fakes) {
		const tid = 2
		protest.Send(t, p, tid, "call", 0x401100, 0x401200, 0x401105, 100)
		protest.Send(t, p, tid, "call", 0x401210, 0x401300, 0x401215, 90)
		f.Logger.Reset()

		protest.Send(t, p, tid, "bblcaballero", 0x401220, 95)
		assert.Equal(t, []string{"LateRet(0x401300)", "CaballeroCall(0x401220)"}, f.Logger.Strings())
		assert.Equal(t, 1, stackOf(t, p, tid).Len())

		protest.Send(t, p, tid, "bblcaballero", 0x401230, 100)
		assert.Equal(t, 1, stackOf(t, p, tid).Len())
	})
}

func TestThreadRegions(t *testing.T) {
	f := protest.NewFakes()
	p := newTestTarget(t, f, proc.TargetConfig{})
	require.Empty(t, p.Threads())

	protest.Send(t, p, 7, "schedule", 0, 7)
	protest.Send(t, p, 9, "schedule", 7, 9)

	t7, ok := p.Thread(7)
	require.True(t, ok)
	t9, ok := p.Thread(9)
	require.True(t, ok)

	assert.Same(t, t7.Memory.Heap, t9.Memory.Heap)
	assert.Same(t, t7.Memory.Data, t9.Memory.Data)
	assert.Same(t, t7.Memory.Unknown, t9.Memory.Unknown)
	assert.NotSame(t, t7.Memory.Stack, t9.Memory.Stack)
	assert.NotSame(t, &t7.Stack, &t9.Stack)

	t7.Memory.Heap.Add(0x150000, 0x160000)
	assert.Equal(t, proc.RegionHeap, t9.Memory.Classify(0x150010))
	t7.Memory.Stack.Update(0x12ff00)
	assert.Equal(t, proc.RegionStack, t7.Memory.Classify(0x12ff00))
	assert.Equal(t, proc.RegionNone, t9.Memory.Classify(0x12ff00))
}

func TestThreadStacksAreIndependent(t *testing.T) {
	withTestProcess(t, func(p *proc.Target, f *protest.Fakes) {
		protest.Send(t, p, 2, "call", 0x401100, 0x401200, 0x401105, 0x22fe00)
		protest.Send(t, p, 3, "call", 0x401100, 0x401300, 0x401105, 0x32fe00)
		f.Engine.SetSP(0x32fe00)
		protest.Send(t, p, 3, "ret", 0x401310, 0x401105)
		assert.Equal(t, 1, stackOf(t, p, 2).Len())
		assert.Equal(t, 0, stackOf(t, p, 3).Len())
		assert.Equal(t, 1, stackOf(t, p, 1).Len())
	})
}

func TestTerminateThread(t *testing.T) {
	withTestProcess(t, func(p *proc.Target, f *protest.Fakes) {
		const tid = 2
		protest.Send(t, p, 1, "syscall", protest.SysCreateThread)
		protest.Send(t, p, tid, "call", 0x401100, 0x401200, 0x401105, 100)
		protest.Send(t, p, tid, "call", 0x401210, 0x401300, 0x401215, 90)
		var returned []uint64
		require.NoError(t, p.AddPendingReturn(tid, func(fr *proc.Frame) { returned = append(returned, fr.Target) }))

		protest.Send(t, p, tid, "syscall", protest.SysTerminateThread)

		_, ok := p.Thread(tid)
		assert.False(t, ok)
		assert.Equal(t, []uint64{0x401300}, returned)
		rets := f.Logger.Rets()
		require.Len(t, rets, 2)
		for _, ret := range rets {
			assert.Equal(t, proc.RetSynthetic, ret.Kind)
		}
		assert.Equal(t, []string{"NtCreateThread", "NtTerminateThread"}, f.Logger.Strings("syscall"))
		assert.Equal(t, proc.StateRunning, p.State())
	})
}

func TestTerminateProcess(t *testing.T) {
	withTestProcess(t, func(p *proc.Target, f *protest.Fakes) {
		protest.Send(t, p, 2, "call", 0x401100, 0x401200, 0x401105, 100)
		protest.Send(t, p, 3, "call", 0x401100, 0x401300, 0x401105, 100)
		require.NoError(t, p.RegisterFunctionHook("kernel32.dll", "Sleep", func(*proc.Target) proc.HookHandler { return &recordingHook{} }))
		var deinit int
		p.OnInstrumentationStop(func(*proc.Target) error {
			deinit++
			return nil
		})
		threads := p.Threads()
		require.Len(t, threads, 3)

		protest.Send(t, p, 3, "syscall", protest.SysTerminateProc)

		assert.Equal(t, proc.StateTerminated, p.State())
		for _, th := range threads {
			assert.Equal(t, 0, th.Stack.Len(), "thread %d", th.ID)
		}
		assert.Empty(t, p.Threads())
		assert.Len(t, f.Logger.Rets(), 3)
		assert.Equal(t, 1, f.Logger.Shutdowns[p])
		assert.Equal(t, 1, deinit)
		assert.Empty(t, f.Engine.Armed)
		assert.Equal(t, 0, p.Breakpoints().Len())

		n := len(f.Logger.Logged)
		err := p.HandleEvent(1, protest.MustEvent(t, "call", 0x401100, 0x401200, 0x401105, 100))
		assert.ErrorIs(t, err, proc.ErrTargetTerminated)
		require.NoError(t, p.Terminate())
		assert.Equal(t, 1, f.Logger.Shutdowns[p])
		assert.Equal(t, 1, deinit)
		assert.Len(t, f.Logger.Logged, n)
	})
}

func TestSyscalls(t *testing.T) {
	withTestProcess(t, func(p *proc.Target, f *protest.Fakes) {
		protest.Send(t, p, 1, "syscall", protest.SysClose)
		protest.Send(t, p, 1, "syscall", 0x7777)
		protest.Send(t, p, 1, "syscall", protest.SysCreateProcess)
		assert.Equal(t, []string{"NtCreateProcess"}, f.Logger.Strings())
	})
}

func TestMemtrace(t *testing.T) {
	withTestProcess(t, func(p *proc.Target, f *protest.Fakes) {
		protest.Send(t, p, 1, "call", 0x401100, 0x401200, 0x401105, 0x12fe00)
		f.Engine.SetSP(0x12fe00)
		protest.Send(t, p, 1, "ret", 0x401210, 0x401105)
		f.Logger.Reset()

		f.Engine.SetPC(0x401234)
		protest.Send(t, p, 1, "memtrace", 0x12fe00, 0x2a, 4, 1)
		protest.Send(t, p, 1, "memtrace", 0x500000, 0x2b, 4, 0)
		assert.Equal(t, []string{
			"Write: 0x2a , Addr: 0x12fe00, BBL: 0x401234",
			"Read:  0x2b , Addr: 0x500000, BBL: 0x401234",
		}, f.Logger.Strings())
		assert.Equal(t, proc.RegionStack, f.Logger.Logged[0].Record.(*proc.MemRecord).Region)
		assert.Equal(t, proc.RegionNone, f.Logger.Logged[1].Record.(*proc.MemRecord).Region)
	})
}

func TestMemoryRegions(t *testing.T) {
	f := protest.NewFakes()
	f.OS.Regions[testASID] = []proc.MemoryRegion{
		{Kind: proc.RegionHeap, Base: 0x140000, Size: 0x10000},
		{Kind: proc.RegionUnknown, Base: 0x7ffd0000, Size: 0x1000},
	}
	p := newTestTarget(t, f, proc.TargetConfig{})
	f.Engine.SetSP(entrySP)
	protest.Send(t, p, 1, "breakpoint", exeEntry)
	f.Logger.Reset()

	regionOf := func(tid int, addr uint64) proc.RegionKind {
		t.Helper()
		protest.Send(t, p, tid, "memtrace", addr, 0x1, 4, 0)
		logged := f.Logger.Logged[len(f.Logger.Logged)-1]
		return logged.Record.(*proc.MemRecord).Region
	}

	assert.Equal(t, proc.RegionData, regionOf(1, 0x403000))
	assert.Equal(t, proc.RegionData, regionOf(1, k32Base+0x100))
	assert.Equal(t, proc.RegionHeap, regionOf(1, 0x140010))
	assert.Equal(t, proc.RegionUnknown, regionOf(1, 0x7ffd0004))
	assert.Equal(t, proc.RegionHeap, regionOf(2, 0x14fffc))

	// new allocations are listed once the process allocated memory
	f.OS.Regions[testASID] = append(f.OS.Regions[testASID], proc.MemoryRegion{Kind: proc.RegionHeap, Base: 0x360000, Size: 0x1000})
	assert.Equal(t, proc.RegionNone, regionOf(1, 0x360000))
	protest.Send(t, p, 1, "syscall", protest.SysAllocateMemory)
	assert.Equal(t, proc.RegionHeap, regionOf(1, 0x360000))
	assert.Equal(t, proc.RegionHeap, regionOf(2, 0x360800))

	// libraries loaded later are data
	f.OS.Mapped[testASID] = append(f.OS.Mapped[testASID], proc.Image{BaseName: "user32.dll", Base: 0x7e410000, Size: 0x91000})
	_, err := p.UpdateLibrary("user32.dll")
	require.NoError(t, err)
	assert.Equal(t, proc.RegionData, regionOf(1, 0x7e410400))
}

func TestMemoryRegionsListFailure(t *testing.T) {
	f := protest.NewFakes()
	f.OS.RegionsErr = errors.New("no VAD tree")
	p := newTestTarget(t, f, proc.TargetConfig{})
	err := p.HandleEvent(1, protest.MustEvent(t, "breakpoint", exeEntry))
	var attachErr *proc.AttachError
	require.True(t, errors.As(err, &attachErr), "wrong error %v", err)
	assert.Equal(t, proc.StateAttached, p.State())
}

func TestAnalysisEvents(t *testing.T) {
	withTestProcess(t, func(p *proc.Target, f *protest.Fakes) {
		depth := stackOf(t, p, 1).Len()
		protest.Send(t, p, 1, "bbl", 0x401000, 0x12ff00)
		protest.Send(t, p, 1, "caballero", 0x401010, 12, 7)
		protest.Send(t, p, 1, "arithwindow", 0x401020)
		protest.Send(t, p, 1, "functiontrace", 0x401030, 2)
		protest.Send(t, p, 1, "functionentropy", 0x401040, 0.5)
		protest.Send(t, p, 1, "functiontaint", 0x401050, 2)
		protest.Send(t, p, 1, "constsearch", []byte{0xde, 0xad}, 0x401060)
		protest.Send(t, p, 1, "codesearch", "AB", 0x401070)
		assert.Equal(t, []string{
			"BBL(0x401000)",
			"CaballeroBlock(0x401010,12,7)",
			"ArithWindow(0x401020)",
			"FunctionTrace(0x401030,lateret)",
			"FunctionEntropy(0x401040,0.5)",
			"FunctionTaint(0x401050,2)",
			"ConstSearch(dead,0x401060)",
			"CodeSearch(4142,0x401070)",
		}, f.Logger.Strings())
		assert.Equal(t, depth, stackOf(t, p, 1).Len())
	})
}

func TestMalformedEventIsFatal(t *testing.T) {
	withTestProcess(t, func(p *proc.Target, f *protest.Fakes) {
		err := p.HandleEvent(1, protest.MustEvent(t, "call", 0x401100, 0x401200))
		var malformed *event.MalformedEventError
		require.True(t, errors.As(err, &malformed), "wrong error %v", err)
		assert.True(t, proc.IsFatal(err))
		assert.Equal(t, 1, stackOf(t, p, 1).Len())
	})
}

func TestUnexpectedBreakpointIsFatal(t *testing.T) {
	withTestProcess(t, func(p *proc.Target, f *protest.Fakes) {
		err := p.HandleEvent(1, protest.MustEvent(t, "breakpoint", 0x401999))
		var nbp *breakpoint.NoBreakpointError
		require.True(t, errors.As(err, &nbp), "wrong error %v", err)
		assert.True(t, proc.IsFatal(err))
	})
}

func TestUpdateLibraryIdempotent(t *testing.T) {
	f := protest.NewFakes()
	p := newTestTarget(t, f, proc.TargetConfig{Instrument: []string{"sample.exe", "Payload.dll"}})
	protest.Send(t, p, 1, "breakpoint", exeEntry)
	require.Len(t, f.Engine.FilterAdds, 1)
	require.Equal(t, 1, f.Engine.Retranslations)

	found, err := p.UpdateLibrary("payload.dll")
	require.NoError(t, err)
	assert.False(t, found)

	payload := proc.Image{BaseName: "PAYLOAD.DLL", FullName: `C:\PAYLOAD.DLL`, Base: 0x10000000, Size: 0x8000}
	f.OS.Mapped[testASID] = append(f.OS.Mapped[testASID], payload)

	found, err = p.UpdateLibrary("payload.dll")
	require.NoError(t, err)
	assert.True(t, found)
	ranges := p.FilterRanges()
	assert.Len(t, f.Engine.FilterAdds, 2)
	assert.Equal(t, 2, f.Engine.Retranslations)
	assert.True(t, f.Engine.FilterContains(0x10000100))

	found, err = p.UpdateLibrary("payload.dll")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, ranges, p.FilterRanges())
	assert.Len(t, f.Engine.FilterAdds, 2)
	assert.Equal(t, 2, f.Engine.Retranslations)
}

func TestUpdateLibraryNotInstrumented(t *testing.T) {
	withTestProcess(t, func(p *proc.Target, f *protest.Fakes) {
		f.OS.Mapped[testASID] = append(f.OS.Mapped[testASID], proc.Image{BaseName: "user32.dll", Base: 0x7e410000, Size: 0x91000})
		found, err := p.UpdateLibrary("USER32.dll")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Len(t, f.Engine.FilterAdds, 1)
		assert.Contains(t, f.Symbols.Loaded, "user32.dll")
	})
}

func TestSymbols(t *testing.T) {
	withTestProcess(t, func(p *proc.Target, f *protest.Fakes) {
		assert.Equal(t, "kernel32.dll!Sleep", p.Symbol(k32Base+0x2446))
		assert.Equal(t, "0x401234", p.Symbol(0x401234))

		_, _, err := p.ResolveSymbol(0x401234)
		var unres *proc.UnresolvedAddressError
		require.True(t, errors.As(err, &unres))
		assert.False(t, proc.IsFatal(err))

		assert.True(t, p.AddrInExe(0x401234))
		assert.False(t, p.AddrInExe(k32Base))

		assert.True(t, p.CallFromExe(1))
		assert.True(t, p.CallFromExe(42))
	})
}

func TestAddPendingReturn(t *testing.T) {
	withTestProcess(t, func(p *proc.Target, f *protest.Fakes) {
		protest.Send(t, p, 1, "call", 0x401100, 0x401200, 0x401105, 0x12fe00)
		calls := 0
		require.NoError(t, p.AddPendingReturn(1, func(*proc.Frame) { calls++ }))
		f.Engine.SetSP(0x12fe00)
		protest.Send(t, p, 1, "ret", 0x401210, 0x401105)
		assert.Equal(t, 1, calls)

		protest.Send(t, p, 2, "schedule", 1, 2)
		var underflow *proc.StackUnderflowError
		assert.True(t, errors.As(p.AddPendingReturn(2, func(*proc.Frame) {}), &underflow))
		assert.Error(t, p.AddPendingReturn(99, func(*proc.Frame) {}))
	})
}
