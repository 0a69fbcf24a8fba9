package proc

import (
	"github.com/flxtrace/flxtrace/pkg/breakpoint"
	"github.com/flxtrace/flxtrace/pkg/event"
	"github.com/flxtrace/flxtrace/pkg/logflags"
)

// Names of the syscalls the router reacts to.
const (
	sysCreateProcess   = "NtCreateProcess"
	sysCreateProcessEx = "NtCreateProcessEx"
	sysCreateThread    = "NtCreateThread"
	sysCreateThreadEx  = "NtCreateThreadEx"
	sysTerminateThread = "NtTerminateThread"
	sysTerminateProc   = "NtTerminateProcess"
	sysAllocateMemory  = "NtAllocateVirtualMemory"
	sysFreeMemory      = "NtFreeVirtualMemory"
)

type handlerFunc func(t *Target, th *Thread, ev event.Event) error

type dispatchTable [event.NumKinds]handlerFunc

func newDispatchTable() dispatchTable {
	return dispatchTable{
		event.KindCall:            (*Target).onCall,
		event.KindJmp:             (*Target).onJmp,
		event.KindRet:             (*Target).onRet,
		event.KindSyscall:         (*Target).onSyscall,
		event.KindBreakpoint:      (*Target).onBreakpoint,
		event.KindMemtrace:        (*Target).onMemtrace,
		event.KindSchedule:        (*Target).onSchedule,
		event.KindBBL:             (*Target).onBlock,
		event.KindCaballero:       (*Target).onBlock,
		event.KindCaballeroBlock:  (*Target).onCaballeroBlock,
		event.KindArithWindow:     (*Target).onBlock,
		event.KindFunctionTrace:   (*Target).onFunctionTrace,
		event.KindFunctionEntropy: (*Target).onMetric,
		event.KindFunctionTaint:   (*Target).onMetric,
		event.KindConstSearch:     (*Target).onSearch,
		event.KindCodeSearch:      (*Target).onSearch,
	}
}

// check returns an error for the first event kind without a handler.
func (table *dispatchTable) check() error {
	for k := range table {
		if table[k] == nil {
			return &DispatchTableGapError{Kind: event.Kind(k)}
		}
	}
	return nil
}

// CheckDispatchTable verifies that every event kind can be routed.
func CheckDispatchTable() error {
	table := newDispatchTable()
	return table.check()
}

// route decodes raw and dispatches it to the handler for its kind, on
// behalf of thread tid.
func (t *Target) route(tid int, raw event.Raw) error {
	ev, err := raw.Decode()
	if err != nil {
		t.logFatal(raw.Kind, 0, tid, err)
		return err
	}
	h := t.dispatch[raw.Kind]
	if h == nil {
		err := &DispatchTableGapError{Kind: raw.Kind}
		t.logFatal(raw.Kind, event.Addr(ev), tid, err)
		return err
	}
	th := t.threadFor(tid)
	err = h(t, th, ev)
	if err == nil {
		return nil
	}
	if !IsFatal(err) {
		t.log(tid, &AnomalyRecord{Err: err})
		if logflags.Router() {
			logflags.RouterLogger().Debugf("%s event at %#x: %v", raw.Kind, event.Addr(ev), err)
		}
		return nil
	}
	t.logFatal(raw.Kind, event.Addr(ev), tid, err)
	return err
}

func (t *Target) logFatal(kind event.Kind, addr uint64, tid int, err error) {
	logflags.TargetLogger().WithEvent(t.Name, kind.String(), addr, tid).Errorf("%v", err)
}

func (t *Target) onCall(th *Thread, ev event.Event) error {
	call := ev.(*event.Call)
	if !t.engine.FilterContains(call.To) {
		if logflags.Router() {
			logflags.RouterLogger().Debugf("call %#x -> %#x outside filter", call.From, call.To)
		}
		return nil
	}
	th.pushCall(call.To, call.Next, call.ESP)
	return nil
}

func (t *Target) onJmp(th *Thread, ev event.Event) error {
	jmp := ev.(*event.Jmp)
	if !t.engine.FilterContains(jmp.To) {
		if logflags.Router() {
			logflags.RouterLogger().Debugf("jmp %#x -> %#x outside filter", jmp.From, jmp.To)
		}
		return nil
	}
	t.log(th.ID, &JmpRecord{From: jmp.From, To: jmp.To})
	return nil
}

func (t *Target) onRet(th *Thread, ev event.Event) error {
	ret := ev.(*event.Ret)
	if !t.engine.FilterContains(ret.From) {
		return nil
	}
	regs, err := t.engine.Registers()
	if err != nil {
		return err
	}
	return th.handleReturn(ret.To, regs.SP())
}

func (t *Target) onBreakpoint(th *Thread, ev event.Event) error {
	bp := ev.(*event.Breakpoint)
	return t.breakpoints.Trigger(breakpoint.Context{Addr: bp.Addr, ThreadID: th.ID})
}

func (t *Target) onSyscall(th *Thread, ev event.Event) error {
	sc := ev.(*event.Syscall)
	name, ok := t.syscalls.SyscallName(sc.Number)
	if !ok {
		if logflags.Router() {
			logflags.RouterLogger().Debugf("unknown syscall %#x", sc.Number)
		}
		return nil
	}
	switch name {
	case sysTerminateProc:
		t.log(th.ID, &SyscallRecord{Number: sc.Number, Name: name})
		return t.Terminate()
	case sysCreateThread, sysCreateThreadEx:
		t.log(th.ID, &SyscallRecord{Number: sc.Number, Name: name})
		t.pendingParent = th
	case sysTerminateThread:
		t.log(th.ID, &SyscallRecord{Number: sc.Number, Name: name})
		t.releaseThread(th)
	case sysCreateProcess, sysCreateProcessEx:
		t.log(th.ID, &SyscallRecord{Number: sc.Number, Name: name})
	case sysAllocateMemory, sysFreeMemory:
		t.regionsStale = true
		if logflags.Router() {
			logflags.RouterLogger().Debugf("syscall %s", name)
		}
	default:
		if logflags.Router() {
			logflags.RouterLogger().Debugf("syscall %s", name)
		}
	}
	return nil
}

func (t *Target) onMemtrace(th *Thread, ev event.Event) error {
	mem := ev.(*event.Memtrace)
	regs, err := t.engine.Registers()
	if err != nil {
		return err
	}
	t.log(th.ID, &MemRecord{
		Write:  mem.Write,
		Addr:   mem.Addr,
		Value:  mem.Value,
		Size:   mem.Size,
		EIP:    regs.PC(),
		Region: t.classify(th, mem.Addr),
	})
	return nil
}

func (t *Target) onSchedule(th *Thread, ev event.Event) error {
	sched := ev.(*event.Schedule)
	if logflags.Router() {
		logflags.RouterLogger().Debugf("schedule %#x -> %#x on thread %d", sched.Prev, sched.Cur, th.ID)
	}
	return nil
}

func (t *Target) onBlock(th *Thread, ev event.Event) error {
	rec := &BlockRecord{Kind: ev.Kind()}
	switch ev := ev.(type) {
	case *event.BBL:
		rec.EIP, rec.ESP = ev.EIP, ev.ESP
	case *event.Caballero:
		rec.EIP, rec.ICount, rec.Arith = ev.EIP, ev.ICount, ev.Arith
	case *event.ArithWindow:
		rec.EIP = ev.EIP
	}
	t.log(th.ID, rec)
	return nil
}

// onCaballeroBlock treats the block boundary as a return check: frames the
// stack pointer has moved past are popped before the block is logged.
func (t *Target) onCaballeroBlock(th *Thread, ev event.Event) error {
	blk := ev.(*event.CaballeroBlock)
	err := th.unwindTo(blk.ESP)
	t.log(th.ID, &BlockRecord{Kind: event.KindCaballeroBlock, EIP: blk.EIP, ESP: blk.ESP})
	return err
}

func (t *Target) onFunctionTrace(th *Thread, ev event.Event) error {
	ft := ev.(*event.FunctionTrace)
	t.log(th.ID, &FunctionTraceRecord{EIP: ft.EIP, Kind: ft.Type})
	return nil
}

func (t *Target) onMetric(th *Thread, ev event.Event) error {
	rec := &MetricRecord{Kind: ev.Kind()}
	switch ev := ev.(type) {
	case *event.FunctionEntropy:
		rec.Start, rec.Value = ev.Start, ev.EntropyChange
	case *event.FunctionTaint:
		rec.Start, rec.Value = ev.Start, ev.Quotient
	}
	t.log(th.ID, rec)
	return nil
}

func (t *Target) onSearch(th *Thread, ev event.Event) error {
	rec := &SearchRecord{Kind: ev.Kind()}
	switch ev := ev.(type) {
	case *event.ConstSearch:
		rec.Pattern, rec.EIP = ev.Pattern, ev.EIP
	case *event.CodeSearch:
		rec.Pattern, rec.EIP = ev.Pattern, ev.EIP
	}
	t.log(th.ID, rec)
	return nil
}
