package event

// Call is a call instruction executed by the guest.
type Call struct {
	From uint64 // address of the call instruction
	To   uint64 // call target
	Next uint64 // return address
	ESP  uint64 // stack pointer when the call executed
}

// Jmp is a jump instruction executed by the guest.
type Jmp struct {
	From uint64
	To   uint64
}

// Ret is a return instruction executed by the guest.
type Ret struct {
	From uint64 // address of the ret instruction
	To   uint64 // address returned to
}

// Syscall is a system call entry.
type Syscall struct {
	Number uint64
}

// Breakpoint is reported when the guest executes an armed breakpoint.
type Breakpoint struct {
	Addr uint64
}

// Memtrace is a memory access.
type Memtrace struct {
	Addr  uint64
	Value uint64
	Size  uint64
	Write bool
}

// Schedule is reported when the guest switches threads.
type Schedule struct {
	Prev uint64
	Cur  uint64
}

// BBL is the start of a basic block.
type BBL struct {
	EIP uint64
	ESP uint64
}

// Caballero is a behavioural block: instruction and arithmetic instruction
// counts aggregated over one basic block.
type Caballero struct {
	EIP    uint64
	ICount uint64
	Arith  uint64
}

// CaballeroBlock is a behavioural block boundary. Unlike every other
// analysis event it carries the stack pointer, which the tracker uses to
// detect frames that were left without an observed return.
type CaballeroBlock struct {
	EIP uint64
	ESP uint64
}

// ArithWindow is reported when a sliding window of arithmetic instructions
// exceeds the engine's threshold.
type ArithWindow struct {
	EIP uint64
}

// FunctionTraceType is the discriminant of a FunctionTrace event.
type FunctionTraceType uint64

const (
	FunctionTraceCall FunctionTraceType = iota
	FunctionTraceRet
	FunctionTraceLateRet
)

func (t FunctionTraceType) String() string {
	switch t {
	case FunctionTraceCall:
		return "call"
	case FunctionTraceRet:
		return "ret"
	case FunctionTraceLateRet:
		return "lateret"
	}
	return "unknown"
}

// FunctionTrace is a call or return observed by the engine's own function
// tracer.
type FunctionTrace struct {
	EIP  uint64
	Type FunctionTraceType
}

// IsCall reports whether ev is a traced call.
func (ev *FunctionTrace) IsCall() bool { return ev.Type == FunctionTraceCall }

// IsRet reports whether ev is a traced return.
func (ev *FunctionTrace) IsRet() bool { return ev.Type == FunctionTraceRet }

// IsLateRet reports whether ev is a traced late return.
func (ev *FunctionTrace) IsLateRet() bool { return ev.Type == FunctionTraceLateRet }

// FunctionEntropy reports the change of entropy of the memory written by
// the function starting at Start.
type FunctionEntropy struct {
	Start         uint64
	EntropyChange float64
}

// FunctionTaint reports the ratio of tainted to untainted bytes produced by
// the function starting at Start.
type FunctionTaint struct {
	Start    uint64
	Quotient float64
}

// ConstSearch is reported when a searched constant is found in data.
type ConstSearch struct {
	Pattern []byte
	EIP     uint64
}

// CodeSearch is reported when a searched byte pattern is found in code.
type CodeSearch struct {
	Pattern []byte
	EIP     uint64
}

func (*Call) Kind() Kind            { return KindCall }
func (*Jmp) Kind() Kind             { return KindJmp }
func (*Ret) Kind() Kind             { return KindRet }
func (*Syscall) Kind() Kind         { return KindSyscall }
func (*Breakpoint) Kind() Kind      { return KindBreakpoint }
func (*Memtrace) Kind() Kind        { return KindMemtrace }
func (*Schedule) Kind() Kind        { return KindSchedule }
func (*BBL) Kind() Kind             { return KindBBL }
func (*Caballero) Kind() Kind       { return KindCaballero }
func (*CaballeroBlock) Kind() Kind  { return KindCaballeroBlock }
func (*ArithWindow) Kind() Kind     { return KindArithWindow }
func (*FunctionTrace) Kind() Kind   { return KindFunctionTrace }
func (*FunctionEntropy) Kind() Kind { return KindFunctionEntropy }
func (*FunctionTaint) Kind() Kind   { return KindFunctionTaint }
func (*ConstSearch) Kind() Kind     { return KindConstSearch }
func (*CodeSearch) Kind() Kind      { return KindCodeSearch }
