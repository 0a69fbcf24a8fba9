package proc

import (
	"fmt"

	"github.com/flxtrace/flxtrace/pkg/event"
)

// Record is one entry of the reconstructed trace.
type Record interface {
	// Type is a short, stable name for the record's type.
	Type() string
	String() string
}

// CallRecord is logged when a call into instrumented code is pushed.
type CallRecord struct {
	Target uint64
	Ret    uint64
	SP     uint64
	Depth  int // stack depth after the push
}

func (r *CallRecord) Type() string   { return "call" }
func (r *CallRecord) String() string { return fmt.Sprintf("Call(%#x)", r.Target) }

// RetKind describes how a frame left the call stack.
type RetKind uint8

const (
	// RetNormal is a return that matched the top frame.
	RetNormal RetKind = iota
	// RetLate is the first frame popped because the stack pointer moved
	// past it without an observed return.
	RetLate
	// RetCleanup is any further frame popped in the same burst as a
	// RetLate.
	RetCleanup
	// RetSynthetic is a frame popped because its thread terminated.
	RetSynthetic
)

func (k RetKind) String() string {
	switch k {
	case RetNormal:
		return "ret"
	case RetLate:
		return "lateret"
	case RetCleanup:
		return "cleanup"
	case RetSynthetic:
		return "synthetic"
	}
	return "unknown"
}

// RetRecord is logged for every frame popped from a call stack.
type RetRecord struct {
	Kind   RetKind
	Target uint64 // entry address of the returning function
	// Burst is the position of the frame in a late return burst, 0 for
	// the frame tagged RetLate. It is 0 for other kinds.
	Burst int
}

func (r *RetRecord) Type() string { return r.Kind.String() }

func (r *RetRecord) String() string {
	if r.Kind == RetLate {
		return fmt.Sprintf("LateRet(%#x)", r.Target)
	}
	return fmt.Sprintf("Ret(%#x)", r.Target)
}

// JmpRecord is logged for jumps inside instrumented code.
type JmpRecord struct {
	From, To uint64
}

func (r *JmpRecord) Type() string   { return "jmp" }
func (r *JmpRecord) String() string { return fmt.Sprintf("Jmp(%#x->%#x)", r.From, r.To) }

// SyscallRecord is logged for process and thread lifecycle syscalls.
type SyscallRecord struct {
	Number uint64
	Name   string
}

func (r *SyscallRecord) Type() string   { return "syscall" }
func (r *SyscallRecord) String() string { return r.Name }

// MemRecord is a memory access.
type MemRecord struct {
	Write  bool
	Addr   uint64
	Value  uint64
	Size   uint64
	EIP    uint64
	Region RegionKind
}

func (r *MemRecord) Type() string { return "memtrace" }

func (r *MemRecord) String() string {
	if r.Write {
		return fmt.Sprintf("Write: %#x , Addr: %#x, BBL: %#x", r.Value, r.Addr, r.EIP)
	}
	return fmt.Sprintf("Read:  %#x , Addr: %#x, BBL: %#x", r.Value, r.Addr, r.EIP)
}

// BlockRecord is logged for basic blocks and behavioural blocks.
type BlockRecord struct {
	Kind   event.Kind
	EIP    uint64
	ESP    uint64
	ICount uint64
	Arith  uint64
}

func (r *BlockRecord) Type() string { return r.Kind.String() }

func (r *BlockRecord) String() string {
	switch r.Kind {
	case event.KindCaballero:
		return fmt.Sprintf("CaballeroBlock(%#x,%d,%d)", r.EIP, r.ICount, r.Arith)
	case event.KindCaballeroBlock:
		return fmt.Sprintf("CaballeroCall(%#x)", r.EIP)
	case event.KindArithWindow:
		return fmt.Sprintf("ArithWindow(%#x)", r.EIP)
	}
	return fmt.Sprintf("BBL(%#x)", r.EIP)
}

// FunctionTraceRecord is a call or return reported by the engine's
// function tracer.
type FunctionTraceRecord struct {
	EIP  uint64
	Kind event.FunctionTraceType
}

func (r *FunctionTraceRecord) Type() string { return "functiontrace" }
func (r *FunctionTraceRecord) String() string {
	return fmt.Sprintf("FunctionTrace(%#x,%s)", r.EIP, r.Kind)
}

// MetricRecord carries the per-function entropy or taint measurements.
type MetricRecord struct {
	Kind  event.Kind
	Start uint64
	Value float64
}

func (r *MetricRecord) Type() string { return r.Kind.String() }

func (r *MetricRecord) String() string {
	if r.Kind == event.KindFunctionTaint {
		return fmt.Sprintf("FunctionTaint(%#x,%g)", r.Start, r.Value)
	}
	return fmt.Sprintf("FunctionEntropy(%#x,%g)", r.Start, r.Value)
}

// SearchRecord is logged when a searched pattern is found.
type SearchRecord struct {
	Kind    event.Kind
	Pattern []byte
	EIP     uint64
}

func (r *SearchRecord) Type() string { return r.Kind.String() }

func (r *SearchRecord) String() string {
	if r.Kind == event.KindCodeSearch {
		return fmt.Sprintf("CodeSearch(%x,%#x)", r.Pattern, r.EIP)
	}
	return fmt.Sprintf("ConstSearch(%x,%#x)", r.Pattern, r.EIP)
}

// MessageRecord is free text, used by function hooks.
type MessageRecord struct {
	Source string
	Text   string
}

func (r *MessageRecord) Type() string   { return "message" }
func (r *MessageRecord) String() string { return r.Text }

// AnomalyRecord is a recoverable inconsistency between the observed
// events and the reconstructed state.
type AnomalyRecord struct {
	Err error
}

func (r *AnomalyRecord) Type() string   { return "anomaly" }
func (r *AnomalyRecord) String() string { return fmt.Sprintf("Anomaly(%v)", r.Err) }
