// Package event decodes the raw hardware events delivered by the
// instrumentation engine into typed values.
//
// The engine reports every event as a tag name followed by a positional
// payload. New only checks the tag; the payload is checked when the event is
// decoded, which keeps construction cheap on the emulation hot path.
package event

import (
	"fmt"
)

// Kind identifies the type of an event.
type Kind uint8

const (
	KindCall Kind = iota
	KindJmp
	KindRet
	KindSyscall
	KindBreakpoint
	KindMemtrace
	KindSchedule
	KindBBL
	KindCaballero
	KindCaballeroBlock
	KindArithWindow
	KindFunctionTrace
	KindFunctionEntropy
	KindFunctionTaint
	KindConstSearch
	KindCodeSearch

	// NumKinds is the number of event kinds, every Kind is smaller than it.
	NumKinds = iota
)

var kindNames = [NumKinds]string{
	KindCall:            "call",
	KindJmp:             "jmp",
	KindRet:             "ret",
	KindSyscall:         "syscall",
	KindBreakpoint:      "breakpoint",
	KindMemtrace:        "memtrace",
	KindSchedule:        "schedule",
	KindBBL:             "bbl",
	KindCaballero:       "caballero",
	KindCaballeroBlock:  "bblcaballero",
	KindArithWindow:     "arithwindow",
	KindFunctionTrace:   "functiontrace",
	KindFunctionEntropy: "functionentropy",
	KindFunctionTaint:   "functiontaint",
	KindConstSearch:     "constsearch",
	KindCodeSearch:      "codesearch",
}

// kindArity is the number of payload fields each kind carries.
var kindArity = [NumKinds]int{
	KindCall:            4,
	KindJmp:             2,
	KindRet:             2,
	KindSyscall:         1,
	KindBreakpoint:      1,
	KindMemtrace:        4,
	KindSchedule:        2,
	KindBBL:             2,
	KindCaballero:       3,
	KindCaballeroBlock:  2,
	KindArithWindow:     1,
	KindFunctionTrace:   2,
	KindFunctionEntropy: 2,
	KindFunctionTaint:   2,
	KindConstSearch:     2,
	KindCodeSearch:      2,
}

func (k Kind) String() string {
	if int(k) < NumKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Arity returns the number of payload fields events of kind k carry.
func (k Kind) Arity() int {
	if int(k) < NumKinds {
		return kindArity[k]
	}
	return 0
}

// Kinds returns every event kind in enumeration order.
func Kinds() []Kind {
	r := make([]Kind, NumKinds)
	for i := range r {
		r[i] = Kind(i)
	}
	return r
}

// ParseKind returns the kind whose engine tag is name.
func ParseKind(name string) (Kind, error) {
	for i := range kindNames {
		if kindNames[i] == name {
			return Kind(i), nil
		}
	}
	return 0, &UnknownEventKindError{Name: name}
}

// UnknownEventKindError is returned when the engine reports an event tag
// that is not part of the enumeration. It means the engine and this
// package disagree on the event set.
type UnknownEventKindError struct {
	Name string
}

func (err *UnknownEventKindError) Error() string {
	return fmt.Sprintf("unknown event type: %q", err.Name)
}

// MalformedEventError is returned when a payload is too short for its kind
// or one of its fields has the wrong type.
type MalformedEventError struct {
	Kind   Kind
	Index  int // index of the offending field
	Len    int // number of fields in the payload
	Reason string
}

func (err *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event: field %d of %d: %s", err.Kind, err.Index, err.Len, err.Reason)
}

// Raw is an event as delivered by the engine: a kind and its positional
// payload.
type Raw struct {
	Kind   Kind
	Fields []interface{}
}

// New returns the raw event for the engine tag name. Only the tag is
// validated.
func New(name string, fields ...interface{}) (Raw, error) {
	kind, err := ParseKind(name)
	if err != nil {
		return Raw{}, err
	}
	return Raw{Kind: kind, Fields: fields}, nil
}

// Event is a decoded event. The concrete type is determined by Kind.
type Event interface {
	Kind() Kind
}

// Decode converts r into its typed variant.
func (r Raw) Decode() (Event, error) {
	if int(r.Kind) >= NumKinds {
		return nil, &UnknownEventKindError{Name: r.Kind.String()}
	}
	d := decoder{raw: r}
	if len(r.Fields) < kindArity[r.Kind] {
		return nil, &MalformedEventError{Kind: r.Kind, Index: len(r.Fields), Len: len(r.Fields), Reason: fmt.Sprintf("want %d fields", kindArity[r.Kind])}
	}

	var ev Event
	switch r.Kind {
	case KindCall:
		ev = &Call{From: d.u64(0), To: d.u64(1), Next: d.u64(2), ESP: d.u64(3)}
	case KindJmp:
		ev = &Jmp{From: d.u64(0), To: d.u64(1)}
	case KindRet:
		ev = &Ret{From: d.u64(0), To: d.u64(1)}
	case KindSyscall:
		ev = &Syscall{Number: d.u64(0)}
	case KindBreakpoint:
		ev = &Breakpoint{Addr: d.u64(0)}
	case KindMemtrace:
		ev = &Memtrace{Addr: d.u64(0), Value: d.u64(1), Size: d.u64(2), Write: d.flag(3)}
	case KindSchedule:
		ev = &Schedule{Prev: d.u64(0), Cur: d.u64(1)}
	case KindBBL:
		ev = &BBL{EIP: d.u64(0), ESP: d.u64(1)}
	case KindCaballero:
		ev = &Caballero{EIP: d.u64(0), ICount: d.u64(1), Arith: d.u64(2)}
	case KindCaballeroBlock:
		ev = &CaballeroBlock{EIP: d.u64(0), ESP: d.u64(1)}
	case KindArithWindow:
		ev = &ArithWindow{EIP: d.u64(0)}
	case KindFunctionTrace:
		ev = &FunctionTrace{EIP: d.u64(0), Type: FunctionTraceType(d.u64(1))}
	case KindFunctionEntropy:
		ev = &FunctionEntropy{Start: d.u64(0), EntropyChange: d.f64(1)}
	case KindFunctionTaint:
		ev = &FunctionTaint{Start: d.u64(0), Quotient: d.f64(1)}
	case KindConstSearch:
		ev = &ConstSearch{Pattern: d.bytes(0), EIP: d.u64(1)}
	case KindCodeSearch:
		ev = &CodeSearch{Pattern: d.bytes(0), EIP: d.u64(1)}
	}
	if d.err != nil {
		return nil, d.err
	}
	return ev, nil
}

// Addr returns the address an event is primarily about, used to give
// context to diagnostics. It returns 0 for events without one.
func Addr(ev Event) uint64 {
	switch ev := ev.(type) {
	case *Call:
		return ev.To
	case *Jmp:
		return ev.To
	case *Ret:
		return ev.From
	case *Breakpoint:
		return ev.Addr
	case *Memtrace:
		return ev.Addr
	case *BBL:
		return ev.EIP
	case *Caballero:
		return ev.EIP
	case *CaballeroBlock:
		return ev.EIP
	case *ArithWindow:
		return ev.EIP
	case *FunctionTrace:
		return ev.EIP
	case *FunctionEntropy:
		return ev.Start
	case *FunctionTaint:
		return ev.Start
	case *ConstSearch:
		return ev.EIP
	case *CodeSearch:
		return ev.EIP
	}
	return 0
}

// decoder reads typed fields out of a raw payload, remembering the first
// error.
type decoder struct {
	raw Raw
	err error
}

func (d *decoder) fail(i int, reason string) {
	if d.err == nil {
		d.err = &MalformedEventError{Kind: d.raw.Kind, Index: i, Len: len(d.raw.Fields), Reason: reason}
	}
}

func (d *decoder) u64(i int) uint64 {
	switch v := d.raw.Fields[i].(type) {
	case uint64:
		return v
	case uint32:
		return uint64(v)
	case uint16:
		return uint64(v)
	case uint8:
		return uint64(v)
	case uint:
		return uint64(v)
	case uintptr:
		return uint64(v)
	case int:
		return uint64(v)
	case int64:
		return uint64(v)
	case int32:
		// engines report 32bit addresses as signed values
		return uint64(uint32(v))
	case int16:
		return uint64(v)
	case int8:
		return uint64(v)
	}
	d.fail(i, fmt.Sprintf("%T is not an integer", d.raw.Fields[i]))
	return 0
}

func (d *decoder) f64(i int) float64 {
	switch v := d.raw.Fields[i].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	}
	return float64(d.u64(i))
}

func (d *decoder) flag(i int) bool {
	if v, ok := d.raw.Fields[i].(bool); ok {
		return v
	}
	return d.u64(i) == 1
}

func (d *decoder) bytes(i int) []byte {
	switch v := d.raw.Fields[i].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	d.fail(i, fmt.Sprintf("%T is not a byte pattern", d.raw.Fields[i]))
	return nil
}
