// Package breakpoint multiplexes engine breakpoints between independent
// handlers.
//
// A physical breakpoint is armed in the engine once, no matter how many
// breaklets are attached to its address, and disarmed when the last
// breaklet is removed.
package breakpoint

import (
	"fmt"
	"sort"

	"github.com/flxtrace/flxtrace/pkg/logflags"
)

// Engine arms and disarms breakpoints in the instrumentation engine.
type Engine interface {
	InsertBreakpoint(addr uint64) error
	RemoveBreakpoint(addr uint64) error
}

// Context describes the hit being dispatched to a breaklet.
type Context struct {
	Addr     uint64
	ThreadID int
}

// Callback is called when the breakpoint a breaklet belongs to is hit.
type Callback func(ctx Context) error

// BreakletID identifies one breaklet. Adding the same callback twice yields
// two different identities.
type BreakletID uint64

// Breaklet is one of the handlers sharing a physical breakpoint.
type Breaklet struct {
	ID       BreakletID
	Callback Callback
}

// Breakpoint represents a physical breakpoint and the breaklets attached
// to it, in insertion order.
type Breakpoint struct {
	Addr      uint64
	Breaklets []*Breaklet

	TotalHitCount uint64 // Number of times the breakpoint has been triggered
}

func (bp *Breakpoint) String() string {
	return fmt.Sprintf("Breakpoint at %#x (%d breaklets, %d hits)", bp.Addr, len(bp.Breaklets), bp.TotalHitCount)
}

// NoBreakpointError is returned when the engine reports a hit on an address
// nothing is registered at.
type NoBreakpointError struct {
	Addr uint64
}

func (nbp *NoBreakpointError) Error() string {
	return fmt.Sprintf("no breakpoint at %#x", nbp.Addr)
}

// Map represents an (address, breakpoint) map. Every address in M has at
// least one breaklet and is armed in the engine.
type Map struct {
	M map[uint64]*Breakpoint

	engine            Engine
	breakletIDCounter BreakletID
}

// NewMap creates an empty map arming breakpoints through engine.
func NewMap(engine Engine) *Map {
	return &Map{
		M:      make(map[uint64]*Breakpoint),
		engine: engine,
	}
}

// Add attaches cb to addr, arming the engine breakpoint if addr had no
// breaklets.
func (bpmap *Map) Add(addr uint64, cb Callback) (BreakletID, error) {
	bp, ok := bpmap.M[addr]
	if !ok {
		if err := bpmap.engine.InsertBreakpoint(addr); err != nil {
			return 0, fmt.Errorf("could not insert breakpoint at %#x: %w", addr, err)
		}
		bp = &Breakpoint{Addr: addr}
		bpmap.M[addr] = bp
		if logflags.Breakpoints() {
			logflags.BreakpointsLogger().Debugf("armed %#x", addr)
		}
	}
	bpmap.breakletIDCounter++
	id := bpmap.breakletIDCounter
	bp.Breaklets = append(bp.Breaklets, &Breaklet{ID: id, Callback: cb})
	return id, nil
}

// Remove detaches breaklet id from addr, disarming the engine breakpoint
// when it was the last one. Removing an unknown breaklet does nothing.
func (bpmap *Map) Remove(addr uint64, id BreakletID) error {
	bp, ok := bpmap.M[addr]
	if !ok {
		return nil
	}
	idx := -1
	for i, bl := range bp.Breaklets {
		if bl.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	if len(bp.Breaklets) == 1 {
		if err := bpmap.engine.RemoveBreakpoint(addr); err != nil {
			return fmt.Errorf("could not remove breakpoint at %#x: %w", addr, err)
		}
		delete(bpmap.M, addr)
		if logflags.Breakpoints() {
			logflags.BreakpointsLogger().Debugf("disarmed %#x", addr)
		}
		return nil
	}
	breaklets := make([]*Breaklet, 0, len(bp.Breaklets)-1)
	breaklets = append(breaklets, bp.Breaklets[:idx]...)
	bp.Breaklets = append(breaklets, bp.Breaklets[idx+1:]...)
	return nil
}

// Trigger calls every breaklet attached to ctx.Addr in insertion order.
// The set of breaklets is captured before the first callback runs:
// breaklets added or removed by a callback take effect on the next hit.
// Trigger stops at the first callback error.
func (bpmap *Map) Trigger(ctx Context) error {
	bp, ok := bpmap.M[ctx.Addr]
	if !ok {
		return &NoBreakpointError{Addr: ctx.Addr}
	}
	bp.TotalHitCount++
	breaklets := make([]*Breaklet, len(bp.Breaklets))
	copy(breaklets, bp.Breaklets)
	for _, bl := range breaklets {
		if err := bl.Callback(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Has returns true if at least one breaklet is attached to addr.
func (bpmap *Map) Has(addr uint64) bool {
	_, ok := bpmap.M[addr]
	return ok
}

// Len returns the number of armed addresses.
func (bpmap *Map) Len() int {
	return len(bpmap.M)
}

// Addrs returns the armed addresses in ascending order.
func (bpmap *Map) Addrs() []uint64 {
	r := make([]uint64, 0, len(bpmap.M))
	for addr := range bpmap.M {
		r = append(r, addr)
	}
	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })
	return r
}

// Clear disarms every breakpoint and empties the map.
func (bpmap *Map) Clear() error {
	var err0 error
	for _, addr := range bpmap.Addrs() {
		if err := bpmap.engine.RemoveBreakpoint(addr); err != nil && err0 == nil {
			err0 = fmt.Errorf("could not remove breakpoint at %#x: %w", addr, err)
		}
		delete(bpmap.M, addr)
	}
	return err0
}
