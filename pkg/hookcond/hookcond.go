// Package hookcond implements hook conditions: boolean expressions over
// the register file of the CPU that hit a hooked function.
//
// Registers are available by name (eax, ebx, ecx, edx, esi, edi, ebp,
// esp, eip, eflags) together with lib, name, addr and tid. Two functions
// read guest memory: u32(addr) reads a little endian 32 bit word and
// arg(n) reads the n-th stack argument of the hooked call.
package hookcond

import (
	"encoding/binary"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flxtrace/flxtrace/pkg/logflags"
	"github.com/flxtrace/flxtrace/pkg/proc"
)

var registerNames = []string{"eax", "ebx", "ecx", "edx", "esi", "edi", "ebp", "esp", "eip", "eflags"}

// Cond is a compiled condition.
type Cond struct {
	src     string
	program *vm.Program
}

// Compile compiles src, which must evaluate to a boolean.
func Compile(src string) (*Cond, error) {
	program, err := expr.Compile(src, expr.Env(newEnv(nil, nil, nil, new(error))), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile condition %q: %w", src, err)
	}
	return &Cond{src: src, program: program}, nil
}

func (c *Cond) String() string { return c.src }

// Eval evaluates the condition for a call to fn.
func (c *Cond) Eval(fn *proc.Function) (bool, error) {
	regs, err := fn.Target.Registers()
	if err != nil {
		return false, err
	}
	var memErr error
	out, err := expr.Run(c.program, newEnv(fn, regs, fn.Target, &memErr))
	if err != nil {
		return false, err
	}
	if memErr != nil {
		return false, memErr
	}
	return out.(bool), nil
}

func newEnv(fn *proc.Function, regs proc.Registers, t *proc.Target, memErr *error) map[string]interface{} {
	env := make(map[string]interface{}, len(registerNames)+6)
	for _, name := range registerNames {
		env[name] = int(regs[name])
	}
	env["lib"], env["name"], env["addr"], env["tid"] = "", "", 0, 0
	if fn != nil {
		env["lib"], env["name"], env["addr"], env["tid"] = fn.Lib, fn.Name, int(fn.Addr), fn.ThreadID
	}

	u32 := func(addr int) int {
		if t == nil || *memErr != nil {
			return 0
		}
		buf, err := t.ReadMemory(uint64(addr), 4)
		if err != nil {
			*memErr = err
			return 0
		}
		return int(binary.LittleEndian.Uint32(buf))
	}
	env["u32"] = u32
	// the return address is at esp on entry
	env["arg"] = func(n int) int {
		return u32(int(regs.SP()) + 4 + 4*n)
	}
	return env
}

// Wrap returns a factory for handlers that forward to the handlers created
// by factory only the calls for which cond holds. OnLeave is forwarded
// only for the calls whose OnEnter was.
func Wrap(cond *Cond, factory proc.HookFactory) proc.HookFactory {
	return func(t *proc.Target) proc.HookHandler {
		return &condHandler{
			cond:    cond,
			inner:   factory(t),
			entered: make(map[*proc.Function]bool),
		}
	}
}

type condHandler struct {
	cond    *Cond
	inner   proc.HookHandler
	entered map[*proc.Function]bool
}

func (h *condHandler) OnEnter(fn *proc.Function) {
	ok, err := h.cond.Eval(fn)
	if err != nil {
		logflags.HooksLogger().WithFields(logflags.Fields{
			"hook": fn.String(),
			"cond": h.cond.src,
			"tid":  fn.ThreadID,
		}).Warnf("condition failed: %v", err)
		return
	}
	if !ok {
		return
	}
	h.entered[fn] = true
	h.inner.OnEnter(fn)
}

func (h *condHandler) OnLeave(fn *proc.Function) {
	if !h.entered[fn] {
		return
	}
	delete(h.entered, fn)
	h.inner.OnLeave(fn)
}
