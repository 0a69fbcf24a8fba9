package proc

import (
	"github.com/flxtrace/flxtrace/pkg/breakpoint"
)

// Engine is the instrumentation engine running the guest.
type Engine interface {
	breakpoint.Engine

	// Registers returns the general purpose registers of the current CPU.
	Registers() (Registers, error)
	// ControlRegister returns the value of a control register (e.g. "cr3").
	ControlRegister(name string) (uint64, error)

	// FilterAdd marks [lo, hi) as eligible for fine-grained event delivery.
	FilterAdd(lo, hi uint64) error
	// FilterEnable turns filtering on.
	FilterEnable() error
	// FilterContains returns true if addr is inside a filtered range.
	FilterContains(addr uint64) bool
	// Retranslate flushes the translated code cache so that filter changes
	// take effect.
	Retranslate() error

	ReadMemory(addr uint64, n int) ([]byte, error)
}

// Registers maps register names to values.
type Registers map[string]uint64

// SP returns the stack pointer.
func (regs Registers) SP() uint64 { return regs["esp"] }

// PC returns the instruction pointer.
func (regs Registers) PC() uint64 { return regs["eip"] }

// SymbolResolver resolves addresses inside loaded libraries.
type SymbolResolver interface {
	// LoadLibraryImage parses the library called name mapped at base.
	LoadLibraryImage(name string, base uint64) error
	// ResolveAddress returns the library and exported symbol at addr.
	ResolveAddress(addr uint64) (lib, name string, ok bool)
	// ProcAddress returns the address of the function exported by lib.
	ProcAddress(lib, name string) (uint64, bool)
}

// ImageLoader parses executables on the host file system.
type ImageLoader interface {
	// EntryPoint returns the virtual address of the image's entry point.
	EntryPoint(path string) (uint64, error)
}

// ProcessInfo describes a guest process.
type ProcessInfo struct {
	ASID uint64 // address space identifier (CR3)
	PID  int
	Name string // image file name
}

// Image is a module mapped in a guest process.
type Image struct {
	BaseName string
	FullName string
	Base     uint64
	Size     uint64
}

// End returns the first address past the image.
func (img Image) End() uint64 { return img.Base + img.Size }

// OS is the guest operating system model.
type OS interface {
	Processes() ([]ProcessInfo, error)
	// Images returns the modules mapped in the address space asid.
	Images(asid uint64) ([]Image, error)
	// CurrentThreadID returns the id of the scheduled guest thread.
	CurrentThreadID() int
}

// MemoryRegion is a range of guest memory classified by the OS model.
type MemoryRegion struct {
	Kind RegionKind
	Base uint64
	Size uint64
}

// End returns the first address past the region.
func (r MemoryRegion) End() uint64 { return r.Base + r.Size }

// RegionLister is implemented by OS models able to enumerate the memory
// regions of an address space (heap segments, private allocations).
// Without it only the mapped images are classified, as data.
type RegionLister interface {
	MemoryRegions(asid uint64) ([]MemoryRegion, error)
}

// SyscallTable maps syscall numbers to names.
type SyscallTable interface {
	SyscallName(number uint64) (string, bool)
}

// Logger receives the reconstructed trace.
type Logger interface {
	LogEvent(t *Target, tid int, rec Record)
	// Shutdown is called exactly once per process, when it terminates.
	Shutdown(t *Target)
}

// Backend groups the collaborators a Target needs.
type Backend struct {
	Engine   Engine
	Symbols  SymbolResolver
	Loader   ImageLoader
	OS       OS
	Syscalls SyscallTable
	Logger   Logger
}
