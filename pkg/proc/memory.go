package proc

// RegionKind classifies guest memory.
type RegionKind uint8

const (
	RegionNone RegionKind = iota
	RegionHeap
	RegionStack
	RegionData
	RegionUnknown
)

func (k RegionKind) String() string {
	switch k {
	case RegionHeap:
		return "heap"
	case RegionStack:
		return "stack"
	case RegionData:
		return "data"
	case RegionUnknown:
		return "unknown"
	}
	return "none"
}

// Region is a set of guest addresses of one kind.
type Region struct {
	Kind RegionKind
	AddressRanges
}

func newRegion(kind RegionKind) *Region {
	return &Region{Kind: kind}
}

// Update extends the region so that it includes addr and everything
// between addr and the region's current bounds. Stack regions are updated
// with the observed stack pointer after every return.
func (r *Region) Update(addr uint64) {
	b, ok := r.Bounds()
	if !ok {
		r.Add(addr, addr+1)
		return
	}
	if addr < b.Lo {
		r.Add(addr, b.Lo)
	} else if addr >= b.Hi {
		r.Add(b.Hi, addr+1)
	}
}

// MemoryMap is a thread's view of the process memory. Threads of the same
// process share their heap, data and unknown regions but every thread has
// its own stack.
type MemoryMap struct {
	Heap    *Region
	Stack   *Region
	Data    *Region
	Unknown *Region
}

func newMemoryMap() *MemoryMap {
	return &MemoryMap{
		Heap:    newRegion(RegionHeap),
		Stack:   newRegion(RegionStack),
		Data:    newRegion(RegionData),
		Unknown: newRegion(RegionUnknown),
	}
}

// inherit returns a memory map sharing everything but the stack with m.
func (m *MemoryMap) inherit() *MemoryMap {
	return &MemoryMap{
		Heap:    m.Heap,
		Stack:   newRegion(RegionStack),
		Data:    m.Data,
		Unknown: m.Unknown,
	}
}

// Classify returns the kind of the region containing addr.
func (m *MemoryMap) Classify(addr uint64) RegionKind {
	for _, r := range []*Region{m.Stack, m.Heap, m.Data, m.Unknown} {
		if r.Contains(addr) {
			return r.Kind
		}
	}
	return RegionNone
}
