package proc

import (
	"fmt"
	"sort"
)

// AddressRange is the half open interval [Lo, Hi).
type AddressRange struct {
	Lo, Hi uint64
}

func (r AddressRange) String() string {
	return fmt.Sprintf("%#x-%#x", r.Lo, r.Hi)
}

// Contains returns true if addr is inside r.
func (r AddressRange) Contains(addr uint64) bool {
	return addr >= r.Lo && addr < r.Hi
}

// AddressRanges is a set of addresses stored as sorted, disjoint,
// non-adjacent ranges.
type AddressRanges struct {
	ranges []AddressRange
}

// Add adds [lo, hi) to the set and returns true if the set changed.
func (rs *AddressRanges) Add(lo, hi uint64) bool {
	if hi <= lo || rs.Covers(lo, hi) {
		return false
	}
	// first range that ends at or after lo
	i := sort.Search(len(rs.ranges), func(i int) bool { return rs.ranges[i].Hi >= lo })
	j := i
	for j < len(rs.ranges) && rs.ranges[j].Lo <= hi {
		if rs.ranges[j].Lo < lo {
			lo = rs.ranges[j].Lo
		}
		if rs.ranges[j].Hi > hi {
			hi = rs.ranges[j].Hi
		}
		j++
	}
	merged := make([]AddressRange, 0, len(rs.ranges)-(j-i)+1)
	merged = append(merged, rs.ranges[:i]...)
	merged = append(merged, AddressRange{lo, hi})
	merged = append(merged, rs.ranges[j:]...)
	rs.ranges = merged
	return true
}

// Covers returns true if every address of [lo, hi) is in the set.
func (rs *AddressRanges) Covers(lo, hi uint64) bool {
	if hi <= lo {
		return true
	}
	i := sort.Search(len(rs.ranges), func(i int) bool { return rs.ranges[i].Hi > lo })
	return i < len(rs.ranges) && rs.ranges[i].Lo <= lo && rs.ranges[i].Hi >= hi
}

// Contains returns true if addr is in the set.
func (rs *AddressRanges) Contains(addr uint64) bool {
	return rs.Covers(addr, addr+1)
}

// Bounds returns the smallest range containing the whole set.
func (rs *AddressRanges) Bounds() (AddressRange, bool) {
	if len(rs.ranges) == 0 {
		return AddressRange{}, false
	}
	return AddressRange{rs.ranges[0].Lo, rs.ranges[len(rs.ranges)-1].Hi}, true
}

// Ranges returns a copy of the ranges in ascending order.
func (rs *AddressRanges) Ranges() []AddressRange {
	r := make([]AddressRange, len(rs.ranges))
	copy(r, rs.ranges)
	return r
}
