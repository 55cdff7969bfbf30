package pmm

import (
	"kernos/kernel"
	"kernos/kernel/kfmt"
	"math/bits"
)

// rangeSetCapacity is the maximum number of disjoint ranges a RangeSet can
// track.
const rangeSetCapacity = 32

var (
	// ErrInvalidRange is returned for ranges whose start lies after their end.
	ErrInvalidRange = &kernel.Error{Module: "pmm", Message: "invalid range shape", Kind: kernel.KindInvalid}

	// ErrInvalidAlignment is returned for allocations with a zero size or an
	// alignment that is not a power of two.
	ErrInvalidAlignment = &kernel.Error{Module: "pmm", Message: "invalid size or alignment", Kind: kernel.KindInvalid}

	// ErrNoFit is returned when no free range can satisfy an allocation.
	ErrNoFit = &kernel.Error{Module: "pmm", Message: "no free range fits the requested allocation", Kind: kernel.KindExhausted}

	// ErrAddressOverflow is returned when range arithmetic exceeds the
	// address width.
	ErrAddressOverflow = &kernel.Error{Module: "pmm", Message: "address arithmetic overflow", Kind: kernel.KindInvalid}

	// ErrRangeSetFull is reported when an insert or a split needs more than
	// rangeSetCapacity entries.
	ErrRangeSetFull = &kernel.Error{Module: "pmm", Message: "too many entries in range set", Kind: kernel.KindExhausted}

	// overflowFn is invoked when the range set runs out of entries.
	overflowFn = func(err *kernel.Error) { kfmt.Panic(err) }
)

// Range describes the inclusive byte range [Start, End].
type Range struct {
	Start uint64
	End   uint64
}

// Size returns the number of bytes in the range. It returns 0 for the range
// covering the entire 64-bit address space as its size cannot be represented.
func (r Range) Size() uint64 {
	return r.End - r.Start + 1
}

// overlaps returns true if the two inclusive ranges share at least one byte.
func overlaps(aStart, aEnd, bStart, bEnd uint64) bool {
	return aStart <= bEnd && bStart <= aEnd
}

// contains returns true if [outerStart, outerEnd] fully covers
// [innerStart, innerEnd].
func contains(innerStart, innerEnd, outerStart, outerEnd uint64) bool {
	return innerStart >= outerStart && innerEnd <= outerEnd
}

// satAdd1 returns v+1, saturating at the maximum uint64 value.
func satAdd1(v uint64) uint64 {
	if v == ^uint64(0) {
		return v
	}
	return v + 1
}

// satSub1 returns v-1, saturating at zero.
func satSub1(v uint64) uint64 {
	if v == 0 {
		return 0
	}
	return v - 1
}

// RangeSet tracks up to rangeSetCapacity disjoint, non-adjacent inclusive
// ranges. Entries are kept in no particular order. The zero value is an empty
// set.
type RangeSet struct {
	ranges [rangeSetCapacity]Range
	inUse  int
}

// Entries returns the ranges currently in the set. The returned slice aliases
// the set's storage and is invalidated by the next mutation.
func (rs *RangeSet) Entries() []Range {
	return rs.ranges[:rs.inUse]
}

// delete removes the entry at idx preserving the order of the remaining
// entries.
func (rs *RangeSet) delete(idx int) {
	copy(rs.ranges[idx:rs.inUse], rs.ranges[idx+1:rs.inUse])
	rs.inUse--
}

// full reports whether every entry is in use. Running out of entries is
// fatal.
func (rs *RangeSet) full() bool {
	if rs.inUse == rangeSetCapacity {
		overflowFn(ErrRangeSetFull)
		return true
	}
	return false
}

// append adds r as a new entry.
func (rs *RangeSet) append(r Range) *kernel.Error {
	if rs.full() {
		return ErrRangeSetFull
	}

	rs.ranges[rs.inUse] = r
	rs.inUse++
	return nil
}

// Insert adds r to the set, merging it with every entry it overlaps or
// touches until no further merge is possible.
func (rs *RangeSet) Insert(r Range) *kernel.Error {
	if r.Start > r.End {
		return ErrInvalidRange
	}

tryMerges:
	for {
		for i := 0; i < rs.inUse; i++ {
			ent := rs.ranges[i]
			if !overlaps(r.Start, satAdd1(r.End), ent.Start, satAdd1(ent.End)) {
				continue
			}

			if ent.Start < r.Start {
				r.Start = ent.Start
			}
			if ent.End > r.End {
				r.End = ent.End
			}

			rs.delete(i)
			continue tryMerges
		}

		break
	}

	return rs.append(r)
}

// Remove marks r as used by removing its intersection with every entry.
// Entries fully covered by r are deleted, entries overlapping one edge of r
// are shrunk and entries strictly containing r are split in two. A split
// that does not fit leaves the set untouched.
func (rs *RangeSet) Remove(r Range) *kernel.Error {
	if r.Start > r.End {
		return ErrInvalidRange
	}

trySubtractions:
	for {
		for i := 0; i < rs.inUse; i++ {
			ent := rs.ranges[i]
			if !overlaps(r.Start, r.End, ent.Start, ent.End) {
				continue
			}

			switch {
			case contains(ent.Start, ent.End, r.Start, r.End):
				rs.delete(i)
				continue trySubtractions
			case r.Start <= ent.Start:
				rs.ranges[i].Start = satAdd1(r.End)
			case r.End >= ent.End:
				rs.ranges[i].End = satSub1(r.Start)
			default:
				if rs.full() {
					return ErrRangeSetFull
				}
				rs.ranges[i].Start = satAdd1(r.End)
				rs.append(Range{Start: ent.Start, End: satSub1(r.Start)})
				continue trySubtractions
			}
		}

		break
	}

	return nil
}

// Subtract removes every range in other from the set.
func (rs *RangeSet) Subtract(other *RangeSet) *kernel.Error {
	for _, ent := range other.Entries() {
		if err := rs.Remove(ent); err != nil {
			return err
		}
	}

	return nil
}

// Sum returns the total number of bytes covered by the set.
func (rs *RangeSet) Sum() (uint64, *kernel.Error) {
	var total uint64
	for _, ent := range rs.Entries() {
		size, carry := bits.Add64(ent.End-ent.Start, 1, 0)
		if carry != 0 {
			return 0, ErrAddressOverflow
		}

		if total, carry = bits.Add64(total, size, 0); carry != 0 {
			return 0, ErrAddressOverflow
		}
	}

	return total, nil
}

// Allocate reserves size bytes aligned to align and returns the start of the
// reservation. Among all entries that can hold the allocation, the one whose
// span (alignment padding plus size) is smallest wins; ties go to the lowest
// address. The whole span, padding included, is removed so the winning entry
// only ever shrinks and an allocation never needs a spare entry.
func (rs *RangeSet) Allocate(size, align uint64) (uint64, *kernel.Error) {
	if size == 0 || align == 0 || align&(align-1) != 0 {
		return 0, ErrInvalidAlignment
	}

	var (
		alignMask = align - 1
		best      Range
		bestSpan  uint64
		addr      uint64
		found     bool
	)

	for _, ent := range rs.Entries() {
		alignFix := (align - (ent.Start & alignMask)) & alignMask

		end, carry := bits.Add64(ent.Start, size-1, 0)
		if carry == 0 {
			end, carry = bits.Add64(end, alignFix, 0)
		}
		if carry != 0 {
			return 0, ErrAddressOverflow
		}

		if end > ent.End {
			continue
		}

		span := end - ent.Start
		if !found || span < bestSpan || (span == bestSpan && ent.Start < best.Start) {
			best = Range{Start: ent.Start, End: end}
			bestSpan, addr = span, ent.Start+alignFix
			found = true
		}
	}

	if !found {
		return 0, ErrNoFit
	}

	if err := rs.Remove(best); err != nil {
		return 0, err
	}

	return addr, nil
}
