package pmm

import (
	"kernos/kernel"
	"kernos/kernel/hal/multiboot"
	"kernos/kernel/mm"
	"unsafe"
)

var (
	// visitMemRegionsFn is used by tests and is automatically inlined by
	// the compiler.
	visitMemRegionsFn = multiboot.VisitMemRegions

	errBootMemOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory", Kind: kernel.KindExhausted}
	errBootMemNotMapped   = &kernel.Error{Module: "boot_mem_alloc", Message: "address outside the identity mapped window", Kind: kernel.KindInvalid}
)

// BootMem is a bump allocator used while the kernel builds its own address
// space. It carves memory out of the available regions reported by the boot
// loader, skipping any reserved ranges (kernel image, boot information,
// modules). Memory handed out by BootMem can never be freed; once the kernel
// page table is active the consumed range is excluded from the general
// purpose allocator.
//
// BootMem only hands out memory below the identity mapped window set up by
// the boot trampoline and translates addresses using that identity mapping.
type BootMem struct {
	reserved RangeSet
	window   uintptr

	first, next uint64
	allocCount  uint64
}

// Init resets the allocator so that it serves memory below window while
// avoiding the supplied reserved ranges. BootMem is initialized in place as
// it is used before the Go allocator is available.
func (b *BootMem) Init(window uintptr, reserved ...Range) *kernel.Error {
	*b = BootMem{window: window}
	for _, r := range reserved {
		if err := b.reserved.Insert(r); err != nil {
			return err
		}
	}

	return nil
}

// Translate implements mm.PhysMem using the boot identity mapping.
func (b *BootMem) Translate(addr mm.PhysAddr, size uintptr) (uintptr, *kernel.Error) {
	if size == 0 || uintptr(addr)+size < uintptr(addr) || uintptr(addr)+size > b.window {
		return 0, errBootMemNotMapped
	}

	return uintptr(addr), nil
}

// AllocPhys implements mm.PhysMem. Regions are visited in the order reported
// by the boot loader and memory is never handed out twice.
func (b *BootMem) AllocPhys(layout mm.Layout) (mm.PhysAddr, *kernel.Error) {
	if layout.Size == 0 || !mm.IsPowerOfTwo(layout.Align) {
		return 0, mm.ErrBadLayout
	}

	var (
		size  = uint64(layout.Size)
		align = uint64(layout.Align)
		addr  uint64
		err   = errBootMemOutOfMemory
	)

	visitor := func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable || region.Length == 0 {
			return true
		}

		start, end := region.PhysAddress, region.PhysAddress+region.Length
		if end > uint64(b.window) {
			end = uint64(b.window)
		}
		if start < b.next {
			start = b.next
		}

		for start < end {
			candidate := (start + align - 1) &^ (align - 1)
			if candidate < start || candidate+size > end || candidate+size < candidate {
				return true
			}

			if hit, ok := b.reserved.overlapping(Range{Start: candidate, End: candidate + size - 1}); ok {
				start = satAdd1(hit.End)
				continue
			}

			addr, err = candidate, nil
			return false
		}

		return true
	}

	// Use the noescape hack to prevent the compiler from leaking the visitor
	// function literal to the heap.
	visitMemRegionsFn(
		*(*multiboot.MemRegionVisitor)(noEscape(unsafe.Pointer(&visitor))),
	)

	if err != nil {
		return 0, err
	}

	if b.allocCount == 0 {
		b.first = addr
	}
	b.allocCount++
	b.next = addr + size
	return mm.PhysAddr(addr), nil
}

// Used returns the physical range spanning all allocations made so far. The
// second result is false if nothing has been allocated.
func (b *BootMem) Used() (Range, bool) {
	if b.allocCount == 0 {
		return Range{}, false
	}

	return Range{Start: b.first, End: b.next - 1}, true
}

// overlapping returns the first entry that overlaps r.
func (rs *RangeSet) overlapping(r Range) (Range, bool) {
	for _, ent := range rs.Entries() {
		if overlaps(r.Start, r.End, ent.Start, ent.End) {
			return ent, true
		}
	}

	return Range{}, false
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
