// Package pmm manages physical memory. Free memory is tracked as a set of
// coalesced byte ranges which backs both page-frame allocations and the Go
// runtime heap.
package pmm

import (
	"kernos/kernel"
	"kernos/kernel/hal/multiboot"
	"kernos/kernel/kfmt"
	"kernos/kernel/mm"
	"kernos/kernel/sync"
	"unsafe"
)

var (
	// ErrNotInitialized is returned by allocations made before Init.
	ErrNotInitialized = &kernel.Error{Module: "pmm", Message: "physical memory allocator not initialized", Kind: kernel.KindInvalid}

	// heap guards the process-wide free memory set. Every allocation and
	// release takes its lock.
	heap sync.Cell[heapState]
)

type heapState struct {
	ready bool
	free  RangeSet
}

// Init seeds the global allocator with the available regions of the boot
// loader's memory map minus the reserved ranges and the memory consumed by
// boot. The first physical page is never handed out so that a zero physical
// address can be used as a sentinel.
func Init(boot *BootMem, reserved *RangeSet) *kernel.Error {
	var (
		free RangeSet
		err  *kernel.Error
	)

	kfmt.Infof("pmm", "system memory map:")
	visitor := func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%16x - 0x%16x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type != multiboot.MemAvailable || region.Length == 0 {
			return true
		}

		err = free.Insert(Range{Start: region.PhysAddress, End: region.PhysAddress + region.Length - 1})
		return err == nil
	}

	// Use the noescape hack to prevent the compiler from leaking the visitor
	// function literal to the heap.
	visitMemRegionsFn(
		*(*multiboot.MemRegionVisitor)(noEscape(unsafe.Pointer(&visitor))),
	)
	if err != nil {
		return err
	}

	if err = free.Remove(Range{Start: 0, End: uint64(mm.PageSize - 1)}); err != nil {
		return err
	}

	if reserved != nil {
		if err = free.Subtract(reserved); err != nil {
			return err
		}
	}

	if boot != nil {
		if used, ok := boot.Used(); ok {
			if err = free.Remove(used); err != nil {
				return err
			}
		}
	}

	total, err := free.Sum()
	if err != nil {
		return err
	}

	guard := heap.Lock()
	defer guard.Release()
	*guard.Value() = heapState{ready: true, free: free}

	kfmt.Infof("pmm", "available memory: %dKb in %d ranges", total>>10, len(free.Entries()))
	return nil
}

// Alloc reserves size bytes of physical memory aligned to align.
func Alloc(size, align uintptr) (mm.PhysAddr, *kernel.Error) {
	guard := heap.Lock()
	defer guard.Release()

	state := guard.Value()
	if !state.ready {
		return 0, ErrNotInitialized
	}

	addr, err := state.free.Allocate(uint64(size), uint64(align))
	if err != nil {
		return 0, err
	}

	return mm.PhysAddr(addr), nil
}

// Free returns the block [addr, addr+size) to the allocator.
func Free(addr mm.PhysAddr, size uintptr) *kernel.Error {
	if size == 0 {
		return ErrInvalidRange
	}

	end := uint64(addr) + uint64(size) - 1
	if end < uint64(addr) {
		return ErrAddressOverflow
	}

	guard := heap.Lock()
	defer guard.Release()

	state := guard.Value()
	if !state.ready {
		return ErrNotInitialized
	}

	return state.free.Insert(Range{Start: uint64(addr), End: end})
}

// FreeBytes returns the amount of free physical memory.
func FreeBytes() (uint64, *kernel.Error) {
	guard := heap.Lock()
	defer guard.Release()

	state := guard.Value()
	if !state.ready {
		return 0, ErrNotInitialized
	}

	return state.free.Sum()
}

// Allocator is a mm.PhysMem backed by the global allocator. Physical memory
// is accessed through the kernel's direct map at mm.PhysMapBase.
type Allocator struct{}

// Translate implements mm.PhysMem.
func (Allocator) Translate(addr mm.PhysAddr, size uintptr) (uintptr, *kernel.Error) {
	if size == 0 || uintptr(addr)+size < uintptr(addr) || uintptr(addr)+size > mm.PhysMapSize {
		return 0, mm.ErrInvalidTranslation
	}

	return mm.PhysMapBase + uintptr(addr), nil
}

// AllocPhys implements mm.PhysMem.
func (Allocator) AllocPhys(layout mm.Layout) (mm.PhysAddr, *kernel.Error) {
	return Alloc(layout.Size, layout.Align)
}
