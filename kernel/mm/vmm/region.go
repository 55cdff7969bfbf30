package vmm

import (
	"kernos/kernel"
	"kernos/kernel/mm"
	"kernos/kernel/mm/pmm"
	"kernos/kernel/sync"
)

const (
	// HeapWindowBase is the start of the kernel virtual range handed out by
	// ReserveRegion.
	HeapWindowBase = uintptr(0xffffc00000000000)

	// HeapWindowSize is the size of the kernel virtual range handed out by
	// ReserveRegion. It is covered by a single top-level entry.
	HeapWindowSize = uintptr(1 << 39)
)

var (
	// regions tracks the unreserved parts of the heap window.
	regions sync.Cell[regionState]

	// ErrRegionNotReserved is returned when releasing a range outside the
	// heap window.
	ErrRegionNotReserved = &kernel.Error{Module: "vmm", Message: "region outside the kernel heap window", Kind: kernel.KindInvalid}
)

type regionState struct {
	ready bool
	free  pmm.RangeSet
}

// ReserveRegion reserves a page-aligned range of kernel virtual addresses
// of at least size bytes. The range is not backed by any physical memory.
func ReserveRegion(size, align uintptr) (mm.VirtAddr, *kernel.Error) {
	if align < mm.PageSize {
		align = mm.PageSize
	}

	size, ok := mm.AlignUp(size, mm.PageSize)
	if !ok {
		return 0, pmm.ErrAddressOverflow
	}

	guard := regions.Lock()
	defer guard.Release()

	state := guard.Value()
	if !state.ready {
		state.ready = true
		state.free.Insert(pmm.Range{
			Start: uint64(HeapWindowBase),
			End:   uint64(HeapWindowBase + (HeapWindowSize - 1)),
		})
	}

	addr, err := state.free.Allocate(uint64(size), uint64(align))
	if err != nil {
		return 0, err
	}

	return mm.VirtAddr(addr), nil
}

// ReleaseRegion returns a range obtained by ReserveRegion to the heap window.
func ReleaseRegion(addr mm.VirtAddr, size uintptr) *kernel.Error {
	size, _ = mm.AlignUp(size, mm.PageSize)
	if size == 0 || uintptr(addr) < HeapWindowBase || uintptr(addr)-HeapWindowBase+size > HeapWindowSize {
		return ErrRegionNotReserved
	}

	guard := regions.Lock()
	defer guard.Release()

	return guard.Value().free.Insert(pmm.Range{
		Start: uint64(addr),
		End:   uint64(uintptr(addr) + size - 1),
	})
}
