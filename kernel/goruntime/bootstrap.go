// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
package goruntime

import (
	"kernos/kernel"
	"kernos/kernel/kfmt"
	"kernos/kernel/mm"
	"kernos/kernel/mm/pmm"
	"kernos/kernel/mm/vmm"
	"runtime/debug"
	"unsafe"
)

var (
	reserveRegionFn = vmm.ReserveRegion
	allocFrameFn    = allocZeroedFrame
	mapFn           = mapHeapPage
	mallocInitFn    = mallocInit
	algInitFn       = algInit
	modulesInitFn   = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn     = itabsInit
	setGCPercentFn  = debug.SetGCPercent

	// kernelTable receives the mappings that back the Go heap. Frames and
	// intermediate tables come from heapMem.
	kernelTable vmm.PageTable
	heapMem     mm.PhysMem = pmm.Allocator{}

	// A seed for the pseudo-random number generator used by getRandomData
	prngSeed = 0xdeadc0de
)

// allocZeroedFrame returns a cleared page from the global allocator.
func allocZeroedFrame() (mm.PhysAddr, *kernel.Error) {
	return mm.AllocPhysZeroed(heapMem, mm.PageLayout)
}

// mapHeapPage maps frame at page in the kernel table. The heap window lives
// in the kernel half so the mapping is visible from every task table.
func mapHeapPage(page mm.VirtAddr, frame mm.PhysAddr) *kernel.Error {
	flags := vmm.FlagPresent | vmm.FlagRW | vmm.NoExecute()
	return kernelTable.MapRaw(heapMem, page, vmm.Page4K, uintptr(frame)|uintptr(flags), true, false, true)
}

// mapRegion backs [start, start+size) with fresh zeroed frames.
//
//go:nosplit
func mapRegion(start, size uintptr) *kernel.Error {
	for page := start; page < start+size; page += mm.PageSize {
		frame, err := allocFrameFn()
		if err != nil {
			return err
		}

		if err = mapFn(mm.VirtAddr(page), frame); err != nil {
			return err
		}
	}

	return nil
}

// sysReserveOS reserves address space without allocating any memory or
// establishing any page mappings.
//
// This function replaces runtime.sysReserveOS and is required for
// initializing the Go allocator.
//
//go:redirect-from runtime.sysReserveOS
//go:nosplit
func sysReserveOS(_ unsafe.Pointer, size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	regionStartAddr, err := reserveRegionFn(size, mm.PageSize)
	if err != nil {
		panic(err)
	}

	return unsafe.Pointer(uintptr(regionStartAddr))
}

// sysMapOS backs a region previously returned by sysReserveOS with zeroed
// physical frames.
//
// This function replaces runtime.sysMapOS and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMapOS
//go:nosplit
func sysMapOS(virtAddr unsafe.Pointer, size uintptr) {
	if size == 0 {
		return
	}

	// We trust the allocator to call sysMapOS with an address inside a reserved region.
	regionStartAddr := mm.AlignDown(uintptr(virtAddr), mm.PageSize)
	regionEnd, _ := mm.AlignUp(uintptr(virtAddr)+size, mm.PageSize)

	if err := mapRegion(regionStartAddr, regionEnd-regionStartAddr); err != nil {
		panic(err)
	}
}

// sysAllocOS reserves enough physical frames to satisfy the allocation
// request and establishes a contiguous virtual page mapping for them
// returning back the pointer to the virtual region start.
//
// This function replaces runtime.sysAllocOS and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAllocOS
//go:nosplit
func sysAllocOS(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	regionSize, _ := mm.AlignUp(size, mm.PageSize)
	regionStartAddr, err := reserveRegionFn(regionSize, mm.PageSize)
	if err != nil {
		return nil
	}

	if err = mapRegion(uintptr(regionStartAddr), regionSize); err != nil {
		return nil
	}

	return unsafe.Pointer(uintptr(regionStartAddr))
}

// sysUsedOS and sysUnusedOS are page usage hints; every heap page stays
// backed for the lifetime of the kernel.
//
//go:redirect-from runtime.sysUsedOS
//go:nosplit
func sysUsedOS(_ unsafe.Pointer, _ uintptr) {}

//go:redirect-from runtime.sysUnusedOS
//go:nosplit
func sysUnusedOS(_ unsafe.Pointer, _ uintptr) {}

// nanotime returns a monotonically increasing clock value. This is a dummy
// implementation and will be replaced when the timekeeper package is
// implemented.
//
// This function replaces runtime.nanotime1 and is invoked by the Go allocator
// when a span allocation is performed.
//
//go:redirect-from runtime.nanotime1
//go:nosplit
func nanotime() int64 {
	// Use a dummy loop to prevent the compiler from inlining this function.
	for i := 0; i < 100; i++ {
	}
	return 1
}

// getRandomData populates the given slice with random data. The implementation
// is the runtime package reads a random stream from /dev/random but since this
// is not available, we use a prng instead.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
}

// Init enables support for various Go runtime features. Heap pages are
// mapped into table. After a call to init the following runtime features
// become available for use:
//   - heap memory allocation (new, make e.t.c)
//   - map primitives
//   - interfaces
//
// The garbage collector stays disabled: core-local records live outside the
// Go heap and hold the only references to task lists, which the collector
// cannot see.
func Init(table vmm.PageTable) *kernel.Error {
	kernelTable = table

	mallocInitFn()
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules
	setGCPercentFn(-1)

	kfmt.Infof("goruntime", "Go allocator initialized (garbage collection disabled)")
	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	zeroPtr := unsafe.Pointer(uintptr(0))

	sysReserveOS(zeroPtr, 0)
	sysMapOS(zeroPtr, 0)
	sysAllocOS(0)
	sysUsedOS(zeroPtr, 0)
	sysUnusedOS(zeroPtr, 0)
	getRandomData(nil)
	_ = nanotime()
}
