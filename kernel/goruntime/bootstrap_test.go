package goruntime

import (
	"kernos/kernel"
	"kernos/kernel/mm"
	"kernos/kernel/mm/mmtest"
	"kernos/kernel/mm/vmm"
	"reflect"
	"runtime/debug"
	"testing"
	"unsafe"
)

func restoreHooks() {
	reserveRegionFn = vmm.ReserveRegion
	allocFrameFn = allocZeroedFrame
	mapFn = mapHeapPage
}

func TestSysReserveOS(t *testing.T) {
	defer restoreHooks()

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqSize uintptr
		}{
			{100 << mm.PageShift},
			{2*mm.PageSize - 1},
		}

		for specIndex, spec := range specs {
			reserveRegionFn = func(size, align uintptr) (mm.VirtAddr, *kernel.Error) {
				if size != spec.reqSize || align != mm.PageSize {
					t.Errorf("[spec %d] expected reservation of %d bytes aligned to %d; got %d/%d", specIndex, spec.reqSize, mm.PageSize, size, align)
				}

				return 0xffffc00000000000, nil
			}

			if ptr := sysReserveOS(nil, spec.reqSize); uintptr(ptr) != 0xffffc00000000000 {
				t.Errorf("[spec %d] expected sysReserveOS to return the reserved address; got 0x%x", specIndex, uintptr(ptr))
			}
		}
	})

	t.Run("fail", func(t *testing.T) {
		defer func() {
			if err := recover(); err == nil {
				t.Fatal("expected sysReserveOS to panic")
			}
		}()

		reserveRegionFn = func(_, _ uintptr) (mm.VirtAddr, *kernel.Error) {
			return 0, &kernel.Error{Module: "test", Message: "consumed available address space"}
		}

		sysReserveOS(nil, 0xf00)
	})
}

func TestSysMapOS(t *testing.T) {
	defer restoreHooks()

	allocFrameFn = func() (mm.PhysAddr, *kernel.Error) { return 0x200000, nil }

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqAddr  uintptr
			reqSize  uintptr
			expPages []mm.VirtAddr
		}{
			// exact multiple of page size
			{100 << mm.PageShift, 2 * mm.PageSize, []mm.VirtAddr{100 << mm.PageShift, 101 << mm.PageShift}},
			// partial pages at either end are mapped in full
			{(100 << mm.PageShift) + 1, 2 * mm.PageSize, []mm.VirtAddr{100 << mm.PageShift, 101 << mm.PageShift, 102 << mm.PageShift}},
			{1 << mm.PageShift, 1, []mm.VirtAddr{1 << mm.PageShift}},
		}

		for specIndex, spec := range specs {
			var mapped []mm.VirtAddr
			mapFn = func(page mm.VirtAddr, frame mm.PhysAddr) *kernel.Error {
				if frame != 0x200000 {
					t.Errorf("[spec %d] expected the allocated frame to be mapped; got 0x%x", specIndex, uintptr(frame))
				}
				mapped = append(mapped, page)
				return nil
			}

			sysMapOS(unsafe.Pointer(spec.reqAddr), spec.reqSize)

			if !reflect.DeepEqual(mapped, spec.expPages) {
				t.Errorf("[spec %d] expected mapped pages %v; got %v", specIndex, spec.expPages, mapped)
			}
		}
	})

	t.Run("map fails", func(t *testing.T) {
		defer func() {
			if err := recover(); err == nil {
				t.Fatal("expected sysMapOS to panic")
			}
		}()

		mapFn = func(_ mm.VirtAddr, _ mm.PhysAddr) *kernel.Error {
			return &kernel.Error{Module: "test", Message: "map failed"}
		}

		sysMapOS(unsafe.Pointer(uintptr(0xbadf000)), 1)
	})
}

func TestSysAllocOS(t *testing.T) {
	defer restoreHooks()

	expRegionStartAddr := mm.VirtAddr(10 * mm.PageSize)
	errTest := &kernel.Error{Module: "test", Message: "failed"}

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqSize         uintptr
			expMapCallCount int
		}{
			// exact multiple of page size
			{4 * mm.PageSize, 4},
			// round up to nearest page size
			{(4 * mm.PageSize) + 1, 5},
		}

		reserveRegionFn = func(_, _ uintptr) (mm.VirtAddr, *kernel.Error) {
			return expRegionStartAddr, nil
		}
		allocFrameFn = func() (mm.PhysAddr, *kernel.Error) { return 0, nil }

		for specIndex, spec := range specs {
			var mapCallCount int
			mapFn = func(page mm.VirtAddr, _ mm.PhysAddr) *kernel.Error {
				if exp := expRegionStartAddr + mm.VirtAddr(uintptr(mapCallCount)*mm.PageSize); page != exp {
					t.Errorf("[spec %d] expected page 0x%x to be mapped; got 0x%x", specIndex, uintptr(exp), uintptr(page))
				}
				mapCallCount++
				return nil
			}

			if got := sysAllocOS(spec.reqSize); uintptr(got) != uintptr(expRegionStartAddr) {
				t.Errorf("[spec %d] expected sysAllocOS to return address 0x%x; got 0x%x", specIndex, uintptr(expRegionStartAddr), uintptr(got))
			}

			if mapCallCount != spec.expMapCallCount {
				t.Errorf("[spec %d] expected map call count to be %d; got %d", specIndex, spec.expMapCallCount, mapCallCount)
			}
		}
	})

	specs := []struct {
		descr   string
		reserve func(_, _ uintptr) (mm.VirtAddr, *kernel.Error)
		alloc   func() (mm.PhysAddr, *kernel.Error)
		mapPage func(mm.VirtAddr, mm.PhysAddr) *kernel.Error
	}{
		{
			"reservation fails",
			func(_, _ uintptr) (mm.VirtAddr, *kernel.Error) { return 0, errTest },
			func() (mm.PhysAddr, *kernel.Error) { return 0, nil },
			func(mm.VirtAddr, mm.PhysAddr) *kernel.Error { return nil },
		},
		{
			"frame allocation fails",
			func(_, _ uintptr) (mm.VirtAddr, *kernel.Error) { return expRegionStartAddr, nil },
			func() (mm.PhysAddr, *kernel.Error) { return 0, errTest },
			func(mm.VirtAddr, mm.PhysAddr) *kernel.Error { return nil },
		},
		{
			"map fails",
			func(_, _ uintptr) (mm.VirtAddr, *kernel.Error) { return expRegionStartAddr, nil },
			func() (mm.PhysAddr, *kernel.Error) { return 0, nil },
			func(mm.VirtAddr, mm.PhysAddr) *kernel.Error { return errTest },
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			reserveRegionFn, allocFrameFn, mapFn = spec.reserve, spec.alloc, spec.mapPage

			if got := sysAllocOS(1); got != nil {
				t.Fatalf("expected sysAllocOS to return nil; got 0x%x", uintptr(got))
			}
		})
	}
}

func TestHeapPages(t *testing.T) {
	defer func(origTable vmm.PageTable, origMem mm.PhysMem) {
		kernelTable, heapMem = origTable, origMem
	}(kernelTable, heapMem)
	defer vmm.SetNoExecuteSupported(vmm.NoExecute() != 0)
	vmm.SetNoExecuteSupported(true)

	mem := mmtest.New(0x100000, 1<<20)
	table, err := vmm.New(mem)
	if err != nil {
		t.Fatal(err)
	}
	kernelTable, heapMem = table, mem

	frame, err := allocZeroedFrame()
	if err != nil {
		t.Fatal(err)
	}

	page := mm.VirtAddr(vmm.HeapWindowBase + mm.PageSize)
	if err = mapHeapPage(page, frame); err != nil {
		t.Fatal(err)
	}

	entry, err := table.Lookup(mem, page, vmm.Page4K)
	if err != nil {
		t.Fatal(err)
	}

	if exp := uintptr(frame) | uintptr(vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); entry != exp {
		t.Fatalf("expected heap entry 0x%x; got 0x%x", exp, entry)
	}

	if err = mapHeapPage(page, frame); err != vmm.ErrAlreadyMapped {
		t.Fatalf("expected remapping a heap page to fail with ErrAlreadyMapped; got %v", err)
	}
}

func TestGetRandomData(t *testing.T) {
	sample1 := make([]byte, 128)
	sample2 := make([]byte, 128)

	getRandomData(sample1)
	getRandomData(sample2)

	if reflect.DeepEqual(sample1, sample2) {
		t.Fatal("expected getRandomData to return different values for each invocation")
	}
}

func TestInit(t *testing.T) {
	defer func(orig vmm.PageTable) {
		mallocInitFn = mallocInit
		algInitFn = algInit
		modulesInitFn = modulesInit
		typeLinksInitFn = typeLinksInit
		itabsInitFn = itabsInit
		setGCPercentFn = debug.SetGCPercent
		kernelTable = orig
	}(kernelTable)

	var (
		calls     []string
		gcPercent = 100
		record    = func(name string) func() {
			return func() { calls = append(calls, name) }
		}
	)

	mallocInitFn = record("malloc")
	algInitFn = record("alg")
	modulesInitFn = record("modules")
	typeLinksInitFn = record("typelinks")
	itabsInitFn = record("itabs")
	setGCPercentFn = func(percent int) int {
		gcPercent = percent
		return 100
	}

	table := vmm.FromRoot(0x1000)
	if err := Init(table); err != nil {
		t.Fatal(err)
	}

	if exp := []string{"malloc", "alg", "modules", "typelinks", "itabs"}; !reflect.DeepEqual(calls, exp) {
		t.Fatalf("expected runtime init order %v; got %v", exp, calls)
	}

	if gcPercent != -1 {
		t.Fatalf("expected garbage collection to be disabled; got GC percent %d", gcPercent)
	}

	if kernelTable != table {
		t.Fatal("expected heap mappings to target the supplied table")
	}
}
