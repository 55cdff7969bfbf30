package vmm

import (
	"kernos/kernel"
	"kernos/kernel/hal/multiboot"
	"kernos/kernel/kfmt"
	"kernos/kernel/mm"
	"unsafe"
)

var (
	// visitElfSectionsFn is used by tests and is automatically inlined by
	// the compiler.
	visitElfSectionsFn = multiboot.VisitElfSections
)

// BuildKernelSpace constructs the kernel page table using pm. The returned
// table contains:
//   - the kernel image sections, mapped with per-section permissions,
//   - an identity mapping of the first 4G of physical memory (kernel only),
//   - a direct mapping of [0, physMemEnd) at mm.PhysMapBase.
//
// The table is not activated.
func BuildKernelSpace(pm mm.PhysMem, physMemEnd mm.PhysAddr) (PageTable, *kernel.Error) {
	pt, err := New(pm)
	if err != nil {
		return PageTable{}, err
	}

	if err = pt.mapKernelSections(pm); err != nil {
		return PageTable{}, err
	}

	if err = pt.MapRange(pm, 0, 0, mm.IdentityMapSize, Page2M, FlagPresent|FlagRW, false); err != nil {
		return PageTable{}, err
	}

	directMapSize, _ := mm.AlignUp(uintptr(physMemEnd), mm.HugePageSize)
	if directMapSize > mm.PhysMapSize {
		directMapSize = mm.PhysMapSize
	}

	if err = pt.MapRange(pm, mm.VirtAddr(mm.PhysMapBase), 0, directMapSize, Page2M, FlagPresent|FlagRW|FlagGlobal|NoExecute(), false); err != nil {
		return PageTable{}, err
	}

	// Make sure the top-level entry covering the kernel heap window exists
	// so that tables created via NewFrom observe later heap mappings.
	if _, err = pt.walk(pm, mm.VirtAddr(HeapWindowBase), Page1G, true); err != nil {
		return PageTable{}, err
	}

	kfmt.Debugf("vmm", "kernel page table at 0x%x, direct map size: %d", uintptr(pt.root), directMapSize)
	return pt, nil
}

// sectionFlags converts ELF section flags into page table entry flags.
func sectionFlags(flags multiboot.ElfSectionFlag) PageTableEntryFlag {
	pteFlags := FlagPresent | FlagGlobal
	if flags&multiboot.ElfSectionWritable != 0 {
		pteFlags |= FlagRW
	}

	if flags&multiboot.ElfSectionExecutable == 0 {
		pteFlags |= NoExecute()
	}

	return pteFlags
}

// mapKernelSections maps every allocated kernel section that is linked in the
// kernel half of the address space. Sections sharing a page get the union of
// their permissions.
func (pt PageTable) mapKernelSections(pm mm.PhysMem) *kernel.Error {
	var err *kernel.Error

	visitor := func(name string, flags multiboot.ElfSectionFlag, address uintptr, size uint64) {
		if err != nil || flags&multiboot.ElfSectionAllocated == 0 || address < mm.KernelVirtBase {
			return
		}

		var (
			start   = mm.AlignDown(address, mm.PageSize)
			end, _  = mm.AlignUp(address+uintptr(size), mm.PageSize)
			secFlag = sectionFlags(flags)
		)

		kfmt.Debugf("vmm", "section %s: [0x%x - 0x%x]", name, start, end)

		for page := start; page < end && err == nil; page += mm.PageSize {
			var (
				vaddr = mm.VirtAddr(page)
				raw   = (page - mm.KernelVirtBase) | uintptr(secFlag)
			)

			if existing, lookupErr := pt.Lookup(pm, vaddr, Page4K); lookupErr == nil {
				raw |= existing & uintptr(FlagRW)
				if existing&uintptr(FlagNoExecute) == 0 {
					raw &^= uintptr(FlagNoExecute)
				}
			}

			err = pt.MapRaw(pm, vaddr, Page4K, raw, true, true, false)
		}
	}

	// Use the noescape hack to prevent the compiler from leaking the visitor
	// function literal to the heap.
	visitElfSectionsFn(
		*(*multiboot.ElfSectionVisitor)(noEscape(unsafe.Pointer(&visitor))),
	)

	return err
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
