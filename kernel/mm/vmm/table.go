// Package vmm builds and manipulates 4-level x86-64 page tables. Tables are
// never accessed through the currently active address space; every table
// access goes through a mm.PhysMem so that inactive tables can be
// constructed using whichever physical memory provider is available.
package vmm

import (
	"kernos/kernel"
	"kernos/kernel/cpu"
	"kernos/kernel/mm"
	"unsafe"
)

var (
	// flushTLBEntryFn and switchPDTFn are used by tests to override calls
	// to privileged instructions.
	flushTLBEntryFn = cpu.FlushTLBEntry
	switchPDTFn     = cpu.SwitchPDT

	// ErrMissingTable is returned when a mapping requires an intermediate
	// table that does not exist and the caller did not ask for it to be
	// created.
	ErrMissingTable = &kernel.Error{Module: "vmm", Message: "intermediate page table not present", Kind: kernel.KindInvalid}

	// ErrAlreadyMapped is returned when the leaf entry for an address is
	// present and the caller did not allow updates.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address already mapped", Kind: kernel.KindInvalid}

	// ErrHugePageInPath is returned when the walk encounters a large page
	// at a level where it expected a pointer to the next table.
	ErrHugePageInPath = &kernel.Error{Module: "vmm", Message: "large page mapping in the way", Kind: kernel.KindInvalid}

	// ErrNotMapped is returned when looking up an address that is not
	// mapped.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address not mapped", Kind: kernel.KindInvalid}

	// ErrMisalignedAddress is returned when a virtual address is not
	// aligned to the requested page size.
	ErrMisalignedAddress = &kernel.Error{Module: "vmm", Message: "virtual address not aligned to page size", Kind: kernel.KindInvalid}

	// ErrInvalidPageType is returned for unknown page types.
	ErrInvalidPageType = &kernel.Error{Module: "vmm", Message: "invalid page type", Kind: kernel.KindInvalid}
)

// intermediateFlags are installed on every newly created non-leaf entry.
// Permissions are enforced by the leaf entries.
const intermediateFlags = FlagPresent | FlagRW | FlagUserAccessible

// PageTable is a handle to a 4-level page table identified by the physical
// address of its top-level (PML4) table. PageTable values are cheap to copy.
type PageTable struct {
	root mm.PhysAddr
}

// New allocates a zeroed top-level table using pm.
func New(pm mm.PhysMem) (PageTable, *kernel.Error) {
	root, err := mm.AllocPhysZeroed(pm, mm.PageLayout)
	if err != nil {
		return PageTable{}, err
	}

	return PageTable{root: root}, nil
}

// NewFrom allocates a new top-level table whose kernel half points to the
// same lower-level tables as kernelTable. Mappings added to the kernel half
// of either table after this call are only visible to both if they do not
// require a new top-level entry.
func NewFrom(pm mm.PhysMem, kernelTable PageTable) (PageTable, *kernel.Error) {
	pt, err := New(pm)
	if err != nil {
		return PageTable{}, err
	}

	src, err := pm.Translate(kernelTable.root+mm.PhysAddr(kernelHalfStart<<mm.PointerShift), mm.PageSize/2)
	if err != nil {
		return PageTable{}, err
	}

	dst, err := pm.Translate(pt.root+mm.PhysAddr(kernelHalfStart<<mm.PointerShift), mm.PageSize/2)
	if err != nil {
		return PageTable{}, err
	}

	kernel.Memcopy(src, dst, mm.PageSize/2)
	return pt, nil
}

// FromRoot returns a handle for the table whose top-level table lives at root.
func FromRoot(root mm.PhysAddr) PageTable {
	return PageTable{root: root}
}

// Root returns the physical address of the top-level table.
func (pt PageTable) Root() mm.PhysAddr {
	return pt.root
}

// SwitchTo installs the table in the CR3 register. The switch affects the
// entire CPU and takes effect immediately.
func (pt PageTable) SwitchTo() {
	switchPDTFn(uintptr(pt.root))
}

// tableIndex returns the index into the table at the given level (0 being
// the top-level table) that corresponds to vaddr.
func tableIndex(vaddr mm.VirtAddr, level int) uintptr {
	return (uintptr(vaddr) >> pageLevelShifts[level]) & (entriesPerTable - 1)
}

// entryAt returns a pointer to the idx-th entry of the table at tableAddr.
func entryAt(pm mm.PhysMem, tableAddr mm.PhysAddr, idx uintptr) (*pageTableEntry, *kernel.Error) {
	ptr, err := pm.Translate(tableAddr+mm.PhysAddr(idx<<mm.PointerShift), 8)
	if err != nil {
		return nil, err
	}

	return (*pageTableEntry)(unsafe.Pointer(ptr)), nil
}

// walk returns a pointer to the leaf entry for vaddr at the granularity
// selected by pageType. Missing intermediate tables are allocated from pm
// when createMissing is set.
func (pt PageTable) walk(pm mm.PhysMem, vaddr mm.VirtAddr, pageType PageType, createMissing bool) (*pageTableEntry, *kernel.Error) {
	if pageType > Page1G {
		return nil, ErrInvalidPageType
	}

	var (
		levels    = pageType.levels()
		tableAddr = pt.root
	)

	for level := 0; level < levels-1; level++ {
		pte, err := entryAt(pm, tableAddr, tableIndex(vaddr, level))
		if err != nil {
			return nil, err
		}

		if !pte.HasFlags(FlagPresent) {
			if !createMissing {
				return nil, ErrMissingTable
			}

			next, err := mm.AllocPhysZeroed(pm, mm.PageLayout)
			if err != nil {
				return nil, err
			}

			*pte = pageTableEntry(uintptr(next) | uintptr(intermediateFlags))
		} else if level > 0 && pte.HasFlags(FlagHugePage) {
			return nil, ErrHugePageInPath
		}

		tableAddr = pte.Address()
	}

	return entryAt(pm, tableAddr, tableIndex(vaddr, levels-1))
}

// MapRaw installs rawEntry as the leaf entry for vaddr. The number of table
// levels walked depends on pageType; missing intermediate tables are
// allocated when createMissing is set. If the leaf is already present the
// call fails unless allowUpdate is set, in which case the entry is replaced
// and, if invalidateTLB is set, the stale translation is flushed from the
// current CPU's TLB.
//
// rawEntry is written verbatim. Callers are responsible for setting
// FlagHugePage on 2M and 1G leaves.
func (pt PageTable) MapRaw(pm mm.PhysMem, vaddr mm.VirtAddr, pageType PageType, rawEntry uintptr, createMissing, allowUpdate, invalidateTLB bool) *kernel.Error {
	if uintptr(vaddr)&(pageType.Size()-1) != 0 {
		return ErrMisalignedAddress
	}

	pte, err := pt.walk(pm, vaddr, pageType, createMissing)
	if err != nil {
		return err
	}

	wasPresent := pte.HasFlags(FlagPresent)
	if wasPresent && !allowUpdate {
		return ErrAlreadyMapped
	}

	*pte = pageTableEntry(rawEntry)

	if wasPresent && invalidateTLB {
		flushTLBEntryFn(uintptr(vaddr))
	}

	return nil
}

// Lookup returns the raw leaf entry for vaddr at the granularity selected by
// pageType. It fails with ErrNotMapped if the leaf is not present.
func (pt PageTable) Lookup(pm mm.PhysMem, vaddr mm.VirtAddr, pageType PageType) (uintptr, *kernel.Error) {
	pte, err := pt.walk(pm, vaddr, pageType, false)
	switch {
	case err == ErrMissingTable:
		return 0, ErrNotMapped
	case err != nil:
		return 0, err
	case !pte.HasFlags(FlagPresent):
		return 0, ErrNotMapped
	}

	return uintptr(*pte), nil
}

// Translate returns the physical address that vaddr maps to, following 1G
// and 2M leaves.
func (pt PageTable) Translate(pm mm.PhysMem, vaddr mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	tableAddr := pt.root
	for level := 0; level < pageLevels; level++ {
		pte, err := entryAt(pm, tableAddr, tableIndex(vaddr, level))
		if err != nil {
			return 0, err
		}

		if !pte.HasFlags(FlagPresent) {
			return 0, ErrNotMapped
		}

		// Levels 1 and 2 may hold 1G and 2M leaves; the last level always does.
		if level == pageLevels-1 || (level > 0 && pte.HasFlags(FlagHugePage)) {
			pageMask := uintptr(1)<<pageLevelShifts[level] - 1
			return mm.PhysAddr(uintptr(pte.Address())&^pageMask | uintptr(vaddr)&pageMask), nil
		}

		tableAddr = pte.Address()
	}

	return 0, ErrNotMapped
}

// MapRange maps size bytes of physical memory starting at phys to the
// virtual range starting at vaddr using pages of the given type. Both
// addresses must be aligned to the page size and size is rounded up to a
// whole number of pages. Huge pages get FlagHugePage added automatically.
func (pt PageTable) MapRange(pm mm.PhysMem, vaddr mm.VirtAddr, phys mm.PhysAddr, size uintptr, pageType PageType, flags PageTableEntryFlag, allowUpdate bool) *kernel.Error {
	pageSize := pageType.Size()
	if uintptr(phys)&(pageSize-1) != 0 {
		return ErrMisalignedAddress
	}

	if pageType != Page4K {
		flags |= FlagHugePage
	}

	for offset := uintptr(0); offset < size; offset += pageSize {
		raw := uintptr(phys)+offset | uintptr(flags)
		if err := pt.MapRaw(pm, vaddr+mm.VirtAddr(offset), pageType, raw, true, allowUpdate, true); err != nil {
			return err
		}
	}

	return nil
}

// MapFresh allocates a new zeroed frame for each 4K page in the virtual range
// [vaddr, vaddr+size) and maps it with the supplied flags.
func (pt PageTable) MapFresh(pm mm.PhysMem, vaddr mm.VirtAddr, size uintptr, flags PageTableEntryFlag) *kernel.Error {
	if uintptr(vaddr)&(mm.PageSize-1) != 0 {
		return ErrMisalignedAddress
	}

	for offset := uintptr(0); offset < size; offset += mm.PageSize {
		frame, err := mm.AllocPhysZeroed(pm, mm.PageLayout)
		if err != nil {
			return err
		}

		if err = pt.MapRaw(pm, vaddr+mm.VirtAddr(offset), Page4K, uintptr(frame)|uintptr(flags), true, false, false); err != nil {
			return err
		}
	}

	return nil
}

// WriteAt copies data to the virtual address vaddr of this table. The table
// does not need to be active: each destination page is resolved to its
// physical frame and written through pm.
func (pt PageTable) WriteAt(pm mm.PhysMem, vaddr mm.VirtAddr, data []byte) *kernel.Error {
	for len(data) > 0 {
		phys, err := pt.Translate(pm, vaddr)
		if err != nil {
			return err
		}

		// Never cross a 4K boundary in a single copy; consecutive virtual
		// pages need not be physically contiguous.
		chunk := mm.PageSize - uintptr(vaddr)&(mm.PageSize-1)
		if chunk > uintptr(len(data)) {
			chunk = uintptr(len(data))
		}

		dst, err := pm.Translate(phys, chunk)
		if err != nil {
			return err
		}

		kernel.MemcopyFrom(data[:chunk], dst)
		data = data[chunk:]
		vaddr += mm.VirtAddr(chunk)
	}

	return nil
}
