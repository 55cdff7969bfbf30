package vmm

import "kernos/kernel/mm"

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// pageLevelBits is the number of virtual address bits consumed by each
	// page level; 512 entries per table.
	pageLevelBits = 9

	// entriesPerTable is the number of entries in each page table.
	entriesPerTable = 1 << pageLevelBits

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// kernelHalfStart is the index of the first top-level entry that maps
	// the kernel half of the address space.
	kernelHalfStart = entriesPerTable / 2
)

// pageLevelShifts defines the shift required to access each page table component
// of a virtual address.
var pageLevelShifts = [pageLevels]uint8{
	39,
	30,
	21,
	12,
}

// PageType selects the granularity of a leaf mapping.
type PageType uint8

const (
	// Page4K maps a 4 KiB page through all four table levels.
	Page4K PageType = iota

	// Page2M maps a 2 MiB page from a page directory entry.
	Page2M

	// Page1G maps a 1 GiB page from a page directory pointer table entry.
	Page1G
)

// Size returns the number of bytes mapped by a leaf of this type.
func (t PageType) Size() uintptr {
	switch t {
	case Page2M:
		return mm.HugePageSize
	case Page1G:
		return mm.GiantPageSize
	default:
		return mm.PageSize
	}
}

// levels returns the number of tables walked to reach a leaf of this type.
func (t PageType) levels() int {
	return pageLevels - int(t)
}

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set on page directory (pointer) entries that map a
	// 2M (1G) page instead of pointing to another table.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)
