package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// HugePageSize is the size of a page mapped by a page directory entry.
	HugePageSize = uintptr(1 << 21)

	// GiantPageSize is the size of a page mapped by a page directory
	// pointer table entry.
	GiantPageSize = uintptr(1 << 30)

	// PhysMapBase is the virtual address where all physical memory is
	// mapped linearly in the kernel half of every address space.
	PhysMapBase = uintptr(0xffff800000000000)

	// PhysMapSize bounds the amount of physical memory reachable through
	// the direct map.
	PhysMapSize = uintptr(1 << 39)

	// KernelVirtBase is the virtual address the kernel image is linked at.
	// Kernel sections are loaded at physical address (vaddr - KernelVirtBase).
	KernelVirtBase = uintptr(0xffffffff80000000)

	// IdentityMapSize is the amount of low physical memory that the boot
	// loader trampoline identity maps and the kernel keeps identity mapped.
	IdentityMapSize = uintptr(4 << 30)
)
