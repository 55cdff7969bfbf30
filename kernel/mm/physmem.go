package mm

import "kernos/kernel"

var (
	// ErrBadLayout is returned for layouts with a zero size or an
	// alignment that is not a power of two.
	ErrBadLayout = &kernel.Error{Module: "mm", Message: "invalid allocation layout", Kind: kernel.KindInvalid}

	// ErrInvalidTranslation is returned when a physical range cannot be
	// accessed through the active mappings.
	ErrInvalidTranslation = &kernel.Error{Module: "mm", Message: "physical range is not accessible", Kind: kernel.KindInvalid}
)

// Layout describes the size and alignment of a physical allocation.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// NewLayout returns a Layout after validating that size is non-zero and that
// align is a power of two.
func NewLayout(size, align uintptr) (Layout, *kernel.Error) {
	if size == 0 || !IsPowerOfTwo(align) {
		return Layout{}, ErrBadLayout
	}

	return Layout{Size: size, Align: align}, nil
}

// PageLayout describes a single page-aligned frame.
var PageLayout = Layout{Size: PageSize, Align: PageSize}

// PhysMem is implemented by physical memory providers. Page table and task
// code only talk to physical memory through this interface so the same code
// runs against the boot allocator and the general purpose allocator.
type PhysMem interface {
	// Translate returns a pointer through which size bytes starting at
	// addr can be accessed. It fails if size is zero or the range is not
	// reachable.
	Translate(addr PhysAddr, size uintptr) (uintptr, *kernel.Error)

	// AllocPhys reserves a block of physical memory.
	AllocPhys(layout Layout) (PhysAddr, *kernel.Error)
}

// AllocPhysZeroed allocates a block of physical memory using pm and clears
// its contents.
func AllocPhysZeroed(pm PhysMem, layout Layout) (PhysAddr, *kernel.Error) {
	addr, err := pm.AllocPhys(layout)
	if err != nil {
		return 0, err
	}

	ptr, err := pm.Translate(addr, layout.Size)
	if err != nil {
		return 0, err
	}

	kernel.Memset(ptr, 0, layout.Size)
	return addr, nil
}
