package mm

import "math"

// PhysAddr is a physical memory address. It can only be dereferenced after
// being translated through a PhysMem.
type PhysAddr uintptr

// VirtAddr is a virtual memory address.
type VirtAddr uintptr

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() PhysAddr {
	return PhysAddr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr PhysAddr) Frame {
	return Frame((uintptr(physAddr) &^ (PageSize - 1)) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() VirtAddr {
	return VirtAddr(p << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address, rounding unaligned addresses down to the page that contains them.
func PageFromAddress(virtAddr VirtAddr) Page {
	return Page((uintptr(virtAddr) &^ (PageSize - 1)) >> PageShift)
}

// IsPowerOfTwo returns true if v is a non-zero power of two.
func IsPowerOfTwo(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}

// AlignUp rounds v up to the next multiple of align, which must be a power of
// two. The second result is false if the rounded value overflows.
func AlignUp(v, align uintptr) (uintptr, bool) {
	aligned := (v + align - 1) &^ (align - 1)
	return aligned, aligned >= v
}

// AlignDown rounds v down to a multiple of align, which must be a power of
// two.
func AlignDown(v, align uintptr) uintptr {
	return v &^ (align - 1)
}
