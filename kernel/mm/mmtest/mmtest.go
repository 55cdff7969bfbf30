// Package mmtest provides a PhysMem implementation backed by ordinary Go
// memory for use by tests.
package mmtest

import (
	"kernos/kernel"
	"kernos/kernel/mm"
	"unsafe"
)

var errOutOfMemory = &kernel.Error{Module: "mmtest", Message: "out of memory", Kind: kernel.KindExhausted}

// Mem emulates a contiguous block of physical memory starting at Base. The
// block is backed by a page-aligned Go allocation so that code writing
// page-table entries or descriptor tables can be exercised for real.
type Mem struct {
	Base mm.PhysAddr

	// Allocs counts successful AllocPhys calls.
	Allocs int

	// FailAfter makes AllocPhys fail once Allocs reaches it. A zero value
	// disables failure injection.
	FailAfter int

	backing []byte
	start   uintptr
	size    uintptr
	next    uintptr
}

// New returns a Mem of the given size (rounded up to a page) that emulates
// the physical range [base, base+size).
func New(base mm.PhysAddr, size uintptr) *Mem {
	size, _ = mm.AlignUp(size, mm.PageSize)
	backing := make([]byte, size+mm.PageSize)
	start, _ := mm.AlignUp(uintptr(unsafe.Pointer(&backing[0])), mm.PageSize)

	return &Mem{
		Base:    base,
		backing: backing,
		start:   start,
		size:    size,
	}
}

// Translate implements mm.PhysMem.
func (m *Mem) Translate(addr mm.PhysAddr, size uintptr) (uintptr, *kernel.Error) {
	if size == 0 || addr < m.Base || uintptr(addr-m.Base)+size > m.size {
		return 0, mm.ErrInvalidTranslation
	}

	return m.start + uintptr(addr-m.Base), nil
}

// AllocPhys implements mm.PhysMem using a bump pointer.
func (m *Mem) AllocPhys(layout mm.Layout) (mm.PhysAddr, *kernel.Error) {
	if layout.Size == 0 || !mm.IsPowerOfTwo(layout.Align) {
		return 0, mm.ErrBadLayout
	}

	if m.FailAfter != 0 && m.Allocs >= m.FailAfter {
		return 0, errOutOfMemory
	}

	offset, _ := mm.AlignUp(uintptr(m.Base)+m.next, layout.Align)
	offset -= uintptr(m.Base)
	if offset+layout.Size > m.size {
		return 0, errOutOfMemory
	}

	m.next = offset + layout.Size
	m.Allocs++
	return m.Base + mm.PhysAddr(offset), nil
}

// Bytes returns a slice aliasing size bytes at the physical address addr.
func (m *Mem) Bytes(addr mm.PhysAddr, size uintptr) []byte {
	ptr, err := m.Translate(addr, size)
	if err != nil {
		panic(err)
	}

	off := ptr - uintptr(unsafe.Pointer(&m.backing[0]))
	return m.backing[off : off+size]
}

// Uint64 returns the 64-bit value stored at the physical address addr.
func (m *Mem) Uint64(addr mm.PhysAddr) uint64 {
	ptr, err := m.Translate(addr, 8)
	if err != nil {
		panic(err)
	}

	return *(*uint64)(unsafe.Pointer(ptr))
}
