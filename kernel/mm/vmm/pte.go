package vmm

import "kernos/kernel/mm"

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// Address returns the physical address that this entry points to.
func (pte pageTableEntry) Address() mm.PhysAddr {
	return mm.PhysAddr(uintptr(pte) & ptePhysPageMask)
}

// noExecute holds FlagNoExecute once the CPU has been switched to a mode that
// honours it. Setting bit 63 without NX support enabled causes reserved-bit
// page faults.
var noExecute PageTableEntryFlag

// SetNoExecuteSupported controls whether NoExecute returns FlagNoExecute.
func SetNoExecuteSupported(supported bool) {
	noExecute = 0
	if supported {
		noExecute = FlagNoExecute
	}
}

// NoExecute returns FlagNoExecute if the CPU supports it and 0 otherwise.
func NoExecute() PageTableEntryFlag {
	return noExecute
}
