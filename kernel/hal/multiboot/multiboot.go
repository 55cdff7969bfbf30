// Package multiboot decodes the multiboot2 information structure that the
// boot loader hands over to the kernel.
package multiboot

import (
	"strings"
	"unsafe"
)

var (
	infoData  uintptr
	cmdLineKV map[string]string
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

// tagHeader describes the header the preceedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Each tag starts at a 8-byte aligned address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// moduleHeader precedes the NULL-terminated module name.
type moduleHeader struct {
	modStart uint32
	modEnd   uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor is invoked by VisitMemRegions for each memory region
// reported by the boot loader. The visitor returns false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// Module describes a boot module loaded into physical memory by the boot
// loader. The module occupies the physical range [Start, End).
type Module struct {
	Name       string
	Start, End uintptr
}

// ModuleVisitor is invoked by VisitModules for each boot module. The visitor
// returns false to abort the scan.
type ModuleVisitor func(Module) bool

type elfSections struct {
	numSections        uint32
	sectionSize        uint32
	strtabSectionIndex uint32
	sectionData        [0]byte
}

type elfSection64 struct {
	nameIndex   uint32
	sectionType uint32
	flags       uint64
	address     uint64
	offset      uint64
	size        uint64
	link        uint32
	info        uint32
	addrAlign   uint64
	entSize     uint64
}

// ElfSectionFlag defines an OR-able flag associated with an ElfSection.
type ElfSectionFlag uint32

const (
	// ElfSectionWritable marks the section as writable.
	ElfSectionWritable ElfSectionFlag = 1 << iota

	// ElfSectionAllocated means that the section is allocated in memory
	// when the image is loaded (e.g .bss sections)
	ElfSectionAllocated

	// ElfSectionExecutable marks the section as executable.
	ElfSectionExecutable
)

// ElfSectionVisitor is invoked by VisitElfSections for each ELF section that
// belongs to the loaded kernel image.
type ElfSectionVisitor func(name string, flags ElfSectionFlag, address uintptr, size uint64)

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
	cmdLineKV = nil
}

// InfoSize returns the total size in bytes of the multiboot information
// structure, as recorded in its first field.
func InfoSize() uintptr {
	if infoData == 0 {
		return 0
	}

	return uintptr(*(*uint32)(unsafe.Pointer(infoData)))
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry *MemoryMapEntry
	for ; curPtr < endPtr; curPtr += uintptr(ptrMapHeader.entrySize) {
		entry = (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}
	}
}

// VisitModules invokes visitor for each module tag in the multiboot info.
func VisitModules(visitor ModuleVisitor) {
	visitTags(func(tag tagType, ptr uintptr, size uint32) bool {
		if tag != tagModules {
			return true
		}

		hdr := (*moduleHeader)(unsafe.Pointer(ptr))
		return visitor(Module{
			Name:  cString(ptr+8, uintptr(size)-8),
			Start: uintptr(hdr.modStart),
			End:   uintptr(hdr.modEnd),
		})
	})
}

// FindModule returns the first boot module with the given name.
func FindModule(name string) (Module, bool) {
	var (
		found Module
		ok    bool
	)

	VisitModules(func(mod Module) bool {
		if mod.Name == name {
			found, ok = mod, true
		}
		return !ok
	})

	return found, ok
}

// VisitElfSections invokes visitor for each non-empty ELF section that
// belongs to the loaded kernel image.
func VisitElfSections(visitor ElfSectionVisitor) {
	curPtr, size := findTagByType(tagElfSymbols)
	if size == 0 {
		return
	}

	var (
		sections      = (*elfSections)(unsafe.Pointer(curPtr))
		secPtr        = uintptr(unsafe.Pointer(&sections.sectionData))
		sizeofSection = uintptr(sections.sectionSize)
		strTable      = (*elfSection64)(unsafe.Pointer(secPtr + uintptr(sections.strtabSectionIndex)*sizeofSection))
	)

	for secIndex := uint32(0); secIndex < sections.numSections; secIndex, secPtr = secIndex+1, secPtr+sizeofSection {
		secData := (*elfSection64)(unsafe.Pointer(secPtr))
		if secData.size == 0 {
			continue
		}

		// the string table holds C-style NULL-terminated strings
		name := cString(uintptr(strTable.address)+uintptr(secData.nameIndex), ^uintptr(0))
		visitor(name, ElfSectionFlag(secData.flags), uintptr(secData.address), secData.size)
	}
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel. Flags without a value map to themselves. This function must only
// be invoked after bootstrapping the memory allocator.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)

	curPtr, size := findTagByType(tagBootCmdLine)
	if size == 0 {
		return cmdLineKV
	}

	for _, pair := range strings.Fields(cString(curPtr, uintptr(size))) {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			value = key
		}
		cmdLineKV[key] = value
	}

	return cmdLineKV
}

// cString returns a string backed by the NULL-terminated byte sequence at
// ptr, scanning at most maxLen bytes. The returned string is not copied.
func cString(ptr, maxLen uintptr) string {
	var n uintptr
	for n < maxLen && *(*byte)(unsafe.Pointer(ptr + n)) != 0 {
		n++
	}

	if n == 0 {
		return ""
	}
	return unsafe.String((*byte)(unsafe.Pointer(ptr)), n)
}

// visitTags invokes fn with the content pointer and content size (excluding
// the tag header) of each tag until fn returns false or the end tag is
// reached.
func visitTags(fn func(tagType, uintptr, uint32) bool) {
	// skip the fixed part of the info structure (total size + reserved)
	curPtr := infoData + 8
	for {
		hdr := (*tagHeader)(unsafe.Pointer(curPtr))
		if hdr.tagType == tagMbSectionEnd {
			return
		}

		if !fn(hdr.tagType, curPtr+8, hdr.size-8) {
			return
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr((hdr.size + 7) &^ 7)
	}
}

// findTagByType returns a pointer to the contents of the first tag of the
// requested type and the content length excluding the tag header. It returns
// (0, 0) if the tag is not present.
func findTagByType(want tagType) (uintptr, uint32) {
	var (
		ptr  uintptr
		size uint32
	)

	visitTags(func(tag tagType, tagPtr uintptr, tagSize uint32) bool {
		if tag == want {
			ptr, size = tagPtr, tagSize
			return false
		}
		return true
	})

	return ptr, size
}
