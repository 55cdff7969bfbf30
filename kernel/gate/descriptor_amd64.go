package gate

import "encoding/binary"

// GDT layout. Selectors for ring 3 segments carry RPL 3.
const (
	KernelCodeSelector = uint16(0x08)
	KernelDataSelector = uint16(0x10)
	UserCodeSelector   = uint16(0x18 | 3)
	UserDataSelector   = uint16(0x20 | 3)
	TSSSelector        = uint16(0x28)

	// gdtEntries includes the null descriptor and the two slots occupied
	// by the 16-byte TSS descriptor.
	gdtEntries = 7

	kernelCodeDescriptor = uint64(0x00209a0000000000)
	kernelDataDescriptor = uint64(0x0000920000000000)
	userCodeDescriptor   = uint64(0x0020fb0000000000)
	userDataDescriptor   = uint64(0x0000f30000000000)

	// available 64-bit TSS, present, DPL 0
	tssDescriptorType = uint64(0x890000000000)
)

// tssDescriptor returns the two GDT slots describing a TSS at base with the
// given byte limit.
func tssDescriptor(base uintptr, limit uint32) (low, high uint64) {
	b := uint64(base)
	low = tssDescriptorType |
		((b>>24)&0xff)<<56 |
		(b&0xffffff)<<16 |
		uint64(limit&0xffff) |
		uint64((limit>>16)&0xf)<<48
	return low, b >> 32
}

// GateType is the type and attribute byte of an IDT gate descriptor.
type GateType uint8

const (
	// KernelInterruptGate is a present 64-bit interrupt gate that can only
	// be invoked by hardware or ring 0 code.
	KernelInterruptGate = GateType(0x8e)

	// UserInterruptGate is a present 64-bit interrupt gate that ring 3 code
	// may invoke directly with INT.
	UserInterruptGate = GateType(0xee)
)

// idtEntries is the number of 16-byte gate descriptors in the IDT.
const idtEntries = 256

// gateDescriptor is a decoded IDT entry.
type gateDescriptor struct {
	Handler  uintptr
	Selector uint16
	IST      uint8
	Type     GateType
}

// encode packs the descriptor into its 16-byte hardware layout.
func (d gateDescriptor) encode() (low, high uint64) {
	h := uint64(d.Handler)
	low = h&0xffff |
		uint64(d.Selector)<<16 |
		uint64(d.IST&0x7)<<32 |
		uint64(d.Type)<<40 |
		((h>>16)&0xffff)<<48
	return low, h >> 32
}

// decodeGate unpacks a 16-byte IDT entry.
func decodeGate(low, high uint64) gateDescriptor {
	return gateDescriptor{
		Handler:  uintptr(high<<32 | (low>>48)<<16 | low&0xffff),
		Selector: uint16(low >> 16),
		IST:      uint8(low>>32) & 0x7,
		Type:     GateType(low >> 40),
	}
}

// TSS field offsets; the structure is packed so 64-bit fields are not
// naturally aligned.
const (
	tssSize         = 104
	tssRSPOffset    = 4
	tssISTOffset    = 36
	tssIOMapOffset  = 102
	tssDescLimit    = tssSize - 1
	pseudoDescBytes = 10
)

// TSS is the byte image of a 64-bit task state segment.
type TSS []byte

// SetRSP sets the stack pointer loaded when entering privilege level pl.
func (t TSS) SetRSP(pl int, rsp uintptr) {
	binary.LittleEndian.PutUint64(t[tssRSPOffset+8*pl:], uint64(rsp))
}

// RSP returns the stack pointer loaded when entering privilege level pl.
func (t TSS) RSP(pl int) uintptr {
	return uintptr(binary.LittleEndian.Uint64(t[tssRSPOffset+8*pl:]))
}

// SetIST sets the stack pointer for interrupt stack table slot idx (1-7).
func (t TSS) SetIST(idx int, rsp uintptr) {
	binary.LittleEndian.PutUint64(t[tssISTOffset+8*(idx-1):], uint64(rsp))
}

// IST returns the stack pointer for interrupt stack table slot idx (1-7).
func (t TSS) IST(idx int) uintptr {
	return uintptr(binary.LittleEndian.Uint64(t[tssISTOffset+8*(idx-1):]))
}

// SetIOMapBase sets the offset of the I/O permission bitmap. An offset equal
// to the TSS size means that no bitmap is present.
func (t TSS) SetIOMapBase(offset uint16) {
	binary.LittleEndian.PutUint16(t[tssIOMapOffset:], offset)
}

// pseudoDescriptor encodes the operand of LGDT/LIDT into buf.
func pseudoDescriptor(buf []byte, limit uint16, base uintptr) {
	binary.LittleEndian.PutUint16(buf, limit)
	binary.LittleEndian.PutUint64(buf[2:], uint64(base))
}
