package cpu

var (
	cpuidFn    = ID
	readMSRFn  = ReadMSR
	writeMSRFn = WriteMSR
)

// Model specific registers used by the kernel.
const (
	// MSRExtendedFeatures (EFER) controls long mode features such as NX.
	MSRExtendedFeatures = uint32(0xc0000080)

	// MSRGSBase holds the base address used for GS-relative accesses.
	MSRGSBase = uint32(0xc0000101)

	// MSRKernelGSBase holds the value that SWAPGS exchanges with
	// MSRGSBase.
	MSRKernelGSBase = uint32(0xc0000102)

	eferNXE = uint64(1 << 11)

	// extended CPUID leaf 0x80000001, EDX bit 20
	cpuidExtFeatures = uint32(0x80000001)
	cpuidNXBit       = uint32(1 << 20)
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt disables interrupts and stops instruction execution. Calls to Halt
// never return.
func Halt()

// WaitForInterrupt enables interrupts and suspends execution until the next
// interrupt arrives.
func WaitForInterrupt()

// Pause hints the CPU that the caller is executing a spin-wait loop.
func Pause()

// FlushTLBEntry flushes a TLB entry for a particular virtual address on the
// current CPU.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (eax, ebx, ecx, edx uint32)

// ReadMSR returns the contents of a model specific register.
func ReadMSR(msr uint32) uint64

// WriteMSR stores val into a model specific register.
func WriteMSR(msr uint32, val uint64)

// SwapGS exchanges the contents of the GS base register with the kernel GS
// base MSR.
func SwapGS()

// LoadGDT loads the GDT register from the 10-byte pseudo-descriptor at the
// supplied address.
func LoadGDT(gdtrAddr uintptr)

// LoadIDT loads the IDT register from the 10-byte pseudo-descriptor at the
// supplied address.
func LoadIDT(idtrAddr uintptr)

// LoadTaskRegister loads the task register with the supplied TSS selector.
func LoadTaskRegister(selector uint16)

// ReloadSegments reloads CS via a far return and the DS, ES and SS registers
// with the supplied selectors. FS and GS are left untouched as writing to
// them would reset their base addresses.
func ReloadSegments(code, data uint16)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// HasNX returns true if the CPU supports the no-execute page table bit.
func HasNX() bool {
	if maxExt, _, _, _ := cpuidFn(0x80000000); maxExt < cpuidExtFeatures {
		return false
	}

	_, _, _, edx := cpuidFn(cpuidExtFeatures)
	return edx&cpuidNXBit != 0
}

// EnableNX sets the EFER.NXE bit so that page table entries may use bit 63
// to mark pages as non-executable. It returns false if the CPU does not
// support the feature.
func EnableNX() bool {
	if !HasNX() {
		return false
	}

	writeMSRFn(MSRExtendedFeatures, readMSRFn(MSRExtendedFeatures)|eferNXE)
	return true
}

// SetKernelGSBase sets the value that the next SWAPGS will load into the GS
// base register.
func SetKernelGSBase(base uintptr) {
	writeMSRFn(MSRKernelGSBase, uint64(base))
}

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8
