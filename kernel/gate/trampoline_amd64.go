package gate

// trampolineVectors lists the vectors that have an entry trampoline, in the
// order returned by trampolineAddrs.
var trampolineVectors = [numTrampolines]InterruptNumber{
	DivideByZero,
	InvalidOpcode,
	DoubleFault,
	GPFException,
	PageFaultException,
	Timer,
	Syscall,
}

const numTrampolines = 7

// trampolineAddrs returns the entry point addresses of the trampolines for
// the vectors in trampolineVectors.
//
// Each trampoline pushes a dummy error code if the CPU did not push one,
// followed by the vector number. The shared entry code then swaps the GS base
// if the interrupt arrived from ring 3, pushes the general purpose registers
// and calls dispatchInterrupt. On return the registers are restored, GS is
// swapped back if needed and IRETQ resumes the interrupted code.
func trampolineAddrs() [numTrampolines]uintptr

// Interrupt entry points implemented in gate_amd64.s. They are never called
// from Go; their addresses are installed in the IDT.
func trampolineDivideByZero()
func trampolineInvalidOpcode()
func trampolineDoubleFault()
func trampolineGPF()
func trampolinePageFault()
func trampolineTimer()
func trampolineSyscall()
func interruptEntry()
