package irq

import (
	"io"
	"kernos/kernel"
	"kernos/kernel/cpu"
	"kernos/kernel/gate"
	"kernos/kernel/kfmt"
	"kernos/kernel/percpu"
)

var (
	// These functions are mocked by tests.
	readCR2Fn = cpu.ReadCR2
	panicFn   = kfmt.Panic

	errDivideError     = &kernel.Error{Module: "irq", Message: "divide error", Kind: kernel.KindFault}
	errInvalidOpcode   = &kernel.Error{Module: "irq", Message: "invalid opcode", Kind: kernel.KindFault}
	errDoubleFault     = &kernel.Error{Module: "irq", Message: "double fault", Kind: kernel.KindFault}
	errGeneralProtect  = &kernel.Error{Module: "irq", Message: "general protection fault", Kind: kernel.KindFault}
	errUnrecoverablePF = &kernel.Error{Module: "irq", Message: "unrecoverable page fault", Kind: kernel.KindFault}
)

// Page fault error code bits.
const (
	pfPresent     = 1 << 0
	pfWrite       = 1 << 1
	pfUser        = 1 << 2
	pfReservedBit = 1 << 3
	pfFetch       = 1 << 4
)

// dumpState writes the interrupted frame and registers to the active output
// sink, indented under a header.
func dumpState(regs *gate.Registers, frame *gate.Frame) {
	var w io.Writer
	if sink := kfmt.GetOutputSink(); sink != nil {
		w = &kfmt.PrefixWriter{Sink: sink, Prefix: []byte("  ")}
	}

	kfmt.Printf("\nFrame:\n")
	frame.DumpTo(w)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(w)
}

func divideErrorHandler(l *percpu.Locals, regs *gate.Registers, frame *gate.Frame, _ uint64) {
	kfmt.Printf("\nDivide error on core %d at RIP 0x%16x\n", l.ID, frame.RIP)
	dumpState(regs, frame)
	panicFn(errDivideError)
}

func invalidOpcodeHandler(l *percpu.Locals, regs *gate.Registers, frame *gate.Frame, _ uint64) {
	kfmt.Printf("\nInvalid opcode on core %d at RIP 0x%16x\n", l.ID, frame.RIP)
	dumpState(regs, frame)
	panicFn(errInvalidOpcode)
}

// doubleFaultHandler runs on its own IST stack; the error code is always 0.
func doubleFaultHandler(l *percpu.Locals, regs *gate.Registers, frame *gate.Frame, _ uint64) {
	kfmt.Printf("\nDouble fault on core %d\n", l.ID)
	dumpState(regs, frame)
	panicFn(errDoubleFault)
}

// generalProtectionFaultHandler is invoked for various reasons:
// - segment errors (privilege, type or limit violations)
// - executing privileged instructions outside ring-0
// - attempts to access reserved or unimplemented CPU registers
func generalProtectionFaultHandler(l *percpu.Locals, regs *gate.Registers, frame *gate.Frame, errorCode uint64) {
	kfmt.Printf("\nGeneral protection fault on core %d at RIP 0x%16x (selector index 0x%x)\n", l.ID, frame.RIP, errorCode)
	dumpState(regs, frame)
	panicFn(errGeneralProtect)
}

// pageFaultHandler reports the faulting address and the decoded reason. No
// fault is recoverable.
func pageFaultHandler(l *percpu.Locals, regs *gate.Registers, frame *gate.Frame, errorCode uint64) {
	kfmt.Printf("\nPage fault on core %d while accessing address: 0x%16x\nReason: ", l.ID, readCR2Fn())

	switch {
	case errorCode&pfReservedBit != 0:
		kfmt.Printf("page table has reserved bit set")
	case errorCode&pfFetch != 0:
		kfmt.Printf("instruction fetch")
	case errorCode&(pfPresent|pfWrite) == 0:
		kfmt.Printf("read from non-present page")
	case errorCode&(pfPresent|pfWrite) == pfPresent:
		kfmt.Printf("page protection violation (read)")
	case errorCode&(pfPresent|pfWrite) == pfWrite:
		kfmt.Printf("write to non-present page")
	default:
		kfmt.Printf("page protection violation (write)")
	}

	if errorCode&pfUser != 0 {
		kfmt.Printf(" in user-mode")
	}

	kfmt.Printf("\n")
	dumpState(regs, frame)
	panicFn(errUnrecoverablePF)
}
