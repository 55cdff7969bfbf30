// Package gate encodes the x86-64 descriptor tables (GDT, TSS and IDT),
// installs them on the current CPU and routes interrupts from the low-level
// entry trampolines to typed Go handlers.
package gate

import (
	"io"
	"kernos/kernel"
	"kernos/kernel/kfmt"
)

// Registers contains a snapshot of the general purpose registers when an
// exception, interrupt or syscall occurs. The field order matches the layout
// produced by the entry trampolines.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RBP uint64
	RSI uint64
	RDI uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
}

// Frame is the return frame pushed by the CPU and consumed by IRETQ.
type Frame struct {
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the frame contents to w.
func (f *Frame) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", f.RIP, f.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", f.RSP, f.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", f.RFlags)
}

// FromUserMode returns true if the interrupted code was running in ring 3.
func (f *Frame) FromUserMode() bool {
	return f.CS&3 == 3
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = InterruptNumber(2)

	// Overflow occurs when an overflow occurs (e.g result of division
	// cannot fit into the registers used).
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available or while
	// FPU/MMX/SSE support has been disabled by manipulating the CR0
	// register.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address or when the stack base/limit (set in
	// GDT) checks fail.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs while invoking an FP instruction while:
	//  - CR0.NE = 1 OR
	//  - an unmasked FP exception is pending
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligmed memory access is performed.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1. If the OSXMMEXCPT bit is
	// not set, SIMD FP exceptions cause InvalidOpcode exceptions instead.
	SIMDFloatingPointException = InterruptNumber(19)

	// Timer is the vector that the remapped PIT interrupt (IRQ0) is
	// delivered to.
	Timer = InterruptNumber(0x20)

	// Syscall is the software interrupt vector used by user code to
	// request kernel services.
	Syscall = InterruptNumber(0x80)
)

// Handler is invoked for an interrupt routed through the gate. errorCode is
// zero for vectors for which the CPU does not push an error code. Any
// modifications to regs or frame are visible to the interrupted code once
// the handler returns.
type Handler func(regs *Registers, frame *Frame, errorCode uint64)

var (
	handlers [256]Handler

	// unhandledFn is invoked for vectors without a registered handler.
	unhandledFn = func(err *kernel.Error) { kfmt.Panic(err) }

	errUnhandledInterrupt = &kernel.Error{Module: "gate", Message: "unhandled interrupt", Kind: kernel.KindFault}
)

// HandleInterrupt registers handler for the given vector. The gate for the
// vector must also be installed in the interrupt table via
// Tables.Install before the handler can fire.
func HandleInterrupt(vector InterruptNumber, handler Handler) {
	handlers[vector] = handler
}

// dispatchInterrupt is invoked by the entry trampolines after saving the
// general purpose registers.
func dispatchInterrupt(regs *Registers, frame *Frame, vector, errorCode uint64) {
	if handler := handlers[uint8(vector)]; handler != nil {
		handler(regs, frame, errorCode)
		return
	}

	kfmt.Errorf("gate", "unhandled interrupt vector %d (error code %x)", vector, errorCode)
	frame.DumpTo(kfmt.GetOutputSink())
	unhandledFn(errUnhandledInterrupt)
}

// EnterUserMode loads the general purpose registers from regs and transfers
// control to rip in ring 3 with the stack pointer set to rsp and the flags
// register set to rflags. The transfer is performed by building an IRETQ frame so that the
// privilege level, segments, instruction and stack pointers change in one
// step. EnterUserMode swaps the GS base before returning to user mode.
//
// Calls to EnterUserMode never return.
func EnterUserMode(regs *Registers, rip, rsp, rflags uintptr)
