// Package irq installs the interrupt handlers of a CPU: fatal diagnostics for
// processor exceptions, the timer interrupt that drives preemption and the
// software interrupt used for system calls. Handlers receive the core-local
// record of the CPU they run on as an explicit argument.
package irq

import (
	"kernos/kernel"
	"kernos/kernel/gate"
	"kernos/kernel/kfmt"
	"kernos/kernel/mm"
	"kernos/kernel/percpu"
)

// Handler is a typed interrupt handler. Changes made to regs or frame are
// restored into the CPU when the handler returns.
type Handler func(l *percpu.Locals, regs *gate.Registers, frame *gate.Frame, errorCode uint64)

var (
	// These functions are mocked by tests.
	currentFn    = percpu.Current
	tablesInitFn = (*gate.Tables).Init
	installFn    = (*gate.Tables).Install
	markReadyFn  = (*gate.Tables).MarkReady
)

// adapt wraps h into a gate.Handler that looks up the core-local record of
// the CPU handling the interrupt.
func adapt(h Handler) gate.Handler {
	return func(regs *gate.Registers, frame *gate.Frame, errorCode uint64) {
		h(currentFn(), regs, frame, errorCode)
	}
}

// handlerTable lists the vectors installed by Init.
var handlerTable = []struct {
	vector  gate.InterruptNumber
	handler Handler
}{
	{gate.DivideByZero, divideErrorHandler},
	{gate.InvalidOpcode, invalidOpcodeHandler},
	{gate.DoubleFault, doubleFaultHandler},
	{gate.GPFException, generalProtectionFaultHandler},
	{gate.PageFaultException, pageFaultHandler},
	{gate.Timer, timerHandler},
	{gate.Syscall, syscallHandler},
}

// Init builds the descriptor tables of the CPU described by l using memory
// from pm, installs every handler and starts the timer at hz interrupts per
// second. Interrupts remain disabled; the caller enables them once the CPU
// is ready to be preempted.
func Init(l *percpu.Locals, pm mm.PhysMem, hz uint32) *kernel.Error {
	guard := l.Interrupts.Lock()
	defer guard.Release()

	tables := guard.Value()
	if err := tablesInitFn(tables, pm); err != nil {
		return err
	}

	for _, entry := range handlerTable {
		if err := installFn(tables, entry.vector, adapt(entry.handler)); err != nil {
			return err
		}
	}

	remapPIC()
	actualHz := startTimer(hz)

	if err := markReadyFn(tables); err != nil {
		return err
	}

	kfmt.Infof("irq", "core %d: %d handlers installed, timer at %d Hz", l.ID, len(handlerTable), actualHz)
	return nil
}
