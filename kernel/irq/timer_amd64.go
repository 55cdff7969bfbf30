package irq

import (
	"kernos/kernel/gate"
	"kernos/kernel/percpu"
	"kernos/kernel/sched"
)

var (
	// tickFn is mocked by tests.
	tickFn = sched.Tick
)

// timerHandler acknowledges IRQ0 before handing over to the scheduler since
// sched.Tick normally resumes a task instead of returning.
func timerHandler(l *percpu.Locals, regs *gate.Registers, frame *gate.Frame, _ uint64) {
	endOfInterrupt(0)
	tickFn(l, regs, frame)
}
