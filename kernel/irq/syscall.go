package irq

import (
	"kernos/kernel/gate"
	"kernos/kernel/kfmt"
	"kernos/kernel/percpu"
	"kernos/kernel/sched"
)

// SyscallNumber selects the operation requested through the syscall vector.
// User code passes it in RAX and receives the result in RAX.
type SyscallNumber uint64

const (
	// SysCoreID returns the ID of the CPU running the caller.
	SysCoreID SyscallNumber = iota

	// SysTicks returns the number of timer ticks since boot.
	SysTicks

	syscallCount
)

// SyscallFailed is returned in RAX for unknown syscall numbers.
const SyscallFailed = ^uint64(0)

var (
	// ticksFn is mocked by tests.
	ticksFn = sched.Ticks

	syscallTable = [syscallCount]func(l *percpu.Locals, regs *gate.Registers) uint64{
		SysCoreID: sysCoreID,
		SysTicks:  sysTicks,
	}
)

func sysCoreID(l *percpu.Locals, _ *gate.Registers) uint64 {
	return uint64(l.ID)
}

func sysTicks(_ *percpu.Locals, _ *gate.Registers) uint64 {
	return ticksFn()
}

// syscallHandler dispatches on RAX. Unknown numbers get SyscallFailed.
func syscallHandler(l *percpu.Locals, regs *gate.Registers, frame *gate.Frame, _ uint64) {
	if regs.RAX >= uint64(syscallCount) {
		kfmt.Debugf("irq", "core %d: unknown syscall %d from RIP 0x%x", l.ID, regs.RAX, frame.RIP)
		regs.RAX = SyscallFailed
		return
	}

	regs.RAX = syscallTable[regs.RAX](l, regs)
}
