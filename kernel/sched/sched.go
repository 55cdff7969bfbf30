// Package sched implements timer-driven round-robin preemption of the tasks
// owned by a CPU.
package sched

import (
	"kernos/kernel/cpu"
	"kernos/kernel/gate"
	"kernos/kernel/kfmt"
	"kernos/kernel/mm"
	"kernos/kernel/mm/vmm"
	"kernos/kernel/percpu"
	"kernos/kernel/task"
	"sync/atomic"
)

var (
	// These functions are mocked by tests.
	switchToFn    = vmm.PageTable.SwitchTo
	activeTableFn = activeTable
	resumeFn      = (*task.Task).Resume

	ticks uint64
)

// Spawn appends t to the task list of the CPU described by l. The task runs
// for the first time on a later timer tick.
func Spawn(l *percpu.Locals, t *task.Task) {
	tasks := l.Tasks.Lock()
	*tasks.Value() = append(*tasks.Value(), t)
	count := len(*tasks.Value())
	tasks.Release()

	kfmt.Debugf("sched", "core %d: spawned task %d", l.ID, count-1)
}

// Ticks returns the number of timer ticks handled since boot.
func Ticks() uint64 {
	return atomic.LoadUint64(&ticks)
}

// activeTable returns the page table currently loaded in CR3.
func activeTable() vmm.PageTable {
	return vmm.FromRoot(mm.PhysAddr(cpu.ActivePDT()))
}

// Tick is invoked by the timer interrupt handler. It saves the state of the
// interrupted task, advances to the next task in the list and resumes it. If
// the CPU has no tasks, Tick restores the interrupted address space and
// returns so that the interrupted code continues.
func Tick(l *percpu.Locals, regs *gate.Registers, frame *gate.Frame) {
	atomic.AddUint64(&ticks, 1)

	// The interrupted table may belong to a task; handler code and data are
	// only guaranteed to be mapped by the kernel table.
	interrupted := activeTableFn()
	kernelTable := l.KernelPageTable.Lock()
	switchToFn(*kernelTable.Value())
	kernelTable.Release()

	tasks := l.Tasks.Lock()
	defer tasks.Release()

	current := l.CurrentTask.Lock()
	defer current.Release()

	var (
		list = *tasks.Value()
		idx  = current.Value()
	)

	if *idx >= 0 && *idx < len(list) && frame.FromUserMode() {
		list[*idx].Save(regs, frame)
	}

	if len(list) == 0 {
		*idx = percpu.NoTask
		switchToFn(interrupted)
		return
	}

	*idx = (*idx + 1) % len(list)
	next := list[*idx]
	current.Release()

	// Resume does not return through this stack.
	tasks.ReleaseAndTransfer(func() { resumeFn(next) })
}
