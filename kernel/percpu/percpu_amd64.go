// Package percpu manages the core-local record of each CPU. The record is
// placed in memory obtained from a mm.PhysMem and its address is installed in
// the GS base register so that Current can locate it from any context,
// including interrupt handlers, without passing it around.
package percpu

import (
	"kernos/kernel"
	"kernos/kernel/cpu"
	"kernos/kernel/gate"
	"kernos/kernel/mm"
	"kernos/kernel/mm/vmm"
	"kernos/kernel/sync"
	"kernos/kernel/task"
	"sync/atomic"
	"unsafe"
)

var (
	// These functions are mocked by tests.
	setKernelGSBaseFn = cpu.SetKernelGSBase
	swapGSFn          = cpu.SwapGS
	currentFn         = readSelf

	coresOnline uint32
)

// NoTask is the CurrentTask value of a CPU that is not running any task.
const NoTask = -1

// Locals is the core-local record of a CPU. Each field that can be touched
// from interrupt context is wrapped in a sync.Cell.
type Locals struct {
	// self holds the address of the record and must remain the first
	// field; readSelf loads it from GS:0.
	self uintptr

	// ID is assigned in the order CPUs call Init, starting from 0.
	ID uint32

	KernelPageTable sync.Cell[vmm.PageTable]
	Interrupts      sync.Cell[gate.Tables]
	Tasks           sync.Cell[[]*task.Task]

	// CurrentTask is the index into Tasks of the running task or NoTask.
	CurrentTask sync.Cell[int]
}

// Init allocates and installs the core-local record for the calling CPU. The
// record is written into the kernel GS base MSR and SWAPGS makes it the
// active GS base; entries from user mode swap it back in.
func Init(pm mm.PhysMem) (*Locals, *kernel.Error) {
	layout, err := mm.NewLayout(unsafe.Sizeof(Locals{}), unsafe.Alignof(Locals{}))
	if err != nil {
		return nil, err
	}

	phys, err := mm.AllocPhysZeroed(pm, layout)
	if err != nil {
		return nil, err
	}

	addr, err := pm.Translate(phys, layout.Size)
	if err != nil {
		return nil, err
	}

	l := (*Locals)(unsafe.Pointer(addr))
	l.self = addr
	l.ID = atomic.AddUint32(&coresOnline, 1) - 1

	cur := l.CurrentTask.Lock()
	*cur.Value() = NoTask
	cur.Release()

	setKernelGSBaseFn(addr)
	swapGSFn()
	return l, nil
}

// Current returns the core-local record of the calling CPU. It must only be
// called after Init and while the kernel GS base is active.
func Current() *Locals {
	return (*Locals)(unsafe.Pointer(currentFn()))
}

// CoresOnline returns the number of CPUs that have called Init.
func CoresOnline() uint32 {
	return atomic.LoadUint32(&coresOnline)
}

// readSelf returns the value stored at offset 0 of the GS segment.
func readSelf() uintptr
