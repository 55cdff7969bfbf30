// Package kmain contains the kernel entrypoint. It brings up the memory
// managers, the Go runtime, the output sink and the interrupt pipeline of
// the boot CPU before handing the CPU over to the scheduler.
package kmain

import (
	"kernos/device"
	"kernos/kernel"
	"kernos/kernel/cpu"
	"kernos/kernel/goruntime"
	"kernos/kernel/hal"
	"kernos/kernel/hal/multiboot"
	"kernos/kernel/irq"
	"kernos/kernel/kfmt"
	"kernos/kernel/mm"
	"kernos/kernel/mm/pmm"
	"kernos/kernel/mm/vmm"
	"kernos/kernel/percpu"
	"kernos/kernel/sched"
	"kernos/kernel/serial"
	"kernos/kernel/task"
	"strconv"
	"unsafe"
)

const (
	defaultTimerHz    = 100
	defaultInitModule = "__INIT__"
	maxInitCopies     = 8
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned", Kind: kernel.KindFault}
	errNoInitModule  = &kernel.Error{Module: "kmain", Message: "init module not found", Kind: kernel.KindInvalid}

	// These functions are mocked by tests.
	visitMemRegionsFn  = multiboot.VisitMemRegions
	visitModulesFn     = multiboot.VisitModules
	enableNXFn         = cpu.EnableNX
	buildKernelSpaceFn = vmm.BuildKernelSpace
	switchToFn         = vmm.PageTable.SwitchTo
	pmmInitFn          = pmm.Init
	goruntimeInitFn    = goruntime.Init
	detectHardwareFn   = hal.DetectHardware
	cmdLineFn          = multiboot.GetBootCmdLine
	percpuInitFn       = percpu.Init
	irqInitFn          = irq.Init
	findModuleFn       = multiboot.FindModule
	moduleImageFn      = moduleImage
	loadTaskFn         = loadTask
	enableInterruptsFn = cpu.EnableInterrupts
	idleFn             = idle

	// physMem serves every allocation made after the global allocator is
	// seeded.
	physMem mm.PhysMem = pmm.Allocator{}

	// bootMem and reserved are used before the Go allocator is available
	// and must not live on the heap.
	bootMem  pmm.BootMem
	reserved pmm.RangeSet
)

// config holds the settings read from the kernel command line.
type config struct {
	logLevel   kfmt.Level
	timerHz    uint32
	initModule string
	initCopies int
}

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	if err := boot(multibootInfoPtr, kernelStart, kernelEnd); err != nil {
		panic(err)
	}

	enableInterruptsFn()
	idleFn()

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// boot runs the initialization sequence of the boot CPU. On success the
// init tasks are queued and the first timer interrupt will schedule them.
func boot(infoPtr, kernelStart, kernelEnd uintptr) *kernel.Error {
	if err := reserveBootRanges(infoPtr, kernelStart, kernelEnd); err != nil {
		return err
	}

	if err := bootMem.Init(mm.IdentityMapSize, reserved.Entries()...); err != nil {
		return err
	}

	vmm.SetNoExecuteSupported(enableNXFn())

	kernelTable, err := buildKernelSpaceFn(&bootMem, physMemEnd())
	if err != nil {
		return err
	}
	switchToFn(kernelTable)

	if err = pmmInitFn(&bootMem, &reserved); err != nil {
		return err
	}

	if err = goruntimeInitFn(kernelTable); err != nil {
		return err
	}

	device.RegisterDriver(serial.DriverInfo())
	detectHardwareFn()

	cfg := parseCmdLine(cmdLineFn())
	kfmt.SetLogLevel(cfg.logLevel)

	l, err := percpuInitFn(physMem)
	if err != nil {
		return err
	}

	guard := l.KernelPageTable.Lock()
	*guard.Value() = kernelTable
	guard.Release()

	if err = irqInitFn(l, physMem, cfg.timerHz); err != nil {
		return err
	}

	return spawnInit(l, kernelTable, cfg)
}

// reserveBootRanges marks the memory that holds the kernel image, the
// multiboot information and the boot modules as off-limits to both
// allocators.
func reserveBootRanges(infoPtr, kernelStart, kernelEnd uintptr) *kernel.Error {
	reserved = pmm.RangeSet{}

	if kernelEnd > kernelStart {
		if err := reserved.Insert(pmm.Range{Start: uint64(kernelStart), End: uint64(kernelEnd - 1)}); err != nil {
			return err
		}
	}

	if size := multiboot.InfoSize(); size != 0 {
		if err := reserved.Insert(pmm.Range{Start: uint64(infoPtr), End: uint64(infoPtr + size - 1)}); err != nil {
			return err
		}
	}

	var err *kernel.Error
	visitor := func(mod multiboot.Module) bool {
		if mod.End > mod.Start {
			err = reserved.Insert(pmm.Range{Start: uint64(mod.Start), End: uint64(mod.End - 1)})
		}
		return err == nil
	}

	// Use the noescape hack to prevent the compiler from leaking the visitor
	// function literal to the heap.
	visitModulesFn(
		*(*multiboot.ModuleVisitor)(noEscape(unsafe.Pointer(&visitor))),
	)

	return err
}

// physMemEnd returns the end of the highest available memory region.
func physMemEnd() mm.PhysAddr {
	var end uint64
	visitor := func(region *multiboot.MemoryMapEntry) bool {
		if region.Type == multiboot.MemAvailable && region.PhysAddress+region.Length > end {
			end = region.PhysAddress + region.Length
		}
		return true
	}

	visitMemRegionsFn(
		*(*multiboot.MemRegionVisitor)(noEscape(unsafe.Pointer(&visitor))),
	)

	return mm.PhysAddr(end)
}

// parseCmdLine extracts the kernel settings from the command line key/value
// pairs. Invalid values are reported and replaced by their defaults.
func parseCmdLine(kv map[string]string) config {
	cfg := config{
		logLevel:   kfmt.LevelInfo,
		timerHz:    defaultTimerHz,
		initModule: defaultInitModule,
		initCopies: 1,
	}

	if v, ok := kv["loglevel"]; ok {
		if lvl, valid := kfmt.ParseLevel(v); valid {
			cfg.logLevel = lvl
		} else {
			kfmt.Warnf("kmain", "ignoring unknown log level %s", v)
		}
	}

	if v, ok := kv["timer_hz"]; ok {
		if hz, err := strconv.ParseUint(v, 10, 32); err == nil && hz != 0 {
			cfg.timerHz = uint32(hz)
		} else {
			kfmt.Warnf("kmain", "ignoring invalid timer_hz value %s", v)
		}
	}

	if v, ok := kv["init"]; ok && v != "" {
		cfg.initModule = v
	}

	if v, ok := kv["init_copies"]; ok {
		switch n, err := strconv.Atoi(v); {
		case err != nil || n < 1:
			kfmt.Warnf("kmain", "ignoring invalid init_copies value %s", v)
		case n > maxInitCopies:
			cfg.initCopies = maxInitCopies
		default:
			cfg.initCopies = n
		}
	}

	return cfg
}

// moduleImage returns the contents of mod through the kernel direct map.
func moduleImage(mod multiboot.Module) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(mm.PhysMapBase+mod.Start)), mod.End-mod.Start)
}

// loadTask creates a task whose address space shares the kernel half of
// kernelTable and loads image into it.
func loadTask(pm mm.PhysMem, kernelTable vmm.PageTable, image []byte) (*task.Task, *kernel.Error) {
	table, err := vmm.NewFrom(pm, kernelTable)
	if err != nil {
		return nil, err
	}

	t, err := task.New(pm, table)
	if err != nil {
		return nil, err
	}

	if err = t.LoadELF(pm, image); err != nil {
		return nil, err
	}

	return t, nil
}

// spawnInit queues cfg.initCopies tasks running the init module on l.
func spawnInit(l *percpu.Locals, kernelTable vmm.PageTable, cfg config) *kernel.Error {
	mod, ok := findModuleFn(cfg.initModule)
	if !ok {
		kfmt.Errorf("kmain", "no boot module named %s", cfg.initModule)
		return errNoInitModule
	}

	image := moduleImageFn(mod)
	for i := 0; i < cfg.initCopies; i++ {
		t, err := loadTaskFn(physMem, kernelTable, image)
		if err != nil {
			return err
		}

		sched.Spawn(l, t)
	}

	kfmt.Infof("kmain", "spawned %d task(s) from module %s (%d bytes)", cfg.initCopies, cfg.initModule, len(image))
	return nil
}

// idle parks the boot CPU between interrupts.
func idle() {
	for {
		cpu.WaitForInterrupt()
	}
}

// noEscape hides a pointer from escape analysis (see runtime/stubs.go).
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
