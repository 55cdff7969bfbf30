package gate

import (
	"kernos/kernel"
	"kernos/kernel/cpu"
	"kernos/kernel/kfmt"
	"kernos/kernel/mm"
	"unsafe"
)

// State describes how far the descriptor tables of a CPU have been set up.
type State uint8

const (
	// StateUninitialized is the state before Init is called.
	StateUninitialized State = iota

	// StateDescriptorTables means that the GDT and TSS are loaded, the
	// segment registers are reloaded and the task register is set.
	StateDescriptorTables

	// StateInterruptTable means that the IDT is loaded and gates can be
	// installed.
	StateInterruptTable

	// StateReady means that all gates are installed and interrupts may be
	// delivered.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateDescriptorTables:
		return "descriptor tables built"
	case StateInterruptTable:
		return "interrupt table installed"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

const (
	// interruptStackSize is the size of the stack the CPU switches to when
	// an interrupt arrives while running in ring 3.
	interruptStackSize = 4 * mm.PageSize

	// doubleFaultStackSize is the size of the IST stack used by the double
	// fault handler so it runs on a known-good stack.
	doubleFaultStackSize = mm.PageSize

	// doubleFaultIST is the IST slot used by the double fault gate.
	doubleFaultIST = 1
)

var (
	// These functions are mocked by tests.
	loadGDTFn          = cpu.LoadGDT
	loadIDTFn          = cpu.LoadIDT
	loadTaskRegisterFn = cpu.LoadTaskRegister
	reloadSegmentsFn   = cpu.ReloadSegments
	trampolineAddrsFn  = trampolineAddrs

	// ErrInvalidState is returned when a Tables operation is invoked out of
	// order.
	ErrInvalidState = &kernel.Error{Module: "gate", Message: "descriptor tables in wrong state for operation", Kind: kernel.KindInvalid}

	// ErrNoTrampoline is returned when installing a gate for a vector that
	// has no entry trampoline.
	ErrNoTrampoline = &kernel.Error{Module: "gate", Message: "no entry trampoline for vector", Kind: kernel.KindInvalid}
)

// Tables holds the descriptor tables of a single CPU. The tables themselves
// live in memory obtained from a mm.PhysMem and are accessed through the
// addresses returned by its Translate method; these addresses must remain
// valid in every address space the CPU switches to.
type Tables struct {
	state State

	gdt uintptr
	tss uintptr
	idt uintptr

	// kernelStack is the top of the stack used for ring 3 to ring 0
	// transitions.
	kernelStack uintptr

	// pseudo is scratch space for the LGDT/LIDT operand.
	pseudo [pseudoDescBytes]byte
}

// State returns the current setup state.
func (t *Tables) State() State {
	return t.state
}

// KernelStack returns the top of the stack that the CPU loads when an
// interrupt arrives while running user code.
func (t *Tables) KernelStack() uintptr {
	return t.kernelStack
}

// Init builds and loads the GDT, TSS and IDT for the current CPU using
// memory allocated from pm. On success the tables are in
// StateInterruptTable with every gate marked not present.
func (t *Tables) Init(pm mm.PhysMem) *kernel.Error {
	if t.state != StateUninitialized {
		return ErrInvalidState
	}

	if err := t.buildDescriptorTables(pm); err != nil {
		return err
	}

	return t.installInterruptTable(pm)
}

// allocTranslated allocates and clears size bytes from pm and returns the
// address through which they can be accessed.
func allocTranslated(pm mm.PhysMem, size uintptr) (uintptr, *kernel.Error) {
	layout, err := mm.NewLayout(size, mm.PageSize)
	if err != nil {
		return 0, err
	}

	phys, err := mm.AllocPhysZeroed(pm, layout)
	if err != nil {
		return 0, err
	}

	return pm.Translate(phys, size)
}

func (t *Tables) buildDescriptorTables(pm mm.PhysMem) *kernel.Error {
	var err *kernel.Error

	if t.kernelStack, err = allocTranslated(pm, interruptStackSize); err != nil {
		return err
	}
	t.kernelStack += interruptStackSize

	dfStack, err := allocTranslated(pm, doubleFaultStackSize)
	if err != nil {
		return err
	}

	if t.tss, err = allocTranslated(pm, mm.PageSize); err != nil {
		return err
	}

	tss := t.TSS()
	tss.SetRSP(0, t.kernelStack)
	tss.SetIST(doubleFaultIST, dfStack+doubleFaultStackSize)
	tss.SetIOMapBase(tssSize)

	if t.gdt, err = allocTranslated(pm, mm.PageSize); err != nil {
		return err
	}

	gdt := t.gdtSlice()
	gdt[0] = 0
	gdt[KernelCodeSelector>>3] = kernelCodeDescriptor
	gdt[KernelDataSelector>>3] = kernelDataDescriptor
	gdt[UserCodeSelector>>3] = userCodeDescriptor
	gdt[UserDataSelector>>3] = userDataDescriptor
	gdt[TSSSelector>>3], gdt[TSSSelector>>3+1] = tssDescriptor(t.tss, tssDescLimit)

	pseudoDescriptor(t.pseudo[:], gdtEntries*8-1, t.gdt)
	loadGDTFn(uintptr(unsafe.Pointer(&t.pseudo[0])))
	reloadSegmentsFn(KernelCodeSelector, KernelDataSelector)
	loadTaskRegisterFn(TSSSelector)

	t.state = StateDescriptorTables
	kfmt.Debugf("gate", "GDT at 0x%x, TSS at 0x%x, kernel stack top 0x%x", t.gdt, t.tss, t.kernelStack)
	return nil
}

func (t *Tables) installInterruptTable(pm mm.PhysMem) *kernel.Error {
	var err *kernel.Error
	if t.idt, err = allocTranslated(pm, idtEntries*16); err != nil {
		return err
	}

	pseudoDescriptor(t.pseudo[:], idtEntries*16-1, t.idt)
	loadIDTFn(uintptr(unsafe.Pointer(&t.pseudo[0])))

	t.state = StateInterruptTable
	kfmt.Debugf("gate", "IDT at 0x%x", t.idt)
	return nil
}

// TSS returns the byte image of this CPU's task state segment.
func (t *Tables) TSS() TSS {
	return TSS(unsafe.Slice((*byte)(unsafe.Pointer(t.tss)), tssSize))
}

func (t *Tables) gdtSlice() []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(t.gdt)), gdtEntries)
}

func (t *Tables) idtSlice() []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(t.idt)), idtEntries*2)
}

// gateFor returns the descriptor installed for vector. Syscall is the only
// vector that user code may raise directly and double faults always run on
// a dedicated IST stack.
func gateFor(vector InterruptNumber, handler uintptr) gateDescriptor {
	desc := gateDescriptor{
		Handler:  handler,
		Selector: KernelCodeSelector,
		Type:     KernelInterruptGate,
	}

	switch vector {
	case Syscall:
		desc.Type = UserInterruptGate
	case DoubleFault:
		desc.IST = doubleFaultIST
	}

	return desc
}

// Install registers handler for vector and marks the vector's gate present
// so it points at the vector's entry trampoline.
func (t *Tables) Install(vector InterruptNumber, handler Handler) *kernel.Error {
	if t.state != StateInterruptTable && t.state != StateReady {
		return ErrInvalidState
	}

	var (
		addrs = trampolineAddrsFn()
		entry uintptr
	)
	for i, v := range trampolineVectors {
		if v == vector {
			entry = addrs[i]
			break
		}
	}

	if entry == 0 {
		return ErrNoTrampoline
	}

	HandleInterrupt(vector, handler)

	idt := t.idtSlice()
	idt[2*int(vector)], idt[2*int(vector)+1] = gateFor(vector, entry).encode()
	return nil
}

// MarkReady transitions the tables to StateReady once every required gate
// has been installed.
func (t *Tables) MarkReady() *kernel.Error {
	if t.state != StateInterruptTable {
		return ErrInvalidState
	}

	t.state = StateReady
	return nil
}
