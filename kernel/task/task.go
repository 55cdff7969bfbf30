// Package task implements user mode tasks: a private address space sharing
// the kernel half of the kernel page table, a fixed-address user stack and
// an image loaded from an ELF executable.
package task

import (
	"bytes"
	"debug/elf"
	"kernos/kernel"
	"kernos/kernel/gate"
	"kernos/kernel/kfmt"
	"kernos/kernel/mm"
	"kernos/kernel/mm/vmm"
)

const (
	// StackBase is the virtual address of the lowest byte of every task's
	// user stack.
	StackBase = uintptr(0x00007fffcafe0000)

	// StackSize is the size of the user stack.
	StackSize = mm.PageSize

	// userSpaceEnd is the first address past the canonical lower half.
	userSpaceEnd = uint64(0x0000800000000000)

	rflagsReserved = uintptr(1 << 1)
	rflagsIF       = uintptr(1 << 9)
	rflagsIOPL     = uintptr(3 << 12)

	// initialRFlags is the flags register of a task that has never run.
	initialRFlags = rflagsReserved | rflagsIF
)

var (
	// These functions are mocked by tests.
	switchToFn      = vmm.PageTable.SwitchTo
	enterUserModeFn = gate.EnterUserMode

	// ErrInvalidImage is returned for ELF images that cannot be loaded.
	ErrInvalidImage = &kernel.Error{Module: "task", Message: "invalid ELF image", Kind: kernel.KindInvalid}
)

// Context is the state needed to resume a task: its general purpose
// registers, its instruction and stack pointers and its flags register.
type Context struct {
	Regs   gate.Registers
	RIP    uintptr
	RSP    uintptr
	RFlags uintptr
}

// Task is a user mode program together with its address space.
type Task struct {
	Context Context

	table vmm.PageTable
}

// New creates a task that runs in table and maps a zeroed user stack at
// StackBase. The task has no code until LoadELF is called.
func New(pm mm.PhysMem, table vmm.PageTable) (*Task, *kernel.Error) {
	stack, err := mm.AllocPhysZeroed(pm, mm.PageLayout)
	if err != nil {
		return nil, err
	}

	flags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagUserAccessible | vmm.NoExecute()
	if err = table.MapRaw(pm, mm.VirtAddr(StackBase), vmm.Page4K, uintptr(stack)|uintptr(flags), true, true, false); err != nil {
		return nil, err
	}

	return &Task{
		Context: Context{RSP: StackBase + StackSize, RFlags: initialRFlags},
		table:   table,
	}, nil
}

// PageTable returns the task's page table.
func (t *Task) PageTable() vmm.PageTable {
	return t.table
}

// sectionFlags returns the page flags for a loadable section.
func sectionFlags(flags elf.SectionFlag) vmm.PageTableEntryFlag {
	pteFlags := vmm.FlagPresent | vmm.FlagUserAccessible
	if flags&elf.SHF_WRITE != 0 {
		pteFlags |= vmm.FlagRW
	}

	if flags&elf.SHF_EXECINSTR == 0 {
		pteFlags |= vmm.NoExecute()
	}

	return pteFlags
}

// LoadELF maps the allocated sections of the ELF executable in image into
// the task's address space and sets the entry point. PROGBITS sections are
// copied in and NOBITS sections are left zeroed. Pages shared by several
// sections keep a single frame and get the union of the sections'
// permissions.
//
// Section contents are written through pm rather than through the task's
// page table, so the table does not need to be active.
func (t *Task) LoadELF(pm mm.PhysMem, image []byte) *kernel.Error {
	f, goErr := elf.NewFile(bytes.NewReader(image))
	if goErr != nil {
		kfmt.Warnf("task", "unable to parse ELF image: %s", goErr.Error())
		return ErrInvalidImage
	}

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return ErrInvalidImage
	}

	for _, section := range f.Sections {
		if section.Flags&elf.SHF_ALLOC == 0 || section.Size == 0 {
			continue
		}

		if section.Type != elf.SHT_PROGBITS && section.Type != elf.SHT_NOBITS {
			continue
		}

		if section.Addr+section.Size < section.Addr || section.Addr+section.Size > userSpaceEnd {
			return ErrInvalidImage
		}

		if err := t.mapSection(pm, section); err != nil {
			return err
		}
	}

	t.Context.RIP = uintptr(f.Entry)
	kfmt.Debugf("task", "loaded image with entry point 0x%x", f.Entry)
	return nil
}

func (t *Task) mapSection(pm mm.PhysMem, section *elf.Section) *kernel.Error {
	var (
		flags  = sectionFlags(section.Flags)
		start  = mm.AlignDown(uintptr(section.Addr), mm.PageSize)
		end, _ = mm.AlignUp(uintptr(section.Addr+section.Size), mm.PageSize)
	)

	kfmt.Debugf("task", "mapping section %s at [0x%x - 0x%x]", section.Name, start, end)

	for page := start; page < end; page += mm.PageSize {
		vaddr := mm.VirtAddr(page)

		if existing, err := t.table.Lookup(pm, vaddr, vmm.Page4K); err == nil {
			raw := existing | uintptr(flags)
			if existing&uintptr(vmm.FlagNoExecute) == 0 || flags&vmm.FlagNoExecute == 0 {
				raw &^= uintptr(vmm.FlagNoExecute)
			}

			// the task table is inactive while loading; no TLB flush
			if err = t.table.MapRaw(pm, vaddr, vmm.Page4K, raw, false, true, false); err != nil {
				return err
			}
			continue
		}

		frame, err := mm.AllocPhysZeroed(pm, mm.PageLayout)
		if err != nil {
			return err
		}

		if err = t.table.MapRaw(pm, vaddr, vmm.Page4K, uintptr(frame)|uintptr(flags), true, false, false); err != nil {
			return err
		}
	}

	if section.Type == elf.SHT_NOBITS {
		return nil
	}

	data, goErr := section.Data()
	if goErr != nil {
		return ErrInvalidImage
	}

	return t.table.WriteAt(pm, mm.VirtAddr(section.Addr), data)
}

// Save records the state of the task when it was interrupted.
func (t *Task) Save(regs *gate.Registers, frame *gate.Frame) {
	t.Context.Regs = *regs
	t.Context.RIP = uintptr(frame.RIP)
	t.Context.RSP = uintptr(frame.RSP)
	t.Context.RFlags = uintptr(frame.RFlags)
}

// Resume activates the task's page table and continues its execution in
// user mode. Calls to Resume never return.
func (t *Task) Resume() {
	switchToFn(t.table)
	enterUserModeFn(&t.Context.Regs, t.Context.RIP, t.Context.RSP, userRFlags(t.Context.RFlags))
}

// userRFlags returns the flags register a task resumes with. Interrupts stay
// enabled and the I/O privilege level stays 0 whatever the saved value.
func userRFlags(saved uintptr) uintptr {
	return (saved | rflagsReserved | rflagsIF) &^ rflagsIOPL
}
