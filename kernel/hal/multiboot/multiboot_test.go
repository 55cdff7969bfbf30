package multiboot

import (
	"encoding/binary"
	"runtime"
	"testing"
	"unsafe"
)

// infoBuilder assembles a multiboot2 information structure in memory.
type infoBuilder struct {
	tags []byte
}

func (b *infoBuilder) tag(t tagType, payload []byte) *infoBuilder {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(t))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(8+len(payload)))
	b.tags = append(b.tags, hdr[:]...)
	b.tags = append(b.tags, payload...)
	for len(b.tags)%8 != 0 {
		b.tags = append(b.tags, 0)
	}
	return b
}

// build returns the 8-byte aligned backing store for the info structure. The
// caller must keep it alive while the multiboot package accesses it.
func (b *infoBuilder) build() []uint64 {
	b.tag(tagMbSectionEnd, nil)

	raw := make([]byte, 8, 8+len(b.tags))
	binary.LittleEndian.PutUint32(raw[0:], uint32(8+len(b.tags)))
	raw = append(raw, b.tags...)

	data := make([]uint64, len(raw)/8)
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(raw)), raw)
	SetInfoPtr(uintptr(unsafe.Pointer(&data[0])))
	return data
}

func memMapPayload(entries ...MemoryMapEntry) []byte {
	payload := make([]byte, 8, 8+24*len(entries))
	binary.LittleEndian.PutUint32(payload[0:], 24)
	for _, e := range entries {
		var raw [24]byte
		binary.LittleEndian.PutUint64(raw[0:], e.PhysAddress)
		binary.LittleEndian.PutUint64(raw[8:], e.Length)
		binary.LittleEndian.PutUint32(raw[16:], uint32(e.Type))
		payload = append(payload, raw[:]...)
	}
	return payload
}

func modulePayload(start, end uint32, name string) []byte {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:], start)
	binary.LittleEndian.PutUint32(payload[4:], end)
	return append(append(payload, name...), 0)
}

func TestFindTagByType(t *testing.T) {
	data := new(infoBuilder).
		tag(tagBootCmdLine, []byte("loglevel=debug\x00")).
		tag(tagBootLoaderName, []byte("GRUB 2.06\x00")).
		tag(tagMemoryMap, memMapPayload(MemoryMapEntry{0, 0x9fc00, MemAvailable})).
		build()
	defer runtime.KeepAlive(data)

	specs := []struct {
		tagType tagType
		expSize uint32
	}{
		{tagBootCmdLine, 15},
		{tagBootLoaderName, 10},
		{tagMemoryMap, 32},
		{tagModules, 0},
		{tagElfSymbols, 0},
	}

	for specIndex, spec := range specs {
		ptr, size := findTagByType(spec.tagType)
		if size != spec.expSize {
			t.Errorf("[spec %d] expected tag size for tag type %d to be %d; got %d", specIndex, spec.tagType, spec.expSize, size)
		}
		if size == 0 && ptr != 0 {
			t.Errorf("[spec %d] expected a nil pointer for a missing tag", specIndex)
		}
	}
}

func TestVisitMemRegions(t *testing.T) {
	data := new(infoBuilder).
		tag(tagMemoryMap, memMapPayload(
			MemoryMapEntry{0, 0x9fc00, 0xff},
			MemoryMapEntry{0x100000, 0x100000, MemAvailable},
			MemoryMapEntry{0xf0000, 0x10000, MemReserved},
			MemoryMapEntry{0x7fe0000, 0x20000, MemAcpiReclaimable},
		)).
		build()
	defer runtime.KeepAlive(data)

	specs := []MemoryMapEntry{
		// unknown entry types are reported as reserved
		{0, 0x9fc00, MemReserved},
		{0x100000, 0x100000, MemAvailable},
		{0xf0000, 0x10000, MemReserved},
		{0x7fe0000, 0x20000, MemAcpiReclaimable},
	}

	var visitCount int
	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if visitCount >= len(specs) {
			t.Fatalf("unexpected visit %d", visitCount)
		}
		if exp := specs[visitCount]; *entry != exp {
			t.Errorf("[visit %d] expected entry %+v; got %+v", visitCount, exp, *entry)
		}
		visitCount++
		return true
	})

	if visitCount != len(specs) {
		t.Fatalf("expected visitor to be invoked %d times; got %d", len(specs), visitCount)
	}

	t.Run("abort scan", func(t *testing.T) {
		visitCount = 0
		VisitMemRegions(func(_ *MemoryMapEntry) bool {
			visitCount++
			return false
		})

		if visitCount != 1 {
			t.Fatalf("expected visitor to be invoked once; got %d", visitCount)
		}
	})

	t.Run("missing tag", func(t *testing.T) {
		empty := new(infoBuilder).build()
		defer runtime.KeepAlive(empty)

		VisitMemRegions(func(_ *MemoryMapEntry) bool {
			t.Fatal("expected visitor not to be invoked when no memory map tag is present")
			return false
		})
	})
}

func TestVisitModules(t *testing.T) {
	data := new(infoBuilder).
		tag(tagBootCmdLine, []byte("\x00")).
		tag(tagModules, modulePayload(0x200000, 0x203400, "__INIT__")).
		tag(tagModules, modulePayload(0x204000, 0x204800, "ramdisk")).
		build()
	defer runtime.KeepAlive(data)

	var mods []Module
	VisitModules(func(mod Module) bool {
		mods = append(mods, mod)
		return true
	})

	exp := []Module{
		{Name: "__INIT__", Start: 0x200000, End: 0x203400},
		{Name: "ramdisk", Start: 0x204000, End: 0x204800},
	}
	if len(mods) != len(exp) {
		t.Fatalf("expected %d modules; got %d", len(exp), len(mods))
	}
	for i := range exp {
		if mods[i] != exp[i] {
			t.Errorf("[module %d] expected %+v; got %+v", i, exp[i], mods[i])
		}
	}

	t.Run("find existing", func(t *testing.T) {
		mod, ok := FindModule("ramdisk")
		if !ok || mod != exp[1] {
			t.Fatalf("expected to find %+v; got %+v (found: %t)", exp[1], mod, ok)
		}
	})

	t.Run("find missing", func(t *testing.T) {
		if _, ok := FindModule("missing"); ok {
			t.Fatal("expected FindModule to fail for a missing module")
		}
	})
}

func TestVisitElfSections(t *testing.T) {
	strtab := []byte("\x00.text\x00.rodata\x00.bss\x00.shstrtab\x00")

	section := func(nameIndex uint32, flags ElfSectionFlag, addr, size uint64) []byte {
		var raw [64]byte
		binary.LittleEndian.PutUint32(raw[0:], nameIndex)
		binary.LittleEndian.PutUint64(raw[8:], uint64(flags))
		binary.LittleEndian.PutUint64(raw[16:], addr)
		binary.LittleEndian.PutUint64(raw[32:], size)
		return raw[:]
	}

	payload := make([]byte, 12)
	binary.LittleEndian.PutUint32(payload[0:], 6)
	binary.LittleEndian.PutUint32(payload[4:], 64)
	binary.LittleEndian.PutUint32(payload[8:], 5)
	payload = append(payload, section(0, 0, 0, 0)...)
	payload = append(payload, section(1, ElfSectionAllocated|ElfSectionExecutable, 0xffffffff80100000, 0x3000)...)
	payload = append(payload, section(7, ElfSectionAllocated, 0xffffffff80103000, 0x800)...)
	payload = append(payload, section(15, ElfSectionAllocated|ElfSectionWritable, 0xffffffff80104000, 0x2000)...)
	// empty sections are skipped
	payload = append(payload, section(1, ElfSectionAllocated, 0xffffffff80106000, 0)...)
	payload = append(payload, section(20, 0, uint64(uintptr(unsafe.Pointer(&strtab[0]))), uint64(len(strtab)))...)

	data := new(infoBuilder).tag(tagElfSymbols, payload).build()
	defer runtime.KeepAlive(data)

	type visit struct {
		name  string
		flags ElfSectionFlag
		addr  uintptr
		size  uint64
	}

	exp := []visit{
		{".text", ElfSectionAllocated | ElfSectionExecutable, 0xffffffff80100000, 0x3000},
		{".rodata", ElfSectionAllocated, 0xffffffff80103000, 0x800},
		{".bss", ElfSectionAllocated | ElfSectionWritable, 0xffffffff80104000, 0x2000},
		{".shstrtab", 0, uintptr(unsafe.Pointer(&strtab[0])), uint64(len(strtab))},
	}

	var got []visit
	VisitElfSections(func(name string, flags ElfSectionFlag, addr uintptr, size uint64) {
		got = append(got, visit{name, flags, addr, size})
	})

	if len(got) != len(exp) {
		t.Fatalf("expected %d sections; got %d", len(exp), len(got))
	}
	for i := range exp {
		if got[i] != exp[i] {
			t.Errorf("[section %d] expected %+v; got %+v", i, exp[i], got[i])
		}
	}
}

func TestGetBootCmdLine(t *testing.T) {
	data := new(infoBuilder).
		tag(tagBootCmdLine, []byte("loglevel=debug timer_hz=250  noapic init=shell\x00")).
		build()
	defer runtime.KeepAlive(data)

	exp := map[string]string{
		"loglevel": "debug",
		"timer_hz": "250",
		"noapic":   "noapic",
		"init":     "shell",
	}

	got := GetBootCmdLine()
	if len(got) != len(exp) {
		t.Fatalf("expected %d key/value pairs; got %d", len(exp), len(got))
	}
	for k, v := range exp {
		if got[k] != v {
			t.Errorf("expected %q to map to %q; got %q", k, v, got[k])
		}
	}

	t.Run("cached", func(t *testing.T) {
		got["extra"] = "1"
		if GetBootCmdLine()["extra"] != "1" {
			t.Fatal("expected GetBootCmdLine to return the cached map")
		}
	})

	t.Run("missing tag", func(t *testing.T) {
		empty := new(infoBuilder).build()
		defer runtime.KeepAlive(empty)

		if got := GetBootCmdLine(); len(got) != 0 {
			t.Fatalf("expected an empty map; got %v", got)
		}
	})
}

func TestInfoSize(t *testing.T) {
	data := new(infoBuilder).
		tag(tagBootCmdLine, []byte("init=shell\x00")).
		build()
	defer runtime.KeepAlive(data)

	// fixed header + cmdline tag (8+11 padded to 24) + end tag
	if exp, got := uintptr(8+24+8), InfoSize(); got != exp {
		t.Fatalf("expected info size %d; got %d", exp, got)
	}

	SetInfoPtr(0)
	if got := InfoSize(); got != 0 {
		t.Fatalf("expected info size 0 without an info pointer; got %d", got)
	}
}
