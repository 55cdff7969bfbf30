package cpu

import "testing"

func TestIsIntel(t *testing.T) {
	defer func() {
		cpuidFn = ID
	}()

	specs := []struct {
		eax, ebx, ecx, edx uint32
		exp                bool
	}{
		// CPUID output from an Intel CPU
		{0xd, 0x756e6547, 0x6c65746e, 0x49656e69, true},
		// CPUID output from an AMD Athlon CPU
		{0x1, 68747541, 0x444d4163, 0x69746e65, false},
	}

	for specIndex, spec := range specs {
		cpuidFn = func(_ uint32) (uint32, uint32, uint32, uint32) {
			return spec.eax, spec.ebx, spec.ecx, spec.edx
		}

		if got := IsIntel(); got != spec.exp {
			t.Errorf("[spec %d] expected IsIntel to return %t; got %t", specIndex, spec.exp, got)
		}
	}
}

func TestHasNX(t *testing.T) {
	defer func() {
		cpuidFn = ID
	}()

	specs := []struct {
		maxExt uint32
		extEDX uint32
		exp    bool
	}{
		{0x80000008, 1 << 20, true},
		{0x80000008, 1 << 29, false},
		// extended leaf not available
		{0x80000000, 1 << 20, false},
	}

	for specIndex, spec := range specs {
		cpuidFn = func(leaf uint32) (uint32, uint32, uint32, uint32) {
			switch leaf {
			case 0x80000000:
				return spec.maxExt, 0, 0, 0
			case 0x80000001:
				return 0, 0, 0, spec.extEDX
			}
			return 0, 0, 0, 0
		}

		if got := HasNX(); got != spec.exp {
			t.Errorf("[spec %d] expected HasNX to return %t; got %t", specIndex, spec.exp, got)
		}
	}
}

func TestEnableNX(t *testing.T) {
	defer func() {
		cpuidFn = ID
		readMSRFn = ReadMSR
		writeMSRFn = WriteMSR
	}()

	var (
		msrs = map[uint32]uint64{MSRExtendedFeatures: 0x501}
		nx   bool
	)

	cpuidFn = func(leaf uint32) (uint32, uint32, uint32, uint32) {
		if leaf == 0x80000000 {
			return 0x80000008, 0, 0, 0
		}
		if leaf == 0x80000001 && nx {
			return 0, 0, 0, 1 << 20
		}
		return 0, 0, 0, 0
	}
	readMSRFn = func(msr uint32) uint64 { return msrs[msr] }
	writeMSRFn = func(msr uint32, val uint64) { msrs[msr] = val }

	t.Run("unsupported", func(t *testing.T) {
		if EnableNX() {
			t.Fatal("expected EnableNX to return false")
		}
		if got := msrs[MSRExtendedFeatures]; got != 0x501 {
			t.Fatalf("expected EFER to remain untouched; got 0x%x", got)
		}
	})

	t.Run("supported", func(t *testing.T) {
		nx = true
		if !EnableNX() {
			t.Fatal("expected EnableNX to return true")
		}
		if exp, got := uint64(0xd01), msrs[MSRExtendedFeatures]; got != exp {
			t.Fatalf("expected EFER to be 0x%x; got 0x%x", exp, got)
		}
	})
}

func TestSetKernelGSBase(t *testing.T) {
	defer func() {
		writeMSRFn = WriteMSR
	}()

	var gotMSR uint32
	var gotVal uint64
	writeMSRFn = func(msr uint32, val uint64) {
		gotMSR, gotVal = msr, val
	}

	SetKernelGSBase(0xffff800000123000)
	if gotMSR != MSRKernelGSBase || gotVal != 0xffff800000123000 {
		t.Fatalf("unexpected MSR write: msr 0x%x val 0x%x", gotMSR, gotVal)
	}
}
