package gate

import "testing"

func TestTrampolineAddrs(t *testing.T) {
	addrs := trampolineAddrs()

	seen := make(map[uintptr]InterruptNumber)
	for i, addr := range addrs {
		vector := trampolineVectors[i]
		if addr == 0 {
			t.Errorf("expected a non-zero entry point for vector %d", vector)
			continue
		}

		if other, dup := seen[addr]; dup {
			t.Errorf("vectors %d and %d share the entry point 0x%x", other, vector, addr)
		}
		seen[addr] = vector
	}
}
