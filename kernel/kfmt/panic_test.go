package kfmt

import (
	"bytes"
	"errors"
	"kernos/kernel"
	"kernos/kernel/cpu"
	"runtime"
	"testing"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		callerFn = runtime.Caller
		outputSink = nil
	}()

	var (
		buf           bytes.Buffer
		cpuHaltCalled bool
	)

	SetOutputSink(&buf)
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}
	callerFn = func(_ int) (uintptr, string, int, bool) {
		return 0, "kernel/sync/ticket.go", 42, true
	}

	specs := []struct {
		descr string
		arg   interface{}
		exp   string
	}{
		{
			"with *kernel.Error",
			&kernel.Error{Module: "sync", Message: "spin budget exceeded", Kind: kernel.KindTimeout},
			"\n-----------------------------------\n[sync] lock timeout: spin budget exceeded\nlocation: kernel/sync/ticket.go:42\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with error",
			errors.New("go error"),
			"\n-----------------------------------\n[rt] cpu fault: go error\nlocation: kernel/sync/ticket.go:42\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with string",
			"string error",
			"\n-----------------------------------\n[rt] cpu fault: string error\nlocation: kernel/sync/ticket.go:42\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"without error",
			nil,
			"\n-----------------------------------\nlocation: kernel/sync/ticket.go:42\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			buf.Reset()
			cpuHaltCalled = false

			Panic(spec.arg)

			if got := buf.String(); got != spec.exp {
				t.Fatalf("expected to get:\n%q\ngot:\n%q", spec.exp, got)
			}

			if !cpuHaltCalled {
				t.Fatal("expected cpu.Halt() to be called by Panic")
			}
		})
	}

	t.Run("unknown caller", func(t *testing.T) {
		buf.Reset()
		callerFn = func(_ int) (uintptr, string, int, bool) {
			return 0, "", 0, false
		}

		Panic(&kernel.Error{Module: "pmm", Message: "out of memory", Kind: kernel.KindExhausted})

		exp := "\n-----------------------------------\n[pmm] resource exhausted: out of memory\n*** kernel panic: system halted ***\n-----------------------------------\n"
		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}
	})
}
