package kfmt

import (
	"kernos/kernel"
	"kernos/kernel/cpu"
	"runtime"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	// callerFn is mocked by tests to get a stable fault location.
	callerFn = runtime.Caller

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause", Kind: kernel.KindFault}
)

// Panic outputs the supplied error (if not nil) to the active output sink
// together with the location of the call and halts the CPU. Calls to Panic
// never return. Panic also works as a redirection target for calls to
// panic() (resolved via runtime.gopanic).
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] %s: %s\n", err.Module, err.Kind.String(), err.Message)
	}
	if _, file, line, ok := callerFn(1); ok {
		Printf("location: %s:%d\n", file, line)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

// panicString serves as a redirect target for runtime.throw
//
//go:redirect-from runtime.throw
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}
