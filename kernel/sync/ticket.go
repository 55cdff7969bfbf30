// Package sync provides a FIFO ticket lock that is safe to use from interrupt
// context and a lock-guarded value container built on top of it.
package sync

import (
	"kernos/kernel"
	"kernos/kernel/cpu"
	"kernos/kernel/kfmt"
	"sync/atomic"
)

var (
	// pauseFn is invoked on each spin iteration. Tests replace it with
	// runtime.Gosched.
	pauseFn = cpu.Pause

	// panicFn is invoked when the spin budget is exhausted.
	panicFn = func(err *kernel.Error) { kfmt.Panic(err) }

	// maxSpins is the number of failed polls after which Acquire assumes a
	// deadlock.
	maxSpins = uint32(1000000)

	// ErrDeadlock is reported when a lock could not be acquired within
	// maxSpins polls.
	ErrDeadlock = &kernel.Error{Module: "sync", Message: "ticket lock spin budget exceeded", Kind: kernel.KindTimeout}
)

// TicketLock is a spinlock that grants the lock to waiters in the order they
// requested it. The zero value is an unlocked lock.
//
// Acquire never sleeps so the lock can be used inside interrupt handlers. An
// interrupt handler must never try to acquire a lock held by the code it
// interrupted.
type TicketLock struct {
	next    uint32
	release uint32
}

// Acquire takes a ticket and spins until it is served. If the ticket is not
// served within maxSpins polls the kernel halts with ErrDeadlock.
func (l *TicketLock) Acquire() {
	ticket := atomic.AddUint32(&l.next, 1) - 1

	for spins := uint32(0); atomic.LoadUint32(&l.release) != ticket; spins++ {
		if spins >= maxSpins {
			panicFn(ErrDeadlock)
			return
		}
		pauseFn()
	}
}

// TryToAcquire acquires the lock if it is free and nobody is waiting for it.
// It returns true if the lock was acquired.
func (l *TicketLock) TryToAcquire() bool {
	serving := atomic.LoadUint32(&l.release)
	return atomic.CompareAndSwapUint32(&l.next, serving, serving+1)
}

// Release hands the lock to the next ticket holder. It must only be called by
// the current holder.
func (l *TicketLock) Release() {
	atomic.AddUint32(&l.release, 1)
}

// Cell holds a value of type T that can only be accessed while holding the
// cell's ticket lock. The zero value holds the zero value of T.
type Cell[T any] struct {
	lock  TicketLock
	value T
}

// Lock acquires the cell's lock and returns a guard for accessing its value.
func (c *Cell[T]) Lock() Guard[T] {
	c.lock.Acquire()
	return Guard[T]{cell: c}
}

// Guard grants access to the value of a locked Cell.
type Guard[T any] struct {
	cell     *Cell[T]
	released bool
}

// Value returns a pointer to the guarded value. The pointer must not be used
// after the guard is released.
func (g *Guard[T]) Value() *T {
	return &g.cell.value
}

// Release unlocks the cell. Releasing an already released guard has no
// effect, so callers may combine an explicit early release with a deferred
// Release.
func (g *Guard[T]) Release() {
	if g.released {
		return
	}

	g.released = true
	g.cell.lock.Release()
}

// ReleaseAndTransfer unlocks the cell and then invokes transfer. It is meant
// for control transfers that never return through the current stack, such as
// resuming a task from an interrupt handler, which would otherwise leave the
// lock held forever.
func (g *Guard[T]) ReleaseAndTransfer(transfer func()) {
	g.Release()
	transfer()
}
