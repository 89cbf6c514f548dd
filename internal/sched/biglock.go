// Package sched implements C7, the round-robin scheduler, and C8, SMP
// bring-up plus the big kernel lock that serialises kernel-mode execution
// (spec.md 4.7, 4.8, 5).
package sched

import (
	"runtime"
	"sync/atomic"
)

// BigLock is a single test-and-set spinlock, per spec.md 4.8: acquired at
// every kernel entry from user mode and on the halted-CPU re-entry,
// released immediately before returning to user mode and before
// wait-for-interrupt in Halt. While held, the kernel runs single-threaded;
// while released, a CPU is either executing user code or halted.
type BigLock struct {
	held int32
}

// Lock spins (yielding the host thread between attempts) until the lock is
// acquired.
func (l *BigLock) Lock() {
	for !atomic.CompareAndSwapInt32(&l.held, 0, 1) {
		runtime.Gosched()
	}
}

// TryLock attempts a single test-and-set, returning false instead of
// spinning on contention.
func (l *BigLock) TryLock() bool {
	return atomic.CompareAndSwapInt32(&l.held, 0, 1)
}

// Unlock releases the lock. Unlocking an already-unlocked BigLock is a
// kernel invariant violation.
func (l *BigLock) Unlock() {
	if !atomic.CompareAndSwapInt32(&l.held, 1, 0) {
		panic("sched: unlock of a lock not held")
	}
}
