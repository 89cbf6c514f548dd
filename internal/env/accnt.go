package env

import (
	"sync"
	"sync/atomic"
)

// Accnt accumulates per-environment runtime accounting. Adapted from
// biscuit's accnt.Accnt_t: the same Userns/Sysns-in-nanoseconds shape and
// the same embedded-mutex snapshot discipline, but tracking runs on behalf
// of C7's scheduler (Utadd on every quantum an environment spends RUNNING)
// rather than a Unix-style rusage syscall, since this spec has no rusage
// call — the fields exist for the scheduler and for diagnostics, exercised
// by internal/kernel's scenario tests asserting that an environment that ran
// has positive user and kernel time attributed to it.
type Accnt struct {
	sync.Mutex

	// Userns is nanoseconds spent RUNNING in user mode.
	Userns int64
	// Sysns is nanoseconds spent handling traps on this environment's
	// behalf (between trap entry and either resume or reschedule).
	Sysns int64
}

// Utadd adds delta nanoseconds of user-mode runtime.
func (a *Accnt) Utadd(delta int64) {
	a.Lock()
	defer a.Unlock()
	atomic.AddInt64(&a.Userns, delta)
}

// Systadd adds delta nanoseconds of kernel-mode runtime charged to this
// environment.
func (a *Accnt) Systadd(delta int64) {
	a.Lock()
	defer a.Unlock()
	atomic.AddInt64(&a.Sysns, delta)
}

// Snapshot returns a consistent (Userns, Sysns) pair.
func (a *Accnt) Snapshot() (userns, sysns int64) {
	a.Lock()
	defer a.Unlock()
	return a.Userns, a.Sysns
}
