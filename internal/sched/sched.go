package sched

import (
	"github.com/zijeric/EricOS/internal/env"
)

// CPUStatus is the SMP bring-up state of one logical CPU (spec.md 4.8).
type CPUStatus int

const (
	CPUUnstarted CPUStatus = iota
	CPUStarted
	CPUHalted
)

// CPU is one logical processor's scheduling state: which environment (if
// any) it is running, and where its round-robin scan last left off.
type CPU struct {
	ID      int
	Status  CPUStatus
	Current *env.Env

	lastIdx int // slot index considered last; scan resumes at lastIdx+1
}

// Scheduler implements C7's round-robin policy over a shared env.Table. One
// Scheduler serves every CPU; each CPU's own scan position is private to
// its *CPU record so that two idle CPUs racing for the same RUNNABLE slot
// still only succeed once, since all scheduling decisions happen under
// BigLock.
type Scheduler struct {
	Table *env.Table
	Lock  BigLock
}

// New builds a scheduler over table.
func New(table *env.Table) *Scheduler {
	return &Scheduler{Table: table}
}

// NewCPU builds a CPU record, scan position just before slot 0 so the
// first Pick starts the ring at slot 0.
func NewCPU(id int) *CPU {
	return &CPU{ID: id, lastIdx: -1}
}

// Pick implements spec.md 4.7's scan: starting one past c's last pick,
// scan the table circularly for the first RUNNABLE environment not pinned
// to another CPU as RUNNING. If none is found, but c's own current
// environment is still RUNNING (it yielded without anything else becoming
// runnable), that same environment is picked again. Otherwise Pick returns
// nil and the caller must Halt.
//
// Callers must hold Lock.
func (s *Scheduler) Pick(c *CPU) *env.Env {
	n := s.Table.Len()
	if n == 0 {
		return nil
	}
	start := (c.lastIdx + 1) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		e := s.Table.Get(idx)
		if e.State == env.Runnable {
			c.lastIdx = idx
			return e
		}
	}
	if c.Current != nil && c.Current.State == env.Running && c.Current.CPU == c.ID {
		return c.Current
	}
	return nil
}

// Run marks e RUNNING on c and bumps its run count, per spec.md 4.7.
func (s *Scheduler) Run(c *CPU, e *env.Env) {
	e.State = env.Running
	e.CPU = c.ID
	e.Runs++
	c.Current = e
}

// Halt implements spec.md 4.7's no-RUNNABLE-environment case: the CPU has
// nothing to run. The caller is expected to release Lock, enable
// interrupts, and block waiting for the next one (e.g. the timer) before
// calling Pick again; Halt itself only updates bookkeeping.
func (s *Scheduler) Halt(c *CPU) {
	c.Current = nil
	c.Status = CPUHalted
}
