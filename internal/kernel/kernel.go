// Package kernel ties C5 (trap dispatch), C6 (page-fault handling), C7
// (scheduler) and C8 (SMP/big lock) into a running system: it is the
// part of the spec that needs both internal/env and internal/trap
// together, which is why it lives above both rather than inside either.
//
// Simulation note (see DESIGN.md): this module has no real CPU rings, so
// a "kernel entry from user mode" is a plain synchronous function call
// from whichever goroutine represents that environment's user-mode
// execution, and a context switch between two environments is a
// handoff between two goroutines over a one-slot channel. The big lock
// is real — acquired and released exactly where spec.md 4.8 says to —
// everything else about it (spinning, single-threaded kernel section) is
// unchanged by the simulation.
package kernel

import (
	"fmt"
	"sync"
	"time"

	"github.com/zijeric/EricOS/internal/defs"
	"github.com/zijeric/EricOS/internal/env"
	"github.com/zijeric/EricOS/internal/klog"
	"github.com/zijeric/EricOS/internal/mem"
	"github.com/zijeric/EricOS/internal/sched"
	"github.com/zijeric/EricOS/internal/syscall"
	"github.com/zijeric/EricOS/internal/trap"
	"github.com/zijeric/EricOS/internal/user"
	"github.com/zijeric/EricOS/internal/vm"
)

// proc is the kernel's private runtime bookkeeping for one environment
// table slot: its goroutine's wakeup channel, the program it runs, which
// CPU last scheduled it, and when it was last handed the CPU (for Accnt's
// user-time accounting).
type proc struct {
	resume   chan struct{}
	started  bool
	body     func(*user.Process)
	cpu      int
	runStart time.Time
}

// Kernel is the whole running system: the allocator, the environment
// table, the syscall machine, the scheduler, and the per-environment
// goroutine bookkeeping that stands in for real context switches.
type Kernel struct {
	Alloc *mem.Allocator
	Table *env.Table
	Mach  *syscall.Machine
	Sched *sched.Scheduler
	Top   *sched.Topology

	BootRoot defs.PA
	Console  *Console

	// IDT is C5's constructed vector table: syscallVector and
	// pageFaultVector below are its only two populated gates, since this
	// simulation never raises any other vector.
	IDT *trap.IDT

	// Transient scratch used to pass context into/out of IDT gate
	// handlers, which only take a *trap.Frame. Safe because the big lock
	// serializes every trap entry system-wide, and because each vector
	// method copies the fields it needs into locals before doing anything
	// that could re-enter (see pageFaultVector).
	trapSlot       int
	cr2            defs.VA
	lastReschedule bool
	lastWasCOW     bool

	mu       sync.Mutex
	procs    map[int]*proc
	handlers map[int32]func(*user.PageFault)
	idle     []chan struct{}
}

// Config bounds the simulated machine's resources.
type Config struct {
	Frames int
	CPUs   int
}

// New builds a fully wired, unbooted Kernel: the frame allocator, a boot
// root address space template, the environment table, and ncpus logical
// CPUs, none yet started.
func New(cfg Config) *Kernel {
	// The boot allocator hands out the one frame that must exist before
	// the environment table or any address space does: the shared boot
	// root installed into every new environment's top-level table
	// (spec.md 3's NewSpace). That frame stays permanently reserved;
	// everything after it is folded into the real allocator's free pool.
	ba := mem.NewBootAllocator(cfg.Frames)
	bootIdx := ba.Alloc()

	alloc := mem.NewAllocator(cfg.Frames)
	for i := ba.Used(); i < cfg.Frames; i++ {
		alloc.Seed(i)
	}
	bootRoot := defs.PA(bootIdx * defs.PageSize)

	table := env.NewTable(env.NumEnvs)
	console := NewConsole()
	mach := &syscall.Machine{Alloc: alloc, Table: table, Console: console, BootRoot: bootRoot}
	scheduler := sched.New(table)
	top := sched.BringUp(cfg.CPUs)

	idle := make([]chan struct{}, cfg.CPUs)
	for i := range idle {
		idle[i] = make(chan struct{}, 1)
	}

	k := &Kernel{
		Alloc:    alloc,
		Table:    table,
		Mach:     mach,
		Sched:    scheduler,
		Top:      top,
		BootRoot: bootRoot,
		Console:  console,
		procs:    make(map[int]*proc),
		handlers: make(map[int32]func(*user.PageFault)),
		idle:     idle,
	}
	k.IDT = trap.Build(map[int]func(*trap.Frame){
		trap.VecSyscall:   k.syscallVector,
		trap.VecPageFault: k.pageFaultVector,
	})
	return k
}

// Spawn allocates a new environment running body as its entire program,
// with parentID as its declared parent (0 for a root environment created
// directly by the kernel rather than by another environment's fork).
func (k *Kernel) Spawn(parentID int32, body func(*user.Process)) (*env.Env, defs.Err) {
	k.Sched.Lock.Lock()
	defer k.Sched.Lock.Unlock()

	e, errc := k.Table.Alloc(k.Alloc, k.BootRoot, parentID)
	if errc != 0 {
		return nil, errc
	}
	// Every environment gets one pre-mapped page at UText standing in for
	// the loaded data segment a real image would already have backing its
	// cputs buffer; synthetic test programs have no image to load one from.
	pa, ok := k.Alloc.Alloc(true)
	if !ok {
		k.Table.Free(k.Alloc, e)
		return nil, defs.ErrNoMem
	}
	if errc := vm.Map(k.Alloc, e.AddrSpace, defs.VA(defs.UText), pa, defs.PteW|defs.PteU); errc != 0 {
		k.Alloc.Free(pa)
		k.Table.Free(k.Alloc, e)
		return nil, errc
	}
	k.registerProc(env.SlotOf(e.ID), body)
	return e, 0
}

func (k *Kernel) registerProc(slot int, body func(*user.Process)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.procs[slot] = &proc{resume: make(chan struct{}, 1), body: body}
}

func (k *Kernel) procForSlot(slot int) *proc {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.procs[slot]
}

// RunCPU starts CPU cpuID scheduling: it picks and launches an initial
// environment (if any is RUNNABLE) and blocks until that CPU halts with
// nothing left to run. Call it from its own goroutine per CPU.
func (k *Kernel) RunCPU(cpuID int) {
	k.Sched.Lock.Lock()
	k.scheduleOnto(cpuID)
	<-k.idle[cpuID]
}

// scheduleOnto picks the next environment for cpuID and hands it the CPU,
// or halts cpuID if nothing is RUNNABLE. Must be called with Lock held;
// always releases it before returning.
func (k *Kernel) scheduleOnto(cpuID int) {
	c := k.Top.CPUs[cpuID]
	e := k.Sched.Pick(c)
	if e == nil {
		k.Sched.Halt(c)
		k.Sched.Lock.Unlock()
		k.idle[cpuID] <- struct{}{}
		return
	}
	k.Sched.Run(c, e)
	slot := env.SlotOf(e.ID)
	p := k.procForSlot(slot)
	p.cpu = cpuID
	if !p.started {
		p.started = true
		go k.runEnv(slot)
	}
	p.runStart = time.Now()
	k.Sched.Lock.Unlock()
	p.resume <- struct{}{}
}

// runEnv is the goroutine body representing one environment's user-mode
// execution. It blocks until first scheduled, runs its program to
// completion (or until it panics, e.g. an unhandled page fault), then
// tears the environment down and reschedules its CPU.
func (k *Kernel) runEnv(slot int) {
	p := k.procForSlot(slot)
	<-p.resume

	defer func() {
		if r := recover(); r != nil {
			klog.DefaultLogger.Error("environment crashed", "slot", slot, "panic", fmt.Sprint(r))
		}
		k.retire(slot)
	}()

	proc := k.newProcess(slot)
	p.body(proc)
}

// retire tears down a finished or crashed environment and reschedules its
// CPU, mirroring destroy()'s "if the freed environment is the local
// current, the CPU then enters the scheduler" (spec.md 4.4).
func (k *Kernel) retire(slot int) {
	k.Sched.Lock.Lock()
	e := k.Table.Get(slot)
	cpuID := e.CPU
	if e.State != env.Free {
		k.Table.Destroy(k.Alloc, e, cpuID)
	}
	k.scheduleOnto(cpuID)
}

func (k *Kernel) newProcess(slot int) *user.Process {
	trapFn := func(sel syscall.Selector, a0, a1, a2, a3, a4 uint64) (uint64, defs.Err) {
		return k.trap(slot, sel, syscall.Args{A0: a0, A1: a1, A2: a2, A3: a3, A4: a4})
	}
	access := func(va defs.VA, data []byte, write bool) {
		k.access(slot, va, data, write)
	}
	regUp := func(fn func(*user.PageFault)) defs.VA {
		return k.registerHandler(slot, fn)
	}
	observe := func() (uint64, int32, defs.Pa_t) {
		e := k.Table.Get(slot)
		return e.IPCValue, e.IPCFrom, e.IPCPerm
	}
	// enumerate walks the caller's own mapped user pages below the
	// exception stack (spec.md 4.10 step 3), standing in for the self-map
	// (uvpt) walk Fork uses to discover what to propagate to a child: this
	// simulation has no raw memory for Process to walk directly, but
	// internal/kernel already holds both the allocator and the address
	// space, so it walks the present entries of the table tree directly,
	// skipping every absent subtree.
	enumerate := func() []user.ForkPage {
		e := k.Table.Get(slot)
		lo, hi := defs.VA(defs.UText), defs.VA(defs.UXStackTop-defs.PageSize)
		var pages []user.ForkPage
		var scan func(table defs.PA, level int, base defs.VA)
		scan = func(table defs.PA, level int, base defs.VA) {
			span := defs.VA(1) << (defs.PageShift + 9*level)
			for i, w := range k.Alloc.Words(table) {
				va := base + defs.VA(i)*span
				if w&uint64(defs.PteP) == 0 || va+span <= lo || va >= hi {
					continue
				}
				if level > 0 {
					scan(defs.PA(w&uint64(defs.PAddrMask)), level-1, va)
				} else {
					pages = append(pages, user.ForkPage{VA: va, Perm: defs.Pa_t(w) & defs.SyscallMask})
				}
			}
		}
		scan(e.AddrSpace, defs.NumLevels-1, 0)
		return pages
	}
	proc := user.New(trapFn, access, regUp, observe, enumerate, defs.VA(defs.UScratch))

	// A forked child inherits its parent's upcall field (Process.Fork sets
	// it via sys_env_set_pgfault_upcall before the child ever runs) but
	// builds its own Process independently, with its own pfHandler starting
	// nil. Installing the default COW handler here, bound to the child's
	// own Process, is what makes its own future faults resolve against its
	// own address space instead of silently reusing a closure bound to the
	// parent (the library still lets the child's own code install a
	// different handler afterward, same as the parent's lazy default in
	// Process.Fork). A plain environment that never forked has Upcall == 0
	// and is left alone: an unexpected fault still destroys it per spec.md
	// 4.6.
	if k.Table.Get(slot).Upcall != 0 {
		proc.UseDefaultCOWHandler()
	}
	return proc
}

// trap is the dedicated-interrupt-vector entry point for every system
// call (spec.md 4.5's Syscall case): acquire the big lock, charge the
// elapsed user-mode quantum to Accnt, dispatch through the IDT's syscall
// gate, charge the time spent handling it, and either return directly or
// hand the CPU to the scheduler and block this environment's goroutine
// until it is chosen to run again.
func (k *Kernel) trap(slot int, sel syscall.Selector, a syscall.Args) (uint64, defs.Err) {
	k.Sched.Lock.Lock()
	sysStart := time.Now()
	cur := k.Table.Get(slot)
	p := k.procForSlot(slot)
	cur.Accnt.Utadd(int64(sysStart.Sub(p.runStart)))

	f := trap.Frame{
		TrapNo: trap.VecSyscall,
		Regs:   trap.Regs{RAX: uint64(sel), RDI: a.A0, RSI: a.A1, RDX: a.A2, RCX: a.A3, R8: a.A4},
	}
	k.trapSlot = slot
	k.IDT[trap.VecSyscall].Handler(&f)
	k.trapSlot = 0

	var errc defs.Err
	if v := int64(f.RAX); v < 0 {
		errc = defs.Err(v)
	}
	cur.Accnt.Systadd(int64(time.Since(sysStart)))

	if !k.lastReschedule {
		k.Sched.Lock.Unlock()
		return f.RAX, errc
	}

	// A call that asks for rescheduling gives up the CPU but, unless it
	// already parked itself (ipc_recv sets NotRunnable itself, waiting on
	// a sender), remains eligible to run again: yield must not leave the
	// caller stuck at RUNNING, or Pick's plain scan would starve it the
	// moment any other environment becomes current.
	if sel != syscall.SysIpcRecv {
		cur.State = env.Runnable
	}

	k.scheduleOnto(p.cpu)
	<-p.resume
	return cur.SavedFrame.RAX, 0
}

// syscallVector is the registered gate handler for VecSyscall: it decodes
// the selector/argument registers trap packed into f, runs the existing
// syscall.Machine dispatch, registers a newly forked child's proc
// bookkeeping, and folds the result back into RAX the same way a real
// syscall return path (a single register round-trip, since
// syscall.Machine's own errResult already encodes failure as the negative
// two's-complement of the Err value) would.
func (k *Kernel) syscallVector(f *trap.Frame) {
	slot := k.trapSlot
	cur := k.Table.Get(slot)
	sel := syscall.Selector(f.RAX)
	a := syscall.Args{A0: f.RDI, A1: f.RSI, A2: f.RDX, A3: f.RCX, A4: f.R8}
	res := k.Mach.Dispatch(cur, sel, a)

	if sel == syscall.SysExofork && res.Err == 0 {
		childSlot := env.SlotOf(int32(uint32(res.Value)))
		p := k.procForSlot(slot)
		k.registerProc(childSlot, p.body)
	}

	if res.Err != 0 {
		f.RAX = uint64(int64(res.Err))
	} else {
		f.RAX = res.Value
	}
	k.lastReschedule = res.Reschedule
}

// registerHandler installs fn as slot's page-fault handler and returns the
// synthetic non-zero upcall address stored in its environment record,
// standing in for the user-level trampoline address a real image would
// register (this simulation has no addressable user code to jump to).
func (k *Kernel) registerHandler(slot int, fn func(*user.PageFault)) defs.VA {
	k.mu.Lock()
	defer k.mu.Unlock()
	e := k.Table.Get(slot)
	k.handlers[e.ID] = fn
	return defs.VA(1)
}
