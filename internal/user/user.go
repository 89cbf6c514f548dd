// Package user implements C10, the user-side support library every
// environment links against: COW fork built from exofork/page_map/
// page_alloc, retrying IPC wrappers, and the user-level page-fault
// trampoline. None of it runs in kernel mode — every operation here either
// touches only the caller's own already-mapped memory or goes through the
// Trap function, which is the user/kernel boundary (internal/kernel wires
// it to a real syscall dispatch).
package user

import (
	"fmt"

	"github.com/zijeric/EricOS/internal/defs"
	"github.com/zijeric/EricOS/internal/env"
	"github.com/zijeric/EricOS/internal/syscall"
)

// Trap is the software-interrupt boundary: selector plus five argument
// registers in, return value and error register out. internal/kernel
// supplies the concrete implementation; this package never sees a
// *kernel.Kernel.
type Trap func(sel syscall.Selector, a0, a1, a2, a3, a4 uint64) (uint64, defs.Err)

// MemAccess reads len(data) bytes at va into data, or writes data to va,
// resolving any page fault (invoking the registered handler) exactly as a
// real load/store instruction would trap through the MMU. An unresolvable
// fault panics, mirroring "the handler panics" / "destroyed with a
// diagnostic" in spec.md 4.10 and 7.
type MemAccess func(va defs.VA, data []byte, write bool)

// UpcallReg installs fn as the Go closure to run on this environment's
// next page fault and returns the synthetic non-zero virtual address
// internal/kernel records in the environment's upcall field in its place
// (this simulation has no addressable user code to jump to).
type UpcallReg func(fn func(*PageFault)) defs.VA

// EnvObserver exposes the read-only view of the caller's own environment
// record that IpcRecv needs, standing in for the self-read-only mapping
// of UENVS in spec.md 6.
type EnvObserver func() (value uint64, from int32, perm defs.Pa_t)

// Enumerate walks the caller's own mapped user pages below the exception
// stack and reports each one's virtual address and installed permission,
// standing in for the self-map (uvpt) walk Fork uses in spec.md 4.10 step
// 3 to discover what to propagate to a child. internal/kernel supplies the
// concrete implementation, the same way it supplies Trap and MemAccess.
type Enumerate func() []ForkPage

// PageFault is delivered to a registered handler in place of a jump to a
// upcall address: the fault-time snapshot plus enough classification to
// decide whether this handler owns the fault.
type PageFault struct {
	FaultVA    defs.VA
	WriteFault bool
	WasCOW     bool
}

// Process is one environment's handle onto the thirteen-call surface and
// the library built on top of it.
type Process struct {
	trap      Trap
	access    MemAccess
	regUp     UpcallReg
	observe   EnvObserver
	enumerate Enumerate
	scratch   defs.VA // private scratch VA this process's COW handler copies through

	pfHandler func(*PageFault)
}

// New builds a Process bound to the closures internal/kernel constructs
// for one environment.
func New(t Trap, a MemAccess, u UpcallReg, o EnvObserver, e Enumerate, scratchVA defs.VA) *Process {
	return &Process{trap: t, access: a, regUp: u, observe: o, enumerate: e, scratch: scratchVA}
}

func (p *Process) Cputs(s string) defs.Err {
	buf := []byte(s)
	va := defs.VA(defs.UText)
	p.access(va, buf, true)
	_, errc := p.trap(syscall.SysCputs, uint64(va), uint64(len(buf)), 0, 0, 0)
	return errc
}

// Poke writes data into the caller's own address space starting at va, an
// ordinary store instruction rather than a system call: it goes straight
// through the MemAccess boundary and so can fault exactly like Cputs's
// buffer read does.
func (p *Process) Poke(va defs.VA, data []byte) {
	p.access(va, data, true)
}

// Peek reads n bytes back out of the caller's own address space starting
// at va, the load-instruction counterpart to Poke.
func (p *Process) Peek(va defs.VA, n int) []byte {
	buf := make([]byte, n)
	p.access(va, buf, false)
	return buf
}

func (p *Process) Cgetc() byte {
	v, _ := p.trap(syscall.SysCgetc, 0, 0, 0, 0, 0)
	return byte(v)
}

func (p *Process) GetEnvID() int32 {
	v, _ := p.trap(syscall.SysGetEnvID, 0, 0, 0, 0, 0)
	return int32(uint32(v))
}

func (p *Process) EnvDestroy(id int32) defs.Err {
	_, errc := p.trap(syscall.SysEnvDestroy, uint64(uint32(id)), 0, 0, 0, 0)
	return errc
}

// Yield invokes the scheduler and does not return until this environment
// is chosen to run again.
func (p *Process) Yield() {
	p.trap(syscall.SysYield, 0, 0, 0, 0, 0)
}

func (p *Process) Exofork() (int32, defs.Err) {
	v, errc := p.trap(syscall.SysExofork, 0, 0, 0, 0, 0)
	return int32(uint32(v)), errc
}

func (p *Process) EnvSetStatus(id int32, s env.State) defs.Err {
	_, errc := p.trap(syscall.SysEnvSetStatus, uint64(uint32(id)), uint64(s), 0, 0, 0)
	return errc
}

func (p *Process) EnvSetPgfaultUpcall(id int32, fn defs.VA) defs.Err {
	_, errc := p.trap(syscall.SysEnvSetPgfaultUpcall, uint64(uint32(id)), uint64(fn), 0, 0, 0)
	return errc
}

func (p *Process) PageAlloc(id int32, va defs.VA, perm defs.Pa_t) defs.Err {
	_, errc := p.trap(syscall.SysPageAlloc, uint64(uint32(id)), uint64(va), uint64(perm), 0, 0)
	return errc
}

func (p *Process) PageMap(srcID int32, srcVA defs.VA, dstID int32, dstVA defs.VA, perm defs.Pa_t) defs.Err {
	_, errc := p.trap(syscall.SysPageMap, uint64(uint32(srcID)), uint64(srcVA), uint64(uint32(dstID)), uint64(dstVA), uint64(perm))
	return errc
}

func (p *Process) PageUnmap(id int32, va defs.VA) defs.Err {
	_, errc := p.trap(syscall.SysPageUnmap, uint64(uint32(id)), uint64(va), 0, 0, 0)
	return errc
}

func (p *Process) IpcTrySend(dst int32, value uint64, srcVA defs.VA, perm defs.Pa_t) defs.Err {
	_, errc := p.trap(syscall.SysIpcTrySend, uint64(uint32(dst)), value, uint64(srcVA), uint64(perm), 0)
	return errc
}

// IpcRecvResult mirrors ipc_recv's visible effects, read by user code off
// the caller's own environment record after the kernel resumes it.
type IpcRecvResult struct {
	Value uint64
	From  int32
	Perm  defs.Pa_t
}

// IpcSend retries ipc_try_send with a yield between attempts until it
// succeeds, per spec.md 4.10.
func (p *Process) IpcSend(dst int32, value uint64, srcVA defs.VA, perm defs.Pa_t) defs.Err {
	for {
		errc := p.IpcTrySend(dst, value, srcVA, perm)
		if errc != defs.ErrIpcNotReceiving {
			return errc
		}
		p.Yield()
	}
}

// IpcRecv blocks in ipc_recv, then reads the delivered value/sender/perm
// back off this environment's own record.
func (p *Process) IpcRecv(dstVA defs.VA) (IpcRecvResult, defs.Err) {
	_, errc := p.trap(syscall.SysIpcRecv, uint64(dstVA), 0, 0, 0, 0)
	if errc != 0 {
		return IpcRecvResult{}, errc
	}
	value, from, perm := p.observe()
	return IpcRecvResult{Value: value, From: from, Perm: perm}, 0
}

// ForkPage is one user-mapped page Fork propagates to the child: a
// virtual address and the permission bits actually installed for it, as
// discovered by Enumerate.
type ForkPage struct {
	VA   defs.VA
	Perm defs.Pa_t
}

// Fork implements the copy-on-write fork of spec.md 4.10, discovering
// every mapped page to propagate by calling p.enumerate (spec.md 4.10 step
// 3's "for every mapped user page below the exception stack") rather than
// requiring the caller to already know its own address space.
func (p *Process) Fork() (childID int32, errc defs.Err) {
	if p.pfHandler == nil {
		p.SetPageFaultHandler(p.defaultCOWHandler)
	}

	child, errc := p.Exofork()
	if errc != 0 {
		return 0, errc
	}

	for _, pg := range p.enumerate() {
		perm := pg.Perm
		switch {
		case perm&defs.PteShare != 0:
			if errc := p.PageMap(0, pg.VA, child, pg.VA, perm); errc != 0 {
				return 0, errc
			}
		case perm&(defs.PteW|defs.PteCOW) != 0:
			cowPerm := (perm &^ defs.PteW) | defs.PteCOW
			if errc := p.PageMap(0, pg.VA, child, pg.VA, cowPerm); errc != 0 {
				return 0, errc
			}
			if errc := p.PageMap(0, pg.VA, 0, pg.VA, cowPerm); errc != 0 {
				return 0, errc
			}
		default:
			if errc := p.PageMap(0, pg.VA, child, pg.VA, perm); errc != 0 {
				return 0, errc
			}
		}
	}

	if errc := p.PageAlloc(child, defs.VA(defs.UXStackTop-defs.PageSize), defs.PteW|defs.PteU|defs.PteP); errc != 0 {
		return 0, errc
	}
	upcallVA := p.regUp(p.pfHandler)
	if errc := p.EnvSetPgfaultUpcall(child, upcallVA); errc != 0 {
		return 0, errc
	}
	if errc := p.EnvSetStatus(child, env.Runnable); errc != 0 {
		return 0, errc
	}

	return child, 0
}

// SetPageFaultHandler installs fn as this environment's user-level
// page-fault handler, allocating its exception-stack page the first time
// any handler is registered (lib/pgfault.c's set_pgfault_handler does the
// same lazy allocation, guarded the same way). Calling it again just
// rebinds the handler without touching the stack a second time.
func (p *Process) SetPageFaultHandler(fn func(*PageFault)) {
	if p.pfHandler == nil {
		if errc := p.PageAlloc(0, defs.VA(defs.UXStackTop-defs.PageSize), defs.PteW|defs.PteU|defs.PteP); errc != 0 {
			panic(fmt.Sprintf("user: set_pgfault_handler: could not allocate exception stack: %v", errc))
		}
	}
	p.pfHandler = fn
	if errc := p.EnvSetPgfaultUpcall(0, p.regUp(fn)); errc != 0 {
		panic(fmt.Sprintf("user: set_pgfault_handler: could not register upcall: %v", errc))
	}
}

// UseDefaultCOWHandler installs the library's own COW fault handler,
// bound to this Process, without allocating an exception-stack page:
// internal/kernel calls this once for every forked child, whose exception
// stack Fork's own explicit PageAlloc already set up, so allocating again
// here would just waste a frame. A plain environment that never went
// through Fork gets its exception stack (if any) the normal way, through
// SetPageFaultHandler.
func (p *Process) UseDefaultCOWHandler() {
	p.pfHandler = p.defaultCOWHandler
	p.regUp(p.defaultCOWHandler)
}

// defaultCOWHandler implements spec.md 4.10's user-level handler: on a
// write fault against a COW leaf, allocate a scratch frame, copy the old
// page into it, remap it at the faulting address writable, then drop the
// scratch alias. Any other fault is not ours to fix.
func (self *Process) defaultCOWHandler(f *PageFault) {
	va := f.FaultVA.PageBase()
	if !f.WriteFault || !f.WasCOW {
		panic(fmt.Sprintf("user: unhandled page fault at %#x (write=%v cow=%v)", f.FaultVA, f.WriteFault, f.WasCOW))
	}

	scratch := self.scratch
	if errc := self.PageAlloc(0, scratch, defs.PteW|defs.PteU|defs.PteP); errc != 0 {
		panic(fmt.Sprintf("user: pagefault handler could not allocate scratch page: %v", errc))
	}
	old := make([]byte, defs.PageSize)
	self.access(va, old, false)
	self.access(scratch, old, true)
	if errc := self.PageMap(0, scratch, 0, va, defs.PteW|defs.PteU|defs.PteP); errc != 0 {
		panic(fmt.Sprintf("user: pagefault handler could not remap: %v", errc))
	}
	if errc := self.PageUnmap(0, scratch); errc != 0 {
		panic(fmt.Sprintf("user: pagefault handler could not drop scratch alias: %v", errc))
	}
}
