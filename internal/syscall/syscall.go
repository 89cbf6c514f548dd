// Package syscall implements C9, the thirteen-call system-call surface and
// its centralised permission policy. Dispatch itself is pure: it mutates
// the environment table and address spaces but never blocks and never
// decides which environment runs next — that is internal/kernel's job,
// driven by the Reschedule flag this package returns for yield and a
// blocking ipc_recv.
package syscall

import (
	"github.com/zijeric/EricOS/internal/defs"
	"github.com/zijeric/EricOS/internal/env"
	"github.com/zijeric/EricOS/internal/mem"
	"github.com/zijeric/EricOS/internal/vm"
)

// Selector is one of the stable numeric call selectors of spec.md 6. An
// out-of-range selector yields NoSys.
type Selector int

const (
	SysCputs Selector = iota
	SysCgetc
	SysGetEnvID
	SysEnvDestroy
	SysYield
	SysExofork
	SysEnvSetStatus
	SysEnvSetPgfaultUpcall
	SysPageAlloc
	SysPageMap
	SysPageUnmap
	SysIpcTrySend
	SysIpcRecv

	NumSyscalls
)

// Args is the five-register payload that follows the selector in rax.
type Args struct {
	A0, A1, A2, A3, A4 uint64
}

// Console is the out-of-scope console device collaborator cputs/cgetc
// talk to (spec.md 1's "putc/getc" interface).
type Console interface {
	WriteString(s string)
	ReadByte() (b byte, ok bool)
}

// Machine binds the syscall layer to the kernel-shared state it mutates.
type Machine struct {
	Alloc    *mem.Allocator
	Table    *env.Table
	Console  Console
	BootRoot defs.PA
}

// Result is what a dispatched call leaves behind: a value to thread into
// rax of the caller's saved frame (already used directly by exofork's
// child-sees-0 convention) and, for Yield and a blocking Recv, a request
// that internal/kernel re-enter the scheduler instead of resuming the
// caller.
type Result struct {
	Value      uint64
	Err        defs.Err
	Reschedule bool
}

// Dispatch runs selector sel with args a on behalf of caller cur.
func (m *Machine) Dispatch(cur *env.Env, sel Selector, a Args) Result {
	switch sel {
	case SysCputs:
		return m.cputs(cur, a)
	case SysCgetc:
		return m.cgetc()
	case SysGetEnvID:
		return Result{Value: uint64(uint32(cur.ID))}
	case SysEnvDestroy:
		return m.envDestroy(cur, a)
	case SysYield:
		return Result{Reschedule: true}
	case SysExofork:
		return m.exofork(cur)
	case SysEnvSetStatus:
		return m.envSetStatus(cur, a)
	case SysEnvSetPgfaultUpcall:
		return m.envSetPgfaultUpcall(cur, a)
	case SysPageAlloc:
		return m.pageAlloc(cur, a)
	case SysPageMap:
		return m.pageMap(cur, a)
	case SysPageUnmap:
		return m.pageUnmap(cur, a)
	case SysIpcTrySend:
		return m.ipcTrySend(cur, a)
	case SysIpcRecv:
		return m.ipcRecv(cur, a)
	default:
		return Result{Err: defs.ErrNoSys}
	}
}

func errResult(e defs.Err) Result { return Result{Err: e, Value: uint64(int64(e))} }

func (m *Machine) cputs(cur *env.Env, a Args) Result {
	ptr := defs.VA(a.A0)
	n := a.A1
	buf := make([]byte, 0, n)
	root := cur.AddrSpace
	for i := uint64(0); i < n; i++ {
		va := ptr + defs.VA(i)
		pa, _, ok := vm.Lookup(m.Alloc, root, va.PageBase())
		if !ok {
			return errResult(defs.ErrFault)
		}
		buf = append(buf, m.Alloc.Bytes(pa)[va.Offset()])
	}
	m.Console.WriteString(string(buf))
	return Result{}
}

func (m *Machine) cgetc() Result {
	b, ok := m.Console.ReadByte()
	if !ok {
		return Result{Value: 0}
	}
	return Result{Value: uint64(b)}
}

func (m *Machine) envDestroy(cur *env.Env, a Args) Result {
	target, errc := m.Table.Lookup(int32(a.A0), cur, true)
	if errc != 0 {
		return errResult(errc)
	}
	m.Table.Destroy(m.Alloc, target, cur.CPU)
	return Result{}
}

func (m *Machine) exofork(cur *env.Env) Result {
	child, errc := m.Table.Alloc(m.Alloc, m.BootRoot, cur.ID)
	if errc != 0 {
		return errResult(errc)
	}
	child.SavedFrame = cur.SavedFrame
	child.SavedFrame.RAX = 0
	child.State = env.NotRunnable
	return Result{Value: uint64(uint32(child.ID))}
}

func (m *Machine) envSetStatus(cur *env.Env, a Args) Result {
	target, errc := m.Table.Lookup(int32(a.A0), cur, true)
	if errc != 0 {
		return errResult(errc)
	}
	s := env.State(a.A1)
	if s != env.Runnable && s != env.NotRunnable {
		return errResult(defs.ErrInvalid)
	}
	target.State = s
	return Result{}
}

func (m *Machine) envSetPgfaultUpcall(cur *env.Env, a Args) Result {
	target, errc := m.Table.Lookup(int32(a.A0), cur, true)
	if errc != 0 {
		return errResult(errc)
	}
	target.Upcall = defs.VA(a.A1)
	return Result{}
}

func (m *Machine) pageAlloc(cur *env.Env, a Args) Result {
	target, errc := m.Table.Lookup(int32(a.A0), cur, true)
	if errc != 0 {
		return errResult(errc)
	}
	va := defs.VA(a.A1)
	perm := defs.Pa_t(a.A2)
	if va >= defs.UTop || va != va.PageBase() {
		return errResult(defs.ErrInvalid)
	}
	if errc := defs.CheckPerm(perm); errc != 0 {
		return errResult(errc)
	}
	pa, ok := m.Alloc.Alloc(true)
	if !ok {
		return errResult(defs.ErrNoMem)
	}
	if errc := vm.Map(m.Alloc, target.AddrSpace, va, pa, perm); errc != 0 {
		m.Alloc.Free(pa)
		return errResult(errc)
	}
	return Result{}
}

func (m *Machine) pageMap(cur *env.Env, a Args) Result {
	src, errc := m.Table.Lookup(int32(a.A0), cur, true)
	if errc != 0 {
		return errResult(errc)
	}
	srcVA := defs.VA(a.A1)
	dst, errc := m.Table.Lookup(int32(a.A2), cur, true)
	if errc != 0 {
		return errResult(errc)
	}
	dstVA := defs.VA(a.A3)
	perm := defs.Pa_t(a.A4)

	if srcVA != srcVA.PageBase() || dstVA != dstVA.PageBase() || srcVA >= defs.UTop || dstVA >= defs.UTop {
		return errResult(defs.ErrInvalid)
	}
	if errc := defs.CheckPerm(perm); errc != 0 {
		return errResult(errc)
	}
	pa, pte, ok := vm.Lookup(m.Alloc, src.AddrSpace, srcVA)
	if !ok {
		return errResult(defs.ErrInvalid)
	}
	if perm&defs.PteW != 0 && pte&uint64(defs.PteW) == 0 {
		return errResult(defs.ErrInvalid)
	}
	if errc := vm.Map(m.Alloc, dst.AddrSpace, dstVA, pa, perm); errc != 0 {
		return errResult(errc)
	}
	return Result{}
}

func (m *Machine) pageUnmap(cur *env.Env, a Args) Result {
	target, errc := m.Table.Lookup(int32(a.A0), cur, true)
	if errc != 0 {
		return errResult(errc)
	}
	va := defs.VA(a.A1)
	if va != va.PageBase() || va >= defs.UTop {
		return errResult(defs.ErrInvalid)
	}
	vm.Unmap(m.Alloc, target.AddrSpace, va)
	return Result{}
}

func (m *Machine) ipcTrySend(cur *env.Env, a Args) Result {
	dst, errc := m.Table.Lookup(int32(a.A0), cur, false)
	if errc != 0 {
		return errResult(errc)
	}
	if !dst.RecvWaiting {
		return errResult(defs.ErrIpcNotReceiving)
	}
	value := a.A1
	srcVA := defs.VA(a.A2)
	perm := defs.Pa_t(a.A3)

	grantedPerm := defs.Pa_t(0)
	// Strictly "both sides opted in": a transfer happens only when both
	// the sender's srcVA and the receiver's recv_dst_va are below the
	// user/kernel boundary (spec.md 9, second open question).
	if srcVA < defs.UTop && dst.RecvDstVA < defs.UTop {
		if srcVA != srcVA.PageBase() || dst.RecvDstVA != dst.RecvDstVA.PageBase() {
			return errResult(defs.ErrInvalid)
		}
		if errc := defs.CheckPerm(perm); errc != 0 {
			return errResult(errc)
		}
		pa, pte, ok := vm.Lookup(m.Alloc, cur.AddrSpace, srcVA)
		if !ok {
			return errResult(defs.ErrInvalid)
		}
		if perm&defs.PteW != 0 && pte&uint64(defs.PteW) == 0 {
			return errResult(defs.ErrInvalid)
		}
		if errc := vm.Map(m.Alloc, dst.AddrSpace, dst.RecvDstVA, pa, perm); errc != 0 {
			return errResult(errc)
		}
		grantedPerm = perm
	}

	dst.IPCValue = value
	dst.IPCFrom = cur.ID
	dst.IPCPerm = grantedPerm
	dst.RecvWaiting = false
	dst.State = env.Runnable
	return Result{}
}

func (m *Machine) ipcRecv(cur *env.Env, a Args) Result {
	dstVA := defs.VA(a.A0)
	if dstVA < defs.UTop && dstVA != dstVA.PageBase() {
		return errResult(defs.ErrInvalid)
	}
	cur.RecvWaiting = true
	cur.RecvDstVA = dstVA
	cur.State = env.NotRunnable
	cur.SavedFrame.RAX = 0
	return Result{Reschedule: true}
}
