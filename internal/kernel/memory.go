package kernel

import (
	"fmt"

	"github.com/zijeric/EricOS/internal/defs"
	"github.com/zijeric/EricOS/internal/trap"
	"github.com/zijeric/EricOS/internal/user"
	"github.com/zijeric/EricOS/internal/vm"
)

// access services one environment's memory read or write, a page at a
// time, resolving a fault through pagefault before retrying exactly once.
// Real hardware does this translation through the MMU without the big
// lock; vm.Lookup here is read-only and touches no free list or
// reference count, so this simulation treats it the same way (spec.md
// 5's "user-mode execution runs lock-free in parallel").
func (k *Kernel) access(slot int, va defs.VA, data []byte, write bool) {
	e := k.Table.Get(slot)
	off := 0
	for off < len(data) {
		cur := va + defs.VA(off)
		pageVA := cur.PageBase()
		pa, pte, ok := vm.Lookup(k.Alloc, e.AddrSpace, pageVA)
		if !ok || (write && pte&uint64(defs.PteW) == 0) {
			k.pagefault(slot, cur, write)
			pa, pte, ok = vm.Lookup(k.Alloc, e.AddrSpace, pageVA)
			if !ok || (write && pte&uint64(defs.PteW) == 0) {
				panic(fmt.Sprintf("kernel: env %d access at %#x still unresolved after fault\n%s", e.ID, cur, e.SavedFrame.String()))
			}
		}
		pageOff := int(cur.Offset())
		n := defs.PageSize - pageOff
		if remaining := len(data) - off; n > remaining {
			n = remaining
		}
		backing := k.Alloc.Bytes(pa)
		if write {
			copy(backing[pageOff:pageOff+n], data[off:off+n])
		} else {
			copy(data[off:off+n], backing[pageOff:pageOff+n])
		}
		off += n
	}
}

// Hardware page-fault error-code bits, per the original kernel's use of
// rcr2()/tf_err (original_source/kern/trap.c): bit 0 is "the page was
// already present" (a protection violation rather than a not-present
// fault), bit 1 is "the faulting access was a write", bit 2 is "the fault
// happened in user mode" — always set here since only user-mode faults
// are ever simulated.
const (
	pfPresentBit = 1 << 0
	pfWriteBit   = 1 << 1
	pfUserBit    = 1 << 2
)

// exceptionStackCursor implements spec.md 4.6 step 2: a fault while
// already running on the exception stack nests just below the frame
// already there (with an 8-byte gap, matching the original's empty-word
// convention); a first-entry fault lands at the very top of the stack.
func exceptionStackCursor(rsp uint64) defs.VA {
	top := defs.VA(defs.UXStackTop)
	bottom := top - defs.PageSize
	size := defs.VA(trap.UserTrapFrameSize)
	if defs.VA(rsp) >= bottom && defs.VA(rsp) < top {
		return defs.VA(rsp) - 8 - size
	}
	return top - size
}

// writableRange implements spec.md 4.6 step 3's write-access check over
// the span the UserTrapFrame is about to be written into.
func (k *Kernel) writableRange(slot int, va defs.VA, n int) bool {
	e := k.Table.Get(slot)
	end := va + defs.VA(n)
	for p := va.PageBase(); p < end; p += defs.PageSize {
		_, pte, ok := vm.Lookup(k.Alloc, e.AddrSpace, p)
		if !ok || pte&uint64(defs.PteW) == 0 {
			return false
		}
	}
	return true
}

// peek reads n bytes back out of slot's own address space without going
// through pagefault recursion, used only to read back a UserTrapFrame this
// same call just wrote.
func (k *Kernel) peek(slot int, va defs.VA, n int) []byte {
	buf := make([]byte, n)
	k.access(slot, va, buf, false)
	return buf
}

// pagefault is C6's trap-vector entry point: classify the fault, dispatch
// it through the IDT's registered page-fault gate exactly as a real
// vector would, and unwind the scratch fields it used once the gate
// returns. internal/kernel.New wires VecPageFault to pageFaultVector
// below.
func (k *Kernel) pagefault(slot int, va defs.VA, write bool) {
	k.Sched.Lock.Lock()
	e := k.Table.Get(slot)
	_, pte, ok := vm.Lookup(k.Alloc, e.AddrSpace, va.PageBase())
	wasCOW := ok && pte&uint64(defs.PteCOW) != 0

	errCode := uint64(pfUserBit)
	if ok {
		errCode |= pfPresentBit
	}
	if write {
		errCode |= pfWriteBit
	}

	k.trapSlot = slot
	k.cr2 = va
	k.lastWasCOW = wasCOW
	f := trap.Frame{TrapNo: trap.VecPageFault, ErrCode: errCode}
	k.IDT[trap.VecPageFault].Handler(&f)
	k.trapSlot = 0
}

// pageFaultVector is the registered gate handler for VecPageFault: it
// implements spec.md 4.6 steps 1-5, writing a real UserTrapFrame onto the
// faulting environment's exception stack and redirecting SavedFrame to
// the upcall before running the registered Go closure in its place (this
// simulation has no addressable user code to actually resume into).
//
// slot/va/wasCOW are copied into locals before the big lock is released,
// so a fault nested inside the handler below (or inside the k.access
// retry above) cannot see this call's scratch fields mutated out from
// under it — pageFaultVector's own recursion is ordinary call-stack
// nesting, not concurrent access to k's scratch fields.
func (k *Kernel) pageFaultVector(f *trap.Frame) {
	slot := k.trapSlot
	va := k.cr2
	wasCOW := k.lastWasCOW
	e := k.Table.Get(slot)
	write := f.ErrCode&pfWriteBit != 0

	if e.Upcall == 0 {
		k.Table.Destroy(k.Alloc, e, e.CPU)
		k.Sched.Lock.Unlock()
		panic(fmt.Sprintf("kernel: env %d page fault at %#x with no registered upcall\n%s", e.ID, va, f.String()))
	}

	cursor := exceptionStackCursor(e.SavedFrame.RSP)
	if !k.writableRange(slot, cursor, trap.UserTrapFrameSize) {
		k.Table.Destroy(k.Alloc, e, e.CPU)
		k.Sched.Lock.Unlock()
		panic(fmt.Sprintf("kernel: env %d has no writable exception stack at %#x\n%s", e.ID, cursor, f.String()))
	}

	utf := trap.UserTrapFrame{
		FaultVA: uint64(va),
		ErrCode: f.ErrCode,
		Regs:    e.SavedFrame.Regs,
		RIP:     e.SavedFrame.RIP,
		RFlags:  e.SavedFrame.RFlags,
		RSP:     e.SavedFrame.RSP,
	}
	k.access(slot, cursor, utf.Bytes(), true)

	e.SavedFrame.RIP = uint64(e.Upcall)
	e.SavedFrame.RSP = uint64(cursor)

	k.mu.Lock()
	handler := k.handlers[e.ID]
	k.mu.Unlock()
	k.Sched.Lock.Unlock()

	if handler == nil {
		panic(fmt.Sprintf("kernel: env %d has an upcall but no registered handler", e.ID))
	}

	onStack := trap.DecodeUserTrapFrame(k.peek(slot, cursor, trap.UserTrapFrameSize))
	handler(&user.PageFault{FaultVA: defs.VA(onStack.FaultVA), WriteFault: write, WasCOW: wasCOW})
}
