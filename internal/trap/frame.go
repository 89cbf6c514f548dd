// Package trap holds the data shapes of C5, the trap/IDT layer: the
// register snapshot captured by the uniform trap entry, the IDT's gate
// descriptors, and the page-fault record handed to a user upcall. It holds
// no behaviour of its own beyond what is purely mechanical (building an
// IDT, rendering a frame for a panic message) — the dispatcher that ties a
// Frame to an environment lives in internal/kernel, since that is the
// first layer allowed to know about both trap.Frame and env.Env without a
// cycle.
package trap

import "fmt"

// Regs is the general-purpose register file captured by the common trap
// prologue, split out from Frame the way gopher-os-gopher-os's
// kernel/irq.Regs is split from its Frame: Regs is what software pushes,
// Frame's tail is what the CPU itself pushes on a privilege-level change.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP       uint64
	R8, R9, R10, R11    uint64
	R12, R13, R14, R15  uint64
}

// Frame is a complete trap frame: a plain record, never a closure (spec.md
// 9 is explicit that every suspension is a trap and every resumption is a
// register-file restore, not a coroutine).
type Frame struct {
	Regs

	// Data-segment selectors, pushed by the common prologue alongside Regs.
	ES, DS uint64

	// Pushed by the per-vector stub before the prologue runs.
	TrapNo  uint64
	ErrCode uint64

	// Pushed by the CPU itself on any privilege-level-changing trap.
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// RFlagsIF is the interrupt-enable bit of RFlags, set in every saved frame
// before an environment's first run.
const RFlagsIF uint64 = 1 << 9

// RFlagsIOPL is the two-bit I/O privilege level field; DIOPL3 grants ring-3
// code port access, used for the one FS-type environment.
const (
	rflagsIOPLShift = 12
	RFlagsIOPL3     = uint64(3) << rflagsIOPLShift
)

// String renders a one-line diagnostic frame dump, used in panic messages —
// the supplemented feature described in SPEC_FULL.md D.4.
func (f *Frame) String() string {
	return fmt.Sprintf(
		"trap %d err %#x rip %#x cs %#x rflags %#x rsp %#x ss %#x rax %#x",
		f.TrapNo, f.ErrCode, f.RIP, f.CS, f.RFlags, f.RSP, f.SS, f.RAX,
	)
}
