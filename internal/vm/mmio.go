package vm

import (
	"github.com/zijeric/EricOS/internal/defs"
	"github.com/zijeric/EricOS/internal/klog"
	"github.com/zijeric/EricOS/internal/mem"
)

// MMIOWindow is the kernel's bump allocator over [defs.MMIOBase,
// defs.MMIOLim): a dedicated region for mapping device registers, handed
// out sequentially and never reclaimed (device mappings live for the life
// of the kernel).
type MMIOWindow struct {
	next defs.VA
}

// NewMMIOWindow returns a window starting at the base of the MMIO region.
func NewMMIOWindow() *MMIOWindow {
	return &MMIOWindow{next: defs.MMIOBase}
}

// Map reserves the next size bytes of the window, maps pa there with
// cache-disable + write-through + writable, and returns the virtual
// address device code should use. Panics if the window would overflow —
// an unrecoverable boot-time misconfiguration, matching spec.md 4.2.
func (w *MMIOWindow) Map(alloc *mem.Allocator, bootRoot defs.PA, pa defs.PA, size uintptr) defs.VA {
	size = roundUpPage(size)
	va := w.next
	if uintptr(va)+size > uintptr(defs.MMIOLim) {
		klog.Panicf("vm: mmio window overflow mapping %d bytes at phys %#x", size, pa)
	}
	w.next += defs.VA(size)

	perm := defs.PtePCD | defs.PtePWT | defs.PteW
	BulkMap(alloc, bootRoot, va, pa, size, perm)
	return va
}

func roundUpPage(n uintptr) uintptr {
	return (n + defs.PageMask) &^ defs.PageMask
}
