package vm

import (
	"github.com/zijeric/EricOS/internal/defs"
	"github.com/zijeric/EricOS/internal/mem"
)

// NewSpace implements C3: allocate one top-level page, copy every entry
// from bootRoot at or above TopLevelKernStart (the shared kernel window,
// identical in every address space per spec.md I2), then install the
// self-map slot so the tree is reachable at defs.SelfMap. Returns the new
// root's physical frame.
func NewSpace(alloc *mem.Allocator, bootRoot defs.PA) (defs.PA, bool) {
	root, ok := alloc.Alloc(true)
	if !ok {
		return 0, false
	}
	alloc.Refup(root)

	bootWords := alloc.Words(bootRoot)
	words := alloc.Words(root)
	for i := defs.TopLevelKernStart; i < defs.TopLevelSelfMap; i++ {
		words[i] = bootWords[i]
	}

	// spec.md 6's address-space map lists the self-map window as
	// Kernel:R / User:R: present and user-readable, never writable (a
	// writable self-map would let user code forge its own page-table
	// entries directly).
	words[defs.TopLevelSelfMap] = entry(root, defs.PteP|defs.PteU)
	return root, true
}

// FreeSpace implements C3's teardown: walk all four levels below the
// user/kernel boundary, decrement every leaf frame, then every
// intermediate page, then the top-level table itself. It never touches the
// shared kernel window (copied by reference, owned by the boot space) or
// the self-map slot (which only ever points at root itself and must not be
// decref'd as if it were a child).
func FreeSpace(alloc *mem.Allocator, root defs.PA) {
	top := alloc.Words(root)
	for i3 := 0; i3 < defs.TopLevelKernStart; i3++ {
		e3 := top[i3]
		if e3&uint64(defs.PteP) == 0 {
			continue
		}
		pa3 := entryAddr(e3)
		freeLevel(alloc, pa3, defs.NumLevels-2)
		alloc.Decref(pa3)
	}
	alloc.Decref(root)
}

// freeLevel recursively tears down a non-leaf level, decrementing every
// child before returning. level 0 holds leaf (data-page) entries.
func freeLevel(alloc *mem.Allocator, table defs.PA, level int) {
	words := alloc.Words(table)
	for i := 0; i < defs.EntriesPerTable; i++ {
		e := words[i]
		if e&uint64(defs.PteP) == 0 {
			continue
		}
		pa := entryAddr(e)
		if level > 0 {
			freeLevel(alloc, pa, level-1)
		}
		alloc.Decref(pa)
	}
}
