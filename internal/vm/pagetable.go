// Package vm implements C2, the four-level page-table engine, and C3, the
// per-environment address-space builder. There is no real MMU beneath this
// kernel, so a "page table" is simply a frame from internal/mem viewed as
// 512 64-bit words, walked exactly as hardware would walk it; see
// spec.md 9 on why the tree is addressed this way instead of through owning
// handles.
package vm

import (
	"github.com/zijeric/EricOS/internal/defs"
	"github.com/zijeric/EricOS/internal/mem"
)

// entry packs a physical frame number and flags into one table word.
func entry(pa defs.PA, flags defs.Pa_t) uint64 {
	return uint64(pa)&uint64(defs.PAddrMask) | uint64(flags&^defs.PAddrMask)
}

func entryAddr(e uint64) defs.PA     { return defs.PA(e & uint64(defs.PAddrMask)) }
func entryFlags(e uint64) defs.Pa_t  { return defs.Pa_t(e) &^ defs.PAddrMask }
func entryPresent(e uint64) bool     { return defs.Pa_t(e)&defs.PteP != 0 }

// Walk traverses the four levels of root for va, top level first. If an
// intermediate entry is absent: with create false it returns ok=false
// immediately; with create true it allocates a zeroed frame, links it in
// with Present|Writable|User, and continues. If a deeper level then fails
// to allocate, every intermediate created during this call is torn back
// down (decref'd) before returning, so a failed walk never leaves a partial
// table behind.
//
// On success it returns the physical frame of the table holding the leaf
// entry and the index within it — never a raw pointer, so the self-map
// cycle never has to be modelled as an owning reference.
func Walk(alloc *mem.Allocator, root defs.PA, va defs.VA, create bool) (table defs.PA, idx int, ok bool) {
	var created []defs.PA
	var linked []*uint64
	cur := root
	for level := defs.NumLevels - 1; level >= 1; level-- {
		i := va.Index(level)
		words := alloc.Words(cur)
		e := words[i]
		if !entryPresent(e) {
			if !create {
				return 0, 0, false
			}
			childPA, got := alloc.Alloc(true)
			if !got {
				for _, w := range linked {
					*w = 0
				}
				for _, c := range created {
					alloc.Decref(c)
				}
				return 0, 0, false
			}
			alloc.Refup(childPA)
			created = append(created, childPA)
			words[i] = entry(childPA, defs.PteP|defs.PteW|defs.PteU)
			linked = append(linked, &words[i])
			cur = childPA
		} else {
			cur = entryAddr(e)
		}
	}
	return cur, va.Index(0), true
}

// Lookup resolves va to its mapped frame and current PTE word without
// creating anything. ok is false if any level of the walk is absent.
func Lookup(alloc *mem.Allocator, root defs.PA, va defs.VA) (pa defs.PA, pte uint64, ok bool) {
	table, idx, ok := Walk(alloc, root, va, false)
	if !ok {
		return 0, 0, false
	}
	e := alloc.Words(table)[idx]
	if !entryPresent(e) {
		return 0, 0, false
	}
	return entryAddr(e), e, true
}

// Map installs frame at va in root with the given permission flags. The
// frame's ref count is incremented before the walk so that mapping a frame
// onto a virtual address that already maps that same frame (a permission
// update) leaves its ref count unchanged: increment first, then remove
// whatever was there, then install.
//
// A COW leaf always has Writable cleared, and every leaf always carries
// Present|User, regardless of what perm asked for — spec.md 4.2's two
// installation edge cases.
func Map(alloc *mem.Allocator, root defs.PA, va defs.VA, pa defs.PA, perm defs.Pa_t) defs.Err {
	alloc.Refup(pa)

	table, idx, ok := Walk(alloc, root, va, true)
	if !ok {
		alloc.Decref(pa)
		return defs.ErrNoMem
	}

	final := perm | defs.PteP | defs.PteU
	if final&defs.PteCOW != 0 {
		final &^= defs.PteW
	}

	words := alloc.Words(table)
	if entryPresent(words[idx]) {
		unmapEntry(alloc, words, idx)
	}
	words[idx] = entry(pa, final)
	return 0
}

// Unmap removes va's leaf mapping in root, if any, decrementing the target
// frame's ref count. Unmapping an address with no mapping is a no-op.
func Unmap(alloc *mem.Allocator, root defs.PA, va defs.VA) {
	table, idx, ok := Walk(alloc, root, va, false)
	if !ok {
		return
	}
	words := alloc.Words(table)
	if !entryPresent(words[idx]) {
		return
	}
	unmapEntry(alloc, words, idx)
}

func unmapEntry(alloc *mem.Allocator, words *mem.Pg_t, idx int) {
	pa := entryAddr(words[idx])
	words[idx] = 0
	alloc.Decref(pa)
}

// BulkMap installs a page-aligned, idempotent range of mappings used only
// for static kernel regions above the user/kernel boundary. It never
// touches ref counts: kernel-static frames (the identity map of RAM, the
// per-CPU kernel stacks) are not part of the tracked user-page pool.
func BulkMap(alloc *mem.Allocator, root defs.PA, va defs.VA, pa defs.PA, length uintptr, perm defs.Pa_t) {
	for off := uintptr(0); off < length; off += defs.PageSize {
		table, idx, ok := Walk(alloc, root, va+defs.VA(off), true)
		if !ok {
			panic("vm: BulkMap out of memory for kernel-static region")
		}
		alloc.Words(table)[idx] = entry(pa+defs.PA(off), perm|defs.PteP)
	}
}
