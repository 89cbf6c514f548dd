// Package mem implements C1, the physical page allocator: a fixed backing
// store of 4 KiB frames, a ref-counted descriptor per frame, and a singly
// linked free list threaded through the descriptor array — the same shape
// as biscuit's Physmem_t, scaled down to a software-simulated address space
// since there is no real MMU underneath this kernel.
package mem

import (
	"sync"
	"unsafe"

	"github.com/zijeric/EricOS/internal/defs"
	"github.com/zijeric/EricOS/internal/klog"
)

// nilIdx marks "end of free list" / "not on any list", mirroring biscuit's
// use of ^uint32(0) as a sentinel rather than a signed -1.
const nilIdx = ^uint32(0)

// Pg_t is a generic page viewed as 512 64-bit words — the same shape a
// page-table page takes, and the shape every other page can be reinterpreted
// as. Bytepg_t is the same storage viewed as raw bytes.
type Pg_t [defs.EntriesPerTable]uint64
type Bytepg_t [defs.PageSize]byte

// Pg2bytes reinterprets a word-page as a byte-page without copying.
func Pg2bytes(pg *Pg_t) *Bytepg_t { return (*Bytepg_t)(unsafe.Pointer(pg)) }

// Bytepg2pg reinterprets a byte-page as a word-page without copying.
func Bytepg2pg(pg *Bytepg_t) *Pg_t { return (*Pg_t)(unsafe.Pointer(pg)) }

// frameDesc is the physical frame descriptor of spec.md 3: a ref count and a
// free-list link, plus a mark saying whether the frame is on the free list
// (the link alone cannot tell the list's tail from an allocated frame).
// Invariant I4 (refcount == 0 iff on the free list) is maintained entirely
// by Alloc/Free/Decref below.
type frameDesc struct {
	refCount int32
	nextFree uint32
	onFree   bool
}

// Allocator owns every frame of simulated physical RAM. Concurrent callers
// serialise through the embedded mutex; in the real kernel this is the big
// kernel lock, held for the whole duration of any call here.
type Allocator struct {
	mu sync.Mutex

	descs  []frameDesc
	pages  []Pg_t
	freeHd uint32
}

// NewAllocator builds an allocator with nframes frames, all reserved
// (refcount pinned above zero so nothing can allocate them) until Seed
// releases the ones that are actually free — mirroring Phys_init, which
// marks every frame reserved, then only chains the ones the boot memory map
// reports as usable.
func NewAllocator(nframes int) *Allocator {
	a := &Allocator{
		descs: make([]frameDesc, nframes),
		pages: make([]Pg_t, nframes),
	}
	a.freeHd = nilIdx
	for i := range a.descs {
		a.descs[i].refCount = 1 // reserved until Seed says otherwise
		a.descs[i].nextFree = nilIdx
	}
	return a
}

// Seed releases frame index idx onto the free list. Called once per usable
// frame while the allocator is being built; never safe to call again for an
// index once normal Alloc/Free traffic has started.
func (a *Allocator) Seed(idx int) {
	a.descs[idx].refCount = 0
	a.descs[idx].nextFree = a.freeHd
	a.descs[idx].onFree = true
	a.freeHd = uint32(idx)
}

func (a *Allocator) idx(pa defs.PA) uint32 { return uint32(pa) / defs.PageSize }
func (a *Allocator) pa(idx uint32) defs.PA { return defs.PA(idx) * defs.PageSize }

// Alloc removes the first frame from the free list. If zero is true the
// page is cleared before being handed back. The returned frame has
// refCount == 0; the caller must Refup (via a successful map) before it is
// live, exactly as spec.md 4.1 describes. ok is false on an empty list
// (out-of-memory), never panics, never blocks.
func (a *Allocator) Alloc(zero bool) (pa defs.PA, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.freeHd
	if idx == nilIdx {
		return 0, false
	}
	a.freeHd = a.descs[idx].nextFree
	a.descs[idx].nextFree = nilIdx
	a.descs[idx].onFree = false
	if a.descs[idx].refCount != 0 {
		klog.Panicf("mem: alloc of frame %d with refcount %d", idx, a.descs[idx].refCount)
	}
	if zero {
		a.pages[idx] = Pg_t{}
	}
	return a.pa(idx), true
}

// Free requires refcount == 0 and pushes the frame back onto the free list.
// Calling Free on a frame with a positive refcount is a kernel invariant
// violation and panics rather than silently corrupting the list.
func (a *Allocator) Free(pa defs.PA) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free(a.idx(pa))
}

func (a *Allocator) free(idx uint32) {
	d := &a.descs[idx]
	if d.refCount != 0 {
		klog.Panicf("mem: free of frame %d with refcount %d", idx, d.refCount)
	}
	if d.onFree {
		klog.Panicf("mem: double free of frame %d", idx)
	}
	d.onFree = true
	d.nextFree = a.freeHd
	a.freeHd = idx
}

// Refup increments a frame's ref count; called by every successful mapping
// installation.
func (a *Allocator) Refup(pa defs.PA) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.idx(pa)
	a.descs[idx].refCount++
}

// Decref decrements a frame's ref count and frees it on reaching zero,
// implementing the C1 decref(frame) primitive.
func (a *Allocator) Decref(pa defs.PA) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.idx(pa)
	d := &a.descs[idx]
	if d.refCount <= 0 {
		klog.Panicf("mem: decref of frame %d with refcount %d", idx, d.refCount)
	}
	d.refCount--
	if d.refCount == 0 {
		a.free(idx)
	}
}

// Refcount reports a frame's current live-mapping count, used by tests to
// verify I-alloc and I-cow-fork/I-cow-write.
func (a *Allocator) Refcount(pa defs.PA) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.descs[a.idx(pa)].refCount)
}

// OnFreeList reports whether a frame is currently on the free list — the
// other half of I-alloc, checked independently of refCount so tests can
// catch a desync between the two.
func (a *Allocator) OnFreeList(pa defs.PA) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.idx(pa)
	for i := a.freeHd; i != nilIdx; i = a.descs[i].nextFree {
		if i == idx {
			return true
		}
	}
	return false
}

// Words returns the frame's contents viewed as a page-table page (512
// 64-bit words) for in-place mutation by the vm package.
func (a *Allocator) Words(pa defs.PA) *Pg_t {
	return &a.pages[a.idx(pa)]
}

// Bytes returns the frame's contents viewed as a flat byte page, for user
// data pages (program image loading, IPC payload pages).
func (a *Allocator) Bytes(pa defs.PA) *Bytepg_t {
	return Pg2bytes(a.Words(pa))
}

// NFrames reports the total number of frames the allocator was built with.
func (a *Allocator) NFrames() int { return len(a.descs) }
