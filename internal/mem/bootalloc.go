package mem

import "github.com/zijeric/EricOS/internal/klog"

// BootAllocator is the bump allocator used strictly before the frame
// descriptor array exists — mirroring the original's boot_alloc(), which
// hands out frames one after another from the low end of RAM to build the
// very structures (the frame array, the boot top-level table) that the real
// allocator will later track. It never frees.
type BootAllocator struct {
	next  int
	limit int
}

// NewBootAllocator bounds the bump allocator to the first nframes frames of
// simulated RAM; everything it hands out is later folded into the real
// Allocator's reserved region (spec.md 4.1's "already allocated" frames).
func NewBootAllocator(nframes int) *BootAllocator {
	return &BootAllocator{limit: nframes}
}

// Alloc returns the next never-before-used frame index, or panics if the
// reserved region is exhausted — an unrecoverable boot-time condition.
func (b *BootAllocator) Alloc() int {
	if b.next >= b.limit {
		klog.Panicf("bootalloc: out of boot-reserved frames")
	}
	idx := b.next
	b.next++
	return idx
}

// Used reports how many frames have been handed out so far, the boundary
// the real Allocator's Seed loop must start past.
func (b *BootAllocator) Used() int { return b.next }
