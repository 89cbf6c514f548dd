package env

import (
	"sync"

	"github.com/zijeric/EricOS/internal/defs"
	"github.com/zijeric/EricOS/internal/klog"
	"github.com/zijeric/EricOS/internal/mem"
	"github.com/zijeric/EricOS/internal/trap"
	"github.com/zijeric/EricOS/internal/vm"
)

const nilIdx = -1

// Table is the fixed-size array of environment descriptors plus its free
// list, protected by the big kernel lock held by whichever caller is
// mutating it (the mutex here exists only so unit tests can exercise Table
// without a full kernel around it; the running kernel always calls through
// with the big lock already held).
type Table struct {
	mu       sync.Mutex
	envs     []Env
	freeHead int
}

// NewTable builds an all-FREE table of n slots, chained into one free list.
func NewTable(n int) *Table {
	t := &Table{envs: make([]Env, n), freeHead: 0}
	for i := range t.envs {
		t.envs[i].State = Free
		if i+1 < n {
			t.envs[i].nextFree = i + 1
		} else {
			t.envs[i].nextFree = nilIdx
		}
	}
	return t
}

// Alloc pops the next free slot, assigns it a fresh id (advancing that
// slot's generation), and builds a new address space for it. Everything
// else mirrors spec.md 4.4: state RUNNABLE, runs 0, upcall 0, IPC fields
// clear, segment/privilege fields set for a first entry to user mode.
func (t *Table) Alloc(alloc *mem.Allocator, bootRoot defs.PA, parentID int32) (*Env, defs.Err) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.freeHead == nilIdx {
		return nil, defs.ErrNoFreeEnv
	}
	idx := t.freeHead
	e := &t.envs[idx]
	t.freeHead = e.nextFree

	root, ok := vm.NewSpace(alloc, bootRoot)
	if !ok {
		// Put the slot back; no partial environment is left allocated.
		e.nextFree = t.freeHead
		t.freeHead = idx
		return nil, defs.ErrNoMem
	}

	e.gen++
	*e = Env{
		ID:        makeID(e.gen, idx),
		ParentID:  parentID,
		State:     Runnable,
		Type:      TypeUser,
		AddrSpace: root,
		gen:       e.gen,
		nextFree:  nilIdx,
	}
	e.SavedFrame.RSP = uint64(defs.USTackTop)
	e.SavedFrame.RFlags = trap.RFlagsIF
	return e, 0
}

// Lookup implements id_lookup: id == 0 means "the caller". Otherwise the
// slot's current generation must match the id's embedded generation and
// the slot must not be FREE. With checkPerm, the target must be the caller
// itself or a direct child of it.
func (t *Table) Lookup(id int32, caller *Env, checkPerm bool) (*Env, defs.Err) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookup(id, caller, checkPerm)
}

func (t *Table) lookup(id int32, caller *Env, checkPerm bool) (*Env, defs.Err) {
	if id == 0 {
		return caller, 0
	}
	idx := indexOf(id)
	if idx < 0 || idx >= len(t.envs) {
		return nil, defs.ErrBadEnv
	}
	e := &t.envs[idx]
	if e.State == Free || e.gen != generationOf(id) {
		return nil, defs.ErrBadEnv
	}
	if checkPerm && e != caller && e.ParentID != caller.ID {
		return nil, defs.ErrBadEnv
	}
	return e, 0
}

// Destroy implements the destroy/free split of spec.md 4.4. If env is
// RUNNING on a CPU other than selfCPU, it is marked DYING and left for that
// CPU's next kernel entry to free; otherwise it is freed immediately.
// Returns true if the environment was freed synchronously (the caller may
// then need to reschedule if it just freed its own current environment).
func (t *Table) Destroy(alloc *mem.Allocator, e *Env, selfCPU int) (freedNow bool) {
	t.mu.Lock()
	runningElsewhere := e.State == Running && e.CPU != selfCPU
	if runningElsewhere {
		e.State = Dying
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()

	t.Free(alloc, e)
	return true
}

// Free tears down env's address space and returns its slot to the free
// list with state FREE, per spec.md 4.4.
func (t *Table) Free(alloc *mem.Allocator, e *Env) {
	vm.FreeSpace(alloc, e.AddrSpace)

	t.mu.Lock()
	defer t.mu.Unlock()
	idx := indexOf(e.ID)
	if &t.envs[idx] != e {
		klog.Panicf("env: Free called with a descriptor not owned by this table")
	}
	e.State = Free
	e.AddrSpace = 0
	e.nextFree = t.freeHead
	t.freeHead = idx
}

// All returns the backing slice for iteration by the scheduler. Callers
// must hold the big lock.
func (t *Table) All() []Env { return t.envs }

// Get returns the descriptor at a raw slot index, used by the scheduler's
// round-robin scan which works in slot-index space rather than id space.
func (t *Table) Get(idx int) *Env { return &t.envs[idx] }

// Len reports the table's fixed capacity (N in spec.md 3).
func (t *Table) Len() int { return len(t.envs) }
