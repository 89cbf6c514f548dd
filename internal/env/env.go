// Package env implements C4, the environment table: a fixed-size array of
// environment descriptors, their free list, the id scheme, and the
// lifecycle state machine. Grounded on biscuit's accnt.Accnt_t (accounting,
// adapted in accnt.go) and on the AlvOS/JOS struct Env recovered from
// original_source/kern/env.c and inc/env.h for the id-generation trick and
// the state enumeration's exact names.
package env

import (
	"github.com/zijeric/EricOS/internal/defs"
	"github.com/zijeric/EricOS/internal/trap"
)

// State is the environment lifecycle state of spec.md 3.
type State int

const (
	Free State = iota
	Runnable
	Running
	NotRunnable
	Dying
)

func (s State) String() string {
	switch s {
	case Free:
		return "FREE"
	case Runnable:
		return "RUNNABLE"
	case Running:
		return "RUNNING"
	case NotRunnable:
		return "NOT_RUNNABLE"
	case Dying:
		return "DYING"
	default:
		return "?"
	}
}

// Type distinguishes the one privileged environment kind (the user-level
// file server) from ordinary user environments; the core never interprets
// Type beyond granting I/O privilege, per spec.md 1.
type Type int

const (
	TypeUser Type = iota
	TypeFS
)

// NumEnvs is N, the fixed size of the environment array (spec.md 3).
const NumEnvs = 1024

// indexBits is log2(NumEnvs); an id packs {generation : index}.
const indexBits = 10

// Env is one slot of the environment table.
type Env struct {
	ID       int32
	ParentID int32
	State    State
	Type     Type

	// SavedFrame is a complete register snapshot sufficient to resume in
	// user mode.
	SavedFrame trap.Frame

	AddrSpace defs.PA

	Runs uint64
	CPU  int

	Upcall defs.VA

	RecvWaiting bool
	RecvDstVA   defs.VA
	IPCValue    uint64
	IPCFrom     int32
	IPCPerm     defs.Pa_t

	Accnt Accnt

	nextFree int
	gen      uint32
}

// indexOf returns the array slot an id refers to.
func indexOf(id int32) int { return int(id) & (NumEnvs - 1) }

// SlotOf exposes indexOf for callers (the scheduler's per-CPU runtime
// bookkeeping in internal/kernel) that must key their own data by table
// slot rather than by id.
func SlotOf(id int32) int { return indexOf(id) }

// generationOf returns the uniquifier embedded in id.
func generationOf(id int32) uint32 { return uint32(id) >> indexBits }

func makeID(gen uint32, idx int) int32 { return int32(gen)<<indexBits | int32(idx) }
