// Package defs holds the types and constants shared by every layer of the
// kernel: the closed error enumeration, permission and device bits, and the
// address-space layout that user images are built against.
package defs

// Err is a small negative error code. The zero value means success, and
// successful calls report 0 or a non-negative value.
type Err int

// The kernel's error enumeration. Closed and flat: new kinds are not added
// at runtime. The seven file-system codes are owned by the (out-of-scope)
// user-level file-server environment; of them the core returns only
// ErrNotExec, from the image loader.
const (
	ErrUnspecified Err = -1 - iota
	ErrBadEnv
	ErrInvalid
	ErrNoMem
	ErrNoFreeEnv
	ErrFault
	ErrNoSys
	ErrIpcNotReceiving
	ErrEof

	// File-system layer codes; the core produces only ErrNotExec.
	ErrNoDisk
	ErrMaxOpen
	ErrNotFound
	ErrBadPath
	ErrFileExists
	ErrNotExec
	ErrNotSupp
)

// String renders a human-readable name, used in panics and log lines.
func (e Err) String() string {
	switch e {
	case ErrUnspecified:
		return "unspecified"
	case ErrBadEnv:
		return "bad-env"
	case ErrInvalid:
		return "invalid"
	case ErrNoMem:
		return "no-mem"
	case ErrNoFreeEnv:
		return "no-free-env"
	case ErrFault:
		return "fault"
	case ErrNoSys:
		return "no-sys"
	case ErrIpcNotReceiving:
		return "ipc-not-receiving"
	case ErrEof:
		return "eof"
	case ErrNoDisk:
		return "no-disk"
	case ErrMaxOpen:
		return "max-open"
	case ErrNotFound:
		return "not-found"
	case ErrBadPath:
		return "bad-path"
	case ErrFileExists:
		return "file-exists"
	case ErrNotExec:
		return "not-exec"
	case ErrNotSupp:
		return "not-supp"
	default:
		return "ok"
	}
}
