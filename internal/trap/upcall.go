package trap

import (
	"bytes"
	"encoding/binary"
)

// UserTrapFrame is the record C6 writes onto an environment's exception
// stack before redirecting it to its registered upcall: the on-stack
// format of the "deliberate, numbered IPC-like message" spec.md 9 asks for
// in place of an unwinding construct.
type UserTrapFrame struct {
	FaultVA uint64
	ErrCode uint64
	Regs    Regs
	RIP     uint64
	RFlags  uint64
	RSP     uint64
}

// UserTrapFrameSize is the on-stack footprint of a UserTrapFrame, used by
// C6 to decide where the nested-fault cursor lands and by the upcall
// trampoline to know how far to pop. Derived from the struct's actual
// field layout instead of hand-counted, since Regs gained fields over
// time and a hand-counted constant had already drifted out of sync with it.
var UserTrapFrameSize = binary.Size(UserTrapFrame{})

// Bytes serializes f the way C6 writes it into the bytes backing an
// environment's exception-stack page.
func (f UserTrapFrame) Bytes() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(UserTrapFrameSize)
	if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
		panic("trap: UserTrapFrame has no fixed binary layout: " + err.Error())
	}
	return buf.Bytes()
}

// DecodeUserTrapFrame reverses Bytes, used by whatever reads the frame
// back off the exception stack (the user-level trampoline, in a real
// image; internal/kernel's simulated stand-in here).
func DecodeUserTrapFrame(b []byte) UserTrapFrame {
	var f UserTrapFrame
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &f); err != nil {
		panic("trap: malformed UserTrapFrame on exception stack: " + err.Error())
	}
	return f
}
