package trap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zijeric/EricOS/internal/trap"
)

func TestUserTrapFrameSizeMatchesActualFieldLayout(t *testing.T) {
	// Regs carries 15 uint64 fields (RAX,RBX,RCX,RDX,RSI,RDI,RBP,
	// R8..R15); FaultVA, ErrCode, RIP, RFlags, RSP add five more.
	require.Equal(t, 20*8, trap.UserTrapFrameSize)
}

func TestUserTrapFrameBytesRoundTripsThroughDecode(t *testing.T) {
	want := trap.UserTrapFrame{
		FaultVA: 0x4000,
		ErrCode: 0x6,
		Regs:    trap.Regs{RAX: 1, RBX: 2, R15: 3},
		RIP:     0x1000,
		RFlags:  trap.RFlagsIF,
		RSP:     0x2000,
	}

	got := trap.DecodeUserTrapFrame(want.Bytes())
	require.Equal(t, want, got)
}

func TestUserTrapFrameBytesHasUserTrapFrameSizeLength(t *testing.T) {
	var f trap.UserTrapFrame
	require.Len(t, f.Bytes(), trap.UserTrapFrameSize)
}
