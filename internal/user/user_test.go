package user_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zijeric/EricOS/internal/defs"
	"github.com/zijeric/EricOS/internal/syscall"
	"github.com/zijeric/EricOS/internal/user"
)

// trapCall records one invocation of the fake Trap boundary, for tests that
// assert on the exact syscall surface a user-library operation drives.
type trapCall struct {
	sel            syscall.Selector
	a0, a1, a2, a3, a4 uint64
}

type harness struct {
	calls   []trapCall
	results map[syscall.Selector][]struct {
		v    uint64
		errc defs.Err
	}
	mem     map[defs.VA][]byte
	handler func(*user.PageFault)
	pages   []user.ForkPage
}

func newHarness() *harness {
	return &harness{mem: make(map[defs.VA][]byte)}
}

func (h *harness) queue(sel syscall.Selector, v uint64, errc defs.Err) {
	if h.results == nil {
		h.results = make(map[syscall.Selector][]struct {
			v    uint64
			errc defs.Err
		})
	}
	h.results[sel] = append(h.results[sel], struct {
		v    uint64
		errc defs.Err
	}{v, errc})
}

func (h *harness) trap(sel syscall.Selector, a0, a1, a2, a3, a4 uint64) (uint64, defs.Err) {
	h.calls = append(h.calls, trapCall{sel, a0, a1, a2, a3, a4})
	q := h.results[sel]
	if len(q) == 0 {
		return 0, 0
	}
	r := q[0]
	h.results[sel] = q[1:]
	return r.v, r.errc
}

func (h *harness) access(va defs.VA, data []byte, write bool) {
	page := va.PageBase()
	if write {
		buf := make([]byte, defs.PageSize)
		copy(buf, h.mem[page])
		copy(buf[va.Offset():], data)
		h.mem[page] = buf
	} else {
		copy(data, h.mem[page][va.Offset():])
	}
}

func (h *harness) regUp(fn func(*user.PageFault)) defs.VA {
	h.handler = fn
	return defs.VA(1)
}

func (h *harness) observe() (uint64, int32, defs.Pa_t) { return 99, 7, defs.PteU }

func (h *harness) enumerate() []user.ForkPage { return h.pages }

func newProcess(h *harness) *user.Process {
	return user.New(h.trap, h.access, h.regUp, h.observe, h.enumerate, defs.VA(defs.UScratch))
}

func TestCputsWritesBufferThenTraps(t *testing.T) {
	h := newHarness()
	p := newProcess(h)

	errc := p.Cputs("hi")
	require.Zero(t, errc)
	require.Len(t, h.calls, 1)
	require.Equal(t, syscall.SysCputs, h.calls[0].sel)
	require.Equal(t, uint64(defs.UText), h.calls[0].a0)
	require.Equal(t, uint64(2), h.calls[0].a1)
}

func TestIpcSendRetriesUntilNotIpcNotReceiving(t *testing.T) {
	h := newHarness()
	p := newProcess(h)
	h.queue(syscall.SysIpcTrySend, 0, defs.ErrIpcNotReceiving)
	h.queue(syscall.SysIpcTrySend, 0, defs.ErrIpcNotReceiving)
	h.queue(syscall.SysIpcTrySend, 0, 0)

	errc := p.IpcSend(5, 42, 0, 0)
	require.Zero(t, errc)

	sends, yields := 0, 0
	for _, c := range h.calls {
		if c.sel == syscall.SysIpcTrySend {
			sends++
		}
		if c.sel == syscall.SysYield {
			yields++
		}
	}
	require.Equal(t, 3, sends)
	require.Equal(t, 2, yields, "must yield exactly once between each retry")
}

func TestIpcRecvReadsObserverAfterSuccess(t *testing.T) {
	h := newHarness()
	p := newProcess(h)
	res, errc := p.IpcRecv(defs.VA(defs.UText))
	require.Zero(t, errc)
	require.Equal(t, user.IpcRecvResult{Value: 99, From: 7, Perm: defs.PteU}, res)
}

func TestIpcRecvPropagatesTrapError(t *testing.T) {
	h := newHarness()
	p := newProcess(h)
	h.queue(syscall.SysIpcRecv, 0, defs.ErrInvalid)
	_, errc := p.IpcRecv(defs.VA(3))
	require.Equal(t, defs.ErrInvalid, errc)
}

func pageMapCalls(h *harness) []trapCall {
	var out []trapCall
	for _, c := range h.calls {
		if c.sel == syscall.SysPageMap {
			out = append(out, c)
		}
	}
	return out
}

func TestForkSharedPageIsMappedOnceDirectlyToChild(t *testing.T) {
	h := newHarness()
	p := newProcess(h)
	h.queue(syscall.SysExofork, 5, 0)
	h.pages = []user.ForkPage{{VA: defs.VA(defs.UText), Perm: defs.PteW | defs.PteU | defs.PteShare}}

	childID, errc := p.Fork()
	require.Zero(t, errc)
	require.EqualValues(t, 5, childID)

	maps := pageMapCalls(h)
	require.Len(t, maps, 1)
	require.Equal(t, uint64(5), maps[0].a2, "the lone page_map call must target the child")
	require.Equal(t, uint64(defs.PteW|defs.PteU|defs.PteShare), maps[0].a4, "a shared page keeps its writable bit")
}

func TestForkWritablePageIsDemotedToCOWOnBothSides(t *testing.T) {
	h := newHarness()
	p := newProcess(h)
	h.queue(syscall.SysExofork, 5, 0)
	h.pages = []user.ForkPage{{VA: defs.VA(defs.UText), Perm: defs.PteW | defs.PteU}}

	_, errc := p.Fork()
	require.Zero(t, errc)

	maps := pageMapCalls(h)
	require.Len(t, maps, 2, "a writable page remaps into both the child and the parent's own COW alias")
	wantPerm := uint64((defs.PteW &^ defs.PteW) | defs.PteCOW | defs.PteU)
	for _, m := range maps {
		require.Zero(t, m.a4&uint64(defs.PteW), "a COW mapping must never carry the writable bit")
		require.NotZero(t, m.a4&uint64(defs.PteCOW))
		require.Equal(t, wantPerm, m.a4)
	}
	require.EqualValues(t, 5, maps[0].a2, "first installs into the child")
	require.EqualValues(t, 0, maps[1].a2, "then re-installs the parent's own alias as COW too")
}

func TestForkReadOnlyPageIsMappedAsIs(t *testing.T) {
	h := newHarness()
	p := newProcess(h)
	h.queue(syscall.SysExofork, 5, 0)
	h.pages = []user.ForkPage{{VA: defs.VA(defs.UText), Perm: defs.PteU}}

	_, errc := p.Fork()
	require.Zero(t, errc)

	maps := pageMapCalls(h)
	require.Len(t, maps, 1)
	require.Equal(t, uint64(defs.PteU), maps[0].a4)
}

func TestForkPropagatesExoforkFailure(t *testing.T) {
	h := newHarness()
	p := newProcess(h)
	h.queue(syscall.SysExofork, 0, defs.ErrNoFreeEnv)

	_, errc := p.Fork()
	require.Equal(t, defs.ErrNoFreeEnv, errc)
}

func TestDefaultCOWHandlerPanicsOnNonCOWFault(t *testing.T) {
	h := newHarness()
	p := newProcess(h)
	h.queue(syscall.SysExofork, 5, 0)
	_, errc := p.Fork()
	require.Zero(t, errc)
	require.NotNil(t, h.handler)

	require.Panics(t, func() {
		h.handler(&user.PageFault{FaultVA: defs.VA(defs.UText), WriteFault: false, WasCOW: true})
	})
	require.Panics(t, func() {
		h.handler(&user.PageFault{FaultVA: defs.VA(defs.UText), WriteFault: true, WasCOW: false})
	})
}

func TestDefaultCOWHandlerCopiesThroughScratchAndRemaps(t *testing.T) {
	h := newHarness()
	p := newProcess(h)
	h.queue(syscall.SysExofork, 5, 0)
	_, errc := p.Fork()
	require.Zero(t, errc)
	require.NotNil(t, h.handler)

	va := defs.VA(defs.UText)
	h.mem[va.PageBase()] = append([]byte("original contents"), make([]byte, defs.PageSize)...)[:defs.PageSize]
	h.calls = nil // only inspect the handler's own trap calls

	h.handler(&user.PageFault{FaultVA: va, WriteFault: true, WasCOW: true})

	require.Len(t, h.calls, 3)
	require.Equal(t, syscall.SysPageAlloc, h.calls[0].sel)
	require.Equal(t, uint64(defs.UScratch), h.calls[0].a1)
	require.Equal(t, syscall.SysPageMap, h.calls[1].sel)
	require.Equal(t, uint64(defs.UScratch), h.calls[1].a1)
	require.Equal(t, uint64(va), h.calls[1].a3)
	require.Equal(t, syscall.SysPageUnmap, h.calls[2].sel)
	require.Equal(t, uint64(defs.UScratch), h.calls[2].a1)

	require.Equal(t, []byte("original contents"), h.mem[va.PageBase()][:17])
	require.Equal(t, []byte("original contents"), h.mem[defs.VA(defs.UScratch).PageBase()][:17],
		"the handler must copy the old page's contents into the scratch page before remapping")
}
