package sched

// Topology tracks the set of logical CPUs brought up at boot, per
// spec.md 4.8: the boot CPU starts the others, each of which begins
// Unstarted until marked started. Pick does not consult a CPU's Status.
type Topology struct {
	CPUs []*CPU
}

// BringUp builds a Topology of n CPUs, CPU 0 already Started (it is the
// one running this call) and the rest Unstarted until StartAP marks them.
func BringUp(n int) *Topology {
	top := &Topology{CPUs: make([]*CPU, n)}
	for i := 0; i < n; i++ {
		c := NewCPU(i)
		if i == 0 {
			c.Status = CPUStarted
		}
		top.CPUs[i] = c
	}
	return top
}

// StartAP marks an application processor started, mirroring the real
// bring-up sequence's startup-IPI handshake: the boot CPU calls this once
// the AP has acknowledged it is ready to enter the scheduler loop.
func (t *Topology) StartAP(id int) {
	t.CPUs[id].Status = CPUStarted
}

// Running reports how many CPUs are currently Started (not Unstarted or
// Halted), used by tests asserting how many CPUs bring-up has started.
func (t *Topology) Running() int {
	n := 0
	for _, c := range t.CPUs {
		if c.Status == CPUStarted {
			n++
		}
	}
	return n
}
