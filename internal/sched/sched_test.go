package sched_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zijeric/EricOS/internal/env"
	"github.com/zijeric/EricOS/internal/sched"
)

func runnableTable(t *testing.T, n int, runnable ...int) *env.Table {
	t.Helper()
	table := env.NewTable(n)
	for _, i := range runnable {
		table.Get(i).State = env.Runnable
	}
	return table
}

func TestPickScansCircularlyFromLastIdxPlusOne(t *testing.T) {
	table := runnableTable(t, 4, 1, 3)
	s := sched.New(table)
	c := sched.NewCPU(0)

	first := s.Pick(c)
	require.Same(t, table.Get(1), first)

	second := s.Pick(c)
	require.Same(t, table.Get(3), second)
}

func TestPickSkipsEnvironmentsRunningOnAnotherCPU(t *testing.T) {
	table := env.NewTable(2)
	table.Get(0).State = env.Running
	table.Get(0).CPU = 7
	table.Get(1).State = env.Runnable
	s := sched.New(table)
	c := sched.NewCPU(0)

	picked := s.Pick(c)
	require.Same(t, table.Get(1), picked)
}

func TestPickReturnsNilWhenNothingRunnable(t *testing.T) {
	table := env.NewTable(4)
	s := sched.New(table)
	c := sched.NewCPU(0)
	require.Nil(t, s.Pick(c))
}

func TestPickRepicksOwnRunningEnvironmentWhenIdleOtherwise(t *testing.T) {
	table := env.NewTable(1)
	s := sched.New(table)
	c := sched.NewCPU(0)
	e := table.Get(0)
	e.State = env.Running
	e.CPU = 0
	c.Current = e

	require.Same(t, e, s.Pick(c))
}

func TestRunMarksRunningAndIncrementsRunCount(t *testing.T) {
	table := env.NewTable(1)
	s := sched.New(table)
	c := sched.NewCPU(3)
	e := table.Get(0)

	s.Run(c, e)
	require.Equal(t, env.Running, e.State)
	require.Equal(t, 3, e.CPU)
	require.EqualValues(t, 1, e.Runs)
	require.Same(t, e, c.Current)

	s.Run(c, e)
	require.EqualValues(t, 2, e.Runs)
}

func TestHaltClearsCurrentAndMarksHalted(t *testing.T) {
	table := env.NewTable(1)
	s := sched.New(table)
	c := sched.NewCPU(0)
	c.Current = table.Get(0)

	s.Halt(c)
	require.Nil(t, c.Current)
	require.Equal(t, sched.CPUHalted, c.Status)
}
