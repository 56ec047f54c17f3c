package simhost

import (
	"context"
	"fmt"
	"time"

	"offsched/internal/sched"
)

// Spec describes a synthetic task.
type Spec struct {
	Comm   string
	Policy sched.Policy

	// CPU is the preferred processor; -1 spreads tasks round-robin.
	CPU int

	// Work is the run time in ticks before the task exits (at least 1).
	Work int

	// SleepEvery makes the task block after that many ticks of running,
	// for SleepFor. 0 never blocks.
	SleepEvery int
	SleepFor   time.Duration
}

// Thread is a spawned task. Its counters are only touched by the processor
// currently running it.
type Thread struct {
	task *sched.Task
	spec Spec

	remaining  int
	sinceSleep int

	done chan struct{}
}

func (th *Thread) Task() *sched.Task { return th.task }

// Done is closed after the task has exited and its class released it.
func (th *Thread) Done() <-chan struct{} { return th.done }

// Wait blocks until the task exits or ctx ends.
func (th *Thread) Wait(ctx context.Context) error {
	select {
	case <-th.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Spawn creates a task and queues its first wake-up on the processor its
// class selects. The task becomes runnable once that processor flushes its
// wake list.
func (m *Machine) Spawn(spec Spec) (*Thread, error) {
	if spec.Work <= 0 {
		spec.Work = 1
	}
	cpu := spec.CPU
	if cpu < 0 {
		cpu = int(m.nextCPU.Add(1)-1) % len(m.procs)
	}
	if _, err := m.proc(cpu); err != nil {
		return nil, err
	}

	pid := int(m.nextPID.Add(1))
	if spec.Comm == "" {
		spec.Comm = fmt.Sprintf("%s-%d", spec.Policy, pid)
	}
	t := sched.NewTask(pid, spec.Comm, spec.Policy)
	t.CPU = cpu

	th := &Thread{
		task:      t,
		spec:      spec,
		remaining: spec.Work,
		done:      make(chan struct{}),
	}
	m.threads.Store(pid, th)
	m.live.Add(1)
	m.wake(th, sched.EnqueueNew)
	return th, nil
}

func (m *Machine) wake(th *Thread, flags sched.EnqueueFlags) {
	t := th.task
	cpu := m.classOf(t).SelectTaskRQ(t, t.CPU, 0)
	if cpu < 0 || cpu >= len(m.procs) {
		cpu = 0
	}
	m.procs[cpu].queueWake(pendingWake{th: th, flags: flags})
}
