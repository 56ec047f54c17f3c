package sched

import (
	"fmt"
	"sync/atomic"
)

// Policy selects the scheduling class a task belongs to.
type Policy int

const (
	PolicyNormal Policy = iota
	PolicyOffload
)

func (p Policy) String() string {
	switch p {
	case PolicyNormal:
		return "normal"
	case PolicyOffload:
		return "offload"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// NoSlot marks a task that has no class-private state allocated yet.
const NoSlot int32 = -1

// Task is the host's descriptor for one schedulable thread.
//
// The host owns every field except ClassSlot, which belongs to the
// scheduling class the task is admitted to (the offload class stores its
// arena index there).
type Task struct {
	PID    int
	Comm   string
	Policy Policy

	// CPU is the processor the host last placed the task on.
	CPU int

	// ClassSlot is private storage for the task's scheduling class.
	ClassSlot int32

	// sumExec is the accumulated run time in ticks.
	sumExec atomic.Uint64
}

func NewTask(pid int, comm string, policy Policy) *Task {
	return &Task{PID: pid, Comm: comm, Policy: policy, CPU: -1, ClassSlot: NoSlot}
}

// SumExec returns the run time charged to the task so far, in ticks.
func (t *Task) SumExec() uint64 { return t.sumExec.Load() }

// Charge adds run time to the task. Hosts call it from AccountCPUTime.
func (t *Task) Charge(ticks uint64) { t.sumExec.Add(ticks) }

func (t *Task) String() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s[%d]", t.Comm, t.PID)
}
