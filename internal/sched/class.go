package sched

// EnqueueFlags describe why a task is being enqueued.
type EnqueueFlags int

const (
	EnqueueWakeup EnqueueFlags = 1 << iota
	EnqueueRestore
	EnqueueNew
)

// DequeueFlags describe why a task is being dequeued.
type DequeueFlags int

const (
	DequeueSleep DequeueFlags = 1 << iota
	DequeueSave
	DequeueExit
)

// Class is the dispatch-hook set every scheduling policy provides.
//
// The host invokes every hook unconditionally, so a policy that has nothing
// to do for a hook still implements it (usually by embedding BaseClass).
// All hooks that take a cpu run with that processor's scheduling context
// serialized by the host.
type Class interface {
	EnqueueTask(cpu int, t *Task, flags EnqueueFlags)
	DequeueTask(cpu int, t *Task, flags DequeueFlags)
	YieldTask(cpu int)
	CheckPreemptCurr(cpu int, t *Task, flags int)

	// PickNextTask returns the task to run next, or nil to let the next
	// class in the chain decide. A class that returns a task must first ask
	// the host to finalize accounting for prev (Host.PutPrevTask).
	PickNextTask(cpu int, prev *Task) *Task
	PutPrevTask(cpu int, t *Task)

	SelectTaskRQ(t *Task, cpu int, flags int) int
	SetCPUsAllowed(t *Task, cpus []int)
	RQOnline(cpu int)
	RQOffline(cpu int)
	SetCurrTask(cpu int)
	TaskTick(cpu int, t *Task, queued bool)
	TaskDead(t *Task)
	SwitchedTo(cpu int, t *Task)
	PrioChanged(cpu int, t *Task, oldPrio int)
	UpdateCurr(cpu int)
}

// BaseClass provides no-op implementations of every hook. Policies embed it
// and override the hooks they care about.
type BaseClass struct{}

func (BaseClass) EnqueueTask(int, *Task, EnqueueFlags) {}
func (BaseClass) DequeueTask(int, *Task, DequeueFlags) {}
func (BaseClass) YieldTask(int) {}
func (BaseClass) CheckPreemptCurr(int, *Task, int) {}
func (BaseClass) PickNextTask(int, *Task) *Task { return nil }
func (BaseClass) PutPrevTask(int, *Task) {}
func (BaseClass) SelectTaskRQ(_ *Task, cpu int, _ int) int { return cpu }
func (BaseClass) SetCPUsAllowed(*Task, []int) {}
func (BaseClass) RQOnline(int) {}
func (BaseClass) RQOffline(int) {}
func (BaseClass) SetCurrTask(int) {}
func (BaseClass) TaskTick(int, *Task, bool) {}
func (BaseClass) TaskDead(*Task) {}
func (BaseClass) SwitchedTo(int, *Task) {}
func (BaseClass) PrioChanged(int, *Task, int) {}
func (BaseClass) UpdateCurr(int) {}

var _ Class = BaseClass{}
