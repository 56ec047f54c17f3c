package simhost

import (
	"slices"

	"offsched/internal/sched"
)

// fifoClass runs ordinary tasks round-robin, one tick at a time. The running
// task stays queued; a pick rotates the head to the tail.
type fifoClass struct {
	sched.BaseClass

	host   sched.Host
	queues [][]*sched.Task
	since  []map[int]uint64 // pid -> dispatch tick
}

func newFIFOClass(host sched.Host, cpus int) *fifoClass {
	c := &fifoClass{
		host:   host,
		queues: make([][]*sched.Task, cpus),
		since:  make([]map[int]uint64, cpus),
	}
	for i := range c.since {
		c.since[i] = map[int]uint64{}
	}
	return c
}

func (c *fifoClass) EnqueueTask(cpu int, t *sched.Task, _ sched.EnqueueFlags) {
	c.queues[cpu] = append(c.queues[cpu], t)
	c.host.AddNrRunning(cpu, 1)
}

func (c *fifoClass) DequeueTask(cpu int, t *sched.Task, _ sched.DequeueFlags) {
	q := c.queues[cpu]
	if i := slices.Index(q, t); i >= 0 {
		c.queues[cpu] = slices.Delete(q, i, i+1)
		c.host.AddNrRunning(cpu, -1)
	}
}

func (c *fifoClass) PickNextTask(cpu int, prev *sched.Task) *sched.Task {
	q := c.queues[cpu]
	if len(q) == 0 {
		return nil
	}
	c.host.PutPrevTask(cpu, prev)
	t := q[0]
	c.queues[cpu] = append(q[1:], t)
	c.since[cpu][t.PID] = c.host.Now()
	return t
}

func (c *fifoClass) PutPrevTask(cpu int, t *sched.Task) {
	start, ok := c.since[cpu][t.PID]
	if !ok {
		return
	}
	delete(c.since[cpu], t.PID)
	var ran uint64
	if now := c.host.Now(); now > start {
		ran = now - start
	}
	c.host.AccountCPUTime(t, ran)
}

var _ sched.Class = (*fifoClass)(nil)
