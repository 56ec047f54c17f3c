package simhost

import (
	"time"

	"offsched/internal/sched"
	logx "offsched/pkg/logx"
)

// The Machine is the sched.Host every class on it calls back into.

func (m *Machine) AddNrRunning(cpu int, delta int) {
	p := m.procs[cpu]
	p.nr += delta
	if p.nr < 0 {
		m.log.Error("nr_running underflow", logx.Int("cpu", cpu), logx.Int("nr", p.nr), logx.Int("delta", delta))
	}
}

func (m *Machine) PutPrevTask(cpu int, prev *sched.Task) {
	if prev == nil {
		return
	}
	m.classOf(prev).PutPrevTask(cpu, prev)
}

func (m *Machine) FlushPendingWakeups(cpu int) {
	p := m.procs[cpu]
	if p.inSched {
		m.flushLocked(p)
		return
	}
	p.schedule(func() { m.flushLocked(p) })
}

func (m *Machine) AccountCPUTime(t *sched.Task, ticks uint64) {
	t.Charge(ticks)
	m.accounted.Add(ticks)
}

func (m *Machine) Reschedule(cpu int) {
	m.step(m.procs[cpu])
}

func (m *Machine) Now() uint64 {
	return uint64(time.Since(m.start) / m.cfg.TickInterval)
}

var _ sched.Host = (*Machine)(nil)
