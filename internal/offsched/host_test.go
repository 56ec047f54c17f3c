package offsched

import (
	"testing"

	"offsched/internal/sched"
)

// fakeHost records every host call made by the class. Tests drive it from a
// single goroutine, which stands in for the host's per-processor lock.
type fakeHost struct {
	class *Class

	now     uint64
	nr      map[int]int
	charged map[int]uint64
	prevs   []*sched.Task

	flushes  int
	resched  int
	onFlush  func(cpu int)
	onResche func(cpu int)
}

func newFakeHost() *fakeHost {
	return &fakeHost{nr: map[int]int{}, charged: map[int]uint64{}}
}

func (h *fakeHost) AddNrRunning(cpu int, delta int) { h.nr[cpu] += delta }

func (h *fakeHost) PutPrevTask(cpu int, prev *sched.Task) {
	if prev == nil {
		return
	}
	h.prevs = append(h.prevs, prev)
	if h.class != nil && prev.Policy == sched.PolicyOffload {
		h.class.PutPrevTask(cpu, prev)
	}
}

func (h *fakeHost) FlushPendingWakeups(cpu int) {
	h.flushes++
	if h.onFlush != nil {
		h.onFlush(cpu)
	}
}

func (h *fakeHost) AccountCPUTime(t *sched.Task, ticks uint64) {
	h.charged[t.PID] += ticks
	t.Charge(ticks)
}

func (h *fakeHost) Reschedule(cpu int) {
	h.resched++
	if h.onResche != nil {
		h.onResche(cpu)
	}
}

func (h *fakeHost) Now() uint64 { return h.now }

type fatalLog struct{ errs []error }

func (f *fatalLog) record(err error) { f.errs = append(f.errs, err) }

func (f *fatalLog) last() Kind {
	if len(f.errs) == 0 {
		return 0
	}
	return KindOf(f.errs[len(f.errs)-1])
}

func newTestClass(t *testing.T, cpus int, opts ...Option) (*Class, *fakeHost, *fatalLog) {
	t.Helper()
	h := newFakeHost()
	fl := &fatalLog{}
	opts = append([]Option{WithFatalHandler(fl.record), WithIdleSpin(0)}, opts...)
	c := New(h, NewRunQueues(cpus, NewArena(64)), opts...)
	h.class = c
	return c, h, fl
}

func offloadTask(pid int) *sched.Task {
	return sched.NewTask(pid, "t", sched.PolicyOffload)
}

func mustVerify(t *testing.T, c *Class) {
	t.Helper()
	for cpu := 0; cpu < c.NumCPU(); cpu++ {
		if err := c.RunQueue(cpu).verify(); err != nil {
			t.Fatalf("verify: %v", err)
		}
	}
}
