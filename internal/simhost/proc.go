package simhost

import (
	"context"
	"runtime"
	"sync"
	"time"

	"offsched/internal/sched"
	logx "offsched/pkg/logx"
)

type call struct {
	fn   func()
	done chan struct{}
}

type pendingWake struct {
	th    *Thread
	flags sched.EnqueueFlags
}

type proc struct {
	id int

	// mu is the run queue lock: every class hook for this processor runs
	// under it.
	mu       sync.Mutex
	nr       int
	curr     *sched.Task
	switches uint64
	ticks    uint64

	// inSched is only touched by the processor's own loop. It tells
	// FlushPendingWakeups whether mu is already held.
	inSched bool

	wakeMu   sync.Mutex
	wakeList []pendingWake

	kick   chan struct{}
	calls  chan call
	exited chan struct{}
}

func newProc(id int) *proc {
	return &proc{
		id:     id,
		kick:   make(chan struct{}, 1),
		calls:  make(chan call),
		exited: make(chan struct{}),
	}
}

func (p *proc) locked(fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn()
}

// schedule runs fn as the processor's own scheduling context.
func (p *proc) schedule(fn func()) {
	p.mu.Lock()
	p.inSched = true
	defer func() {
		p.inSched = false
		p.mu.Unlock()
	}()
	fn()
}

func (p *proc) notify() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *proc) queueWake(w pendingWake) {
	p.wakeMu.Lock()
	p.wakeList = append(p.wakeList, w)
	p.wakeMu.Unlock()
	p.notify()
}

func (p *proc) takeWakes() []pendingWake {
	p.wakeMu.Lock()
	defer p.wakeMu.Unlock()
	list := p.wakeList
	p.wakeList = nil
	return list
}

func (m *Machine) loop(ctx context.Context, p *proc) error {
	defer close(p.exited)
	if m.cfg.PinThreads {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := pinThread(p.id); err != nil {
			m.log.Warn("cpu pinning failed", logx.Int("cpu", p.id), logx.Err(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-p.calls:
			runCall(c)
			continue
		default:
		}
		if m.step(p) {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-p.calls:
			runCall(c)
		case <-p.kick:
		}
	}
}

// runCall leaves done open if fn panics; the caller then sees the loop exit.
func runCall(c call) {
	c.fn()
	close(c.done)
}

// step is one scheduling decision plus one tick of execution for whatever
// was picked. It reports whether a task ran.
func (m *Machine) step(p *proc) bool {
	var next *sched.Task
	p.schedule(func() {
		m.flushLocked(p)
		prev := p.curr
		next = m.pickLocked(p, prev)
		if next != prev && next != nil {
			p.switches++
		}
		p.curr = next
	})
	if next == nil {
		return false
	}

	th := m.thread(next)
	m.runTick()

	var dead, slept bool
	p.schedule(func() {
		p.ticks++
		if th == nil {
			return
		}
		th.remaining--
		th.sinceSleep++
		cls := m.classOf(next)
		switch {
		case th.remaining <= 0:
			cls.DequeueTask(p.id, next, sched.DequeueExit)
			m.PutPrevTask(p.id, next)
			p.curr = nil
			dead = true
		case th.spec.SleepEvery > 0 && th.sinceSleep >= th.spec.SleepEvery:
			cls.DequeueTask(p.id, next, sched.DequeueSleep)
			m.PutPrevTask(p.id, next)
			p.curr = nil
			th.sinceSleep = 0
			slept = true
		default:
			if next.Policy != sched.PolicyOffload || m.cfg.TickOffload {
				cls.TaskTick(p.id, next, true)
			}
		}
	})

	switch {
	case dead:
		m.classOf(next).TaskDead(next)
		m.threads.Delete(next.PID)
		m.live.Add(-1)
		m.exited.Add(1)
		close(th.done)
	case slept:
		time.AfterFunc(th.spec.SleepFor, func() { m.wake(th, sched.EnqueueWakeup) })
	}
	return true
}

func (m *Machine) pickLocked(p *proc, prev *sched.Task) *sched.Task {
	for _, c := range m.classes {
		if t := c.PickNextTask(p.id, prev); t != nil {
			return t
		}
	}
	m.PutPrevTask(p.id, prev)
	return nil
}

func (m *Machine) flushLocked(p *proc) {
	for _, w := range p.takeWakes() {
		t := w.th.task
		t.CPU = p.id
		m.classOf(t).EnqueueTask(p.id, t, w.flags)
	}
}

// runTick stands in for the task executing until the next tick boundary.
func (m *Machine) runTick() {
	now := time.Since(m.start)
	next := (now/m.cfg.TickInterval + 1) * m.cfg.TickInterval
	time.Sleep(next - now)
}
