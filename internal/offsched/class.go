package offsched

import (
	"offsched/internal/sched"
	logx "offsched/pkg/logx"
)

// DefaultIdleSpin is the busy-spin count between IdleWait polls.
const DefaultIdleSpin = 1 << 10

// Class is the offload scheduling class. It implements the dispatch-hook set
// on top of an injected set of per-processor run queues and exposes the
// lifecycle API (Begin, End, IdleWait) to orchestration code.
type Class struct {
	sched.BaseClass

	host  sched.Host
	rqs   []*RunQueue
	arena *Arena

	log   logx.Logger
	trace Tracer
	fatal func(error)

	idleSpin     int
	idleMaxPolls int
}

type Option func(*Class)

func WithLogger(log logx.Logger) Option {
	return func(c *Class) { c.log = log }
}

func WithTracer(t Tracer) Option {
	return func(c *Class) {
		if t != nil {
			c.trace = t
		}
	}
}

// WithFatalHandler replaces the default panic on invariant violations. If the
// handler returns, the offending operation is skipped.
func WithFatalHandler(fn func(error)) Option {
	return func(c *Class) {
		if fn != nil {
			c.fatal = fn
		}
	}
}

// WithIdleSpin sets the busy-spin count between IdleWait polls.
func WithIdleSpin(n int) Option {
	return func(c *Class) {
		if n >= 0 {
			c.idleSpin = n
		}
	}
}

// WithMaxIdlePolls bounds IdleWait. 0 waits until quiescence.
func WithMaxIdlePolls(n int) Option {
	return func(c *Class) {
		if n >= 0 {
			c.idleMaxPolls = n
		}
	}
}

// New builds the class over rqs. All run queues must share one arena.
func New(host sched.Host, rqs []*RunQueue, opts ...Option) *Class {
	c := &Class{
		host:     host,
		rqs:      rqs,
		log:      logx.Nop(),
		trace:    nopTracer{},
		idleSpin: DefaultIdleSpin,
	}
	if len(rqs) > 0 {
		c.arena = rqs[0].arena
	} else {
		c.arena = NewArena(0)
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(logx.String("comp", "offsched"))
	if c.fatal == nil {
		log := c.log
		c.fatal = func(err error) {
			log.Error("scheduler invariant violated", logx.Err(err))
			panic(err)
		}
	}
	return c
}

// NumCPU returns the number of run queues.
func (c *Class) NumCPU() int { return len(c.rqs) }

// RunQueue returns cpu's run queue, or nil when out of range.
func (c *Class) RunQueue(cpu int) *RunQueue {
	if cpu < 0 || cpu >= len(c.rqs) {
		return nil
	}
	return c.rqs[cpu]
}

func (c *Class) fail(kind Kind, cpu int, t *sched.Task) error {
	err := &InvariantError{Kind: kind, CPU: cpu}
	if t != nil {
		err.PID = t.PID
	}
	c.fatal(err)
	return err
}

func (c *Class) EnqueueTask(cpu int, t *sched.Task, _ sched.EnqueueFlags) {
	rq := c.rqs[cpu]

	ref, e := c.arena.lookup(t)
	if e == nil {
		var ok bool
		ref, ok = c.arena.alloc(t)
		if !ok {
			_ = c.fail(KindArenaExhausted, cpu, t)
			return
		}
		t.ClassSlot = ref
	} else if e.queued.Load() {
		_ = c.fail(KindDoubleEnqueue, cpu, t)
		return
	}

	prev, moved := rq.insert(ref, c.host.Now())
	if moved && prev >= 0 && prev < len(c.rqs) {
		c.rqs[prev].total.Add(-1)
	}

	if rq.active {
		c.host.AddNrRunning(cpu, 1)
	}
	c.trace.Trace("OFFSCHED: enqueue_task()", identity(t))
}

func (c *Class) DequeueTask(cpu int, t *sched.Task, _ sched.DequeueFlags) {
	rq := c.rqs[cpu]

	ref, e := c.arena.lookup(t)
	if e == nil || !e.queued.Load() || int(e.owner.Load()) != cpu {
		_ = c.fail(KindNotQueued, cpu, t)
		return
	}
	rq.remove(ref)

	if rq.active {
		c.host.AddNrRunning(cpu, -1)
	}
	c.trace.Trace("OFFSCHED: dequeue_task()", identity(t))
}

func (c *Class) PickNextTask(cpu int, prev *sched.Task) *sched.Task {
	rq := c.rqs[cpu]
	if !rq.active {
		return nil
	}

	// A sleeping owned task may be sitting in the wake list.
	if int64(rq.running) != rq.total.Load() {
		c.host.FlushPendingWakeups(cpu)
	}
	if rq.cursor == nilRef {
		return nil
	}

	c.trace.Trace("OFFSCHED: pick_next_task(): begin", nil)
	ref := rq.cursor
	rq.advanceCursor()

	c.host.PutPrevTask(cpu, prev)

	e := c.arena.get(ref)
	e.lastDispatch = c.host.Now()
	e.onCPU = true
	c.trace.Trace("OFFSCHED: pick_next_task(): end", identity(e.task))
	return e.task
}

func (c *Class) PutPrevTask(_ int, t *sched.Task) {
	_, e := c.arena.lookup(t)
	if e == nil || !e.onCPU {
		return
	}
	e.onCPU = false
	now := c.host.Now()
	var ran uint64
	if now > e.lastDispatch {
		ran = now - e.lastDispatch
	}
	c.host.AccountCPUTime(t, ran)
}

// SelectTaskRQ keeps a task on the processor it was first admitted to.
func (c *Class) SelectTaskRQ(t *sched.Task, cpu int, _ int) int {
	_, e := c.arena.lookup(t)
	if e == nil {
		return cpu
	}
	if owner := int(e.owner.Load()); owner >= 0 {
		return owner
	}
	return cpu
}

// TaskTick must never fire for an offload task on a processor under full
// offload control: the host is expected to stop its tick there.
func (c *Class) TaskTick(cpu int, t *sched.Task, _ bool) {
	c.trace.Trace("OFFSCHED: task_tick()", identity(t))
	if c.rqs[cpu].active {
		_ = c.fail(KindTickUnderOffload, cpu, t)
	}
}

func (c *Class) TaskDead(t *sched.Task) {
	ref, e := c.arena.lookup(t)
	if e == nil {
		return
	}
	owner := int(e.owner.Load())
	if e.queued.Load() {
		_ = c.fail(KindDeadWhileQueued, owner, t)
		return
	}
	if owner >= 0 && owner < len(c.rqs) {
		c.rqs[owner].total.Add(-1)
	}
	t.ClassSlot = sched.NoSlot
	c.arena.release(ref)
	c.trace.Trace("OFFSCHED: task_dead()", identity(t))
}

var _ sched.Class = (*Class)(nil)
