package offsched

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"offsched/internal/sched"
	logx "offsched/pkg/logx"
)

// Begin makes cpu's queued offload tasks visible to the host and
// dispatchable. It must run with cpu's scheduling context serialized.
func (c *Class) Begin(cpu int) error {
	rq := c.RunQueue(cpu)
	if rq == nil {
		return ErrBadCPU
	}
	if rq.active {
		return c.fail(KindDoubleBegin, cpu, nil)
	}
	rq.active = true
	c.host.AddNrRunning(cpu, rq.running)

	c.trace.Trace("OFFSCHED: begin()", nil)
	c.log.Debug("offload begin", logx.Int("cpu", cpu), logx.Int("running", rq.running), logx.Int64("total", rq.total.Load()))
	return nil
}

// End hides cpu's offload tasks from the host again. They stay queued.
func (c *Class) End(cpu int) error {
	rq := c.RunQueue(cpu)
	if rq == nil {
		return ErrBadCPU
	}
	if !rq.active {
		return c.fail(KindEndWithoutBegin, cpu, nil)
	}
	rq.active = false
	c.host.AddNrRunning(cpu, -rq.running)

	c.trace.Trace("OFFSCHED: end()", nil)
	c.log.Debug("offload end", logx.Int("cpu", cpu), logx.Int("running", rq.running), logx.Int64("total", rq.total.Load()))
	return nil
}

// IdleWait blocks until no task is owned by cpu any more. It must run on cpu
// itself, outside the scheduling lock: every poll flushes pending wake-ups,
// passes through the host's reschedule point so owned tasks can run to
// completion, then busy-spins briefly.
//
// Without a poll bound it waits as long as tasks remain; ctx cancellation
// or the WithMaxIdlePolls bound end it early with a *DrainError.
func (c *Class) IdleWait(ctx context.Context, cpu int) error {
	rq := c.RunQueue(cpu)
	if rq == nil {
		return ErrBadCPU
	}
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	progress := rate.Sometimes{Interval: time.Second}
	polls := 0
	for {
		left := rq.total.Load()
		if left <= 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return c.drainFailed(cpu, polls, left, err)
		}
		if c.idleMaxPolls > 0 && polls >= c.idleMaxPolls {
			return c.drainFailed(cpu, polls, left, ErrDrainIncomplete)
		}

		c.host.FlushPendingWakeups(cpu)
		c.host.Reschedule(cpu)
		spin(c.idleSpin)
		polls++

		progress.Do(func() {
			c.log.Debug("idle wait in progress", logx.Int("cpu", cpu), logx.Int("polls", polls), logx.Int64("remaining", rq.total.Load()))
		})
	}

	c.trace.Trace("OFFSCHED: idle(): quiescent", nil)
	c.log.Debug("offload quiescent", logx.Int("cpu", cpu), logx.Int("polls", polls), logx.Duration("took", time.Since(start)))
	return nil
}

func (c *Class) drainFailed(cpu, polls int, left int64, cause error) error {
	c.trace.Trace("OFFSCHED: idle(): incomplete", nil)
	return &DrainError{CPU: cpu, Polls: polls, Remaining: left, Err: cause}
}

var spinSink atomic.Uint64

// spin is a short busy delay that stays on the processor.
func spin(n int) {
	for i := 0; i < n; i++ {
		spinSink.Add(1)
	}
}

// PeekTask returns the oldest queued task on cpu, or nil.
func (c *Class) PeekTask(cpu int) *sched.Task {
	rq := c.RunQueue(cpu)
	if rq == nil || rq.head == nilRef {
		return nil
	}
	return c.arena.get(rq.head).task
}

// Stats is a point-in-time view of one run queue.
type Stats struct {
	CPU       int   `json:"cpu"`
	Active    bool  `json:"active"`
	Running   int   `json:"running"`
	Total     int64 `json:"total"`
	CursorPID int   `json:"cursor_pid,omitempty"`
	Queue     []int `json:"queue"`
}

// Snapshot reports cpu's run queue state. Like the hooks, it must run with
// cpu's scheduling context serialized.
func (c *Class) Snapshot(cpu int) Stats {
	rq := c.RunQueue(cpu)
	if rq == nil {
		return Stats{CPU: cpu}
	}
	st := Stats{
		CPU:     cpu,
		Active:  rq.active,
		Running: rq.running,
		Total:   rq.total.Load(),
		Queue:   rq.pids(),
	}
	if rq.cursor != nilRef {
		if t := c.arena.get(rq.cursor).task; t != nil {
			st.CursorPID = t.PID
		}
	}
	return st
}
