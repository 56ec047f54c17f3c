package offsched

import (
	"context"
	"errors"
	"testing"

	"offsched/internal/sched"
)

func TestIdleWaitReturnsImmediatelyWhenQuiescent(t *testing.T) {
	t.Parallel()
	c, h, _ := newTestClass(t, 1)
	if err := c.IdleWait(context.Background(), 0); err != nil {
		t.Fatalf("IdleWait: %v", err)
	}
	if h.resched != 0 || h.flushes != 0 {
		t.Fatalf("quiescent cpu polled: resched=%d flushes=%d", h.resched, h.flushes)
	}
}

func TestIdleWaitDrainsOwnedTasks(t *testing.T) {
	t.Parallel()
	c, h, _ := newTestClass(t, 2)
	tasks := []*sched.Task{offloadTask(1), offloadTask(2), offloadTask(3)}
	for _, tk := range tasks {
		c.EnqueueTask(1, tk, 0)
	}
	// One task sleeps; it is still owned by cpu 1.
	c.DequeueTask(1, tasks[2], sched.DequeueSleep)
	if err := c.Begin(1); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	// Every reschedule runs the picked task to completion.
	h.onFlush = func(cpu int) {
		if st := c.Snapshot(cpu); st.Running == 0 && tasks[2].ClassSlot != sched.NoSlot {
			c.EnqueueTask(cpu, tasks[2], sched.EnqueueWakeup)
		}
	}
	h.onResche = func(cpu int) {
		next := c.PickNextTask(cpu, nil)
		if next == nil {
			return
		}
		h.now++
		c.DequeueTask(cpu, next, sched.DequeueExit)
		c.PutPrevTask(cpu, next)
		c.TaskDead(next)
	}

	if err := c.IdleWait(context.Background(), 1); err != nil {
		t.Fatalf("IdleWait: %v", err)
	}
	rq := c.RunQueue(1)
	if rq.Total() != 0 || rq.Running() != 0 {
		t.Fatalf("not quiescent: running=%d total=%d", rq.Running(), rq.Total())
	}
	if h.resched != 3 {
		t.Fatalf("polls = %d, want exactly 3 (one per owned task)", h.resched)
	}
	for _, tk := range tasks {
		if tk.SumExec() != 1 {
			t.Fatalf("%v charged %d ticks, want 1", tk, tk.SumExec())
		}
	}
}

func TestIdleWaitMaxPolls(t *testing.T) {
	t.Parallel()
	c, h, _ := newTestClass(t, 1, WithMaxIdlePolls(4))
	c.EnqueueTask(0, offloadTask(1), 0)
	c.EnqueueTask(0, offloadTask(2), 0)

	err := c.IdleWait(context.Background(), 0)
	if !errors.Is(err, ErrDrainIncomplete) {
		t.Fatalf("IdleWait = %v, want ErrDrainIncomplete", err)
	}
	var de *DrainError
	if !errors.As(err, &de) {
		t.Fatalf("error %T is not *DrainError", err)
	}
	if de.Polls != 4 || de.Remaining != 2 || de.CPU != 0 {
		t.Fatalf("drain error = %+v", de)
	}
	if h.resched != 4 || h.flushes != 4 {
		t.Fatalf("resched=%d flushes=%d, want 4/4", h.resched, h.flushes)
	}
}

func TestIdleWaitHonoursContext(t *testing.T) {
	t.Parallel()
	c, h, _ := newTestClass(t, 1)
	c.EnqueueTask(0, offloadTask(1), 0)

	ctx, cancel := context.WithCancel(context.Background())
	h.onResche = func(int) {
		if h.resched == 10 {
			cancel()
		}
	}
	err := c.IdleWait(ctx, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("IdleWait = %v, want context.Canceled", err)
	}
	if h.resched != 10 {
		t.Fatalf("resched = %d, want 10", h.resched)
	}
}

func TestIdleWaitBadCPU(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestClass(t, 1)
	if err := c.IdleWait(context.Background(), 3); !errors.Is(err, ErrBadCPU) {
		t.Fatalf("IdleWait(3) = %v", err)
	}
}

func TestCallbacks(t *testing.T) {
	t.Parallel()
	cb := NewCallbacks(2)
	ran := 0
	if err := cb.Register(0, func() { ran++ }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := cb.Register(0, func() {}); !errors.Is(err, ErrCallbackBusy) {
		t.Fatalf("second Register = %v, want ErrCallbackBusy", err)
	}
	if err := cb.Register(2, func() {}); !errors.Is(err, ErrBadCPU) {
		t.Fatalf("Register(2) = %v, want ErrBadCPU", err)
	}
	if err := cb.Register(1, nil); err == nil {
		t.Fatal("nil callback accepted")
	}
	if !cb.Registered(0) || cb.Registered(1) {
		t.Fatal("Registered mismatch")
	}
	if !cb.Run(0) || ran != 1 {
		t.Fatalf("Run(0) did not run the callback (ran=%d)", ran)
	}
	if cb.Run(1) {
		t.Fatal("Run(1) reported a callback")
	}
	cb.Unregister(0)
	if cb.Registered(0) || cb.Run(0) {
		t.Fatal("callback survived Unregister")
	}
}
