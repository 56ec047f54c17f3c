package sched

// Host is the part of the host scheduler a policy calls back into.
type Host interface {
	// AddNrRunning adjusts the host's runnable count for cpu by delta.
	// Called with cpu's scheduling context serialized.
	AddNrRunning(cpu int, delta int)

	// PutPrevTask lets prev's class finalize bookkeeping for a task that
	// stops running on cpu. prev may be nil.
	PutPrevTask(cpu int, prev *Task)

	// FlushPendingWakeups delivers wake-ups other processors queued for cpu.
	// It must be called from cpu's own context.
	FlushPendingWakeups(cpu int)

	// AccountCPUTime charges ticks of run time to t.
	AccountCPUTime(t *Task, ticks uint64)

	// Reschedule is the generic cooperative reschedule point for cpu. It
	// must be called from cpu's own context without the scheduling lock.
	Reschedule(cpu int)

	// Now returns the monotonic tick counter.
	Now() uint64
}
