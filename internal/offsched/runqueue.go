package offsched

import (
	"fmt"
	"sync/atomic"
)

// RunQueue is the per-processor offload lane.
//
// Everything except total is owned by the processor's serialized scheduling
// context. total may also be decremented from other processors (task exit,
// migration), so it is atomic.
type RunQueue struct {
	cpu   int
	arena *Arena

	// head is the oldest queued entity; the list is circular.
	head   int32
	cursor int32

	running int
	total   atomic.Int64
	active  bool
}

// NewRunQueues allocates one run queue per processor, all sharing arena.
func NewRunQueues(cpus int, arena *Arena) []*RunQueue {
	if arena == nil {
		arena = NewArena(0)
	}
	rqs := make([]*RunQueue, cpus)
	for cpu := range rqs {
		rq := &RunQueue{cpu: cpu, arena: arena}
		rq.init()
		rqs[cpu] = rq
	}
	return rqs
}

func (rq *RunQueue) init() {
	rq.head = nilRef
	rq.cursor = nilRef
	rq.running = 0
	rq.total.Store(0)
	rq.active = false
}

// CPU returns the processor the queue belongs to.
func (rq *RunQueue) CPU() int { return rq.cpu }

// Running is the number of entities currently queued.
func (rq *RunQueue) Running() int { return rq.running }

// Total is the number of entities owned by this processor, queued or not.
func (rq *RunQueue) Total() int64 { return rq.total.Load() }

// Active reports whether queued tasks are visible to the host.
func (rq *RunQueue) Active() bool { return rq.active }

// insert appends ref at the tail. When the entity was owned by another
// processor (or none) it is re-homed here and prevOwner reports the old
// owner (-1 for a first admission).
func (rq *RunQueue) insert(ref int32, now uint64) (prevOwner int, moved bool) {
	e := rq.arena.get(ref)

	if rq.head == nilRef {
		e.prev, e.next = ref, ref
		rq.head = ref
	} else {
		h := rq.arena.get(rq.head)
		tail := h.prev
		e.prev, e.next = tail, rq.head
		rq.arena.get(tail).next = ref
		h.prev = ref
	}
	e.queued.Store(true)
	rq.running++

	prevOwner = int(e.owner.Load())
	if prevOwner != rq.cpu {
		e.owner.Store(int32(rq.cpu))
		e.lastDispatch = now
		rq.total.Add(1)
		moved = true
	}

	if rq.running == 1 {
		rq.cursor = ref
	}
	return prevOwner, moved
}

// remove unlinks ref, moving the cursor off it first.
func (rq *RunQueue) remove(ref int32) {
	e := rq.arena.get(ref)

	if rq.cursor == ref {
		rq.cursor = e.next
	}

	if e.next == ref {
		rq.head = nilRef
	} else {
		rq.arena.get(e.prev).next = e.next
		rq.arena.get(e.next).prev = e.prev
		if rq.head == ref {
			rq.head = e.next
		}
	}
	e.prev, e.next = nilRef, nilRef
	e.queued.Store(false)
	rq.running--

	if rq.running == 0 {
		rq.head = nilRef
		rq.cursor = nilRef
	}
}

func (rq *RunQueue) advanceCursor() {
	if rq.cursor == nilRef {
		return
	}
	rq.cursor = rq.arena.get(rq.cursor).next
}

// pids returns queued task ids in admission order.
func (rq *RunQueue) pids() []int {
	out := make([]int, 0, rq.running)
	if rq.head == nilRef {
		return out
	}
	ref := rq.head
	for {
		e := rq.arena.get(ref)
		if e.task != nil {
			out = append(out, e.task.PID)
		}
		ref = e.next
		if ref == rq.head || len(out) > rq.running {
			break
		}
	}
	return out
}

// verify checks the queue invariants. It walks the whole list.
func (rq *RunQueue) verify() error {
	total := rq.total.Load()
	if int64(rq.running) > total {
		return fmt.Errorf("cpu %d: running %d > total %d", rq.cpu, rq.running, total)
	}
	if (rq.cursor == nilRef) != (rq.running == 0) {
		return fmt.Errorf("cpu %d: cursor %d with running %d", rq.cpu, rq.cursor, rq.running)
	}
	if rq.running == 0 {
		if rq.head != nilRef {
			return fmt.Errorf("cpu %d: empty queue has head %d", rq.cpu, rq.head)
		}
		return nil
	}

	n := 0
	cursorSeen := false
	ref := rq.head
	for {
		e := rq.arena.get(ref)
		if !e.queued.Load() {
			return fmt.Errorf("cpu %d: slot %d linked but not queued", rq.cpu, ref)
		}
		if int(e.owner.Load()) != rq.cpu {
			return fmt.Errorf("cpu %d: slot %d owned by cpu %d", rq.cpu, ref, e.owner.Load())
		}
		if rq.arena.get(e.next).prev != ref {
			return fmt.Errorf("cpu %d: broken link after slot %d", rq.cpu, ref)
		}
		if ref == rq.cursor {
			cursorSeen = true
		}
		n++
		if n > rq.running {
			return fmt.Errorf("cpu %d: list longer than running %d", rq.cpu, rq.running)
		}
		ref = e.next
		if ref == rq.head {
			break
		}
	}
	if n != rq.running {
		return fmt.Errorf("cpu %d: list has %d entries, running %d", rq.cpu, n, rq.running)
	}
	if !cursorSeen {
		return fmt.Errorf("cpu %d: cursor %d not in queue", rq.cpu, rq.cursor)
	}
	return nil
}
