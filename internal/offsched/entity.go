package offsched

import (
	"sync"
	"sync/atomic"

	"offsched/internal/sched"
)

const nilRef int32 = -1

// DefaultArenaSize bounds how many tasks can be admitted at once.
const DefaultArenaSize = 4096

// entity is the per-task offload state. Linkage fields are indices into the
// arena and are only touched by the owning processor's serialized context.
type entity struct {
	task *sched.Task

	prev, next int32

	// owner is sticky once assigned; -1 until the first enqueue.
	owner atomic.Int32
	// queued is read by task_dead from other processors.
	queued atomic.Bool

	lastDispatch uint64
	onCPU        bool
}

// Arena is a fixed-capacity slot table of offload entities shared by every
// run queue. Allocation and release are cross-processor operations and are
// mutex-guarded; entity fields follow the run queue ownership rules.
type Arena struct {
	slots []entity

	mu   sync.Mutex
	free []int32
	used int
}

func NewArena(size int) *Arena {
	if size <= 0 {
		size = DefaultArenaSize
	}
	a := &Arena{
		slots: make([]entity, size),
		free:  make([]int32, 0, size),
	}
	// Hand out low indices first.
	for i := size - 1; i >= 0; i-- {
		a.slots[i].prev, a.slots[i].next = nilRef, nilRef
		a.slots[i].owner.Store(-1)
		a.free = append(a.free, int32(i))
	}
	return a
}

// Cap returns the slot capacity.
func (a *Arena) Cap() int { return len(a.slots) }

// Used returns the number of allocated slots.
func (a *Arena) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

func (a *Arena) alloc(t *sched.Task) (int32, bool) {
	a.mu.Lock()
	n := len(a.free)
	if n == 0 {
		a.mu.Unlock()
		return nilRef, false
	}
	ref := a.free[n-1]
	a.free = a.free[:n-1]
	a.used++
	a.mu.Unlock()

	e := &a.slots[ref]
	e.task = t
	e.prev, e.next = nilRef, nilRef
	e.owner.Store(-1)
	e.queued.Store(false)
	e.lastDispatch = 0
	e.onCPU = false
	return ref, true
}

func (a *Arena) release(ref int32) {
	e := &a.slots[ref]
	e.task = nil
	e.prev, e.next = nilRef, nilRef
	e.owner.Store(-1)
	e.queued.Store(false)
	e.onCPU = false

	a.mu.Lock()
	a.free = append(a.free, ref)
	a.used--
	a.mu.Unlock()
}

func (a *Arena) get(ref int32) *entity { return &a.slots[ref] }

// lookup returns t's entity if t has been admitted.
func (a *Arena) lookup(t *sched.Task) (int32, *entity) {
	if t == nil {
		return nilRef, nil
	}
	ref := t.ClassSlot
	if ref < 0 || int(ref) >= len(a.slots) {
		return nilRef, nil
	}
	e := &a.slots[ref]
	if e.task != t {
		return nilRef, nil
	}
	return ref, e
}
