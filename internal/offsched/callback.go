package offsched

import (
	"errors"
	"sync"
)

// Callbacks holds at most one offload callback per processor: the work a
// processor runs once it has been vacated for offload use.
type Callbacks struct {
	mu  sync.Mutex
	fns []func()
}

func NewCallbacks(cpus int) *Callbacks {
	return &Callbacks{fns: make([]func(), cpus)}
}

// Register installs fn for cpu.
func (cb *Callbacks) Register(cpu int, fn func()) error {
	if fn == nil {
		return errors.New("offsched: nil callback")
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cpu < 0 || cpu >= len(cb.fns) {
		return ErrBadCPU
	}
	if cb.fns[cpu] != nil {
		return ErrCallbackBusy
	}
	cb.fns[cpu] = fn
	return nil
}

func (cb *Callbacks) Unregister(cpu int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cpu >= 0 && cpu < len(cb.fns) {
		cb.fns[cpu] = nil
	}
}

func (cb *Callbacks) Registered(cpu int) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cpu >= 0 && cpu < len(cb.fns) && cb.fns[cpu] != nil
}

// Run invokes cpu's callback, if any, and reports whether one ran. Callers
// run it on cpu itself; the table lock is not held while fn executes.
func (cb *Callbacks) Run(cpu int) bool {
	cb.mu.Lock()
	var fn func()
	if cpu >= 0 && cpu < len(cb.fns) {
		fn = cb.fns[cpu]
	}
	cb.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}
