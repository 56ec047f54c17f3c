package offsched

import (
	"errors"
	"fmt"
)

var (
	ErrDrainIncomplete = errors.New("offsched: drain incomplete")
	ErrCallbackBusy    = errors.New("offsched: callback already registered")
	ErrBadCPU          = errors.New("offsched: cpu out of range")
)

// Kind classifies invariant violations. Every kind is fatal.
type Kind int

const (
	KindDoubleBegin Kind = iota + 1
	KindEndWithoutBegin
	KindTickUnderOffload
	KindDoubleEnqueue
	KindNotQueued
	KindDeadWhileQueued
	KindArenaExhausted
)

func (k Kind) String() string {
	switch k {
	case KindDoubleBegin:
		return "double_begin"
	case KindEndWithoutBegin:
		return "end_without_begin"
	case KindTickUnderOffload:
		return "tick_under_offload"
	case KindDoubleEnqueue:
		return "double_enqueue"
	case KindNotQueued:
		return "not_queued"
	case KindDeadWhileQueued:
		return "dead_while_queued"
	case KindArenaExhausted:
		return "arena_exhausted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// InvariantError reports a broken scheduling invariant. The default fatal
// handler panics with it.
type InvariantError struct {
	Kind Kind
	CPU  int
	PID  int // 0 when no task is involved
}

func (e *InvariantError) Error() string {
	if e.PID != 0 {
		return fmt.Sprintf("offsched: invariant violated: %s (cpu=%d pid=%d)", e.Kind, e.CPU, e.PID)
	}
	return fmt.Sprintf("offsched: invariant violated: %s (cpu=%d)", e.Kind, e.CPU)
}

// IsFatal reports whether err carries an invariant violation.
func IsFatal(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

// KindOf returns the violation kind in err, or 0.
func KindOf(err error) Kind {
	var ie *InvariantError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return 0
}

// DrainError is returned by IdleWait when it gives up before the processor
// reached quiescence.
type DrainError struct {
	CPU       int
	Polls     int
	Remaining int64
	Err       error
}

func (e *DrainError) Error() string {
	return fmt.Sprintf("cpu %d: %d task(s) still owned after %d poll(s): %v", e.CPU, e.Remaining, e.Polls, e.Err)
}

func (e *DrainError) Unwrap() error { return e.Err }
