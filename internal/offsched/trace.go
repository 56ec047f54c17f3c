package offsched

import (
	"encoding/binary"

	"offsched/internal/sched"
)

// Tracer receives diagnostic trace lines. Implementations must not block and
// must not call back into the scheduler.
type Tracer interface {
	Trace(event string, raw []byte)
}

type nopTracer struct{}

func (nopTracer) Trace(string, []byte) {}

// identity is the raw task identity attached to trace lines: the pid as
// four little-endian bytes.
func identity(t *sched.Task) []byte {
	if t == nil {
		return nil
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(t.PID))
	return b[:]
}

// PIDFromIdentity decodes the raw identity of a trace line.
func PIDFromIdentity(raw []byte) (int, bool) {
	if len(raw) != 4 {
		return 0, false
	}
	return int(binary.LittleEndian.Uint32(raw)), true
}
