// Package tracelog is the fixed-size diagnostic log the offload class traces
// into. It is append-only: once full, further writes are dropped, so the
// first events after a reset always survive for post-mortem inspection.
package tracelog

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"io"
	"sync"

	"offsched/internal/offsched"
)

const (
	// DefaultSize is the data capacity of a ring.
	DefaultSize = 3 * 1024
	// LineWidth is the alignment of a new line in the serialized form.
	LineWidth = 0x10
	// headerSize is the little-endian position prefix of the serialized form.
	headerSize = 4

	Banner = "*** OFFSCHED LOG ***"
)

// Ring is safe for concurrent use.
type Ring struct {
	mu   sync.Mutex
	pos  int
	data []byte
}

// NewRing returns a ring with size bytes of data, already carrying the
// banner. size <= 0 selects DefaultSize.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultSize
	}
	r := &Ring{data: make([]byte, size)}
	r.Reset()
	return r
}

// Reset clears the ring and writes the banner line.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.data)
	r.pos = 0
	r.str(Banner)
	r.nl()
}

// Str appends s, truncated at capacity, and returns the bytes written.
func (r *Ring) Str(s string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.str(s)
}

// Raw appends p, truncated at capacity, and returns the bytes written.
func (r *Ring) Raw(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.raw(p)
}

// NL moves the write position to the next line boundary. At a boundary
// it does nothing.
func (r *Ring) NL() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nl()
}

// Log writes entry on its own line.
func (r *Ring) Log(entry string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.str(entry)
	r.nl()
	return n
}

// Trace writes one event line: the event name followed by its raw payload.
func (r *Ring) Trace(event string, raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.str(event)
	if len(raw) > 0 {
		r.raw(raw)
	}
	r.nl()
}

// Write logs each newline-terminated line of p on its own ring line, so the
// ring can serve as an io.Writer sink. It never fails; dropped bytes are
// still reported as written.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte{'\n'}) {
		r.raw(line)
		r.nl()
	}
	return len(p), nil
}

func (r *Ring) str(s string) int {
	n := copy(r.data[r.pos:], s)
	r.pos += n
	return n
}

func (r *Ring) raw(p []byte) int {
	n := copy(r.data[r.pos:], p)
	r.pos += n
	return n
}

// nl pads to the next dump row. Rows are counted from the start of the
// dump, header included, so each record begins on a fresh hex dump row
// whatever the header length.
func (r *Ring) nl() {
	if rem := (headerSize + r.pos) % LineWidth; rem != 0 {
		r.pos += LineWidth - rem
	}
	if r.pos > len(r.data) {
		r.pos = len(r.data)
	}
}

// Len returns the current write position.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos
}

func (r *Ring) Cap() int { return len(r.data) }

// Full reports whether further writes will be dropped.
func (r *Ring) Full() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos >= len(r.data)
}

// Bytes returns the serialized ring: the position as a 4-byte little-endian
// header followed by the written data.
func (r *Ring) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, headerSize+r.pos)
	binary.LittleEndian.PutUint32(out, uint32(r.pos))
	copy(out[headerSize:], r.data[:r.pos])
	return out
}

// Dump renders Bytes as a hex dump with one line per ring line.
func (r *Ring) Dump() string { return hex.Dump(r.Bytes()) }

func (r *Ring) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r.Bytes())
	return int64(n), err
}

var (
	_ offsched.Tracer = (*Ring)(nil)
	_ io.Writer       = (*Ring)(nil)
)
