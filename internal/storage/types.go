package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// EventRecord is one persisted bus event. Keep it compact and
// schema-stable.
type EventRecord struct {
	At        time.Time `json:"at"`
	Type      string    `json:"type"`
	CPU       int       `json:"cpu"`
	Polls     int       `json:"polls,omitempty"`
	Remaining int64     `json:"remaining,omitempty"`
	TookMS    int64     `json:"took_ms,omitempty"`
	Error     string    `json:"error,omitempty"`
	MetaJSON  string    `json:"meta,omitempty"`
}

// recentCap bounds RecentEvents.
const recentCap = 256
