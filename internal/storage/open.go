package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "offsched/pkg/logx"
)

// Store is the persistence API used by the orchestrator.
type Store interface {
	AppendEvent(ctx context.Context, e EventRecord) error
	// RecentEvents returns up to n of the newest events, oldest first.
	RecentEvents(ctx context.Context, n int) ([]EventRecord, error)

	PutLastDrain(ctx context.Context, cpu int, at time.Time) error
	GetLastDrain(ctx context.Context, cpu int) (at time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

func drainKey(cpu int) string { return fmt.Sprintf("cpu%d", cpu) }
