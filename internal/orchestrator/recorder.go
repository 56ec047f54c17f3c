package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"offsched/internal/eventbus"
	"offsched/internal/storage"
	logx "offsched/pkg/logx"
)

// Record appends every event received on ch to store until ctx ends or ch
// closes. Callers subscribe before starting the components whose events
// must not be missed.
func Record(ctx context.Context, ch <-chan eventbus.Event, store storage.Store, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	persist := func(parent context.Context, e eventbus.Event) {
		wctx, cancel := context.WithTimeout(parent, 2*time.Second)
		err := store.AppendEvent(wctx, recordOf(e))
		cancel()
		if err != nil {
			log.Warn("event not persisted", logx.String("type", e.Type), logx.Int("cpu", e.CPU), logx.Err(err))
		}
	}
	for {
		select {
		case <-ctx.Done():
			// Flush what is already buffered; shutdown events land here.
			for {
				select {
				case e, ok := <-ch:
					if !ok {
						return nil
					}
					persist(context.Background(), e)
				default:
					return nil
				}
			}
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			persist(ctx, e)
		}
	}
}

func recordOf(e eventbus.Event) storage.EventRecord {
	r := storage.EventRecord{At: e.Time, Type: e.Type, CPU: e.CPU}
	switch d := e.Data.(type) {
	case nil:
	case eventbus.DrainResult:
		r.Polls = d.Polls
		r.Remaining = d.Remaining
		r.TookMS = d.Took.Milliseconds()
		if d.Err != nil {
			r.Error = d.Err.Error()
		}
	default:
		if b, err := json.Marshal(d); err == nil {
			r.MetaJSON = string(b)
		}
	}
	return r
}
