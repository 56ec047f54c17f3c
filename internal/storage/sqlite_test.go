//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "offsched.db")
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logxNop)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	for i := 0; i < 4; i++ {
		e := EventRecord{Type: "drain.failed", CPU: i, Remaining: int64(i), Error: "timeout"}
		if err := st.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	got, err := st.RecentEvents(ctx, 2)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(got) != 2 || got[0].CPU != 2 || got[1].CPU != 3 || got[1].Error != "timeout" {
		t.Fatalf("RecentEvents = %+v", got)
	}

	at := time.UnixMilli(1_700_000_123_000)
	if err := st.PutLastDrain(ctx, 2, at); err != nil {
		t.Fatalf("PutLastDrain: %v", err)
	}
	if err := st.PutLastDrain(ctx, 2, at.Add(time.Minute)); err != nil {
		t.Fatalf("PutLastDrain: %v", err)
	}
	back, ok, err := st.GetLastDrain(ctx, 2)
	if err != nil || !ok || !back.Equal(at.Add(time.Minute)) {
		t.Fatalf("GetLastDrain = %v %v %v", back, ok, err)
	}
	if _, ok, _ := st.GetLastDrain(ctx, 0); ok {
		t.Fatal("unexpected last drain for cpu 0")
	}
}
