package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestFile(t *testing.T, path string) *fileStore {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: path}, logxNop)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st.(*fileStore)
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logxNop)
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logxNop); err == nil {
		t.Fatal("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "file"}, logxNop); err == nil {
		t.Fatal("file driver without path accepted")
	}
}

func TestFileEventsSurviveReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store")

	st := openTestFile(t, path)
	for i := 0; i < 3; i++ {
		if err := st.AppendEvent(ctx, EventRecord{Type: "drain.completed", CPU: i, Polls: i + 1}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	got, _ := st.RecentEvents(ctx, 2)
	if len(got) != 2 || got[0].CPU != 1 || got[1].CPU != 2 {
		t.Fatalf("RecentEvents(2) = %+v", got)
	}
	if got[0].At.IsZero() {
		t.Fatal("At not stamped")
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.AppendEvent(ctx, EventRecord{Type: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("append after close = %v", err)
	}

	// A torn trailing line is skipped on reload.
	f, err := os.OpenFile(path+".events.jsonl", os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"type":"drain.fai`)
	_ = f.Close()

	st = openTestFile(t, path)
	defer st.Close()
	got, _ = st.RecentEvents(ctx, 0)
	if len(got) != 3 || got[2].Polls != 3 {
		t.Fatalf("reloaded events = %+v", got)
	}
}

func TestFileRecentIsBounded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestFile(t, filepath.Join(t.TempDir(), "store"))
	defer st.Close()
	for i := 0; i < recentCap+10; i++ {
		_ = st.AppendEvent(ctx, EventRecord{Type: "offload.begin", CPU: i})
	}
	got, _ := st.RecentEvents(ctx, 0)
	if len(got) != recentCap || got[0].CPU != 10 {
		t.Fatalf("len=%d first=%d", len(got), got[0].CPU)
	}
}

func TestFileLastDrainJournalAndCompaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store")
	base := time.UnixMilli(1_700_000_000_000)

	st := openTestFile(t, path)
	st.compactEvery = 2
	if _, ok, _ := st.GetLastDrain(ctx, 1); ok {
		t.Fatal("fresh store has a last drain")
	}
	for i := 0; i < 5; i++ {
		if err := st.PutLastDrain(ctx, 1, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("PutLastDrain: %v", err)
		}
	}
	_ = st.PutLastDrain(ctx, 3, base)
	if _, err := os.Stat(path + ".drain.snapshot.json"); err != nil {
		t.Fatalf("no snapshot after compaction: %v", err)
	}
	_ = st.Close()

	st = openTestFile(t, path)
	defer st.Close()
	at, ok, err := st.GetLastDrain(ctx, 1)
	if err != nil || !ok || !at.Equal(base.Add(4*time.Second)) {
		t.Fatalf("GetLastDrain(1) = %v %v %v", at, ok, err)
	}
	if at, ok, _ := st.GetLastDrain(ctx, 3); !ok || !at.Equal(base) {
		t.Fatalf("GetLastDrain(3) = %v %v", at, ok)
	}
}
