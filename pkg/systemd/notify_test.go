package systemd

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) send(state string) (bool, error) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	return true, nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	r := &recorder{}
	n := Notifier{send: r.send}
	_, _ = n.Ready()
	_, _ = n.Status("draining cpu 2")
	_, _ = n.Reloading()
	_, _ = n.Stopping()
	want := []string{"READY=1", "STATUS=draining cpu 2", "RELOADING=1", "STOPPING=1"}
	got := r.snapshot()
	if len(got) != len(want) {
		t.Fatalf("states = %q", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestWatchdogSkipsWhileUnhealthy(t *testing.T) {
	t.Parallel()
	r := &recorder{}
	n := Notifier{send: r.send}
	var mu sync.Mutex
	healthy := false
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- n.watchdog(ctx, time.Millisecond, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return healthy
		})
	}()

	time.Sleep(20 * time.Millisecond)
	if got := r.snapshot(); len(got) != 0 {
		t.Fatalf("pinged while unhealthy: %q", got)
	}
	mu.Lock()
	healthy = true
	mu.Unlock()
	deadline := time.Now().Add(5 * time.Second)
	for len(r.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no watchdog ping")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watchdog: %v", err)
	}
	if got := r.snapshot()[0]; got != "WATCHDOG=1" {
		t.Fatalf("ping = %q", got)
	}
}
