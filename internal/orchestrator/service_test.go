package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"k8s.io/utils/cpuset"

	"offsched/internal/eventbus"
	"offsched/internal/offsched"
	"offsched/internal/runtime/supervisor"
	"offsched/internal/sched"
	"offsched/internal/schedule"
	"offsched/internal/simhost"
	"offsched/internal/storage"
	logx "offsched/pkg/logx"
)

const testTick = 200 * time.Microsecond

type memStore struct {
	mu     sync.Mutex
	events []storage.EventRecord
	last   map[int]time.Time
}

func newMemStore() *memStore { return &memStore{last: map[int]time.Time{}} }

func (m *memStore) AppendEvent(_ context.Context, e storage.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memStore) RecentEvents(_ context.Context, n int) ([]storage.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.events) {
		n = len(m.events)
	}
	return append([]storage.EventRecord(nil), m.events[len(m.events)-n:]...), nil
}

func (m *memStore) PutLastDrain(_ context.Context, cpu int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[cpu] = at
	return nil
}

func (m *memStore) GetLastDrain(_ context.Context, cpu int) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.last[cpu]
	return at, ok, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	m     *simhost.Machine
	svc   *Service
	bus   eventbus.Bus
	store *memStore
	fatal func() []error
}

func newFixture(t *testing.T, cpus int, cfg Config) *fixture {
	t.Helper()
	var (
		mu   sync.Mutex
		errs []error
	)
	m := simhost.New(simhost.Config{CPUs: cpus, TickInterval: testTick},
		simhost.WithClassOptions(offsched.WithFatalHandler(func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		})))
	sup := supervisor.New(context.Background(), supervisor.WithCancelOnError(true))
	m.Start(sup)

	bus := eventbus.New()
	store := newMemStore()
	svc := New(cfg, m, nil, logx.Nop(), bus, store)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
		if err := sup.Stop(ctx); err != nil {
			t.Errorf("supervisor stop: %v", err)
		}
	})
	return &fixture{m: m, svc: svc, bus: bus, store: store, fatal: func() []error {
		mu.Lock()
		defer mu.Unlock()
		return append([]error(nil), errs...)
	}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStartBeginsOffloadSet(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 3, Config{OffloadCPUs: cpuset.New(1, 2)})
	ch, unsub := f.bus.Subscribe(8)
	defer unsub()

	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for cpu, want := range []bool{false, true, true} {
		if got := f.svc.Admitting(cpu); got != want {
			t.Fatalf("Admitting(%d) = %v, want %v", cpu, got, want)
		}
		if got := f.m.Offload().RunQueue(cpu).Active(); got != want {
			t.Fatalf("cpu %d active = %v, want %v", cpu, got, want)
		}
	}
	for _, cpu := range []int{1, 2} {
		e := <-ch
		if e.Type != eventbus.TypeOffloadBegin || e.CPU != cpu {
			t.Fatalf("event %+v, want offload.begin on %d", e, cpu)
		}
	}
	if got := f.svc.Snapshot().Active; len(got) != 2 {
		t.Fatalf("snapshot active = %v", got)
	}

	f.svc.Stop(context.Background())
	if f.m.Offload().RunQueue(1).Active() || f.svc.Admitting(1) {
		t.Fatal("cpu 1 still active after Stop")
	}
	if len(f.fatal()) != 0 {
		t.Fatalf("violations: %v", f.fatal())
	}
}

func TestDrainVacatesAndRunsCallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2, Config{OffloadCPUs: cpuset.New(1), Timeout: 5 * time.Second})
	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var ths []*simhost.Thread
	for i := 0; i < 3; i++ {
		th, err := f.m.Spawn(simhost.Spec{Policy: sched.PolicyOffload, CPU: 1, Work: 4, SleepEvery: 2, SleepFor: 2 * testTick})
		if err != nil {
			t.Fatalf("Spawn: %v", err)
		}
		ths = append(ths, th)
	}
	waitFor(t, "spawned tasks admitted", func() bool {
		return f.m.Offload().RunQueue(1).Total()+int64(f.m.Exited()) == 3
	})

	var (
		admittingInCallback = true
		busyErr             error
		total               int64 = -1
	)
	if err := f.svc.Callbacks().Register(1, func() {
		admittingInCallback = f.svc.Admitting(1)
		total = f.m.Offload().RunQueue(1).Total()
		_, busyErr = f.svc.Drain(context.Background(), 1)
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rep, err := f.svc.Drain(context.Background(), 1)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !rep.CallbackRan {
		t.Fatal("callback did not run")
	}
	if admittingInCallback {
		t.Fatal("admission open during drain window")
	}
	if total != 0 {
		t.Fatalf("callback saw %d owned tasks", total)
	}
	if !errors.Is(busyErr, ErrDrainBusy) {
		t.Fatalf("nested drain = %v, want ErrDrainBusy", busyErr)
	}
	if !f.svc.Admitting(1) {
		t.Fatal("admission not resumed")
	}
	for _, th := range ths {
		select {
		case <-th.Done():
		default:
			t.Fatalf("%v still alive after drain", th.Task())
		}
	}
	if _, ok, _ := f.store.GetLastDrain(context.Background(), 1); !ok {
		t.Fatal("last drain not stored")
	}
	if snap := f.svc.Snapshot(); snap.Drains != 1 || len(snap.Draining) != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestDrainRightAfterSpawnWaitsForTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2, Config{OffloadCPUs: cpuset.New(1), Timeout: 5 * time.Second})
	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	th, err := f.m.Spawn(simhost.Spec{Policy: sched.PolicyOffload, CPU: 1, Work: 3})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	var total int64 = -1
	if err := f.svc.Callbacks().Register(1, func() {
		total = f.m.Offload().RunQueue(1).Total()
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rep, err := f.svc.Drain(context.Background(), 1)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !rep.CallbackRan || total != 0 {
		t.Fatalf("callback ran=%v total=%d, want true/0", rep.CallbackRan, total)
	}
	select {
	case <-th.Done():
	default:
		t.Fatalf("%v still alive after drain", th.Task())
	}
	if th.Task().SumExec() < 3 {
		t.Fatalf("%v charged %d ticks, want 3", th.Task(), th.Task().SumExec())
	}
}

func TestDrainRejectsNonOffloadCPU(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2, Config{OffloadCPUs: cpuset.New(1)})
	if _, err := f.svc.Drain(context.Background(), 1); !errors.Is(err, ErrNotOffloaded) {
		t.Fatalf("Drain before Start = %v", err)
	}
	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, cpu := range []int{0, 7, -1} {
		if _, err := f.svc.Drain(context.Background(), cpu); !errors.Is(err, ErrNotOffloaded) {
			t.Fatalf("Drain(%d) = %v", cpu, err)
		}
	}
}

func TestDrainTimeoutReportsRemaining(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2, Config{OffloadCPUs: cpuset.New(1), Timeout: 30 * time.Millisecond})
	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch, unsub := f.bus.Subscribe(8)
	defer unsub()

	if _, err := f.m.Spawn(simhost.Spec{Policy: sched.PolicyOffload, CPU: 1, Work: 4, SleepEvery: 1, SleepFor: time.Hour}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitFor(t, "task to block", func() bool {
		return f.m.Offload().RunQueue(1).Total() == 1 && f.m.Snapshot()[1].Offload.Running == 0
	})

	rep, err := f.svc.Drain(context.Background(), 1)
	var de *offsched.DrainError
	if !errors.As(err, &de) || de.Remaining != 1 {
		t.Fatalf("Drain = %v, want DrainError with 1 remaining", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain = %v, want deadline exceeded", err)
	}
	if rep.Polls == 0 {
		t.Fatal("no polls reported")
	}

	var failed eventbus.Event
	for failed.Type != eventbus.TypeDrainFailed {
		failed = <-ch
	}
	if res := failed.Data.(eventbus.DrainResult); res.Remaining != 1 || res.Err == nil {
		t.Fatalf("drain.failed data = %+v", res)
	}
	if !f.svc.Admitting(1) {
		t.Fatal("admission not resumed after failure")
	}
}

func TestApplyMovesOffloadSet(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 3, Config{OffloadCPUs: cpuset.New(1)})
	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.svc.Apply(context.Background(), Config{OffloadCPUs: cpuset.New(2)}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if f.m.Offload().RunQueue(1).Active() || !f.m.Offload().RunQueue(2).Active() {
		t.Fatal("offload set not moved to cpu 2")
	}
	if f.svc.Admitting(1) || !f.svc.Admitting(2) {
		t.Fatal("admission not moved to cpu 2")
	}
	if got := f.svc.OffloadSet().String(); got != "2" {
		t.Fatalf("OffloadSet = %q", got)
	}
	if len(f.fatal()) != 0 {
		t.Fatalf("violations: %v", f.fatal())
	}
}

func TestScheduledDrainHonoursMinInterval(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2, Config{OffloadCPUs: cpuset.New(1), MinInterval: time.Hour})
	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = f.store.PutLastDrain(context.Background(), 1, time.Now().Add(-time.Minute))

	f.svc.scheduledDrain(context.Background(), 1)
	if snap := f.svc.Snapshot(); snap.Skipped != 1 || snap.Drains != 0 {
		t.Fatalf("snapshot = %+v, want one skip", snap)
	}

	_ = f.store.PutLastDrain(context.Background(), 1, time.Now().Add(-2*time.Hour))
	f.svc.scheduledDrain(context.Background(), 1)
	if snap := f.svc.Snapshot(); snap.Drains != 1 {
		t.Fatalf("snapshot = %+v, want one drain", snap)
	}
}

func TestCronDrivesDrains(t *testing.T) {
	t.Parallel()
	spec, err := schedule.Parse("every:1s")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	f := newFixture(t, 2, Config{
		OffloadCPUs:  cpuset.New(1),
		DrainEnabled: true,
		Schedule:     spec,
		Timeout:      time.Second,
		Location:     time.UTC,
	})
	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := f.svc.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].CPU != 1 || snap.Timezone != "UTC" {
		t.Fatalf("schedules = %+v", snap)
	}
	waitFor(t, "a scheduled drain", func() bool { return f.svc.Snapshot().Drains > 0 })
}

func TestRecordPersistsEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	store := newMemStore()
	ch, unsub := bus.Subscribe(16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Record(ctx, ch, store, logx.Nop()) }()

	bus.Publish(eventbus.Event{Type: eventbus.TypeOffloadBegin, CPU: 1})
	bus.Publish(eventbus.Event{Type: eventbus.TypeDrainFailed, CPU: 1, Data: eventbus.DrainResult{
		Polls: 9, Remaining: 2, Took: 1500 * time.Millisecond, Err: offsched.ErrDrainIncomplete,
	}})
	waitFor(t, "both records", func() bool { return len(store.types()) == 2 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Record: %v", err)
	}

	// A closed subscription ends the recorder too.
	unsub()
	if err := Record(context.Background(), ch, store, logx.Nop()); err != nil {
		t.Fatalf("Record on closed channel: %v", err)
	}

	got, _ := store.RecentEvents(context.Background(), 0)
	if got[0].Type != eventbus.TypeOffloadBegin || got[0].CPU != 1 {
		t.Fatalf("first record = %+v", got[0])
	}
	r := got[1]
	if r.Polls != 9 || r.Remaining != 2 || r.TookMS != 1500 || r.Error != offsched.ErrDrainIncomplete.Error() {
		t.Fatalf("record = %+v", r)
	}
}

func TestRecordOfMeta(t *testing.T) {
	t.Parallel()
	r := recordOf(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: []string{"drain", "offload"}})
	if r.MetaJSON != `["drain","offload"]` {
		t.Fatalf("meta = %q", r.MetaJSON)
	}
}
