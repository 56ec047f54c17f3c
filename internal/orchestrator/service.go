package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"k8s.io/utils/cpuset"

	"offsched/internal/eventbus"
	"offsched/internal/offsched"
	"offsched/internal/schedule"
	"offsched/internal/storage"
	logx "offsched/pkg/logx"
)

// New builds a stopped Service. bus and store may be nil.
func New(cfg Config, host Host, cb *offsched.Callbacks, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	if cb == nil {
		cb = offsched.NewCallbacks(host.NumCPU())
	}
	n := host.NumCPU()
	return &Service{
		cfg:       cfg,
		active:    map[int]bool{},
		entries:   map[int]cron.EntryID{},
		host:      host,
		cb:        cb,
		log:       log,
		bus:       bus,
		store:     store,
		cpuMu:     make([]sync.Mutex, n),
		admitting: make([]atomic.Bool, n),
		draining:  make([]atomic.Bool, n),
		now:       time.Now,
	}
}

func (s *Service) Callbacks() *offsched.Callbacks { return s.cb }

// Admitting reports whether new offload tasks may be placed on cpu. It is
// false outside the offload set and during a drain window.
func (s *Service) Admitting(cpu int) bool {
	if cpu < 0 || cpu >= len(s.admitting) {
		return false
	}
	return s.admitting[cpu].Load()
}

// Start activates offload on the configured processors and starts the drain
// schedule.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	cfg := s.cfg
	s.mu.Unlock()

	for _, cpu := range cfg.OffloadCPUs.List() {
		if err := s.begin(cpu); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.startCronLocked(ctx)
	s.mu.Unlock()

	s.log.Info("orchestrator started",
		logx.String("offload_cpus", cfg.OffloadCPUs.String()),
		logx.Bool("drain", cfg.DrainEnabled),
	)
	return nil
}

// Stop halts the drain schedule and ends offload everywhere. Queued offload
// tasks stay parked.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entries = map[int]cron.EntryID{}
	s.started = false
	active := s.activeLocked()
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	for _, cpu := range active {
		if err := s.end(cpu); err != nil {
			s.log.Warn("offload end failed", logx.Int("cpu", cpu), logx.Err(err))
		}
	}
	s.log.Info("orchestrator stopped", logx.Duration("took", time.Since(start)))
}

// Apply swaps in cfg: processors leaving the offload set are ended, new ones
// begun, and the drain schedule rebuilt when it changed.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}

	var errs []error
	for _, cpu := range old.OffloadCPUs.Difference(cfg.OffloadCPUs).List() {
		if err := s.end(cpu); err != nil {
			errs = append(errs, err)
		}
	}
	for _, cpu := range cfg.OffloadCPUs.Difference(old.OffloadCPUs).List() {
		if err := s.begin(cpu); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	if !old.drainEqual(cfg) || !old.OffloadCPUs.Equals(cfg.OffloadCPUs) {
		s.restartCronLocked(ctx)
	}
	s.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("apply offload set: %w", errors.Join(errs...))
	}
	return nil
}

func (s *Service) begin(cpu int) error {
	if cpu < 0 || cpu >= len(s.cpuMu) {
		return offsched.ErrBadCPU
	}
	s.cpuMu[cpu].Lock()
	defer s.cpuMu[cpu].Unlock()

	s.mu.Lock()
	already := s.active[cpu]
	s.mu.Unlock()
	if already {
		return nil
	}
	if err := s.host.WithRQLocked(cpu, func() error { return s.host.Offload().Begin(cpu) }); err != nil {
		return fmt.Errorf("begin cpu %d: %w", cpu, err)
	}
	s.mu.Lock()
	s.active[cpu] = true
	s.mu.Unlock()
	s.admitting[cpu].Store(true)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeOffloadBegin, CPU: cpu})
	return nil
}

func (s *Service) end(cpu int) error {
	s.cpuMu[cpu].Lock()
	defer s.cpuMu[cpu].Unlock()

	s.mu.Lock()
	was := s.active[cpu]
	s.mu.Unlock()
	if !was {
		return nil
	}
	s.admitting[cpu].Store(false)
	if err := s.host.WithRQLocked(cpu, func() error { return s.host.Offload().End(cpu) }); err != nil {
		return fmt.Errorf("end cpu %d: %w", cpu, err)
	}
	s.mu.Lock()
	delete(s.active, cpu)
	s.mu.Unlock()
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeOffloadEnd, CPU: cpu})
	return nil
}

func (s *Service) activeLocked() []int {
	out := make([]int, 0, len(s.active))
	for cpu := range s.active {
		out = append(out, cpu)
	}
	slices.Sort(out)
	return out
}

func (s *Service) startCronLocked(ctx context.Context) {
	loc := s.cfg.Location
	if loc == nil {
		loc = time.Local
	}
	s.c = cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	if s.cfg.DrainEnabled {
		for _, cpu := range s.cfg.OffloadCPUs.List() {
			s.addDrainLocked(ctx, cpu)
		}
	}
	s.c.Start()
}

func (s *Service) restartCronLocked(ctx context.Context) {
	if s.c != nil {
		// Do not wait for running drains; they hold no service lock.
		s.c.Stop()
	}
	s.entries = map[int]cron.EntryID{}
	s.startCronLocked(ctx)
	s.log.Info("drain schedule rebuilt",
		logx.Bool("enabled", s.cfg.DrainEnabled),
		logx.String("schedule", s.cfg.Schedule.String()),
		logx.Int("entries", len(s.entries)),
	)
}

func (s *Service) addDrainLocked(ctx context.Context, cpu int) {
	tag := fmt.Sprintf("drain-cpu%d", cpu)
	sched, jitter, err := schedule.Build(s.cfg.Schedule, s.now(), tag)
	if err != nil {
		s.log.Error("drain schedule invalid", logx.Int("cpu", cpu), logx.Err(err))
		return
	}
	id := s.c.Schedule(sched, cron.FuncJob(func() { s.scheduledDrain(ctx, cpu) }))
	s.entries[cpu] = id
	s.log.Debug("drain scheduled",
		logx.Int("cpu", cpu),
		logx.String("spec", s.cfg.Schedule.String()),
		logx.Duration("startup_spread", jitter),
	)
}

// Snapshot reports activation and schedule state.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		OffloadCPUs:  s.cfg.OffloadCPUs.String(),
		Active:       s.activeLocked(),
		DrainEnabled: s.cfg.DrainEnabled,
		Schedule:     s.cfg.Schedule.String(),
		Drains:       s.drains.Load(),
		Failures:     s.failures.Load(),
		Skipped:      s.skipped.Load(),
	}
	if s.cfg.Location != nil {
		snap.Timezone = s.cfg.Location.String()
	}
	for cpu := range s.draining {
		if s.draining[cpu].Load() {
			snap.Draining = append(snap.Draining, cpu)
		}
	}
	if s.c != nil {
		for cpu, id := range s.entries {
			e := s.c.Entry(id)
			snap.Schedules = append(snap.Schedules, ScheduleInfo{CPU: cpu, Next: e.Next, Prev: e.Prev})
		}
		slices.SortFunc(snap.Schedules, func(a, b ScheduleInfo) int { return a.CPU - b.CPU })
	}
	return snap
}

// OffloadSet returns the configured offload processors.
func (s *Service) OffloadSet() cpuset.CPUSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.OffloadCPUs
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
