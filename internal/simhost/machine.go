// Package simhost is a user-space host scheduler for the offload class: one
// goroutine per simulated processor, a per-processor mutex as the run queue
// lock, deferred cross-processor wake-ups and a wall-clock tick.
//
// Class precedence is fixed: the offload class is consulted first, then a
// round-robin class for ordinary tasks.
package simhost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"offsched/internal/offsched"
	"offsched/internal/runtime/supervisor"
	"offsched/internal/sched"
	logx "offsched/pkg/logx"
)

var (
	ErrNotStarted = errors.New("simhost: machine not started")
	ErrStopped    = errors.New("simhost: processor stopped")
)

const DefaultTickInterval = time.Millisecond

type Config struct {
	CPUs         int
	TickInterval time.Duration
	ArenaSize    int

	// PinThreads locks every processor loop to an OS thread bound to a real
	// CPU (Linux only; best effort).
	PinThreads bool

	// TickOffload keeps delivering ticks to offload tasks. Off by default:
	// processors running offload tasks are tickless.
	TickOffload bool
}

func (c Config) withDefaults() Config {
	if c.CPUs <= 0 {
		c.CPUs = 1
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.ArenaSize <= 0 {
		c.ArenaSize = offsched.DefaultArenaSize
	}
	return c
}

type Machine struct {
	cfg   Config
	log   logx.Logger
	start time.Time

	procs   []*proc
	offload *offsched.Class
	fair    *fifoClass
	classes []sched.Class

	threads   sync.Map // pid -> *Thread
	nextPID   atomic.Int64
	nextCPU   atomic.Uint64
	live      atomic.Int64
	exited    atomic.Uint64
	accounted atomic.Uint64
	started   atomic.Bool

	classOpts []offsched.Option
}

type Option func(*Machine)

func WithLogger(log logx.Logger) Option {
	return func(m *Machine) { m.log = log }
}

// WithClassOptions forwards options to the offload class (tracer, fatal
// handler, idle polling bounds).
func WithClassOptions(opts ...offsched.Option) Option {
	return func(m *Machine) { m.classOpts = append(m.classOpts, opts...) }
}

func New(cfg Config, opts ...Option) *Machine {
	cfg = cfg.withDefaults()
	m := &Machine{
		cfg:   cfg,
		log:   logx.Nop(),
		start: time.Now(),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With(logx.String("comp", "simhost"))

	m.procs = make([]*proc, cfg.CPUs)
	for i := range m.procs {
		m.procs[i] = newProc(i)
	}
	rqs := offsched.NewRunQueues(cfg.CPUs, offsched.NewArena(cfg.ArenaSize))
	classOpts := append([]offsched.Option{offsched.WithLogger(m.log)}, m.classOpts...)
	m.offload = offsched.New(m, rqs, classOpts...)
	m.fair = newFIFOClass(m, cfg.CPUs)
	m.classes = []sched.Class{m.offload, m.fair}
	return m
}

func (m *Machine) NumCPU() int { return len(m.procs) }

// Offload returns the offload class driving this machine.
func (m *Machine) Offload() *offsched.Class { return m.offload }

// Live is the number of spawned tasks that have not exited.
func (m *Machine) Live() int64 { return m.live.Load() }

// Exited is the number of tasks that ran to completion.
func (m *Machine) Exited() uint64 { return m.exited.Load() }

// Accounted is the total run time charged to all tasks, in ticks.
func (m *Machine) Accounted() uint64 { return m.accounted.Load() }

func (m *Machine) TickInterval() time.Duration { return m.cfg.TickInterval }

// Start runs one loop per processor under sup.
func (m *Machine) Start(sup *supervisor.Supervisor) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	for _, p := range m.procs {
		p := p
		sup.Go(fmt.Sprintf("cpu%d", p.id), func(ctx context.Context) error {
			return m.loop(ctx, p)
		})
	}
	m.log.Info("machine started", logx.Int("cpus", len(m.procs)), logx.Duration("tick", m.cfg.TickInterval), logx.Bool("tick_offload", m.cfg.TickOffload))
}

func (m *Machine) proc(cpu int) (*proc, error) {
	if cpu < 0 || cpu >= len(m.procs) {
		return nil, fmt.Errorf("simhost: cpu %d: %w", cpu, offsched.ErrBadCPU)
	}
	return m.procs[cpu], nil
}

// RunOn runs fn on cpu's own loop, between scheduling steps and without the
// run queue lock held. It returns once fn has returned. ctx only bounds the
// hand-off; fn itself must honour its own cancellation.
func (m *Machine) RunOn(ctx context.Context, cpu int, fn func()) error {
	p, err := m.proc(cpu)
	if err != nil {
		return err
	}
	if !m.started.Load() {
		return ErrNotStarted
	}
	c := call{fn: fn, done: make(chan struct{})}
	select {
	case p.calls <- c:
	case <-p.exited:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-p.exited:
		return ErrStopped
	}
}

// WithRQLocked runs fn holding cpu's run queue lock, then kicks cpu so it
// notices any newly dispatchable work.
func (m *Machine) WithRQLocked(cpu int, fn func() error) error {
	p, err := m.proc(cpu)
	if err != nil {
		return err
	}
	err = p.locked(fn)
	p.notify()
	return err
}

// CPUStats is a point-in-time view of one processor.
type CPUStats struct {
	CPU       int            `json:"cpu"`
	NrRunning int            `json:"nr_running"`
	CurrPID   int            `json:"curr_pid,omitempty"`
	Switches  uint64         `json:"switches"`
	Ticks     uint64         `json:"ticks"`
	Offload   offsched.Stats `json:"offload"`
}

func (m *Machine) Snapshot() []CPUStats {
	out := make([]CPUStats, 0, len(m.procs))
	for _, p := range m.procs {
		var st CPUStats
		_ = p.locked(func() error {
			st = CPUStats{
				CPU:       p.id,
				NrRunning: p.nr,
				Switches:  p.switches,
				Ticks:     p.ticks,
				Offload:   m.offload.Snapshot(p.id),
			}
			if p.curr != nil {
				st.CurrPID = p.curr.PID
			}
			return nil
		})
		out = append(out, st)
	}
	return out
}

func (m *Machine) classOf(t *sched.Task) sched.Class {
	if t.Policy == sched.PolicyOffload {
		return m.offload
	}
	return m.fair
}

func (m *Machine) thread(t *sched.Task) *Thread {
	v, ok := m.threads.Load(t.PID)
	if !ok {
		return nil
	}
	return v.(*Thread)
}
