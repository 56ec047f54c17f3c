// Package workload feeds synthetic tasks into the simulated machine.
package workload

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/cpuset"

	"offsched/internal/sched"
	"offsched/internal/simhost"
	logx "offsched/pkg/logx"
)

// Config shapes the generated load. Apply may replace it at runtime.
type Config struct {
	Enabled      bool
	Rate         float64 // spawns per second
	Burst        int
	OffloadShare float64 // 0..1, fraction of spawns that are offload tasks
	Work         int
	SleepEvery   int
	SleepFor     time.Duration
	MaxLive      int

	// OffloadCPUs are the processors offload tasks are spread over.
	OffloadCPUs cpuset.CPUSet
}

// Machine is the part of the simulated host the generator needs.
type Machine interface {
	Spawn(spec simhost.Spec) (*simhost.Thread, error)
	Live() int64
}

// Admission reports whether a processor currently takes offload tasks.
type Admission interface {
	Admitting(cpu int) bool
}

type Stats struct {
	Spawned  uint64 `json:"spawned"`
	Offload  uint64 `json:"offload"`
	Normal   uint64 `json:"normal"`
	Deferred uint64 `json:"deferred"` // offload spawn held back by a drain window
	Capped   uint64 `json:"capped"`   // spawn skipped at MaxLive
	Failed   uint64 `json:"failed"`
}

type Generator struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	rng     *rand.Rand
	next    int
	kick    chan struct{}

	m     Machine
	admit Admission
	log   logx.Logger

	spawned, offload, normal atomic.Uint64
	deferred, capped, failed atomic.Uint64
}

func New(cfg Config, m Machine, admit Admission, log logx.Logger) *Generator {
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &Generator{
		cfg:     cfg,
		limiter: rate.NewLimiter(limitOf(cfg), max(cfg.Burst, 1)),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		kick:    make(chan struct{}, 1),
		m:       m,
		admit:   admit,
		log:     log,
	}
	return g
}

func limitOf(cfg Config) rate.Limit {
	if cfg.Rate <= 0 {
		return 0
	}
	return rate.Limit(cfg.Rate)
}

// Apply swaps the load shape without restarting Run.
func (g *Generator) Apply(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	g.limiter.SetLimit(limitOf(cfg))
	g.limiter.SetBurst(max(cfg.Burst, 1))
	select {
	case g.kick <- struct{}{}:
	default:
	}
}

func (g *Generator) config() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// Run spawns tasks at the configured rate until ctx ends.
func (g *Generator) Run(ctx context.Context) error {
	g.log.Info("workload generator started")
	defer g.log.Info("workload generator stopped", logx.Uint64("spawned", g.spawned.Load()))

	for {
		cfg := g.config()
		if !cfg.Enabled || cfg.Rate <= 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-g.kick:
				continue
			}
		}
		if err := g.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Burst shrank below one token; the next Apply fixes it.
			select {
			case <-ctx.Done():
				return nil
			case <-g.kick:
			case <-time.After(time.Second):
			}
			continue
		}
		g.Step(cfg)
	}
}

// Step makes one spawn decision under cfg.
func (g *Generator) Step(cfg Config) {
	if cfg.MaxLive > 0 && g.m.Live() >= int64(cfg.MaxLive) {
		g.capped.Add(1)
		return
	}

	spec := simhost.Spec{
		Policy:     sched.PolicyNormal,
		CPU:        -1,
		Work:       cfg.Work,
		SleepEvery: cfg.SleepEvery,
		SleepFor:   cfg.SleepFor,
	}

	if cpus := cfg.OffloadCPUs.List(); len(cpus) > 0 && g.roll() < cfg.OffloadShare {
		g.mu.Lock()
		cpu := cpus[g.next%len(cpus)]
		g.next++
		g.mu.Unlock()
		if g.admit != nil && !g.admit.Admitting(cpu) {
			g.deferred.Add(1)
			return
		}
		spec.Policy = sched.PolicyOffload
		spec.CPU = cpu
	}

	if _, err := g.m.Spawn(spec); err != nil {
		g.failed.Add(1)
		g.log.Warn("spawn failed", logx.Int("cpu", spec.CPU), logx.Err(err))
		return
	}
	g.spawned.Add(1)
	if spec.Policy == sched.PolicyOffload {
		g.offload.Add(1)
	} else {
		g.normal.Add(1)
	}
}

func (g *Generator) roll() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Float64()
}

func (g *Generator) Stats() Stats {
	return Stats{
		Spawned:  g.spawned.Load(),
		Offload:  g.offload.Load(),
		Normal:   g.normal.Load(),
		Deferred: g.deferred.Load(),
		Capped:   g.capped.Load(),
		Failed:   g.failed.Load(),
	}
}
