package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"k8s.io/utils/cpuset"

	"offsched/internal/schedule"
)

const (
	DefaultCPUs         = 4
	DefaultTick         = time.Millisecond
	DefaultDrainTimeout = 10 * time.Second
	DefaultRate         = 50
	DefaultBurst        = 10
	DefaultWork         = 5
	DefaultMaxLive      = 256
	DefaultStorePath    = "./offschedd_store"
	DefaultBusyTimeout  = time.Second
)

// Runtime is the validated view of a Config with defaults applied.
type Runtime struct {
	CPUs        int
	Tick        time.Duration
	ArenaSize   int
	PinThreads  bool
	TickOffload bool

	OffloadCPUs  cpuset.CPUSet
	IdleSpin     int
	MaxIdlePolls int

	Drain    DrainRuntime
	Workload WorkloadRuntime

	TraceRingSize int

	Storage StorageRuntime
}

// StorageRuntime is the resolved store selection. An empty Driver means
// storage is off.
type StorageRuntime struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

type DrainRuntime struct {
	Enabled     bool
	Spec        schedule.Spec
	Timeout     time.Duration
	MinInterval time.Duration
	Location    *time.Location
}

type WorkloadRuntime struct {
	Enabled      bool
	Rate         float64
	Burst        int
	OffloadShare float64
	Work         int
	SleepEvery   int
	SleepFor     time.Duration
	MaxLive      int
}

// Resolve validates cfg and fills in defaults. Every problem found is
// reported, joined.
func Resolve(cfg *Config) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	rt := &Runtime{
		CPUs:          cfg.Machine.CPUs,
		ArenaSize:     cfg.Machine.ArenaSize,
		PinThreads:    cfg.Machine.PinThreads,
		TickOffload:   cfg.Machine.TickOffload,
		IdleSpin:      cfg.Offload.IdleSpin,
		MaxIdlePolls:  cfg.Offload.MaxIdlePolls,
		TraceRingSize: cfg.Trace.RingSize,
	}
	if rt.CPUs == 0 {
		rt.CPUs = DefaultCPUs
	}
	if rt.CPUs < 0 {
		add(fmt.Errorf("machine.cpus: must be > 0"))
	}
	if rt.ArenaSize < 0 {
		add(fmt.Errorf("machine.arena_size: must be >= 0"))
	}
	tick, err := duration("machine.tick", cfg.Machine.Tick, DefaultTick, true)
	add(err)
	rt.Tick = tick
	if rt.IdleSpin < 0 || rt.MaxIdlePolls < 0 {
		add(fmt.Errorf("offload: idle_spin and max_idle_polls must be >= 0"))
	}
	if rt.TraceRingSize < 0 {
		add(fmt.Errorf("trace.ring_size: must be >= 0"))
	}

	set, err := cpuset.Parse(strings.TrimSpace(cfg.Offload.CPUs))
	if err != nil {
		add(fmt.Errorf("offload.cpus: %w", err))
	} else if rt.CPUs > 0 {
		for _, cpu := range set.List() {
			if cpu >= rt.CPUs {
				add(fmt.Errorf("offload.cpus: cpu %d out of range (machine has %d)", cpu, rt.CPUs))
			}
		}
		if set.Size() >= rt.CPUs {
			add(fmt.Errorf("offload.cpus: at least one processor must stay with ordinary tasks"))
		}
	}
	rt.OffloadCPUs = set

	rt.Drain, err = resolveDrain(cfg.Drain)
	add(err)
	rt.Workload, err = resolveWorkload(cfg.Workload)
	add(err)

	rt.Storage, err = resolveStorage(cfg.Storage)
	add(err)

	if addr := strings.TrimSpace(cfg.Debug.Addr); cfg.Debug.Enabled && addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add(fmt.Errorf("debug.addr: %w", err))
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rt, nil
}

func resolveDrain(c DrainConfig) (DrainRuntime, error) {
	dr := DrainRuntime{Enabled: c.Enabled, Location: time.Local}
	var errs []error
	var err error
	if dr.Timeout, err = duration("drain.timeout", c.Timeout, DefaultDrainTimeout, true); err != nil {
		errs = append(errs, err)
	}
	if dr.MinInterval, err = duration("drain.min_interval", c.MinInterval, 0, false); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Errorf("drain.timezone: %w", err))
		} else {
			dr.Location = loc
		}
	}
	if c.Enabled || strings.TrimSpace(c.Schedule) != "" {
		spec, err := schedule.Parse(c.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("drain.schedule: %w", err))
		}
		dr.Spec = spec
	}
	return dr, errors.Join(errs...)
}

func resolveWorkload(c WorkloadConfig) (WorkloadRuntime, error) {
	wr := WorkloadRuntime{
		Enabled:      c.Enabled,
		Rate:         c.Rate,
		Burst:        c.Burst,
		OffloadShare: c.OffloadShare,
		Work:         c.Work,
		SleepEvery:   c.SleepEvery,
		MaxLive:      c.MaxLive,
	}
	var errs []error
	if wr.Rate == 0 {
		wr.Rate = DefaultRate
	}
	if wr.Burst == 0 {
		wr.Burst = DefaultBurst
	}
	if wr.Work == 0 {
		wr.Work = DefaultWork
	}
	if wr.MaxLive == 0 {
		wr.MaxLive = DefaultMaxLive
	}
	if wr.Rate < 0 || wr.Burst < 0 || wr.Work < 0 || wr.MaxLive < 0 || wr.SleepEvery < 0 {
		errs = append(errs, fmt.Errorf("workload: rate, burst, work, max_live and sleep_every must be >= 0"))
	}
	if wr.OffloadShare < 0 || wr.OffloadShare > 1 {
		errs = append(errs, fmt.Errorf("workload.offload_share: must be within [0,1]"))
	}
	d, err := duration("workload.sleep_for", c.SleepFor, 0, false)
	if err != nil {
		errs = append(errs, err)
	}
	wr.SleepFor = d
	return wr, errors.Join(errs...)
}

func resolveStorage(c *StorageConfig) (StorageRuntime, error) {
	if c == nil {
		return StorageRuntime{}, nil
	}
	sr := StorageRuntime{Path: strings.TrimSpace(c.Path)}
	var errs []error
	switch driver := strings.ToLower(strings.TrimSpace(c.Driver)); driver {
	case "", "none":
		return StorageRuntime{}, nil
	case "file":
		sr.Driver = "file"
		if sr.Path == "" {
			sr.Path = DefaultStorePath
		}
	case "sqlite", "sqlite3":
		sr.Driver = "sqlite"
		if sr.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path: required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Driver))
	}
	busy, err := duration("storage.busy_timeout", c.BusyTimeout, DefaultBusyTimeout, false)
	if err != nil {
		errs = append(errs, err)
	}
	if sr.Driver == "sqlite" {
		sr.BusyTimeout = busy
	}
	return sr, errors.Join(errs...)
}

// duration parses a Go duration field. Empty yields def. Negative values
// are always rejected; with positive set, so is zero (a zero tick or drain
// timeout is never meaningful).
func duration(field, raw string, def time.Duration, positive bool) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q", field, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: must be >= 0", field)
	case d == 0 && positive:
		return 0, fmt.Errorf("%s: must be > 0", field)
	}
	return d, nil
}

// Validate is the Manager validator hook: it rejects configs Resolve
// rejects, and reloads that try to change restart-only machine settings.
func Validate(current *Config) func(ctx context.Context, cfg *Config) error {
	return func(_ context.Context, cfg *Config) error {
		if _, err := Resolve(cfg); err != nil {
			return err
		}
		if current != nil && cfg.Machine != current.Machine {
			return fmt.Errorf("machine: settings change requires a restart")
		}
		return nil
	}
}
