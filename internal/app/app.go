package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"offsched/internal/config"
	"offsched/internal/eventbus"
	"offsched/internal/observability/debughttp"
	"offsched/internal/offsched"
	"offsched/internal/orchestrator"
	"offsched/internal/runtime/supervisor"
	"offsched/internal/simhost"
	"offsched/internal/storage"
	"offsched/internal/tracelog"
	"offsched/internal/workload"
	logx "offsched/pkg/logx"
	"offsched/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	ring  *tracelog.Ring

	machine *simhost.Machine
	orch    *orchestrator.Service
	gen     *workload.Generator
	sd      systemd.Notifier
	debug   *debughttp.Service

	mu       sync.Mutex
	dumpPath string
	dumped   bool
}

// Snapshot is a point-in-time view of the whole daemon.
type Snapshot struct {
	Machine      []simhost.CPUStats    `json:"machine"`
	Orchestrator orchestrator.Snapshot `json:"orchestrator"`
	Workload     workload.Stats        `json:"workload"`
	Supervisor   supervisor.Snapshot   `json:"supervisor"`
	Live         int64                 `json:"live"`
	Exited       uint64                `json:"exited"`
	Accounted    uint64                `json:"accounted_ticks"`
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rt, err := config.Resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ring := tracelog.NewRing(rt.TraceRingSize)
	logSvc, log := logx.New(mapLogConfig(cfg), ring)
	appLog := log.With(logx.String("comp", "app"))

	tracer := tracelog.Multi{ring}
	if cfg.Trace.Log {
		tracer = append(tracer, tracelog.NewLogger(log))
	}
	classOpts := []offsched.Option{offsched.WithTracer(tracer), offsched.WithMaxIdlePolls(rt.MaxIdlePolls)}
	if rt.IdleSpin > 0 {
		classOpts = append(classOpts, offsched.WithIdleSpin(rt.IdleSpin))
	}
	machine := simhost.New(mapMachineConfig(rt), simhost.WithLogger(log), simhost.WithClassOptions(classOpts...))

	// Storage (optional)
	var store storage.Store
	if rt.Storage.Driver != "" {
		sc := mapStorageConfig(rt)
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	bus := eventbus.New()

	cb := offsched.NewCallbacks(rt.CPUs)
	for cpu := 0; cpu < rt.CPUs; cpu++ {
		cpu := cpu
		_ = cb.Register(cpu, func() {
			ring.Log(fmt.Sprintf("vacated cpu%d", cpu))
			appLog.Debug("processor vacated", logx.Int("cpu", cpu))
		})
	}

	orch := orchestrator.New(mapOrchestratorConfig(rt), machine, cb,
		log.With(logx.String("comp", "orchestrator")), bus, store)
	gen := workload.New(mapWorkloadConfig(rt), machine, orch, log.With(logx.String("comp", "workload")))

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		ring:     ring,
		machine:  machine,
		orch:     orch,
		gen:      gen,
		dumpPath: strings.TrimSpace(cfg.Trace.DumpPath),
	}
	a.debug = debughttp.New(mapDebugConfig(cfg), debugSource{a}, log.With(logx.String("comp", "debug")))
	return a, nil
}

func (a *App) Machine() *simhost.Machine { return a.machine }
func (a *App) Orchestrator() *orchestrator.Service { return a.orch }
func (a *App) Workload() *workload.Generator { return a.gen }
func (a *App) Ring() *tracelog.Ring { return a.ring }
func (a *App) Config() *config.Manager { return a.cfgm }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
		supervisor.WithPanicHook(func(name string, _ any) {
			a.dumpTrace("panic in " + name)
		}),
	)

	// Machine shape is restart-only; everything else hot-reloads.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(config.Validate(a.cfgm.Get()))

	// Subscribe the recorder first so activation events are persisted.
	if a.store != nil {
		recLog := a.log.With(logx.String("comp", "recorder"))
		records, unsubRecords := a.bus.Subscribe(256)
		a.sup.GoRestart("storage.recorder", func(c context.Context) error {
			return orchestrator.Record(c, records, a.store, recLog)
		})
		go func() {
			<-a.sup.Done()
			unsubRecords()
		}()
	}

	a.machine.Start(a.sup)
	if err := a.orch.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}
	a.sup.Go("workload", a.gen.Run)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Int("cpu", e.CPU), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		supervisor.WithPublishFirstError(false),
	)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.debug.Start(a.sup.Context())

	if _, err := a.sd.Ready(); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.Watchdog(c, func() bool { return a.sup.Err() == nil })
	})

	a.log.Info("started",
		logx.String("config", a.cfgPath),
		logx.Int("cpus", a.machine.NumCPU()),
		logx.String("offload_cpus", a.orch.OffloadSet().String()),
	)
	return nil
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	// Track last applied config to generate a safe diff summary for logx.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config change summary", fields...)

	rt, err := config.Resolve(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	_, _ = a.sd.Reloading()
	defer func() { _, _ = a.sd.Ready() }()

	for _, s := range sections {
		if s == "storage" || s == "trace" && oldCfg.Trace.RingSize != newCfg.Trace.RingSize {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))
	if err := a.orch.Apply(c, mapOrchestratorConfig(rt)); err != nil {
		a.log.Error("offload reconfiguration failed", logx.Err(err))
	}
	a.gen.Apply(mapWorkloadConfig(rt))
	a.debug.Reconfigure(c, mapDebugConfig(newCfg))

	a.mu.Lock()
	a.dumpPath = strings.TrimSpace(newCfg.Trace.DumpPath)
	a.mu.Unlock()

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, CPU: -1, Data: sections})
}

// dumpTrace writes the trace ring's hex dump once per run.
func (a *App) dumpTrace(reason string) {
	a.mu.Lock()
	path := a.dumpPath
	if path == "" || a.dumped {
		a.mu.Unlock()
		return
	}
	a.dumped = true
	a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		a.log.Warn("trace dump failed", logx.Err(err))
		return
	}
	if err := os.WriteFile(path, []byte(a.ring.Dump()), 0o600); err != nil {
		a.log.Warn("trace dump failed", logx.Err(err))
		return
	}
	a.log.Info("trace dumped", logx.String("path", path), logx.String("reason", reason), logx.Int("bytes", a.ring.Len()))
}

func (a *App) Snapshot() Snapshot {
	snap := Snapshot{
		Machine:      a.machine.Snapshot(),
		Orchestrator: a.orch.Snapshot(),
		Workload:     a.gen.Stats(),
		Live:         a.machine.Live(),
		Exited:       a.machine.Exited(),
		Accounted:    a.machine.Accounted(),
	}
	if a.sup != nil {
		snap.Supervisor = a.sup.Snapshot()
	}
	return snap
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.sd.Stopping()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// End offload while the processors still run, then unwind everything.
	step("orchestrator", 2*time.Second, func(c context.Context) error { a.orch.Stop(c); return nil })
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	snap := a.Snapshot()
	a.log.Info("final counters",
		logx.Int64("live", snap.Live),
		logx.Uint64("exited", snap.Exited),
		logx.Uint64("accounted_ticks", snap.Accounted),
		logx.Uint64("spawned", snap.Workload.Spawned),
		logx.Uint64("drains", snap.Orchestrator.Drains),
		logx.Uint64("drain_failures", snap.Orchestrator.Failures),
	)
	a.dumpTrace(string(reason))

	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
