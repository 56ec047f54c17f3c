package app

import (
	"offsched/internal/config"
	"offsched/internal/orchestrator"
	"offsched/internal/simhost"
	"offsched/internal/storage"
	"offsched/internal/workload"
	logx "offsched/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Mirror: logx.MirrorConfig{
			Enabled:    cfg.Logging.Mirror.Enabled,
			MinLevel:   cfg.Logging.Mirror.MinLevel,
			RatePerSec: cfg.Logging.Mirror.RatePerSec,
		},
	}
}

func mapMachineConfig(rt *config.Runtime) simhost.Config {
	return simhost.Config{
		CPUs:         rt.CPUs,
		TickInterval: rt.Tick,
		ArenaSize:    rt.ArenaSize,
		PinThreads:   rt.PinThreads,
		TickOffload:  rt.TickOffload,
	}
}

func mapOrchestratorConfig(rt *config.Runtime) orchestrator.Config {
	return orchestrator.Config{
		OffloadCPUs:  rt.OffloadCPUs,
		DrainEnabled: rt.Drain.Enabled,
		Schedule:     rt.Drain.Spec,
		Timeout:      rt.Drain.Timeout,
		MinInterval:  rt.Drain.MinInterval,
		Location:     rt.Drain.Location,
	}
}

func mapWorkloadConfig(rt *config.Runtime) workload.Config {
	w := rt.Workload
	return workload.Config{
		Enabled:      w.Enabled,
		Rate:         w.Rate,
		Burst:        w.Burst,
		OffloadShare: w.OffloadShare,
		Work:         w.Work,
		SleepEvery:   w.SleepEvery,
		SleepFor:     w.SleepFor,
		MaxLive:      w.MaxLive,
		OffloadCPUs:  rt.OffloadCPUs,
	}
}

func mapStorageConfig(rt *config.Runtime) storage.Config {
	return storage.Config{
		Driver:      rt.Storage.Driver,
		Path:        rt.Storage.Path,
		BusyTimeout: rt.Storage.BusyTimeout,
	}
}
