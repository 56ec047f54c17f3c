package config

import (
	"sort"
	"strings"

	logx "offsched/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact, sorted list of changed
// sections and (2) structured attrs describing the new values for logging.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) ||
		oldCfg.Logging.Mirror != newCfg.Logging.Mirror {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.mirror_enabled", newCfg.Logging.Mirror.Enabled),
		)
	}

	// Machine (restart-only; surfaced so a rejected reload is explainable)
	if oldCfg.Machine != newCfg.Machine {
		changed = append(changed, "machine")
		attrs = append(attrs,
			logx.Int("machine.cpus", newCfg.Machine.CPUs),
			logx.String("machine.tick", strings.TrimSpace(newCfg.Machine.Tick)),
			logx.Bool("machine.tick_offload", newCfg.Machine.TickOffload),
		)
	}

	// Offload
	if strings.TrimSpace(oldCfg.Offload.CPUs) != strings.TrimSpace(newCfg.Offload.CPUs) ||
		oldCfg.Offload.IdleSpin != newCfg.Offload.IdleSpin ||
		oldCfg.Offload.MaxIdlePolls != newCfg.Offload.MaxIdlePolls {
		changed = append(changed, "offload")
		attrs = append(attrs,
			logx.String("offload.cpus", strings.TrimSpace(newCfg.Offload.CPUs)),
			logx.Int("offload.max_idle_polls", newCfg.Offload.MaxIdlePolls),
		)
	}

	// Drain
	if oldCfg.Drain.Enabled != newCfg.Drain.Enabled ||
		strings.TrimSpace(oldCfg.Drain.Schedule) != strings.TrimSpace(newCfg.Drain.Schedule) ||
		strings.TrimSpace(oldCfg.Drain.Timeout) != strings.TrimSpace(newCfg.Drain.Timeout) ||
		strings.TrimSpace(oldCfg.Drain.MinInterval) != strings.TrimSpace(newCfg.Drain.MinInterval) ||
		strings.TrimSpace(oldCfg.Drain.Timezone) != strings.TrimSpace(newCfg.Drain.Timezone) {
		changed = append(changed, "drain")
		attrs = append(attrs,
			logx.Bool("drain.enabled", newCfg.Drain.Enabled),
			logx.String("drain.schedule", strings.TrimSpace(newCfg.Drain.Schedule)),
			logx.String("drain.timeout", strings.TrimSpace(newCfg.Drain.Timeout)),
			logx.String("drain.timezone", strings.TrimSpace(newCfg.Drain.Timezone)),
		)
	}

	// Trace
	if oldCfg.Trace != newCfg.Trace {
		changed = append(changed, "trace")
		attrs = append(attrs,
			logx.Int("trace.ring_size", newCfg.Trace.RingSize),
			logx.Bool("trace.log", newCfg.Trace.Log),
			logx.Bool("trace.dump_set", strings.TrimSpace(newCfg.Trace.DumpPath) != ""),
		)
	}

	// Workload
	if oldCfg.Workload != newCfg.Workload {
		changed = append(changed, "workload")
		attrs = append(attrs,
			logx.Bool("workload.enabled", newCfg.Workload.Enabled),
			logx.Float64("workload.rate", newCfg.Workload.Rate),
			logx.Float64("workload.offload_share", newCfg.Workload.OffloadShare),
			logx.Int("workload.max_live", newCfg.Workload.MaxLive),
		)
	}

	// Storage (nil means disabled)
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver = strings.TrimSpace(s.Driver)
		oBusy = strings.TrimSpace(s.BusyTimeout)
		oPathSet = strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver = strings.TrimSpace(s.Driver)
		nBusy = strings.TrimSpace(s.BusyTimeout)
		nPathSet = strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Debug
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
