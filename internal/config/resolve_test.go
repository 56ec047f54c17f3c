package config

import (
	"context"
	"strings"
	"testing"
	"time"

	"offsched/internal/schedule"
)

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	rt, err := Resolve(&Config{Offload: OffloadConfig{CPUs: "1-2"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rt.CPUs != DefaultCPUs || rt.Tick != DefaultTick {
		t.Fatalf("machine defaults = %d/%v", rt.CPUs, rt.Tick)
	}
	if got := rt.OffloadCPUs.List(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("offload cpus = %v", got)
	}
	if rt.Drain.Timeout != DefaultDrainTimeout || rt.Drain.Enabled {
		t.Fatalf("drain = %+v", rt.Drain)
	}
	if rt.Workload.Rate != DefaultRate || rt.Workload.Work != DefaultWork || rt.Workload.MaxLive != DefaultMaxLive {
		t.Fatalf("workload = %+v", rt.Workload)
	}
}

func TestResolveDrain(t *testing.T) {
	t.Parallel()
	rt, err := Resolve(&Config{
		Offload: OffloadConfig{CPUs: "3"},
		Drain:   DrainConfig{Enabled: true, Schedule: "every:30s", Timeout: "2s", MinInterval: "1m", Timezone: "UTC"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	d := rt.Drain
	if d.Spec.Kind != schedule.KindInterval || d.Spec.Every != 30*time.Second {
		t.Fatalf("spec = %+v", d.Spec)
	}
	if d.Timeout != 2*time.Second || d.MinInterval != time.Minute || d.Location.String() != "UTC" {
		t.Fatalf("drain = %+v", d)
	}
}

func TestResolveRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"bad cpu list", Config{Offload: OffloadConfig{CPUs: "2-"}}, "offload.cpus"},
		{"cpu out of range", Config{Machine: MachineConfig{CPUs: 2}, Offload: OffloadConfig{CPUs: "1-2"}}, "out of range"},
		{"no housekeeping cpu", Config{Machine: MachineConfig{CPUs: 2}, Offload: OffloadConfig{CPUs: "0-1"}}, "at least one processor"},
		{"bad tick", Config{Machine: MachineConfig{Tick: "fast"}}, "machine.tick"},
		{"drain without schedule", Config{Drain: DrainConfig{Enabled: true}}, "drain.schedule"},
		{"bad timezone", Config{Drain: DrainConfig{Timezone: "Mars/Olympus"}}, "drain.timezone"},
		{"share out of range", Config{Workload: WorkloadConfig{OffloadShare: 1.5}}, "offload_share"},
		{"bad debug addr", Config{Debug: DebugConfig{Enabled: true, Addr: "6060"}}, "debug.addr"},
		{"bad storage driver", Config{Storage: &StorageConfig{Driver: "postgres"}}, "storage.driver"},
		{"zero tick", Config{Machine: MachineConfig{Tick: "0s"}}, "machine.tick: must be > 0"},
		{"zero drain timeout", Config{Drain: DrainConfig{Timeout: "0"}}, "drain.timeout: must be > 0"},
		{"negative min interval", Config{Drain: DrainConfig{MinInterval: "-1s"}}, "drain.min_interval: must be >= 0"},
		{"sqlite without path", Config{Storage: &StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"bad busy timeout", Config{Storage: &StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "soon"}}, "storage.busy_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(&tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Resolve = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestResolveStorage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   *StorageConfig
		want StorageRuntime
	}{
		{"absent", nil, StorageRuntime{}},
		{"none", &StorageConfig{Driver: "none", Path: "x"}, StorageRuntime{}},
		{"file default path", &StorageConfig{Driver: " File "}, StorageRuntime{Driver: "file", Path: DefaultStorePath}},
		{"sqlite alias", &StorageConfig{Driver: "sqlite3", Path: "a.db"}, StorageRuntime{Driver: "sqlite", Path: "a.db", BusyTimeout: DefaultBusyTimeout}},
		{"sqlite busy", &StorageConfig{Driver: "sqlite", Path: "a.db", BusyTimeout: "250ms"}, StorageRuntime{Driver: "sqlite", Path: "a.db", BusyTimeout: 250 * time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, err := Resolve(&Config{Storage: tt.in})
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if rt.Storage != tt.want {
				t.Fatalf("storage = %+v, want %+v", rt.Storage, tt.want)
			}
		})
	}
}

func TestResolveJoinsErrors(t *testing.T) {
	t.Parallel()
	_, err := Resolve(&Config{
		Machine:  MachineConfig{Tick: "x"},
		Workload: WorkloadConfig{SleepFor: "y"},
	})
	if err == nil || !strings.Contains(err.Error(), "machine.tick") || !strings.Contains(err.Error(), "workload.sleep_for") {
		t.Fatalf("Resolve = %v, want both errors", err)
	}
}

func TestValidateRejectsMachineChange(t *testing.T) {
	t.Parallel()
	cur := &Config{Machine: MachineConfig{CPUs: 4}}
	v := Validate(cur)
	if err := v(context.Background(), &Config{Machine: MachineConfig{CPUs: 4}, Offload: OffloadConfig{CPUs: "1"}}); err != nil {
		t.Fatalf("offload change rejected: %v", err)
	}
	if err := v(context.Background(), &Config{Machine: MachineConfig{CPUs: 8}}); err == nil {
		t.Fatal("machine change accepted")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old := &Config{Drain: DrainConfig{Schedule: "30s"}, Offload: OffloadConfig{CPUs: "1"}}
	next := &Config{Drain: DrainConfig{Schedule: "1m"}, Offload: OffloadConfig{CPUs: "1"}, Storage: &StorageConfig{Driver: "file", Path: "x"}}
	changed, attrs := SummarizeConfigChange(old, next)
	if strings.Join(changed, ",") != "drain,storage" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if changed, _ := SummarizeConfigChange(next, next); len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}
