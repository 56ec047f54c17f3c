package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"offsched/internal/config"
	"offsched/internal/eventbus"
)

const testConfig = `
logging:
  level: error
  console: false
  file:
    enabled: false
    path: ""
  mirror:
    enabled: true
    min_level: warn
    rate_per_sec: 5
machine:
  cpus: 3
  tick: 200us
offload:
  cpus: "1-2"
drain:
  enabled: false
  schedule: ""
  timeout: 5s
trace:
  ring_size: 4096
  dump_path: %DUMP%
workload:
  enabled: true
  rate: 500
  burst: 5
  offload_share: 0.5
  work: 2
  max_live: 64
storage:
  driver: file
  path: %STORE%
`

func writeConfig(t *testing.T) (cfgPath, dumpPath, storePath string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath = filepath.Join(dir, "offschedd.yaml")
	dumpPath = filepath.Join(dir, "trace.hex")
	storePath = filepath.Join(dir, "store")
	body := strings.NewReplacer("%DUMP%", dumpPath, "%STORE%", storePath).Replace(testConfig)
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return cfgPath, dumpPath, storePath
}

func TestAppRunsDrainsAndDumps(t *testing.T) {
	t.Parallel()
	cfgPath, dumpPath, storePath := writeConfig(t)

	a, err := NewApp(cfgPath)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for a.Workload().Stats().Offload < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("workload stalled: %+v", a.Workload().Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep, err := a.Orchestrator().Drain(ctx, 1)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !rep.CallbackRan {
		t.Fatal("vacated callback did not run")
	}

	// The recorder persists asynchronously.
	for !strings.Contains(readFile(storePath+".events.jsonl"), eventbus.TypeDrainCompleted) {
		if time.Now().After(deadline) {
			t.Fatal("drain.completed never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := a.Stop(ctx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := a.Err(); err != nil {
		t.Fatalf("supervisor error: %v", err)
	}

	dump, err := os.ReadFile(dumpPath)
	if err != nil {
		t.Fatalf("trace dump: %v", err)
	}
	if !strings.Contains(string(dump), "*** OFFSCHED") {
		t.Fatalf("dump lacks banner:\n%s", dump)
	}
	events, err := os.ReadFile(storePath + ".events.jsonl")
	if err != nil {
		t.Fatalf("events file: %v", err)
	}
	for _, typ := range []string{eventbus.TypeOffloadBegin, eventbus.TypeDrainCompleted, eventbus.TypeOffloadEnd} {
		if !strings.Contains(string(events), `"type":"`+typ+`"`) {
			t.Fatalf("events missing %s:\n%s", typ, events)
		}
	}
}

func readFile(path string) string {
	b, _ := os.ReadFile(path)
	return string(b)
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	body := "machine:\n  cpus: 2\noffload:\n  cpus: \"0-1\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewApp(path); err == nil {
		t.Fatal("config offloading every processor accepted")
	}
	if _, err := NewApp(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("missing config accepted")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cfgPath, _, storePath := writeConfig(t)
	loaded, err := config.NewManager(cfgPath).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := *loaded

	rt, err := config.Resolve(&cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sc := mapStorageConfig(rt); sc.Driver != "file" || sc.Path != storePath || sc.BusyTimeout != 0 {
		t.Fatalf("file store = %+v", sc)
	}

	cfg.Storage = &config.StorageConfig{Driver: "sqlite3", Path: "/tmp/x.db"}
	if rt, err = config.Resolve(&cfg); err != nil {
		t.Fatalf("Resolve sqlite: %v", err)
	}
	if sc := mapStorageConfig(rt); sc.Driver != "sqlite" || sc.BusyTimeout != config.DefaultBusyTimeout {
		t.Fatalf("sqlite store = %+v", sc)
	}
}
