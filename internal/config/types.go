package config

// Config is the offschedd configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Machine  MachineConfig  `json:"machine"`
	Offload  OffloadConfig  `json:"offload"`
	Drain    DrainConfig    `json:"drain"`
	Trace    TraceConfig    `json:"trace"`
	Workload WorkloadConfig `json:"workload"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Debug    DebugConfig    `json:"debug"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Mirror  LoggingMirror `json:"mirror"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingMirror copies important records into the trace ring.
type LoggingMirror struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// MachineConfig sizes the simulated host. Changes need a restart.
//
// Defaults: cpus 4, tick "1ms", arena_size 4096.
type MachineConfig struct {
	CPUs      int    `json:"cpus"`
	Tick      string `json:"tick"`
	ArenaSize int    `json:"arena_size,omitempty"`

	PinThreads  bool `json:"pin_threads,omitempty"`
	TickOffload bool `json:"tick_offload,omitempty"`
}

// OffloadConfig selects the processors handed to the offload class.
//
// Example:
//
//	"offload": { "cpus": "2-3", "max_idle_polls": 0 }
type OffloadConfig struct {
	// CPUs is a cpu list ("1,3", "2-5"). Empty offloads nothing.
	CPUs string `json:"cpus"`

	IdleSpin     int `json:"idle_spin,omitempty"`
	MaxIdlePolls int `json:"max_idle_polls,omitempty"`
}

// DrainConfig controls the periodic drain of offload processors.
//
// Defaults: timeout "10s", min_interval "0s" (disabled).
type DrainConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
	Timeout  string `json:"timeout,omitempty"`

	// MinInterval skips a scheduled drain when the previous one on the same
	// processor (as recorded in storage) finished more recently.
	MinInterval string `json:"min_interval,omitempty"`

	Timezone string `json:"timezone,omitempty"`
}

// TraceConfig controls the diagnostic ring.
type TraceConfig struct {
	RingSize int  `json:"ring_size,omitempty"`
	Log      bool `json:"log,omitempty"` // mirror trace lines to the logger at trace level

	// DumpPath receives the hex dump of the ring at shutdown or on a fatal
	// invariant violation. Empty disables dumping.
	DumpPath string `json:"dump_path,omitempty"`
}

// WorkloadConfig drives the synthetic task generator.
//
// Defaults: rate 50, burst 10, work 5, max_live 256.
type WorkloadConfig struct {
	Enabled      bool    `json:"enabled"`
	Rate         float64 `json:"rate"`
	Burst        int     `json:"burst,omitempty"`
	OffloadShare float64 `json:"offload_share"`
	Work         int     `json:"work,omitempty"`
	SleepEvery   int     `json:"sleep_every,omitempty"`
	SleepFor     string  `json:"sleep_for,omitempty"`
	MaxLive      int     `json:"max_live,omitempty"`
}

// StorageConfig controls the drain/event history store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./offschedd_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DebugConfig controls the optional debug HTTP endpoints (status, trace,
// drain trigger and pprof).
//
// Example:
//
//	"debug": { "enabled": true, "addr": "127.0.0.1:6060" }
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// Token is required for non-loopback binds unless AllowInsecure is set.
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
