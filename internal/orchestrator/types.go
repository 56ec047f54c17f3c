package orchestrator

import (
	"context"
	"errors"
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

var (
	ErrNotOffloaded = errors.New("orchestrator: cpu is not an offload processor")
	ErrDrainBusy    = errors.New("orchestrator: drain already in progress")
	ErrNotStarted   = errors.New("orchestrator: not started")
)

// Host is the machine the orchestrator steers.
type Host interface {
	NumCPU() int
	Offload() *offsched.Class
	// RunOn runs fn on cpu's own context, outside its scheduling lock.
	RunOn(ctx context.Context, cpu int, fn func()) error
	// WithRQLocked runs fn with cpu's scheduling lock held.
	WithRQLocked(cpu int, fn func() error) error
	// FlushPendingWakeups enqueues wake-ups already routed to cpu.
	FlushPendingWakeups(cpu int)
}

// Config controls the orchestrator. Apply may replace it at runtime.
type Config struct {
	OffloadCPUs cpuset.CPUSet

	DrainEnabled bool
	Schedule     schedule.Spec
	Timeout      time.Duration // 0 waits until the processor is vacated
	MinInterval  time.Duration // scheduled drains only
	Location     *time.Location
}

func (c Config) drainEqual(o Config) bool {
	return c.DrainEnabled == o.DrainEnabled &&
		c.Schedule.String() == o.Schedule.String() &&
		c.Location.String() == o.Location.String()
}

// Service owns offload activation and drain windows.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	started bool
	active  map[int]bool
	c       *cron.Cron
	entries map[int]cron.EntryID

	host  Host
	cb    *offsched.Callbacks
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	// cpuMu serializes lifecycle changes and drains per processor.
	cpuMu     []sync.Mutex
	admitting []atomic.Bool
	draining  []atomic.Bool

	drains   atomic.Uint64
	failures atomic.Uint64
	skipped  atomic.Uint64

	now func() time.Time
}

// Report describes one completed drain window.
type Report struct {
	CPU         int           `json:"cpu"`
	Polls       int           `json:"polls,omitempty"` // set when the window failed
	Took        time.Duration `json:"took_ns"`
	CallbackRan bool          `json:"callback_ran"`
}

type ScheduleInfo struct {
	CPU  int       `json:"cpu"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

type Snapshot struct {
	OffloadCPUs  string         `json:"offload_cpus"`
	Active       []int          `json:"active"`
	Draining     []int          `json:"draining,omitempty"`
	DrainEnabled bool           `json:"drain_enabled"`
	Schedule     string         `json:"schedule,omitempty"`
	Timezone     string         `json:"timezone,omitempty"`
	Schedules    []ScheduleInfo `json:"schedules,omitempty"`
	Drains       uint64         `json:"drains"`
	Failures     uint64         `json:"failures"`
	Skipped      uint64         `json:"skipped"`
}
