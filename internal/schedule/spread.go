package schedule

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// MaxSpread caps the startup jitter of interval schedules.
const MaxSpread = 30 * time.Second

// spreadSchedule overrides the first activation of base, then delegates.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq atomic.Uint64

// Build compiles spec. Interval schedules get a random first-run delay of up
// to min(Every, MaxSpread) keyed by tag, so per-processor drains sharing one
// schedule do not all fire together. It returns the jitter applied.
func Build(spec Spec, now time.Time, tag string) (cron.Schedule, time.Duration, error) {
	if spec.Kind == KindCron {
		s, err := Parser.Parse(spec.Cron)
		return s, 0, err
	}

	base := cron.Every(spec.Every)
	spreadMax := min(spec.Every, MaxSpread)
	if spreadMax <= 0 {
		return base, 0, nil
	}
	seed := time.Now().UnixNano() ^ int64(spreadSeq.Add(1)) ^ int64(fnv64a(tag))
	rng := rand.New(rand.NewSource(seed))
	// cron resolves to whole seconds.
	jitter := time.Duration(rng.Int63n(int64(spreadMax))).Truncate(time.Second)
	return &spreadSchedule{base: base, first: now.Add(spec.Every + jitter)}, jitter, nil
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
