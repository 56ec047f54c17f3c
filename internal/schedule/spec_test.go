package schedule

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		kind   Kind
		every  time.Duration
		source string
	}{
		{in: "*/5 * * * *", kind: KindCron, source: "cron"},
		{in: "0 */2 * * * *", kind: KindCron, source: "cron"},
		{in: "@hourly", kind: KindCron, source: "cron"},
		{in: "@every 30s", kind: KindCron, source: "cron"},
		{in: "cron: 15 3 * * *", kind: KindCron, source: "cron"},
		{in: "30s", kind: KindInterval, every: 30 * time.Second, source: "duration"},
		{in: "02:30", kind: KindInterval, every: 2*time.Hour + 30*time.Minute, source: "hhmm"},
		{in: "interval: 00:50", kind: KindInterval, every: 50 * time.Minute, source: "hhmm"},
		{in: "every:2h", kind: KindInterval, every: 2 * time.Hour, source: "duration"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.in, err)
			}
			if got.Kind != tt.kind || got.Every != tt.every || got.Source != tt.source {
				t.Fatalf("Parse(%q) = %+v", tt.in, got)
			}
			again, err := Parse(got.String())
			if err != nil || again.Kind != got.Kind || again.Every != got.Every {
				t.Fatalf("round trip of %q via %q = %+v, %v", tt.in, got.String(), again, err)
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "  ", "0s", "-5m", "01:75", "00:00", "cron:", "every:", "* * *", "soon", "interval:fast"} {
		if got, err := Parse(in); err == nil {
			t.Fatalf("Parse(%q) = %+v, want error", in, got)
		}
	}
}

func TestBuildIntervalSpread(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	spec := Spec{Kind: KindInterval, Every: 10 * time.Second}
	s, jitter, err := Build(spec, now, "drain-cpu1")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if jitter < 0 || jitter >= spec.Every {
		t.Fatalf("jitter %v out of range", jitter)
	}
	first := s.Next(now)
	if want := now.Add(spec.Every + jitter); !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}
	if second := s.Next(first); second.Sub(first) != spec.Every {
		t.Fatalf("second activation %v after first, want %v", second.Sub(first), spec.Every)
	}
}

func TestBuildCron(t *testing.T) {
	t.Parallel()
	spec, err := Parse("0 0 * * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s, jitter, err := Build(spec, now, "x")
	if err != nil || jitter != 0 {
		t.Fatalf("Build = %v, %v", jitter, err)
	}
	if got, want := s.Next(now), time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("next = %v, want %v", got, want)
	}
}
