package tracelog

import (
	"offsched/internal/offsched"
	logx "offsched/pkg/logx"
)

// Logger mirrors trace lines to a structured logger at trace level.
type Logger struct {
	log logx.Logger
}

func NewLogger(log logx.Logger) *Logger {
	return &Logger{log: log.With(logx.String("comp", "trace"))}
}

func (l *Logger) Trace(event string, raw []byte) {
	if !l.log.Enabled(logx.LevelTrace) {
		return
	}
	if pid, ok := offsched.PIDFromIdentity(raw); ok {
		l.log.Trace(event, logx.Int("pid", pid))
		return
	}
	l.log.Trace(event)
}

// Multi fans every trace line out to all of its tracers, in order.
type Multi []offsched.Tracer

func (m Multi) Trace(event string, raw []byte) {
	for _, t := range m {
		if t != nil {
			t.Trace(event, raw)
		}
	}
}

var (
	_ offsched.Tracer = (*Logger)(nil)
	_ offsched.Tracer = Multi(nil)
)
