package logx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

const (
	mirrorLineMax  = 512
	mirrorValueMax = 96
)

// mirrorWriter is the zerolog sink feeding Service.mirror.
type mirrorWriter struct{ svc *Service }

func (w *mirrorWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *mirrorWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	out, lim, minLevel := s.mirror, s.limiter, s.minLevel
	s.mu.Unlock()

	if out == nil || lim == nil || level < minLevel {
		return len(p), nil
	}
	if !lim.Allow() {
		s.dropped.Add(1)
		return len(p), nil
	}
	if line := formatMirrorLine(p); line != "" {
		// A failing mirror never fails the primary sinks.
		_, _ = io.WriteString(out, line+"\n")
	}
	return len(p), nil
}

// formatMirrorLine renders a zerolog JSON record as "LEVEL msg k=v ...",
// keys sorted and the line capped. Non-JSON input is passed through
// trimmed.
func formatMirrorLine(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(string(p), mirrorLineMax)
	}

	lvl, _ := m[zerolog.LevelFieldName].(string)
	msg, _ := m[zerolog.MessageFieldName].(string)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName,
			zerolog.CallerFieldName, "stack":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if lvl != "" {
		b.WriteString(strings.ToUpper(lvl))
		b.WriteByte(' ')
	}
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, truncate(fmt.Sprint(m[k]), mirrorValueMax))
	}
	return truncate(b.String(), mirrorLineMax)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
