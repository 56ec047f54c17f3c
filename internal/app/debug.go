package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"offsched/internal/config"
	"offsched/internal/observability/debughttp"
	"offsched/internal/orchestrator"
)

// debugSource exposes the app to the debug endpoints.
type debugSource struct{ a *App }

func (d debugSource) Status() any        { return d.a.Snapshot() }
func (d debugSource) TraceBytes() []byte { return d.a.ring.Bytes() }

func (d debugSource) Drain(ctx context.Context, cpu int) (any, error) {
	rep, err := d.a.orch.Drain(ctx, cpu)
	switch {
	case errors.Is(err, orchestrator.ErrDrainBusy):
		return rep, fmt.Errorf("%w: %w", debughttp.ErrBusy, err)
	case errors.Is(err, orchestrator.ErrNotOffloaded):
		return rep, fmt.Errorf("%w: %w", debughttp.ErrBadRequest, err)
	}
	return rep, err
}

func mapDebugConfig(cfg *config.Config) debughttp.Config {
	return debughttp.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          strings.TrimSpace(cfg.Debug.Addr),
		Token:         cfg.Debug.Token,
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
}
