package orchestrator

import (
	"context"
	"errors"

	"offsched/internal/eventbus"
	"offsched/internal/offsched"
	logx "offsched/pkg/logx"
)

// Drain runs one drain window on cpu: admission of new offload tasks stops,
// the processor is waited on until it owns no offload task, its callback
// runs on it, and admission resumes.
//
// A processor runs at most one drain at a time; a second caller gets
// ErrDrainBusy instead of waiting.
func (s *Service) Drain(ctx context.Context, cpu int) (Report, error) {
	return s.drain(ctx, cpu)
}

func (s *Service) scheduledDrain(ctx context.Context, cpu int) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	minInterval := s.cfg.MinInterval
	s.mu.Unlock()

	if minInterval > 0 && s.store != nil {
		last, ok, err := s.store.GetLastDrain(ctx, cpu)
		if err != nil {
			s.log.Warn("last drain lookup failed", logx.Int("cpu", cpu), logx.Err(err))
		} else if ok && s.now().Sub(last) < minInterval {
			s.skipped.Add(1)
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeDrainSkipped, CPU: cpu, Data: eventbus.DrainResult{}})
			s.log.Debug("drain skipped; too soon", logx.Int("cpu", cpu), logx.Time("last", last))
			return
		}
	}

	rep, err := s.drain(ctx, cpu)
	switch {
	case errors.Is(err, ErrDrainBusy):
		s.log.Debug("scheduled drain overlaps a running one", logx.Int("cpu", cpu))
	case err != nil:
		s.log.Warn("scheduled drain failed", logx.Int("cpu", cpu), logx.Err(err))
	default:
		s.log.Info("drain completed",
			logx.Int("cpu", cpu),
			logx.Duration("took", rep.Took),
			logx.Bool("callback", rep.CallbackRan),
		)
	}
}

func (s *Service) drain(ctx context.Context, cpu int) (Report, error) {
	rep := Report{CPU: cpu}
	if cpu < 0 || cpu >= len(s.cpuMu) {
		return rep, ErrNotOffloaded
	}
	if !s.cpuMu[cpu].TryLock() {
		return rep, ErrDrainBusy
	}
	defer s.cpuMu[cpu].Unlock()

	s.mu.Lock()
	active := s.active[cpu]
	timeout := s.cfg.Timeout
	s.mu.Unlock()
	if !active {
		return rep, ErrNotOffloaded
	}

	s.draining[cpu].Store(true)
	s.admitting[cpu].Store(false)
	defer func() {
		s.admitting[cpu].Store(true)
		s.draining[cpu].Store(false)
	}()

	start := s.now()
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeDrainStarted, CPU: cpu})

	wctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var waitErr error
	runErr := s.host.RunOn(wctx, cpu, func() {
		// Tasks spawned or woken onto cpu before the window opened are not
		// owned until enqueued; count them before waiting.
		s.host.FlushPendingWakeups(cpu)
		if waitErr = s.host.Offload().IdleWait(wctx, cpu); waitErr != nil {
			return
		}
		rep.CallbackRan = s.cb.Run(cpu)
	})
	rep.Took = s.now().Sub(start)

	err := errors.Join(runErr, waitErr)
	if err != nil {
		s.failures.Add(1)
		res := eventbus.DrainResult{Took: rep.Took, Err: err}
		var de *offsched.DrainError
		if errors.As(err, &de) {
			res.Polls, res.Remaining = de.Polls, de.Remaining
			rep.Polls = de.Polls
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeDrainFailed, CPU: cpu, Data: res})
		return rep, err
	}

	s.drains.Add(1)
	if s.store != nil {
		if err := s.store.PutLastDrain(ctx, cpu, s.now()); err != nil {
			s.log.Warn("last drain not persisted", logx.Int("cpu", cpu), logx.Err(err))
		}
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeDrainCompleted,
		CPU:  cpu,
		Data: eventbus.DrainResult{Took: rep.Took},
	})
	return rep, nil
}
