package supervisor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/benaskins/portvisor/internal/driver"
	"github.com/benaskins/portvisor/internal/health"
)

// goMonitor starts the liveness check for one launch. It returns false if
// the supervisor is closed.
func (s *Supervisor) goMonitor(ctx context.Context, e *entry, gen uint64, proc driver.Process) bool {
	s.lifeMu.RLock()
	defer s.lifeMu.RUnlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go s.monitor(ctx, e, gen, proc)
	return true
}

// monitor runs one liveness check and sends its result to the report loop.
// It never touches entry state.
func (s *Supervisor) monitor(ctx context.Context, e *entry, gen uint64, proc driver.Process) {
	defer s.wg.Done()

	m := health.NewMonitor(health.Config{
		Host:     health.DefaultHost,
		Port:     e.def.Port,
		Attempts: s.timeouts.ProbeAttempts,
		Interval: s.timeouts.ProbeInterval,
		Timeout:  s.timeouts.ProbeTimeout,
	}, s.prober, e.logger)

	r := m.Run(ctx, proc.Done())
	if r.Outcome == health.Cancelled {
		return
	}
	e.logger.Debug("liveness check finished", "outcome", r.Outcome, "attempts", r.Attempts, "elapsed", r.Elapsed)

	select {
	case s.reports <- healthReport{index: e.index, gen: gen, report: r}:
	case <-s.ctx.Done():
	}
}

// reportLoop is the only place liveness results are applied.
func (s *Supervisor) reportLoop() {
	defer s.wg.Done()
	for {
		select {
		case r := <-s.reports:
			s.apply(r)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Supervisor) apply(r healthReport) {
	e := s.entries[r.index]

	e.mu.Lock()
	defer e.mu.Unlock()

	if r.gen != e.gen || e.proc == nil {
		e.logger.Debug("discarding stale liveness result", "outcome", r.report.Outcome, "gen", r.gen, "current", e.gen)
		return
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}

	switch r.report.Outcome {
	case health.Healthy:
		if e.state == StateStarting {
			s.setState(e, StateRunning)
			s.event(e, slog.LevelInfo, KindRunning, "running at "+URL(e.def.Port))
		}
	case health.ProcessExited:
		if e.state.Live() {
			s.exitedLocked(e)
		}
	case health.TimedOut:
		if e.state == StateStarting {
			s.event(e, slog.LevelWarn, KindHealthTimeout,
				fmt.Sprintf("port %d not reachable after %d attempts; still starting", e.def.Port, r.report.Attempts))
		}
	}
}
