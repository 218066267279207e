package monitor

import (
	"context"
	"time"
)

// runPolls drives the adaptive REST poll loop. Polling runs fast while
// the stream is unconfirmed and relaxes once the server acknowledged
// the connection; the choice is re-evaluated on a secondary timer so a
// dropped stream tightens polling again without waiting out a long
// tick.
func (s *Session) runPolls(ctx context.Context) {
	interval := s.pollInterval()
	s.metrics.PollInterval.Set(interval.Seconds())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	reeval := time.NewTicker(s.cfg.Poll.Reevaluate)
	defer reeval.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			s.metrics.PollTicks.Inc()
			s.pollOnce(ctx)

		case <-reeval.C:
			if next := s.pollInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
				s.metrics.PollInterval.Set(interval.Seconds())
				s.logger.Debug("Poll interval adjusted", "interval", interval)
			}
		}
	}
}

// pollInterval picks the interval for the current stream state.
func (s *Session) pollInterval() time.Duration {
	if s.streamConfirmed.Load() {
		return s.cfg.Poll.Confirmed
	}
	return s.cfg.Poll.Unconfirmed
}

// pollOnce fetches both snapshots and hands them to the fold loop.
// Failures keep the current view; the next tick tries again.
func (s *Session) pollOnce(ctx context.Context) {
	gen := s.gen.Load()

	if snap, err := s.client.TaskDetail(ctx, s.taskID); err == nil {
		s.publish(ctx, gen, snap)
	} else if ctx.Err() == nil {
		s.logger.Debug("Task detail poll failed", "error", err)
	}

	if snap, err := s.client.AgentActivity(ctx, s.taskID); err == nil {
		s.publish(ctx, gen, snap)
	} else if ctx.Err() == nil {
		s.logger.Debug("Agent activity poll failed", "error", err)
	}
}
