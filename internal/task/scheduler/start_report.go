package scheduler

import (
	"errors"
	"time"

	"fleetbot/internal/task/engine"
	logx "fleetbot/pkg/logx"
)

const startWarnThrottle = 5 * time.Minute

func (s *Service) reportStartError(name string, err error) {
	if err == nil {
		return
	}
	// Overlaps happen during normal operation.
	if errors.Is(err, engine.ErrAlreadyRunning) {
		s.log.Debug("schedule trigger skipped; task still running", logx.String("task", name))
		return
	}

	now := time.Now()
	s.trigMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < startWarnThrottle {
		s.trigMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.trigMu.Unlock()

	s.log.Warn("scheduled task failed to start", logx.String("task", name), logx.Err(err))
}
