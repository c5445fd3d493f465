package scheduler

import (
	"time"

	logx "taskloop/pkg/logx"
)

const submitWarnThrottle = 5 * time.Second

func (s *Service) reportSubmitError(name string, err error) {
	if err == nil {
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < submitWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("schedule failed to submit task", logx.String("schedule", name), logx.Err(err))
}
