package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"

	logx "taskloop/pkg/logx"
)

type consumerKey struct{}

// onConsumer reports whether ctx was handed to a task by s's consumer.
func onConsumer(ctx context.Context, s *Service) bool {
	v, _ := ctx.Value(consumerKey{}).(*Service)
	return v == s
}

// consume is the single consumer loop. ctx is the supervisor context; tasks
// receive a child marked as running on the consumer.
func (s *Service) consume(ctx context.Context) {
	taskCtx := context.WithValue(ctx, consumerKey{}, s)
	for {
		if ctx.Err() != nil {
			return
		}
		e, gen, pool, poll, ok := s.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}
		s.run(ctx, taskCtx, e, gen, pool, poll)
	}
}

// next pops the ready queue head and marks it executing.
func (s *Service) next() (e *entry, gen uint64, pool *asyncPool, poll time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok = s.ready.pop()
	if !ok {
		return nil, 0, nil, 0, false
	}
	s.executing++
	poll = e.task.PollInterval
	if poll <= 0 {
		poll = s.cfg.AsyncPollInterval
	}
	return e, s.gen, s.pool, poll, true
}

func (s *Service) run(loopCtx, taskCtx context.Context, e *entry, gen uint64, pool *asyncPool, poll time.Duration) {
	t := e.task
	if !t.Async {
		e.attempts++
		start := s.clock.Now()
		s.publish(EventStarted, TaskEvent{ID: t.ID, Name: t.Name, Attempt: e.attempts, At: start})
		ok, pan := s.invoke(taskCtx, t.ID, t.Name, e.attempts, t.Work)
		res := pollFailed
		if ok {
			res = pollSucceeded
		}
		s.finish(e, gen, res, pan, start)
		return
	}

	prev := e.run
	res := s.pollAsync(loopCtx, e, pool, poll)
	if prev == nil && e.run != nil {
		s.publish(EventStarted, TaskEvent{ID: t.ID, Name: t.Name, Attempt: e.attempts, Async: true, At: e.run.started})
	}
	if res == pollPending {
		s.finish(e, gen, res, "", time.Time{})
		return
	}
	s.finish(e, gen, res, prev.panic, prev.started)
}

// invoke runs work once, converting a panic into a failed attempt.
func (s *Service) invoke(ctx context.Context, id, name string, attempt int, work Work) (ok bool, panicMsg string) {
	var pc panics.Catcher
	pc.Try(func() { ok = work(ctx) })
	r := pc.Recovered()
	if r == nil {
		return ok, ""
	}
	s.panics.Add(1)
	panicMsg = fmt.Sprint(r.Value)
	if s.warnLimit.Allow() {
		s.log.Error("task panicked",
			logx.String("task_id", id),
			logx.String("task", name),
			logx.Int("attempt", attempt),
			logx.String("panic", panicMsg),
			logx.Stack(string(r.Stack)),
		)
	}
	return false, panicMsg
}

// finish settles an entry the consumer popped. A pending async entry goes
// back to the ready queue tail; a failed one with RescheduleOnFailure goes to
// the deadline store. Entries popped before the last Stop are discarded.
func (s *Service) finish(e *entry, gen uint64, res pollResult, panicMsg string, started time.Time) {
	now := s.clock.Now()
	t := e.task
	var (
		outcome string
		nextRun time.Time
	)

	s.mu.Lock()
	s.executing--
	switch {
	case gen != s.gen:
		outcome = OutcomeDropped
	case res == pollPending:
		s.ready.push(e)
	case res == pollSucceeded:
		outcome = OutcomeCompleted
	case t.RescheduleOnFailure:
		outcome = OutcomeRescheduled
		nextRun = now.Add(t.RescheduleDelay)
		s.timed.push(e, nextRun)
	default:
		outcome = OutcomeFailed
	}
	s.updateIdleLocked()
	s.mu.Unlock()

	if outcome == "" {
		return
	}
	// A stale async entry that was still pending has no result yet.
	if outcome == OutcomeDropped && started.IsZero() {
		started = now
	}

	dur := now.Sub(started)
	s.record(HistoryItem{
		ID: t.ID, Name: t.Name, Attempt: e.attempts, Async: t.Async,
		Started: started, Duration: dur, Outcome: outcome, Panic: panicMsg,
	})
	ev := TaskEvent{
		ID: t.ID, Name: t.Name, Attempt: e.attempts, Async: t.Async,
		At: now, Duration: dur, Outcome: outcome, NextRun: nextRun, Error: panicMsg,
	}

	switch outcome {
	case OutcomeCompleted:
		s.completed.Add(1)
		s.publish(EventCompleted, ev)
		s.log.Trace("task completed", logx.String("task_id", t.ID), logx.String("task", t.Name), logx.Int("attempt", e.attempts), logx.Duration("took", dur))
	case OutcomeRescheduled:
		s.rescheduled.Add(1)
		s.publish(EventRescheduled, ev)
		s.log.Debug("task rescheduled", logx.String("task_id", t.ID), logx.String("task", t.Name), logx.Int("attempt", e.attempts), logx.Time("next_run", nextRun))
	case OutcomeFailed:
		s.failed.Add(1)
		s.publish(EventFailed, ev)
		s.log.Debug("task failed", logx.String("task_id", t.ID), logx.String("task", t.Name), logx.Int("attempt", e.attempts))
	case OutcomeDropped:
		s.dropped.Add(1)
		s.publish(EventDropped, ev)
		s.log.Debug("task result discarded after stop", logx.String("task_id", t.ID), logx.String("task", t.Name))
	}
}

// promoteLoop promotes due timed tasks every period until ctx is done.
func (s *Service) promoteLoop(ctx context.Context, period time.Duration) {
	tk := s.clock.NewTicker(period)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.Chan():
			if n := s.CheckTimedTasks(); n > 0 {
				s.log.Trace("timed tasks promoted", logx.Int("count", n))
			}
		}
	}
}
