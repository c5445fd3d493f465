package engine

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// asyncState is the per-entry lifecycle of an async execution.
//
//	NotStarted -> Running -> Succeeded
//	                      -> Failed -> NotStarted (work reclaimed for the next attempt)
type asyncState int

const (
	asyncNotStarted asyncState = iota
	asyncRunning
	asyncSucceeded
	asyncFailed
)

func (s asyncState) String() string {
	switch s {
	case asyncNotStarted:
		return "not_started"
	case asyncRunning:
		return "running"
	case asyncSucceeded:
		return "succeeded"
	case asyncFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// asyncRun is the completion handle of one background execution.
// The goroutine owns work until done is closed; it then hands it back via res.
type asyncRun struct {
	state   asyncState
	done    chan struct{}
	started time.Time

	// written by the background goroutine before close(done)
	ok    bool
	work  Work
	panic string
}

// pollResult is what one consumer visit learned about an entry.
type pollResult int

const (
	pollPending pollResult = iota
	pollSucceeded
	pollFailed
)

// asyncPool bounds concurrent background executions. A nil sem is unbounded.
type asyncPool struct {
	sem      *semaphore.Weighted
	inFlight atomic.Int64
}

func newAsyncPool(limit int) *asyncPool {
	p := &asyncPool{}
	if limit > 0 {
		p.sem = semaphore.NewWeighted(int64(limit))
	}
	return p
}

func (p *asyncPool) tryAcquire() bool {
	if p.sem == nil {
		return true
	}
	return p.sem.TryAcquire(1)
}

func (p *asyncPool) release() {
	if p.sem != nil {
		p.sem.Release(1)
	}
}

// pollAsync advances e's async state machine by one visit.
//
// The first visit dispatches the work and reports pending without waiting.
// Later visits wait at most poll for the result. On failure the work is moved
// back into the entry and the handle reset, so the next attempt starts a
// fresh execution.
func (s *Service) pollAsync(ctx context.Context, e *entry, pool *asyncPool, poll time.Duration) pollResult {
	if e.run == nil || e.run.state == asyncNotStarted {
		if !pool.tryAcquire() {
			// Pool is full: back off for one poll interval instead of spinning.
			t := time.NewTimer(poll)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
			return pollPending
		}
		s.dispatch(ctx, e, pool)
		return pollPending
	}

	run := e.run
	select {
	case <-run.done:
	default:
		t := time.NewTimer(poll)
		select {
		case <-run.done:
			t.Stop()
		case <-t.C:
			return pollPending
		case <-ctx.Done():
			t.Stop()
			return pollPending
		}
	}

	e.task.Work = run.work
	e.run = nil
	if run.ok {
		run.state = asyncSucceeded
		return pollSucceeded
	}
	run.state = asyncFailed
	return pollFailed
}

func (s *Service) dispatch(ctx context.Context, e *entry, pool *asyncPool) {
	work := e.task.Work
	e.task.Work = nil
	e.attempts++
	run := &asyncRun{state: asyncRunning, done: make(chan struct{}), started: s.clock.Now()}
	e.run = run

	id, name, attempt := e.task.ID, e.task.Name, e.attempts
	pool.inFlight.Add(1)
	// Background executions outlive Stop; only their result is discarded.
	// They carry the consumer marker so Wait/Shutdown from inside them behave
	// as they do for synchronous tasks.
	bg := context.WithValue(context.WithoutCancel(ctx), consumerKey{}, s)
	go func() {
		defer pool.release()
		defer pool.inFlight.Add(-1)
		ok, pan := s.invoke(bg, id, name, attempt, work)
		run.ok = ok
		run.work = work
		run.panic = pan
		close(run.done)
	}()
}
