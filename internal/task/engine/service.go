package engine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"taskloop/internal/eventbus"
	"taskloop/internal/runtime/supervisor"
	logx "taskloop/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu    sync.Mutex
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	clock clockwork.Clock

	ready readyQueue
	timed deadlineStore

	// gen is bumped by Stop; entries popped under an older gen are discarded
	// when they finish.
	gen       uint64
	executing int

	// idle is closed while both stores are empty and nothing executes.
	idle       chan struct{}
	idleClosed bool

	// wake holds at most one pending consumer wakeup token.
	wake chan struct{}

	pool *asyncPool

	sup           *supervisor.Supervisor
	stopPromoter  context.CancelFunc
	consumerAlive chan struct{}

	submitted   atomic.Uint64
	completed   atomic.Uint64
	failed      atomic.Uint64
	rescheduled atomic.Uint64
	dropped     atomic.Uint64
	panics      atomic.Uint64

	warnLimit *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem
}

type Option func(*Service)

// WithClock injects the time source used for deadlines and promotion.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// New builds the engine and, if cfg.StartImmediately is set, starts it.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.normalized()
	s := &Service{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		clock:     clockwork.NewRealClock(),
		idle:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
		pool:      newAsyncPool(cfg.AsyncWorkers),
		warnLimit: rate.NewLimiter(rate.Every(warnThrottleEvery), 3),
	}
	close(s.idle)
	s.idleClosed = true
	for _, o := range opts {
		o(s)
	}
	if cfg.StartImmediately {
		_ = s.Start(context.Background())
	}
	return s
}

// Start launches the consumer and, if PeriodicCheck > 0, the promoter.
// Starting a running engine returns ErrAlreadyRunning.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return ErrAlreadyRunning
	}
	if s.consumerAlive != nil {
		// A consumer shut down from inside its own task may still be finishing.
		select {
		case <-s.consumerAlive:
		default:
			return ErrAlreadyRunning
		}
	}

	sup := supervisor.New(ctx, supervisor.WithLogger(s.log.With(logx.String("comp", "taskengine"))))
	s.sup = sup
	alive := make(chan struct{})
	s.consumerAlive = alive
	sup.Go0("consumer", func(c context.Context) {
		defer close(alive)
		s.consume(c)
	})
	s.startPromoterLocked()
	s.signalLocked()

	s.log.Info("task engine started",
		logx.Duration("periodic_check", s.cfg.PeriodicCheck),
		logx.Duration("async_poll", s.cfg.AsyncPollInterval),
		logx.Int("async_workers", s.cfg.AsyncWorkers),
		logx.Int("ready", s.ready.len()),
		logx.Int("timed", s.timed.len()),
	)
	return nil
}

func (s *Service) startPromoterLocked() {
	if s.stopPromoter != nil {
		s.stopPromoter()
		s.stopPromoter = nil
	}
	period := s.cfg.PeriodicCheck
	if s.sup == nil || period <= 0 {
		return
	}
	pctx, cancel := context.WithCancel(s.sup.Context())
	s.stopPromoter = cancel
	sup := s.sup
	sup.Go0("promoter", func(context.Context) { s.promoteLoop(pctx, period) })
}

// Running reports whether the consumer has been started and not shut down.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil
}

// Shutdown discards queued work (Stop), halts the consumer and promoter and
// joins them. Work already executing runs to completion first.
//
// Called with the ctx of a task running on the consumer, it does not wait for
// the consumer, which exits once that task returns.
func (s *Service) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.Stop()

	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	if s.stopPromoter != nil {
		s.stopPromoter()
		s.stopPromoter = nil
	}
	s.mu.Unlock()

	if sup == nil {
		return nil
	}
	sup.Cancel()
	if onConsumer(ctx, s) {
		s.log.Debug("task engine shutdown requested from inside a task")
		return nil
	}
	err := sup.Wait(ctx)
	s.log.Info("task engine stopped", logx.Err(err))
	return err
}

// Apply swaps the engine config at runtime. A changed PeriodicCheck restarts
// the promoter; AsyncWorkers applies to executions dispatched afterwards.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.normalized()
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if prev.AsyncWorkers != cfg.AsyncWorkers {
		s.pool = newAsyncPool(cfg.AsyncWorkers)
	}
	if prev.PeriodicCheck != cfg.PeriodicCheck {
		s.startPromoterLocked()
	}
	if prev != cfg {
		s.log.Info("task engine config applied",
			logx.Duration("periodic_check", cfg.PeriodicCheck),
			logx.Duration("async_poll", cfg.AsyncPollInterval),
			logx.Int("async_workers", cfg.AsyncWorkers),
		)
	}
}

// Submit enqueues t. It never blocks: zero StartDelay goes to the ready queue,
// anything else to the deadline store at now+StartDelay. Submitting while the
// engine is stopped is accepted; the task runs once Start is called.
func (s *Service) Submit(t Task) (string, error) {
	if t.Work == nil {
		return "", ErrNilWork
	}
	if t.StartDelay < 0 {
		t.StartDelay = 0
	}
	if t.RescheduleDelay < 0 {
		t.RescheduleDelay = 0
	}
	if t.PollInterval < 0 {
		t.PollInterval = 0
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}

	now := s.clock.Now()
	e := &entry{task: t, submitted: now}

	s.mu.Lock()
	if t.StartDelay == 0 {
		s.ready.push(e)
		s.signalLocked()
	} else {
		s.timed.push(e, now.Add(t.StartDelay))
	}
	s.updateIdleLocked()
	// Published under the lock: the consumer pops under it too, so
	// task.submitted always precedes task.started for the same task.
	s.submitted.Add(1)
	s.publish(EventSubmitted, TaskEvent{ID: t.ID, Name: t.Name, Async: t.Async, At: now, NextRun: now.Add(t.StartDelay)})
	s.mu.Unlock()
	return t.ID, nil
}

// SubmitFunc is Submit for a bare Work plus options.
func (s *Service) SubmitFunc(w Work, opts ...TaskOption) (string, error) {
	t := Task{Work: w}
	for _, o := range opts {
		o(&t)
	}
	return s.Submit(t)
}

// PromoteDue moves every timed entry with deadline <= at into the ready
// queue in deadline order (ties in insertion order) and returns the count.
func (s *Service) PromoteDue(at time.Time) int {
	return s.promote(func() (*entry, bool) { return s.timed.popDue(at) })
}

// CheckTimedTasks promotes entries due at the clock's current time.
func (s *Service) CheckTimedTasks() int { return s.PromoteDue(s.clock.Now()) }

// PromoteAll promotes every timed entry regardless of deadline.
func (s *Service) PromoteAll() int {
	return s.promote(s.timed.popAny)
}

func (s *Service) promote(pop func() (*entry, bool)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for {
		e, ok := pop()
		if !ok {
			break
		}
		s.ready.push(e)
		n++
	}
	if n > 0 {
		s.signalLocked()
	}
	return n
}

// Wait blocks until both stores are empty and nothing is executing, or ctx
// is done. It returns immediately when the engine is already idle.
func (s *Service) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if onConsumer(ctx, s) {
		return ErrCalledFromTask
	}
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop discards all queued work in both stores. Work already executing is not
// interrupted, but its result is discarded and it is not rescheduled.
func (s *Service) Stop() {
	s.mu.Lock()
	dropped := s.ready.drain()
	dropped = append(dropped, s.timed.drain()...)
	s.gen++
	s.updateIdleLocked()
	s.mu.Unlock()

	if len(dropped) == 0 {
		return
	}
	now := s.clock.Now()
	for _, e := range dropped {
		s.dropped.Add(1)
		s.record(HistoryItem{ID: e.task.ID, Name: e.task.Name, Attempt: e.attempts, Async: e.task.Async, Started: now, Outcome: OutcomeDropped})
		s.publish(EventDropped, TaskEvent{ID: e.task.ID, Name: e.task.Name, Attempt: e.attempts, Async: e.task.Async, At: now, Outcome: OutcomeDropped})
	}
	if s.warnLimit.Allow() {
		s.log.Warn("queued tasks discarded", logx.Int("count", len(dropped)))
	}
}

func (s *Service) HasTimedTasks() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timed.len() > 0
}

// Pending returns the ready queue and deadline store lengths.
func (s *Service) Pending() (ready, timed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready.len(), s.timed.len()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	snap := Snapshot{
		Running:       s.sup != nil,
		ReadyLen:      s.ready.len(),
		TimedLen:      s.timed.len(),
		Executing:     s.executing,
		AsyncInFlight: s.pool.inFlight.Load(),
	}
	snap.NextDeadline, _ = s.timed.next()
	sup := s.sup
	s.mu.Unlock()

	snap.Submitted = s.submitted.Load()
	snap.Completed = s.completed.Load()
	snap.Failed = s.failed.Load()
	snap.Rescheduled = s.rescheduled.Load()
	snap.Dropped = s.dropped.Load()
	snap.Panics = s.panics.Load()
	snap.PeriodicCheck = cfg.PeriodicCheck
	snap.AsyncPollInterval = cfg.AsyncPollInterval
	snap.AsyncWorkers = cfg.AsyncWorkers
	snap.Supervisor = sup.Snapshot()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

// signalLocked leaves a wakeup token for the consumer. The buffered token
// survives until the consumer reads it, so no wakeup is lost.
func (s *Service) signalLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) updateIdleLocked() {
	idle := s.ready.len() == 0 && s.timed.len() == 0 && s.executing == 0
	switch {
	case idle && !s.idleClosed:
		close(s.idle)
		s.idleClosed = true
	case !idle && s.idleClosed:
		s.idle = make(chan struct{})
		s.idleClosed = false
	}
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
