package engine

import (
	"context"
	"time"

	"taskloop/internal/runtime/supervisor"
)

const (
	DefaultPeriodicCheck     = 16 * time.Millisecond
	DefaultAsyncPollInterval = time.Millisecond
	DefaultHistorySize       = 100
)

// Config controls the task engine.
//
// The app layer maps config.engine into this struct; DefaultConfig mirrors
// the values used when the config file omits a field.
type Config struct {
	// PeriodicCheck is how often due timed tasks are promoted.
	// 0 disables automatic promotion; callers then use PromoteDue/CheckTimedTasks.
	PeriodicCheck time.Duration

	// AsyncPollInterval bounds how long the consumer waits on an async task
	// per visit when the task does not set its own PollInterval.
	AsyncPollInterval time.Duration

	// StartImmediately starts the consumer from New; otherwise Start must be called.
	StartImmediately bool

	// AsyncWorkers caps concurrently running async executions. 0 = unbounded.
	AsyncWorkers int

	HistorySize int
}

func DefaultConfig() Config {
	return Config{
		PeriodicCheck:     DefaultPeriodicCheck,
		AsyncPollInterval: DefaultAsyncPollInterval,
		StartImmediately:  true,
		HistorySize:       DefaultHistorySize,
	}
}

func (c Config) normalized() Config {
	if c.PeriodicCheck < 0 {
		c.PeriodicCheck = 0
	}
	if c.AsyncPollInterval <= 0 {
		c.AsyncPollInterval = DefaultAsyncPollInterval
	}
	if c.AsyncWorkers < 0 {
		c.AsyncWorkers = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

// Work is the unit of work. It reports true when done and false for a
// retry-eligible failure. It must not block indefinitely.
type Work func(ctx context.Context) bool

// Func adapts a function without a result; it always reports success.
func Func(fn func()) Work {
	return func(context.Context) bool {
		fn()
		return true
	}
}

// FromError adapts an error-returning function: nil means success.
func FromError(fn func(ctx context.Context) error) Work {
	return func(ctx context.Context) bool { return fn(ctx) == nil }
}

// Task describes one unit of work and its delay/retry policy.
// Negative durations are treated as zero.
type Task struct {
	ID   string
	Name string
	Work Work

	RescheduleOnFailure bool
	StartDelay          time.Duration
	RescheduleDelay     time.Duration

	// Async runs Work on a background goroutine; the consumer polls for
	// completion, waiting at most PollInterval per visit.
	Async        bool
	PollInterval time.Duration
}

// TaskOption configures a Task built by SubmitFunc.
type TaskOption func(*Task)

func WithName(name string) TaskOption { return func(t *Task) { t.Name = name } }

func WithStartDelay(d time.Duration) TaskOption { return func(t *Task) { t.StartDelay = d } }

// WithReschedule enables rescheduling on failure after delay.
func WithReschedule(delay time.Duration) TaskOption {
	return func(t *Task) {
		t.RescheduleOnFailure = true
		t.RescheduleDelay = delay
	}
}

// WithAsync marks the task async. poll <= 0 uses the engine default.
func WithAsync(poll time.Duration) TaskOption {
	return func(t *Task) {
		t.Async = true
		t.PollInterval = poll
	}
}

// Outcome of a single attempt as reported in history and events.
const (
	OutcomeCompleted   = "completed"
	OutcomeFailed      = "failed"
	OutcomeRescheduled = "rescheduled"
	OutcomeDropped     = "dropped"
)

// Event types published on the bus.
const (
	EventSubmitted   = "task.submitted"
	EventStarted     = "task.started"
	EventCompleted   = "task.completed"
	EventFailed      = "task.failed"
	EventRescheduled = "task.rescheduled"
	EventDropped     = "task.dropped"
)

type HistoryItem struct {
	ID       string
	Name     string
	Attempt  int
	Async    bool
	Started  time.Time
	Duration time.Duration
	Outcome  string
	Panic    string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Attempt  int           `json:"attempt"`
	Async    bool          `json:"async"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
	Outcome  string        `json:"outcome,omitempty"`
	NextRun  time.Time     `json:"next_run,omitzero"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running   bool
	ReadyLen  int
	TimedLen  int
	Executing int

	// AsyncInFlight counts background executions still running, including
	// ones whose result will be discarded after Stop.
	AsyncInFlight int64

	NextDeadline time.Time

	Submitted   uint64
	Completed   uint64
	Failed      uint64
	Rescheduled uint64
	Dropped     uint64
	Panics      uint64

	PeriodicCheck     time.Duration
	AsyncPollInterval time.Duration
	AsyncWorkers      int

	Supervisor supervisor.Snapshot
	History    []HistoryItem
}
