package storage

import (
	"context"
	"time"

	"taskloop/internal/eventbus"
	"taskloop/internal/task/engine"
	logx "taskloop/pkg/logx"
)

const drainTimeout = 5 * time.Second

// recordedEvents are the terminal attempt events written to the journal.
var recordedEvents = []string{
	engine.EventCompleted,
	engine.EventFailed,
	engine.EventRescheduled,
	engine.EventDropped,
}

// Recorder writes task lifecycle events from the bus into a Store.
type Recorder struct {
	store Store
	log   logx.Logger

	events *eventbus.Queue
}

// NewRecorder subscribes to bus immediately so no event published after it
// returns is missed; Run drains the subscription. The subscription is a
// queue, so bursts (Stop discarding thousands of entries) are never lost.
func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log, events: bus.SubscribeQueue(recordedEvents...)}
}

// Run writes events until ctx is done, then writes what is already queued.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.events.Close()
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case <-r.events.Ready():
			for _, ev := range r.events.Take() {
				r.write(ctx, ev)
			}
		}
	}
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		batch := r.events.Take()
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			r.write(ctx, ev)
		}
	}
}

func (r *Recorder) write(ctx context.Context, ev eventbus.Event) {
	te, ok := ev.Data.(engine.TaskEvent)
	if !ok {
		return
	}
	rec := RunRecord{
		At:         te.At,
		TaskID:     te.ID,
		Name:       te.Name,
		Attempt:    te.Attempt,
		Async:      te.Async,
		Outcome:    te.Outcome,
		DurationMS: te.Duration.Milliseconds(),
		NextRun:    te.NextRun,
		Error:      te.Error,
	}
	if err := r.store.AppendRun(ctx, rec); err != nil {
		r.log.Warn("run journal append failed", logx.String("task_id", te.ID), logx.Err(err))
	}
}
