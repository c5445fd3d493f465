// Package demo holds small engine walkthroughs used by the taskloop command.
package demo

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"taskloop/internal/task/engine"
)

// Names lists the available demos.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Options tunes a demo run.
type Options struct {
	// Unit scales every demo delay; the default is one millisecond.
	Unit time.Duration
}

func (o Options) unit() time.Duration {
	if o.Unit <= 0 {
		return time.Millisecond
	}
	return o.Unit
}

type runner func(ctx context.Context, eng *engine.Service, w io.Writer, opts Options) error

var registry = map[string]runner{
	"simple": Simple,
	"async":  Async,
	"retry":  Retry,
}

// Run submits the named demo and waits until the engine is idle.
func Run(ctx context.Context, name string, eng *engine.Service, w io.Writer, opts Options) error {
	fn, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return fmt.Errorf("unknown demo %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	if err := fn(ctx, eng, w, opts); err != nil {
		return err
	}
	return eng.Wait(ctx)
}

// lockedWriter serializes writes from async tasks.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}

// Simple submits two tasks that print in submission order.
func Simple(_ context.Context, eng *engine.Service, w io.Writer, _ Options) error {
	out := &lockedWriter{w: w}
	if _, err := eng.Submit(engine.Task{Name: "hello", Work: engine.Func(func() { out.printf("Hello, ") })}); err != nil {
		return err
	}
	_, err := eng.Submit(engine.Task{Name: "world", Work: engine.Func(func() { out.printf("World!\n") })})
	return err
}

// Async submits a delayed async print and an async task that fails until
// its fifth attempt, rescheduling between attempts.
func Async(_ context.Context, eng *engine.Service, w io.Writer, opts Options) error {
	out := &lockedWriter{w: w}
	u := opts.unit()

	if _, err := eng.Submit(engine.Task{
		Name:       "world",
		Work:       engine.Func(func() { out.printf("World!\n") }),
		Async:      true,
		StartDelay: 6000 * u,
	}); err != nil {
		return err
	}

	count := 0
	_, err := eng.Submit(engine.Task{
		Name: "hello",
		Work: func(context.Context) bool {
			count++
			out.printf("%s : Hello %d\n", time.Now().Format(time.DateTime), count)
			return count == 5
		},
		Async:               true,
		RescheduleOnFailure: true,
		StartDelay:          500 * u,
		RescheduleDelay:     1000 * u,
	})
	if err != nil {
		return err
	}
	out.printf("%s\n", time.Now().Format(time.DateTime))
	return nil
}

// Retry submits a task that keeps failing for a window with no reschedule
// delay, printing a dot per attempt, then reports the attempt count.
func Retry(_ context.Context, eng *engine.Service, w io.Writer, opts Options) error {
	out := &lockedWriter{w: w}
	u := opts.unit()
	window := 1000 * u

	var start time.Time
	count := 0
	_, err := eng.Submit(engine.Task{
		Name: "retry",
		Work: func(context.Context) bool {
			if start.IsZero() {
				start = time.Now()
			}
			if time.Since(start) < window {
				count++
				out.printf(".")
				return false
			}
			out.printf("%d done\n", count)
			return true
		},
		RescheduleOnFailure: true,
		StartDelay:          1000 * u,
	})
	return err
}
