package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskloop/internal/eventbus"
	logx "taskloop/pkg/logx"
)

func newTestService(t *testing.T, mutate func(*Config), opts ...Option) *Service {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PeriodicCheck = 2 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	s := New(cfg, logx.Nop(), nil, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func waitIdle(t *testing.T, s *Service, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) add(v string) {
	r.mu.Lock()
	r.got = append(r.got, v)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestSubmitRunsInFIFOOrder(t *testing.T) {
	s := newTestService(t, nil)
	var rec recorder
	_, err := s.SubmitFunc(Func(func() { rec.add("A") }))
	require.NoError(t, err)
	_, err = s.SubmitFunc(Func(func() { rec.add("B") }))
	require.NoError(t, err)

	waitIdle(t, s, 2*time.Second)
	assert.Equal(t, []string{"A", "B"}, rec.list())
}

func TestRetryUntilSuccess(t *testing.T) {
	s := newTestService(t, nil)
	var calls atomic.Int32
	start := time.Now()
	_, err := s.SubmitFunc(func(context.Context) bool {
		return calls.Add(1) == 5
	}, WithReschedule(100*time.Millisecond))
	require.NoError(t, err)

	waitIdle(t, s, 5*time.Second)
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
	assert.EqualValues(t, 5, calls.Load())

	snap := s.Snapshot()
	assert.EqualValues(t, 4, snap.Rescheduled)
	assert.EqualValues(t, 1, snap.Completed)
}

func TestFailureWithoutRescheduleRunsOnce(t *testing.T) {
	s := newTestService(t, nil)
	var calls atomic.Int32
	_, err := s.SubmitFunc(func(context.Context) bool {
		calls.Add(1)
		return false
	})
	require.NoError(t, err)

	waitIdle(t, s, 2*time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 1, s.Snapshot().Failed)
	assert.False(t, s.HasTimedTasks())
}

func TestWaitReturnsImmediatelyWhenEmpty(t *testing.T) {
	s := newTestService(t, func(c *Config) { c.StartImmediately = false })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestWaitHonoursContext(t *testing.T) {
	s := newTestService(t, func(c *Config) { c.StartImmediately = false })
	_, err := s.SubmitFunc(Func(func() {}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}

func TestNilWorkRejected(t *testing.T) {
	s := newTestService(t, nil)
	_, err := s.Submit(Task{Name: "empty"})
	require.ErrorIs(t, err, ErrNilWork)
}

func TestSubmitAssignsID(t *testing.T) {
	s := newTestService(t, func(c *Config) { c.StartImmediately = false })
	id, err := s.SubmitFunc(Func(func() {}))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	id, err = s.Submit(Task{ID: "fixed", Work: Func(func() {})})
	require.NoError(t, err)
	assert.Equal(t, "fixed", id)
}

func TestDelayedTaskPromotedAtDeadline(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := newTestService(t, func(c *Config) { c.PeriodicCheck = 0 }, WithClock(clk))

	ran := make(chan struct{})
	t0 := clk.Now()
	_, err := s.SubmitFunc(Func(func() { close(ran) }), WithStartDelay(100*time.Millisecond))
	require.NoError(t, err)

	assert.True(t, s.HasTimedTasks())
	assert.Equal(t, 0, s.PromoteDue(t0.Add(99*time.Millisecond)))
	ready, timed := s.Pending()
	assert.Equal(t, 0, ready)
	assert.Equal(t, 1, timed)

	assert.Equal(t, 1, s.PromoteDue(t0.Add(100*time.Millisecond)))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("promoted task did not run")
	}
	waitIdle(t, s, time.Second)
}

func TestNegativeDelayTreatedAsZero(t *testing.T) {
	s := newTestService(t, func(c *Config) { c.StartImmediately = false })
	_, err := s.SubmitFunc(Func(func() {}), WithStartDelay(-time.Second))
	require.NoError(t, err)
	ready, timed := s.Pending()
	assert.Equal(t, 1, ready)
	assert.Equal(t, 0, timed)
}

func TestPromotionOrderIsStable(t *testing.T) {
	clk := clockwork.NewFakeClock()
	s := newTestService(t, func(c *Config) {
		c.PeriodicCheck = 0
		c.StartImmediately = false
	}, WithClock(clk))

	var rec recorder
	for _, name := range []string{"t1", "t2", "t3"} {
		_, err := s.SubmitFunc(Func(func() { rec.add(name) }), WithStartDelay(time.Second))
		require.NoError(t, err)
	}
	_, err := s.SubmitFunc(Func(func() { rec.add("early") }), WithStartDelay(time.Millisecond))
	require.NoError(t, err)

	assert.Equal(t, 4, s.PromoteAll())
	assert.False(t, s.HasTimedTasks())
	require.NoError(t, s.Start(context.Background()))
	waitIdle(t, s, 2*time.Second)
	assert.Equal(t, []string{"early", "t1", "t2", "t3"}, rec.list())
}

func TestRescheduleDelayWithFakeClock(t *testing.T) {
	clk := clockwork.NewFakeClock()
	s := newTestService(t, func(c *Config) { c.PeriodicCheck = 0 }, WithClock(clk))

	var calls atomic.Int32
	_, err := s.SubmitFunc(func(context.Context) bool {
		return calls.Add(1) > 1
	}, WithReschedule(50*time.Millisecond))
	require.NoError(t, err)

	require.Eventually(t, s.HasTimedTasks, time.Second, time.Millisecond)
	assert.Equal(t, 0, s.PromoteDue(clk.Now().Add(49*time.Millisecond)))
	clk.Advance(50 * time.Millisecond)
	assert.Equal(t, 1, s.CheckTimedTasks())

	waitIdle(t, s, time.Second)
	assert.EqualValues(t, 2, calls.Load())
}

func TestPanicCountsAsFailure(t *testing.T) {
	s := newTestService(t, nil)
	var after atomic.Bool
	var attempts atomic.Int32
	_, err := s.SubmitFunc(func(context.Context) bool {
		if attempts.Add(1) == 1 {
			panic("boom")
		}
		return true
	}, WithReschedule(time.Millisecond))
	require.NoError(t, err)
	_, err = s.SubmitFunc(Func(func() { panic("no retry") }))
	require.NoError(t, err)
	_, err = s.SubmitFunc(Func(func() { after.Store(true) }))
	require.NoError(t, err)

	waitIdle(t, s, 2*time.Second)
	assert.True(t, after.Load())
	assert.EqualValues(t, 2, attempts.Load())

	snap := s.Snapshot()
	assert.EqualValues(t, 2, snap.Panics)
	assert.EqualValues(t, 1, snap.Failed)
	assert.True(t, snap.Running)

	var panicked int
	for _, h := range snap.History {
		if h.Panic != "" {
			panicked++
		}
	}
	assert.Equal(t, 2, panicked)
}

func TestAsyncTaskDoesNotBlockConsumer(t *testing.T) {
	s := newTestService(t, nil)
	release := make(chan struct{})
	asyncDone := make(chan struct{})
	syncRan := make(chan struct{})

	_, err := s.SubmitFunc(func(context.Context) bool {
		<-release
		close(asyncDone)
		return true
	}, WithAsync(time.Millisecond))
	require.NoError(t, err)
	_, err = s.SubmitFunc(Func(func() { close(syncRan) }))
	require.NoError(t, err)

	select {
	case <-syncRan:
	case <-time.After(2 * time.Second):
		t.Fatal("sync task blocked behind async task")
	}
	select {
	case <-asyncDone:
		t.Fatal("async task finished before release")
	default:
	}

	close(release)
	waitIdle(t, s, 2*time.Second)
	assert.EqualValues(t, 2, s.Snapshot().Completed)
}

func TestAsyncFailureStartsFreshExecution(t *testing.T) {
	s := newTestService(t, nil)
	var running, maxRunning, calls atomic.Int32

	_, err := s.SubmitFunc(func(context.Context) bool {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(3 * time.Millisecond)
		return calls.Add(1) == 3
	}, WithAsync(time.Millisecond), WithReschedule(time.Millisecond))
	require.NoError(t, err)

	waitIdle(t, s, 2*time.Second)
	assert.EqualValues(t, 3, calls.Load())
	assert.EqualValues(t, 1, maxRunning.Load())

	var attempts []int
	for _, h := range s.Snapshot().History {
		assert.True(t, h.Async)
		attempts = append(attempts, h.Attempt)
	}
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestAsyncWorkersBound(t *testing.T) {
	s := newTestService(t, func(c *Config) { c.AsyncWorkers = 1 })
	var running, maxRunning atomic.Int32
	work := func(context.Context) bool {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return true
	}
	for i := 0; i < 4; i++ {
		_, err := s.SubmitFunc(work, WithAsync(time.Millisecond))
		require.NoError(t, err)
	}
	waitIdle(t, s, 2*time.Second)
	assert.EqualValues(t, 1, maxRunning.Load())
	assert.EqualValues(t, 4, s.Snapshot().Completed)
}

func TestStopDiscardsQueuedWork(t *testing.T) {
	s := newTestService(t, func(c *Config) { c.StartImmediately = false })
	var calls atomic.Int32
	work := Func(func() { calls.Add(1) })
	for i := 0; i < 2; i++ {
		_, err := s.SubmitFunc(work)
		require.NoError(t, err)
	}
	_, err := s.SubmitFunc(work, WithStartDelay(time.Millisecond))
	require.NoError(t, err)

	s.Stop()
	ready, timed := s.Pending()
	assert.Equal(t, 0, ready)
	assert.Equal(t, 0, timed)
	waitIdle(t, s, 10*time.Millisecond)

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, calls.Load())
	assert.EqualValues(t, 3, s.Snapshot().Dropped)
}

func TestStopDiscardsExecutingResult(t *testing.T) {
	s := newTestService(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	_, err := s.SubmitFunc(func(context.Context) bool {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return false
	}, WithReschedule(time.Millisecond))
	require.NoError(t, err)

	<-started
	s.Stop()
	close(release)

	waitIdle(t, s, 2*time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
	assert.False(t, s.HasTimedTasks())
	assert.EqualValues(t, 0, s.Snapshot().Rescheduled)
}

func TestStopDiscardsAsyncResult(t *testing.T) {
	s := newTestService(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	_, err := s.SubmitFunc(func(context.Context) bool {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return false
	}, WithAsync(time.Millisecond), WithReschedule(time.Millisecond))
	require.NoError(t, err)

	<-started
	s.Stop()
	waitIdle(t, s, 2*time.Second)
	assert.EqualValues(t, 1, s.Snapshot().AsyncInFlight, "background run must not be canceled")

	close(release)
	require.Eventually(t, func() bool {
		return s.Snapshot().AsyncInFlight == 0
	}, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	snap := s.Snapshot()
	assert.EqualValues(t, 1, calls.Load())
	assert.False(t, s.HasTimedTasks())
	assert.EqualValues(t, 0, snap.Rescheduled)
	assert.EqualValues(t, 0, snap.Failed)
	assert.EqualValues(t, 1, snap.Dropped)
}

func TestStartTwiceFails(t *testing.T) {
	s := newTestService(t, nil)
	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)
}

func TestSubmitAfterShutdownRunsOnRestart(t *testing.T) {
	s := newTestService(t, nil)
	require.NoError(t, s.Shutdown(context.Background()))
	assert.False(t, s.Running())

	ran := make(chan struct{})
	_, err := s.SubmitFunc(Func(func() { close(ran) }))
	require.NoError(t, err)
	ready, _ := s.Pending()
	assert.Equal(t, 1, ready)

	require.NoError(t, s.Start(context.Background()))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task submitted while stopped never ran")
	}
}

func TestShutdownFromInsideTask(t *testing.T) {
	s := newTestService(t, nil)
	done := make(chan error, 1)
	_, err := s.SubmitFunc(func(ctx context.Context) bool {
		done <- s.Shutdown(ctx)
		return true
	})
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown from inside a task deadlocked")
	}
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.Start(context.Background()) == nil }, time.Second, time.Millisecond)
}

func TestWaitFromInsideTask(t *testing.T) {
	s := newTestService(t, nil)
	got := make(chan error, 2)
	_, err := s.SubmitFunc(func(ctx context.Context) bool {
		got <- s.Wait(ctx)
		return true
	})
	require.NoError(t, err)
	_, err = s.SubmitFunc(func(ctx context.Context) bool {
		got <- s.Wait(ctx)
		return true
	}, WithAsync(0))
	require.NoError(t, err)

	waitIdle(t, s, 2*time.Second)
	require.ErrorIs(t, <-got, ErrCalledFromTask)
	require.ErrorIs(t, <-got, ErrCalledFromTask)
}

func TestConcurrentSubmittersKeepPerSubmitterOrder(t *testing.T) {
	s := newTestService(t, nil)
	const submitters, perSubmitter = 8, 200

	var mu sync.Mutex
	seen := make([][]int, submitters)
	var wg sync.WaitGroup
	for g := 0; g < submitters; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perSubmitter; i++ {
				_, err := s.SubmitFunc(Func(func() {
					mu.Lock()
					seen[g] = append(seen[g], i)
					mu.Unlock()
				}))
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()
	waitIdle(t, s, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	for g, got := range seen {
		require.Len(t, got, perSubmitter, "submitter %d", g)
		for i, v := range got {
			require.Equal(t, i, v, "submitter %d out of order", g)
		}
	}
	assert.EqualValues(t, submitters*perSubmitter, s.Snapshot().Completed)
}

func TestApplyEnablesPromoter(t *testing.T) {
	s := newTestService(t, func(c *Config) { c.PeriodicCheck = 0 })
	ran := make(chan struct{})
	_, err := s.SubmitFunc(Func(func() { close(ran) }), WithStartDelay(time.Millisecond))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.True(t, s.HasTimedTasks())

	cfg := DefaultConfig()
	cfg.PeriodicCheck = 2 * time.Millisecond
	s.Apply(cfg)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("promoter did not pick up the timed task after Apply")
	}
	assert.Equal(t, 2*time.Millisecond, s.Snapshot().PeriodicCheck)
}

func TestLifecycleEventsPublished(t *testing.T) {
	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(64, "task.")
	defer unsubscribe()

	cfg := DefaultConfig()
	cfg.PeriodicCheck = 2 * time.Millisecond
	s := New(cfg, logx.Nop(), bus)
	defer func() { _ = s.Shutdown(context.Background()) }()

	var calls atomic.Int32
	id, err := s.SubmitFunc(func(context.Context) bool {
		return calls.Add(1) == 2
	}, WithName("flaky"), WithReschedule(time.Millisecond))
	require.NoError(t, err)
	waitIdle(t, s, 2*time.Second)

	var types []string
	timeout := time.After(time.Second)
	for len(types) < 5 {
		select {
		case ev := <-events:
			te, ok := ev.Data.(TaskEvent)
			require.True(t, ok)
			assert.Equal(t, id, te.ID)
			assert.Equal(t, "flaky", te.Name)
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("events so far: %v", types)
		}
	}
	assert.Equal(t, []string{EventSubmitted, EventStarted, EventRescheduled, EventStarted, EventCompleted}, types)
}

func TestSubmittedAlwaysPrecedesStarted(t *testing.T) {
	bus := eventbus.New()
	q := bus.SubscribeQueue(EventSubmitted, EventStarted)
	defer q.Close()

	cfg := DefaultConfig()
	cfg.PeriodicCheck = 2 * time.Millisecond
	s := New(cfg, logx.Nop(), bus)
	defer func() { _ = s.Shutdown(context.Background()) }()

	const n = 500
	for i := 0; i < n; i++ {
		_, err := s.SubmitFunc(Func(func() {}))
		require.NoError(t, err)
	}
	waitIdle(t, s, 5*time.Second)

	submitted := make(map[string]bool, n)
	starts := 0
	for _, ev := range q.Take() {
		te := ev.Data.(TaskEvent)
		switch ev.Type {
		case EventSubmitted:
			submitted[te.ID] = true
		case EventStarted:
			starts++
			if !submitted[te.ID] {
				t.Fatalf("task %s started before its submitted event", te.ID)
			}
		}
	}
	assert.Equal(t, n, starts)
}
