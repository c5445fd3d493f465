package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskloop/internal/eventbus"
	"taskloop/internal/task/engine"
	logx "taskloop/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
}

func testStoreRoundTrip(t *testing.T, cfg Config) {
	t.Helper()
	ctx := context.Background()
	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		require.NoError(t, st.AppendRun(ctx, RunRecord{
			At:         at.Add(time.Duration(i) * time.Second),
			TaskID:     fmt.Sprintf("t%d", i),
			Name:       "job",
			Attempt:    i,
			Outcome:    engine.OutcomeRescheduled,
			DurationMS: int64(i),
			NextRun:    at.Add(time.Minute),
		}))
	}
	require.NoError(t, st.AppendRun(ctx, RunRecord{At: at, TaskID: "t4", Attempt: 1, Async: true, Outcome: engine.OutcomeFailed, Error: "boom"}))

	got, err := st.RecentRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t4", got[0].TaskID)
	assert.True(t, got[0].Async)
	assert.Equal(t, "boom", got[0].Error)
	assert.True(t, got[0].NextRun.IsZero())
	assert.Equal(t, "t3", got[1].TaskID)
	assert.Equal(t, 3, got[1].Attempt)
	assert.True(t, got[1].NextRun.Equal(at.Add(time.Minute)))
	require.NoError(t, st.Close())

	// Reopen and read back.
	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err = st.RecentRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "t1", got[3].TaskID)
	assert.True(t, got[3].At.Equal(at.Add(time.Second)))
}

func TestFileStoreRoundTrip(t *testing.T) {
	testStoreRoundTrip(t, Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")})
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	testStoreRoundTrip(t, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "runs.db"), BusyTimeout: time.Second})
}

func TestFileStoreCompactsToRetain(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json"), Retain: 5}
	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	for i := 0; i < 23; i++ {
		require.NoError(t, st.AppendRun(ctx, RunRecord{TaskID: fmt.Sprint(i), Outcome: engine.OutcomeCompleted}))
	}
	require.NoError(t, st.Close())

	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err := st.RecentRuns(ctx, 100)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "22", got[0].TaskID)
	assert.Equal(t, "18", got[4].TaskID)

	fs := st.(*fileStore)
	assert.Less(t, fs.lines, 10)
}

func TestRecorderWritesEngineEvents(t *testing.T) {
	ctx := context.Background()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	bus := eventbus.New()
	rec := NewRecorder(st, bus, logx.Nop())
	rctx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- rec.Run(rctx) }()

	cfg := engine.DefaultConfig()
	cfg.PeriodicCheck = 2 * time.Millisecond
	eng := engine.New(cfg, logx.Nop(), bus)
	defer func() { _ = eng.Shutdown(ctx) }()

	calls := 0
	id, err := eng.SubmitFunc(func(context.Context) bool {
		calls++
		return calls == 2
	}, engine.WithName("flaky"), engine.WithReschedule(time.Millisecond))
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, eng.Wait(wctx))

	require.Eventually(t, func() bool {
		runs, _ := st.RecentRuns(ctx, 10)
		return len(runs) == 2
	}, 2*time.Second, 5*time.Millisecond)

	stop()
	require.NoError(t, <-done)

	runs, err := st.RecentRuns(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeCompleted, runs[0].Outcome)
	assert.Equal(t, 2, runs[0].Attempt)
	assert.Equal(t, engine.OutcomeRescheduled, runs[1].Outcome)
	assert.False(t, runs[1].NextRun.IsZero())
	for _, r := range runs {
		assert.Equal(t, id, r.TaskID)
		assert.Equal(t, "flaky", r.Name)
	}
}

func TestRetainZeroKeepsEverything(t *testing.T) {
	ctx := context.Background()
	for _, cfg := range []Config{
		{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")},
		{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "runs.db")},
	} {
		st, err := Open(cfg, logx.Nop())
		require.NoError(t, err)
		for i := 0; i < 1600; i++ {
			require.NoError(t, st.AppendRun(ctx, RunRecord{TaskID: fmt.Sprint(i), Outcome: engine.OutcomeCompleted}))
		}
		got, err := st.RecentRuns(ctx, 5000)
		require.NoError(t, err, cfg.Driver)
		assert.Len(t, got, 1600, cfg.Driver)
		got, err = st.RecentRuns(ctx, 0)
		require.NoError(t, err, cfg.Driver)
		assert.Len(t, got, 1600, cfg.Driver)
		assert.Equal(t, "1599", got[0].TaskID, cfg.Driver)
		require.NoError(t, st.Close())
	}
}

func TestRecorderKeepsEveryDroppedTask(t *testing.T) {
	ctx := context.Background()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "runs.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	bus := eventbus.New()
	rec := NewRecorder(st, bus, logx.Nop())
	rctx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- rec.Run(rctx) }()

	cfg := engine.DefaultConfig()
	cfg.StartImmediately = false
	eng := engine.New(cfg, logx.Nop(), bus)
	for i := 0; i < 1000; i++ {
		_, err := eng.SubmitFunc(func(context.Context) bool { return true })
		require.NoError(t, err)
	}
	eng.Stop()

	require.Eventually(t, func() bool {
		runs, _ := st.RecentRuns(ctx, 0)
		return len(runs) == 1000
	}, 10*time.Second, 20*time.Millisecond)
	assert.Zero(t, bus.Dropped())

	stop()
	require.NoError(t, <-done)
	runs, err := st.RecentRuns(ctx, 0)
	require.NoError(t, err)
	for _, r := range runs {
		assert.Equal(t, engine.OutcomeDropped, r.Outcome)
	}
}
