package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vyvo/appbuilder/pkg/builderr"
	"github.com/vyvo/appbuilder/pkg/engine"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// instantClock never sleeps but still honors cancellation.
type instantClock struct {
	sleeps atomic.Int32
}

func (c *instantClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps.Add(1)
	return ctx.Err()
}

type result struct {
	state engine.State
	err   error
}

// scriptedFetcher answers queries from a script; past the end it keeps
// reporting RUNNING.
type scriptedFetcher struct {
	mu     sync.Mutex
	script []result
	calls  int
	hook   func(ctx context.Context, call int)
}

func (f *scriptedFetcher) Execution(ctx context.Context, id string) (engine.ExecutionSnapshot, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	res := result{state: engine.StateRunning}
	if call <= len(f.script) {
		res = f.script[call-1]
	}
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(ctx, call)
	}
	if res.err != nil {
		return engine.ExecutionSnapshot{}, res.err
	}
	return engine.ExecutionSnapshot{ID: id, State: res.state}, nil
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func running(n int) []result {
	out := make([]result, n)
	for i := range out {
		out[i] = result{state: engine.StateRunning}
	}
	return out
}

func TestPollStopsOnSuccess(t *testing.T) {
	fetcher := &scriptedFetcher{script: append(running(2), result{state: engine.StateSuccess})}
	clock := &instantClock{}
	p := New(fetcher, Config{Interval: time.Second, MaxAttempts: 10}, WithClock(clock))

	var progress []Progress
	snap, attempts, err := p.Poll(context.Background(), engine.ExecutionHandle{ID: "e1"}, func(pr Progress) {
		progress = append(progress, pr)
	})

	require.NoError(t, err)
	assert.Equal(t, engine.StateSuccess, snap.State)
	assert.Equal(t, 3, fetcher.Calls())
	assert.Equal(t, 3, attempts, "the terminal query counts as an attempt")
	assert.Equal(t, int32(3), clock.sleeps.Load())
	require.Len(t, progress, 2)
	assert.Equal(t, 1, progress[0].Attempt)
	assert.Equal(t, 2, progress[1].Attempt)
	assert.Equal(t, 10, progress[1].MaxAttempts)
}

func TestPollStopsOnTerminalFailure(t *testing.T) {
	for _, state := range []engine.State{engine.StateFailed, engine.StateKilled, engine.StateWarning} {
		t.Run(string(state), func(t *testing.T) {
			fetcher := &scriptedFetcher{script: []result{{state: engine.StateRunning}, {state: state}}}
			p := New(fetcher, Config{MaxAttempts: 10}, WithClock(&instantClock{}))

			snap, attempts, err := p.Poll(context.Background(), engine.ExecutionHandle{ID: "e1"}, nil)

			var classified *builderr.Error
			require.ErrorAs(t, err, &classified)
			assert.Equal(t, builderr.KindEngineTerminalFailure, classified.Kind)
			assert.Equal(t, state, classified.State)
			assert.Equal(t, state, snap.State)
			assert.Equal(t, 2, fetcher.Calls(), "no query may follow a terminal state")
			assert.Equal(t, 2, attempts)
		})
	}
}

func TestPollTimeoutAfterExactlyMaxAttempts(t *testing.T) {
	for _, n := range []int{1, 5, 60} {
		fetcher := &scriptedFetcher{}
		p := New(fetcher, Config{Interval: time.Millisecond, MaxAttempts: n}, WithClock(&instantClock{}))

		var progress int
		_, attempts, err := p.Poll(context.Background(), engine.ExecutionHandle{ID: "e1"}, func(Progress) { progress++ })

		var classified *builderr.Error
		require.ErrorAs(t, err, &classified)
		assert.Equal(t, builderr.KindPollTimeout, classified.Kind)
		assert.Equal(t, n, classified.Attempts)
		assert.Equal(t, n, attempts)
		assert.Equal(t, n, fetcher.Calls())
		assert.Equal(t, n, progress)
	}
}

func TestPollToleratesTransientFailure(t *testing.T) {
	script := running(2)
	script = append(script, result{err: errors.New("connection reset by peer")})
	script = append(script, result{state: engine.StateRunning}, result{state: engine.StateSuccess})
	fetcher := &scriptedFetcher{script: script}
	p := New(fetcher, Config{MaxAttempts: 10}, WithClock(&instantClock{}))

	var progress []Progress
	snap, _, err := p.Poll(context.Background(), engine.ExecutionHandle{ID: "e1"}, func(pr Progress) {
		progress = append(progress, pr)
	})

	require.NoError(t, err)
	assert.Equal(t, engine.StateSuccess, snap.State)
	assert.Equal(t, 5, fetcher.Calls())
	require.Len(t, progress, 4)
	for i, pr := range progress {
		assert.Equal(t, i+1, pr.Attempt)
	}
	assert.True(t, progress[2].Degraded())
	assert.Equal(t, builderr.KindPollTransient, progress[2].Err.Kind)
	assert.False(t, progress[3].Degraded())
}

func TestPollTransientFailuresCountTowardBudget(t *testing.T) {
	boom := errors.New("boom")
	fetcher := &scriptedFetcher{script: []result{{err: boom}, {err: boom}, {err: boom}}}
	p := New(fetcher, Config{MaxAttempts: 3}, WithClock(&instantClock{}))

	_, _, err := p.Poll(context.Background(), engine.ExecutionHandle{ID: "e1"}, nil)
	assert.Equal(t, builderr.KindPollTimeout, builderr.KindOf(err))
	assert.Equal(t, 3, fetcher.Calls())
}

func TestPollCancelDropsLateResponse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	entered := make(chan struct{})

	fetcher := &scriptedFetcher{hook: func(_ context.Context, call int) {
		if call == 2 {
			close(entered)
			// Simulates a response that arrives after cancellation.
			<-release
		}
	}}
	p := New(fetcher, Config{MaxAttempts: 10}, WithClock(&instantClock{}))

	var cancelled atomic.Bool
	var late atomic.Int32
	done := make(chan error, 1)
	go func() {
		_, _, err := p.Poll(ctx, engine.ExecutionHandle{ID: "e1"}, func(Progress) {
			if cancelled.Load() {
				late.Add(1)
			}
		})
		done <- err
	}()

	<-entered
	cancelled.Store(true)
	cancel()
	close(release)

	err := <-done
	assert.Equal(t, builderr.KindCancelled, builderr.KindOf(err))
	assert.Zero(t, late.Load())
	assert.Equal(t, 2, fetcher.Calls())
}

type fetcherFunc func(ctx context.Context, id string) (engine.ExecutionSnapshot, error)

func (f fetcherFunc) Execution(ctx context.Context, id string) (engine.ExecutionSnapshot, error) {
	return f(ctx, id)
}

func TestNewPollCancelsRunningOne(t *testing.T) {
	entered := make(chan struct{})
	var once sync.Once
	fetcher := fetcherFunc(func(ctx context.Context, id string) (engine.ExecutionSnapshot, error) {
		if id == "old" {
			once.Do(func() { close(entered) })
			<-ctx.Done()
			return engine.ExecutionSnapshot{}, ctx.Err()
		}
		return engine.ExecutionSnapshot{ID: id, State: engine.StateSuccess}, nil
	})
	p := New(fetcher, Config{MaxAttempts: 10}, WithClock(&instantClock{}))

	done := make(chan error, 1)
	go func() {
		_, _, err := p.Poll(context.Background(), engine.ExecutionHandle{ID: "old"}, nil)
		done <- err
	}()
	<-entered

	snap, _, err := p.Poll(context.Background(), engine.ExecutionHandle{ID: "new"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "new", snap.ID)

	assert.Equal(t, builderr.KindCancelled, builderr.KindOf(<-done))
}

func TestStop(t *testing.T) {
	entered := make(chan struct{})
	var once sync.Once
	fetcher := &scriptedFetcher{hook: func(ctx context.Context, call int) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
	}}
	p := New(fetcher, Config{MaxAttempts: 10}, WithClock(&instantClock{}))

	done := make(chan error, 1)
	go func() {
		_, _, err := p.Poll(context.Background(), engine.ExecutionHandle{ID: "e1"}, nil)
		done <- err
	}()
	<-entered
	p.Stop()

	assert.Equal(t, builderr.KindCancelled, builderr.KindOf(<-done))
	p.Stop()
}

func TestRealClockHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := RealClock().Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	require.NoError(t, RealClock().Sleep(context.Background(), time.Millisecond))
}

func TestConfigDefaultsAndBudget(t *testing.T) {
	p := New(&scriptedFetcher{}, Config{})
	assert.Equal(t, DefaultInterval, p.Config().Interval)
	assert.Equal(t, DefaultMaxAttempts, p.Config().MaxAttempts)
	assert.Equal(t, 2*time.Minute, Config{}.Budget())
	assert.Equal(t, 20*time.Minute, Config{Interval: 10 * time.Second, MaxAttempts: 120}.Budget())
}
