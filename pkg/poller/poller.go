package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vyvo/appbuilder/pkg/builderr"
	"github.com/vyvo/appbuilder/pkg/engine"
)

const (
	// DefaultInterval and DefaultMaxAttempts give a two minute budget.
	DefaultInterval    = 2 * time.Second
	DefaultMaxAttempts = 60
)

// Fetcher queries the current state of an execution.
type Fetcher interface {
	Execution(ctx context.Context, id string) (engine.ExecutionSnapshot, error)
}

// Clock waits between poll cycles. Tests swap in a clock that does not sleep.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// RealClock sleeps on a timer and wakes early when ctx is done.
func RealClock() Clock {
	return realClock{}
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Config bounds a poll loop. The wall-clock budget is Interval * MaxAttempts.
type Config struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Budget returns the wall-clock bound of one poll loop.
func (c Config) Budget() time.Duration {
	c = c.withDefaults()
	return c.Interval * time.Duration(c.MaxAttempts)
}

// Progress is reported once per non-terminal poll cycle.
type Progress struct {
	ExecutionID string
	Attempt     int
	MaxAttempts int
	State       engine.State
	// Err is set when the status query itself failed; the loop goes on.
	Err *builderr.Error
}

// Degraded reports whether this cycle's status query failed.
func (p Progress) Degraded() bool {
	return p.Err != nil
}

// Option customizes a Poller.
type Option func(*Poller)

// WithClock replaces the real clock.
func WithClock(clock Clock) Option {
	return func(p *Poller) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLogger sets the logger used for degraded cycles.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Poller runs at most one poll loop at a time.
type Poller struct {
	fetcher Fetcher
	cfg     Config
	clock   Clock
	logger  *zap.Logger

	mu   sync.Mutex
	seq  uint64
	stop context.CancelFunc
}

// New creates a poller; zero config values fall back to the defaults.
func New(fetcher Fetcher, cfg Config, opts ...Option) *Poller {
	p := &Poller{
		fetcher: fetcher,
		cfg:     cfg.withDefaults(),
		clock:   RealClock(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective poll configuration.
func (p *Poller) Config() Config {
	return p.cfg
}

// Poll waits one interval, queries the execution, and repeats until the
// engine reports a terminal state or the attempt budget runs out.
//
// It returns the snapshot on SUCCESS, the snapshot plus an
// EngineTerminalFailure on FAILED/KILLED/WARNING, a PollTimeout after
// MaxAttempts cycles, or Cancelled when ctx ends or another Poll starts.
// The int result is the number of status queries made, including the one
// that observed the terminal state. onProgress is never called once the
// loop has been cancelled.
func (p *Poller) Poll(ctx context.Context, handle engine.ExecutionHandle, onProgress func(Progress)) (engine.ExecutionSnapshot, int, error) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.stop != nil {
		p.stop()
	}
	p.seq++
	seq := p.seq
	p.stop = cancel
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.seq == seq {
			p.stop = nil
		}
		p.mu.Unlock()
		cancel()
	}()

	logger := p.logger.With(zap.String("execution_id", handle.ID))
	attempts := 0
	for attempts < p.cfg.MaxAttempts {
		if err := p.clock.Sleep(ctx, p.cfg.Interval); err != nil {
			return engine.ExecutionSnapshot{}, attempts, builderr.Cancelled(err)
		}
		attempts++

		snap, err := p.fetcher.Execution(ctx, handle.ID)
		if ctx.Err() != nil {
			// A response that lands after cancellation is dropped.
			return engine.ExecutionSnapshot{}, attempts, builderr.Cancelled(ctx.Err())
		}
		if err != nil {
			transient := builderr.PollTransient(attempts, err)
			logger.Warn("status query failed", zap.Int("attempt", attempts), zap.Error(err))
			p.emit(ctx, onProgress, Progress{ExecutionID: handle.ID, Attempt: attempts, MaxAttempts: p.cfg.MaxAttempts, Err: transient})
			continue
		}

		switch {
		case snap.State.Succeeded():
			logger.Debug("execution succeeded", zap.Int("attempt", attempts))
			return snap, attempts, nil
		case snap.State.Failed():
			logger.Info("execution failed", zap.Int("attempt", attempts), zap.String("state", string(snap.State)))
			return snap, attempts, builderr.EngineTerminalFailure(snap.State)
		}

		p.emit(ctx, onProgress, Progress{ExecutionID: handle.ID, Attempt: attempts, MaxAttempts: p.cfg.MaxAttempts, State: snap.State})
	}

	logger.Info("poll budget exhausted", zap.Int("attempts", attempts))
	return engine.ExecutionSnapshot{}, attempts, builderr.PollTimeout(attempts)
}

// Stop cancels the running poll loop, if any.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		p.stop()
		p.stop = nil
	}
}

func (p *Poller) emit(ctx context.Context, onProgress func(Progress), progress Progress) {
	if onProgress == nil || ctx.Err() != nil {
		return
	}
	onProgress(progress)
}
