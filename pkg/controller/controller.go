package controller

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vyvo/appbuilder/pkg/builderr"
	"github.com/vyvo/appbuilder/pkg/engine"
	"github.com/vyvo/appbuilder/pkg/flows"
	"github.com/vyvo/appbuilder/pkg/outcome"
	"github.com/vyvo/appbuilder/pkg/poller"
)

// ErrBuildInProgress is returned when a build is submitted while another
// one is still running on the same controller.
var ErrBuildInProgress = errors.New("a build is already in progress")

// Engine is the subset of the engine client the controller drives.
type Engine interface {
	Probe(ctx context.Context) bool
	Trigger(ctx context.Context, target flows.FlowTarget, req flows.BuildRequest) (engine.ExecutionHandle, error)
	poller.Fetcher
}

// RepoVerifier confirms a handoff repository and may enrich the outcome.
type RepoVerifier interface {
	Verify(ctx context.Context, ready outcome.GithubReady) (outcome.GithubReady, error)
}

// Option customizes a Controller.
type Option func(*Controller)

// WithSelector replaces the default flow selector.
func WithSelector(sel *flows.Selector) Option {
	return func(c *Controller) {
		if sel != nil {
			c.selector = sel
		}
	}
}

// WithPollConfig sets the poll interval and attempt budget.
func WithPollConfig(cfg poller.Config) Option {
	return func(c *Controller) { c.pollCfg = cfg }
}

// WithClock injects the clock used between poll cycles.
func WithClock(clock poller.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithResolver replaces the default outcome resolver.
func WithResolver(r outcome.Resolver) Option {
	return func(c *Controller) { c.resolver = r }
}

// WithVerifier enables repository verification for GitHub handoffs.
func WithVerifier(v RepoVerifier) Option {
	return func(c *Controller) { c.verifier = v }
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer sets the tracer used for build spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Controller) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// Controller runs one build at a time against the engine: health check,
// flow selection, trigger, poll, and outcome resolution.
type Controller struct {
	engine   Engine
	selector *flows.Selector
	resolver outcome.Resolver
	verifier RepoVerifier
	pollCfg  poller.Config
	clock    poller.Clock
	poller   *poller.Poller
	logger   *zap.Logger
	tracer   trace.Tracer

	// deliverMu serializes observer calls with Cancel so that nothing is
	// delivered once Cancel has returned.
	deliverMu sync.Mutex

	mu     sync.Mutex
	state  State
	gen    uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an idle controller.
func New(eng Engine, opts ...Option) *Controller {
	c := &Controller{
		engine:   eng,
		selector: flows.NewSelector(flows.DefaultConfig()),
		resolver: outcome.DefaultResolver(),
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("github.com/vyvo/appbuilder/pkg/controller"),
		state:    State{Phase: PhaseIdle},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.poller = poller.New(eng, c.pollCfg, poller.WithClock(c.clock), poller.WithLogger(c.logger))
	return c
}

// State returns a copy of the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	if s.Handle != nil {
		h := *s.Handle
		s.Handle = &h
	}
	return s
}

// Select exposes the flow the controller would pick for req.
func (c *Controller) Select(req flows.BuildRequest) flows.FlowTarget {
	return c.selector.Select(req)
}

// Start launches a build in the background and reports to obs. It returns
// ErrBuildInProgress if a build is already active. Observers must not call
// Cancel from inside a callback.
func (c *Controller) Start(ctx context.Context, req flows.BuildRequest, obs Observer) error {
	if obs == nil {
		obs = ObserverFuncs{}
	}

	c.mu.Lock()
	if c.state.Active() {
		c.mu.Unlock()
		return ErrBuildInProgress
	}
	c.gen++
	gen := c.gen
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = State{Phase: PhaseCheckingHealth}
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(runCtx, gen, req, obs)
	return nil
}

// SubmitBuild runs a build and blocks until it ends. onProgress may be nil.
// If ctx ends first the build is cancelled and a Cancelled error returned.
func (c *Controller) SubmitBuild(ctx context.Context, req flows.BuildRequest, onProgress func(ProgressEvent)) (outcome.Outcome, error) {
	results := make(chan Result, 1)
	obs := ObserverFuncs{
		Progress: onProgress,
		Result:   func(res Result) { results <- res },
	}
	if err := c.Start(ctx, req, obs); err != nil {
		return nil, err
	}

	select {
	case res := <-results:
		return res.Outcome, res.Error()
	case <-ctx.Done():
		c.Cancel()
		select {
		case res := <-results:
			return res.Outcome, res.Error()
		default:
			return nil, builderr.Cancelled(ctx.Err())
		}
	}
}

// Cancel stops the active build. Once it returns, the build's observer
// receives nothing more. It reports whether a build was running.
func (c *Controller) Cancel() bool {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Active() {
		return false
	}
	c.gen++
	c.state.Phase = PhaseDone
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return true
}

// Wait blocks until every build goroutine started so far has exited.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) run(ctx context.Context, gen uint64, req flows.BuildRequest, obs Observer) {
	defer c.wg.Done()

	target := c.selector.Select(req)
	ctx, span := c.tracer.Start(ctx, "controller.build", trace.WithAttributes(
		attribute.String("flow", target.String()),
		attribute.Bool("existing_context", req.HasContext()),
		attribute.Int("prompt_length", len(req.Prompt)),
	))
	defer span.End()

	logger := c.logger.With(zap.String("flow", target.String()))

	c.emit(gen, obs, ProgressEvent{Phase: PhaseCheckingHealth, Message: "Checking engine health..."})
	healthCtx, healthSpan := c.tracer.Start(ctx, "controller.health")
	healthy := c.engine.Probe(healthCtx)
	healthSpan.End()
	if !healthy {
		if ctx.Err() != nil {
			c.abandon(gen)
			return
		}
		logger.Warn("engine health check failed")
		c.finish(gen, obs, span, Result{Flow: target, Err: builderr.HealthCheckFailed()})
		return
	}

	if !c.transition(gen, PhaseTriggering, nil) {
		return
	}
	c.emit(gen, obs, ProgressEvent{Phase: PhaseTriggering, Flow: target.String(), Message: "Building... connecting to the engine"})
	triggerCtx, triggerSpan := c.tracer.Start(ctx, "controller.trigger")
	handle, err := c.engine.Trigger(triggerCtx, target, req)
	triggerSpan.End()
	if err != nil {
		if ctx.Err() != nil {
			c.abandon(gen)
			return
		}
		classified := builderr.Classify(builderr.PhaseTrigger, err)
		logger.Warn("trigger failed", zap.Int("status_code", classified.StatusCode), zap.Error(err))
		c.finish(gen, obs, span, Result{Flow: target, Err: classified})
		return
	}

	logger = logger.With(zap.String("execution_id", handle.ID))
	span.SetAttributes(attribute.String("execution_id", handle.ID))
	if !c.transition(gen, PhasePolling, &handle) {
		return
	}
	logger.Info("execution triggered")
	c.emit(gen, obs, ProgressEvent{
		Phase:       PhasePolling,
		Flow:        target.String(),
		ExecutionID: handle.ID,
		MaxAttempts: c.poller.Config().MaxAttempts,
		Message:     "Building your app... This may take a few minutes.",
	})

	pollCtx, pollSpan := c.tracer.Start(ctx, "controller.poll")
	snap, attempts, err := c.poller.Poll(pollCtx, handle, func(p poller.Progress) {
		c.recordAttempt(gen, p.Attempt)
		c.emit(gen, obs, progressEvent(target, p))
	})
	c.recordAttempt(gen, attempts)
	pollSpan.SetAttributes(attribute.Int("attempts", attempts))
	pollSpan.End()
	res := Result{Flow: target, ExecutionID: handle.ID, Attempts: attempts}
	if err != nil {
		classified := builderr.Classify(builderr.PhasePoll, err)
		switch classified.Kind {
		case builderr.KindCancelled:
			c.abandon(gen)
			return
		case builderr.KindEngineTerminalFailure:
			res.Outcome = outcome.Failed{EngineState: classified.State, Message: classified.Message}
		case builderr.KindPollTimeout:
			res.Outcome = outcome.TimedOut{AttemptsMade: classified.Attempts}
		}
		res.Err = classified
		c.finish(gen, obs, span, res)
		return
	}

	resolved := c.resolver.Resolve(snap)
	if ready, ok := resolved.(outcome.GithubReady); ok && c.verifier != nil {
		verified, verr := c.verifier.Verify(ctx, ready)
		if ctx.Err() != nil {
			c.abandon(gen)
			return
		}
		if verr != nil {
			logger.Warn("repository verification failed", zap.String("repo_url", ready.RepoURL), zap.Error(verr))
		} else {
			resolved = verified
		}
	}
	res.Outcome = resolved
	logger.Info("build finished", zap.String("outcome", string(resolved.Kind())))
	c.finish(gen, obs, span, res)
}

func progressEvent(target flows.FlowTarget, p poller.Progress) ProgressEvent {
	ev := ProgressEvent{
		Phase:       PhasePolling,
		Flow:        target.String(),
		ExecutionID: p.ExecutionID,
		Attempt:     p.Attempt,
		MaxAttempts: p.MaxAttempts,
		State:       p.State,
		Message:     "Build " + stateLabel(p.State),
	}
	if p.Degraded() {
		ev.Degraded = true
		ev.Message = p.Err.Message
	}
	return ev
}

func stateLabel(state engine.State) string {
	switch state {
	case engine.StateCreated:
		return "queued"
	case engine.StateRunning:
		return "running"
	case "":
		return "pending"
	default:
		return "in state " + string(state)
	}
}

// transition moves the build forward unless it has been cancelled.
func (c *Controller) transition(gen uint64, phase Phase, handle *engine.ExecutionHandle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.state.Phase = phase
	if handle != nil {
		h := *handle
		c.state.Handle = &h
	}
	return true
}

func (c *Controller) recordAttempt(gen uint64, attempt int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.gen {
		c.state.Attempts = attempt
	}
}

// abandon tears down a build that ended through its context.
func (c *Controller) abandon(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.gen++
	c.state.Phase = PhaseDone
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) emit(gen uint64, obs Observer, ev ProgressEvent) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	live := gen == c.gen
	c.mu.Unlock()
	if live {
		obs.OnProgress(ev)
	}
}

// finish marks the build Done and delivers its single result.
func (c *Controller) finish(gen uint64, obs Observer, span trace.Span, res Result) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state.Phase = PhaseDone
	if res.Attempts == 0 {
		res.Attempts = c.state.Attempts
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.Err.Kind))
		if res.Outcome == nil {
			res.Outcome = outcome.Failed{Message: res.Err.Message}
		}
	}
	span.SetAttributes(attribute.String("outcome", string(res.Outcome.Kind())))
	res.Summary = Summarize(res)
	obs.OnResult(res)
}
