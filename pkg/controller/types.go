package controller

import (
	"fmt"

	"github.com/vyvo/appbuilder/pkg/builderr"
	"github.com/vyvo/appbuilder/pkg/engine"
	"github.com/vyvo/appbuilder/pkg/flows"
	"github.com/vyvo/appbuilder/pkg/outcome"
)

// Phase is the lifecycle position of the controller's current build.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseCheckingHealth Phase = "checking_health"
	PhaseTriggering     Phase = "triggering"
	PhasePolling        Phase = "polling"
	PhaseDone           Phase = "done"
)

// State is a point-in-time view of the controller.
type State struct {
	Phase    Phase                   `json:"phase"`
	Handle   *engine.ExecutionHandle `json:"handle,omitempty"`
	Attempts int                     `json:"attempts"`
}

// Active reports whether a build is in flight.
func (s State) Active() bool {
	switch s.Phase {
	case PhaseCheckingHealth, PhaseTriggering, PhasePolling:
		return true
	}
	return false
}

// ProgressEvent is a user-visible status update during a build.
type ProgressEvent struct {
	Phase       Phase        `json:"phase"`
	Message     string       `json:"message"`
	Flow        string       `json:"flow,omitempty"`
	ExecutionID string       `json:"executionId,omitempty"`
	Attempt     int          `json:"attempt,omitempty"`
	MaxAttempts int          `json:"maxAttempts,omitempty"`
	State       engine.State `json:"state,omitempty"`
	Degraded    bool         `json:"degraded,omitempty"`
}

// Result ends a build. Err is set for every failure; Outcome is always set.
type Result struct {
	Flow        flows.FlowTarget
	ExecutionID string
	Attempts    int
	Outcome     outcome.Outcome
	Err         *builderr.Error
	Summary     string
}

// Error returns Err as an error, or nil.
func (r Result) Error() error {
	if r.Err == nil {
		return nil
	}
	return r.Err
}

// Observer receives build events. OnResult is called exactly once per build
// that was not cancelled.
type Observer interface {
	OnProgress(ProgressEvent)
	OnResult(Result)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Progress func(ProgressEvent)
	Result   func(Result)
}

func (o ObserverFuncs) OnProgress(ev ProgressEvent) {
	if o.Progress != nil {
		o.Progress(ev)
	}
}

func (o ObserverFuncs) OnResult(res Result) {
	if o.Result != nil {
		o.Result(res)
	}
}

// Summarize renders the single closing message for a build.
func Summarize(res Result) string {
	if res.Err != nil {
		return res.Err.Message
	}
	switch o := res.Outcome.(type) {
	case outcome.PreviewReady:
		return "Build complete! Preview URL: " + o.PreviewURL
	case outcome.GithubReady:
		msg := fmt.Sprintf("Your app is ready on GitHub!\n\nRepository: %s", o.RepoURL)
		if o.DefaultBranch != "" {
			msg += fmt.Sprintf(" (branch %s)", o.DefaultBranch)
		}
		return msg + fmt.Sprintf("\n\nImport it to get a live preview: %s", o.ImportURL)
	case outcome.Failed:
		return o.Message
	case outcome.TimedOut:
		return builderr.PollTimeout(o.AttemptsMade).Message
	default:
		return builderr.OutcomeUnresolved().Message
	}
}
