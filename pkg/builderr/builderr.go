// Package builderr defines the closed set of failures a build can end with.
// Transport errors are wrapped, never shown to the user verbatim.
package builderr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/vyvo/appbuilder/pkg/engine"
)

// Kind enumerates build failure categories.
type Kind string

const (
	KindHealthCheckFailed     Kind = "health_check_failed"
	KindTriggerRejected       Kind = "trigger_rejected"
	KindPollTransient         Kind = "poll_transient"
	KindEngineTerminalFailure Kind = "engine_terminal_failure"
	KindPollTimeout           Kind = "poll_timeout"
	KindOutcomeUnresolved     Kind = "outcome_unresolved"
	KindCancelled             Kind = "cancelled"
)

// Phase tells Classify where a raw error came from.
type Phase string

const (
	PhaseHealth  Phase = "health"
	PhaseTrigger Phase = "trigger"
	PhasePoll    Phase = "poll"
)

// Error is a classified build failure.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	State      engine.State
	Attempts   int
	// Accepted is set when the engine took the submission but its reply
	// could not be read, so an execution may already be running.
	Accepted bool
	Err      error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether resubmitting the same prompt could succeed
// without the user changing anything.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindHealthCheckFailed, KindPollTimeout, KindPollTransient:
		return true
	case KindTriggerRejected:
		if e.Accepted {
			return false
		}
		return e.StatusCode == 0 || e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}

// Is matches errors of the same kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// HealthCheckFailed reports an unreachable engine.
func HealthCheckFailed() *Error {
	return &Error{
		Kind:    KindHealthCheckFailed,
		Message: "The build engine is unreachable. Please make sure it is running and try again.",
	}
}

// TriggerRejected reports a refused submission. A zero status means the
// request never got an answer. The engine's response body stays in err.
func TriggerRejected(statusCode int, err error) *Error {
	msg := "The build engine rejected the request"
	switch {
	case statusCode == 0:
		msg = "The build request could not be delivered to the engine"
	case statusCode == http.StatusNotFound:
		msg += " (flow not found)"
	case statusCode >= 400 && statusCode < 500:
		msg += fmt.Sprintf(" (invalid input, status %d)", statusCode)
	case statusCode >= 500:
		msg += fmt.Sprintf(" (engine error, status %d)", statusCode)
	}
	return &Error{Kind: KindTriggerRejected, Message: msg + ". Please retry.", StatusCode: statusCode, Err: err}
}

// TriggerUnconfirmed reports a submission the engine accepted without
// returning a usable execution id.
func TriggerUnconfirmed(err error) *Error {
	return &Error{
		Kind:     KindTriggerRejected,
		Message:  "The build engine accepted the request but its reply could not be read. Check the engine UI before submitting again.",
		Accepted: true,
		Err:      err,
	}
}

// PollTransient reports a single failed status query.
func PollTransient(attempt int, err error) *Error {
	return &Error{
		Kind:     KindPollTransient,
		Message:  fmt.Sprintf("Status check %d failed, still waiting for the build", attempt),
		Attempts: attempt,
		Err:      err,
	}
}

// EngineTerminalFailure reports an authoritative failure verdict.
func EngineTerminalFailure(state engine.State) *Error {
	return &Error{
		Kind:    KindEngineTerminalFailure,
		Message: fmt.Sprintf("Build failed (%s). Check the engine logs for details.", state),
		State:   state,
	}
}

// PollTimeout reports an exhausted poll budget.
func PollTimeout(attempts int) *Error {
	return &Error{
		Kind:     KindPollTimeout,
		Message:  fmt.Sprintf("Build timed out after %d status checks. Check the engine UI for its status.", attempts),
		Attempts: attempts,
	}
}

// OutcomeUnresolved marks a degraded success. It is never returned as the
// error of a build; it labels the summary the user sees.
func OutcomeUnresolved() *Error {
	return &Error{
		Kind:    KindOutcomeUnresolved,
		Message: "Build complete, but no preview or repository was reported. Check the engine UI for details.",
	}
}

// Cancelled reports a build abandoned by its caller.
func Cancelled(err error) *Error {
	return &Error{Kind: KindCancelled, Message: "Build cancelled.", Err: err}
}

// Classify maps a raw error from the given phase onto the taxonomy.
// Already-classified errors pass through unchanged.
func Classify(phase Phase, err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled(err)
	}

	switch phase {
	case PhaseHealth:
		e := HealthCheckFailed()
		e.Err = err
		return e
	case PhaseTrigger:
		if errors.Is(err, engine.ErrUnreadableResponse) {
			return TriggerUnconfirmed(err)
		}
		var statusErr *engine.StatusError
		if errors.As(err, &statusErr) {
			return TriggerRejected(statusErr.StatusCode, err)
		}
		return TriggerRejected(0, err)
	default:
		return PollTransient(0, err)
	}
}

// KindOf returns the kind of a classified error, or "" for anything else.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return ""
}
