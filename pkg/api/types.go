// Package api holds the JSON and Server-Sent Events contract between the
// gateway and chat clients.
package api

import (
	"github.com/vyvo/appbuilder/pkg/flows"
	"github.com/vyvo/appbuilder/pkg/outcome"
)

// SubmitRequest is the body of a build submission.
type SubmitRequest struct {
	Prompt string `json:"prompt"`
}

// BuildEnvelope is the canonical response for build submissions.
type BuildEnvelope struct {
	BuildID   string `json:"build_id"`
	SessionID string `json:"session_id"`
	Flow      string `json:"flow"`
	StatusURL string `json:"status_url"`
	EventsURL string `json:"events_url"`
	CancelURL string `json:"cancel_url"`
}

// SessionView is the context a session carries into its next prompt.
type SessionView struct {
	ID          string                  `json:"id"`
	Repository  *flows.RepositoryHandle `json:"repository,omitempty"`
	LastPrompt  string                  `json:"last_prompt,omitempty"`
	ActiveBuild string                  `json:"active_build,omitempty"`
	Phase       string                  `json:"phase"`
	Attempts    int                     `json:"attempts,omitempty"`
}

// EngineHealth reports whether the engine answered its health probe.
type EngineHealth struct {
	Healthy bool   `json:"healthy"`
	BaseURL string `json:"base_url"`
}

// CancelResponse answers a cancel request.
type CancelResponse struct {
	Status  string `json:"status"`
	BuildID string `json:"build_id,omitempty"`
}

const (
	CancelRequested = "CANCELLATION_REQUESTED"
	NothingToCancel = "NO_ACTIVE_BUILD"
)

// ErrorResponse is the body of every non-2xx gateway answer.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// OutcomeView flattens an outcome for clients.
type OutcomeView struct {
	Kind          outcome.Kind `json:"kind"`
	PreviewURL    string       `json:"preview_url,omitempty"`
	RepoURL       string       `json:"repo_url,omitempty"`
	RepoName      string       `json:"repo_name,omitempty"`
	Owner         string       `json:"owner,omitempty"`
	ImportURL     string       `json:"import_url,omitempty"`
	DefaultBranch string       `json:"default_branch,omitempty"`
	Verified      bool         `json:"verified,omitempty"`
	EngineState   string       `json:"engine_state,omitempty"`
	Message       string       `json:"message,omitempty"`
	AttemptsMade  int          `json:"attempts_made,omitempty"`
}

// ViewOutcome converts an outcome into its wire form.
func ViewOutcome(o outcome.Outcome) *OutcomeView {
	if o == nil {
		return nil
	}
	view := &OutcomeView{Kind: o.Kind()}
	switch v := o.(type) {
	case outcome.PreviewReady:
		view.PreviewURL = v.PreviewURL
		if v.Repository != nil {
			view.RepoURL, view.RepoName = v.Repository.URL, v.Repository.Name
		}
	case outcome.GithubReady:
		view.RepoURL = v.RepoURL
		view.RepoName = v.RepoName
		view.Owner = v.Owner
		view.ImportURL = v.ImportURL
		view.DefaultBranch = v.DefaultBranch
		view.Verified = v.Verified
	case outcome.Failed:
		view.EngineState = string(v.EngineState)
		view.Message = v.Message
	case outcome.TimedOut:
		view.AttemptsMade = v.AttemptsMade
	}
	return view
}

// SummaryData is attached to the closing summary event of a build.
type SummaryData struct {
	Status    string       `json:"status"`
	Outcome   *OutcomeView `json:"outcome,omitempty"`
	ErrorKind string       `json:"error_kind,omitempty"`
	Retryable bool         `json:"retryable,omitempty"`
}
