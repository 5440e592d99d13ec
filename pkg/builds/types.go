package builds

import (
	"encoding/json"
	"time"

	"github.com/vyvo/appbuilder/pkg/controller"
	"github.com/vyvo/appbuilder/pkg/outcome"
)

// Status represents the lifecycle state of a build.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Finished reports whether no more events will follow.
func (s Status) Finished() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Build is one prompt submission tracked by the gateway.
type Build struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Prompt      string    `json:"prompt"`
	Flow        string    `json:"flow"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	OutcomeKind string    `json:"outcome_kind,omitempty"`
	PreviewURL  string    `json:"preview_url,omitempty"`
	RepoURL     string    `json:"repo_url,omitempty"`
	RepoName    string    `json:"repo_name,omitempty"`
	ImportURL   string    `json:"import_url,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// Complete records the terminal result of a build.
func (b *Build) Complete(res controller.Result, at time.Time) {
	b.Flow = res.Flow.String()
	if res.ExecutionID != "" {
		b.ExecutionID = res.ExecutionID
	}
	b.Attempts = res.Attempts
	b.Summary = res.Summary
	b.UpdatedAt = at
	b.FinishedAt = at

	if res.Outcome != nil {
		b.OutcomeKind = string(res.Outcome.Kind())
	}
	switch o := res.Outcome.(type) {
	case outcome.PreviewReady:
		b.PreviewURL = o.PreviewURL
		if o.Repository != nil {
			b.RepoURL, b.RepoName = o.Repository.URL, o.Repository.Name
		}
	case outcome.GithubReady:
		b.RepoURL, b.RepoName, b.ImportURL = o.RepoURL, o.RepoName, o.ImportURL
	}

	b.Status = StatusSucceeded
	if res.Err != nil {
		b.Status = StatusFailed
		b.ErrorKind = string(res.Err.Kind)
	}
}

// Cancel marks the build as abandoned.
func (b *Build) Cancel(at time.Time) {
	b.Status = StatusCancelled
	b.Summary = "Build cancelled."
	b.UpdatedAt = at
	b.FinishedAt = at
}

// EventType tags an interaction log entry.
type EventType string

const (
	EventPrompt   EventType = "prompt"
	EventProgress EventType = "progress"
	EventSummary  EventType = "summary"
)

// Event is one line of a build's interaction log.
type Event struct {
	Type    EventType       `json:"type"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	At      time.Time       `json:"at"`
}

// NewEvent builds an event, attaching data as JSON when it is non-nil.
func NewEvent(typ EventType, message string, data any) Event {
	ev := Event{Type: typ, Message: message, At: time.Now().UTC()}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}
