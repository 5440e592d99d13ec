package outcome

import (
	"github.com/vyvo/appbuilder/pkg/engine"
	"github.com/vyvo/appbuilder/pkg/flows"
)

// Kind tags an Outcome variant.
type Kind string

const (
	KindPreviewReady Kind = "preview_ready"
	KindGithubReady  Kind = "github_ready"
	KindUnresolved   Kind = "unresolved"
	KindFailed       Kind = "failed"
	KindTimedOut     Kind = "timed_out"
)

// Outcome is the normalized interpretation of a finished build.
type Outcome interface {
	Kind() Kind
}

// PreviewReady means the app is deployed and reachable.
type PreviewReady struct {
	PreviewURL string                  `json:"previewUrl"`
	Repository *flows.RepositoryHandle `json:"repository,omitempty"`
}

// GithubReady means the source was published but a manual import step is
// still needed before a live preview exists.
type GithubReady struct {
	RepoURL   string `json:"repoUrl"`
	RepoName  string `json:"repoName"`
	Owner     string `json:"owner"`
	ImportURL string `json:"importUrl"`
	// Set by an optional repository lookup after resolution.
	DefaultBranch string `json:"defaultBranch,omitempty"`
	Verified      bool   `json:"verified,omitempty"`
}

// Unresolved is a successful execution whose payload matched no known shape.
type Unresolved struct {
	RawSnapshot engine.ExecutionSnapshot `json:"rawSnapshot"`
}

// Failed carries an engine verdict or a submission failure.
type Failed struct {
	EngineState engine.State `json:"engineState,omitempty"`
	Message     string       `json:"message"`
}

// TimedOut means the poll budget ran out before a terminal state.
type TimedOut struct {
	AttemptsMade int `json:"attemptsMade"`
}

func (PreviewReady) Kind() Kind { return KindPreviewReady }
func (GithubReady) Kind() Kind  { return KindGithubReady }
func (Unresolved) Kind() Kind   { return KindUnresolved }
func (Failed) Kind() Kind       { return KindFailed }
func (TimedOut) Kind() Kind     { return KindTimedOut }

// Handle returns the repository identity for follow-up update requests.
func (g GithubReady) Handle() *flows.RepositoryHandle {
	return &flows.RepositoryHandle{URL: g.RepoURL, Name: g.RepoName}
}

// RepositoryOf returns the repository handle exposed by an outcome, if any.
func RepositoryOf(o Outcome) *flows.RepositoryHandle {
	switch v := o.(type) {
	case GithubReady:
		return v.Handle()
	case PreviewReady:
		if v.Repository != nil {
			handle := *v.Repository
			return &handle
		}
	}
	return nil
}
