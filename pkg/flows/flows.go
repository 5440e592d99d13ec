package flows

import "strings"

// Kind identifies which remote workflow family a request targets.
type Kind string

const (
	// KindNewBuild creates a brand new application.
	KindNewBuild Kind = "new_build"
	// KindUpdate iterates on an application produced by a prior build.
	KindUpdate Kind = "update"
)

// Encoding describes how the trigger body is put on the wire.
type Encoding string

const (
	EncodingMultipart Encoding = "multipart"
	EncodingJSON      Encoding = "json"
)

// RepositoryHandle identifies a repository produced by an earlier build.
type RepositoryHandle struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// BuildRequest is a single user submission. Build it with NewBuildRequest.
type BuildRequest struct {
	Prompt          string
	ExistingContext *RepositoryHandle
}

// NewBuildRequest copies the handle so later mutation by the caller cannot
// change an in-flight request. A handle without a URL counts as absent.
func NewBuildRequest(prompt string, existing *RepositoryHandle) BuildRequest {
	req := BuildRequest{Prompt: strings.TrimSpace(prompt)}
	if existing != nil && strings.TrimSpace(existing.URL) != "" {
		handle := RepositoryHandle{
			URL:  strings.TrimSpace(existing.URL),
			Name: strings.TrimSpace(existing.Name),
		}
		req.ExistingContext = &handle
	}
	return req
}

// HasContext reports whether the request carries a repository handle.
func (r BuildRequest) HasContext() bool {
	return r.ExistingContext != nil && r.ExistingContext.URL != ""
}

// FlowTarget names the engine flow to trigger and how to encode its inputs.
type FlowTarget struct {
	Kind      Kind     `json:"kind"`
	Namespace string   `json:"namespace"`
	Flow      string   `json:"flow"`
	Encoding  Encoding `json:"encoding"`
}

// String renders the target as namespace/flow.
func (t FlowTarget) String() string {
	return t.Namespace + "/" + t.Flow
}

// Config carries the configurable flow identifiers.
type Config struct {
	Namespace string `mapstructure:"namespace"`
	NewBuild  string `mapstructure:"new_build"`
	Update    string `mapstructure:"update"`
}

// DefaultConfig matches the flows registered by the production engine.
func DefaultConfig() Config {
	return Config{
		Namespace: "production",
		NewBuild:  "simple-builder-v2",
		Update:    "update-feature",
	}
}

// Selector picks a flow from a lookup table keyed by context presence.
// New flow variants get a new table entry, not another branch.
type Selector struct {
	table map[bool]FlowTarget
}

// NewSelector builds the lookup table, filling blanks from DefaultConfig.
func NewSelector(cfg Config) *Selector {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.Namespace) == "" {
		cfg.Namespace = def.Namespace
	}
	if strings.TrimSpace(cfg.NewBuild) == "" {
		cfg.NewBuild = def.NewBuild
	}
	if strings.TrimSpace(cfg.Update) == "" {
		cfg.Update = def.Update
	}
	return &Selector{table: map[bool]FlowTarget{
		false: {Kind: KindNewBuild, Namespace: cfg.Namespace, Flow: cfg.NewBuild, Encoding: EncodingMultipart},
		true:  {Kind: KindUpdate, Namespace: cfg.Namespace, Flow: cfg.Update, Encoding: EncodingJSON},
	}}
}

// Select returns the flow for the request. It never fails.
func (s *Selector) Select(req BuildRequest) FlowTarget {
	return s.table[req.HasContext()]
}
