package engine

import (
	"encoding/json"
	"strings"
)

// State enumerates execution states reported by the engine.
type State string

const (
	StateCreated State = "CREATED"
	StateRunning State = "RUNNING"
	StateSuccess State = "SUCCESS"
	StateFailed  State = "FAILED"
	StateKilled  State = "KILLED"
	StateWarning State = "WARNING"
)

// ParseState normalizes a raw state string. Unknown values are kept verbatim
// (upper-cased) and are never terminal.
func ParseState(raw string) State {
	return State(strings.ToUpper(strings.TrimSpace(raw)))
}

// Succeeded reports whether the execution finished successfully.
func (s State) Succeeded() bool {
	return s == StateSuccess
}

// Failed reports whether the engine gave an authoritative failure verdict.
func (s State) Failed() bool {
	switch s {
	case StateFailed, StateKilled, StateWarning:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further progress will happen.
func (s State) Terminal() bool {
	return s.Succeeded() || s.Failed()
}

// ExecutionHandle is the opaque identifier returned at trigger time.
type ExecutionHandle struct {
	ID string `json:"id"`
}

// TaskOutput is the variable bag produced by a single task run.
type TaskOutput struct {
	TaskID string         `json:"taskId"`
	Vars   map[string]any `json:"vars,omitempty"`
}

// ExecutionSnapshot is one observation of an execution.
type ExecutionSnapshot struct {
	ID          string         `json:"id"`
	State       State          `json:"state"`
	RawOutputs  map[string]any `json:"outputs,omitempty"`
	TaskOutputs []TaskOutput   `json:"taskOutputs,omitempty"`
}

// executionPayload mirrors the engine's execution document. The state is
// either an object with a current field or a plain string, and some engine
// versions only send a flat status.
type executionPayload struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	State       json.RawMessage `json:"state"`
	Outputs     map[string]any  `json:"outputs"`
	TaskRunList []taskRun       `json:"taskRunList"`
}

type taskRun struct {
	ID      string         `json:"id"`
	TaskID  string         `json:"taskId"`
	Outputs map[string]any `json:"outputs"`
}

func (p executionPayload) state() State {
	if current := decodeState(p.State); current != "" {
		return ParseState(current)
	}
	return ParseState(p.Status)
}

func decodeState(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var nested struct {
		Current string `json:"current"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil && nested.Current != "" {
		return nested.Current
	}
	var flat string
	if err := json.Unmarshal(raw, &flat); err == nil {
		return flat
	}
	return ""
}

func (p executionPayload) snapshot() ExecutionSnapshot {
	snap := ExecutionSnapshot{
		ID:         p.ID,
		State:      p.state(),
		RawOutputs: p.Outputs,
	}
	for _, run := range p.TaskRunList {
		vars := run.Outputs
		if nested, ok := run.Outputs["vars"].(map[string]any); ok {
			vars = nested
		}
		snap.TaskOutputs = append(snap.TaskOutputs, TaskOutput{TaskID: run.TaskID, Vars: vars})
	}
	return snap
}
