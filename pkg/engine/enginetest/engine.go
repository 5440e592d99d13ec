// Package enginetest provides a scripted, in-process workflow engine that
// speaks the same HTTP dialect as the real one. Tests mount it with
// httptest; cmd/workflow-engine serves it for local development.
package enginetest

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Task is one task run reported in an execution's taskRunList.
type Task struct {
	TaskID string
	Vars   map[string]any
}

// Step scripts the answer to a single status query.
type Step struct {
	State   string
	Outputs map[string]any
	Tasks   []Task
	// HTTPStatus, when set, makes the query fail with that status.
	HTTPStatus int
	// FlatStatus sends the state as a top-level status field instead of state.current.
	FlatStatus bool
	// Delay holds the response back, honoring request cancellation.
	Delay time.Duration
}

// TriggerCall records a trigger request received by the engine.
type TriggerCall struct {
	Namespace   string
	Flow        string
	ContentType string
	Prompt      string
	GithubRepo  string
}

// Engine is a scripted fake engine. The zero value is not usable; call New.
type Engine struct {
	mu            sync.Mutex
	healthy       bool
	triggerStatus int
	script        []Step
	executions    map[string]int
	triggers      []TriggerCall
	healthChecks  int
	newID         func() string
}

// New returns a healthy engine that walks every execution through script.
// Once the script is exhausted the last step repeats.
func New(script ...Step) *Engine {
	return &Engine{
		healthy:    true,
		script:     script,
		executions: make(map[string]int),
		newID:      uuid.NewString,
	}
}

// SetHealthy toggles the health endpoint.
func (e *Engine) SetHealthy(healthy bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthy = healthy
}

// RejectTriggers makes every trigger answer with status. Zero accepts again.
func (e *Engine) RejectTriggers(status int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.triggerStatus = status
}

// SetIDs makes the engine hand out the given execution ids in order.
func (e *Engine) SetIDs(ids ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	queue := append([]string(nil), ids...)
	e.newID = func() string {
		if len(queue) == 0 {
			return uuid.NewString()
		}
		id := queue[0]
		queue = queue[1:]
		return id
	}
}

// Triggers returns the trigger requests received so far.
func (e *Engine) Triggers() []TriggerCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]TriggerCall(nil), e.triggers...)
}

// Polls returns how many status queries hit the given execution.
func (e *Engine) Polls(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executions[id]
}

// HealthChecks returns how many health probes were answered.
func (e *Engine) HealthChecks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthChecks
}

// Handler mounts the engine API under prefix (for example "/api/v1").
func (e *Engine) Handler(prefix string) http.Handler {
	r := chi.NewRouter()
	r.Route("/"+strings.Trim(prefix, "/"), func(r chi.Router) {
		r.Get("/configs", e.handleConfigs)
		r.Post("/executions/trigger/{namespace}/{flow}", e.handleTrigger)
		r.Get("/executions/{executionID}", e.handleExecution)
	})
	return r
}

func (e *Engine) handleConfigs(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	e.healthChecks++
	healthy := e.healthy
	e.mu.Unlock()

	if !healthy {
		http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"version": "enginetest"})
}

func (e *Engine) handleTrigger(w http.ResponseWriter, r *http.Request) {
	call := TriggerCall{
		Namespace:   chi.URLParam(r, "namespace"),
		Flow:        chi.URLParam(r, "flow"),
		ContentType: r.Header.Get("Content-Type"),
	}
	mediaType, _, _ := mime.ParseMediaType(call.ContentType)
	switch mediaType {
	case "application/json":
		var body struct {
			Inputs map[string]string `json:"inputs"`
		}
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &body); err != nil {
			http.Error(w, "invalid JSON payload", http.StatusBadRequest)
			return
		}
		call.Prompt = body.Inputs["prompt"]
		call.GithubRepo = body.Inputs["githubRepo"]
	case "multipart/form-data":
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, "invalid form payload", http.StatusBadRequest)
			return
		}
		call.Prompt = r.FormValue("prompt")
		call.GithubRepo = r.FormValue("githubRepo")
	default:
		http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
		return
	}

	e.mu.Lock()
	e.triggers = append(e.triggers, call)
	reject := e.triggerStatus
	var id string
	if reject == 0 {
		id = e.newID()
		e.executions[id] = 0
	}
	e.mu.Unlock()

	if reject != 0 {
		http.Error(w, "flow rejected the submission", reject)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"id":    id,
		"state": map[string]string{"current": "CREATED"},
	})
}

func (e *Engine) handleExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")

	e.mu.Lock()
	polls, ok := e.executions[id]
	if ok {
		e.executions[id] = polls + 1
	}
	step := e.stepAt(polls)
	e.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	if step.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(step.Delay):
		}
	}

	if step.HTTPStatus != 0 {
		http.Error(w, "status lookup failed", step.HTTPStatus)
		return
	}

	doc := map[string]any{"id": id}
	if step.FlatStatus {
		doc["status"] = step.State
	} else {
		doc["state"] = map[string]string{"current": step.State}
	}
	if step.Outputs != nil {
		doc["outputs"] = step.Outputs
	}
	if len(step.Tasks) > 0 {
		runs := make([]map[string]any, 0, len(step.Tasks))
		for i, task := range step.Tasks {
			runs = append(runs, map[string]any{
				"id":      id + "-" + task.TaskID + "-" + string(rune('a'+i)),
				"taskId":  task.TaskID,
				"outputs": map[string]any{"vars": task.Vars},
			})
		}
		doc["taskRunList"] = runs
	}
	respondJSON(w, http.StatusOK, doc)
}

func (e *Engine) stepAt(i int) Step {
	if len(e.script) == 0 {
		return Step{State: "RUNNING"}
	}
	if i >= len(e.script) {
		return e.script[len(e.script)-1]
	}
	return e.script[i]
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
