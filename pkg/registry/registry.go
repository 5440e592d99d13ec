package registry

import (
	"sync"

	"github.com/vyvo/appbuilder/pkg/controller"
)

// Entry is the controller serving one session and the build it is running.
type Entry struct {
	SessionID  string
	Controller *controller.Controller
	BuildID    string
}

// Registry hands out one controller per session so that each conversation
// has at most one build in flight.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	factory func(sessionID string) *controller.Controller
}

// New returns an empty registry that creates controllers with factory.
func New(factory func(sessionID string) *controller.Controller) *Registry {
	return &Registry{entries: map[string]*Entry{}, factory: factory}
}

// Controller returns the session's controller, creating it on first use.
func (r *Registry) Controller(sessionID string) *controller.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entryLocked(sessionID).Controller
}

func (r *Registry) entryLocked(sessionID string) *Entry {
	entry, ok := r.entries[sessionID]
	if !ok {
		entry = &Entry{SessionID: sessionID, Controller: r.factory(sessionID)}
		r.entries[sessionID] = entry
	}
	return entry
}

// Start launches a build on the session's controller and records buildID
// as the session's current build. Start and Cancel are serialized, so a
// cancel never pairs the new build's controller with the previous id.
func (r *Registry) Start(sessionID, buildID string, start func(*controller.Controller) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entryLocked(sessionID)
	if err := start(entry.Controller); err != nil {
		return err
	}
	entry.BuildID = buildID
	return nil
}

// Cancel stops the session's active build and returns its id.
func (r *Registry) Cancel(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[sessionID]
	if !ok || !entry.Controller.Cancel() {
		return "", false
	}
	return entry.BuildID, true
}

// Get retrieves a copy of the session's entry.
func (r *Registry) Get(sessionID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[sessionID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Len returns the number of sessions seen.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Shutdown cancels every active build and waits for the build goroutines.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	ctrls := make([]*controller.Controller, 0, len(r.entries))
	for _, entry := range r.entries {
		ctrls = append(ctrls, entry.Controller)
	}
	r.mu.RUnlock()

	for _, c := range ctrls {
		c.Cancel()
	}
	for _, c := range ctrls {
		c.Wait()
	}
}
