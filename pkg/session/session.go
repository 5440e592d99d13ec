// Package session keeps per-conversation context between prompts: the
// repository a follow-up prompt should update and the last prompt sent.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vyvo/appbuilder/pkg/flows"
)

// ErrNotFound is returned when a session has no stored context.
var ErrNotFound = errors.New("session not found")

// Session is the context carried across prompts in one conversation.
type Session struct {
	ID         string                  `json:"id"`
	Repository *flows.RepositoryHandle `json:"repository,omitempty"`
	LastPrompt string                  `json:"last_prompt,omitempty"`
	UpdatedAt  int64                   `json:"updated_at"`
}

// Request builds the next request for prompt, reusing the session's
// repository if one is known.
func (s *Session) Request(prompt string) flows.BuildRequest {
	if s == nil {
		return flows.NewBuildRequest(prompt, nil)
	}
	return flows.NewBuildRequest(prompt, s.Repository)
}

// Store persists sessions.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
}

// Load returns the stored session or a fresh empty one.
func Load(ctx context.Context, store Store, id string) (*Session, error) {
	s, err := store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return &Session{ID: id}, nil
	}
	return s, err
}

// MemStore keeps sessions in memory.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	now      func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string]Session), now: time.Now}
}

func (m *MemStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *MemStore) Save(_ context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return errors.New("session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *clone(*s)
	stored.UpdatedAt = m.now().Unix()
	s.UpdatedAt = stored.UpdatedAt
	m.sessions[s.ID] = stored
	return nil
}

func (m *MemStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func clone(s Session) *Session {
	if s.Repository != nil {
		repo := *s.Repository
		s.Repository = &repo
	}
	return &s
}
