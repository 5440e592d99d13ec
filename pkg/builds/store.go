package builds

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned for unknown build ids.
var ErrNotFound = errors.New("build not found")

// Store persists build records and their interaction logs.
type Store interface {
	Create(ctx context.Context, build Build) error
	Update(ctx context.Context, build Build) error
	Get(ctx context.Context, id string) (Build, error)
	// List returns builds newest first; an empty sessionID lists all.
	List(ctx context.Context, sessionID string) ([]Build, error)
	AppendEvent(ctx context.Context, id string, ev Event) error
	Events(ctx context.Context, id string) ([]Event, error)
}

type buildRecord struct {
	build  Build
	events []Event
}

// MemStore keeps build records in memory.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]*buildRecord
}

func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*buildRecord)}
}

func (s *MemStore) Create(_ context.Context, build Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[build.ID] = &buildRecord{build: build}
	return nil
}

func (s *MemStore) Update(_ context.Context, build Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[build.ID]
	if !ok {
		return ErrNotFound
	}
	rec.build = build
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	return rec.build, nil
}

func (s *MemStore) List(_ context.Context, sessionID string) ([]Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Build, 0, len(s.items))
	for _, rec := range s.items {
		if sessionID == "" || rec.build.SessionID == sessionID {
			result = append(result, rec.build)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemStore) AppendEvent(_ context.Context, id string, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	rec.events = append(rec.events, ev)
	return nil
}

func (s *MemStore) Events(_ context.Context, id string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]Event(nil), rec.events...), nil
}
