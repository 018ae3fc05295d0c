// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/dlqtriage/internal/triage"
)

// Store holds triage runs in memory. Suitable for dev/testing.
type Store struct {
	mu     sync.RWMutex
	runs   map[string]*triage.Run // run ID -> run
	latest map[string]string      // correlation ID -> most recent run ID
	order  []string               // run IDs in insertion order
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		runs:   make(map[string]*triage.Run),
		latest: make(map[string]string),
	}
}

// Get retrieves a run by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*triage.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

// GetByCorrelationID retrieves the most recently created run for a
// correlation ID. Returns a copy.
func (s *Store) GetByCorrelationID(_ context.Context, correlationID string) (*triage.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.latest[correlationID]
	if !ok {
		return nil, false, nil
	}
	cp := *s.runs[id]
	return &cp, true, nil
}

// Put stores a copy of the run, replacing any run with the same ID.
func (s *Store) Put(_ context.Context, r *triage.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	if _, exists := s.runs[r.ID]; !exists {
		s.order = append(s.order, r.ID)
		s.latest[r.CorrelationID] = r.ID
	}
	s.runs[r.ID] = &cp
	return nil
}

// List returns copies of up to limit runs, newest first. limit <= 0
// returns every run.
func (s *Store) List(_ context.Context, limit int) ([]*triage.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*triage.Run, 0, n)
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		cp := *s.runs[s.order[i]]
		out = append(out, &cp)
	}
	return out, nil
}
