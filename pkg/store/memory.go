package store

import (
	"sync"

	"github.com/psantana5/slotem-chrono/pkg/models"
)

// MemoryStore is an in-memory implementation of the crossing store
type MemoryStore struct {
	mu        sync.RWMutex
	crossings []*models.Crossing // arrival order
	byID      map[string]*models.Crossing
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]*models.Crossing),
	}
}

// RecordCrossing appends a crossing.
func (s *MemoryStore) RecordCrossing(c *models.Crossing) error {
	cp := copyCrossing(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crossings = append(s.crossings, cp)
	s.byID[cp.ID] = cp
	return nil
}

// GetCrossing retrieves a crossing by ID
func (s *MemoryStore) GetCrossing(id string) (*models.Crossing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, ErrCrossingNotFound
	}
	return copyCrossing(c), nil
}

// ListCrossings returns matching crossings, newest first
func (s *MemoryStore) ListCrossings(filter models.CrossingFilter) ([]*models.Crossing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Crossing, 0)
	for i := len(s.crossings) - 1; i >= 0; i-- {
		c := s.crossings[i]
		if !filter.Matches(c) {
			continue
		}
		out = append(out, copyCrossing(c))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// CountCrossings returns the number of stored crossings
func (s *MemoryStore) CountCrossings() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.crossings), nil
}

// HealthCheck always succeeds for the memory store
func (s *MemoryStore) HealthCheck() error {
	return nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

func copyCrossing(c *models.Crossing) *models.Crossing {
	cp := *c
	cp.Images = append([]string(nil), c.Images...)
	return &cp
}
