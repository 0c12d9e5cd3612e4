package memory

import (
	"context"
	"sort"
	"sync"

	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/storage"
)

// BaselineStore is an in-memory implementation of storage.BaselineStore.
type BaselineStore struct {
	mu   sync.RWMutex
	data map[domain.SeriesKey]*domain.BaselineProfile
}

// NewBaselineStore creates a new in-memory baseline store.
func NewBaselineStore() *BaselineStore {
	return &BaselineStore{
		data: make(map[domain.SeriesKey]*domain.BaselineProfile),
	}
}

// Upsert inserts or replaces the profile of a series.
func (s *BaselineStore) Upsert(_ context.Context, p *domain.BaselineProfile) error {
	if p == nil || p.Strike <= 0 || !p.OptionType.Valid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *p
	s.data[p.Key()] = &copy
	return nil
}

// Get retrieves the profile of a series. Returns ErrNotFound if not exists.
func (s *BaselineStore) Get(_ context.Context, key domain.SeriesKey) (*domain.BaselineProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copy := *p
	return &copy, nil
}

// GetAll retrieves every profile ordered by (strike, option_type).
func (s *BaselineStore) GetAll(_ context.Context) ([]*domain.BaselineProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.BaselineProfile, 0, len(s.data))
	for _, p := range s.data {
		copy := *p
		result = append(result, &copy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key().Less(result[j].Key())
	})
	return result, nil
}

var _ storage.BaselineStore = (*BaselineStore)(nil)
