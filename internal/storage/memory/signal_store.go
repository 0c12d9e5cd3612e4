package memory

import (
	"context"
	"sort"
	"sync"

	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/storage"
)

// SignalStore is an in-memory implementation of storage.SignalStore.
type SignalStore struct {
	mu       sync.RWMutex
	data     map[string]*domain.InstitutionalSignal // keyed by signal_id
	byWindow map[metricKey]string                   // source window -> signal_id
}

// NewSignalStore creates a new in-memory signal store.
func NewSignalStore() *SignalStore {
	return &SignalStore{
		data:     make(map[string]*domain.InstitutionalSignal),
		byWindow: make(map[metricKey]string),
	}
}

// Insert adds an emitted signal. Returns ErrDuplicateKey if the signal or its window exists.
func (s *SignalStore) Insert(_ context.Context, sig *domain.InstitutionalSignal) error {
	if sig == nil || sig.SignalID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wk := metricKey{series: sig.Key(), windowStart: sig.WindowStart}
	if _, exists := s.data[sig.SignalID]; exists {
		return storage.ErrDuplicateKey
	}
	if _, exists := s.byWindow[wk]; exists {
		return storage.ErrDuplicateKey
	}

	copy := *sig
	s.data[sig.SignalID] = &copy
	s.byWindow[wk] = sig.SignalID
	return nil
}

// GetByTimeRange retrieves signals within [start, end] (inclusive).
func (s *SignalStore) GetByTimeRange(_ context.Context, start, end int64) ([]*domain.InstitutionalSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.InstitutionalSignal
	for _, sig := range s.data {
		if sig.WindowStart >= start && sig.WindowStart <= end {
			copy := *sig
			result = append(result, &copy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].WindowStart != result[j].WindowStart {
			return result[i].WindowStart < result[j].WindowStart
		}
		return result[i].Key().Less(result[j].Key())
	})
	return result, nil
}

var _ storage.SignalStore = (*SignalStore)(nil)
