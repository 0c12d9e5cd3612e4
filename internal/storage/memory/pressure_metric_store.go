package memory

import (
	"context"
	"sort"
	"sync"

	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/storage"
)

type metricKey struct {
	series      domain.SeriesKey
	windowStart int64
}

// PressureMetricStore is an in-memory implementation of storage.PressureMetricStore.
type PressureMetricStore struct {
	mu   sync.RWMutex
	data map[metricKey]*domain.PressureMetric
}

// NewPressureMetricStore creates a new in-memory pressure metric store.
func NewPressureMetricStore() *PressureMetricStore {
	return &PressureMetricStore{
		data: make(map[metricKey]*domain.PressureMetric),
	}
}

func keyOf(m *domain.PressureMetric) metricKey {
	return metricKey{series: m.Key(), windowStart: m.WindowStart}
}

func validMetric(m *domain.PressureMetric) bool {
	return m != nil && m.Strike > 0 && m.OptionType.Valid() && m.WindowEnd > m.WindowStart
}

// Insert adds a sealed metric. Returns ErrDuplicateKey if the key exists.
func (s *PressureMetricStore) Insert(_ context.Context, m *domain.PressureMetric) error {
	if !validMetric(m) {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(m)
	if _, exists := s.data[key]; exists {
		return storage.ErrDuplicateKey
	}
	copy := *m
	s.data[key] = &copy
	return nil
}

// InsertBulk adds multiple metrics. Fails entire batch on duplicate.
func (s *PressureMetricStore) InsertBulk(_ context.Context, metrics []*domain.PressureMetric) error {
	if len(metrics) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// First pass: check for duplicates (existing + intra-batch)
	batchKeys := make(map[metricKey]struct{}, len(metrics))
	for _, m := range metrics {
		if !validMetric(m) {
			return storage.ErrInvalidInput
		}
		key := keyOf(m)
		if _, exists := s.data[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[key]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = struct{}{}
	}

	// Second pass: insert all
	for _, m := range metrics {
		copy := *m
		s.data[keyOf(m)] = &copy
	}
	return nil
}

// GetByKey retrieves metrics for a series within [start, end] (inclusive).
func (s *PressureMetricStore) GetByKey(_ context.Context, key domain.SeriesKey, start, end int64) ([]*domain.PressureMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PressureMetric
	for k, m := range s.data {
		if k.series == key && m.WindowStart >= start && m.WindowStart <= end {
			copy := *m
			result = append(result, &copy)
		}
	}
	sortMetrics(result)
	return result, nil
}

// GetByTimeRange retrieves metrics of all series within [start, end] (inclusive).
func (s *PressureMetricStore) GetByTimeRange(_ context.Context, start, end int64) ([]*domain.PressureMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PressureMetric
	for _, m := range s.data {
		if m.WindowStart >= start && m.WindowStart <= end {
			copy := *m
			result = append(result, &copy)
		}
	}
	sortMetrics(result)
	return result, nil
}

// ListKeys returns every series with a window starting at or after since.
func (s *PressureMetricStore) ListKeys(_ context.Context, since int64) ([]domain.SeriesKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[domain.SeriesKey]struct{})
	for k, m := range s.data {
		if m.WindowStart >= since {
			seen[k.series] = struct{}{}
		}
	}

	keys := make([]domain.SeriesKey, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys, nil
}

func sortMetrics(ms []*domain.PressureMetric) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].WindowStart != ms[j].WindowStart {
			return ms[i].WindowStart < ms[j].WindowStart
		}
		return ms[i].Key().Less(ms[j].Key())
	})
}

var _ storage.PressureMetricStore = (*PressureMetricStore)(nil)
