package storage

import (
	"context"

	"options-flow-lab/internal/domain"
)

// PressureMetricStore provides access to pressure_metrics storage.
// Rows are append-only and keyed by (strike, option_type, window_start).
type PressureMetricStore interface {
	// Insert adds a sealed metric. Returns ErrDuplicateKey if the key exists.
	Insert(ctx context.Context, m *domain.PressureMetric) error

	// InsertBulk adds multiple metrics. Fails entire batch on any duplicate.
	InsertBulk(ctx context.Context, metrics []*domain.PressureMetric) error

	// GetByKey retrieves metrics for a series with window_start in [start, end] (inclusive),
	// ordered by window_start ASC.
	GetByKey(ctx context.Context, key domain.SeriesKey, start, end int64) ([]*domain.PressureMetric, error)

	// GetByTimeRange retrieves metrics of all series with window_start in [start, end] (inclusive),
	// ordered by (window_start, strike, option_type).
	GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.PressureMetric, error)

	// ListKeys returns every series with a metric whose window_start is at or after since.
	ListKeys(ctx context.Context, since int64) ([]domain.SeriesKey, error)
}

// BaselineStore provides access to baseline_profiles storage.
// Written only by the baseline engine; one row per series.
type BaselineStore interface {
	// Upsert inserts or replaces the profile of a series.
	Upsert(ctx context.Context, p *domain.BaselineProfile) error

	// Get retrieves the profile of a series. Returns ErrNotFound if not exists.
	Get(ctx context.Context, key domain.SeriesKey) (*domain.BaselineProfile, error)

	// GetAll retrieves every profile ordered by (strike, option_type).
	GetAll(ctx context.Context) ([]*domain.BaselineProfile, error)
}

// SignalStore provides access to institutional_signals storage.
type SignalStore interface {
	// Insert adds an emitted signal. Returns ErrDuplicateKey if the signal ID
	// or its source window already exists.
	Insert(ctx context.Context, s *domain.InstitutionalSignal) error

	// GetByTimeRange retrieves signals with window_start in [start, end] (inclusive),
	// ordered by (window_start, strike, option_type).
	GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.InstitutionalSignal, error)
}
