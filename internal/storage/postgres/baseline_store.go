package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/storage"
)

// BaselineStore implements storage.BaselineStore using PostgreSQL.
type BaselineStore struct {
	pool *Pool
}

// NewBaselineStore creates a new BaselineStore.
func NewBaselineStore(pool *Pool) *BaselineStore {
	return &BaselineStore{pool: pool}
}

// Compile-time interface check.
var _ storage.BaselineStore = (*BaselineStore)(nil)

const baselineColumns = `
	strike, option_type, lookback_days, mean_pressure_ratio, stddev_pressure_ratio,
	mean_volume, stddev_volume, mean_trade_count, sample_count, expected_windows,
	data_quality, built_at`

// Upsert inserts or replaces the profile of a series.
func (s *BaselineStore) Upsert(ctx context.Context, p *domain.BaselineProfile) (err error) {
	if p == nil || p.Strike <= 0 || !p.OptionType.Valid() {
		return storage.ErrInvalidInput
	}
	start := time.Now()
	defer func() { s.pool.observe("upsert_baseline", start, err) }()

	query := `
		INSERT INTO baseline_profiles (` + baselineColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (strike, option_type) DO UPDATE SET
			lookback_days = EXCLUDED.lookback_days,
			mean_pressure_ratio = EXCLUDED.mean_pressure_ratio,
			stddev_pressure_ratio = EXCLUDED.stddev_pressure_ratio,
			mean_volume = EXCLUDED.mean_volume,
			stddev_volume = EXCLUDED.stddev_volume,
			mean_trade_count = EXCLUDED.mean_trade_count,
			sample_count = EXCLUDED.sample_count,
			expected_windows = EXCLUDED.expected_windows,
			data_quality = EXCLUDED.data_quality,
			built_at = EXCLUDED.built_at,
			updated_at = now()
	`

	_, err = s.pool.Exec(ctx, query,
		p.Strike,
		string(p.OptionType),
		p.LookbackDays,
		p.MeanPressureRatio,
		p.StddevPressureRatio,
		p.MeanVolume,
		p.StddevVolume,
		p.MeanTradeCount,
		p.SampleCount,
		p.ExpectedWindows,
		p.DataQuality,
		p.BuiltAt,
	)
	if err != nil {
		return fmt.Errorf("upsert baseline profile: %w", err)
	}
	return nil
}

// Get retrieves the profile of a series. Returns ErrNotFound if not exists.
func (s *BaselineStore) Get(ctx context.Context, key domain.SeriesKey) (*domain.BaselineProfile, error) {
	query := `
		SELECT ` + baselineColumns + `
		FROM baseline_profiles
		WHERE strike = $1 AND option_type = $2
	`

	row := s.pool.QueryRow(ctx, query, key.Strike, string(key.OptionType))
	p, err := scanBaselineProfile(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get baseline profile: %w", err)
	}
	return p, nil
}

// GetAll retrieves every profile ordered by (strike, option_type).
func (s *BaselineStore) GetAll(ctx context.Context) (_ []*domain.BaselineProfile, err error) {
	start := time.Now()
	defer func() { s.pool.observe("select_baselines", start, err) }()

	query := `
		SELECT ` + baselineColumns + `
		FROM baseline_profiles
		ORDER BY strike ASC, option_type ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query baseline profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*domain.BaselineProfile
	for rows.Next() {
		p, err := scanBaselineProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan baseline profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate baseline profiles: %w", err)
	}
	return profiles, nil
}

// scanBaselineProfile scans a single row into BaselineProfile.
func scanBaselineProfile(row pgx.Row) (*domain.BaselineProfile, error) {
	var p domain.BaselineProfile
	var optionType string

	err := row.Scan(
		&p.Strike,
		&optionType,
		&p.LookbackDays,
		&p.MeanPressureRatio,
		&p.StddevPressureRatio,
		&p.MeanVolume,
		&p.StddevVolume,
		&p.MeanTradeCount,
		&p.SampleCount,
		&p.ExpectedWindows,
		&p.DataQuality,
		&p.BuiltAt,
	)
	if err != nil {
		return nil, err
	}

	p.OptionType = domain.OptionType(optionType)
	return &p, nil
}
