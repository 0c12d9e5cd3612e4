package clickhouse

import (
	"context"
	"fmt"
	"time"

	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/storage"
)

// PressureMetricStore implements storage.PressureMetricStore using ClickHouse.
// MergeTree does not enforce uniqueness, so keys are checked before insert.
type PressureMetricStore struct {
	conn *Conn
}

// NewPressureMetricStore creates a new PressureMetricStore.
func NewPressureMetricStore(conn *Conn) *PressureMetricStore {
	return &PressureMetricStore{conn: conn}
}

// Compile-time interface check.
var _ storage.PressureMetricStore = (*PressureMetricStore)(nil)

const metricColumns = `
	strike, option_type, window_start, window_end, bid_volume, ask_volume,
	pressure_ratio, one_sided, trade_count, total_size, avg_trade_size,
	dominant_side, confidence, quality_flag`

// Insert adds a sealed metric. Returns ErrDuplicateKey if the key exists.
func (s *PressureMetricStore) Insert(ctx context.Context, m *domain.PressureMetric) error {
	return s.InsertBulk(ctx, []*domain.PressureMetric{m})
}

// InsertBulk adds multiple metrics. Fails entire batch on duplicate.
func (s *PressureMetricStore) InsertBulk(ctx context.Context, metrics []*domain.PressureMetric) (err error) {
	if len(metrics) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { s.conn.observe("insert_pressure_metrics", start, err) }()

	// Check for intra-batch duplicates
	type key struct {
		series      domain.SeriesKey
		windowStart int64
	}
	seen := make(map[key]struct{}, len(metrics))
	for _, m := range metrics {
		if m == nil || !m.OptionType.Valid() {
			return storage.ErrInvalidInput
		}
		k := key{m.Key(), m.WindowStart}
		if _, exists := seen[k]; exists {
			return storage.ErrDuplicateKey
		}
		seen[k] = struct{}{}
	}

	// Check for duplicates against existing rows
	for _, m := range metrics {
		exists, err := s.exists(ctx, m.Key(), m.WindowStart)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO pressure_metrics (`+metricColumns+`)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, m := range metrics {
		err = batch.Append(
			m.Strike, string(m.OptionType), m.WindowStart, m.WindowEnd,
			m.BidVolume, m.AskVolume, m.PressureRatio, m.OneSided,
			uint32(m.TradeCount), m.TotalSize, m.AvgTradeSize,
			string(m.DominantSide), m.Confidence, string(m.QualityFlag),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByKey retrieves metrics for a series within [start, end] (inclusive).
func (s *PressureMetricStore) GetByKey(ctx context.Context, key domain.SeriesKey, start, end int64) (_ []*domain.PressureMetric, err error) {
	began := time.Now()
	defer func() { s.conn.observe("select_pressure_metrics_by_key", began, err) }()

	query := `
		SELECT ` + metricColumns + `
		FROM pressure_metrics
		WHERE strike = ? AND option_type = ? AND window_start >= ? AND window_start <= ?
		ORDER BY window_start ASC
	`

	rows, err := s.conn.Query(ctx, query, key.Strike, string(key.OptionType), start, end)
	if err != nil {
		return nil, fmt.Errorf("query by key: %w", err)
	}
	defer rows.Close()

	return scanPressureMetrics(rows)
}

// GetByTimeRange retrieves metrics of all series within [start, end] (inclusive).
func (s *PressureMetricStore) GetByTimeRange(ctx context.Context, start, end int64) (_ []*domain.PressureMetric, err error) {
	began := time.Now()
	defer func() { s.conn.observe("select_pressure_metrics_by_range", began, err) }()

	query := `
		SELECT ` + metricColumns + `
		FROM pressure_metrics
		WHERE window_start >= ? AND window_start <= ?
		ORDER BY window_start ASC, strike ASC, option_type ASC
	`

	rows, err := s.conn.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	return scanPressureMetrics(rows)
}

// ListKeys returns every series with a window starting at or after since.
func (s *PressureMetricStore) ListKeys(ctx context.Context, since int64) ([]domain.SeriesKey, error) {
	query := `
		SELECT DISTINCT strike, option_type
		FROM pressure_metrics
		WHERE window_start >= ?
		ORDER BY strike ASC, option_type ASC
	`

	rows, err := s.conn.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("query series keys: %w", err)
	}
	defer rows.Close()

	var keys []domain.SeriesKey
	for rows.Next() {
		var k domain.SeriesKey
		var optionType string
		if err := rows.Scan(&k.Strike, &optionType); err != nil {
			return nil, fmt.Errorf("scan series key: %w", err)
		}
		k.OptionType = domain.OptionType(optionType)
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate series keys: %w", err)
	}
	return keys, nil
}

// exists checks if a metric with the given key exists.
func (s *PressureMetricStore) exists(ctx context.Context, key domain.SeriesKey, windowStart int64) (bool, error) {
	query := `
		SELECT count(*) FROM pressure_metrics
		WHERE strike = ? AND option_type = ? AND window_start = ?
	`

	var count uint64
	err := s.conn.QueryRow(ctx, query, key.Strike, string(key.OptionType), windowStart).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// scanPressureMetrics scans multiple rows.
func scanPressureMetrics(rows chRows) ([]*domain.PressureMetric, error) {
	var metrics []*domain.PressureMetric

	for rows.Next() {
		var m domain.PressureMetric
		var optionType, dominantSide, qualityFlag string
		var tradeCount uint32

		err := rows.Scan(
			&m.Strike, &optionType, &m.WindowStart, &m.WindowEnd,
			&m.BidVolume, &m.AskVolume, &m.PressureRatio, &m.OneSided,
			&tradeCount, &m.TotalSize, &m.AvgTradeSize,
			&dominantSide, &m.Confidence, &qualityFlag,
		)
		if err != nil {
			return nil, fmt.Errorf("scan pressure metric row: %w", err)
		}

		m.OptionType = domain.OptionType(optionType)
		m.DominantSide = domain.DominantSide(dominantSide)
		m.QualityFlag = domain.QualityFlag(qualityFlag)
		m.TradeCount = int(tradeCount)
		metrics = append(metrics, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pressure metric rows: %w", err)
	}

	return metrics, nil
}
