package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/storage"
)

// SignalStore implements storage.SignalStore using PostgreSQL.
type SignalStore struct {
	pool *Pool
}

// NewSignalStore creates a new SignalStore.
func NewSignalStore(pool *Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

// Compile-time interface check.
var _ storage.SignalStore = (*SignalStore)(nil)

const signalColumns = `
	signal_id, strike, option_type, window_start, window_end, direction,
	pressure_ratio, one_sided, trade_count, metric_confidence, quality_flag,
	anomaly_score, baseline_used, market_making_likelihood, market_making_penalty,
	final_confidence, action, emitted_at`

// Insert adds an emitted signal. Returns ErrDuplicateKey if the signal ID
// or its source window exists.
func (s *SignalStore) Insert(ctx context.Context, sig *domain.InstitutionalSignal) (err error) {
	if sig == nil {
		return storage.ErrInvalidInput
	}
	id, err := uuid.Parse(sig.SignalID)
	if err != nil {
		return fmt.Errorf("%w: signal id: %v", storage.ErrInvalidInput, err)
	}
	start := time.Now()
	defer func() { s.pool.observe("insert_signal", start, err) }()

	query := `
		INSERT INTO institutional_signals (` + signalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err = s.pool.Exec(ctx, query,
		id,
		sig.Strike,
		string(sig.OptionType),
		sig.WindowStart,
		sig.WindowEnd,
		string(sig.Direction),
		sig.PressureRatio,
		sig.OneSided,
		sig.TradeCount,
		sig.MetricConfidence,
		string(sig.QualityFlag),
		sig.AnomalyScore,
		sig.BaselineUsed,
		sig.MarketMakingLikelihood,
		sig.MarketMakingPenalty,
		sig.FinalConfidence,
		string(sig.Action),
		sig.EmittedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// GetByTimeRange retrieves signals within [start, end] (inclusive).
func (s *SignalStore) GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.InstitutionalSignal, error) {
	query := `
		SELECT ` + signalColumns + `
		FROM institutional_signals
		WHERE window_start >= $1 AND window_start <= $2
		ORDER BY window_start ASC, strike ASC, option_type ASC
	`

	rows, err := s.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("query signals by time range: %w", err)
	}
	defer rows.Close()

	var signals []*domain.InstitutionalSignal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		signals = append(signals, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signals: %w", err)
	}
	return signals, nil
}

// scanSignal scans a single row into InstitutionalSignal.
func scanSignal(row pgx.Row) (*domain.InstitutionalSignal, error) {
	var sig domain.InstitutionalSignal
	var id uuid.UUID
	var optionType, direction, qualityFlag, action string

	err := row.Scan(
		&id,
		&sig.Strike,
		&optionType,
		&sig.WindowStart,
		&sig.WindowEnd,
		&direction,
		&sig.PressureRatio,
		&sig.OneSided,
		&sig.TradeCount,
		&sig.MetricConfidence,
		&qualityFlag,
		&sig.AnomalyScore,
		&sig.BaselineUsed,
		&sig.MarketMakingLikelihood,
		&sig.MarketMakingPenalty,
		&sig.FinalConfidence,
		&action,
		&sig.EmittedAt,
	)
	if err != nil {
		return nil, err
	}

	sig.SignalID = id.String()
	sig.OptionType = domain.OptionType(optionType)
	sig.Direction = domain.DominantSide(direction)
	sig.QualityFlag = domain.QualityFlag(qualityFlag)
	sig.Action = domain.ActionClass(action)
	return &sig, nil
}
