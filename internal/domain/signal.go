package domain

// ActionClass is the recommended action tier of a signal.
type ActionClass string

// Action tiers, strongest first.
const (
	ActionStrong   ActionClass = "STRONG"
	ActionModerate ActionClass = "MODERATE"
	ActionMonitor  ActionClass = "MONITOR"
	ActionIgnore   ActionClass = "IGNORE"
)

// InstitutionalSignal is an emitted institutional-flow signal.
// Corresponds to institutional_signals table in PostgreSQL.
type InstitutionalSignal struct {
	SignalID string // UUID

	// Source metric reference
	Strike      float64
	OptionType  OptionType
	WindowStart int64
	WindowEnd   int64

	Direction        DominantSide
	PressureRatio    float64
	OneSided         bool
	TradeCount       int
	MetricConfidence float64
	QualityFlag      QualityFlag

	// Scoring
	AnomalyScore           float64 // standardized deviation from baseline, 0 without one
	BaselineUsed           bool
	MarketMakingLikelihood float64 // [0,1]
	MarketMakingPenalty    float64 // multiplier applied to confidence, (0,1]
	FinalConfidence        float64
	Action                 ActionClass

	EmittedAt int64 // Unix nanoseconds
}

// Key returns the aggregation series of the signal.
func (s *InstitutionalSignal) Key() SeriesKey {
	return SeriesKey{Strike: s.Strike, OptionType: s.OptionType}
}
