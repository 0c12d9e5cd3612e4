// Package signal scores sealed pressure metrics against their baselines and
// classifies them into action tiers.
package signal

import (
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"options-flow-lab/internal/baseline"
	"options-flow-lab/internal/config"
	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/idhash"
	"options-flow-lab/internal/observability"
)

// Rejection reasons reported when Evaluate returns no signal.
const (
	RejectLowConfidence = "low_confidence"
	RejectNoVolume      = "no_volume"
	RejectBelowTier     = "below_tier"
)

// BaselineProvider returns the usable profile of a series or baseline.ErrNoBaseline.
type BaselineProvider interface {
	Get(key domain.SeriesKey) (*domain.BaselineProfile, error)
}

// Options configures an Engine.
type Options struct {
	Params    config.Signal
	Baselines BaselineProvider // nil scores every metric without a baseline
	Clock     func() time.Time
	NewID     func(m *domain.PressureMetric) string // defaults to a UUIDv5 of the source window
	Logger    zerolog.Logger
	Metrics   *observability.Metrics
}

// Engine evaluates metrics independently; it holds no per-window state.
type Engine struct {
	params    config.Signal
	baselines BaselineProvider
	clock     func() time.Time
	newID     func(m *domain.PressureMetric) string
	log       zerolog.Logger
	metrics   *observability.Metrics
}

// New creates a new Engine.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func(m *domain.PressureMetric) string {
			return idhash.ComputeSignalID(m.Key(), m.WindowStart)
		}
	}
	if opts.Params.Epsilon <= 0 {
		opts.Params.Epsilon = 1e-6
	}
	if opts.Params.AnomalyScale <= 0 {
		opts.Params.AnomalyScale = 1
	}
	return &Engine{
		params:    opts.Params,
		baselines: opts.Baselines,
		clock:     opts.Clock,
		newID:     opts.NewID,
		log:       opts.Logger.With().Str("component", "signal").Logger(),
		metrics:   opts.Metrics,
	}
}

// Evaluate scores a sealed metric. It returns nil and a rejection reason
// when the metric does not qualify for any action tier.
func (e *Engine) Evaluate(m *domain.PressureMetric) (*domain.InstitutionalSignal, string) {
	if m.SideVolume() <= 0 {
		return e.reject(RejectNoVolume)
	}
	if m.Confidence < e.params.MinConfidence {
		return e.reject(RejectLowConfidence)
	}

	anomaly, used := e.anomaly(m)
	likelihood := MarketMakingLikelihood(m, e.params.MarketMaking)
	multiplier := PenaltyMultiplier(likelihood, e.params.MarketMaking.Penalty)

	aligned := AlignedAnomaly(anomaly, m.DominantSide)
	final := FinalConfidence(m.Confidence, aligned, multiplier, e.params.AnomalyWeight, e.params.AnomalyScale)

	action := Classify(final, e.params)
	if action == domain.ActionIgnore {
		return e.reject(RejectBelowTier)
	}

	sig := &domain.InstitutionalSignal{
		SignalID:               e.newID(m),
		Strike:                 m.Strike,
		OptionType:             m.OptionType,
		WindowStart:            m.WindowStart,
		WindowEnd:              m.WindowEnd,
		Direction:              m.DominantSide,
		PressureRatio:          m.PressureRatio,
		OneSided:               m.OneSided,
		TradeCount:             m.TradeCount,
		MetricConfidence:       m.Confidence,
		QualityFlag:            m.QualityFlag,
		AnomalyScore:           anomaly,
		BaselineUsed:           used,
		MarketMakingLikelihood: likelihood,
		MarketMakingPenalty:    multiplier,
		FinalConfidence:        final,
		Action:                 action,
		EmittedAt:              e.clock().UnixNano(),
	}
	e.metrics.RecordSignal(string(action))
	return sig, ""
}

func (e *Engine) reject(reason string) (*domain.InstitutionalSignal, string) {
	e.metrics.RecordRejected(reason)
	return nil, reason
}

// anomaly returns the standardized deviation of the metric's ratio from
// its baseline, or 0 without a usable baseline.
func (e *Engine) anomaly(m *domain.PressureMetric) (float64, bool) {
	if e.baselines == nil {
		return 0, false
	}
	p, err := e.baselines.Get(m.Key())
	if err != nil {
		if !errors.Is(err, baseline.ErrNoBaseline) {
			e.log.Warn().Err(err).Str("series", m.Key().String()).Msg("baseline lookup failed")
		}
		return 0, false
	}
	return AnomalyScore(m.PressureRatio, p.MeanPressureRatio, p.StddevPressureRatio, e.params.Epsilon), true
}

// AnomalyScore is (ratio-mean)/max(stddev, epsilon).
func AnomalyScore(ratio, mean, stddev, epsilon float64) float64 {
	return (ratio - mean) / math.Max(stddev, epsilon)
}

// AlignedAnomaly orients the anomaly with the dominant side so that unusual
// pressure in the direction of the flow raises confidence.
func AlignedAnomaly(anomaly float64, side domain.DominantSide) float64 {
	switch side {
	case domain.DominantBuy:
		return anomaly
	case domain.DominantSell:
		return -anomaly
	default:
		return 0
	}
}

// MarketMakingLikelihood estimates in [0,1] how much a window resembles
// two-sided liquidity provision: balanced volume, many trades, small sizes.
func MarketMakingLikelihood(m *domain.PressureMetric, p config.MarketMaking) float64 {
	if m.SideVolume() <= 0 || p.BalanceThreshold <= 0 || p.HighTradeCount <= 0 {
		return 0
	}

	balance := 1 - m.Imbalance()/p.BalanceThreshold
	if balance <= 0 {
		return 0
	}

	activity := math.Min(1, float64(m.TradeCount)/float64(p.HighTradeCount))

	smallness := 1.0
	if p.MaxAvgTradeSize > 0 && m.AvgTradeSize > p.MaxAvgTradeSize {
		smallness = p.MaxAvgTradeSize / m.AvgTradeSize
	}

	return clamp01(balance * activity * smallness)
}

// PenaltyMultiplier interpolates between 1 at zero likelihood and penalty
// at full likelihood.
func PenaltyMultiplier(likelihood, penalty float64) float64 {
	return 1 - likelihood*(1-penalty)
}

// FinalConfidence combines metric confidence, aligned anomaly and the
// market-making multiplier into [0,1].
func FinalConfidence(confidence, aligned, multiplier, weight, scale float64) float64 {
	boost := 1 + weight*math.Tanh(aligned/scale)
	return clamp01(confidence * boost * multiplier)
}

// Classify maps a final confidence onto an action tier.
func Classify(final float64, p config.Signal) domain.ActionClass {
	switch {
	case final >= p.StrongAt:
		return domain.ActionStrong
	case final >= p.ModerateAt:
		return domain.ActionModerate
	case final >= p.MonitorAt:
		return domain.ActionMonitor
	default:
		return domain.ActionIgnore
	}
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
