package pressure

import (
	"math"

	"options-flow-lab/internal/domain"
)

// Window is the mutable accumulator of one (series, window start).
// The interval is half-open: [Start, End).
type Window struct {
	Start      int64
	End        int64
	BidVolume  float64
	AskVolume  float64
	TradeCount int
	TotalSize  float64
	Gap        bool // overlaps an unfilled outage
}

// Contains reports whether ts falls inside the window.
func (w *Window) Contains(ts int64) bool {
	return ts >= w.Start && ts < w.End
}

// Add accumulates a trade. UNKNOWN trades count but add no side volume.
func (w *Window) Add(t domain.ClassifiedTrade) {
	w.TradeCount++
	w.TotalSize += t.Size
	switch t.Side {
	case domain.SideBuy:
		w.AskVolume += t.Size
	case domain.SideSell:
		w.BidVolume += t.Size
	}
}

// MetricParams are the numeric policies used to seal a window.
type MetricParams struct {
	SampleScale          float64
	MaxPressureRatio     float64
	GapConfidencePenalty float64
}

// Metric converts the window into an immutable PressureMetric.
func (w *Window) Metric(key domain.SeriesKey, p MetricParams) domain.PressureMetric {
	m := domain.PressureMetric{
		Strike:       key.Strike,
		OptionType:   key.OptionType,
		WindowStart:  w.Start,
		WindowEnd:    w.End,
		BidVolume:    w.BidVolume,
		AskVolume:    w.AskVolume,
		TradeCount:   w.TradeCount,
		TotalSize:    w.TotalSize,
		DominantSide: domain.DominantNeutral,
		QualityFlag:  domain.QualityOK,
	}
	if w.TradeCount > 0 {
		m.AvgTradeSize = w.TotalSize / float64(w.TradeCount)
	}

	m.PressureRatio, m.OneSided = Ratio(w.BidVolume, w.AskVolume, p.MaxPressureRatio)

	switch {
	case w.AskVolume > w.BidVolume:
		m.DominantSide = domain.DominantBuy
	case w.BidVolume > w.AskVolume:
		m.DominantSide = domain.DominantSell
	}

	// No side volume means nothing directional to score.
	if w.BidVolume+w.AskVolume > 0 {
		m.Confidence = Confidence(w.TradeCount, m.Imbalance(), p.SampleScale)
	}
	if w.Gap {
		m.QualityFlag = domain.QualityGapUnfilled
		m.Confidence *= p.GapConfidencePenalty
	}
	return m
}

// Ratio returns ask/bid capped at maxRatio.
// Ask volume with no bid volume is one-sided and maps to maxRatio.
// No side volume at all yields 0.
func Ratio(bid, ask, maxRatio float64) (ratio float64, oneSided bool) {
	switch {
	case bid > 0:
		return math.Min(ask/bid, maxRatio), false
	case ask > 0:
		return maxRatio, true
	default:
		return 0, false
	}
}

// Confidence scores a window from its trade count and volume imbalance.
// It is non-decreasing in both. Callers handle windows with no side
// volume, which score 0 regardless of trade count.
//
//	(1 - e^(-n/scale)) * (0.25 + 0.75*imbalance)
func Confidence(tradeCount int, imbalance, sampleScale float64) float64 {
	if tradeCount <= 0 || sampleScale <= 0 {
		return 0
	}
	if math.IsNaN(imbalance) || imbalance < 0 {
		return 0
	}
	if imbalance > 1 {
		imbalance = 1
	}
	sample := 1 - math.Exp(-float64(tradeCount)/sampleScale)
	return sample * (0.25 + 0.75*imbalance)
}
