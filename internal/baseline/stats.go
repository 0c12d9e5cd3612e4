package baseline

import (
	"math"
	"time"

	"options-flow-lab/internal/domain"
)

// Compute builds a profile for key from the metrics of its lookback.
// Windows without side volume count toward data quality but are
// excluded from the pressure ratio statistics.
func Compute(key domain.SeriesKey, rows []*domain.PressureMetric, lookbackDays, expectedWindows int, builtAt int64) *domain.BaselineProfile {
	p := &domain.BaselineProfile{
		Strike:          key.Strike,
		OptionType:      key.OptionType,
		LookbackDays:    lookbackDays,
		SampleCount:     len(rows),
		ExpectedWindows: expectedWindows,
		BuiltAt:         builtAt,
	}

	var ratios, volumes, counts []float64
	for _, m := range rows {
		volumes = append(volumes, m.SideVolume())
		counts = append(counts, float64(m.TradeCount))
		if m.SideVolume() > 0 {
			ratios = append(ratios, m.PressureRatio)
		}
	}

	p.MeanPressureRatio = computeMean(ratios)
	p.StddevPressureRatio = computeStddev(ratios, p.MeanPressureRatio)
	p.MeanVolume = computeMean(volumes)
	p.StddevVolume = computeStddev(volumes, p.MeanVolume)
	p.MeanTradeCount = computeMean(counts)
	p.DataQuality = DataQuality(len(rows), expectedWindows)
	return p
}

// ExpectedWindows is the number of windows a fully covered lookback holds.
func ExpectedWindows(lookbackDays int, sessionLength, windowLength time.Duration) int {
	if windowLength <= 0 || lookbackDays <= 0 {
		return 0
	}
	return lookbackDays * int(sessionLength/windowLength)
}

// DataQuality is present/expected capped at 1.
func DataQuality(present, expected int) float64 {
	if expected <= 0 {
		return 0
	}
	return math.Min(1, float64(present)/float64(expected))
}

// computeMean calculates arithmetic mean.
func computeMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// computeStddev calculates sample standard deviation.
func computeStddev(values []float64, mean float64) float64 {
	n := len(values)
	if n < 2 {
		return 0 // Need at least 2 samples for sample stddev
	}
	sumSq := 0.0
	for _, v := range values {
		diff := v - mean
		sumSq += diff * diff
	}
	return math.Sqrt(sumSq / float64(n-1))
}
