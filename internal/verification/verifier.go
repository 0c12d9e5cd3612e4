// Package verification checks that replaying a tick tape reproduces the
// pressure windows stored by the live service.
package verification

import (
	"context"
	"fmt"
	"math"
	"sort"

	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/storage"
)

// FloatTolerance is the tolerance for float64 comparisons.
const FloatTolerance = 1e-7

// FieldDivergence represents a mismatch between stored and replayed values.
type FieldDivergence struct {
	Field    string // field name
	Expected any    // stored value
	Actual   any    // replayed value
}

// WindowResult contains the result of verifying a single window.
type WindowResult struct {
	Key         domain.SeriesKey
	WindowStart int64
	Match       bool
	Missing     bool // stored but not replayed
	Extra       bool // replayed but never stored
	Divergences []FieldDivergence
}

// Report contains results for a verified range.
type Report struct {
	TotalWindows     int
	MatchedWindows   int
	DivergentWindows int
	MissingWindows   int
	ExtraWindows     int
	SkippedGaps      int            // stored windows flagged GAP_UNFILLED, not compared
	Results          []WindowResult // non-matching windows only
}

// OK reports whether every window matched.
func (r *Report) OK() bool {
	return r.DivergentWindows == 0 && r.MissingWindows == 0 && r.ExtraWindows == 0
}

type windowKey struct {
	series domain.SeriesKey
	start  int64
}

// VerifyRange compares replayed windows against the windows stored with
// window_start in [start, end].
func VerifyRange(ctx context.Context, stored storage.PressureMetricStore, replayed []*domain.PressureMetric, start, end int64) (*Report, error) {
	rows, err := stored.GetByTimeRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("load stored windows: %w", err)
	}

	var inRange []*domain.PressureMetric
	for _, m := range replayed {
		if m.WindowStart >= start && m.WindowStart <= end {
			inRange = append(inRange, m)
		}
	}
	return Compare(rows, inRange), nil
}

// Compare matches windows by (series, window_start) and compares each pair.
func Compare(stored, replayed []*domain.PressureMetric) *Report {
	byKey := make(map[windowKey]*domain.PressureMetric, len(replayed))
	for _, m := range replayed {
		byKey[windowKey{m.Key(), m.WindowStart}] = m
	}

	report := &Report{}
	seen := make(map[windowKey]bool, len(stored))
	for _, s := range stored {
		k := windowKey{s.Key(), s.WindowStart}
		seen[k] = true
		report.TotalWindows++

		if s.QualityFlag == domain.QualityGapUnfilled {
			report.SkippedGaps++
			continue
		}
		r, ok := byKey[k]
		if !ok {
			report.MissingWindows++
			report.Results = append(report.Results, WindowResult{Key: k.series, WindowStart: k.start, Missing: true})
			continue
		}
		divs := CompareMetrics(s, r)
		if len(divs) == 0 {
			report.MatchedWindows++
			continue
		}
		report.DivergentWindows++
		report.Results = append(report.Results, WindowResult{Key: k.series, WindowStart: k.start, Divergences: divs})
	}

	for k := range byKey {
		if !seen[k] {
			report.TotalWindows++
			report.ExtraWindows++
			report.Results = append(report.Results, WindowResult{Key: k.series, WindowStart: k.start, Extra: true})
		}
	}

	sort.Slice(report.Results, func(i, j int) bool {
		a, b := report.Results[i], report.Results[j]
		if a.WindowStart != b.WindowStart {
			return a.WindowStart < b.WindowStart
		}
		return a.Key.Less(b.Key)
	})
	return report
}

// CompareMetrics compares two windows of the same series and start.
// Uses FloatTolerance for float64 comparisons.
func CompareMetrics(stored, replayed *domain.PressureMetric) []FieldDivergence {
	var divergences []FieldDivergence
	add := func(field string, expected, actual any) {
		divergences = append(divergences, FieldDivergence{Field: field, Expected: expected, Actual: actual})
	}

	if stored.WindowEnd != replayed.WindowEnd {
		add("WindowEnd", stored.WindowEnd, replayed.WindowEnd)
	}
	if !floatEquals(stored.BidVolume, replayed.BidVolume) {
		add("BidVolume", stored.BidVolume, replayed.BidVolume)
	}
	if !floatEquals(stored.AskVolume, replayed.AskVolume) {
		add("AskVolume", stored.AskVolume, replayed.AskVolume)
	}
	if !floatEquals(stored.PressureRatio, replayed.PressureRatio) {
		add("PressureRatio", stored.PressureRatio, replayed.PressureRatio)
	}
	if stored.OneSided != replayed.OneSided {
		add("OneSided", stored.OneSided, replayed.OneSided)
	}
	if stored.TradeCount != replayed.TradeCount {
		add("TradeCount", stored.TradeCount, replayed.TradeCount)
	}
	if !floatEquals(stored.TotalSize, replayed.TotalSize) {
		add("TotalSize", stored.TotalSize, replayed.TotalSize)
	}
	if !floatEquals(stored.AvgTradeSize, replayed.AvgTradeSize) {
		add("AvgTradeSize", stored.AvgTradeSize, replayed.AvgTradeSize)
	}
	if stored.DominantSide != replayed.DominantSide {
		add("DominantSide", stored.DominantSide, replayed.DominantSide)
	}
	if !floatEquals(stored.Confidence, replayed.Confidence) {
		add("Confidence", stored.Confidence, replayed.Confidence)
	}
	if stored.QualityFlag != replayed.QualityFlag {
		add("QualityFlag", stored.QualityFlag, replayed.QualityFlag)
	}

	return divergences
}

// floatEquals compares two float64 values within FloatTolerance.
func floatEquals(a, b float64) bool {
	return math.Abs(a-b) <= FloatTolerance
}
