// Package pressure bins classified trades into calendar-aligned windows
// per (strike, option type) and seals them into PressureMetrics.
package pressure

import (
	"sort"
	"sync"
	"time"

	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/observability"
)

// Gate reports the budget level consulted before opening windows.
type Gate interface {
	Level() domain.BudgetLevel
}

// Config configures an Aggregator.
type Config struct {
	WindowLength             time.Duration
	SealGrace                time.Duration
	SampleScale              float64
	MaxPressureRatio         float64
	DegradedWindowMultiplier int
	DegradedMinTradeSize     float64
	GapConfidencePenalty     float64
}

func (c Config) params() MetricParams {
	return MetricParams{
		SampleScale:          c.SampleScale,
		MaxPressureRatio:     c.MaxPressureRatio,
		GapConfidencePenalty: c.GapConfidencePenalty,
	}
}

// Outcome of admitting a trade.
type Outcome int

const (
	Accepted Outcome = iota
	DroppedLate
	DroppedHalted
	DroppedFiltered
)

// DropReason maps an outcome to its drop counter label.
func (o Outcome) DropReason() string {
	switch o {
	case DroppedLate:
		return observability.DropLate
	case DroppedHalted:
		return observability.DropHalted
	case DroppedFiltered:
		return observability.DropFiltered
	default:
		return ""
	}
}

type series struct {
	open          *Window
	closed        []*Window // elapsed by event time, waiting for Seal
	lastEnd       int64     // end of the newest window ever opened
	sealedThrough int64
}

type gapRange struct{ start, end int64 }

// Aggregator holds the open windows of every series.
// At most one window per series is open; windows never overlap.
type Aggregator struct {
	mu      sync.Mutex
	cfg     Config
	gate    Gate
	series  map[domain.SeriesKey]*series
	gaps    []gapRange
	metrics *observability.Metrics
}

// NewAggregator creates an Aggregator. gate and metrics may be nil.
func NewAggregator(cfg Config, gate Gate, metrics *observability.Metrics) *Aggregator {
	if cfg.DegradedWindowMultiplier < 1 {
		cfg.DegradedWindowMultiplier = 1
	}
	if cfg.GapConfidencePenalty <= 0 {
		cfg.GapConfidencePenalty = 1
	}
	return &Aggregator{
		cfg:     cfg,
		gate:    gate,
		series:  make(map[domain.SeriesKey]*series),
		metrics: metrics,
	}
}

// WindowStart aligns ts down to a multiple of length.
func WindowStart(ts int64, length time.Duration) int64 {
	l := int64(length)
	start := (ts / l) * l
	if ts < 0 && ts%l != 0 {
		start -= l
	}
	return start
}

func (a *Aggregator) level() domain.BudgetLevel {
	if a.gate == nil {
		return domain.BudgetNormal
	}
	return a.gate.Level()
}

// Add routes a trade to its window, opening one if needed.
func (a *Aggregator) Add(t domain.ClassifiedTrade) Outcome {
	level := a.level()
	if level == domain.BudgetDegraded && t.Size < a.cfg.DegradedMinTradeSize {
		return DroppedFiltered
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := t.Key()
	s, ok := a.series[key]
	if !ok {
		s = &series{}
		a.series[key] = s
	}

	ts := t.TimestampNs
	if s.open != nil && s.open.Contains(ts) {
		s.open.Add(t)
		return Accepted
	}
	if ts < s.lastEnd || ts < s.sealedThrough {
		return DroppedLate
	}

	if s.open != nil {
		s.closed = append(s.closed, s.open)
		s.open = nil
	}
	if level == domain.BudgetHalted {
		return DroppedHalted
	}

	length := a.cfg.WindowLength
	if level == domain.BudgetDegraded {
		length *= time.Duration(a.cfg.DegradedWindowMultiplier)
	}
	aligned := WindowStart(ts, length)
	w := &Window{Start: aligned, End: aligned + int64(length)}
	if w.Start < s.lastEnd {
		// window length changed mid-grid; keep windows contiguous
		w.Start = s.lastEnd
	}
	w.Gap = a.overlapsGap(w.Start, w.End)
	w.Add(t)

	s.open = w
	s.lastEnd = w.End
	a.metrics.SetOpenWindows(a.openCountLocked())
	return Accepted
}

// Seal emits every window whose end plus grace is at or before now.
// Sealed windows are removed, so sealing twice emits nothing new.
func (a *Aggregator) Seal(now int64) []domain.PressureMetric {
	return a.seal(now, false)
}

// Flush seals every window regardless of its end.
// Windows that have not ended by now are flagged PARTIAL.
func (a *Aggregator) Flush(now int64) []domain.PressureMetric {
	return a.seal(now, true)
}

func (a *Aggregator) seal(now int64, all bool) []domain.PressureMetric {
	a.mu.Lock()
	defer a.mu.Unlock()

	grace := int64(a.cfg.SealGrace)
	due := func(w *Window) bool { return all || w.End+grace <= now }
	params := a.cfg.params()

	var out []domain.PressureMetric
	emit := func(key domain.SeriesKey, s *series, w *Window) {
		m := w.Metric(key, params)
		if w.End > now && m.QualityFlag == domain.QualityOK {
			m.QualityFlag = domain.QualityPartial
		}
		out = append(out, m)
		if w.End > s.sealedThrough {
			s.sealedThrough = w.End
		}
	}

	for key, s := range a.series {
		kept := s.closed[:0]
		for _, w := range s.closed {
			if due(w) {
				emit(key, s, w)
			} else {
				kept = append(kept, w)
			}
		}
		s.closed = kept
		if s.open != nil && due(s.open) {
			emit(key, s, s.open)
			s.open = nil
		}
	}

	a.pruneGapsLocked(now)

	sort.Slice(out, func(i, j int) bool {
		if out[i].WindowStart != out[j].WindowStart {
			return out[i].WindowStart < out[j].WindowStart
		}
		return out[i].Key().Less(out[j].Key())
	})

	for _, m := range out {
		a.metrics.RecordWindowSealed(string(m.QualityFlag))
	}
	a.metrics.SetOpenWindows(a.openCountLocked())
	return out
}

// MarkGap flags every unsealed window overlapping [start, end), and
// windows opened later that overlap it, as GAP_UNFILLED.
func (a *Aggregator) MarkGap(start, end int64) {
	if end <= start {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.gaps = append(a.gaps, gapRange{start: start, end: end})
	for _, s := range a.series {
		for _, w := range s.closed {
			if overlaps(w.Start, w.End, start, end) {
				w.Gap = true
			}
		}
		if s.open != nil && overlaps(s.open.Start, s.open.End, start, end) {
			s.open.Gap = true
		}
	}
}

// OpenWindows returns the number of unsealed windows.
func (a *Aggregator) OpenWindows() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.openCountLocked()
}

func (a *Aggregator) openCountLocked() int {
	n := 0
	for _, s := range a.series {
		n += len(s.closed)
		if s.open != nil {
			n++
		}
	}
	return n
}

func (a *Aggregator) overlapsGap(start, end int64) bool {
	for _, g := range a.gaps {
		if overlaps(start, end, g.start, g.end) {
			return true
		}
	}
	return false
}

// pruneGapsLocked forgets gaps no future window can overlap.
func (a *Aggregator) pruneGapsLocked(now int64) {
	horizon := now - 2*int64(a.cfg.WindowLength)*int64(a.cfg.DegradedWindowMultiplier)
	kept := a.gaps[:0]
	for _, g := range a.gaps {
		if g.end > horizon {
			kept = append(kept, g)
		}
	}
	a.gaps = kept
}

func overlaps(aStart, aEnd, bStart, bEnd int64) bool {
	return aStart < bEnd && bStart < aEnd
}
