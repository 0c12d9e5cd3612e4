package domain

// DominantSide is the side carrying more volume in a window.
type DominantSide string

// Dominant sides.
const (
	DominantBuy     DominantSide = "BUY"
	DominantSell    DominantSide = "SELL"
	DominantNeutral DominantSide = "NEUTRAL"
)

// QualityFlag marks windows sealed with incomplete data.
type QualityFlag string

// Window quality flags.
const (
	QualityOK          QualityFlag = "OK"
	QualityPartial     QualityFlag = "PARTIAL"      // flushed before the window end
	QualityGapUnfilled QualityFlag = "GAP_UNFILLED" // overlaps an outage that backfill could not patch
)

// PressureMetric is a sealed pressure window.
// Corresponds to pressure_metrics table in ClickHouse.
type PressureMetric struct {
	Strike        float64
	OptionType    OptionType
	WindowStart   int64 // Unix nanoseconds, inclusive
	WindowEnd     int64 // Unix nanoseconds, exclusive
	BidVolume     float64
	AskVolume     float64
	PressureRatio float64 // AskVolume / BidVolume, capped when BidVolume is 0
	OneSided      bool    // ask volume with no bid volume
	TradeCount    int     // includes UNKNOWN trades
	TotalSize     float64
	AvgTradeSize  float64
	DominantSide  DominantSide
	Confidence    float64 // [0,1]
	QualityFlag   QualityFlag
}

// Key returns the aggregation series of the metric.
func (m *PressureMetric) Key() SeriesKey {
	return SeriesKey{Strike: m.Strike, OptionType: m.OptionType}
}

// SideVolume is bid plus ask volume.
func (m *PressureMetric) SideVolume() float64 {
	return m.BidVolume + m.AskVolume
}

// Imbalance returns |ask-bid|/(ask+bid), 0 when no side volume.
func (m *PressureMetric) Imbalance() float64 {
	total := m.SideVolume()
	if total <= 0 {
		return 0
	}
	diff := m.AskVolume - m.BidVolume
	if diff < 0 {
		diff = -diff
	}
	return diff / total
}
