package normalization

import (
	"math"
	"sync/atomic"

	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/observability"
)

// Normalizer converts raw ticks into classified trades.
// Malformed ticks are discarded and counted; Normalize never fails.
type Normalizer struct {
	dropped atomic.Uint64
	metrics *observability.Metrics
}

// NewNormalizer creates a Normalizer. metrics may be nil.
func NewNormalizer(metrics *observability.Metrics) *Normalizer {
	return &Normalizer{metrics: metrics}
}

// Normalize validates raw and derives its aggressor side.
// The second result is false when the tick was discarded.
// Heartbeats are discarded without counting as malformed.
func (n *Normalizer) Normalize(raw *domain.RawTick) (domain.ClassifiedTrade, bool) {
	if raw != nil && raw.Heartbeat {
		return domain.ClassifiedTrade{}, false
	}
	event, ok := ToEvent(raw)
	if !ok {
		n.dropped.Add(1)
		n.metrics.RecordDrop(observability.DropMalformed)
		return domain.ClassifiedTrade{}, false
	}
	return domain.ClassifiedTrade{
		TickEvent: event,
		Side:      Classify(event.Price, event.BidPrice, event.AskPrice),
	}, true
}

// Dropped returns the number of malformed ticks discarded so far.
func (n *Normalizer) Dropped() uint64 {
	return n.dropped.Load()
}

// ToEvent validates raw into a TickEvent.
// Invalid quotes are cleared rather than rejecting the trade.
func ToEvent(raw *domain.RawTick) (domain.TickEvent, bool) {
	if raw == nil || raw.Heartbeat {
		return domain.TickEvent{}, false
	}
	if !positive(raw.Price) || !positive(raw.Size) {
		return domain.TickEvent{}, false
	}
	if !(raw.Strike > 0) || math.IsInf(raw.Strike, 0) || !raw.OptionType.Valid() {
		return domain.TickEvent{}, false
	}
	if raw.TimestampNs <= 0 {
		return domain.TickEvent{}, false
	}

	event := domain.TickEvent{
		TimestampNs: raw.TimestampNs,
		Sequence:    raw.Sequence,
		Strike:      raw.Strike,
		OptionType:  raw.OptionType,
		Expiration:  raw.Expiration,
		Price:       *raw.Price,
		Size:        *raw.Size,
	}
	if positive(raw.BidPrice) {
		bid := *raw.BidPrice
		event.BidPrice = &bid
	}
	if positive(raw.AskPrice) {
		ask := *raw.AskPrice
		event.AskPrice = &ask
	}
	return event, true
}

// Classify derives the aggressor side of a trade at price against the quote.
// BUY when price >= ask, SELL when price <= bid. A missing quote, a trade
// strictly inside the spread, or a crossed quote matching both rules is UNKNOWN.
func Classify(price float64, bid, ask *float64) domain.Side {
	if bid == nil || ask == nil {
		return domain.SideUnknown
	}
	atAsk := price >= *ask
	atBid := price <= *bid
	switch {
	case atAsk && !atBid:
		return domain.SideBuy
	case atBid && !atAsk:
		return domain.SideSell
	default:
		return domain.SideUnknown
	}
}

func positive(v *float64) bool {
	return v != nil && *v > 0 && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}
