package domain

import "fmt"

// OptionType identifies the right of an options contract.
type OptionType string

// Supported option types.
const (
	OptionTypeCall OptionType = "CALL"
	OptionTypePut  OptionType = "PUT"
)

// Valid reports whether t is a known option type.
func (t OptionType) Valid() bool {
	return t == OptionTypeCall || t == OptionTypePut
}

// SeriesKey identifies one aggregation series: a strike and option type.
// Expiration is carried on ticks but is not part of the key.
type SeriesKey struct {
	Strike     float64
	OptionType OptionType
}

func (k SeriesKey) String() string {
	return fmt.Sprintf("%g/%s", k.Strike, k.OptionType)
}

// Less orders keys by strike, then option type.
func (k SeriesKey) Less(other SeriesKey) bool {
	if k.Strike != other.Strike {
		return k.Strike < other.Strike
	}
	return k.OptionType < other.OptionType
}

// RawTick is a tick as delivered by the feed boundary.
// Optional fields are nil when the feed omitted them.
type RawTick struct {
	TimestampNs int64      // feed clock, Unix nanoseconds
	Sequence    uint64     // feed sequence number, 0 when the feed has none
	Strike      float64    // contract strike
	OptionType  OptionType // CALL or PUT
	Expiration  string     // contract expiration, YYYY-MM-DD
	Price       *float64   // trade price
	Size        *float64   // trade size (contracts)
	BidPrice    *float64   // best bid at event time
	AskPrice    *float64   // best ask at event time
	Heartbeat   bool       // keepalive frame, carries no trade
	WireBytes   int        // encoded size on the wire
}

// TickEvent is a validated trade event. Quotes stay optional.
type TickEvent struct {
	TimestampNs int64
	Sequence    uint64
	Strike      float64
	OptionType  OptionType
	Expiration  string
	Price       float64
	Size        float64
	BidPrice    *float64
	AskPrice    *float64
}

// Key returns the aggregation series of the event.
func (e TickEvent) Key() SeriesKey {
	return SeriesKey{Strike: e.Strike, OptionType: e.OptionType}
}

// Side is the derived aggressor side of a trade.
type Side string

// Aggressor sides.
const (
	SideBuy     Side = "BUY"
	SideSell    Side = "SELL"
	SideUnknown Side = "UNKNOWN"
)

// ClassifiedTrade is a TickEvent with its derived aggressor side.
type ClassifiedTrade struct {
	TickEvent
	Side Side
}
