package ingestion

import (
	"errors"
	"sort"

	"options-flow-lab/internal/domain"
)

// ErrInvalidOrdering is returned when ticks are not properly ordered.
var ErrInvalidOrdering = errors.New("ticks are not in deterministic order")

// SortTicks orders ticks by (timestamp ASC, sequence ASC).
// Backfill responses may arrive unordered; replaying them sorted keeps
// window assignment deterministic.
func SortTicks(ticks []*domain.RawTick) {
	sort.SliceStable(ticks, func(i, j int) bool {
		return compareTicks(ticks[i], ticks[j]) < 0
	})
}

// ValidateTickOrdering checks if ticks are properly ordered.
// Returns ErrInvalidOrdering if not.
func ValidateTickOrdering(ticks []*domain.RawTick) error {
	for i := 1; i < len(ticks); i++ {
		if compareTicks(ticks[i-1], ticks[i]) > 0 {
			return ErrInvalidOrdering
		}
	}
	return nil
}

// tickIdentity is the content of an unsequenced tick. Two ticks with the
// same identity at the same timestamp are treated as one redelivered tick.
type tickIdentity struct {
	ts         int64
	strike     float64
	optionType domain.OptionType
	expiration string
	price      float64
	size       float64
	bid        float64
	ask        float64
	hasBid     bool
	hasAsk     bool
}

func identityOf(t *domain.RawTick) tickIdentity {
	id := tickIdentity{
		ts:         t.TimestampNs,
		strike:     t.Strike,
		optionType: t.OptionType,
		expiration: t.Expiration,
	}
	if t.Price != nil {
		id.price = *t.Price
	}
	if t.Size != nil {
		id.size = *t.Size
	}
	if t.BidPrice != nil {
		id.bid, id.hasBid = *t.BidPrice, true
	}
	if t.AskPrice != nil {
		id.ask, id.hasAsk = *t.AskPrice, true
	}
	return id
}

// compareTicks returns:
//   - negative if a < b
//   - zero if a == b
//   - positive if a > b
//
// Order: (timestamp ASC, sequence ASC)
func compareTicks(a, b *domain.RawTick) int {
	if a.TimestampNs != b.TimestampNs {
		if a.TimestampNs < b.TimestampNs {
			return -1
		}
		return 1
	}
	if a.Sequence != b.Sequence {
		if a.Sequence < b.Sequence {
			return -1
		}
		return 1
	}
	return 0
}
