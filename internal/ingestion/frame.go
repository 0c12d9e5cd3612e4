package ingestion

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"

	"options-flow-lab/internal/domain"
)

// ErrMalformedFrame is returned for frames that are not valid JSON objects.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame types.
const (
	FrameTrade     = "trade"
	FrameHeartbeat = "heartbeat"
)

// ParseFrame decodes one feed frame:
//
//	{"type":"trade","ts":1710252000000000000,"seq":17,"strike":5000,"option_type":"CALL",
//	 "expiration":"2024-03-15","price":12.5,"size":10,"bid":12.4,"ask":12.5}
//	{"type":"heartbeat","ts":1710252000000000000}
//
// Missing numeric fields stay nil; semantic validation is left to the normalizer.
func ParseFrame(data []byte) (*domain.RawTick, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformedFrame
	}
	r := gjson.ParseBytes(data)
	if !r.IsObject() {
		return nil, ErrMalformedFrame
	}

	t := &domain.RawTick{
		TimestampNs: r.Get("ts").Int(),
		Sequence:    r.Get("seq").Uint(),
		WireBytes:   len(data),
	}
	if r.Get("type").Str == FrameHeartbeat {
		t.Heartbeat = true
		return t, nil
	}

	t.Strike = r.Get("strike").Float()
	t.OptionType = parseOptionType(r.Get("option_type").Str)
	t.Expiration = r.Get("expiration").Str
	t.Price = optFloat(r.Get("price"))
	t.Size = optFloat(r.Get("size"))
	t.BidPrice = optFloat(r.Get("bid"))
	t.AskPrice = optFloat(r.Get("ask"))
	return t, nil
}

// ParseBatch decodes the frames of a backfill response {"ticks":[...]}.
// Malformed entries are skipped and counted in the second result.
func ParseBatch(body []byte) ([]*domain.RawTick, int, error) {
	if !gjson.ValidBytes(body) {
		return nil, 0, ErrMalformedFrame
	}
	var (
		ticks     []*domain.RawTick
		malformed int
	)
	gjson.GetBytes(body, "ticks").ForEach(func(_, v gjson.Result) bool {
		t, err := ParseFrame([]byte(v.Raw))
		if err != nil {
			malformed++
			return true
		}
		ticks = append(ticks, t)
		return true
	})
	return ticks, malformed, nil
}

func parseOptionType(s string) domain.OptionType {
	switch strings.ToUpper(s) {
	case "C", "CALL":
		return domain.OptionTypeCall
	case "P", "PUT":
		return domain.OptionTypePut
	default:
		return domain.OptionType(s)
	}
}

func optFloat(v gjson.Result) *float64 {
	if v.Type != gjson.Number {
		return nil
	}
	f := v.Float()
	return &f
}
