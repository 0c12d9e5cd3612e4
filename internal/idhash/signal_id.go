// Package idhash derives deterministic identifiers.
package idhash

import (
	"fmt"

	"github.com/google/uuid"

	"options-flow-lab/internal/domain"
)

// signalNamespace scopes signal IDs so they never collide with other UUIDv5 users.
var signalNamespace = uuid.MustParse("5b0f8a62-3c1e-4d7a-9e55-6a2f1d0c4b93")

// ComputeSignalID computes a deterministic signal_id for the window of key
// starting at windowStart.
// Formula: UUIDv5(namespace, strike|option_type|window_start)
// Replaying the same window yields the same ID.
func ComputeSignalID(key domain.SeriesKey, windowStart int64) string {
	data := fmt.Sprintf("%g|%s|%d", key.Strike, key.OptionType, windowStart)
	return uuid.NewSHA1(signalNamespace, []byte(data)).String()
}
