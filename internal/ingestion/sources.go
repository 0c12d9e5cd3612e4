package ingestion

import (
	"context"
	"errors"

	"options-flow-lab/internal/domain"
)

// Ingestion errors.
var (
	// ErrEndOfStream is returned by Next when a finite source is exhausted.
	ErrEndOfStream = errors.New("end of stream")

	// ErrHeartbeatMissed is returned when no frame arrived within the heartbeat timeout.
	ErrHeartbeatMissed = errors.New("heartbeat missed")

	// ErrReconnectExhausted is returned when every reconnection attempt failed.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrBackfillUnavailable is returned by sources that cannot serve historical ranges.
	ErrBackfillUnavailable = errors.New("backfill unavailable")

	// ErrNotConnected is returned by Next before Connect succeeded.
	ErrNotConnected = errors.New("not connected")
)

// TickSource is a live MBO feed that can also replay historical ranges.
type TickSource interface {
	// Connect opens (or reopens) the live stream.
	Connect(ctx context.Context) error

	// Next blocks for the next frame. Heartbeat frames are returned with
	// Heartbeat set. Returns ErrEndOfStream when a finite source is done.
	Next(ctx context.Context) (*domain.RawTick, error)

	// Backfill returns the ticks with timestamp in [start, end] (inclusive).
	// Ticks may be unordered; the caller enforces deterministic ordering.
	Backfill(ctx context.Context, start, end int64) ([]*domain.RawTick, error)

	// Close releases the live stream. Connect may be called again afterwards.
	Close() error
}
