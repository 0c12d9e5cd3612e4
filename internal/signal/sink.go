package signal

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/storage"
)

// Sink receives emitted signals.
type Sink interface {
	Emit(ctx context.Context, s *domain.InstitutionalSignal) error
}

// ChannelSink delivers signals on a channel. Emit blocks until the signal is
// received or ctx is done.
type ChannelSink struct {
	ch chan *domain.InstitutionalSignal
}

// NewChannelSink creates a ChannelSink with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan *domain.InstitutionalSignal, buffer)}
}

// Signals returns the receive side of the sink.
func (c *ChannelSink) Signals() <-chan *domain.InstitutionalSignal { return c.ch }

// Emit implements Sink.
func (c *ChannelSink) Emit(ctx context.Context, s *domain.InstitutionalSignal) error {
	select {
	case c.ch <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes each signal as a structured log line.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

// Emit implements Sink.
func (l *LogSink) Emit(_ context.Context, s *domain.InstitutionalSignal) error {
	l.log.Info().
		Str("signal_id", s.SignalID).
		Str("series", s.Key().String()).
		Int64("window_start", s.WindowStart).
		Str("direction", string(s.Direction)).
		Str("action", string(s.Action)).
		Float64("pressure_ratio", s.PressureRatio).
		Bool("one_sided", s.OneSided).
		Float64("anomaly", s.AnomalyScore).
		Float64("confidence", s.FinalConfidence).
		Str("quality", string(s.QualityFlag)).
		Msg("institutional signal")
	return nil
}

// StoreSink persists signals. A signal for an already recorded window is
// ignored so replays stay idempotent.
type StoreSink struct {
	store storage.SignalStore
}

// NewStoreSink creates a StoreSink.
func NewStoreSink(store storage.SignalStore) *StoreSink {
	return &StoreSink{store: store}
}

// Emit implements Sink.
func (s *StoreSink) Emit(ctx context.Context, sig *domain.InstitutionalSignal) error {
	if err := s.store.Insert(ctx, sig); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		return fmt.Errorf("store signal %s: %w", sig.SignalID, err)
	}
	return nil
}

// MultiSink fans a signal out to every sink and joins their errors.
type MultiSink []Sink

// Emit implements Sink.
func (m MultiSink) Emit(ctx context.Context, s *domain.InstitutionalSignal) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Emit(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
