package stub

import (
	"context"
	"errors"
	"sync"

	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/ingestion"
)

// ErrConnectionReset is returned by Next at a scripted disconnect.
var ErrConnectionReset = errors.New("connection reset by peer")

// ErrDialRefused is returned by Connect for scripted connect failures.
var ErrDialRefused = errors.New("dial refused")

// StubTickSource replays fixed in-memory ticks for testing.
// The live stream can be scripted to drop and lose a span of ticks;
// Backfill serves any range from the full tape.
// Implements ingestion.TickSource interface.
type StubTickSource struct {
	mu sync.Mutex

	tape []*domain.RawTick
	pos  int

	connected    bool
	connects     int
	failConnects int

	// live index -> index the stream resumes at
	outages map[int]int
	stalls  map[int]bool

	holdOpen bool // block instead of ending the stream

	backfillErr    error
	backfillRanges [][2]int64
}

var _ ingestion.TickSource = (*StubTickSource)(nil)

// NewStubTickSource creates a new stub source over ticks.
func NewStubTickSource(ticks []*domain.RawTick) *StubTickSource {
	return &StubTickSource{
		tape:    ticks,
		outages: make(map[int]int),
		stalls:  make(map[int]bool),
	}
}

// DropBetween makes the live stream fail before tick from and resume at tick to.
// Ticks in [from, to) are only reachable through Backfill.
func (s *StubTickSource) DropBetween(from, to int) *StubTickSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outages[from] = to
	return s
}

// StallAt makes Next block until its context is done before delivering tick i, once.
func (s *StubTickSource) StallAt(i int) *StubTickSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalls[i] = true
	return s
}

// FailConnects makes the next n Connect calls fail.
func (s *StubTickSource) FailConnects(n int) *StubTickSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failConnects = n
	return s
}

// FailBackfill makes every Backfill call return err.
func (s *StubTickSource) FailBackfill(err error) *StubTickSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backfillErr = err
	return s
}

// HoldOpen makes Next block at the end of the tape instead of returning
// ErrEndOfStream, like a live feed with no traffic.
func (s *StubTickSource) HoldOpen() *StubTickSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdOpen = true
	return s
}

// Connect implements ingestion.TickSource.
func (s *StubTickSource) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connects++
	if s.failConnects > 0 {
		s.failConnects--
		return ErrDialRefused
	}
	s.connected = true
	return nil
}

// Next implements ingestion.TickSource.
func (s *StubTickSource) Next(ctx context.Context) (*domain.RawTick, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil, ingestion.ErrNotConnected
	}

	if resume, ok := s.outages[s.pos]; ok {
		delete(s.outages, s.pos)
		s.pos = resume
		s.connected = false
		s.mu.Unlock()
		return nil, ErrConnectionReset
	}

	if s.stalls[s.pos] || (s.pos >= len(s.tape) && s.holdOpen) {
		delete(s.stalls, s.pos)
		s.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if s.pos >= len(s.tape) {
		s.mu.Unlock()
		return nil, ingestion.ErrEndOfStream
	}

	t := *s.tape[s.pos]
	s.pos++
	s.mu.Unlock()
	return &t, nil
}

// Backfill returns copies of the tape ticks with timestamp in [start, end].
func (s *StubTickSource) Backfill(ctx context.Context, start, end int64) ([]*domain.RawTick, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.backfillRanges = append(s.backfillRanges, [2]int64{start, end})
	if s.backfillErr != nil {
		return nil, s.backfillErr
	}

	var result []*domain.RawTick
	for _, t := range s.tape {
		if t.TimestampNs >= start && t.TimestampNs <= end {
			copy := *t
			result = append(result, &copy)
		}
	}
	return result, nil
}

// Close implements ingestion.TickSource.
func (s *StubTickSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// Connects returns the number of Connect calls.
func (s *StubTickSource) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// BackfillRanges returns every requested backfill range.
func (s *StubTickSource) BackfillRanges() [][2]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][2]int64, len(s.backfillRanges))
	copy(out, s.backfillRanges)
	return out
}
