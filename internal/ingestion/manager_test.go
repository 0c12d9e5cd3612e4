package ingestion_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-flow-lab/internal/calendar"
	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/ingestion"
	"options-flow-lab/internal/ingestion/stub"
)

const base = int64(1_710_252_000_000_000_000)

func tape(n int) []*domain.RawTick {
	ticks := make([]*domain.RawTick, n)
	for i := range ticks {
		price, size := 2.5, 1.0
		ticks[i] = &domain.RawTick{
			TimestampNs: base + int64(i)*int64(time.Second),
			Sequence:    uint64(i + 1),
			Strike:      5000,
			OptionType:  domain.OptionTypeCall,
			Price:       &price,
			Size:        &size,
			WireBytes:   100,
		}
	}
	return ticks
}

// drain consumes the queue until it is closed and returns the sequences seen.
func drain(q *ingestion.Queue) <-chan []uint64 {
	out := make(chan []uint64, 1)
	go func() {
		var seqs []uint64
		for {
			t, err := q.Pop(context.Background())
			if err != nil {
				out <- seqs
				return
			}
			seqs = append(seqs, t.Sequence)
			q.Done()
		}
	}()
	return out
}

func seqRange(from, to uint64) []uint64 {
	var s []uint64
	for i := from; i <= to; i++ {
		s = append(s, i)
	}
	return s
}

type fakeSealer struct {
	mu      sync.Mutex
	pauses  int
	resumes int
	gaps    [][2]int64
	onPause func()
}

func (f *fakeSealer) PauseSealing() {
	f.mu.Lock()
	f.pauses++
	hook := f.onPause
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (f *fakeSealer) ResumeSealing() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
}

func (f *fakeSealer) MarkGap(start, end int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gaps = append(f.gaps, [2]int64{start, end})
}

type fakeBudget struct {
	mu      sync.Mutex
	records int
	haltAt  int
	halted  bool
	resets  []time.Time
}

func (f *fakeBudget) Record(int64) domain.BudgetLevel {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records++
	if f.haltAt > 0 && f.records >= f.haltAt && len(f.resets) == 0 {
		f.halted = true
	}
	if f.halted {
		return domain.BudgetHalted
	}
	return domain.BudgetNormal
}

func (f *fakeBudget) ConnectionUp() {}
func (f *fakeBudget) ConnectionDown() {}

func (f *fakeBudget) Halted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.halted
}

func (f *fakeBudget) Reset(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halted = false
	f.resets = append(f.resets, now)
}

func (f *fakeBudget) ResetIfNewSession(time.Time) bool { return false }

func newManager(src ingestion.TickSource, q *ingestion.Queue, opts ingestion.ManagerOptions) *ingestion.Manager {
	opts.Source = src
	opts.Queue = q
	opts.InitialBackoff = time.Millisecond
	opts.MaxBackoff = 5 * time.Millisecond
	opts.Logger = zerolog.Nop()
	return ingestion.NewManager(opts)
}

func TestManager_StreamsUntilEndOfStream(t *testing.T) {
	src := stub.NewStubTickSource(tape(5))
	q := ingestion.NewQueue(16, nil)
	got := drain(q)

	m := newManager(src, q, ingestion.ManagerOptions{})
	require.NoError(t, m.Run(context.Background()))
	q.Close()

	assert.Equal(t, seqRange(1, 5), <-got)
	assert.Equal(t, ingestion.StateConnected, m.State())
	assert.Equal(t, base+4*int64(time.Second), m.Watermark())
}

func TestManager_OutageBackfilledWithoutDuplicates(t *testing.T) {
	ticks := tape(10)
	src := stub.NewStubTickSource(ticks).DropBetween(4, 7)
	q := ingestion.NewQueue(16, nil)
	got := drain(q)
	sealer := &fakeSealer{}

	m := newManager(src, q, ingestion.ManagerOptions{Sealer: sealer})
	require.NoError(t, m.Run(context.Background()))
	q.Close()

	assert.Equal(t, seqRange(1, 10), <-got)
	assert.Equal(t, 2, src.Connects())

	ranges := src.BackfillRanges()
	require.Len(t, ranges, 1)
	assert.Equal(t, ticks[3].TimestampNs, ranges[0][0], "backfill starts at the last admitted tick")

	assert.Equal(t, 1, sealer.pauses)
	assert.Equal(t, 1, sealer.resumes)
	assert.Empty(t, sealer.gaps)
	assert.Equal(t, uint64(6), m.Backfilled())
	assert.Equal(t, uint64(4), m.Duplicates(), "tick 4 from backfill and 8..10 from live")
}

func TestManager_UnorderedBackfillIsSorted(t *testing.T) {
	ticks := tape(10)
	// the feed serves ticks 6 and 5 out of order; both fall in the outage
	ticks[5], ticks[6] = ticks[6], ticks[5]
	require.Error(t, ingestion.ValidateTickOrdering(ticks))

	src := stub.NewStubTickSource(ticks).DropBetween(4, 7)
	q := ingestion.NewQueue(16, nil)
	got := drain(q)

	m := newManager(src, q, ingestion.ManagerOptions{Sealer: &fakeSealer{}})
	require.NoError(t, m.Run(context.Background()))
	q.Close()

	assert.Equal(t, seqRange(1, 10), <-got)
	assert.Equal(t, uint64(6), m.Backfilled())
}

// unsequenced strips sequence numbers, like feeds that do not send them.
func unsequenced(ticks []*domain.RawTick) []*domain.RawTick {
	for _, t := range ticks {
		t.Sequence = 0
	}
	return ticks
}

// drainTimes consumes the queue until it is closed and returns the
// (timestamp, size) of every tick seen.
func drainTimes(q *ingestion.Queue) <-chan [][2]float64 {
	out := make(chan [][2]float64, 1)
	go func() {
		var seen [][2]float64
		for {
			t, err := q.Pop(context.Background())
			if err != nil {
				out <- seen
				return
			}
			seen = append(seen, [2]float64{float64(t.TimestampNs - base), *t.Size})
			q.Done()
		}
	}()
	return out
}

func expectedTimes(ticks []*domain.RawTick) [][2]float64 {
	out := make([][2]float64, len(ticks))
	for i, t := range ticks {
		out[i] = [2]float64{float64(t.TimestampNs - base), *t.Size}
	}
	return out
}

func TestManager_UnsequencedOutageBackfilledWithoutDuplicates(t *testing.T) {
	ticks := unsequenced(tape(10))
	want := expectedTimes(ticks)
	src := stub.NewStubTickSource(ticks).DropBetween(4, 7)
	q := ingestion.NewQueue(16, nil)
	got := drainTimes(q)

	m := newManager(src, q, ingestion.ManagerOptions{Sealer: &fakeSealer{}})
	require.NoError(t, m.Run(context.Background()))
	q.Close()

	assert.Equal(t, want, <-got)
	assert.Equal(t, uint64(6), m.Backfilled())
	assert.Equal(t, uint64(4), m.Duplicates(), "tick 4 from backfill and 8..10 from live")
}

func TestManager_UnsequencedBackfillKeepsUnseenTickAtWatermark(t *testing.T) {
	ticks := unsequenced(tape(10))
	// ticks 3 and 4 share a timestamp; the outage hits between them
	ticks[4].TimestampNs = ticks[3].TimestampNs
	size := 7.0
	ticks[4].Size = &size
	want := expectedTimes(ticks)

	src := stub.NewStubTickSource(ticks).DropBetween(4, 7)
	q := ingestion.NewQueue(16, nil)
	got := drainTimes(q)

	m := newManager(src, q, ingestion.ManagerOptions{Sealer: &fakeSealer{}})
	require.NoError(t, m.Run(context.Background()))
	q.Close()

	assert.Equal(t, want, <-got)
	assert.Equal(t, uint64(6), m.Backfilled())
}

func TestManager_UnsequencedLiveTicksAreNotDeduplicated(t *testing.T) {
	ticks := unsequenced(tape(4))
	ticks[2].TimestampNs = ticks[1].TimestampNs
	want := expectedTimes(ticks)

	src := stub.NewStubTickSource(ticks)
	q := ingestion.NewQueue(16, nil)
	got := drainTimes(q)

	m := newManager(src, q, ingestion.ManagerOptions{})
	require.NoError(t, m.Run(context.Background()))
	q.Close()

	assert.Equal(t, want, <-got, "identical trades at one timestamp are distinct without an outage")
	assert.Zero(t, m.Duplicates())
}

func TestManager_BackfillFailureMarksGap(t *testing.T) {
	ticks := tape(10)
	src := stub.NewStubTickSource(ticks).DropBetween(4, 7).FailBackfill(ingestion.ErrBackfillUnavailable)
	q := ingestion.NewQueue(16, nil)
	got := drain(q)
	sealer := &fakeSealer{}

	m := newManager(src, q, ingestion.ManagerOptions{Sealer: sealer})
	require.NoError(t, m.Run(context.Background()))
	q.Close()

	assert.Equal(t, []uint64{1, 2, 3, 4, 8, 9, 10}, <-got)
	require.Len(t, sealer.gaps, 1)
	assert.Equal(t, ticks[3].TimestampNs, sealer.gaps[0][0])
	assert.Equal(t, 1, sealer.resumes)
}

func TestManager_MissedHeartbeatReconnects(t *testing.T) {
	src := stub.NewStubTickSource(tape(5)).StallAt(2)
	q := ingestion.NewQueue(16, nil)
	got := drain(q)

	m := newManager(src, q, ingestion.ManagerOptions{HeartbeatTimeout: 50 * time.Millisecond})
	require.NoError(t, m.Run(context.Background()))
	q.Close()

	assert.Equal(t, seqRange(1, 5), <-got)
	assert.Equal(t, 2, src.Connects())
	assert.Len(t, src.BackfillRanges(), 1)
}

func TestManager_ReconnectExhausted(t *testing.T) {
	src := stub.NewStubTickSource(tape(3)).FailConnects(100)
	q := ingestion.NewQueue(16, nil)

	m := newManager(src, q, ingestion.ManagerOptions{MaxRetries: 2})
	err := m.Run(context.Background())

	assert.True(t, errors.Is(err, ingestion.ErrReconnectExhausted), "got %v", err)
	assert.Equal(t, 3, src.Connects())
}

func TestManager_ExhaustedAfterOutageMarksGap(t *testing.T) {
	src := stub.NewStubTickSource(tape(6)).DropBetween(3, 5)
	q := ingestion.NewQueue(16, nil)
	got := drain(q)
	sealer := &fakeSealer{onPause: func() { src.FailConnects(100) }}

	m := newManager(src, q, ingestion.ManagerOptions{Sealer: sealer, MaxRetries: 1})
	err := m.Run(context.Background())
	q.Close()

	require.ErrorIs(t, err, ingestion.ErrReconnectExhausted)
	assert.Equal(t, seqRange(1, 3), <-got)
	require.Len(t, sealer.gaps, 1)
	assert.Equal(t, base+2*int64(time.Second), sealer.gaps[0][0])
	assert.Equal(t, 1, sealer.resumes)
}

func TestManager_HaltWaitsForNextSession(t *testing.T) {
	session, err := calendar.NewSession("America/New_York", "09:30", "16:00")
	require.NoError(t, err)
	now := time.Date(2024, 3, 13, 12, 0, 0, 0, session.Location())

	src := stub.NewStubTickSource(tape(6))
	q := ingestion.NewQueue(16, nil)
	got := drain(q)
	budget := &fakeBudget{haltAt: 3}

	var (
		m           *ingestion.Manager
		waitedFor   []time.Time
		stateAtWait ingestion.State
	)
	m = newManager(src, q, ingestion.ManagerOptions{
		Budget:  budget,
		Session: session,
		Clock:   func() time.Time { return now },
		WaitUntil: func(_ context.Context, t time.Time) error {
			waitedFor = append(waitedFor, t)
			stateAtWait = m.State()
			return nil
		},
	})
	require.NoError(t, m.Run(context.Background()))
	q.Close()

	assert.Equal(t, seqRange(1, 6), <-got)
	require.Len(t, waitedFor, 1)
	assert.Equal(t, time.Date(2024, 3, 14, 9, 30, 0, 0, session.Location()), waitedFor[0])
	assert.Equal(t, ingestion.StateHalted, stateAtWait)
	require.Len(t, budget.resets, 1)
	assert.Empty(t, src.BackfillRanges(), "halts are not backfilled")
	assert.Equal(t, 2, src.Connects())
}

func TestManager_CancelStopsRun(t *testing.T) {
	src := stub.NewStubTickSource(tape(2)).HoldOpen()
	q := ingestion.NewQueue(16, nil)
	got := drain(q)

	m := newManager(src, q, ingestion.ManagerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	q.Close()
	assert.Equal(t, seqRange(1, 2), <-got)
}
