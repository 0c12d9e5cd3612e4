package baseline

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"options-flow-lab/internal/calendar"
	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/storage"
	"options-flow-lab/internal/storage/memory"
)

const window = 5 * time.Minute

var series = domain.SeriesKey{Strike: 21000, OptionType: domain.OptionTypeCall}

func newSession(t *testing.T) *calendar.Session {
	t.Helper()
	s, err := calendar.NewSession("America/New_York", "09:30", "16:00")
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return s
}

func at(t *testing.T, s *calendar.Session, day, clock string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", day+" "+clock, s.Location())
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	return ts
}

func sealed(key domain.SeriesKey, start time.Time, bid, ask float64, trades int) *domain.PressureMetric {
	ratio, oneSided := 0.0, false
	switch {
	case bid > 0:
		ratio = ask / bid
	case ask > 0:
		ratio, oneSided = 100, true
	}
	return &domain.PressureMetric{
		Strike:        key.Strike,
		OptionType:    key.OptionType,
		WindowStart:   start.UnixNano(),
		WindowEnd:     start.Add(window).UnixNano(),
		BidVolume:     bid,
		AskVolume:     ask,
		PressureRatio: ratio,
		OneSided:      oneSided,
		TradeCount:    trades,
		TotalSize:     bid + ask,
		QualityFlag:   domain.QualityOK,
	}
}

func newEngine(t *testing.T, store *memory.PressureMetricStore, profiles storage.BaselineStore, now time.Time, minQuality float64) *Engine {
	t.Helper()
	return New(Options{
		MetricStore:    store,
		ProfileStore:   profiles,
		Session:        newSession(t),
		LookbackDays:   2,
		WindowLength:   window,
		MinDataQuality: minQuality,
		StaleAfter:     time.Hour,
		Clock:          func() time.Time { return now },
		Logger:         zerolog.Nop(),
	})
}

func TestCompute_Statistics(t *testing.T) {
	base := time.Unix(0, 0)
	// Ratios 2, 4 and 6; the empty window only counts toward quality.
	rows := []*domain.PressureMetric{
		sealed(series, base, 10, 20, 4),
		sealed(series, base.Add(window), 10, 40, 6),
		sealed(series, base.Add(2*window), 0, 0, 0),
		sealed(series, base.Add(3*window), 10, 60, 8),
	}

	p := Compute(series, rows, 2, 8, 42)

	if p.SampleCount != 4 {
		t.Errorf("SampleCount = %d, want 4", p.SampleCount)
	}
	if p.MeanPressureRatio != 4 {
		t.Errorf("MeanPressureRatio = %v, want 4", p.MeanPressureRatio)
	}
	if p.StddevPressureRatio != 2 {
		t.Errorf("StddevPressureRatio = %v, want 2", p.StddevPressureRatio)
	}
	if p.MeanTradeCount != 4.5 {
		t.Errorf("MeanTradeCount = %v, want 4.5", p.MeanTradeCount)
	}
	if p.MeanVolume != 37.5 {
		t.Errorf("MeanVolume = %v, want 37.5", p.MeanVolume)
	}
	if p.DataQuality != 0.5 {
		t.Errorf("DataQuality = %v, want 0.5", p.DataQuality)
	}
	if p.BuiltAt != 42 || p.LookbackDays != 2 || p.ExpectedWindows != 8 {
		t.Errorf("unexpected profile header: %+v", p)
	}
}

func TestCompute_Empty(t *testing.T) {
	p := Compute(series, nil, 20, 1560, 1)
	if p.SampleCount != 0 || p.DataQuality != 0 || p.MeanPressureRatio != 0 || p.StddevPressureRatio != 0 {
		t.Errorf("expected zero profile, got %+v", p)
	}
}

func TestExpectedWindows(t *testing.T) {
	if got := ExpectedWindows(20, 390*time.Minute, window); got != 1560 {
		t.Errorf("ExpectedWindows = %d, want 1560", got)
	}
	if got := ExpectedWindows(20, 390*time.Minute, 0); got != 0 {
		t.Errorf("ExpectedWindows with zero window = %d, want 0", got)
	}
}

func TestDataQuality_Capped(t *testing.T) {
	if got := DataQuality(200, 100); got != 1 {
		t.Errorf("DataQuality = %v, want 1", got)
	}
	if got := DataQuality(5, 0); got != 0 {
		t.Errorf("DataQuality with no expectation = %v, want 0", got)
	}
}

func TestEngine_RebuildUsesLookbackOnly(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	store := memory.NewPressureMetricStore()
	profiles := memory.NewBaselineStore()

	// Wednesday; lookback covers Monday and Tuesday.
	now := at(t, s, "2024-03-13", "12:00")
	inside := []*domain.PressureMetric{
		sealed(series, at(t, s, "2024-03-11", "10:00"), 10, 20, 4),
		sealed(series, at(t, s, "2024-03-12", "10:00"), 10, 40, 4),
	}
	outside := []*domain.PressureMetric{
		sealed(series, at(t, s, "2024-03-08", "10:00"), 10, 900, 4), // Friday, outside
		sealed(series, at(t, s, "2024-03-13", "10:00"), 10, 900, 4), // today, excluded
	}
	if err := store.InsertBulk(ctx, append(inside, outside...)); err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}

	e := newEngine(t, store, profiles, now, 0)
	p, err := e.Rebuild(ctx, series)
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if p.SampleCount != 2 {
		t.Fatalf("SampleCount = %d, want 2", p.SampleCount)
	}
	if p.MeanPressureRatio != 3 {
		t.Errorf("MeanPressureRatio = %v, want 3", p.MeanPressureRatio)
	}
	if p.ExpectedWindows != 156 {
		t.Errorf("ExpectedWindows = %d, want 156", p.ExpectedWindows)
	}
	if want := 2.0 / 156.0; math.Abs(p.DataQuality-want) > 1e-12 {
		t.Errorf("DataQuality = %v, want %v", p.DataQuality, want)
	}
	if p.BuiltAt != now.UnixNano() {
		t.Errorf("BuiltAt = %d, want %d", p.BuiltAt, now.UnixNano())
	}

	stored, err := profiles.Get(ctx, series)
	if err != nil {
		t.Fatalf("profile not persisted: %v", err)
	}
	if stored.SampleCount != 2 {
		t.Errorf("persisted SampleCount = %d, want 2", stored.SampleCount)
	}
}

func TestEngine_GetQualityFloor(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	store := memory.NewPressureMetricStore()
	now := at(t, s, "2024-03-13", "12:00")
	if err := store.Insert(ctx, sealed(series, at(t, s, "2024-03-12", "10:00"), 10, 20, 4)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	e := newEngine(t, store, nil, now, 0.5)
	if _, err := e.Rebuild(ctx, series); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	_, err := e.Get(series)
	if !errors.Is(err, ErrNoBaseline) {
		t.Errorf("expected ErrNoBaseline below quality floor, got %v", err)
	}
}

func TestEngine_GetMissingQueuesRebuild(t *testing.T) {
	s := newSession(t)
	e := newEngine(t, memory.NewPressureMetricStore(), nil, at(t, s, "2024-03-13", "12:00"), 0)

	if _, err := e.Get(series); !errors.Is(err, ErrNoBaseline) {
		t.Fatalf("expected ErrNoBaseline, got %v", err)
	}
	// Repeated misses do not queue duplicates.
	_, _ = e.Get(series)

	if got := len(e.requests); got != 1 {
		t.Errorf("queued requests = %d, want 1", got)
	}
}

func TestEngine_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	store := memory.NewPressureMetricStore()
	now := at(t, s, "2024-03-13", "12:00")
	if err := store.Insert(ctx, sealed(series, at(t, s, "2024-03-12", "10:00"), 10, 20, 4)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	e := newEngine(t, store, nil, now, 0)
	if _, err := e.Rebuild(ctx, series); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	p, err := e.Get(series)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	p.MeanPressureRatio = 999

	again, _ := e.Get(series)
	if again.MeanPressureRatio != 2 {
		t.Errorf("cache mutated through returned profile: %v", again.MeanPressureRatio)
	}
}

func TestEngine_StaleProfileServedAndRequeued(t *testing.T) {
	s := newSession(t)
	now := at(t, s, "2024-03-13", "12:00")
	e := newEngine(t, memory.NewPressureMetricStore(), nil, now, 0)

	e.profiles[series] = &domain.BaselineProfile{
		Strike:            series.Strike,
		OptionType:        series.OptionType,
		MeanPressureRatio: 1.5,
		DataQuality:       1,
		BuiltAt:           now.Add(-2 * time.Hour).UnixNano(),
	}

	p, err := e.Get(series)
	if err != nil {
		t.Fatalf("stale profile should still be served: %v", err)
	}
	if p.MeanPressureRatio != 1.5 {
		t.Errorf("MeanPressureRatio = %v, want 1.5", p.MeanPressureRatio)
	}
	if got := len(e.requests); got != 1 {
		t.Errorf("queued requests = %d, want 1", got)
	}
}

func TestEngine_RebuildAllAndWarm(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	store := memory.NewPressureMetricStore()
	profiles := memory.NewBaselineStore()
	now := at(t, s, "2024-03-13", "12:00")

	put := domain.SeriesKey{Strike: 20900, OptionType: domain.OptionTypePut}
	err := store.InsertBulk(ctx, []*domain.PressureMetric{
		sealed(series, at(t, s, "2024-03-12", "10:00"), 10, 20, 4),
		sealed(put, at(t, s, "2024-03-11", "11:00"), 30, 10, 4),
	})
	if err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}

	e := newEngine(t, store, profiles, now, 0)
	n, err := e.RebuildAll(ctx)
	if err != nil {
		t.Fatalf("RebuildAll failed: %v", err)
	}
	if n != 2 {
		t.Errorf("rebuilt = %d, want 2", n)
	}

	fresh := newEngine(t, store, profiles, now, 0)
	if err := fresh.Warm(ctx); err != nil {
		t.Fatalf("Warm failed: %v", err)
	}
	for _, k := range []domain.SeriesKey{series, put} {
		if _, err := fresh.Get(k); err != nil {
			t.Errorf("Get(%s) after warm: %v", k, err)
		}
	}
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	s := newSession(t)
	e := newEngine(t, memory.NewPressureMetricStore(), nil, at(t, s, "2024-03-13", "12:00"), 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
