package orchestrator

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"options-flow-lab/internal/config"
	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/ingestion/stub"
	"options-flow-lab/internal/signal"
	"options-flow-lab/internal/storage/memory"
)

const (
	t0      = int64(1_710_340_200_000_000_000) // 2024-03-13 10:30 America/New_York
	spacing = int64(10 * time.Second)
	nTicks  = 120
)

func ts(i int) int64 { return t0 + int64(i)*spacing }

// buildTape alternates two strikes every tick over twenty minutes.
func buildTape() []*domain.RawTick {
	ticks := make([]*domain.RawTick, nTicks)
	for i := range ticks {
		strike := 5000.0
		if i%2 == 1 {
			strike = 5100.0
		}
		bid, ask := 1.00, 1.10
		price := ask
		if i%3 == 0 {
			price = bid
		}
		size := float64(1 + i%5)
		ticks[i] = &domain.RawTick{
			TimestampNs: ts(i),
			Sequence:    uint64(i + 1),
			Strike:      strike,
			OptionType:  domain.OptionTypeCall,
			Expiration:  "2024-03-15",
			Price:       &price,
			Size:        &size,
			BidPrice:    &bid,
			AskPrice:    &ask,
			WireBytes:   120,
		}
	}
	return ticks
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Aggregation.WindowLength = time.Minute
	cfg.Aggregation.SealInterval = 5 * time.Millisecond
	cfg.Aggregation.SealGrace = 0
	cfg.Aggregation.SampleScale = 5
	cfg.Feed.HeartbeatTimeout = time.Second
	cfg.Reliability.InitialBackoff = time.Millisecond
	cfg.Reliability.MaxBackoff = 5 * time.Millisecond
	cfg.Reliability.MaxRetries = 3
	cfg.Reliability.BackfillTimeout = time.Second
	return cfg
}

type runOutput struct {
	result  *RunResult
	metrics []domain.PressureMetric
	signals []string
}

func run(t *testing.T, source *stub.StubTickSource, now int64) runOutput {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	metricStore := memory.NewPressureMetricStore()
	signalStore := memory.NewSignalStore()

	orch, err := New(Options{
		Config:        testConfig(),
		Source:        source,
		MetricStore:   metricStore,
		BaselineStore: memory.NewBaselineStore(),
		Sink:          signal.NewStoreSink(signalStore),
		Clock:         func() time.Time { return time.Unix(0, now) },
		EventTime:     true,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	result, err := orch.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	rows, err := metricStore.GetByTimeRange(ctx, 0, ts(nTicks))
	if err != nil {
		t.Fatalf("load metrics: %v", err)
	}
	out := runOutput{result: result}
	for _, r := range rows {
		out.metrics = append(out.metrics, *r)
	}

	sigs, err := signalStore.GetByTimeRange(ctx, 0, ts(nTicks))
	if err != nil {
		t.Fatalf("load signals: %v", err)
	}
	for _, s := range sigs {
		out.signals = append(out.signals, s.Key().String()+"@"+time.Unix(0, s.WindowStart).UTC().Format("15:04")+"="+string(s.Action))
	}
	return out
}

func TestOrchestrator_OutageWithBackfillMatchesCleanRun(t *testing.T) {
	end := ts(nTicks) + int64(time.Minute)

	clean := run(t, stub.NewStubTickSource(buildTape()), end)
	// lose ticks 40..48, a ninety second outage
	outage := run(t, stub.NewStubTickSource(buildTape()).DropBetween(40, 49), end)

	if clean.result.Pipeline.Processed != nTicks {
		t.Errorf("clean run processed %d ticks, want %d", clean.result.Pipeline.Processed, nTicks)
	}
	if outage.result.Pipeline.Processed != nTicks {
		t.Errorf("outage run processed %d ticks, want %d", outage.result.Pipeline.Processed, nTicks)
	}
	if outage.result.Backfilled == 0 {
		t.Error("expected ticks recovered by backfill")
	}
	if outage.result.Duplicates == 0 {
		t.Error("expected replayed ticks to be de-duplicated")
	}

	// 20 minutes of two series in one-minute windows
	if len(clean.metrics) != 40 {
		t.Fatalf("expected 40 windows, got %d", len(clean.metrics))
	}
	if !reflect.DeepEqual(clean.metrics, outage.metrics) {
		t.Errorf("metrics differ after backfilled outage:\nclean:  %+v\noutage: %+v", clean.metrics, outage.metrics)
	}
	if !reflect.DeepEqual(clean.signals, outage.signals) {
		t.Errorf("signals differ after backfilled outage:\nclean:  %v\noutage: %v", clean.signals, outage.signals)
	}

	for _, m := range clean.metrics {
		if m.QualityFlag == domain.QualityGapUnfilled {
			t.Errorf("unexpected gap flag on clean window %s@%d", m.Key(), m.WindowStart)
		}
	}
}

// buildUnsequencedTape is buildTape from a feed without sequence numbers.
func buildUnsequencedTape() []*domain.RawTick {
	ticks := buildTape()
	for _, t := range ticks {
		t.Sequence = 0
	}
	return ticks
}

func TestOrchestrator_UnsequencedOutageWithBackfillMatchesCleanRun(t *testing.T) {
	end := ts(nTicks) + int64(time.Minute)

	clean := run(t, stub.NewStubTickSource(buildUnsequencedTape()), end)
	outage := run(t, stub.NewStubTickSource(buildUnsequencedTape()).DropBetween(40, 49), end)

	if outage.result.Pipeline.Processed != nTicks {
		t.Errorf("outage run processed %d ticks, want %d", outage.result.Pipeline.Processed, nTicks)
	}
	if outage.result.Duplicates == 0 {
		t.Error("expected replayed ticks to be de-duplicated")
	}
	if len(clean.metrics) != 40 {
		t.Fatalf("expected 40 windows, got %d", len(clean.metrics))
	}
	if !reflect.DeepEqual(clean.metrics, outage.metrics) {
		t.Errorf("metrics differ after backfilled outage:\nclean:  %+v\noutage: %+v", clean.metrics, outage.metrics)
	}
	if !reflect.DeepEqual(clean.signals, outage.signals) {
		t.Errorf("signals differ after backfilled outage:\nclean:  %v\noutage: %v", clean.signals, outage.signals)
	}
}

func TestOrchestrator_FailedBackfillFlagsOnlyOverlappingWindows(t *testing.T) {
	end := ts(nTicks) + int64(time.Minute)
	clean := run(t, stub.NewStubTickSource(buildTape()), end)

	source := stub.NewStubTickSource(buildTape()).
		DropBetween(40, 49).
		FailBackfill(stub.ErrConnectionReset)
	// the clock sits at the reconnect, so the gap is [ts(39), ts(49)]
	gapped := run(t, source, ts(49))

	if gapped.result.Backfilled != 0 {
		t.Errorf("expected nothing backfilled, got %d", gapped.result.Backfilled)
	}

	inGap := map[int64]bool{
		ts(36): true, // [06:00, 07:00) holds the last ticks before the outage
		ts(48): true, // [08:00, 09:00) opens after the reconnect
	}
	cleanByKey := make(map[string]domain.PressureMetric)
	for _, m := range clean.metrics {
		cleanByKey[m.Key().String()+"/"+time.Unix(0, m.WindowStart).String()] = m
	}

	flagged := 0
	for _, m := range gapped.metrics {
		if inGap[m.WindowStart] {
			if m.QualityFlag != domain.QualityGapUnfilled {
				t.Errorf("window %s@%d: flag %s, want GAP_UNFILLED", m.Key(), m.WindowStart, m.QualityFlag)
			}
			flagged++
			continue
		}
		if m.QualityFlag == domain.QualityGapUnfilled {
			t.Errorf("window %s@%d flagged outside the gap", m.Key(), m.WindowStart)
		}
		want, ok := cleanByKey[m.Key().String()+"/"+time.Unix(0, m.WindowStart).String()]
		if !ok {
			t.Errorf("window %s@%d missing from clean run", m.Key(), m.WindowStart)
			continue
		}
		if !reflect.DeepEqual(want, m) {
			t.Errorf("window %s@%d differs outside the gap: %+v vs %+v", m.Key(), m.WindowStart, want, m)
		}
	}
	if flagged != 4 {
		t.Errorf("expected 4 gap windows (two per series), got %d", flagged)
	}
}

func TestOrchestrator_ReconnectExhaustedStillFlushes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	metricStore := memory.NewPressureMetricStore()
	source := stub.NewStubTickSource(buildTape()[:20]).FailConnects(10)

	orch, err := New(Options{
		Config:      testConfig(),
		Source:      source,
		MetricStore: metricStore,
		Clock:       func() time.Time { return time.Unix(0, t0) },
		EventTime:   true,
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	if _, err := orch.Run(ctx); err == nil {
		t.Fatal("expected reconnect failure")
	}
	if got := source.Connects(); got != 4 {
		t.Errorf("expected 4 connect attempts, got %d", got)
	}
}

func TestOrchestrator_NewRejectsMissingParts(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := New(Options{Config: testConfig()}); err == nil {
		t.Error("expected error for missing source")
	}

	cfg := testConfig()
	cfg.Session.Timezone = "Not/AZone"
	_, err := New(Options{
		Config:      cfg,
		Source:      stub.NewStubTickSource(nil),
		MetricStore: memory.NewPressureMetricStore(),
		Logger:      zerolog.Nop(),
	})
	if err == nil {
		t.Error("expected error for invalid timezone")
	}
}
