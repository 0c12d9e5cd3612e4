// Package pipeline drains the tick queue through normalization and
// aggregation, then persists, scores and emits sealed windows.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/ingestion"
	"options-flow-lab/internal/normalization"
	"options-flow-lab/internal/observability"
	"options-flow-lab/internal/pressure"
	"options-flow-lab/internal/signal"
	"options-flow-lab/internal/storage"
)

// Evaluator scores a sealed window.
type Evaluator interface {
	Evaluate(m *domain.PressureMetric) (*domain.InstitutionalSignal, string)
}

// Options contains configuration for creating a Pipeline.
type Options struct {
	Queue       *ingestion.Queue
	Normalizer  *normalization.Normalizer
	Aggregator  *pressure.Aggregator
	MetricStore storage.PressureMetricStore // optional
	Evaluator   Evaluator                   // optional
	Sink        signal.Sink                 // optional

	Workers      int
	SealInterval time.Duration
	FlushTimeout time.Duration

	// Clock is the wall clock sealing may run ahead on. Nil seals on event
	// time alone, which keeps replays deterministic.
	Clock func() time.Time

	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Stats summarizes pipeline throughput.
type Stats struct {
	Processed uint64 // ticks popped from the queue
	Accepted  uint64 // trades admitted into a window
	Sealed    uint64 // windows sealed
	Signals   uint64 // signals emitted
}

// Pipeline is the hot path between the queue and the signal sink.
type Pipeline struct {
	queue       *ingestion.Queue
	normalizer  *normalization.Normalizer
	aggregator  *pressure.Aggregator
	metricStore storage.PressureMetricStore
	evaluator   Evaluator
	sink        signal.Sink

	workers      int
	sealInterval time.Duration
	flushTimeout time.Duration
	clock        func() time.Time

	log     zerolog.Logger
	metrics *observability.Metrics

	// sealMu serializes seal, persist and emit so output stays ordered.
	sealMu    sync.Mutex
	paused    atomic.Bool
	watermark atomic.Int64

	processed atomic.Uint64
	accepted  atomic.Uint64
	sealed    atomic.Uint64
	signals   atomic.Uint64
}

var _ ingestion.SealController = (*Pipeline)(nil)

// New creates a new Pipeline.
func New(opts Options) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.SealInterval <= 0 {
		opts.SealInterval = time.Second
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 10 * time.Second
	}
	if opts.Normalizer == nil {
		opts.Normalizer = normalization.NewNormalizer(opts.Metrics)
	}
	return &Pipeline{
		queue:        opts.Queue,
		normalizer:   opts.Normalizer,
		aggregator:   opts.Aggregator,
		metricStore:  opts.MetricStore,
		evaluator:    opts.Evaluator,
		sink:         opts.Sink,
		workers:      opts.Workers,
		sealInterval: opts.SealInterval,
		flushTimeout: opts.FlushTimeout,
		clock:        opts.Clock,
		log:          opts.Logger.With().Str("component", "pipeline").Logger(),
		metrics:      opts.Metrics,
	}
}

// PauseSealing holds sealing until ResumeSealing. Trades are still aggregated.
func (p *Pipeline) PauseSealing() {
	p.paused.Store(true)
	p.log.Debug().Msg("sealing paused")
}

// ResumeSealing lets sealing proceed and seals what became due meanwhile.
func (p *Pipeline) ResumeSealing() {
	p.paused.Store(false)
	p.log.Debug().Msg("sealing resumed")
}

// MarkGap flags windows overlapping an unrecovered outage.
func (p *Pipeline) MarkGap(start, end int64) {
	p.aggregator.MarkGap(start, end)
}

// Watermark returns the newest processed trade timestamp.
func (p *Pipeline) Watermark() int64 { return p.watermark.Load() }

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Accepted:  p.accepted.Load(),
		Sealed:    p.sealed.Load(),
		Signals:   p.signals.Load(),
	}
}

// Run drains the queue until it is closed, sealing periodically, then
// flushes every open window. Cancelling ctx does not abandon queued ticks;
// the owner stops ingestion and closes the queue instead.
func (p *Pipeline) Run(ctx context.Context) error {
	drainCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(drainCtx)
		}()
	}

	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	ticker := time.NewTicker(p.sealInterval)
	defer ticker.Stop()

	p.log.Info().Int("workers", p.workers).Dur("seal_interval", p.sealInterval).Msg("pipeline started")

	for {
		select {
		case <-workersDone:
			return p.Flush(drainCtx)
		case <-ticker.C:
			p.sealDue(drainCtx)
		}
	}
}

func (p *Pipeline) work(ctx context.Context) {
	for {
		raw, err := p.queue.Pop(ctx)
		if err != nil {
			return
		}
		p.process(ctx, raw)
		p.queue.Done()
	}
}

// process runs one tick through the hot path.
func (p *Pipeline) process(ctx context.Context, raw *domain.RawTick) {
	p.processed.Add(1)
	p.metrics.RecordTick()

	trade, ok := p.normalizer.Normalize(raw)
	if !ok {
		return
	}
	p.advance(trade.TimestampNs)

	if outcome := p.aggregator.Add(trade); outcome != pressure.Accepted {
		p.metrics.RecordDrop(outcome.DropReason())
	} else {
		p.accepted.Add(1)
	}

	p.sealDue(ctx)
}

func (p *Pipeline) advance(ts int64) {
	for {
		cur := p.watermark.Load()
		if ts <= cur || p.watermark.CompareAndSwap(cur, ts) {
			return
		}
	}
}

// now is the sealing time: the event-time watermark, or the wall clock
// when it is ahead.
func (p *Pipeline) now() int64 {
	wm := p.watermark.Load()
	if p.clock != nil {
		if c := p.clock().UnixNano(); c > wm {
			return c
		}
	}
	return wm
}

func (p *Pipeline) sealDue(ctx context.Context) {
	if p.paused.Load() {
		return
	}
	p.sealMu.Lock()
	defer p.sealMu.Unlock()
	p.publish(ctx, p.aggregator.Seal(p.now()))
}

// Flush seals every open window, partial or not, and publishes them.
func (p *Pipeline) Flush(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.flushTimeout)
	defer cancel()

	p.sealMu.Lock()
	defer p.sealMu.Unlock()

	metrics := p.aggregator.Flush(p.now())
	p.publish(ctx, metrics)
	p.log.Info().Int("windows", len(metrics)).Msg("flushed open windows")
	return ctx.Err()
}

// publish persists sealed windows, then evaluates and emits their signals.
func (p *Pipeline) publish(ctx context.Context, metrics []domain.PressureMetric) {
	if len(metrics) == 0 {
		return
	}
	p.sealed.Add(uint64(len(metrics)))

	rows := make([]*domain.PressureMetric, len(metrics))
	for i := range metrics {
		rows[i] = &metrics[i]
	}
	stored := p.persist(ctx, rows)

	for _, m := range rows {
		if !stored[m] || p.evaluator == nil {
			continue
		}
		sig, _ := p.evaluator.Evaluate(m)
		if sig == nil {
			continue
		}
		p.signals.Add(1)
		if p.sink == nil {
			continue
		}
		if err := p.sink.Emit(ctx, sig); err != nil {
			p.log.Error().Err(err).Str("series", m.Key().String()).Msg("emit signal")
		}
	}
}

// persist stores rows in one batch, falling back to row inserts when the
// batch holds a duplicate. It reports which rows are new; a row whose
// insert failed for another reason is still scored.
func (p *Pipeline) persist(ctx context.Context, rows []*domain.PressureMetric) map[*domain.PressureMetric]bool {
	fresh := make(map[*domain.PressureMetric]bool, len(rows))
	for _, m := range rows {
		fresh[m] = true
	}
	if p.metricStore == nil {
		return fresh
	}

	err := p.metricStore.InsertBulk(ctx, rows)
	if err == nil {
		return fresh
	}
	if !errors.Is(err, storage.ErrDuplicateKey) {
		p.log.Error().Err(err).Int("rows", len(rows)).Msg("store sealed windows")
		return fresh
	}

	for _, m := range rows {
		if err := p.metricStore.Insert(ctx, m); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				fresh[m] = false
				p.log.Debug().Str("series", m.Key().String()).Int64("window_start", m.WindowStart).Msg("window already stored")
				continue
			}
			p.log.Error().Err(err).Str("series", m.Key().String()).Msg("store sealed window")
		}
	}
	return fresh
}
