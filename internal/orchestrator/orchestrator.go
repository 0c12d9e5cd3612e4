// Package orchestrator wires the live flow: stream reliability manager →
// tick queue → pipeline (normalizer, aggregator, signal engine) → sink,
// with the budget monitor and baseline engine alongside.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"options-flow-lab/internal/baseline"
	"options-flow-lab/internal/budget"
	"options-flow-lab/internal/calendar"
	"options-flow-lab/internal/config"
	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/ingestion"
	"options-flow-lab/internal/normalization"
	"options-flow-lab/internal/observability"
	"options-flow-lab/internal/pipeline"
	"options-flow-lab/internal/pressure"
	"options-flow-lab/internal/signal"
	"options-flow-lab/internal/storage"
)

// Options for creating an Orchestrator.
type Options struct {
	Config *config.Config
	Source ingestion.TickSource

	// Stores
	MetricStore   storage.PressureMetricStore
	BaselineStore storage.BaselineStore // optional
	Sink          signal.Sink           // optional

	Session *calendar.Session // derived from Config when nil
	Clock   func() time.Time

	// EventTime seals windows on tick time only, for replays and tests.
	EventTime bool

	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Orchestrator owns every long-running component of one feed.
type Orchestrator struct {
	budget    *budget.Monitor
	baselines *baseline.Engine
	signals   *signal.Engine
	queue     *ingestion.Queue
	pipeline  *pipeline.Pipeline
	manager   *ingestion.Manager

	log zerolog.Logger
}

// RunResult summarizes a finished run.
type RunResult struct {
	Pipeline   pipeline.Stats
	Duplicates uint64
	Backfilled uint64
	QueueDrops uint64
	Budget     domain.BudgetLedger
}

// New builds the components from cfg. It fails only on an invalid session.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, errors.New("orchestrator: nil config")
	}
	if opts.Source == nil || opts.MetricStore == nil {
		return nil, errors.New("orchestrator: source and metric store are required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	cfg := opts.Config

	session := opts.Session
	if session == nil {
		s, err := calendar.NewSession(cfg.Session.Timezone, cfg.Session.Open, cfg.Session.Close)
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		session = s
	}

	log := opts.Logger
	metrics := opts.Metrics

	monitor := budget.New(budget.Options{
		Ceiling:         cfg.Budget.DailyCeiling,
		CostPerMB:       cfg.Budget.CostPerMB,
		CostPerHour:     cfg.Budget.CostPerHour,
		DegradeFraction: cfg.Budget.DegradeFraction,
		HaltFraction:    cfg.Budget.HaltFraction,
		Session:         session,
		Clock:           opts.Clock,
		Metrics:         metrics,
		Logger:          log,
	})

	agg := cfg.Aggregation
	aggregator := pressure.NewAggregator(pressure.Config{
		WindowLength:             agg.WindowLength,
		SealGrace:                agg.SealGrace,
		SampleScale:              agg.SampleScale,
		MaxPressureRatio:         agg.MaxPressureRatio,
		DegradedWindowMultiplier: agg.DegradedWindowMultiplier,
		DegradedMinTradeSize:     agg.DegradedMinTradeSize,
		GapConfidencePenalty:     agg.GapConfidencePenalty,
	}, monitor, metrics)

	baselines := baseline.New(baseline.Options{
		MetricStore:     opts.MetricStore,
		ProfileStore:    opts.BaselineStore,
		Session:         session,
		LookbackDays:    cfg.Baseline.LookbackDays,
		WindowLength:    agg.WindowLength,
		MinDataQuality:  cfg.Baseline.MinDataQuality,
		RebuildInterval: cfg.Baseline.RebuildInterval,
		StaleAfter:      cfg.Baseline.StaleAfter,
		Clock:           opts.Clock,
		Logger:          log,
		Metrics:         metrics,
	})

	signals := signal.New(signal.Options{
		Params:    cfg.Signal,
		Baselines: baselines,
		Clock:     opts.Clock,
		Logger:    log,
		Metrics:   metrics,
	})

	queue := ingestion.NewQueue(cfg.Pipeline.QueueCapacity, metrics)

	var sealClock func() time.Time
	if !opts.EventTime {
		sealClock = opts.Clock
	}
	pl := pipeline.New(pipeline.Options{
		Queue:        queue,
		Normalizer:   normalization.NewNormalizer(metrics),
		Aggregator:   aggregator,
		MetricStore:  opts.MetricStore,
		Evaluator:    signals,
		Sink:         opts.Sink,
		Workers:      cfg.Pipeline.Workers,
		SealInterval: agg.SealInterval,
		FlushTimeout: cfg.Pipeline.FlushTimeout,
		Clock:        sealClock,
		Logger:       log,
		Metrics:      metrics,
	})

	manager := ingestion.NewManager(ingestion.ManagerOptions{
		Source:           opts.Source,
		Queue:            queue,
		Budget:           monitor,
		Sealer:           pl,
		Session:          session,
		HeartbeatTimeout: cfg.Feed.HeartbeatTimeout,
		InitialBackoff:   cfg.Reliability.InitialBackoff,
		MaxBackoff:       cfg.Reliability.MaxBackoff,
		MaxRetries:       cfg.Reliability.MaxRetries,
		BackfillTimeout:  cfg.Reliability.BackfillTimeout,
		Clock:            opts.Clock,
		Logger:           log,
		Metrics:          metrics,
	})

	return &Orchestrator{
		budget:    monitor,
		baselines: baselines,
		signals:   signals,
		queue:     queue,
		pipeline:  pl,
		manager:   manager,
		log:       log.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// Budget returns the budget monitor.
func (o *Orchestrator) Budget() *budget.Monitor { return o.budget }

// Baselines returns the baseline engine.
func (o *Orchestrator) Baselines() *baseline.Engine { return o.baselines }

// Manager returns the stream reliability manager.
func (o *Orchestrator) Manager() *ingestion.Manager { return o.manager }

// Run streams until ctx is cancelled or the source ends, then drains the
// queue and flushes open windows before returning. A reconnect failure is
// returned after the flush.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	if err := o.baselines.Warm(ctx); err != nil {
		o.log.Warn().Err(err).Msg("baseline warm-up failed, starting cold")
	}

	bctx, stopBaselines := context.WithCancel(ctx)
	defer stopBaselines()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return o.baselines.Run(bctx)
	})

	g.Go(func() error {
		defer stopBaselines()
		return o.pipeline.Run(gctx)
	})

	g.Go(func() error {
		defer o.queue.Close()
		return o.manager.Run(gctx)
	})

	o.log.Info().Msg("orchestrator started")
	err := g.Wait()

	result := &RunResult{
		Pipeline:   o.pipeline.Stats(),
		Duplicates: o.manager.Duplicates(),
		Backfilled: o.manager.Backfilled(),
		QueueDrops: o.queue.Dropped(),
		Budget:     o.budget.Snapshot(),
	}
	o.log.Info().
		Uint64("ticks", result.Pipeline.Processed).
		Uint64("windows", result.Pipeline.Sealed).
		Uint64("signals", result.Pipeline.Signals).
		Uint64("duplicates", result.Duplicates).
		Uint64("backfilled", result.Backfilled).
		Msg("orchestrator stopped")
	return result, err
}
