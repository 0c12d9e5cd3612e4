// Package baseline maintains rolling per-series historical profiles used for anomaly scoring.
// Rebuilds run on their own cadence and never block the hot path.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"options-flow-lab/internal/calendar"
	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/observability"
	"options-flow-lab/internal/storage"
)

// ErrNoBaseline is returned by Get when a series has no profile or its
// data quality is below the floor.
var ErrNoBaseline = errors.New("no usable baseline")

// Options configures an Engine.
type Options struct {
	MetricStore  storage.PressureMetricStore
	ProfileStore storage.BaselineStore // optional persisted cache
	Session      *calendar.Session

	LookbackDays    int
	WindowLength    time.Duration
	MinDataQuality  float64
	RebuildInterval time.Duration
	StaleAfter      time.Duration // 0 disables on-demand rebuilds

	Clock   func() time.Time
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Engine computes and caches baseline profiles.
type Engine struct {
	metricStore  storage.PressureMetricStore
	profileStore storage.BaselineStore
	session      *calendar.Session

	lookbackDays    int
	windowLength    time.Duration
	minDataQuality  float64
	rebuildInterval time.Duration
	staleAfter      time.Duration

	clock   func() time.Time
	log     zerolog.Logger
	metrics *observability.Metrics

	mu       sync.RWMutex
	profiles map[domain.SeriesKey]*domain.BaselineProfile

	pendingMu sync.Mutex
	pending   map[domain.SeriesKey]struct{}
	requests  chan domain.SeriesKey
}

// New creates a new Engine.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.RebuildInterval <= 0 {
		opts.RebuildInterval = 24 * time.Hour
	}
	return &Engine{
		metricStore:     opts.MetricStore,
		profileStore:    opts.ProfileStore,
		session:         opts.Session,
		lookbackDays:    opts.LookbackDays,
		windowLength:    opts.WindowLength,
		minDataQuality:  opts.MinDataQuality,
		rebuildInterval: opts.RebuildInterval,
		staleAfter:      opts.StaleAfter,
		clock:           opts.Clock,
		log:             opts.Logger.With().Str("component", "baseline").Logger(),
		metrics:         opts.Metrics,
		profiles:        make(map[domain.SeriesKey]*domain.BaselineProfile),
		pending:         make(map[domain.SeriesKey]struct{}),
		requests:        make(chan domain.SeriesKey, 256),
	}
}

// lookback returns the [start, end) range of the lookback at now in Unix nanoseconds.
func (e *Engine) lookback(now time.Time) (int64, int64) {
	start, end := e.session.PreviousTradingDays(now, e.lookbackDays)
	return start.UnixNano(), end.UnixNano()
}

// Rebuild recomputes the profile of key from the last N trading days.
func (e *Engine) Rebuild(ctx context.Context, key domain.SeriesKey) (*domain.BaselineProfile, error) {
	now := e.clock()
	start, end := e.lookback(now)

	// GetByKey bounds are inclusive
	rows, err := e.metricStore.GetByKey(ctx, key, start, end-1)
	if err != nil {
		return nil, fmt.Errorf("load metrics for %s: %w", key, err)
	}

	expected := ExpectedWindows(e.lookbackDays, e.session.Length(), e.windowLength)
	profile := Compute(key, rows, e.lookbackDays, expected, now.UnixNano())

	if e.profileStore != nil {
		if err := e.profileStore.Upsert(ctx, profile); err != nil {
			return nil, fmt.Errorf("store profile for %s: %w", key, err)
		}
	}

	e.mu.Lock()
	e.profiles[key] = profile
	e.mu.Unlock()

	e.log.Debug().
		Str("series", key.String()).
		Int("samples", profile.SampleCount).
		Float64("quality", profile.DataQuality).
		Msg("baseline rebuilt")
	return profile, nil
}

// RebuildAll rebuilds every series seen in the lookback and every cached one.
// A failing series does not stop the pass; failures are joined.
func (e *Engine) RebuildAll(ctx context.Context) (int, error) {
	began := time.Now()
	start, _ := e.lookback(e.clock())

	keys, err := e.metricStore.ListKeys(ctx, start)
	if err != nil {
		e.metrics.RecordBaselineRebuild("error", time.Since(began))
		return 0, fmt.Errorf("list series: %w", err)
	}

	seen := make(map[domain.SeriesKey]struct{}, len(keys))
	for _, k := range keys {
		seen[k] = struct{}{}
	}
	e.mu.RLock()
	for k := range e.profiles {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	e.mu.RUnlock()

	var errs []error
	rebuilt := 0
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := e.Rebuild(ctx, k); err != nil {
			errs = append(errs, err)
			continue
		}
		rebuilt++
	}

	outcome := "ok"
	if len(errs) > 0 {
		outcome = "error"
	}
	e.metrics.RecordBaselineRebuild(outcome, time.Since(began))
	e.log.Info().Int("series", rebuilt).Int("failed", len(keys)-rebuilt).Dur("took", time.Since(began)).Msg("baseline pass complete")
	return rebuilt, errors.Join(errs...)
}

// Warm loads persisted profiles into the cache.
func (e *Engine) Warm(ctx context.Context) error {
	if e.profileStore == nil {
		return nil
	}
	profiles, err := e.profileStore.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}
	e.mu.Lock()
	for _, p := range profiles {
		e.profiles[p.Key()] = p
	}
	e.mu.Unlock()
	e.log.Info().Int("profiles", len(profiles)).Msg("baseline cache warmed")
	return nil
}

// Get returns the cached profile of key, or ErrNoBaseline when it is
// missing or below the data quality floor. Stale or missing profiles are
// queued for a background rebuild.
func (e *Engine) Get(key domain.SeriesKey) (*domain.BaselineProfile, error) {
	e.mu.RLock()
	p, ok := e.profiles[key]
	e.mu.RUnlock()

	if !ok {
		e.request(key)
		return nil, ErrNoBaseline
	}
	if e.staleAfter > 0 && e.clock().UnixNano()-p.BuiltAt > int64(e.staleAfter) {
		e.request(key)
	}
	if p.DataQuality < e.minDataQuality {
		return nil, ErrNoBaseline
	}
	out := *p
	return &out, nil
}

// request queues an on-demand rebuild without blocking.
func (e *Engine) request(key domain.SeriesKey) {
	if e.staleAfter <= 0 {
		return
	}
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if _, ok := e.pending[key]; ok {
		return
	}
	select {
	case e.requests <- key:
		e.pending[key] = struct{}{}
	default:
	}
}

func (e *Engine) done(key domain.SeriesKey) {
	e.pendingMu.Lock()
	delete(e.pending, key)
	e.pendingMu.Unlock()
}

// Run rebuilds all profiles immediately and then every RebuildInterval,
// serving on-demand requests in between. It returns when ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.runPass(ctx)

	ticker := time.NewTicker(e.rebuildInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.runPass(ctx)
		case key := <-e.requests:
			if _, err := e.Rebuild(ctx, key); err != nil && ctx.Err() == nil {
				e.log.Warn().Err(err).Str("series", key.String()).Msg("on-demand rebuild failed")
			}
			e.done(key)
		}
	}
}

func (e *Engine) runPass(ctx context.Context) {
	if _, err := e.RebuildAll(ctx); err != nil && ctx.Err() == nil {
		e.log.Warn().Err(err).Msg("baseline pass had failures")
	}
}
