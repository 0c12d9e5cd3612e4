// Package main runs the live options flow service: it streams ticks from
// the feed, aggregates pressure windows, scores them against baselines and
// emits institutional flow signals.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"options-flow-lab/internal/config"
	"options-flow-lab/internal/ingestion"
	"options-flow-lab/internal/observability"
	"options-flow-lab/internal/orchestrator"
	flowsignal "options-flow-lab/internal/signal"
	"options-flow-lab/internal/storage"
	chstore "options-flow-lab/internal/storage/clickhouse"
	"options-flow-lab/internal/storage/memory"
	"options-flow-lab/internal/storage/migrations"
	pgstore "options-flow-lab/internal/storage/postgres"
)

// stores holds the storage implementations and their shutdown.
type stores struct {
	metrics   storage.PressureMetricStore
	baselines storage.BaselineStore
	signals   storage.SignalStore
	close     func()
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to YAML config (defaults when empty)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL/ClickHouse")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.ApplyEnv(nil)
	if *useMemory {
		cfg.Storage.UseMemory = true
	}

	log := observability.NewLogger(cfg.App.LogLevel, os.Stdout).With().Str("service", cfg.App.Name).Logger()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.Feed.WSURL == "" {
		log.Fatal().Msgf("feed.ws_url is required (or set %s)", config.EnvFeedWSURL)
	}

	metrics := observability.NewMetrics(cfg.App.Namespace, nil)
	if cfg.App.MetricsAddr != "" {
		go serveMetrics(cfg.App.MetricsAddr, log)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := openStores(ctx, cfg, log, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("open storage")
	}
	defer st.close()

	source := ingestion.NewWSTickSource(ingestion.WSConfig{
		URL:              cfg.Feed.WSURL,
		BackfillURL:      cfg.Feed.BackfillURL,
		APIKey:           cfg.Feed.APIKey,
		Underlying:       cfg.Feed.Underlying,
		HandshakeTimeout: ingestion.DefaultWSConfig().HandshakeTimeout,
		WriteTimeout:     cfg.Feed.WriteTimeout,
		PingInterval:     cfg.Feed.PingInterval,
	}, log, metrics)

	sink := flowsignal.MultiSink{
		flowsignal.NewLogSink(log),
		flowsignal.NewStoreSink(st.signals),
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Config:        cfg,
		Source:        source,
		MetricStore:   st.metrics,
		BaselineStore: st.baselines,
		Sink:          sink,
		Logger:        log,
		Metrics:       metrics,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build orchestrator")
	}

	log.Info().
		Str("feed", cfg.Feed.WSURL).
		Str("underlying", cfg.Feed.Underlying).
		Dur("window", cfg.Aggregation.WindowLength).
		Bool("memory", cfg.Storage.UseMemory).
		Msg("starting")

	result, err := orch.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("stopped with error")
		st.close()
		os.Exit(1)
	}
	log.Info().
		Uint64("signals", result.Pipeline.Signals).
		Str("budget_cost", result.Budget.EstimatedCost.StringFixed(2)).
		Msg("shutdown complete")
}

func serveMetrics(addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("metrics server")
	}
}

// openStores returns memory stores, or ClickHouse for metrics and
// PostgreSQL for baselines and signals.
func openStores(ctx context.Context, cfg *config.Config, log zerolog.Logger, metrics *observability.Metrics) (*stores, error) {
	if cfg.Storage.UseMemory {
		log.Warn().Msg("using in-memory storage, nothing is persisted")
		return &stores{
			metrics:   memory.NewPressureMetricStore(),
			baselines: memory.NewBaselineStore(),
			signals:   memory.NewSignalStore(),
			close:     func() {},
		}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pool = pool.WithMetrics(metrics)

	var conn *chstore.Conn
	if cfg.Storage.Migrate {
		if err := migrations.RunPostgresMigrations(ctx, pool, log); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres migrations: %w", err)
		}
		conn, err = migrations.RunClickhouseMigrations(ctx, cfg.Storage.ClickhouseDSN, log)
	} else {
		conn, err = chstore.NewConn(ctx, cfg.Storage.ClickhouseDSN)
	}
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect clickhouse: %w", err)
	}
	conn = conn.WithMetrics(metrics)

	return &stores{
		metrics:   chstore.NewPressureMetricStore(conn),
		baselines: pgstore.NewBaselineStore(pool),
		signals:   pgstore.NewSignalStore(pool),
		close: func() {
			pool.Close()
			conn.Close()
		},
	}, nil
}
