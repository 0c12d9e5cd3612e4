// Package main rebuilds baseline profiles once from stored pressure
// metrics, for cron-driven deployments that do not keep flowd's
// background rebuild running.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"options-flow-lab/internal/baseline"
	"options-flow-lab/internal/calendar"
	"options-flow-lab/internal/config"
	"options-flow-lab/internal/observability"
	chstore "options-flow-lab/internal/storage/clickhouse"
	pgstore "options-flow-lab/internal/storage/postgres"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to YAML config (defaults when empty)")
	at := flag.String("at", "", "Rebuild as of this RFC3339 time (default now)")
	timeout := flag.Duration("timeout", 10*time.Minute, "Overall deadline")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := observability.NewLogger(cfg.App.LogLevel, os.Stdout).With().Str("service", "baseline").Logger()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if err := requireStores(cfg); err != nil {
		log.Fatal().Err(err).Msg("storage")
	}

	clock, err := parseAsOf(*at)
	if err != nil {
		log.Fatal().Err(err).Str("at", *at).Msg("parse --at")
	}

	session, err := calendar.NewSession(cfg.Session.Timezone, cfg.Session.Open, cfg.Session.Close)
	if err != nil {
		log.Fatal().Err(err).Msg("session")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	pool, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	conn, err := chstore.NewConn(ctx, cfg.Storage.ClickhouseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect clickhouse")
	}
	defer conn.Close()

	engine := baseline.New(baseline.Options{
		MetricStore:     chstore.NewPressureMetricStore(conn),
		ProfileStore:    pgstore.NewBaselineStore(pool),
		Session:         session,
		LookbackDays:    cfg.Baseline.LookbackDays,
		WindowLength:    cfg.Aggregation.WindowLength,
		MinDataQuality:  cfg.Baseline.MinDataQuality,
		RebuildInterval: cfg.Baseline.RebuildInterval,
		Clock:           clock,
		Logger:          log,
	})

	if err := engine.Warm(ctx); err != nil {
		log.Warn().Err(err).Msg("warm cache")
	}
	n, err := engine.RebuildAll(ctx)
	if err != nil {
		log.Error().Err(err).Int("rebuilt", n).Msg("rebuild finished with failures")
		os.Exit(1)
	}
	log.Info().Int("rebuilt", n).Time("as_of", clock()).Msg("baselines rebuilt")
}

// loadConfig returns the defaults, or the file at path decoded over them,
// with environment overrides applied.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv(nil)
	return cfg, nil
}

// requireStores rejects configs without both databases; a one-shot rebuild
// has nothing to read from or write to in memory.
func requireStores(cfg *config.Config) error {
	if cfg.Storage.PostgresDSN == "" || cfg.Storage.ClickhouseDSN == "" {
		return errors.New("postgres and clickhouse DSNs are required")
	}
	return nil
}

// parseAsOf returns a fixed clock for an RFC3339 time, or time.Now when empty.
func parseAsOf(at string) (func() time.Time, error) {
	if at == "" {
		return time.Now, nil
	}
	t, err := time.Parse(time.RFC3339, at)
	if err != nil {
		return nil, err
	}
	return func() time.Time { return t }, nil
}
