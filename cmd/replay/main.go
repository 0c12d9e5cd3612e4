// Package main replays a recorded NDJSON tick tape through the full flow
// on event time and prints the resulting signals.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"options-flow-lab/internal/config"
	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/ingestion"
	"options-flow-lab/internal/observability"
	"options-flow-lab/internal/orchestrator"
	flowsignal "options-flow-lab/internal/signal"
	chstore "options-flow-lab/internal/storage/clickhouse"
	"options-flow-lab/internal/storage/memory"
	"options-flow-lab/internal/verification"
)

func main() {
	tapePath := flag.String("tape", "", "Path to NDJSON tick tape (required)")
	configPath := flag.String("config", "", "Path to YAML config (defaults when empty)")
	at := flag.String("at", "", "Wall clock for budget and baselines, RFC3339 (default now)")
	outputJSON := flag.Bool("json", false, "Output signals as JSON")
	verifyDSN := flag.String("verify-clickhouse", "", "Compare replayed windows with those stored in this ClickHouse")
	flag.Parse()

	if *tapePath == "" {
		fmt.Fprintln(os.Stderr, "--tape is required")
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.Storage.UseMemory = true

	log := observability.NewLogger(cfg.App.LogLevel, os.Stderr).With().Str("service", "replay").Logger()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	clock := time.Now
	if *at != "" {
		t, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			log.Fatal().Err(err).Msg("parse --at")
		}
		clock = func() time.Time { return t }
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metricStore := memory.NewPressureMetricStore()
	signalStore := memory.NewSignalStore()

	orch, err := orchestrator.New(orchestrator.Options{
		Config:        cfg,
		Source:        ingestion.NewFileSource(*tapePath, nil),
		MetricStore:   metricStore,
		BaselineStore: memory.NewBaselineStore(),
		Sink:          flowsignal.NewStoreSink(signalStore),
		Clock:         clock,
		EventTime:     true,
		Logger:        log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build orchestrator")
	}

	result, err := orch.Run(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("replay failed")
	}

	signals, err := signalStore.GetByTimeRange(ctx, 0, math.MaxInt64)
	if err != nil {
		log.Fatal().Err(err).Msg("load signals")
	}

	if *verifyDSN != "" {
		replayed, err := metricStore.GetByTimeRange(ctx, 0, math.MaxInt64)
		if err != nil {
			log.Fatal().Err(err).Msg("load replayed windows")
		}
		if !verify(ctx, *verifyDSN, replayed) {
			os.Exit(1)
		}
	}

	if *outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(signals); err != nil {
			log.Fatal().Err(err).Msg("encode signals")
		}
		return
	}
	printSignals(signals, result)
}

// verify compares the replayed windows with the stored ones over the
// replayed range and prints the report.
func verify(ctx context.Context, dsn string, replayed []*domain.PressureMetric) bool {
	if len(replayed) == 0 {
		fmt.Println("verify: nothing replayed")
		return true
	}
	conn, err := chstore.NewConn(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify: connect clickhouse: %v\n", err)
		return false
	}
	defer conn.Close()

	start, end := replayed[0].WindowStart, replayed[len(replayed)-1].WindowStart
	report, err := verification.VerifyRange(ctx, chstore.NewPressureMetricStore(conn), replayed, start, end)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify: %v\n", err)
		return false
	}

	fmt.Printf("verify: windows=%d matched=%d divergent=%d missing=%d extra=%d gaps_skipped=%d\n",
		report.TotalWindows, report.MatchedWindows, report.DivergentWindows,
		report.MissingWindows, report.ExtraWindows, report.SkippedGaps)
	for _, r := range report.Results {
		ts := time.Unix(0, r.WindowStart).UTC().Format(time.RFC3339)
		switch {
		case r.Missing:
			fmt.Printf("  %s %s missing from replay\n", ts, r.Key)
		case r.Extra:
			fmt.Printf("  %s %s not stored\n", ts, r.Key)
		default:
			for _, d := range r.Divergences {
				fmt.Printf("  %s %s %s: stored=%v replayed=%v\n", ts, r.Key, d.Field, d.Expected, d.Actual)
			}
		}
	}
	return report.OK()
}

func printSignals(signals []*domain.InstitutionalSignal, result *orchestrator.RunResult) {
	fmt.Printf("ticks=%d windows=%d signals=%d duplicates=%d\n",
		result.Pipeline.Processed, result.Pipeline.Sealed, len(signals), result.Duplicates)
	for _, s := range signals {
		fmt.Printf("%s  %-10s %-4s %-8s ratio=%7.2f conf=%.3f anomaly=%+.2f mm=%.2f  %s\n",
			time.Unix(0, s.WindowStart).UTC().Format(time.RFC3339),
			s.Key(),
			s.Direction,
			s.Action,
			s.PressureRatio,
			s.FinalConfidence,
			s.AnomalyScore,
			s.MarketMakingLikelihood,
			s.QualityFlag,
		)
	}
}
