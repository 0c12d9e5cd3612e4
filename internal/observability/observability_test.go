package observability

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestNewLoggerLevel(t *testing.T) {
	logger := NewLogger("debug", nil)
	if logger.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", logger.GetLevel())
	}

	logger = NewLogger("invalid", nil)
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info fallback, got %s", logger.GetLevel())
	}

	logger = NewLogger("", nil)
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info for empty level, got %s", logger.GetLevel())
	}
}

func TestNewLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("info", &buf)
	logger.Info().Str("component", "test").Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"component":"test"`) || !strings.Contains(out, `"message":"hello"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.RecordTick()
	m.RecordTick()
	m.RecordDrop(DropMalformed)
	m.RecordWindowSealed("OK")
	m.RecordSignal("STRONG")
	m.SetConnectionState("", "CONNECTED")
	m.SetConnectionState("CONNECTED", "DISCONNECTED")
	m.RecordDBQuery("clickhouse", "insert", time.Millisecond, errors.New("boom"))

	if got := testutil.ToFloat64(m.TicksReceived); got != 2 {
		t.Errorf("ticks received = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TicksDropped.WithLabelValues(DropMalformed)); got != 1 {
		t.Errorf("malformed drops = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConnectionState.WithLabelValues("CONNECTED")); got != 0 {
		t.Errorf("previous state gauge = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.ConnectionState.WithLabelValues("DISCONNECTED")); got != 1 {
		t.Errorf("current state gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DBQueryErrors.WithLabelValues("clickhouse", "insert")); got != 1 {
		t.Errorf("db errors = %v, want 1", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordTick()
	m.RecordDrop(DropLate)
	m.SetQueueDepth(3)
	m.SetBudget(1, 1)
	m.RecordBaselineRebuild("ok", time.Second)
}
