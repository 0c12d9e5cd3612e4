// Package budget meters feed usage against a daily cost ceiling.
package budget

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"options-flow-lab/internal/calendar"
	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/observability"
)

// BytesPerMB is the metering unit for byte cost.
const BytesPerMB = 1 << 20

var (
	bytesPerMB   = decimal.NewFromInt(BytesPerMB)
	nanosPerHour = decimal.NewFromInt(int64(time.Hour))
)

// Options configures a Monitor.
type Options struct {
	Ceiling         float64 // daily ceiling in currency units
	CostPerMB       float64
	CostPerHour     float64
	DegradeFraction float64 // default 0.8
	HaltFraction    float64 // default 1.0

	Session *calendar.Session // optional, enables ResetIfNewSession
	Clock   func() time.Time
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Monitor is the session-scoped budget ledger.
// The level only escalates until Reset.
type Monitor struct {
	mu sync.Mutex

	ceiling     decimal.Decimal
	costPerMB   decimal.Decimal
	costPerHour decimal.Decimal
	degradeAt   decimal.Decimal
	haltAt      decimal.Decimal

	session *calendar.Session
	clock   func() time.Time
	metrics *observability.Metrics
	log     zerolog.Logger

	day       string
	bytes     int64
	connected time.Duration
	upSince   time.Time
	up        bool
	cost      decimal.Decimal
	level     domain.BudgetLevel
}

// New creates a Monitor for the trading day of the current clock time.
func New(opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.DegradeFraction <= 0 {
		opts.DegradeFraction = 0.8
	}
	if opts.HaltFraction <= 0 {
		opts.HaltFraction = 1.0
	}

	ceiling := decimal.NewFromFloat(opts.Ceiling)
	m := &Monitor{
		ceiling:     ceiling,
		costPerMB:   decimal.NewFromFloat(opts.CostPerMB),
		costPerHour: decimal.NewFromFloat(opts.CostPerHour),
		degradeAt:   ceiling.Mul(decimal.NewFromFloat(opts.DegradeFraction)),
		haltAt:      ceiling.Mul(decimal.NewFromFloat(opts.HaltFraction)),
		session:     opts.Session,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		log:         opts.Logger.With().Str("component", "budget").Logger(),
		level:       domain.BudgetNormal,
	}
	m.day = m.tradingDay(m.clock())
	return m
}

func (m *Monitor) tradingDay(t time.Time) string {
	if m.session != nil {
		return m.session.TradingDay(t)
	}
	return t.UTC().Format("2006-01-02")
}

// Record meters an event of n bytes and returns the resulting level.
func (m *Monitor) Record(n int64) domain.BudgetLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.bytes += n
	}
	m.recompute()
	return m.level
}

// ConnectionUp starts accruing connection time.
func (m *Monitor) ConnectionUp() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.up {
		return
	}
	m.up = true
	m.upSince = m.clock()
}

// ConnectionDown stops accruing connection time.
func (m *Monitor) ConnectionDown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.up {
		return
	}
	m.connected += m.clock().Sub(m.upSince)
	m.up = false
	m.recompute()
}

// ShouldContinue is false once cost reached the degrade threshold.
// It stays false until Reset.
func (m *Monitor) ShouldContinue() bool {
	return m.Level() == domain.BudgetNormal
}

// Halted is true once cost reached the halt threshold.
func (m *Monitor) Halted() bool {
	return m.Level() == domain.BudgetHalted
}

// Level returns the current budget level.
func (m *Monitor) Level() domain.BudgetLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recompute()
	return m.level
}

// Snapshot returns the current ledger.
func (m *Monitor) Snapshot() domain.BudgetLedger {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recompute()
	return domain.BudgetLedger{
		TradingDay:       m.day,
		BytesProcessed:   m.bytes,
		ConnectedSeconds: m.elapsed().Seconds(),
		EstimatedCost:    m.cost,
		Ceiling:          m.ceiling,
		Level:            m.level,
	}
}

// Reset starts a fresh ledger for the trading day of now.
func (m *Monitor) Reset(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked(now)
}

// ResetIfNewSession resets when now falls on a later trading day.
func (m *Monitor) ResetIfNewSession(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tradingDay(now) == m.day {
		return false
	}
	m.resetLocked(now)
	return true
}

func (m *Monitor) resetLocked(now time.Time) {
	m.day = m.tradingDay(now)
	m.bytes = 0
	m.connected = 0
	if m.up {
		m.upSince = now
	}
	m.cost = decimal.Zero
	m.level = domain.BudgetNormal
	m.metrics.SetBudget(0, m.level.Rank())
	m.log.Info().Str("trading_day", m.day).Msg("budget ledger reset")
}

func (m *Monitor) elapsed() time.Duration {
	d := m.connected
	if m.up {
		d += m.clock().Sub(m.upSince)
	}
	return d
}

// recompute refreshes cost and escalates the level. Caller holds mu.
func (m *Monitor) recompute() {
	m.cost = Cost(m.bytes, m.elapsed(), m.costPerMB, m.costPerHour)

	next := domain.BudgetNormal
	switch {
	case m.cost.GreaterThanOrEqual(m.haltAt):
		next = domain.BudgetHalted
	case m.cost.GreaterThanOrEqual(m.degradeAt):
		next = domain.BudgetDegraded
	}
	if next.Rank() > m.level.Rank() {
		m.log.Warn().
			Str("from", string(m.level)).
			Str("to", string(next)).
			Str("cost", m.cost.StringFixed(4)).
			Str("ceiling", m.ceiling.StringFixed(2)).
			Msg("budget level escalated")
		m.level = next
	}

	cost, _ := m.cost.Float64()
	m.metrics.SetBudget(cost, m.level.Rank())
}

// Cost computes bytes/1MB x costPerMB + elapsedHours x costPerHour.
func Cost(bytes int64, elapsed time.Duration, costPerMB, costPerHour decimal.Decimal) decimal.Decimal {
	mb := decimal.NewFromInt(bytes).Div(bytesPerMB)
	hours := decimal.NewFromInt(int64(elapsed)).Div(nanosPerHour)
	return mb.Mul(costPerMB).Add(hours.Mul(costPerHour))
}
