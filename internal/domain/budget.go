package domain

import "github.com/shopspring/decimal"

// BudgetLevel is the streaming quality level allowed by the daily budget.
type BudgetLevel string

// Budget levels, in escalation order.
const (
	BudgetNormal   BudgetLevel = "NORMAL"
	BudgetDegraded BudgetLevel = "DEGRADED"
	BudgetHalted   BudgetLevel = "HALTED"
)

// Rank orders levels for escalation checks.
func (l BudgetLevel) Rank() int {
	switch l {
	case BudgetDegraded:
		return 1
	case BudgetHalted:
		return 2
	default:
		return 0
	}
}

// BudgetLedger is a snapshot of one trading day's usage.
type BudgetLedger struct {
	TradingDay       string // YYYY-MM-DD in the session timezone
	BytesProcessed   int64
	ConnectedSeconds float64
	EstimatedCost    decimal.Decimal
	Ceiling          decimal.Decimal
	Level            BudgetLevel
}
