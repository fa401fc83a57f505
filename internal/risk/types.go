package risk

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrLimitBreached marks a daily loss, drawdown or consecutive-loss limit hit.
var ErrLimitBreached = errors.New("risk limit breached")

// Limits bounds trading activity. Zero disables a limit.
type Limits struct {
	MaxLossPerDay        float64 `yaml:"max_loss_per_day" json:"max_loss_per_day" validate:"gte=0"`
	MaxDrawdownPercent   float64 `yaml:"max_drawdown_percent" json:"max_drawdown_percent" validate:"gte=0,lte=100"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses" json:"max_consecutive_losses" validate:"gte=0"`
	InitialEquity        float64 `yaml:"initial_equity" json:"initial_equity" validate:"gte=0"`
}

// DefaultLimits returns conservative limits for a 10k account.
func DefaultLimits() Limits {
	return Limits{
		MaxLossPerDay:        500,
		MaxDrawdownPercent:   20,
		MaxConsecutiveLosses: 5,
		InitialEquity:        10000,
	}
}

// Metrics is a snapshot of the risk counters.
type Metrics struct {
	Date              string  `json:"date"`
	DailyPnL          float64 `json:"daily_pnl"`
	DailyTrades       int     `json:"daily_trades"`
	DailyWins         int     `json:"daily_wins"`
	DailyLosses       float64 `json:"daily_losses"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	TotalRealizedPnL  float64 `json:"total_realized_pnl"`
	Equity            float64 `json:"equity"`
	PeakEquity        float64 `json:"peak_equity"`
	DrawdownPct       float64 `json:"drawdown_pct"`
	WinRate           float64 `json:"win_rate"`
	Halted            bool    `json:"halted"`
	HaltReason        string  `json:"halt_reason,omitempty"`
}

// TradeResult is a realized round trip. PnL is gross; Fee is subtracted.
type TradeResult struct {
	Symbol     string
	Side       string
	Size       float64
	EntryPrice float64
	ExitPrice  float64
	PnL        decimal.Decimal
	Fee        decimal.Decimal
	ClosedAt   time.Time
}

// Net returns PnL minus fee.
func (t TradeResult) Net() decimal.Decimal {
	return t.PnL.Sub(t.Fee)
}
