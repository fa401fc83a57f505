package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trading-bot/pkg/db"
)

func trade(pnl, fee float64) TradeResult {
	return TradeResult{Symbol: "BTCUSDT", Side: "LONG", PnL: decimal.NewFromFloat(pnl), Fee: decimal.NewFromFloat(fee)}
}

// Net P&L subtracts the fee exactly once for wins and losses.
func TestRecordTradeUsesNetPnL(t *testing.T) {
	tests := []struct {
		name            string
		trade           TradeResult
		wantDailyPnL    float64
		wantDailyLosses float64
		wantWins        int
		wantStreak      int
	}{
		{"profit", trade(126, 5.5), 120.5, 0, 1, 0},
		{"loss", trade(-41.5, 1.25), -42.75, 42.75, 0, 1},
		{"fee turns flat into loss", trade(0, 1), -1, 1, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := NewInMemory(Limits{InitialEquity: 10000})
			if err := mgr.RecordTrade(tt.trade); err != nil {
				t.Fatalf("RecordTrade returned error: %v", err)
			}
			m := mgr.GetMetrics()
			if m.DailyPnL != tt.wantDailyPnL || m.TotalRealizedPnL != tt.wantDailyPnL {
				t.Fatalf("DailyPnL=%v TotalRealizedPnL=%v, expected %v", m.DailyPnL, m.TotalRealizedPnL, tt.wantDailyPnL)
			}
			if m.DailyLosses != tt.wantDailyLosses {
				t.Fatalf("DailyLosses=%v, expected %v", m.DailyLosses, tt.wantDailyLosses)
			}
			if m.DailyWins != tt.wantWins || m.ConsecutiveLosses != tt.wantStreak || m.DailyTrades != 1 {
				t.Fatalf("unexpected counters %+v", m)
			}
		})
	}
}

func TestDecimalAccumulationIsExact(t *testing.T) {
	mgr := NewInMemory(Limits{InitialEquity: 1000})
	for i := 0; i < 10; i++ {
		if err := mgr.RecordTrade(trade(0.1, 0)); err != nil {
			t.Fatalf("RecordTrade: %v", err)
		}
	}
	if got := mgr.GetMetrics().TotalRealizedPnL; got != 1.0 {
		t.Fatalf("expected exactly 1.0, got %v", got)
	}
}

func TestDailyLossLimitBlocksAndRollsOver(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mgr := NewInMemory(Limits{MaxLossPerDay: 100, InitialEquity: 10000})
	mgr.SetClock(func() time.Time { return now })

	if err := mgr.RecordTrade(trade(-60, 0)); err != nil {
		t.Fatalf("first loss should not breach: %v", err)
	}
	err := mgr.RecordTrade(trade(-40, 0))
	if !errors.Is(err, ErrLimitBreached) {
		t.Fatalf("expected ErrLimitBreached, got %v", err)
	}
	if ok, reason := mgr.CanOpen(); ok || reason == "" {
		t.Fatalf("expected blocked entries")
	}
	// further trades while halted do not re-report the breach
	if err := mgr.RecordTrade(trade(-1, 0)); err != nil {
		t.Fatalf("breach must be reported once, got %v", err)
	}

	now = now.Add(24 * time.Hour)
	if ok, reason := mgr.CanOpen(); !ok {
		t.Fatalf("new day must reset daily loss, still blocked: %s", reason)
	}
	if m := mgr.GetMetrics(); m.DailyTrades != 0 || m.DailyLosses != 0 || m.TotalRealizedPnL != -101 {
		t.Fatalf("unexpected metrics after rollover %+v", m)
	}
}

func TestConsecutiveLossesLimit(t *testing.T) {
	mgr := NewInMemory(Limits{MaxConsecutiveLosses: 3, InitialEquity: 10000})
	_ = mgr.RecordTrade(trade(-1, 0))
	_ = mgr.RecordTrade(trade(-1, 0))
	_ = mgr.RecordTrade(trade(5, 0)) // resets streak
	_ = mgr.RecordTrade(trade(-1, 0))
	_ = mgr.RecordTrade(trade(-1, 0))
	if err := mgr.Check(); err != nil {
		t.Fatalf("streak of 2 must not block: %v", err)
	}
	if err := mgr.RecordTrade(trade(-1, 0)); !errors.Is(err, ErrLimitBreached) {
		t.Fatalf("expected breach on third loss, got %v", err)
	}
	mgr.ResetStreak()
	if err := mgr.Check(); err != nil {
		t.Fatalf("reset must unblock: %v", err)
	}
}

func TestDrawdownLimit(t *testing.T) {
	mgr := NewInMemory(Limits{MaxDrawdownPercent: 10, InitialEquity: 1000})
	_ = mgr.RecordTrade(trade(200, 0)) // peak 1200
	if err := mgr.RecordTrade(trade(-119, 0)); err != nil {
		t.Fatalf("9.9%% drawdown must not breach: %v", err)
	}
	if err := mgr.RecordTrade(trade(-1, 0)); !errors.Is(err, ErrLimitBreached) {
		t.Fatalf("expected drawdown breach, got %v", err)
	}
	m := mgr.GetMetrics()
	if m.PeakEquity != 1200 || m.Equity != 1080 || m.DrawdownPct != 10 {
		t.Fatalf("unexpected drawdown metrics %+v", m)
	}
}

func TestManagerPersistsAndRestores(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	limits := Limits{MaxConsecutiveLosses: 2, InitialEquity: 1000}
	mgr, err := NewManager(database, limits)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	_ = mgr.RecordTrade(trade(-10, 0))
	_ = mgr.RecordTrade(trade(-10, 0))

	restored, err := NewManager(database, limits)
	if err != nil {
		t.Fatalf("NewManager restore: %v", err)
	}
	m := restored.GetMetrics()
	if m.DailyTrades != 2 || m.TotalRealizedPnL != -20 || m.ConsecutiveLosses != 2 {
		t.Fatalf("unexpected restored metrics %+v", m)
	}
	if ok, _ := restored.CanOpen(); ok {
		t.Fatalf("restored manager must keep the halt")
	}
}
