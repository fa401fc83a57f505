package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"trading-bot/pkg/db"
)

var hundred = decimal.NewFromInt(100)

// Manager tracks realized P&L against the daily and drawdown limits.
// All money arithmetic is done in decimal to avoid drift over many trades.
type Manager struct {
	mu     sync.RWMutex
	db     *db.Database
	limits Limits
	now    func() time.Time

	date              string
	dailyPnL          decimal.Decimal
	dailyLosses       decimal.Decimal
	dailyTrades       int
	dailyWins         int
	consecutiveLosses int
	totalRealized     decimal.Decimal
	peakEquity        decimal.Decimal
	totalTrades       int
	totalWins         int
	haltReason        string
}

// NewManager creates a risk manager backed by the DB and restores the latest persisted day.
func NewManager(database *db.Database, limits Limits) (*Manager, error) {
	m := NewInMemory(limits)
	m.db = database
	if database == nil {
		return m, nil
	}

	rec, err := database.LatestRiskMetrics(context.Background())
	if errors.Is(err, db.ErrNotFound) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load risk metrics: %w", err)
	}

	m.totalRealized = decimal.NewFromFloat(rec.TotalRealizedPnL)
	m.consecutiveLosses = rec.ConsecutiveLosses
	if peak := decimal.NewFromFloat(rec.PeakEquity); peak.GreaterThan(m.peakEquity) {
		m.peakEquity = peak
	}
	if rec.Date == m.today() {
		m.dailyPnL = decimal.NewFromFloat(rec.DailyPnL)
		m.dailyLosses = decimal.NewFromFloat(rec.DailyLosses)
		m.dailyTrades = rec.DailyTrades
		m.dailyWins = rec.DailyWins
	}
	m.haltReason = m.breachLocked()
	log.Info().Str("component", "risk").Str("date", rec.Date).
		Float64("total_realized", rec.TotalRealizedPnL).Int("consecutive_losses", rec.ConsecutiveLosses).
		Msg("risk metrics restored")
	return m, nil
}

// NewInMemory creates a risk manager without DB persistence.
func NewInMemory(limits Limits) *Manager {
	m := &Manager{
		limits: limits,
		now:    time.Now,
	}
	m.peakEquity = decimal.NewFromFloat(limits.InitialEquity)
	m.date = m.today()
	return m
}

// SetClock replaces the time source; used by tests and replays.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	m.date = m.today()
}

// Limits returns the configured limits.
func (m *Manager) Limits() Limits {
	return m.limits
}

func (m *Manager) today() string {
	return m.now().UTC().Format("2006-01-02")
}

// rolloverLocked resets daily counters on a new UTC day.
func (m *Manager) rolloverLocked() {
	today := m.today()
	if today == m.date {
		return
	}
	log.Info().Str("component", "risk").Str("prev_date", m.date).
		Str("daily_pnl", m.dailyPnL.StringFixed(2)).Int("daily_trades", m.dailyTrades).
		Msg("daily metrics reset")
	m.date = today
	m.dailyPnL = decimal.Zero
	m.dailyLosses = decimal.Zero
	m.dailyTrades = 0
	m.dailyWins = 0
	m.haltReason = m.breachLocked()
}

func (m *Manager) equityLocked() decimal.Decimal {
	return decimal.NewFromFloat(m.limits.InitialEquity).Add(m.totalRealized)
}

func (m *Manager) drawdownLocked() decimal.Decimal {
	if !m.peakEquity.IsPositive() {
		return decimal.Zero
	}
	dd := m.peakEquity.Sub(m.equityLocked()).Div(m.peakEquity).Mul(hundred)
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

// breachLocked returns a description of the first breached limit, or "".
func (m *Manager) breachLocked() string {
	l := m.limits
	if l.MaxLossPerDay > 0 && m.dailyLosses.GreaterThanOrEqual(decimal.NewFromFloat(l.MaxLossPerDay)) {
		return fmt.Sprintf("daily loss %s reached limit %.2f", m.dailyLosses.StringFixed(2), l.MaxLossPerDay)
	}
	if l.MaxDrawdownPercent > 0 {
		if dd := m.drawdownLocked(); dd.GreaterThanOrEqual(decimal.NewFromFloat(l.MaxDrawdownPercent)) {
			return fmt.Sprintf("drawdown %s%% reached limit %.2f%%", dd.StringFixed(2), l.MaxDrawdownPercent)
		}
	}
	if l.MaxConsecutiveLosses > 0 && m.consecutiveLosses >= l.MaxConsecutiveLosses {
		return fmt.Sprintf("%d consecutive losses reached limit %d", m.consecutiveLosses, l.MaxConsecutiveLosses)
	}
	return ""
}

// CanOpen reports whether a new position may be opened.
func (m *Manager) CanOpen() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()
	if m.haltReason != "" {
		return false, m.haltReason
	}
	return true, ""
}

// RecordTrade books a realized trade. It returns an error wrapping
// ErrLimitBreached when this trade pushes the account past a limit, and a
// plain error when persistence fails.
func (m *Manager) RecordTrade(trade TradeResult) error {
	m.mu.Lock()
	m.rolloverLocked()

	net := trade.Net()
	m.dailyTrades++
	m.totalTrades++
	m.dailyPnL = m.dailyPnL.Add(net)
	m.totalRealized = m.totalRealized.Add(net)
	switch {
	case net.IsNegative():
		m.dailyLosses = m.dailyLosses.Add(net.Neg())
		m.consecutiveLosses++
	case net.IsPositive():
		m.dailyWins++
		m.totalWins++
		m.consecutiveLosses = 0
	}
	if eq := m.equityLocked(); eq.GreaterThan(m.peakEquity) {
		m.peakEquity = eq
	}

	wasHalted := m.haltReason != ""
	m.haltReason = m.breachLocked()
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	log.Info().Str("component", "risk").Str("symbol", trade.Symbol).
		Str("net_pnl", net.StringFixed(4)).Float64("daily_pnl", snapshot.DailyPnL).
		Int("consecutive_losses", snapshot.ConsecutiveLosses).Msg("trade recorded")

	if err := m.persist(snapshot); err != nil {
		return fmt.Errorf("persist risk metrics: %w", err)
	}
	if snapshot.Halted && !wasHalted {
		return fmt.Errorf("%w: %s", ErrLimitBreached, snapshot.HaltReason)
	}
	return nil
}

// Check returns an error wrapping ErrLimitBreached while any limit is breached.
func (m *Manager) Check() error {
	if ok, reason := m.CanOpen(); !ok {
		return fmt.Errorf("%w: %s", ErrLimitBreached, reason)
	}
	return nil
}

// GetMetrics returns the current metrics snapshot.
func (m *Manager) GetMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Metrics {
	met := Metrics{
		Date:              m.date,
		DailyPnL:          m.dailyPnL.InexactFloat64(),
		DailyTrades:       m.dailyTrades,
		DailyWins:         m.dailyWins,
		DailyLosses:       m.dailyLosses.InexactFloat64(),
		ConsecutiveLosses: m.consecutiveLosses,
		TotalRealizedPnL:  m.totalRealized.InexactFloat64(),
		Equity:            m.equityLocked().InexactFloat64(),
		PeakEquity:        m.peakEquity.InexactFloat64(),
		DrawdownPct:       m.drawdownLocked().InexactFloat64(),
		Halted:            m.haltReason != "",
		HaltReason:        m.haltReason,
	}
	if m.totalTrades > 0 {
		met.WinRate = float64(m.totalWins) / float64(m.totalTrades)
	}
	return met
}

func (m *Manager) persist(met Metrics) error {
	if m.db == nil {
		return nil
	}
	return m.db.UpsertRiskMetrics(context.Background(), db.RiskMetrics{
		Date:              met.Date,
		DailyPnL:          met.DailyPnL,
		DailyTrades:       met.DailyTrades,
		DailyWins:         met.DailyWins,
		DailyLosses:       met.DailyLosses,
		ConsecutiveLosses: met.ConsecutiveLosses,
		TotalRealizedPnL:  met.TotalRealizedPnL,
		PeakEquity:        met.PeakEquity,
		DrawdownPct:       met.DrawdownPct,
	})
}

// ResetStreak clears the consecutive-loss counter after an operator review.
func (m *Manager) ResetStreak() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveLosses = 0
	m.haltReason = m.breachLocked()
	log.Warn().Str("component", "risk").Msg("consecutive loss streak reset by operator")
}
