// Package lifecycle runs the per-symbol position state machine
// Flat -> Signal -> Manage -> Flat on closed bars.
package lifecycle

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"trading-bot/internal/leverage"
	"trading-bot/internal/market"
	"trading-bot/internal/risk"
)

// TrailingStopCalculator proposes trailing stop candidates.
type TrailingStopCalculator interface {
	ComputeNewStop(fv market.FeatureVector, regime market.Regime, pos risk.PositionView) (float64, bool)
}

// activationReporter is implemented by calculators that hold trailing back
// until the position has moved in its favour.
type activationReporter interface {
	ActivationPct() float64
}

// RiskGuard gates entries and books realized trades.
type RiskGuard interface {
	CanOpen() (bool, string)
	RecordTrade(t risk.TradeResult) error
}

// AccountProvider supplies the balance and exposure used for sizing.
type AccountProvider interface {
	Balance() float64
	Exposure() float64
}

// Deps are the collaborators of a lifecycle.
type Deps struct {
	Leverage *leverage.Calculator
	Trailing TrailingStopCalculator
	Risk     RiskGuard
	Account  AccountProvider
	Selector StrategySelector
}

type pendingSignal struct {
	entrySignal
	price      float64
	barsWaited int
	confirms   int
	at         time.Time
}

// Lifecycle owns the state and position of one symbol. It is safe for
// concurrent use; bars are processed one at a time.
type Lifecycle struct {
	mu     sync.Mutex
	symbol string
	cfg    Config
	deps   Deps
	logger zerolog.Logger

	state        State
	position     *Position
	signal       *pendingSignal
	profile      Profile
	selectionDay string
	forceSelect  bool
	lastDecision Decision
}

// New builds a flat lifecycle for symbol.
func New(symbol string, cfg Config, deps Deps) (*Lifecycle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Leverage == nil || deps.Risk == nil || deps.Account == nil {
		return nil, fmt.Errorf("lifecycle %s: leverage, risk and account dependencies are required", symbol)
	}
	if deps.Selector == nil {
		deps.Selector = RegimeSelector{}
	}
	sym := strings.ToUpper(symbol)
	return &Lifecycle{
		symbol:  sym,
		cfg:     cfg,
		deps:    deps,
		logger:  log.With().Str("component", "lifecycle").Str("symbol", sym).Logger(),
		state:   Flat,
		profile: ProfileStandby,
	}, nil
}

// Symbol returns the traded symbol.
func (l *Lifecycle) Symbol() string { return l.symbol }

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Profile returns the active entry profile.
func (l *Lifecycle) Profile() Profile {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.profile
}

// Position returns a copy of the open position.
func (l *Lifecycle) Position() (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.position == nil {
		return Position{}, false
	}
	return *l.position, true
}

// LastDecision returns the most recent decision.
func (l *Lifecycle) LastDecision() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastDecision
}

// ForceStrategySelection makes the next flat bar re-run strategy selection.
func (l *Lifecycle) ForceStrategySelection() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forceSelect = true
}

// OnBar advances the state machine by one closed bar.
func (l *Lifecycle) OnBar(bar market.Bar, fv market.FeatureVector, regime market.Regime) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dec := Decision{
		Symbol:    l.symbol,
		Timestamp: bar.OpenTime,
		Action:    Hold,
		Regime:    regime,
		Price:     bar.Close,
	}

	var err error
	switch l.state {
	case Flat:
		l.onFlat(bar, fv, regime, &dec)
	case Signal:
		l.onSignal(bar, fv, regime, &dec)
	case Manage:
		err = l.onManage(bar, fv, regime, &dec)
	default:
		err = fmt.Errorf("lifecycle %s: unknown state %d", l.symbol, l.state)
	}
	if err != nil {
		l.logger.Error().Err(err).Str("state", l.state.String()).Msg("invariant violated")
		return Decision{}, err
	}

	dec.State = l.state
	dec.Profile = l.profile
	l.lastDecision = dec
	return dec, nil
}

func (l *Lifecycle) onFlat(bar market.Bar, fv market.FeatureVector, regime market.Regime, dec *Decision) {
	if !fv.Ready() {
		dec.Reasons = append(dec.Reasons, ReasonWarmingUp)
		return
	}

	day := bar.OpenTime.UTC().Format("2006-01-02")
	if l.forceSelect || day != l.selectionDay {
		prev := l.profile
		l.profile = l.deps.Selector.Select(fv, regime)
		l.selectionDay = day
		l.forceSelect = false
		l.logger.Info().Str("regime", regime.String()).Str("from", string(prev)).Str("to", string(l.profile)).Msg("strategy selected")
	}
	if l.profile == ProfileStandby {
		dec.Reasons = append(dec.Reasons, ReasonStandby)
		return
	}

	sig, ok := evaluateEntry(l.profile, fv, l.cfg)
	if !ok || sig.score < l.cfg.MinScore {
		return
	}
	if allowed, reason := l.deps.Risk.CanOpen(); !allowed {
		dec.Reasons = append(dec.Reasons, ReasonRiskBlocked)
		dec.Notes = reason
		return
	}

	l.signal = &pendingSignal{entrySignal: sig, price: fv.Close, at: bar.OpenTime}
	l.state = Signal
	dec.Side = sig.side
	dec.Reasons = append(dec.Reasons, ReasonSignalDetected)
	dec.Reasons = append(dec.Reasons, sig.reasons...)
	dec.Notes = fmt.Sprintf("score %.2f", sig.score)
}

func (l *Lifecycle) onSignal(bar market.Bar, fv market.FeatureVector, regime market.Regime, dec *Decision) {
	sig := l.signal
	if sig == nil {
		l.toFlat()
		return
	}
	dec.Side = sig.side

	if allowed, reason := l.deps.Risk.CanOpen(); !allowed {
		l.toFlat()
		dec.Reasons = append(dec.Reasons, ReasonRiskBlocked)
		dec.Notes = reason
		return
	}
	if opp, ok := evaluateEntry(l.profile, fv, l.cfg); ok && opp.side != sig.side && opp.score >= l.cfg.MinScore {
		l.toFlat()
		dec.Reasons = append(dec.Reasons, ReasonSignalReversed)
		return
	}

	sig.barsWaited++
	if (sig.side == market.Long && fv.Close > sig.price) || (sig.side == market.Short && fv.Close < sig.price) {
		sig.confirms++
	}

	confirmed := sig.score >= l.cfg.ImmediateScore || sig.confirms >= l.cfg.ConfirmBars
	if !confirmed {
		if sig.barsWaited >= l.cfg.MaxSignalBars {
			l.toFlat()
			dec.Reasons = append(dec.Reasons, ReasonSignalExpired)
			return
		}
		dec.Reasons = append(dec.Reasons, ReasonAwaitingConfirm)
		return
	}

	l.openPosition(bar, fv, regime, sig, dec)
}

// openPosition sizes and opens the position on a confirmed signal.
func (l *Lifecycle) openPosition(bar market.Bar, fv market.FeatureVector, regime market.Regime, sig *pendingSignal, dec *Decision) {
	entry := fv.Close
	side := sig.side

	var stop float64
	if fv.ATR > 0 {
		dist := fv.ATR * l.cfg.StopATRMultiple
		stop = entry - dist
		if side == market.Short {
			stop = entry + dist
		}
	}
	if stop <= 0 {
		pct := l.cfg.DefaultStopPct / 100
		stop = entry * (1 - pct)
		if side == market.Short {
			stop = entry * (1 + pct)
		}
	}

	balance := l.deps.Account.Balance()
	res := l.deps.Leverage.Calculate(leverage.Request{
		Symbol:          l.symbol,
		EntryPrice:      entry,
		Regime:          regime,
		ATR:             fv.ATR,
		AccountBalance:  balance,
		CurrentExposure: l.deps.Account.Exposure(),
	})
	dec.LeverageTrail = res.Reasons
	if res.Action == leverage.Blocked {
		l.toFlat()
		dec.Reasons = append(dec.Reasons, ReasonLeverageBlocked)
		dec.Notes = strings.Join(res.Warnings, "; ")
		return
	}

	lev := res.RecommendedLeverage
	check := l.deps.Leverage.ValidateLeverage(lev, l.symbol, entry, stop, side)
	if !check.OK {
		safe := math.Min(l.deps.Leverage.SafeLeverageForSL(entry, stop, l.symbol), lev)
		l.logger.Warn().Str("reason", check.Reason).Float64("from", lev).Float64("to", safe).Msg("leverage lowered for stop")
		check = l.deps.Leverage.ValidateLeverage(safe, l.symbol, entry, stop, side)
		if !check.OK {
			l.toFlat()
			dec.Reasons = append(dec.Reasons, ReasonStopInvalid)
			dec.Notes = check.Reason
			return
		}
		lev = safe
	}

	qty := 0.0
	if dist := math.Abs(entry - stop); dist > 0 && balance > 0 {
		qty = balance * l.cfg.RiskPerTradePct / 100 / dist
		qty = math.Min(qty, balance*lev*l.cfg.MaxMarginFraction/entry)
	}
	if qty <= 0 || math.IsNaN(qty) {
		l.toFlat()
		dec.Reasons = append(dec.Reasons, ReasonSizeZero)
		return
	}

	l.position = &Position{
		Symbol:     l.symbol,
		Side:       side,
		EntryPrice: entry,
		Size:       qty,
		Leverage:   lev,
		Stop: TrailingStop{
			InitialStopPrice: stop,
			CurrentStopPrice: stop,
			ActivationPct:    l.activationPct(),
		},
		MarkPrice: entry,
		HighWater: bar.High,
		LowWater:  bar.Low,
		OpenedAt:  bar.OpenTime,
		Pending:   true,
	}
	l.signal = nil
	l.state = Manage

	dec.Action = Enter
	dec.Side = side
	dec.Price = entry
	dec.Quantity = qty
	dec.Leverage = lev
	dec.StopAfter = stop
	dec.Reasons = append(dec.Reasons, ReasonConfirmed)
	dec.Reasons = append(dec.Reasons, sig.reasons...)
	if len(check.Warnings) > 0 {
		dec.Notes = strings.Join(check.Warnings, "; ")
	}
	l.logger.Info().Str("side", string(side)).Float64("entry", entry).Float64("stop", stop).
		Float64("qty", qty).Float64("leverage", lev).Msg("entry confirmed")
}

func (l *Lifecycle) onManage(bar market.Bar, fv market.FeatureVector, regime market.Regime, dec *Decision) error {
	pos := l.position
	if pos == nil {
		return ErrNoPosition
	}
	dec.Side = pos.Side

	// 1. mark and age
	pos.mark(bar.Close)
	pos.BarsHeld++

	// 2. stop hit on the bar extreme
	stop := pos.Stop.CurrentStopPrice
	hit := (pos.Side == market.Long && bar.Low <= stop) || (pos.Side == market.Short && bar.High >= stop)
	if hit {
		exit := stop
		// a gap through the stop fills at the open
		if pos.Side == market.Long && bar.Open > 0 && bar.Open < stop {
			exit = bar.Open
		}
		if pos.Side == market.Short && bar.Open > stop {
			exit = bar.Open
		}
		kind := ReasonInitialStop
		if pos.Stop.Trailed() {
			kind = ReasonTrailingStop
		}
		dec.StopHit = true
		l.exit(exit, dec, ReasonStopHit, kind)
		return nil
	}

	pos.HighWater = math.Max(pos.HighWater, bar.High)
	if pos.LowWater <= 0 || bar.Low < pos.LowWater {
		pos.LowWater = bar.Low
	}

	// 3. exit signals; RSI wins over MACD
	if fv.Ready() {
		rsiExit := (pos.Side == market.Long && fv.RSI > l.cfg.RSIExitLong) ||
			(pos.Side == market.Short && fv.RSI < l.cfg.RSIExitShort)
		if rsiExit {
			l.exit(bar.Close, dec, ReasonRSIExtreme)
			return nil
		}
		macdExit := (pos.Side == market.Long && fv.BearishCross() && fv.MACDHist < 0) ||
			(pos.Side == market.Short && fv.BullishCross() && fv.MACDHist > 0)
		if macdExit {
			l.logger.Info().Str("side", string(pos.Side)).Bool("enabled", !l.cfg.DisableMACDExit).
				Float64("macd_hist", fv.MACDHist).Msg("macd exit signal")
			if !l.cfg.DisableMACDExit {
				l.exit(bar.Close, dec, ReasonMACDCross)
				return nil
			}
			dec.Notes = "macd exit signal ignored: macd exits disabled"
		}
	}

	// 4. trailing stop
	if !l.cfg.DisableTrailing && l.deps.Trailing != nil && fv.Ready() {
		view := risk.PositionView{
			Symbol:      pos.Symbol,
			Side:        pos.Side,
			EntryPrice:  pos.EntryPrice,
			CurrentStop: pos.Stop.CurrentStopPrice,
			BarsHeld:    pos.BarsHeld,
			HighWater:   pos.HighWater,
			LowWater:    pos.LowWater,
			OpenedAt:    pos.OpenedAt,
		}
		if candidate, ok := l.deps.Trailing.ComputeNewStop(fv, regime, view); ok {
			before := pos.Stop.CurrentStopPrice
			if pos.Stop.TryUpdate(pos.Side, candidate) {
				dec.Action = AdjustStop
				dec.StopBefore = before
				dec.StopAfter = pos.Stop.CurrentStopPrice
				dec.Quantity = pos.Size
				dec.Reasons = append(dec.Reasons, ReasonTrailUpdate)
				return nil
			}
		}
	}

	// 5. hold
	dec.Reasons = append(dec.Reasons, ReasonInPosition)
	dec.StopAfter = pos.Stop.CurrentStopPrice
	return nil
}

// exit realizes the position at price and returns to Flat.
func (l *Lifecycle) exit(price float64, dec *Decision, reasons ...string) {
	pos := l.position
	entry := decimal.NewFromFloat(pos.EntryPrice)
	exit := decimal.NewFromFloat(price)
	size := decimal.NewFromFloat(pos.Size)

	gross := exit.Sub(entry).Mul(size)
	if pos.Side == market.Short {
		gross = gross.Neg()
	}
	fee := entry.Add(exit).Mul(size).Mul(decimal.NewFromFloat(l.cfg.FeeRate))

	trade := risk.TradeResult{
		Symbol:     pos.Symbol,
		Side:       string(pos.Side),
		Size:       pos.Size,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  price,
		PnL:        gross,
		Fee:        fee,
		ClosedAt:   dec.Timestamp,
	}
	// nothing was filled yet, so there is no trade to book
	if pos.Pending {
		trade = risk.TradeResult{Symbol: pos.Symbol, Side: string(pos.Side)}
		reasons = append(reasons, ReasonEntryUnfilled)
	} else if err := l.deps.Risk.RecordTrade(trade); err != nil {
		if errors.Is(err, risk.ErrLimitBreached) {
			dec.LimitBreach = err.Error()
			l.logger.Warn().Err(err).Msg("risk limit breached")
		} else {
			l.logger.Error().Err(err).Msg("record trade")
		}
	}

	dec.Action = Exit
	dec.Side = pos.Side
	dec.Price = price
	dec.Quantity = pos.Size
	dec.StopBefore = pos.Stop.CurrentStopPrice
	dec.RealizedPnL = trade.Net().InexactFloat64()
	dec.Reasons = append(dec.Reasons, reasons...)

	l.logger.Info().Str("side", string(pos.Side)).Float64("entry", pos.EntryPrice).Float64("exit", price).
		Str("net_pnl", trade.Net().StringFixed(4)).Strs("reasons", reasons).Msg("position closed")
	l.toFlat()
}

func (l *Lifecycle) activationPct() float64 {
	if a, ok := l.deps.Trailing.(activationReporter); ok {
		return a.ActivationPct()
	}
	return 0
}

func (l *Lifecycle) toFlat() {
	l.position = nil
	l.signal = nil
	l.state = Flat
}

// ConfirmEntry records the broker fill of a pending entry. A zero qty keeps
// the planned size.
func (l *Lifecycle) ConfirmEntry(fillPrice, qty float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.position == nil || !l.position.Pending {
		return
	}
	if fillPrice > 0 {
		l.position.EntryPrice = fillPrice
		l.position.mark(fillPrice)
	}
	if qty > 0 {
		l.position.Size = qty
	}
	l.position.Pending = false
}

// AbortEntry drops a pending entry whose order failed.
func (l *Lifecycle) AbortEntry(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.position == nil || !l.position.Pending {
		return
	}
	l.logger.Warn().Str("reason", reason).Msg("entry aborted")
	l.toFlat()
}

// Restore re-opens a persisted position after a restart.
func (l *Lifecycle) Restore(pos Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.position != nil {
		return fmt.Errorf("lifecycle %s: position already open", l.symbol)
	}
	if pos.Side != market.Long && pos.Side != market.Short {
		return fmt.Errorf("lifecycle %s: invalid side %q", l.symbol, pos.Side)
	}
	if pos.EntryPrice <= 0 || pos.Size <= 0 || pos.Stop.CurrentStopPrice <= 0 {
		return fmt.Errorf("lifecycle %s: incomplete position snapshot", l.symbol)
	}
	pos.Symbol = l.symbol
	pos.Pending = false
	l.position = &pos
	l.signal = nil
	l.state = Manage
	l.logger.Info().Str("side", string(pos.Side)).Float64("entry", pos.EntryPrice).
		Float64("stop", pos.Stop.CurrentStopPrice).Msg("position restored")
	return nil
}
