package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"trading-bot/internal/balance"
	"trading-bot/internal/events"
	"trading-bot/internal/indicators"
	"trading-bot/internal/leverage"
	"trading-bot/internal/lifecycle"
	"trading-bot/internal/market"
	"trading-bot/internal/monitor"
	"trading-bot/internal/order"
	"trading-bot/internal/persistence"
	"trading-bot/internal/risk"
	"trading-bot/internal/state"
	"trading-bot/pkg/db"
	exchange "trading-bot/pkg/exchanges/common"
)

// ErrUnknownSymbol is returned for symbols the bot does not trade.
var ErrUnknownSymbol = errors.New("engine: unknown symbol")

// MarkSink receives the latest close per symbol (the paper broker).
type MarkSink interface {
	SetMark(symbol string, price float64)
}

// Config holds the bot settings.
type Config struct {
	Symbols           []string
	Lifecycle         lifecycle.Config
	Indicators        indicators.Settings
	KillSwitchEnabled bool
	Meta              SystemStatus
}

// Deps are the collaborators of the bot. Journal, Metrics, Marks, Broker and
// DB are optional.
type Deps struct {
	Bus         *events.Bus
	Coordinator *order.Coordinator
	Leverage    *leverage.Calculator
	Trailing    *risk.TrailingCalculator
	Risk        *risk.Manager
	Balance     *balance.Manager
	State       *state.Manager
	Journal     *persistence.BatchWriter
	Metrics     *monitor.SystemMetrics
	Marks       MarkSink
	Broker      exchange.Gateway
	DB          *db.Database
	Selector    lifecycle.StrategySelector
}

// Bot owns one lifecycle per symbol. It turns actionable decisions into
// order intents and feeds execution results back into the lifecycles.
type Bot struct {
	cfg    Config
	deps   Deps
	ind    *indicators.Engine
	lcs    map[string]*lifecycle.Lifecycle
	logger zerolog.Logger

	mu sync.Mutex
	// entry task in flight per symbol
	inflight map[string]string
	// entry failed after the lifecycle had already exited
	orphaned map[string]bool
	// live protective stop order per symbol
	stops map[string]string
	// kill switch deferred until the breaching exit has been executed
	killAfterExit map[string]string

	runCtx context.Context
	wg     sync.WaitGroup
}

// NewBot builds a flat lifecycle for every configured symbol.
func NewBot(cfg Config, deps Deps) (*Bot, error) {
	if deps.Coordinator == nil || deps.Leverage == nil || deps.Risk == nil || deps.Balance == nil {
		return nil, fmt.Errorf("engine: coordinator, leverage, risk and balance are required")
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("engine: no symbols configured")
	}
	if deps.State == nil {
		deps.State = state.NewManager(deps.DB)
	}

	b := &Bot{
		cfg:           cfg,
		deps:          deps,
		ind:           indicators.NewEngine(cfg.Indicators),
		lcs:           make(map[string]*lifecycle.Lifecycle, len(cfg.Symbols)),
		logger:        log.With().Str("component", "engine").Logger(),
		inflight:      make(map[string]string),
		orphaned:      make(map[string]bool),
		stops:         make(map[string]string),
		killAfterExit: make(map[string]string),
	}
	var trailing lifecycle.TrailingStopCalculator
	if deps.Trailing != nil {
		trailing = deps.Trailing
	}
	for _, raw := range cfg.Symbols {
		sym := strings.ToUpper(strings.TrimSpace(raw))
		if sym == "" {
			continue
		}
		lc, err := lifecycle.New(sym, cfg.Lifecycle, lifecycle.Deps{
			Leverage: deps.Leverage,
			Trailing: trailing,
			Risk:     deps.Risk,
			Account:  deps.Balance,
			Selector: deps.Selector,
		})
		if err != nil {
			return nil, fmt.Errorf("engine: lifecycle %s: %w", sym, err)
		}
		b.lcs[sym] = lc
	}
	return b, nil
}

// Lifecycle returns the lifecycle of symbol.
func (b *Bot) Lifecycle(symbol string) (*lifecycle.Lifecycle, bool) {
	lc, ok := b.lcs[strings.ToUpper(symbol)]
	return lc, ok
}

// Restore re-opens the positions snapshotted before the last shutdown.
func (b *Bot) Restore(ctx context.Context) error {
	if err := b.deps.State.Load(ctx); err != nil {
		return err
	}
	for _, snap := range b.deps.State.Positions() {
		lc, ok := b.lcs[snap.Symbol]
		if !ok {
			b.logger.Warn().Str("symbol", snap.Symbol).Msg("snapshot for untraded symbol ignored")
			continue
		}
		if err := lc.Restore(state.ToLifecycle(snap)); err != nil {
			return fmt.Errorf("restore %s: %w", snap.Symbol, err)
		}
	}
	return nil
}

// Run starts the coordinator and the bar and result consumers. It returns
// once they are running; Wait blocks until ctx is done and they exit.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.runCtx != nil {
		b.mu.Unlock()
		return fmt.Errorf("engine: already running")
	}
	b.runCtx = ctx
	b.mu.Unlock()

	if err := b.deps.Coordinator.Start(ctx); err != nil {
		return fmt.Errorf("engine: start coordinator: %w", err)
	}

	bars, unsub := b.deps.Bus.Subscribe(events.EventBar, 256)
	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-bars:
				if !ok {
					return
				}
				bar, ok := msg.(market.Bar)
				if !ok {
					continue
				}
				b.OnBar(ctx, bar)
			}
		}
	}()
	go func() {
		defer b.wg.Done()
		results := b.deps.Coordinator.Results()
		for {
			select {
			case <-ctx.Done():
				return
			case res := <-results:
				b.HandleResult(ctx, res)
			}
		}
	}()
	return nil
}

// Wait blocks until the consumers started by Run have exited.
func (b *Bot) Wait() { b.wg.Wait() }

// OnBar advances the lifecycle of bar.Symbol and routes its decision.
func (b *Bot) OnBar(ctx context.Context, bar market.Bar) {
	sym := strings.ToUpper(bar.Symbol)
	lc, ok := b.lcs[sym]
	if !ok {
		return
	}
	bar.Symbol = sym
	start := time.Now()
	logger := b.logger.With().Str("symbol", sym).Logger()

	if b.deps.Marks != nil {
		b.deps.Marks.SetMark(sym, bar.Close)
	}
	fv, regime := b.ind.Update(bar)

	dec, err := lc.OnBar(bar, fv, regime)
	if err != nil {
		logger.Error().Err(err).Msg("lifecycle invariant violated")
		if m := b.deps.Metrics; m != nil {
			m.IncrementErrors()
		}
		b.critical(sym, fmt.Sprintf("%s: %v", sym, err))
		b.tripKillSwitch(fmt.Sprintf("lifecycle %s: %v", sym, err))
		return
	}

	publish(b.deps.Bus, events.EventDecision, dec)
	b.journal(dec)
	if m := b.deps.Metrics; m != nil {
		m.BarProcessed(sym, time.Since(start))
		m.Decision(sym, string(dec.Action))
	}

	queued := false
	if dec.Actionable() {
		queued = b.route(lc, dec)
	}
	if dec.LimitBreach != "" {
		publish(b.deps.Bus, events.EventRiskAlert, events.Alert{
			Level:    "critical",
			Message:  dec.LimitBreach,
			Symbol:   sym,
			Critical: b.cfg.KillSwitchEnabled,
		})
		if b.cfg.KillSwitchEnabled {
			if queued && dec.Action == lifecycle.Exit {
				// let the closing order out first
				b.mu.Lock()
				b.killAfterExit[sym] = dec.LimitBreach
				b.mu.Unlock()
			} else {
				b.tripKillSwitch(dec.LimitBreach)
			}
		}
	}
	b.snapshot(ctx, lc, dec)

	if m := b.deps.Metrics; m != nil {
		rm := b.deps.Risk.GetMetrics()
		m.Risk(rm.DailyPnL, rm.DrawdownPct)
	}
}

// route converts an actionable decision into an order intent and reports
// whether it was queued.
func (b *Bot) route(lc *lifecycle.Lifecycle, dec lifecycle.Decision) bool {
	sym := dec.Symbol
	logger := b.logger.With().Str("symbol", sym).Str("action", string(dec.Action)).Logger()
	reason := strings.Join(dec.Reasons, ",")

	switch dec.Action {
	case lifecycle.Enter:
		req := exchange.OrderRequest{
			Symbol:   sym,
			Side:     orderSide(dec.Side),
			Type:     exchange.OrderTypeMarket,
			Qty:      dec.Quantity,
			Price:    dec.Price,
			Leverage: dec.Leverage,
		}
		id, err := b.deps.Coordinator.SubmitOrder(req, order.SubmitOptions{
			Priority: PriorityEntry,
			Leverage: &leverage.Result{
				Symbol:              sym,
				RecommendedLeverage: dec.Leverage,
				Action:              leverage.Approved,
				Reasons:             dec.LeverageTrail,
			},
			Purpose: order.PurposeEntry,
			Reason:  reason,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("entry not queued")
			lc.AbortEntry(err.Error())
			return false
		}
		b.deps.Balance.Reserve(sym, dec.Quantity*dec.Price)
		b.mu.Lock()
		b.inflight[sym] = id
		b.mu.Unlock()
		if m := b.deps.Metrics; m != nil {
			m.Leverage(sym, dec.Leverage)
		}
		return true

	case lifecycle.Exit:
		priority := PrioritySignalExit
		if dec.StopHit {
			priority = PriorityStopExit
		}
		b.mu.Lock()
		if _, pending := b.inflight[sym]; pending {
			// must not overtake its own entry in the queue
			priority = PriorityEntry
		}
		b.mu.Unlock()
		req := exchange.OrderRequest{
			Symbol:     sym,
			Side:       orderSide(dec.Side.Opposite()),
			Type:       exchange.OrderTypeMarket,
			Qty:        dec.Quantity,
			Price:      dec.Price,
			ReduceOnly: true,
		}
		if _, err := b.deps.Coordinator.SubmitOrder(req, order.SubmitOptions{
			Priority:       priority,
			ManualApproval: boolPtr(false),
			Purpose:        order.PurposeExit,
			Reason:         reason,
		}); err != nil {
			logger.Error().Err(err).Msg("exit not queued")
			b.critical(sym, fmt.Sprintf("exit for %s not queued: %v", sym, err))
			return false
		}
		return true

	case lifecycle.AdjustStop:
		req := exchange.OrderRequest{
			Symbol:     sym,
			Side:       orderSide(dec.Side.Opposite()),
			Type:       exchange.OrderTypeStopMarket,
			Qty:        dec.Quantity,
			StopPrice:  dec.StopAfter,
			ReduceOnly: true,
		}
		if _, err := b.deps.Coordinator.SubmitOrder(req, order.SubmitOptions{
			Priority:       PriorityAdjustStop,
			ManualApproval: boolPtr(false),
			Purpose:        order.PurposeAdjustStop,
			Reason:         reason,
		}); err != nil {
			logger.Warn().Err(err).Msg("stop update not queued")
			return false
		}
		return true
	}
	return false
}

// HandleResult feeds an execution outcome back into its lifecycle.
func (b *Bot) HandleResult(ctx context.Context, res order.ExecutionResult) {
	sym := strings.ToUpper(res.Symbol)
	lc, ok := b.lcs[sym]
	if !ok {
		return
	}
	logger := b.logger.With().Str("symbol", sym).Str("task_id", res.TaskID).Str("outcome", string(res.Outcome)).Logger()

	switch res.Purpose {
	case order.PurposeEntry:
		b.mu.Lock()
		if b.inflight[sym] == res.TaskID {
			delete(b.inflight, sym)
		}
		b.mu.Unlock()
		b.deps.Balance.Release(sym)

		pos, open := lc.Position()
		if res.Outcome.Success() {
			lc.ConfirmEntry(res.Order.AvgPrice, res.Order.FilledQty)
			if confirmed, ok := lc.Position(); ok && !confirmed.Pending {
				b.save(ctx, confirmed)
				publish(b.deps.Bus, events.EventPositionChange, confirmed)
			}
			logger.Info().Float64("price", res.Order.AvgPrice).Float64("qty", res.Order.FilledQty).Msg("entry filled")
			return
		}
		if !open || !pos.Pending {
			b.mu.Lock()
			b.orphaned[sym] = true
			b.mu.Unlock()
		}
		lc.AbortEntry(res.ErrorMsg)
		logger.Warn().Str("error", res.ErrorMsg).Msg("entry failed")

	case order.PurposeExit:
		b.mu.Lock()
		orphan := b.orphaned[sym]
		delete(b.orphaned, sym)
		stopID := b.stops[sym]
		delete(b.stops, sym)
		breach, kill := b.killAfterExit[sym]
		delete(b.killAfterExit, sym)
		b.mu.Unlock()
		if kill {
			defer b.tripKillSwitch(breach)
		}

		if res.Outcome.Success() {
			if stopID != "" && b.deps.Broker != nil {
				if err := b.deps.Broker.CancelOrder(ctx, sym, stopID); err != nil {
					logger.Warn().Err(err).Str("order_id", stopID).Msg("cancel protective stop")
				}
			}
			return
		}
		if orphan {
			logger.Warn().Str("error", res.ErrorMsg).Msg("exit failed for an entry that never filled")
			return
		}
		logger.Error().Bool("critical", true).Str("error", res.ErrorMsg).Msg("exit failed")
		b.critical(sym, fmt.Sprintf("exit for %s failed: %s", sym, res.ErrorMsg))

	case order.PurposeAdjustStop:
		if !res.Outcome.Success() {
			logger.Warn().Str("error", res.ErrorMsg).Msg("stop update failed")
			return
		}
		b.mu.Lock()
		prev := b.stops[sym]
		b.stops[sym] = res.Order.ExchangeOrderID
		b.mu.Unlock()
		if prev != "" && prev != res.Order.ExchangeOrderID && b.deps.Broker != nil {
			if err := b.deps.Broker.CancelOrder(ctx, sym, prev); err != nil {
				logger.Warn().Err(err).Str("order_id", prev).Msg("cancel replaced stop")
			}
		}
	}
}

// snapshot keeps the persisted position in step with the lifecycle.
func (b *Bot) snapshot(ctx context.Context, lc *lifecycle.Lifecycle, dec lifecycle.Decision) {
	pos, open := lc.Position()
	switch {
	case open && !pos.Pending:
		b.save(ctx, pos)
	case !open:
		if _, had := b.deps.State.Position(lc.Symbol()); had {
			if err := b.deps.State.Remove(ctx, lc.Symbol()); err != nil {
				b.logger.Error().Err(err).Str("symbol", lc.Symbol()).Msg("remove position snapshot")
			}
		}
	}
	if dec.Action == lifecycle.Exit || dec.Action == lifecycle.AdjustStop {
		publish(b.deps.Bus, events.EventPositionChange, dec)
	}
}

func (b *Bot) save(ctx context.Context, pos lifecycle.Position) {
	if err := b.deps.State.Save(ctx, pos); err != nil {
		b.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("save position snapshot")
	}
}

func (b *Bot) journal(dec lifecycle.Decision) {
	if b.deps.Journal == nil {
		return
	}
	b.deps.Journal.WriteDecision(db.Decision{
		Symbol:     dec.Symbol,
		Action:     string(dec.Action),
		Side:       string(dec.Side),
		State:      dec.State.String(),
		Regime:     dec.Regime.String(),
		Price:      dec.Price,
		StopBefore: dec.StopBefore,
		StopAfter:  dec.StopAfter,
		Reasons:    dec.Reasons,
		Notes:      dec.Notes,
		CreatedAt:  dec.Timestamp,
	})
}

func (b *Bot) critical(symbol, msg string) {
	publish(b.deps.Bus, events.EventRiskAlert, events.Alert{
		Level:    "critical",
		Message:  msg,
		Symbol:   symbol,
		Critical: true,
	})
}

func (b *Bot) tripKillSwitch(reason string) {
	if err := b.deps.Coordinator.ActivateKillSwitch(reason); err != nil {
		b.logger.Error().Err(err).Msg("kill switch activation failed")
	}
}

// --- Service ---

// StartEngine starts an idle coordinator or resumes a paused one.
func (b *Bot) StartEngine() error {
	b.mu.Lock()
	ctx := b.runCtx
	b.mu.Unlock()
	if ctx == nil {
		return fmt.Errorf("engine: not running")
	}
	if b.deps.Coordinator.State() == order.StatePaused {
		return b.deps.Coordinator.Resume()
	}
	return b.deps.Coordinator.Start(ctx)
}

func (b *Bot) PauseEngine() error  { return b.deps.Coordinator.Pause() }
func (b *Bot) ResumeEngine() error { return b.deps.Coordinator.Resume() }
func (b *Bot) StopEngine() error   { return b.deps.Coordinator.Stop() }

func (b *Bot) ActivateKillSwitch(reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "manual"
	}
	return b.deps.Coordinator.ActivateKillSwitch(reason)
}

func (b *Bot) DeactivateKillSwitch() error { return b.deps.Coordinator.DeactivateKillSwitch() }

// Status reports engine state, balance and build metadata.
func (b *Bot) Status() SystemStatus {
	st := b.cfg.Meta
	st.Symbols = b.symbolNames()
	st.ServerTime = time.Now().UTC()
	st.Engine = b.deps.Coordinator.Status()
	st.Balance = b.deps.Balance.Snapshot()
	return st
}

// Symbols returns the per-symbol lifecycle view sorted by symbol.
func (b *Bot) Symbols() []SymbolStatus {
	out := make([]SymbolStatus, 0, len(b.lcs))
	for _, sym := range b.symbolNames() {
		lc := b.lcs[sym]
		st := SymbolStatus{
			Symbol:       sym,
			State:        lc.State().String(),
			Profile:      lc.Profile(),
			LastDecision: lc.LastDecision(),
		}
		if pos, ok := lc.Position(); ok {
			st.Position = &pos
		}
		out = append(out, st)
	}
	return out
}

func (b *Bot) RiskMetrics() risk.Metrics { return b.deps.Risk.GetMetrics() }

// PreviewLeverage runs the calculator against the live account when the
// request leaves balance and exposure empty.
func (b *Bot) PreviewLeverage(req leverage.Request) leverage.Result {
	if req.AccountBalance <= 0 {
		req.AccountBalance = b.deps.Balance.Balance()
		req.CurrentExposure = b.deps.Balance.Exposure()
	}
	return b.deps.Leverage.Calculate(req)
}

// Decisions lists journaled decisions, newest first.
func (b *Bot) Decisions(ctx context.Context, symbol string, limit int) ([]db.Decision, error) {
	if b.deps.DB == nil {
		return nil, nil
	}
	if b.deps.Journal != nil {
		if err := b.deps.Journal.Flush(); err != nil {
			return nil, err
		}
	}
	return b.deps.DB.ListDecisions(ctx, strings.ToUpper(symbol), limit)
}

func (b *Bot) PendingApprovals() []order.PendingApproval {
	return b.deps.Coordinator.Approvals().List()
}

func (b *Bot) Approve(taskID string) error { return b.deps.Coordinator.Approvals().Approve(taskID) }

func (b *Bot) Reject(taskID, reason string) error {
	return b.deps.Coordinator.Approvals().Reject(taskID, reason)
}

// ReselectStrategy forces strategy selection on the next flat bar.
func (b *Bot) ReselectStrategy(symbol string) error {
	lc, ok := b.Lifecycle(symbol)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	lc.ForceStrategySelection()
	return nil
}

func (b *Bot) symbolNames() []string {
	out := make([]string, 0, len(b.lcs))
	for sym := range b.lcs {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func orderSide(s market.Side) exchange.Side {
	if s == market.Short {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

func boolPtr(v bool) *bool { return &v }

func publish(bus *events.Bus, e events.Event, payload any) {
	if bus == nil {
		return
	}
	bus.Publish(e, payload)
}
