package order

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	exchange "trading-bot/pkg/exchanges/common"
)

// PaperConfig controls the dry-run broker simulation.
type PaperConfig struct {
	InitialBalance float64
	FeeRate        float64 // decimal, e.g. 0.0004 = 4 bps
	SlippageBps    float64 // basis points of adverse slippage applied on fills
	LatencyMin     time.Duration
	LatencyMax     time.Duration
	Seed           int64 // 0 seeds from the clock
}

// PaperPosition is a netted simulated position. Qty is signed: positive long.
type PaperPosition struct {
	Symbol     string  `json:"symbol"`
	Qty        float64 `json:"qty"`
	EntryPrice float64 `json:"entry_price"`
}

// RestingStop is a protective stop held by the paper broker.
type RestingStop struct {
	ID        string        `json:"id"`
	Symbol    string        `json:"symbol"`
	Side      exchange.Side `json:"side"`
	Qty       float64       `json:"qty"`
	StopPrice float64       `json:"stop_price"`
}

// PaperGateway fills market and limit orders immediately against the last
// mark price. Stop orders rest, one per symbol, and are never triggered here:
// the lifecycle closes positions itself when price crosses the stop.
// Balance moves by realized P&L and fees only, like a futures margin account.
type PaperGateway struct {
	cfg PaperConfig

	mu        sync.Mutex
	rng       *rand.Rand
	balance   float64
	realized  float64
	fees      float64
	positions map[string]*PaperPosition
	marks     map[string]float64
	stops     map[string]RestingStop
	fills     int
}

func NewPaperGateway(cfg PaperConfig) *PaperGateway {
	if cfg.LatencyMax > 0 && cfg.LatencyMin > cfg.LatencyMax {
		cfg.LatencyMin, cfg.LatencyMax = cfg.LatencyMax, cfg.LatencyMin
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &PaperGateway{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(seed)),
		balance:   cfg.InitialBalance,
		positions: make(map[string]*PaperPosition),
		marks:     make(map[string]float64),
		stops:     make(map[string]RestingStop),
	}
}

// SetMark records the latest price for symbol; market orders fill against it.
func (p *PaperGateway) SetMark(symbol string, price float64) {
	if price <= 0 {
		return
	}
	p.mu.Lock()
	p.marks[strings.ToUpper(symbol)] = price
	p.mu.Unlock()
}

// Seed opens a position without a fill, used when positions are restored
// from a snapshot. qty is signed: positive long.
func (p *PaperGateway) Seed(symbol string, qty, entryPrice float64) {
	if qty == 0 || entryPrice <= 0 {
		return
	}
	sym := strings.ToUpper(symbol)
	p.mu.Lock()
	p.positions[sym] = &PaperPosition{Symbol: sym, Qty: qty, EntryPrice: entryPrice}
	if _, ok := p.marks[sym]; !ok {
		p.marks[sym] = entryPrice
	}
	p.mu.Unlock()
}

func (p *PaperGateway) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return exchange.OrderResult{}, err
	}
	if err := p.simulateLatency(ctx); err != nil {
		return exchange.OrderResult{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	sym := strings.ToUpper(req.Symbol)
	if req.Type == exchange.OrderTypeStopMarket {
		return p.restStop(sym, req), nil
	}
	price := p.marks[sym]
	if price <= 0 {
		price = req.Price
	}
	if price <= 0 {
		return exchange.OrderResult{}, fmt.Errorf("paper: no reference price for %s", sym)
	}

	if slip := p.cfg.SlippageBps / 10000; slip > 0 {
		noise := p.rng.Float64() * slip
		if req.Side == exchange.SideBuy {
			price *= 1 + noise
		} else {
			price *= 1 - noise
		}
	}

	signed := req.Qty
	if req.Side == exchange.SideSell {
		signed = -signed
	}
	pos := p.positions[sym]
	if req.ReduceOnly {
		if pos == nil || pos.Qty == 0 || math.Signbit(pos.Qty) == math.Signbit(signed) {
			return exchange.OrderResult{}, fmt.Errorf("paper: reduce-only %s %s would open a position", req.Side, sym)
		}
		if math.Abs(signed) > math.Abs(pos.Qty) {
			signed = -pos.Qty
		}
	}

	fee := math.Abs(signed) * price * p.cfg.FeeRate
	p.applyFill(sym, signed, price)
	if _, open := p.positions[sym]; !open {
		delete(p.stops, sym)
	}
	p.balance -= fee
	p.fees += fee
	p.fills++

	log.Debug().Str("component", "paper").Str("symbol", sym).Str("side", string(req.Side)).
		Float64("qty", math.Abs(signed)).Float64("price", price).Float64("balance", p.balance).Msg("paper fill")

	return exchange.OrderResult{
		ExchangeOrderID: "paper-" + uuid.NewString(),
		ClientID:        req.ClientID,
		Status:          exchange.StatusFilled,
		FilledQty:       math.Abs(signed),
		AvgPrice:        price,
		Fee:             fee,
	}, nil
}

// applyFill nets a signed fill into the position and realizes P&L on the
// reduced part. Callers hold p.mu.
func (p *PaperGateway) applyFill(sym string, signed, price float64) {
	pos, ok := p.positions[sym]
	if !ok || pos.Qty == 0 {
		p.positions[sym] = &PaperPosition{Symbol: sym, Qty: signed, EntryPrice: price}
		return
	}
	if math.Signbit(pos.Qty) == math.Signbit(signed) {
		total := pos.Qty + signed
		pos.EntryPrice = (pos.Qty*pos.EntryPrice + signed*price) / total
		pos.Qty = total
		return
	}

	closing := math.Min(math.Abs(signed), math.Abs(pos.Qty))
	dir := 1.0
	if pos.Qty < 0 {
		dir = -1
	}
	pnl := (price - pos.EntryPrice) * closing * dir
	p.balance += pnl
	p.realized += pnl

	remaining := pos.Qty + signed
	switch {
	case math.Abs(remaining) < 1e-12:
		delete(p.positions, sym)
	case math.Signbit(remaining) != math.Signbit(pos.Qty):
		// flipped through zero: the rest opens at the fill price
		p.positions[sym] = &PaperPosition{Symbol: sym, Qty: remaining, EntryPrice: price}
	default:
		pos.Qty = remaining
	}
}

func (p *PaperGateway) simulateLatency(ctx context.Context) error {
	if p.cfg.LatencyMax <= 0 {
		return ctx.Err()
	}
	delay := p.cfg.LatencyMin
	if span := p.cfg.LatencyMax - p.cfg.LatencyMin; span > 0 {
		p.mu.Lock()
		delay += time.Duration(p.rng.Int63n(int64(span) + 1))
		p.mu.Unlock()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CancelOrder is a no-op: paper orders fill on submission.
// restStop replaces the resting stop of sym. Callers hold p.mu.
func (p *PaperGateway) restStop(sym string, req exchange.OrderRequest) exchange.OrderResult {
	stop := RestingStop{
		ID:        "paper-stop-" + uuid.NewString(),
		Symbol:    sym,
		Side:      req.Side,
		Qty:       req.Qty,
		StopPrice: req.StopPrice,
	}
	p.stops[sym] = stop
	return exchange.OrderResult{
		ExchangeOrderID: stop.ID,
		ClientID:        req.ClientID,
		Status:          exchange.StatusNew,
	}
}

// CancelOrder removes a resting stop. Unknown ids are ignored.
func (p *PaperGateway) CancelOrder(_ context.Context, symbol, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sym := strings.ToUpper(symbol)
	if st, ok := p.stops[sym]; ok && st.ID == id {
		delete(p.stops, sym)
	}
	return nil
}

// Stop returns the resting stop for symbol.
func (p *PaperGateway) Stop(symbol string) (RestingStop, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.stops[strings.ToUpper(symbol)]
	return st, ok
}

// Balance returns cash balance after realized P&L and fees.
func (p *PaperGateway) Balance() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance
}

// Exposure returns the notional of open positions at the last marks.
func (p *PaperGateway) Exposure() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0.0
	for sym, pos := range p.positions {
		price := p.marks[sym]
		if price <= 0 {
			price = pos.EntryPrice
		}
		total += math.Abs(pos.Qty) * price
	}
	return total
}

// Positions lists open positions sorted by symbol.
func (p *PaperGateway) Positions() []PaperPosition {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PaperPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Stats returns realized P&L, fees paid and fill count.
func (p *PaperGateway) Stats() (realized, fees float64, fills int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.realized, p.fees, p.fills
}
