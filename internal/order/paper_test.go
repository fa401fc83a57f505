package order

import (
	"context"
	"math"
	"testing"
	"time"

	exchange "trading-bot/pkg/exchanges/common"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func paperOrder(side exchange.Side, qty float64, reduce bool) exchange.OrderRequest {
	return exchange.OrderRequest{Symbol: "ethusdt", Side: side, Type: exchange.OrderTypeMarket, Qty: qty, ReduceOnly: reduce}
}

func TestPaperRoundTripRealizesPnL(t *testing.T) {
	p := NewPaperGateway(PaperConfig{InitialBalance: 10000, FeeRate: 0.001, Seed: 1})
	ctx := context.Background()

	p.SetMark("ETHUSDT", 100)
	res, err := p.SubmitOrder(ctx, paperOrder(exchange.SideBuy, 1, false))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if res.Status != exchange.StatusFilled || res.AvgPrice != 100 || !near(res.Fee, 0.1) {
		t.Fatalf("unexpected fill %+v", res)
	}
	if pos := p.Positions(); len(pos) != 1 || pos[0].Qty != 1 || pos[0].Symbol != "ETHUSDT" {
		t.Fatalf("unexpected positions %+v", pos)
	}
	p.SetMark("ETHUSDT", 110)
	if !near(p.Exposure(), 110) {
		t.Fatalf("exposure %v", p.Exposure())
	}

	if _, err := p.SubmitOrder(ctx, paperOrder(exchange.SideSell, 1, true)); err != nil {
		t.Fatalf("sell: %v", err)
	}
	// +10 pnl, fees 0.1 + 0.11
	if !near(p.Balance(), 10009.79) {
		t.Fatalf("balance %v", p.Balance())
	}
	realized, fees, fills := p.Stats()
	if !near(realized, 10) || !near(fees, 0.21) || fills != 2 {
		t.Fatalf("stats %v %v %d", realized, fees, fills)
	}
	if len(p.Positions()) != 0 || p.Exposure() != 0 {
		t.Fatalf("position must be closed")
	}
}

func TestPaperShortAndFlip(t *testing.T) {
	p := NewPaperGateway(PaperConfig{InitialBalance: 1000, Seed: 1})
	ctx := context.Background()
	p.SetMark("ETHUSDT", 100)
	p.SubmitOrder(ctx, paperOrder(exchange.SideSell, 2, false))
	p.SetMark("ETHUSDT", 90)
	p.SubmitOrder(ctx, paperOrder(exchange.SideBuy, 3, false))

	// 2 short closed at +10 each, 1 long opened at 90
	if !near(p.Balance(), 1020) {
		t.Fatalf("balance %v", p.Balance())
	}
	pos := p.Positions()
	if len(pos) != 1 || pos[0].Qty != 1 || pos[0].EntryPrice != 90 {
		t.Fatalf("unexpected flipped position %+v", pos)
	}
}

func TestPaperReduceOnly(t *testing.T) {
	p := NewPaperGateway(PaperConfig{InitialBalance: 1000, Seed: 1})
	ctx := context.Background()
	p.SetMark("ETHUSDT", 100)
	if _, err := p.SubmitOrder(ctx, paperOrder(exchange.SideSell, 1, true)); err == nil {
		t.Fatalf("reduce-only without a position must fail")
	}
	p.SubmitOrder(ctx, paperOrder(exchange.SideBuy, 1, false))
	res, err := p.SubmitOrder(ctx, paperOrder(exchange.SideSell, 5, true))
	if err != nil || res.FilledQty != 1 {
		t.Fatalf("reduce-only must be capped at position size: %+v %v", res, err)
	}
	if len(p.Positions()) != 0 {
		t.Fatalf("reduce-only must never flip")
	}
}

func TestPaperNeedsReferencePrice(t *testing.T) {
	p := NewPaperGateway(PaperConfig{Seed: 1})
	if _, err := p.SubmitOrder(context.Background(), paperOrder(exchange.SideBuy, 1, false)); err == nil {
		t.Fatalf("expected missing price error")
	}
	req := paperOrder(exchange.SideBuy, 1, false)
	req.Price = 50
	if res, err := p.SubmitOrder(context.Background(), req); err != nil || res.AvgPrice != 50 {
		t.Fatalf("request price must be used without a mark: %+v %v", res, err)
	}
}

func TestPaperSlippageIsAdverse(t *testing.T) {
	p := NewPaperGateway(PaperConfig{SlippageBps: 50, Seed: 7})
	p.SetMark("ETHUSDT", 100)
	buy, _ := p.SubmitOrder(context.Background(), paperOrder(exchange.SideBuy, 1, false))
	sell, _ := p.SubmitOrder(context.Background(), paperOrder(exchange.SideSell, 1, false))
	if buy.AvgPrice < 100 || buy.AvgPrice > 100.5 || sell.AvgPrice > 100 || sell.AvgPrice < 99.5 {
		t.Fatalf("slippage out of range: buy %v sell %v", buy.AvgPrice, sell.AvgPrice)
	}
}

func TestPaperLatencyHonoursContext(t *testing.T) {
	p := NewPaperGateway(PaperConfig{LatencyMin: time.Second, LatencyMax: time.Second, Seed: 1})
	p.SetMark("ETHUSDT", 100)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.SubmitOrder(ctx, paperOrder(exchange.SideBuy, 1, false)); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestApprovalTimeout(t *testing.T) {
	b := NewApprovalBoard(10*time.Millisecond, nil)
	ok, reason, err := b.Await(context.Background(), &OrderIntent{TaskID: "t1", Request: marketBuy()})
	if ok || err != nil || reason != "approval timed out" {
		t.Fatalf("expected timeout rejection, got %v %q %v", ok, reason, err)
	}
	if b.Len() != 0 {
		t.Fatalf("timed-out approval must be removed")
	}
}

func TestPaperStopRestsUntilFlat(t *testing.T) {
	p := NewPaperGateway(PaperConfig{InitialBalance: 1000, Seed: 1})
	ctx := context.Background()
	p.SetMark("ETHUSDT", 100)
	if _, err := p.SubmitOrder(ctx, paperOrder(exchange.SideBuy, 2, false)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	stopReq := exchange.OrderRequest{Symbol: "ETHUSDT", Side: exchange.SideSell, Type: exchange.OrderTypeStopMarket, Qty: 2, StopPrice: 95, ReduceOnly: true}
	first, err := p.SubmitOrder(ctx, stopReq)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if first.Status != exchange.StatusNew || first.FilledQty != 0 {
		t.Fatalf("stop must rest, got %+v", first)
	}
	if pos := p.Positions(); len(pos) != 1 || pos[0].Qty != 2 {
		t.Fatalf("stop must not touch the position: %+v", pos)
	}

	stopReq.StopPrice = 97
	second, _ := p.SubmitOrder(ctx, stopReq)
	st, ok := p.Stop("ethusdt")
	if !ok || st.ID != second.ExchangeOrderID || st.StopPrice != 97 {
		t.Fatalf("stop must be replaced, got %+v", st)
	}
	p.CancelOrder(ctx, "ETHUSDT", first.ExchangeOrderID)
	if _, ok := p.Stop("ETHUSDT"); !ok {
		t.Fatalf("cancelling a replaced id must keep the live stop")
	}

	if _, err := p.SubmitOrder(ctx, paperOrder(exchange.SideSell, 2, true)); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := p.Stop("ETHUSDT"); ok {
		t.Fatalf("closing the position must clear its stop")
	}
}

func TestPaperSeedAllowsReduceOnlyClose(t *testing.T) {
	p := NewPaperGateway(PaperConfig{InitialBalance: 1000, Seed: 1})
	p.Seed("ethusdt", -2, 100)
	if pos := p.Positions(); len(pos) != 1 || pos[0].Qty != -2 {
		t.Fatalf("unexpected positions %+v", pos)
	}
	p.SetMark("ETHUSDT", 90)
	if _, err := p.SubmitOrder(context.Background(), paperOrder(exchange.SideBuy, 2, true)); err != nil {
		t.Fatalf("close: %v", err)
	}
	if realized, _, _ := p.Stats(); !near(realized, 20) {
		t.Fatalf("realized %v", realized)
	}
}
