package common

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingGateway struct {
	submits, cancels int
}

func (c *countingGateway) SubmitOrder(context.Context, OrderRequest) (OrderResult, error) {
	c.submits++
	return OrderResult{Status: StatusFilled}, nil
}

func (c *countingGateway) CancelOrder(context.Context, string, string) error {
	c.cancels++
	return nil
}

func TestOrderRequestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  OrderRequest
		ok   bool
	}{
		{"market", OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderTypeMarket, Qty: 1}, true},
		{"limit without price", OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderTypeLimit, Qty: 1}, false},
		{"stop", OrderRequest{Symbol: "BTCUSDT", Side: SideSell, Type: OrderTypeStopMarket, Qty: 1, StopPrice: 90}, true},
		{"stop without price", OrderRequest{Symbol: "BTCUSDT", Side: SideSell, Type: OrderTypeStopMarket, Qty: 1}, false},
		{"no symbol", OrderRequest{Side: SideBuy, Type: OrderTypeMarket, Qty: 1}, false},
		{"bad side", OrderRequest{Symbol: "BTCUSDT", Side: "HOLD", Type: OrderTypeMarket, Qty: 1}, false},
		{"zero qty", OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderTypeMarket}, false},
		{"unknown type", OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: "ICEBERG", Qty: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tt.ok)
			}
			var invalid *InvalidRequestError
			if err != nil && !errors.As(err, &invalid) {
				t.Fatalf("expected InvalidRequestError, got %T", err)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusNew.Terminal() || StatusPartial.Terminal() {
		t.Fatalf("open statuses must not be terminal")
	}
	if !StatusFilled.Terminal() || !StatusRejected.Terminal() {
		t.Fatalf("filled and rejected are terminal")
	}
}

func TestRateLimitedGatewayUnlimited(t *testing.T) {
	next := &countingGateway{}
	gw := NewRateLimitedGateway(next, 0, 0)
	for i := 0; i < 50; i++ {
		if _, err := gw.SubmitOrder(context.Background(), OrderRequest{}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if next.submits != 50 || gw.Throttled() != 0 {
		t.Fatalf("submits=%d throttled=%d", next.submits, gw.Throttled())
	}
}

func TestRateLimitedGatewayHonoursContext(t *testing.T) {
	next := &countingGateway{}
	gw := NewRateLimitedGateway(next, 0.001, 1)

	if err := gw.CancelOrder(context.Background(), "BTCUSDT", "1"); err != nil {
		t.Fatalf("first call uses the burst token: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := gw.SubmitOrder(ctx, OrderRequest{}); err == nil {
		t.Fatalf("expected wait to fail once the bucket is empty")
	}
	if next.submits != 0 || next.cancels != 1 {
		t.Fatalf("submits=%d cancels=%d", next.submits, next.cancels)
	}
	if gw.Throttled() != 1 {
		t.Fatalf("expected one throttled call, got %d", gw.Throttled())
	}
}
