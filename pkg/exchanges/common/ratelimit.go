package common

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RateLimitedGateway throttles calls to the wrapped gateway with a token bucket.
type RateLimitedGateway struct {
	next    Gateway
	limiter *rate.Limiter

	waited atomic.Int64
}

// NewRateLimitedGateway allows perSecond requests with the given burst.
// A non-positive rate disables throttling.
func NewRateLimitedGateway(next Gateway, perSecond float64, burst int) *RateLimitedGateway {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedGateway{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (g *RateLimitedGateway) wait(ctx context.Context, op string) error {
	if g.limiter.Tokens() < 1 {
		g.waited.Add(1)
		log.Debug().Str("component", "ratelimit").Str("op", op).Msg("throttling broker call")
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", op, err)
	}
	return nil
}

func (g *RateLimitedGateway) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := g.wait(ctx, "submit"); err != nil {
		return OrderResult{}, err
	}
	return g.next.SubmitOrder(ctx, req)
}

func (g *RateLimitedGateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := g.wait(ctx, "cancel"); err != nil {
		return err
	}
	return g.next.CancelOrder(ctx, symbol, exchangeOrderID)
}

// Throttled returns how many calls had to wait for a token.
func (g *RateLimitedGateway) Throttled() int64 {
	return g.waited.Load()
}
