package common

import (
	"context"
	"errors"
)

// ErrBrokerUnavailable marks transient broker failures that are worth retrying.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// Gateway abstracts a trading venue.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
}
