package common

import "strings"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes the order types the bot sends.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET" // protective stop
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Terminal reports whether no further fills can arrive.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Type       OrderType `json:"type"`
	Qty        float64   `json:"qty"`
	Price      float64   `json:"price,omitempty"`      // required for LIMIT, reference price for MARKET
	StopPrice  float64   `json:"stop_price,omitempty"` // required for STOP_MARKET
	ClientID   string    `json:"client_id,omitempty"`
	ReduceOnly bool      `json:"reduce_only"`
	Leverage   float64   `json:"leverage,omitempty"`
}

// Validate checks the fields every venue requires.
func (r OrderRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return errInvalid("symbol is required")
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return errInvalid("side must be BUY or SELL")
	}
	if r.Qty <= 0 {
		return errInvalid("qty must be positive")
	}
	switch r.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if r.Price <= 0 {
			return errInvalid("limit order requires price")
		}
	case OrderTypeStopMarket:
		if r.StopPrice <= 0 {
			return errInvalid("stop order requires stop_price")
		}
	default:
		return errInvalid("unsupported order type " + string(r.Type))
	}
	return nil
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	ExchangeOrderID string      `json:"exchange_order_id"`
	ClientID        string      `json:"client_id"`
	Status          OrderStatus `json:"status"`
	FilledQty       float64     `json:"filled_qty"`
	AvgPrice        float64     `json:"avg_price"`
	Fee             float64     `json:"fee"`
}

// InvalidRequestError is returned for requests rejected before reaching a venue.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string { return "invalid order request: " + e.Reason }

func errInvalid(reason string) error { return &InvalidRequestError{Reason: reason} }
