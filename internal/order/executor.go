package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"trading-bot/internal/events"
	"trading-bot/pkg/db"
	exchange "trading-bot/pkg/exchanges/common"
)

var errNoBroker = errors.New("no broker configured")

// Executor sends one intent to a broker, persists the order and emits updates.
// Persistence is skipped when no database is attached.
type Executor struct {
	db         *db.Database
	bus        *events.Bus
	instanceID string
	logger     zerolog.Logger
}

func NewExecutor(database *db.Database, bus *events.Bus, instanceID string) *Executor {
	return &Executor{
		db:         database,
		bus:        bus,
		instanceID: instanceID,
		logger:     log.With().Str("component", "executor").Logger(),
	}
}

// Dispatch submits the intent to gw. A broker error is returned wrapped; a
// persistence error after the broker accepted the order is only logged, since
// retrying would duplicate the order.
func (e *Executor) Dispatch(ctx context.Context, gw exchange.Gateway, t *OrderIntent) (exchange.OrderResult, error) {
	if gw == nil {
		return exchange.OrderResult{}, errNoBroker
	}
	req := t.Request
	req.ClientID = t.TaskID

	publish(e.bus, events.EventOrderSubmitted, taskEvent(t, "SUBMITTED", ""))
	res, err := gw.SubmitOrder(ctx, req)
	if err != nil {
		e.logger.Warn().Err(err).Str("task_id", t.TaskID).Str("symbol", req.Symbol).
			Int("attempt", t.RetryCount+1).Msg("broker rejected order")
		publish(e.bus, events.EventOrderRejected, taskEvent(t, string(exchange.StatusRejected), err.Error()))
		return exchange.OrderResult{}, fmt.Errorf("submit %s %s: %w", req.Symbol, req.Side, err)
	}
	if res.Status == "" {
		res.Status = exchange.StatusNew
	}

	orderID := t.TaskID
	price := req.Price
	if res.AvgPrice > 0 {
		price = res.AvgPrice
	}
	if e.db != nil {
		model := db.Order{
			ID:         orderID,
			InstanceID: e.instanceID,
			TaskID:     t.TaskID,
			Symbol:     req.Symbol,
			Side:       string(req.Side),
			Type:       string(req.Type),
			Price:      price,
			Qty:        req.Qty,
			FilledQty:  res.FilledQty,
			Leverage:   req.Leverage,
			ReduceOnly: req.ReduceOnly,
			Status:     string(res.Status),
			CreatedAt:  time.Now().UTC(),
		}
		if err := e.db.CreateOrder(ctx, model); err != nil {
			e.logger.Error().Err(err).Str("task_id", t.TaskID).Msg("store order")
		}
	}

	if res.Status == exchange.StatusFilled || res.Status == exchange.StatusPartial {
		if e.db != nil && res.FilledQty > 0 {
			trade := db.Trade{
				ID:         uuid.NewString(),
				OrderID:    orderID,
				InstanceID: e.instanceID,
				Symbol:     req.Symbol,
				Side:       string(req.Side),
				Price:      price,
				Qty:        res.FilledQty,
				Fee:        res.Fee,
				CreatedAt:  time.Now().UTC(),
			}
			if err := e.db.CreateTrade(ctx, trade); err != nil {
				e.logger.Error().Err(err).Str("task_id", t.TaskID).Msg("store trade")
			}
		}
		ev := taskEvent(t, string(res.Status), "")
		ev.Price = price
		ev.Qty = res.FilledQty
		publish(e.bus, events.EventOrderFilled, ev)
	}

	e.logger.Info().Str("task_id", t.TaskID).Str("symbol", req.Symbol).Str("side", string(req.Side)).
		Float64("qty", req.Qty).Str("status", string(res.Status)).Str("exch_id", res.ExchangeOrderID).Msg("order stored")
	return res, nil
}

// RecordFailure stores a terminally failed intent as a REJECTED order row.
func (e *Executor) RecordFailure(ctx context.Context, t *OrderIntent, cause error) {
	if e.db == nil {
		return
	}
	model := db.Order{
		ID:         t.TaskID,
		InstanceID: e.instanceID,
		TaskID:     t.TaskID,
		Symbol:     t.Request.Symbol,
		Side:       string(t.Request.Side),
		Type:       string(t.Request.Type),
		Price:      t.Request.Price,
		Qty:        t.Request.Qty,
		Leverage:   t.Request.Leverage,
		ReduceOnly: t.Request.ReduceOnly,
		Status:     string(exchange.StatusRejected),
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.db.CreateOrder(ctx, model); err != nil {
		e.logger.Error().Err(err).AnErr("cause", cause).Str("task_id", t.TaskID).Msg("store failed order")
	}
}
