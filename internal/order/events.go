package order

import (
	"time"

	"trading-bot/internal/events"
)

// TaskEvent is the bus payload for order lifecycle topics.
type TaskEvent struct {
	TaskID   string    `json:"task_id"`
	Symbol   string    `json:"symbol"`
	Side     string    `json:"side"`
	Qty      float64   `json:"qty"`
	Price    float64   `json:"price,omitempty"`
	Priority int       `json:"priority"`
	Purpose  Purpose   `json:"purpose"`
	Attempt  int       `json:"attempt"`
	Status   string    `json:"status,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Time     time.Time `json:"time"`
}

func taskEvent(t *OrderIntent, status, reason string) TaskEvent {
	return TaskEvent{
		TaskID:   t.TaskID,
		Symbol:   t.Request.Symbol,
		Side:     string(t.Request.Side),
		Qty:      t.Request.Qty,
		Price:    t.Request.Price,
		Priority: t.Priority,
		Purpose:  t.Purpose,
		Attempt:  t.RetryCount + 1,
		Status:   status,
		Reason:   reason,
		Time:     time.Now().UTC(),
	}
}

func publish(bus *events.Bus, e events.Event, payload any) {
	if bus == nil {
		return
	}
	bus.Publish(e, payload)
}
