package engine

import (
	"time"

	"trading-bot/internal/balance"
	"trading-bot/internal/lifecycle"
	"trading-bot/internal/order"
)

// Intent priorities per decision kind. Stop-driven exits outrank everything.
const (
	PriorityAdjustStop = 5
	PriorityEntry      = 6
	PrioritySignalExit = 8
	PriorityStopExit   = 10
)

// SymbolStatus is the per-symbol view exposed to the control surface.
type SymbolStatus struct {
	Symbol       string              `json:"symbol"`
	State        string              `json:"state"`
	Profile      lifecycle.Profile   `json:"profile"`
	Position     *lifecycle.Position `json:"position,omitempty"`
	LastDecision lifecycle.Decision  `json:"last_decision"`
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Mode       string           `json:"mode"`
	DryRun     bool             `json:"dry_run"`
	Symbols    []string         `json:"symbols"`
	Version    string           `json:"version"`
	InstanceID string           `json:"instance_id"`
	ServerTime time.Time        `json:"server_time"`
	Engine     order.Status     `json:"engine"`
	Balance    balance.Snapshot `json:"balance"`
}
