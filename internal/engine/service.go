// Package engine wires per-symbol lifecycles to the execution coordinator
// and exposes the result to the API/control layer.
package engine

import (
	"context"

	"trading-bot/internal/leverage"
	"trading-bot/internal/order"
	"trading-bot/internal/risk"
	"trading-bot/pkg/db"
)

// Service defines the engine operations available to the API layer.
// The API layer should only interact with the engine through this interface.
type Service interface {
	// Engine control
	StartEngine() error
	PauseEngine() error
	ResumeEngine() error
	StopEngine() error
	ActivateKillSwitch(reason string) error
	DeactivateKillSwitch() error

	// Queries
	Status() SystemStatus
	Symbols() []SymbolStatus
	RiskMetrics() risk.Metrics
	PreviewLeverage(req leverage.Request) leverage.Result
	Decisions(ctx context.Context, symbol string, limit int) ([]db.Decision, error)

	// Manual approval
	PendingApprovals() []order.PendingApproval
	Approve(taskID string) error
	Reject(taskID, reason string) error

	// Strategy
	ReselectStrategy(symbol string) error
}

var _ Service = (*Bot)(nil)
