package order

import (
	"errors"
	"fmt"
	"time"

	"trading-bot/internal/leverage"
	exchange "trading-bot/pkg/exchanges/common"
)

var (
	ErrQueueFull         = errors.New("order queue full")
	ErrKillSwitchActive  = errors.New("kill switch active")
	ErrInvalidTransition = errors.New("invalid engine state transition")
	ErrStopped           = errors.New("coordinator stopped")
	ErrUnknownTask       = errors.New("unknown task")
)

// Priorities are 1..10, higher dispatches first.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Purpose tells the feedback path what a task was for.
type Purpose string

const (
	PurposeEntry      Purpose = "entry"
	PurposeExit       Purpose = "exit"
	PurposeAdjustStop Purpose = "adjust_stop"
	PurposeManual     Purpose = "manual"
)

// OrderIntent is one queued execution task.
type OrderIntent struct {
	TaskID         string                `json:"task_id"`
	Request        exchange.OrderRequest `json:"request"`
	Broker         exchange.Gateway      `json:"-"`
	BrokerName     string                `json:"broker,omitempty"`
	Priority       int                   `json:"priority"`
	RetryCount     int                   `json:"retry_count"`
	MaxRetries     int                   `json:"max_retries"`
	CreatedAt      time.Time             `json:"created_at"`
	ManualApproval bool                  `json:"manual_approval"`
	Leverage       *leverage.Result      `json:"leverage,omitempty"`
	Purpose        Purpose               `json:"purpose"`
	Reason         string                `json:"reason,omitempty"`

	seq uint64
}

// SubmitOptions are the optional parts of a submission. Zero values mean
// default priority, the coordinator's default broker and the configured
// manual approval default.
type SubmitOptions struct {
	Priority       int
	Broker         exchange.Gateway
	BrokerName     string
	ManualApproval *bool
	Leverage       *leverage.Result
	Purpose        Purpose
	Reason         string
}

// Outcome is the terminal result of a task.
type Outcome string

const (
	OutcomeFilled    Outcome = "FILLED"
	OutcomeAccepted  Outcome = "ACCEPTED" // acknowledged, not yet filled
	OutcomeFailed    Outcome = "FAILED"
	OutcomeExpired   Outcome = "EXPIRED"
	OutcomeRejected  Outcome = "REJECTED" // approval rejected
	OutcomeCancelled Outcome = "CANCELLED"
)

// Success reports whether the broker took the order.
func (o Outcome) Success() bool {
	return o == OutcomeFilled || o == OutcomeAccepted
}

// ExecutionResult is published once per task when it leaves the coordinator.
type ExecutionResult struct {
	TaskID    string               `json:"task_id"`
	Symbol    string               `json:"symbol"`
	Side      exchange.Side        `json:"side"`
	Purpose   Purpose              `json:"purpose"`
	Outcome   Outcome              `json:"outcome"`
	Order     exchange.OrderResult `json:"order"`
	Attempts  int                  `json:"attempts"`
	Err       error                `json:"-"`
	ErrorMsg  string               `json:"error,omitempty"`
	Latency   time.Duration        `json:"latency_ms"`
	Timestamp time.Time            `json:"timestamp"`
}

// EngineState is the coordinator state.
type EngineState int

const (
	StateIdle EngineState = iota
	StateRunning
	StatePaused
	StateStopped
	StateKillSwitchActive
)

func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	case StateKillSwitchActive:
		return "KILL_SWITCH_ACTIVE"
	default:
		return "UNKNOWN"
	}
}

func (s EngineState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *EngineState) UnmarshalText(b []byte) error {
	st, ok := ParseEngineState(string(b))
	if !ok {
		return fmt.Errorf("unknown engine state %q", b)
	}
	*s = st
	return nil
}

// ParseEngineState maps a state name back to its value.
func ParseEngineState(name string) (EngineState, bool) {
	for s := StateIdle; s <= StateKillSwitchActive; s++ {
		if s.String() == name {
			return s, true
		}
	}
	return StateIdle, false
}

// DailyMetrics are per-UTC-day task counters.
type DailyMetrics struct {
	Date       string `json:"date"`
	Submitted  int    `json:"submitted"`
	Dispatched int    `json:"dispatched"`
	Filled     int    `json:"filled"`
	Failed     int    `json:"failed"`
	Retries    int    `json:"retries"`
	Expired    int    `json:"expired"`
	Cancelled  int    `json:"cancelled"`
	Rejected   int    `json:"rejected"`
	KillSwitch int    `json:"kill_switch_activations"`
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	State            EngineState  `json:"state"`
	QueueDepth       int          `json:"queue_depth"`
	ActiveOrders     []string     `json:"active_orders"`
	PendingApprovals int          `json:"pending_approvals"`
	KillSwitchReason string       `json:"kill_switch_reason,omitempty"`
	Daily            DailyMetrics `json:"daily"`
}

// Recorder receives coordinator measurements.
type Recorder interface {
	TaskFinished(outcome Outcome, latency time.Duration)
	TaskRetried()
	QueueDepth(n int)
	EngineState(s EngineState)
}

type nopRecorder struct{}

func (nopRecorder) TaskFinished(Outcome, time.Duration) {}
func (nopRecorder) TaskRetried()                        {}
func (nopRecorder) QueueDepth(int)                      {}
func (nopRecorder) EngineState(EngineState)             {}
