package lifecycle

import (
	"errors"
	"math"
	"time"

	"trading-bot/internal/market"
)

// ErrNoPosition is returned when the lifecycle is in Manage without a position.
// It is a programming error; callers are expected to halt trading.
var ErrNoPosition = errors.New("lifecycle: manage state without open position")

// State is the lifecycle state of one symbol.
type State int

const (
	Flat State = iota
	Signal
	Manage
)

func (s State) String() string {
	switch s {
	case Flat:
		return "FLAT"
	case Signal:
		return "SIGNAL"
	case Manage:
		return "MANAGE"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Action is what a decision asks the execution side to do.
type Action string

const (
	Hold       Action = "HOLD"
	Enter      Action = "ENTER"
	Exit       Action = "EXIT"
	AdjustStop Action = "ADJUST_STOP"
)

// Reason codes attached to decisions.
const (
	ReasonWarmingUp       = "warming_up"
	ReasonStandby         = "standby"
	ReasonSignalDetected  = "signal_detected"
	ReasonAwaitingConfirm = "awaiting_confirmation"
	ReasonSignalExpired   = "signal_expired"
	ReasonSignalReversed  = "signal_reversed"
	ReasonRiskBlocked     = "risk_blocked"
	ReasonLeverageBlocked = "leverage_blocked"
	ReasonStopInvalid     = "stop_invalid"
	ReasonSizeZero        = "size_zero"
	ReasonConfirmed       = "confirmed"
	ReasonStopHit         = "stop_hit"
	ReasonTrailingStop    = "trailing_stop"
	ReasonInitialStop     = "initial_stop"
	ReasonRSIExtreme      = "rsi_extreme"
	ReasonMACDCross       = "macd_cross"
	ReasonTrailUpdate     = "trail_update"
	ReasonInPosition      = "in_position"
	ReasonEntryUnfilled   = "entry_unfilled"
)

// stopEpsilon is the relative distance below which a stop counts as unmoved.
const stopEpsilon = 1e-9

// TrailingStop holds the protective stop of a position.
// CurrentStopPrice only ever moves in the risk-reducing direction.
type TrailingStop struct {
	InitialStopPrice float64 `json:"initial_stop_price"`
	CurrentStopPrice float64 `json:"current_stop_price"`
	ActivationPct    float64 `json:"activation_pct"`
}

// TryUpdate moves the stop to candidate when it strictly reduces risk for side.
// A worse or equal candidate leaves the stop unchanged.
func (ts *TrailingStop) TryUpdate(side market.Side, candidate float64) bool {
	if candidate <= 0 || math.IsNaN(candidate) || math.IsInf(candidate, 0) {
		return false
	}
	switch side {
	case market.Long:
		if candidate <= ts.CurrentStopPrice {
			return false
		}
	case market.Short:
		if candidate >= ts.CurrentStopPrice {
			return false
		}
	default:
		return false
	}
	ts.CurrentStopPrice = candidate
	return true
}

// Trailed reports whether the stop has moved away from its initial level.
func (ts TrailingStop) Trailed() bool {
	return math.Abs(ts.CurrentStopPrice-ts.InitialStopPrice) > stopEpsilon*math.Max(1, math.Abs(ts.InitialStopPrice))
}

// Position is the single open position of a symbol.
type Position struct {
	Symbol        string       `json:"symbol"`
	Side          market.Side  `json:"side"`
	EntryPrice    float64      `json:"entry_price"`
	Size          float64      `json:"size"`
	Leverage      float64      `json:"leverage"`
	Stop          TrailingStop `json:"stop"`
	BarsHeld      int          `json:"bars_held"`
	MarkPrice     float64      `json:"mark_price"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
	HighWater     float64      `json:"high_water"`
	LowWater      float64      `json:"low_water"`
	OpenedAt      time.Time    `json:"opened_at"`
	// Pending is true between the Enter decision and the broker fill.
	Pending bool `json:"pending"`
}

func (p *Position) mark(price float64) {
	p.MarkPrice = price
	if p.Side == market.Long {
		p.UnrealizedPnL = (price - p.EntryPrice) * p.Size
	} else {
		p.UnrealizedPnL = (p.EntryPrice - price) * p.Size
	}
}

// Notional is the position value at the mark price.
func (p Position) Notional() float64 {
	price := p.MarkPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	return price * p.Size
}

// Decision is the per-bar outcome of the lifecycle.
type Decision struct {
	Symbol     string        `json:"symbol"`
	Timestamp  time.Time     `json:"timestamp"`
	Action     Action        `json:"action"`
	Side       market.Side   `json:"side,omitempty"`
	State      State         `json:"state"`
	Regime     market.Regime `json:"regime"`
	Profile    Profile       `json:"profile,omitempty"`
	Reasons    []string      `json:"reasons"`
	Price      float64       `json:"price"`
	StopBefore float64       `json:"stop_before,omitempty"`
	StopAfter  float64       `json:"stop_after,omitempty"`
	Quantity   float64       `json:"quantity,omitempty"`
	Leverage   float64       `json:"leverage,omitempty"`
	Notes      string        `json:"notes,omitempty"`

	// LeverageTrail is the calculator reason trail for Enter decisions.
	LeverageTrail []string `json:"leverage_trail,omitempty"`
	RealizedPnL   float64  `json:"realized_pnl,omitempty"`
	// StopHit marks exits triggered by the protective stop.
	StopHit bool `json:"stop_hit,omitempty"`
	// LimitBreach is set when realizing this exit breached a risk limit.
	LimitBreach string `json:"limit_breach,omitempty"`
}

// Actionable reports whether the decision must reach the broker.
func (d Decision) Actionable() bool {
	return d.Action == Enter || d.Action == Exit || d.Action == AdjustStop
}
