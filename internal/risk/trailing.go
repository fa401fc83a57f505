package risk

import (
	"math"
	"strings"
	"sync"
	"time"

	"trading-bot/internal/market"
)

// TrailingMode selects how the trailing distance is derived.
type TrailingMode string

const (
	TrailFixed     TrailingMode = "fixed"
	TrailATR       TrailingMode = "atr"
	TrailStructure TrailingMode = "structure"
)

// TrailingConfig configures the trailing stop calculator.
type TrailingConfig struct {
	Mode               TrailingMode `yaml:"mode" json:"mode" default:"atr" validate:"oneof=fixed atr structure"`
	FixedPct           float64      `yaml:"fixed_pct" json:"fixed_pct" default:"1.5" validate:"gt=0,lt=100"`
	ATRMultiple        float64      `yaml:"atr_multiple" json:"atr_multiple" default:"2.0" validate:"gt=0"`
	StructureBufferPct float64      `yaml:"structure_buffer_pct" json:"structure_buffer_pct" default:"0.2" validate:"gte=0,lt=100"`
	ActivationPct      float64      `yaml:"activation_pct" json:"activation_pct" default:"1.0" validate:"gte=0"`
	MinStepPct         float64      `yaml:"min_step_pct" json:"min_step_pct" default:"0.1" validate:"gte=0"`
	CooldownBars       int          `yaml:"cooldown_bars" json:"cooldown_bars" default:"1" validate:"gte=0"`

	// Distance multipliers per regime: trends get more room, chop gets less.
	StrongTrendMultiplier float64 `yaml:"strong_trend_multiplier" json:"strong_trend_multiplier" default:"1.3" validate:"gt=0"`
	WeakTrendMultiplier   float64 `yaml:"weak_trend_multiplier" json:"weak_trend_multiplier" default:"1.1" validate:"gt=0"`
	NeutralMultiplier     float64 `yaml:"neutral_multiplier" json:"neutral_multiplier" default:"1.0" validate:"gt=0"`
	ChopMultiplier        float64 `yaml:"chop_multiplier" json:"chop_multiplier" default:"0.8" validate:"gt=0"`
	VolatileMultiplier    float64 `yaml:"volatile_multiplier" json:"volatile_multiplier" default:"1.5" validate:"gt=0"`
}

// DefaultTrailingConfig mirrors the default struct tags.
func DefaultTrailingConfig() TrailingConfig {
	return TrailingConfig{
		Mode: TrailATR, FixedPct: 1.5, ATRMultiple: 2.0, StructureBufferPct: 0.2,
		ActivationPct: 1.0, MinStepPct: 0.1, CooldownBars: 1,
		StrongTrendMultiplier: 1.3, WeakTrendMultiplier: 1.1, NeutralMultiplier: 1.0,
		ChopMultiplier: 0.8, VolatileMultiplier: 1.5,
	}
}

// PositionView is the read-only slice of a position the calculator needs.
type PositionView struct {
	Symbol      string
	Side        market.Side
	EntryPrice  float64
	CurrentStop float64
	BarsHeld    int
	HighWater   float64 // best high since entry (long)
	LowWater    float64 // best low since entry (short)
	OpenedAt    time.Time
}

type trailState struct {
	openedAt   time.Time
	lastUpdate int
	updated    bool
}

// TrailingCalculator proposes trailing stop candidates. It enforces
// activation, minimum step and cooldown; callers still apply their own
// monotonic gate before moving a stop.
type TrailingCalculator struct {
	mu    sync.Mutex
	cfg   TrailingConfig
	state map[string]*trailState
}

// NewTrailingCalculator builds a calculator; a zero config uses defaults.
func NewTrailingCalculator(cfg TrailingConfig) *TrailingCalculator {
	if cfg.Mode == "" {
		cfg = DefaultTrailingConfig()
	}
	return &TrailingCalculator{cfg: cfg, state: make(map[string]*trailState)}
}

// Config returns the calculator configuration.
func (t *TrailingCalculator) Config() TrailingConfig {
	return t.cfg
}

func (t *TrailingCalculator) regimeMultiplier(r market.Regime) float64 {
	switch r {
	case market.RegimeStrongTrend:
		return t.cfg.StrongTrendMultiplier
	case market.RegimeWeakTrend:
		return t.cfg.WeakTrendMultiplier
	case market.RegimeChop:
		return t.cfg.ChopMultiplier
	case market.RegimeVolatile:
		return t.cfg.VolatileMultiplier
	default:
		return t.cfg.NeutralMultiplier
	}
}

// ComputeNewStop returns a candidate stop that tightens risk, or false.
func (t *TrailingCalculator) ComputeNewStop(fv market.FeatureVector, regime market.Regime, pos PositionView) (float64, bool) {
	if pos.EntryPrice <= 0 || fv.Close <= 0 || pos.CurrentStop <= 0 {
		return 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := strings.ToUpper(pos.Symbol)
	st, ok := t.state[key]
	if !ok || !st.openedAt.Equal(pos.OpenedAt) {
		st = &trailState{openedAt: pos.OpenedAt}
		t.state[key] = st
	}
	if st.updated && pos.BarsHeld-st.lastUpdate < t.cfg.CooldownBars {
		return 0, false
	}

	long := pos.Side == market.Long
	var moved float64
	if long {
		moved = (math.Max(pos.HighWater, fv.Close) - pos.EntryPrice) / pos.EntryPrice * 100
	} else {
		low := fv.Close
		if pos.LowWater > 0 {
			low = math.Min(pos.LowWater, fv.Close)
		}
		moved = (pos.EntryPrice - low) / pos.EntryPrice * 100
	}
	if moved < t.cfg.ActivationPct {
		return 0, false
	}

	candidate, ok := t.candidate(fv, regime, pos, long)
	if !ok {
		return 0, false
	}

	step := pos.CurrentStop * t.cfg.MinStepPct / 100
	if long {
		if candidate <= pos.CurrentStop+step || candidate >= fv.Close {
			return 0, false
		}
	} else {
		if candidate >= pos.CurrentStop-step || candidate <= fv.Close {
			return 0, false
		}
	}

	st.updated = true
	st.lastUpdate = pos.BarsHeld
	return candidate, true
}

func (t *TrailingCalculator) candidate(fv market.FeatureVector, regime market.Regime, pos PositionView, long bool) (float64, bool) {
	mult := t.regimeMultiplier(regime)
	ref := fv.Close
	if long && pos.HighWater > ref {
		ref = pos.HighWater
	}
	if !long && pos.LowWater > 0 && pos.LowWater < ref {
		ref = pos.LowWater
	}

	switch t.cfg.Mode {
	case TrailFixed:
		dist := ref * t.cfg.FixedPct * mult / 100
		return offset(ref, dist, long), true
	case TrailATR:
		if fv.ATR <= 0 {
			return 0, false
		}
		return offset(ref, fv.ATR*t.cfg.ATRMultiple*mult, long), true
	case TrailStructure:
		swing := fv.SwingLow
		if !long {
			swing = fv.SwingHigh
		}
		if swing <= 0 {
			return 0, false
		}
		return offset(swing, swing*t.cfg.StructureBufferPct*mult/100, long), true
	default:
		return 0, false
	}
}

func offset(ref, dist float64, long bool) float64 {
	if long {
		return ref - dist
	}
	return ref + dist
}

// ActivationPct is the favourable move required before the stop trails.
func (t *TrailingCalculator) ActivationPct() float64 { return t.cfg.ActivationPct }
