package market

import (
	"strings"
	"time"
)

// Bar is a closed OHLCV candle for one symbol.
type Bar struct {
	Symbol   string    `json:"symbol"`
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// FeatureVector is an immutable per-bar snapshot of indicator values.
type FeatureVector struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Close     float64   `json:"close"`

	RSI            float64 `json:"rsi"`
	MACD           float64 `json:"macd"`
	MACDSignal     float64 `json:"macd_signal"`
	MACDHist       float64 `json:"macd_hist"`
	PrevMACD       float64 `json:"prev_macd"`
	PrevMACDSignal float64 `json:"prev_macd_signal"`
	ATR            float64 `json:"atr"`
	AtrPct         float64 `json:"atr_pct"`
	ADX            float64 `json:"adx"`
	EMAFast        float64 `json:"ema_fast"`
	EMASlow        float64 `json:"ema_slow"`
	SwingHigh      float64 `json:"swing_high"`
	SwingLow       float64 `json:"swing_low"`

	// Bars is the number of bars seen when the snapshot was taken.
	Bars int `json:"bars"`
	// Warmup is the number of bars required before the values are meaningful.
	Warmup int `json:"-"`
}

// Ready reports whether enough history backs the indicator values.
func (f FeatureVector) Ready() bool {
	return f.Bars >= f.Warmup && f.Close > 0
}

// BullishCross reports a MACD cross of the signal line from below on this bar.
func (f FeatureVector) BullishCross() bool {
	return f.PrevMACD <= f.PrevMACDSignal && f.MACD > f.MACDSignal
}

// BearishCross reports a MACD cross of the signal line from above on this bar.
func (f FeatureVector) BearishCross() bool {
	return f.PrevMACD >= f.PrevMACDSignal && f.MACD < f.MACDSignal
}

// Regime classifies market conditions.
type Regime int

const (
	RegimeUnknown Regime = iota
	RegimeStrongTrend
	RegimeWeakTrend
	RegimeNeutral
	RegimeChop
	RegimeVolatile
)

var regimeNames = map[Regime]string{
	RegimeUnknown:     "UNKNOWN",
	RegimeStrongTrend: "STRONG_TREND",
	RegimeWeakTrend:   "WEAK_TREND",
	RegimeNeutral:     "NEUTRAL",
	RegimeChop:        "CHOP",
	RegimeVolatile:    "VOLATILE",
}

func (r Regime) String() string {
	if s, ok := regimeNames[r]; ok {
		return s
	}
	return "UNKNOWN"
}

// MarshalText keeps regimes readable in JSON and YAML.
func (r Regime) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText accepts names in any case, with '_', '-' or ' ' separators.
func (r *Regime) UnmarshalText(b []byte) error {
	*r = ParseRegime(string(b))
	return nil
}

// ParseRegime maps a regime name to its enum value; unknown names map to RegimeUnknown.
func ParseRegime(s string) Regime {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	switch norm {
	case "STRONG_TREND", "STRONGTREND":
		return RegimeStrongTrend
	case "WEAK_TREND", "WEAKTREND", "TREND":
		return RegimeWeakTrend
	case "NEUTRAL", "RANGE":
		return RegimeNeutral
	case "CHOP", "CHOPPY":
		return RegimeChop
	case "VOLATILE", "HIGH_VOLATILITY":
		return RegimeVolatile
	default:
		return RegimeUnknown
	}
}

// Side is the direction of a position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}
