package indicators

import (
	"strings"
	"sync"

	"trading-bot/internal/market"
)

// Settings holds the indicator periods.
type Settings struct {
	FastEMA       int     `yaml:"fast_ema" json:"fast_ema" default:"12" validate:"gt=0"`
	SlowEMA       int     `yaml:"slow_ema" json:"slow_ema" default:"26" validate:"gtfield=FastEMA"`
	SignalEMA     int     `yaml:"signal_ema" json:"signal_ema" default:"9" validate:"gt=0"`
	RSIPeriod     int     `yaml:"rsi_period" json:"rsi_period" default:"14" validate:"gt=0"`
	ATRPeriod     int     `yaml:"atr_period" json:"atr_period" default:"14" validate:"gt=0"`
	ADXPeriod     int     `yaml:"adx_period" json:"adx_period" default:"14" validate:"gte=2"`
	TrendFastEMA  int     `yaml:"trend_fast_ema" json:"trend_fast_ema" default:"20" validate:"gt=0"`
	TrendSlowEMA  int     `yaml:"trend_slow_ema" json:"trend_slow_ema" default:"50" validate:"gtfield=TrendFastEMA"`
	SwingLookback int     `yaml:"swing_lookback" json:"swing_lookback" default:"10" validate:"gt=0"`
	Window        int     `yaml:"window" json:"window" default:"200" validate:"gt=0"`
	VolatileATR   float64 `yaml:"volatile_atr_pct" json:"volatile_atr_pct" default:"5.0" validate:"gt=0"`
}

// DefaultSettings mirrors the default struct tags.
func DefaultSettings() Settings {
	return Settings{
		FastEMA: 12, SlowEMA: 26, SignalEMA: 9,
		RSIPeriod: 14, ATRPeriod: 14, ADXPeriod: 14,
		TrendFastEMA: 20, TrendSlowEMA: 50,
		SwingLookback: 10, Window: 200, VolatileATR: 5.0,
	}
}

// Warmup is the number of bars needed before every indicator is populated.
func (s Settings) Warmup() int {
	w := s.SlowEMA + s.SignalEMA // one spare bar for the previous MACD
	for _, v := range []int{2 * s.ADXPeriod, s.RSIPeriod + 1, s.ATRPeriod + 1, s.TrendSlowEMA} {
		if v > w {
			w = v
		}
	}
	return w
}

// Engine maintains per-symbol bar windows and produces feature vectors.
type Engine struct {
	mu       sync.Mutex
	bars     map[string][]market.Bar
	seen     map[string]int
	settings Settings
}

// NewEngine builds an indicator engine; zero settings fall back to defaults.
func NewEngine(s Settings) *Engine {
	if s.FastEMA == 0 {
		s = DefaultSettings()
	}
	if s.Window < s.Warmup() {
		s.Window = s.Warmup()
	}
	return &Engine{
		bars:     make(map[string][]market.Bar),
		seen:     make(map[string]int),
		settings: s,
	}
}

// Update ingests a closed bar and returns the feature snapshot and regime for its symbol.
func (e *Engine) Update(bar market.Bar) (market.FeatureVector, market.Regime) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sym := strings.ToUpper(bar.Symbol)
	arr := append(e.bars[sym], bar)
	if len(arr) > e.settings.Window {
		arr = arr[len(arr)-e.settings.Window:]
	}
	e.bars[sym] = arr
	e.seen[sym]++

	fv := e.features(sym, arr)
	fv.Bars = e.seen[sym]
	return fv, Classify(fv, e.settings.VolatileATR)
}

// Reset drops the history of a symbol.
func (e *Engine) Reset(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sym := strings.ToUpper(symbol)
	delete(e.bars, sym)
	delete(e.seen, sym)
}

func (e *Engine) features(sym string, bars []market.Bar) market.FeatureVector {
	s := e.settings
	last := bars[len(bars)-1]
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	fv := market.FeatureVector{
		Symbol:    sym,
		Timestamp: last.OpenTime,
		Close:     last.Close,
		Warmup:    s.Warmup(),
		RSI:       RSI(closes, s.RSIPeriod),
		ATR:       ATR(bars, s.ATRPeriod),
		ADX:       ADX(bars, s.ADXPeriod),
		EMAFast:   EMA(closes, s.TrendFastEMA),
		EMASlow:   EMA(closes, s.TrendSlowEMA),
	}
	if last.Close > 0 {
		fv.AtrPct = fv.ATR / last.Close * 100
	}
	if m, sig, h, ok := MACD(closes, s.FastEMA, s.SlowEMA, s.SignalEMA); ok {
		fv.MACD, fv.MACDSignal, fv.MACDHist = m, sig, h
		if pm, psig, _, pok := MACD(closes[:len(closes)-1], s.FastEMA, s.SlowEMA, s.SignalEMA); pok {
			fv.PrevMACD, fv.PrevMACDSignal = pm, psig
		} else {
			fv.PrevMACD, fv.PrevMACDSignal = m, sig
		}
	}
	// swing extremes exclude the current bar so a breakout bar does not move its own reference
	if len(bars) > 1 {
		fv.SwingHigh, fv.SwingLow = Swing(bars[:len(bars)-1], s.SwingLookback)
	}
	return fv
}

// Classify maps a feature vector to a market regime.
func Classify(fv market.FeatureVector, volatileATRPct float64) market.Regime {
	if !fv.Ready() {
		return market.RegimeUnknown
	}
	switch {
	case fv.AtrPct >= volatileATRPct:
		return market.RegimeVolatile
	case fv.ADX >= 30:
		return market.RegimeStrongTrend
	case fv.ADX >= 20:
		return market.RegimeWeakTrend
	case fv.ADX < 15:
		return market.RegimeChop
	default:
		return market.RegimeNeutral
	}
}
