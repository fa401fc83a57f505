package leverage

import (
	"math"
	"strings"
	"testing"

	"trading-bot/internal/market"
)

func newTestCalculator(t *testing.T, mutate func(*Config)) *Calculator {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	calc, err := NewCalculator(cfg)
	if err != nil {
		t.Fatalf("NewCalculator: %v", err)
	}
	return calc
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestNewCalculatorRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"min above global", func(c *Config) { c.MinLeverage = 60 }},
		{"thresholds inverted", func(c *Config) { c.LowVolThresholdPct = 6 }},
		{"buffer below one", func(c *Config) { c.LiquidationBufferMultiplier = 0.5 }},
		{"unreachable liquidation floor", func(c *Config) { c.MinLeverage = 5; c.MinLiquidationDistancePct = 30 }},
		{"bad tier override", func(c *Config) { c.SymbolTiers = map[string]int{"BTCUSDT": 7} }},
		{"negative regime multiplier", func(c *Config) { c.Regimes.Chop = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if _, err := NewCalculator(cfg); err == nil {
				t.Fatalf("expected config error")
			}
		})
	}
}

func TestNewCalculatorFillsDefaults(t *testing.T) {
	calc, err := NewCalculator(Config{})
	if err != nil {
		t.Fatalf("NewCalculator: %v", err)
	}
	cfg := calc.Config()
	if cfg.Tiers.Tier1 != 50 || cfg.MaxLeverageGlobal != 50 || cfg.LiquidationBufferMultiplier != 1.5 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestTierResolution(t *testing.T) {
	calc := newTestCalculator(t, func(c *Config) {
		c.SymbolTiers = map[string]int{"DOGEUSDT": 4}
	})
	tests := []struct {
		symbol string
		tier   int
	}{
		{"BTCUSDT", 1},
		{"eth/usdt", 1},
		{"SOLUSDC", 2},
		{"DOGEUSDT", 4},
		{"LINK-USD", 3},
		{"PEPEUSDT", 4},
	}
	for _, tt := range tests {
		if got := calc.Tier(tt.symbol); got != tt.tier {
			t.Errorf("Tier(%s)=%d want %d", tt.symbol, got, tt.tier)
		}
	}
}

func TestCalculateStrongTrendClampedToGlobal(t *testing.T) {
	calc := newTestCalculator(t, nil)
	res := calc.Calculate(Request{Symbol: "BTCUSDT", EntryPrice: 50000, Regime: market.RegimeStrongTrend, ATR: 500})

	if !approx(res.RegimeAdjusted, 60) {
		t.Fatalf("expected pre-cap 60x, got %.4f", res.RegimeAdjusted)
	}
	if res.VolatilityMultiplier != 1.0 {
		t.Fatalf("expected low-vol multiplier 1.0, got %.4f", res.VolatilityMultiplier)
	}
	if res.MaxAllowedLeverage != 50 || res.RecommendedLeverage != 50 {
		t.Fatalf("expected 50x, got max=%.2f rec=%.2f", res.MaxAllowedLeverage, res.RecommendedLeverage)
	}
	if res.Action != Approved {
		t.Fatalf("expected approved, got %s", res.Action)
	}
	if !approx(res.LiquidationDistancePct, 2) || !approx(res.LiquidationPriceLong, 49000) || !approx(res.LiquidationPriceShort, 51000) {
		t.Fatalf("unexpected liquidation values %+v", res)
	}
}

func TestCalculateVolatilityInterpolation(t *testing.T) {
	calc := newTestCalculator(t, nil)
	tests := []struct {
		atrPct float64
		mult   float64
	}{
		{0.5, 1.0},
		{1.0, 1.0},
		{3.0, 0.75},
		{5.0, 0.5},
		{9.0, 0.5},
	}
	for _, tt := range tests {
		res := calc.Calculate(Request{Symbol: "ADAUSDT", EntryPrice: 100, ATR: tt.atrPct})
		if !approx(res.VolatilityMultiplier, tt.mult) {
			t.Errorf("atr%%=%.1f multiplier=%.4f want %.4f", tt.atrPct, res.VolatilityMultiplier, tt.mult)
		}
		if !approx(res.MaxAllowedLeverage, 25*tt.mult) {
			t.Errorf("atr%%=%.1f max=%.4f want %.4f", tt.atrPct, res.MaxAllowedLeverage, 25*tt.mult)
		}
	}
}

func TestCalculateLiquidationFloorReducesLeverage(t *testing.T) {
	calc := newTestCalculator(t, func(c *Config) { c.MinLiquidationDistancePct = 3 })
	res := calc.Calculate(Request{Symbol: "BTCUSDT", EntryPrice: 100})

	if res.MaxAllowedLeverage >= 50 {
		t.Fatalf("expected reduction below 50x, got %.2f", res.MaxAllowedLeverage)
	}
	if res.LiquidationDistancePct < 3 {
		t.Fatalf("liquidation distance %.4f below floor", res.LiquidationDistancePct)
	}
	if res.LiquidationDistancePct != 100/res.RecommendedLeverage {
		t.Fatalf("distance must equal 100/L")
	}
	if len(res.Warnings) == 0 || !strings.Contains(res.Warnings[0], "liquidation distance") {
		t.Fatalf("expected liquidation warning, got %v", res.Warnings)
	}
}

func TestCalculateExposureBlocks(t *testing.T) {
	calc := newTestCalculator(t, nil)
	res := calc.Calculate(Request{Symbol: "BTCUSDT", EntryPrice: 100, AccountBalance: 1000, CurrentExposure: 2000})
	if res.Action != Blocked || res.RecommendedLeverage != 0 {
		t.Fatalf("expected blocked with 0x, got %s %.2f", res.Action, res.RecommendedLeverage)
	}
	if res.LiquidationDistancePct != 100 {
		t.Fatalf("expected degenerate distance 100, got %.2f", res.LiquidationDistancePct)
	}

	res = calc.Calculate(Request{Symbol: "BTCUSDT", EntryPrice: 100, AccountBalance: 1000, CurrentExposure: 1999})
	if res.Action == Blocked {
		t.Fatalf("exposure below limit must not block")
	}
}

func TestCalculateRequestedLeverage(t *testing.T) {
	calc := newTestCalculator(t, nil)
	tests := []struct {
		name      string
		requested float64
		action    Action
		rec       float64
	}{
		{"within limit", 10, Approved, 10},
		{"above limit", 40, Reduced, 25},
		{"below minimum", 0.5, Approved, 1},
		{"absent", 0, Approved, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := calc.Calculate(Request{Symbol: "SOLUSDT", EntryPrice: 150, RequestedLeverage: tt.requested})
			if res.Action != tt.action || !approx(res.RecommendedLeverage, tt.rec) {
				t.Fatalf("got %s %.2f want %s %.2f", res.Action, res.RecommendedLeverage, tt.action, tt.rec)
			}
			if !approx(res.LiquidationDistancePct, 100/tt.rec) {
				t.Fatalf("liquidation must follow final leverage, got %.4f", res.LiquidationDistancePct)
			}
		})
	}
}

func TestCalculateInvalidEntry(t *testing.T) {
	calc := newTestCalculator(t, nil)
	for _, price := range []float64{0, -10, math.NaN()} {
		res := calc.Calculate(Request{Symbol: "BTCUSDT", EntryPrice: price})
		if res.Action != Blocked || res.LiquidationDistancePct != 100 || len(res.Warnings) == 0 {
			t.Fatalf("price %v: expected degenerate blocked result, got %+v", price, res)
		}
	}
}

func TestCalculateBoundsInvariant(t *testing.T) {
	calc := newTestCalculator(t, func(c *Config) { c.MinLiquidationDistancePct = 2.7 })
	cfg := calc.Config()
	symbols := []string{"BTCUSDT", "SOLUSDT", "LINKUSDT", "FOOUSDT"}
	regimes := []market.Regime{market.RegimeUnknown, market.RegimeStrongTrend, market.RegimeWeakTrend, market.RegimeNeutral, market.RegimeChop, market.RegimeVolatile}
	for _, sym := range symbols {
		for _, r := range regimes {
			for _, atr := range []float64{0, 0.3, 2, 4.4, 20} {
				for _, req := range []float64{0, 0.2, 3, 17, 80} {
					res := calc.Calculate(Request{Symbol: sym, EntryPrice: 100, Regime: r, ATR: atr, RequestedLeverage: req})
					if res.RecommendedLeverage < cfg.MinLeverage || res.RecommendedLeverage > res.MaxAllowedLeverage || res.MaxAllowedLeverage > cfg.MaxLeverageGlobal {
						t.Fatalf("%s %s atr=%v req=%v: bounds violated %+v", sym, r, atr, req, res)
					}
					if res.LiquidationDistancePct != 100/res.RecommendedLeverage {
						t.Fatalf("distance mismatch %+v", res)
					}
					if res.LiquidationDistancePct < cfg.MinLiquidationDistancePct {
						t.Fatalf("distance %.4f below floor", res.LiquidationDistancePct)
					}
				}
			}
		}
	}
}

func TestValidateLeverage(t *testing.T) {
	calc := newTestCalculator(t, nil)
	tests := []struct {
		name    string
		lev     float64
		symbol  string
		entry   float64
		sl      float64
		side    market.Side
		ok      bool
		warning bool
	}{
		{"long ok", 10, "BTCUSDT", 100, 95, market.Long, true, false},
		{"short ok", 10, "BTCUSDT", 100, 105, market.Short, true, false},
		{"above global", 60, "BTCUSDT", 100, 99.9, market.Long, false, false},
		{"tier exceeded warns", 20, "PEPEUSDT", 100, 98, market.Long, true, true},
		{"long stop above entry", 10, "BTCUSDT", 100, 101, market.Long, false, false},
		{"short stop below entry", 10, "BTCUSDT", 100, 99, market.Short, false, false},
		{"long stop past liquidation", 10, "BTCUSDT", 100, 89, market.Long, false, false},
		{"short stop past liquidation", 10, "BTCUSDT", 100, 111, market.Short, false, false},
		{"inside liquidation but over buffer", 10, "BTCUSDT", 100, 93, market.Long, false, false},
		{"zero leverage", 0, "BTCUSDT", 100, 95, market.Long, false, false},
		{"zero entry", 10, "BTCUSDT", 0, 95, market.Long, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := calc.ValidateLeverage(tt.lev, tt.symbol, tt.entry, tt.sl, tt.side)
			if res.OK != tt.ok {
				t.Fatalf("ok=%v want %v (reason %q)", res.OK, tt.ok, res.Reason)
			}
			if !res.OK && res.Reason == "" {
				t.Fatalf("rejection needs a reason")
			}
			if tt.warning != (len(res.Warnings) > 0) {
				t.Fatalf("warnings=%v want warning=%v", res.Warnings, tt.warning)
			}
		})
	}
}

func TestSafeLeverageForSL(t *testing.T) {
	calc := newTestCalculator(t, nil)
	tests := []struct {
		name   string
		entry  float64
		sl     float64
		symbol string
		want   float64
	}{
		// 2% stop, buffer 1.5 -> raw 33.33 -> 33, capped by tier 1 (50) -> 33
		{"btc 2% stop", 100, 98, "BTCUSDT", 33},
		// tight stop, capped by the liquidation floor of 50x
		{"tight stop", 100, 99.9, "BTCUSDT", 50},
		// tight stop, capped by tier 4
		{"tier cap", 100, 99.9, "PEPEUSDT", 10},
		// very wide stop falls to minimum
		{"wide stop", 100, 30, "BTCUSDT", 1},
		{"invalid", 0, 30, "BTCUSDT", 1},
		{"equal prices", 100, 100, "BTCUSDT", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calc.SafeLeverageForSL(tt.entry, tt.sl, tt.symbol)
			if got != tt.want {
				t.Fatalf("got %.2f want %.2f", got, tt.want)
			}
		})
	}
}

func TestSafeLeverageStepsBelowExactBoundary(t *testing.T) {
	calc := newTestCalculator(t, func(c *Config) { c.LiquidationBufferMultiplier = 2 })
	// 5% stop with buffer 2 gives raw 10x, where the stop sits exactly on the
	// buffer edge and ValidateLeverage rejects.
	if res := calc.ValidateLeverage(10, "BTCUSDT", 100, 95, market.Long); res.OK {
		t.Fatalf("10x must be rejected at the boundary")
	}
	got := calc.SafeLeverageForSL(100, 95, "BTCUSDT")
	if got != 9 {
		t.Fatalf("got %.2f want 9", got)
	}
	if res := calc.ValidateLeverage(got, "BTCUSDT", 100, 95, market.Long); !res.OK {
		t.Fatalf("9x rejected: %s", res.Reason)
	}
}

func TestSafeLeverageValidates(t *testing.T) {
	calc := newTestCalculator(t, nil)
	for _, sl := range []float64{99, 97.5, 95, 90, 80} {
		lev := calc.SafeLeverageForSL(100, sl, "ETHUSDT")
		res := calc.ValidateLeverage(lev, "ETHUSDT", 100, sl, market.Long)
		if !res.OK {
			t.Fatalf("sl=%v: safe leverage %.0f rejected: %s", sl, lev, res.Reason)
		}
	}
}
