// Package leverage derives a safe leverage for a trade and checks stop-loss
// placement against the simplified liquidation model
// liq_long = entry*(1-1/L), liq_short = entry*(1+1/L). Funding and fees are
// not modelled.
package leverage

import (
	"fmt"
	"math"
	"strings"

	"trading-bot/internal/market"
)

// Action is the outcome of a leverage calculation.
type Action string

const (
	Approved Action = "APPROVED"
	Reduced  Action = "REDUCED"
	Blocked  Action = "BLOCKED"
)

// Request carries the inputs of Calculate. Zero values mean "not given".
type Request struct {
	Symbol            string        `json:"symbol"`
	EntryPrice        float64       `json:"entry_price"`
	Regime            market.Regime `json:"regime"`
	ATR               float64       `json:"atr"`
	RequestedLeverage float64       `json:"requested_leverage"`
	AccountBalance    float64       `json:"account_balance"`
	CurrentExposure   float64       `json:"current_exposure"`
}

// Result is the full outcome of Calculate including intermediate values.
type Result struct {
	Symbol string `json:"symbol"`
	Tier   int    `json:"tier"`

	TierMaxLeverage      float64 `json:"tier_max_leverage"`
	RegimeMultiplier     float64 `json:"regime_multiplier"`
	RegimeAdjusted       float64 `json:"regime_adjusted"`
	VolatilityPct        float64 `json:"volatility_pct"`
	VolatilityMultiplier float64 `json:"volatility_multiplier"`
	VolatilityAdjusted   float64 `json:"volatility_adjusted"`

	RecommendedLeverage float64 `json:"recommended_leverage"`
	MaxAllowedLeverage  float64 `json:"max_allowed_leverage"`
	Action              Action  `json:"action"`

	LiquidationPriceLong   float64 `json:"liquidation_price_long"`
	LiquidationPriceShort  float64 `json:"liquidation_price_short"`
	LiquidationDistancePct float64 `json:"liquidation_distance_pct"`

	Warnings []string `json:"warnings"`
	Reasons  []string `json:"reasons"`
}

// Calculator is stateless after construction and safe for concurrent use.
type Calculator struct {
	cfg Config
}

// NewCalculator applies defaults to cfg, validates it and returns a calculator.
func NewCalculator(cfg Config) (*Calculator, error) {
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.AssetTiers == nil {
		cfg.AssetTiers = defaultAssetTiers
	}
	return &Calculator{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (c *Calculator) Config() Config {
	return c.cfg
}

// Tier resolves the asset tier of symbol: explicit symbol overrides first,
// then the base-asset table, else tier 4.
func (c *Calculator) Tier(symbol string) int {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if t, ok := c.cfg.SymbolTiers[sym]; ok {
		return t
	}
	if t, ok := c.cfg.AssetTiers[baseAsset(sym)]; ok {
		return t
	}
	return 4
}

// TierMax returns the configured max leverage of a tier.
func (c *Calculator) TierMax(tier int) float64 {
	switch tier {
	case 1:
		return c.cfg.Tiers.Tier1
	case 2:
		return c.cfg.Tiers.Tier2
	case 3:
		return c.cfg.Tiers.Tier3
	default:
		return c.cfg.Tiers.Tier4
	}
}

// RegimeMultiplier returns the multiplier for r; an unknown regime is neutral (1.0).
func (c *Calculator) RegimeMultiplier(r market.Regime) float64 {
	switch r {
	case market.RegimeStrongTrend:
		return c.cfg.Regimes.StrongTrend
	case market.RegimeWeakTrend:
		return c.cfg.Regimes.WeakTrend
	case market.RegimeNeutral:
		return c.cfg.Regimes.Neutral
	case market.RegimeChop:
		return c.cfg.Regimes.Chop
	case market.RegimeVolatile:
		return c.cfg.Regimes.Volatile
	default:
		return 1.0
	}
}

// VolatilityMultiplier maps ATR% onto [high, low] multipliers, interpolating
// linearly between the thresholds so leverage falls as volatility rises.
func (c *Calculator) VolatilityMultiplier(atrPct float64) float64 {
	lo, hi := c.cfg.LowVolThresholdPct, c.cfg.HighVolThresholdPct
	switch {
	case atrPct <= lo:
		return c.cfg.LowVolMultiplier
	case atrPct >= hi:
		return c.cfg.HighVolMultiplier
	default:
		frac := (atrPct - lo) / (hi - lo)
		return c.cfg.LowVolMultiplier + frac*(c.cfg.HighVolMultiplier-c.cfg.LowVolMultiplier)
	}
}

// Calculate runs the ordered pipeline tier -> regime -> volatility -> clamp ->
// liquidation distance -> exposure -> requested leverage. It never fails;
// unusable input produces a Blocked result.
func (c *Calculator) Calculate(req Request) Result {
	res := Result{Symbol: strings.ToUpper(req.Symbol)}

	if !validPrice(req.EntryPrice) {
		res.Action = Blocked
		res.LiquidationDistancePct = 100
		res.Warnings = append(res.Warnings, fmt.Sprintf("invalid entry price %v", req.EntryPrice))
		res.Reasons = append(res.Reasons, "blocked: entry price must be positive")
		return res
	}

	// 1. tier
	res.Tier = c.Tier(req.Symbol)
	res.TierMaxLeverage = c.TierMax(res.Tier)
	res.Reasons = append(res.Reasons, fmt.Sprintf("tier %d max %.2fx", res.Tier, res.TierMaxLeverage))

	// 2. regime
	res.RegimeMultiplier = c.RegimeMultiplier(req.Regime)
	res.RegimeAdjusted = res.TierMaxLeverage * res.RegimeMultiplier
	if res.RegimeMultiplier != 1.0 {
		res.Reasons = append(res.Reasons, fmt.Sprintf("regime %s x%.2f -> %.2fx", req.Regime, res.RegimeMultiplier, res.RegimeAdjusted))
	}

	// 3. volatility
	res.VolatilityMultiplier = 1.0
	if req.ATR > 0 && !math.IsInf(req.ATR, 0) {
		res.VolatilityPct = req.ATR / req.EntryPrice * 100
		res.VolatilityMultiplier = c.VolatilityMultiplier(res.VolatilityPct)
	}
	res.VolatilityAdjusted = res.RegimeAdjusted * res.VolatilityMultiplier
	if res.VolatilityMultiplier != 1.0 {
		res.Reasons = append(res.Reasons, fmt.Sprintf("volatility %.2f%% x%.2f -> %.2fx", res.VolatilityPct, res.VolatilityMultiplier, res.VolatilityAdjusted))
	}

	// 4. clamp
	limit := clamp(res.VolatilityAdjusted, c.cfg.MinLeverage, c.cfg.MaxLeverageGlobal)
	if limit != res.VolatilityAdjusted {
		res.Reasons = append(res.Reasons, fmt.Sprintf("clamped to [%.2f, %.2f] -> %.2fx", c.cfg.MinLeverage, c.cfg.MaxLeverageGlobal, limit))
	}

	// 5-6. liquidation distance
	if 100/limit < c.cfg.MinLiquidationDistancePct {
		reduced := math.Max(maxLeverageForDistance(c.cfg.MinLiquidationDistancePct), c.cfg.MinLeverage)
		res.Warnings = append(res.Warnings, fmt.Sprintf("liquidation distance %.2f%% below minimum %.2f%%, leverage reduced %.2fx -> %.2fx",
			100/limit, c.cfg.MinLiquidationDistancePct, limit, reduced))
		res.Reasons = append(res.Reasons, fmt.Sprintf("liquidation distance floor %.2f%% -> %.2fx", c.cfg.MinLiquidationDistancePct, reduced))
		limit = reduced
	}
	res.MaxAllowedLeverage = limit

	// 7. exposure
	if req.AccountBalance > 0 && req.CurrentExposure > 0 {
		exposurePct := req.CurrentExposure / req.AccountBalance * 100
		if exposurePct >= c.cfg.MaxDailyExposurePct {
			res.Action = Blocked
			res.RecommendedLeverage = 0
			res.Warnings = append(res.Warnings, fmt.Sprintf("exposure %.2f%% of balance reached limit %.2f%%", exposurePct, c.cfg.MaxDailyExposurePct))
			res.Reasons = append(res.Reasons, "blocked: daily exposure limit")
			res.setLiquidation(req.EntryPrice, 1)
			return res
		}
	}

	// 8. requested leverage
	switch {
	case req.RequestedLeverage > limit:
		res.Action = Reduced
		res.RecommendedLeverage = limit
		res.Warnings = append(res.Warnings, fmt.Sprintf("requested %.2fx exceeds limit %.2fx", req.RequestedLeverage, limit))
		res.Reasons = append(res.Reasons, fmt.Sprintf("requested %.2fx reduced to %.2fx", req.RequestedLeverage, limit))
	case req.RequestedLeverage > 0:
		res.Action = Approved
		res.RecommendedLeverage = math.Max(req.RequestedLeverage, c.cfg.MinLeverage)
		if res.RecommendedLeverage != req.RequestedLeverage {
			res.Reasons = append(res.Reasons, fmt.Sprintf("requested %.2fx raised to minimum %.2fx", req.RequestedLeverage, c.cfg.MinLeverage))
		}
	default:
		res.Action = Approved
		res.RecommendedLeverage = limit
	}
	res.setLiquidation(req.EntryPrice, res.RecommendedLeverage)
	return res
}

// ValidationResult is the outcome of ValidateLeverage.
type ValidationResult struct {
	OK               bool     `json:"ok"`
	Reason           string   `json:"reason,omitempty"`
	Warnings         []string `json:"warnings"`
	LiquidationPrice float64  `json:"liquidation_price"`
	SLDistancePct    float64  `json:"sl_distance_pct"`
	MaxSLDistancePct float64  `json:"max_sl_distance_pct"`
}

// ValidateLeverage checks a stop-loss against the liquidation price of a
// position opened at entryPrice with the given leverage.
func (c *Calculator) ValidateLeverage(lev float64, symbol string, entryPrice, slPrice float64, side market.Side) ValidationResult {
	var res ValidationResult
	if !validPrice(lev) || !validPrice(entryPrice) || !validPrice(slPrice) {
		res.Reason = "invalid input: leverage, entry and stop must be positive"
		return res
	}
	if lev > c.cfg.MaxLeverageGlobal {
		res.Reason = fmt.Sprintf("leverage %.2fx exceeds global cap %.2fx", lev, c.cfg.MaxLeverageGlobal)
		return res
	}
	if tierMax := c.TierMax(c.Tier(symbol)); lev > tierMax {
		res.Warnings = append(res.Warnings, fmt.Sprintf("leverage %.2fx exceeds tier %d max %.2fx", lev, c.Tier(symbol), tierMax))
	}

	liqDist := 100 / lev
	res.MaxSLDistancePct = liqDist / c.cfg.LiquidationBufferMultiplier
	res.SLDistancePct = math.Abs(entryPrice-slPrice) / entryPrice * 100

	switch side {
	case market.Long:
		res.LiquidationPrice = entryPrice * (1 - 1/lev)
		if slPrice >= entryPrice {
			res.Reason = fmt.Sprintf("stop %.4f must be below entry %.4f for a long", slPrice, entryPrice)
			return res
		}
		if slPrice <= res.LiquidationPrice {
			res.Reason = fmt.Sprintf("stop %.4f is at or below liquidation %.4f", slPrice, res.LiquidationPrice)
			return res
		}
	case market.Short:
		res.LiquidationPrice = entryPrice * (1 + 1/lev)
		if slPrice <= entryPrice {
			res.Reason = fmt.Sprintf("stop %.4f must be above entry %.4f for a short", slPrice, entryPrice)
			return res
		}
		if slPrice >= res.LiquidationPrice {
			res.Reason = fmt.Sprintf("stop %.4f is at or above liquidation %.4f", slPrice, res.LiquidationPrice)
			return res
		}
	default:
		res.Reason = fmt.Sprintf("invalid side %q", side)
		return res
	}

	if res.SLDistancePct >= res.MaxSLDistancePct {
		res.Reason = fmt.Sprintf("stop distance %.2f%% too close to liquidation (max %.2f%% at %.2fx with buffer %.2f)",
			res.SLDistancePct, res.MaxSLDistancePct, lev, c.cfg.LiquidationBufferMultiplier)
		return res
	}
	res.OK = true
	return res
}

// SafeLeverageForSL returns the largest whole leverage for which a stop at
// slPrice stays strictly inside the liquidation buffer, capped by the
// liquidation floor, tier and global limits. Unusable input yields the
// minimum leverage.
func (c *Calculator) SafeLeverageForSL(entryPrice, slPrice float64, symbol string) float64 {
	if !validPrice(entryPrice) || !validPrice(slPrice) || entryPrice == slPrice {
		return c.cfg.MinLeverage
	}
	slDist := math.Abs(entryPrice-slPrice) / entryPrice * 100
	raw := 100 / (slDist * c.cfg.LiquidationBufferMultiplier)
	lev := math.Ceil(raw) - 1

	lev = math.Min(lev, math.Floor(maxLeverageForDistance(c.cfg.MinLiquidationDistancePct)))
	lev = math.Min(lev, math.Floor(c.TierMax(c.Tier(symbol))))
	lev = math.Min(lev, math.Floor(c.cfg.MaxLeverageGlobal))
	return math.Max(lev, c.cfg.MinLeverage)
}

func (r *Result) setLiquidation(entry, lev float64) {
	r.LiquidationPriceLong = entry * (1 - 1/lev)
	r.LiquidationPriceShort = entry * (1 + 1/lev)
	r.LiquidationDistancePct = 100 / lev
}

// maxLeverageForDistance is the largest leverage, rounded down to 0.01,
// whose liquidation distance is at least minDist.
func maxLeverageForDistance(minDist float64) float64 {
	return math.Floor(100/minDist*100+1e-9) / 100
}

func validPrice(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
