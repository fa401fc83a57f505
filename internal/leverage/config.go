package leverage

import (
	"fmt"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// TierLimits is the max leverage per asset tier (1 = majors ... 4 = everything else).
type TierLimits struct {
	Tier1 float64 `yaml:"tier1" json:"tier1" default:"50" validate:"gt=0"`
	Tier2 float64 `yaml:"tier2" json:"tier2" default:"25" validate:"gt=0"`
	Tier3 float64 `yaml:"tier3" json:"tier3" default:"15" validate:"gt=0"`
	Tier4 float64 `yaml:"tier4" json:"tier4" default:"10" validate:"gt=0"`
}

// RegimeMultipliers scale the tier limit by market regime.
type RegimeMultipliers struct {
	StrongTrend float64 `yaml:"strong_trend" json:"strong_trend" default:"1.2" validate:"gt=0"`
	WeakTrend   float64 `yaml:"weak_trend" json:"weak_trend" default:"1.0" validate:"gt=0"`
	Neutral     float64 `yaml:"neutral" json:"neutral" default:"0.8" validate:"gt=0"`
	Chop        float64 `yaml:"chop" json:"chop" default:"0.5" validate:"gt=0"`
	Volatile    float64 `yaml:"volatile" json:"volatile" default:"0.5" validate:"gt=0"`
}

// Config drives the leverage calculator.
type Config struct {
	Tiers   TierLimits        `yaml:"tiers" json:"tiers"`
	Regimes RegimeMultipliers `yaml:"regime_multipliers" json:"regime_multipliers"`

	// ATR% thresholds and the multipliers applied at either end.
	LowVolThresholdPct  float64 `yaml:"low_vol_threshold_pct" json:"low_vol_threshold_pct" default:"1.0" validate:"gt=0"`
	HighVolThresholdPct float64 `yaml:"high_vol_threshold_pct" json:"high_vol_threshold_pct" default:"5.0" validate:"gt=0"`
	LowVolMultiplier    float64 `yaml:"low_vol_multiplier" json:"low_vol_multiplier" default:"1.0" validate:"gt=0"`
	HighVolMultiplier   float64 `yaml:"high_vol_multiplier" json:"high_vol_multiplier" default:"0.5" validate:"gt=0"`

	MinLiquidationDistancePct   float64 `yaml:"min_liquidation_distance_pct" json:"min_liquidation_distance_pct" default:"2.0" validate:"gt=0,lte=100"`
	LiquidationBufferMultiplier float64 `yaml:"liquidation_buffer_multiplier" json:"liquidation_buffer_multiplier" default:"1.5" validate:"gte=1"`
	MaxDailyExposurePct         float64 `yaml:"max_daily_exposure_pct" json:"max_daily_exposure_pct" default:"200" validate:"gt=0"`
	MaxLeverageGlobal           float64 `yaml:"max_leverage_global" json:"max_leverage_global" default:"50" validate:"gte=1"`
	MinLeverage                 float64 `yaml:"min_leverage" json:"min_leverage" default:"1" validate:"gte=1"`

	// SymbolTiers pins full symbols (e.g. "PEPEUSDT": 4) ahead of the base-asset table.
	SymbolTiers map[string]int `yaml:"symbol_tiers" json:"symbol_tiers,omitempty" validate:"dive,keys,required,endkeys,min=1,max=4"`
	// AssetTiers replaces the built-in base-asset table when set.
	AssetTiers map[string]int `yaml:"asset_tiers" json:"asset_tiers,omitempty" validate:"dive,keys,required,endkeys,min=1,max=4"`
}

// DefaultConfig returns a config with every default applied.
func DefaultConfig() Config {
	var cfg Config
	_ = defaults.Set(&cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields from their default tags.
func (c *Config) ApplyDefaults() error {
	if err := defaults.Set(c); err != nil {
		return fmt.Errorf("leverage config defaults: %w", err)
	}
	return nil
}

// Validate checks field ranges and the cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("leverage config: %w", err)
	}
	if c.MinLeverage > c.MaxLeverageGlobal {
		return fmt.Errorf("leverage config: min_leverage %.2f exceeds max_leverage_global %.2f", c.MinLeverage, c.MaxLeverageGlobal)
	}
	if c.LowVolThresholdPct >= c.HighVolThresholdPct {
		return fmt.Errorf("leverage config: low_vol_threshold_pct %.2f must be below high_vol_threshold_pct %.2f", c.LowVolThresholdPct, c.HighVolThresholdPct)
	}
	if c.MinLiquidationDistancePct > 100/c.MinLeverage {
		return fmt.Errorf("leverage config: min_liquidation_distance_pct %.2f unreachable at min_leverage %.2f", c.MinLiquidationDistancePct, c.MinLeverage)
	}
	return nil
}

var defaultAssetTiers = map[string]int{
	"BTC": 1, "ETH": 1,
	"BNB": 2, "SOL": 2, "XRP": 2, "ADA": 2, "DOGE": 2,
	"AVAX": 3, "DOT": 3, "LINK": 3, "LTC": 3, "TRX": 3, "MATIC": 3, "ATOM": 3, "UNI": 3, "BCH": 3, "TON": 3,
}

var quoteSuffixes = []string{"USDT", "USDC", "BUSD", "FDUSD", "USD", "PERP"}

// baseAsset strips separators and a trailing quote currency: "btc/usdt" -> "BTC".
func baseAsset(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, sep := range []string{"/", "-", "_", ":"} {
		if i := strings.Index(s, sep); i > 0 {
			return s[:i]
		}
	}
	for _, q := range quoteSuffixes {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return strings.TrimSuffix(s, q)
		}
	}
	return s
}
