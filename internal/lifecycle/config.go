package lifecycle

import (
	"fmt"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config tunes entries, confirmation, sizing and exits.
type Config struct {
	MinScore       float64 `yaml:"min_score" json:"min_score" default:"0.5" validate:"gte=0,lte=1"`
	ImmediateScore float64 `yaml:"immediate_score" json:"immediate_score" default:"0.85" validate:"gte=0,lte=1"`
	ConfirmBars    int     `yaml:"confirm_bars" json:"confirm_bars" default:"1" validate:"gte=1"`
	MaxSignalBars  int     `yaml:"max_signal_bars" json:"max_signal_bars" default:"3" validate:"gtefield=ConfirmBars"`

	ADXEntryMin   float64 `yaml:"adx_entry_min" json:"adx_entry_min" default:"20" validate:"gte=0"`
	RSIOversold   float64 `yaml:"rsi_oversold" json:"rsi_oversold" default:"30" validate:"gt=0,lt=50"`
	RSIOverbought float64 `yaml:"rsi_overbought" json:"rsi_overbought" default:"70" validate:"gt=50,lt=100"`

	StopATRMultiple   float64 `yaml:"stop_atr_multiple" json:"stop_atr_multiple" default:"2.0" validate:"gt=0"`
	DefaultStopPct    float64 `yaml:"default_stop_pct" json:"default_stop_pct" default:"2.0" validate:"gt=0,lt=100"`
	RiskPerTradePct   float64 `yaml:"risk_per_trade_pct" json:"risk_per_trade_pct" default:"1.0" validate:"gt=0,lte=100"`
	MaxMarginFraction float64 `yaml:"max_margin_fraction" json:"max_margin_fraction" default:"0.5" validate:"gt=0,lte=1"`
	FeeRate           float64 `yaml:"fee_rate" json:"fee_rate" default:"0.0004" validate:"gte=0,lt=0.1"`

	RSIExitLong  float64 `yaml:"rsi_exit_long" json:"rsi_exit_long" default:"80" validate:"gt=50,lte=100"`
	RSIExitShort float64 `yaml:"rsi_exit_short" json:"rsi_exit_short" default:"20" validate:"gte=0,lt=50"`
	// DisableMACDExit keeps MACD exits as notifications only.
	DisableMACDExit bool `yaml:"disable_macd_exit" json:"disable_macd_exit"`
	DisableTrailing bool `yaml:"disable_trailing" json:"disable_trailing"`
}

// DefaultConfig returns a config with every default applied.
func DefaultConfig() Config {
	var cfg Config
	_ = defaults.Set(&cfg)
	return cfg
}

// Validate applies defaults and checks ranges.
func (c *Config) Validate() error {
	if err := defaults.Set(c); err != nil {
		return fmt.Errorf("lifecycle config defaults: %w", err)
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("lifecycle config: %w", err)
	}
	if c.ImmediateScore < c.MinScore {
		return fmt.Errorf("lifecycle config: immediate_score %.2f below min_score %.2f", c.ImmediateScore, c.MinScore)
	}
	return nil
}
