package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"trading-bot/internal/indicators"
	"trading-bot/internal/leverage"
	"trading-bot/internal/lifecycle"
	"trading-bot/internal/risk"
)

var validate = validator.New()

// Strategy is the YAML strategy file: every tunable of the decision pipeline.
type Strategy struct {
	Leverage   leverage.Config     `yaml:"leverage" json:"leverage"`
	Lifecycle  lifecycle.Config    `yaml:"lifecycle" json:"lifecycle"`
	Trailing   risk.TrailingConfig `yaml:"trailing" json:"trailing"`
	Indicators indicators.Settings `yaml:"indicators" json:"indicators"`
	Risk       risk.Limits         `yaml:"risk" json:"risk"`
}

// DefaultStrategy returns the built-in strategy settings.
func DefaultStrategy() Strategy {
	s, _ := ParseStrategy(nil)
	return s
}

// LoadStrategyFile reads and validates a strategy file. An empty path yields
// the defaults.
func LoadStrategyFile(path string) (Strategy, error) {
	if path == "" {
		return ParseStrategy(nil)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Strategy{}, fmt.Errorf("read strategy file: %w", err)
	}
	s, err := ParseStrategy(raw)
	if err != nil {
		return Strategy{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseStrategy decodes YAML, fills defaults and validates every section.
// Unknown keys are rejected.
func ParseStrategy(raw []byte) (Strategy, error) {
	s := Strategy{Risk: risk.DefaultLimits()}
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
			return Strategy{}, fmt.Errorf("decode strategy: %w", err)
		}
	}
	if err := defaults.Set(&s); err != nil {
		return Strategy{}, fmt.Errorf("strategy defaults: %w", err)
	}
	if err := s.Leverage.ApplyDefaults(); err != nil {
		return Strategy{}, err
	}
	if s.Trailing.Mode == "" {
		s.Trailing = risk.DefaultTrailingConfig()
	}
	if s.Indicators.FastEMA == 0 {
		s.Indicators = indicators.DefaultSettings()
	}
	if err := s.Validate(); err != nil {
		return Strategy{}, err
	}
	return s, nil
}

// Validate checks every section, including the cross-field rules.
func (s *Strategy) Validate() error {
	if err := s.Leverage.Validate(); err != nil {
		return err
	}
	if err := s.Lifecycle.Validate(); err != nil {
		return err
	}
	if err := validate.Struct(s.Trailing); err != nil {
		return fmt.Errorf("trailing config: %w", err)
	}
	if err := validate.Struct(s.Indicators); err != nil {
		return fmt.Errorf("indicator settings: %w", err)
	}
	if err := validate.Struct(s.Risk); err != nil {
		return fmt.Errorf("risk limits: %w", err)
	}
	return nil
}

// ApplyEnv overlays the risk settings taken from the environment.
func (s *Strategy) ApplyEnv(c *Config) {
	if c == nil {
		return
	}
	if _, ok := os.LookupEnv("MAX_LOSS_PER_DAY"); ok {
		s.Risk.MaxLossPerDay = c.MaxLossPerDay
	}
	if _, ok := os.LookupEnv("MAX_DRAWDOWN_PERCENT"); ok {
		s.Risk.MaxDrawdownPercent = c.MaxDrawdownPercent
	}
	if _, ok := os.LookupEnv("MAX_CONSECUTIVE_LOSSES"); ok {
		s.Risk.MaxConsecutiveLosses = c.MaxConsecutiveLosses
	}
	s.Risk.InitialEquity = c.InitialBalance
}
