package lifecycle

import (
	"math"

	"trading-bot/internal/market"
)

// Profile is the entry strategy chosen for the current period.
type Profile string

const (
	ProfileTrend     Profile = "trend"
	ProfileReversion Profile = "reversion"
	ProfileStandby   Profile = "standby"
)

// StrategySelector picks the entry profile while flat.
type StrategySelector interface {
	Select(fv market.FeatureVector, regime market.Regime) Profile
}

// RegimeSelector trades trends with MACD crossovers, ranges with RSI
// reversion and stands aside in volatile or unknown markets.
type RegimeSelector struct{}

func (RegimeSelector) Select(_ market.FeatureVector, regime market.Regime) Profile {
	switch regime {
	case market.RegimeStrongTrend, market.RegimeWeakTrend:
		return ProfileTrend
	case market.RegimeNeutral, market.RegimeChop:
		return ProfileReversion
	default:
		return ProfileStandby
	}
}

// entrySignal is a candidate entry found while flat.
type entrySignal struct {
	side    market.Side
	score   float64
	reasons []string
}

func evaluateEntry(p Profile, fv market.FeatureVector, cfg Config) (entrySignal, bool) {
	switch p {
	case ProfileTrend:
		if fv.ADX < cfg.ADXEntryMin {
			return entrySignal{}, false
		}
		strength := math.Min((fv.ADX-cfg.ADXEntryMin)/40, 0.3)
		switch {
		case fv.BullishCross():
			score := 0.5 + strength
			if fv.EMAFast > fv.EMASlow {
				score += 0.2
			}
			return entrySignal{side: market.Long, score: math.Min(score, 1), reasons: []string{"macd_bull_cross", "adx_trend"}}, true
		case fv.BearishCross():
			score := 0.5 + strength
			if fv.EMAFast < fv.EMASlow {
				score += 0.2
			}
			return entrySignal{side: market.Short, score: math.Min(score, 1), reasons: []string{"macd_bear_cross", "adx_trend"}}, true
		}
	case ProfileReversion:
		switch {
		case fv.RSI > 0 && fv.RSI <= cfg.RSIOversold:
			score := 0.5 + (cfg.RSIOversold-fv.RSI)/cfg.RSIOversold
			return entrySignal{side: market.Long, score: math.Min(score, 1), reasons: []string{"rsi_oversold"}}, true
		case fv.RSI >= cfg.RSIOverbought:
			score := 0.5 + (fv.RSI-cfg.RSIOverbought)/(100-cfg.RSIOverbought)
			return entrySignal{side: market.Short, score: math.Min(score, 1), reasons: []string{"rsi_overbought"}}, true
		}
	}
	return entrySignal{}, false
}
