package indicators

import (
	"math"

	"trading-bot/internal/market"
)

func trueRange(cur, prev market.Bar) float64 {
	return math.Max(cur.High-cur.Low, math.Max(math.Abs(cur.High-prev.Close), math.Abs(cur.Low-prev.Close)))
}

// ATR is Wilder's average true range; 0 until period+1 bars are available.
func ATR(bars []market.Bar, period int) float64 {
	if period <= 0 || len(bars) < period+1 {
		return 0
	}
	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += trueRange(bars[i], bars[i-1])
	}
	atr := sum / float64(period)
	for i := period + 1; i < len(bars); i++ {
		atr = (atr*float64(period-1) + trueRange(bars[i], bars[i-1])) / float64(period)
	}
	return atr
}

// ADX is Wilder's average directional index; 0 until 2*period bars are available.
func ADX(bars []market.Bar, period int) float64 {
	if period < 2 || len(bars) < 2*period {
		return 0
	}
	n := float64(period)
	var trS, plusS, minusS float64
	dx := func() float64 {
		if trS == 0 {
			return 0
		}
		plusDI := 100 * plusS / trS
		minusDI := 100 * minusS / trS
		if plusDI+minusDI == 0 {
			return 0
		}
		return 100 * math.Abs(plusDI-minusDI) / (plusDI + minusDI)
	}

	var adx, dxSum float64
	for i := 1; i < len(bars); i++ {
		up := bars[i].High - bars[i-1].High
		down := bars[i-1].Low - bars[i].Low
		plusDM, minusDM := 0.0, 0.0
		if up > down && up > 0 {
			plusDM = up
		}
		if down > up && down > 0 {
			minusDM = down
		}
		tr := trueRange(bars[i], bars[i-1])

		if i <= period {
			trS += tr
			plusS += plusDM
			minusS += minusDM
			if i == period {
				dxSum = dx()
			}
			continue
		}
		trS = trS - trS/n + tr
		plusS = plusS - plusS/n + plusDM
		minusS = minusS - minusS/n + minusDM

		switch {
		case i < 2*period-1:
			dxSum += dx()
		case i == 2*period-1:
			dxSum += dx()
			adx = dxSum / n
		default:
			adx = (adx*(n-1) + dx()) / n
		}
	}
	return adx
}

// Swing returns the highest high and lowest low of the last lookback bars.
func Swing(bars []market.Bar, lookback int) (high, low float64) {
	if lookback <= 0 || len(bars) == 0 {
		return 0, 0
	}
	start := len(bars) - lookback
	if start < 0 {
		start = 0
	}
	high, low = bars[start].High, bars[start].Low
	for _, b := range bars[start+1:] {
		high = math.Max(high, b.High)
		low = math.Min(low, b.Low)
	}
	return high, low
}
