package indicators

// SMA calculates the simple moving average for the last period values.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period)
}

// EMASeries returns the exponential moving average aligned with values.
// Entries before the seed (index period-1, an SMA) are zero.
func EMASeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	k := 2.0 / float64(period+1)
	out[period-1] = SMA(values[:period], period)
	for i := period; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// EMA returns the latest exponential moving average, or 0 without enough data.
func EMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	s := EMASeries(values, period)
	return s[len(s)-1]
}

// MACD returns the latest MACD line, signal line and histogram.
// ok is false until slow+signal-1 values are available.
func MACD(values []float64, fast, slow, signal int) (macd, sig, hist float64, ok bool) {
	if fast <= 0 || slow <= fast || signal <= 0 || len(values) < slow+signal-1 {
		return 0, 0, 0, false
	}
	fastS := EMASeries(values, fast)
	slowS := EMASeries(values, slow)
	line := make([]float64, 0, len(values)-slow+1)
	for i := slow - 1; i < len(values); i++ {
		line = append(line, fastS[i]-slowS[i])
	}
	macd = line[len(line)-1]
	sig = EMA(line, signal)
	return macd, sig, macd - sig, true
}
