package indicators

import (
	"math"
	"testing"
	"time"

	"trading-bot/internal/market"
)

func TestSMA(t *testing.T) {
	tests := []struct {
		values []float64
		period int
		want   float64
	}{
		{[]float64{1, 2, 3, 4}, 2, 3.5},
		{[]float64{1, 2, 3}, 3, 2},
		{[]float64{1, 2}, 3, 0},
		{[]float64{1, 2}, 0, 0},
	}
	for _, tt := range tests {
		if got := SMA(tt.values, tt.period); got != tt.want {
			t.Errorf("SMA(%v,%d)=%v want %v", tt.values, tt.period, got, tt.want)
		}
	}
}

func TestEMAConstantSeries(t *testing.T) {
	values := make([]float64, 40)
	for i := range values {
		values[i] = 10
	}
	if got := EMA(values, 12); math.Abs(got-10) > 1e-9 {
		t.Fatalf("EMA of constant series = %v", got)
	}
	m, sig, h, ok := MACD(values, 12, 26, 9)
	if !ok || math.Abs(m) > 1e-9 || math.Abs(sig) > 1e-9 || math.Abs(h) > 1e-9 {
		t.Fatalf("MACD of constant series = %v %v %v %v", m, sig, h, ok)
	}
	if _, _, _, ok := MACD(values[:30], 12, 26, 9); ok {
		t.Fatalf("MACD needs slow+signal-1 values")
	}
}

func TestMACDRisingSeriesPositive(t *testing.T) {
	values := make([]float64, 60)
	for i := range values {
		values[i] = 100 + float64(i)
	}
	m, _, _, ok := MACD(values, 12, 26, 9)
	if !ok || m <= 0 {
		t.Fatalf("expected positive MACD on rising series, got %v", m)
	}
}

func TestRSIExtremes(t *testing.T) {
	up := []float64{1, 2, 3, 4, 5, 6}
	if got := RSI(up, 5); got != 100 {
		t.Fatalf("RSI all gains = %v", got)
	}
	down := []float64{6, 5, 4, 3, 2, 1}
	if got := RSI(down, 5); got != 0 {
		t.Fatalf("RSI all losses = %v", got)
	}
	flat := []float64{1, 1, 1, 1, 1, 1}
	if got := RSI(flat, 5); got != 50 {
		t.Fatalf("RSI flat = %v", got)
	}
	if got := RSI(up, 10); got != 0 {
		t.Fatalf("RSI short series = %v", got)
	}
}

func mkBars(n int, f func(i int) (o, h, l, c float64)) []market.Bar {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, n)
	for i := range bars {
		o, h, l, c := f(i)
		bars[i] = market.Bar{Symbol: "BTCUSDT", OpenTime: base.Add(time.Duration(i) * time.Hour), Open: o, High: h, Low: l, Close: c}
	}
	return bars
}

func TestATRConstantRange(t *testing.T) {
	bars := mkBars(30, func(i int) (float64, float64, float64, float64) { return 100, 101, 99, 100 })
	if got := ATR(bars, 14); math.Abs(got-2) > 1e-9 {
		t.Fatalf("ATR=%v want 2", got)
	}
	if got := ATR(bars[:14], 14); got != 0 {
		t.Fatalf("ATR without history = %v", got)
	}
}

func TestADXTrendVersusChop(t *testing.T) {
	trend := mkBars(60, func(i int) (float64, float64, float64, float64) {
		p := 100 + float64(i)*2
		return p, p + 1.5, p - 0.5, p + 1
	})
	chop := mkBars(60, func(i int) (float64, float64, float64, float64) {
		p := 100.0
		if i%2 == 0 {
			p = 101
		}
		return p, p + 1, p - 1, p
	})
	at, ac := ADX(trend, 14), ADX(chop, 14)
	if at < 30 {
		t.Fatalf("expected strong trend ADX, got %v", at)
	}
	if ac > 20 {
		t.Fatalf("expected weak ADX in chop, got %v", ac)
	}
	if got := ADX(trend[:27], 14); got != 0 {
		t.Fatalf("ADX without history = %v", got)
	}
}

func TestSwing(t *testing.T) {
	bars := mkBars(5, func(i int) (float64, float64, float64, float64) {
		return 10, 10 + float64(i), 10 - float64(i), 10
	})
	h, l := Swing(bars, 3)
	if h != 14 || l != 6 {
		t.Fatalf("swing=%v/%v", h, l)
	}
}

func TestClassify(t *testing.T) {
	ready := market.FeatureVector{Close: 100, Bars: 100, Warmup: 50}
	tests := []struct {
		name   string
		atrPct float64
		adx    float64
		want   market.Regime
	}{
		{"volatile wins", 6, 40, market.RegimeVolatile},
		{"strong", 1, 35, market.RegimeStrongTrend},
		{"weak", 1, 22, market.RegimeWeakTrend},
		{"neutral", 1, 17, market.RegimeNeutral},
		{"chop", 1, 10, market.RegimeChop},
	}
	for _, tt := range tests {
		fv := ready
		fv.AtrPct, fv.ADX = tt.atrPct, tt.adx
		if got := Classify(fv, 5); got != tt.want {
			t.Errorf("%s: got %s want %s", tt.name, got, tt.want)
		}
	}
	if got := Classify(market.FeatureVector{Close: 100, Bars: 3, Warmup: 50}, 5); got != market.RegimeUnknown {
		t.Fatalf("warm-up must be unknown, got %s", got)
	}
}

func TestEngineUpdate(t *testing.T) {
	e := NewEngine(Settings{})
	bars := mkBars(80, func(i int) (float64, float64, float64, float64) {
		p := 100 + float64(i)
		return p, p + 1.5, p - 0.5, p + 1
	})
	var fv market.FeatureVector
	var regime market.Regime
	for i, b := range bars {
		fv, regime = e.Update(b)
		if i < DefaultSettings().Warmup()-1 && regime != market.RegimeUnknown {
			t.Fatalf("bar %d: regime before warm-up %s", i, regime)
		}
	}
	if !fv.Ready() || fv.Bars != 80 {
		t.Fatalf("expected ready vector, got bars=%d", fv.Bars)
	}
	if fv.EMAFast <= fv.EMASlow || fv.MACD <= 0 || fv.ATR <= 0 {
		t.Fatalf("unexpected features %+v", fv)
	}
	if fv.SwingHigh != bars[78].High {
		t.Fatalf("swing high must exclude current bar: %v", fv.SwingHigh)
	}
	if regime == market.RegimeUnknown {
		t.Fatalf("expected classified regime after warm-up")
	}

	e.Reset("btcusdt")
	fv, _ = e.Update(bars[0])
	if fv.Bars != 1 {
		t.Fatalf("reset must drop history, bars=%d", fv.Bars)
	}
}
