// Package indicator implements pure, side-effect-free technical indicators
// over a bar series: EMA, RSI(14), ATR(14), MACD(12/26/9) with divergence
// detection, VWAP, rolling support/resistance, and cumulative volume ratio.
//
// All functions are generalized from the single-value helpers in a typical
// retail trading bot (calculateEMA/calculateRSI/calculateATR/calculateMACD)
// to return a full aligned series, since divergence detection needs history,
// not just the latest value.
package indicator

import "github.com/poorman/gapbot/internal/bar"

// Divergence classifies MACD histogram confirmation of a price extreme.
type Divergence string

const (
	DivergenceNone     Divergence = "none"
	DivergenceBullish  Divergence = "bullish"
	DivergenceBearish  Divergence = "bearish"
	divergenceWindow              = 20
)

// Snapshot is the derived indicator bundle for a symbol at the latest bar.
// Never persisted — recomputed on demand from the underlying bar series.
type Snapshot struct {
	RSI14                 float64
	ATR14                 float64
	MACDLine              float64
	MACDSignal            float64
	MACDHist              float64
	MACDDivergence        Divergence
	VWAP                  float64
	Support20             float64
	Resistance20          float64
	AvgVolume20           float64
	CumulativeVolumeRatio float64
}

// EMA returns the exponential moving average series for the given period.
// Entries before the period-th bar are seeded with an SMA, matching the
// teacher's "SMA as initial EMA, then roll forward" construction. Len(out)
// == len(bars); entries before index period-1 hold the partial SMA value.
func EMA(bars []bar.Bar, period int) []float64 {
	out := make([]float64, len(bars))
	if period <= 0 || len(bars) == 0 {
		return out
	}
	if len(bars) < period {
		// Not enough history for a full seed: fall back to a running mean.
		sum := 0.0
		for i, b := range bars {
			sum += b.Close
			out[i] = sum / float64(i+1)
		}
		return out
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += bars[i].Close
		out[i] = sum / float64(i+1)
	}
	ema := sum / float64(period)
	out[period-1] = ema
	mult := 2.0 / float64(period+1)
	for i := period; i < len(bars); i++ {
		ema = (bars[i].Close-ema)*mult + ema
		out[i] = ema
	}
	return out
}

// RSI14 returns the Wilder-smoothed 14-period RSI series. Values before
// index 14 are undefined and reported as 0; callers must not treat index
// < 14 as meaningful.
func RSI14(bars []bar.Bar) []float64 {
	return rsi(bars, 14)
}

func rsi(bars []bar.Bar, period int) []float64 {
	out := make([]float64, len(bars))
	if len(bars) <= period {
		return out
	}

	gains, losses := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := bars[i].Close - bars[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(bars); i++ {
		change := bars[i].Close - bars[i-1].Close
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ATR14 returns the Wilder-smoothed 14-period average true range series.
// Undefined (0) before index 14.
func ATR14(bars []bar.Bar) []float64 {
	return atr(bars, 14)
}

func atr(bars []bar.Bar, period int) []float64 {
	out := make([]float64, len(bars))
	if len(bars) <= period {
		return out
	}

	trueRange := make([]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		trueRange[i] = trueRangeAt(bars, i)
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += trueRange[i]
	}
	atrVal := sum / float64(period)
	out[period] = atrVal

	for i := period + 1; i < len(bars); i++ {
		atrVal = (atrVal*float64(period-1) + trueRange[i]) / float64(period)
		out[i] = atrVal
	}
	return out
}

func trueRangeAt(bars []bar.Bar, i int) float64 {
	high, low, prevClose := bars[i].High, bars[i].Low, bars[i-1].Close
	tr1 := high - low
	tr2 := abs(high - prevClose)
	tr3 := abs(low - prevClose)
	return max3(tr1, tr2, tr3)
}

// MACD returns the MACD line, signal line, and histogram series for the
// standard 12/26/9 configuration.
func MACD(bars []bar.Bar) (line, signal, hist []float64) {
	ema12 := EMA(bars, 12)
	ema26 := EMA(bars, 26)
	line = make([]float64, len(bars))
	for i := range bars {
		line[i] = ema12[i] - ema26[i]
	}
	signal = emaOfSeries(line, 9)
	hist = make([]float64, len(bars))
	for i := range bars {
		hist[i] = line[i] - signal[i]
	}
	return line, signal, hist
}

// emaOfSeries computes an EMA over an arbitrary float series (used for the
// MACD signal line, which is an EMA of the MACD line rather than of price).
func emaOfSeries(series []float64, period int) []float64 {
	out := make([]float64, len(series))
	if len(series) == 0 {
		return out
	}
	if len(series) < period {
		sum := 0.0
		for i, v := range series {
			sum += v
			out[i] = sum / float64(i+1)
		}
		return out
	}
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += series[i]
		out[i] = sum / float64(i+1)
	}
	ema := sum / float64(period)
	out[period-1] = ema
	mult := 2.0 / float64(period+1)
	for i := period; i < len(series); i++ {
		ema = (series[i]-ema)*mult + ema
		out[i] = ema
	}
	return out
}

// MACDDivergenceOver scans the last `divergenceWindow` bars (20) for
// regular divergence: a price extreme not confirmed by the MACD
// histogram extreme over the same window.
func MACDDivergenceOver(bars []bar.Bar, hist []float64) Divergence {
	n := len(bars)
	if n < divergenceWindow {
		return DivergenceNone
	}
	start := n - divergenceWindow

	priceLowIdx, priceHighIdx := start, start
	for i := start; i < n; i++ {
		if bars[i].Low < bars[priceLowIdx].Low {
			priceLowIdx = i
		}
		if bars[i].High > bars[priceHighIdx].High {
			priceHighIdx = i
		}
	}

	histLowIdx, histHighIdx := start, start
	for i := start; i < n; i++ {
		if hist[i] < hist[histLowIdx] {
			histLowIdx = i
		}
		if hist[i] > hist[histHighIdx] {
			histHighIdx = i
		}
	}

	// Bullish: price makes its window low on the latest bar while the
	// histogram's window low came earlier and the histogram at the price
	// low sits above it — momentum failing to confirm the new price low.
	if priceLowIdx > histLowIdx && hist[priceLowIdx] > hist[histLowIdx] && priceLowIdx == n-1 {
		return DivergenceBullish
	}
	// Bearish: price makes its window high on the latest bar while the
	// histogram's window high came earlier and the histogram at the price
	// high sits below it.
	if priceHighIdx > histHighIdx && hist[priceHighIdx] < hist[histHighIdx] && priceHighIdx == n-1 {
		return DivergenceBearish
	}
	return DivergenceNone
}

// VWAP returns the session-cumulative volume-weighted average price series:
// cumsum(typical*volume) / cumsum(volume) since the first bar supplied
// (callers pass only the current session's bars).
func VWAP(bars []bar.Bar) []float64 {
	out := make([]float64, len(bars))
	cumPV, cumV := 0.0, 0.0
	for i, b := range bars {
		cumPV += b.Typical() * b.Volume
		cumV += b.Volume
		if cumV > 0 {
			out[i] = cumPV / cumV
		}
	}
	return out
}

// SupportResistance20 returns (min low, max high) over the last 20 bars
// (or fewer if the series is shorter).
func SupportResistance20(bars []bar.Bar) (support, resistance float64) {
	n := len(bars)
	if n == 0 {
		return 0, 0
	}
	window := 20
	if n < window {
		window = n
	}
	start := n - window
	support, resistance = bars[start].Low, bars[start].High
	for i := start + 1; i < n; i++ {
		if bars[i].Low < support {
			support = bars[i].Low
		}
		if bars[i].High > resistance {
			resistance = bars[i].High
		}
	}
	return support, resistance
}

// AvgVolume20 returns the mean volume over the last 20 bars (or fewer).
func AvgVolume20(bars []bar.Bar) float64 {
	n := len(bars)
	if n == 0 {
		return 0
	}
	window := 20
	if n < window {
		window = n
	}
	sum := 0.0
	for i := n - window; i < n; i++ {
		sum += bars[i].Volume
	}
	return sum / float64(window)
}

// CumulativeVolumeRatio computes cumulative session volume so far divided
// by the most recent 20-bar average volume scaled by the fraction of the
// window elapsed. This approximates "cumulative volume vs. the same
// time-of-day average" without requiring multi-day session alignment data.
func CumulativeVolumeRatio(sessionBars []bar.Bar, recentBars []bar.Bar, sessionLengthBars int) float64 {
	if len(sessionBars) == 0 || sessionLengthBars <= 0 {
		return 0
	}
	cum := 0.0
	for _, b := range sessionBars {
		cum += b.Volume
	}
	avg20 := AvgVolume20(recentBars)
	if avg20 <= 0 {
		return 0
	}
	elapsedFrac := float64(len(sessionBars)) / float64(sessionLengthBars)
	if elapsedFrac <= 0 {
		return 0
	}
	expected := avg20 * float64(sessionLengthBars) * elapsedFrac
	if expected <= 0 {
		return 0
	}
	return cum / expected
}

// ComputeSnapshot assembles the full indicator bundle for a symbol's current
// session, as consumed by the strategy evaluator.
func ComputeSnapshot(sessionBars []bar.Bar, recentBars []bar.Bar, sessionLengthBars int) Snapshot {
	rsiSeries := RSI14(recentBars)
	atrSeries := ATR14(recentBars)
	line, signal, hist := MACD(recentBars)
	vwapSeries := VWAP(sessionBars)
	support, resistance := SupportResistance20(recentBars)

	last := func(s []float64) float64 {
		if len(s) == 0 {
			return 0
		}
		return s[len(s)-1]
	}

	snap := Snapshot{
		RSI14:                 last(rsiSeries),
		ATR14:                 last(atrSeries),
		MACDLine:              last(line),
		MACDSignal:            last(signal),
		MACDHist:              last(hist),
		MACDDivergence:        MACDDivergenceOver(recentBars, hist),
		Support20:             support,
		Resistance20:          resistance,
		AvgVolume20:           AvgVolume20(recentBars),
		CumulativeVolumeRatio: CumulativeVolumeRatio(sessionBars, recentBars, sessionLengthBars),
	}
	if len(vwapSeries) > 0 {
		snap.VWAP = vwapSeries[len(vwapSeries)-1]
	}
	return snap
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func max3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}
