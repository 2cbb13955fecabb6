// Package bar defines the OHLCV bar and quote value types shared across
// the market data, indicator, and strategy layers.
package bar

import "time"

// Bar is a single OHLCV candle. Immutable once observed.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Quote is a last-trade snapshot, TTL-cached by the market data provider.
type Quote struct {
	Symbol    string
	Last      float64
	Timestamp time.Time
}

// Typical returns the typical price (H+L+C)/3 used by VWAP.
func (b Bar) Typical() float64 {
	return (b.High + b.Low + b.Close) / 3
}

// Ascending reports whether bars are in strict ascending timestamp order
// with no duplicate timestamps. Used to validate provider output before
// indicators are computed over it.
func Ascending(bars []Bar) bool {
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return false
		}
	}
	return true
}
