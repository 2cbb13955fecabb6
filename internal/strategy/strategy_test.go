package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poorman/gapbot/internal/bar"
	"github.com/poorman/gapbot/internal/broker"
	"github.com/poorman/gapbot/internal/indicator"
)

func defaultParams() Params {
	return Params{
		MinGapPct:         0.75,
		MaxGapPct:         20.0,
		MinVolumeRatio:    1.5,
		ATRStopMult:       1.5,
		MinStopDollars:    0.30,
		MinStopPct:        1.2,
		TargetMult:        2.5,
		RiskPerTrade:      100,
		PerSymbolNotional: 10000,
	}
}

func TestComputeGap_DirectionAndPct(t *testing.T) {
	g := ComputeGap("AAPL", 98.00, 100.00)
	assert.InDelta(t, 2.0408, g.GapPct, 1e-3)
	assert.Equal(t, GapUp, g.Direction)
}

func TestEvaluate_RejectsOutsideGapBand(t *testing.T) {
	gap := ComputeGap("AAPL", 100, 100.2) // 0.2% gap, below 0.75% floor
	_, ok := Evaluate(gap, nil, indicator.Snapshot{}, bar.Quote{Last: 100.2}, defaultParams())
	assert.False(t, ok)
}

func TestEvaluate_RejectsBelowVolumeRatioRegardlessOfOtherScore(t *testing.T) {
	gap := ComputeGap("AAPL", 98, 100)
	snap := indicator.Snapshot{
		RSI14:                 30,
		VWAP:                  100,
		MACDLine:               1,
		MACDSignal:             0.5,
		MACDHist:               0.5,
		CumulativeVolumeRatio:  1.0, // below the 1.5 mandatory minimum
		ATR14:                  1.0,
	}
	quote := bar.Quote{Last: 100}
	_, ok := Evaluate(gap, nil, snap, quote, defaultParams())
	assert.False(t, ok)
}

func TestEvaluate_AcceptsStrongLongSetup(t *testing.T) {
	gap := ComputeGap("AAPL", 98.00, 100.00)
	snap := indicator.Snapshot{
		RSI14:                 30, // +2
		VWAP:                  100.5, // within 1.5% of last -> +2
		MACDLine:               1.2,
		MACDSignal:             0.8, // bullish crossover -> +3
		MACDHist:               0.4,
		Support20:              99,
		Resistance20:           105,
		CumulativeVolumeRatio:  2.0, // +1
		ATR14:                  1.00,
	}
	quote := bar.Quote{Last: 100.00, Symbol: "AAPL", Timestamp: time.Now()}

	setup, ok := Evaluate(gap, nil, snap, quote, defaultParams())
	require.True(t, ok)
	require.NotNil(t, setup)
	assert.Equal(t, broker.SideLong, setup.Side)
	// stop_distance = max(1.5*1.00, max(0.30, 1.2%*100=1.20)) = 1.5
	assert.InDelta(t, 1.5, setup.StopDistanceDollars, 1e-9)
	assert.InDelta(t, 98.50, setup.StopPrice, 1e-9)
	assert.InDelta(t, 103.75, setup.TargetPrice, 1e-9)
	assert.GreaterOrEqual(t, setup.SignalStrength, acceptThreshold)
}

func TestEvaluate_RejectsWhenSizeRoundsToZero(t *testing.T) {
	gap := ComputeGap("BRK.A", 98, 100)
	snap := indicator.Snapshot{
		RSI14:                 30,
		VWAP:                  100.5,
		MACDLine:               1.2,
		MACDSignal:             0.8,
		CumulativeVolumeRatio:  2.0,
		ATR14:                  50.0, // huge ATR -> huge stop distance
	}
	quote := bar.Quote{Last: 100}
	p := defaultParams()
	p.RiskPerTrade = 10 // too small to afford even one share at this stop distance
	_, ok := Evaluate(gap, nil, snap, quote, p)
	assert.False(t, ok)
}

func TestStopDistanceFor_UsesFloorWhenATRIsTiny(t *testing.T) {
	// ATR=0.04, entry=24.65 -> atr_component=0.06,
	// min_component=max(0.30, 1.2%*24.65=0.2958)=0.30, so floor wins.
	d := stopDistanceFor(0.04, 24.65, defaultParams())
	assert.InDelta(t, 0.30, d, 1e-9)
}
