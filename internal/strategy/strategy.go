// Package strategy implements the Strategy Evaluator: gap-continuation
// setup detection with a weighted signal score, stop/target construction,
// and position sizing. A symbol plus its indicator bundle feeds a closed
// arithmetic scoring decision rather than anything probabilistic.
package strategy

import (
	"math"

	"github.com/poorman/gapbot/internal/bar"
	"github.com/poorman/gapbot/internal/broker"
	"github.com/poorman/gapbot/internal/indicator"
)

// GapDirection is a closed up/down enumeration.
type GapDirection string

const (
	GapUp   GapDirection = "up"
	GapDown GapDirection = "down"
)

// GapObservation is computed once per day per symbol.
type GapObservation struct {
	Symbol    string
	PrevClose float64
	TodayOpen float64
	GapPct    float64
	Direction GapDirection
}

// ComputeGap derives a GapObservation from the prior session's close and
// today's opening print.
func ComputeGap(symbol string, prevClose, todayOpen float64) GapObservation {
	pct := (todayOpen - prevClose) / prevClose * 100
	dir := GapUp
	if pct < 0 {
		dir = GapDown
	}
	return GapObservation{
		Symbol:    symbol,
		PrevClose: prevClose,
		TodayOpen: todayOpen,
		GapPct:    pct,
		Direction: dir,
	}
}

// SetupKind names the pattern a Setup was built from.
type SetupKind string

const (
	SetupKindGapContinuation SetupKind = "gap_continuation"
)

// Setup is the immutable output of a successful evaluation; consumed by
// the Position Manager once the entry fill is observed.
type Setup struct {
	Symbol              string
	Side                broker.Side
	EntryPrice          float64
	StopPrice           float64
	TargetPrice         float64
	SizeShares          float64
	RiskDollars         float64
	StopDistanceDollars float64
	SignalStrength      int
	SetupKind           SetupKind
}

// Params bundles the configuration the evaluator needs; names mirror the
// external configuration contract's keys exactly.
type Params struct {
	MinGapPct         float64
	MaxGapPct         float64
	MinVolumeRatio    float64
	ATRStopMult       float64
	MinStopDollars    float64
	MinStopPct        float64
	TargetMult        float64
	RiskPerTrade      float64
	PerSymbolNotional float64
}

// acceptThreshold is the minimum total signal score for a Setup to be
// produced.
const acceptThreshold = 6

// Evaluate runs the full gap gate + scoring + stop/target + sizing
// pipeline for one symbol and returns a Setup, or (nil, false) on reject.
func Evaluate(gap GapObservation, recentBars []bar.Bar, snap indicator.Snapshot, lastQuote bar.Quote, p Params) (*Setup, bool) {
	absGap := math.Abs(gap.GapPct)
	if absGap < p.MinGapPct || absGap > p.MaxGapPct {
		return nil, false
	}

	side := broker.SideLong
	if gap.Direction == GapDown {
		side = broker.SideShort
	}

	score, ok := scoreSignals(side, recentBars, snap, lastQuote, p)
	if !ok || score < acceptThreshold {
		return nil, false
	}

	entry := lastQuote.Last
	stopDistance := stopDistanceFor(snap.ATR14, entry, p)

	var stop, target float64
	if side == broker.SideLong {
		stop = entry - stopDistance
		target = entry + p.TargetMult*stopDistance
	} else {
		stop = entry + stopDistance
		target = entry - p.TargetMult*stopDistance
	}

	size := math.Floor(p.RiskPerTrade / stopDistance)
	maxSizeByNotional := math.Floor(p.PerSymbolNotional / entry)
	if maxSizeByNotional < size {
		size = maxSizeByNotional
	}
	if size < 1 {
		return nil, false
	}

	return &Setup{
		Symbol:              gap.Symbol,
		Side:                side,
		EntryPrice:          entry,
		StopPrice:           stop,
		TargetPrice:         target,
		SizeShares:          size,
		RiskDollars:         size * stopDistance,
		StopDistanceDollars: stopDistance,
		SignalStrength:      score,
		SetupKind:           SetupKindGapContinuation,
	}, true
}

// stopDistanceFor constructs the stop distance: the wider of an
// ATR-scaled distance and a dollar/percentage floor.
func stopDistanceFor(atr14, entry float64, p Params) float64 {
	atrComponent := p.ATRStopMult * atr14
	minComponent := math.Max(p.MinStopDollars, p.MinStopPct/100*entry)
	return math.Max(atrComponent, minComponent)
}

// scoreSignals implements the weighted signal score. The long side is
// scored directly; the short side mirrors it with signs and RSI
// thresholds inverted.
func scoreSignals(side broker.Side, recentBars []bar.Bar, snap indicator.Snapshot, lastQuote bar.Quote, p Params) (int, bool) {
	// Mandatory volume gate — reject regardless of other points.
	if snap.CumulativeVolumeRatio < p.MinVolumeRatio {
		return 0, false
	}

	score := 2 // gap-in-band already confirmed by the caller

	if pulledBackToSupportOrVWAP(side, lastQuote.Last, snap) {
		score += 2
	}

	if macdConfirms(side, snap) {
		score += 3
	}

	rsiScore, ok := rsiPoints(side, snap.RSI14)
	if !ok {
		return 0, false
	}
	score += rsiScore

	score += 1 // volume ratio already confirmed mandatory minimum above

	return score, true
}

func pulledBackToSupportOrVWAP(side broker.Side, last float64, snap indicator.Snapshot) bool {
	nearVWAP := math.Abs(last-snap.VWAP)/snap.VWAP <= 0.015
	if side == broker.SideLong {
		nearSupport := snap.Support20 > 0 && math.Abs(last-snap.Support20)/snap.Support20 <= 0.02
		return nearVWAP || nearSupport
	}
	nearResistance := snap.Resistance20 > 0 && math.Abs(last-snap.Resistance20)/snap.Resistance20 <= 0.02
	return nearVWAP || nearResistance
}

func macdConfirms(side broker.Side, snap indicator.Snapshot) bool {
	crossoverUp := snap.MACDLine > snap.MACDSignal && snap.MACDHist > 0
	crossoverDown := snap.MACDLine < snap.MACDSignal && snap.MACDHist < 0
	if side == broker.SideLong {
		return crossoverUp || snap.MACDDivergence == indicator.DivergenceBullish
	}
	return crossoverDown || snap.MACDDivergence == indicator.DivergenceBearish
}

// rsiPoints implements the RSI scoring ladder, mirrored for shorts: a
// long wants oversold RSI, a short wants overbought RSI.
func rsiPoints(side broker.Side, rsi14 float64) (int, bool) {
	if side == broker.SideShort {
		rsi14 = 100 - rsi14
	}
	switch {
	case rsi14 < 35:
		return 2, true
	case rsi14 < 50:
		return 1, true
	default:
		return 0, false
	}
}
