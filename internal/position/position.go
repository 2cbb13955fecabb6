// Package position implements the Position Manager: the tiered
// dollar-based trailing-stop state machine that owns one open trade from
// fill to close. It tracks the highest profit seen on each position
// record, ratchets a monotone stop upward as that peak grows,
// and applies a USD-denominated activation gate before locking in any
// profit at all.
package position

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/poorman/gapbot/internal/broker"
)

// State is the closed position-lifecycle enumeration.
type State string

const (
	StateAwaitingFill   State = "awaiting_fill"
	StateOpenInitial    State = "open_initial"
	StateOpenBreakeven  State = "open_breakeven"
	StateOpenTierLocked State = "open_tier_locked"
	StateClosing        State = "closing"
	StateClosed         State = "closed"
)

// Params bundles the tier/quick-profit configuration, named after the
// external configuration contract's keys.
type Params struct {
	BreakevenThreshold   float64 // dollars; "p < 15 -> none" boundary
	TierIncrement        float64 // 50
	TierBuffer           float64 // 30
	QuickProfitThreshold float64 // 20
	QuickProfitWindow    time.Duration
}

// ManagedPosition is the engine's private record of one open trade; it is
// owned exclusively by its monitor worker except for the stop-out
// timestamp and realized-PnL fold-in, which flow through the DayLedger.
type ManagedPosition struct {
	Symbol     string
	Side       broker.Side
	Size       float64
	EntryPrice float64

	StopDistance float64 // initial distance, from the Strategy Evaluator

	State              State
	EntryTime          time.Time
	HighestProfitSeen  float64
	CurrentStopOrderID string
	CurrentStopPrice   float64
	TargetOrderID      string
	LastStopReplaceAt  time.Time

	// exitKind records why the position left its last Open_ state, used
	// by the Coordinator to decide whether to stamp a stop-out cooldown.
	exitKind exitKind
}

type exitKind string

const (
	exitKindNone       exitKind = ""
	exitKindStopFill   exitKind = "stop_fill"
	exitKindTargetFill exitKind = "target_fill"
	exitKindForceClose exitKind = "force_close"
)

// ExitedViaStopFill reports whether the position's most recent close was
// triggered by its stop leg filling — the trigger for the whipsaw-
// prevention cooldown.
func (m *ManagedPosition) ExitedViaStopFill() bool { return m.exitKind == exitKindStopFill }

// New constructs a ManagedPosition in AwaitingFill for a just-submitted
// bracket order.
func New(symbol string, side broker.Side, size, entryPrice, stopDistance float64, now time.Time) *ManagedPosition {
	return &ManagedPosition{
		Symbol:       symbol,
		Side:         side,
		Size:         size,
		EntryPrice:   entryPrice,
		StopDistance: stopDistance,
		State:        StateAwaitingFill,
		EntryTime:    now,
	}
}

// ObserveFill transitions AwaitingFill -> Open_Initial once the entry fill
// is confirmed, recording the initial (unlocked) stop price.
func (m *ManagedPosition) ObserveFill(stopOrderID string, now time.Time) {
	if m.State != StateAwaitingFill {
		return
	}
	m.State = StateOpenInitial
	m.CurrentStopOrderID = stopOrderID
	if m.Side == broker.SideLong {
		m.CurrentStopPrice = m.EntryPrice - m.StopDistance
	} else {
		m.CurrentStopPrice = m.EntryPrice + m.StopDistance
	}
	m.LastStopReplaceAt = now
}

// dollarProfit computes (last-entry)*size for a long, negated for a short.
func (m *ManagedPosition) dollarProfit(last float64) float64 {
	diff := last - m.EntryPrice
	if m.Side == broker.SideShort {
		diff = -diff
	}
	return diff * m.Size
}

// DesiredLock computes the tier function over peak profit p: the dollar
// amount of profit that should be locked in given how far price has run.
func DesiredLock(p float64, params Params) (lock float64, ok bool) {
	switch {
	case p < params.BreakevenThreshold:
		return 0, false // no lock desired yet
	case p < params.TierIncrement+params.TierBuffer:
		// 15 <= p < 80 (tier_increment+tier_buffer=50+30=80) -> breakeven
		return 0, true
	default:
		return params.TierIncrement * math.Floor((p-params.TierBuffer)/params.TierIncrement), true
	}
}

// candidateStop converts a desired dollar lock into a price for this
// position's side.
func (m *ManagedPosition) candidateStop(desiredLock float64) float64 {
	if m.Side == broker.SideLong {
		return m.EntryPrice + desiredLock/m.Size
	}
	return m.EntryPrice - desiredLock/m.Size
}

// betterThanCurrent enforces monotonicity: a candidate stop is only an
// improvement if it moves in the trade's favor relative to the stop
// price currently on file.
func (m *ManagedPosition) betterThanCurrent(candidate float64) bool {
	if m.Side == broker.SideLong {
		return candidate > m.CurrentStopPrice
	}
	return candidate < m.CurrentStopPrice
}

// StepResult reports what a monitor tick decided to do, for logging and
// metrics at the call site.
type StepResult struct {
	Replaced    bool
	NewStop     float64
	Transition  State
	ExitFired   bool
	TargetFired bool
}

// Step runs one monitor tick: update peak profit, compute the desired
// lock (including the quick-profit override), and replace the stop if the
// candidate is a monotone improvement. Callers detect target/stop fills
// externally (via broker.ChildrenOf polling or fill events) and invoke
// ObserveStopFill/ObserveTargetFill/ForceClose rather than this method for
// terminal transitions.
func (m *ManagedPosition) Step(ctx context.Context, br broker.Broker, last float64, now time.Time, p Params) (StepResult, error) {
	if m.State != StateOpenInitial && m.State != StateOpenBreakeven && m.State != StateOpenTierLocked {
		return StepResult{}, nil
	}

	profit := m.dollarProfit(last)
	if profit > m.HighestProfitSeen {
		m.HighestProfitSeen = profit
	}

	desiredLock, active := DesiredLock(m.HighestProfitSeen, p)

	elapsed := now.Sub(m.EntryTime)
	if elapsed <= p.QuickProfitWindow && profit >= p.QuickProfitThreshold {
		active = true
		if desiredLock < 0 {
			desiredLock = 0
		}
	}

	if !active {
		return StepResult{}, nil
	}

	candidate := m.candidateStop(desiredLock)
	if !m.betterThanCurrent(candidate) {
		return StepResult{}, nil
	}

	res, err := m.replaceStop(ctx, br, candidate, now)
	if err != nil {
		return res, err
	}
	if !res.Replaced {
		// Stop was not moved (already terminal, rejected, or retries
		// exhausted): replaceStop has already set any state change.
		return res, nil
	}

	switch {
	case desiredLock > 0:
		m.State = StateOpenTierLocked
	case desiredLock == 0:
		m.State = StateOpenBreakeven
	}
	res.Transition = m.State
	return res, nil
}

// replaceStop implements the stop-replace protocol: success updates the
// stored stop; AlreadyTerminal transitions to Closing without
// resubmitting; Transient retries up to 3 times with backoff; any other
// failure leaves the prior stop untouched and is logged for the operator.
func (m *ManagedPosition) replaceStop(ctx context.Context, br broker.Broker, candidate float64, now time.Time) (StepResult, error) {
	const maxRetries = 3
	backoff := 200 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		newID, err := br.ReplaceStop(ctx, m.CurrentStopOrderID, candidate)
		if err == nil {
			m.CurrentStopOrderID = newID
			m.CurrentStopPrice = candidate
			m.LastStopReplaceAt = now
			return StepResult{Replaced: true, NewStop: candidate}, nil
		}

		if broker.IsKind(err, broker.KindAlreadyTerminal) {
			m.markExit(exitKindStopFill, now)
			return StepResult{Transition: StateClosing}, nil
		}

		if !broker.IsKind(err, broker.KindTransient) {
			log.Warn().Str("symbol", m.Symbol).Err(err).Msg("stop replace rejected, keeping prior stop")
			return StepResult{}, nil
		}

		lastErr = err
		if attempt < maxRetries {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return StepResult{}, ctx.Err()
			}
			backoff *= 2
		}
	}

	log.Warn().Str("symbol", m.Symbol).Err(lastErr).Msg("stop replace exhausted retries, deferring to next tick")
	return StepResult{}, nil
}

// ObserveStopFill records a stop-leg fill discovered by the caller (e.g.
// polling broker.ChildrenOf or a fill webhook), moving the position into
// Closing and marking it eligible for the whipsaw cooldown.
func (m *ManagedPosition) ObserveStopFill(now time.Time) {
	m.markExit(exitKindStopFill, now)
}

// ObserveTargetFill records a target-leg fill, moving the position into
// Closing without triggering the stop-out cooldown.
func (m *ManagedPosition) ObserveTargetFill(now time.Time) {
	m.markExit(exitKindTargetFill, now)
}

func (m *ManagedPosition) markExit(kind exitKind, now time.Time) {
	m.exitKind = kind
	m.State = StateClosing
	_ = now
}

// Confirm transitions Closing -> Closed. It does not consult the broker:
// the Coordinator calls it in the same monitor tick that finds the
// position Closing, without waiting for a terminal fill report.
func (m *ManagedPosition) Confirm() {
	if m.State == StateClosing {
		m.State = StateClosed
	}
}

// ForceClose implements the 13:50 cutoff / explicit-command force-close
// protocol: cancel the target and stop legs (AlreadyTerminal is not an
// error), submit a plain market order for the full size in the exit
// direction, and then transition to Closing. If the market order cannot be
// submitted, the error is returned and the state is left as it was. The state machine
// may not reopen for this symbol for the remainder of the day.
func ForceClose(ctx context.Context, br broker.Broker, m *ManagedPosition, now time.Time) error {
	if m.TargetOrderID != "" {
		if err := br.Cancel(ctx, m.TargetOrderID); err != nil && !broker.IsKind(err, broker.KindAlreadyTerminal) {
			log.Warn().Str("symbol", m.Symbol).Err(err).Msg("force-close: target cancel failed")
		}
	}
	if m.CurrentStopOrderID != "" {
		if err := br.Cancel(ctx, m.CurrentStopOrderID); err != nil && !broker.IsKind(err, broker.KindAlreadyTerminal) {
			log.Warn().Str("symbol", m.Symbol).Err(err).Msg("force-close: stop cancel failed")
		}
	}

	if _, err := br.SubmitMarket(ctx, m.Symbol, m.Side.ExitSide(), m.Size); err != nil {
		return err
	}

	m.markExit(exitKindForceClose, now)
	return nil
}
