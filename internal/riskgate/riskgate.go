// Package riskgate implements the Risk Gate: eight stateless checks run in
// a fixed order against a candidate Setup and the current DayLedger
// snapshot, the first failure winning.
package riskgate

import (
	"time"

	"github.com/poorman/gapbot/internal/ledger"
	"github.com/poorman/gapbot/internal/strategy"
)

// Reason is a closed rejection-reason enumeration, one per ordered check.
type Reason string

const (
	ReasonTradingWindowClosed   Reason = "trading_window_closed"
	ReasonCutoffActive          Reason = "cutoff_active"
	ReasonMaxConcurrent         Reason = "max_concurrent"
	ReasonTradeCapReached       Reason = "trade_cap_reached"
	ReasonDailyLossLimit        Reason = "daily_loss_limit"
	ReasonCooldown              Reason = "cooldown"
	ReasonPendingLock           Reason = "pending_lock"
	ReasonNotionalOrBuyingPower Reason = "notional_or_buying_power"
)

// Decision is the outcome of a gate evaluation: admitted, or rejected with
// a specific reason.
type Decision struct {
	Admitted bool
	Reason   Reason
}

func admit() Decision          { return Decision{Admitted: true} }
func reject(r Reason) Decision { return Decision{Admitted: false, Reason: r} }

// Params bundles every configuration value the gate's checks consult.
type Params struct {
	MarketOpen       time.Time // today's 09:30 market-local open
	PostOpenDelay    time.Duration
	TradingCutoff    time.Time // today's configured entry cutoff
	PositionClose    time.Time // today's configured force-close time
	MaxConcurrent    int
	TradeCapLosing   int
	TradeCapWinning  int
	DailyLossLimit   float64
	StopOutCooldown  time.Duration
	PendingEntryLock time.Duration
	BuyingPower      float64
}

// Evaluate runs the eight ordered checks against setup, snap, and now,
// acquiring the ledger's entry lock on the final check's success path
// (the lock doubles as the "admitted" signal the Coordinator consumes to
// avoid a second admission from a concurrent scanner tick).
func Evaluate(setup *strategy.Setup, led *ledger.DayLedger, now time.Time, p Params) Decision {
	snap := led.Snapshot()

	// 1. Trading window open: market_open+30min <= now < trading_cutoff.
	windowOpen := p.MarketOpen.Add(p.PostOpenDelay)
	if now.Before(windowOpen) || !now.Before(p.TradingCutoff) {
		return reject(ReasonTradingWindowClosed)
	}

	// 2. No cutoff active: now < position_close_local.
	if !now.Before(p.PositionClose) {
		return reject(ReasonCutoffActive)
	}

	// 3. open_managed_positions < max_concurrent.
	if snap.OpenManagedCount >= p.MaxConcurrent {
		return reject(ReasonMaxConcurrent)
	}

	// 4. filled_trade_count < dynamic cap.
	tradeCap := led.TradeCap(p.TradeCapLosing, p.TradeCapWinning)
	if snap.FilledTradeCount >= tradeCap {
		return reject(ReasonTradeCapReached)
	}

	// 5. Daily realized loss > negative of daily loss limit.
	if snap.RealizedPnL <= -p.DailyLossLimit {
		return reject(ReasonDailyLossLimit)
	}

	// 6. Symbol not in cooldown.
	if led.CooldownRemaining(setup.Symbol, now, p.StopOutCooldown) > 0 {
		return reject(ReasonCooldown)
	}

	// 7. No pending entry lock for symbol — attempt to acquire one; a
	// failure here means either a pre-existing lock or the symbol is
	// already managed.
	if !led.TryAdmit(setup.Symbol, now, p.PendingEntryLock) {
		return reject(ReasonPendingLock)
	}

	// 8. Estimated notional within total buying power. The per-symbol
	// notional cap is not checked here; strategy.Evaluate already clamps
	// the setup's size to it.
	notional := setup.EntryPrice * setup.SizeShares
	if notional > p.BuyingPower {
		led.ReleaseLock(setup.Symbol)
		return reject(ReasonNotionalOrBuyingPower)
	}

	return admit()
}
