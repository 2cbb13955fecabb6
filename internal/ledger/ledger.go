// Package ledger implements the DayLedger: the one shared mutable object
// in the engine. It is isolated behind a narrow interface whose methods
// each describe a single invariant-preserving transition — TryAdmit,
// RegisterOpen, RecordExit, RecordStopOut — over a mutex-guarded map of
// the day's bookkeeping. The mutex is held only for counter read/update
// and for moving a position into/out of the managed map, never across a
// broker call.
package ledger

import (
	"sync"
	"time"
)

// Snapshot is a read-only, point-in-time copy of the ledger's counters,
// safe to pass to the Risk Gate without holding the ledger's mutex.
type Snapshot struct {
	TradingDate      time.Time
	RealizedPnL      float64
	FilledTradeCount int
	OpenManagedCount int
	ManagedSymbols   map[string]struct{}
}

// DayLedger holds one trading day's bookkeeping for the date passed to
// New. Nothing in this package rolls it over to a new date or archives it;
// a process that runs past midnight keeps the same ledger.
type DayLedger struct {
	mu sync.Mutex

	tradingDate      time.Time
	realizedPnL      float64
	filledTradeCount int
	wins             int
	losses           int

	stopOutTimes map[string]time.Time
	pendingLocks map[string]time.Time // symbol -> lock expiry
	managed      map[string]struct{}
}

// New creates an empty DayLedger for the given trading date.
func New(tradingDate time.Time) *DayLedger {
	return &DayLedger{
		tradingDate:  tradingDate,
		stopOutTimes: make(map[string]time.Time),
		pendingLocks: make(map[string]time.Time),
		managed:      make(map[string]struct{}),
	}
}

// Snapshot returns a consistent copy of the ledger's counters for the Risk
// Gate to evaluate against, without holding the ledger locked across the
// gate's checks.
func (l *DayLedger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	symbols := make(map[string]struct{}, len(l.managed))
	for s := range l.managed {
		symbols[s] = struct{}{}
	}
	return Snapshot{
		TradingDate:      l.tradingDate,
		RealizedPnL:      l.realizedPnL,
		FilledTradeCount: l.filledTradeCount,
		OpenManagedCount: len(l.managed),
		ManagedSymbols:   symbols,
	}
}

// TryAdmit reserves a pending entry lock for symbol if it is not already
// managed and has no unexpired pending lock (the stop-out cooldown is not
// checked here; see CooldownRemaining) — a
// short-TTL map keyed by symbol, consulted by the Risk Gate and written
// by the Coordinator at submit time to prevent duplicate orders.
// Returns false if a lock could not be acquired.
func (l *DayLedger) TryAdmit(symbol string, now time.Time, lockTTL time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, managed := l.managed[symbol]; managed {
		return false
	}
	if expiry, locked := l.pendingLocks[symbol]; locked && now.Before(expiry) {
		return false
	}
	l.pendingLocks[symbol] = now.Add(lockTTL)
	return true
}

// ReleaseLock drops symbol's pending entry lock immediately, used when a
// broker submit is rejected so the symbol becomes eligible again right
// away rather than waiting out the lock TTL.
func (l *DayLedger) ReleaseLock(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pendingLocks, symbol)
}

// RegisterOpen moves symbol from "pending lock" into the managed set once
// its entry fill is observed.
func (l *DayLedger) RegisterOpen(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.managed[symbol] = struct{}{}
	delete(l.pendingLocks, symbol)
}

// RecordExit removes symbol from the managed set and folds its realized
// PnL into the day's tally, incrementing the filled trade count and the
// win/loss tally.
func (l *DayLedger) RecordExit(symbol string, realizedPnL float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.managed, symbol)
	l.realizedPnL += realizedPnL
	l.filledTradeCount++
	if realizedPnL >= 0 {
		l.wins++
	} else {
		l.losses++
	}
}

// Restore seeds the ledger's tallies from a prior run's persisted stats,
// used at startup to carry today's realized PnL and trade counts across a
// restart without replaying every event.
func (l *DayLedger) Restore(realizedPnL float64, filledTradeCount, wins, losses int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.realizedPnL = realizedPnL
	l.filledTradeCount = filledTradeCount
	l.wins = wins
	l.losses = losses
}

// RecordStopOut stamps symbol's stop-out time to activate the cooldown
// window, in addition to whatever RecordExit bookkeeping the caller
// performs for the same exit.
func (l *DayLedger) RecordStopOut(symbol string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopOutTimes[symbol] = now
}

// CooldownRemaining returns how much longer symbol must wait before a new
// entry is eligible, or zero if it is not in cooldown.
func (l *DayLedger) CooldownRemaining(symbol string, now time.Time, cooldown time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, ok := l.stopOutTimes[symbol]
	if !ok {
		return 0
	}
	elapsed := now.Sub(last)
	if elapsed >= cooldown {
		return 0
	}
	return cooldown - elapsed
}

// IsManaged reports whether symbol currently has an open managed position.
func (l *DayLedger) IsManaged(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.managed[symbol]
	return ok
}

// TradeCap returns the dynamic trade-count cap for the day: the losing
// cap while realized PnL is non-positive, otherwise the winning cap.
func (l *DayLedger) TradeCap(losingCap, winningCap int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.realizedPnL <= 0 {
		return losingCap
	}
	return winningCap
}
