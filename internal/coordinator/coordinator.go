// Package coordinator implements the Coordinator: the two-cadence
// scheduler (scanner + monitor) plus the unconditional cutoff sweep,
// fanning work out onto a bounded worker pool with per-symbol mutual
// exclusion. A single ticker pair drives a select loop with a stop
// channel for graceful shutdown; symbol fan-out within each tick goes
// through a size-limited errgroup.Group.
package coordinator

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog/log"

	"github.com/poorman/gapbot/internal/broker"
	"github.com/poorman/gapbot/internal/indicator"
	"github.com/poorman/gapbot/internal/keymutex"
	"github.com/poorman/gapbot/internal/ledger"
	"github.com/poorman/gapbot/internal/marketdata"
	"github.com/poorman/gapbot/internal/metrics"
	"github.com/poorman/gapbot/internal/position"
	"github.com/poorman/gapbot/internal/riskgate"
	"github.com/poorman/gapbot/internal/store"
	"github.com/poorman/gapbot/internal/strategy"
	"github.com/poorman/gapbot/internal/watchlist"
)

// recentBarsWindow is how many recent bars are pulled per symbol to feed
// the indicator kit; sessionLengthBars approximates one trading day of
// 1-minute bars for the cumulative volume ratio.
const (
	recentBarsWindow  = 60
	sessionLengthBars = 390 // 6.5h session at 1-minute bars
	barTimeframe      = time.Minute
	maxWorkers        = 8
)

// Schedule bundles the wall-clock gates the Coordinator enforces, all
// already resolved into absolute times for "today" in the configured
// market timezone.
type Schedule struct {
	MarketOpen    time.Time
	TradingCutoff time.Time
	PositionClose time.Time
}

// Params bundles every cross-cutting configuration value the Coordinator
// needs beyond what's already embedded in Schedule.
type Params struct {
	Schedule
	PostOpenDelay    time.Duration
	MaxConcurrent    int
	TradeCapLosing   int
	TradeCapWinning  int
	DailyLossLimit   float64
	StopOutCooldown  time.Duration
	PendingEntryLock time.Duration

	ScannerPeriod time.Duration
	MonitorPeriod time.Duration

	Strategy strategy.Params
	Position position.Params
}

// Coordinator owns the scanner/monitor timers, the cutoff sweep, and the
// bounded worker pool that carries out their work.
type Coordinator struct {
	watchlist watchlist.Source
	market    *marketdata.Provider
	br        broker.Broker
	led       *ledger.DayLedger
	rec       store.EventRecorder
	locks     *keymutex.Map

	params Params

	positions map[string]*position.ManagedPosition // symbol -> managed position, owned by the coordinator goroutine
	now       func() time.Time

	cutoffSwept bool
}

// New constructs a Coordinator with an empty set of managed positions.
// Positions the broker already holds at startup are not imported and stay
// unmanaged; the state machine is not persisted across restarts.
func New(wl watchlist.Source, market *marketdata.Provider, br broker.Broker, led *ledger.DayLedger, rec store.EventRecorder, params Params) *Coordinator {
	return &Coordinator{
		watchlist: wl,
		market:    market,
		br:        br,
		led:       led,
		rec:       rec,
		locks:     keymutex.New(),
		params:    params,
		positions: make(map[string]*position.ManagedPosition),
		now:       time.Now,
	}
}

// Run drives the scanner and monitor cadences plus the cutoff sweep until
// ctx is cancelled, each cadence an independent ticker feeding one select
// loop.
func (c *Coordinator) Run(ctx context.Context) error {
	scanTicker := time.NewTicker(c.params.ScannerPeriod)
	defer scanTicker.Stop()
	monitorTicker := time.NewTicker(c.params.MonitorPeriod)
	defer monitorTicker.Stop()
	cutoffTimer := time.NewTimer(time.Until(c.params.PositionClose))
	defer cutoffTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-scanTicker.C:
			if c.scannerActive(c.now()) {
				if err := c.scanTick(ctx); err != nil {
					log.Error().Err(err).Msg("scanner tick failed")
				}
			}

		case <-monitorTicker.C:
			if err := c.monitorTick(ctx); err != nil {
				log.Error().Err(err).Msg("monitor tick failed")
			}

		case <-cutoffTimer.C:
			if !c.cutoffSwept {
				c.cutoffSwept = true
				if err := c.cutoffSweep(ctx); err != nil {
					log.Error().Err(err).Msg("cutoff sweep failed")
				}
			}
		}
	}
}

// scannerActive reports whether the scanner cadence should run right now:
// within the post-open/cutoff window and the daily-loss circuit not
// tripped for the remainder of the session.
func (c *Coordinator) scannerActive(now time.Time) bool {
	windowOpen := c.params.MarketOpen.Add(c.params.PostOpenDelay)
	if now.Before(windowOpen) || !now.Before(c.params.TradingCutoff) {
		return false
	}
	snap := c.led.Snapshot()
	return snap.RealizedPnL > -c.params.DailyLossLimit
}

// scanTick implements one scanner cadence tick: fetch the watchlist,
// pre-filter, evaluate, and admit setups in descending signal-strength
// order until the concurrency cap is reached.
func (c *Coordinator) scanTick(ctx context.Context) error {
	metrics.ScannerTicks.Inc()

	symbols, err := c.watchlist.Symbols(ctx)
	if err != nil {
		return err
	}

	type candidate struct {
		setup *strategy.Setup
	}
	results := make([]candidate, 0, len(symbols))
	resultsCh := make(chan candidate, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)
	now := c.now()

	for _, sym := range symbols {
		sym := sym
		if c.led.IsManaged(sym) || c.led.CooldownRemaining(sym, now, c.params.StopOutCooldown) > 0 {
			continue
		}
		g.Go(func() error {
			setup, ok := c.evaluateSymbol(gctx, sym)
			if ok {
				resultsCh <- candidate{setup: setup}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	close(resultsCh)
	for cand := range resultsCh {
		results = append(results, cand)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].setup.SignalStrength > results[j].setup.SignalStrength
	})

	for _, cand := range results {
		snap := c.led.Snapshot()
		if snap.OpenManagedCount >= c.params.MaxConcurrent {
			break
		}
		c.admit(ctx, cand.setup)
	}
	return nil
}

// evaluateSymbol runs the Market Data -> Indicator -> Strategy pipeline for
// one symbol under its per-symbol lock, so at most one in-flight
// evaluation exists per symbol.
func (c *Coordinator) evaluateSymbol(ctx context.Context, symbol string) (*strategy.Setup, bool) {
	c.locks.Lock(symbol)
	defer c.locks.Unlock(symbol)

	recentBars, err := c.market.Bars(ctx, symbol, barTimeframe, recentBarsWindow)
	if err != nil {
		log.Warn().Str("symbol", symbol).Err(err).Msg("market data unavailable, skipping symbol this tick")
		return nil, false
	}
	if len(recentBars) < 2 {
		return nil, false
	}

	sessionBars := recentBars // approximation: the provider's recent window doubles as "since session open"
	snap := indicator.ComputeSnapshot(sessionBars, recentBars, sessionLengthBars)

	quote, err := c.market.Last(ctx, symbol)
	if err != nil {
		log.Warn().Str("symbol", symbol).Err(err).Msg("last-price unavailable, skipping symbol this tick")
		return nil, false
	}

	prevClose := recentBars[0].Close
	todayOpen := recentBars[len(recentBars)-1].Open
	gap := strategy.ComputeGap(symbol, prevClose, todayOpen)

	side := broker.SideLong
	if gap.Direction == strategy.GapDown {
		side = broker.SideShort
	}
	metrics.SetupsEvaluated.WithLabelValues(symbol, string(side)).Inc()

	return strategy.Evaluate(gap, recentBars, snap, quote, c.params.Strategy)
}

// admit runs the Risk Gate for one setup and, if admitted, submits the
// bracket order and records the resulting ManagedPosition.
func (c *Coordinator) admit(ctx context.Context, setup *strategy.Setup) {
	gateParams := riskgate.Params{
		MarketOpen:       c.params.MarketOpen,
		PostOpenDelay:    c.params.PostOpenDelay,
		TradingCutoff:    c.params.TradingCutoff,
		PositionClose:    c.params.PositionClose,
		MaxConcurrent:    c.params.MaxConcurrent,
		TradeCapLosing:   c.params.TradeCapLosing,
		TradeCapWinning:  c.params.TradeCapWinning,
		DailyLossLimit:   c.params.DailyLossLimit,
		StopOutCooldown:  c.params.StopOutCooldown,
		PendingEntryLock: c.params.PendingEntryLock,
		BuyingPower:      c.accountBuyingPower(ctx),
	}

	decision := riskgate.Evaluate(setup, c.led, c.now(), gateParams)
	if !decision.Admitted {
		metrics.RiskGateRejections.WithLabelValues(string(decision.Reason)).Inc()
		return
	}

	parentID, err := c.br.SubmitBracket(ctx, setup.Symbol, setup.Side, setup.SizeShares, broker.MarketEntry(), setup.StopPrice, setup.TargetPrice)
	if err != nil {
		log.Warn().Str("symbol", setup.Symbol).Err(err).Msg("bracket submit failed")
		c.led.ReleaseLock(setup.Symbol)
		return
	}

	_ = c.rec.Record(store.Event{
		Timestamp:     c.now(),
		Symbol:        setup.Symbol,
		Side:          string(setup.Side),
		Size:          setup.SizeShares,
		Price:         setup.EntryPrice,
		Kind:          store.EventSetupAdmitted,
		ParentOrderID: parentID,
	})

	c.led.RegisterOpen(setup.Symbol)
	mp := position.New(setup.Symbol, setup.Side, setup.SizeShares, setup.EntryPrice, setup.StopDistanceDollars, c.now())

	children, err := c.br.ChildrenOf(ctx, parentID)
	if err != nil {
		log.Warn().Str("symbol", setup.Symbol).Err(err).Msg("could not resolve bracket children; position will be force-closed at cutoff")
	}
	mp.ObserveFill(children.StopLegID, c.now())
	mp.TargetOrderID = children.TargetLegID

	c.positions[setup.Symbol] = mp
	metrics.OpenManagedPositions.Set(float64(len(c.positions)))
}

func (c *Coordinator) accountBuyingPower(ctx context.Context) float64 {
	acct, err := c.br.Account(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("account query failed; assuming zero buying power this tick")
		return 0
	}
	return acct.BuyingPower
}

// monitorTick steps every open ManagedPosition exactly once, fanned out
// per symbol under each symbol's lock: distinct symbols are independent
// and may run in parallel, but per-symbol steps are serialized.
func (c *Coordinator) monitorTick(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)

	for symbol, mp := range c.positions {
		symbol, mp := symbol, mp
		if mp.State == position.StateClosed {
			continue
		}
		g.Go(func() error {
			c.locks.Lock(symbol)
			defer c.locks.Unlock(symbol)
			return c.stepOne(gctx, symbol, mp)
		})
	}
	return g.Wait()
}

func (c *Coordinator) stepOne(ctx context.Context, symbol string, mp *position.ManagedPosition) error {
	quote, err := c.market.Last(ctx, symbol)
	if err != nil {
		log.Warn().Str("symbol", symbol).Err(err).Msg("monitor tick: last price unavailable")
		return nil
	}

	res, err := mp.Step(ctx, c.br, quote.Last, c.now(), c.params.Position)
	if err != nil {
		return err
	}
	if res.Transition != "" {
		metrics.PositionTierTransitions.WithLabelValues(string(res.Transition)).Inc()
	}
	if res.Replaced {
		_ = c.rec.Record(store.Event{Timestamp: c.now(), Symbol: symbol, Kind: store.EventStopReplaced, Price: res.NewStop})
	}

	if mp.State == position.StateClosing {
		c.finalizeExit(ctx, symbol, mp, quote.Last)
	}
	return nil
}

// finalizeExit folds a Closing position's realized PnL into the ledger,
// stamps the stop-out cooldown when applicable, and confirms the position
// Closed.
func (c *Coordinator) finalizeExit(ctx context.Context, symbol string, mp *position.ManagedPosition, exitPrice float64) {
	diff := exitPrice - mp.EntryPrice
	if mp.Side == broker.SideShort {
		diff = -diff
	}
	realizedPnL := diff * mp.Size

	now := c.now()
	c.led.RecordExit(symbol, realizedPnL)
	if mp.ExitedViaStopFill() {
		c.led.RecordStopOut(symbol, now)
	}

	_ = c.rec.Record(store.Event{
		Timestamp:   now,
		Symbol:      symbol,
		Side:        string(mp.Side),
		Size:        mp.Size,
		Price:       exitPrice,
		RealizedPnL: &realizedPnL,
		Kind:        store.EventExit,
	})

	mp.Confirm()
	metrics.RealizedPnLToday.Set(c.led.Snapshot().RealizedPnL)
	metrics.FilledTradeCountToday.Set(float64(c.led.Snapshot().FilledTradeCount))
	metrics.OpenManagedPositions.Set(float64(c.led.Snapshot().OpenManagedCount))
}

// cutoffSweep force-closes every managed position still open at the
// configured position-close time, fanned out with the same bounded pool
// and per-symbol locking as monitorTick.
func (c *Coordinator) cutoffSweep(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)

	for symbol, mp := range c.positions {
		symbol, mp := symbol, mp
		switch mp.State {
		case position.StateClosing, position.StateClosed:
			continue
		}
		g.Go(func() error {
			c.locks.Lock(symbol)
			defer c.locks.Unlock(symbol)

			if err := position.ForceClose(gctx, c.br, mp, c.now()); err != nil {
				log.Error().Str("symbol", symbol).Err(err).Msg("force-close failed")
				return nil
			}
			_ = c.rec.Record(store.Event{Timestamp: c.now(), Symbol: symbol, Kind: store.EventForceClose})
			return nil
		})
	}
	return g.Wait()
}
