package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poorman/gapbot/internal/broker"
	"github.com/poorman/gapbot/internal/ledger"
	"github.com/poorman/gapbot/internal/marketdata"
	"github.com/poorman/gapbot/internal/position"
	"github.com/poorman/gapbot/internal/store"
	"github.com/poorman/gapbot/internal/strategy"
	"github.com/poorman/gapbot/internal/watchlist"
)

// marketdataWithQuote builds a Provider backed by an httptest server that
// always answers the latest-trade endpoint with the given price.
func marketdataWithQuote(t *testing.T, price float64) *marketdata.Provider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"trade": map[string]any{"p": price, "t": "2026-07-31T13:30:00Z"},
		})
	}))
	t.Cleanup(srv.Close)
	return marketdata.New(srv.URL, "k", "s")
}

type fakeBroker struct {
	account        broker.Account
	submitErr      error
	replaceStopErr error
	cancelCalls    []string
	marketOrders   int
	children       broker.Children
	nextID         int
}

func (f *fakeBroker) SubmitBracket(ctx context.Context, symbol string, side broker.Side, qty float64, entry broker.EntryType, stopPrice, targetPrice float64) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.nextID++
	return "parent-1", nil
}

func (f *fakeBroker) SubmitTrailingStop(ctx context.Context, symbol string, exitSide broker.OrderSide, qty float64, trail broker.TrailSpec) (string, error) {
	return "trail-1", nil
}

func (f *fakeBroker) SubmitMarket(ctx context.Context, symbol string, side broker.OrderSide, qty float64) (string, error) {
	f.marketOrders++
	return "market-1", nil
}

func (f *fakeBroker) Cancel(ctx context.Context, orderID string) error {
	f.cancelCalls = append(f.cancelCalls, orderID)
	return nil
}

func (f *fakeBroker) ReplaceStop(ctx context.Context, orderID string, newStop float64) (string, error) {
	if f.replaceStopErr != nil {
		return "", f.replaceStopErr
	}
	return "stop-2", nil
}

func (f *fakeBroker) ChildrenOf(ctx context.Context, parentID string) (broker.Children, error) {
	return f.children, nil
}

func (f *fakeBroker) Positions(ctx context.Context) ([]broker.Position, error) { return nil, nil }
func (f *fakeBroker) Account(ctx context.Context) (broker.Account, error)      { return f.account, nil }

var _ broker.Broker = (*fakeBroker)(nil)

func newTestCoordinator(t *testing.T, br broker.Broker) (*Coordinator, *ledger.DayLedger, store.EventRecorder) {
	t.Helper()
	led := ledger.New(time.Now())
	dbPath := filepath.Join(t.TempDir(), "events.db")
	rec, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { rec.Close() })

	now := time.Now()
	params := Params{
		Schedule: Schedule{
			MarketOpen:    now.Add(-2 * time.Hour),
			TradingCutoff: now.Add(2 * time.Hour),
			PositionClose: now.Add(90 * time.Minute),
		},
		PostOpenDelay:    30 * time.Minute,
		MaxConcurrent:    5,
		TradeCapLosing:   10,
		TradeCapWinning:  20,
		DailyLossLimit:   600,
		StopOutCooldown:  20 * time.Minute,
		PendingEntryLock: 5 * time.Minute,
		ScannerPeriod:    3 * time.Second,
		MonitorPeriod:    1 * time.Second,
		Strategy: strategy.Params{
			MinGapPct: 0.75, MaxGapPct: 20, MinVolumeRatio: 1.5,
			ATRStopMult: 1.5, MinStopDollars: 0.30, MinStopPct: 1.2,
			TargetMult: 2.5, RiskPerTrade: 100, PerSymbolNotional: 10000,
		},
		Position: position.Params{
			BreakevenThreshold: 15, TierIncrement: 50, TierBuffer: 30,
			QuickProfitThreshold: 20, QuickProfitWindow: 600 * time.Second,
		},
	}

	wl := watchlist.NewStaticList(nil)
	market := marketdata.New("http://unused.invalid", "k", "s")
	c := New(wl, market, br, led, rec, params)
	return c, led, rec
}

func TestScannerActive_RejectsOutsideWindowAndDuringCircuitBreaker(t *testing.T) {
	c, led, _ := newTestCoordinator(t, &fakeBroker{})
	now := time.Now()

	assert.True(t, c.scannerActive(now))

	past := Schedule{MarketOpen: now, TradingCutoff: now.Add(2 * time.Hour), PositionClose: now.Add(3 * time.Hour)}
	c.params.Schedule = past
	assert.False(t, c.scannerActive(now)) // still inside post-open delay

	c.params.Schedule = Schedule{MarketOpen: now.Add(-2 * time.Hour), TradingCutoff: now.Add(2 * time.Hour), PositionClose: now.Add(3 * time.Hour)}
	led.RegisterOpen("X")
	led.RecordExit("X", -600)
	assert.False(t, c.scannerActive(now)) // circuit breaker tripped
}

func TestAdmit_SubmitsBracketAndRegistersManagedPosition(t *testing.T) {
	fb := &fakeBroker{
		account:  broker.Account{BuyingPower: 100000},
		children: broker.Children{StopLegID: "stop-1", TargetLegID: "target-1"},
	}
	c, led, _ := newTestCoordinator(t, fb)

	setup := &strategy.Setup{
		Symbol: "AAPL", Side: broker.SideLong, EntryPrice: 100,
		StopPrice: 98.50, TargetPrice: 103.75, SizeShares: 50,
		StopDistanceDollars: 1.50, SignalStrength: 9,
	}
	c.admit(context.Background(), setup)

	assert.True(t, led.IsManaged("AAPL"))
	mp, ok := c.positions["AAPL"]
	require.True(t, ok)
	assert.Equal(t, position.StateOpenInitial, mp.State)
	assert.Equal(t, "stop-1", mp.CurrentStopOrderID)
	assert.Equal(t, "target-1", mp.TargetOrderID)
}

func TestAdmit_RejectedByRiskGateDoesNotSubmit(t *testing.T) {
	fb := &fakeBroker{account: broker.Account{BuyingPower: 100000}}
	c, led, _ := newTestCoordinator(t, fb)
	led.RecordStopOut("AAPL", time.Now()) // still in cooldown

	setup := &strategy.Setup{Symbol: "AAPL", Side: broker.SideLong, EntryPrice: 100, SizeShares: 50, SignalStrength: 9}
	c.admit(context.Background(), setup)

	assert.False(t, led.IsManaged("AAPL"))
	_, ok := c.positions["AAPL"]
	assert.False(t, ok)
	assert.Equal(t, 0, fb.nextID)
}

func TestMonitorTick_StopFillFinalizesExitAndStampsCooldown(t *testing.T) {
	fb := &fakeBroker{replaceStopErr: &broker.Error{Kind: broker.KindAlreadyTerminal}}
	c, led, _ := newTestCoordinator(t, fb)

	mp := position.New("NET", broker.SideLong, 100, 50.00, 1.00, time.Now().Add(-time.Hour))
	mp.ObserveFill("stop-0", time.Now().Add(-time.Hour))
	led.RegisterOpen("NET")
	c.positions["NET"] = mp

	// Force a candidate stop by giving it meaningful profit so Step attempts
	// a replace, which this fakeBroker reports as AlreadyTerminal.
	c.market = marketdataWithQuote(t, 52.00)

	require.NoError(t, c.monitorTick(context.Background()))

	assert.Equal(t, position.StateClosed, mp.State)
	assert.False(t, led.IsManaged("NET"))
	assert.Greater(t, led.CooldownRemaining("NET", time.Now(), 20*time.Minute), time.Duration(0))
}

func TestCutoffSweep_ForceClosesAllOpenPositions(t *testing.T) {
	fb := &fakeBroker{}
	c, _, _ := newTestCoordinator(t, fb)

	mp1 := position.New("AAPL", broker.SideLong, 50, 100, 1.5, time.Now())
	mp1.ObserveFill("stop-aapl", time.Now())
	mp1.TargetOrderID = "target-aapl"
	c.positions["AAPL"] = mp1

	mp2 := position.New("TSLA", broker.SideLong, 40, 250, 2.0, time.Now())
	mp2.ObserveFill("stop-tsla", time.Now())
	mp2.TargetOrderID = "target-tsla"
	c.positions["TSLA"] = mp2

	require.NoError(t, c.cutoffSweep(context.Background()))

	assert.Equal(t, position.StateClosing, mp1.State)
	assert.Equal(t, position.StateClosing, mp2.State)
	assert.Equal(t, 2, fb.marketOrders)
	assert.ElementsMatch(t, []string{"stop-aapl", "target-aapl", "stop-tsla", "target-tsla"}, fb.cancelCalls)
}
