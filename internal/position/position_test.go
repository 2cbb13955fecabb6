package position

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poorman/gapbot/internal/broker"
)

func defaultTierParams() Params {
	return Params{
		BreakevenThreshold:   15,
		TierIncrement:        50,
		TierBuffer:           30,
		QuickProfitThreshold: 20,
		QuickProfitWindow:    600 * time.Second,
	}
}

// fakeBroker is a minimal in-memory broker.Broker for position tests; only
// ReplaceStop, Cancel, and SubmitMarket are exercised by this package.
type fakeBroker struct {
	replaceStopErr  error
	replaceCalls    int
	cancelCalls     []string
	marketOrders    []marketOrder
	nextStopOrderID int
}

type marketOrder struct {
	symbol string
	side   broker.OrderSide
	qty    float64
}

func (f *fakeBroker) SubmitBracket(ctx context.Context, symbol string, side broker.Side, qty float64, entry broker.EntryType, stopPrice, targetPrice float64) (string, error) {
	return "parent-1", nil
}

func (f *fakeBroker) SubmitTrailingStop(ctx context.Context, symbol string, exitSide broker.OrderSide, qty float64, trail broker.TrailSpec) (string, error) {
	return "trail-1", nil
}

func (f *fakeBroker) SubmitMarket(ctx context.Context, symbol string, side broker.OrderSide, qty float64) (string, error) {
	f.marketOrders = append(f.marketOrders, marketOrder{symbol, side, qty})
	return "market-1", nil
}

func (f *fakeBroker) Cancel(ctx context.Context, orderID string) error {
	f.cancelCalls = append(f.cancelCalls, orderID)
	return nil
}

func (f *fakeBroker) ReplaceStop(ctx context.Context, orderID string, newStop float64) (string, error) {
	f.replaceCalls++
	if f.replaceStopErr != nil {
		return "", f.replaceStopErr
	}
	f.nextStopOrderID++
	return "stop-" + string(rune('0'+f.nextStopOrderID)), nil
}

func (f *fakeBroker) ChildrenOf(ctx context.Context, parentID string) (broker.Children, error) {
	return broker.Children{}, nil
}

func (f *fakeBroker) Positions(ctx context.Context) ([]broker.Position, error) { return nil, nil }
func (f *fakeBroker) Account(ctx context.Context) (broker.Account, error)      { return broker.Account{}, nil }

var _ broker.Broker = (*fakeBroker)(nil)

func TestDesiredLock_TierCorrectness(t *testing.T) {
	p := defaultTierParams()

	lock, active := DesiredLock(10, p)
	assert.False(t, active)

	lock, active = DesiredLock(15, p)
	require.True(t, active)
	assert.Equal(t, 0.0, lock)

	lock, active = DesiredLock(79.99, p)
	require.True(t, active)
	assert.Equal(t, 0.0, lock)

	lock, active = DesiredLock(100, p)
	require.True(t, active)
	assert.Equal(t, 50.0, lock) // 50*floor((100-30)/50) = 50*1 = 50

	lock, active = DesiredLock(150, p)
	require.True(t, active)
	assert.Equal(t, 100.0, lock) // 50*floor(120/50) = 50*2 = 100
}

func TestStep_CleanWinnerViaTier(t *testing.T) {
	now := time.Now()
	m := New("AAPL", broker.SideLong, 50, 100.00, 1.50, now)
	m.ObserveFill("stop-0", now)
	require.Equal(t, StateOpenInitial, m.State)
	require.Equal(t, 98.50, m.CurrentStopPrice)

	fb := &fakeBroker{}
	p := defaultTierParams()

	// last=102.00 -> profit=$100 -> p in [80,130) -> lock=$50 -> stop=101.00
	res, err := m.Step(context.Background(), fb, 102.00, now.Add(time.Minute), p)
	require.NoError(t, err)
	assert.True(t, res.Replaced)
	assert.Equal(t, 101.00, m.CurrentStopPrice)
	assert.Equal(t, StateOpenTierLocked, m.State)

	// last=103.00 -> profit=$150 -> lock=$100 -> stop=102.00
	res, err = m.Step(context.Background(), fb, 103.00, now.Add(2*time.Minute), p)
	require.NoError(t, err)
	assert.True(t, res.Replaced)
	assert.Equal(t, 102.00, m.CurrentStopPrice)

	// retrace to 102.80: peak profit stays $150 (highest seen), desired
	// lock is still based on peak, so candidate stop is still 102.00 --
	// not an improvement over the already-locked 102.00, no replace.
	res, err = m.Step(context.Background(), fb, 102.80, now.Add(3*time.Minute), p)
	require.NoError(t, err)
	assert.False(t, res.Replaced)
	assert.Equal(t, 102.00, m.CurrentStopPrice)
}

func TestStep_QuickProfitOverride(t *testing.T) {
	now := time.Now()
	m := New("TSLA", broker.SideLong, 40, 250.00, 2.00, now)
	m.ObserveFill("stop-0", now)

	fb := &fakeBroker{}
	p := defaultTierParams()

	// t=120s, last=250.55 -> profit = 0.55*40 = $22, elapsed=120s<=600s,
	// profit>=$20 -> quick-profit override fires -> breakeven.
	res, err := m.Step(context.Background(), fb, 250.55, now.Add(120*time.Second), p)
	require.NoError(t, err)
	assert.True(t, res.Replaced)
	assert.Equal(t, 250.00, m.CurrentStopPrice)
	assert.Equal(t, StateOpenBreakeven, m.State)
}

func TestStep_MonotonicityNeverRegresses(t *testing.T) {
	now := time.Now()
	m := New("NET", broker.SideLong, 100, 50.00, 1.00, now)
	m.ObserveFill("stop-0", now)
	fb := &fakeBroker{}
	p := defaultTierParams()

	_, err := m.Step(context.Background(), fb, 51.00, now.Add(time.Minute), p) // profit=$100 -> lock $50
	require.NoError(t, err)
	lockedStop := m.CurrentStopPrice

	// Price falls back, but peak profit (tracked via HighestProfitSeen)
	// never decreases, so the candidate stop can never move backward.
	_, err = m.Step(context.Background(), fb, 50.20, now.Add(2*time.Minute), p)
	require.NoError(t, err)
	assert.Equal(t, lockedStop, m.CurrentStopPrice)
}

func TestStep_NoExitBelowBreakevenThreshold(t *testing.T) {
	now := time.Now()
	m := New("PFE", broker.SideLong, 400, 24.65, 0.30, now)
	m.ObserveFill("stop-0", now)
	fb := &fakeBroker{}
	p := defaultTierParams()

	// last=24.55: profit = (24.55-24.65)*400 = -$40, well under $15.
	res, err := m.Step(context.Background(), fb, 24.55, now.Add(time.Minute), p)
	require.NoError(t, err)
	assert.False(t, res.Replaced)
	assert.Equal(t, StateOpenInitial, m.State)
	assert.InDelta(t, 24.35, m.CurrentStopPrice, 1e-9)
}

func TestReplaceStop_AlreadyTerminalTransitionsToClosing(t *testing.T) {
	now := time.Now()
	m := New("AAPL", broker.SideLong, 50, 100.00, 1.50, now)
	m.ObserveFill("stop-0", now)
	fb := &fakeBroker{replaceStopErr: &broker.Error{Kind: broker.KindAlreadyTerminal}}
	p := defaultTierParams()

	res, err := m.Step(context.Background(), fb, 102.00, now.Add(time.Minute), p)
	require.NoError(t, err)
	assert.Equal(t, StateClosing, m.State)
	assert.True(t, m.ExitedViaStopFill())
	_ = res
}

func TestReplaceStop_RejectedKeepsPriorStop(t *testing.T) {
	now := time.Now()
	m := New("AAPL", broker.SideLong, 50, 100.00, 1.50, now)
	m.ObserveFill("stop-0", now)
	prior := m.CurrentStopPrice
	fb := &fakeBroker{replaceStopErr: &broker.Error{Kind: broker.KindRejected}}
	p := defaultTierParams()

	res, err := m.Step(context.Background(), fb, 102.00, now.Add(time.Minute), p)
	require.NoError(t, err)
	assert.False(t, res.Replaced)
	assert.Equal(t, prior, m.CurrentStopPrice)
	assert.Equal(t, StateOpenInitial, m.State)
}

func TestForceClose_CancelsLegsAndSubmitsMarketExit(t *testing.T) {
	now := time.Now()
	m := New("AAPL", broker.SideLong, 50, 100.00, 1.50, now)
	m.ObserveFill("stop-0", now)
	m.TargetOrderID = "target-0"

	fb := &fakeBroker{}
	err := ForceClose(context.Background(), fb, m, now)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"target-0", "stop-0"}, fb.cancelCalls)
	require.Len(t, fb.marketOrders, 1)
	assert.Equal(t, broker.OrderSideSell, fb.marketOrders[0].side)
	assert.Equal(t, 50.0, fb.marketOrders[0].qty)
	assert.Equal(t, StateClosing, m.State)
}
