package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAdmit_RejectsDuplicateWithinLockWindow(t *testing.T) {
	l := New(time.Now())
	now := time.Now()
	require.True(t, l.TryAdmit("AAPL", now, 5*time.Minute))
	assert.False(t, l.TryAdmit("AAPL", now.Add(time.Minute), 5*time.Minute))
	assert.True(t, l.TryAdmit("AAPL", now.Add(6*time.Minute), 5*time.Minute))
}

func TestRegisterOpen_MakesSymbolManagedAndClearsLock(t *testing.T) {
	l := New(time.Now())
	now := time.Now()
	require.True(t, l.TryAdmit("TSLA", now, 5*time.Minute))
	l.RegisterOpen("TSLA")
	assert.True(t, l.IsManaged("TSLA"))
	// Managed symbols cannot be re-admitted.
	assert.False(t, l.TryAdmit("TSLA", now, 5*time.Minute))
}

func TestRecordExit_UpdatesRealizedPnLAndTradeCount(t *testing.T) {
	l := New(time.Now())
	l.RegisterOpen("NET")
	l.RecordExit("NET", 42.50)
	assert.False(t, l.IsManaged("NET"))
	snap := l.Snapshot()
	assert.Equal(t, 42.50, snap.RealizedPnL)
	assert.Equal(t, 1, snap.FilledTradeCount)
}

func TestCooldownRemaining_ExpiresAfterWindow(t *testing.T) {
	l := New(time.Now())
	stopOutTime := time.Now()
	l.RecordStopOut("NET", stopOutTime)

	assert.Greater(t, l.CooldownRemaining("NET", stopOutTime.Add(time.Minute), 20*time.Minute), time.Duration(0))
	assert.Equal(t, time.Duration(0), l.CooldownRemaining("NET", stopOutTime.Add(21*time.Minute), 20*time.Minute))
}

func TestTradeCap_SwitchesOnRealizedPnL(t *testing.T) {
	l := New(time.Now())
	assert.Equal(t, 10, l.TradeCap(10, 20))
	l.RegisterOpen("AAPL")
	l.RecordExit("AAPL", 5)
	assert.Equal(t, 20, l.TradeCap(10, 20))
}

func TestReleaseLock_AllowsImmediateRetry(t *testing.T) {
	l := New(time.Now())
	now := time.Now()
	require.True(t, l.TryAdmit("PFE", now, 5*time.Minute))
	l.ReleaseLock("PFE")
	assert.True(t, l.TryAdmit("PFE", now, 5*time.Minute))
}
