package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }

func TestRecordAndStats_RebuildsTallies(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	day := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(Event{Timestamp: day.Add(9 * time.Hour), Symbol: "AAPL", Kind: EventSetupAdmitted}))
	require.NoError(t, s.Record(Event{Timestamp: day.Add(9 * time.Hour), Symbol: "AAPL", Kind: EventEntryFilled, Price: 100, Size: 50}))
	require.NoError(t, s.Record(Event{Timestamp: day.Add(10 * time.Hour), Symbol: "AAPL", Kind: EventExit, Price: 102, Size: 50, RealizedPnL: floatPtr(100)}))
	require.NoError(t, s.Record(Event{Timestamp: day.Add(11 * time.Hour), Symbol: "TSLA", Kind: EventExit, Price: 248, Size: 40, RealizedPnL: floatPtr(-80)}))

	stats, err := s.Stats(day)
	require.NoError(t, err)
	assert.Equal(t, 20.0, stats.RealizedPnL)
	assert.Equal(t, 2, stats.FilledTradeCount)
	assert.Equal(t, 1, stats.Wins)
	assert.Equal(t, 1, stats.Losses)
}

func TestRecentTrades_ReturnsNewestFirst(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	day := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Record(Event{Timestamp: day.Add(9 * time.Hour), Symbol: "AAPL", Kind: EventExit, RealizedPnL: floatPtr(10)}))
	require.NoError(t, s.Record(Event{Timestamp: day.Add(10 * time.Hour), Symbol: "TSLA", Kind: EventExit, RealizedPnL: floatPtr(-5)}))

	trades, err := s.RecentTrades(day, 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "TSLA", trades[0].Symbol)
	assert.Equal(t, "AAPL", trades[1].Symbol)
}

func TestStats_EmptyDayReturnsZeroes(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	stats, err := s.Stats(time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 0.0, stats.RealizedPnL)
	assert.Equal(t, 0, stats.FilledTradeCount)
}
