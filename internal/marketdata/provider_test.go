package marketdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBars_FetchesAndCaches(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "testkey", r.Header.Get("APCA-API-KEY-ID"))
		resp := alpacaBarsResponse{Bars: []alpacaBar{
			{Timestamp: "2026-07-31T13:30:00Z", Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1000},
			{Timestamp: "2026-07-31T13:31:00Z", Open: 100.5, High: 102, Low: 100, Close: 101.5, Volume: 1100},
		}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := New(srv.URL, "testkey", "testsecret")
	bars, err := p.Bars(context.Background(), "AAPL", time.Minute, 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 100.5, bars[0].Close)

	// Second call within TTL must be served from cache, not refetched.
	_, err = p.Bars(context.Background(), "AAPL", time.Minute, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestBars_RejectsNonAscending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := alpacaBarsResponse{Bars: []alpacaBar{
			{Timestamp: "2026-07-31T13:31:00Z", Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1000},
			{Timestamp: "2026-07-31T13:30:00Z", Open: 100.5, High: 102, Low: 100, Close: 101.5, Volume: 1100},
		}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := New(srv.URL, "k", "s")
	_, err := p.Bars(context.Background(), "AAPL", time.Minute, 2)
	assert.ErrorIs(t, err, ErrDataUnavailable)
}

func TestLast_SurfacesDataUnavailableAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	p := New(srv.URL, "k", "s")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := p.Last(ctx, "AAPL")
	assert.ErrorIs(t, err, ErrDataUnavailable)
}

func TestLast_ParsesLatestTrade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := alpacaTradeResponse{Trade: alpacaTrade{Price: 123.45, Timestamp: "2026-07-31T13:30:00Z"}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := New(srv.URL, "k", "s")
	q, err := p.Last(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 123.45, q.Last)
	assert.Equal(t, "AAPL", q.Symbol)
}
