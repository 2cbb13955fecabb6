// Package marketdata implements the Market Data Provider: fetching OHLCV
// bars and last prices from an Alpaca-shaped REST data API, memoizing both
// with a short TTL, and retrying transient failures with bounded backoff
// before surfacing ErrDataUnavailable.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/poorman/gapbot/internal/bar"
)

// ErrDataUnavailable is returned when bars or a quote cannot be produced
// after the retry budget is exhausted.
var ErrDataUnavailable = errors.New("marketdata: data unavailable")

const (
	maxRetries     = 3
	initialBackoff = 250 * time.Millisecond
	requestTimeout = 10 * time.Second
	quoteTTL       = 2 * time.Second
)

// Provider exposes Bars and Last, each backed by an HTTP fetch against an
// Alpaca-shaped data API and a TTL cache.
type Provider struct {
	httpClient *http.Client
	dataURL    string
	keyID      string
	secretKey  string
	cache      *ttlCache
	now        func() time.Time
}

// New constructs a Provider against the given Alpaca-shaped data API.
func New(dataURL, keyID, secretKey string) *Provider {
	return &Provider{
		httpClient: &http.Client{Timeout: requestTimeout},
		dataURL:    dataURL,
		keyID:      keyID,
		secretKey:  secretKey,
		cache:      newTTLCache(),
		now:        time.Now,
	}
}

// Bars returns the last n bars for symbol at the given timeframe, ending
// at-or-before "now", in strict ascending timestamp order. Cached with a
// TTL equal to the timeframe (e.g. 60s for 1-minute bars); a stale cache
// entry triggers a refetch.
func (p *Provider) Bars(ctx context.Context, symbol string, timeframe time.Duration, n int) ([]bar.Bar, error) {
	now := p.now()
	if cached, ok := p.cache.getBars(symbol, timeframe, timeframe, now); ok {
		return cached, nil
	}

	bars, err := p.fetchBarsWithRetry(ctx, symbol, timeframe, n)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDataUnavailable, symbol, err)
	}
	if !bar.Ascending(bars) {
		return nil, fmt.Errorf("%w: %s: provider returned non-ascending bars", ErrDataUnavailable, symbol)
	}
	p.cache.putBars(symbol, timeframe, bars, now)
	return bars, nil
}

// Last returns the cached last-trade quote for symbol, refetching if the
// cache entry is older than quoteTTL.
func (p *Provider) Last(ctx context.Context, symbol string) (bar.Quote, error) {
	now := p.now()
	if cached, ok := p.cache.getQuote(symbol, quoteTTL, now); ok {
		return cached, nil
	}

	q, err := p.fetchQuoteWithRetry(ctx, symbol)
	if err != nil {
		return bar.Quote{}, fmt.Errorf("%w: %s: %v", ErrDataUnavailable, symbol, err)
	}
	p.cache.putQuote(symbol, q, now)
	return q, nil
}

func (p *Provider) fetchBarsWithRetry(ctx context.Context, symbol string, timeframe time.Duration, n int) ([]bar.Bar, error) {
	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().Str("symbol", symbol).Int("attempt", attempt).Err(lastErr).Msg("retrying bars fetch")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		bars, err := p.fetchBars(ctx, symbol, timeframe, n)
		if err == nil {
			return bars, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (p *Provider) fetchQuoteWithRetry(ctx context.Context, symbol string) (bar.Quote, error) {
	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().Str("symbol", symbol).Int("attempt", attempt).Err(lastErr).Msg("retrying quote fetch")
			select {
			case <-ctx.Done():
				return bar.Quote{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		q, err := p.fetchQuote(ctx, symbol)
		if err == nil {
			return q, nil
		}
		lastErr = err
	}
	return bar.Quote{}, lastErr
}

type alpacaBar struct {
	Timestamp string  `json:"t"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    float64 `json:"v"`
}

type alpacaBarsResponse struct {
	Bars []alpacaBar `json:"bars"`
}

func (p *Provider) fetchBars(ctx context.Context, symbol string, timeframe time.Duration, n int) ([]bar.Bar, error) {
	tf := alpacaTimeframe(timeframe)
	endpoint := fmt.Sprintf("%s/v2/stocks/%s/bars", p.dataURL, url.PathEscape(symbol))
	q := url.Values{}
	q.Set("timeframe", tf)
	q.Set("limit", strconv.Itoa(n))
	q.Set("adjustment", "raw")

	body, err := p.get(ctx, endpoint+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp alpacaBarsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse bars response: %w", err)
	}

	out := make([]bar.Bar, 0, len(resp.Bars))
	for _, b := range resp.Bars {
		ts, err := time.Parse(time.RFC3339, b.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("parse bar timestamp %q: %w", b.Timestamp, err)
		}
		out = append(out, bar.Bar{
			Timestamp: ts,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}
	return out, nil
}

type alpacaTrade struct {
	Price     float64 `json:"p"`
	Timestamp string  `json:"t"`
}

type alpacaTradeResponse struct {
	Trade alpacaTrade `json:"trade"`
}

func (p *Provider) fetchQuote(ctx context.Context, symbol string) (bar.Quote, error) {
	endpoint := fmt.Sprintf("%s/v2/stocks/%s/trades/latest", p.dataURL, url.PathEscape(symbol))
	body, err := p.get(ctx, endpoint)
	if err != nil {
		return bar.Quote{}, err
	}

	var resp alpacaTradeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return bar.Quote{}, fmt.Errorf("parse trade response: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, resp.Trade.Timestamp)
	if err != nil {
		ts = p.now()
	}
	return bar.Quote{Symbol: symbol, Last: resp.Trade.Price, Timestamp: ts}, nil
}

func (p *Provider) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", p.keyID)
	req.Header.Set("APCA-API-SECRET-KEY", p.secretKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// alpacaTimeframe maps a Go duration onto Alpaca's timeframe query values
// (e.g. "1Min", "5Min"), the supported granularities for this engine.
func alpacaTimeframe(d time.Duration) string {
	switch {
	case d <= time.Minute:
		return "1Min"
	case d <= 5*time.Minute:
		return "5Min"
	case d <= 15*time.Minute:
		return "15Min"
	default:
		return "1Day"
	}
}
