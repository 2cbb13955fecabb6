// Package watchlist provides the scanner's symbol universe behind a single
// Source interface: a config-supplied static list, or an HTTP source that
// polls a scored-symbol-list endpoint and retries with backoff.
package watchlist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Source supplies the set of symbols the scanner evaluates on each tick.
type Source interface {
	Symbols(ctx context.Context) ([]string, error)
}

// StaticList is a fixed, config-supplied symbol set.
type StaticList struct {
	symbols []string
}

// NewStaticList constructs a StaticList from the given symbols.
func NewStaticList(symbols []string) StaticList {
	return StaticList{symbols: symbols}
}

// Symbols returns the fixed list, unchanged on every call.
func (s StaticList) Symbols(ctx context.Context) ([]string, error) {
	return s.symbols, nil
}

// HTTPSource polls a scored-symbol-list JSON endpoint and returns the
// symbols sorted by descending score, mirroring GetAI100TopStocks' shape.
type HTTPSource struct {
	httpClient *http.Client
	url        string
	limit      int
}

// NewHTTPSource constructs an HTTPSource against the given endpoint,
// returning at most limit symbols per poll.
func NewHTTPSource(url string, limit int) *HTTPSource {
	return &HTTPSource{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		url:        url,
		limit:      limit,
	}
}

type scoredSymbol struct {
	Symbol string  `json:"symbol"`
	Score  float64 `json:"score"`
}

type watchlistResponse struct {
	Success bool           `json:"success"`
	Symbols []scoredSymbol `json:"symbols"`
}

const maxRetries = 3

// Symbols fetches and sorts the scored symbol list, making at most
// maxRetries attempts in all, with a fixed 2-second pause between them.
func (h *HTTPSource) Symbols(ctx context.Context) ([]string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			log.Warn().Int("attempt", attempt).Err(lastErr).Msg("retrying watchlist fetch")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}

		symbols, err := h.fetch(ctx)
		if err == nil {
			return symbols, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("all watchlist fetch attempts failed: %w", lastErr)
}

func (h *HTTPSource) fetch(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("watchlist API returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed watchlistResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse watchlist response: %w", err)
	}
	if !parsed.Success {
		return nil, fmt.Errorf("watchlist API reported failure")
	}

	sort.Slice(parsed.Symbols, func(i, j int) bool {
		return parsed.Symbols[i].Score > parsed.Symbols[j].Score
	})

	limit := h.limit
	if limit <= 0 || limit > len(parsed.Symbols) {
		limit = len(parsed.Symbols)
	}
	out := make([]string, limit)
	for i := 0; i < limit; i++ {
		out[i] = parsed.Symbols[i].Symbol
	}
	return out, nil
}

var _ Source = StaticList{}
var _ Source = (*HTTPSource)(nil)
