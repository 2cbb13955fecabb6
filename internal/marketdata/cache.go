package marketdata

import (
	"sync"
	"time"

	"github.com/poorman/gapbot/internal/bar"
)

// cacheKey identifies a memoized bar series by symbol and timeframe.
type cacheKey struct {
	symbol    string
	timeframe time.Duration
}

type barEntry struct {
	bars      []bar.Bar
	fetchedAt time.Time
}

type quoteEntry struct {
	quote     bar.Quote
	fetchedAt time.Time
}

// ttlCache is the provider's internal synchronization point: bars and
// quotes are memoized per (symbol, timeframe) with independent TTLs.
// Safe for concurrent use across symbol workers.
type ttlCache struct {
	mu     sync.Mutex
	bars   map[cacheKey]barEntry
	quotes map[string]quoteEntry
}

func newTTLCache() *ttlCache {
	return &ttlCache{
		bars:   make(map[cacheKey]barEntry),
		quotes: make(map[string]quoteEntry),
	}
}

func (c *ttlCache) getBars(symbol string, timeframe time.Duration, ttl time.Duration, now time.Time) ([]bar.Bar, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.bars[cacheKey{symbol, timeframe}]
	if !ok || now.Sub(entry.fetchedAt) > ttl {
		return nil, false
	}
	return entry.bars, true
}

func (c *ttlCache) putBars(symbol string, timeframe time.Duration, bars []bar.Bar, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bars[cacheKey{symbol, timeframe}] = barEntry{bars: bars, fetchedAt: now}
}

func (c *ttlCache) getQuote(symbol string, ttl time.Duration, now time.Time) (bar.Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.quotes[symbol]
	if !ok || now.Sub(entry.fetchedAt) > ttl {
		return bar.Quote{}, false
	}
	return entry.quote, true
}

func (c *ttlCache) putQuote(symbol string, q bar.Quote, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[symbol] = quoteEntry{quote: q, fetchedAt: now}
}
