package quote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedSource wraps a Source with a Redis read-through cache. Reads check
// Redis first then fall back to the wrapped source. Synthetic fallback
// quotes are never cached, so a recovered upstream is seen on the next read.
// Redis failures degrade to uncached reads.
type CachedSource struct {
	src Source
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedSource creates a cached wrapper around src.
func NewCachedSource(src Source, rdb *redis.Client, ttl time.Duration) *CachedSource {
	return &CachedSource{
		src: src,
		rdb: rdb,
		ttl: ttl,
	}
}

func (c *CachedSource) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	data, err := c.rdb.Get(ctx, quoteKey(symbol)).Bytes()
	if err == nil {
		var q Quote
		if json.Unmarshal(data, &q) == nil {
			return &q, nil
		}
	}

	// Cache miss: ask the wrapped source.
	q, err := c.src.GetQuote(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !q.Fallback {
		if data, err := json.Marshal(q); err == nil {
			c.rdb.Set(ctx, quoteKey(symbol), data, c.ttl)
		}
	}
	return q, nil
}

func (c *CachedSource) GetHistory(ctx context.Context, symbol, period string) ([]Bar, error) {
	period = NormalizePeriod(period)
	data, err := c.rdb.Get(ctx, historyKey(symbol, period)).Bytes()
	if err == nil {
		var bars []Bar
		if json.Unmarshal(data, &bars) == nil {
			return bars, nil
		}
	}

	bars, err := c.src.GetHistory(ctx, symbol, period)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(bars); err == nil {
		c.rdb.Set(ctx, historyKey(symbol, period), data, c.ttl)
	}
	return bars, nil
}

// Invalidate drops the cached quote for symbol.
func (c *CachedSource) Invalidate(ctx context.Context, symbol string) error {
	return c.rdb.Del(ctx, quoteKey(symbol)).Err()
}

func quoteKey(symbol string) string {
	return "quote:" + symbol
}

func historyKey(symbol, period string) string {
	return "history:" + symbol + ":" + period
}
