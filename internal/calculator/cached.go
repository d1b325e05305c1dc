package calculator

import (
	"context"
	"sync"
	"time"

	"github.com/wnt/oracle/internal/bigint"
	"github.com/wnt/oracle/internal/cache"
	"github.com/wnt/oracle/internal/store"
)

// kMetricTTL matches spec §5's "K-metric 30s" cache namespace.
const kMetricTTL = 30 * time.Second

const cacheKey = "current"

// Cached wraps Calculate with the 30-second freshness window the
// dashboard's /k-metric endpoint relies on (spec §4.4, §5). Params is
// held behind a mutex rather than copied at construction time since the
// price refresher updates USDMinBalanceInRaw as new prices arrive,
// independently of any caller still holding an older Params value.
type Cached struct {
	store store.Store
	cache *cache.Cache[Result]

	mu     sync.RWMutex
	params Params
}

func NewCached(s store.Store, params Params) *Cached {
	return &Cached{store: s, params: params, cache: cache.New[Result](kMetricTTL, 1)}
}

// Params returns the currently-effective calculation parameters,
// including whatever USD-minimum translation the price refresher last
// computed.
func (c *Cached) Params() Params {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params
}

// SetUSDMinBalance updates the dynamic USD-minimum threshold in raw
// token units, invalidating the cache so the next Get picks it up (spec
// §4.4: "USD-minimum translated into raw tokens at the latest price").
// A nil amt reverts to the static fallback.
func (c *Cached) SetUSDMinBalance(amt *bigint.Amount) {
	c.mu.Lock()
	c.params.USDMinBalanceInRaw = amt
	c.mu.Unlock()
	c.Invalidate()
}

// Get returns the cached result if fresh, else recomputes (without
// persisting a snapshot; only explicit CalculateAndSave calls do that).
func (c *Cached) Get(ctx context.Context) (Result, error) {
	if result, ok := c.cache.Get(cacheKey); ok {
		return result, nil
	}
	result, err := Calculate(ctx, c.store, c.Params())
	if err != nil {
		return Result{}, err
	}
	c.cache.Set(cacheKey, result)
	return result, nil
}

// Invalidate forces the next Get to recompute, used after a batch the
// ingest pipeline applies (spec §4.3: "invoke K Calculator" per batch).
func (c *Cached) Invalidate() {
	c.cache.Delete(cacheKey)
}
