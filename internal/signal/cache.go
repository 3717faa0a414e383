package signal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/dealdesk/internal/model"
)

// DefaultCacheTTL bounds how long a per-deal signal bundle is reused before
// providers are queried again.
const DefaultCacheTTL = 5 * time.Minute

// InvalidateCriteria selects cache entries to evict by account or opportunity
// token.
type InvalidateCriteria struct {
	AccountName     string
	OpportunityName string
}

type cacheEntry struct {
	expiresAt time.Time
	payload   []model.DealSignal
}

// Cache memoizes signal bundles per deal. Entries are immutable once stored;
// a refresh replaces the whole entry. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewCache creates a signal cache. A non-positive ttl falls back to
// DefaultCacheTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Key builds a cache key scoped to the auth mode and viewer so cached
// signals never leak across identities.
func Key(authMode, viewerUserID, accountName, opportunityName string) string {
	return fmt.Sprintf("%s:%s:%s:%s", authMode, viewerUserID, accountName, opportunityName)
}

// GetOrFetch returns the cached bundle for key, or runs producer and caches
// its result. A producer error is returned without poisoning the cache.
func (c *Cache) GetOrFetch(ctx context.Context, key string, producer func(context.Context) ([]model.DealSignal, error)) ([]model.DealSignal, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && entry.expiresAt.After(c.now()) {
		return entry.payload, nil
	}

	payload, err := producer(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{expiresAt: c.now().Add(c.ttl), payload: payload}
	c.mu.Unlock()

	return payload, nil
}

// Invalidate evicts every entry whose key contains the lowercased account
// and opportunity tokens. The matching is deliberately coarse: a new update
// for an account should never leave a stale bundle behind, even at the cost
// of evicting a neighbor's entry.
func (c *Cache) Invalidate(criteria InvalidateCriteria) int {
	accountToken := strings.ToLower(criteria.AccountName)
	opportunityToken := strings.ToLower(criteria.OpportunityName)
	if accountToken == "" && opportunityToken == "" {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key := range c.entries {
		keyLower := strings.ToLower(key)
		if (accountToken == "" || strings.Contains(keyLower, accountToken)) &&
			(opportunityToken == "" || strings.Contains(keyLower, opportunityToken)) {
			delete(c.entries, key)
			evicted++
		}
	}
	if evicted > 0 {
		zap.L().Debug("signal cache invalidated",
			zap.String("account", criteria.AccountName),
			zap.String("opportunity", criteria.OpportunityName),
			zap.Int("evicted", evicted))
	}
	return evicted
}

// Len reports the number of live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
