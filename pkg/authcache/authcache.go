package authcache

import (
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sendlix/smtp-relay/backend"
	"github.com/sendlix/smtp-relay/logger"
	"github.com/sendlix/smtp-relay/pkg/metrics"
)

const defaultMaxSize = 10000

// Key derives the cache key for an API key. The secret never appears in the key.
func Key(secret, keyID string) string {
	sum := sha256.Sum256([]byte(secret + keyID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// TokenCache holds bearer tokens keyed by Key(secret, keyID).
//
// Entries are never expired in the background. Callers check Token.Expires on
// lookup and replace stale entries with Set. Concurrent writers to the same
// key race and the last Set wins.
type TokenCache struct {
	mu      sync.RWMutex
	entries map[string]backend.Token
	maxSize int

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a token cache holding at most maxSize entries.
func New(maxSize int) *TokenCache {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}

	logger.Debug("TokenCache: Initialized", "max_size", maxSize)

	return &TokenCache{
		entries: make(map[string]backend.Token),
		maxSize: maxSize,
	}
}

// Get returns the cached token for key, regardless of its expiry.
func (c *TokenCache) Get(key string) (backend.Token, bool) {
	c.mu.RLock()
	token, ok := c.entries[key]
	c.mu.RUnlock()

	if ok {
		c.hits.Add(1)
		metrics.TokenCacheHitsTotal.Inc()
	} else {
		c.misses.Add(1)
		metrics.TokenCacheMissesTotal.Inc()
	}
	c.updateHitRateMetric()

	return token, ok
}

// Set stores token under key, replacing any previous entry.
func (c *TokenCache) Set(key string, token backend.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictSoonestExpiring()
	}

	c.entries[key] = token
	metrics.TokenCacheEntries.Set(float64(len(c.entries)))
}

// InvalidateToken drops every entry holding the bearer value, so the next
// login for that key asks the backend again. It reports whether anything was removed.
func (c *TokenCache) InvalidateToken(value string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := false
	for key, token := range c.entries {
		if token.Value == value {
			delete(c.entries, key)
			removed = true
		}
	}
	if removed {
		metrics.TokenCacheEntries.Set(float64(len(c.entries)))
	}
	return removed
}

// evictSoonestExpiring drops the entry closest to expiry.
// Caller must hold the write lock.
func (c *TokenCache) evictSoonestExpiring() {
	var (
		victim string
		oldest time.Time
		first  = true
	)
	for key, token := range c.entries {
		if first || token.Expires.Before(oldest) {
			victim = key
			oldest = token.Expires
			first = false
		}
	}
	if !first {
		delete(c.entries, victim)
	}
}

func (c *TokenCache) updateHitRateMetric() {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total > 0 {
		metrics.TokenCacheHitRate.Set(float64(hits) / float64(total) * 100)
	}
}

// GetStats returns cache statistics
func (c *TokenCache) GetStats() (hits, misses uint64, size int, hitRate float64) {
	c.mu.RLock()
	size = len(c.entries)
	c.mu.RUnlock()

	hits = c.hits.Load()
	misses = c.misses.Load()
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	return hits, misses, size, hitRate
}
