package conversion

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/spherical/drawing-ingest/internal/cache"
	"github.com/spherical/drawing-ingest/internal/domain"
	"github.com/spherical/drawing-ingest/internal/observability"
)

const (
	cacheNamespace  = "conv"
	defaultCacheTTL = 7 * 24 * time.Hour
)

// CacheEntry is a completed conversion, keyed by content checksum and options.
type CacheEntry struct {
	Checksum   string                   `json:"checksum"`
	Options    domain.ConversionOptions `json:"options"`
	Applied    domain.ConversionOptions `json:"applied"`
	DocumentID string                   `json:"document_id"`
	SessionID  string                   `json:"session_id"`
	Pages      []domain.PageImage       `json:"pages"`
	TotalSize  int64                    `json:"total_size"`
	Duration   time.Duration            `json:"duration"`
	Attempts   int                      `json:"attempts"`
	CreatedAt  time.Time                `json:"created_at"`
	ExpiresAt  time.Time                `json:"expires_at"`
}

// CacheKey builds the lookup key for a checksum and requested options.
func CacheKey(checksum string, opts domain.ConversionOptions) string {
	return cache.CacheKey(cacheNamespace, checksum, opts.Key())
}

// resultCache stores CacheEntry values in a cache.Client.
type resultCache struct {
	client cache.Client
	ttl    time.Duration
	logger *observability.Logger
}

func newResultCache(client cache.Client, ttl time.Duration, logger *observability.Logger) *resultCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &resultCache{client: client, ttl: ttl, logger: logger}
}

// lookup returns the entry for key, or nil on a miss. An entry whose images are no longer
// on disk is deleted and reported as a miss. A non-nil error means the store is unusable.
func (c *resultCache) lookup(ctx context.Context, key string) (*CacheEntry, error) {
	data, err := c.client.Get(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Dropping unreadable cache entry")
		_ = c.client.Delete(ctx, key)
		return nil, nil
	}

	if len(entry.Pages) == 0 || !imagesExist(entry.Pages) {
		c.logger.Info().Str("key", key).Msg("Cached images missing, invalidating entry")
		_ = c.client.Delete(ctx, key)
		return nil, nil
	}
	return &entry, nil
}

func (c *resultCache) store(ctx context.Context, key string, entry *CacheEntry) error {
	entry.ExpiresAt = entry.CreatedAt.Add(c.ttl)
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl)
}

func imagesExist(pages []domain.PageImage) bool {
	for _, p := range pages {
		if _, err := os.Stat(p.Path); err != nil {
			return false
		}
	}
	return true
}
