package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oriys/orbiq/internal/cache"
	"github.com/oriys/orbiq/internal/domain"
)

// ProgressiveCache adapts a byte-oriented cache.Cache into the
// orchestrator's ReportCache, JSON-encoding reports under a fixed TTL. This
// is the "progressive-cache adapter" the cache-first fast path consults.
type ProgressiveCache struct {
	backend cache.Cache
	ttl     time.Duration
}

// NewProgressiveCache wraps backend with a report TTL.
func NewProgressiveCache(backend cache.Cache, ttl time.Duration) *ProgressiveCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ProgressiveCache{backend: backend, ttl: ttl}
}

func (c *ProgressiveCache) Get(ctx context.Context, key string) (domain.Report, bool, error) {
	raw, err := c.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return domain.Report{}, false, nil
		}
		return domain.Report{}, false, err
	}
	var report domain.Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return domain.Report{}, false, err
	}
	return report, true, nil
}

func (c *ProgressiveCache) Set(ctx context.Context, key string, report domain.Report) error {
	encoded, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return c.backend.Set(ctx, key, encoded, c.ttl)
}

var _ ReportCache = (*ProgressiveCache)(nil)
