package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/mediconnect/mediconnect/internal/platform/db"
	"github.com/mediconnect/mediconnect/internal/platform/metrics"
)

// CachedLinkChecker memoizes link lookups for ttl. Keys are scoped by
// hospital so schemas never share entries.
type CachedLinkChecker struct {
	next    LinkChecker
	cache   *cache.Cache
	metrics *metrics.ImagingMetrics
}

// NewCachedLinkChecker wraps next. m may be nil.
func NewCachedLinkChecker(next LinkChecker, ttl time.Duration, m *metrics.ImagingMetrics) *CachedLinkChecker {
	if m == nil {
		m = metrics.NewNop()
	}
	return &CachedLinkChecker{
		next:    next,
		cache:   cache.New(ttl, ttl*2),
		metrics: m,
	}
}

func linkKey(ctx context.Context, patientID, doctorID uuid.UUID) string {
	return db.TenantFromContext(ctx) + ":" + patientID.String() + ":" + doctorID.String()
}

func (c *CachedLinkChecker) IsLinked(ctx context.Context, patientID, doctorID uuid.UUID) (bool, error) {
	key := linkKey(ctx, patientID, doctorID)
	if cached, found := c.cache.Get(key); found {
		c.metrics.LinkCacheLookupsTotal.WithLabelValues("hit").Inc()
		return cached.(bool), nil
	}
	c.metrics.LinkCacheLookupsTotal.WithLabelValues("miss").Inc()

	linked, err := c.next.IsLinked(ctx, patientID, doctorID)
	if err != nil {
		return false, err
	}
	c.cache.Set(key, linked, cache.DefaultExpiration)
	return linked, nil
}

// Forget drops the cached answer for one pair.
func (c *CachedLinkChecker) Forget(ctx context.Context, patientID, doctorID uuid.UUID) {
	c.cache.Delete(linkKey(ctx, patientID, doctorID))
}

// Flush empties the cache.
func (c *CachedLinkChecker) Flush() {
	c.cache.Flush()
}
