// Package tenants resolves a tenant's subscription tier.
package tenants

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/singleflight"

	"github.com/costlens/pipeline-service/internal/database"
	"github.com/costlens/pipeline-service/internal/retry"
)

// ErrUnknownTenant is returned for tenants that do not exist. It
// classifies as a validation error.
var ErrUnknownTenant = &retry.ClassifiedError{
	Class: retry.ClassValidation,
	Err:   errors.New("unknown tenant"),
}

// Resolver looks up tenant tiers in the tenants table
type Resolver struct {
	db database.DB
}

func NewResolver(db database.DB) *Resolver {
	return &Resolver{db: db}
}

// GetTier returns the tenant's tier name
func (r *Resolver) GetTier(ctx context.Context, tenantID string) (string, error) {
	var tier string
	err := r.db.QueryRow(ctx, `SELECT tier FROM tenants WHERE tenant_id = $1`, tenantID).Scan(&tier)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up tier for %s: %w", tenantID, err)
	}
	return tier, nil
}

// TierSource is anything that can resolve a tier
type TierSource interface {
	GetTier(ctx context.Context, tenantID string) (string, error)
}

type cachedTier struct {
	tier    string
	expires time.Time
}

// CachedResolver caches tiers for a TTL. Concurrent misses for the same
// tenant share one lookup.
type CachedResolver struct {
	source TierSource
	ttl    time.Duration
	group  singleflight.Group

	mu    sync.RWMutex
	cache map[string]cachedTier
	now   func() time.Time
}

func NewCachedResolver(source TierSource, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedResolver{
		source: source,
		ttl:    ttl,
		cache:  make(map[string]cachedTier),
		now:    time.Now,
	}
}

func (c *CachedResolver) GetTier(ctx context.Context, tenantID string) (string, error) {
	c.mu.RLock()
	entry, ok := c.cache[tenantID]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expires) {
		return entry.tier, nil
	}

	v, err, _ := c.group.Do(tenantID, func() (any, error) {
		c.mu.RLock()
		entry, ok := c.cache[tenantID]
		c.mu.RUnlock()
		if ok && c.now().Before(entry.expires) {
			return entry.tier, nil
		}

		tier, err := c.source.GetTier(ctx, tenantID)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.cache[tenantID] = cachedTier{tier: tier, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return tier, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops a cached tier
func (c *CachedResolver) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.cache, tenantID)
	c.mu.Unlock()
}
