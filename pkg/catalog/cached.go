package catalog

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/subledger/pkg/billing"
)

// CacheConfig holds cache configuration
type CacheConfig struct {
	MaxEntries int
	TTL        time.Duration
}

// DefaultCacheConfig returns sensible cache defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries: 256,
		TTL:        5 * time.Minute,
	}
}

const listKey = "*"

// Cached fronts another catalog with expiring LRU caches. Misses are not
// cached, so a plan added to the backing store shows up on the next lookup.
type Cached struct {
	next  billing.Catalog
	byKey *lru.LRU[string, *billing.Plan]
	byID  *lru.LRU[int64, *billing.Plan]
	list  *lru.LRU[string, []*billing.Plan]
}

// NewCached wraps next
func NewCached(next billing.Catalog, config CacheConfig) *Cached {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultCacheConfig().MaxEntries
	}
	if config.TTL <= 0 {
		config.TTL = DefaultCacheConfig().TTL
	}
	return &Cached{
		next:  next,
		byKey: lru.NewLRU[string, *billing.Plan](config.MaxEntries, nil, config.TTL),
		byID:  lru.NewLRU[int64, *billing.Plan](config.MaxEntries, nil, config.TTL),
		list:  lru.NewLRU[string, []*billing.Plan](1, nil, config.TTL),
	}
}

func (c *Cached) store(plan *billing.Plan) {
	c.byKey.Add(plan.Key, clonePlan(plan))
	c.byID.Add(plan.ID, clonePlan(plan))
}

// PlanByKey implements billing.Catalog
func (c *Cached) PlanByKey(ctx context.Context, key string) (*billing.Plan, error) {
	if plan, ok := c.byKey.Get(key); ok {
		return clonePlan(plan), nil
	}
	plan, err := c.next.PlanByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	c.store(plan)
	return plan, nil
}

// PlanByID implements billing.Catalog
func (c *Cached) PlanByID(ctx context.Context, id int64) (*billing.Plan, error) {
	if plan, ok := c.byID.Get(id); ok {
		return clonePlan(plan), nil
	}
	plan, err := c.next.PlanByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(plan)
	return plan, nil
}

// ListPlans implements billing.Catalog
func (c *Cached) ListPlans(ctx context.Context) ([]*billing.Plan, error) {
	if plans, ok := c.list.Get(listKey); ok {
		return clonePlans(plans), nil
	}
	plans, err := c.next.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	c.list.Add(listKey, clonePlans(plans))
	for _, plan := range plans {
		c.store(plan)
	}
	return plans, nil
}

// Purge drops every cached entry
func (c *Cached) Purge() {
	c.byKey.Purge()
	c.byID.Purge()
	c.list.Purge()
}

func clonePlans(plans []*billing.Plan) []*billing.Plan {
	out := make([]*billing.Plan, len(plans))
	for i, p := range plans {
		out[i] = clonePlan(p)
	}
	return out
}
