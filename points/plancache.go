package points

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultPlanCacheSize = 128

// PlanCache is a read-through LRU over plan lookups. The loader is passed
// per call so reads inside a unit of work go through that unit's store.
type PlanCache struct {
	cache *lru.Cache[int64, Plan]
}

// NewPlanCache returns a cache holding up to size plans. A non-positive
// size falls back to DefaultPlanCacheSize.
func NewPlanCache(size int) *PlanCache {
	if size <= 0 {
		size = DefaultPlanCacheSize
	}
	c, err := lru.New[int64, Plan](size)
	if err != nil {
		// only possible for size <= 0, excluded above
		panic(err)
	}
	return &PlanCache{cache: c}
}

// Get returns the plan, loading and caching it on a miss. Missing plans are
// not cached.
func (c *PlanCache) Get(ctx context.Context, loader PlanStore, id int64) (*Plan, error) {
	if p, ok := c.cache.Get(id); ok {
		return &p, nil
	}
	p, err := loader.FindPlan(ctx, id)
	if err != nil || p == nil {
		return nil, err
	}
	c.cache.Add(id, *p)
	return p, nil
}

func (c *PlanCache) Invalidate(id int64) { c.cache.Remove(id) }

func (c *PlanCache) Len() int { return c.cache.Len() }
