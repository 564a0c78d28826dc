package kv

import (
	"sync"

	"github.com/cockroachdb/errors"
)

type MemoryCategory int

const (
	MemoryCategoryTabletDynamic MemoryCategory = iota + 1
	MemoryCategoryWriteLogs
)

func (c MemoryCategory) String() string {
	switch c {
	case MemoryCategoryTabletDynamic:
		return "tablet_dynamic"
	case MemoryCategoryWriteLogs:
		return "write_logs"
	default:
		return "unknown"
	}
}

// MemoryTracker accounts memory per category and, for tablet dynamic memory,
// per pool. Guards are the only way usage changes.
type MemoryTracker struct {
	mu         sync.Mutex
	limits     map[MemoryCategory]int64
	poolLimits map[string]int64
	usage      map[MemoryCategory]int64
	poolUsage  map[string]int64
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		limits:     make(map[MemoryCategory]int64),
		poolLimits: make(map[string]int64),
		usage:      make(map[MemoryCategory]int64),
		poolUsage:  make(map[string]int64),
	}
}

// NewMemoryTrackerFromConfig applies the dynamic memory and pool limits.
func NewMemoryTrackerFromConfig(cfg *Config) *MemoryTracker {
	t := NewMemoryTracker()
	if cfg.DynamicMemoryLimit > 0 {
		t.SetLimit(MemoryCategoryTabletDynamic, int64(cfg.DynamicMemoryLimit))
	}
	for pool, limit := range cfg.PoolMemoryLimits {
		t.SetPoolLimit(pool, int64(limit))
	}
	return t
}

func (t *MemoryTracker) SetLimit(category MemoryCategory, limit int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits[category] = limit
}

func (t *MemoryTracker) SetPoolLimit(pool string, limit int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.poolLimits[pool] = limit
}

func (t *MemoryTracker) Used(category MemoryCategory) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage[category]
}

func (t *MemoryTracker) PoolUsed(pool string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.poolUsage[pool]
}

// IsExceeded reports whether the category, or the pool when given, is at or
// above its limit. Categories without a limit are never exceeded.
func (t *MemoryTracker) IsExceeded(category MemoryCategory, pool string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit, ok := t.limits[category]; ok && t.usage[category] >= limit {
		return true
	}
	if pool == "" {
		return false
	}
	limit, ok := t.poolLimits[pool]
	return ok && t.poolUsage[pool] >= limit
}

// Validate returns ErrMemoryLimitExceeded if IsExceeded holds.
func (t *MemoryTracker) Validate(category MemoryCategory, pool string) error {
	if !t.IsExceeded(category, pool) {
		return nil
	}
	return errors.Wrapf(ErrMemoryLimitExceeded, "category %s, pool %q, used %d", category, pool, t.Used(category))
}

func (t *MemoryTracker) add(category MemoryCategory, pool string, delta int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage[category] += delta
	if pool != "" {
		t.poolUsage[pool] += delta
	}
}

// NewGuard returns a guard charging the given category. A nil tracker yields
// a guard that only remembers its size.
func (t *MemoryTracker) NewGuard(category MemoryCategory, pool string) *MemoryGuard {
	return &MemoryGuard{tracker: t, category: category, pool: pool}
}

type MemoryGuard struct {
	tracker  *MemoryTracker
	category MemoryCategory
	pool     string
	size     int64
}

func (g *MemoryGuard) Size() int64 {
	if g == nil {
		return 0
	}
	return g.size
}

func (g *MemoryGuard) IncrementSize(delta int64) {
	if g == nil {
		return
	}
	g.size += delta
	if g.tracker != nil {
		g.tracker.add(g.category, g.pool, delta)
	}
}

func (g *MemoryGuard) SetSize(size int64) {
	if g == nil {
		return
	}
	g.IncrementSize(size - g.size)
}

// Release returns everything the guard holds to the tracker.
func (g *MemoryGuard) Release() {
	g.SetSize(0)
}
