package streamer

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spaghettifunk/presto/engine/core"
	"github.com/spaghettifunk/presto/engine/manifest"
)

// ownerSet tracks which levels currently depend on a cached asset. An asset
// with an empty owner set is eligible for eviction.
type ownerSet map[string]struct{}

func (o ownerSet) add(levelID string) {
	o[levelID] = struct{}{}
}

func (o ownerSet) remove(levelID string) {
	delete(o, levelID)
}

func (o ownerSet) empty() bool {
	return len(o) == 0
}

// CachedAsset is one resident resource. Created once per id on successful
// load; only its last-access time and owner set change afterwards.
type CachedAsset struct {
	Entry      *manifest.AssetEntry
	Handle     Handle
	MemoryKB   int64
	lastAccess time.Time
	owners     ownerSet
}

// cache is the single source of truth for residency. It also carries the
// memory accumulator and runs the eviction pass, so all three pieces of
// shared state live behind one lock.
type cache struct {
	mu       sync.Mutex
	entries  map[string]*CachedAsset
	totalKB  int64
	budgetKB int64
	disposer Disposer
	clk      clock.Clock
}

func newCache(budgetKB int64, disposer Disposer, clk clock.Clock) *cache {
	return &cache{
		entries:  make(map[string]*CachedAsset),
		budgetKB: budgetKB,
		disposer: disposer,
		clk:      clk,
	}
}

// lookup returns the handle for a resident asset, refreshing its last-access
// time and registering the requesting level as an owner.
func (c *cache) lookup(id, levelID string) (Handle, bool) {
	ca, ok := c.record(id, levelID)
	if !ok {
		return nil, false
	}
	return ca.Handle, true
}

// record is lookup returning the full record; the load path uses it to
// re-check residency inside the single-flight body.
func (c *cache) record(id, levelID string) (*CachedAsset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ca, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	ca.lastAccess = c.clk.Now()
	ca.owners.add(levelID)
	return ca, true
}

// own registers ownership on an already-resident asset. Used by callers that
// joined an in-flight load; returns false if the asset vanished in between.
func (c *cache) own(id, levelID string) (Handle, bool) {
	return c.lookup(id, levelID)
}

// adopt is own without the miss being meaningful; used to re-own assets
// shared with already-loaded levels.
func (c *cache) adopt(id, levelID string) {
	c.lookup(id, levelID)
}

// admit inserts a freshly loaded asset owned by the requesting level and
// immediately runs the eviction pass. If the id is somehow already resident
// the existing record wins and the new handle is disposed.
func (c *cache) admit(entry *manifest.AssetEntry, h Handle, costKB int64, levelID string) *CachedAsset {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[entry.ID]; ok {
		existing.lastAccess = c.clk.Now()
		existing.owners.add(levelID)
		c.disposer.Dispose(h)
		return existing
	}

	ca := &CachedAsset{
		Entry:      entry,
		Handle:     h,
		MemoryKB:   costKB,
		lastAccess: c.clk.Now(),
		owners:     ownerSet{levelID: {}},
	}
	c.entries[entry.ID] = ca
	c.totalKB += costKB

	c.evictLocked()
	return ca
}

// releaseOwner removes the level from every owner set and eagerly disposes
// any asset left unowned. This is the unload path, distinct from the lazy
// budget pass that only runs on admissions.
func (c *cache) releaseOwner(levelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, ca := range c.entries {
		ca.owners.remove(levelID)
		if ca.owners.empty() {
			c.removeLocked(id, ca)
			core.LogDebug("disposed '%s' (%dKB), last owner '%s' unloaded", id, ca.MemoryKB, levelID)
		}
	}
}

func (c *cache) resident(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

func (c *cache) usageKB() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalKB
}

func (c *cache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// setBudgetKB adjusts the budget at runtime and re-evaluates immediately.
func (c *cache) setBudgetKB(kb int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.budgetKB = kb
	c.evictLocked()
}

func (c *cache) budget() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.budgetKB
}

// evictLocked brings accounted memory back under budget by disposing
// unreferenced assets, oldest access first. Owned assets are never touched,
// so staying over budget is possible; enforcement is best-effort.
func (c *cache) evictLocked() {
	if c.totalKB <= c.budgetKB {
		return
	}

	candidates := make([]*CachedAsset, 0)
	for _, ca := range c.entries {
		if ca.owners.empty() {
			candidates = append(candidates, ca)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess.Before(candidates[j].lastAccess)
	})

	for _, ca := range candidates {
		if c.totalKB <= c.budgetKB {
			return
		}
		c.removeLocked(ca.Entry.ID, ca)
		core.LogDebug("evicted '%s' (%dKB), memory now %d/%dKB", ca.Entry.ID, ca.MemoryKB, c.totalKB, c.budgetKB)
	}

	if c.totalKB > c.budgetKB {
		core.LogWarn("memory %dKB exceeds budget %dKB with no evictable assets", c.totalKB, c.budgetKB)
	}
}

// invalidate drops an unreferenced resident asset so the next request
// reloads it from disk. Returns false when the asset is owned and can only
// be flagged as stale.
func (c *cache) invalidate(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ca, ok := c.entries[id]
	if !ok {
		return true
	}
	if !ca.owners.empty() {
		return false
	}
	c.removeLocked(id, ca)
	return true
}

func (c *cache) disposeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, ca := range c.entries {
		c.removeLocked(id, ca)
	}
}

func (c *cache) removeLocked(id string, ca *CachedAsset) {
	delete(c.entries, id)
	c.totalKB -= ca.MemoryKB
	c.disposer.Dispose(ca.Handle)
}
