package cpuengine

import "container/list"

// Tier identifies which compiled artifact a cache entry holds.
type Tier int

const (
	Tier1 Tier = iota
	Tier2
)

// CompiledBlock is a Tier-1 baseline-compiled block, opaque to the cache.
type CompiledBlock interface {
	Execute(rip uint64) Outcome
	SizeBytes() int
}

// CompiledRegion is a Tier-2 optimizing-compiled region, opaque to the
// cache. Distinct from CompiledBlock so a region can span multiple
// blocks and carry its own guard/deopt machinery.
type CompiledRegion interface {
	Execute(rip uint64) Outcome
	SizeBytes() int
}

type cacheKey struct {
	rip  uint64
	tier Tier
}

type cacheEntry struct {
	key      cacheKey
	block    CompiledBlock
	region   CompiledRegion
	snapshot []PageVersionEntry
	elem     *list.Element
}

func (e *cacheEntry) sizeBytes() int {
	if e.block != nil {
		return e.block.SizeBytes()
	}
	return e.region.SizeBytes()
}

func (e *cacheEntry) execute(rip uint64) Outcome {
	if e.block != nil {
		return e.block.Execute(rip)
	}
	return e.region.Execute(rip)
}

// codeCache is a two-index structure: a map from (entry_rip, tier) to
// handle, plus an LRU list. Eviction enforces both a block-count limit
// and a byte-size limit; a cache hit moves the entry to MRU without
// growing the list (set-indexed, per entry.elem).
type codeCache struct {
	blockLimit int
	byteLimit  int

	entries map[cacheKey]*cacheEntry
	order   *list.List // MRU at front, LRU at back
	bytes   int

	versions *pageVersions

	installRejectedStale int
}

func newCodeCache(blockLimit, byteLimit int, versions *pageVersions) *codeCache {
	return &codeCache{
		blockLimit: blockLimit,
		byteLimit:  byteLimit,
		entries:    make(map[cacheKey]*cacheEntry),
		order:      list.New(),
		versions:   versions,
	}
}

func (c *codeCache) lookup(rip uint64, tier Tier) (*cacheEntry, bool) {
	key := cacheKey{rip, tier}
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(e.elem)
	return e, true
}

// install attempts to land a freshly compiled blob. It re-checks the
// snapshot against the live page-version table (the stale install
// guard): if any page has advanced, the install is rejected and never
// evicts whatever entry (if any) is already cached at that key.
func (c *codeCache) install(key cacheKey, block CompiledBlock, region CompiledRegion, snapshot []PageVersionEntry) bool {
	if !c.versions.stillValid(snapshot) {
		c.installRejectedStale++
		return false
	}

	if existing, ok := c.entries[key]; ok {
		c.bytes -= existing.sizeBytes()
		c.order.Remove(existing.elem)
		delete(c.entries, key)
	}

	e := &cacheEntry{key: key, block: block, region: region, snapshot: snapshot}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e
	c.bytes += e.sizeBytes()

	c.evictToLimits()
	return true
}

func (c *codeCache) evictToLimits() {
	for len(c.entries) > c.blockLimit || (c.byteLimit > 0 && c.bytes > c.byteLimit) {
		back := c.order.Back()
		if back == nil {
			return
		}
		e := back.Value.(*cacheEntry)
		c.order.Remove(back)
		delete(c.entries, e.key)
		c.bytes -= e.sizeBytes()
	}
}

// invalidate drops a single (rip, tier) entry, e.g. a Deopt evicting
// only its Tier-2 region and leaving any Tier-1 peer in place.
func (c *codeCache) invalidate(rip uint64, tier Tier) {
	key := cacheKey{rip, tier}
	e, ok := c.entries[key]
	if !ok {
		return
	}
	c.order.Remove(e.elem)
	delete(c.entries, key)
	c.bytes -= e.sizeBytes()
}

// invalidatePages evicts every entry whose snapshot covers any of the
// given physical pages, used by on_guest_write.
func (c *codeCache) invalidatePages(pages []uint64) []cacheKey {
	touched := make(map[uint64]bool, len(pages))
	for _, p := range pages {
		touched[p] = true
	}

	var evicted []cacheKey
	for key, e := range c.entries {
		for _, pv := range e.snapshot {
			if touched[pv.Page] {
				evicted = append(evicted, key)
				break
			}
		}
	}
	for _, key := range evicted {
		e := c.entries[key]
		c.order.Remove(e.elem)
		delete(c.entries, key)
		c.bytes -= e.sizeBytes()
	}
	return evicted
}

func (c *codeCache) len() int { return len(c.entries) }

func (c *codeCache) reset() {
	c.entries = make(map[cacheKey]*cacheEntry)
	c.order.Init()
	c.bytes = 0
}
