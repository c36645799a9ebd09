package cpuengine

import "container/list"

// hotEntry tracks one entry RIP's execution count and whether compile
// requests are currently in flight for it, so the engine never issues a
// second Tier-N request while the first hasn't landed.
type hotEntry struct {
	rip            uint64
	count          uint64
	tier1Requested bool
	tier2Requested bool
	elem           *list.Element
}

// hotnessProfile is a bounded, LRU-evicted map from entry RIP to an
// execution counter. Spec.md sizes it at roughly twice the code cache's
// block capacity; eviction prefers the least recently used entry with no
// compile request in flight, and falls back to the true LRU only when
// every entry has one.
type hotnessProfile struct {
	capacity int
	entries  map[uint64]*hotEntry
	order    *list.List // MRU at front
}

func newHotnessProfile(codeCacheBlockCapacity int) *hotnessProfile {
	cap := codeCacheBlockCapacity * 2
	if cap <= 0 {
		cap = 1
	}
	return &hotnessProfile{
		capacity: cap,
		entries:  make(map[uint64]*hotEntry),
		order:    list.New(),
	}
}

func (h *hotnessProfile) touch(rip uint64) *hotEntry {
	if e, ok := h.entries[rip]; ok {
		h.order.MoveToFront(e.elem)
		return e
	}

	e := &hotEntry{rip: rip}
	e.elem = h.order.PushFront(e)
	h.entries[rip] = e

	if len(h.entries) > h.capacity {
		h.evictOne()
	}
	return e
}

func (h *hotnessProfile) evictOne() {
	for back := h.order.Back(); back != nil; back = back.Prev() {
		e := back.Value.(*hotEntry)
		if !e.tier1Requested && !e.tier2Requested {
			h.order.Remove(back)
			delete(h.entries, e.rip)
			return
		}
	}
	// Every remaining entry has a request in flight: evict the true LRU
	// anyway rather than grow unbounded. The entry's counter and
	// requested flags are lost; the compile result still installs when
	// it lands, subject only to the page-version install guard.
	back := h.order.Back()
	if back == nil {
		return
	}
	e := back.Value.(*hotEntry)
	h.order.Remove(back)
	delete(h.entries, e.rip)
}

// recordEntry increments the counter for rip and returns it along with
// the entry so callers can flip the requested flags after issuing a
// compile.
func (h *hotnessProfile) recordEntry(rip uint64) *hotEntry {
	e := h.touch(rip)
	e.count++
	return e
}

func (h *hotnessProfile) len() int { return len(h.entries) }

// reset clears every counter and in-flight flag; after a runtime
// reset no entry retains any hotness.
func (h *hotnessProfile) reset() {
	h.entries = make(map[uint64]*hotEntry)
	h.order.Init()
}
