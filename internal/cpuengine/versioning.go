package cpuengine

const pageShift = 12

// PageVersionEntry names one physical page and the version it carried
// when a compiled blob's snapshot was taken.
type PageVersionEntry struct {
	Page    uint64
	Version uint64
}

// pageVersions is the per-physical-page version counter the code cache
// checks compiled blobs' snapshots against. Tracking is bounded: at most
// maxPages distinct pages are remembered, with LRU eviction. An evicted
// page's version is "unknown" and treated as always-advanced, so any
// blob snapshotting it is rejected or invalidated conservatively.
type pageVersions struct {
	maxPages int
	version  map[uint64]uint64
	order    []uint64 // LRU at front, MRU at back
}

func newPageVersions(maxPages int) *pageVersions {
	if maxPages <= 0 {
		maxPages = 4096
	}
	return &pageVersions{maxPages: maxPages, version: make(map[uint64]uint64)}
}

func (pv *pageVersions) touch(page uint64) {
	for i, p := range pv.order {
		if p == page {
			pv.order = append(pv.order[:i], pv.order[i+1:]...)
			break
		}
	}
	pv.order = append(pv.order, page)
	for len(pv.order) > pv.maxPages {
		evict := pv.order[0]
		pv.order = pv.order[1:]
		delete(pv.version, evict)
	}
}

// current returns a page's version and whether it is still tracked
// (false means unknown: any snapshot of it must be treated as stale).
func (pv *pageVersions) current(page uint64) (uint64, bool) {
	v, ok := pv.version[page]
	return v, ok
}

// bump advances the version of every page covered by [paddr, paddr+n),
// returning the set of pages touched.
func (pv *pageVersions) bump(paddr uint64, n int) []uint64 {
	if n <= 0 {
		return nil
	}
	first := paddr >> pageShift
	last := (paddr + uint64(n) - 1) >> pageShift
	touched := make([]uint64, 0, last-first+1)
	for page := first; page <= last; page++ {
		pv.version[page]++
		pv.touch(page)
		touched = append(touched, page)
	}
	return touched
}

// snapshot records the current version of a page, tracking it if it
// wasn't already.
func (pv *pageVersions) snapshot(page uint64) uint64 {
	v, ok := pv.version[page]
	if !ok {
		v = 0
		pv.version[page] = v
	}
	pv.touch(page)
	return v
}

// stillValid reports whether every entry in a blob's snapshot still
// matches the live version table.
func (pv *pageVersions) stillValid(snap []PageVersionEntry) bool {
	for _, e := range snap {
		v, ok := pv.current(e.Page)
		if !ok || v != e.Version {
			return false
		}
	}
	return true
}
