package mmu

// permBits is the permission intersection computed across every level
// of a walk: writable requires RW set at every level, user-accessible
// requires US set at every level, and NX is sticky (any level's NX,
// with EFER.NXE, forbids execute).
type permBits struct {
	writable bool
	user     bool
	noExec   bool
}

type tlbKey struct {
	pcid uint16
	page uint64 // linear address >> 12
}

type tlbEntry struct {
	physBase uint64
	perm     permBits
	global   bool
	dirty    bool
	// leafAddr is the physical address of the leaf PTE, so a promotion to
	// Dirty can be written back without re-walking the tables.
	leafAddr uint64
	pageSize uint64
}

// InvpcidType selects INVPCID's descriptor-driven behavior.
// SingleAddressGlobal is the individual-address form that also drops
// the matching global entry, distinct from plain SingleAddress which
// only targets the PCID given.
type InvpcidType int

const (
	InvpcidSingleAddress InvpcidType = iota
	InvpcidSingleContext
	InvpcidAllContextsIncludingGlobal
	InvpcidSingleAddressGlobal
)

// TLB is a PCID/global-tagged translation cache. Implemented as a map
// rather than a fixed direct-mapped array since the PCID dimension
// needs exact (pcid, page) identity, not an approximate hash-indexed
// slot.
type TLB struct {
	entries map[tlbKey]tlbEntry
}

func newTLB() *TLB {
	return &TLB{entries: make(map[tlbKey]tlbEntry)}
}

func (t *TLB) lookup(pcid uint16, page uint64) (tlbEntry, bool) {
	if e, ok := t.entries[tlbKey{pcid: pcid, page: page}]; ok {
		return e, true
	}
	// Global entries are installed under PCID 0 and match any PCID.
	if e, ok := t.entries[tlbKey{pcid: 0, page: page}]; ok && e.global {
		return e, true
	}
	return tlbEntry{}, false
}

func (t *TLB) install(pcid uint16, page uint64, e tlbEntry) {
	key := tlbKey{page: page}
	if e.global {
		key.pcid = 0
	} else {
		key.pcid = pcid
	}
	t.entries[key] = e
}

func (t *TLB) remove(pcid uint16, page uint64) {
	delete(t.entries, tlbKey{pcid: pcid, page: page})
}

// FlushAll drops every entry, as INVPCID's AllContextsIncludingGlobal does.
func (t *TLB) FlushAll() {
	t.entries = make(map[tlbKey]tlbEntry)
}

// flushNonGlobalAllPCIDs drops every non-global entry regardless of PCID,
// the CR3-reload-with-PCIDE-off case.
func (t *TLB) flushNonGlobalAllPCIDs() {
	for k, e := range t.entries {
		if !e.global {
			delete(t.entries, k)
		}
	}
}

// flushNonGlobalForPCID drops non-global entries tagged with pcid only.
func (t *TLB) flushNonGlobalForPCID(pcid uint16) {
	for k, e := range t.entries {
		if k.pcid == pcid && !e.global {
			delete(t.entries, k)
		}
	}
}

// flushContext drops every non-global entry tagged with pcid, as
// INVPCID SingleContext does; global entries (installed under PCID 0)
// stay, even when pcid is 0.
func (t *TLB) flushContext(pcid uint16) {
	for k, e := range t.entries {
		if k.pcid == pcid && !e.global {
			delete(t.entries, k)
		}
	}
}

// dropPage drops every entry (any PCID, including global) mapping page, the
// INVLPG behavior: a TLB hit after INVLPG always forces a fresh walk.
func (t *TLB) dropPage(page uint64) {
	for k := range t.entries {
		if k.page == page {
			delete(t.entries, k)
		}
	}
}

// dropPageForPCID drops only the (pcid, page) entry, as INVPCID
// SingleAddress does, leaving other PCIDs' mappings of the same page and
// any global entry in place.
func (t *TLB) dropPageForPCID(pcid uint16, page uint64) {
	key := tlbKey{pcid: pcid, page: page}
	if e, ok := t.entries[key]; ok && !e.global {
		delete(t.entries, key)
	}
}

// dropPageForPCIDAndGlobal is InvpcidSingleAddressGlobal: drop the PCID's
// own mapping of page plus any global mapping of that page.
func (t *TLB) dropPageForPCIDAndGlobal(pcid uint16, page uint64) {
	delete(t.entries, tlbKey{pcid: pcid, page: page})
	if e, ok := t.entries[tlbKey{pcid: 0, page: page}]; ok && e.global {
		delete(t.entries, tlbKey{pcid: 0, page: page})
	}
}

// Len reports the number of resident entries, for tests and diagnostics.
func (t *TLB) Len() int { return len(t.entries) }
