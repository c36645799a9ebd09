package mmu

// probePage checks whether (pcid, page) is already TLB-resident with the
// required permission, without walking the page tables and without any
// side effect (no A/D bit writes, no eviction). This backs the bulk
// fast path's preflight: a declined fast path must not have mutated a
// destination byte or touched an A/D bit, so it only ever fires when
// the whole range is already cached. A cold range simply declines and
// the caller falls back to the normal per-access path, which performs
// real translation with its normal, legitimate A/D side effects.
func (p *PagingBus) probePage(st State, pcid uint16, linear uint64, access AccessClass) (tlbEntry, bool) {
	page := linear >> 12
	e, ok := p.tlb.lookup(pcid, page)
	if !ok {
		return tlbEntry{}, false
	}
	if err := checkPermission(e.perm, access, st); err != nil {
		return tlbEntry{}, false
	}
	if access == AccessWrite && !e.dirty {
		// A write through a not-yet-dirty cached entry still needs a
		// memory write (to set D) that the preflight probe must not
		// perform; decline and let the slow path handle the promotion.
		return tlbEntry{}, false
	}
	return e, true
}

// BulkCopy attempts the fast path for a large guest-to-guest or
// guest-to-host block copy: src is written to [dstLinear, dstLinear+len(src)).
// taken=false means no byte was touched and the caller should fall back to
// WriteBytes.
func (p *PagingBus) BulkCopy(st State, dstLinear uint64, src []byte) (taken bool, err error) {
	pcid := st.CurrentPCID()
	mask := wrapMask(st.CurrentMode())

	n := len(src)
	phys := make([]uint64, n)
	i := 0
	for i < n {
		addr := (dstLinear + uint64(i)) & mask
		pageOff := addr & (size4KiB - 1)
		take := int(size4KiB - pageOff)
		if take > n-i {
			take = n - i
		}
		e, ok := p.probePage(st, pcid, addr, AccessWrite)
		if !ok {
			return false, nil
		}
		offset := addr & (e.pageSize - 1)
		base := e.physBase + offset
		for j := 0; j < take; j++ {
			phys[i+j] = base + uint64(j)
		}
		i += take
	}

	for i, addr := range phys {
		p.bus.WriteU8(addr, src[i])
	}
	return true, nil
}

// BulkFill is BulkCopy's fill-a-constant-byte counterpart, used by devices
// that zero large DMA targets.
func (p *PagingBus) BulkFill(st State, dstLinear uint64, value byte, n int) (taken bool, err error) {
	src := make([]byte, n)
	for i := range src {
		src[i] = value
	}
	return p.BulkCopy(st, dstLinear, src)
}
