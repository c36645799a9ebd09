package mmu

// ReloadCR3 applies the TLB invalidation rules for a CR3 write. newCR3
// is the value being written, already including PCID and the no-flush
// bit in its low bits / bit 63.
func (p *PagingBus) ReloadCR3(oldState State, newCR3 uint64) {
	pcidEnabled := oldState.CR4&CR4PCIDE != 0

	if newCR3&CR3NoFlush != 0 && pcidEnabled {
		// No flush: the CPU only switches PCID, handled by the caller
		// updating its own CR3. Nothing to do to the TLB.
		return
	}

	if pcidEnabled {
		newPCID := uint16(newCR3 & CR3PCIDMask)
		p.tlb.flushNonGlobalForPCID(newPCID)
		return
	}

	p.tlb.flushNonGlobalAllPCIDs()
}

// Invlpg implements INVLPG(linear): drop every entry (all PCIDs, including
// global) mapping linear's page. Per design note #2, the convention is to
// invalidate only the single 4 KiB-aligned linear page even if it was
// cached as part of a large-page mapping.
func (p *PagingBus) Invlpg(linear uint64) {
	page := linear >> 12
	p.tlb.dropPage(page)
}

// Invpcid implements the four INVPCID descriptor types.
func (p *PagingBus) Invpcid(kind InvpcidType, pcid uint16, linear uint64) {
	page := linear >> 12
	switch kind {
	case InvpcidSingleAddress:
		p.tlb.dropPageForPCID(pcid, page)
	case InvpcidSingleContext:
		p.tlb.flushContext(pcid)
	case InvpcidAllContextsIncludingGlobal:
		p.tlb.FlushAll()
	case InvpcidSingleAddressGlobal:
		p.tlb.dropPageForPCIDAndGlobal(pcid, page)
	}
}

// TLBLen reports the number of resident TLB entries (diagnostics, tests).
func (p *PagingBus) TLBLen() int { return p.tlb.Len() }
