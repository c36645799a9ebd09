package mmu

const (
	size4KiB = 4 * 1024
	size2MiB = 2 * 1024 * 1024
	size4MiB = 4 * 1024 * 1024
	size1GiB = 1024 * 1024 * 1024
)

func notPresent(linear uint64, access AccessClass, st State) *PageFault {
	return pageFault(linear, false, access == AccessWrite, st.CPL == 3, false, access == AccessExecute)
}

func reserved(linear uint64, access AccessClass, st State) *PageFault {
	return pageFault(linear, true, access == AccessWrite, st.CPL == 3, true, access == AccessExecute)
}

// walkLegacy32 implements the 2-level (PD, PT) legacy walk, 4-byte entries,
// with optional 4 MiB large pages when CR4.PSE is set.
func (p *PagingBus) walkLegacy32(st State, linear uint64, access AccessClass) (walkResult, error) {
	pdBase := st.tableBase()
	pdIndex := (linear >> 22) & 0x3FF
	pdeAddr := pdBase + pdIndex*4
	pde := readEntry(p.bus, pdeAddr, false)

	if pde&PTEPresent == 0 {
		return walkResult{}, notPresent(linear, access, st)
	}
	orBits(p.bus, pdeAddr, false, PTEAccessed)

	acc := permBits{writable: true, user: true}
	intersect(&acc, pde, false)

	if pde&PTEPS != 0 && st.CR4&CR4PSE != 0 {
		base := pde & 0xFFC00000
		return walkResult{physBase: base, pageSize: size4MiB, perm: acc, leafAddr: pdeAddr}, nil
	}

	ptBase := pde & 0xFFFFF000
	ptIndex := (linear >> 12) & 0x3FF
	pteAddr := ptBase + ptIndex*4
	pte := readEntry(p.bus, pteAddr, false)

	if pte&PTEPresent == 0 {
		return walkResult{}, notPresent(linear, access, st)
	}
	intersect(&acc, pte, false)

	return walkResult{
		physBase: pte & 0xFFFFF000,
		pageSize: size4KiB,
		perm:     acc,
		leafAddr: pteAddr,
	}, nil
}

// pdptLegalBits are the only low-12 bits a PAE PDPT entry may set:
// Present (0), PWT (3), and PCD (4). pdptReservedSet also rejects any
// bit at or above the modeled 52-bit physical address width.
const pdptLegalBits = PTEPresent | PTEPWT | PTEPCD

func pdptReservedSet(entry uint64) bool {
	if entry&^pdptLegalBits&0xFFF != 0 {
		return true
	}
	if entry>>52 != 0 {
		return true
	}
	return false
}

// walkPAE implements the 3-level (PDPT, PD, PT) PAE walk, 8-byte
// entries, with the PDPT reserved-bit check and optional 2 MiB large
// pages at the PD level.
func (p *PagingBus) walkPAE(st State, linear uint64, access AccessClass) (walkResult, error) {
	pdptBase := st.tableBase()
	pdptIndex := (linear >> 30) & 0x3
	pdpteAddr := pdptBase + pdptIndex*8
	pdpte := readEntry(p.bus, pdpteAddr, true)

	if pdpte&PTEPresent == 0 {
		return walkResult{}, notPresent(linear, access, st)
	}
	if pdptReservedSet(pdpte) {
		return walkResult{}, reserved(linear, access, st)
	}

	acc := permBits{writable: true, user: true}
	nxEnabled := st.EFER&EFERNXE != 0

	pdBase := pdpte & 0x000F_FFFF_FFFF_F000
	pdIndex := (linear >> 21) & 0x1FF
	pdeAddr := pdBase + pdIndex*8
	pde := readEntry(p.bus, pdeAddr, true)

	if pde&PTEPresent == 0 {
		return walkResult{}, notPresent(linear, access, st)
	}
	orBits(p.bus, pdeAddr, true, PTEAccessed)
	intersect(&acc, pde, nxEnabled)

	if pde&PTEPS != 0 {
		base := pde & 0x000F_FFFF_FFE0_0000
		return walkResult{physBase: base, pageSize: size2MiB, perm: acc, leafAddr: pdeAddr}, nil
	}

	ptBase := pde & 0x000F_FFFF_FFFF_F000
	ptIndex := (linear >> 12) & 0x1FF
	pteAddr := ptBase + ptIndex*8
	pte := readEntry(p.bus, pteAddr, true)

	if pte&PTEPresent == 0 {
		return walkResult{}, notPresent(linear, access, st)
	}
	intersect(&acc, pte, nxEnabled)

	return walkResult{
		physBase: pte & 0x000F_FFFF_FFFF_F000,
		pageSize: size4KiB,
		perm:     acc,
		leafAddr: pteAddr,
	}, nil
}

// walkLong4 implements the 4-level (PML4, PDPT, PD, PT) long-mode walk,
// with 1 GiB pages at the PDPT level and 2 MiB pages at the PD level.
func (p *PagingBus) walkLong4(st State, linear uint64, access AccessClass) (walkResult, error) {
	nxEnabled := st.EFER&EFERNXE != 0
	acc := permBits{writable: true, user: true}

	pml4Base := st.tableBase()
	pml4Index := (linear >> 39) & 0x1FF
	pml4eAddr := pml4Base + pml4Index*8
	pml4e := readEntry(p.bus, pml4eAddr, true)
	if pml4e&PTEPresent == 0 {
		return walkResult{}, notPresent(linear, access, st)
	}
	orBits(p.bus, pml4eAddr, true, PTEAccessed)
	intersect(&acc, pml4e, nxEnabled)

	pdptBase := pml4e & 0x000F_FFFF_FFFF_F000
	pdptIndex := (linear >> 30) & 0x1FF
	pdpteAddr := pdptBase + pdptIndex*8
	pdpte := readEntry(p.bus, pdpteAddr, true)
	if pdpte&PTEPresent == 0 {
		return walkResult{}, notPresent(linear, access, st)
	}
	orBits(p.bus, pdpteAddr, true, PTEAccessed)
	intersect(&acc, pdpte, nxEnabled)

	if pdpte&PTEPS != 0 {
		base := pdpte & 0x000F_FFFF_C000_0000
		return walkResult{physBase: base, pageSize: size1GiB, perm: acc, leafAddr: pdpteAddr}, nil
	}

	pdBase := pdpte & 0x000F_FFFF_FFFF_F000
	pdIndex := (linear >> 21) & 0x1FF
	pdeAddr := pdBase + pdIndex*8
	pde := readEntry(p.bus, pdeAddr, true)
	if pde&PTEPresent == 0 {
		return walkResult{}, notPresent(linear, access, st)
	}
	orBits(p.bus, pdeAddr, true, PTEAccessed)
	intersect(&acc, pde, nxEnabled)

	if pde&PTEPS != 0 {
		base := pde & 0x000F_FFFF_FFE0_0000
		return walkResult{physBase: base, pageSize: size2MiB, perm: acc, leafAddr: pdeAddr}, nil
	}

	ptBase := pde & 0x000F_FFFF_FFFF_F000
	ptIndex := (linear >> 12) & 0x1FF
	pteAddr := ptBase + ptIndex*8
	pte := readEntry(p.bus, pteAddr, true)
	if pte&PTEPresent == 0 {
		return walkResult{}, notPresent(linear, access, st)
	}
	intersect(&acc, pte, nxEnabled)

	return walkResult{
		physBase: pte & 0x000F_FFFF_FFFF_F000,
		pageSize: size4KiB,
		perm:     acc,
		leafAddr: pteAddr,
	}, nil
}
