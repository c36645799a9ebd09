package mmu

import "github.com/aerovm/aerocore/internal/physbus"

// PagingBus translates guest linear addresses to physical via the
// architecture-appropriate page-table format, maintains the TLB, and
// presents atomic-on-fault multi-byte access on top of a physbus.Bus.
type PagingBus struct {
	bus physbus.Bus
	tlb *TLB
}

// New wires a PagingBus over the given physical bus.
func New(bus physbus.Bus) *PagingBus {
	return &PagingBus{bus: bus, tlb: newTLB()}
}

// Bus returns the underlying physical bus, for devices that DMA
// directly, bypassing translation (the ring and USB engines).
func (p *PagingBus) Bus() physbus.Bus { return p.bus }

func readEntry(bus physbus.Bus, addr uint64, width64 bool) uint64 {
	if width64 {
		return bus.ReadU64(addr)
	}
	return uint64(bus.ReadU32(addr))
}

func orBits(bus physbus.Bus, addr uint64, width64 bool, bits uint64) {
	if width64 {
		bus.WriteU64(addr, bus.ReadU64(addr)|bits)
	} else {
		bus.WriteU32(addr, bus.ReadU32(addr)|uint32(bits))
	}
}

// isCanonical reports whether a long-mode linear address is in canonical
// form: bits 63:47 must equal bit 47 (sign-extended from a 48-bit address
// space). Non-canonical addresses fault with #GP, not #PF.
func isCanonical(linear uint64) bool {
	top := linear >> 47
	return top == 0 || top == (1<<17)-1
}

// walkResult is the outcome of a successful page-table walk at any mode.
type walkResult struct {
	physBase uint64
	pageSize uint64
	perm     permBits
	leafAddr uint64
}

// Translate resolves one linear address: TLB probe, fall back to a
// page walk on miss, permission check against the intersection of
// levels, Accessed/Dirty maintenance, and TLB install.
func (p *PagingBus) Translate(st State, linear uint64, access AccessClass) (uint64, error) {
	mode := st.CurrentMode()

	if mode == ModeNone {
		return linear & 0xFFFFFFFF, nil
	}

	if mode == ModeLong4 && !isCanonical(linear) {
		return 0, &GeneralProtection{Reason: "non-canonical linear address"}
	}

	pcid := st.CurrentPCID()
	page := linear >> 12

	if e, ok := p.tlb.lookup(pcid, page); ok {
		if err := checkPermission(e.perm, access, st); err != nil {
			return 0, withLinear(err, linear)
		}
		if access == AccessWrite && !e.dirty {
			orBits(p.bus, e.leafAddr, mode != ModeLegacy32, PTEDirty)
			e.dirty = true
			p.tlb.install(pcid, page, e)
		}
		offset := linear & (e.pageSize - 1)
		return e.physBase + offset, nil
	}

	var (
		res walkResult
		err error
	)
	switch mode {
	case ModeLegacy32:
		res, err = p.walkLegacy32(st, linear, access)
	case ModePAE:
		res, err = p.walkPAE(st, linear, access)
	default:
		res, err = p.walkLong4(st, linear, access)
	}
	if err != nil {
		return 0, withLinear(err, linear)
	}

	if err := checkPermission(res.perm, access, st); err != nil {
		return 0, withLinear(err, linear)
	}

	dirty := false
	if access == AccessWrite {
		orBits(p.bus, res.leafAddr, mode != ModeLegacy32, PTEDirty)
		dirty = true
	}

	global := false
	entry := readEntry(p.bus, res.leafAddr, mode != ModeLegacy32)
	if entry&PTEGlobal != 0 {
		global = true
	}

	p.tlb.install(pcid, page, tlbEntry{
		physBase: res.physBase,
		perm:     res.perm,
		global:   global,
		dirty:    dirty,
		leafAddr: res.leafAddr,
		pageSize: res.pageSize,
	})

	offset := linear & (res.pageSize - 1)
	return res.physBase + offset, nil
}

func withLinear(err error, linear uint64) error {
	if pf, ok := err.(*PageFault); ok {
		pf.LinearAddr = linear
		return pf
	}
	return err
}

// checkPermission enforces U/S, writability (with CR0.WP supervisor
// semantics), and NX, given the CPL the access is made at.
func checkPermission(perm permBits, access AccessClass, st State) error {
	userMode := st.CPL == 3

	if userMode && !perm.user {
		return pageFault(0, true, access == AccessWrite, true, false, access == AccessExecute)
	}

	if access == AccessWrite && !perm.writable {
		// Supervisor writes to read-only pages are allowed unless CR0.WP=1.
		if userMode || st.CR0&CR0WP != 0 {
			return pageFault(0, true, true, userMode, false, false)
		}
	}

	if access == AccessExecute && perm.noExec {
		return pageFault(0, true, false, userMode, false, true)
	}

	return nil
}

func intersect(acc *permBits, entry uint64, nxEnabled bool) {
	if entry&PTERW == 0 {
		acc.writable = false
	}
	if entry&PTEUS == 0 {
		acc.user = false
	}
	if nxEnabled && entry&PTENX != 0 {
		acc.noExec = true
	}
}
