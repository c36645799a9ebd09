package mmu

// wrapMask returns the mask linear arithmetic wraps at: 32 bits
// outside long mode, the full 64-bit space in long mode.
func wrapMask(mode Mode) uint64 {
	if mode == ModeLong4 {
		return ^uint64(0)
	}
	return 0xFFFFFFFF
}

// translateRange resolves every byte of [linear, linear+n) to a physical
// address, respecting wraparound and page-boundary splits, translating
// once per page rather than once per byte. On fault it returns no
// partial results, which is what makes the callers atomic-on-fault.
func (p *PagingBus) translateRange(st State, linear uint64, n int, access AccessClass) ([]uint64, error) {
	mode := st.CurrentMode()
	mask := wrapMask(mode)

	phys := make([]uint64, n)
	i := 0
	for i < n {
		addr := (linear + uint64(i)) & mask
		pageOff := addr & (size4KiB - 1)
		take := int(size4KiB - pageOff)
		if take > n-i {
			take = n - i
		}

		base, err := p.Translate(st, addr, access)
		if err != nil {
			return nil, err
		}
		for j := 0; j < take; j++ {
			phys[i+j] = base + uint64(j)
		}
		i += take
	}
	return phys, nil
}

// ReadBytes performs an atomic-on-fault multi-byte read: either every byte
// is resolved and returned, or a PageFault/GeneralProtection is returned
// with no partial data.
func (p *PagingBus) ReadBytes(st State, linear uint64, n int) ([]byte, error) {
	phys, err := p.translateRange(st, linear, n, AccessRead)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	for i, addr := range phys {
		out[i] = p.bus.ReadU8(addr)
	}
	return out, nil
}

// WriteBytes performs an atomic-on-fault multi-byte write: translation of
// every touched page is resolved before any byte is committed, so a fault
// partway through the range leaves every destination byte untouched.
func (p *PagingBus) WriteBytes(st State, linear uint64, data []byte) error {
	phys, err := p.translateRange(st, linear, len(data), AccessWrite)
	if err != nil {
		return err
	}
	for i, addr := range phys {
		p.bus.WriteU8(addr, data[i])
	}
	return nil
}

// AtomicRMW performs a read-modify-write at width bytes (1/2/4/8),
// treating the whole access as write-intent for permission checking
// even when f returns the same value it was given: a CAS that fails
// still needed the page writable.
func (p *PagingBus) AtomicRMW(st State, linear uint64, width int, f func(old uint64) uint64) (uint64, error) {
	phys, err := p.translateRange(st, linear, width, AccessWrite)
	if err != nil {
		return 0, err
	}

	old := uint64(0)
	for i := width - 1; i >= 0; i-- {
		old = old<<8 | uint64(p.bus.ReadU8(phys[i]))
	}

	newVal := f(old)
	for i := 0; i < width; i++ {
		p.bus.WriteU8(phys[i], byte(newVal>>(8*i)))
	}
	return old, nil
}

// Fetch reads an instruction-fetch span, checking Execute permission
// rather than Read.
func (p *PagingBus) Fetch(st State, linear uint64, n int) ([]byte, error) {
	phys, err := p.translateRange(st, linear, n, AccessExecute)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	for i, addr := range phys {
		out[i] = p.bus.ReadU8(addr)
	}
	return out, nil
}
