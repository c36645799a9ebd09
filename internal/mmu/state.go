// Package mmu implements the architectural paging bus: a multi-level page
// table walker (legacy 32-bit, PAE, long mode), a PCID/global-tagged TLB,
// and atomic-on-fault multi-byte memory access built on top of
// internal/physbus.Bus.
package mmu

// Control-register bits this package inspects. The embedder owns the
// full register file; the MMU only ever reads the bits named here.
const (
	CR0PG uint64 = 1 << 31
	CR0WP uint64 = 1 << 16

	CR4PAE   uint64 = 1 << 5
	CR4PSE   uint64 = 1 << 4
	CR4PCIDE uint64 = 1 << 17

	EFERLME uint64 = 1 << 8
	EFERNXE uint64 = 1 << 11

	// CR3 bit 63: "no flush" signal on a CR3 reload while PCIDE is set.
	CR3NoFlush uint64 = 1 << 63
	CR3PCIDMask uint64 = 0xFFF
)

// Page table entry bits, identical positions across legacy/PAE/long-mode
// entries (NX only exists in the 64-bit entry formats, bit 63).
const (
	PTEPresent uint64 = 1 << 0
	PTERW      uint64 = 1 << 1
	PTEUS      uint64 = 1 << 2
	PTEPWT     uint64 = 1 << 3
	PTEPCD     uint64 = 1 << 4
	PTEAccessed uint64 = 1 << 5
	PTEDirty   uint64 = 1 << 6
	PTEPS      uint64 = 1 << 7
	PTEGlobal  uint64 = 1 << 8
	PTENX      uint64 = 1 << 63
)

// AccessClass identifies the intent of a memory operation for permission
// checking and for deciding whether the Dirty bit needs to be set.
type AccessClass int

const (
	AccessRead AccessClass = iota
	AccessWrite
	AccessExecute
)

// Mode is the architectural paging mode, selected by
// CR0.PG/CR4.PAE/EFER.LME.
type Mode int

const (
	ModeNone Mode = iota
	ModeLegacy32
	ModePAE
	ModeLong4
)

// State is the slice of CPU state the MMU consults. The embedder owns
// the authoritative register file and passes a State snapshot into
// Translate.
type State struct {
	CR0, CR3, CR4, EFER uint64
	CPL                 uint8
}

// CurrentMode derives the paging mode from the control registers.
func (s State) CurrentMode() Mode {
	if s.CR0&CR0PG == 0 {
		return ModeNone
	}
	if s.CR4&CR4PAE == 0 {
		return ModeLegacy32
	}
	if s.EFER&EFERLME == 0 {
		return ModePAE
	}
	return ModeLong4
}

// PCIDEnabled reports whether CR4.PCIDE is set.
func (s State) PCIDEnabled() bool { return s.CR4&CR4PCIDE != 0 }

// CurrentPCID returns the active PCID: CR3's low 12 bits when PCIDE is on,
// else 0 (PCID tagging is only meaningful once enabled).
func (s State) CurrentPCID() uint16 {
	if !s.PCIDEnabled() {
		return 0
	}
	return uint16(s.CR3 & CR3PCIDMask)
}

// tableBase returns CR3 with the low 12 bits (PCID/flags) and bit 63
// (no-flush) masked off, i.e. the physical base of the top-level table.
func (s State) tableBase() uint64 {
	return s.CR3 &^ (CR3PCIDMask | CR3NoFlush)
}
