package mmu

import (
	"testing"

	"github.com/aerovm/aerocore/internal/physbus"
)

func TestFailedWalkLeavesNotPresentEntriesUntouched(t *testing.T) {
	// A not-present PML4 entry carries software-defined bits in the
	// positions hardware ignores; a faulting walk must not write its
	// Accessed bit (or anything else) back to memory.
	mem := physbus.NewMemory(0x10000)
	const swBits = 0xdead_bee0 // P clear, software payload in the rest
	mem.WriteU64(0x1000, swBits)

	p := New(mem)
	st := longModeState(0x1000)

	if _, err := p.Translate(st, 0, AccessRead); err == nil {
		t.Fatal("walk through a not-present entry must fault")
	}
	if got := mem.ReadU64(0x1000); got != swBits {
		t.Fatalf("not-present PML4 entry rewritten by faulting walk: %#x, want %#x", got, swBits)
	}
}

func TestFailedWalkDeeperLevelLeavesEntryUntouched(t *testing.T) {
	// Present PML4/PDPT, not-present PD: the traversed entries get A
	// set, the not-present one stays byte-identical.
	mem := physbus.NewMemory(0x10000)
	mem.WriteU64(0x1000, 0x2000|PTEPresent|PTERW|PTEUS)
	mem.WriteU64(0x2000, 0x3000|PTEPresent|PTERW|PTEUS)
	const swBits = 0x5a5a_0000 // P clear
	mem.WriteU64(0x3000, swBits)

	p := New(mem)
	st := longModeState(0x1000)

	if _, err := p.Translate(st, 0, AccessRead); err == nil {
		t.Fatal("walk through a not-present PD entry must fault")
	}
	if got := mem.ReadU64(0x3000); got != swBits {
		t.Fatalf("not-present PD entry rewritten: %#x, want %#x", got, swBits)
	}
	if mem.ReadU64(0x1000)&PTEAccessed == 0 {
		t.Fatal("traversed PML4 entry should have its Accessed bit set")
	}
	if mem.ReadU64(0x2000)&PTEAccessed == 0 {
		t.Fatal("traversed PDPT entry should have its Accessed bit set")
	}
}
