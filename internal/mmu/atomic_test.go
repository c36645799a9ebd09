package mmu

import (
	"errors"
	"testing"

	"github.com/aerovm/aerocore/internal/physbus"
)

func TestWriteAcrossUnmappedPageCommitsNothing(t *testing.T) {
	p, st := setupLong4KiB(t, 0)

	// Linear 0xffc..0x1003 spans the mapped page 0 and the unmapped
	// page 1; the write must fault with the first unwritable byte's
	// linear address and leave the mapped portion untouched.
	err := p.WriteBytes(st, 0xffc, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	if err == nil {
		t.Fatal("write spanning an unmapped page must fault")
	}
	var pf *PageFault
	if !errors.As(err, &pf) {
		t.Fatalf("err = %v, want PageFault", err)
	}
	if pf.LinearAddr != 0x1000 {
		t.Fatalf("fault addr = %#x, want 0x1000 (first unwritable byte)", pf.LinearAddr)
	}
	if pf.ErrorCode&PFBitWrite == 0 || pf.ErrorCode&PFBitProtection != 0 {
		t.Fatalf("error code = %#x, want not-present write", pf.ErrorCode)
	}

	buf := make([]byte, 4)
	p.Bus().ReadBytes(0x5ffc, buf)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("mapped byte %d modified (= %#x) by a faulting write", i, b)
		}
	}
}

func TestAtomicRMWIsWriteIntentEvenWhenUnchanged(t *testing.T) {
	// User page without RW: a CPL-0 RMW under WP=1 must fault as a
	// write even if the callback returns the old value.
	mem := physbus.NewMemory(0x10000)
	mem.WriteU64(0x1000, 0x2000|PTEPresent|PTERW|PTEUS)
	mem.WriteU64(0x2000, 0x3000|PTEPresent|PTERW|PTEUS)
	mem.WriteU64(0x3000, 0x4000|PTEPresent|PTERW|PTEUS)
	mem.WriteU64(0x4000, 0x5000|PTEPresent|PTEUS) // no RW

	p := New(mem)
	st := longModeState(0x1000)
	st.CR0 |= CR0WP

	_, err := p.AtomicRMW(st, 0, 4, func(old uint64) uint64 { return old })
	var pf *PageFault
	if !errors.As(err, &pf) {
		t.Fatalf("err = %v, want PageFault", err)
	}
	if pf.ErrorCode&PFBitWrite == 0 {
		t.Fatalf("error code = %#x, want write bit set", pf.ErrorCode)
	}
}

func TestWrapSplitAccessInLegacyMode(t *testing.T) {
	// With paging disabled, 32-bit linear arithmetic wraps: a 4-byte
	// read at 0xffff_fffe touches the last two and first two bytes of
	// the 32-bit space. Backing memory is small, so the high bytes read
	// zero; the interesting property is that wrap splits rather than
	// running past 2^32.
	mem := physbus.NewMemory(0x10000)
	mem.WriteU8(0, 0xaa)
	mem.WriteU8(1, 0xbb)

	p := New(mem)
	st := State{} // paging disabled

	got, err := p.ReadBytes(st, 0xffff_fffe, 4)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if got[2] != 0xaa || got[3] != 0xbb {
		t.Fatalf("wrapped bytes = %x, want low memory contents in the tail", got)
	}
}
