package pci

import "testing"

func TestCommandGating(t *testing.T) {
	var cmd Command
	if cmd.MemorySpaceEnabled() || cmd.BusMasterEnabled() {
		t.Fatalf("command register should reset to all bits clear")
	}

	cmd.Set(CommandMemorySpace | CommandBusMaster)
	if !cmd.MemorySpaceEnabled() || !cmd.BusMasterEnabled() {
		t.Fatalf("expected memory space and bus master enabled")
	}
	if !cmd.MayAssertIRQ(true) {
		t.Fatalf("expected IRQ to be assertable: INTx not disabled, bus master on")
	}

	cmd.Set(cmd.Get() | CommandINTxDisable)
	if cmd.MayAssertIRQ(false) {
		t.Fatalf("INTx-disable must block IRQ assertion regardless of bus master")
	}

	cmd.Set(CommandMemorySpace)
	if cmd.MayAssertIRQ(true) {
		t.Fatalf("DMA-gated IRQ must not assert without bus master enable")
	}
	if !cmd.MayAssertIRQ(false) {
		t.Fatalf("non-DMA IRQ only needs INTx to be enabled")
	}
}

func TestBARSizeMaskProbe(t *testing.T) {
	cs := NewConfigSpace()
	cs.ConfigureBAR(0, 0x1000_0000, 0x10000) // 64 KiB window

	got := cs.ReadDWord(0x10)
	if got != 0x1000_0000 {
		t.Fatalf("base readback = %#x, want %#x", got, 0x1000_0000)
	}

	cs.WriteDWord(0x10, 0xffff_ffff)
	mask := cs.ReadDWord(0x10)
	want := uint32(^(uint32(0x10000) - 1))
	if mask != want {
		t.Fatalf("size mask = %#x, want %#x", mask, want)
	}

	cs.WriteDWord(0x10, 0x2000_0000)
	if got := cs.ReadDWord(0x10); got != 0x2000_0000 {
		t.Fatalf("reprogrammed base = %#x, want %#x", got, 0x2000_0000)
	}
}

func TestConfigSpaceReadOnlyFields(t *testing.T) {
	cs := NewConfigSpace()
	cs.SetStatusReadOnlyBits(0x0010)
	cs.SetHeaderType(0x00)
	cs.SetInterruptPin(1)

	cs.WriteDWord(0x06, 0xffffffff)
	if getLE16(cs.raw[0x06:]) != 0x0010 {
		t.Fatalf("status register must be read-only via config writes")
	}

	cs.WriteDWord(0x3c, 0xffffffff)
	if cs.raw[0x3d] != 1 {
		t.Fatalf("interrupt pin must be read-only")
	}
}

func TestCommandRegisterPreservesStatusOnWrite(t *testing.T) {
	cs := NewConfigSpace()
	cs.SetStatusReadOnlyBits(0x0010)
	cs.WriteDWord(0x04, uint32(CommandMemorySpace))

	dword := cs.ReadDWord(0x04)
	if uint16(dword) != CommandMemorySpace {
		t.Fatalf("command low word = %#x, want %#x", uint16(dword), CommandMemorySpace)
	}
	if uint16(dword>>16) != 0x0010 {
		t.Fatalf("status high word = %#x, want 0x0010", uint16(dword>>16))
	}
}
