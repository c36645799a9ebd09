package ring

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/aerovm/aerocore/internal/pci"
)

// memBuf is a trivial flat-buffer GuestMemory for tests.
type memBuf struct{ b []byte }

func (m *memBuf) ReadAt(p []byte, off int64) (int, error) {
	if int(off)+len(p) > len(m.b) {
		return 0, errors.New("out of range")
	}
	copy(p, m.b[off:])
	return len(p), nil
}

func (m *memBuf) WriteAt(p []byte, off int64) (int, error) {
	if int(off)+len(p) > len(m.b) {
		return 0, errors.New("out of range")
	}
	copy(m.b[off:], p)
	return len(p), nil
}

type fakeGPUExec struct {
	executed []GPUOp
}

func (f *fakeGPUExec) Execute(mem GuestMemory, op GPUOp) { f.executed = append(f.executed, op) }
func (f *fakeGPUExec) AllocTable(mem GuestMemory, ptr uint64, size uint32) (GPUAllocTable, error) {
	return nil, nil
}

func writeGPUDescriptor(mem *memBuf, addr uint64, fence uint64, paced bool) {
	buf := make([]byte, descriptorStride)
	binary.LittleEndian.PutUint32(buf[0:4], gpuDescTypeTag)
	var flags uint32
	if paced {
		flags |= gpuFlagVblankPaced
	}
	binary.LittleEndian.PutUint32(buf[4:8], flags)
	binary.LittleEndian.PutUint64(buf[48:56], fence)
	copy(mem.b[addr:], buf)
}

func TestGPUDoorbellDrainAndFence(t *testing.T) {
	mem := &memBuf{b: make([]byte, 1<<20)}
	exec := &fakeGPUExec{}
	consumer := NewGPUConsumer(exec)
	var cmd pci.Command
	cmd.Set(pci.CommandMemorySpace | pci.CommandBusMaster)
	e := NewEngine(mem, consumer, &cmd)

	base := uint64(0x1000)
	e.regs.Ring.BaseLo = uint32(base)
	e.regs.Ring.EntryCount = 4
	e.regs.Ring.Tail = 2

	writeGPUDescriptor(mem, base+0*descriptorStride, 1, false)
	writeGPUDescriptor(mem, base+1*descriptorStride, 2, false)
	e.regs.Interrupts.Enable = IRQFence

	e.Doorbell()

	if e.regs.Ring.Head != 2 {
		t.Fatalf("head = %d, want 2", e.regs.Ring.Head)
	}
	if len(exec.executed) != 2 {
		t.Fatalf("executed %d ops, want 2", len(exec.executed))
	}
	if e.regs.Interrupts.FenceCompleted != 2 {
		t.Fatalf("fence_completed = %d, want 2", e.regs.Interrupts.FenceCompleted)
	}
	if !e.IRQLine() {
		t.Fatalf("expected IRQ line asserted after fence completion")
	}
}

func TestGPUMalformedDescriptorDropped(t *testing.T) {
	mem := &memBuf{b: make([]byte, 1<<20)}
	exec := &fakeGPUExec{}
	consumer := NewGPUConsumer(exec)
	var cmd pci.Command
	cmd.Set(pci.CommandMemorySpace | pci.CommandBusMaster)
	e := NewEngine(mem, consumer, &cmd)

	base := uint64(0x2000)
	e.regs.Ring.BaseLo = uint32(base)
	e.regs.Ring.EntryCount = 4
	e.regs.Ring.Tail = 1
	// Leave the descriptor zeroed: wrong type tag.

	e.Doorbell()

	if e.regs.Ring.Head != 1 {
		t.Fatalf("head = %d, want 1 (descriptor still consumed)", e.regs.Ring.Head)
	}
	if e.MalformedSubmissions() != 1 {
		t.Fatalf("malformed_submissions = %d, want 1", e.MalformedSubmissions())
	}
	if len(exec.executed) != 0 {
		t.Fatalf("malformed descriptor must not execute")
	}
}

func TestVblankPacingUpgradesBatch(t *testing.T) {
	mem := &memBuf{b: make([]byte, 1<<20)}
	exec := &fakeGPUExec{}
	consumer := NewGPUConsumer(exec)
	var cmd pci.Command
	cmd.Set(pci.CommandMemorySpace | pci.CommandBusMaster)
	e := NewEngine(mem, consumer, &cmd)
	e.SetScanoutEnabled(true)

	base := uint64(0x3000)
	e.regs.Ring.BaseLo = uint32(base)
	e.regs.Ring.EntryCount = 4
	e.regs.Ring.Tail = 2

	writeGPUDescriptor(mem, base+0*descriptorStride, 5, false)
	writeGPUDescriptor(mem, base+1*descriptorStride, 5, true) // same fence, paced

	e.Doorbell()

	if e.regs.Interrupts.FenceCompleted != 0 {
		t.Fatalf("fence 5 should be held back by the pacing upgrade, got %d", e.regs.Interrupts.FenceCompleted)
	}
	if len(e.pendingVblankFences) != 1 {
		t.Fatalf("expected exactly one pending vblank fence, got %d", len(e.pendingVblankFences))
	}

	e.VblankTick()
	if e.regs.Interrupts.FenceCompleted != 5 {
		t.Fatalf("fence_completed = %d, want 5 after vblank tick", e.regs.Interrupts.FenceCompleted)
	}
}

func TestMemorySpaceDisableGatesMMIO(t *testing.T) {
	mem := &memBuf{b: make([]byte, 1<<20)}
	exec := &fakeGPUExec{}
	consumer := NewGPUConsumer(exec)
	var cmd pci.Command // Memory Space Enable clear
	e := NewEngine(mem, consumer, &cmd)

	e.WriteMMIO(offRingCount, []byte{0x04, 0, 0, 0})
	if e.regs.Ring.EntryCount != 0 {
		t.Fatalf("write must be ignored while Memory Space is disabled")
	}

	data := make([]byte, 4)
	e.ReadMMIO(offIdentMagic, data)
	for _, b := range data {
		if b != 0xff {
			t.Fatalf("reads must return all-ones while Memory Space is disabled")
		}
	}
}

func TestNarrowWriteMergesIntoRegister(t *testing.T) {
	mem := &memBuf{b: make([]byte, 1<<20)}
	exec := &fakeGPUExec{}
	consumer := NewGPUConsumer(exec)
	var cmd pci.Command
	cmd.Set(pci.CommandMemorySpace)
	e := NewEngine(mem, consumer, &cmd)

	e.WriteMMIO(offRingCount, []byte{0xff, 0xff, 0xff, 0xff})
	// Patch only the low byte via a narrow 1-byte write.
	e.WriteMMIO(offRingCount, []byte{0x10})
	if e.regs.Ring.EntryCount != 0xffffff10 {
		t.Fatalf("entry_count = %#x, want 0xffffff10", e.regs.Ring.EntryCount)
	}
}

func TestIRQAckClearsStatusBits(t *testing.T) {
	mem := &memBuf{b: make([]byte, 1<<20)}
	exec := &fakeGPUExec{}
	consumer := NewGPUConsumer(exec)
	var cmd pci.Command
	cmd.Set(pci.CommandMemorySpace | pci.CommandBusMaster)
	e := NewEngine(mem, consumer, &cmd)
	e.regs.Interrupts.Status = IRQFence
	e.regs.Interrupts.Enable = IRQFence

	if !e.IRQLine() {
		t.Fatalf("expected IRQ line asserted before ack")
	}

	e.WriteMMIO(offIntAck, []byte{1, 0, 0, 0})
	if e.regs.Interrupts.Status != 0 {
		t.Fatalf("ack should have cleared status bit 0")
	}
	if e.IRQLine() {
		t.Fatalf("IRQ line should re-level low after ack")
	}
}

func TestINTxDisableBlocksIRQRegardlessOfStatus(t *testing.T) {
	mem := &memBuf{b: make([]byte, 1<<20)}
	exec := &fakeGPUExec{}
	consumer := NewGPUConsumer(exec)
	var cmd pci.Command
	cmd.Set(pci.CommandMemorySpace | pci.CommandBusMaster | pci.CommandINTxDisable)
	e := NewEngine(mem, consumer, &cmd)
	e.regs.Interrupts.Status = IRQFence
	e.regs.Interrupts.Enable = IRQFence

	if e.IRQLine() {
		t.Fatalf("INTx-disable must block the IRQ line")
	}
}

func TestBusMasterOffBlocksDMAGatedIRQ(t *testing.T) {
	mem := &memBuf{b: make([]byte, 1<<20)}
	exec := &fakeGPUExec{}
	consumer := NewGPUConsumer(exec)
	var cmd pci.Command
	cmd.Set(pci.CommandMemorySpace) // no Bus Master
	e := NewEngine(mem, consumer, &cmd)
	e.regs.Interrupts.Status = IRQFence
	e.regs.Interrupts.Enable = IRQFence

	if e.IRQLine() {
		t.Fatalf("fence IRQ depends on DMA-published state, must be blocked without bus master")
	}
}
