package aerocore

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/aerovm/aerocore/internal/config"
	"github.com/aerovm/aerocore/internal/cpuengine"
	"github.com/aerovm/aerocore/internal/usb"
)

// haltSource is a trivial BlockSource whose interpreter immediately
// returns, for machines whose tests never run guest code.
type haltSource struct{}

func (haltSource) Interpret(rip uint64) cpuengine.Outcome { return cpuengine.ReturnValue(rip) }
func (haltSource) CompileTier1(rip uint64) (cpuengine.CompiledBlock, []cpuengine.PageVersionEntry, error) {
	return nil, nil, nil
}
func (haltSource) CompileTier2(rip uint64, prof cpuengine.BlockProfile) (cpuengine.CompiledRegion, []cpuengine.PageVersionEntry, error) {
	return nil, nil, nil
}

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	cfg := config.Default()
	cfg.MemoryMB = 16
	m, err := NewMachine(cfg, haltSource{}, nil, nil)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return m
}

// Register offsets within a ring engine's BAR window.
const (
	regRingBaseLo  = 0x010
	regRingCount   = 0x018
	regRingTail    = 0x020
	regDoorbell    = 0x024
	regIntEnable   = 0x034
	regFenceLo     = 0x03c
	regScanoutEn   = 0x118
	pciCmdOffset   = 0x04
	pciCmdMSEplusB = 0x6 // Memory Space + Bus Master
)

func writeGPUSubmission(m *Machine, addr uint64, fence uint64, paced bool) {
	buf := make([]byte, 64)
	binary.LittleEndian.PutUint32(buf[0:4], 0x47505553) // "GPUS"
	var flags uint32
	if paced {
		flags |= 1
	}
	binary.LittleEndian.PutUint32(buf[4:8], flags)
	binary.LittleEndian.PutUint64(buf[48:56], fence)
	m.RAM().WriteBytes(addr, buf)
}

func TestVsyncFenceGatingEndToEnd(t *testing.T) {
	m := newTestMachine(t)
	m.WritePCIConfig(0, pciCmdOffset, pciCmdMSEplusB)

	base := GPUMMIOBase
	m.WriteMMIO(base+regRingBaseLo, 4, 0x1000)
	m.WriteMMIO(base+regRingCount, 4, 4)
	m.WriteMMIO(base+regIntEnable, 4, 1) // fence IRQ
	m.WriteMMIO(base+regScanoutEn, 4, 1)

	writeGPUSubmission(m, 0x1000, 1, true)
	m.WriteMMIO(base+regRingTail, 4, 1)
	m.WriteMMIO(base+regDoorbell, 4, 1)

	if got := m.ReadMMIO(base+regFenceLo, 4); got != 0 {
		t.Fatalf("completed fence = %d immediately after doorbell, want 0 (vsync gated)", got)
	}
	if m.Interrupts().Level(GSIGPU) {
		t.Fatal("IRQ line must stay low until the fence publishes")
	}

	m.TickVblank()

	if got := m.ReadMMIO(base+regFenceLo, 4); got != 1 {
		t.Fatalf("completed fence = %d after vblank, want 1", got)
	}
	if !m.Interrupts().Level(GSIGPU) {
		t.Fatal("fence IRQ should assert after the vblank publishes it")
	}
}

func TestBARProbeReturnsSizeMask(t *testing.T) {
	m := newTestMachine(t)

	m.WritePCIConfig(0, 0x10, 0xffff_ffff)
	mask := m.ReadPCIConfig(0, 0x10)
	if mask != ^uint32(mmioWindowSize-1)&0xffff_fff0 {
		t.Fatalf("size mask = %#x", mask)
	}

	m.WritePCIConfig(0, 0x10, uint32(GPUMMIOBase))
	if got := m.ReadPCIConfig(0, 0x10); got != uint32(GPUMMIOBase) {
		t.Fatalf("BAR base = %#x after reprogram, want %#x", got, GPUMMIOBase)
	}
}

func TestMemorySpaceDisableFloatsMMIO(t *testing.T) {
	m := newTestMachine(t)
	// Command register left zeroed: MMIO reads float.
	if got := m.ReadMMIO(GPUMMIOBase, 4); got != 0xffff_ffff {
		t.Fatalf("read = %#x with memory space disabled, want all-ones", got)
	}
}

func TestUSBPassthroughThroughMachine(t *testing.T) {
	m := newTestMachine(t)

	const ringBase = 0x4000
	const bufAddr = 0x9000
	m.XHCI().ConfigureEndpoint(1, ringBase)

	// Setup(control-IN, 18 bytes) / Data / Status.
	m.RAM().WriteU64(ringBase, 0x80|uint64(18)<<48)
	m.RAM().WriteU32(ringBase+8, 8)
	m.RAM().WriteU32(ringBase+12, 1|2<<10)
	m.RAM().WriteU64(ringBase+16, bufAddr)
	m.RAM().WriteU32(ringBase+16+8, 18)
	m.RAM().WriteU32(ringBase+16+12, 1|1<<16|3<<10)
	m.RAM().WriteU64(ringBase+32, 0)
	m.RAM().WriteU32(ringBase+32+8, 0)
	m.RAM().WriteU32(ringBase+32+12, 1|1<<5|4<<10)

	m.TickUSBFrame()
	actions := m.DrainUSBActions()
	if len(actions) != 1 {
		t.Fatalf("want one host action, got %d", len(actions))
	}

	payload := bytes.Repeat([]byte{0x42}, 18)
	m.PushUSBCompletion(usb.Completion{
		ActionID: actions[0].ID,
		Result:   usb.Result{Response: usb.RespAck, Data: payload},
	})
	m.TickUSBFrame()

	got := make([]byte, 18)
	m.RAM().ReadBytes(bufAddr, got)
	if !bytes.Equal(got, payload) {
		t.Fatalf("guest buffer = %x, want %x", got, payload)
	}
	if ev := m.XHCI().DrainEvents(); len(ev) != 1 {
		t.Fatalf("want one transfer event, got %+v", ev)
	}
}

func TestDeviceSnapshotRoundTrip(t *testing.T) {
	m := newTestMachine(t)
	m.WritePCIConfig(0, pciCmdOffset, pciCmdMSEplusB)
	m.WriteMMIO(GPUMMIOBase+regRingBaseLo, 4, 0x1000)
	m.WriteMMIO(GPUMMIOBase+regRingCount, 4, 4)
	writeGPUSubmission(m, 0x1000, 5, false)
	m.WriteMMIO(GPUMMIOBase+regRingTail, 4, 1)
	m.WriteMMIO(GPUMMIOBase+regDoorbell, 4, 1)

	saved, err := m.SaveDeviceState()
	if err != nil {
		t.Fatalf("SaveDeviceState: %v", err)
	}

	restored := newTestMachine(t)
	if err := restored.LoadDeviceState(saved); err != nil {
		t.Fatalf("LoadDeviceState: %v", err)
	}
	if got := restored.GPU().Regs().Interrupts.FenceCompleted; got != 5 {
		t.Fatalf("restored fence = %d, want 5", got)
	}
	if got := restored.GPU().Regs().Ring.Head; got != 1 {
		t.Fatalf("restored head = %d, want 1", got)
	}
}

func TestSaveRefusedWithTransferInFlight(t *testing.T) {
	m := newTestMachine(t)
	const ringBase = 0x4000
	m.XHCI().ConfigureEndpoint(1, ringBase)
	m.RAM().WriteU64(ringBase, 0x80|uint64(8)<<48)
	m.RAM().WriteU32(ringBase+12, 1|2<<10)
	m.RAM().WriteU64(ringBase+16, 0x9000)
	m.RAM().WriteU32(ringBase+16+8, 8)
	m.RAM().WriteU32(ringBase+16+12, 1|1<<16|3<<10)
	m.RAM().WriteU32(ringBase+32+12, 1|4<<10)

	m.TickUSBFrame() // emits a host action that never completes

	if _, err := m.SaveDeviceState(); err == nil {
		t.Fatal("save must be refused while a host transfer is in flight")
	}
}
