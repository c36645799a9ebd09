// Package aerocore assembles the emulator core: guest RAM behind a
// dispatching physical bus, the paging MMU, the tiered CPU engine, the
// GPU and NVMe ring engines behind their PCI functions, both USB
// controllers, and the interrupt controller that carries device lines
// back to the CPU.
package aerocore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/aerovm/aerocore/internal/config"
	"github.com/aerovm/aerocore/internal/cpuengine"
	"github.com/aerovm/aerocore/internal/irq"
	"github.com/aerovm/aerocore/internal/mmu"
	"github.com/aerovm/aerocore/internal/pci"
	"github.com/aerovm/aerocore/internal/physbus"
	"github.com/aerovm/aerocore/internal/ring"
	"github.com/aerovm/aerocore/internal/snapshot"
	"github.com/aerovm/aerocore/internal/usb"
)

// Fixed MMIO windows and interrupt routing for the two ring-backed
// PCI functions and the USB controllers.
const (
	GPUMMIOBase  uint64 = 0xfe00_0000
	NVMeMMIOBase uint64 = 0xfe10_0000

	mmioWindowSize = 0x1000

	GSIGPU  uint32 = 16
	GSINVMe uint32 = 17
	GSIUSB  uint32 = 18
)

// GPU and NVMe register-window magics, visible at +0x000 of each BAR
// and reused as the device snapshot ids.
const (
	GPUMagic  uint32 = 0x55504741 // "AGPU"
	NVMeMagic uint32 = 0x4d564e41 // "ANVM"
)

// ringFunction bundles one ring engine with its PCI function.
type ringFunction struct {
	cfg    *pci.ConfigSpace
	engine *ring.Engine
	line   *irq.Line
}

// Machine is one fully wired emulator instance.
type Machine struct {
	cfg config.MachineConfig

	ram    *physbus.Memory
	bus    *physbus.DispatchBus
	paging *mmu.PagingBus
	cpu    *cpuengine.Engine
	irqs   *irq.Controller

	gpu  ringFunction
	nvme ringFunction

	uhci        *usb.UHCI
	xhci        *usb.XHCI
	passthrough *usb.HostPassthrough
	usbLine     *irq.Line
	usbActions  []usb.Action
}

// cpuSink forwards interrupt-controller edges into the CPU engine's
// pending count.
type cpuSink struct{ cpu *cpuengine.Engine }

func (s cpuSink) InterruptRaised(uint32) { s.cpu.RaiseInterrupt() }

// ramWindow adapts guest RAM to the bounded ReaderAt/WriterAt surface
// the ring engines DMA through.
type ramWindow struct{ m *physbus.Memory }

var errDMARange = errors.New("aerocore: dma outside guest ram")

func (w ramWindow) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > w.m.Size() {
		return 0, errDMARange
	}
	w.m.ReadBytes(uint64(off), p)
	return len(p), nil
}

func (w ramWindow) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > w.m.Size() {
		return 0, errDMARange
	}
	w.m.WriteBytes(uint64(off), p)
	return len(p), nil
}

// ringWindow adapts a ring engine's byte-slice MMIO interface to the
// scalar MMIODevice shape the dispatch bus routes.
type ringWindow struct{ e *ring.Engine }

func (w ringWindow) Size() uint64 { return mmioWindowSize }

func (w ringWindow) ReadMMIO(offset uint64, width int) uint64 {
	var buf [8]byte
	w.e.ReadMMIO(offset, buf[:width])
	return binary.LittleEndian.Uint64(buf[:])
}

func (w ringWindow) WriteMMIO(offset uint64, width int, value uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	w.e.WriteMMIO(offset, buf[:width])
}

// NewMachine wires a machine from its configuration. The CPU's guest
// ISA behavior is injected: source supplies the interpreter and both
// compilers, gpuExec and nvmeExec the device-specific command
// execution (pass nil for inert devices, e.g. in tests).
func NewMachine(cfg config.MachineConfig, source cpuengine.BlockSource, gpuExec ring.GPUExecutor, nvmeExec ring.NVMeExecutor) (*Machine, error) {
	if cfg.Version == 0 {
		cfg = config.Default()
	}

	m := &Machine{cfg: cfg}
	m.ram = physbus.NewMemory(cfg.MemoryMB << 20)
	m.bus = physbus.NewDispatchBus(m.ram)
	m.paging = mmu.New(m.bus)

	engineCfg := cpuengine.Config{
		Tier1Threshold:         cfg.JIT.Tier1Threshold,
		Tier2Threshold:         cfg.JIT.Tier2Threshold,
		CodeCacheBlockCapacity: cfg.JIT.CacheMaxBlocks,
		CodeCacheByteCapacity:  cfg.JIT.CacheMaxBytes,
		CodeVersionMaxPages:    cfg.JIT.VersionedPages,
	}
	m.cpu = cpuengine.NewEngine(source, engineCfg)
	m.irqs = irq.NewController(cpuSink{cpu: m.cpu})

	dma := ramWindow{m: m.ram}

	if gpuExec == nil {
		gpuExec = inertGPU{}
	}
	m.gpu = m.newRingFunction(GPUMMIOBase, GPUMagic, GSIGPU,
		ring.NewGPUConsumer(gpuExec), dma, cfg.GPU)
	m.gpu.engine.Regs().Features.Bitmap |= ring.FeatureVblank
	m.gpu.engine.Regs().Vblank.PeriodNs = cfg.GPU.VblankPeriodNs

	if nvmeExec == nil {
		nvmeExec = inertNVMe{}
	}
	m.nvme = m.newRingFunction(NVMeMMIOBase, NVMeMagic, GSINVMe,
		ring.NewNVMeConsumer(nvmeExec, nvmeTransferSize), dma, cfg.NVMe)

	m.passthrough = usb.NewHostPassthrough(func(a usb.Action) {
		m.usbActions = append(m.usbActions, a)
	})
	m.uhci = usb.NewUHCI(m.bus, m.passthrough, cfg.USB.Ports)
	m.xhci = usb.NewXHCI(m.bus, m.passthrough)
	m.usbLine = m.irqs.AllocateLine(GSIUSB)

	return m, nil
}

func (m *Machine) newRingFunction(base uint64, magic uint32, gsi uint32, consumer ring.Consumer, dma ramWindow, rc config.RingConfig) ringFunction {
	cfgSpace := pci.NewConfigSpace()
	cfgSpace.SetInterruptPin(1)
	cfgSpace.ConfigureBAR(0, base, mmioWindowSize)

	engine := ring.NewEngine(dma, consumer, cfgSpace.Command())
	engine.Regs().Identification.Magic = magic
	engine.Regs().Ring.EntryCount = rc.Entries

	m.bus.Map(base, ringWindow{e: engine})

	return ringFunction{cfg: cfgSpace, engine: engine, line: m.irqs.AllocateLine(gsi)}
}

// inertGPU accepts every submission and executes nothing; command
// streams are opaque at this layer.
type inertGPU struct{}

func (inertGPU) Execute(ring.GuestMemory, ring.GPUOp) {}
func (inertGPU) AllocTable(ring.GuestMemory, uint64, uint32) (ring.GPUAllocTable, error) {
	return nil, nil
}

// inertNVMe completes every command without touching its buffer.
type inertNVMe struct{}

func (inertNVMe) Execute(ring.GuestMemory, ring.NVMeCommand, []ring.PRPSegment, uint16) {}

// nvmeTransferSize derives the declared transfer length from a
// command's NLB field (CDW12 low 16 bits, zeroes-based, 512-byte
// blocks) for the read/write opcodes; other opcodes move no data.
func nvmeTransferSize(cmd ring.NVMeCommand) uint32 {
	switch cmd.Opcode {
	case 0x01, 0x02: // write, read
		return (cmd.CDW10[2]&0xffff + 1) * 512
	}
	return 0
}

// Accessors for the composed subsystems.
func (m *Machine) RAM() *physbus.Memory { return m.ram }

func (m *Machine) Bus() *physbus.DispatchBus { return m.bus }

func (m *Machine) Paging() *mmu.PagingBus { return m.paging }

func (m *Machine) CPU() *cpuengine.Engine { return m.cpu }

func (m *Machine) Interrupts() *irq.Controller { return m.irqs }

func (m *Machine) GPU() *ring.Engine { return m.gpu.engine }

func (m *Machine) NVMe() *ring.Engine { return m.nvme.engine }

func (m *Machine) GPUConfig() *pci.ConfigSpace { return m.gpu.cfg }

func (m *Machine) NVMeConfig() *pci.ConfigSpace { return m.nvme.cfg }

func (m *Machine) UHCI() *usb.UHCI { return m.uhci }

func (m *Machine) XHCI() *usb.XHCI { return m.xhci }

func (m *Machine) Passthrough() *usb.HostPassthrough { return m.passthrough }

// Run drives the CPU dispatch loop from entry. deliver receives
// block-boundary interrupt deliveries and returns the ISR entry RIP.
func (m *Machine) Run(entry uint64, maxSteps int, deliver cpuengine.Deliver) uint64 {
	return cpuengine.Run(m.cpu, entry, maxSteps, deliver)
}

// WritePCIConfig applies a dword config-space write to the function at
// the given slot (0 = GPU, 1 = NVMe) and propagates command-register
// side effects: blocked fence completions drain when Bus Master comes
// back, and the INTx lines re-level.
func (m *Machine) WritePCIConfig(slot int, offset uint16, value uint32) {
	fn := m.function(slot)
	if fn == nil {
		return
	}
	fn.cfg.WriteDWord(offset, value)
	fn.engine.PCICommandUpdated()
	m.RefreshIRQLines()
}

func (m *Machine) ReadPCIConfig(slot int, offset uint16) uint32 {
	fn := m.function(slot)
	if fn == nil {
		return 0xffff_ffff
	}
	return fn.cfg.ReadDWord(offset)
}

func (m *Machine) function(slot int) *ringFunction {
	switch slot {
	case 0:
		return &m.gpu
	case 1:
		return &m.nvme
	}
	return nil
}

// RefreshIRQLines re-levels every device line. Called after MMIO
// writes, device ticks, and config-space writes.
func (m *Machine) RefreshIRQLines() {
	m.gpu.line.Set(m.gpu.engine.IRQLine())
	m.nvme.line.Set(m.nvme.engine.IRQLine())
	m.usbLine.Set(m.uhci.Status() != 0 || m.xhci.PendingEvents() > 0)
}

// WriteMMIO routes a CPU store to the physical bus and re-levels IRQ
// lines, preserving program order between a doorbell write and the
// completion interrupts it produces.
func (m *Machine) WriteMMIO(addr uint64, width int, value uint64) {
	switch width {
	case 1:
		m.bus.WriteU8(addr, uint8(value))
	case 2:
		m.bus.WriteU16(addr, uint16(value))
	case 4:
		m.bus.WriteU32(addr, uint32(value))
	default:
		m.bus.WriteU64(addr, value)
	}
	m.cpu.OnGuestWrite(addr, width)
	m.RefreshIRQLines()
}

func (m *Machine) ReadMMIO(addr uint64, width int) uint64 {
	switch width {
	case 1:
		return uint64(m.bus.ReadU8(addr))
	case 2:
		return uint64(m.bus.ReadU16(addr))
	case 4:
		return uint64(m.bus.ReadU32(addr))
	default:
		return m.bus.ReadU64(addr)
	}
}

// TickVblank advances the GPU's simulated vblank edge and re-levels
// lines, publishing at most one vblank-paced fence.
func (m *Machine) TickVblank() {
	m.gpu.engine.VblankTick()
	m.RefreshIRQLines()
}

// TickUSBFrame advances both USB controllers by one 1 ms frame.
func (m *Machine) TickUSBFrame() {
	m.uhci.Tick()
	m.xhci.Tick()
	m.RefreshIRQLines()
}

// DrainUSBActions returns the host-passthrough actions emitted since
// the last drain; the embedder forwards them to its host USB stack.
func (m *Machine) DrainUSBActions() []usb.Action {
	a := m.usbActions
	m.usbActions = nil
	return a
}

// PushUSBCompletion feeds one host completion back to the passthrough
// device. Safe to call from the embedder's poll loop; the transfer
// finishes on the next USB frame tick.
func (m *Machine) PushUSBCompletion(c usb.Completion) {
	m.passthrough.Complete(c)
}

// machineMagic identifies a whole-machine device-state snapshot, which
// nests each device's own TLV stream as one record.
var machineMagic = [4]byte{'A', 'E', 'R', 'O'}

const (
	machineStateMajor = 1
	machineStateMinor = 0
)

const (
	tagGPUState  = 1
	tagNVMeState = 2
	tagUHCIState = 3
	tagXHCIState = 4
)

// SaveDeviceState captures every device's snapshot. It must only be
// called while the VM is paused between instructions with no transfer
// in flight.
func (m *Machine) SaveDeviceState() ([]byte, error) {
	if n := m.passthrough.PendingCount(); n != 0 {
		return nil, fmt.Errorf("aerocore: %d host transfers still in flight", n)
	}
	w := snapshot.NewWriter(machineMagic, machineStateMajor, machineStateMinor)
	w.Put(tagGPUState, m.gpu.engine.SaveState())
	w.Put(tagNVMeState, m.nvme.engine.SaveState())
	w.Put(tagUHCIState, m.uhci.SaveState())
	w.Put(tagXHCIState, m.xhci.SaveState())
	return w.Bytes(), nil
}

// LoadDeviceState restores a SaveDeviceState stream. Each device loads
// atomically; on error the remaining devices are left untouched.
func (m *Machine) LoadDeviceState(data []byte) error {
	rd, err := snapshot.Load(data, machineMagic, machineStateMajor)
	if err != nil {
		return err
	}
	if b, ok := rd.Get(tagGPUState); ok {
		if err := m.gpu.engine.LoadState(b); err != nil {
			return fmt.Errorf("gpu: %w", err)
		}
	}
	if b, ok := rd.Get(tagNVMeState); ok {
		if err := m.nvme.engine.LoadState(b); err != nil {
			return fmt.Errorf("nvme: %w", err)
		}
	}
	if b, ok := rd.Get(tagUHCIState); ok {
		if err := m.uhci.LoadState(b); err != nil {
			return fmt.Errorf("uhci: %w", err)
		}
	}
	if b, ok := rd.Get(tagXHCIState); ok {
		if err := m.xhci.LoadState(b); err != nil {
			return fmt.Errorf("xhci: %w", err)
		}
	}
	m.RefreshIRQLines()
	return nil
}
