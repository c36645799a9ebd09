package physbus

import "sort"

// MMIODevice is a memory-mapped peripheral: the ring engine, a PCI BAR
// target, or any other device that needs to observe scalar accesses
// rather than store bytes passively.
type MMIODevice interface {
	// ReadMMIO/WriteMMIO operate at a byte offset within the device's own
	// window, widths 1/2/4/8. Unaligned/partial register writes are the
	// device's responsibility to merge (see ring.Engine.WriteMMIO for the
	// canonical 4-byte-register merge behavior external interfaces use).
	ReadMMIO(offset uint64, width int) uint64
	WriteMMIO(offset uint64, width int, value uint64)
	Size() uint64
}

type mapping struct {
	base   uint64
	size   uint64
	device MMIODevice
}

// DispatchBus routes scalar accesses either to a backing Memory (for
// addresses not claimed by any device) or to the MMIODevice whose window
// contains the address. Devices are registered once at construction time;
// the core never needs dynamic BAR relocation, so this stays a sorted
// slice rather than an interval tree.
type DispatchBus struct {
	ram      *Memory
	mappings []mapping
}

// NewDispatchBus creates a bus over ram with no device windows registered.
func NewDispatchBus(ram *Memory) *DispatchBus {
	return &DispatchBus{ram: ram}
}

// Map registers dev to respond to accesses in [base, base+dev.Size()).
// Overlapping windows are rejected by the caller's own configuration
// validation; Map itself just keeps the slice sorted for lookup.
func (b *DispatchBus) Map(base uint64, dev MMIODevice) {
	b.mappings = append(b.mappings, mapping{base: base, size: dev.Size(), device: dev})
	sort.Slice(b.mappings, func(i, j int) bool { return b.mappings[i].base < b.mappings[j].base })
}

func (b *DispatchBus) find(addr uint64) (mapping, bool) {
	// Linear scan: the core registers at most a handful of device windows
	// (GPU, NVMe queues, USB controllers), so this never shows up in a
	// profile next to the page walker or the JIT dispatch loop.
	for _, mp := range b.mappings {
		if addr >= mp.base && addr < mp.base+mp.size {
			return mp, true
		}
	}
	return mapping{}, false
}

func (b *DispatchBus) Size() uint64 { return b.ram.Size() }

func (b *DispatchBus) ReadU8(addr uint64) uint8   { return uint8(b.read(addr, 1)) }
func (b *DispatchBus) ReadU16(addr uint64) uint16 { return uint16(b.read(addr, 2)) }
func (b *DispatchBus) ReadU32(addr uint64) uint32 { return uint32(b.read(addr, 4)) }
func (b *DispatchBus) ReadU64(addr uint64) uint64 { return b.read(addr, 8) }

func (b *DispatchBus) WriteU8(addr uint64, v uint8)   { b.write(addr, 1, uint64(v)) }
func (b *DispatchBus) WriteU16(addr uint64, v uint16) { b.write(addr, 2, uint64(v)) }
func (b *DispatchBus) WriteU32(addr uint64, v uint32) { b.write(addr, 4, uint64(v)) }
func (b *DispatchBus) WriteU64(addr uint64, v uint64) { b.write(addr, 8, v) }

func (b *DispatchBus) read(addr uint64, width int) uint64 {
	if mp, ok := b.find(addr); ok {
		return mp.device.ReadMMIO(addr-mp.base, width)
	}
	switch width {
	case 1:
		return uint64(b.ram.ReadU8(addr))
	case 2:
		return uint64(b.ram.ReadU16(addr))
	case 4:
		return uint64(b.ram.ReadU32(addr))
	default:
		return b.ram.ReadU64(addr)
	}
}

func (b *DispatchBus) write(addr uint64, width int, value uint64) {
	if mp, ok := b.find(addr); ok {
		mp.device.WriteMMIO(addr-mp.base, width, value)
		return
	}
	switch width {
	case 1:
		b.ram.WriteU8(addr, uint8(value))
	case 2:
		b.ram.WriteU16(addr, uint16(value))
	case 4:
		b.ram.WriteU32(addr, uint32(value))
	default:
		b.ram.WriteU64(addr, value)
	}
}

// ReadBytes/WriteBytes only ever go to RAM: device DMA targets guest RAM,
// never another device's MMIO window, so bulk moves bypass the dispatch
// table entirely.
func (b *DispatchBus) ReadBytes(addr uint64, dst []byte)  { b.ram.ReadBytes(addr, dst) }
func (b *DispatchBus) WriteBytes(addr uint64, src []byte) { b.ram.WriteBytes(addr, src) }
