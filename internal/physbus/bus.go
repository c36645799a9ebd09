// Package physbus implements the flat, byte-addressable physical memory
// abstraction guest code and device models read and write through.
//
// Every layer above PhysBus (the paging walker, the DMA path used by ring
// and USB devices) is written against the Bus interface rather than any
// concrete implementation, so test harnesses can substitute an instrumented
// or checkpointing bus without conditional compilation.
package physbus

import "encoding/binary"

// Bus is the capability set every physical memory consumer needs: scalar
// reads/writes at 1/2/4/8-byte widths, little-endian. Implementations never
// fail or panic; out-of-bounds behavior (returning zero, discarding writes)
// is up to the concrete type.
type Bus interface {
	ReadU8(addr uint64) uint8
	ReadU16(addr uint64) uint16
	ReadU32(addr uint64) uint32
	ReadU64(addr uint64) uint64

	WriteU8(addr uint64, v uint8)
	WriteU16(addr uint64, v uint16)
	WriteU32(addr uint64, v uint32)
	WriteU64(addr uint64, v uint64)

	// ReadBytes/WriteBytes move an arbitrary-length slice. Used by DMA
	// consumers (ring descriptors, USB transfer buffers) that move more
	// than 8 bytes at a time; out-of-range bytes are zero-filled on read
	// and discarded on write, same as the scalar accessors.
	ReadBytes(addr uint64, dst []byte)
	WriteBytes(addr uint64, src []byte)

	// Size reports the addressable span, for bounds-checking callers that
	// want to avoid reading/writing past the end of backing storage.
	Size() uint64
}

// Memory is the plain-RAM implementation of Bus: a single contiguous
// backing slice. Accesses fully outside the slice are no-ops (reads
// return zero); accesses that partially overlap are clipped to the
// covered portion.
type Memory struct {
	data []byte
}

// NewMemory allocates size bytes of zeroed guest RAM.
func NewMemory(size uint64) *Memory {
	return &Memory{data: make([]byte, size)}
}

// NewMemoryFromSlice wraps an existing slice (e.g. mmap'd storage from
// region_unix.go) as a Bus without copying.
func NewMemoryFromSlice(backing []byte) *Memory {
	return &Memory{data: backing}
}

func (m *Memory) Size() uint64 { return uint64(len(m.data)) }

func (m *Memory) ReadU8(addr uint64) uint8 {
	if addr >= uint64(len(m.data)) {
		return 0
	}
	return m.data[addr]
}

func (m *Memory) ReadU16(addr uint64) uint16 {
	var buf [2]byte
	m.ReadBytes(addr, buf[:])
	return binary.LittleEndian.Uint16(buf[:])
}

func (m *Memory) ReadU32(addr uint64) uint32 {
	var buf [4]byte
	m.ReadBytes(addr, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func (m *Memory) ReadU64(addr uint64) uint64 {
	var buf [8]byte
	m.ReadBytes(addr, buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

func (m *Memory) WriteU8(addr uint64, v uint8) {
	if addr >= uint64(len(m.data)) {
		return
	}
	m.data[addr] = v
}

func (m *Memory) WriteU16(addr uint64, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	m.WriteBytes(addr, buf[:])
}

func (m *Memory) WriteU32(addr uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	m.WriteBytes(addr, buf[:])
}

func (m *Memory) WriteU64(addr uint64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	m.WriteBytes(addr, buf[:])
}

func (m *Memory) ReadBytes(addr uint64, dst []byte) {
	for i := range dst {
		dst[i] = 0
	}
	if addr >= uint64(len(m.data)) {
		return
	}
	n := copy(dst, m.data[addr:])
	_ = n
}

func (m *Memory) WriteBytes(addr uint64, src []byte) {
	if addr >= uint64(len(m.data)) {
		return
	}
	copy(m.data[addr:], src)
}

// Raw returns the backing slice for callers (snapshot code, the region
// allocator) that need direct access.
func (m *Memory) Raw() []byte { return m.data }
