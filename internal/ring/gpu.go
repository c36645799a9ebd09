package ring

import (
	"encoding/binary"
	"errors"
)

// GPU descriptor flags (offset +0x04 of the 64-byte submission
// descriptor).
const (
	gpuFlagVblankPaced uint32 = 1 << 0
)

// gpuDescTypeTag is the expected header tag a valid submission
// descriptor must carry at offset 0; anything else is malformed.
const gpuDescTypeTag uint32 = 0x47505553 // "GPUS"

var errMalformedGPUDescriptor = errors.New("ring: malformed gpu submission descriptor")

// GPUAllocTable resolves allocation ids referenced by a command stream
// to guest-physical addresses; it models the submission's private
// allocation table the descriptor points at.
type GPUAllocTable interface {
	// Resolve returns the physical address backing allocation id, or
	// ok=false if the id is missing or out of range.
	Resolve(id uint32) (addr uint64, ok bool)
}

// GPUOp is the decoded, validated submission ready for execution.
type GPUOp struct {
	ContextID    uint32
	EngineID     uint32
	CmdStreamPtr uint64
	CmdStreamLen uint32
	SignalFence  uint64
	VblankPaced  bool
}

// GPUExecutor runs one validated submission (command stream execution,
// present, export/import, destroy — the concrete command set is opaque
// to the ring engine).
type GPUExecutor interface {
	Execute(mem GuestMemory, op GPUOp)
	// AllocTable returns the allocation table active for a submission
	// whose alloc-table pointer/size are given; a nil table plus
	// size==0 means the submission references no allocations.
	AllocTable(mem GuestMemory, ptr uint64, size uint32) (GPUAllocTable, error)
}

// gpuConsumer adapts a GPUExecutor to the generic ring Consumer
// interface, validating the descriptor header and allocation-table
// reference before anything executes.
type gpuConsumer struct {
	exec GPUExecutor
}

func NewGPUConsumer(exec GPUExecutor) Consumer { return &gpuConsumer{exec: exec} }

func (c *gpuConsumer) Decode(mem GuestMemory, slotAddr uint64) (Descriptor, error) {
	raw := make([]byte, descriptorStride)
	if _, err := mem.ReadAt(raw, int64(slotAddr)); err != nil {
		return Descriptor{}, errMalformedGPUDescriptor
	}

	tag := binary.LittleEndian.Uint32(raw[0:4])
	if tag != gpuDescTypeTag {
		return Descriptor{}, errMalformedGPUDescriptor
	}
	flags := binary.LittleEndian.Uint32(raw[4:8])
	contextID := binary.LittleEndian.Uint32(raw[8:12])
	engineID := binary.LittleEndian.Uint32(raw[12:16])
	cmdPtr := binary.LittleEndian.Uint64(raw[16:24])
	cmdSize := binary.LittleEndian.Uint32(raw[24:28])
	allocPtr := binary.LittleEndian.Uint64(raw[32:40])
	allocSize := binary.LittleEndian.Uint32(raw[40:44])
	fence := binary.LittleEndian.Uint64(raw[48:56])

	if cmdSize != 0 && cmdPtr == 0 {
		return Descriptor{}, errMalformedGPUDescriptor
	}

	if _, err := c.exec.AllocTable(mem, allocPtr, allocSize); err != nil {
		return Descriptor{}, errMalformedGPUDescriptor
	}

	return Descriptor{
		Raw:         raw,
		SignalFence: fence,
		VblankPaced: flags&gpuFlagVblankPaced != 0,
		HasFence:    true,
		Payload: GPUOp{
			ContextID:    contextID,
			EngineID:     engineID,
			CmdStreamPtr: cmdPtr,
			CmdStreamLen: cmdSize,
			SignalFence:  fence,
			VblankPaced:  flags&gpuFlagVblankPaced != 0,
		},
	}, nil
}

func (c *gpuConsumer) Execute(mem GuestMemory, d Descriptor) {
	c.exec.Execute(mem, d.Payload.(GPUOp))
}
