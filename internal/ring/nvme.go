package ring

import (
	"encoding/binary"
	"errors"
)

// PSDT (PRP or SGL for Data Transfer) values, CDW0 bits [15:14].
const (
	psdtPRP          = 0b00
	psdtSGLContig    = 0b01
	psdtSGLScattered = 0b10
)

// NVMe completion status codes (status field, DNR bit set).
const (
	StatusSuccess      uint16 = 0x0000
	StatusInvalidField uint16 = 0x0002 | 0x4000 // generic command status, DNR=1
)

var errMalformedNVMeCommand = errors.New("ring: truncated nvme command")

// SGLDescriptorType identifies the subtype byte of an SGL descriptor
// (high nibble of the last byte), per NVMe's SGL descriptor format.
type sglDescriptorType byte

const (
	sglTypeDataBlock sglDescriptorType = 0x0
	sglTypeBitBucket sglDescriptorType = 0x1
	sglTypeSegment   sglDescriptorType = 0x2
	sglTypeLastSeg   sglDescriptorType = 0x3
	sglTypeKeyed     sglDescriptorType = 0x4
	sglTypeTransport sglDescriptorType = 0x5
)

// maxSGLDescriptors bounds the total descriptor count across all
// chained segments, so a hostile list can not make the walk unbounded.
const maxSGLDescriptors = 4096

// maxSegmentChainDepth independently bounds how many Segment
// descriptors a chain may follow, so a cyclic chain is cut off well
// before the flat descriptor cap.
const maxSegmentChainDepth = 8

// NVMeCommand is a decoded 64-byte submission queue entry.
type NVMeCommand struct {
	Opcode byte
	PSDT   byte
	CID    uint16
	NSID   uint32
	PRP1   uint64
	PRP2   uint64
	CDW10  [6]uint32
}

// NVMeExecutor runs the command-specific behavior once its data buffer
// has been resolved into a flat list of (addr, len) segments (or
// rejected as invalid).
type NVMeExecutor interface {
	Execute(mem GuestMemory, cmd NVMeCommand, segments []PRPSegment, status uint16)
}

// PRPSegment is one validated (address, length) run of the command's
// data buffer, resolved from either a PRP list or an SGL.
type PRPSegment struct {
	Addr uint64
	Len  uint32
}

type nvmeConsumer struct {
	exec         NVMeExecutor
	transferSize func(cmd NVMeCommand) uint32
}

// NewNVMeConsumer adapts an NVMeExecutor to the generic ring Consumer
// interface. transferSize reports the declared transfer length for a
// decoded command (derived from its command-specific dwords), used to
// validate that SGL data-block lengths sum to at least that size.
func NewNVMeConsumer(exec NVMeExecutor, transferSize func(cmd NVMeCommand) uint32) Consumer {
	return &nvmeConsumer{exec: exec, transferSize: transferSize}
}

func (c *nvmeConsumer) Decode(mem GuestMemory, slotAddr uint64) (Descriptor, error) {
	raw := make([]byte, descriptorStride)
	if _, err := mem.ReadAt(raw, int64(slotAddr)); err != nil {
		return Descriptor{}, errMalformedNVMeCommand
	}

	cdw0 := binary.LittleEndian.Uint32(raw[0:4])
	cmd := NVMeCommand{
		Opcode: byte(cdw0),
		PSDT:   byte((cdw0 >> 14) & 0x3),
		CID:    uint16(cdw0 >> 16),
		NSID:   binary.LittleEndian.Uint32(raw[4:8]),
		PRP1:   binary.LittleEndian.Uint64(raw[24:32]),
		PRP2:   binary.LittleEndian.Uint64(raw[32:40]),
	}
	for i := 0; i < 6; i++ {
		cmd.CDW10[i] = binary.LittleEndian.Uint32(raw[40+4*i : 44+4*i])
	}

	return Descriptor{
		Raw:         raw,
		SignalFence: uint64(cmd.CID),
		HasFence:    true,
		Payload:     cmd,
	}, nil
}

func (c *nvmeConsumer) Execute(mem GuestMemory, d Descriptor) {
	cmd := d.Payload.(NVMeCommand)

	var segments []PRPSegment
	status := StatusSuccess

	want := uint32(0)
	if c.transferSize != nil {
		want = c.transferSize(cmd)
	}

	switch cmd.PSDT {
	case psdtPRP:
		segments = []PRPSegment{{Addr: cmd.PRP1, Len: want}}
		if want != 0 && cmd.PRP1 == 0 {
			status = StatusInvalidField
		}
	case psdtSGLContig, psdtSGLScattered:
		segs, err := resolveSGL(mem, cmd.PRP1, want)
		if err != nil {
			status = StatusInvalidField
		} else {
			segments = segs
		}
	default:
		status = StatusInvalidField
	}

	c.exec.Execute(mem, cmd, segments, status)
}

// resolveSGL walks an SGL root descriptor, chaining Segment/LastSegment
// descriptors and accumulating Data Block descriptors. Alignment,
// subtype, reserved-byte, and total-length violations all fail the
// command with InvalidField.
func resolveSGL(mem GuestMemory, rootAddr uint64, want uint32) ([]PRPSegment, error) {
	var segments []PRPSegment
	var total uint32
	visited := 0
	depth := 0

	addr := rootAddr
	for {
		desc := make([]byte, 16)
		if addr%16 != 0 {
			return nil, errSGLInvalid
		}
		if _, err := mem.ReadAt(desc, int64(addr)); err != nil {
			return nil, errSGLInvalid
		}
		subtype := sglDescriptorType(desc[15] >> 4)

		switch subtype {
		case sglTypeDataBlock:
			visited++
			if visited > maxSGLDescriptors {
				return nil, errSGLInvalid
			}
			dataAddr := binary.LittleEndian.Uint64(desc[0:8])
			dataLen := binary.LittleEndian.Uint32(desc[8:12])
			if desc[12] != 0 || desc[13] != 0 || desc[14] != 0 {
				return nil, errSGLInvalid
			}
			if dataAddr == 0 || dataLen == 0 {
				return nil, errSGLInvalid
			}
			segments = append(segments, PRPSegment{Addr: dataAddr, Len: dataLen})
			total += dataLen
			return segments, checkTotal(total, want)

		case sglTypeSegment, sglTypeLastSeg:
			depth++
			if depth > maxSegmentChainDepth {
				return nil, errSGLInvalid
			}
			segAddr := binary.LittleEndian.Uint64(desc[0:8])
			segLen := binary.LittleEndian.Uint32(desc[8:12])
			if desc[12] != 0 || desc[13] != 0 || desc[14] != 0 {
				return nil, errSGLInvalid
			}
			if segLen == 0 || segLen%16 != 0 {
				return nil, errSGLInvalid
			}
			segs, subtotal, err := resolveSGLSegment(mem, segAddr, segLen, &visited)
			if err != nil {
				return nil, err
			}
			segments = append(segments, segs...)
			total += subtotal
			if subtype == sglTypeLastSeg {
				return segments, checkTotal(total, want)
			}
			addr = segAddr + uint64(segLen)
			continue

		default:
			return nil, errSGLInvalid
		}
	}
}

func resolveSGLSegment(mem GuestMemory, addr uint64, length uint32, visited *int) ([]PRPSegment, uint32, error) {
	if addr%16 != 0 {
		return nil, 0, errSGLInvalid
	}
	var segments []PRPSegment
	var total uint32
	for off := uint32(0); off < length; off += 16 {
		desc := make([]byte, 16)
		if _, err := mem.ReadAt(desc, int64(addr+uint64(off))); err != nil {
			return nil, 0, errSGLInvalid
		}
		*visited++
		if *visited > maxSGLDescriptors {
			return nil, 0, errSGLInvalid
		}
		subtype := sglDescriptorType(desc[15] >> 4)
		if subtype != sglTypeDataBlock {
			return nil, 0, errSGLInvalid
		}
		dataAddr := binary.LittleEndian.Uint64(desc[0:8])
		dataLen := binary.LittleEndian.Uint32(desc[8:12])
		if desc[12] != 0 || desc[13] != 0 || desc[14] != 0 {
			return nil, 0, errSGLInvalid
		}
		if dataAddr == 0 || dataLen == 0 {
			return nil, 0, errSGLInvalid
		}
		segments = append(segments, PRPSegment{Addr: dataAddr, Len: dataLen})
		total += dataLen
	}
	return segments, total, nil
}

func checkTotal(total, want uint32) error {
	if total < want {
		return errSGLInvalid
	}
	return nil
}

var errSGLInvalid = errors.New("ring: sgl validation failed")
