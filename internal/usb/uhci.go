package usb

import (
	"github.com/aerovm/aerocore/internal/physbus"
)

// UHCI interrupt status bits, mirrored by the controller's status
// register: completion interrupts on IOC, error interrupts on
// stall/timeout.
const (
	StatusUSBINT    uint16 = 1 << 0
	StatusUSBERRINT uint16 = 1 << 1
)

// Frame-list / TD link pointer bits.
const (
	linkTerminate  uint32 = 1 << 0
	linkQueueHead  uint32 = 1 << 1
	linkDepthFirst uint32 = 1 << 2
	linkAddrMask   uint32 = ^uint32(0xf)
)

// TD control/status word bits (dword 1).
const (
	tdStatusActive   uint32 = 1 << 23
	tdStatusStalled  uint32 = 1 << 22
	tdStatusCRCTime  uint32 = 1 << 18
	tdStatusNAK      uint32 = 1 << 19
	tdStatusIOC      uint32 = 1 << 24
	tdActualLenMask  uint32 = 0x7ff
	tdActualLenEmpty uint32 = 0x7ff // length-minus-one encoding of zero bytes
)

// Token word PID values (dword 2 bits 0-7).
const (
	tokenPIDSetup uint32 = 0x2d
	tokenPIDIn    uint32 = 0x69
	tokenPIDOut   uint32 = 0xe1
)

const (
	frameListEntries = 1024
	// maxLinksPerFrame bounds one frame's walk so a mis-programmed
	// schedule (a link cycle) cannot spin the emulator thread.
	maxLinksPerFrame = 256
	// portResetFrames is how many 1 ms frames a port reset holds
	// before the port reports reset-complete.
	portResetFrames = 50
)

// Port models one root-hub port's reset countdown.
type Port struct {
	resetFrames int
	enabled     bool
}

func (p *Port) Enabled() bool { return p.enabled }
func (p *Port) InReset() bool { return p.resetFrames > 0 }

// UHCI walks a 1024-entry frame list once per 1 ms simulated frame,
// descending into queue heads and executing transfer descriptors
// against the downstream device model.
type UHCI struct {
	mem    physbus.Bus
	device Device

	frameBase  uint64
	frameIndex uint32
	status     uint16

	ports []Port
}

func NewUHCI(mem physbus.Bus, device Device, ports int) *UHCI {
	return &UHCI{mem: mem, device: device, ports: make([]Port, ports)}
}

// SetFrameBase programs the guest-physical base of the frame list.
func (u *UHCI) SetFrameBase(base uint64) { u.frameBase = base }

func (u *UHCI) FrameIndex() uint32 { return u.frameIndex }

// Status returns the accumulated interrupt status bits.
func (u *UHCI) Status() uint16 { return u.status }

// AckStatus clears the given status bits.
func (u *UHCI) AckStatus(bits uint16) { u.status &^= bits }

// ResetPort starts the 50-frame reset countdown on a root-hub port.
func (u *UHCI) ResetPort(i int) {
	if i < 0 || i >= len(u.ports) {
		return
	}
	u.ports[i].resetFrames = portResetFrames
	u.ports[i].enabled = false
}

func (u *UHCI) Port(i int) *Port {
	if i < 0 || i >= len(u.ports) {
		return nil
	}
	return &u.ports[i]
}

// Tick advances one 1 ms frame: port reset countdowns elapse, then the
// current frame-list entry is walked.
func (u *UHCI) Tick() {
	for i := range u.ports {
		if u.ports[i].resetFrames > 0 {
			u.ports[i].resetFrames--
			if u.ports[i].resetFrames == 0 {
				u.ports[i].enabled = true
			}
		}
	}

	entry := u.mem.ReadU32(u.frameBase + uint64(u.frameIndex%frameListEntries)*4)
	u.walk(entry)
	u.frameIndex++
}

// walk follows one frame's schedule: a chain of TDs and queue heads,
// bounded by maxLinksPerFrame.
func (u *UHCI) walk(link uint32) {
	budget := maxLinksPerFrame
	for budget > 0 {
		budget--
		if link&linkTerminate != 0 {
			return
		}
		addr := uint64(link & linkAddrMask)
		if link&linkQueueHead != 0 {
			link = u.walkQueue(addr, &budget)
			continue
		}
		// A bare TD in the frame list (isochronous style): execute it
		// and follow its own link regardless of outcome.
		next, _ := u.executeTD(addr)
		link = next
	}
}

// walkQueue processes one queue head: execute its element chain,
// following depth-first links, until a NAK, a terminate, or a completed
// TD whose link is breadth-first, then return the head link for the
// caller to continue with.
func (u *UHCI) walkQueue(qhAddr uint64, budget *int) uint32 {
	headLink := u.mem.ReadU32(qhAddr)
	element := u.mem.ReadU32(qhAddr + 4)

	for *budget > 0 {
		*budget--
		if element&linkTerminate != 0 {
			return headLink
		}
		if element&linkQueueHead != 0 {
			// Nested queue head: descend.
			element = u.walkQueue(uint64(element&linkAddrMask), budget)
			continue
		}

		tdAddr := uint64(element & linkAddrMask)
		next, completed := u.executeTD(tdAddr)
		if !completed {
			// NAK or still pending: the element pointer stays put and
			// this queue yields to the next frame-list entry.
			return headLink
		}

		// The element pointer advances exactly when a TD completes.
		u.mem.WriteU32(qhAddr+4, next)

		if next&linkDepthFirst != 0 {
			element = next
			continue
		}
		return headLink
	}
	return headLink
}

// executeTD issues one transfer descriptor to the device and writes
// back its status. Returns the TD's link pointer and whether the TD
// completed (advancing the queue element).
func (u *UHCI) executeTD(tdAddr uint64) (next uint32, completed bool) {
	link := u.mem.ReadU32(tdAddr)
	ctrl := u.mem.ReadU32(tdAddr + 4)
	token := u.mem.ReadU32(tdAddr + 8)
	buffer := u.mem.ReadU32(tdAddr + 12)

	if ctrl&tdStatusActive == 0 {
		return link, true
	}

	pid, ok := decodePID(token & 0xff)
	if !ok {
		// Unknown PID: treat as a babble/CRC class error.
		ctrl &^= tdStatusActive
		ctrl |= tdStatusCRCTime
		u.mem.WriteU32(tdAddr+4, ctrl)
		u.status |= StatusUSBERRINT
		return link, true
	}

	maxLen := int((token>>21)+1) & 0x7ff
	packet := Packet{
		PID:      pid,
		Address:  uint8(token >> 8 & 0x7f),
		Endpoint: uint8(token >> 15 & 0xf),
		MaxLen:   uint16(maxLen),
	}
	if pid == PIDOut || pid == PIDSetup {
		packet.Data = make([]byte, maxLen)
		u.mem.ReadBytes(uint64(buffer), packet.Data)
	}

	res := issue(u.device, transferKey{address: packet.Address, endpoint: packet.Endpoint, seq: tdAddr}, packet)

	switch res.Response {
	case RespAck:
		n := maxLen
		if pid == PIDIn {
			n = len(res.Data)
			if n > maxLen {
				n = maxLen
			}
			if n > 0 {
				u.mem.WriteBytes(uint64(buffer), res.Data[:n])
			}
		}
		ctrl &^= tdStatusActive | tdActualLenMask
		if n == 0 {
			ctrl |= tdActualLenEmpty
		} else {
			ctrl |= uint32(n-1) & tdActualLenMask
		}
		u.mem.WriteU32(tdAddr+4, ctrl)
		if ctrl&tdStatusIOC != 0 {
			u.status |= StatusUSBINT
		}
		return link, true

	case RespNak:
		ctrl |= tdStatusNAK
		u.mem.WriteU32(tdAddr+4, ctrl)
		return link, false

	case RespStall:
		ctrl &^= tdStatusActive
		ctrl |= tdStatusStalled
		u.mem.WriteU32(tdAddr+4, ctrl)
		u.status |= StatusUSBERRINT
		return link, true

	default: // RespTimeout
		ctrl &^= tdStatusActive
		ctrl |= tdStatusCRCTime
		u.mem.WriteU32(tdAddr+4, ctrl)
		u.status |= StatusUSBERRINT
		return link, true
	}
}

func decodePID(raw uint32) (PID, bool) {
	switch raw {
	case tokenPIDSetup:
		return PIDSetup, true
	case tokenPIDIn:
		return PIDIn, true
	case tokenPIDOut:
		return PIDOut, true
	}
	return 0, false
}

// issue routes a packet to the device, using the dedup-keyed entry
// point when the device supports it (host passthrough) so retries of a
// pending TD never emit duplicate host actions.
func issue(dev Device, key transferKey, p Packet) Result {
	if kd, ok := dev.(interface {
		IssueFor(key transferKey, p Packet) Result
	}); ok {
		return kd.IssueFor(key, p)
	}
	return dev.Issue(p)
}
