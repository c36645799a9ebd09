package usb

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/aerovm/aerocore/internal/snapshot"
)

var (
	uhciMagic = [4]byte{'U', 'H', 'C', 'I'}
	xhciMagic = [4]byte{'X', 'H', 'C', 'I'}
)

const (
	usbStateMajor = 1
	usbStateMinor = 0
)

const (
	tagUHCIFrame  = 1
	tagUHCIStatus = 2
	tagUHCIPorts  = 3
	tagXHCIRings  = 1
)

// SaveState captures the frame-list position, interrupt status, and
// port reset countdowns. In-flight host-passthrough actions are not
// saved; the passthrough device's Reset abandons them on restore and
// the guest's retry re-emits fresh ones.
func (u *UHCI) SaveState() []byte {
	w := snapshot.NewWriter(uhciMagic, usbStateMajor, usbStateMinor)

	var frame [12]byte
	binary.LittleEndian.PutUint64(frame[0:], u.frameBase)
	binary.LittleEndian.PutUint32(frame[8:], u.frameIndex)
	w.Put(tagUHCIFrame, frame[:])

	var status [2]byte
	binary.LittleEndian.PutUint16(status[:], u.status)
	w.Put(tagUHCIStatus, status[:])

	ports := make([]byte, 1+2*len(u.ports))
	ports[0] = byte(len(u.ports))
	for i, p := range u.ports {
		ports[1+2*i] = byte(p.resetFrames)
		if p.enabled {
			ports[2+2*i] = 1
		}
	}
	w.Put(tagUHCIPorts, ports)

	return w.Bytes()
}

func (u *UHCI) LoadState(data []byte) error {
	rd, err := snapshot.Load(data, uhciMagic, usbStateMajor)
	if err != nil {
		return err
	}

	restored := *u
	if b, ok := rd.Get(tagUHCIFrame); ok {
		if len(b) < 12 {
			return fmt.Errorf("usb: short frame record (%d bytes)", len(b))
		}
		restored.frameBase = binary.LittleEndian.Uint64(b[0:])
		restored.frameIndex = binary.LittleEndian.Uint32(b[8:])
	}
	if b, ok := rd.Get(tagUHCIStatus); ok {
		if len(b) < 2 {
			return fmt.Errorf("usb: short status record (%d bytes)", len(b))
		}
		restored.status = binary.LittleEndian.Uint16(b)
	}
	if b, ok := rd.Get(tagUHCIPorts); ok {
		if len(b) < 1 || len(b) < 1+2*int(b[0]) {
			return fmt.Errorf("usb: short ports record (%d bytes)", len(b))
		}
		restored.ports = make([]Port, b[0])
		for i := range restored.ports {
			restored.ports[i].resetFrames = int(b[1+2*i])
			restored.ports[i].enabled = b[2+2*i] != 0
		}
	}

	*u = restored
	if pt, ok := u.device.(*HostPassthrough); ok {
		pt.Reset()
	}
	return nil
}

// SaveState captures every configured ring's dequeue pointer and cycle
// state. Undelivered transfer events are drained by the embedder
// before a save (the VM is paused between instructions).
func (x *XHCI) SaveState() []byte {
	w := snapshot.NewWriter(xhciMagic, usbStateMajor, usbStateMinor)

	ids := make([]int, 0, len(x.rings))
	for id := range x.rings {
		ids = append(ids, int(id))
	}
	sort.Ints(ids) // deterministic encoding order

	buf := make([]byte, 0, 1+10*len(ids))
	buf = append(buf, byte(len(ids)))
	for _, id := range ids {
		r := x.rings[uint8(id)]
		var entry [10]byte
		entry[0] = byte(id)
		binary.LittleEndian.PutUint64(entry[1:], r.dequeue)
		if r.cycle {
			entry[9] = 1
		}
		buf = append(buf, entry[:]...)
	}
	w.Put(tagXHCIRings, buf)

	return w.Bytes()
}

func (x *XHCI) LoadState(data []byte) error {
	rd, err := snapshot.Load(data, xhciMagic, usbStateMajor)
	if err != nil {
		return err
	}

	rings := make(map[uint8]*TransferRing)
	if b, ok := rd.Get(tagXHCIRings); ok {
		if len(b) < 1 || len(b) < 1+10*int(b[0]) {
			return fmt.Errorf("usb: short rings record (%d bytes)", len(b))
		}
		n := int(b[0])
		for i := 0; i < n; i++ {
			entry := b[1+10*i:]
			rings[entry[0]] = &TransferRing{
				dequeue: binary.LittleEndian.Uint64(entry[1:]),
				cycle:   entry[9] != 0,
			}
		}
	}

	x.rings = rings
	x.events = nil
	if pt, ok := x.device.(*HostPassthrough); ok {
		pt.Reset()
	}
	return nil
}
