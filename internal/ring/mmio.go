package ring

import "encoding/binary"

// Register offsets within the BAR window.
const (
	offIdentMagic   = 0x000
	offIdentABI     = 0x004
	offFeaturesLo   = 0x008
	offFeaturesHi   = 0x00c
	offRingBaseLo   = 0x010
	offRingBaseHi   = 0x014
	offRingCount    = 0x018
	offRingHead     = 0x01c
	offRingTail     = 0x020
	offRingDoorbell = 0x024
	offIntStatus    = 0x030
	offIntEnable    = 0x034
	offIntAck       = 0x038
	offFenceLo      = 0x03c
	offFenceHi      = 0x040
	offFenceGPALo   = 0x044
	offFenceGPAHi   = 0x048
	offScanFBLo     = 0x100
	offScanFBHi     = 0x104
	offScanPitch    = 0x108
	offScanWidth    = 0x10c
	offScanHeight   = 0x110
	offScanFormat   = 0x114
	offScanEnable   = 0x118
	offIRQNewStatus = 0x300
	offIRQNewEnable = 0x304
	offIRQNewAck    = 0x308
	offVblankSeqLo  = 0x420
	offVblankSeqHi  = 0x424
	offVblankTimeLo = 0x428
	offVblankTimeHi = 0x42c
	offVblankPeriod = 0x430
)

// readRegister32 returns the current 4-byte value of the register
// containing offset, and whether offset names a known, readable
// register. Unknown offsets read as all-ones, matching an unmapped
// PCI BAR window.
func (e *Engine) readRegister32(offset uint32) (uint32, bool) {
	r := &e.regs
	switch offset {
	case offIdentMagic:
		return r.Identification.Magic, true
	case offIdentABI:
		return r.Identification.ABIVersion, true
	case offFeaturesLo:
		return uint32(r.Features.Bitmap), true
	case offFeaturesHi:
		return uint32(r.Features.Bitmap >> 32), true
	case offRingBaseLo:
		return r.Ring.BaseLo, true
	case offRingBaseHi:
		return r.Ring.BaseHi, true
	case offRingCount:
		return r.Ring.EntryCount, true
	case offRingHead:
		return r.Ring.Head, true
	case offRingTail:
		return r.Ring.Tail, true
	case offRingDoorbell:
		return r.Ring.Doorbell, true
	case offIntStatus:
		return r.Interrupts.Status, true
	case offIntEnable:
		return r.Interrupts.Enable, true
	case offIntAck:
		return 0, true
	case offFenceLo:
		return uint32(r.Interrupts.FenceCompleted), true
	case offFenceHi:
		return uint32(r.Interrupts.FenceCompleted >> 32), true
	case offFenceGPALo:
		return r.Interrupts.FenceGPALo, true
	case offFenceGPAHi:
		return r.Interrupts.FenceGPAHi, true
	case offScanFBLo:
		return r.Scanout.FBBaseLo, true
	case offScanFBHi:
		return r.Scanout.FBBaseHi, true
	case offScanPitch:
		return r.Scanout.Pitch, true
	case offScanWidth:
		return r.Scanout.Width, true
	case offScanHeight:
		return r.Scanout.Height, true
	case offScanFormat:
		return r.Scanout.Format, true
	case offScanEnable:
		return r.Scanout.Enable, true
	case offIRQNewStatus:
		return r.IRQNew.Status, true
	case offIRQNewEnable:
		return r.IRQNew.Enable, true
	case offIRQNewAck:
		return 0, true
	case offVblankSeqLo:
		return uint32(r.Vblank.Seq), true
	case offVblankSeqHi:
		return uint32(r.Vblank.Seq >> 32), true
	case offVblankTimeLo:
		return uint32(r.Vblank.TimeNs), true
	case offVblankTimeHi:
		return uint32(r.Vblank.TimeNs >> 32), true
	case offVblankPeriod:
		return r.Vblank.PeriodNs, true
	}
	return 0xffff_ffff, false
}

// isReadOnlyOffset reports the offsets writeRegister32 ignores:
// identification, ring head and the completed-fence value are
// device-owned.
func isReadOnlyOffset(offset uint32) bool {
	switch offset {
	case offIdentMagic, offIdentABI, offRingHead, offFenceLo, offFenceHi:
		return true
	}
	return false
}

// writeRegister32 stores a full 4-byte value and applies any
// side-effecting behavior (doorbell kick, IRQ ack, scanout toggle).
func (e *Engine) writeRegister32(offset uint32, value uint32) {
	if isReadOnlyOffset(offset) {
		return
	}
	r := &e.regs
	switch offset {
	case offFeaturesLo:
		r.Features.Bitmap = r.Features.Bitmap&(0xffff_ffff<<32) | uint64(value)
	case offFeaturesHi:
		r.Features.Bitmap = r.Features.Bitmap&0xffff_ffff | uint64(value)<<32
	case offRingBaseLo:
		r.Ring.BaseLo = value
	case offRingBaseHi:
		r.Ring.BaseHi = value
	case offRingCount:
		r.Ring.EntryCount = value
	case offRingTail:
		r.Ring.Tail = value
	case offRingDoorbell:
		r.Ring.Doorbell = value
		e.Doorbell()
	case offIntStatus:
		r.Interrupts.Status = value
	case offIntEnable:
		r.Interrupts.Enable = value
	case offIntAck:
		r.Interrupts.Status &^= value
	case offFenceGPALo:
		r.Interrupts.FenceGPALo = value
	case offFenceGPAHi:
		r.Interrupts.FenceGPAHi = value
	case offScanFBLo:
		r.Scanout.FBBaseLo = value
	case offScanFBHi:
		r.Scanout.FBBaseHi = value
	case offScanPitch:
		r.Scanout.Pitch = value
	case offScanWidth:
		r.Scanout.Width = value
	case offScanHeight:
		r.Scanout.Height = value
	case offScanFormat:
		r.Scanout.Format = value
	case offScanEnable:
		r.Scanout.Enable = value
		e.SetScanoutEnabled(value&1 != 0)
	case offIRQNewStatus:
		r.IRQNew.Status = value
	case offIRQNewEnable:
		r.IRQNew.Enable = value
	case offIRQNewAck:
		r.IRQNew.Status &^= value
	case offVblankPeriod:
		r.Vblank.PeriodNs = value
	}
}

// ReadMMIO implements the CPU-facing MMIO read, honoring Memory Space
// Enable and the narrow-access register-merge rule: a sub-4-byte read
// is serviced from the full register value, sliced at the right shift.
func (e *Engine) ReadMMIO(addr uint64, data []byte) {
	if !e.cmd.MemorySpaceEnabled() {
		for i := range data {
			data[i] = 0xff
		}
		return
	}
	aligned := uint32(addr &^ 3)
	shift := uint(addr&3) * 8
	value, _ := e.readRegister32(aligned)

	remaining := len(data)
	cursor := 0
	for remaining > 0 {
		if shift >= 32 {
			aligned += 4
			shift = 0
			value, _ = e.readRegister32(aligned)
		}
		data[cursor] = byte(value >> shift)
		cursor++
		remaining--
		shift += 8
	}
}

// WriteMMIO implements the CPU-facing MMIO write: Memory Space Enable
// gates it entirely; sub-4-byte writes are merged into the addressed
// register by reading its current full value, patching in the written
// bytes, and rewriting the whole register.
func (e *Engine) WriteMMIO(addr uint64, data []byte) {
	if !e.cmd.MemorySpaceEnabled() {
		return
	}
	if len(data) >= 4 && addr%4 == 0 {
		for off := 0; off+4 <= len(data); off += 4 {
			e.writeRegister32(uint32(addr)+uint32(off), binary.LittleEndian.Uint32(data[off:]))
		}
		return
	}

	aligned := uint32(addr &^ 3)
	current, _ := e.readRegister32(aligned)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], current)

	shift := int(addr & 3)
	for i, b := range data {
		if shift+i >= 4 {
			break
		}
		buf[shift+i] = b
	}
	e.writeRegister32(aligned, binary.LittleEndian.Uint32(buf[:]))
}
