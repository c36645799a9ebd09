package ring

import (
	"encoding/binary"
	"fmt"

	"github.com/aerovm/aerocore/internal/snapshot"
)

// Snapshot record tags. New fields get new tags; readers on older
// streams tolerate their absence.
const (
	tagRing        = 1
	tagInterrupts  = 2
	tagScanout     = 3
	tagIRQNew      = 4
	tagVblank      = 5
	tagStats       = 6
	tagPacedFences = 7
	tagDeferred    = 8
)

const (
	stateMajor = 1
	stateMinor = 0
)

func (e *Engine) snapshotMagic() [4]byte {
	var m [4]byte
	binary.LittleEndian.PutUint32(m[:], e.regs.Identification.Magic)
	return m
}

// SaveState serializes the register file and in-flight fence state as
// a TLV stream keyed by the instance's identification magic.
func (e *Engine) SaveState() []byte {
	w := snapshot.NewWriter(e.snapshotMagic(), stateMajor, stateMinor)
	r := &e.regs

	var ring [24]byte
	binary.LittleEndian.PutUint32(ring[0:], r.Ring.BaseLo)
	binary.LittleEndian.PutUint32(ring[4:], r.Ring.BaseHi)
	binary.LittleEndian.PutUint32(ring[8:], r.Ring.EntryCount)
	binary.LittleEndian.PutUint32(ring[12:], r.Ring.Head)
	binary.LittleEndian.PutUint32(ring[16:], r.Ring.Tail)
	binary.LittleEndian.PutUint32(ring[20:], r.Ring.Doorbell)
	w.Put(tagRing, ring[:])

	var ints [28]byte
	binary.LittleEndian.PutUint32(ints[0:], r.Interrupts.Status)
	binary.LittleEndian.PutUint32(ints[4:], r.Interrupts.Enable)
	binary.LittleEndian.PutUint64(ints[8:], r.Interrupts.FenceCompleted)
	binary.LittleEndian.PutUint32(ints[16:], r.Interrupts.FenceGPALo)
	binary.LittleEndian.PutUint32(ints[20:], r.Interrupts.FenceGPAHi)
	if e.scanoutEnabled {
		ints[24] = 1
	}
	w.Put(tagInterrupts, ints[:])

	var scan [28]byte
	binary.LittleEndian.PutUint32(scan[0:], r.Scanout.FBBaseLo)
	binary.LittleEndian.PutUint32(scan[4:], r.Scanout.FBBaseHi)
	binary.LittleEndian.PutUint32(scan[8:], r.Scanout.Pitch)
	binary.LittleEndian.PutUint32(scan[12:], r.Scanout.Width)
	binary.LittleEndian.PutUint32(scan[16:], r.Scanout.Height)
	binary.LittleEndian.PutUint32(scan[20:], r.Scanout.Format)
	binary.LittleEndian.PutUint32(scan[24:], r.Scanout.Enable)
	w.Put(tagScanout, scan[:])

	var irqn [8]byte
	binary.LittleEndian.PutUint32(irqn[0:], r.IRQNew.Status)
	binary.LittleEndian.PutUint32(irqn[4:], r.IRQNew.Enable)
	w.Put(tagIRQNew, irqn[:])

	var vb [20]byte
	binary.LittleEndian.PutUint64(vb[0:], r.Vblank.Seq)
	binary.LittleEndian.PutUint64(vb[8:], r.Vblank.TimeNs)
	binary.LittleEndian.PutUint32(vb[16:], r.Vblank.PeriodNs)
	w.Put(tagVblank, vb[:])

	w.PutUint64(tagStats, e.malformedSubmissions)

	w.Put(tagPacedFences, encodeFenceList(pacedValues(e.pendingVblankFences)))
	w.Put(tagDeferred, encodeFenceList(e.deferredFences))

	return w.Bytes()
}

// LoadState restores a SaveState stream. The load is atomic: a decode
// failure leaves the engine untouched.
func (e *Engine) LoadState(data []byte) error {
	rd, err := snapshot.Load(data, e.snapshotMagic(), stateMajor)
	if err != nil {
		return err
	}

	restored := *e // copy; commit only on full success
	r := &restored.regs

	if b, ok := rd.Get(tagRing); ok {
		if len(b) < 24 {
			return fmt.Errorf("ring: short ring record (%d bytes)", len(b))
		}
		r.Ring.BaseLo = binary.LittleEndian.Uint32(b[0:])
		r.Ring.BaseHi = binary.LittleEndian.Uint32(b[4:])
		r.Ring.EntryCount = binary.LittleEndian.Uint32(b[8:])
		r.Ring.Head = binary.LittleEndian.Uint32(b[12:])
		r.Ring.Tail = binary.LittleEndian.Uint32(b[16:])
		r.Ring.Doorbell = binary.LittleEndian.Uint32(b[20:])
	}
	if b, ok := rd.Get(tagInterrupts); ok {
		if len(b) < 25 {
			return fmt.Errorf("ring: short interrupts record (%d bytes)", len(b))
		}
		r.Interrupts.Status = binary.LittleEndian.Uint32(b[0:])
		r.Interrupts.Enable = binary.LittleEndian.Uint32(b[4:])
		r.Interrupts.FenceCompleted = binary.LittleEndian.Uint64(b[8:])
		r.Interrupts.FenceGPALo = binary.LittleEndian.Uint32(b[16:])
		r.Interrupts.FenceGPAHi = binary.LittleEndian.Uint32(b[20:])
		restored.scanoutEnabled = b[24] != 0
	}
	if b, ok := rd.Get(tagScanout); ok {
		if len(b) < 28 {
			return fmt.Errorf("ring: short scanout record (%d bytes)", len(b))
		}
		r.Scanout.FBBaseLo = binary.LittleEndian.Uint32(b[0:])
		r.Scanout.FBBaseHi = binary.LittleEndian.Uint32(b[4:])
		r.Scanout.Pitch = binary.LittleEndian.Uint32(b[8:])
		r.Scanout.Width = binary.LittleEndian.Uint32(b[12:])
		r.Scanout.Height = binary.LittleEndian.Uint32(b[16:])
		r.Scanout.Format = binary.LittleEndian.Uint32(b[20:])
		r.Scanout.Enable = binary.LittleEndian.Uint32(b[24:])
	}
	if b, ok := rd.Get(tagIRQNew); ok {
		if len(b) < 8 {
			return fmt.Errorf("ring: short irq record (%d bytes)", len(b))
		}
		r.IRQNew.Status = binary.LittleEndian.Uint32(b[0:])
		r.IRQNew.Enable = binary.LittleEndian.Uint32(b[4:])
	}
	if b, ok := rd.Get(tagVblank); ok {
		if len(b) < 20 {
			return fmt.Errorf("ring: short vblank record (%d bytes)", len(b))
		}
		r.Vblank.Seq = binary.LittleEndian.Uint64(b[0:])
		r.Vblank.TimeNs = binary.LittleEndian.Uint64(b[8:])
		r.Vblank.PeriodNs = binary.LittleEndian.Uint32(b[16:])
	}
	if v, ok := rd.GetUint64(tagStats); ok {
		restored.malformedSubmissions = v
	}
	if b, ok := rd.Get(tagPacedFences); ok {
		values, err := decodeFenceList(b)
		if err != nil {
			return err
		}
		restored.pendingVblankFences = nil
		for _, v := range values {
			restored.pendingVblankFences = append(restored.pendingVblankFences, vblankFence{value: v})
		}
	}
	if b, ok := rd.Get(tagDeferred); ok {
		values, err := decodeFenceList(b)
		if err != nil {
			return err
		}
		restored.deferredFences = values
	}

	*e = restored
	return nil
}

func pacedValues(fences []vblankFence) []uint64 {
	out := make([]uint64, len(fences))
	for i, f := range fences {
		out[i] = f.value
	}
	return out
}

func encodeFenceList(values []uint64) []byte {
	buf := make([]byte, 4+8*len(values))
	binary.LittleEndian.PutUint32(buf, uint32(len(values)))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[4+8*i:], v)
	}
	return buf
}

func decodeFenceList(b []byte) ([]uint64, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("ring: short fence list (%d bytes)", len(b))
	}
	n := int(binary.LittleEndian.Uint32(b))
	if len(b) < 4+8*n {
		return nil, fmt.Errorf("ring: fence list count %d overruns %d bytes", n, len(b))
	}
	values := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		values = append(values, binary.LittleEndian.Uint64(b[4+8*i:]))
	}
	return values, nil
}
