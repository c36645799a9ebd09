// Package ring implements the device ring-consumer engine shared by
// GPU and NVMe instances: a descriptor ring driven by a doorbell
// register, fence/IRQ bookkeeping, vblank pacing, and PCI command-
// register gating. Concrete instances (GPU submission rings, NVMe
// submission queues) plug in a Consumer that decodes and executes
// their own descriptor layout.
package ring

import (
	"encoding/binary"
	"io"

	"github.com/aerovm/aerocore/internal/pci"
)

// GuestMemory is the guest-physical access surface a ring engine needs
// to read descriptors and submission payloads.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// IRQ status bits; bit 0 is reserved for "fence advanced", higher bits
// are assigned by the owning instance (GPU/NVMe) for device-specific
// sources.
const (
	IRQFence uint32 = 1 << 0
)

// Descriptor is one entry consumed from the ring between head and
// tail. Concrete instances (GPU, NVMe) decode their own payload layout
// from Raw; the engine only needs the signal fence and pacing flag to
// drive fence/IRQ bookkeeping.
type Descriptor struct {
	Raw         []byte
	SignalFence uint64
	VblankPaced bool
	HasFence    bool
	// Payload carries the consumer-specific decoded command (GPUOp,
	// NVMeCommand, ...) from Decode through to Execute.
	Payload any
}

// Consumer executes one validated descriptor. It returns an error only
// for malformed input the engine should count and drop; execution
// failures that are valid protocol outcomes (e.g. NVMe INVALID_FIELD)
// are the consumer's own business and do not stop the drain.
type Consumer interface {
	// Decode validates and decodes the raw descriptor at the given
	// ring slot, returning a non-nil error for anything that should
	// increment malformed_submissions and be dropped.
	Decode(mem GuestMemory, slotAddr uint64) (Descriptor, error)
	// Execute runs the decoded descriptor's command. It is called only
	// for descriptors that decoded successfully.
	Execute(mem GuestMemory, d Descriptor)
}

// Engine is the generic MMIO-register-driven ring consumer.
type Engine struct {
	mem      GuestMemory
	consumer Consumer
	cmd      *pci.Command

	regs Registers

	malformedSubmissions uint64
	doorbellWrites       uint64

	pendingVblankFences []vblankFence
	scanoutEnabled      bool

	// deferredFences holds completions that wanted to publish while
	// Bus Master was disabled; they drain, in order, the moment it is
	// re-enabled (PCICommandUpdated).
	deferredFences []uint64
}

type vblankFence struct {
	value uint64
}

// NewEngine constructs a ring engine bound to guest memory, a consumer
// implementation, and the PCI command register that gates it.
func NewEngine(mem GuestMemory, consumer Consumer, cmd *pci.Command) *Engine {
	e := &Engine{mem: mem, consumer: consumer, cmd: cmd}
	e.regs.Identification.Magic = 0
	return e
}

func (e *Engine) MalformedSubmissions() uint64 { return e.malformedSubmissions }

// DoorbellWrites counts accepted doorbell writes, including kicks that
// found head == tail: an empty kick is still an observable guest
// action.
func (e *Engine) DoorbellWrites() uint64 { return e.doorbellWrites }

// Doorbell is invoked when the doorbell register is written; it drains
// descriptors from head toward tail. One pass consumes at most
// EntryCount entries, so a mis-programmed head can not spin the
// emulator thread.
func (e *Engine) Doorbell() {
	if !e.cmd.MemorySpaceEnabled() {
		return
	}
	e.doorbellWrites++
	// Draining reads descriptors out of guest memory; that is DMA and
	// needs Bus Master. The guest re-rings after enabling it.
	if !e.cmd.BusMasterEnabled() {
		return
	}
	r := &e.regs.Ring
	if r.EntryCount == 0 {
		return
	}

	consumed := uint32(0)
	var batch []Descriptor
	for r.Head != r.Tail && consumed < r.EntryCount {
		slotAddr := r.BaseAddr() + uint64(r.Head)*descriptorStride
		desc, err := e.consumer.Decode(e.mem, slotAddr)
		if err != nil {
			e.malformedSubmissions++
			r.Head = (r.Head + 1) % r.EntryCount
			consumed++
			continue
		}

		e.consumer.Execute(e.mem, desc)

		r.Head = (r.Head + 1) % r.EntryCount
		consumed++

		if desc.HasFence {
			batch = append(batch, desc)
		}
	}
	e.completeBatch(batch)
}

// completeBatch applies fence completions for one doorbell's worth of
// descriptors. Any fence number touched by a pacing-flagged descriptor
// anywhere in the batch is upgraded to vblank-paced, even if an earlier
// descriptor for the same fence number in this batch was unpaced.
func (e *Engine) completeBatch(batch []Descriptor) {
	paced := make(map[uint64]bool, len(batch))
	for _, d := range batch {
		if d.VblankPaced {
			paced[d.SignalFence] = true
		}
	}
	done := make(map[uint64]bool, len(batch))
	for _, d := range batch {
		if done[d.SignalFence] {
			continue
		}
		done[d.SignalFence] = true
		e.completeFence(d.SignalFence, paced[d.SignalFence])
	}
}

// descriptorStride is the fixed 64-byte descriptor size both the GPU
// and NVMe ring descriptor layouts use.
const descriptorStride = 64

func (e *Engine) completeFence(fence uint64, paced bool) {
	if paced {
		e.pendingVblankFences = append(e.pendingVblankFences, vblankFence{value: fence})
		return
	}
	e.publishFence(fence)
}

func (e *Engine) publishFence(fence uint64) {
	if fence <= e.regs.Interrupts.FenceCompleted {
		return
	}
	// A publication DMAs the fence value (when fence_gpa is set) and
	// asserts the IRQ line; both require Bus Master. Hold the whole
	// completion until it is re-enabled rather than splitting the two
	// mirrors.
	if !e.cmd.BusMasterEnabled() {
		e.deferredFences = append(e.deferredFences, fence)
		return
	}
	e.regs.Interrupts.FenceCompleted = fence
	if gpa := e.regs.Interrupts.FenceGPA(); gpa != 0 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], fence)
		e.mem.WriteAt(buf[:], int64(gpa))
	}
	e.raiseIRQStatus(IRQFence)
}

// PCICommandUpdated must be called after any write to the PCI command
// register; re-enabling Bus Master drains fence completions that were
// blocked while it was off.
func (e *Engine) PCICommandUpdated() {
	if !e.cmd.BusMasterEnabled() || len(e.deferredFences) == 0 {
		return
	}
	deferred := e.deferredFences
	e.deferredFences = nil
	for _, f := range deferred {
		e.publishFence(f)
	}
}

// VblankTick simulates a vblank edge: at most one pending vblank-paced
// fence is published, upgrade-only, per tick.
func (e *Engine) VblankTick() {
	e.regs.Vblank.Seq++
	if !e.scanoutEnabled || len(e.pendingVblankFences) == 0 {
		return
	}
	next := e.pendingVblankFences[0]
	e.pendingVblankFences = e.pendingVblankFences[1:]
	e.publishFence(next.value)
}

// SetScanoutEnabled mirrors a write to the scanout enable bit;
// disabling flushes pending vblank-paced fences by publishing them
// immediately — there is no longer a vblank to pace against, and a
// guest waiting on such a fence must still see it complete. The flush
// goes through publishFence, so with Bus Master off the completions
// defer and drain on re-enable rather than publish or drop.
func (e *Engine) SetScanoutEnabled(enabled bool) {
	e.scanoutEnabled = enabled
	if enabled {
		return
	}
	pending := e.pendingVblankFences
	e.pendingVblankFences = nil
	for _, f := range pending {
		e.publishFence(f.value)
	}
}

func (e *Engine) raiseIRQStatus(bits uint32) {
	e.regs.Interrupts.Status |= bits
}

// IRQLine computes whether the physical IRQ line is asserted: status
// masked by enable, INTx not disabled, and — because this line is
// driven off fence-completion state the engine DMA-publishes — Bus
// Master enabled.
func (e *Engine) IRQLine() bool {
	asserted := e.regs.Interrupts.Status&e.regs.Interrupts.Enable != 0
	if !asserted {
		return false
	}
	return e.cmd.MayAssertIRQ(true)
}

// Regs exposes the register block for the MMIO dispatcher in mmio.go.
func (e *Engine) Regs() *Registers { return &e.regs }
