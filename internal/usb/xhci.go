package usb

import (
	"sort"

	"github.com/aerovm/aerocore/internal/physbus"
)

// TRB types consumed by the transfer engine.
const (
	trbTypeNormal      = 1
	trbTypeSetupStage  = 2
	trbTypeDataStage   = 3
	trbTypeStatusStage = 4
	trbTypeLink        = 6
)

// TRB control-word bits.
const (
	trbCycle       uint32 = 1 << 0
	trbToggleCycle uint32 = 1 << 1 // Link TRBs only
	trbIOC         uint32 = 1 << 5
	trbDirIn       uint32 = 1 << 16 // Data/Status stage direction
)

const trbSize = 16

// CompletionCode is the event status reported for a completed TD.
type CompletionCode uint8

const (
	CompletionSuccess          CompletionCode = 1
	CompletionTransactionError CompletionCode = 4
	CompletionStallError       CompletionCode = 6
	CompletionShortPacket      CompletionCode = 13
)

// TransferEvent is one completion the engine emits toward the event
// ring; the embedder drains these and DMAs them into guest memory.
type TransferEvent struct {
	TRBPointer     uint64
	EndpointID     uint8
	CompletionCode CompletionCode
	TransferLength uint32
}

// trb is one decoded 16-byte Transfer Request Block.
type trb struct {
	addr      uint64
	parameter uint64
	status    uint32
	control   uint32
}

func (t trb) typ() int       { return int(t.control >> 10 & 0x3f) }
func (t trb) cycleBit() bool { return t.control&trbCycle != 0 }
func (t trb) ioc() bool      { return t.control&trbIOC != 0 }
func (t trb) length() uint32 { return t.status & 0x1ffff }
func (t trb) dirIn() bool    { return t.control&trbDirIn != 0 }

// ctrlStage is the control-pipe state machine position, advanced as
// stages of the current TD complete.
type ctrlStage int

const (
	ctrlIdle ctrlStage = iota
	ctrlNoData
	ctrlDataIn
	ctrlDataOut
	ctrlStatusIn
	ctrlStatusOut
)

// TransferRing is one endpoint's TRB ring: a dequeue pointer plus the
// consumer cycle state, toggled at Link TRBs that carry the TC bit.
type TransferRing struct {
	dequeue uint64
	cycle   bool

	stage ctrlStage
}

func (r *TransferRing) Dequeue() uint64 { return r.dequeue }

// XHCI consumes per-endpoint transfer rings and drives the downstream
// device model. Endpoint IDs follow the device-context convention:
// id 1 is the default control pipe, and for id >= 2 the low bit is the
// direction (odd = IN) with the endpoint number in the remaining bits.
type XHCI struct {
	mem    physbus.Bus
	device Device

	rings  map[uint8]*TransferRing
	events []TransferEvent
}

func NewXHCI(mem physbus.Bus, device Device) *XHCI {
	return &XHCI{mem: mem, device: device, rings: make(map[uint8]*TransferRing)}
}

// ConfigureEndpoint installs a transfer ring for the endpoint, with the
// consumer cycle state starting at 1 as after a Set TR Dequeue Pointer.
func (x *XHCI) ConfigureEndpoint(endpointID uint8, ringBase uint64) {
	x.rings[endpointID] = &TransferRing{dequeue: ringBase, cycle: true}
}

func (x *XHCI) Ring(endpointID uint8) *TransferRing { return x.rings[endpointID] }

// PendingEvents reports how many transfer events await draining; the
// embedder uses it to level its interrupt line.
func (x *XHCI) PendingEvents() int { return len(x.events) }

// DrainEvents returns and clears the pending transfer events.
func (x *XHCI) DrainEvents() []TransferEvent {
	ev := x.events
	x.events = nil
	return ev
}

// Tick services every configured endpoint once: each ring consumes
// TDs while their cycle bit matches, stopping at the first TD that is
// incomplete or pending.
func (x *XHCI) Tick() {
	ids := make([]int, 0, len(x.rings))
	for id := range x.rings {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		x.serviceRing(uint8(id), x.rings[uint8(id)])
	}
}

func (x *XHCI) readTRB(addr uint64) trb {
	return trb{
		addr:      addr,
		parameter: x.mem.ReadU64(addr),
		status:    x.mem.ReadU32(addr + 8),
		control:   x.mem.ReadU32(addr + 12),
	}
}

// next resolves the TRB at addr, following Link TRBs (and applying
// their cycle toggle) without mutating ring state. It returns the
// address and the cycle the consumer expects there.
func (x *XHCI) next(addr uint64, cycle bool) (uint64, bool) {
	for {
		t := x.readTRB(addr)
		if t.typ() == trbTypeLink && t.cycleBit() == cycle {
			if t.control&trbToggleCycle != 0 {
				cycle = !cycle
			}
			addr = t.parameter &^ 0xf
			continue
		}
		return addr, cycle
	}
}

func (x *XHCI) serviceRing(endpointID uint8, r *TransferRing) {
	for {
		deq, cyc := x.next(r.dequeue, r.cycle)
		t := x.readTRB(deq)
		if t.cycleBit() != cyc {
			return // ring empty
		}

		var advanced bool
		if endpointID == 1 {
			advanced = x.serviceControlTD(r, deq, cyc, t)
		} else {
			advanced = x.serviceNormalTD(endpointID, r, deq, cyc, t)
		}
		if !advanced {
			// Pending (NAK) or incompletely queued TD: the dequeue
			// pointer stays stationary until it completes.
			return
		}
	}
}

// serviceNormalTD executes one Normal (bulk) TRB.
func (x *XHCI) serviceNormalTD(endpointID uint8, r *TransferRing, deq uint64, cyc bool, t trb) bool {
	if t.typ() != trbTypeNormal {
		// Unexpected TRB type on a bulk ring: report and skip it.
		x.completeTD(endpointID, r, deq, cyc, t, CompletionTransactionError, 0)
		return true
	}

	length := int(t.length())
	in := endpointID&1 == 1
	packet := Packet{
		Address:  0,
		Endpoint: endpointID >> 1,
		MaxLen:   uint16(length),
	}
	if in {
		packet.PID = PIDIn
	} else {
		packet.PID = PIDOut
		packet.Data = make([]byte, length)
		x.mem.ReadBytes(t.parameter, packet.Data)
	}

	res := issue(x.device, transferKey{endpoint: endpointID, seq: deq}, packet)

	switch res.Response {
	case RespNak:
		return false
	case RespStall:
		x.completeTD(endpointID, r, deq, cyc, t, CompletionStallError, 0)
		return true
	case RespTimeout:
		x.completeTD(endpointID, r, deq, cyc, t, CompletionTransactionError, 0)
		return true
	}

	transferred := length
	code := CompletionSuccess
	if in {
		transferred = len(res.Data)
		if transferred > length {
			transferred = length
		}
		if transferred > 0 {
			x.mem.WriteBytes(t.parameter, res.Data[:transferred])
		}
		if transferred < length {
			code = CompletionShortPacket
		}
	}
	x.completeTD(endpointID, r, deq, cyc, t, code, uint32(transferred))
	return true
}

// completeTD advances the dequeue pointer past a single-TRB TD and
// emits its event if IOC is set.
func (x *XHCI) completeTD(endpointID uint8, r *TransferRing, deq uint64, cyc bool, t trb, code CompletionCode, transferred uint32) {
	r.dequeue, r.cycle = x.next(deq+trbSize, cyc)
	if t.ioc() || code != CompletionSuccess {
		x.events = append(x.events, TransferEvent{
			TRBPointer:     t.addr,
			EndpointID:     endpointID,
			CompletionCode: code,
			TransferLength: transferred,
		})
	}
}

// serviceControlTD gathers a Setup/[Data]/Status TD and issues it as
// one control transfer. The dequeue pointer moves only when the whole
// TD completes; a pending transfer keeps it stationary and, through
// the keyed issue path, never re-emits a duplicate host action.
func (x *XHCI) serviceControlTD(r *TransferRing, deq uint64, cyc bool, setup trb) bool {
	if setup.typ() != trbTypeSetupStage {
		x.completeTD(1, r, deq, cyc, setup, CompletionTransactionError, 0)
		return true
	}

	// The 8-byte setup packet rides in the TRB parameter (immediate
	// data). wLength in bytes 6-7 selects NoData vs Data stage;
	// bmRequestType bit 7 selects the data direction.
	var setupBytes [8]byte
	for i := range setupBytes {
		setupBytes[i] = byte(setup.parameter >> (8 * i))
	}
	wLength := int(setupBytes[6]) | int(setupBytes[7])<<8
	dirIn := setupBytes[0]&0x80 != 0

	// Read ahead through the TD without committing the dequeue
	// pointer; every stage must already be queued.
	cursor, cursorCycle := x.next(deq+trbSize, cyc)

	var data trb
	hasData := wLength > 0
	if hasData {
		data = x.readTRB(cursor)
		if data.cycleBit() != cursorCycle || data.typ() != trbTypeDataStage {
			return false // data stage not queued yet
		}
		cursor, cursorCycle = x.next(cursor+trbSize, cursorCycle)
	}

	status := x.readTRB(cursor)
	if status.cycleBit() != cursorCycle || status.typ() != trbTypeStatusStage {
		return false // status stage not queued yet
	}

	switch {
	case !hasData:
		r.stage = ctrlNoData
	case dirIn:
		r.stage = ctrlDataIn
	default:
		r.stage = ctrlDataOut
	}

	packet := Packet{
		PID:    PIDSetup,
		MaxLen: uint16(wLength),
		Data:   setupBytes[:],
	}
	if hasData && !dirIn {
		out := make([]byte, min(int(data.length()), wLength))
		x.mem.ReadBytes(data.parameter, out)
		packet.Data = append(packet.Data, out...)
	}

	res := issue(x.device, transferKey{endpoint: 0, seq: setup.addr}, packet)

	switch res.Response {
	case RespNak:
		return false
	case RespStall, RespTimeout:
		code := CompletionStallError
		if res.Response == RespTimeout {
			code = CompletionTransactionError
		}
		r.dequeue, r.cycle = x.next(cursor+trbSize, cursorCycle)
		r.stage = ctrlIdle
		x.events = append(x.events, TransferEvent{
			TRBPointer:     status.addr,
			EndpointID:     1,
			CompletionCode: code,
		})
		return true
	}

	transferred := 0
	if hasData && dirIn {
		transferred = min(len(res.Data), int(data.length()))
		if transferred > 0 {
			x.mem.WriteBytes(data.parameter, res.Data[:transferred])
		}
		r.stage = ctrlStatusOut
	} else {
		r.stage = ctrlStatusIn
	}

	// Status stage is a zero-length transaction in the opposite
	// direction; with the device having acked the transfer it
	// completes immediately.
	r.dequeue, r.cycle = x.next(cursor+trbSize, cursorCycle)
	r.stage = ctrlIdle

	eventTRB := status
	if !status.ioc() && hasData && data.ioc() {
		eventTRB = data
	}
	if eventTRB.ioc() {
		x.events = append(x.events, TransferEvent{
			TRBPointer:     eventTRB.addr,
			EndpointID:     1,
			CompletionCode: CompletionSuccess,
			TransferLength: uint32(transferred),
		})
	}
	return true
}
