package usb

import "sync/atomic"

// Action is a host-bound request a passthrough device emits in place
// of answering a transfer synchronously.
type Action struct {
	ID     uint64
	Packet Packet
}

// Completion is the host's asynchronous answer to an Action, matched
// by ID. A completion whose ID has no matching inflight action is
// dropped (it raced a reset, or named an action this device never
// issued).
type Completion struct {
	ActionID uint64
	Result   Result
}

// transferKey identifies one in-flight TD/TRB so retries while pending
// can be recognized and deduplicated instead of re-emitting an action.
type transferKey struct {
	address  uint8
	endpoint uint8
	// seq distinguishes distinct queued transfers to the same endpoint;
	// callers pass the TD/TRB's own identity (ring index, queue-head
	// element address, etc).
	seq uint64
}

// HostPassthrough converts guest transfers into host actions with a
// monotonically assigned id and completes them from a caller-polled
// queue. It implements Device: Issue returns Nak until a completion
// for the same transfer has arrived.
type HostPassthrough struct {
	nextID atomic.Uint64

	emit func(Action)

	inflight map[transferKey]uint64 // transferKey -> action id
	done     map[uint64]Result      // action id -> completed result, consumed once read
}

// NewHostPassthrough constructs a passthrough device whose outbound
// actions are delivered via emit (e.g. appended to a caller-owned
// outbound queue).
func NewHostPassthrough(emit func(Action)) *HostPassthrough {
	return &HostPassthrough{
		emit:     emit,
		inflight: make(map[transferKey]uint64),
		done:     make(map[uint64]Result),
	}
}

// Issue satisfies Device for callers with no TD identity to key on;
// dedup falls back to (address, endpoint) alone. The controllers use
// IssueFor instead.
func (h *HostPassthrough) Issue(p Packet) Result {
	return h.IssueFor(transferKey{address: p.Address, endpoint: p.Endpoint}, p)
}

// IssueFor is the entry point the controllers call with a stable key
// identifying the TD/TRB, so retries against the same pending transfer
// never emit a second action.
func (h *HostPassthrough) IssueFor(key transferKey, p Packet) Result {
	if id, pending := h.inflight[key]; pending {
		if res, ok := h.done[id]; ok {
			delete(h.done, id)
			delete(h.inflight, key)
			return res
		}
		return Result{Response: RespNak}
	}

	id := h.nextID.Add(1)
	h.inflight[key] = id
	h.emit(Action{ID: id, Packet: p})
	return Result{Response: RespNak}
}

// Complete matches a host completion to its inflight action by id. An
// unknown id (already abandoned by a reset, or never issued) is
// dropped silently.
func (h *HostPassthrough) Complete(c Completion) {
	for _, id := range h.inflight {
		if id == c.ActionID {
			h.done[id] = c.Result
			return
		}
	}
}

// Reset abandons every in-flight action: after snapshot/restore the
// device model must forget all pending transfers so the next guest
// retry re-emits a fresh action with a new id.
func (h *HostPassthrough) Reset() {
	h.inflight = make(map[transferKey]uint64)
	h.done = make(map[uint64]Result)
}

// PendingCount reports in-flight actions awaiting a completion; used
// by the snapshot layer to assert no transfer is in-flight before a
// save.
func (h *HostPassthrough) PendingCount() int { return len(h.inflight) }
