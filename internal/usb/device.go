// Package usb implements the two downstream transfer engines the core
// drives against a shared device model: UHCI's frame-list/queue-head/
// TD state machine and xHCI's TRB ring with a control-pipe state
// machine, plus the host-passthrough action/completion model both
// controllers hand packets to.
package usb

// Response is what a downstream device returns for one issued packet.
type Response int

const (
	RespAck Response = iota
	RespNak
	RespStall
	RespTimeout
)

// PID is the USB packet identifier issued to the device model.
type PID int

const (
	PIDSetup PID = iota
	PIDIn
	PIDOut
)

// Packet is one transaction issued to the downstream device: a token
// (PID, device address, endpoint) plus, for OUT/SETUP, the data being
// written.
type Packet struct {
	PID      PID
	Address  uint8
	Endpoint uint8
	MaxLen   uint16
	Data     []byte
}

// Result is a device model's answer to a Packet: a response code plus,
// for Ack on an IN transaction, the data returned.
type Result struct {
	Response Response
	Data     []byte
}

// Device is the downstream USB device model both controllers drive.
// A synchronous device (e.g. a software-emulated HID) answers Issue
// immediately; a host-passthrough device answers Nak until a matching
// completion has arrived on its inflight queue (see HostPassthrough).
type Device interface {
	Issue(p Packet) Result
}
