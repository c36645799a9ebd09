//go:build linux || darwin

package usb

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// HostBackend bridges passthrough actions to a host USB helper library
// loaded at runtime. The helper exposes three C functions:
//
//	int  aero_usb_open(void);
//	int  aero_usb_submit(uint64_t id, int pid, uint8_t addr, uint8_t ep,
//	                     const void *data, int len);
//	int  aero_usb_poll(uint64_t *id, void *buf, int cap);
//
// poll returns the completed transfer's byte count (0 for a
// status-only completion), -1 when nothing is pending. The library is
// dlopen'd so builds without a helper installed still run; passthrough
// simply stays disconnected.
type HostBackend struct {
	submit func(id uint64, pid int32, addr uint8, ep uint8, data *byte, n int32) int32
	poll   func(id *uint64, buf *byte, capacity int32) int32
}

// OpenHostBackend loads the helper library at path.
func OpenHostBackend(path string) (*HostBackend, error) {
	lib, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("hostusb: dlopen %s: %w", path, err)
	}

	var open func() int32
	b := &HostBackend{}
	purego.RegisterLibFunc(&open, lib, "aero_usb_open")
	purego.RegisterLibFunc(&b.submit, lib, "aero_usb_submit")
	purego.RegisterLibFunc(&b.poll, lib, "aero_usb_poll")

	if rc := open(); rc != 0 {
		return nil, fmt.Errorf("hostusb: aero_usb_open failed (%d)", rc)
	}
	return b, nil
}

// Submit forwards one passthrough action to the host.
func (b *HostBackend) Submit(a Action) error {
	var data *byte
	if len(a.Packet.Data) > 0 {
		data = &a.Packet.Data[0]
	}
	rc := b.submit(a.ID, int32(a.Packet.PID), a.Packet.Address, a.Packet.Endpoint, data, int32(len(a.Packet.Data)))
	if rc != 0 {
		return fmt.Errorf("hostusb: submit action %d failed (%d)", a.ID, rc)
	}
	return nil
}

// Poll drains at most one host completion; ok is false when none is
// pending. The emulator thread calls this at its own pace (the queue's
// push side lives in the helper).
func (b *HostBackend) Poll() (Completion, bool) {
	var id uint64
	buf := make([]byte, 4096)
	n := b.poll(&id, &buf[0], int32(len(buf)))
	if n < 0 {
		return Completion{}, false
	}
	return Completion{
		ActionID: id,
		Result:   Result{Response: RespAck, Data: buf[:n]},
	}, true
}
