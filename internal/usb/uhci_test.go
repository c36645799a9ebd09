package usb

import (
	"bytes"
	"testing"

	"github.com/aerovm/aerocore/internal/physbus"
)

// scriptedDevice answers packets from a canned response list, in
// order, recording everything it was issued.
type scriptedDevice struct {
	responses []Result
	issued    []Packet
}

func (d *scriptedDevice) Issue(p Packet) Result {
	d.issued = append(d.issued, p)
	if len(d.responses) == 0 {
		return Result{Response: RespAck}
	}
	r := d.responses[0]
	d.responses = d.responses[1:]
	return r
}

const (
	testFrameBase = 0x1000
	testQHAddr    = 0x2000
	testTDAddr    = 0x3000
	testBufAddr   = 0x8000
)

// buildQHFrame lays out frame 0 -> QH -> one TD.
func buildQHFrame(mem physbus.Bus, tdCtrl, tdToken uint32) {
	mem.WriteU32(testFrameBase, testQHAddr|linkQueueHead)
	mem.WriteU32(testQHAddr, linkTerminate)   // head link
	mem.WriteU32(testQHAddr+4, testTDAddr)    // element link
	mem.WriteU32(testTDAddr, linkTerminate)   // TD link
	mem.WriteU32(testTDAddr+4, tdCtrl)
	mem.WriteU32(testTDAddr+8, tdToken)
	mem.WriteU32(testTDAddr+12, testBufAddr)
}

func inToken(addr, ep uint8, maxLen int) uint32 {
	encoded := uint32(maxLen-1) & 0x7ff
	if maxLen == 0 {
		encoded = 0x7ff
	}
	return tokenPIDIn | uint32(addr)<<8 | uint32(ep)<<15 | encoded<<21
}

func TestUHCIAckCompletesTD(t *testing.T) {
	mem := physbus.NewMemory(1 << 20)
	dev := &scriptedDevice{responses: []Result{{Response: RespAck, Data: []byte{0xaa, 0xbb, 0xcc}}}}
	u := NewUHCI(mem, dev, 2)
	u.SetFrameBase(testFrameBase)

	buildQHFrame(mem, tdStatusActive|tdStatusIOC, inToken(1, 1, 8))
	u.Tick()

	ctrl := mem.ReadU32(testTDAddr + 4)
	if ctrl&tdStatusActive != 0 {
		t.Fatal("ACTIVE should be cleared on ack")
	}
	if got := ctrl & tdActualLenMask; got != 2 {
		t.Fatalf("actual length = %d, want 2 (3 bytes, length-minus-one)", got)
	}
	var buf [3]byte
	mem.ReadBytes(testBufAddr, buf[:])
	if !bytes.Equal(buf[:], []byte{0xaa, 0xbb, 0xcc}) {
		t.Fatalf("IN data not written to buffer: %x", buf)
	}
	if u.Status()&StatusUSBINT == 0 {
		t.Fatal("IOC TD must raise USBINT")
	}
	if elem := mem.ReadU32(testQHAddr + 4); elem&linkTerminate == 0 {
		t.Fatalf("queue element should have advanced to the TD's link, got %#x", elem)
	}
}

func TestUHCIZeroLengthAckEncodes7FF(t *testing.T) {
	mem := physbus.NewMemory(1 << 20)
	dev := &scriptedDevice{responses: []Result{{Response: RespAck}}}
	u := NewUHCI(mem, dev, 2)
	u.SetFrameBase(testFrameBase)

	buildQHFrame(mem, tdStatusActive, inToken(1, 0, 0))
	u.Tick()

	ctrl := mem.ReadU32(testTDAddr + 4)
	if got := ctrl & tdActualLenMask; got != tdActualLenEmpty {
		t.Fatalf("zero-byte actual length = %#x, want 0x7ff", got)
	}
}

func TestUHCINakLeavesTDActiveAndElementStationary(t *testing.T) {
	mem := physbus.NewMemory(1 << 20)
	dev := &scriptedDevice{responses: []Result{{Response: RespNak}}}
	u := NewUHCI(mem, dev, 2)
	u.SetFrameBase(testFrameBase)

	buildQHFrame(mem, tdStatusActive, inToken(1, 1, 8))
	u.Tick()

	ctrl := mem.ReadU32(testTDAddr + 4)
	if ctrl&tdStatusActive == 0 {
		t.Fatal("NAK must leave ACTIVE set")
	}
	if ctrl&tdStatusNAK == 0 {
		t.Fatal("NAK status bit should be set")
	}
	if elem := mem.ReadU32(testQHAddr + 4); elem != testTDAddr {
		t.Fatalf("element pointer moved on NAK: %#x", elem)
	}
	if u.Status() != 0 {
		t.Fatalf("no interrupt on NAK, status=%#x", u.Status())
	}
}

func TestUHCIStallSetsErrorInterrupt(t *testing.T) {
	mem := physbus.NewMemory(1 << 20)
	dev := &scriptedDevice{responses: []Result{{Response: RespStall}}}
	u := NewUHCI(mem, dev, 2)
	u.SetFrameBase(testFrameBase)

	buildQHFrame(mem, tdStatusActive, inToken(1, 1, 8))
	u.Tick()

	ctrl := mem.ReadU32(testTDAddr + 4)
	if ctrl&tdStatusActive != 0 || ctrl&tdStatusStalled == 0 {
		t.Fatalf("stall should clear ACTIVE and set STALLED, ctrl=%#x", ctrl)
	}
	if u.Status()&StatusUSBERRINT == 0 {
		t.Fatal("stall must raise USBERRINT")
	}
}

func TestUHCITimeoutSetsCRCStatus(t *testing.T) {
	mem := physbus.NewMemory(1 << 20)
	dev := &scriptedDevice{responses: []Result{{Response: RespTimeout}}}
	u := NewUHCI(mem, dev, 2)
	u.SetFrameBase(testFrameBase)

	buildQHFrame(mem, tdStatusActive, inToken(1, 1, 8))
	u.Tick()

	ctrl := mem.ReadU32(testTDAddr + 4)
	if ctrl&tdStatusActive != 0 || ctrl&tdStatusCRCTime == 0 {
		t.Fatalf("timeout should clear ACTIVE and set CRC/timeout, ctrl=%#x", ctrl)
	}
	if u.Status()&StatusUSBERRINT == 0 {
		t.Fatal("timeout must raise USBERRINT")
	}
}

func TestUHCILinkCycleIsBounded(t *testing.T) {
	mem := physbus.NewMemory(1 << 20)
	dev := &scriptedDevice{}
	u := NewUHCI(mem, dev, 2)
	u.SetFrameBase(testFrameBase)

	// Frame entry points at a QH whose element chain loops back on
	// itself via inactive TDs; the walk must terminate on its budget.
	mem.WriteU32(testFrameBase, testQHAddr|linkQueueHead)
	mem.WriteU32(testQHAddr, linkTerminate)
	mem.WriteU32(testQHAddr+4, testTDAddr)
	mem.WriteU32(testTDAddr, testTDAddr|linkDepthFirst) // TD links to itself, inactive
	mem.WriteU32(testTDAddr+8, inToken(1, 1, 8))

	u.Tick() // must return
}

func TestUHCIPortResetElapsesAfter50Frames(t *testing.T) {
	mem := physbus.NewMemory(1 << 20)
	u := NewUHCI(mem, &scriptedDevice{}, 2)
	u.SetFrameBase(testFrameBase)
	mem.WriteU32(testFrameBase, linkTerminate)
	for i := uint64(1); i < frameListEntries; i++ {
		mem.WriteU32(testFrameBase+i*4, linkTerminate)
	}

	u.ResetPort(0)
	if !u.Port(0).InReset() || u.Port(0).Enabled() {
		t.Fatal("port should be in reset")
	}
	for i := 0; i < portResetFrames-1; i++ {
		u.Tick()
	}
	if !u.Port(0).InReset() {
		t.Fatal("reset should still be pending at 49 frames")
	}
	u.Tick()
	if u.Port(0).InReset() || !u.Port(0).Enabled() {
		t.Fatal("reset should have elapsed and enabled the port after 50 frames")
	}
}

func TestUHCISaveLoadRoundTrip(t *testing.T) {
	mem := physbus.NewMemory(1 << 20)
	u := NewUHCI(mem, &scriptedDevice{}, 2)
	u.SetFrameBase(testFrameBase)
	for i := uint64(0); i < frameListEntries; i++ {
		mem.WriteU32(testFrameBase+i*4, linkTerminate)
	}
	u.ResetPort(1)
	for i := 0; i < 7; i++ {
		u.Tick()
	}
	u.status = StatusUSBINT

	saved := u.SaveState()
	restored := NewUHCI(mem, &scriptedDevice{}, 0)
	if err := restored.LoadState(saved); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if restored.FrameIndex() != u.FrameIndex() {
		t.Fatal("frame index not restored")
	}
	if restored.Status() != StatusUSBINT {
		t.Fatal("status not restored")
	}
	if restored.Port(1) == nil || restored.Port(1).resetFrames != portResetFrames-7 {
		t.Fatal("port reset countdown not restored")
	}
}
