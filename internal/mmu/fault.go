package mmu

import "fmt"

// Page fault error-code bits, as pushed with the #PF frame.
const (
	PFBitProtection uint32 = 1 << 0 // 1 = protection violation, 0 = not-present
	PFBitWrite      uint32 = 1 << 1
	PFBitUser       uint32 = 1 << 2
	PFBitReserved   uint32 = 1 << 3
	PFBitFetch      uint32 = 1 << 4
)

// PageFault surfaces to the guest as an architectural #PF; CR2 is set to
// LinearAddr by the embedder when it delivers the exception.
type PageFault struct {
	LinearAddr uint64
	ErrorCode  uint32
}

func (f *PageFault) Error() string {
	return fmt.Sprintf("page fault at %#x (error code %#x)", f.LinearAddr, f.ErrorCode)
}

// GeneralProtection models a non-canonical long-mode address or a segment
// violation the MMU itself detects (a canonical-address check, not a page
// walk failure, so it is never a #PF).
type GeneralProtection struct {
	Reason string
}

func (g *GeneralProtection) Error() string {
	return fmt.Sprintf("general protection fault: %s", g.Reason)
}

func pageFault(linear uint64, protection, write, user, reserved, fetch bool) *PageFault {
	var code uint32
	if protection {
		code |= PFBitProtection
	}
	if write {
		code |= PFBitWrite
	}
	if user {
		code |= PFBitUser
	}
	if reserved {
		code |= PFBitReserved
	}
	if fetch {
		code |= PFBitFetch
	}
	return &PageFault{LinearAddr: linear, ErrorCode: code}
}
