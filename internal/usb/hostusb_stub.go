//go:build !linux && !darwin

package usb

import "errors"

// HostBackend is unavailable on platforms without dlopen; passthrough
// devices still work, they just never receive completions from a real
// host stack.
type HostBackend struct{}

func OpenHostBackend(path string) (*HostBackend, error) {
	return nil, errors.New("hostusb: host backend not supported on this platform")
}

func (b *HostBackend) Submit(a Action) error    { return errors.New("hostusb: not supported") }
func (b *HostBackend) Poll() (Completion, bool) { return Completion{}, false }
