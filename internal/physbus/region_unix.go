//go:build !windows

package physbus

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Region is guest RAM backed by an anonymous mmap rather than a Go slice
// allocation, the same approach internal/asm's JIT trampoline allocator and
// internal/hv/kvm use for VM-visible memory: host-page-aligned, and
// released with an explicit Munmap instead of waiting on the GC.
type Region struct {
	*Memory
	mapping []byte
}

// NewRegion mmaps size bytes (rounded up to the host page size) of
// zeroed, anonymous, read/write memory for use as guest RAM.
func NewRegion(size uint64) (*Region, error) {
	pageSize := uint64(unix.Getpagesize())
	alloc := ((size + pageSize - 1) / pageSize) * pageSize
	if alloc == 0 {
		alloc = pageSize
	}

	mapping, err := unix.Mmap(-1, 0, int(alloc), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap guest RAM region: %w", err)
	}

	return &Region{
		Memory:  NewMemoryFromSlice(mapping[:size]),
		mapping: mapping,
	}, nil
}

// Close releases the mapping. The Region must not be used afterward.
func (r *Region) Close() error {
	if r.mapping == nil {
		return nil
	}
	err := unix.Munmap(r.mapping)
	r.mapping = nil
	return err
}
