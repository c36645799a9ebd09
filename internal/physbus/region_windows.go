//go:build windows

package physbus

// Region falls back to a plain heap allocation on Windows, where the
// mmap-based fast path in region_unix.go does not apply.
type Region struct {
	*Memory
}

// NewRegion allocates size bytes of zeroed guest RAM.
func NewRegion(size uint64) (*Region, error) {
	return &Region{Memory: NewMemory(size)}, nil
}

// Close is a no-op; the backing slice is reclaimed by the GC.
func (r *Region) Close() error { return nil }
