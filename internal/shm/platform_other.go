//go:build !linux

package shm

import "context"

// OpenOrCreateRegion is not implemented on this platform.
func OpenOrCreateRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, ErrUnsupported
}

// UnmapRegion is not implemented on this platform.
func UnmapRegion(region *MappedRegion) error {
	return ErrUnsupported
}

// UnlinkRegion is not implemented on this platform.
func UnlinkRegion(path string) error {
	return ErrUnsupported
}
