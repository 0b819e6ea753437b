// Package shm contains platform-specific helpers for the shared memory queue:
// named segment lifecycle, the raw memory arena and futex wait/wake.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultDir is where named segments live when the caller does not choose a
// directory. It is the same tmpfs that shm_open(3) uses on Linux.
const DefaultDir = "/dev/shm"

var (
	// ErrSegmentCreateFailed reports that the named object could not be opened or created.
	ErrSegmentCreateFailed = errors.New("shm: segment create failed")
	// ErrMappingFailed reports that an opened object could not be mapped.
	ErrMappingFailed = errors.New("shm: mapping failed")
	// ErrSizeTruncationFailed reports that a freshly created object could not be sized.
	ErrSizeTruncationFailed = errors.New("shm: size truncation failed")
	// ErrSegmentTooSmall reports an existing object smaller than the requested mapping.
	ErrSegmentTooSmall = errors.New("shm: segment smaller than requested size")
	// ErrInvalidName reports a segment name that cannot be used as an object name.
	ErrInvalidName = errors.New("shm: invalid segment name")
	// ErrUnsupported is returned on platforms without shared memory support.
	ErrUnsupported = errors.New("shm: not supported on this platform")
	// ErrWaitTimeout is returned by Arena.Wait32 when the timeout elapses.
	ErrWaitTimeout = errors.New("shm: wait timeout")
)

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	Fd   int
	Path string
	// Created is true when this call created the named object; the caller is
	// then responsible for initializing its contents.
	Created bool
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Name string
	// Dir overrides DefaultDir.
	Dir  string
	Size int
	Mode os.FileMode
	// AttachTimeout bounds how long an attacher waits for the creator to size
	// the object. Zero means DefaultAttachTimeout.
	AttachTimeout time.Duration
}

// DefaultAttachTimeout is used when MapOptions.AttachTimeout is zero.
const DefaultAttachTimeout = 2 * time.Second

// SegmentPath resolves the file backing a named segment.
func SegmentPath(dir, name string) (string, error) {
	name = strings.TrimPrefix(name, "/")
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if dir == "" {
		dir = defaultDir()
	}
	return filepath.Join(dir, name), nil
}

func defaultDir() string {
	if info, err := os.Stat(DefaultDir); err == nil && info.IsDir() {
		return DefaultDir
	}
	return os.TempDir()
}

func (o MapOptions) mode() os.FileMode {
	if o.Mode == 0 {
		return 0600
	}
	return o.Mode
}

func (o MapOptions) attachTimeout() time.Duration {
	if o.AttachTimeout <= 0 {
		return DefaultAttachTimeout
	}
	return o.AttachTimeout
}
