//go:build linux

package shm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

// OpenOrCreateRegion attaches to the named segment, creating it when it does
// not exist yet. Only the creating call sizes the object; attachers map it
// as-is once it has reached opts.Size.
func OpenOrCreateRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrSegmentCreateFailed, opts.Size)
	}
	path, err := SegmentPath(opts.Dir, opts.Name)
	if err != nil {
		return nil, err
	}

	region, err := attachRegion(ctx, path, opts)
	if !errors.Is(err, unix.ENOENT) {
		return region, err
	}
	region, err = createRegion(path, opts)
	if !errors.Is(err, unix.EEXIST) {
		return region, err
	}
	// another process created it between our open and our exclusive create
	region, err = attachRegion(ctx, path, opts)
	if errors.Is(err, unix.ENOENT) {
		return nil, fmt.Errorf("%w: %s vanished during attach: %w", ErrSegmentCreateFailed, path, err)
	}
	return region, err
}

func createRegion(path string, opts MapOptions) (*MappedRegion, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, uint32(opts.mode()))
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: create %s: %w", ErrSegmentCreateFailed, path, err)
	}
	cleanup := func() {
		_ = unix.Close(fd)
		_ = unix.Unlink(path)
	}
	if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: ftruncate %s to %d: %w", ErrSizeTruncationFailed, path, opts.Size, err)
	}
	mem, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: mmap %s: %w", ErrMappingFailed, path, err)
	}
	return &MappedRegion{Addr: mem, Fd: fd, Path: path, Created: true}, nil
}

// attachRegion returns an error wrapping unix.ENOENT when the object does not exist.
func attachRegion(ctx context.Context, path string, opts MapOptions) (*MappedRegion, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: open %s: %w", ErrSegmentCreateFailed, path, err)
	}
	if err := waitForSize(ctx, fd, int64(opts.Size), opts.attachTimeout()); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: %s: %w", ErrMappingFailed, path, err)
	}
	mem, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: mmap %s: %w", ErrMappingFailed, path, err)
	}
	return &MappedRegion{Addr: mem, Fd: fd, Path: path}, nil
}

// waitForSize covers the window between the creator's exclusive open and its
// ftruncate. Mapping past the end of the file would fault on first access.
func waitForSize(ctx context.Context, fd int, size int64, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = timeout

	return backoff.Retry(func() error {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return backoff.Permanent(fmt.Errorf("fstat: %w", err))
		}
		if st.Size < size {
			return fmt.Errorf("%w: have %d bytes, want %d", ErrSegmentTooSmall, st.Size, size)
		}
		return nil
	}, backoff.WithContext(b, ctx))
}

// UnmapRegion unmaps and closes the shared memory region. The named object is
// left in place.
func UnmapRegion(region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	var errs []error
	if err := unix.Munmap(region.Addr); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	region.Addr = nil
	if region.Fd >= 0 {
		if err := unix.Close(region.Fd); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
		region.Fd = -1
	}
	return errors.Join(errs...)
}

// UnlinkRegion removes the named object so that later attach attempts create
// a new one. Existing mappings stay valid.
func UnlinkRegion(path string) error {
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("unlink %s: %w", path, err)
	}
	return nil
}
