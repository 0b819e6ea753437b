package shm

import (
	"errors"

	internalshm "github.com/srediag/shmq/internal/shm"
)

// Segment lifecycle errors, shared with the platform layer.
var (
	ErrSegmentCreateFailed  = internalshm.ErrSegmentCreateFailed
	ErrMappingFailed        = internalshm.ErrMappingFailed
	ErrSizeTruncationFailed = internalshm.ErrSizeTruncationFailed
	ErrSegmentTooSmall      = internalshm.ErrSegmentTooSmall
	ErrInvalidName          = internalshm.ErrInvalidName
	ErrUnsupported          = internalshm.ErrUnsupported
)

var (
	// ErrInvalidSize is returned when a buffer length differs from the
	// queue's element size. The queue is not touched.
	ErrInvalidSize = errors.New("shm: buffer length does not match element size")
	// ErrLockTimeout is returned when a timed lock acquisition expires.
	ErrLockTimeout = errors.New("shm: lock acquisition timed out")
	// ErrInvalidConfig is returned by VerifyConfig.
	ErrInvalidConfig = errors.New("shm: invalid config")
	// ErrGeometryMismatch is returned to an attacher whose element size or
	// count differs from the creator's, when Config.VerifyGeometry is set.
	ErrGeometryMismatch = errors.New("shm: segment geometry mismatch")
	// ErrNotReady is returned when an attached segment's creator never
	// finished initializing the header.
	ErrNotReady = errors.New("shm: segment header not initialized")
	// ErrShareMemoryHadNotLeftSpace is returned when the segment filesystem
	// cannot hold a new segment.
	ErrShareMemoryHadNotLeftSpace = errors.New("shm: share memory had not left space")
)
