package shm

import (
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	internalshm "github.com/srediag/shmq/internal/shm"
)

// DefaultDir is the segment directory used when Config.Dir is empty and it
// exists.
const DefaultDir = internalshm.DefaultDir

// LockKind selects the backing of the segment lock.
type LockKind int

const (
	// LockFutex is a futex mutex. A holder that dies while holding it
	// wedges every attached process.
	LockFutex LockKind = iota
	// LockRobust detects a dead holder by pid and takes the lock over.
	LockRobust
)

func (k LockKind) String() string {
	switch k {
	case LockFutex:
		return "futex"
	case LockRobust:
		return "robust"
	default:
		return fmt.Sprintf("LockKind(%d)", int(k))
	}
}

const (
	defaultMaxCount      = 1024
	defaultElementSize   = 64
	defaultAttachTimeout = 2 * time.Second
	defaultRobustSlice   = 10 * time.Millisecond
)

// Config holds queue creation parameters.
type Config struct {
	// Name identifies the segment across processes. A leading '/' is
	// accepted and ignored, as with shm_open(3).
	Name string
	// MaxCount is the number of slots.
	MaxCount uint32
	// ElementSize is the size of every element in bytes.
	ElementSize uint32
	// Dir is the directory holding segment objects. Empty means /dev/shm,
	// or the system temporary directory where /dev/shm does not exist.
	Dir string
	// Mode is the permission of a newly created segment. Zero means 0600.
	Mode os.FileMode

	// Lock selects the lock backing. All processes sharing a segment should
	// use the same kind.
	Lock LockKind
	// LockTimeout bounds lock acquisition in TryEnqueue and TryDequeue.
	// Zero blocks until the lock is free.
	LockTimeout time.Duration
	// RobustSlice is how often a LockRobust waiter checks whether the holder
	// is still alive.
	RobustSlice time.Duration

	// AttachTimeout bounds how long an attacher waits for the creator to
	// size and initialize the segment.
	AttachTimeout time.Duration
	// VerifyGeometry makes attachers compare MaxCount and ElementSize with
	// the values recorded by the creator.
	VerifyGeometry bool
	// CheckFreeSpace makes the creation path check that the /dev/shm
	// filesystem can hold the segment.
	CheckFreeSpace bool

	Meter  metric.Meter
	Tracer trace.Tracer
}

// DefaultConfig returns a config with every field but Name set.
func DefaultConfig() *Config {
	return &Config{
		MaxCount:       defaultMaxCount,
		ElementSize:    defaultElementSize,
		Lock:           LockFutex,
		RobustSlice:    defaultRobustSlice,
		AttachTimeout:  defaultAttachTimeout,
		CheckFreeSpace: true,
	}
}

// VerifyConfig reports the first problem found in config.
func VerifyConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if config.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidConfig)
	}
	if config.MaxCount == 0 {
		return fmt.Errorf("%w: MaxCount must be greater than 0", ErrInvalidConfig)
	}
	if config.ElementSize == 0 {
		return fmt.Errorf("%w: ElementSize must be greater than 0", ErrInvalidConfig)
	}
	if size := segmentSize(config.MaxCount, config.ElementSize); size > maxSegmentSize {
		return fmt.Errorf("%w: segment size %d exceeds %d", ErrInvalidConfig, size, uint64(maxSegmentSize))
	}
	if config.Lock != LockFutex && config.Lock != LockRobust {
		return fmt.Errorf("%w: unknown lock kind %v", ErrInvalidConfig, config.Lock)
	}
	if config.LockTimeout < 0 || config.AttachTimeout < 0 || config.RobustSlice < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	return nil
}
