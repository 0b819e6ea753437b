package shm

import "math"

// Header layout. All multi-byte fields are native-endian words accessed
// atomically through the arena at these offsets.
const (
	offLockState   = 0  // uint32: 0 unlocked, 1 locked, 2 locked with waiters
	offLockOwner   = 4  // uint32: pid of the holder, 0 when free
	offLockRecover = 8  // uint32: dead-owner recoveries
	offReadIndex   = 16 // uint64
	offWriteIndex  = 24 // uint64
	offElementSize = 32 // uint32
	offReady       = 36 // uint32
	offMaxCount    = 40 // uint64

	headerSize = 64
)

// readyMarker is stored at offReady by the creator once the header is
// initialized. It is the last header write of the creation path.
const readyMarker uint32 = 0x53484d51 // "SHMQ"

// maxSegmentSize bounds headerSize + maxCount*elementSize. The mapping length
// is an int, so 32-bit targets get a lower bound.
const maxSegmentSize = min(1<<36, uint64(math.MaxInt))

func segmentSize(maxCount, elementSize uint32) uint64 {
	return headerSize + uint64(maxCount)*uint64(elementSize)
}
