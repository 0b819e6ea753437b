package shm

import internalshm "github.com/srediag/shmq/internal/shm"

// ring is the index arithmetic over a mapped segment. Every method must be
// called with the segment lock held.
//
// readIndex and writeIndex count elements and only ever grow. The number of
// stored elements is writeIndex - readIndex computed in uint64, which stays
// correct after either index wraps past 2^64 because the difference never
// exceeds maxCount. Slot positions are index mod maxCount; when maxCount is
// not a power of two the slot sequence jumps once at the 2^64 wrap, which
// would take centuries of continuous operation to reach.
type ring struct {
	a           internalshm.Arena
	maxCount    uint64
	elementSize int
}

func newRing(a internalshm.Arena, maxCount, elementSize uint32) ring {
	return ring{a: a, maxCount: uint64(maxCount), elementSize: int(elementSize)}
}

// init zeroes both indices. Only the creator calls it.
func (r ring) init() {
	r.a.Store64(offReadIndex, 0)
	r.a.Store64(offWriteIndex, 0)
}

func (r ring) used() uint64 {
	return r.a.Load64(offWriteIndex) - r.a.Load64(offReadIndex)
}

func (r ring) slot(index uint64) int {
	return headerSize + int(index%r.maxCount)*r.elementSize
}

// push copies elem into the next free slot. It reports false when full.
func (r ring) push(elem []byte) bool {
	w := r.a.Load64(offWriteIndex)
	if w-r.a.Load64(offReadIndex) >= r.maxCount {
		return false
	}
	r.a.CopyIn(r.slot(w), elem)
	r.a.Store64(offWriteIndex, w+1)
	return true
}

// pop copies the oldest element into out. It reports false when empty.
func (r ring) pop(out []byte) bool {
	rd := r.a.Load64(offReadIndex)
	if r.a.Load64(offWriteIndex)-rd == 0 {
		return false
	}
	r.a.CopyOut(r.slot(rd), out)
	r.a.Store64(offReadIndex, rd+1)
	return true
}
