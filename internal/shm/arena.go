package shm

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"
)

// Arena gives word-level atomic access and bounded copies at fixed byte
// offsets of a mapped region. It is the only place in the module that turns
// mapped bytes into typed pointers; callers deal in offsets.
//
// Offsets must be naturally aligned for the word size and lie inside the
// region. Violations are programming errors and panic.
type Arena struct {
	mem []byte
}

// NewArena wraps mem. The first byte must be 8-byte aligned, which holds for
// mmap'd regions and for Go heap allocations of at least 8 bytes.
func NewArena(mem []byte) Arena {
	if len(mem) > 0 && uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		panic("shm: arena base is not 8-byte aligned")
	}
	return Arena{mem: mem}
}

// Len returns the size of the region in bytes.
func (a Arena) Len() int { return len(a.mem) }

func (a Arena) check(off, size int) {
	if off < 0 || off%size != 0 || off+size > len(a.mem) {
		panic(fmt.Sprintf("shm: bad arena access off=%d size=%d len=%d", off, size, len(a.mem)))
	}
}

func (a Arena) word32(off int) *uint32 {
	a.check(off, 4)
	return (*uint32)(unsafe.Pointer(&a.mem[off]))
}

func (a Arena) word64(off int) *uint64 {
	a.check(off, 8)
	return (*uint64)(unsafe.Pointer(&a.mem[off]))
}

func (a Arena) Load32(off int) uint32           { return atomic.LoadUint32(a.word32(off)) }
func (a Arena) Store32(off int, v uint32)       { atomic.StoreUint32(a.word32(off), v) }
func (a Arena) Swap32(off int, v uint32) uint32 { return atomic.SwapUint32(a.word32(off), v) }
func (a Arena) Add32(off int, d int32) uint32   { return atomic.AddUint32(a.word32(off), uint32(d)) }

func (a Arena) CompareAndSwap32(off int, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(a.word32(off), old, new)
}

func (a Arena) Load64(off int) uint64     { return atomic.LoadUint64(a.word64(off)) }
func (a Arena) Store64(off int, v uint64) { atomic.StoreUint64(a.word64(off), v) }

// CopyIn copies src into the region starting at off.
func (a Arena) CopyIn(off int, src []byte) {
	if off < 0 || off+len(src) > len(a.mem) {
		panic(fmt.Sprintf("shm: bad arena copy off=%d n=%d len=%d", off, len(src), len(a.mem)))
	}
	copy(a.mem[off:off+len(src)], src)
}

// CopyOut fills dst from the region starting at off.
func (a Arena) CopyOut(off int, dst []byte) {
	if off < 0 || off+len(dst) > len(a.mem) {
		panic(fmt.Sprintf("shm: bad arena copy off=%d n=%d len=%d", off, len(dst), len(a.mem)))
	}
	copy(dst, a.mem[off:off+len(dst)])
}

// Wait32 sleeps while the word at off equals val. It returns nil on wake-up,
// spurious wake-up or value mismatch, and ErrWaitTimeout once timeout has
// elapsed. A non-positive timeout waits without limit. Callers must re-check
// their condition after it returns.
func (a Arena) Wait32(off int, val uint32, timeout time.Duration) error {
	return futexWait(a.word32(off), val, timeout)
}

// Wake32 wakes up to n waiters sleeping on the word at off, in any process
// that maps the same object.
func (a Arena) Wake32(off int, n int) (int, error) {
	return futexWake(a.word32(off), n)
}
