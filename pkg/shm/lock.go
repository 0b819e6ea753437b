package shm

import (
	"errors"
	"fmt"
	"os"
	"time"

	"code.hybscloud.com/spin"
	"github.com/shirou/gopsutil/v3/process"

	internalshm "github.com/srediag/shmq/internal/shm"
)

// Locker is the process-shared mutex guarding a segment's indices and slots.
type Locker interface {
	// Lock blocks until the lock is held.
	Lock() error
	// LockTimeout gives up with ErrLockTimeout after d. A non-positive d
	// behaves like Lock.
	LockTimeout(d time.Duration) error
	Unlock()
}

const (
	stateUnlocked  uint32 = 0
	stateLocked    uint32 = 1
	stateContended uint32 = 2

	spinTries = 32
)

// futexMutex is the three-state futex mutex: the state word is 0 when free,
// 1 when held and 2 when held with possible sleepers. Unlock only enters the
// kernel when it saw 2.
type futexMutex struct {
	a   internalshm.Arena
	pid uint32
}

func newFutexMutex(a internalshm.Arena) *futexMutex {
	return &futexMutex{a: a, pid: uint32(os.Getpid())}
}

func (m *futexMutex) Lock() error { return m.lock(0, nil) }

func (m *futexMutex) LockTimeout(d time.Duration) error { return m.lock(d, nil) }

func (m *futexMutex) Unlock() {
	m.a.Store32(offLockOwner, 0)
	if m.a.Swap32(offLockState, stateUnlocked) == stateContended {
		if _, err := m.a.Wake32(offLockState, 1); err != nil {
			internalLogger.Warnf("lock wake failed: %v", err)
		}
	}
}

// lock acquires the mutex. When robust is set every sleep is bounded by its
// slice and the waiter may take over a lock whose holder died.
func (m *futexMutex) lock(timeout time.Duration, robust *robustMutex) error {
	if m.tryAcquire() {
		return nil
	}
	sw := spin.Wait{}
	for i := 0; i < spinTries; i++ {
		sw.Once()
		if m.a.Load32(offLockState) == stateUnlocked && m.tryAcquire() {
			return nil
		}
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for m.a.Swap32(offLockState, stateContended) != stateUnlocked {
		var wait time.Duration
		if timeout > 0 {
			wait = time.Until(deadline)
			if wait <= 0 {
				return ErrLockTimeout
			}
		}
		if robust != nil && (wait <= 0 || wait > robust.slice) {
			wait = robust.slice
		}
		err := m.a.Wait32(offLockState, stateContended, wait)
		if err != nil && !errors.Is(err, internalshm.ErrWaitTimeout) {
			return fmt.Errorf("shm: lock wait: %w", err)
		}
		if robust != nil && robust.takeOver() {
			return nil
		}
	}
	m.a.Store32(offLockOwner, m.pid)
	return nil
}

func (m *futexMutex) tryAcquire() bool {
	if m.a.CompareAndSwap32(offLockState, stateUnlocked, stateLocked) {
		m.a.Store32(offLockOwner, m.pid)
		return true
	}
	return false
}

// robustMutex shares the futex protocol but wakes up every slice to check
// that the recorded holder still exists. A holder that died with the lock
// is replaced by the waiter that wins the CAS on the owner word.
//
// Slot contents are written before the index that publishes them, so a
// holder dying mid-copy leaves the indices consistent.
//
// A holder that dies between taking the state word and recording its pid
// leaves owner 0 and is not recoverable.
type robustMutex struct {
	*futexMutex
	slice time.Duration
	alive func(pid uint32) bool
}

func newRobustMutex(a internalshm.Arena, slice time.Duration) *robustMutex {
	if slice <= 0 {
		slice = defaultRobustSlice
	}
	return &robustMutex{
		futexMutex: newFutexMutex(a),
		slice:      slice,
		alive:      pidAlive,
	}
}

func (m *robustMutex) Lock() error { return m.lock(0, m) }

func (m *robustMutex) LockTimeout(d time.Duration) error { return m.lock(d, m) }

// takeOver is called by a waiter that has set the state word to 2 without
// acquiring the lock.
func (m *robustMutex) takeOver() bool {
	owner := m.a.Load32(offLockOwner)
	if owner == 0 || owner == m.pid || m.alive(owner) {
		return false
	}
	if !m.a.CompareAndSwap32(offLockOwner, owner, m.pid) {
		return false
	}
	n := m.a.Add32(offLockRecover, 1)
	internalLogger.Warnf("lock holder pid %d is gone, lock recovered by pid %d (recovery #%d)", owner, m.pid, n)
	return true
}

func pidAlive(pid uint32) bool {
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		return true
	}
	return ok
}
