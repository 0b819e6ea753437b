/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	internalshm "github.com/srediag/shmq/internal/shm"
)

// State is the fill state of a queue.
type State int

const (
	Empty State = iota
	Partial
	Full
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Partial:
		return "partial"
	case Full:
		return "full"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Stats counts the operations issued through one Queue handle. Other
// handles and processes keep their own counts.
type Stats struct {
	Enqueued     uint64
	Dequeued     uint64
	Full         uint64
	Empty        uint64
	InvalidSize  uint64
	LockTimeouts uint64
}

type stats struct {
	enqueued     atomic.Uint64
	dequeued     atomic.Uint64
	full         atomic.Uint64
	empty        atomic.Uint64
	invalidSize  atomic.Uint64
	lockTimeouts atomic.Uint64
}

// Queue is a handle on a shared memory queue mapped in this process. A
// Queue is safe for concurrent use by multiple goroutines until Teardown.
type Queue struct {
	cfg     Config
	region  *internalshm.MappedRegion
	arena   internalshm.Arena
	lock    Locker
	ring    ring
	created bool

	stats stats
	tel   *telemetry
}

// OpenOrCreate attaches to the queue named cfg.Name, creating and
// initializing the segment when it does not exist. An attacher maps the
// segment as-is and never rewrites its header.
func OpenOrCreate(ctx context.Context, cfg *Config) (q *Queue, err error) {
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	tel, err := newTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("shm: telemetry: %w", err)
	}
	ctx, span := tel.start(ctx, "shmq.OpenOrCreate",
		attribute.String("shmq.queue", cfg.Name),
		attribute.Int64("shmq.max_count", int64(cfg.MaxCount)),
		attribute.Int64("shmq.element_size", int64(cfg.ElementSize)),
	)
	defer func() { endSpan(span, err) }()

	size := segmentSize(cfg.MaxCount, cfg.ElementSize)
	path, err := SegmentPath(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.CheckFreeSpace && !pathExists(path) && !canCreateOnDevShm(size, path) {
		return nil, fmt.Errorf("%w: path %s, size %d", ErrShareMemoryHadNotLeftSpace, path, size)
	}

	region, err := internalshm.OpenOrCreateRegion(ctx, internalshm.MapOptions{
		Name:          cfg.Name,
		Dir:           cfg.Dir,
		Size:          int(size),
		Mode:          cfg.Mode,
		AttachTimeout: cfg.AttachTimeout,
	})
	if err != nil {
		return nil, err
	}

	q = &Queue{
		cfg:     *cfg,
		region:  region,
		arena:   internalshm.NewArena(region.Addr),
		created: region.Created,
		tel:     tel,
	}
	q.ring = newRing(q.arena, cfg.MaxCount, cfg.ElementSize)
	switch cfg.Lock {
	case LockRobust:
		q.lock = newRobustMutex(q.arena, cfg.RobustSlice)
	default:
		q.lock = newFutexMutex(q.arena)
	}
	span.SetAttributes(attribute.Bool("shmq.created", q.created))

	if q.created {
		q.initHeader()
		internalLogger.Infof("queue %s created at %s, cap:%d elementSize:%d", cfg.Name, region.Path, cfg.MaxCount, cfg.ElementSize)
		return q, nil
	}
	if err := q.checkAttached(ctx); err != nil {
		if uerr := internalshm.UnmapRegion(region); uerr != nil {
			internalLogger.Warnf("queue %s unmap after failed attach: %v", cfg.Name, uerr)
		}
		return nil, err
	}
	internalLogger.Infof("queue %s attached at %s", cfg.Name, region.Path)
	return q, nil
}

// initHeader is the creator's equivalent of initializing a process-shared
// mutex and zeroing the indices. The ready marker is written last.
func (q *Queue) initHeader() {
	q.arena.Store32(offLockState, stateUnlocked)
	q.arena.Store32(offLockOwner, 0)
	q.arena.Store32(offLockRecover, 0)
	q.ring.init()
	q.arena.Store32(offElementSize, q.cfg.ElementSize)
	q.arena.Store64(offMaxCount, uint64(q.cfg.MaxCount))
	q.arena.Store32(offReady, readyMarker)
}

func (q *Queue) checkAttached(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = q.cfg.AttachTimeout
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = defaultAttachTimeout
	}
	err := backoff.Retry(func() error {
		if q.arena.Load32(offReady) != readyMarker {
			return ErrNotReady
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("queue %s: %w", q.cfg.Name, err)
	}

	if !q.cfg.VerifyGeometry {
		return nil
	}
	elementSize := q.arena.Load32(offElementSize)
	maxCount := q.arena.Load64(offMaxCount)
	if elementSize != q.cfg.ElementSize || maxCount != uint64(q.cfg.MaxCount) {
		return fmt.Errorf("%w: queue %s has cap:%d elementSize:%d, want cap:%d elementSize:%d",
			ErrGeometryMismatch, q.cfg.Name, maxCount, elementSize, q.cfg.MaxCount, q.cfg.ElementSize)
	}
	return nil
}

func (q *Queue) acquire() error {
	if q.cfg.LockTimeout > 0 {
		return q.lock.LockTimeout(q.cfg.LockTimeout)
	}
	return q.lock.Lock()
}

// TryEnqueue copies elem into the tail slot. It returns false with a nil
// error when the queue is full. elem must be exactly ElementSize bytes long,
// otherwise ErrInvalidSize is returned before the lock is taken.
func (q *Queue) TryEnqueue(elem []byte) (bool, error) {
	if len(elem) != q.ring.elementSize {
		q.stats.invalidSize.Add(1)
		q.tel.record(opEnqueue, resultInvalidSize)
		return false, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSize, len(elem), q.ring.elementSize)
	}
	if err := q.acquire(); err != nil {
		q.lockFailed(opEnqueue, err)
		return false, err
	}
	ok := q.ring.push(elem)
	q.lock.Unlock()

	if ok {
		q.stats.enqueued.Add(1)
		q.tel.record(opEnqueue, resultOK)
	} else {
		q.stats.full.Add(1)
		q.tel.record(opEnqueue, resultFull)
	}
	return ok, nil
}

// TryDequeue copies the head element into out. It returns false with a nil
// error when the queue is empty. out must be exactly ElementSize bytes long,
// otherwise ErrInvalidSize is returned before the lock is taken.
func (q *Queue) TryDequeue(out []byte) (bool, error) {
	if len(out) != q.ring.elementSize {
		q.stats.invalidSize.Add(1)
		q.tel.record(opDequeue, resultInvalidSize)
		return false, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSize, len(out), q.ring.elementSize)
	}
	if err := q.acquire(); err != nil {
		q.lockFailed(opDequeue, err)
		return false, err
	}
	ok := q.ring.pop(out)
	q.lock.Unlock()

	if ok {
		q.stats.dequeued.Add(1)
		q.tel.record(opDequeue, resultOK)
	} else {
		q.stats.empty.Add(1)
		q.tel.record(opDequeue, resultEmpty)
	}
	return ok, nil
}

// TryDequeueCopy is TryDequeue into a freshly allocated buffer. The buffer
// is nil when the queue is empty.
func (q *Queue) TryDequeueCopy() ([]byte, bool, error) {
	out := make([]byte, q.ring.elementSize)
	ok, err := q.TryDequeue(out)
	if !ok {
		return nil, false, err
	}
	return out, true, nil
}

func (q *Queue) lockFailed(op opKind, err error) {
	if errors.Is(err, ErrLockTimeout) {
		q.stats.lockTimeouts.Add(1)
		q.tel.record(op, resultLockTimeout)
		return
	}
	q.tel.record(op, resultError)
}

// Teardown unmaps the segment from this process. With unlink the named
// object is removed as well, which only affects later OpenOrCreate calls:
// processes that already mapped it keep a valid mapping. Deciding which
// process unlinks is up to the application. The handle must not be used
// afterwards, and Teardown must not be called twice.
func (q *Queue) Teardown(unlink bool) (err error) {
	_, span := q.tel.start(context.Background(), "shmq.Teardown",
		attribute.String("shmq.queue", q.cfg.Name),
		attribute.Bool("shmq.unlink", unlink),
	)
	defer func() { endSpan(span, err) }()

	path := q.region.Path
	var errs []error
	if err := internalshm.UnmapRegion(q.region); err != nil {
		errs = append(errs, err)
	}
	if unlink {
		if err := internalshm.UnlinkRegion(path); err != nil {
			errs = append(errs, err)
		} else {
			internalLogger.Infof("queue %s unlinked %s", q.cfg.Name, path)
		}
	}
	if err := errors.Join(errs...); err != nil {
		internalLogger.Warnf("queue %s teardown: %v", q.cfg.Name, err)
		return err
	}
	return nil
}

// SegmentPath returns the file that backs the queue described by config.
func SegmentPath(config *Config) (string, error) {
	if config == nil {
		return "", fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	return internalshm.SegmentPath(config.Dir, config.Name)
}

// Unlink removes the segment named by config without mapping it. Processes
// that have it mapped are not affected.
func Unlink(config *Config) error {
	path, err := SegmentPath(config)
	if err != nil {
		return err
	}
	return internalshm.UnlinkRegion(path)
}

// Name returns the queue name as configured.
func (q *Queue) Name() string { return q.cfg.Name }

// Path returns the file backing the segment.
func (q *Queue) Path() string { return q.region.Path }

// Cap returns the number of slots.
func (q *Queue) Cap() int { return int(q.cfg.MaxCount) }

// ElementSize returns the slot size in bytes.
func (q *Queue) ElementSize() int { return int(q.cfg.ElementSize) }

// Created reports whether this handle created the segment.
func (q *Queue) Created() bool { return q.created }

// Len returns the number of stored elements, read under the lock.
func (q *Queue) Len() (int, error) {
	if err := q.acquire(); err != nil {
		return 0, err
	}
	n := q.ring.used()
	q.lock.Unlock()
	return int(n), nil
}

// Depth returns the number of stored elements without taking the lock. The
// value may be stale by the time it is returned.
func (q *Queue) Depth() int {
	return int(q.ring.used())
}

// State classifies the queue as empty, partially filled or full.
func (q *Queue) State() (State, error) {
	n, err := q.Len()
	if err != nil {
		return Empty, err
	}
	switch {
	case n == 0:
		return Empty, nil
	case n >= q.Cap():
		return Full, nil
	default:
		return Partial, nil
	}
}

// Probe takes and releases the lock, failing with ErrLockTimeout when it is
// not available within timeout.
func (q *Queue) Probe(timeout time.Duration) error {
	if err := q.lock.LockTimeout(timeout); err != nil {
		return err
	}
	q.lock.Unlock()
	return nil
}

// Header returns an unlocked snapshot of the segment header.
func (q *Queue) Header() HeaderSnapshot {
	return snapshotHeader(q.arena)
}

// Stats returns the operation counts of this handle.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:     q.stats.enqueued.Load(),
		Dequeued:     q.stats.dequeued.Load(),
		Full:         q.stats.full.Load(),
		Empty:        q.stats.empty.Load(),
		InvalidSize:  q.stats.invalidSize.Load(),
		LockTimeouts: q.stats.lockTimeouts.Load(),
	}
}
