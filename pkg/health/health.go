// Package health exposes liveness and readiness checks for the queues held
// by a lifecycle.Manager.
package health

import (
	"errors"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/srediag/shmq/pkg/lifecycle"
	"github.com/srediag/shmq/pkg/shm"
)

const (
	defaultLockProbeTimeout = 100 * time.Millisecond
	defaultMinFreeBytes     = 1 << 20
)

// Options tune the checks. Zero values select defaults.
type Options struct {
	// LockProbeTimeout bounds how long a queue lock may stay unavailable
	// before the queue is reported dead.
	LockProbeTimeout time.Duration
	// Dir is the segment directory whose free space gates readiness. Empty
	// means /dev/shm.
	Dir string
	// MinFreeBytes is the free space Dir must keep.
	MinFreeBytes uint64
	// MaxGoroutines adds a liveness check on the goroutine count when set.
	MaxGoroutines int
	// Registry, when set, receives one status gauge per check.
	Registry  prometheus.Registerer
	Namespace string
}

func (o *Options) setDefaults() {
	if o.LockProbeTimeout <= 0 {
		o.LockProbeTimeout = defaultLockProbeTimeout
	}
	if o.Dir == "" {
		o.Dir = shm.DefaultDir
	}
	if o.MinFreeBytes == 0 {
		o.MinFreeBytes = defaultMinFreeBytes
	}
}

// NewHandler returns an http.Handler serving /live and /ready.
func NewHandler(m *lifecycle.Manager, opts Options) healthcheck.Handler {
	opts.setDefaults()
	var h healthcheck.Handler
	if opts.Registry != nil {
		h = healthcheck.NewMetricsHandler(opts.Registry, opts.Namespace)
	} else {
		h = healthcheck.NewHandler()
	}

	// a wedged lock can only be observed from the outside, so the probe
	// itself is bounded too
	h.AddLivenessCheck("queue-locks", healthcheck.Timeout(QueueLocksCheck(m, opts.LockProbeTimeout), 2*opts.LockProbeTimeout))
	if opts.MaxGoroutines > 0 {
		h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(opts.MaxGoroutines))
	}
	h.AddReadinessCheck("queues-attached", QueuesAttachedCheck(m))
	h.AddReadinessCheck("segment-free-space", FreeSpaceCheck(opts.Dir, opts.MinFreeBytes))
	return h
}

// QueueLocksCheck fails when any attached queue lock cannot be taken within
// timeout.
func QueueLocksCheck(m *lifecycle.Manager, timeout time.Duration) healthcheck.Check {
	return func() error {
		var errs []error
		for _, q := range m.Queues() {
			if err := q.Probe(timeout); err != nil {
				errs = append(errs, fmt.Errorf("queue %s: %w", q.Name(), err))
			}
		}
		return errors.Join(errs...)
	}
}

// QueuesAttachedCheck fails while the manager holds no queue.
func QueuesAttachedCheck(m *lifecycle.Manager) healthcheck.Check {
	return func() error {
		if m.Len() == 0 {
			return errors.New("no queue attached")
		}
		return nil
	}
}

// FreeSpaceCheck fails when the filesystem holding dir has less than min
// bytes free.
func FreeSpaceCheck(dir string, min uint64) healthcheck.Check {
	return func() error {
		stat, err := disk.Usage(dir)
		if err != nil {
			return fmt.Errorf("usage of %s: %w", dir, err)
		}
		if stat.Free < min {
			return fmt.Errorf("%s has %d bytes free, want at least %d", dir, stat.Free, min)
		}
		return nil
	}
}
