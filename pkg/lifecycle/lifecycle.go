// Package lifecycle keeps track of the queues a process has attached, so that
// they can be looked up by name, inspected together and torn down at exit.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/shmq/internal/logging"
	"github.com/srediag/shmq/pkg/shm"
)

var logger = logging.New("shmq/lifecycle", os.Stdout)

// ErrNotAttached is returned for names this manager does not hold.
var ErrNotAttached = errors.New("lifecycle: queue not attached")

// Manager is a process-local registry of attached queues keyed by name.
// It is safe for concurrent use.
type Manager struct {
	queues cmap.ConcurrentMap[string, *shm.Queue]
	// serializes attach and detach so a name is never opened twice
	mu sync.Mutex
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{queues: cmap.New[*shm.Queue]()}
}

// Attach opens the queue described by config, or returns the handle already
// held for config.Name.
func (m *Manager) Attach(ctx context.Context, config *shm.Config) (*shm.Queue, error) {
	if err := shm.VerifyConfig(config); err != nil {
		return nil, err
	}
	if q, ok := m.queues.Get(config.Name); ok {
		return q, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues.Get(config.Name); ok {
		return q, nil
	}
	q, err := shm.OpenOrCreate(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: attach %s: %w", config.Name, err)
	}
	m.queues.Set(config.Name, q)
	logger.Infof("attached queue %s (created:%v)", config.Name, q.Created())
	return q, nil
}

// Get returns the handle held for name.
func (m *Manager) Get(name string) (*shm.Queue, bool) {
	return m.queues.Get(name)
}

// Names returns the attached queue names in sorted order.
func (m *Manager) Names() []string {
	names := m.queues.Keys()
	sort.Strings(names)
	return names
}

// Queues returns the attached queues ordered by name.
func (m *Manager) Queues() []*shm.Queue {
	names := m.Names()
	queues := make([]*shm.Queue, 0, len(names))
	for _, name := range names {
		if q, ok := m.queues.Get(name); ok {
			queues = append(queues, q)
		}
	}
	return queues
}

// Len returns the number of attached queues.
func (m *Manager) Len() int { return m.queues.Count() }

// Detach tears down the handle for name and forgets it. With unlink the
// named segment is removed too.
func (m *Manager) Detach(name string, unlink bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues.Pop(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, name)
	}
	if err := q.Teardown(unlink); err != nil {
		return fmt.Errorf("lifecycle: detach %s: %w", name, err)
	}
	logger.Infof("detached queue %s (unlink:%v)", name, unlink)
	return nil
}

// Close detaches every queue and returns the joined teardown errors.
func (m *Manager) Close(unlink bool) error {
	var errs []error
	for _, name := range m.Names() {
		if err := m.Detach(name, unlink); err != nil && !errors.Is(err, ErrNotAttached) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
