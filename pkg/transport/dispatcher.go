package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"code.hybscloud.com/iox"
	"github.com/panjf2000/ants/v2"
)

// Handler processes one received message. The message is owned by the
// handler.
type Handler func(msg []byte)

const defaultWorkers = 8

// Dispatcher drains a transport and hands every message to a worker pool.
// Messages are received in queue order but may be handled concurrently.
type Dispatcher struct {
	t    Transport
	pool *ants.Pool
	wg   sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given number of workers. A
// non-positive count uses a small default.
func NewDispatcher(t Transport, workers int) (*Dispatcher, error) {
	if workers <= 0 {
		workers = defaultWorkers
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(p interface{}) {
		logger.Errorf("handler panic: %v", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("transport: worker pool: %w", err)
	}
	return &Dispatcher{t: t, pool: pool}, nil
}

// Serve receives until ctx is done, then waits for in-flight handlers. A
// receive failure other than an empty queue stops Serve and is returned.
// Submission blocks while every worker is busy, which keeps unhandled
// messages in the shared queue rather than in process memory.
func (d *Dispatcher) Serve(ctx context.Context, h Handler) error {
	defer d.wg.Wait()
	idle := iox.Backoff{}
	for ctx.Err() == nil {
		msg, err := d.t.TryReceive()
		if IsWouldBlock(err) {
			idle.Wait()
			continue
		}
		if err != nil {
			return err
		}
		idle.Reset()

		d.wg.Add(1)
		if err := d.pool.Submit(func() {
			defer d.wg.Done()
			h(msg)
		}); err != nil {
			d.wg.Done()
			return fmt.Errorf("transport: submit: %w", err)
		}
	}
	return nil
}

// Running returns the number of handlers currently executing.
func (d *Dispatcher) Running() int { return d.pool.Running() }

// Close releases the worker pool, waiting up to timeout for busy workers.
func (d *Dispatcher) Close(timeout time.Duration) error {
	return d.pool.ReleaseTimeout(timeout)
}
