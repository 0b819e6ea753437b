// Package transport moves messages over a shared memory queue. It adds
// optional length framing, blocking send and receive with backoff, and a
// pooled dispatcher on top of the non-blocking queue operations.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"code.hybscloud.com/iox"
	"github.com/cenkalti/backoff/v4"
	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shmq/internal/logging"
	"github.com/srediag/shmq/pkg/shm"
)

var logger = logging.New("shmq/transport", os.Stdout)

// frameHeader is the length prefix written before a framed payload.
const frameHeader = 4

var (
	// ErrWouldBlock is returned by the Try operations when the queue is full
	// (send) or empty (receive). It is a control flow signal, not a failure.
	ErrWouldBlock = iox.ErrWouldBlock
	// ErrMessageTooLarge is returned when a framed payload does not fit in
	// one element.
	ErrMessageTooLarge = errors.New("transport: message larger than element payload")
	// ErrCorruptFrame is returned when a received element carries an
	// impossible length prefix.
	ErrCorruptFrame = errors.New("transport: corrupt frame")
	// ErrElementTooSmall is returned by framed sends on a queue whose
	// elements cannot hold the length prefix and a payload.
	ErrElementTooSmall = errors.New("transport: element too small for framing")
)

// CanFrame reports whether elements of elementSize bytes can carry framed
// messages.
func CanFrame(elementSize int) bool {
	return elementSize > frameHeader
}

// IsWouldBlock reports whether err means the operation should be retried later.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

// Transport sends and receives whole messages.
type Transport interface {
	// TrySend enqueues data or fails with ErrWouldBlock when the queue is full.
	TrySend(data []byte) error
	// TryReceive dequeues one message or fails with ErrWouldBlock when empty.
	TryReceive() ([]byte, error)
	// Send retries TrySend until it succeeds, fails permanently or ctx is done.
	Send(ctx context.Context, data []byte) error
	// Receive retries TryReceive until it succeeds, fails permanently or ctx is done.
	Receive(ctx context.Context) ([]byte, error)
}

// Option configures a QueueTransport.
type Option func(*QueueTransport)

// WithFraming prefixes every element with the payload length so messages
// shorter than the element size can be sent.
func WithFraming() Option {
	return func(t *QueueTransport) { t.framed = true }
}

// WithRetryInterval bounds the exponential backoff used by Send and Receive.
func WithRetryInterval(initial, max time.Duration) Option {
	return func(t *QueueTransport) {
		if initial > 0 {
			t.initialInterval = initial
		}
		if max > 0 {
			t.maxInterval = max
		}
	}
}

// QueueTransport is a Transport over one shm.Queue.
type QueueTransport struct {
	q               *shm.Queue
	framed          bool
	initialInterval time.Duration
	maxInterval     time.Duration
}

var _ Transport = (*QueueTransport)(nil)

// New returns a transport over q. The queue stays owned by the caller.
func New(q *shm.Queue, opts ...Option) *QueueTransport {
	t := &QueueTransport{
		q:               q,
		initialInterval: 50 * time.Microsecond,
		maxInterval:     10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MaxPayload is the largest message TrySend accepts. It is 0 for a framed
// transport whose elements are too small to frame.
func (t *QueueTransport) MaxPayload() int {
	if t.framed {
		return max(t.q.ElementSize()-frameHeader, 0)
	}
	return t.q.ElementSize()
}

// Queue returns the underlying queue.
func (t *QueueTransport) Queue() *shm.Queue { return t.q }

func (t *QueueTransport) TrySend(data []byte) error {
	if !t.framed {
		return t.enqueue(data)
	}
	if !CanFrame(t.q.ElementSize()) {
		return fmt.Errorf("%w: %d byte elements", ErrElementTooSmall, t.q.ElementSize())
	}
	if len(data) > t.MaxPayload() {
		return fmt.Errorf("%w: %d bytes, max %d", ErrMessageTooLarge, len(data), t.MaxPayload())
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = binary.LittleEndian.AppendUint32(buf.B[:0], uint32(len(data)))
	buf.B = append(buf.B, data...)
	for len(buf.B) < t.q.ElementSize() {
		buf.B = append(buf.B, 0)
	}
	return t.enqueue(buf.B)
}

func (t *QueueTransport) enqueue(elem []byte) error {
	ok, err := t.q.TryEnqueue(elem)
	if err != nil {
		return err
	}
	if !ok {
		return ErrWouldBlock
	}
	return nil
}

func (t *QueueTransport) TryReceive() ([]byte, error) {
	elem, ok, err := t.q.TryDequeueCopy()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrWouldBlock
	}
	if !t.framed {
		return elem, nil
	}
	if len(elem) < frameHeader {
		return nil, fmt.Errorf("%w: %d byte element has no length prefix", ErrCorruptFrame, len(elem))
	}
	n := binary.LittleEndian.Uint32(elem)
	if int(n) > len(elem)-frameHeader {
		return nil, fmt.Errorf("%w: length %d in %d byte element", ErrCorruptFrame, n, len(elem))
	}
	return elem[frameHeader : frameHeader+int(n)], nil
}

func (t *QueueTransport) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.initialInterval
	b.MaxInterval = t.maxInterval
	// ctx is the only bound
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}

// retryable turns everything but ErrWouldBlock into a permanent error.
func retryable(err error) error {
	if err == nil || IsWouldBlock(err) {
		return err
	}
	return backoff.Permanent(err)
}

func (t *QueueTransport) Send(ctx context.Context, data []byte) error {
	return backoff.Retry(func() error {
		return retryable(t.TrySend(data))
	}, t.newBackOff(ctx))
}

func (t *QueueTransport) Receive(ctx context.Context) ([]byte, error) {
	var msg []byte
	err := backoff.Retry(func() error {
		var err error
		msg, err = t.TryReceive()
		return retryable(err)
	}, t.newBackOff(ctx))
	if err != nil {
		return nil, err
	}
	return msg, nil
}
