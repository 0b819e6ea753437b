//go:build linux

package transport

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmq/pkg/shm"
)

func newTestQueue(t *testing.T, maxCount, elementSize uint32) *shm.Queue {
	config := shm.DefaultConfig()
	config.Name = "transport-test"
	config.Dir = t.TempDir()
	config.MaxCount = maxCount
	config.ElementSize = elementSize
	q, err := shm.OpenOrCreate(context.Background(), config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Teardown(true) })
	return q
}

func TestTransport_UnframedExactSize(t *testing.T) {
	tr := New(newTestQueue(t, 2, 8))
	assert.Equal(t, 8, tr.MaxPayload())

	require.NoError(t, tr.TrySend([]byte("12345678")))
	require.NoError(t, tr.TrySend([]byte("abcdefgh")))
	err := tr.TrySend([]byte("full!!!!"))
	assert.True(t, IsWouldBlock(err))
	assert.ErrorIs(t, tr.TrySend([]byte("short")), shm.ErrInvalidSize)

	msg, err := tr.TryReceive()
	require.NoError(t, err)
	assert.Equal(t, "12345678", string(msg))
	msg, err = tr.TryReceive()
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh", string(msg))
	_, err = tr.TryReceive()
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestTransport_Framed(t *testing.T) {
	q := newTestQueue(t, 4, 16)
	tr := New(q, WithFraming())
	assert.Equal(t, 12, tr.MaxPayload())

	for _, m := range []string{"", "a", "hello", "exactly12byt"} {
		require.NoError(t, tr.TrySend([]byte(m)))
		got, err := tr.TryReceive()
		require.NoError(t, err)
		assert.Equal(t, m, string(got))
	}
	assert.ErrorIs(t, tr.TrySend([]byte("thirteen byte")), ErrMessageTooLarge)
	assert.Equal(t, 0, q.Depth())
}

func TestTransport_CorruptFrame(t *testing.T) {
	q := newTestQueue(t, 4, 8)
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint32(raw, 100)
	ok, err := q.TryEnqueue(raw)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = New(q, WithFraming()).TryReceive()
	assert.ErrorIs(t, err, ErrCorruptFrame)
}

func TestTransport_FramedElementTooSmall(t *testing.T) {
	for _, size := range []uint32{1, 2, 3, 4} {
		q := newTestQueue(t, 2, size)
		tr := New(q, WithFraming())
		assert.Equal(t, 0, tr.MaxPayload())
		assert.False(t, CanFrame(q.ElementSize()))
		assert.ErrorIs(t, tr.TrySend(nil), ErrElementTooSmall)

		ok, err := q.TryEnqueue(make([]byte, size))
		require.NoError(t, err)
		require.True(t, ok)
		var got []byte
		assert.NotPanics(t, func() { got, err = tr.TryReceive() })
		if size < frameHeader {
			assert.ErrorIs(t, err, ErrCorruptFrame)
		} else {
			require.NoError(t, err)
			assert.Empty(t, got)
		}
	}
	assert.True(t, CanFrame(frameHeader+1))
}

func TestTransport_SendReceiveBlocking(t *testing.T) {
	tr := New(newTestQueue(t, 2, 8), WithFraming(), WithRetryInterval(time.Microsecond, time.Millisecond))
	const n = 200

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		b := make([]byte, 4)
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(b, uint32(i))
			if err := tr.Send(ctx, b); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()

	for i := 0; i < n; i++ {
		msg, err := tr.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, uint32(i), binary.LittleEndian.Uint32(msg))
	}
	require.NoError(t, <-errc)
}

func TestTransport_ContextCancel(t *testing.T) {
	tr := New(newTestQueue(t, 1, 8))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, tr.Send(context.Background(), []byte("occupied")))
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	assert.ErrorIs(t, tr.Send(ctx2, []byte("no space")), context.DeadlineExceeded)
}

func TestTransport_PermanentErrorNotRetried(t *testing.T) {
	tr := New(newTestQueue(t, 1, 8))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	err := tr.Send(ctx, []byte("wrong size"))
	assert.ErrorIs(t, err, shm.ErrInvalidSize)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDispatcher_Serve(t *testing.T) {
	tr := New(newTestQueue(t, 8, 8), WithFraming())
	d, err := NewDispatcher(tr, 4)
	require.NoError(t, err)
	defer d.Close(time.Second)

	const n = 100
	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- d.Serve(ctx, func(msg []byte) {
			mu.Lock()
			got = append(got, int(msg[0]))
			if len(got) == n {
				close(done)
			}
			mu.Unlock()
		})
	}()

	for i := 0; i < n; i++ {
		require.NoError(t, tr.Send(context.Background(), []byte{byte(i)}))
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("dispatcher did not handle every message")
	}
	cancel()
	require.NoError(t, <-serveErr)

	sort.Ints(got)
	for i := 0; i < n; i++ {
		assert.Equal(t, i, got[i])
	}
}

func TestDispatcher_HandlerPanicDoesNotStopServe(t *testing.T) {
	tr := New(newTestQueue(t, 4, 8), WithFraming())
	d, err := NewDispatcher(tr, 1)
	require.NoError(t, err)
	defer d.Close(time.Second)

	handled := make(chan string, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = d.Serve(ctx, func(msg []byte) {
			if string(msg) == "boom" {
				panic("boom")
			}
			handled <- string(msg)
		})
	}()

	require.NoError(t, tr.TrySend([]byte("boom")))
	require.NoError(t, tr.TrySend([]byte("ok")))
	select {
	case m := <-handled:
		assert.Equal(t, "ok", m)
	case <-time.After(10 * time.Second):
		t.Fatal("message after panic was not handled")
	}
}

func TestDispatcher_ReceiveErrorStopsServe(t *testing.T) {
	q := newTestQueue(t, 4, 8)
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint32(raw, 1000)
	ok, err := q.TryEnqueue(raw)
	require.NoError(t, err)
	require.True(t, ok)

	d, err := NewDispatcher(New(q, WithFraming()), 0)
	require.NoError(t, err)
	defer d.Close(time.Second)
	err = d.Serve(context.Background(), func([]byte) {})
	assert.ErrorIs(t, err, ErrCorruptFrame)
}
