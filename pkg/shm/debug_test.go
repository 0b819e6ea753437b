//go:build linux

package shm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadHeader(t *testing.T) {
	q := openTestQueue(t, testConfig(t, 4, 8))
	for _, s := range []string{"AAAAAAAA", "BBBBBBBB", "CCCCCCCC"} {
		ok, err := q.TryEnqueue([]byte(s))
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, ok, err := q.TryDequeueCopy()
	require.NoError(t, err)
	require.True(t, ok)

	h, err := ReadHeader(q.Path())
	require.NoError(t, err)
	assert.True(t, h.Ready)
	assert.Equal(t, uint64(4), h.MaxCount)
	assert.Equal(t, uint32(8), h.ElementSize)
	assert.Equal(t, uint64(1), h.ReadIndex)
	assert.Equal(t, uint64(3), h.WriteIndex)
	assert.Equal(t, uint64(2), h.Used())
	assert.Equal(t, stateUnlocked, h.LockState)
	assert.Equal(t, q.Header(), h)

	str := h.String()
	for _, want := range []string{"cap:4", "elementSize:8", "read:1", "write:3", "size:2", "ready:true"} {
		assert.True(t, strings.Contains(str, want), "%q missing %q", str, want)
	}
	DebugQueueDetail(q.Path())
}

func TestReadHeader_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := ReadHeader(filepath.Join(dir, "missing"))
	assert.True(t, os.IsNotExist(err))

	short := filepath.Join(dir, "short")
	require.NoError(t, os.WriteFile(short, []byte("tiny"), 0600))
	_, err = ReadHeader(short)
	assert.Error(t, err)
	DebugQueueDetail(short)
}

func TestSetLogLevel(t *testing.T) {
	SetLogLevel(LogLevelNoPrint)
	defer SetLogLevel(LogLevelWarn)
	internalLogger.Warnf("suppressed")
}
