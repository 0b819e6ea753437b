//go:build linux

package health

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmq/pkg/lifecycle"
	"github.com/srediag/shmq/pkg/shm"
)

func attach(t *testing.T, m *lifecycle.Manager, dir, name string) *shm.Queue {
	config := shm.DefaultConfig()
	config.Name = name
	config.Dir = dir
	config.MaxCount = 4
	config.ElementSize = 8
	q, err := m.Attach(context.Background(), config)
	require.NoError(t, err)
	return q
}

func get(t *testing.T, h http.Handler, path string) (int, map[string]string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path+"?full=1", nil))
	body := map[string]string{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHandler_ReadyWithQueue(t *testing.T) {
	dir := t.TempDir()
	m := lifecycle.NewManager()
	defer m.Close(true)
	h := NewHandler(m, Options{Dir: dir, MinFreeBytes: 1})

	code, body := get(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body["queues-attached"], "no queue attached")

	attach(t, m, dir, "q")
	code, body = get(t, h, "/ready")
	assert.Equal(t, http.StatusOK, code, body)
	code, _ = get(t, h, "/live")
	assert.Equal(t, http.StatusOK, code)
}

func TestQueueLocksCheck(t *testing.T) {
	dir := t.TempDir()
	m := lifecycle.NewManager()
	defer m.Close(true)
	q := attach(t, m, dir, "held")

	check := QueueLocksCheck(m, 10*time.Millisecond)
	require.NoError(t, check())

	// mark the lock word held through the file; the mapping shares its pages
	f, err := os.OpenFile(q.Path(), os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	held := make([]byte, 4)
	binary.NativeEndian.PutUint32(held, 1)
	_, err = f.WriteAt(held, 0)
	require.NoError(t, err)

	err = check()
	assert.ErrorIs(t, err, shm.ErrLockTimeout)
	assert.Contains(t, err.Error(), "queue held")

	_, err = f.WriteAt(make([]byte, 4), 0)
	require.NoError(t, err)
	require.NoError(t, check())
}

func TestFreeSpaceCheck(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, FreeSpaceCheck(dir, 1)())
	assert.Error(t, FreeSpaceCheck(dir, math.MaxUint64)())
	assert.Error(t, FreeSpaceCheck(dir+"/missing", 1)())
}

func TestHandler_MetricsRegistry(t *testing.T) {
	dir := t.TempDir()
	m := lifecycle.NewManager()
	defer m.Close(true)
	attach(t, m, dir, "q")

	reg := prometheus.NewRegistry()
	h := NewHandler(m, Options{Dir: dir, MinFreeBytes: 1, Registry: reg, Namespace: "shmq", MaxGoroutines: 1 << 20})
	code, _ := get(t, h, "/ready")
	assert.Equal(t, http.StatusOK, code)

	n, err := testutil.GatherAndCount(reg, "shmq_healthcheck_status")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
