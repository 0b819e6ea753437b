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
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shmq/internal/logging"
	internalshm "github.com/srediag/shmq/internal/shm"
)

var internalLogger = logging.New("shmq", os.Stdout)

// Log levels accepted by SetLogLevel.
const (
	LogLevelTrace   = logging.LevelTrace
	LogLevelDebug   = logging.LevelDebug
	LogLevelInfo    = logging.LevelInfo
	LogLevelWarn    = logging.LevelWarn
	LogLevelError   = logging.LevelError
	LogLevelNoPrint = logging.LevelNoPrint
)

// SetLogLevel used to change the internal logger's level and the default level is Warning.
// The process env `SHMQ_LOG_LEVEL` also could set log level
func SetLogLevel(l int) {
	logging.SetLevel(l)
}

// HeaderSnapshot is a copy of a segment header taken without the lock.
type HeaderSnapshot struct {
	LockState   uint32
	LockOwner   uint32
	Recoveries  uint32
	ReadIndex   uint64
	WriteIndex  uint64
	ElementSize uint32
	MaxCount    uint64
	Ready       bool
}

// Used is the number of stored elements at the time of the snapshot.
func (h HeaderSnapshot) Used() uint64 {
	return h.WriteIndex - h.ReadIndex
}

func (h HeaderSnapshot) String() string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	field := func(name string, v uint64) {
		if buf.Len() > 0 {
			_ = buf.WriteByte(' ')
		}
		_, _ = buf.WriteString(name)
		_ = buf.WriteByte(':')
		_, _ = buf.WriteString(strconv.FormatUint(v, 10))
	}
	field("cap", h.MaxCount)
	field("elementSize", uint64(h.ElementSize))
	field("read", h.ReadIndex)
	field("write", h.WriteIndex)
	field("size", h.Used())
	field("lock", uint64(h.LockState))
	field("owner", uint64(h.LockOwner))
	field("recoveries", uint64(h.Recoveries))
	_, _ = buf.WriteString(" ready:")
	_, _ = buf.WriteString(strconv.FormatBool(h.Ready))
	return buf.String()
}

func snapshotHeader(a internalshm.Arena) HeaderSnapshot {
	return HeaderSnapshot{
		LockState:   a.Load32(offLockState),
		LockOwner:   a.Load32(offLockOwner),
		Recoveries:  a.Load32(offLockRecover),
		ReadIndex:   a.Load64(offReadIndex),
		WriteIndex:  a.Load64(offWriteIndex),
		ElementSize: a.Load32(offElementSize),
		MaxCount:    a.Load64(offMaxCount),
		Ready:       a.Load32(offReady) == readyMarker,
	}
}

// ReadHeader reads the header of the segment file at path without mapping it.
func ReadHeader(path string) (HeaderSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return HeaderSnapshot{}, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			internalLogger.Warnf("file close error: %v", cerr)
		}
	}()
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return HeaderSnapshot{}, fmt.Errorf("read header of %s: %w", path, err)
	}
	return snapshotHeader(internalshm.NewArena(hdr)), nil
}

// DebugQueueDetail print the queue header which was mmap in the `path`
func DebugQueueDetail(path string) {
	h, err := ReadHeader(path)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Printf("path:%s %s\n", path, h)
}
