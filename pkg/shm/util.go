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
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"

	internalshm "github.com/srediag/shmq/internal/shm"
)

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !os.IsNotExist(err)
}

// canCreateOnDevShm only judges paths under /dev/shm; other filesystems
// always report true.
func canCreateOnDevShm(size uint64, path string) bool {
	if !strings.HasPrefix(path, internalshm.DefaultDir+"/") {
		return true
	}
	stat, err := disk.Usage(internalshm.DefaultDir)
	if err != nil {
		internalLogger.Warnf("could not read %s usage: %v", internalshm.DefaultDir, err)
		return true
	}
	return stat.Free >= size
}
