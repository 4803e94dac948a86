// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// runLocks serialises run mutations inside the process. The flock in
// acquireFileLock only guards against other processes; two goroutines
// flocking separate fds would both block in the kernel, so the keyed
// mutex goes first.
type runLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newRunLocks() *runLocks {
	return &runLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for runID and returns its unlock func.
func (r *runLocks) lock(runID string) func() {
	r.mu.Lock()
	m, ok := r.locks[runID]
	if !ok {
		m = &sync.Mutex{}
		r.locks[runID] = m
	}
	r.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// acquireFileLock takes an exclusive flock on path, creating the file
// when absent. The returned func releases and closes the lock file.
func acquireFileLock(ctx context.Context, path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- syscall.Flock(int(file.Fd()), syscall.LOCK_EX)
	}()

	select {
	case err := <-done:
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to acquire run lock: %w", err)
		}
		return func() {
			_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
			_ = file.Close()
		}, nil
	case <-ctx.Done():
		// The flock goroutine will release on close.
		file.Close()
		return nil, ctx.Err()
	}
}
