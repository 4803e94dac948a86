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

package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// TraceFlag resolves the runtime trace-log toggle. Sources in priority
// order: RUN_TRACE_LOG / NOFX_TRACE_LOG env vars, the settings file,
// then off. The settings-file value is cached for the TTL and the cache
// is invalidated early when fsnotify reports a write to the file.
type TraceFlag struct {
	settingsPath string
	ttl          time.Duration

	mu        sync.Mutex
	cached    bool
	fetchedAt time.Time

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewTraceFlag creates a TraceFlag backed by the given settings file.
// The fsnotify watch is best-effort: when the watcher cannot be created
// the flag falls back to pure TTL-based refresh.
func NewTraceFlag(settingsPath string, ttl time.Duration) *TraceFlag {
	f := &TraceFlag{
		settingsPath: settingsPath,
		ttl:          ttl,
		done:         make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		// Watch the directory: editors replace files on save, which
		// drops a watch on the file itself.
		if watcher.Add(filepath.Dir(settingsPath)) == nil {
			f.watcher = watcher
			go f.watch()
		} else {
			watcher.Close()
		}
	}

	return f
}

// Enabled reports whether trace logging is on right now.
func (f *TraceFlag) Enabled() bool {
	if v := os.Getenv("RUN_TRACE_LOG"); v != "" {
		return v == "true" || v == "1"
	}
	if v := os.Getenv("NOFX_TRACE_LOG"); v != "" {
		return v == "true" || v == "1"
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if time.Since(f.fetchedAt) < f.ttl {
		return f.cached
	}

	s, err := readSettings(f.settingsPath)
	if err != nil {
		// Keep the stale value on read errors rather than flapping.
		f.fetchedAt = time.Now()
		return f.cached
	}
	f.cached = s.TraceLog
	f.fetchedAt = time.Now()
	return f.cached
}

// Close stops the settings watch.
func (f *TraceFlag) Close() error {
	close(f.done)
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}

// watch invalidates the cache when the settings file changes.
func (f *TraceFlag) watch() {
	for {
		select {
		case <-f.done:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if ev.Name == f.settingsPath && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				f.mu.Lock()
				f.fetchedAt = time.Time{}
				f.mu.Unlock()
			}
		case _, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}
