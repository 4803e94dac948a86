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

// Package artifact stores step artifact payloads outside the run
// store. Records in the store carry the name and kind; bulk bytes live
// in a blob store.
package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// BlobStore reads and writes artifact payloads.
type BlobStore interface {
	// Put stores data under the artifact's key and returns the
	// location reference to record on the artifact.
	Put(ctx context.Context, runID, stepID, name string, data []byte) (string, error)

	// Get retrieves a payload previously stored by Put.
	Get(ctx context.Context, runID, stepID, name string) ([]byte, error)
}

// Key is the canonical blob layout, shared by every backend.
func Key(runID, stepID, name string) string {
	return fmt.Sprintf("artifacts/%s/%s/%s", runID, stepID, name)
}

// LocalStore keeps blobs under a directory. Used when no bucket is
// configured.
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (l *LocalStore) path(runID, stepID, name string) (string, error) {
	key := Key(runID, stepID, name)
	if strings.Contains(name, "..") || strings.ContainsRune(name, os.PathSeparator) {
		return "", fmt.Errorf("artifact name %q escapes the store", name)
	}
	return filepath.Join(l.root, filepath.FromSlash(key)), nil
}

func (l *LocalStore) Put(ctx context.Context, runID, stepID, name string, data []byte) (string, error) {
	path, err := l.path(runID, stepID, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("staging artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("syncing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("publishing artifact: %w", err)
	}
	return path, nil
}

func (l *LocalStore) Get(ctx context.Context, runID, stepID, name string) ([]byte, error) {
	path, err := l.path(runID, stepID, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}
