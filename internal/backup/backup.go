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

// Package backup archives and restores pipeline state. FS-backed state
// is copied file for file; DB-backed state is dumped to per-table JSON.
// Archives are gzip-compressed tarballs with a JSON meta file beside
// them, optionally mirrored to blob storage.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/nofx/nofx/internal/artifact"
	"github.com/nofx/nofx/internal/store"
	nofxerrors "github.com/nofx/nofx/pkg/errors"
)

// Scope selects what a backup covers.
type Scope string

const (
	ScopeData        Scope = "data"
	ScopeWithProject Scope = "with-project"
	ScopeProjectOnly Scope = "project-only"
)

// ParseScope validates a scope flag value.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeData, ScopeWithProject, ScopeProjectOnly:
		return Scope(s), nil
	case "":
		return ScopeData, nil
	default:
		return "", &nofxerrors.ValidationError{
			Field:   "scope",
			Message: fmt.Sprintf("unknown scope %q", s),
		}
	}
}

// CloudInfo records the best-effort blob upload outcome.
type CloudInfo struct {
	Uploaded bool   `json:"uploaded"`
	Location string `json:"location,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Meta describes one backup.
type Meta struct {
	ID        string    `json:"id"`
	Note      string    `json:"note,omitempty"`
	Scope     Scope     `json:"scope"`
	Kind      string    `json:"kind"`
	Archive   string    `json:"archive"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	Cloud     CloudInfo `json:"cloud"`
}

// Source abstracts what is being backed up. The FS and DB drivers each
// provide one.
type Source interface {
	// Kind is "fs" or "db".
	Kind() string

	// Stage writes the source's state under dir.
	Stage(ctx context.Context, dir string) error

	// Restore replaces the source's state from dir.
	Restore(ctx context.Context, dir string) error
}

// Manager creates, lists, and restores backups.
type Manager struct {
	source      Source
	store       store.RunStore
	backupsDir  string
	projectRoot string
	blob        artifact.BlobStore
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures the manager.
type Option func(*Manager)

// WithBlobStore mirrors archives to blob storage best-effort.
func WithBlobStore(b artifact.BlobStore) Option {
	return func(m *Manager) { m.blob = b }
}

// WithProjectRoot sets the working tree copied by project scopes.
func WithProjectRoot(dir string) Option {
	return func(m *Manager) { m.projectRoot = dir }
}

// NewManager creates a manager writing archives under backupsDir.
func NewManager(src Source, runs store.RunStore, backupsDir string, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(backupsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backups directory: %w", err)
	}
	m := &Manager{
		source:     src,
		store:      runs,
		backupsDir: backupsDir,
		logger:     logger,
		now:        time.Now,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(s), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "nofx"
	}
	if len(slug) > 40 {
		slug = slug[:40]
	}
	return slug
}

// newID is the ISO timestamp with ':' and '.' flattened, suffixed with
// a slug of the latest run title.
func (m *Manager) newID(ctx context.Context) string {
	stamp := m.now().UTC().Format("2006-01-02T15:04:05.000Z")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)

	title := "nofx"
	if runs, err := m.store.ListRuns(ctx, store.RunFilter{Limit: 1}); err == nil && len(runs) > 0 && runs[0].Title != "" {
		title = runs[0].Title
	}
	return stamp + "-" + slugify(title)
}

// Create stages, archives, and records a backup.
func (m *Manager) Create(ctx context.Context, note string, scope Scope) (*Meta, error) {
	id := m.newID(ctx)

	staging, err := os.MkdirTemp("", "nofx-backup-*")
	if err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if scope != ScopeProjectOnly {
		dataDir := filepath.Join(staging, "nofx_data")
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating staging data directory: %w", err)
		}
		if err := m.source.Stage(ctx, dataDir); err != nil {
			return nil, fmt.Errorf("staging %s state: %w", m.source.Kind(), err)
		}
	}
	if scope != ScopeData {
		if m.projectRoot == "" {
			return nil, &nofxerrors.ValidationError{
				Field:   "scope",
				Message: "project scope requires a project root",
			}
		}
		projDir := filepath.Join(staging, "project")
		if err := copyTree(m.projectRoot, projDir, projectExclusions); err != nil {
			return nil, fmt.Errorf("staging project tree: %w", err)
		}
	}

	archive := filepath.Join(m.backupsDir, id+".tar.gz")
	if err := writeTarball(staging, archive); err != nil {
		return nil, fmt.Errorf("archiving backup: %w", err)
	}
	info, err := os.Stat(archive)
	if err != nil {
		return nil, fmt.Errorf("inspecting archive: %w", err)
	}

	meta := &Meta{
		ID:        id,
		Note:      note,
		Scope:     scope,
		Kind:      m.source.Kind(),
		Archive:   filepath.Base(archive),
		SizeBytes: info.Size(),
		CreatedAt: m.now().UTC(),
	}
	meta.Cloud = m.upload(ctx, archive)

	metaPath := filepath.Join(m.backupsDir, id+".json")
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding backup meta: %w", err)
	}
	if err := os.WriteFile(metaPath, raw, 0o644); err != nil {
		return nil, fmt.Errorf("writing backup meta: %w", err)
	}

	m.logger.InfoContext(ctx, "backup created",
		"backupId", id, "scope", string(scope), "bytes", info.Size())
	return meta, nil
}

// upload pushes the archive to blob storage. Failure is recorded, not
// returned.
func (m *Manager) upload(ctx context.Context, archive string) CloudInfo {
	if m.blob == nil {
		return CloudInfo{}
	}
	data, err := os.ReadFile(archive)
	if err != nil {
		return CloudInfo{Error: err.Error()}
	}
	loc, err := m.blob.Put(ctx, "backups", "archive", filepath.Base(archive), data)
	if err != nil {
		m.logger.WarnContext(ctx, "backup cloud upload failed", "error", err)
		return CloudInfo{Error: err.Error()}
	}
	return CloudInfo{Uploaded: true, Location: loc}
}

// List returns backups sorted newest first.
func (m *Manager) List(ctx context.Context) ([]*Meta, error) {
	entries, err := os.ReadDir(m.backupsDir)
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}

	var metas []*Meta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(m.backupsDir, entry.Name()))
		if err != nil {
			continue
		}
		var meta Meta
		if err := json.Unmarshal(raw, &meta); err != nil {
			m.logger.Warn("skipping unreadable backup meta", "file", entry.Name())
			continue
		}
		metas = append(metas, &meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

// Get loads one backup's meta.
func (m *Manager) Get(ctx context.Context, id string) (*Meta, error) {
	raw, err := os.ReadFile(filepath.Join(m.backupsDir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &nofxerrors.NotFoundError{Resource: "backup", ID: id}
		}
		return nil, fmt.Errorf("reading backup meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decoding backup meta: %w", err)
	}
	return &meta, nil
}

// Restore replaces current state with the backup's. A pre-restore
// snapshot is always taken first.
func (m *Manager) Restore(ctx context.Context, id string) error {
	meta, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if meta.Scope == ScopeProjectOnly {
		return &nofxerrors.ValidationError{
			Field:   "id",
			Message: "project-only backups carry no data to restore",
		}
	}

	if _, err := m.Create(ctx, "auto-pre-restore:"+id, ScopeData); err != nil {
		return fmt.Errorf("taking pre-restore snapshot: %w", err)
	}

	tmp, err := os.MkdirTemp("", "nofx-restore-*")
	if err != nil {
		return fmt.Errorf("creating restore directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := extractTarball(filepath.Join(m.backupsDir, meta.Archive), tmp); err != nil {
		return fmt.Errorf("extracting backup archive: %w", err)
	}

	dataDir := filepath.Join(tmp, "nofx_data")
	if _, err := os.Stat(dataDir); err != nil {
		return fmt.Errorf("backup %s has no data tree: %w", id, err)
	}
	if err := m.source.Restore(ctx, dataDir); err != nil {
		return fmt.Errorf("restoring %s state: %w", m.source.Kind(), err)
	}

	m.logger.InfoContext(ctx, "backup restored", "backupId", id)
	return nil
}
