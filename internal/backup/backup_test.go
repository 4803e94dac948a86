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

package backup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nofx/nofx/internal/store"
	"github.com/nofx/nofx/internal/store/fs"
	"github.com/nofx/nofx/internal/store/sqlite"
	nofxerrors "github.com/nofx/nofx/pkg/errors"
)

func TestParseScope(t *testing.T) {
	for _, valid := range []string{"data", "with-project", "project-only"} {
		s, err := ParseScope(valid)
		require.NoError(t, err)
		assert.Equal(t, Scope(valid), s)
	}

	s, err := ParseScope("")
	require.NoError(t, err)
	assert.Equal(t, ScopeData, s)

	_, err = ParseScope("everything")
	var verr *nofxerrors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "deploy-v2-to-staging", slugify("Deploy v2 to STAGING!"))
	assert.Equal(t, "nofx", slugify("???"))
	assert.Equal(t, "nofx", slugify(""))
}

func newFSManager(t *testing.T) (*Manager, store.Store, string) {
	t.Helper()
	root := t.TempDir()
	st, err := fs.New(root)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m, err := NewManager(NewFSSource(root), st, filepath.Join(root, "backups"), nil)
	require.NoError(t, err)
	return m, st, root
}

func seedState(t *testing.T, st store.Store) *store.Run {
	t.Helper()
	ctx := context.Background()
	run := &store.Run{Status: store.RunStatusQueued, Title: "deploy v2"}
	require.NoError(t, st.CreateRun(ctx, run))
	step := &store.Step{RunID: run.ID, Name: "s1", Tool: "echo", Status: store.StepStatusQueued}
	require.NoError(t, st.CreateStep(ctx, step))
	_, err := st.RecordEvent(ctx, run.ID, store.EventRunCreated, map[string]any{"goal": "deploy v2"}, "")
	require.NoError(t, err)
	return run
}

func TestCreateWritesArchiveAndMeta(t *testing.T) {
	m, st, _ := newFSManager(t)
	seedState(t, st)

	meta, err := m.Create(context.Background(), "before upgrade", ScopeData)
	require.NoError(t, err)
	assert.Equal(t, "fs", meta.Kind)
	assert.Equal(t, "before upgrade", meta.Note)
	assert.Contains(t, meta.ID, "deploy-v2")
	assert.Greater(t, meta.SizeBytes, int64(0))
	assert.False(t, meta.Cloud.Uploaded)

	got, err := m.Get(context.Background(), meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, got.ID)
}

func TestListSortsNewestFirst(t *testing.T) {
	m, st, _ := newFSManager(t)
	seedState(t, st)

	base := time.Now()
	m.now = func() time.Time { return base }
	first, err := m.Create(context.Background(), "", ScopeData)
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(time.Minute) }
	second, err := m.Create(context.Background(), "", ScopeData)
	require.NoError(t, err)

	metas, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, second.ID, metas[0].ID)
	assert.Equal(t, first.ID, metas[1].ID)
}

func TestGetMissingBackup(t *testing.T) {
	m, _, _ := newFSManager(t)
	_, err := m.Get(context.Background(), "nope")
	var nf *nofxerrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestFSRestoreRoundTrip(t *testing.T) {
	m, st, _ := newFSManager(t)
	run := seedState(t, st)

	ctx := context.Background()
	meta, err := m.Create(ctx, "checkpoint", ScopeData)
	require.NoError(t, err)

	// Mutate state after the backup.
	run.Title = "mangled"
	run.Status = store.RunStatusFailed
	require.NoError(t, st.UpdateRun(ctx, run))

	require.NoError(t, m.Restore(ctx, meta.ID))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "deploy v2", got.Title)
	assert.Equal(t, store.RunStatusQueued, got.Status)

	steps, err := st.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 1)

	events, err := st.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, events)

	// The restore left a pre-restore snapshot behind.
	metas, err := m.List(ctx)
	require.NoError(t, err)
	var found bool
	for _, b := range metas {
		if b.Note == "auto-pre-restore:"+meta.ID {
			found = true
		}
	}
	assert.True(t, found, "expected an auto-pre-restore snapshot")
}

func TestDBRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st, err := sqlite.New(sqlite.Config{Path: filepath.Join(dir, "nofx.db")})
	require.NoError(t, err)
	defer st.Close()

	m, err := NewManager(NewDBSource(st.DB()), st, filepath.Join(dir, "backups"), nil)
	require.NoError(t, err)

	ctx := context.Background()
	run := seedState(t, st)

	meta, err := m.Create(ctx, "checkpoint", ScopeData)
	require.NoError(t, err)
	assert.Equal(t, "db", meta.Kind)

	// Mutations after the backup: one update, one insert.
	run.Title = "mangled"
	require.NoError(t, st.UpdateRun(ctx, run))
	extra := &store.Run{Status: store.RunStatusQueued, Title: "extra"}
	require.NoError(t, st.CreateRun(ctx, extra))

	require.NoError(t, m.Restore(ctx, meta.ID))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "deploy v2", got.Title)

	_, err = st.GetRun(ctx, extra.ID)
	var nf *nofxerrors.NotFoundError
	assert.ErrorAs(t, err, &nf)

	events, err := st.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestRestoreRejectsProjectOnly(t *testing.T) {
	m, st, root := newFSManager(t)
	seedState(t, st)

	mp, err := NewManager(NewFSSource(root), st, filepath.Join(root, "backups"), nil,
		WithProjectRoot(t.TempDir()))
	require.NoError(t, err)

	meta, err := mp.Create(context.Background(), "", ScopeProjectOnly)
	require.NoError(t, err)

	err = m.Restore(context.Background(), meta.ID)
	var verr *nofxerrors.ValidationError
	assert.ErrorAs(t, err, &verr)
}
