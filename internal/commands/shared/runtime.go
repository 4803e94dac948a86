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

package shared

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nofx/nofx/internal/artifact"
	"github.com/nofx/nofx/internal/backup"
	"github.com/nofx/nofx/internal/config"
	"github.com/nofx/nofx/internal/log"
	"github.com/nofx/nofx/internal/queue"
	queuememory "github.com/nofx/nofx/internal/queue/memory"
	queueredis "github.com/nofx/nofx/internal/queue/redis"
	"github.com/nofx/nofx/internal/store"
	storefs "github.com/nofx/nofx/internal/store/fs"
	storesqlite "github.com/nofx/nofx/internal/store/sqlite"
	pkgerrors "github.com/nofx/nofx/pkg/errors"
)

// Runtime bundles the store and queue a command operates on, resolved
// from the environment the same way the worker resolves them.
type Runtime struct {
	Cfg    *config.Config
	Logger *slog.Logger
	Store  store.Store
	Queue  queue.Queue

	// db is set when the sqlite driver backs the store.
	db *sql.DB
}

// OpenRuntime loads the configuration and opens the configured store
// and queue drivers. Open failures map to exit code 5.
func OpenRuntime(ctx context.Context) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, &pkgerrors.ValidationError{Message: err.Error()}
	}

	logger, err := log.New(log.FromEnv())
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Cfg: cfg, Logger: logger}

	switch cfg.DataDriver {
	case config.DataDriverDB:
		drv, err := storesqlite.New(storesqlite.Config{Path: cfg.DatabasePath, WAL: true})
		if err != nil {
			return nil, &pkgerrors.TransientError{Op: "store.open", Message: "cannot open database", Cause: err}
		}
		rt.Store = drv
		rt.db = drv.DB()
	default:
		drv, err := storefs.New(cfg.DataRoot)
		if err != nil {
			return nil, &pkgerrors.TransientError{Op: "store.open", Message: "cannot open data root", Cause: err}
		}
		rt.Store = drv
	}

	switch cfg.QueueDriver {
	case config.QueueDriverDurable:
		q, err := queueredis.New(ctx, queueredis.Config{Addr: cfg.RedisAddr}, logger)
		if err != nil {
			rt.Store.Close()
			return nil, &pkgerrors.TransientError{Op: "queue.open", Message: "cannot reach queue broker", Cause: err}
		}
		rt.Queue = q
	default:
		rt.Queue = queuememory.New()
	}

	return rt, nil
}

// Close releases the queue and store in that order.
func (rt *Runtime) Close() error {
	var first error
	if rt.Queue != nil {
		if err := rt.Queue.Close(); err != nil {
			first = err
		}
	}
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// BackupManager builds the backup manager over the runtime's store
// driver. The backups directory lives under the data root; project
// scopes copy the current working directory.
func (rt *Runtime) BackupManager(ctx context.Context) (*backup.Manager, error) {
	var src backup.Source
	if rt.db != nil {
		src = backup.NewDBSource(rt.db)
	} else {
		src = backup.NewFSSource(rt.Cfg.DataRoot)
	}

	opts := []backup.Option{}
	if wd, err := os.Getwd(); err == nil {
		opts = append(opts, backup.WithProjectRoot(wd))
	}
	if rt.Cfg.ArtifactBucket != "" {
		blob, err := artifact.NewS3Store(ctx, rt.Cfg.ArtifactBucket)
		if err != nil {
			rt.Logger.Warn("blob store unavailable, backups stay local", "error", err)
		} else {
			opts = append(opts, backup.WithBlobStore(blob))
		}
	}

	backupsDir := filepath.Join(rt.Cfg.DataRoot, "backups")
	return backup.NewManager(src, rt.Store, backupsDir, rt.Logger, opts...)
}
