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

// Package config builds the process configuration once at startup from
// environment variables and an optional YAML settings file. Runtime
// toggles (currently only the trace-log flag) live in refreshable
// holders; everything else is immutable after Load.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Driver names recognised by QUEUE_DRIVER and DATA_DRIVER.
const (
	QueueDriverMemory  = "memory"
	QueueDriverDurable = "durable"

	DataDriverFS = "fs"
	DataDriverDB = "db"
)

// Defaults applied when the environment is silent.
const (
	DefaultWorkerConcurrency  = 1
	DefaultStepTimeout        = 300 * time.Second
	DefaultOutboxRelayTick    = time.Second
	DefaultOutboxRelayBatch   = 25
	DefaultBackpressureAge    = 5 * time.Second
	DefaultShutdownGrace      = 10 * time.Second
	DefaultTraceFlagCacheTTL  = 15 * time.Second
	DefaultMetricsListenAddr  = ":9464"
	DefaultRedisAddr          = "localhost:6379"
)

// Config is the immutable process configuration.
type Config struct {
	// QueueDriver selects the queue backend: memory or durable.
	QueueDriver string

	// DataDriver selects the store backend: fs or db.
	DataDriver string

	// DataRoot is the root of the filesystem data tree (FS driver,
	// backups, file locks). Default: ./local_data.
	DataRoot string

	// DatabasePath is the sqlite database file (DB driver).
	DatabasePath string

	// RedisAddr is the durable queue broker address.
	RedisAddr string

	// WorkerConcurrency is the number of workers per topic.
	WorkerConcurrency int

	// StepTimeout bounds a single step execution.
	StepTimeout time.Duration

	// OutboxRelayTick is the relay polling interval.
	OutboxRelayTick time.Duration

	// OutboxRelayBatch is the maximum outbox rows fetched per tick.
	OutboxRelayBatch int

	// BackpressureAge is the queue age above which producers delay
	// new step jobs.
	BackpressureAge time.Duration

	// ShutdownGrace bounds the wait for in-flight steps on SIGTERM.
	ShutdownGrace time.Duration

	// ArtifactBucket is the blob bucket for artifacts and backup
	// uploads. Empty disables cloud storage.
	ArtifactBucket string

	// MetricsAddr is the Prometheus listener address in worker mode.
	MetricsAddr string

	// SettingsPath is the YAML settings file backing runtime toggles.
	SettingsPath string

	// Trace is the refreshable trace-log flag.
	Trace *TraceFlag
}

// settings mirrors the YAML settings file. Only runtime toggles live
// here; everything operational comes from the environment.
type settings struct {
	TraceLog bool `yaml:"trace_log"`
}

// Load builds the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		QueueDriver:       envOr("QUEUE_DRIVER", QueueDriverMemory),
		DataDriver:        envOr("DATA_DRIVER", DataDriverFS),
		DataRoot:          envOr("DATA_ROOT", "local_data"),
		RedisAddr:         envOr("REDIS_ADDR", DefaultRedisAddr),
		WorkerConcurrency: DefaultWorkerConcurrency,
		StepTimeout:       DefaultStepTimeout,
		OutboxRelayTick:   DefaultOutboxRelayTick,
		OutboxRelayBatch:  DefaultOutboxRelayBatch,
		BackpressureAge:   DefaultBackpressureAge,
		ShutdownGrace:     DefaultShutdownGrace,
		ArtifactBucket:    os.Getenv("ARTIFACT_BUCKET"),
		MetricsAddr:       envOr("METRICS_ADDR", DefaultMetricsListenAddr),
	}

	switch cfg.QueueDriver {
	case QueueDriverMemory, QueueDriverDurable:
	default:
		return nil, fmt.Errorf("invalid QUEUE_DRIVER %q (want memory or durable)", cfg.QueueDriver)
	}
	switch cfg.DataDriver {
	case DataDriverFS, DataDriverDB:
	default:
		return nil, fmt.Errorf("invalid DATA_DRIVER %q (want fs or db)", cfg.DataDriver)
	}

	cfg.DatabasePath = envOr("DATABASE_PATH", filepath.Join(cfg.DataRoot, "nofx.db"))
	cfg.SettingsPath = envOr("SETTINGS_PATH", filepath.Join(cfg.DataRoot, "settings.yaml"))

	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid WORKER_CONCURRENCY %q", v)
		}
		cfg.WorkerConcurrency = n
	}

	if d, err := envMillis("STEP_TIMEOUT_MS"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.StepTimeout = d
	}

	if d, err := envMillis("OUTBOX_RELAY_INTERVAL_MS"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.OutboxRelayTick = d
	}

	if v := os.Getenv("OUTBOX_RELAY_BATCH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid OUTBOX_RELAY_BATCH %q", v)
		}
		cfg.OutboxRelayBatch = n
	}

	cfg.Trace = NewTraceFlag(cfg.SettingsPath, DefaultTraceFlagCacheTTL)

	return cfg, nil
}

// envOr returns the environment value for key, or fallback when unset.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envMillis parses an integer-milliseconds env var into a Duration.
// Returns 0 when unset.
func envMillis(key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// readSettings loads the YAML settings file. A missing file yields zero
// settings, not an error.
func readSettings(path string) (settings, error) {
	var s settings
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse settings: %w", err)
	}
	return s, nil
}
