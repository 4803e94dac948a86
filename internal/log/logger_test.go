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

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJSONLogger(t *testing.T, level string) (*slog.Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := New(&Config{Level: level, Format: FormatJSON, Output: &buf})
	require.NoError(t, err)
	return logger, &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var record map[string]any
	require.NoError(t, json.Unmarshal(bytes.Split(buf.Bytes(), []byte("\n"))[0], &record))
	return record
}

func TestNewEmitsJSON(t *testing.T) {
	logger, buf := newJSONLogger(t, "info")
	logger.Info("hello", "k", "v")

	record := decodeLine(t, buf)
	assert.Equal(t, "hello", record["msg"])
	assert.Equal(t, "v", record["k"])
}

func TestLevelFiltering(t *testing.T) {
	logger, buf := newJSONLogger(t, "warn")
	logger.Info("dropped")
	assert.Zero(t, buf.Len())

	logger.Warn("kept")
	assert.NotZero(t, buf.Len())
}

func TestContextFieldsEnrichRecords(t *testing.T) {
	logger, buf := newJSONLogger(t, "info")

	ctx := WithStep(context.Background(), "run-1", "step-1")
	logger.InfoContext(ctx, "step event")

	record := decodeLine(t, buf)
	assert.Equal(t, "run-1", record[RunIDKey])
	assert.Equal(t, "step-1", record[StepIDKey])
}

func TestWithFieldsMerges(t *testing.T) {
	ctx := WithFields(context.Background(), Fields{RunID: "r1", Provider: "s3"})
	ctx = WithFields(ctx, Fields{StepID: "s1"})

	f := FieldsFrom(ctx)
	assert.Equal(t, "r1", f.RunID)
	assert.Equal(t, "s1", f.StepID)
	assert.Equal(t, "s3", f.Provider)
}

func TestTracerRespectsFlag(t *testing.T) {
	logger, buf := newJSONLogger(t, "info")

	on := false
	tracer := NewTracer(logger, func() bool { return on })

	tracer.Trace(context.Background(), "queue.claim")
	assert.Zero(t, buf.Len())

	on = true
	tracer.Trace(context.Background(), "queue.claim", slog.String(TopicKey, "step.ready"))
	record := decodeLine(t, buf)
	assert.Equal(t, true, record["trace"])
	assert.Equal(t, "queue.claim", record[EventKey])
	assert.Equal(t, "step.ready", record[TopicKey])
}

func TestNilTracerIsSafe(t *testing.T) {
	var tracer *Tracer
	tracer.Trace(context.Background(), "noop")

	NewTracer(nil, nil).Trace(context.Background(), "noop")
}

func TestFromEnvDebugOverride(t *testing.T) {
	t.Setenv("NOFX_DEBUG", "1")
	t.Setenv("LOG_LEVEL", "error")

	cfg := FromEnv()
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.AddSource)
}

func TestErrorAttr(t *testing.T) {
	logger, buf := newJSONLogger(t, "info")
	logger.LogAttrs(context.Background(), slog.LevelError, "failed", Error(assert.AnError))

	record := decodeLine(t, buf)
	assert.Equal(t, assert.AnError.Error(), record["error"])
}
