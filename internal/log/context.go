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

// Ambient logging context. Each unit of work (CLI invocation, queue job,
// relay tick) installs a Fields value on its context.Context; nested work
// inherits the parent's fields and may override individual ones. The
// context handler copies the fields onto every log record so call sites
// never thread identifiers by hand.
package log

import (
	"context"
	"log/slog"
)

type contextKey struct{}

// Fields is the ambient identification attached to a unit of work.
// Zero-valued fields are omitted from log records.
type Fields struct {
	RequestID  string
	RunID      string
	StepID     string
	ProjectID  string
	Provider   string
	RetryCount int
}

// WithFields returns a context carrying the merged ambient fields.
// Non-zero fields in f override the values inherited from ctx.
func WithFields(ctx context.Context, f Fields) context.Context {
	base := FieldsFrom(ctx)
	if f.RequestID != "" {
		base.RequestID = f.RequestID
	}
	if f.RunID != "" {
		base.RunID = f.RunID
	}
	if f.StepID != "" {
		base.StepID = f.StepID
	}
	if f.ProjectID != "" {
		base.ProjectID = f.ProjectID
	}
	if f.Provider != "" {
		base.Provider = f.Provider
	}
	if f.RetryCount != 0 {
		base.RetryCount = f.RetryCount
	}
	return context.WithValue(ctx, contextKey{}, base)
}

// FieldsFrom returns the ambient fields carried by ctx, or a zero Fields.
func FieldsFrom(ctx context.Context) Fields {
	if f, ok := ctx.Value(contextKey{}).(Fields); ok {
		return f
	}
	return Fields{}
}

// WithRun returns a context scoped to a run.
func WithRun(ctx context.Context, runID string) context.Context {
	return WithFields(ctx, Fields{RunID: runID})
}

// WithStep returns a context scoped to a step within a run.
func WithStep(ctx context.Context, runID, stepID string) context.Context {
	return WithFields(ctx, Fields{RunID: runID, StepID: stepID})
}

// WithRequest returns a context scoped to a request or CLI invocation.
func WithRequest(ctx context.Context, requestID string) context.Context {
	return WithFields(ctx, Fields{RequestID: requestID})
}

// contextHandler enriches records with the ambient Fields from the
// record's context before delegating to the wrapped handler.
type contextHandler struct {
	inner slog.Handler
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, record slog.Record) error {
	f := FieldsFrom(ctx)
	if f.RequestID != "" {
		record.AddAttrs(slog.String(RequestIDKey, f.RequestID))
	}
	if f.RunID != "" {
		record.AddAttrs(slog.String(RunIDKey, f.RunID))
	}
	if f.StepID != "" {
		record.AddAttrs(slog.String(StepIDKey, f.StepID))
	}
	if f.ProjectID != "" {
		record.AddAttrs(slog.String(ProjectIDKey, f.ProjectID))
	}
	if f.Provider != "" {
		record.AddAttrs(slog.String(ProviderKey, f.Provider))
	}
	if f.RetryCount != 0 {
		record.AddAttrs(slog.Int(RetryCountKey, f.RetryCount))
	}
	return h.inner.Handle(ctx, record)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{inner: h.inner.WithGroup(name)}
}
