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
	"context"
	"log/slog"
)

// Tracer emits trace records when the runtime trace flag is enabled.
// The flag source is injected so this package stays independent of the
// settings/config machinery (see config.TraceFlag).
type Tracer struct {
	logger  *slog.Logger
	enabled func() bool
}

// NewTracer creates a Tracer. A nil enabled func disables tracing.
func NewTracer(logger *slog.Logger, enabled func() bool) *Tracer {
	return &Tracer{logger: logger, enabled: enabled}
}

// Trace emits an info-level record tagged {trace: true, event: event}
// plus the given attributes. It is a no-op when the flag is off.
func (t *Tracer) Trace(ctx context.Context, event string, attrs ...slog.Attr) {
	if t == nil || t.logger == nil || t.enabled == nil || !t.enabled() {
		return
	}
	all := make([]slog.Attr, 0, len(attrs)+2)
	all = append(all, slog.Bool("trace", true), slog.String(EventKey, event))
	all = append(all, attrs...)
	t.logger.LogAttrs(ctx, slog.LevelInfo, event, all...)
}
