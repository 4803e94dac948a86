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

package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitExportsSpansToWriter(t *testing.T) {
	var buf bytes.Buffer
	p, err := Init(Config{
		ServiceName:    "nofx-test",
		ServiceVersion: "0.0.1",
		Enabled:        true,
		Writer:         &buf,
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, p.Shutdown(context.Background()))
	}()

	_, span := otel.Tracer("nofx/test").Start(context.Background(), "test.span")
	span.End()

	require.NoError(t, p.ForceFlush(context.Background()))
	assert.Contains(t, buf.String(), "test.span")
	assert.Contains(t, buf.String(), "nofx-test")
}

func TestInitDisabledIsNoOp(t *testing.T) {
	p, err := Init(Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, p.ForceFlush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}
