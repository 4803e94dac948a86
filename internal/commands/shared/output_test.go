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
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintJSON(&buf, map[string]string{"id": "r1"}))
	assert.JSONEq(t, `{"id":"r1"}`, buf.String())
}

func TestPrintfHonoursQuiet(t *testing.T) {
	var buf bytes.Buffer

	quietFlag = true
	defer func() { quietFlag = false }()
	Printf(&buf, "hidden %s\n", "output")
	assert.Zero(t, buf.Len())

	quietFlag = false
	Printf(&buf, "shown %s\n", "output")
	assert.Equal(t, "shown output\n", buf.String())
}

func TestVersionRoundTrip(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2026-01-01")
	v, c, b := GetVersion()
	assert.Equal(t, "1.2.3", v)
	assert.Equal(t, "abc123", c)
	assert.Equal(t, "2026-01-01", b)
}
