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

package store

import (
	"encoding/json"
	"unicode/utf8"
)

// Sanitiser limits applied to every event payload before persistence.
const (
	// MaxPayloadDepth bounds nesting; deeper values are dropped.
	MaxPayloadDepth = 32

	// MaxPayloadBytes bounds the serialised payload size. Over-sized
	// payloads are truncated and tagged with __truncated.
	MaxPayloadBytes = 256 * 1024
)

// TruncatedKey marks payloads that were cut down by the sanitiser.
const TruncatedKey = "__truncated"

// maxTruncatedString bounds string fields kept in a truncated payload.
const maxTruncatedString = 1024

// SanitizePayload returns a copy of payload safe to persist: values
// that cannot be serialised are dropped, nesting beyond MaxPayloadDepth
// is pruned, and payloads serialising over MaxPayloadBytes are replaced
// with a truncation marker that preserves top-level scalar fields.
func SanitizePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}

	clean, _ := sanitizeValue(payload, 0).(map[string]any)
	if clean == nil {
		return map[string]any{}
	}

	data, err := json.Marshal(clean)
	if err != nil || len(data) <= MaxPayloadBytes {
		return clean
	}

	truncated := map[string]any{TruncatedKey: true}
	for k, v := range clean {
		switch val := v.(type) {
		case string:
			truncated[k] = truncateString(val, maxTruncatedString)
		case float64, int, int64, bool, nil:
			truncated[k] = v
		}
	}
	return truncated
}

// truncateString cuts s to at most max bytes without splitting a UTF-8
// rune, so the persisted JSON stays valid.
func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// sanitizeValue normalises a value for persistence. It returns nil for
// values that should be dropped.
func sanitizeValue(v any, depth int) any {
	if depth > MaxPayloadDepth {
		return nil
	}

	switch val := v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			clean := sanitizeValue(item, depth+1)
			if clean != nil || item == nil {
				out[k] = clean
			}
		}
		return out
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			clean := sanitizeValue(item, depth+1)
			if clean != nil || item == nil {
				out = append(out, clean)
			}
		}
		return out
	case error:
		return val.Error()
	default:
		// Anything else survives only if encoding/json can handle it.
		data, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		var round any
		if err := json.Unmarshal(data, &round); err != nil {
			return nil
		}
		return sanitizeValue(round, depth)
	}
}
