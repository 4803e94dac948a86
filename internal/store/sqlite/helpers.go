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

package sqlite

import (
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nofx/nofx/internal/store"
)

// runLocks serialises run mutations inside the process.
type runLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newRunLocks() *runLocks {
	return &runLocks{locks: make(map[string]*sync.Mutex)}
}

func (r *runLocks) lock(runID string) func() {
	r.mu.Lock()
	m, ok := r.locks[runID]
	if !ok {
		m = &sync.Mutex{}
		r.locks[runID] = m
	}
	r.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*store.Run, error) {
	var run store.Run
	var projectID, title, planJSON, metaJSON, endedAt sql.NullString
	var status, createdAt string

	if err := s.Scan(&run.ID, &projectID, &title, &status, &planJSON, &metaJSON, &createdAt, &endedAt); err != nil {
		return nil, err
	}

	run.Status = store.RunStatus(status)
	if projectID.Valid {
		run.ProjectID = projectID.String
	}
	if title.Valid {
		run.Title = title.String
	}
	if planJSON.Valid && planJSON.String != "" {
		_ = json.Unmarshal([]byte(planJSON.String), &run.Plan)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &run.Metadata)
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if endedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, endedAt.String)
		run.EndedAt = &t
	}
	return &run, nil
}

func scanStep(s scanner) (*store.Step, error) {
	var step store.Step
	var inputsJSON, outputsJSON, idemKey, startedAt, endedAt sql.NullString
	var status, createdAt string

	if err := s.Scan(&step.ID, &step.RunID, &step.Name, &step.Tool, &inputsJSON, &status,
		&outputsJSON, &idemKey, &createdAt, &startedAt, &endedAt); err != nil {
		return nil, err
	}

	step.Status = store.StepStatus(status)
	if inputsJSON.Valid && inputsJSON.String != "" {
		_ = json.Unmarshal([]byte(inputsJSON.String), &step.Inputs)
	}
	if outputsJSON.Valid && outputsJSON.String != "" {
		_ = json.Unmarshal([]byte(outputsJSON.String), &step.Outputs)
	}
	if idemKey.Valid {
		step.IdempotencyKey = idemKey.String
	}
	step.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		step.StartedAt = &t
	}
	if endedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, endedAt.String)
		step.EndedAt = &t
	}
	return &step, nil
}

// marshalField serialises a JSON column value, mapping nil to NULL.
func marshalField(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// formatTime renders a timestamp with millisecond-or-better precision.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// formatTimePtr converts a *time.Time to its column value or NULL.
func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// isMissingColumn detects the "column does not exist" signal that
// triggers the completed_at compatibility shim.
func isMissingColumn(err error, column string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no such column") && strings.Contains(msg, column)
}
