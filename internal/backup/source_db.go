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
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// dumpTables is parent-to-child order. Restore truncates in reverse
// and inserts forward so foreign keys hold at every point.
var dumpTables = []string{"runs", "steps", "gates", "events", "artifacts", "inbox", "outbox"}

// insertChunk bounds multi-row insert statements.
const insertChunk = 100

// DBSource backs up a SQLite-backed store as per-table JSON.
type DBSource struct {
	db *sql.DB
}

// NewDBSource wraps the store's database handle.
func NewDBSource(db *sql.DB) *DBSource {
	return &DBSource{db: db}
}

func (s *DBSource) Kind() string { return "db" }

type tableDump map[string][]map[string]any

// Stage writes db.json holding every table's rows.
func (s *DBSource) Stage(ctx context.Context, dir string) error {
	dump := make(tableDump, len(dumpTables))
	for _, table := range dumpTables {
		rows, err := s.dumpTable(ctx, table)
		if err != nil {
			return fmt.Errorf("dumping table %s: %w", table, err)
		}
		dump[table] = rows
	}

	raw, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding database dump: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "db.json"), raw, 0o644)
}

func (s *DBSource) dumpTable(ctx context.Context, table string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			switch v := values[i].(type) {
			case []byte:
				row[col] = string(v)
			default:
				row[col] = v
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Restore truncates every table child-first and reloads the dump in a
// single transaction. Any failure rolls the whole restore back.
func (s *DBSource) Restore(ctx context.Context, dir string) error {
	raw, err := os.ReadFile(filepath.Join(dir, "db.json"))
	if err != nil {
		return fmt.Errorf("reading database dump: %w", err)
	}
	var dump tableDump
	if err := json.Unmarshal(raw, &dump); err != nil {
		return fmt.Errorf("decoding database dump: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning restore transaction: %w", err)
	}
	defer tx.Rollback()

	for i := len(dumpTables) - 1; i >= 0; i-- {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+dumpTables[i]); err != nil {
			return fmt.Errorf("truncating table %s: %w", dumpTables[i], err)
		}
	}

	for _, table := range dumpTables {
		if err := s.loadTable(ctx, tx, table, dump[table]); err != nil {
			return fmt.Errorf("reloading table %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func (s *DBSource) loadTable(ctx context.Context, tx *sql.Tx, table string, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}

	cols := make([]string, 0, len(rows[0]))
	for col := range rows[0] {
		cols = append(cols, col)
	}

	placeholder := "(" + strings.TrimRight(strings.Repeat("?,", len(cols)), ",") + ")"
	for start := 0; start < len(rows); start += insertChunk {
		end := start + insertChunk
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*len(cols))
		for i, row := range chunk {
			placeholders[i] = placeholder
			for _, col := range cols {
				args = append(args, row[col])
			}
		}

		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
			table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}
