// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// snapshotMetaTable holds export metadata inside the snapshot file
const snapshotMetaTable = "_sync_meta"

// EntitySnapshot is the exported content of one entity
type EntitySnapshot struct {
	Entity string
	Rows   []map[string]any
}

// writeSQLiteSnapshot writes one table per entity plus a metadata table into a new
// SQLite file at path. Columns are the union of row keys, untyped.
func writeSQLiteSnapshot(ctx context.Context, path string, meta map[string]string, snapshots []EntitySnapshot) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE %s (key TEXT PRIMARY KEY, value TEXT)`, sqliteIdent(snapshotMetaTable))); err != nil {
		return fmt.Errorf("failed to create meta table: %w", err)
	}
	for _, k := range sortedKeys(meta) {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (?, ?)`, sqliteIdent(snapshotMetaTable)), k, meta[k]); err != nil {
			return fmt.Errorf("failed to write meta %s: %w", k, err)
		}
	}

	for _, snap := range snapshots {
		if err := writeSnapshotTable(ctx, tx, snap); err != nil {
			return fmt.Errorf("failed to export %s: %w", snap.Entity, err)
		}
	}
	return tx.Commit()
}

func writeSnapshotTable(ctx context.Context, tx *sql.Tx, snap EntitySnapshot) error {
	colSet := map[string]struct{}{AttrID: {}}
	for _, row := range snap.Rows {
		for k := range row {
			colSet[k] = struct{}{}
		}
	}
	cols := sortedKeys(colSet)

	quoted := make([]string, len(cols))
	defs := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = sqliteIdent(c)
		defs[i] = quoted[i]
		if c == AttrID {
			defs[i] += " TEXT PRIMARY KEY"
		}
		marks[i] = "?"
	}
	table := sqliteIdent(snap.Entity)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))); err != nil {
		return err
	}
	if len(snap.Rows) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(quoted, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return err
	}
	defer stmt.Close()

	args := make([]any, len(cols))
	for _, row := range snap.Rows {
		for i, c := range cols {
			args[i] = sqliteValue(row[c])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}

func sqliteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// sqliteValue converts row values into types the sqlite3 driver stores losslessly
func sqliteValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case int, int8, int16, int32, int64, uint8, uint16, uint32, float32, float64, string, []byte:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		return string(raw)
	default:
		return stringifyValue(val)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// newSnapshotFile reserves a temp path for a snapshot; the caller removes it
func newSnapshotFile() (string, error) {
	f, err := os.CreateTemp("", "queuesync-export-*.sqlite")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}
