// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgEntityRepository implements EntityRepository over registered Postgres tables.
// Table and column names come from the EntityMapper or are validated identifiers.
type PgEntityRepository struct {
	pool *pgxpool.Pool
}

// NewPgEntityRepository creates a PgEntityRepository
func NewPgEntityRepository(pool *pgxpool.Pool) *PgEntityRepository {
	return &PgEntityRepository{pool: pool}
}

func invalidAttribute(entity, column string) *ClientError {
	return NewClientError(ErrValidation, CodeInvalidAttribute,
		fmt.Sprintf("invalid attribute %q for %s", column, entity),
		map[string]any{"entity": entity, "attribute": column})
}

// columnsAndArgs orders values by column name and validates every column
func columnsAndArgs(entity string, values map[string]any) ([]string, []any, error) {
	cols := sortedKeys(values)
	args := make([]any, len(cols))
	for i, c := range cols {
		if !isValidIdentifier(c) {
			return nil, nil, invalidAttribute(entity, c)
		}
		args[i] = normalizeForDB(values[c])
	}
	return cols, args, nil
}

// classifyWriteError maps constraint and column errors caused by client data to ClientError
func classifyWriteError(b EntityBinding, id string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	ctx := map[string]any{"entity": b.Name, "id": id}
	switch pgErr.Code {
	case "23505": // unique_violation
		return NewClientError(ErrValidation, CodeDuplicateID, fmt.Sprintf("%s %s already exists", b.Name, id), ctx)
	case "42703": // undefined_column
		return NewClientError(ErrValidation, CodeInvalidAttribute, pgErr.Message, ctx)
	case "22P02", "22007", "22008", "23502", "23503", "23514": // bad text repr, datetime, not null, fk, check
		return NewClientError(ErrValidation, CodeInvalidAttribute, pgErr.Message, ctx)
	default:
		return err
	}
}

// Insert implements EntityRepository
func (r *PgEntityRepository) Insert(ctx context.Context, b EntityBinding, row map[string]any) error {
	cols, args, err := columnsAndArgs(b.Name, row)
	if err != nil {
		return err
	}
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		marks[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(b.Table), strings.Join(quoted, ", "), strings.Join(marks, ", "))
	if _, err := dbFrom(ctx, r.pool).Exec(ctx, sql, args...); err != nil {
		return classifyWriteError(b, idString(row[AttrID]), err)
	}
	return nil
}

// Update implements EntityRepository; only live rows are updated
func (r *PgEntityRepository) Update(ctx context.Context, b EntityBinding, id string, attributes map[string]any) error {
	if len(attributes) == 0 {
		return nil
	}
	cols, args, err := columnsAndArgs(b.Name, attributes)
	if err != nil {
		return err
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", quoteIdent(c), i+1)
	}
	args = append(args, id)
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE id::text = $%d AND sync_deleted_at IS NULL",
		quoteIdent(b.Table), strings.Join(sets, ", "), len(args))
	tag, err := dbFrom(ctx, r.pool).Exec(ctx, sql, args...)
	if err != nil {
		return classifyWriteError(b, id, err)
	}
	if tag.RowsAffected() == 0 {
		return errEntityNotFound(EntityReference{Entity: b.Name, ID: id})
	}
	return nil
}

// SoftDelete implements EntityRepository
func (r *PgEntityRepository) SoftDelete(ctx context.Context, b EntityBinding, id string, at time.Time) (bool, error) {
	sql := fmt.Sprintf("UPDATE %s SET sync_deleted_at = $2, sync_updated_at = $2 WHERE id::text = $1 AND sync_deleted_at IS NULL",
		quoteIdent(b.Table))
	tag, err := dbFrom(ctx, r.pool).Exec(ctx, sql, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Find implements EntityRepository
func (r *PgEntityRepository) Find(ctx context.Context, b EntityBinding, id string) (map[string]any, bool, error) {
	sql := fmt.Sprintf("SELECT * FROM %s WHERE id::text = $1 AND sync_deleted_at IS NULL", quoteIdent(b.Table))
	rows, err := r.queryRows(ctx, sql, id)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

func (r *PgEntityRepository) scalarText(ctx context.Context, sql string, args ...any) (string, bool, error) {
	var value *string
	err := dbFrom(ctx, r.pool).QueryRow(ctx, sql, args...).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if value == nil {
		return "", false, nil
	}
	return *value, true, nil
}

// OwnerOf implements EntityRepository
func (r *PgEntityRepository) OwnerOf(ctx context.Context, b EntityBinding, id string) (string, bool, error) {
	return r.scalarText(ctx, fmt.Sprintf("SELECT sync_owner_id::text FROM %s WHERE id::text = $1", quoteIdent(b.Table)), id)
}

// ParentID implements EntityRepository
func (r *PgEntityRepository) ParentID(ctx context.Context, b EntityBinding, id string) (string, bool, error) {
	if b.DependsOn == nil {
		return "", false, nil
	}
	return r.scalarText(ctx, fmt.Sprintf("SELECT %s::text FROM %s WHERE id::text = $1",
		quoteIdent(b.DependsOn.Column), quoteIdent(b.Table)), id)
}

// CountByOwner implements EntityRepository
func (r *PgEntityRepository) CountByOwner(ctx context.Context, b EntityBinding, ownerID string) (int, error) {
	var n int
	sql := fmt.Sprintf("SELECT count(*) FROM %s WHERE sync_owner_id::text = $1 AND sync_deleted_at IS NULL", quoteIdent(b.Table))
	if err := dbFrom(ctx, r.pool).QueryRow(ctx, sql, ownerID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ListByOwners implements EntityRepository
func (r *PgEntityRepository) ListByOwners(ctx context.Context, b EntityBinding, ownerIDs []string, filter SearchFilter) ([]map[string]any, error) {
	where := []string{"sync_owner_id::text = ANY($1)"}
	args := []any{ownerIDs}
	if len(filter.IDs) > 0 {
		args = append(args, filter.IDs)
		where = append(where, fmt.Sprintf("id::text = ANY($%d)", len(args)))
	}
	if filter.After != nil {
		args = append(args, *filter.After)
		where = append(where, fmt.Sprintf("sync_updated_at > $%d", len(args)))
	} else {
		where = append(where, "sync_deleted_at IS NULL")
	}
	sql := fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY sync_created_at, id",
		quoteIdent(b.Table), strings.Join(where, " AND "))
	return r.queryRows(ctx, sql, args...)
}

// ListByColumn implements EntityRepository
func (r *PgEntityRepository) ListByColumn(ctx context.Context, b EntityBinding, column string, values []string, includeDeleted bool) ([]map[string]any, error) {
	if !isValidIdentifier(column) {
		return nil, invalidAttribute(b.Name, column)
	}
	if len(values) == 0 {
		return nil, nil
	}
	sql := fmt.Sprintf("SELECT * FROM %s WHERE %s::text = ANY($1)", quoteIdent(b.Table), quoteIdent(column))
	if !includeDeleted {
		sql += " AND sync_deleted_at IS NULL"
	}
	sql += " ORDER BY sync_created_at, id"
	return r.queryRows(ctx, sql, values)
}

func (r *PgEntityRepository) queryRows(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	for _, row := range out {
		for k, v := range row {
			row[k] = normalizeFromDB(v)
		}
	}
	return out, nil
}

// normalizeForDB converts decoded JSON values into types pgx encodes directly
func normalizeForDB(v any) any {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		return string(raw)
	default:
		return v
	}
}

// normalizeFromDB converts scanned values into JSON-friendly forms
func normalizeFromDB(v any) any {
	switch val := v.(type) {
	case [16]byte:
		return uuid.UUID(val).String()
	case pgtype.Numeric:
		if !val.Valid {
			return nil
		}
		if val.Exp >= 0 {
			if n, err := val.Int64Value(); err == nil && n.Valid {
				return n.Int64
			}
		}
		f, err := val.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	default:
		return v
	}
}
