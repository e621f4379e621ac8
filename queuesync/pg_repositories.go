// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgQueueActionRepository appends to sync_queue_actions
type PgQueueActionRepository struct {
	pool *pgxpool.Pool
}

func NewPgQueueActionRepository(pool *pgxpool.Pool) *PgQueueActionRepository {
	return &PgQueueActionRepository{pool: pool}
}

// Append sends all rows in one batch, preserving order
func (r *PgQueueActionRepository) Append(ctx context.Context, actions []QueueAction) error {
	if len(actions) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range actions {
		data, err := json.Marshal(a.Operation.Payload())
		if err != nil {
			return fmt.Errorf("failed to encode payload of %s: %w", a.Reference(), err)
		}
		batch.Queue(`
			INSERT INTO sync_queue_actions (action, entity, entity_id, data, actioned_at, synced_at, user_id, device_id, owner_id, by_system)
			VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, NULLIF($8, ''), $9, $10)
			RETURNING id`,
			string(a.Action), a.Entity, a.EntityID, string(data), a.ActionedAt, a.SyncedAt, a.UserID, a.DeviceID, a.OwnerID, a.BySystem)
	}

	br := dbBatch(ctx, r.pool, batch)
	defer br.Close()
	for i := range actions {
		if err := br.QueryRow().Scan(&actions[i].Sequence); err != nil {
			return fmt.Errorf("failed to append action %d: %w", i, err)
		}
	}
	return br.Close()
}

// dbBatch sends batch on the active transaction or the pool
func dbBatch(ctx context.Context, pool *pgxpool.Pool, batch *pgx.Batch) pgx.BatchResults {
	if tx, ok := txFromContext(ctx); ok {
		return tx.SendBatch(ctx, batch)
	}
	return pool.SendBatch(ctx, batch)
}

// PgGrantRepository stores grants in sync_entity_grants
type PgGrantRepository struct {
	pool *pgxpool.Pool
}

func NewPgGrantRepository(pool *pgxpool.Pool) *PgGrantRepository {
	return &PgGrantRepository{pool: pool}
}

// ListForUser implements GrantRepository
func (r *PgGrantRepository) ListForUser(ctx context.Context, userID string) ([]EntityGranted, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, `
		SELECT grantee_id, owner_id, entity, entity_id, access_level, created_at
		FROM sync_entity_grants
		WHERE grantee_id = $1
		ORDER BY created_at, entity, entity_id`, userID)
	if err != nil {
		return nil, err
	}
	entities, err := pgx.CollectRows(rows, pgx.RowToStructByName[EntityGrantEntity])
	if err != nil {
		return nil, err
	}
	out := make([]EntityGranted, 0, len(entities))
	for _, e := range entities {
		g, err := e.toDomain()
		if err != nil {
			return nil, fmt.Errorf("grant on %s:%s: %w", e.Entity, e.EntityID, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Upsert implements GrantRepository
func (r *PgGrantRepository) Upsert(ctx context.Context, granteeID string, grant EntityGranted) error {
	_, err := dbFrom(ctx, r.pool).Exec(ctx, `
		INSERT INTO sync_entity_grants (grantee_id, owner_id, entity, entity_id, access_level)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (grantee_id, entity, entity_id)
		DO UPDATE SET owner_id = EXCLUDED.owner_id, access_level = EXCLUDED.access_level`,
		granteeID, grant.UserOwnerID, grant.Entity.Entity, grant.Entity.ID, grant.AccessLevel.Encode())
	return err
}

// Delete implements GrantRepository
func (r *PgGrantRepository) Delete(ctx context.Context, granteeID string, ref EntityReference) (bool, error) {
	tag, err := dbFrom(ctx, r.pool).Exec(ctx, `
		DELETE FROM sync_entity_grants WHERE grantee_id = $1 AND entity = $2 AND entity_id = $3`,
		granteeID, ref.Entity, ref.ID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// PgFileRepository stores upload records in sync_files_uploaded
type PgFileRepository struct {
	pool *pgxpool.Pool
}

func NewPgFileRepository(pool *pgxpool.Pool) *PgFileRepository {
	return &PgFileRepository{pool: pool}
}

// Create implements FileRepository
func (r *PgFileRepository) Create(ctx context.Context, f FileUploaded) error {
	_, err := dbFrom(ctx, r.pool).Exec(ctx, `
		INSERT INTO sync_files_uploaded (id, mime_type, path, public_url, owner_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		f.ID, f.MimeType, f.Path, f.PublicURL, f.OwnerID, string(f.Status), f.CreatedAt)
	if isUniqueViolation(err) {
		return NewClientError(ErrValidation, CodeDuplicateID, fmt.Sprintf("file %s already exists", f.ID), map[string]any{"id": f.ID})
	}
	return err
}

// Find implements FileRepository
func (r *PgFileRepository) Find(ctx context.Context, id string) (FileUploaded, bool, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, `
		SELECT id, mime_type, path, public_url, owner_id, status, created_at, updated_at
		FROM sync_files_uploaded WHERE id = $1`, id)
	if err != nil {
		return FileUploaded{}, false, err
	}
	e, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[FileUploadedEntity])
	if errors.Is(err, pgx.ErrNoRows) {
		return FileUploaded{}, false, nil
	}
	if err != nil {
		return FileUploaded{}, false, err
	}
	return e.toDomain(), true, nil
}

// MarkLinked implements FileRepository
func (r *PgFileRepository) MarkLinked(ctx context.Context, id, path, publicURL string) error {
	tag, err := dbFrom(ctx, r.pool).Exec(ctx, `
		UPDATE sync_files_uploaded
		SET path = $2, public_url = $3, status = $4, updated_at = now()
		WHERE id = $1 AND status = $5`,
		id, path, publicURL, string(FileStatusLinked), string(FileStatusPending))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NewClientError(ErrFileNotFound, CodeFileNotFound, fmt.Sprintf("pending file %s not found", id), map[string]any{"id": id})
	}
	return nil
}

// PgSyncJobRepository stores export jobs in sync_jobs
type PgSyncJobRepository struct {
	pool *pgxpool.Pool
}

func NewPgSyncJobRepository(pool *pgxpool.Pool) *PgSyncJobRepository {
	return &PgSyncJobRepository{pool: pool}
}

const syncJobColumns = `id, user_id, status, checkpoint, result_at, download_url, created_at, updated_at`

// Create implements SyncJobRepository
func (r *PgSyncJobRepository) Create(ctx context.Context, job SyncJob) error {
	_, err := dbFrom(ctx, r.pool).Exec(ctx, `
		INSERT INTO sync_jobs (id, user_id, status, checkpoint, result_at, download_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		job.ID, job.UserID, string(job.Status), job.Checkpoint, job.ResultAt, job.DownloadURL, job.CreatedAt)
	return err
}

// Find implements SyncJobRepository
func (r *PgSyncJobRepository) Find(ctx context.Context, id string) (SyncJob, bool, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, `SELECT `+syncJobColumns+` FROM sync_jobs WHERE id = $1`, id)
	if err != nil {
		return SyncJob{}, false, err
	}
	e, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[SyncJobEntity])
	if errors.Is(err, pgx.ErrNoRows) {
		return SyncJob{}, false, nil
	}
	if err != nil {
		return SyncJob{}, false, err
	}
	return e.toDomain(), true, nil
}

// Save implements SyncJobRepository (compare-and-set on status)
func (r *PgSyncJobRepository) Save(ctx context.Context, job SyncJob, expected SyncJobStatus) error {
	tag, err := dbFrom(ctx, r.pool).Exec(ctx, `
		UPDATE sync_jobs
		SET status = $2, checkpoint = $3, result_at = $4, download_url = $5, updated_at = now()
		WHERE id = $1 AND status = $6`,
		job.ID, string(job.Status), job.Checkpoint, job.ResultAt, job.DownloadURL, string(expected))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NewClientError(ErrInvalidTransition, CodeInvalidTransition,
			fmt.Sprintf("job %s is no longer %s", job.ID, expected), map[string]any{"job_id": job.ID})
	}
	return nil
}

// ListByStatusBefore implements SyncJobRepository; jobs are matched on result_at
func (r *PgSyncJobRepository) ListByStatusBefore(ctx context.Context, status SyncJobStatus, before time.Time) ([]SyncJob, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, `
		SELECT `+syncJobColumns+` FROM sync_jobs
		WHERE status = $1 AND COALESCE(result_at, updated_at) < $2
		ORDER BY created_at`, string(status), before)
	if err != nil {
		return nil, err
	}
	entities, err := pgx.CollectRows(rows, pgx.RowToStructByName[SyncJobEntity])
	if err != nil {
		return nil, err
	}
	out := make([]SyncJob, len(entities))
	for i, e := range entities {
		out[i] = e.toDomain()
	}
	return out, nil
}
