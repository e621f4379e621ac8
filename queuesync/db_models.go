// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"time"
)

// Database entity models for the sync system tables

// SyncJobEntity represents a row in sync_jobs
type SyncJobEntity struct {
	ID          string     `db:"id"`
	UserID      string     `db:"user_id"`
	Status      string     `db:"status"`
	Checkpoint  *time.Time `db:"checkpoint"`
	ResultAt    *time.Time `db:"result_at"`
	DownloadURL *string    `db:"download_url"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// FileUploadedEntity represents a row in sync_files_uploaded
type FileUploadedEntity struct {
	ID        string    `db:"id"`
	MimeType  string    `db:"mime_type"`
	Path      string    `db:"path"`
	PublicURL string    `db:"public_url"`
	OwnerID   string    `db:"owner_id"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// EntityGrantEntity represents a row in sync_entity_grants
type EntityGrantEntity struct {
	GranteeID   string    `db:"grantee_id"`
	OwnerID     string    `db:"owner_id"`
	Entity      string    `db:"entity"`
	EntityID    string    `db:"entity_id"`
	AccessLevel string    `db:"access_level"` // encoded, e.g. "RU"
	CreatedAt   time.Time `db:"created_at"`
}

func (e SyncJobEntity) toDomain() SyncJob {
	return SyncJob{
		ID:          e.ID,
		UserID:      e.UserID,
		Status:      SyncJobStatus(e.Status),
		Checkpoint:  e.Checkpoint,
		ResultAt:    e.ResultAt,
		DownloadURL: e.DownloadURL,
		CreatedAt:   e.CreatedAt,
	}
}

func (e FileUploadedEntity) toDomain() FileUploaded {
	return FileUploaded{
		ID:        e.ID,
		MimeType:  e.MimeType,
		Path:      e.Path,
		PublicURL: e.PublicURL,
		OwnerID:   e.OwnerID,
		Status:    FileStatus(e.Status),
		CreatedAt: e.CreatedAt,
	}
}

func (e EntityGrantEntity) toDomain() (EntityGranted, error) {
	lvl, err := DecodeAccessLevel(e.AccessLevel)
	if err != nil {
		return EntityGranted{}, err
	}
	return EntityGranted{
		UserOwnerID: e.OwnerID,
		Entity:      EntityReference{Entity: e.Entity, ID: e.EntityID},
		AccessLevel: lvl,
	}, nil
}
