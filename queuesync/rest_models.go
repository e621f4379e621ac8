// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"encoding/json"
	"time"
)

// REST/JSON models for HTTP API requests and responses

// QueueActionRequest is one queued client mutation.
// Insert data is the full row; update data is {"id": ..., "attributes": {...}}; delete data is {"id": ...}.
type QueueActionRequest struct {
	Action     string          `json:"action"`      // insert, update, delete
	Entity     string          `json:"entity"`      // registered entity name
	Data       json.RawMessage `json:"data"`        // operation body
	ActionedAt time.Time       `json:"actioned_at"` // client event time
}

// SyncQueueActionsRequest is the body of POST /sync/queue-actions
type SyncQueueActionsRequest struct {
	Actions []QueueActionRequest `json:"actions"`
}

// SyncQueueActionsResponse acknowledges an applied batch
type SyncQueueActionsResponse struct {
	Accepted int `json:"accepted"`
}

// EntityHash is the convergence hash of one entity row, or of a whole entity collection
type EntityHash struct {
	Entity string `json:"entity,omitempty"`
	ID     string `json:"id,omitempty"`
	Hash   string `json:"sync_hash"`
}

// ValidateHashesRequest carries the client's hash-of-hashes per entity
type ValidateHashesRequest struct {
	Hashes []EntityHash `json:"hashes"`
}

// HashValidation compares the server's hash-of-hashes with the client's
type HashValidation struct {
	Entity   string `json:"entity"`
	Expected string `json:"expected"`
	Obtained string `json:"obtained"`
	Matched  bool   `json:"matched"`
}

// FileResponse describes an uploaded file
type FileResponse struct {
	ID       string     `json:"id"`
	URL      string     `json:"url"`
	MimeType string     `json:"mime_type"`
	Status   FileStatus `json:"status"`
}

// SyncJobResponse describes an export job
type SyncJobResponse struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	Status      SyncJobStatus `json:"status"`
	ResultAt    *time.Time    `json:"result_at"`
	DownloadURL *string       `json:"download_url"`
	Checkpoint  *time.Time    `json:"checkpoint"`
}

// GrantRequest shares (POST) or revokes (DELETE) access on an owned entity
type GrantRequest struct {
	UserID      string          `json:"user_id"` // grantee
	Entity      EntityReference `json:"entity"`
	AccessLevel *AccessLevel    `json:"access_level,omitempty"` // required for POST
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

func newFileResponse(f FileUploaded) FileResponse {
	return FileResponse{ID: f.ID, URL: f.PublicURL, MimeType: f.MimeType, Status: f.Status}
}

func newSyncJobResponse(j SyncJob) SyncJobResponse {
	return SyncJobResponse{
		ID:          j.ID,
		UserID:      j.UserID,
		Status:      j.Status,
		ResultAt:    j.ResultAt,
		DownloadURL: j.DownloadURL,
		Checkpoint:  j.Checkpoint,
	}
}
