// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"context"
	"time"
)

// Repository ports. Implementations must join the transaction carried in ctx
// (see TransactionHandler) when one is active.

// EntityRepository reads and writes rows of registered entity tables
type EntityRepository interface {
	Insert(ctx context.Context, b EntityBinding, row map[string]any) error
	Update(ctx context.Context, b EntityBinding, id string, attributes map[string]any) error
	// SoftDelete stamps sync_deleted_at; it reports false when the row is missing or already deleted
	SoftDelete(ctx context.Context, b EntityBinding, id string, at time.Time) (bool, error)
	// Find returns a live (not soft-deleted) row
	Find(ctx context.Context, b EntityBinding, id string) (map[string]any, bool, error)
	// OwnerOf returns sync_owner_id of the row, deleted or not
	OwnerOf(ctx context.Context, b EntityBinding, id string) (string, bool, error)
	// ParentID returns the value of b.DependsOn.Column for the row
	ParentID(ctx context.Context, b EntityBinding, id string) (string, bool, error)
	CountByOwner(ctx context.Context, b EntityBinding, ownerID string) (int, error)
	ListByOwners(ctx context.Context, b EntityBinding, ownerIDs []string, filter SearchFilter) ([]map[string]any, error)
	ListByColumn(ctx context.Context, b EntityBinding, column string, values []string, includeDeleted bool) ([]map[string]any, error)
}

// QueueActionRepository is the append-only action log
type QueueActionRepository interface {
	// Append persists actions in order and assigns each its Sequence
	Append(ctx context.Context, actions []QueueAction) error
}

// GrantRepository stores access grants between users
type GrantRepository interface {
	ListForUser(ctx context.Context, userID string) ([]EntityGranted, error)
	Upsert(ctx context.Context, granteeID string, grant EntityGranted) error
	Delete(ctx context.Context, granteeID string, ref EntityReference) (bool, error)
}

// FileRepository stores upload records
type FileRepository interface {
	Create(ctx context.Context, f FileUploaded) error
	Find(ctx context.Context, id string) (FileUploaded, bool, error)
	// MarkLinked sets path, url and status LINKED
	MarkLinked(ctx context.Context, id, path, publicURL string) error
}

// SyncJobRepository stores export jobs
type SyncJobRepository interface {
	Create(ctx context.Context, job SyncJob) error
	Find(ctx context.Context, id string) (SyncJob, bool, error)
	// Save writes job only if the stored status is still expected
	Save(ctx context.Context, job SyncJob, expected SyncJobStatus) error
	ListByStatusBefore(ctx context.Context, status SyncJobStatus, before time.Time) ([]SyncJob, error)
}

// SearchFilter narrows entity listings
type SearchFilter struct {
	IDs   []string
	After *time.Time // rows with sync_updated_at > After, soft-deleted rows included
}

// Event is a domain event published for every applied action
type Event struct {
	Name   string
	Action QueueAction
}

// EventBus publishes domain events; a returned error aborts the enclosing transaction
type EventBus interface {
	Publish(ctx context.Context, event Event) error
}
