// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

// ActionKind identifies the variant of a queued operation
type ActionKind string

// Action kinds accepted from clients
const (
	ActionInsert ActionKind = "insert"
	ActionUpdate ActionKind = "update"
	ActionDelete ActionKind = "delete"
)

// Reserved columns carried by every synchronizable table
const (
	AttrID            = "id"
	AttrSyncOwnerID   = "sync_owner_id"
	AttrSyncHash      = "sync_hash"
	AttrSyncCreatedAt = "sync_created_at"
	AttrSyncUpdatedAt = "sync_updated_at"
	AttrSyncDeletedAt = "sync_deleted_at"
)

// reservedAttributes are managed by the server and never accepted from clients
var reservedAttributes = []string{
	AttrSyncOwnerID,
	AttrSyncHash,
	AttrSyncCreatedAt,
	AttrSyncUpdatedAt,
	AttrSyncDeletedAt,
}

// Domain event names published after each applied action
const (
	EventSyncInsert = "sync.insert"
	EventSyncUpdate = "sync.update"
	EventSyncDelete = "sync.delete"
)

// DefaultMaxTxAttempts is the total number of attempts for one transactional unit
const DefaultMaxTxAttempts = 5

// RelationPrefix is prepended to relation names when related rows are inlined
const RelationPrefix = "_"

// Error codes returned in ClientError.Code
const (
	CodeMissingID         = "missing_id"
	CodeEmptyPayload      = "empty_payload"
	CodeDuplicateID       = "duplicate_id"
	CodeInvalidAction     = "invalid_action"
	CodeInvalidAttribute  = "invalid_attribute"
	CodeUnknownEntity     = "unknown_entity"
	CodeInvalidAccess     = "invalid_access_level"
	CodeMaxCountExceeded  = "max_count_exceeded"
	CodeEntityNotFound    = "entity_not_found"
	CodeFileNotFound      = "file_not_found"
	CodeFileAlreadyLinked = "file_already_linked"
	CodeInvalidTransition = "invalid_job_transition"
	CodeBatchTooLarge     = "batch_too_large"
	CodeOwnerMismatch     = "owner_mismatch"
)

func (k ActionKind) eventName() string {
	switch k {
	case ActionInsert:
		return EventSyncInsert
	case ActionUpdate:
		return EventSyncUpdate
	default:
		return EventSyncDelete
	}
}

// ParseActionKind validates a client supplied action name
func ParseActionKind(s string) (ActionKind, error) {
	switch ActionKind(s) {
	case ActionInsert, ActionUpdate, ActionDelete:
		return ActionKind(s), nil
	default:
		return "", NewClientError(ErrValidation, CodeInvalidAction, "invalid action "+s, nil)
	}
}
