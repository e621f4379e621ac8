// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// QueueAction is one client mutation as received by the server
type QueueAction struct {
	Sequence   int64 // position in the action log, assigned on append
	Action     ActionKind
	Entity     string
	EntityID   string
	Operation  EntityOperation
	ActionedAt time.Time // client event time
	SyncedAt   time.Time // server receipt time
	UserID     string
	DeviceID   string // submitting device, empty when unknown
	OwnerID    string
	BySystem   bool
}

// NewQueueAction builds an action around op, received at syncedAt
func NewQueueAction(op EntityOperation, userID string, syncedAt time.Time, bySystem bool) QueueAction {
	env := op.Envelope()
	return QueueAction{
		Action:     op.Kind(),
		Entity:     env.Entity,
		EntityID:   env.ID,
		Operation:  op,
		ActionedAt: env.ActionedAt,
		SyncedAt:   syncedAt,
		UserID:     userID,
		OwnerID:    env.OwnerID,
		BySystem:   bySystem,
	}
}

// Reference returns the entity instance the action targets
func (a QueueAction) Reference() EntityReference {
	return EntityReference{Entity: a.Entity, ID: a.EntityID}
}

// BuildQueueActions converts boundary requests into queue actions for userID.
// Owner ids are provisional (the requesting user) until the engine resolves them.
func BuildQueueActions(userID string, reqs []QueueActionRequest, mapper *EntityMapper, syncedAt time.Time) ([]QueueAction, error) {
	actions := make([]QueueAction, 0, len(reqs))
	for i, req := range reqs {
		op, err := req.toOperation(userID, mapper)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		actions = append(actions, NewQueueAction(op, userID, syncedAt, false))
	}
	return actions, nil
}

func (r QueueActionRequest) toOperation(userID string, mapper *EntityMapper) (EntityOperation, error) {
	kind, err := ParseActionKind(r.Action)
	if err != nil {
		return nil, err
	}
	if mapper != nil {
		if _, ok := mapper.EntityClass(r.Entity); !ok {
			return nil, errUnknownEntity(r.Entity)
		}
	}
	if r.ActionedAt.IsZero() {
		return nil, NewClientError(ErrValidation, CodeEmptyPayload, "actioned_at is required", map[string]any{"entity": r.Entity})
	}

	data, err := decodeObject(r.Data)
	if err != nil {
		return nil, NewClientError(ErrValidation, CodeEmptyPayload, "data must be a JSON object", map[string]any{"entity": r.Entity})
	}

	switch kind {
	case ActionInsert:
		return NewEntityInsert(userID, r.Entity, data, r.ActionedAt)
	case ActionUpdate:
		attrs, _ := data["attributes"].(map[string]any)
		return NewEntityUpdate(userID, r.Entity, idString(data[AttrID]), attrs, r.ActionedAt)
	default:
		return NewEntityDelete(userID, r.Entity, idString(data[AttrID]), r.ActionedAt)
	}
}

// decodeObject keeps numbers as json.Number so integers hash without float formatting
func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return map[string]any{}, nil
	}
	return obj, nil
}

// sortByActionedAt orders actions by client event time; ties keep submission order
func sortByActionedAt(actions []QueueAction) []QueueAction {
	sorted := make([]QueueAction, len(actions))
	copy(sorted, actions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ActionedAt.Before(sorted[j].ActionedAt)
	})
	return sorted
}

// partitionActions splits actions by operation variant, keeping relative order
func partitionActions(actions []QueueAction) (inserts []*EntityInsert, updates []*EntityUpdate, deletes []*EntityDelete) {
	for _, a := range actions {
		switch op := a.Operation.(type) {
		case *EntityInsert:
			inserts = append(inserts, op)
		case *EntityUpdate:
			updates = append(updates, op)
		case *EntityDelete:
			deletes = append(deletes, op)
		}
	}
	return
}
