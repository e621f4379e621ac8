// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"fmt"
	"strings"
	"time"
)

// EntityReference points at one concrete entity instance
type EntityReference struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
}

// NewEntityReference validates that both parts are present
func NewEntityReference(entity, id string) (EntityReference, error) {
	entity = strings.TrimSpace(entity)
	id = strings.TrimSpace(id)
	if entity == "" || id == "" {
		return EntityReference{}, NewClientError(ErrValidation, CodeMissingID,
			"entity reference requires entity name and id", map[string]any{"entity": entity, "id": id})
	}
	return EntityReference{Entity: entity, ID: id}, nil
}

func (r EntityReference) String() string {
	return r.Entity + ":" + r.ID
}

// EntityOperation is one of *EntityInsert, *EntityUpdate or *EntityDelete
type EntityOperation interface {
	Envelope() OperationEnvelope
	Kind() ActionKind
	// Payload returns the JSON-able body persisted in the action log
	Payload() map[string]any
}

// OperationEnvelope is shared by every operation variant
type OperationEnvelope struct {
	OwnerID    string
	Entity     string
	ID         string
	ActionedAt time.Time
}

// Reference returns the entity instance the operation targets
func (e OperationEnvelope) Reference() EntityReference {
	return EntityReference{Entity: e.Entity, ID: e.ID}
}

func (e OperationEnvelope) Envelope() OperationEnvelope { return e }

// EntityInsert creates a row
type EntityInsert struct {
	OperationEnvelope
	Data map[string]any
}

func (*EntityInsert) Kind() ActionKind { return ActionInsert }

func (o *EntityInsert) Payload() map[string]any { return cloneMap(o.Data) }

// EntityUpdate changes attributes of an existing row
type EntityUpdate struct {
	OperationEnvelope
	Attributes map[string]any
}

func (*EntityUpdate) Kind() ActionKind { return ActionUpdate }

func (o *EntityUpdate) Payload() map[string]any {
	return map[string]any{AttrID: o.ID, "attributes": cloneMap(o.Attributes)}
}

// EntityDelete soft-deletes a row
type EntityDelete struct {
	OperationEnvelope
}

func (*EntityDelete) Kind() ActionKind { return ActionDelete }

func (o *EntityDelete) Payload() map[string]any { return map[string]any{AttrID: o.ID} }

// NewEntityInsert strips reserved attributes and requires an id plus at least one other attribute
func NewEntityInsert(ownerID, entity string, data map[string]any, actionedAt time.Time) (*EntityInsert, error) {
	clean := stripReserved(data)
	if len(clean) == 0 {
		return nil, NewClientError(ErrValidation, CodeEmptyPayload,
			fmt.Sprintf("insert into %s has no data", entity), map[string]any{"entity": entity})
	}
	id := idString(clean[AttrID])
	if id == "" {
		return nil, NewClientError(ErrValidation, CodeMissingID,
			fmt.Sprintf("insert into %s has no id", entity), map[string]any{"entity": entity})
	}
	if len(clean) < 2 {
		return nil, NewClientError(ErrValidation, CodeEmptyPayload,
			fmt.Sprintf("insert into %s has no attributes besides id", entity),
			map[string]any{"entity": entity, "id": id})
	}
	clean[AttrID] = id
	return &EntityInsert{
		OperationEnvelope: OperationEnvelope{OwnerID: ownerID, Entity: entity, ID: id, ActionedAt: actionedAt},
		Data:              clean,
	}, nil
}

// NewEntityUpdate strips reserved attributes; id cannot be changed through attributes
func NewEntityUpdate(ownerID, entity, id string, attributes map[string]any, actionedAt time.Time) (*EntityUpdate, error) {
	if strings.TrimSpace(id) == "" {
		return nil, NewClientError(ErrValidation, CodeMissingID,
			fmt.Sprintf("update of %s has no id", entity), map[string]any{"entity": entity})
	}
	clean := stripReserved(attributes)
	delete(clean, AttrID)
	return &EntityUpdate{
		OperationEnvelope: OperationEnvelope{OwnerID: ownerID, Entity: entity, ID: id, ActionedAt: actionedAt},
		Attributes:        clean,
	}, nil
}

// NewEntityDelete requires an id
func NewEntityDelete(ownerID, entity, id string, actionedAt time.Time) (*EntityDelete, error) {
	if strings.TrimSpace(id) == "" {
		return nil, NewClientError(ErrValidation, CodeMissingID,
			fmt.Sprintf("delete of %s has no id", entity), map[string]any{"entity": entity})
	}
	return &EntityDelete{
		OperationEnvelope: OperationEnvelope{OwnerID: ownerID, Entity: entity, ID: id, ActionedAt: actionedAt},
	}, nil
}

// withOwner returns a copy of op stamped with ownerID
func withOwner(op EntityOperation, ownerID string) EntityOperation {
	switch o := op.(type) {
	case *EntityInsert:
		c := *o
		c.OwnerID = ownerID
		return &c
	case *EntityUpdate:
		c := *o
		c.OwnerID = ownerID
		return &c
	case *EntityDelete:
		c := *o
		c.OwnerID = ownerID
		return &c
	}
	return op
}

func stripReserved(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	for _, k := range reservedAttributes {
		delete(out, k)
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func idString(v any) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(stringifyValue(v))
}
