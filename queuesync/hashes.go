// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"context"
	"fmt"
)

// EntityReader serves the read side: visible rows, convergence hashes and searches
type EntityReader struct {
	mapper   *EntityMapper
	entities EntityRepository
	access   *AccessValidator
}

// NewEntityReader creates an EntityReader
func NewEntityReader(mapper *EntityMapper, entities EntityRepository, access *AccessValidator) *EntityReader {
	return &EntityReader{mapper: mapper, entities: entities, access: access}
}

// VisibleRows lists rows of entity owned by user, or owned by someone who shared
// with user and readable through a grant
func (r *EntityReader) VisibleRows(ctx context.Context, user UserAuth, entity string, filter SearchFilter) ([]map[string]any, error) {
	b, ok := r.mapper.EntityClass(entity)
	if !ok {
		return nil, errUnknownEntity(entity)
	}
	rows, err := r.entities.ListByOwners(ctx, b, user.ownerIDs(), filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", entity, err)
	}

	visible := rows[:0]
	for _, row := range rows {
		if idString(row[AttrSyncOwnerID]) != user.UserID {
			ok, err := r.access.CanAccessEntity(ctx, user, EntityReference{Entity: entity, ID: idString(row[AttrID])}, PermissionRead)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		visible = append(visible, row)
	}
	return visible, nil
}

// EntityHashes returns {id, sync_hash} for every visible live row of entity
func (r *EntityReader) EntityHashes(ctx context.Context, user UserAuth, entity string) ([]EntityHash, error) {
	rows, err := r.VisibleRows(ctx, user, entity, SearchFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]EntityHash, 0, len(rows))
	for _, row := range rows {
		out = append(out, EntityHash{ID: idString(row[AttrID]), Hash: idString(row[AttrSyncHash])})
	}
	return out, nil
}

// ValidateHashes compares each client hash-of-hashes with the server's.
// Expected is computed on the server with set semantics; Obtained is the client's.
func (r *EntityReader) ValidateHashes(ctx context.Context, user UserAuth, hashes []EntityHash) ([]HashValidation, error) {
	out := make([]HashValidation, 0, len(hashes))
	for _, h := range hashes {
		rows, err := r.EntityHashes(ctx, user, h.Entity)
		if err != nil {
			return nil, err
		}
		values := make([]string, len(rows))
		for i, row := range rows {
			values[i] = row.Hash
		}
		expected := HashList(values)
		out = append(out, HashValidation{
			Entity:   h.Entity,
			Expected: expected,
			Obtained: h.Hash,
			Matched:  expected == h.Hash,
		})
	}
	return out, nil
}

// SearchEntities returns visible rows of entity with related rows inlined under
// "_<relation name>". With filter.After set, soft-deleted rows are included.
func (r *EntityReader) SearchEntities(ctx context.Context, user UserAuth, entity string, filter SearchFilter) ([]map[string]any, error) {
	rows, err := r.VisibleRows(ctx, user, entity, filter)
	if err != nil {
		return nil, err
	}
	b, _ := r.mapper.EntityClass(entity)
	if err := r.inlineRelations(ctx, b, rows, filter.After != nil, map[string]bool{entity: true}); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *EntityReader) inlineRelations(ctx context.Context, b EntityBinding, rows []map[string]any, includeDeleted bool, onPath map[string]bool) error {
	if len(rows) == 0 || len(b.Relations) == 0 {
		return nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, idString(row[AttrID]))
	}

	for _, rel := range b.Relations {
		if onPath[rel.Entity] {
			continue
		}
		rb, ok := r.mapper.EntityClass(rel.Entity)
		if !ok {
			return errUnknownEntity(rel.Entity)
		}
		related, err := r.entities.ListByColumn(ctx, rb, rel.ForeignKey, ids, includeDeleted)
		if err != nil {
			return fmt.Errorf("failed to load relation %s of %s: %w", rel.Name, b.Name, err)
		}

		onPath[rel.Entity] = true
		err = r.inlineRelations(ctx, rb, related, includeDeleted, onPath)
		delete(onPath, rel.Entity)
		if err != nil {
			return err
		}

		byParent := make(map[string][]map[string]any)
		for _, child := range related {
			fk := idString(child[rel.ForeignKey])
			byParent[fk] = append(byParent[fk], child)
		}
		key := RelationPrefix + rel.Name
		for _, row := range rows {
			children := byParent[idString(row[AttrID])]
			if children == nil {
				children = []map[string]any{}
			}
			row[key] = children
		}
	}
	return nil
}
