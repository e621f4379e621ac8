// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"context"
	"fmt"
)

// RestrictionValidator enforces per-owner row quotas (EntityBinding.MaxCount)
type RestrictionValidator struct {
	mapper   *EntityMapper
	entities EntityRepository
}

// NewRestrictionValidator creates a RestrictionValidator
func NewRestrictionValidator(mapper *EntityMapper, entities EntityRepository) *RestrictionValidator {
	return &RestrictionValidator{mapper: mapper, entities: entities}
}

type quotaKey struct {
	entity  string
	ownerID string
}

// Validate fails with ErrRestriction when, for any (entity, owner), the live row
// count plus the inserts about to be applied exceeds MaxCount
func (v *RestrictionValidator) Validate(ctx context.Context, inserts []*EntityInsert) error {
	pending := make(map[quotaKey]int)
	var order []quotaKey
	for _, ins := range inserts {
		k := quotaKey{entity: ins.Entity, ownerID: ins.OwnerID}
		if _, ok := pending[k]; !ok {
			order = append(order, k)
		}
		pending[k]++
	}

	for _, k := range order {
		b, ok := v.mapper.EntityClass(k.entity)
		if !ok {
			return errUnknownEntity(k.entity)
		}
		if b.MaxCount <= 0 {
			continue
		}
		current, err := v.entities.CountByOwner(ctx, b, k.ownerID)
		if err != nil {
			return fmt.Errorf("failed to count %s rows: %w", k.entity, err)
		}
		if current+pending[k] > b.MaxCount {
			return NewClientError(ErrRestriction, CodeMaxCountExceeded,
				fmt.Sprintf("entity %s allows at most %d rows", k.entity, b.MaxCount),
				map[string]any{
					"entity":    k.entity,
					"max_count": b.MaxCount,
					"current":   current,
					"requested": pending[k],
				})
		}
	}
	return nil
}
