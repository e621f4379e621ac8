// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"context"
	"fmt"
)

// AccessValidator decides whether a user may perform an operation on an entity instance
type AccessValidator struct {
	mapper   *EntityMapper
	entities EntityRepository
	parents  ParentResolver
	disabled bool
}

// NewAccessValidator creates a validator; disabled turns every check into an allow
func NewAccessValidator(mapper *EntityMapper, entities EntityRepository, parents ParentResolver, disabled bool) *AccessValidator {
	return &AccessValidator{mapper: mapper, entities: entities, parents: parents, disabled: disabled}
}

// CanAccessEntity evaluates, in order: global switch, ownership, a direct grant on ref,
// then grants on instances in ref's runtime parent chain whose entity type is a
// declared ancestor of ref's type.
func (v *AccessValidator) CanAccessEntity(ctx context.Context, user UserAuth, ref EntityReference, perm Permission) (bool, error) {
	if v.disabled {
		return true, nil
	}
	b, ok := v.mapper.EntityClass(ref.Entity)
	if !ok {
		return false, errUnknownEntity(ref.Entity)
	}

	owner, found, err := v.entities.OwnerOf(ctx, b, ref.ID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve owner of %s: %w", ref, err)
	}
	if found && owner == user.UserID {
		return true, nil
	}

	if g, ok := user.directGrant(ref); ok && g.AccessLevel.Has(perm) {
		return true, nil
	}
	if len(user.Grants) == 0 {
		return false, nil
	}

	chain, err := AncestorChain(ctx, v.parents, ref)
	if err != nil {
		return false, err
	}
	if len(chain) == 0 {
		return false, nil
	}
	inChain := make(map[EntityReference]struct{}, len(chain))
	for _, anc := range chain {
		inChain[anc] = struct{}{}
	}
	for _, g := range user.Grants {
		if _, ok := inChain[g.Entity]; !ok {
			continue
		}
		if v.mapper.IsAncestor(g.Entity.Entity, ref.Entity) && g.AccessLevel.Has(perm) {
			return true, nil
		}
	}
	return false, nil
}

// Authorize is CanAccessEntity turned into an OperationNotPermitted error
func (v *AccessValidator) Authorize(ctx context.Context, user UserAuth, ref EntityReference, perm Permission) error {
	ok, err := v.CanAccessEntity(ctx, user, ref, perm)
	if err != nil {
		return err
	}
	if !ok {
		return newNotAuthorized(ErrOperationNotPermitted, "user %s is not permitted to %s %s", user.UserID, perm, ref)
	}
	return nil
}
