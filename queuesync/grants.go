// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"context"
	"fmt"
	"log/slog"
)

// UserAuthProvider loads the grants held by an authenticated user
type UserAuthProvider struct {
	grants GrantRepository
}

// NewUserAuthProvider creates a provider over the grant store
func NewUserAuthProvider(grants GrantRepository) *UserAuthProvider {
	return &UserAuthProvider{grants: grants}
}

// Load returns the UserAuth for userID; an empty id is unauthenticated
func (p *UserAuthProvider) Load(ctx context.Context, userID string) (UserAuth, error) {
	user, err := NewUserAuth(userID)
	if err != nil {
		return UserAuth{}, err
	}
	grants, err := p.grants.ListForUser(ctx, userID)
	if err != nil {
		return UserAuth{}, fmt.Errorf("failed to load grants of %s: %w", userID, err)
	}
	user.Grants = grants
	return user, nil
}

// GrantService lets owners share entities they own
type GrantService struct {
	mapper   *EntityMapper
	entities EntityRepository
	grants   GrantRepository
	tx       TransactionHandler
	logger   *slog.Logger
}

// NewGrantService creates a GrantService
func NewGrantService(mapper *EntityMapper, entities EntityRepository, grants GrantRepository, tx TransactionHandler, logger *slog.Logger) *GrantService {
	if logger == nil {
		logger = slog.Default()
	}
	return &GrantService{mapper: mapper, entities: entities, grants: grants, tx: tx, logger: logger}
}

func (s *GrantService) requireOwner(ctx context.Context, owner UserAuth, ref EntityReference) error {
	b, ok := s.mapper.EntityClass(ref.Entity)
	if !ok {
		return errUnknownEntity(ref.Entity)
	}
	recorded, found, err := s.entities.OwnerOf(ctx, b, ref.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve owner of %s: %w", ref, err)
	}
	if !found {
		return errEntityNotFound(ref)
	}
	if recorded != owner.UserID {
		return newNotAuthorized(ErrOperationNotPermitted, "user %s does not own %s", owner.UserID, ref)
	}
	return nil
}

// Share grants level on ref to granteeID, replacing any previous grant on ref
func (s *GrantService) Share(ctx context.Context, owner UserAuth, granteeID string, ref EntityReference, level AccessLevel) error {
	if granteeID == "" || granteeID == owner.UserID {
		return NewClientError(ErrValidation, CodeMissingID, "grantee must be another user", map[string]any{"user_id": granteeID})
	}
	if len(level.Permissions()) == 0 {
		return NewClientError(ErrValidation, CodeInvalidAccess, "access level requires at least one permission", nil)
	}
	err := s.tx.Transaction(ctx, func(ctx context.Context) error {
		if err := s.requireOwner(ctx, owner, ref); err != nil {
			return err
		}
		return s.grants.Upsert(ctx, granteeID, EntityGranted{UserOwnerID: owner.UserID, Entity: ref, AccessLevel: level})
	})
	if err != nil {
		return err
	}
	s.logger.Info("Entity shared", "user_id", owner.UserID, "grantee_id", granteeID, "entity", ref.Entity,
		"entity_id", ref.ID, "access_level", level.Encode())
	return nil
}

// Revoke removes the grant on ref held by granteeID; it reports whether one existed
func (s *GrantService) Revoke(ctx context.Context, owner UserAuth, granteeID string, ref EntityReference) (bool, error) {
	var removed bool
	err := s.tx.Transaction(ctx, func(ctx context.Context) error {
		if err := s.requireOwner(ctx, owner, ref); err != nil {
			return err
		}
		var err error
		removed, err = s.grants.Delete(ctx, granteeID, ref)
		return err
	})
	if err != nil {
		return false, err
	}
	if removed {
		s.logger.Info("Entity share revoked", "user_id", owner.UserID, "grantee_id", granteeID, "entity", ref.Entity, "entity_id", ref.ID)
	}
	return removed, nil
}
