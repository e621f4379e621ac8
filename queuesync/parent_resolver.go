// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ParentResolver answers the one-hop "depends-on" question for an entity instance
type ParentResolver interface {
	// ParentOf returns the parent instance of ref; false for primary entities or unset parents
	ParentOf(ctx context.Context, ref EntityReference) (EntityReference, bool, error)
}

// RepositoryParentResolver reads the DependsOn column of the row
type RepositoryParentResolver struct {
	mapper   *EntityMapper
	entities EntityRepository
}

// NewRepositoryParentResolver creates a resolver backed by the entity repository
func NewRepositoryParentResolver(mapper *EntityMapper, entities EntityRepository) *RepositoryParentResolver {
	return &RepositoryParentResolver{mapper: mapper, entities: entities}
}

// ParentOf implements ParentResolver
func (r *RepositoryParentResolver) ParentOf(ctx context.Context, ref EntityReference) (EntityReference, bool, error) {
	b, ok := r.mapper.EntityClass(ref.Entity)
	if !ok {
		return EntityReference{}, false, errUnknownEntity(ref.Entity)
	}
	if b.DependsOn == nil {
		return EntityReference{}, false, nil
	}
	id, found, err := r.entities.ParentID(ctx, b, ref.ID)
	if err != nil {
		return EntityReference{}, false, fmt.Errorf("failed to resolve parent of %s: %w", ref, err)
	}
	if !found || id == "" {
		return EntityReference{}, false, nil
	}
	return EntityReference{Entity: b.DependsOn.Entity, ID: id}, true, nil
}

// CachedParentResolver memoizes resolved parents in an expirable LRU.
// Only found parents are cached.
type CachedParentResolver struct {
	next  ParentResolver
	cache *expirable.LRU[EntityReference, EntityReference]
}

// NewCachedParentResolver wraps next with a cache of size entries living ttl
func NewCachedParentResolver(next ParentResolver, size int, ttl time.Duration) *CachedParentResolver {
	return &CachedParentResolver{
		next:  next,
		cache: expirable.NewLRU[EntityReference, EntityReference](size, nil, ttl),
	}
}

// ParentOf implements ParentResolver
func (c *CachedParentResolver) ParentOf(ctx context.Context, ref EntityReference) (EntityReference, bool, error) {
	if parent, ok := c.cache.Get(ref); ok {
		return parent, true, nil
	}
	parent, found, err := c.next.ParentOf(ctx, ref)
	if err != nil || !found {
		return parent, found, err
	}
	c.cache.Add(ref, parent)
	return parent, true, nil
}

// Forget drops the cached parent of ref
func (c *CachedParentResolver) Forget(ref EntityReference) {
	c.cache.Remove(ref)
}

// parentForgetter is implemented by caching resolvers
type parentForgetter interface {
	Forget(ref EntityReference)
}

// AncestorChain walks the runtime parent chain of ref, nearest parent first.
// A cycle in stored data is reported as an error.
func AncestorChain(ctx context.Context, resolver ParentResolver, ref EntityReference) ([]EntityReference, error) {
	visited := map[EntityReference]struct{}{ref: {}}
	var chain []EntityReference
	current := ref
	for {
		parent, found, err := resolver.ParentOf(ctx, current)
		if err != nil {
			return nil, err
		}
		if !found {
			return chain, nil
		}
		if _, seen := visited[parent]; seen {
			return nil, fmt.Errorf("parent chain of %s loops at %s", ref, parent)
		}
		visited[parent] = struct{}{}
		chain = append(chain, parent)
		current = parent
	}
}
