// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// QueueActionEngine applies batches of client queue actions
type QueueActionEngine struct {
	mapper      *EntityMapper
	tx          TransactionHandler
	entities    EntityRepository
	actions     QueueActionRepository
	access      *AccessValidator
	restriction *RestrictionValidator
	events      EventBus
	parents     ParentResolver
	files       *FileReferenceValidator // nil disables file linking
	stages      stageObserver
	logger      *slog.Logger
	now         func() time.Time
}

// QueueActionEngineDeps are the collaborators of the engine
type QueueActionEngineDeps struct {
	Mapper      *EntityMapper
	Tx          TransactionHandler
	Entities    EntityRepository
	Actions     QueueActionRepository
	Access      *AccessValidator
	Restriction *RestrictionValidator
	Events      EventBus
	Parents     ParentResolver
	Files       *FileReferenceValidator
	Metrics     StageMetricsRecorder
	LogTimings  bool
	Now         func() time.Time
}

// NewQueueActionEngine creates an engine
func NewQueueActionEngine(deps QueueActionEngineDeps, logger *slog.Logger) *QueueActionEngine {
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &QueueActionEngine{
		mapper:      deps.Mapper,
		tx:          deps.Tx,
		entities:    deps.Entities,
		actions:     deps.Actions,
		access:      deps.Access,
		restriction: deps.Restriction,
		events:      deps.Events,
		parents:     deps.Parents,
		files:       deps.Files,
		stages:      stageObserver{recorder: deps.Metrics, logTimings: deps.LogTimings, logger: logger},
		logger:      logger,
		now:         now,
	}
}

// Sync applies actions for user in client event order, all or nothing.
// Inserts run first, then updates, then deletes; every action is appended to
// the action log and published as a domain event inside the same transaction.
// Files referenced by written rows are linked after commit.
func (e *QueueActionEngine) Sync(ctx context.Context, user UserAuth, actions []QueueAction) error {
	if len(actions) == 0 {
		return nil
	}
	sorted := sortByActionedAt(actions)

	start := e.stages.start()
	var applied []QueueAction
	var moved []EntityReference
	err := e.tx.Transaction(ctx, func(ctx context.Context) error {
		var err error
		applied, moved, err = e.apply(ctx, user, sorted)
		return err
	})
	e.stages.observe(ctx, MetricsOpSync, MetricsStageTotal, start, len(actions), err != nil)
	if err != nil {
		return err
	}
	// a concurrent lookup may have cached the pre-commit parent
	e.forgetParents(moved)

	e.logger.Debug("Queue actions applied", "user_id", user.UserID, "count", len(applied))
	e.linkFiles(ctx, user, applied)
	return nil
}

func (e *QueueActionEngine) apply(ctx context.Context, user UserAuth, sorted []QueueAction) ([]QueueAction, []EntityReference, error) {
	logged := make([]QueueAction, len(sorted))
	copy(logged, sorted)
	index := make(map[EntityOperation]int, len(sorted))
	for i, a := range sorted {
		index[a.Operation] = i
	}
	setOwner := func(op EntityOperation, ownerID string) EntityOperation {
		i := index[op]
		stamped := withOwner(op, ownerID)
		logged[i].Operation = stamped
		logged[i].OwnerID = ownerID
		return stamped
	}

	inserts, updates, deletes := partitionActions(sorted)
	now := e.now().UTC()

	resolved, err := e.resolveInsertOwners(ctx, user, inserts, setOwner)
	if err != nil {
		return nil, nil, err
	}

	stageStart := e.stages.start()
	err = e.restriction.Validate(ctx, resolved)
	e.stages.observe(ctx, MetricsOpSync, MetricsStageRestriction, stageStart, len(resolved), err != nil)
	if err != nil {
		return nil, nil, err
	}

	stageStart = e.stages.start()
	err = e.applyInserts(ctx, user, resolved, now)
	e.stages.observe(ctx, MetricsOpSync, MetricsStageInserts, stageStart, len(resolved), err != nil)
	if err != nil {
		return nil, nil, err
	}

	stageStart = e.stages.start()
	moved, err := e.applyUpdates(ctx, user, updates, now, setOwner)
	e.stages.observe(ctx, MetricsOpSync, MetricsStageUpdates, stageStart, len(updates), err != nil)
	if err != nil {
		return nil, nil, err
	}

	stageStart = e.stages.start()
	err = e.applyDeletes(ctx, user, deletes, now, setOwner)
	e.stages.observe(ctx, MetricsOpSync, MetricsStageDeletes, stageStart, len(deletes), err != nil)
	if err != nil {
		return nil, nil, err
	}

	stageStart = e.stages.start()
	err = e.actions.Append(ctx, logged)
	e.stages.observe(ctx, MetricsOpSync, MetricsStageLog, stageStart, len(logged), err != nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to append queue actions: %w", err)
	}

	stageStart = e.stages.start()
	for _, a := range logged {
		if err = e.events.Publish(ctx, Event{Name: a.Action.eventName(), Action: a}); err != nil {
			err = fmt.Errorf("failed to publish %s for %s: %w", a.Action.eventName(), a.Reference(), err)
			break
		}
	}
	e.stages.observe(ctx, MetricsOpSync, MetricsStageEvents, stageStart, len(logged), err != nil)
	if err != nil {
		return nil, nil, err
	}
	return logged, moved, nil
}

func (e *QueueActionEngine) binding(entity string) (EntityBinding, error) {
	b, ok := e.mapper.EntityClass(entity)
	if !ok {
		return EntityBinding{}, errUnknownEntity(entity)
	}
	return b, nil
}

// insertParent returns the declared parent instance named in the insert data
func (e *QueueActionEngine) insertParent(b EntityBinding, ins *EntityInsert) (EntityReference, bool, error) {
	if b.DependsOn == nil {
		return EntityReference{}, false, nil
	}
	parentID := idString(ins.Data[b.DependsOn.Column])
	if parentID == "" {
		if e.mapper.IsPrimaryEntity(b.Name) {
			return EntityReference{}, false, nil
		}
		return EntityReference{}, false, NewClientError(ErrValidation, CodeMissingID,
			fmt.Sprintf("insert into %s has no %s", b.Name, b.DependsOn.Column),
			map[string]any{"entity": b.Name, "id": ins.ID, "column": b.DependsOn.Column})
	}
	return EntityReference{Entity: b.DependsOn.Entity, ID: parentID}, true, nil
}

// resolveInsertOwners stamps each insert with the recorded owner of its parent
// (which may itself be inserted earlier in the batch), falling back to the caller
func (e *QueueActionEngine) resolveInsertOwners(ctx context.Context, user UserAuth, inserts []*EntityInsert, setOwner func(EntityOperation, string) EntityOperation) ([]*EntityInsert, error) {
	batchOwners := make(map[EntityReference]string, len(inserts))
	resolved := make([]*EntityInsert, 0, len(inserts))
	for _, ins := range inserts {
		ref := ins.Reference()
		if _, dup := batchOwners[ref]; dup {
			return nil, NewClientError(ErrValidation, CodeDuplicateID,
				fmt.Sprintf("%s is inserted more than once", ref),
				map[string]any{"entity": ref.Entity, "id": ref.ID})
		}
		b, err := e.binding(ins.Entity)
		if err != nil {
			return nil, err
		}

		ownerID := user.UserID
		parent, hasParent, err := e.insertParent(b, ins)
		if err != nil {
			return nil, err
		}
		if hasParent {
			if owner, ok := batchOwners[parent]; ok {
				ownerID = owner
			} else {
				pb, err := e.binding(parent.Entity)
				if err != nil {
					return nil, err
				}
				owner, found, err := e.entities.OwnerOf(ctx, pb, parent.ID)
				if err != nil {
					return nil, fmt.Errorf("failed to resolve owner of %s: %w", parent, err)
				}
				if found {
					ownerID = owner
				}
			}
		}

		batchOwners[ref] = ownerID
		resolved = append(resolved, setOwner(ins, ownerID).(*EntityInsert))
	}
	return resolved, nil
}

func (e *QueueActionEngine) applyInserts(ctx context.Context, user UserAuth, inserts []*EntityInsert, now time.Time) error {
	for _, ins := range inserts {
		b, err := e.binding(ins.Entity)
		if err != nil {
			return err
		}
		parent, hasParent, err := e.insertParent(b, ins)
		if err != nil {
			return err
		}
		if hasParent {
			if err := e.access.Authorize(ctx, user, parent, PermissionCreate); err != nil {
				return err
			}
		}

		row := cloneMap(ins.Data)
		row[AttrSyncHash] = Hash(ins.Data)
		row[AttrSyncOwnerID] = ins.OwnerID
		row[AttrSyncCreatedAt] = now
		row[AttrSyncUpdatedAt] = now
		if err := e.entities.Insert(ctx, b, row); err != nil {
			return err
		}
	}
	return nil
}

type updateGroup struct {
	ref EntityReference
	ops []*EntityUpdate
}

// groupUpdates keeps chronological order within each id and first-seen order across ids
func groupUpdates(updates []*EntityUpdate) []*updateGroup {
	byRef := make(map[EntityReference]*updateGroup)
	var groups []*updateGroup
	for _, u := range updates {
		ref := u.Reference()
		g, ok := byRef[ref]
		if !ok {
			g = &updateGroup{ref: ref}
			byRef[ref] = g
			groups = append(groups, g)
		}
		g.ops = append(g.ops, u)
	}
	return groups
}

// applyUpdates writes each touched row once: the pre-batch row with every queued
// attribute change merged in order, hashed as a whole. It returns the rows whose
// parent column changed.
func (e *QueueActionEngine) applyUpdates(ctx context.Context, user UserAuth, updates []*EntityUpdate, now time.Time, setOwner func(EntityOperation, string) EntityOperation) ([]EntityReference, error) {
	var moved []EntityReference
	for _, g := range groupUpdates(updates) {
		b, err := e.binding(g.ref.Entity)
		if err != nil {
			return nil, err
		}
		row, found, err := e.entities.Find(ctx, b, g.ref.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", g.ref, err)
		}
		if !found {
			return nil, errEntityNotFound(g.ref)
		}
		if err := e.access.Authorize(ctx, user, g.ref, PermissionUpdate); err != nil {
			return nil, err
		}

		ownerID := idString(row[AttrSyncOwnerID])
		if ownerID == "" {
			ownerID = user.UserID
		}
		merged := cloneMap(row)
		changes := make(map[string]any)
		for _, u := range g.ops {
			for k, v := range u.Attributes {
				merged[k] = v
				changes[k] = v
			}
			setOwner(u, ownerID)
		}

		reparented := false
		if b.DependsOn != nil {
			if _, ok := changes[b.DependsOn.Column]; ok && idString(merged[b.DependsOn.Column]) != idString(row[b.DependsOn.Column]) {
				if err := e.authorizeMove(ctx, user, b, g.ref, ownerID, idString(merged[b.DependsOn.Column])); err != nil {
					return nil, err
				}
				reparented = true
			}
		}

		changes[AttrSyncHash] = HashEntity(merged)
		changes[AttrSyncUpdatedAt] = now
		if err := e.entities.Update(ctx, b, g.ref.ID, changes); err != nil {
			return nil, err
		}
		if reparented {
			// later actions of this batch must walk the new chain
			e.forgetParents([]EntityReference{g.ref})
			moved = append(moved, g.ref)
		}
	}
	return moved, nil
}

// authorizeMove checks a change of ref's parent to parentID: the caller needs CREATE
// on the new parent, and the new parent must have the same recorded owner as ref.
func (e *QueueActionEngine) authorizeMove(ctx context.Context, user UserAuth, b EntityBinding, ref EntityReference, ownerID, parentID string) error {
	if parentID == "" {
		if e.mapper.IsPrimaryEntity(b.Name) {
			return nil
		}
		return NewClientError(ErrValidation, CodeMissingID,
			fmt.Sprintf("update of %s clears %s", ref, b.DependsOn.Column),
			map[string]any{"entity": ref.Entity, "id": ref.ID, "column": b.DependsOn.Column})
	}
	parent := EntityReference{Entity: b.DependsOn.Entity, ID: parentID}
	if err := e.access.Authorize(ctx, user, parent, PermissionCreate); err != nil {
		return err
	}
	pb, err := e.binding(parent.Entity)
	if err != nil {
		return err
	}
	parentOwner, found, err := e.entities.OwnerOf(ctx, pb, parent.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve owner of %s: %w", parent, err)
	}
	if !found {
		return errEntityNotFound(parent)
	}
	if parentOwner != ownerID {
		return NewClientError(ErrValidation, CodeOwnerMismatch,
			fmt.Sprintf("%s cannot move under %s owned by another user", ref, parent),
			map[string]any{"entity": ref.Entity, "id": ref.ID, "parent": parent.String()})
	}
	return nil
}

func (e *QueueActionEngine) forgetParents(refs []EntityReference) {
	f, ok := e.parents.(parentForgetter)
	if !ok {
		return
	}
	for _, ref := range refs {
		f.Forget(ref)
	}
}

// applyDeletes soft-deletes rows; missing or already deleted rows are no-ops
func (e *QueueActionEngine) applyDeletes(ctx context.Context, user UserAuth, deletes []*EntityDelete, now time.Time, setOwner func(EntityOperation, string) EntityOperation) error {
	for _, d := range deletes {
		ref := d.Reference()
		b, err := e.binding(ref.Entity)
		if err != nil {
			return err
		}
		ownerID, found, err := e.entities.OwnerOf(ctx, b, ref.ID)
		if err != nil {
			return fmt.Errorf("failed to resolve owner of %s: %w", ref, err)
		}
		if !found {
			e.logger.Debug("Delete of unknown entity ignored", "entity", ref.Entity, "entity_id", ref.ID)
			continue
		}
		if err := e.access.Authorize(ctx, user, ref, PermissionDelete); err != nil {
			return err
		}
		setOwner(d, ownerID)
		if _, err := e.entities.SoftDelete(ctx, b, ref.ID, now); err != nil {
			return fmt.Errorf("failed to delete %s: %w", ref, err)
		}
	}
	return nil
}

// linkFiles promotes uploads referenced through file columns. Unknown files are
// expected to be uploaded later; other failures are logged.
func (e *QueueActionEngine) linkFiles(ctx context.Context, user UserAuth, applied []QueueAction) {
	if e.files == nil {
		return
	}
	start := e.stages.start()
	linked := 0
	for _, a := range applied {
		b, ok := e.mapper.EntityClass(a.Entity)
		if !ok || len(b.FileColumns) == 0 {
			continue
		}
		var values map[string]any
		switch op := a.Operation.(type) {
		case *EntityInsert:
			values = op.Data
		case *EntityUpdate:
			values = op.Attributes
		default:
			continue
		}
		for _, col := range b.FileColumns {
			fileID := idString(values[col])
			if fileID == "" {
				continue
			}
			err := e.files.Validate(ctx, user, fileID, a.Reference())
			switch {
			case err == nil:
				linked++
			case errors.Is(err, ErrFileNotFound):
				e.logger.Debug("Referenced file not uploaded yet", "file_id", fileID, "entity", a.Entity, "entity_id", a.EntityID)
			default:
				e.logger.Warn("Failed to link referenced file", "file_id", fileID, "entity", a.Entity, "entity_id", a.EntityID, "error", err)
			}
		}
	}
	e.stages.observe(ctx, MetricsOpSync, MetricsStageFiles, start, linked, false)
}
