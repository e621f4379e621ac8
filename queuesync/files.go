// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"
)

// FileStatus is the lifecycle state of an uploaded file
type FileStatus string

const (
	FileStatusPending FileStatus = "PENDING"
	FileStatusLinked  FileStatus = "LINKED"
)

// FileUploaded is the record of one uploaded blob
type FileUploaded struct {
	ID        string
	MimeType  string
	Path      string // storage key
	PublicURL string
	OwnerID   string
	Status    FileStatus
	CreatedAt time.Time
}

// pendingFilePath is where uploads wait until an entity references them
func pendingFilePath(ownerID, fileID string) string {
	return path.Join("pending", ownerID, fileID)
}

// FileService accepts uploads into the pending area
type FileService struct {
	files   FileRepository
	storage FileStorage
	tx      TransactionHandler
	logger  *slog.Logger
	now     func() time.Time
}

// NewFileService creates a FileService
func NewFileService(files FileRepository, storage FileStorage, tx TransactionHandler, logger *slog.Logger) *FileService {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileService{files: files, storage: storage, tx: tx, logger: logger, now: time.Now}
}

// Upload stores body under the caller's pending area and records it as PENDING.
// Uploading again over a PENDING record replaces the blob; a LINKED id is rejected.
func (s *FileService) Upload(ctx context.Context, user UserAuth, fileID, mimeType string, body io.Reader) (FileUploaded, error) {
	fileID = strings.TrimSpace(fileID)
	if !isUUID(fileID) {
		return FileUploaded{}, NewClientError(ErrValidation, CodeMissingID, "file id must be a UUID", map[string]any{"id": fileID})
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	existing, found, err := s.files.Find(ctx, fileID)
	if err != nil {
		return FileUploaded{}, fmt.Errorf("failed to look up file %s: %w", fileID, err)
	}
	if found && (existing.Status == FileStatusLinked || existing.OwnerID != user.UserID) {
		return FileUploaded{}, NewClientError(ErrValidation, CodeFileAlreadyLinked,
			fmt.Sprintf("file %s already exists", fileID), map[string]any{"id": fileID})
	}

	key := pendingFilePath(user.UserID, fileID)
	if err := s.storage.Put(ctx, key, body); err != nil {
		return FileUploaded{}, &UploadFileError{FileID: fileID, Err: err}
	}

	f := FileUploaded{
		ID:        fileID,
		MimeType:  mimeType,
		Path:      key,
		PublicURL: s.storage.URL(key),
		OwnerID:   user.UserID,
		Status:    FileStatusPending,
		CreatedAt: s.now().UTC(),
	}
	if found {
		return existing, nil
	}
	err = s.tx.Transaction(ctx, func(ctx context.Context) error {
		return s.files.Create(ctx, f)
	})
	if err != nil {
		return FileUploaded{}, fmt.Errorf("failed to record file %s: %w", fileID, err)
	}
	s.logger.Debug("File uploaded", "file_id", fileID, "user_id", user.UserID, "mime_type", mimeType)
	return f, nil
}

// FilePathGenerator derives storage prefixes from the runtime entity chain
type FilePathGenerator struct {
	mapper   *EntityMapper
	entities EntityRepository
	parents  ParentResolver
}

// NewFilePathGenerator creates a FilePathGenerator
func NewFilePathGenerator(mapper *EntityMapper, entities EntityRepository, parents ParentResolver) *FilePathGenerator {
	return &FilePathGenerator{mapper: mapper, entities: entities, parents: parents}
}

// Create returns "<rootOwner>/<entity>/<id>/.../<entity>/<id>" for ref, root first.
// The owner segment is the recorded owner of the root instance, or the caller when unknown.
func (g *FilePathGenerator) Create(ctx context.Context, user UserAuth, ref EntityReference) (string, error) {
	chain, err := AncestorChain(ctx, g.parents, ref)
	if err != nil {
		return "", err
	}
	root := ref
	if len(chain) > 0 {
		root = chain[len(chain)-1]
	}

	ownerID := user.UserID
	if b, ok := g.mapper.EntityClass(root.Entity); ok {
		owner, found, err := g.entities.OwnerOf(ctx, b, root.ID)
		if err != nil {
			return "", fmt.Errorf("failed to resolve owner of %s: %w", root, err)
		}
		if found {
			ownerID = owner
		}
	}

	segments := make([]string, 0, 1+2*(len(chain)+1))
	segments = append(segments, ownerID)
	for i := len(chain) - 1; i >= 0; i-- {
		segments = append(segments, chain[i].Entity, chain[i].ID)
	}
	segments = append(segments, ref.Entity, ref.ID)
	return path.Join(segments...), nil
}

// FileReferenceValidator promotes pending uploads referenced by entities to LINKED
type FileReferenceValidator struct {
	files   FileRepository
	storage FileStorage
	paths   *FilePathGenerator
	tx      TransactionHandler
	logger  *slog.Logger
}

// NewFileReferenceValidator creates a FileReferenceValidator
func NewFileReferenceValidator(files FileRepository, storage FileStorage, paths *FilePathGenerator, tx TransactionHandler, logger *slog.Logger) *FileReferenceValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileReferenceValidator{files: files, storage: storage, paths: paths, tx: tx, logger: logger}
}

// Validate links fileID to ref. Only the uploader may link a pending file;
// already LINKED files are left alone. A failed copy
// is logged and leaves the file PENDING for a later call; it is not returned as an error.
// The pending blob is removed only after the LINKED state is committed.
func (v *FileReferenceValidator) Validate(ctx context.Context, user UserAuth, fileID string, ref EntityReference) error {
	var pendingKey string
	err := v.tx.Transaction(ctx, func(ctx context.Context) error {
		pendingKey = ""
		f, found, err := v.files.Find(ctx, fileID)
		if err != nil {
			return err
		}
		if !found {
			return NewClientError(ErrFileNotFound, CodeFileNotFound,
				fmt.Sprintf("file %s not found", fileID), map[string]any{"id": fileID})
		}
		if f.Status == FileStatusLinked {
			return nil
		}
		if f.OwnerID != user.UserID {
			return newNotAuthorized(ErrOperationNotPermitted, "user %s is not permitted to link file %s uploaded by another user", user.UserID, fileID)
		}

		prefix, err := v.paths.Create(ctx, user, ref)
		if err != nil {
			return err
		}
		dst := path.Join(prefix, fileID)
		if err := v.storage.Copy(ctx, f.Path, dst); err != nil {
			v.logger.Warn("Failed to link file, leaving it pending",
				"file_id", fileID, "entity", ref.Entity, "entity_id", ref.ID, "error", err)
			return nil
		}
		if err := v.files.MarkLinked(ctx, fileID, dst, v.storage.URL(dst)); err != nil {
			return err
		}
		pendingKey = f.Path
		return nil
	})
	if err != nil {
		return err
	}

	if pendingKey != "" {
		if err := v.storage.Delete(ctx, pendingKey); err != nil {
			v.logger.Warn("Failed to remove pending copy of linked file", "file_id", fileID, "path", pendingKey, "error", err)
		}
		v.logger.Debug("File linked", "file_id", fileID, "entity", ref.Entity, "entity_id", ref.ID)
	}
	return nil
}
