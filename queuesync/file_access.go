// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
)

const exportSnapshotExt = ".sqlite"

// StoredFile is an opened blob ready to be served
type StoredFile struct {
	Name     string
	MimeType string // empty when unknown
	Body     io.ReadSeekCloser
}

// StoredFileReader serves blobs from FileStorage to the users allowed to see them.
// Keys are matched by shape:
//
//	exports/<user>/<job>.sqlite        snapshot of a successful export job of <user>
//	pending/<user>/<file>              upload of <user> not linked yet
//	<owner>/<entity>/<id>/.../<file>   linked file, readable with READ on the last entity
//
// Everything else, directories included, is reported as not found. Denials are
// reported the same way so keys of other users stay hidden.
type StoredFileReader struct {
	mapper  *EntityMapper
	files   FileRepository
	jobs    SyncJobRepository
	access  *AccessValidator
	storage FileStorage
}

// NewStoredFileReader creates a StoredFileReader
func NewStoredFileReader(mapper *EntityMapper, files FileRepository, jobs SyncJobRepository, access *AccessValidator, storage FileStorage) *StoredFileReader {
	return &StoredFileReader{mapper: mapper, files: files, jobs: jobs, access: access, storage: storage}
}

func errStoredFileNotFound(key string) *ClientError {
	return NewClientError(ErrFileNotFound, CodeFileNotFound, fmt.Sprintf("file %s not found", key), nil)
}

// Open authorizes user for key and opens the blob
func (r *StoredFileReader) Open(ctx context.Context, user UserAuth, key string) (StoredFile, error) {
	if key == "" || strings.HasSuffix(key, "/") {
		return StoredFile{}, errStoredFileNotFound(key)
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean != key {
		return StoredFile{}, errStoredFileNotFound(key)
	}
	segments := strings.Split(clean, "/")

	var mimeType string
	var allowed bool
	var err error
	switch segments[0] {
	case "exports":
		allowed, err = r.canReadExport(ctx, user, segments)
	case "pending":
		mimeType, allowed, err = r.canReadPending(ctx, user, clean, segments)
	default:
		mimeType, allowed, err = r.canReadLinked(ctx, user, clean, segments)
	}
	if err != nil {
		return StoredFile{}, err
	}
	if !allowed {
		return StoredFile{}, errStoredFileNotFound(key)
	}

	body, err := r.storage.Open(ctx, clean)
	if errors.Is(err, fs.ErrNotExist) {
		return StoredFile{}, errStoredFileNotFound(key)
	}
	if err != nil {
		return StoredFile{}, fmt.Errorf("failed to open %s: %w", key, err)
	}
	return StoredFile{Name: segments[len(segments)-1], MimeType: mimeType, Body: body}, nil
}

func (r *StoredFileReader) canReadExport(ctx context.Context, user UserAuth, segments []string) (bool, error) {
	if len(segments) != 3 || segments[1] != user.UserID || !strings.HasSuffix(segments[2], exportSnapshotExt) {
		return false, nil
	}
	jobID := strings.TrimSuffix(segments[2], exportSnapshotExt)
	job, found, err := r.jobs.Find(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return found && job.UserID == user.UserID && job.Status == SyncJobSuccess, nil
}

func (r *StoredFileReader) canReadPending(ctx context.Context, user UserAuth, key string, segments []string) (string, bool, error) {
	if len(segments) != 3 || segments[1] != user.UserID {
		return "", false, nil
	}
	f, found, err := r.files.Find(ctx, segments[2])
	if err != nil {
		return "", false, fmt.Errorf("failed to look up file %s: %w", segments[2], err)
	}
	ok := found && f.Status == FileStatusPending && f.OwnerID == user.UserID && f.Path == key
	return f.MimeType, ok, nil
}

// canReadLinked expects <owner>, then entity/id pairs, then the file id
func (r *StoredFileReader) canReadLinked(ctx context.Context, user UserAuth, key string, segments []string) (string, bool, error) {
	n := len(segments)
	if n < 4 || n%2 != 0 {
		return "", false, nil
	}
	f, found, err := r.files.Find(ctx, segments[n-1])
	if err != nil {
		return "", false, fmt.Errorf("failed to look up file %s: %w", segments[n-1], err)
	}
	if !found || f.Status != FileStatusLinked || f.Path != key {
		return "", false, nil
	}
	ref := EntityReference{Entity: segments[n-3], ID: segments[n-2]}
	if _, ok := r.mapper.EntityClass(ref.Entity); !ok {
		return "", false, nil
	}
	ok, err := r.access.CanAccessEntity(ctx, user, ref, PermissionRead)
	if err != nil {
		return "", false, err
	}
	return f.MimeType, ok, nil
}
