// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FileStorage is the blob store behind uploads and export snapshots.
// Keys are slash-separated relative paths.
type FileStorage interface {
	Put(ctx context.Context, key string, body io.Reader) error
	Copy(ctx context.Context, srcKey, dstKey string) error
	// Delete succeeds when the key does not exist
	Delete(ctx context.Context, key string) error
	// Open returns an error matching fs.ErrNotExist for missing keys and directories
	Open(ctx context.Context, key string) (io.ReadSeekCloser, error)
	URL(key string) string
}

// LocalFileStorage keeps blobs on the local filesystem under a root directory
type LocalFileStorage struct {
	root          string
	publicBaseURL string
}

// NewLocalFileStorage creates the root directory if needed
func NewLocalFileStorage(root, publicBaseURL string) (*LocalFileStorage, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage dir %s: %w", root, err)
	}
	return &LocalFileStorage{root: root, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

func (s *LocalFileStorage) fullPath(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean[1:])), nil
}

// Put streams body into a temp file, fsyncs it and renames it into place
func (s *LocalFileStorage) Put(ctx context.Context, key string, body io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("failed to create dir for %s: %w", key, err)
	}

	tmp := full + "." + uuid.NewString() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to fsync %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", key, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", key, err)
	}
	return nil
}

// Copy duplicates srcKey to dstKey, overwriting dstKey
func (s *LocalFileStorage) Copy(ctx context.Context, srcKey, dstKey string) error {
	src, err := s.fullPath(srcKey)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", srcKey, err)
	}
	defer in.Close()
	return s.Put(ctx, dstKey, in)
}

// Delete removes key
func (s *LocalFileStorage) Delete(_ context.Context, key string) error {
	full, err := s.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Open opens the blob stored under key
func (s *LocalFileStorage) Open(_ context.Context, key string) (io.ReadSeekCloser, error) {
	full, err := s.fullPath(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fs.ErrNotExist, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%s is not a file: %w", key, fs.ErrNotExist)
	}
	return f, nil
}

// URL joins the public base URL and the escaped key
func (s *LocalFileStorage) URL(key string) string {
	parts := strings.Split(strings.TrimLeft(key, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.publicBaseURL + "/" + strings.Join(parts, "/")
}
