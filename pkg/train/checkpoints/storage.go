// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/gridtrain/pkg/config"
	"github.com/gomlx/gridtrain/pkg/errdefs"
	"github.com/gomlx/gridtrain/pkg/support/fsutil"
	"github.com/pkg/errors"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// FilePermMode is the permission (before umask) of the files written by DirStorage.
	FilePermMode = os.FileMode(0660)
)

// Storage is a flat namespace of objects addressed by slash-separated keys, e.g.: "iter_0000100/metadata.json".
//
// Get returns an error wrapping fs.ErrNotExist for missing keys.
type Storage interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns the sorted keys starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete all keys starting with prefix.
	Delete(ctx context.Context, prefix string) error
}

// NewStorage returns the storage configured by cfg, rooted at location: a directory, or a key prefix in S3.
func NewStorage(ctx context.Context, cfg config.CheckpointConfig, location string) (Storage, error) {
	switch cfg.Storage {
	case config.StorageDir, "":
		return NewDirStorage(location)
	case config.StorageS3:
		return NewS3StorageFromConfig(ctx, cfg.S3Bucket, cfg.S3Region, location)
	default:
		return nil, errdefs.NewConfigError("checkpoint.storage", "unknown storage %q", cfg.Storage)
	}
}

// DirStorage stores objects as files under a root directory. Puts are atomic: a partially written file
// is never visible under its final name.
type DirStorage struct {
	root string
}

var _ Storage = (*DirStorage)(nil)

// NewDirStorage creates the root directory if needed.
func NewDirStorage(root string) (*DirStorage, error) {
	root, err := fsutil.ReplaceTildeInDir(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "creating checkpoint directory %q", root)
	}
	return &DirStorage{root: root}, nil
}

// Root directory of the storage.
func (s *DirStorage) Root() string { return s.root }

func (s *DirStorage) String() string { return s.root }

func (s *DirStorage) filePath(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(path.Clean("/" + key)))
}

// Put implements Storage.
func (s *DirStorage) Put(_ context.Context, key string, r io.Reader) error {
	filePath := s.filePath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), DirPermMode); err != nil {
		return errors.Wrapf(err, "creating directory for %q", filePath)
	}
	return fsutil.WriteFileAtomic(filePath, r, FilePermMode)
}

// Get implements Storage.
func (s *DirStorage) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.filePath(key))
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", key)
	}
	return f, nil
}

// List implements Storage.
func (s *DirStorage) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(filePath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, filePath)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		// Hidden files are temporary files of unfinished Puts.
		if strings.HasPrefix(key, prefix) && !strings.HasPrefix(path.Base(key), ".") {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing %q", s.root)
	}
	slices.Sort(keys)
	return keys, nil
}

// Delete implements Storage. Directories left empty are removed.
func (s *DirStorage) Delete(ctx context.Context, prefix string) error {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	dirs := make(map[string]bool)
	for _, key := range keys {
		filePath := s.filePath(key)
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing %q", filePath)
		}
		dirs[filepath.Dir(filePath)] = true
	}
	for dir := range dirs {
		if dir != s.root {
			// Only succeeds if empty.
			_ = os.Remove(dir)
		}
	}
	return nil
}
