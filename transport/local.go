// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Local is a Transport backed by a directory on the local filesystem.
// Atomic writes are implemented by writing to a sibling temp file,
// fsyncing it, and then hard-linking it into place (CreateNew) or
// renaming it into place (Overwrite).
type Local struct {
	root string
}

// NewLocal returns a Transport rooted at root. root must already exist.
func NewLocal(root string) *Local {
	return &Local{root: root}
}

func (l *Local) abs(path string) string {
	return filepath.Join(l.root, filepath.FromSlash(path))
}

func (l *Local) wrap(path string, err error) error {
	if err == nil {
		return nil
	}
	kind := Other
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = NotFound
	case errors.Is(err, fs.ErrExist):
		kind = AlreadyExists
	case errors.Is(err, fs.ErrPermission):
		kind = PermissionDenied
	}
	return &Error{Kind: kind, Path: path, Cause: err}
}

func (l *Local) Read(_ context.Context, path string) ([]byte, error) {
	b, err := os.ReadFile(l.abs(path))
	if err != nil {
		return nil, l.wrap(path, err)
	}
	return b, nil
}

func (l *Local) Write(_ context.Context, path string, b []byte, mode WriteMode) error {
	target := l.abs(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return l.wrap(path, err)
	}

	// Both modes write to a sibling temp file first and fsync it, so a
	// reader never observes the target name until its content is
	// complete: a concurrent Read or Stat against target either sees
	// nothing or sees the whole thing, never a partial write.
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-"+filepath.Base(target)+"-*")
	if err != nil {
		return l.wrap(path, err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return l.wrap(path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return l.wrap(path, err)
	}
	if err := tmp.Close(); err != nil {
		return l.wrap(path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return l.wrap(path, err)
	}

	if mode == CreateNew {
		// Link rather than rename: it fails with EEXIST instead of
		// silently replacing an existing target, giving CreateNew the
		// same exclusivity O_EXCL would, but only after the content is
		// fully written and synced under the temp name.
		if err := os.Link(tmpName, target); err != nil {
			return l.wrap(path, err)
		}
		return nil
	}

	if err := os.Rename(tmpName, target); err != nil {
		return l.wrap(path, err)
	}
	cleanup = false
	return nil
}

func (l *Local) ListDir(_ context.Context, path string) (files, dirs []string, err error) {
	entries, rerr := os.ReadDir(l.abs(path))
	if rerr != nil {
		return nil, nil, l.wrap(path, rerr)
	}
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		} else {
			files = append(files, e.Name())
		}
	}
	return files, dirs, nil
}

func (l *Local) CreateDir(_ context.Context, path string) error {
	return l.wrap(path, os.MkdirAll(l.abs(path), 0o755))
}

func (l *Local) RemoveFile(_ context.Context, path string) error {
	return l.wrap(path, os.Remove(l.abs(path)))
}

func (l *Local) RemoveDirAll(_ context.Context, path string) error {
	return l.wrap(path, os.RemoveAll(l.abs(path)))
}

func (l *Local) Metadata(_ context.Context, path string) (Info, error) {
	st, err := os.Stat(l.abs(path))
	if err != nil {
		return Info{}, l.wrap(path, err)
	}
	kind := KindFile
	if st.IsDir() {
		kind = KindDir
	}
	return Info{Len: st.Size(), Kind: kind}, nil
}

func (l *Local) Chdir(path string) (Transport, error) {
	return &Local{root: l.abs(path)}, nil
}
