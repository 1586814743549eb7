// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the byte-level I/O capability the rest of the
// engine depends on. The core never touches a filesystem or a network
// socket directly: it only ever calls through a Transport, so the same
// archive/blockdir/index code works unmodified against a local directory
// or a remote object-store-like service.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// WriteMode controls how Write behaves when the target path already exists.
type WriteMode int

const (
	// CreateNew fails with an AlreadyExists error if path exists.
	CreateNew WriteMode = iota
	// Overwrite replaces any existing content at path.
	Overwrite
)

// Kind classifies metadata entries returned by Metadata.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

// Info is the metadata returned for a path.
type Info struct {
	Len  int64
	Kind Kind
}

// ErrorKind classifies a transport failure so callers can branch on it
// without string-matching error messages.
type ErrorKind int

const (
	Other ErrorKind = iota
	NotFound
	AlreadyExists
	PermissionDenied
)

func (k ErrorKind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case AlreadyExists:
		return "already exists"
	case PermissionDenied:
		return "permission denied"
	default:
		return "other"
	}
}

// Error is the error type every Transport method returns on failure.
type Error struct {
	Kind  ErrorKind
	Path  string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transport: %s: %s: %v", e.Path, e.Kind, e.Cause)
	}
	return fmt.Sprintf("transport: %s: %s", e.Path, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// Transport is the capability set every archive storage backend must
// implement. Paths are always relative to the transport's own root; a
// Transport knows nothing about paths outside that root.
type Transport interface {
	// Read returns the full contents of path.
	Read(ctx context.Context, path string) ([]byte, error)

	// Write stores b at path. With CreateNew it must be atomic: a
	// concurrent reader never observes a partial file, and it fails with
	// an AlreadyExists Error if path is already present.
	Write(ctx context.Context, path string, b []byte, mode WriteMode) error

	// ListDir lists the immediate children of path, split into files and
	// directories. Order is unspecified.
	ListDir(ctx context.Context, path string) (files, dirs []string, err error)

	// CreateDir creates path, including any missing parents.
	CreateDir(ctx context.Context, path string) error

	// RemoveFile deletes the file at path.
	RemoveFile(ctx context.Context, path string) error

	// RemoveDirAll recursively deletes path and everything under it.
	RemoveDirAll(ctx context.Context, path string) error

	// Metadata returns Info for path.
	Metadata(ctx context.Context, path string) (Info, error)

	// Chdir returns a Transport rooted at path relative to this one,
	// without re-validating that path exists.
	Chdir(path string) (Transport, error)
}
