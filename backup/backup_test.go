// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/conserve-go/conserve/archive"
	"github.com/conserve-go/conserve/transport"
)

func newTestArchive(t *testing.T) *archive.Archive {
	t.Helper()
	tr := transport.NewLocal(t.TempDir())
	a, err := archive.Create(context.Background(), tr)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunBacksUpFilesAndDirs(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "hello")
	writeFile(t, filepath.Join(src, "sub", "b.txt"), "world")

	a := newTestArchive(t)
	id, stats, err := Run(ctx, a, src, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if stats.FilesBackedUp != 2 {
		t.Errorf("FilesBackedUp = %d, want 2", stats.FilesBackedUp)
	}
	if stats.DirsBackedUp != 1 {
		t.Errorf("DirsBackedUp = %d, want 1", stats.DirsBackedUp)
	}
	if stats.Errors != 0 {
		t.Errorf("Errors = %d, want 0", stats.Errors)
	}

	b, err := a.OpenBand(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	closed, err := b.IsClosed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !closed {
		t.Fatal("band should be closed after a successful backup run")
	}

	r, err := b.NewIndexReader(ctx)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := r.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 { // sub/ dir, a.txt, sub/b.txt
		t.Fatalf("got %d entries, want 3", len(entries))
	}
}

func TestRunDedupsIdenticalChunks(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "one.txt"), "same content")
	writeFile(t, filepath.Join(src, "two.txt"), "same content")

	a := newTestArchive(t)
	_, stats, err := Run(ctx, a, src, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if stats.BlocksStored != 1 {
		t.Errorf("BlocksStored = %d, want 1", stats.BlocksStored)
	}
	if stats.BlocksDeduped != 1 {
		t.Errorf("BlocksDeduped = %d, want 1", stats.BlocksDeduped)
	}
}

func TestRunRespectsExclude(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "keep.txt"), "keep")
	writeFile(t, filepath.Join(src, "skip.txt"), "skip")

	a := newTestArchive(t)
	_, stats, err := Run(ctx, a, src, Options{Exclude: []string{"/skip.txt"}})
	if err != nil {
		t.Fatal(err)
	}
	if stats.FilesBackedUp != 1 {
		t.Errorf("FilesBackedUp = %d, want 1", stats.FilesBackedUp)
	}
}

func TestRunEmptyFileProducesNoAddresses(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "empty.txt"), "")

	a := newTestArchive(t)
	id, _, err := Run(ctx, a, src, Options{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := a.OpenBand(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	r, err := b.NewIndexReader(ctx)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := r.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || len(entries[0].Addrs) != 0 {
		t.Fatalf("got %+v, want one entry with no addresses", entries)
	}
}
