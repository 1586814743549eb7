// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"context"
	"testing"

	"github.com/conserve-go/conserve/transport"
)

func newTestTransport(t *testing.T) transport.Transport {
	t.Helper()
	return transport.NewLocal(t.TempDir())
}

func TestWriterReaderRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)

	w := NewWriter(tr)
	entries := []Entry{
		{Apath: "/a", Kind: KindDir},
		{Apath: "/a/b", Kind: KindFile, Size: 3, Addrs: []Address{{Hash: "deadbeef", Start: 0, Len: 3}}},
		{Apath: "/a/c", Kind: KindFile, Size: 0},
		{Apath: "/b", Kind: KindSymlink, Target: "/a/b"},
	}
	for _, e := range entries {
		if err := w.Push(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Finish(ctx); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(ctx, tr)
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i, e := range entries {
		if got[i].Apath != e.Apath {
			t.Errorf("entry %d: apath = %q, want %q", i, got[i].Apath, e.Apath)
		}
	}
}

func TestWriterRejectsOutOfOrder(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	w := NewWriter(tr)

	if err := w.Push(ctx, Entry{Apath: "/b", Kind: KindDir}); err != nil {
		t.Fatal(err)
	}
	err := w.Push(ctx, Entry{Apath: "/a", Kind: KindDir})
	if err == nil {
		t.Fatal("expected an error pushing an out-of-order apath")
	}
}

func TestWriterRejectsDuplicateApath(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	w := NewWriter(tr)

	if err := w.Push(ctx, Entry{Apath: "/a", Kind: KindDir}); err != nil {
		t.Fatal(err)
	}
	if err := w.Push(ctx, Entry{Apath: "/a", Kind: KindDir}); err == nil {
		t.Fatal("expected an error pushing a duplicate apath")
	}
}

func TestWriterRejectsInvalidApath(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	w := NewWriter(tr)
	if err := w.Push(ctx, Entry{Apath: "relative", Kind: KindDir}); err == nil {
		t.Fatal("expected an error for a non-rooted apath")
	}
}

func TestWriterFlushesOnEntryThreshold(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	w := NewWriter(tr)

	for i := 0; i < HunkEntries+10; i++ {
		apath := "/f" + padNumber(i)
		if err := w.Push(ctx, Entry{Apath: apath, Kind: KindDir}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Finish(ctx); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(ctx, tr)
	if err != nil {
		t.Fatal(err)
	}
	if r.HunkCount() < 2 {
		t.Fatalf("expected at least 2 hunks after exceeding HunkEntries, got %d", r.HunkCount())
	}
	all, err := r.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != HunkEntries+10 {
		t.Fatalf("got %d entries, want %d", len(all), HunkEntries+10)
	}
}

func TestReaderEmptyIndex(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)
	r, err := NewReader(ctx, tr)
	if err != nil {
		t.Fatal(err)
	}
	if r.HunkCount() != 0 {
		t.Fatalf("expected 0 hunks for an empty index, got %d", r.HunkCount())
	}
}

func TestReaderTrailingTruncationIsNotAGap(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)

	if err := tr.Write(ctx, hunkPath(0), []byte("x"), transport.CreateNew); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(ctx, tr)
	if err != nil {
		t.Fatal(err)
	}
	if r.HunkCount() != 1 {
		t.Fatalf("HunkCount = %d, want 1", r.HunkCount())
	}
	if r.GapDetected() {
		t.Fatal("a single trailing hunk should not be reported as a gap")
	}
}

func TestReaderDetectsInternalGap(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t)

	if err := tr.Write(ctx, hunkPath(0), []byte("x"), transport.CreateNew); err != nil {
		t.Fatal(err)
	}
	// Hunk 1 is deliberately missing; hunk 2 exists beyond the hole.
	if err := tr.Write(ctx, hunkPath(2), []byte("x"), transport.CreateNew); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(ctx, tr)
	if err != nil {
		t.Fatal(err)
	}
	if r.HunkCount() != 1 {
		t.Fatalf("HunkCount = %d, want 1 (the contiguous run before the gap)", r.HunkCount())
	}
	if !r.GapDetected() {
		t.Fatal("expected GapDetected to report the hole at hunk 1")
	}
}

func padNumber(n int) string {
	digits := "0123456789"
	s := make([]byte, 6)
	for i := 5; i >= 0; i-- {
		s[i] = digits[n%10]
		n /= 10
	}
	return string(s)
}
