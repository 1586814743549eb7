// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package blockdir

import (
	"context"
	"strings"
	"testing"

	"github.com/conserve-go/conserve/transport"
)

func newTestBlockDir(t *testing.T) *BlockDir {
	t.Helper()
	tr := transport.NewLocal(t.TempDir())
	if err := tr.CreateDir(context.Background(), "d"); err != nil {
		t.Fatal(err)
	}
	bd, err := New(tr)
	if err != nil {
		t.Fatal(err)
	}
	return bd
}

func TestStoreLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	bd := newTestBlockDir(t)

	want := []byte("hello, conserve")
	h, _, err := bd.Store(ctx, want)
	if err != nil {
		t.Fatal(err)
	}

	got, err := bd.Load(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Fatalf("Load = %q, want %q", got, want)
	}
}

func TestStoreDedupsIdenticalContent(t *testing.T) {
	ctx := context.Background()
	bd := newTestBlockDir(t)

	b := []byte("repeat this content")
	h1, stored1, err := bd.Store(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	h2, stored2, err := bd.Store(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("hashes differ for identical content: %s vs %s", h1, h2)
	}
	if !stored1 || stored2 {
		t.Fatalf("stored = (%v, %v), want (true, false): the first call should write, the second should hit the dedup", stored1, stored2)
	}
}

func TestContains(t *testing.T) {
	ctx := context.Background()
	bd := newTestBlockDir(t)

	h, _, err := bd.Store(ctx, []byte("present"))
	if err != nil {
		t.Fatal(err)
	}
	ok, err := bd.Contains(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Contains should report true for a stored block")
	}

	ok, err = bd.Contains(ctx, strings.Repeat("0", 64))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("Contains should report false for a block never stored")
	}
}

func TestSliceCachesDecompressedBlock(t *testing.T) {
	ctx := context.Background()
	bd := newTestBlockDir(t)

	content := []byte("0123456789abcdef")
	h, _, err := bd.Store(ctx, content)
	if err != nil {
		t.Fatal(err)
	}

	cache := NewCache()
	got, err := bd.Slice(ctx, h, 2, 4, cache)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "2345" {
		t.Fatalf("Slice = %q, want %q", got, "2345")
	}
	if cache.hash != h {
		t.Fatal("cache was not populated with the block hash")
	}

	got, err = bd.Slice(ctx, h, 10, 6, cache)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "abcdef" {
		t.Fatalf("Slice = %q, want %q", got, "abcdef")
	}
}

func TestSliceOutOfRange(t *testing.T) {
	ctx := context.Background()
	bd := newTestBlockDir(t)

	h, _, err := bd.Store(ctx, []byte("short"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bd.Slice(ctx, h, 0, 1000, NewCache()); err == nil {
		t.Fatal("expected an error slicing past the end of a block")
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	bd := newTestBlockDir(t)

	want := map[string]bool{}
	for _, s := range []string{"one", "two", "three"} {
		h, _, err := bd.Store(ctx, []byte(s))
		if err != nil {
			t.Fatal(err)
		}
		want[h] = true
	}

	names, errc := bd.List(ctx)
	got := map[string]bool{}
	for n := range names {
		got[n] = true
	}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d blocks, want %d", len(got), len(want))
	}
	for h := range want {
		if !got[h] {
			t.Errorf("missing block %s from List", h)
		}
	}
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	bd := newTestBlockDir(t)

	for _, s := range []string{"alpha", "beta", "gamma"} {
		if _, _, err := bd.Store(ctx, []byte(s)); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := bd.Validate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.BlockReadCount != 3 {
		t.Fatalf("BlockReadCount = %d, want 3", stats.BlockReadCount)
	}
	if stats.BlockErrorCount != 0 {
		t.Fatalf("BlockErrorCount = %d, want 0", stats.BlockErrorCount)
	}
}

func TestLoadDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewLocal(t.TempDir())
	if err := tr.CreateDir(ctx, "d"); err != nil {
		t.Fatal(err)
	}
	bd, err := New(tr)
	if err != nil {
		t.Fatal(err)
	}

	h, _, err := bd.Store(ctx, []byte("original content"))
	if err != nil {
		t.Fatal(err)
	}

	sub, err := tr.Chdir("d")
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.RemoveFile(ctx, blockPath(h)); err != nil {
		t.Fatal(err)
	}
	if err := sub.Write(ctx, blockPath(h), []byte("garbage, not zstd"), transport.CreateNew); err != nil {
		t.Fatal(err)
	}

	if _, err := bd.Load(ctx, h); err == nil {
		t.Fatal("expected Load to detect corrupted block content")
	}
}
