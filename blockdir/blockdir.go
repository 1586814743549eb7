// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package blockdir implements the content-addressed, deduplicating block
// store every archive uses to hold file content: blocks are named by the
// hex hash of their uncompressed bytes and fanned out two levels deep so
// no directory ever holds more than a few thousand entries.
package blockdir

import (
	"context"
	"errors"
	"fmt"

	"github.com/conserve-go/conserve/compress"
	"github.com/conserve-go/conserve/hash"
	"github.com/conserve-go/conserve/transport"
)

// MaxBlockSize is the target chunk size a backup pipeline should split
// files into before calling Store. It is a property of the archive, not
// of BlockDir itself, but lives here since it governs block shape.
const MaxBlockSize = 1 << 20

// ErrBlockCorrupt is reported by Load/Slice/Validate when a stored
// block's content does not hash to the name it is stored under.
var ErrBlockCorrupt = errors.New("blockdir: block content does not match its hash")

// Stats summarizes the result of a Validate pass.
type Stats struct {
	BlockReadCount  int
	BlockErrorCount int
}

// BlockDir stores and retrieves content-addressed blocks under a
// transport's d/ subtree.
type BlockDir struct {
	tr transport.Transport
}

// New returns a BlockDir rooted at tr's d/ directory. Callers create the
// directory (via Archive.Create) before first use.
func New(tr transport.Transport) (*BlockDir, error) {
	sub, err := tr.Chdir("d")
	if err != nil {
		return nil, fmt.Errorf("blockdir: %w", err)
	}
	return &BlockDir{tr: sub}, nil
}

// blockPath returns the two-level fan-out path for a 64-hex-character
// hash: the first three characters, then the full hash.
func blockPath(h string) string {
	return fmt.Sprintf("%s/%s", h[:3], h)
}

// Store compresses b and writes it under its content hash, returning the
// hash and whether this call actually wrote the block (false means it
// already existed: a genuine dedup hit, or a concurrent writer won the
// race to create identical content first). Callers should count dedup
// stats from this return value, not from a separate Contains check,
// since Contains-then-Store is inherently racy across concurrent callers
// storing the same content.
func (bd *BlockDir) Store(ctx context.Context, b []byte) (h string, stored bool, err error) {
	h = hash.Sum(b)
	path := blockPath(h)

	// Dedup fast path: an existing block skips compression and the write.
	if ok, err := bd.Contains(ctx, h); err == nil && ok {
		return h, false, nil
	}

	if err := bd.tr.CreateDir(ctx, h[:3]); err != nil {
		return "", false, fmt.Errorf("blockdir: store %s: %w", h, err)
	}

	compressed := compress.Encode(b)
	werr := bd.tr.Write(ctx, path, compressed, transport.CreateNew)
	if werr == nil {
		return h, true, nil
	}
	if transport.IsKind(werr, transport.AlreadyExists) {
		// A racing writer created the block first: accept it once its
		// size is plausible (non-zero).
		info, err := bd.tr.Metadata(ctx, path)
		if err != nil {
			return "", false, fmt.Errorf("blockdir: store %s: %w", h, err)
		}
		if info.Len == 0 {
			return "", false, fmt.Errorf("blockdir: store %s: existing block is empty", h)
		}
		return h, false, nil
	}
	return "", false, fmt.Errorf("blockdir: store %s: %w", h, werr)
}

// Load reads and decompresses the block named hash, verifying that its
// content actually hashes to the name it was requested under.
func (bd *BlockDir) Load(ctx context.Context, h string) ([]byte, error) {
	raw, err := bd.tr.Read(ctx, blockPath(h))
	if err != nil {
		return nil, fmt.Errorf("blockdir: load %s: %w", h, err)
	}
	b, err := compress.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBlockCorrupt, h, err)
	}
	if got := hash.Sum(b); got != h {
		return nil, fmt.Errorf("%w: %s: recomputed hash %s", ErrBlockCorrupt, h, got)
	}
	return b, nil
}

// Cache is a small per-task handle Slice uses to avoid redecompressing
// the same block on back-to-back reads of adjacent ranges. It is not
// safe for concurrent use: callers should keep one Cache per goroutine.
type Cache struct {
	hash string
	data []byte
}

// NewCache returns an empty per-task Slice cache.
func NewCache() *Cache { return &Cache{} }

// Slice returns b[start:start+length] for the block named hash, where b
// is that block's decompressed content. If cache already holds the
// decompressed bytes for hash, no I/O or decompression is performed.
func (bd *BlockDir) Slice(ctx context.Context, h string, start, length uint64, cache *Cache) ([]byte, error) {
	var b []byte
	if cache != nil && cache.hash == h {
		b = cache.data
	} else {
		loaded, err := bd.Load(ctx, h)
		if err != nil {
			return nil, err
		}
		b = loaded
		if cache != nil {
			cache.hash = h
			cache.data = loaded
		}
	}
	end := start + length
	if end > uint64(len(b)) {
		return nil, fmt.Errorf("blockdir: slice %s[%d:%d]: block is only %d bytes", h, start, end, len(b))
	}
	return b[start:end], nil
}

// Contains reports whether a block named hash exists.
func (bd *BlockDir) Contains(ctx context.Context, h string) (bool, error) {
	_, err := bd.tr.Metadata(ctx, blockPath(h))
	if err == nil {
		return true, nil
	}
	if transport.IsKind(err, transport.NotFound) {
		return false, nil
	}
	return false, fmt.Errorf("blockdir: contains %s: %w", h, err)
}

// List enumerates every block hash in the store, in unspecified order,
// over a channel that closes when enumeration completes or ctx is
// cancelled.
func (bd *BlockDir) List(ctx context.Context) (<-chan string, <-chan error) {
	out := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		_, prefixes, err := bd.tr.ListDir(ctx, "")
		if err != nil {
			if transport.IsKind(err, transport.NotFound) {
				return
			}
			errc <- fmt.Errorf("blockdir: list: %w", err)
			return
		}
		for _, prefix := range prefixes {
			files, _, err := bd.tr.ListDir(ctx, prefix)
			if err != nil {
				errc <- fmt.Errorf("blockdir: list %s: %w", prefix, err)
				return
			}
			for _, name := range files {
				if !hash.Valid(name) {
					continue
				}
				select {
				case out <- name:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
		}
	}()

	return out, errc
}

// Validate loads every block and confirms its content hashes to its
// name, counting successes and failures rather than stopping at the
// first problem.
func (bd *BlockDir) Validate(ctx context.Context) (Stats, error) {
	var stats Stats
	names, errc := bd.List(ctx)
	for name := range names {
		stats.BlockReadCount++
		if _, err := bd.Load(ctx, name); err != nil {
			stats.BlockErrorCount++
		}
	}
	if err := <-errc; err != nil {
		return stats, err
	}
	return stats, nil
}
