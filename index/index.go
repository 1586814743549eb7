// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/conserve-go/conserve/compress"
	"github.com/conserve-go/conserve/transport"
)

// Tunable hunk-flush thresholds (spec §9 open question 3).
const (
	HunkEntries = 1000
	HunkBytes   = 1 << 20
)

// Kind discriminates the three entry types a snapshot can contain.
type Kind string

const (
	KindFile    Kind = "File"
	KindDir     Kind = "Dir"
	KindSymlink Kind = "Symlink"
)

// Address is a reference to a byte range within a stored block.
type Address struct {
	Hash  string `json:"hash"`
	Start uint64 `json:"start"`
	Len   uint64 `json:"len"`
}

// Entry is one row of a snapshot's index: a file, directory, or symlink
// at a given archive path.
type Entry struct {
	Apath      string    `json:"apath"`
	Kind       Kind      `json:"kind"`
	MtimeSec   int64     `json:"mtime"`
	MtimeNanos int32     `json:"mtime_nanos"`
	Mode       uint32    `json:"mode"`
	Owner      string    `json:"owner,omitempty"`
	Group      string    `json:"group,omitempty"`
	Addrs      []Address `json:"addrs,omitempty"`
	Target     string    `json:"target,omitempty"`
	Size       uint64    `json:"size,omitempty"`
}

var (
	ErrInvalidApath = errors.New("index: invalid apath")
	ErrOutOfOrder   = errors.New("index: entries must be strictly ascending by apath")
	ErrIndexCorrupt = errors.New("index: corrupt hunk")
)

// hunkPath returns the transport-relative path of hunk n, following the
// SSSSSSSSS/NNNN fan-out: n/10000 zero-padded to 9 digits, n%10000
// zero-padded to 4 digits.
func hunkPath(n int) string {
	return fmt.Sprintf("i/%09d/%04d", n/10000, n%10000)
}

// Writer accumulates Entry values and flushes them to numbered hunk
// files once a size or count threshold is reached. It is append-only
// and single-writer: Push rejects any entry that does not sort strictly
// after the previous one.
type Writer struct {
	tr          transport.Transport
	last        string
	have        bool
	hunkEntries int
	hunkBytes   int

	pending    []Entry
	pendingLen int
	nextHunk   int
}

// WriterOption configures a Writer's hunk-flush thresholds.
type WriterOption func(*Writer)

// WithHunkEntries overrides the default HunkEntries threshold.
func WithHunkEntries(n int) WriterOption {
	return func(w *Writer) { w.hunkEntries = n }
}

// WithHunkBytes overrides the default HunkBytes threshold.
func WithHunkBytes(n int) WriterOption {
	return func(w *Writer) { w.hunkBytes = n }
}

// NewWriter returns a Writer that will create hunk files under tr.
func NewWriter(tr transport.Transport, opts ...WriterOption) *Writer {
	w := &Writer{tr: tr, hunkEntries: HunkEntries, hunkBytes: HunkBytes}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Push appends entry to the pending buffer, then flushes the buffer as
// a hunk if it has reached a threshold.
func (w *Writer) Push(ctx context.Context, entry Entry) error {
	if !ValidApath(entry.Apath) {
		return invalidApathError(entry.Apath)
	}
	if w.have && !LessApath(w.last, entry.Apath) {
		return fmt.Errorf("%w: %q does not follow %q", ErrOutOfOrder, entry.Apath, w.last)
	}

	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("index: marshal entry %q: %w", entry.Apath, err)
	}

	w.pending = append(w.pending, entry)
	w.pendingLen += len(b)
	w.last = entry.Apath
	w.have = true

	if len(w.pending) >= w.hunkEntries || w.pendingLen >= w.hunkBytes {
		return w.flush(ctx)
	}
	return nil
}

// Finish flushes any buffered entries. It must be called exactly once,
// after the last Push.
func (w *Writer) Finish(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	return w.flush(ctx)
}

func (w *Writer) flush(ctx context.Context) error {
	raw, err := json.Marshal(w.pending)
	if err != nil {
		return fmt.Errorf("index: marshal hunk %d: %w", w.nextHunk, err)
	}
	compressed := compress.Encode(raw)
	if err := w.tr.Write(ctx, hunkPath(w.nextHunk), compressed, transport.CreateNew); err != nil {
		return fmt.Errorf("index: write hunk %d: %w", w.nextHunk, err)
	}
	w.pending = nil
	w.pendingLen = 0
	w.nextHunk++
	return nil
}

// Reader streams Entry values back out of a band's hunk files, hunk by
// hunk, in ascending order.
type Reader struct {
	tr     transport.Transport
	nHunks int
	gap    bool
}

// NewReader returns a Reader over the hunks already written to tr. It
// lists the i/ tree once up front to determine how many contiguous
// hunks exist from 0; a missing trailing hunk with nothing past it is
// a still-open band and ends the sequence silently, but a hunk number
// found beyond the first missing one means the sequence has a hole in
// the middle, which is corruption, not truncation, and is recorded for
// GapDetected to report.
func NewReader(ctx context.Context, tr transport.Transport) (*Reader, error) {
	n, gap, err := countHunks(ctx, tr)
	if err != nil {
		return nil, err
	}
	return &Reader{tr: tr, nHunks: n, gap: gap}, nil
}

// countHunks walks every i/SSSSSSSSS/ directory, gathering every hunk
// number present rather than stopping at the first one, then returns
// the length of the contiguous run starting at 0 and whether any hunk
// number exists beyond that run.
func countHunks(ctx context.Context, tr transport.Transport) (count int, gapBeyond bool, err error) {
	_, segDirs, err := tr.ListDir(ctx, "i")
	if err != nil {
		if transport.IsKind(err, transport.NotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("index: list i/: %w", err)
	}

	var nums []int
	for _, segName := range sortedNumericNames(segDirs) {
		seg, _ := parseNumericName(segName, 9)
		files, _, err := tr.ListDir(ctx, fmt.Sprintf("i/%s", segName))
		if err != nil {
			return 0, false, fmt.Errorf("index: list i/%s: %w", segName, err)
		}
		for _, f := range sortedNumericNames(files) {
			n, ok := parseNumericName(f, 4)
			if !ok {
				continue
			}
			nums = append(nums, seg*10000+n)
		}
	}
	sort.Ints(nums)

	for _, n := range nums {
		if n != count {
			break
		}
		count++
	}
	return count, len(nums) > count, nil
}

// HunkCount returns the number of hunks available to read.
func (r *Reader) HunkCount() int { return r.nHunks }

// GapDetected reports whether a hunk number was found beyond the first
// missing one: a hole in the middle of the sequence rather than a band
// still being written.
func (r *Reader) GapDetected() bool { return r.gap }

// ReadHunk loads and deserializes hunk n.
func (r *Reader) ReadHunk(ctx context.Context, n int) ([]Entry, error) {
	raw, err := r.tr.Read(ctx, hunkPath(n))
	if err != nil {
		return nil, fmt.Errorf("%w: hunk %d: %v", ErrIndexCorrupt, n, err)
	}
	decompressed, err := compress.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: hunk %d: %v", ErrIndexCorrupt, n, err)
	}
	var entries []Entry
	if err := json.Unmarshal(decompressed, &entries); err != nil {
		return nil, fmt.Errorf("%w: hunk %d: %v", ErrIndexCorrupt, n, err)
	}
	return entries, nil
}

// All reads every hunk in order and concatenates their entries. It is a
// convenience for small indexes and tests; production restore/stitch
// paths should prefer hunk-at-a-time iteration so a single corrupt hunk
// doesn't force loading the whole index into memory first.
func (r *Reader) All(ctx context.Context) ([]Entry, error) {
	var out []Entry
	for i := 0; i < r.nHunks; i++ {
		entries, err := r.ReadHunk(ctx, i)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}
