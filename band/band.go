// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package band implements one backup snapshot's on-disk lifecycle: the
// bNNNN directory, its BANDHEAD/BANDTAIL lifecycle records, and the
// band id's dotted, multi-segment naming scheme.
package band

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/conserve-go/conserve/blockdir"
	"github.com/conserve-go/conserve/index"
	"github.com/conserve-go/conserve/transport"
)

// FormatVersion is recorded in every BANDHEAD written by this package.
const FormatVersion = "0.6"

// ErrAlreadyClosed is returned by Close when the band already has a
// BANDTAIL.
var ErrAlreadyClosed = errors.New("band: already closed")

// ID identifies a band within an archive. Segments support the
// hierarchical bNNNN-NNNN naming reserved for future nested backups;
// today every band created by this package has exactly one segment.
type ID struct {
	segments []int
}

// NewID builds an ID from one or more non-negative segment numbers.
func NewID(segments ...int) ID {
	cp := make([]int, len(segments))
	copy(cp, segments)
	return ID{segments: cp}
}

// ParseID parses a band directory name of the form "bNNNN" or
// "bNNNN-NNNN-...", accepting any number of zero-padding digits per
// segment on input.
func ParseID(name string) (ID, error) {
	if !strings.HasPrefix(name, "b") {
		return ID{}, fmt.Errorf("band: invalid band name %q: missing b prefix", name)
	}
	parts := strings.Split(name[1:], "-")
	segs := make([]int, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return ID{}, fmt.Errorf("band: invalid band name %q: empty segment", name)
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return ID{}, fmt.Errorf("band: invalid band name %q: bad segment %q", name, p)
		}
		segs = append(segs, n)
	}
	return ID{segments: segs}, nil
}

// String renders the canonical, zero-padded directory name: "bNNNN" for
// a single segment, "bNNNN-NNNN-..." for nested ids.
func (id ID) String() string {
	var b strings.Builder
	b.WriteByte('b')
	for i, seg := range id.segments {
		if i > 0 {
			b.WriteByte('-')
		}
		fmt.Fprintf(&b, "%04d", seg)
	}
	return b.String()
}

// Segments returns the id's numeric components.
func (id ID) Segments() []int { return append([]int(nil), id.segments...) }

// Compare orders two ids the way their creation order sorts: segment by
// segment, shorter-prefix-first (a parent band sorts before any of its
// hierarchical children).
func Compare(a, b ID) int {
	for i := 0; i < len(a.segments) && i < len(b.segments); i++ {
		if a.segments[i] != b.segments[i] {
			if a.segments[i] < b.segments[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a.segments) < len(b.segments):
		return -1
	case len(a.segments) > len(b.segments):
		return 1
	default:
		return 0
	}
}

// Next returns the id one greater than id at the top-level segment,
// used to allocate the next top-level band.
func (id ID) Next() ID {
	if len(id.segments) == 0 {
		return NewID(0)
	}
	return NewID(id.segments[0] + 1)
}

type head struct {
	StartTime         int64  `json:"start_time"`
	BandFormatVersion string `json:"band_format_version"`
}

type tail struct {
	EndTime int64 `json:"end_time"`
}

// Info summarizes a band's lifecycle state.
type Info struct {
	ID        ID
	StartTime int64
	EndTime   *int64
	IsClosed  bool
}

// Band is one open or closed snapshot directory.
type Band struct {
	tr transport.Transport
	id ID
}

// Create creates the band directory that tr (a Chdir'd view of the
// band's own directory) points at and writes BANDHEAD with the given
// start time, in seconds since the epoch.
func Create(ctx context.Context, tr transport.Transport, id ID, startTime int64) (*Band, error) {
	if err := tr.CreateDir(ctx, ""); err != nil {
		return nil, fmt.Errorf("band: create %s: %w", id, err)
	}
	raw, err := json.Marshal(head{StartTime: startTime, BandFormatVersion: FormatVersion})
	if err != nil {
		return nil, fmt.Errorf("band: create %s: %w", id, err)
	}
	if err := tr.Write(ctx, "BANDHEAD", raw, transport.CreateNew); err != nil {
		return nil, fmt.Errorf("band: create %s: %w", id, err)
	}
	return &Band{tr: tr, id: id}, nil
}

// Open reads and version-checks BANDHEAD for an existing band directory.
func Open(ctx context.Context, tr transport.Transport, id ID) (*Band, error) {
	raw, err := tr.Read(ctx, "BANDHEAD")
	if err != nil {
		return nil, fmt.Errorf("band: open %s: %w", id, err)
	}
	var h head
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("band: open %s: corrupt BANDHEAD: %w", id, err)
	}
	if h.BandFormatVersion != FormatVersion {
		return nil, fmt.Errorf("band: open %s: unsupported band format %q", id, h.BandFormatVersion)
	}
	return &Band{tr: tr, id: id}, nil
}

// ID returns the band's identifier.
func (b *Band) ID() ID { return b.id }

// Transport returns the Transport rooted at this band's own directory,
// the view an IndexWriter or IndexReader should be constructed against.
func (b *Band) Transport() transport.Transport { return b.tr }

// NewIndexWriter returns an index.Writer scoped to this band.
func (b *Band) NewIndexWriter(opts ...index.WriterOption) *index.Writer {
	return index.NewWriter(b.tr, opts...)
}

// NewIndexReader returns an index.Reader scoped to this band's already
// written hunks.
func (b *Band) NewIndexReader(ctx context.Context) (*index.Reader, error) {
	return index.NewReader(ctx, b.tr)
}

// IsClosed reports whether BANDTAIL exists.
func (b *Band) IsClosed(ctx context.Context) (bool, error) {
	_, err := b.tr.Metadata(ctx, "BANDTAIL")
	if err == nil {
		return true, nil
	}
	if transport.IsKind(err, transport.NotFound) {
		return false, nil
	}
	return false, fmt.Errorf("band: is-closed %s: %w", b.id, err)
}

// Close writes BANDTAIL with the given end time. Closing an
// already-closed band returns ErrAlreadyClosed.
func (b *Band) Close(ctx context.Context, endTime int64) error {
	closed, err := b.IsClosed(ctx)
	if err != nil {
		return err
	}
	if closed {
		return fmt.Errorf("band: close %s: %w", b.id, ErrAlreadyClosed)
	}
	raw, err := json.Marshal(tail{EndTime: endTime})
	if err != nil {
		return fmt.Errorf("band: close %s: %w", b.id, err)
	}
	if err := b.tr.Write(ctx, "BANDTAIL", raw, transport.CreateNew); err != nil {
		return fmt.Errorf("band: close %s: %w", b.id, err)
	}
	return nil
}

// Info reads BANDHEAD/BANDTAIL and reports the band's lifecycle state.
func (b *Band) Info(ctx context.Context) (Info, error) {
	raw, err := b.tr.Read(ctx, "BANDHEAD")
	if err != nil {
		return Info{}, fmt.Errorf("band: info %s: %w", b.id, err)
	}
	var h head
	if err := json.Unmarshal(raw, &h); err != nil {
		return Info{}, fmt.Errorf("band: info %s: corrupt BANDHEAD: %w", b.id, err)
	}

	info := Info{ID: b.id, StartTime: h.StartTime}
	tailRaw, err := b.tr.Read(ctx, "BANDTAIL")
	switch {
	case err == nil:
		var tl tail
		if jerr := json.Unmarshal(tailRaw, &tl); jerr != nil {
			return Info{}, fmt.Errorf("band: info %s: corrupt BANDTAIL: %w", b.id, jerr)
		}
		info.EndTime = &tl.EndTime
		info.IsClosed = true
	case transport.IsKind(err, transport.NotFound):
		// Incomplete band: no BANDTAIL yet.
	default:
		return Info{}, fmt.Errorf("band: info %s: %w", b.id, err)
	}
	return info, nil
}

// ValidationStats summarizes a Validate pass over one band.
type ValidationStats struct {
	EntriesChecked int
	OrderingErrors int
	MissingBlocks  int
	// IndexGap is set when the band's hunk sequence has a hole in the
	// middle (a higher-numbered hunk exists beyond a missing one),
	// rather than simply ending early the way a still-open band would.
	IndexGap bool
}

// Validate checks that this band's index entries are strictly ascending
// by apath and that every address they reference resolves to a block in
// bd. A single corrupt hunk stops the scan at that hunk (the stitcher,
// not Validate, is responsible for tolerating that); all errors found
// before that point are still reported.
func (b *Band) Validate(ctx context.Context, bd *blockdir.BlockDir) (ValidationStats, error) {
	var stats ValidationStats
	r, err := b.NewIndexReader(ctx)
	if err != nil {
		return stats, fmt.Errorf("band: validate %s: %w", b.id, err)
	}
	stats.IndexGap = r.GapDetected()

	have := false
	var last string
	for n := 0; n < r.HunkCount(); n++ {
		entries, err := r.ReadHunk(ctx, n)
		if err != nil {
			return stats, fmt.Errorf("band: validate %s: %w", b.id, err)
		}
		for _, e := range entries {
			stats.EntriesChecked++
			if have && !index.LessApath(last, e.Apath) {
				stats.OrderingErrors++
			}
			last = e.Apath
			have = true

			for _, addr := range e.Addrs {
				ok, err := bd.Contains(ctx, addr.Hash)
				if err != nil || !ok {
					stats.MissingBlocks++
				}
			}
		}
	}
	return stats, nil
}
