// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package archive ties together the top-level container format: the
// CONSERVE header, the BlockDir, and the set of band directories a
// backup/restore/validate pipeline operates over.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/conserve-go/conserve/band"
	"github.com/conserve-go/conserve/blockdir"
	"github.com/conserve-go/conserve/transport"
)

// Version is the archive format version this package creates and the
// only version it opens.
const Version = "0.6"

var (
	// ErrNotAnArchive is returned by Open when the CONSERVE header is missing.
	ErrNotAnArchive = errors.New("archive: not an archive: missing CONSERVE header")
	// ErrUnsupportedVersion is returned by Open when the header's version
	// does not match Version.
	ErrUnsupportedVersion = errors.New("archive: unsupported archive version")
	// ErrBandNotFound is returned when a requested band id does not exist.
	ErrBandNotFound = errors.New("archive: band not found")
)

type header struct {
	ConserveArchiveVersion string `json:"conserve_archive_version"`
}

// Archive is an open archive: a transport rooted at the archive
// directory, plus its BlockDir.
type Archive struct {
	tr transport.Transport
	bd *blockdir.BlockDir
}

// Create creates a new archive at tr: it must currently be empty. It
// writes the CONSERVE header and creates the d/ BlockDir.
func Create(ctx context.Context, tr transport.Transport) (*Archive, error) {
	if _, err := tr.Metadata(ctx, "CONSERVE"); err == nil {
		return nil, fmt.Errorf("archive: create: already exists")
	}
	if files, dirs, err := tr.ListDir(ctx, ""); err == nil && (len(files) > 0 || len(dirs) > 0) {
		return nil, fmt.Errorf("archive: create: directory is not empty")
	}
	if err := tr.CreateDir(ctx, "d"); err != nil {
		return nil, fmt.Errorf("archive: create: %w", err)
	}
	raw, err := json.Marshal(header{ConserveArchiveVersion: Version})
	if err != nil {
		return nil, fmt.Errorf("archive: create: %w", err)
	}
	raw = append(raw, '\n')
	if err := tr.Write(ctx, "CONSERVE", raw, transport.CreateNew); err != nil {
		return nil, fmt.Errorf("archive: create: %w", err)
	}
	bd, err := blockdir.New(tr)
	if err != nil {
		return nil, fmt.Errorf("archive: create: %w", err)
	}
	return &Archive{tr: tr, bd: bd}, nil
}

// Open opens an existing archive, validating the CONSERVE header.
func Open(ctx context.Context, tr transport.Transport) (*Archive, error) {
	raw, err := tr.Read(ctx, "CONSERVE")
	if err != nil {
		if transport.IsKind(err, transport.NotFound) {
			return nil, ErrNotAnArchive
		}
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("%w: unparseable header: %v", ErrNotAnArchive, err)
	}
	if h.ConserveArchiveVersion != Version {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, h.ConserveArchiveVersion)
	}
	bd, err := blockdir.New(tr)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	return &Archive{tr: tr, bd: bd}, nil
}

// BlockDir returns the archive's block store.
func (a *Archive) BlockDir() *blockdir.BlockDir { return a.bd }

// Transport returns the Transport rooted at the archive directory.
func (a *Archive) Transport() transport.Transport { return a.tr }

// topLevelBandNames lists directory entries that are band directories,
// ignoring d/ and reporting any name that doesn't parse as a band id.
func (a *Archive) topLevelBandNames(ctx context.Context) (bands []string, unrecognized []string, err error) {
	_, dirs, err := a.tr.ListDir(ctx, "")
	if err != nil {
		return nil, nil, fmt.Errorf("archive: list: %w", err)
	}
	for _, name := range dirs {
		if name == "d" {
			continue
		}
		if !strings.HasPrefix(name, "b") {
			unrecognized = append(unrecognized, name)
			continue
		}
		if _, err := band.ParseID(name); err != nil {
			unrecognized = append(unrecognized, name)
			continue
		}
		bands = append(bands, name)
	}
	return bands, unrecognized, nil
}

// ListBands returns every band id in the archive, sorted ascending.
func (a *Archive) ListBands(ctx context.Context) ([]band.ID, error) {
	names, _, err := a.topLevelBandNames(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]band.ID, 0, len(names))
	for _, name := range names {
		id, err := band.ParseID(name)
		if err != nil {
			return nil, fmt.Errorf("archive: list bands: %w", err)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return band.Compare(ids[i], ids[j]) < 0 })
	return ids, nil
}

// OpenBand opens the band named id.
func (a *Archive) OpenBand(ctx context.Context, id band.ID) (*band.Band, error) {
	sub, err := a.tr.Chdir(id.String())
	if err != nil {
		return nil, fmt.Errorf("archive: open band %s: %w", id, err)
	}
	b, err := band.Open(ctx, sub, id)
	if err != nil {
		if transport.IsKind(errors.Unwrap(err), transport.NotFound) {
			return nil, fmt.Errorf("%w: %s", ErrBandNotFound, id)
		}
		return nil, err
	}
	return b, nil
}

// CreateBand allocates the next top-level band id (one past the current
// maximum, or zero for an empty archive) and creates it.
func (a *Archive) CreateBand(ctx context.Context, startTime int64) (*band.Band, error) {
	last, err := a.LastBandID(ctx)
	var next band.ID
	if err != nil {
		if !errors.Is(err, ErrBandNotFound) {
			return nil, err
		}
		next = band.NewID(0)
	} else {
		next = last.Next()
	}
	sub, err := a.tr.Chdir(next.String())
	if err != nil {
		return nil, fmt.Errorf("archive: create band %s: %w", next, err)
	}
	return band.Create(ctx, sub, next, startTime)
}

// LastBandID returns the highest band id in the archive.
func (a *Archive) LastBandID(ctx context.Context) (band.ID, error) {
	ids, err := a.ListBands(ctx)
	if err != nil {
		return band.ID{}, err
	}
	if len(ids) == 0 {
		return band.ID{}, ErrBandNotFound
	}
	return ids[len(ids)-1], nil
}

// LastCompleteBand returns the most recent band id with a BANDTAIL.
func (a *Archive) LastCompleteBand(ctx context.Context) (band.ID, error) {
	ids, err := a.ListBands(ctx)
	if err != nil {
		return band.ID{}, err
	}
	for i := len(ids) - 1; i >= 0; i-- {
		b, err := a.OpenBand(ctx, ids[i])
		if err != nil {
			continue
		}
		closed, err := b.IsClosed(ctx)
		if err == nil && closed {
			return ids[i], nil
		}
	}
	return band.ID{}, ErrBandNotFound
}

// ReferencedBlocks returns the union, over every band's index, of every
// address's block hash.
func (a *Archive) ReferencedBlocks(ctx context.Context) (map[string]struct{}, error) {
	ids, err := a.ListBands(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]struct{}{}
	for _, id := range ids {
		b, err := a.OpenBand(ctx, id)
		if err != nil {
			continue
		}
		r, err := b.NewIndexReader(ctx)
		if err != nil {
			continue
		}
		for n := 0; n < r.HunkCount(); n++ {
			entries, err := r.ReadHunk(ctx, n)
			if err != nil {
				continue
			}
			for _, e := range entries {
				for _, addr := range e.Addrs {
					out[addr.Hash] = struct{}{}
				}
			}
		}
	}
	return out, nil
}

// Stats summarizes an archive-wide Validate pass.
type Stats struct {
	UnrecognizedNames []string
	DuplicateBandIDs  int
	BlockStats        blockdir.Stats
	BandStats         map[string]band.ValidationStats
}

// Validate checks top-level structure, the BlockDir, and every band's
// index, accumulating errors rather than stopping at the first one.
func (a *Archive) Validate(ctx context.Context) (Stats, error) {
	var stats Stats
	stats.BandStats = map[string]band.ValidationStats{}

	names, unrecognized, err := a.topLevelBandNames(ctx)
	if err != nil {
		return stats, err
	}
	stats.UnrecognizedNames = unrecognized

	seen := map[string]bool{}
	for _, name := range names {
		id, err := band.ParseID(name)
		if err != nil {
			continue
		}
		if seen[id.String()] {
			stats.DuplicateBandIDs++
			continue
		}
		seen[id.String()] = true
	}

	blockStats, err := a.bd.Validate(ctx)
	if err != nil {
		return stats, fmt.Errorf("archive: validate: %w", err)
	}
	stats.BlockStats = blockStats

	ids, err := a.ListBands(ctx)
	if err != nil {
		return stats, err
	}
	for _, id := range ids {
		b, err := a.OpenBand(ctx, id)
		if err != nil {
			continue
		}
		bandStats, err := b.Validate(ctx, a.bd)
		if err != nil {
			continue
		}
		stats.BandStats[id.String()] = bandStats
	}
	return stats, nil
}
