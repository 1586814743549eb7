// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package stitcher reconstructs the full logical tree for a band by
// merging its index with those of its predecessors: since a band
// records only what its backup pass wrote, restoring or listing a
// complete snapshot means walking back through history for any apath
// the target band itself doesn't mention.
package stitcher

import (
	"context"
	"fmt"

	"github.com/conserve-go/conserve/band"
	"github.com/conserve-go/conserve/index"
)

// archive is the slice of *archive.Archive this package actually needs,
// kept narrow so stitcher doesn't import archive (which would be a
// circular dependency: archive's Validate could otherwise want to
// reuse the stitcher, but doesn't need to import it to do so).
type archive interface {
	ListBands(ctx context.Context) ([]band.ID, error)
	OpenBand(ctx context.Context, id band.ID) (*band.Band, error)
}

// Stitcher produces a merged, apath-ordered stream of index entries
// representing the full tree as of a target band.
//
// Deletions are not representable in this model: an apath absent from
// the target band but present in a predecessor is still included. A
// real delete-aware format would need a tombstone entry kind; this one
// does not have one.
type Stitcher struct {
	iters []*bandIterator // most recent band first
}

// New builds a Stitcher for the tree as of band id within a. It walks
// back from id through each predecessor's most recent complete band,
// stopping when no further predecessor exists.
func New(ctx context.Context, a archive, id band.ID) (*Stitcher, error) {
	ids, err := a.ListBands(ctx)
	if err != nil {
		return nil, fmt.Errorf("stitcher: %w", err)
	}

	var chain []band.ID
	cur := id
	for {
		found := false
		for _, existing := range ids {
			if existing.String() == cur.String() {
				found = true
				break
			}
		}
		if !found {
			break
		}
		chain = append(chain, cur)

		pred, ok, err := mostRecentCompleteBefore(ctx, a, ids, cur)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		cur = pred
	}

	var iters []*bandIterator
	for _, bid := range chain {
		b, err := a.OpenBand(ctx, bid)
		if err != nil {
			continue
		}
		it, err := newBandIterator(ctx, b)
		if err != nil {
			continue
		}
		iters = append(iters, it)
	}
	return &Stitcher{iters: iters}, nil
}

// mostRecentCompleteBefore returns the highest band id strictly less
// than before that has a BANDTAIL, scanning ids (assumed sorted
// ascending) from the end.
func mostRecentCompleteBefore(ctx context.Context, a archive, ids []band.ID, before band.ID) (band.ID, bool, error) {
	for i := len(ids) - 1; i >= 0; i-- {
		if band.Compare(ids[i], before) >= 0 {
			continue
		}
		b, err := a.OpenBand(ctx, ids[i])
		if err != nil {
			continue
		}
		closed, err := b.IsClosed(ctx)
		if err != nil {
			continue
		}
		if closed {
			return ids[i], true, nil
		}
	}
	return band.ID{}, false, nil
}

// Next returns the next entry in apath order, or ok=false once every
// contributing band is exhausted.
func (s *Stitcher) Next(ctx context.Context) (index.Entry, bool, error) {
	minApath := ""
	haveMin := false
	for _, it := range s.iters {
		e, ok, err := it.peek(ctx)
		if err != nil {
			return index.Entry{}, false, err
		}
		if !ok {
			continue
		}
		if !haveMin || index.LessApath(e.Apath, minApath) {
			minApath = e.Apath
			haveMin = true
		}
	}
	if !haveMin {
		return index.Entry{}, false, nil
	}

	var winner index.Entry
	haveWinner := false
	for _, it := range s.iters {
		e, ok, err := it.peek(ctx)
		if err != nil {
			return index.Entry{}, false, err
		}
		if !ok || e.Apath != minApath {
			continue
		}
		if !haveWinner {
			winner = e
			haveWinner = true
		}
		if _, err := it.advance(ctx); err != nil {
			return index.Entry{}, false, err
		}
	}
	return winner, true, nil
}

// bandIterator streams one band's entries in apath order, silently
// skipping any hunk that fails to read: the apath range that hunk
// would have covered is simply absent from this band's contribution,
// letting an older predecessor supply it instead.
type bandIterator struct {
	r       *index.Reader
	hunkIdx int
	buf     []index.Entry
	pos     int
}

func newBandIterator(ctx context.Context, b *band.Band) (*bandIterator, error) {
	r, err := b.NewIndexReader(ctx)
	if err != nil {
		return nil, err
	}
	return &bandIterator{r: r}, nil
}

func (it *bandIterator) fill(ctx context.Context) {
	for it.pos >= len(it.buf) && it.hunkIdx < it.r.HunkCount() {
		entries, err := it.r.ReadHunk(ctx, it.hunkIdx)
		it.hunkIdx++
		if err != nil {
			// Corrupt or missing hunk: skip it and try the next one.
			continue
		}
		it.buf = entries
		it.pos = 0
	}
}

func (it *bandIterator) peek(ctx context.Context) (index.Entry, bool, error) {
	if it.pos >= len(it.buf) {
		it.fill(ctx)
	}
	if it.pos >= len(it.buf) {
		return index.Entry{}, false, nil
	}
	return it.buf[it.pos], true, nil
}

func (it *bandIterator) advance(ctx context.Context) (index.Entry, error) {
	e, ok, err := it.peek(ctx)
	if err != nil {
		return index.Entry{}, err
	}
	if !ok {
		return index.Entry{}, fmt.Errorf("stitcher: advance past end of band")
	}
	it.pos++
	return e, nil
}
