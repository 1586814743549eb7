// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package restore writes a stitched archive tree back out to the local
// filesystem.
package restore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/conserve-go/conserve/archive"
	"github.com/conserve-go/conserve/band"
	"github.com/conserve-go/conserve/blockdir"
	"github.com/conserve-go/conserve/index"
	"github.com/conserve-go/conserve/monitor"
	"github.com/conserve-go/conserve/stitcher"
)

// BandSelection picks which band's logical tree to restore.
type BandSelection interface {
	resolve(ctx context.Context, a *archive.Archive) (band.ID, error)
}

// Latest selects the archive's most recent complete band.
type Latest struct{}

func (Latest) resolve(ctx context.Context, a *archive.Archive) (band.ID, error) {
	return a.LastCompleteBand(ctx)
}

// Specified selects an exact band by id.
type Specified struct {
	ID band.ID
}

func (s Specified) resolve(context.Context, *archive.Archive) (band.ID, error) {
	return s.ID, nil
}

// Options configures one restore run.
type Options struct {
	// Monitor receives progress counters and problems. A nil Monitor
	// defaults to monitor.Noop.
	Monitor monitor.Monitor
}

func (o Options) monitor() monitor.Monitor {
	if o.Monitor == nil {
		return monitor.Noop{}
	}
	return o.Monitor
}

// Stats summarizes a completed restore.
type Stats struct {
	FilesWritten    int
	DirsCreated     int
	SymlinksWritten int
	Errors          int
}

// Run stitches the tree selected by sel and writes it under destRoot.
func Run(ctx context.Context, a *archive.Archive, sel BandSelection, destRoot string, opts Options) (Stats, error) {
	m := opts.monitor()
	task := m.StartTask("restore")
	defer task.Finish()

	id, err := sel.resolve(ctx, a)
	if err != nil {
		return Stats{}, fmt.Errorf("restore: %w", err)
	}
	s, err := stitcher.New(ctx, a, id)
	if err != nil {
		return Stats{}, fmt.Errorf("restore: %w", err)
	}

	r := &runner{
		ctx:      ctx,
		a:        a,
		destRoot: destRoot,
		monitor:  m,
	}

	for {
		entry, ok, err := s.Next(ctx)
		if err != nil {
			return r.stats, fmt.Errorf("restore: %w", err)
		}
		if !ok {
			break
		}
		r.closeFinishedDirs(entry.Apath)
		r.restoreEntry(entry)
	}
	r.closeFinishedDirs("")

	return r.stats, nil
}

type openDir struct {
	apath string
	path  string
	entry index.Entry
}

type runner struct {
	ctx      context.Context
	a        *archive.Archive
	destRoot string
	monitor  monitor.Monitor
	stats    Stats
	openDirs []openDir
}

// closeFinishedDirs finalizes (sets mode/mtime on) every open directory
// that is not an ancestor of nextApath, applying innermost-first.
func (r *runner) closeFinishedDirs(nextApath string) {
	for len(r.openDirs) > 0 {
		top := r.openDirs[len(r.openDirs)-1]
		if nextApath != "" && isAncestorOrSelf(top.apath, nextApath) {
			break
		}
		r.openDirs = r.openDirs[:len(r.openDirs)-1]
		if err := applyMetadata(top.path, top.entry); err != nil {
			r.stats.Errors++
			r.monitor.Problem(fmt.Sprintf("set metadata %s: %v", top.apath, err))
		}
	}
}

func isAncestorOrSelf(ancestor, apath string) bool {
	if ancestor == apath {
		return true
	}
	if ancestor == "/" {
		return strings.HasPrefix(apath, "/")
	}
	return strings.HasPrefix(apath, ancestor+"/")
}

func (r *runner) localPath(apath string) string {
	return filepath.Join(r.destRoot, filepath.FromSlash(apath))
}

func (r *runner) restoreEntry(entry index.Entry) {
	path := r.localPath(entry.Apath)

	switch entry.Kind {
	case index.KindDir:
		if err := os.MkdirAll(path, 0o755); err != nil {
			r.stats.Errors++
			r.monitor.Problem(fmt.Sprintf("mkdir %s: %v", entry.Apath, err))
			return
		}
		r.stats.DirsCreated++
		r.monitor.Counter("dirs_created", 1)
		r.openDirs = append(r.openDirs, openDir{apath: entry.Apath, path: path, entry: entry})

	case index.KindSymlink:
		if err := os.Symlink(entry.Target, path); err != nil {
			r.stats.Errors++
			r.monitor.Problem(fmt.Sprintf("symlink %s: %v", entry.Apath, err))
			return
		}
		r.stats.SymlinksWritten++
		r.monitor.Counter("symlinks_written", 1)

	case index.KindFile:
		if err := r.restoreFile(path, entry); err != nil {
			r.stats.Errors++
			r.monitor.Problem(fmt.Sprintf("restore file %s: %v", entry.Apath, err))
			return
		}
		r.stats.FilesWritten++
		r.monitor.Counter("files_written", 1)
		if err := applyMetadata(path, entry); err != nil {
			r.stats.Errors++
			r.monitor.Problem(fmt.Sprintf("set metadata %s: %v", entry.Apath, err))
		}
	}
}

func (r *runner) restoreFile(path string, entry index.Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	bd := r.a.BlockDir()
	cache := blockdir.NewCache()
	for _, addr := range entry.Addrs {
		b, err := bd.Slice(r.ctx, addr.Hash, addr.Start, addr.Len, cache)
		if err != nil {
			return err
		}
		if _, err := f.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func applyMetadata(path string, entry index.Entry) error {
	if entry.Mode != 0 {
		if err := os.Chmod(path, os.FileMode(entry.Mode)); err != nil {
			return err
		}
	}
	mtime := time.Unix(entry.MtimeSec, int64(entry.MtimeNanos))
	return os.Chtimes(path, mtime, mtime)
}
