// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package backup implements the walk-chunk-dedup-index pipeline that
// turns a filesystem tree into a new band in an archive.
package backup

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conserve-go/conserve/archive"
	"github.com/conserve-go/conserve/band"
	"github.com/conserve-go/conserve/blockdir"
	"github.com/conserve-go/conserve/index"
	"github.com/conserve-go/conserve/monitor"
)

// Options configures one backup run.
type Options struct {
	// Exclude holds apath prefixes to skip entirely (directories and
	// their contents, or individual files).
	Exclude []string
	// MaxEntriesPerHunk overrides index.HunkEntries for this band's
	// writer. Zero means use the package default.
	MaxEntriesPerHunk int
	// MaxBlockSize overrides blockdir.MaxBlockSize for chunking files.
	// Zero means use the package default.
	MaxBlockSize int64
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

func (o Options) maxBlockSize() int64 {
	if o.MaxBlockSize <= 0 {
		return blockdir.MaxBlockSize
	}
	return o.MaxBlockSize
}

func (o Options) excluded(apath string) bool {
	for _, prefix := range o.Exclude {
		if apath == prefix || (len(apath) > len(prefix) && apath[:len(prefix)] == prefix && apath[len(prefix)] == '/') {
			return true
		}
	}
	return false
}

// Stats summarizes a completed backup.
type Stats struct {
	FilesBackedUp int
	DirsBackedUp  int
	SymlinksFound int
	BlocksStored  int
	BlocksDeduped int
	Errors        int
}

// Run walks sourceRoot, storing its content into a's BlockDir and
// writing a newly allocated band's index. The band is closed only if
// the walk completes without a fatal error; a cancellation or fatal
// error leaves the partial band in place so the stitcher can still
// recover whatever it managed to flush.
func Run(ctx context.Context, a *archive.Archive, sourceRoot string, opts Options) (band.ID, Stats, error) {
	m := opts.monitor()
	task := m.StartTask("backup")
	defer task.Finish()

	b, err := a.CreateBand(ctx, time.Now().Unix())
	if err != nil {
		return band.ID{}, Stats{}, fmt.Errorf("backup: %w", err)
	}

	var writerOpts []index.WriterOption
	if opts.MaxEntriesPerHunk > 0 {
		writerOpts = append(writerOpts, index.WithHunkEntries(opts.MaxEntriesPerHunk))
	}
	w := b.NewIndexWriter(writerOpts...)

	walker := &walker{
		ctx:     ctx,
		a:       a,
		w:       w,
		opts:    opts,
		monitor: m,
	}
	walkErr := walker.walkDir(sourceRoot, "/")

	if walkErr != nil || ctx.Err() != nil {
		if walkErr == nil {
			walkErr = ctx.Err()
		}
		return b.ID(), walker.stats, fmt.Errorf("backup: %w", walkErr)
	}
	if err := w.Finish(ctx); err != nil {
		return b.ID(), walker.stats, fmt.Errorf("backup: %w", err)
	}

	if err := b.Close(ctx, time.Now().Unix()); err != nil {
		return b.ID(), walker.stats, fmt.Errorf("backup: %w", err)
	}
	return b.ID(), walker.stats, nil
}

type walker struct {
	ctx     context.Context
	a       *archive.Archive
	w       *index.Writer
	opts    Options
	monitor monitor.Monitor
	stats   Stats
}

// walkDir visits absPath (on the real filesystem) which corresponds to
// apath in the archive, emitting an entry for apath itself (unless it
// is the root) and then recursing into children in apath order.
func (wk *walker) walkDir(absPath, apath string) error {
	if wk.ctx.Err() != nil {
		return wk.ctx.Err()
	}

	dirEntries, err := os.ReadDir(absPath)
	if err != nil {
		wk.stats.Errors++
		wk.monitor.Problem(fmt.Sprintf("read dir %s: %v", apath, err))
		return nil
	}

	if apath != "/" {
		info, err := os.Lstat(absPath)
		if err != nil {
			wk.stats.Errors++
			wk.monitor.Problem(fmt.Sprintf("stat %s: %v", apath, err))
			return nil
		}
		if err := wk.w.Push(wk.ctx, dirEntry(apath, info)); err != nil {
			return fmt.Errorf("push dir entry %s: %w", apath, err)
		}
		wk.stats.DirsBackedUp++
		wk.monitor.Counter("dirs_backed_up", 1)
	}

	names := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		names = append(names, de.Name())
	}
	sort.Strings(names)

	// Files are batched between directory/symlink entries, not across
	// the whole directory: a run of consecutive file siblings can be
	// stored concurrently (order among them doesn't matter to apath
	// ordering), but the batch must be flushed to the index, in apath
	// order, before a directory entry that sorts after it is pushed.
	type fileJob struct {
		apath   string
		absPath string
		info    fs.FileInfo
	}
	var pending []fileJob

	flushPending := func() error {
		if len(pending) == 0 {
			return nil
		}
		results := make([]*index.Entry, len(pending))
		stored := make([]int, len(pending))
		deduped := make([]int, len(pending))
		g, gctx := errgroup.WithContext(wk.ctx)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for i, f := range pending {
			i, f := i, f
			g.Go(func() error {
				entry, s, d, err := wk.storeFile(gctx, f.apath, f.absPath, f.info)
				if err != nil {
					wk.monitor.Problem(fmt.Sprintf("store %s: %v", f.apath, err))
					return nil
				}
				results[i] = &entry
				stored[i], deduped[i] = s, d
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for i, entry := range results {
			wk.stats.BlocksStored += stored[i]
			wk.stats.BlocksDeduped += deduped[i]
			if entry == nil {
				wk.stats.Errors++
				continue // storeFile failed for this file: skip the entry entirely.
			}
			if err := wk.w.Push(wk.ctx, *entry); err != nil {
				return fmt.Errorf("push file entry %s: %w", pending[i].apath, err)
			}
			wk.stats.FilesBackedUp++
			wk.monitor.Counter("files_backed_up", 1)
		}
		pending = nil
		return nil
	}

	for _, name := range names {
		childApath := joinApath(apath, name)
		if wk.opts.excluded(childApath) {
			continue
		}
		childAbs := filepath.Join(absPath, name)
		info, err := os.Lstat(childAbs)
		if err != nil {
			wk.stats.Errors++
			wk.monitor.Problem(fmt.Sprintf("stat %s: %v", childApath, err))
			continue
		}

		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			if err := flushPending(); err != nil {
				return err
			}
			target, err := os.Readlink(childAbs)
			if err != nil {
				wk.stats.Errors++
				wk.monitor.Problem(fmt.Sprintf("readlink %s: %v", childApath, err))
				continue
			}
			if err := wk.w.Push(wk.ctx, symlinkEntry(childApath, info, target)); err != nil {
				return fmt.Errorf("push symlink entry %s: %w", childApath, err)
			}
			wk.stats.SymlinksFound++
			wk.monitor.Counter("symlinks_backed_up", 1)

		case info.IsDir():
			if err := flushPending(); err != nil {
				return err
			}
			if err := wk.walkDir(childAbs, childApath); err != nil {
				return err
			}

		default:
			pending = append(pending, fileJob{apath: childApath, absPath: childAbs, info: info})
		}
	}

	return flushPending()
}

// storeFile chunks absPath into MaxBlockSize pieces, storing each in
// the archive's BlockDir and returning the assembled index entry.
func (wk *walker) storeFile(ctx context.Context, apath, absPath string, info fs.FileInfo) (index.Entry, int, int, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return index.Entry{}, 0, 0, err
	}
	defer f.Close()

	bd := wk.a.BlockDir()
	chunkSize := wk.opts.maxBlockSize()
	buf := make([]byte, chunkSize)

	var addrs []index.Address
	var size uint64
	stored, deduped := 0, 0

	for {
		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			chunk := buf[:n]
			h, wrote, err := bd.Store(ctx, chunk)
			if err != nil {
				return index.Entry{}, 0, 0, err
			}
			if wrote {
				stored++
			} else {
				deduped++
			}
			addrs = append(addrs, index.Address{Hash: h, Start: 0, Len: uint64(n)})
			size += uint64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return index.Entry{}, 0, 0, rerr
		}
	}

	return fileEntry(apath, info, addrs, size), stored, deduped, nil
}

func joinApath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func dirEntry(apath string, info fs.FileInfo) index.Entry {
	sec, nsec := mtimeOf(info)
	return index.Entry{
		Apath:      apath,
		Kind:       index.KindDir,
		MtimeSec:   sec,
		MtimeNanos: nsec,
		Mode:       uint32(info.Mode().Perm()),
	}
}

func symlinkEntry(apath string, info fs.FileInfo, target string) index.Entry {
	sec, nsec := mtimeOf(info)
	return index.Entry{
		Apath:      apath,
		Kind:       index.KindSymlink,
		MtimeSec:   sec,
		MtimeNanos: nsec,
		Mode:       uint32(info.Mode().Perm()),
		Target:     target,
	}
}

func fileEntry(apath string, info fs.FileInfo, addrs []index.Address, size uint64) index.Entry {
	sec, nsec := mtimeOf(info)
	return index.Entry{
		Apath:      apath,
		Kind:       index.KindFile,
		MtimeSec:   sec,
		MtimeNanos: nsec,
		Mode:       uint32(info.Mode().Perm()),
		Addrs:      addrs,
		Size:       size,
	}
}

func mtimeOf(info fs.FileInfo) (sec int64, nsec int32) {
	mt := info.ModTime()
	return mt.Unix(), int32(mt.Nanosecond())
}
