// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/conserve-go/conserve/archive"
	"github.com/conserve-go/conserve/band"
	"github.com/conserve-go/conserve/backup"
	"github.com/conserve-go/conserve/monitor"
	"github.com/conserve-go/conserve/restore"
	"github.com/conserve-go/conserve/transport"
)

// Exit codes.
const (
	exitOK               = 0
	exitValidateProblems = 1
	exitUsage            = 2
	exitIOError          = 3
)

// usageError marks an argument error as distinct from an operational one,
// so main can map it to exitUsage instead of exitIOError.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsage)
	}

	ctx := context.Background()
	var err error
	switch os.Args[1] {
	case "create":
		err = runCreate(ctx, os.Args[2:])
	case "backup":
		err = runBackup(ctx, os.Args[2:])
	case "restore":
		err = runRestore(ctx, os.Args[2:])
	case "validate":
		err = runValidate(ctx, os.Args[2:])
	case "ls":
		err = runLs(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(exitUsage)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "conserve: %v\n", err)
		var ue usageError
		if errors.As(err, &ue) {
			os.Exit(exitUsage)
		}
		os.Exit(exitIOError)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: conserve <create|backup|restore|validate|ls> [flags]")
}

func runCreate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	archivePath := fs.String("archive", "", "archive directory to create")
	fs.Parse(args)
	if *archivePath == "" {
		return usageError{"-archive is required"}
	}
	if err := os.MkdirAll(*archivePath, 0o755); err != nil {
		return err
	}
	tr := transport.NewLocal(*archivePath)
	_, err := archive.Create(ctx, tr)
	return err
}

func runBackup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	archivePath := fs.String("archive", "", "archive directory")
	source := fs.String("source", "", "source directory to back up")
	fs.Parse(args)
	if *archivePath == "" || *source == "" {
		return usageError{"-archive and -source are required"}
	}

	a, err := openArchive(ctx, *archivePath)
	if err != nil {
		return err
	}
	m := monitor.NewSlog(slog.Default())
	id, stats, err := backup.Run(ctx, a, *source, backup.Options{Monitor: m})
	if err != nil {
		return err
	}
	fmt.Printf("backed up %s: %d files, %d dirs, %d symlinks, %d errors\n",
		id, stats.FilesBackedUp, stats.DirsBackedUp, stats.SymlinksFound, stats.Errors)
	return nil
}

func runRestore(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	archivePath := fs.String("archive", "", "archive directory")
	dest := fs.String("dest", "", "destination directory")
	bandName := fs.String("band", "", "band id to restore (default: latest complete band)")
	fs.Parse(args)
	if *archivePath == "" || *dest == "" {
		return usageError{"-archive and -dest are required"}
	}

	a, err := openArchive(ctx, *archivePath)
	if err != nil {
		return err
	}

	var sel restore.BandSelection = restore.Latest{}
	if *bandName != "" {
		id, err := band.ParseID(*bandName)
		if err != nil {
			return usageError{err.Error()}
		}
		sel = restore.Specified{ID: id}
	}

	m := monitor.NewSlog(slog.Default())
	stats, err := restore.Run(ctx, a, sel, *dest, restore.Options{Monitor: m})
	if err != nil {
		return err
	}
	fmt.Printf("restored: %d files, %d dirs, %d symlinks, %d errors\n",
		stats.FilesWritten, stats.DirsCreated, stats.SymlinksWritten, stats.Errors)
	return nil
}

// runValidate prints the validation summary and, if any problems were
// found, exits with exitValidateProblems rather than treating the
// (successfully completed) validation pass as an I/O error.
func runValidate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	archivePath := fs.String("archive", "", "archive directory")
	fs.Parse(args)
	if *archivePath == "" {
		return usageError{"-archive is required"}
	}

	a, err := openArchive(ctx, *archivePath)
	if err != nil {
		return err
	}
	stats, err := a.Validate(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("blocks read: %d, block errors: %d, duplicate band ids: %d, unrecognized entries: %v\n",
		stats.BlockStats.BlockReadCount, stats.BlockStats.BlockErrorCount, stats.DuplicateBandIDs, stats.UnrecognizedNames)

	problems := stats.BlockStats.BlockErrorCount > 0 || stats.DuplicateBandIDs > 0 || len(stats.UnrecognizedNames) > 0
	for id, bs := range stats.BandStats {
		fmt.Printf("  %s: %d entries checked, %d ordering errors, %d missing blocks, index gap: %v\n",
			id, bs.EntriesChecked, bs.OrderingErrors, bs.MissingBlocks, bs.IndexGap)
		if bs.OrderingErrors > 0 || bs.MissingBlocks > 0 || bs.IndexGap {
			problems = true
		}
	}
	if problems {
		os.Exit(exitValidateProblems)
	}
	return nil
}

func runLs(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	archivePath := fs.String("archive", "", "archive directory")
	fs.Parse(args)
	if *archivePath == "" {
		return usageError{"-archive is required"}
	}

	a, err := openArchive(ctx, *archivePath)
	if err != nil {
		return err
	}
	ids, err := a.ListBands(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		b, err := a.OpenBand(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open %s: %v\n", id, err)
			continue
		}
		info, err := b.Info(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "info %s: %v\n", id, err)
			continue
		}
		status := "incomplete"
		if info.IsClosed {
			status = "complete"
		}
		fmt.Printf("%s  start=%d  %s\n", id, info.StartTime, status)
	}
	return nil
}

func openArchive(ctx context.Context, path string) (*archive.Archive, error) {
	tr := transport.NewLocal(path)
	return archive.Open(ctx, tr)
}
