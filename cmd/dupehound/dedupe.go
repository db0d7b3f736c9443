package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ivoronin/dupehound/internal/deduper"
	"github.com/ivoronin/dupehound/internal/finder"
	"github.com/ivoronin/dupehound/internal/walker"
)

// dedupeOptions holds CLI flags for the dedupe command.
type dedupeOptions struct {
	minSizeStr      string
	excludes        []string
	workers         int
	noProgress      bool
	verbose         bool
	dryRun          bool
	symlinkFallback bool
	cacheFile       string
}

// newDedupeCmd creates the dedupe subcommand.
func newDedupeCmd() *cobra.Command {
	opts := &dedupeOptions{
		minSizeStr: "1",
		workers:    runtime.NumCPU(),
	}

	cmd := &cobra.Command{
		Use:   "dedupe [paths...]",
		Short: "Find and deduplicate files",
		Long: `Scans for duplicates and replaces them with hardlinks (or symlinks as fallback).

When using --symlink-fallback, path order determines which location keeps actual data
(symlink source) vs which become symlinks. For example:
  dupehound dedupe /primary /secondary --symlink-fallback
keeps files in /primary, with /secondary containing symlinks pointing to them.

Use --dry-run to preview without making changes.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runDedupe(args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.minSizeStr, "min-size", "m", opts.minSizeStr, "Minimum file size (e.g., 100, 1K, 10M, 1G)")
	cmd.Flags().StringSliceVarP(&opts.excludes, "exclude", "e", nil, "Gitignore-style patterns to exclude")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", opts.workers, "Number of parallel workers")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Show individual file operations")
	cmd.Flags().BoolVarP(&opts.dryRun, "dry-run", "n", false, "Preview changes without executing")
	cmd.Flags().BoolVar(&opts.symlinkFallback, "symlink-fallback", false, "Fall back to symlinks when deduplicating files across device boundaries")
	cmd.Flags().StringVar(&opts.cacheFile, "cache-file", "", "Path to hash cache file (enables caching)")

	return cmd
}

// drainErrors consumes errors from a channel and writes them to stderr.
func drainErrors(errs <-chan error) {
	for err := range errs {
		fmt.Fprintf(os.Stderr, "\r\033[Kerror: %v\n", err)
	}
}

// runDedupe finds exact duplicates, then replaces all but one copy of
// each group with a hardlink (or symlink, across device boundaries).
func runDedupe(paths []string, opts *dedupeOptions) error {
	minSize, err := parseSize(opts.minSizeStr)
	if err != nil {
		return fmt.Errorf("invalid --min-size: %w", err)
	}

	if err := validateGlobPatterns(opts.excludes); err != nil {
		return fmt.Errorf("invalid --exclude: %w", err)
	}

	showProgress := !opts.noProgress

	errors := make(chan error, 100)
	go drainErrors(errors)
	defer close(errors)

	groups, _, err := finder.FindInPaths(paths, finder.Config{
		Walker: walker.Config{
			MinSize:        minSize,
			GitignoreLines: opts.excludes,
			Workers:        opts.workers,
			ShowProgress:   showProgress,
		},
		IOThreads:    opts.workers,
		CachePath:    opts.cacheFile,
		ShowProgress: showProgress,
	})
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if len(groups) == 0 {
		return nil
	}

	deduper.New(groups, paths, opts.dryRun, opts.symlinkFallback, opts.verbose, showProgress, errors).Run()

	return nil
}
