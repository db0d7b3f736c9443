package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ivoronin/dupehound/internal/finder"
	"github.com/ivoronin/dupehound/internal/perceptual"
	"github.com/ivoronin/dupehound/internal/types"
	"github.com/ivoronin/dupehound/internal/walker"
)

// Exit codes per the RD000..RD130 envelope: 0 success (duplicates
// found), 1 general error, 2 no duplicates found, 3 partial success
// (non-fatal scan errors), 130 interrupted.
const (
	exitOK          = 0
	exitError       = 1
	exitNoDupes     = 2
	exitPartial     = 3
	exitInterrupted = 130
)

// exitCode is read by main after root.Execute() returns, since cobra's
// RunE only carries an error, not a code.
var exitCode int

type findOptions struct {
	minSizeStr  string
	maxSizeStr  string
	excludes    []string
	includeRx   string
	excludeRx   string
	categories  []string
	newerThan   string
	olderThan   string
	followLinks bool
	skipHidden  bool
	workers     int
	ioThreads   int
	paranoid    bool
	strict      bool
	cacheFile   string
	bloomFPRate float64
	mmapEnabled bool
	mmapThresholdStr string

	similarImages     bool
	similarDocuments  bool
	imageAlgorithm    string
	imageThreshold    int
	documentThreshold int

	referencePaths []string
	jsonOutput     bool
	jsonErrors     bool
	noProgress     bool
}

func newFindCmd() *cobra.Command {
	opts := &findOptions{
		minSizeStr:        "1",
		workers:           runtime.NumCPU(),
		ioThreads:         4,
		bloomFPRate:       0.01,
		imageAlgorithm:    "phash",
		documentThreshold: similarityDefaultDocumentThreshold,
	}

	cmd := &cobra.Command{
		Use:   "find [paths...]",
		Short: "Find duplicate (and optionally similar) files without modifying anything",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runFind(args, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.minSizeStr, "min-size", "m", opts.minSizeStr, "Minimum file size (e.g., 100, 1K, 10M, 1G)")
	f.StringVar(&opts.maxSizeStr, "max-size", "", "Maximum file size (0 means no upper bound)")
	f.StringSliceVarP(&opts.excludes, "exclude", "e", nil, "Gitignore-style patterns to exclude")
	f.StringVar(&opts.includeRx, "include-regex", "", "Only consider basenames matching this regex")
	f.StringVar(&opts.excludeRx, "exclude-regex", "", "Skip basenames matching this regex")
	f.StringSliceVar(&opts.categories, "category", nil, "Restrict to file categories (image, document, ...)")
	f.StringVar(&opts.newerThan, "newer-than", "", "Only consider files modified after this RFC3339 time")
	f.StringVar(&opts.olderThan, "older-than", "", "Only consider files modified before this RFC3339 time")
	f.BoolVar(&opts.followLinks, "follow-symlinks", false, "Follow symlinked directories while walking")
	f.BoolVar(&opts.skipHidden, "skip-hidden", false, "Skip dotfiles and dotdirs")
	f.IntVarP(&opts.workers, "workers", "w", opts.workers, "Number of walker workers")
	f.IntVar(&opts.ioThreads, "io-threads", opts.ioThreads, "Number of concurrent hashing workers")
	f.BoolVar(&opts.paranoid, "paranoid", false, "Byte-compare files after a full-hash match")
	f.BoolVar(&opts.strict, "strict", false, "Abort on the first non-fatal scan/hash error")
	f.StringVar(&opts.cacheFile, "cache-file", "", "Path to hash cache file (enables caching)")
	f.Float64Var(&opts.bloomFPRate, "bloom-fp-rate", opts.bloomFPRate, "False-positive rate for bloom-filter acceleration")
	f.BoolVar(&opts.mmapEnabled, "mmap", true, "Use mmap for large-file hashing")
	f.StringVar(&opts.mmapThresholdStr, "mmap-threshold", "64Mi", "File size at or above which mmap is used")

	f.BoolVar(&opts.similarImages, "similar-images", false, "Also find perceptually similar images")
	f.BoolVar(&opts.similarDocuments, "similar-documents", false, "Also find near-duplicate documents")
	f.StringVar(&opts.imageAlgorithm, "image-algorithm", opts.imageAlgorithm, "Perceptual hash algorithm: phash, dhash, ahash")
	f.IntVar(&opts.imageThreshold, "image-threshold", 0, "Hamming-distance threshold for image similarity (0 uses the algorithm default)")
	f.IntVar(&opts.documentThreshold, "document-threshold", opts.documentThreshold, "Hamming-distance threshold for document similarity")

	f.StringSliceVar(&opts.referencePaths, "reference", nil, "Path prefixes to treat as protected (never a deletion candidate)")
	f.BoolVar(&opts.jsonOutput, "json", false, "Print results as JSON")
	f.BoolVar(&opts.jsonErrors, "json-errors", false, "On fatal error, print the {code,exit_code,message,interrupted} envelope to stderr as JSON")
	f.BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")

	return cmd
}

// errorEnvelope is the fatal-error JSON shape described by spec.md §7.
type errorEnvelope struct {
	Code        string `json:"code"`
	ExitCode    int    `json:"exit_code"`
	Message     string `json:"message"`
	Interrupted bool   `json:"interrupted"`
}

func runFind(paths []string, opts *findOptions) error {
	config, err := buildFinderConfig(opts)
	if err != nil {
		return failFind(opts, "RD000", exitError, err, false)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	var shutdown atomic.Bool
	go func() {
		<-ctx.Done()
		shutdown.Store(true)
	}()
	config.Shutdown = &shutdown
	config.ReferencePaths = opts.referencePaths

	groups, summary, err := finder.FindInPaths(paths, config)
	if err != nil {
		var fe *finder.Error
		code, kind := "RD001", exitError
		if asFinderError(err, &fe) {
			code, kind = finderErrorCode(fe)
		}
		return failFind(opts, code, kind, err, false)
	}

	if summary.Interrupted {
		return failFind(opts, "RD130", exitInterrupted, fmt.Errorf("interrupted"), true)
	}

	finder.SortGroups(groups)
	printFindResults(opts, groups, summary)

	switch {
	case len(summary.ScanErrors) > 0:
		exitCode = exitPartial
	case len(groups) == 0:
		exitCode = exitNoDupes
	default:
		exitCode = exitOK
	}
	return nil
}

func failFind(opts *findOptions, code string, exitVal int, err error, interrupted bool) error {
	if opts.jsonErrors {
		env := errorEnvelope{Code: code, ExitCode: exitVal, Message: err.Error(), Interrupted: interrupted}
		enc, _ := json.Marshal(env)
		fmt.Fprintln(os.Stderr, string(enc))
	} else {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	exitCode = exitVal
	return nil
}

func asFinderError(err error, target **finder.Error) bool {
	fe, ok := err.(*finder.Error)
	if !ok {
		return false
	}
	*target = fe
	return true
}

func finderErrorCode(fe *finder.Error) (string, int) {
	switch fe.Kind {
	case finder.PermissionDenied:
		return "RD010", exitError
	case finder.NotFound, finder.PathNotFound:
		return "RD011", exitError
	case finder.NotADirectory:
		return "RD012", exitError
	case finder.Io:
		return "RD020", exitError
	case finder.HashError:
		return "RD021", exitError
	case finder.CacheError:
		return "RD022", exitError
	case finder.Interrupted:
		return "RD130", exitInterrupted
	default:
		return "RD001", exitError
	}
}

func printFindResults(opts *findOptions, groups []types.DuplicateGroup, summary finder.ScanSummary) {
	if opts.jsonOutput {
		enc, _ := json.MarshalIndent(struct {
			Groups  []types.DuplicateGroup `json:"groups"`
			Summary finder.ScanSummary     `json:"summary"`
		}{groups, summary}, "", "  ")
		fmt.Println(string(enc))
		return
	}

	for _, g := range groups {
		kind := "exact"
		if g.IsSimilar {
			kind = "similar"
		}
		fmt.Printf("--- %s group (%s, %d files) ---\n", kind, humanize.IBytes(uint64(g.Size)), len(g.Files))
		for _, f := range g.Files {
			fmt.Println(" ", f.Path)
		}
	}
	fmt.Printf("\n%d files scanned, %d duplicate groups, %s reclaimable, %d scan errors, %s\n",
		summary.TotalFiles, summary.DuplicateGroups, humanize.IBytes(uint64(summary.ReclaimableBytes)),
		len(summary.ScanErrors), summary.WallTime)
}

func buildFinderConfig(opts *findOptions) (finder.Config, error) {
	minSize, err := parseSize(opts.minSizeStr)
	if err != nil {
		return finder.Config{}, fmt.Errorf("invalid --min-size: %w", err)
	}
	var maxSize int64
	if opts.maxSizeStr != "" {
		maxSize, err = parseSize(opts.maxSizeStr)
		if err != nil {
			return finder.Config{}, fmt.Errorf("invalid --max-size: %w", err)
		}
	}
	mmapThreshold, err := parseSize(opts.mmapThresholdStr)
	if err != nil {
		return finder.Config{}, fmt.Errorf("invalid --mmap-threshold: %w", err)
	}

	if err := validateGlobPatterns(opts.excludes); err != nil {
		return finder.Config{}, fmt.Errorf("invalid --exclude: %w", err)
	}

	var includeRx, excludeRx *regexp.Regexp
	if opts.includeRx != "" {
		includeRx, err = regexp.Compile(opts.includeRx)
		if err != nil {
			return finder.Config{}, fmt.Errorf("invalid --include-regex: %w", err)
		}
	}
	if opts.excludeRx != "" {
		excludeRx, err = regexp.Compile(opts.excludeRx)
		if err != nil {
			return finder.Config{}, fmt.Errorf("invalid --exclude-regex: %w", err)
		}
	}

	var newerThan, olderThan time.Time
	if opts.newerThan != "" {
		newerThan, err = time.Parse(time.RFC3339, opts.newerThan)
		if err != nil {
			return finder.Config{}, fmt.Errorf("invalid --newer-than: %w", err)
		}
	}
	if opts.olderThan != "" {
		olderThan, err = time.Parse(time.RFC3339, opts.olderThan)
		if err != nil {
			return finder.Config{}, fmt.Errorf("invalid --older-than: %w", err)
		}
	}

	algorithm, err := parseImageAlgorithm(opts.imageAlgorithm)
	if err != nil {
		return finder.Config{}, err
	}
	imageThreshold := opts.imageThreshold
	if imageThreshold <= 0 {
		imageThreshold = algorithm.DefaultThreshold()
	}

	return finder.Config{
		Walker: walker.Config{
			FollowSymlinks: opts.followLinks,
			SkipHidden:     opts.skipHidden,
			MinSize:        minSize,
			MaxSize:        maxSize,
			GitignoreLines: opts.excludes,
			IncludeRegex:   includeRx,
			ExcludeRegex:   excludeRx,
			Categories:     opts.categories,
			NewerThan:      newerThan,
			OlderThan:      olderThan,
			Workers:        opts.workers,
			ShowProgress:   !opts.noProgress,
		},
		IOThreads:         opts.ioThreads,
		Paranoid:          opts.paranoid,
		Strict:            opts.strict,
		BloomFPRate:       opts.bloomFPRate,
		MmapEnabled:       opts.mmapEnabled,
		MmapThreshold:     mmapThreshold,
		CachePath:         opts.cacheFile,
		SimilarImages:     opts.similarImages,
		SimilarDocuments:  opts.similarDocuments,
		ImageAlgorithm:    algorithm,
		ImageThreshold:    imageThreshold,
		DocumentThreshold: opts.documentThreshold,
		ShowProgress:      !opts.noProgress,
	}, nil
}

func parseImageAlgorithm(s string) (perceptual.Algorithm, error) {
	switch s {
	case "", "phash":
		return perceptual.PHash, nil
	case "dhash":
		return perceptual.DHash, nil
	case "ahash":
		return perceptual.AHash, nil
	default:
		return 0, fmt.Errorf("unknown --image-algorithm %q (want phash, dhash, or ahash)", s)
	}
}

const similarityDefaultDocumentThreshold = 15
