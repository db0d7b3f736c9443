// Package finder is the duplicate-detection engine's public entry
// point: it sequences the walk and the four detection phases into a
// single (groups, summary) call (spec.md §4.12).
package finder

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ivoronin/dupehound/internal/cache"
	"github.com/ivoronin/dupehound/internal/fullhashphase"
	"github.com/ivoronin/dupehound/internal/hashengine"
	"github.com/ivoronin/dupehound/internal/perceptual"
	"github.com/ivoronin/dupehound/internal/prehashphase"
	"github.com/ivoronin/dupehound/internal/similarityphase"
	"github.com/ivoronin/dupehound/internal/sizephase"
	"github.com/ivoronin/dupehound/internal/types"
	"github.com/ivoronin/dupehound/internal/walker"
)

// Kind enumerates the FinderError taxonomy (spec.md §7).
type Kind int

const (
	PermissionDenied Kind = iota
	NotFound
	NotADirectory
	Io
	HashError
	CacheError
	Interrupted
	PathNotFound
)

func (k Kind) String() string {
	switch k {
	case PermissionDenied:
		return "permission_denied"
	case NotFound:
		return "not_found"
	case NotADirectory:
		return "not_a_directory"
	case Io:
		return "io"
	case HashError:
		return "hash_error"
	case CacheError:
		return "cache_error"
	case Interrupted:
		return "interrupted"
	case PathNotFound:
		return "path_not_found"
	default:
		return "unknown"
	}
}

// Error is the aggregate error type find returns: a fatal condition
// that aborted the run (as opposed to the non-fatal errors collected
// into ScanSummary.ScanErrors).
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config collects every knob described in spec.md §6.
type Config struct {
	Walker walker.Config

	IOThreads   int
	Paranoid    bool
	Strict      bool
	BloomFPRate float64

	MmapEnabled   bool
	MmapThreshold int64

	ReferencePaths []string

	// Cache is a pre-opened, externally owned cache handle; if set it
	// takes priority over CachePath and is never closed by Find.
	Cache     *cache.Cache
	CachePath string

	SimilarImages     bool
	SimilarDocuments  bool
	ImageAlgorithm    perceptual.Algorithm
	ImageThreshold    int
	DocumentThreshold int

	Shutdown     *atomic.Bool
	ShowProgress bool
}

// ScanSummary aggregates counters and non-fatal errors across every
// phase (spec.md §3, §4.12 step 5).
type ScanSummary struct {
	TotalFiles int64
	TotalBytes int64
	EmptyFiles int64

	UniqueSizes       int64
	EliminatedBySize  int64
	EliminatedByHash  int64
	CachePrehashHits  int64
	CachePrehashMiss  int64
	CacheFullHashHits int64
	CacheFullHashMiss int64

	BloomSizePassed     uint64
	BloomSizeDropped    uint64
	BloomPrehashPassed  uint64
	BloomPrehashDropped uint64

	DuplicateGroups  int64
	DuplicateFiles   int64
	ReclaimableBytes int64
	SimilarGroups    int64

	ScanErrors  []error
	Interrupted bool
	WallTime    time.Duration
}

// Find runs the full pipeline over a single root.
func Find(root string, config Config) ([]types.DuplicateGroup, ScanSummary, error) {
	return FindInPaths([]string{root}, config)
}

// FindInPaths runs the full pipeline over multiple roots.
func FindInPaths(roots []string, config Config) ([]types.DuplicateGroup, ScanSummary, error) {
	start := time.Now()
	summary := ScanSummary{}

	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			return nil, summary, &Error{Kind: PathNotFound, Path: root, Err: err}
		}
		if !info.IsDir() {
			return nil, summary, &Error{Kind: NotADirectory, Path: root}
		}
	}

	refPrefixes := referencePrefixes(roots, config.ReferencePaths)

	errCh := make(chan error, 256)
	var collected []error
	var collectWg sync.WaitGroup
	collectWg.Add(1)
	go func() {
		defer collectWg.Done()
		for err := range errCh {
			collected = append(collected, err)
		}
	}()

	walkerConfig := config.Walker
	walkerConfig.Shutdown = config.Shutdown
	mw, err := walker.NewMultiWalker(roots, &walkerConfig, errCh)
	if err != nil {
		close(errCh)
		collectWg.Wait()
		return nil, summary, &Error{Kind: Io, Err: err}
	}
	files := mw.Run()
	close(errCh)
	collectWg.Wait()
	summary.ScanErrors = append(summary.ScanErrors, collected...)

	groups, summary, err := findFromFiles(files, refPrefixes, config, summary, start)
	if err != nil {
		return nil, summary, err
	}
	return groups, summary, nil
}

// FindFromFiles skips walking and runs the detection phases directly
// over records supplied by the caller (benchmarks, session replay).
func FindFromFiles(records []*types.FileRecord, config Config) ([]types.DuplicateGroup, ScanSummary, error) {
	start := time.Now()
	refPrefixes := config.ReferencePaths
	return findFromFiles(records, refPrefixes, config, ScanSummary{}, start)
}

func findFromFiles(files []*types.FileRecord, refPrefixes []string, config Config,
	summary ScanSummary, start time.Time) ([]types.DuplicateGroup, ScanSummary, error) {
	summary.TotalFiles = int64(len(files))
	for _, f := range files {
		summary.TotalBytes += f.Size
	}

	c, closeCache, err := resolveCache(config)
	if err != nil {
		return nil, summary, &Error{Kind: CacheError, Err: err}
	}
	if closeCache != nil {
		defer func() { _ = closeCache() }()
	}

	engine := hashengine.New(config.MmapThreshold, !config.MmapEnabled)
	if config.IOThreads <= 0 {
		config.IOThreads = 4
	}
	fpRate := config.BloomFPRate
	if fpRate <= 0 {
		fpRate = 0.01
	}

	// Phase 4 (image/document fingerprinting) runs concurrently with
	// phases 2-3, which is the expensive I/O-bound part; only the final
	// exact-subset suppression needs phase 3's completed groups (spec.md
	// §4.12 step 3, §5 "4 in parallel with the tail of 3").
	var simResult similarityphase.Result
	var simWg sync.WaitGroup
	if config.SimilarImages || config.SimilarDocuments {
		simWg.Add(1)
		go func() {
			defer simWg.Done()
			simResult = similarityphase.Run(files, nil, c, similarityphase.Config{
				EnableImages:      config.SimilarImages,
				EnableDocuments:   config.SimilarDocuments,
				ImageAlgorithm:    config.ImageAlgorithm,
				ImageThreshold:    config.ImageThreshold,
				DocumentThreshold: config.DocumentThreshold,
				IOThreads:         config.IOThreads,
				ShowProgress:      config.ShowProgress,
			})
		}()
	}

	sizeResult := sizephase.Run(files, fpRate, config.ShowProgress)
	summary.UniqueSizes = int64(sizeResult.Stats.UniqueSizes)
	summary.EliminatedBySize = int64(sizeResult.Stats.EliminatedSingles)
	summary.EmptyFiles = int64(sizeResult.Stats.EmptyFiles)
	summary.BloomSizePassed = sizeResult.Stats.BloomPassed
	summary.BloomSizeDropped = sizeResult.Stats.BloomDropped

	if shuttingDown(config.Shutdown) {
		simWg.Wait()
		summary.Interrupted = true
		summary.WallTime = time.Since(start)
		return nil, summary, nil
	}

	prehashResult, err := prehashphase.Run(sizeResult.Groups, engine, c, config.IOThreads, fpRate, config.Strict, config.ShowProgress)
	summary.CachePrehashHits += prehashResult.Stats.CacheHits
	summary.CachePrehashMiss += prehashResult.Stats.CacheMisses
	summary.EliminatedByHash += int64(prehashResult.Stats.Eliminated)
	summary.BloomPrehashPassed = prehashResult.Stats.BloomPassed
	summary.BloomPrehashDropped = prehashResult.Stats.BloomDropped
	summary.ScanErrors = append(summary.ScanErrors, prehashResult.Errors...)
	if err != nil {
		simWg.Wait()
		summary.WallTime = time.Since(start)
		return nil, summary, &Error{Kind: HashError, Err: err}
	}

	if shuttingDown(config.Shutdown) {
		simWg.Wait()
		summary.Interrupted = true
		summary.WallTime = time.Since(start)
		return nil, summary, nil
	}

	fullResult, err := fullhashphase.Run(prehashResult.Groups, engine, c, config.IOThreads, config.Paranoid, config.Strict, config.ShowProgress)
	summary.CacheFullHashHits += fullResult.Stats.CacheHits
	summary.CacheFullHashMiss += fullResult.Stats.CacheMisses
	summary.ScanErrors = append(summary.ScanErrors, fullResult.Errors...)
	if err != nil {
		simWg.Wait()
		summary.WallTime = time.Since(start)
		return nil, summary, &Error{Kind: HashError, Err: err}
	}

	groups := make([]types.DuplicateGroup, len(fullResult.Groups))
	copy(groups, fullResult.Groups)
	for i := range groups {
		groups[i].ReferencePrefixes = refPrefixes
	}
	summary.DuplicateGroups += int64(len(groups))
	for _, g := range groups {
		summary.DuplicateFiles += int64(g.Len())
		summary.ReclaimableBytes += g.ReclaimableBytes()
	}

	simWg.Wait()
	summary.ScanErrors = append(summary.ScanErrors, simResult.Errors...)
	for _, g := range simResult.Groups {
		if subsetOfAny(g, groups) {
			continue
		}
		g.ReferencePrefixes = refPrefixes
		groups = append(groups, g)
		summary.SimilarGroups++
		summary.DuplicateGroups++
		summary.DuplicateFiles += int64(g.Len())
		summary.ReclaimableBytes += g.ReclaimableBytes()
	}

	if config.Strict && len(summary.ScanErrors) > 0 {
		summary.WallTime = time.Since(start)
		return groups, summary, &Error{Kind: Io, Err: summary.ScanErrors[0]}
	}

	summary.WallTime = time.Since(start)
	return groups, summary, nil
}

func resolveCache(config Config) (*cache.Cache, func() error, error) {
	if config.Cache != nil {
		return config.Cache, nil, nil
	}
	if config.CachePath == "" {
		return nil, nil, nil
	}
	c, err := cache.Open(config.CachePath)
	if err != nil {
		return nil, nil, err
	}
	return c, c.Close, nil
}

func shuttingDown(flag *atomic.Bool) bool {
	return flag != nil && flag.Load()
}

// referencePrefixes determines protected path prefixes per spec.md
// §4.12 step 2: explicit config wins; otherwise, with multiple roots,
// the first canonicalized root is treated as the reference.
func referencePrefixes(roots []string, explicit []string) []string {
	if len(explicit) > 0 {
		return explicit
	}
	if len(roots) < 2 {
		return nil
	}
	abs, err := filepath.Abs(roots[0])
	if err != nil {
		return nil
	}
	return []string{filepath.Clean(abs)}
}

func subsetOfAny(g types.DuplicateGroup, others []types.DuplicateGroup) bool {
	for _, o := range others {
		if g.IsSubsetOf(o) {
			return true
		}
	}
	return false
}

// ProtectedPath reports whether path falls under one of group's
// reference prefixes, making it ineligible as a deletion candidate.
func ProtectedPath(path string, g types.DuplicateGroup) bool {
	for _, prefix := range g.ReferencePrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// SortGroups orders groups deterministically for display: largest
// reclaim first, then by ID for stability.
func SortGroups(groups []types.DuplicateGroup) {
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].ReclaimableBytes() != groups[j].ReclaimableBytes() {
			return groups[i].ReclaimableBytes() > groups[j].ReclaimableBytes()
		}
		return string(groups[i].ID[:]) < string(groups[j].ID[:])
	})
}
