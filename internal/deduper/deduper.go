// Package deduper replaces duplicate files with hardlinks to reclaim disk
// space. It is a thin, external-collaborator-style consumer of
// finder.Find's duplicate groups: detection lives in the engine, linking
// and deletion are deliberately kept outside it.
//
// # Processing Pipeline
//
//	Input: []types.DuplicateGroup (confirmed duplicate groups)
//	    │
//	    ├──► For each DuplicateGroup:
//	    │        │
//	    │        ├──► Select source file (path priority, then nlink, then path order)
//	    │        │
//	    │        ├──► Group remaining files by inode (already-hardlinked siblings)
//	    │        │
//	    │        └──► For each sibling group other than the source's:
//	    │                 │
//	    │                 ├──► Verify mtime unchanged (safety check)
//	    │                 │
//	    │                 ├──► Try hardlink (atomic replace)
//	    │                 │
//	    │                 └──► If EXDEV and --symlink-fallback: try symlink
//	    │
//	    └──► Output: stats (sets deduplicated, bytes saved)
//
// # Sibling Group Optimization
//
// Files sharing a (dev, ino) pair are already hardlinked to each other.
// The deduper skips the source's sibling group entirely - no redundant work.
//
// # Safety Mechanisms
//
//   - Mtime verification prevents replacing files modified during scan
//   - Atomic replacement via rename (write temp → rename over target)
//   - Path priority allows preserving preferred copies (e.g., backups)
//   - Dry-run mode for previewing changes
package deduper

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ivoronin/dupehound/internal/progress"
	"github.com/ivoronin/dupehound/internal/types"
)

// Deduper replaces duplicate files with hardlinks (or symlinks as fallback).
//
// The deduper is designed for single-use: create with New(), call Run() once.
type Deduper struct {
	groups          []types.DuplicateGroup
	pathPriority    []string
	dryRun          bool
	symlinkFallback bool
	verbose         bool
	showProgress    bool
	errCh           chan error
}

// New creates a Deduper for replacing duplicates with links.
func New(groups []types.DuplicateGroup, pathPriority []string, dryRun, symlinkFallback, verbose, showProgress bool, errCh chan error) *Deduper {
	return &Deduper{
		groups:          groups,
		pathPriority:    pathPriority,
		dryRun:          dryRun,
		symlinkFallback: symlinkFallback,
		verbose:         verbose,
		showProgress:    showProgress,
		errCh:           errCh,
	}
}

// stats tracks deduplication progress.
type stats struct {
	totalFiles     int
	processedFiles int
	totalSets      int
	processedSets  int
	savedBytes     int64
	startTime      time.Time
}

func (s *stats) String() string {
	pct := 0.0
	if s.totalFiles > 0 {
		pct = float64(s.processedFiles) / float64(s.totalFiles) * 100
	}
	return fmt.Sprintf("Deduplicated %d/%d files in %d/%d sets (%.0f%%), saved %s in %.1fs",
		s.processedFiles, s.totalFiles,
		s.processedSets, s.totalSets,
		pct,
		humanize.IBytes(uint64(s.savedBytes)),
		time.Since(s.startTime).Seconds())
}

// siblingGroups partitions a duplicate group's files by inode identity:
// files sharing a (dev, ino) pair are already hardlinked to each other and
// need no further linking relative to one another. Files with no stable
// inode (HasInode false) each form their own singleton group.
func siblingGroups(files []*types.FileRecord) [][]*types.FileRecord {
	order := make([]types.InodeKey, 0, len(files))
	bucket := make(map[types.InodeKey][]*types.FileRecord)
	var loose [][]*types.FileRecord

	for _, f := range files {
		key, ok := f.InodeKey()
		if !ok {
			loose = append(loose, []*types.FileRecord{f})
			continue
		}
		if _, seen := bucket[key]; !seen {
			order = append(order, key)
		}
		bucket[key] = append(bucket[key], f)
	}

	groups := make([][]*types.FileRecord, 0, len(order)+len(loose))
	for _, key := range order {
		groups = append(groups, bucket[key])
	}
	return append(groups, loose...)
}

func containsRecord(group []*types.FileRecord, target *types.FileRecord) bool {
	for _, f := range group {
		if f == target {
			return true
		}
	}
	return false
}

// countTargetFiles counts the total number of files to be deduplicated,
// excluding one file per group (the source).
func (d *Deduper) countTargetFiles() int {
	total := 0
	for _, g := range d.groups {
		if g.Len() < 2 {
			continue
		}
		total += g.Len() - 1
	}
	return total
}

// Run executes deduplication on all duplicate groups.
func (d *Deduper) Run() {
	bar := progress.New(d.showProgress, -1)
	st := &stats{totalFiles: d.countTargetFiles(), totalSets: len(d.groups), startTime: time.Now()}
	bar.Describe(st)

	for _, group := range d.groups {
		if group.Len() < 2 {
			continue
		}

		source := selectSource(group, d.pathPriority)

		for _, siblings := range siblingGroups(group.Files) {
			if containsRecord(siblings, source) {
				continue
			}

			for _, target := range siblings {
				result := d.dedupeFile(source, target)
				if result.Err != nil {
					d.sendError(fmt.Errorf("%s: %w", target.Path, result.Err))
					continue
				}
				st.savedBytes += result.BytesSaved
				st.processedFiles++
				if d.verbose {
					fmt.Fprintf(os.Stderr, "\r\033[K")
					_, _ = fmt.Fprintln(os.Stdout, result)
				}
				bar.Describe(st)
			}
		}

		st.processedSets++
		bar.Describe(st)
	}

	bar.Finish(st)
}

// dedupeFile replaces target with a link to source.
func (d *Deduper) dedupeFile(source, target *types.FileRecord) *DedupeResult {
	f, err := os.Open(target.Path)
	if err != nil {
		return &DedupeResult{Source: source.Path, Target: target.Path, Action: ActionSkipped, Err: err}
	}
	defer func() { _ = f.Close() }()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return &DedupeResult{
			Source: source.Path,
			Target: target.Path,
			Action: ActionSkipped,
			Err:    errors.New("file in use (locked by another process)"),
		}
	}

	info, err := f.Stat()
	if err != nil {
		return &DedupeResult{Source: source.Path, Target: target.Path, Action: ActionSkipped, Err: err}
	}
	if !info.ModTime().Equal(target.ModTime) {
		return &DedupeResult{
			Source: source.Path,
			Target: target.Path,
			Action: ActionSkipped,
			Err:    errors.New("file modified since scan"),
		}
	}

	if d.dryRun {
		return &DedupeResult{Source: source.Path, Target: target.Path, Action: ActionHardlink, BytesSaved: target.Size}
	}

	err = CreateHardlink(source.Path, target.Path)
	if err == nil {
		return &DedupeResult{Source: source.Path, Target: target.Path, Action: ActionHardlink, BytesSaved: target.Size}
	}

	if errors.Is(err, syscall.EXDEV) {
		if !d.symlinkFallback {
			return &DedupeResult{
				Source: source.Path,
				Target: target.Path,
				Action: ActionSkipped,
				Err:    errors.New("cannot hardlink across device boundaries (use --symlink-fallback)"),
			}
		}

		err = CreateSymlink(source.Path, target.Path)
		if err == nil {
			return &DedupeResult{Source: source.Path, Target: target.Path, Action: ActionSymlink, BytesSaved: target.Size}
		}
		return &DedupeResult{Source: source.Path, Target: target.Path, Action: ActionSkipped, Err: err}
	}

	return &DedupeResult{Source: source.Path, Target: target.Path, Action: ActionSkipped, Err: err}
}

// selectSource chooses which file to keep as the source for hardlinks.
//
// Selection priority:
//  1. First file matching any pathPriority prefix
//  2. Highest nlink (preserves an existing hardlink set)
//  3. Lexicographically first path on tie
func selectSource(group types.DuplicateGroup, pathPriority []string) *types.FileRecord {
	for _, pref := range pathPriority {
		for _, f := range group.Files {
			if strings.HasPrefix(f.Path, pref) {
				return f
			}
		}
	}

	var best *types.FileRecord
	for _, f := range group.Files {
		if best == nil || f.Nlink > best.Nlink || (f.Nlink == best.Nlink && f.Path < best.Path) {
			best = f
		}
	}
	return best
}

func (d *Deduper) sendError(err error) {
	if d.errCh != nil {
		d.errCh <- err
	}
}
