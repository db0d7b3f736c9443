// Package walker provides parallel filesystem scanning with the
// filter surface duplicate detection needs: gitignore patterns, regex
// include/exclude, extension categories, size and date bounds, and
// optional symlink following (spec.md §4.3).
//
// # Concurrency model
//
// One goroutine is spawned per directory discovered, limited by a
// semaphore to bound concurrent directory reads; a single collector
// goroutine drains the fan-in channel into the result slice. This is
// the same fan-out/fan-in shape the original scanner used, generalized
// with a richer filter pipeline and multi-root support.
package walker

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/ivoronin/dupehound/internal/hardlink"
	"github.com/ivoronin/dupehound/internal/pathutil"
	"github.com/ivoronin/dupehound/internal/progress"
	"github.com/ivoronin/dupehound/internal/types"
)

// Kind enumerates non-fatal walk failures (spec.md §4.3, §7).
type Kind int

const (
	PermissionDenied Kind = iota
	NotFound
	Other
)

// Error reports a single unreadable entry without stopping the walk.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string { return "scan " + e.Path + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func classify(path string, err error) *Error {
	kind := Other
	switch {
	case os.IsPermission(err):
		kind = PermissionDenied
	case os.IsNotExist(err):
		kind = NotFound
	}
	return &Error{Kind: kind, Path: path, Err: err}
}

// Categories maps a file category name to its member extensions
// (lowercase, with leading dot), the extension-set classes spec.md
// §4.3 calls "file-category classes."
var Categories = map[string][]string{
	"image":    {".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".tiff"},
	"document": {".pdf", ".docx", ".doc", ".txt", ".md", ".odt", ".rtf"},
	"audio":    {".mp3", ".flac", ".wav", ".ogg", ".m4a"},
	"video":    {".mp4", ".mkv", ".avi", ".mov", ".webm"},
	"archive":  {".zip", ".tar", ".gz", ".7z", ".rar", ".xz"},
}

// Config controls which files a Walker yields (spec.md §4.3).
type Config struct {
	FollowSymlinks bool
	SkipHidden     bool
	MinSize        int64 // 0 means no lower bound
	MaxSize        int64 // 0 means no upper bound
	GitignoreLines []string
	IncludeRegex   *regexp.Regexp // matched against basename; nil matches everything
	ExcludeRegex   *regexp.Regexp // matched against basename; nil excludes nothing
	Categories     []string       // selected Categories keys; empty means no category filter
	NewerThan      time.Time      // zero means no lower bound
	OlderThan      time.Time      // zero means no upper bound
	Workers        int
	ShowProgress   bool

	// Shutdown, if non-nil, is polled between directories; when it
	// becomes true the walk terminates without visiting further
	// entries (spec.md §4.3 step 1).
	Shutdown *atomic.Bool
}

func (c *Config) extensionAllowed(path string) bool {
	if len(c.Categories) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, cat := range c.Categories {
		for _, e := range Categories[cat] {
			if e == ext {
				return true
			}
		}
	}
	return false
}

func (c *Config) sizeAllowed(size int64) bool {
	if c.MinSize > 0 && size < c.MinSize {
		return false
	}
	if c.MaxSize > 0 && size > c.MaxSize {
		return false
	}
	return true
}

func (c *Config) dateAllowed(modTime time.Time) bool {
	if !c.NewerThan.IsZero() && modTime.Before(c.NewerThan) {
		return false
	}
	if !c.OlderThan.IsZero() && modTime.After(c.OlderThan) {
		return false
	}
	return true
}

func (c *Config) shuttingDown() bool {
	return c.Shutdown != nil && c.Shutdown.Load()
}

// stats tracks scan progress using atomic counters, read without
// locking by the progress bar and written without locking by every
// walker goroutine.
type stats struct {
	scannedFiles atomic.Int64
	matchedFiles atomic.Int64
	scannedBytes atomic.Int64
	matchedBytes atomic.Int64
	startTime    time.Time
}

func (s *stats) String() string {
	return humanize.IBytes(uint64(s.scannedBytes.Load())) + " scanned, " +
		humanize.IBytes(uint64(s.matchedBytes.Load())) + " matched (" +
		humanize.Comma(s.matchedFiles.Load()) + "/" + humanize.Comma(s.scannedFiles.Load()) + " files)"
}

// Walker traverses a single root, applying Config's filters and the
// hardlink tracker. Single-use: create with New, call Run once.
type Walker struct {
	root   string
	tag    string
	config *Config
	errCh  chan error

	gitignore *ignore.GitIgnore
	hardlinks *hardlink.Tracker

	wg       sync.WaitGroup
	sem      types.Semaphore
	resultCh chan *types.FileRecord
	visited  sync.Map // canonicalized symlinked directories already descended into
	stats    *stats
	bar      *progress.Bar
}

// New creates a Walker rooted at root. tag is propagated to every
// yielded FileRecord's OriginTag (set by MultiWalker for multi-root
// scans; a single-root caller can pass "").
func New(root string, config *Config, tag string, errCh chan error) *Walker {
	w := &Walker{root: root, tag: tag, config: config, errCh: errCh, hardlinks: hardlink.New()}
	w.gitignore = loadGitignore(root, config.GitignoreLines)
	return w
}

func loadGitignore(root string, extra []string) *ignore.GitIgnore {
	lines := append([]string(nil), extra...)
	if data, err := os.ReadFile(filepath.Join(root, ".gitignore")); err == nil {
		lines = append(lines, strings.Split(string(data), "\n")...)
	}
	if len(lines) == 0 {
		return nil
	}
	gi, err := ignore.CompileIgnoreLines(lines...)
	if err != nil {
		return nil
	}
	return gi
}

// Run walks the tree and returns every matching FileRecord. Errors
// encountered along the way are sent to errCh (if non-nil) rather than
// aborting the walk.
func (w *Walker) Run() []*types.FileRecord {
	w.sem = types.NewSemaphore(w.config.Workers)
	w.stats = &stats{startTime: time.Now()}
	w.bar = progress.New(w.config.ShowProgress, -1)
	w.bar.Describe(w.stats)
	w.resultCh = make(chan *types.FileRecord, 1000)

	var collectorWg sync.WaitGroup
	var results []*types.FileRecord
	collectorWg.Add(1)
	go func() {
		defer collectorWg.Done()
		for r := range w.resultCh {
			results = append(results, r)
		}
	}()

	w.walkDirectory(w.root)
	w.wg.Wait()
	close(w.resultCh)
	collectorWg.Wait()

	w.bar.Finish(w.stats)
	return results
}

func (w *Walker) walkDirectory(dir string) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		if w.config.shuttingDown() {
			return
		}

		w.sem.Acquire()
		entries, subdirs, err := w.listDirectory(dir)
		w.sem.Release()
		if err != nil {
			w.sendError(classify(dir, err))
			return
		}

		for _, f := range entries {
			w.stats.scannedFiles.Add(1)
			w.stats.scannedBytes.Add(f.Size)
			w.stats.matchedFiles.Add(1)
			w.stats.matchedBytes.Add(f.Size)
			w.resultCh <- f
		}
		w.bar.Describe(w.stats)

		for _, sub := range subdirs {
			w.walkDirectory(sub)
		}
	}()
}

const batchSize = 1000

// listDirectory reads one directory, applying every filter in
// sequence and consulting the hardlink tracker, per the per-candidate
// pipeline in spec.md §4.3.
func (w *Walker) listDirectory(dirPath string) (files []*types.FileRecord, subdirs []string, err error) {
	dir, err := os.Open(dirPath)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = dir.Close() }()

	for {
		if w.config.shuttingDown() {
			return files, nil, nil
		}

		entries, readErr := dir.ReadDir(batchSize)
		if len(entries) == 0 {
			if readErr != nil && readErr != io.EOF {
				return files, subdirs, readErr
			}
			break
		}

		for _, entry := range entries {
			f, sub, skip := w.processEntry(dirPath, entry)
			if skip {
				continue
			}
			if f != nil {
				files = append(files, f)
			}
			if sub != "" {
				subdirs = append(subdirs, sub)
			}
		}
	}

	return files, subdirs, nil
}

func (w *Walker) processEntry(dirPath string, entry os.DirEntry) (file *types.FileRecord, subdir string, skip bool) {
	name := entry.Name()
	fullPath := filepath.Join(dirPath, name)

	if w.config.SkipHidden && strings.HasPrefix(name, ".") {
		return nil, "", true
	}

	isSymlink := entry.Type()&os.ModeSymlink != 0

	if entry.IsDir() {
		if !w.passesPathFilters(fullPath, true) {
			return nil, "", true
		}
		return nil, fullPath, false
	}

	if isSymlink {
		if !w.config.FollowSymlinks {
			return nil, "", true
		}
		return w.resolveSymlink(fullPath)
	}

	if !entry.Type().IsRegular() {
		return nil, "", true
	}

	info, err := entry.Info()
	if err != nil {
		w.sendError(classify(fullPath, err))
		return nil, "", true
	}

	return w.buildRecord(fullPath, info, false), "", false
}

func (w *Walker) resolveSymlink(path string) (file *types.FileRecord, subdir string, skip bool) {
	target, err := os.Stat(path) // follows the link
	if err != nil {
		w.sendError(classify(path, err))
		return nil, "", true
	}

	if target.IsDir() {
		real, err := filepath.EvalSymlinks(path)
		if err != nil {
			w.sendError(classify(path, err))
			return nil, "", true
		}
		if _, loop := w.visited.LoadOrStore(real, struct{}{}); loop {
			return nil, "", true // already descended into this target: cycle
		}
		if !w.passesPathFilters(path, true) {
			return nil, "", true
		}
		return nil, path, false
	}

	return w.buildRecord(path, target, true), "", false
}

func (w *Walker) buildRecord(path string, info os.FileInfo, symlink bool) *types.FileRecord {
	if !w.passesPathFilters(path, false) {
		return nil
	}
	if !w.config.sizeAllowed(info.Size()) || info.Size() == 0 {
		return nil
	}
	if !w.config.dateAllowed(info.ModTime()) {
		return nil
	}
	if !w.config.extensionAllowed(path) {
		return nil
	}

	rec := &types.FileRecord{
		Path:      path,
		Size:      info.Size(),
		ModTime:   info.ModTime(),
		Symlink:   symlink,
		OriginTag: w.tag,
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		rec.Dev = uint64(stat.Dev) //nolint:unconvert // platform-dependent type
		rec.Ino = stat.Ino
		rec.Nlink = uint32(stat.Nlink)
		rec.HasInode = true
	}

	if w.hardlinks.Observe(rec) == hardlink.DuplicateHardlink {
		return nil
	}

	return rec
}

// passesPathFilters applies gitignore, include/exclude regex, matching
// against the path's basename as spec.md §4.3 requires. Directories
// are checked too so gitignore'd subtrees are pruned entirely.
func (w *Walker) passesPathFilters(path string, isDir bool) bool {
	if w.gitignore != nil {
		rel, err := filepath.Rel(w.root, path)
		if err == nil && w.gitignore.MatchesPath(pathutil.Normalize(rel)) {
			return false
		}
	}
	if isDir {
		return true
	}

	base := filepath.Base(path)
	if w.config.IncludeRegex != nil && !w.config.IncludeRegex.MatchString(base) {
		return false
	}
	if w.config.ExcludeRegex != nil && w.config.ExcludeRegex.MatchString(base) {
		return false
	}
	return true
}

func (w *Walker) sendError(err error) {
	if w.errCh != nil {
		w.errCh <- err
	}
}
