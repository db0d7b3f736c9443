// Package similarityphase implements Phase 4 of the duplicate-detection
// pipeline: near-duplicate detection for images and documents left
// over after exact matching (spec.md §4.11).
package similarityphase

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/blake3"

	"github.com/ivoronin/dupehound/internal/bktree"
	"github.com/ivoronin/dupehound/internal/cache"
	"github.com/ivoronin/dupehound/internal/docsim"
	"github.com/ivoronin/dupehound/internal/perceptual"
	"github.com/ivoronin/dupehound/internal/progress"
	"github.com/ivoronin/dupehound/internal/types"
	"github.com/ivoronin/dupehound/internal/walker"
)

// DefaultDocumentThreshold is the default Hamming distance, out of 64
// bits, under which two document fingerprints are considered similar
// (spec.md §4.11).
const DefaultDocumentThreshold = 15

// Config tunes the similarity sub-pipelines. A zero ImageThreshold
// means "use the algorithm's own default."
type Config struct {
	EnableImages      bool
	EnableDocuments   bool
	ImageAlgorithm    perceptual.Algorithm
	ImageThreshold    int
	DocumentThreshold int
	IOThreads         int
	ShowProgress      bool
}

// Stats summarizes Phase 4 for ScanSummary.
type Stats struct {
	ImagesConsidered    int64
	ImageCacheHits      int64
	ImageCacheMisses    int64
	ImageGroups         int64
	DocumentsConsidered int64
	DocumentCacheHits   int64
	DocumentCacheMisses int64
	DocumentGroups      int64
	SuppressedSubsets   int64
	startTime           time.Time
}

func (s *Stats) String() string {
	elapsed := time.Since(s.startTime).Truncate(time.Millisecond)
	return fmt.Sprintf(
		"similarity: %d images (%d groups), %d documents (%d groups), %d redundant groups suppressed, in %v",
		s.ImagesConsidered, s.ImageGroups, s.DocumentsConsidered, s.DocumentGroups, s.SuppressedSubsets, elapsed,
	)
}

// Result is Phase 4's output.
type Result struct {
	Groups []types.DuplicateGroup
	Stats  Stats
	Errors []error
}

// Run finds image and document near-duplicates among files, excluding
// anything already present in an exact group. Each sub-pipeline is
// independent: compute a fingerprint per file (cache-aware), index it,
// query within threshold, and collapse connected components into
// DuplicateGroup entries. Groups that are subsets of an exact group
// are dropped (spec.md §4.11).
func Run(files []*types.FileRecord, exactGroups []types.DuplicateGroup, c *cache.Cache, cfg Config) Result {
	if cfg.IOThreads <= 0 {
		cfg.IOThreads = 4
	}
	bar := progress.New(cfg.ShowProgress, -1)
	st := Stats{startTime: time.Now()}

	exact := make(map[string]struct{})
	for _, g := range exactGroups {
		for _, f := range g.Files {
			exact[f.Path] = struct{}{}
		}
	}

	var images, documents []*types.FileRecord
	for _, f := range files {
		if _, skip := exact[f.Path]; skip {
			continue
		}
		switch category(f.Path) {
		case "image":
			if cfg.EnableImages {
				images = append(images, f)
			}
		case "document":
			if cfg.EnableDocuments {
				documents = append(documents, f)
			}
		}
	}
	st.ImagesConsidered = int64(len(images))
	st.DocumentsConsidered = int64(len(documents))

	var errs []error
	var mu sync.Mutex

	imageGroups := runImages(images, c, cfg, &st, &mu, &errs)
	docGroups := runDocuments(documents, c, cfg, &st, &mu, &errs)

	var groups []types.DuplicateGroup
	for _, g := range imageGroups {
		if subsetOfAny(g, exactGroups) {
			st.SuppressedSubsets++
			continue
		}
		groups = append(groups, g)
	}
	st.ImageGroups = int64(len(groups))
	before := len(groups)
	for _, g := range docGroups {
		if subsetOfAny(g, exactGroups) {
			st.SuppressedSubsets++
			continue
		}
		groups = append(groups, g)
	}
	st.DocumentGroups = int64(len(groups) - before)

	bar.Finish(&st)
	return Result{Groups: groups, Stats: st, Errors: errs}
}

func category(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	for _, candidate := range walker.Categories["image"] {
		if ext == candidate {
			return "image"
		}
	}
	for _, candidate := range walker.Categories["document"] {
		if ext == candidate {
			return "document"
		}
	}
	return ""
}

func runImages(files []*types.FileRecord, c *cache.Cache, cfg Config, st *Stats, mu *sync.Mutex, errs *[]error) []types.DuplicateGroup {
	if len(files) == 0 {
		return nil
	}
	threshold := cfg.ImageThreshold
	if threshold <= 0 {
		threshold = cfg.ImageAlgorithm.DefaultThreshold()
	}
	hasher := perceptual.New(cfg.ImageAlgorithm)
	sem := types.NewSemaphore(cfg.IOThreads)

	hashOf := make(map[string]uint64)
	membersByHash := make(map[uint64][]*types.FileRecord)
	var wg sync.WaitGroup
	for _, f := range files {
		wg.Add(1)
		go func(f *types.FileRecord) {
			defer wg.Done()
			sem.Acquire()
			defer sem.Release()

			hash, fromCache, err := lookupOrComputeImage(f, hasher, c)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				*errs = append(*errs, err)
				return
			}
			if fromCache {
				st.ImageCacheHits++
			} else {
				st.ImageCacheMisses++
			}
			hashOf[f.Path] = hash
			membersByHash[hash] = append(membersByHash[hash], f)
		}(f)
	}
	wg.Wait()

	tree := bktree.New()
	for h := range membersByHash {
		tree.Insert(h)
	}

	dsu := newUnionFind()
	for _, f := range files {
		dsu.add(f.Path)
	}
	for h, members := range membersByHash {
		for _, match := range tree.Find(h, threshold) {
			for _, other := range membersByHash[match.Hash] {
				dsu.union(members[0].Path, other.Path)
			}
		}
		for _, m := range members[1:] {
			dsu.union(members[0].Path, m.Path)
		}
	}

	byFile := make(map[string]*types.FileRecord, len(files))
	for _, f := range files {
		byFile[f.Path] = f
	}
	return buildGroups(dsu, byFile)
}

func runDocuments(files []*types.FileRecord, c *cache.Cache, cfg Config, st *Stats, mu *sync.Mutex, errs *[]error) []types.DuplicateGroup {
	if len(files) == 0 {
		return nil
	}
	threshold := cfg.DocumentThreshold
	if threshold <= 0 {
		threshold = DefaultDocumentThreshold
	}
	extractor := docsim.NewExtractor()
	fingerprinter := docsim.NewFingerprinter()
	sem := types.NewSemaphore(cfg.IOThreads)

	membersByHash := make(map[uint64][]*types.FileRecord)
	var wg sync.WaitGroup
	for _, f := range files {
		wg.Add(1)
		go func(f *types.FileRecord) {
			defer wg.Done()
			sem.Acquire()
			defer sem.Release()

			hash, fromCache, err := lookupOrComputeDocument(f, extractor, fingerprinter, c)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				*errs = append(*errs, err)
				return
			}
			if fromCache {
				st.DocumentCacheHits++
			} else {
				st.DocumentCacheMisses++
			}
			membersByHash[hash] = append(membersByHash[hash], f)
		}(f)
	}
	wg.Wait()

	index := bktree.NewDocIndex()
	for h := range membersByHash {
		index.Insert(h)
	}

	dsu := newUnionFind()
	for _, f := range files {
		dsu.add(f.Path)
	}
	for h, members := range membersByHash {
		for _, match := range index.Find(h, threshold) {
			for _, other := range membersByHash[match.Hash] {
				dsu.union(members[0].Path, other.Path)
			}
		}
		for _, m := range members[1:] {
			dsu.union(members[0].Path, m.Path)
		}
	}

	byFile := make(map[string]*types.FileRecord, len(files))
	for _, f := range files {
		byFile[f.Path] = f
	}
	return buildGroups(dsu, byFile)
}

func lookupOrComputeImage(f *types.FileRecord, hasher *perceptual.Hasher, c *cache.Cache) (uint64, bool, error) {
	if c != nil {
		if hash, ok, err := c.GetPerceptualHash(f.Path, f.Size, f.ModTime, f.Ino, f.HasInode); err == nil && ok {
			return hash, true, nil
		}
	}
	hash, err := hasher.Compute(f.Path)
	if err != nil {
		return 0, false, err
	}
	if c != nil {
		_ = c.InsertPerceptualHash(cache.MetaOf(f), hash)
	}
	return hash, false, nil
}

func lookupOrComputeDocument(f *types.FileRecord, extractor *docsim.Extractor, fingerprinter *docsim.Fingerprinter, c *cache.Cache) (uint64, bool, error) {
	if c != nil {
		if hash, ok, err := c.GetDocumentFingerprint(f.Path, f.Size, f.ModTime, f.Ino, f.HasInode); err == nil && ok {
			return hash, true, nil
		}
	}
	text, err := extractor.ExtractText(f.Path)
	if err != nil {
		return 0, false, err
	}
	hash := fingerprinter.Compute(text)
	if c != nil {
		_ = c.InsertDocumentFingerprint(cache.MetaOf(f), hash)
	}
	return hash, false, nil
}

// buildGroups collapses union-find components of size >= 2 into
// DuplicateGroup entries, each identified by a hash of its sorted
// member paths (these are fingerprint matches, not content hashes, so
// there is no natural identity hash to reuse).
func buildGroups(dsu *unionFind, byFile map[string]*types.FileRecord) []types.DuplicateGroup {
	components := dsu.components()
	var groups []types.DuplicateGroup
	for _, paths := range components {
		if len(paths) < 2 {
			continue
		}
		sort.Strings(paths)
		members := make([]*types.FileRecord, 0, len(paths))
		var size int64
		for _, p := range paths {
			f := byFile[p]
			members = append(members, f)
			if f.Size > size {
				size = f.Size
			}
		}
		groups = append(groups, types.NewDuplicateGroup(groupID(paths), size, members, nil, true))
	}
	return groups
}

func groupID(sortedPaths []string) types.Hash {
	h := blake3.New()
	for _, p := range sortedPaths {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

func subsetOfAny(g types.DuplicateGroup, others []types.DuplicateGroup) bool {
	for _, o := range others {
		if g.IsSubsetOf(o) {
			return true
		}
	}
	return false
}

// unionFind is a minimal disjoint-set over file paths, used to collapse
// pairwise similarity matches into connected components.
type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string)}
}

func (u *unionFind) add(x string) {
	if _, ok := u.parent[x]; !ok {
		u.parent[x] = x
	}
}

func (u *unionFind) find(x string) string {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b string) {
	u.add(a)
	u.add(b)
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}

func (u *unionFind) components() map[string][]string {
	out := make(map[string][]string)
	for x := range u.parent {
		root := u.find(x)
		out[root] = append(out[root], x)
	}
	return out
}
