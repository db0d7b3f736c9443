package walker

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ivoronin/dupehound/internal/pathutil"
	"github.com/ivoronin/dupehound/internal/types"
)

// MultiWalker runs a Walker per root and merges their output, after
// canonicalizing roots and dropping any root that is a prefix of
// another so a file under two overlapping roots is only ever yielded
// once (spec.md §4.3).
type MultiWalker struct {
	roots  []string
	config *Config
	errCh  chan error
}

// NewMultiWalker canonicalizes and deduplicates roots, keeping them in
// sorted order so the resulting OriginTag assignment is deterministic.
func NewMultiWalker(roots []string, config *Config, errCh chan error) (*MultiWalker, error) {
	canon := make([]string, 0, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, err
		}
		canon = append(canon, filepath.Clean(abs))
	}

	sort.Strings(canon)
	canon = dropPrefixedRoots(canon)

	return &MultiWalker{roots: canon, config: config, errCh: errCh}, nil
}

// dropPrefixedRoots removes any root that is a subdirectory of an
// earlier root in sorted order. canon must already be sorted.
func dropPrefixedRoots(canon []string) []string {
	var kept []string
	for _, r := range canon {
		redundant := false
		for _, k := range kept {
			if r == k || strings.HasPrefix(r, k+string(filepath.Separator)) {
				redundant = true
				break
			}
		}
		if !redundant {
			kept = append(kept, r)
		}
	}
	return kept
}

// Roots returns the canonicalized, deduplicated root list that will be
// walked — each root's basename-qualified tag is its own cleaned path.
func (m *MultiWalker) Roots() []string { return m.roots }

// Run walks every root in parallel and merges the results. Each root's
// OriginTag is its own canonicalized path, letting downstream
// reporting attribute a file back to the root it was discovered under.
func (m *MultiWalker) Run() []*types.FileRecord {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var merged []*types.FileRecord

	seen := make(map[string]struct{})

	for _, root := range m.roots {
		wg.Add(1)
		go func(root string) {
			defer wg.Done()
			w := New(root, m.config, root, m.errCh)
			records := w.Run()

			mu.Lock()
			defer mu.Unlock()
			for _, rec := range records {
				key := pathutil.CompareKey(rec.Path)
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				merged = append(merged, rec)
			}
		}(root)
	}

	wg.Wait()
	return merged
}
