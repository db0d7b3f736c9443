// Package prehashphase implements Phase 2 of the duplicate-detection
// pipeline: compute a cheap prehash for every record surviving size
// grouping, regroup by (size, prehash), and discard anything that
// turns out to be alone (spec.md §4.9).
package prehashphase

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ivoronin/dupehound/internal/bloomfilter"
	"github.com/ivoronin/dupehound/internal/cache"
	"github.com/ivoronin/dupehound/internal/hashengine"
	"github.com/ivoronin/dupehound/internal/progress"
	"github.com/ivoronin/dupehound/internal/types"
)

// Stats summarizes Phase 2 for ScanSummary.
type Stats struct {
	CacheHits    int64
	CacheMisses  int64
	Eliminated   int64
	BloomPassed  uint64
	BloomDropped uint64
	hashedBytes  int64
	startTime    time.Time
}

func (s *Stats) String() string {
	elapsed := time.Since(s.startTime).Truncate(time.Millisecond)
	return fmt.Sprintf("Prehashed %s (%d cache hits, %d misses), %d eliminated in %v",
		humanize.IBytes(uint64(s.hashedBytes)), s.CacheHits, s.CacheMisses, s.Eliminated, elapsed)
}

// Result is Phase 2's output: regrouped surviving records and errors
// collected along the way.
type Result struct {
	Groups map[string][]*types.FileRecord // key: size+prehash, see groupKey
	Stats  Stats
	Errors []error
}

func groupKey(size int64, h types.Hash) string {
	return fmt.Sprintf("%d:%s", size, hex.EncodeToString(h[:]))
}

// Run computes prehashes for every record in sizeGroups using a
// bounded worker pool (ioThreads wide), consulting c first for each
// file. strict aborts the whole phase on the first hashing error
// instead of dropping the offending record.
func Run(sizeGroups map[int64][]*types.FileRecord, engine *hashengine.Engine, c *cache.Cache,
	ioThreads int, fpRate float64, strict bool, showProgress bool) (Result, error) {
	if ioThreads <= 0 {
		ioThreads = 4
	}

	var total int
	for _, files := range sizeGroups {
		total += len(files)
	}

	bar := progress.New(showProgress, -1)
	st := Stats{startTime: time.Now()}
	filter := bloomfilter.NewSized(uint(total), fpRate)

	sem := types.NewSemaphore(ioThreads)
	var wg sync.WaitGroup
	var mu sync.Mutex

	type hashed struct {
		rec  *types.FileRecord
		hash types.Hash
	}
	var survivors []hashed
	var errs []error
	var abort error
	firstSeen := make(map[types.Hash]struct{})

	for _, files := range sizeGroups {
		for _, f := range files {
			wg.Add(1)
			go func(f *types.FileRecord) {
				defer wg.Done()
				sem.Acquire()
				defer sem.Release()

				mu.Lock()
				aborted := abort != nil
				mu.Unlock()
				if aborted {
					return
				}

				hash, fromCache, err := lookupOrCompute(f, engine, c)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if strict && abort == nil {
						abort = err
					}
					errs = append(errs, err)
					return
				}
				if fromCache {
					st.CacheHits++
				} else {
					st.CacheMisses++
					st.hashedBytes += min64(f.Size, hashengine.PrehashSize)
				}
				if _, seen := firstSeen[hash]; seen {
					filter.AddHash(hash)
				} else {
					firstSeen[hash] = struct{}{}
				}
				survivors = append(survivors, hashed{rec: f, hash: hash})
			}(f)
		}
	}
	wg.Wait()

	if abort != nil {
		bar.Finish(&st)
		return Result{Stats: st, Errors: errs}, abort
	}

	groups := make(map[string][]*types.FileRecord)
	for _, h := range survivors {
		if !filter.TestHash(h.hash) {
			continue
		}
		key := groupKey(h.rec.Size, h.hash)
		groups[key] = append(groups[key], h.rec)
	}
	st.BloomPassed, st.BloomDropped = filter.Stats()
	for key, files := range groups {
		if len(files) < 2 {
			delete(groups, key)
			st.Eliminated++
		}
	}

	bar.Finish(&st)
	return Result{Groups: groups, Stats: st, Errors: errs}, nil
}

func lookupOrCompute(f *types.FileRecord, engine *hashengine.Engine, c *cache.Cache) (types.Hash, bool, error) {
	if c != nil {
		if hash, ok, err := c.GetPrehash(f.Path, f.Size, f.ModTime, f.Ino, f.HasInode); err == nil && ok {
			return hash, true, nil
		}
	}

	hash, err := engine.Prehash(f.Path)
	if err != nil {
		return types.Hash{}, false, err
	}
	if c != nil {
		_ = c.InsertPrehash(cache.MetaOf(f), hash)
	}
	return hash, false, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
