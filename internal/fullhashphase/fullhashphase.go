// Package fullhashphase implements Phase 3 of the duplicate-detection
// pipeline: compute full-file hashes for records surviving prehashing
// and emit confirmed DuplicateGroups (spec.md §4.10).
package fullhashphase

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ivoronin/dupehound/internal/cache"
	"github.com/ivoronin/dupehound/internal/hashengine"
	"github.com/ivoronin/dupehound/internal/progress"
	"github.com/ivoronin/dupehound/internal/types"
)

// Stats summarizes Phase 3 for ScanSummary.
type Stats struct {
	CacheHits     int64
	CacheMisses   int64
	Confirmed     int64
	ReclaimBytes  int64
	hashedBytes   int64
	startTime     time.Time
}

func (s *Stats) String() string {
	elapsed := time.Since(s.startTime).Truncate(time.Millisecond)
	return fmt.Sprintf("Full-hashed %s (%d cache hits, %d misses), confirmed %d groups (%s reclaimable) in %v",
		humanize.IBytes(uint64(s.hashedBytes)), s.CacheHits, s.CacheMisses, s.Confirmed,
		humanize.IBytes(uint64(s.ReclaimBytes)), elapsed)
}

// CollisionError reports that two files shared a full hash but
// differed byte-for-byte under paranoid verification — always fatal
// (spec.md §4.10, §8).
type CollisionError struct {
	A, B string
	Hash types.Hash
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("hash collision: %s and %s share %x but differ byte-for-byte", e.A, e.B, e.Hash)
}

// Result is Phase 3's output.
type Result struct {
	Groups []types.DuplicateGroup
	Stats  Stats
	Errors []error
}

// Run computes full hashes for every record in prehashGroups and
// regroups by (size, full hash) into confirmed DuplicateGroups.
//
// When a prehash group has exactly two records and exactly one
// already has a cached full hash, only the other is hashed and the
// two are compared directly (spec.md §4.10's two-item shortcut).
func Run(prehashGroups map[string][]*types.FileRecord, engine *hashengine.Engine, c *cache.Cache,
	ioThreads int, paranoid, strict bool, showProgress bool) (Result, error) {
	if ioThreads <= 0 {
		ioThreads = 4
	}

	bar := progress.New(showProgress, -1)
	st := Stats{startTime: time.Now()}
	sem := types.NewSemaphore(ioThreads)

	var mu sync.Mutex
	var groups []types.DuplicateGroup
	var errs []error
	var abort error

	var wg sync.WaitGroup
	for _, files := range prehashGroups {
		wg.Add(1)
		go func(files []*types.FileRecord) {
			defer wg.Done()

			mu.Lock()
			aborted := abort != nil
			mu.Unlock()
			if aborted {
				return
			}

			byHash, hashErrs := hashGroup(files, engine, c, sem, &st, &mu)

			mu.Lock()
			errs = append(errs, hashErrs...)
			if strict && len(hashErrs) > 0 && abort == nil {
				abort = hashErrs[0]
			}
			mu.Unlock()

			for h, members := range byHash {
				if len(members) < 2 {
					continue
				}
				if paranoid {
					if err := verifyParanoid(h, members); err != nil {
						mu.Lock()
						if abort == nil {
							abort = err
						}
						mu.Unlock()
						continue
					}
				}
				group := types.NewDuplicateGroup(h, members[0].Size, members, nil, false)
				mu.Lock()
				groups = append(groups, group)
				st.Confirmed++
				st.ReclaimBytes += group.ReclaimableBytes()
				mu.Unlock()
			}
		}(files)
	}
	wg.Wait()

	bar.Finish(&st)
	if abort != nil {
		return Result{Stats: st, Errors: errs}, abort
	}
	return Result{Groups: groups, Stats: st, Errors: errs}, nil
}

// hashGroup full-hashes files and buckets records by their resulting
// hash, taking the two-item shortcut when it applies (spec.md §4.10).
func hashGroup(files []*types.FileRecord, engine *hashengine.Engine, c *cache.Cache,
	sem types.Semaphore, st *Stats, mu *sync.Mutex) (map[types.Hash][]*types.FileRecord, []error) {
	if len(files) == 2 {
		if byHash, errs, ok := hashPairShortcut(files[0], files[1], engine, c, st, mu); ok {
			return byHash, errs
		}
	}
	return hashFiles(files, engine, c, sem, st, mu)
}

// hashPairShortcut handles the case where a prehash group has exactly
// two records and exactly one already has a cached full hash: only the
// other record is hashed, and the two hashes are compared directly
// instead of routing both through the general worker pool. ok is false
// when the shortcut doesn't apply (zero or both records cached), in
// which case the caller falls back to hashFiles.
func hashPairShortcut(a, b *types.FileRecord, engine *hashengine.Engine, c *cache.Cache,
	st *Stats, mu *sync.Mutex) (map[types.Hash][]*types.FileRecord, []error, bool) {
	hashA, cachedA := cachedFullHash(a, c)
	hashB, cachedB := cachedFullHash(b, c)
	if cachedA == cachedB {
		return nil, nil, false
	}

	cached, other, cachedHash := a, b, hashA
	if cachedB {
		cached, other, cachedHash = b, a, hashB
	}

	hash, err := engine.FullHash(other.Path, other.Size)
	if err != nil {
		return nil, []error{err}, true
	}
	if c != nil {
		if pre, preErr := engine.Prehash(other.Path); preErr == nil {
			_ = c.InsertFullHash(cache.MetaOf(other), pre, hash)
		}
	}

	mu.Lock()
	st.CacheHits++
	st.CacheMisses++
	st.hashedBytes += other.Size
	mu.Unlock()

	byHash := make(map[types.Hash][]*types.FileRecord)
	if hash == cachedHash {
		byHash[hash] = []*types.FileRecord{cached, other}
	} else {
		byHash[cachedHash] = []*types.FileRecord{cached}
		byHash[hash] = []*types.FileRecord{other}
	}
	return byHash, nil, true
}

// cachedFullHash reports the cached full hash for f without computing
// anything, so the two-item shortcut can tell which of a pair already
// has one.
func cachedFullHash(f *types.FileRecord, c *cache.Cache) (types.Hash, bool) {
	if c == nil {
		return types.Hash{}, false
	}
	hash, ok, err := c.GetFullHash(f.Path, f.Size, f.ModTime, f.Ino, f.HasInode)
	if err != nil || !ok {
		return types.Hash{}, false
	}
	return hash, true
}

// hashFiles full-hashes every record, consulting the cache first, and
// buckets records by their resulting hash.
func hashFiles(files []*types.FileRecord, engine *hashengine.Engine, c *cache.Cache,
	sem types.Semaphore, st *Stats, mu *sync.Mutex) (map[types.Hash][]*types.FileRecord, []error) {
	byHash := make(map[types.Hash][]*types.FileRecord)
	var errs []error
	var localWg sync.WaitGroup
	var localMu sync.Mutex

	for _, f := range files {
		localWg.Add(1)
		go func(f *types.FileRecord) {
			defer localWg.Done()
			sem.Acquire()
			defer sem.Release()

			hash, fromCache, err := lookupOrCompute(f, engine, c)
			localMu.Lock()
			defer localMu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			byHash[hash] = append(byHash[hash], f)

			mu.Lock()
			if fromCache {
				st.CacheHits++
			} else {
				st.CacheMisses++
				st.hashedBytes += f.Size
			}
			mu.Unlock()
		}(f)
	}
	localWg.Wait()
	return byHash, errs
}

func lookupOrCompute(f *types.FileRecord, engine *hashengine.Engine, c *cache.Cache) (types.Hash, bool, error) {
	if c != nil {
		if hash, ok, err := c.GetFullHash(f.Path, f.Size, f.ModTime, f.Ino, f.HasInode); err == nil && ok {
			return hash, true, nil
		}
	}

	full, err := engine.FullHash(f.Path, f.Size)
	if err != nil {
		return types.Hash{}, false, err
	}
	if c != nil {
		pre, preErr := engine.Prehash(f.Path)
		if preErr == nil {
			_ = c.InsertFullHash(cache.MetaOf(f), pre, full)
		}
	}
	return full, false, nil
}

// verifyParanoid does a streaming byte-by-byte comparison of every
// pair in members, which all share a full hash. Any mismatch is a
// hash collision and is always fatal (spec.md §4.10, §8).
func verifyParanoid(hash types.Hash, members []*types.FileRecord) error {
	for i := 1; i < len(members); i++ {
		equal, _, err := bytesEqual(members[0].Path, members[i].Path)
		if err != nil {
			return err
		}
		if !equal {
			return &CollisionError{A: members[0].Path, B: members[i].Path, Hash: hash}
		}
	}
	return nil
}

func bytesEqual(pathA, pathB string) (bool, types.Hash, error) {
	fa, err := os.Open(pathA)
	if err != nil {
		return false, types.Hash{}, err
	}
	defer func() { _ = fa.Close() }()
	fb, err := os.Open(pathB)
	if err != nil {
		return false, types.Hash{}, err
	}
	defer func() { _ = fb.Close() }()

	ra := bufio.NewReaderSize(fa, 64*1024)
	rb := bufio.NewReaderSize(fb, 64*1024)
	bufA := make([]byte, 64*1024)
	bufB := make([]byte, 64*1024)

	for {
		na, errA := io.ReadFull(ra, bufA)
		nb, errB := io.ReadFull(rb, bufB)
		if na != nb || !bytesSliceEqual(bufA[:na], bufB[:nb]) {
			return false, types.Hash{}, nil
		}
		if errA == io.EOF && errB == io.EOF {
			return true, types.Hash{}, nil
		}
		if errA != nil && errA != io.ErrUnexpectedEOF && errA != io.EOF {
			return false, types.Hash{}, errA
		}
		if errB != nil && errB != io.ErrUnexpectedEOF && errB != io.EOF {
			return false, types.Hash{}, errB
		}
		if (errA == io.EOF || errA == io.ErrUnexpectedEOF) != (errB == io.EOF || errB == io.ErrUnexpectedEOF) {
			return false, types.Hash{}, nil
		}
		if errA == io.ErrUnexpectedEOF || errA == io.EOF {
			return true, types.Hash{}, nil
		}
	}
}

func bytesSliceEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
