// Package sizephase implements Phase 1 of the duplicate-detection
// pipeline: group scanned files by size, the cheapest and most
// effective filter since files of different sizes can never be
// byte-identical (spec.md §4.8).
//
// This is the one phase that must buffer its entire input: every
// other phase streams size group by size group, but a file's size
// can't be known to have a match until every file has been seen.
package sizephase

import (
	"fmt"
	"time"

	"github.com/ivoronin/dupehound/internal/bloomfilter"
	"github.com/ivoronin/dupehound/internal/progress"
	"github.com/ivoronin/dupehound/internal/types"
)

// Stats summarizes Phase 1, mirroring the counters ScanSummary exposes
// for size grouping (spec.md §3).
type Stats struct {
	UniqueSizes       int
	EliminatedSingles int
	EmptyFiles        int
	BloomPassed       uint64
	BloomDropped      uint64
	startTime         time.Time
}

func (s *Stats) String() string {
	elapsed := time.Since(s.startTime).Truncate(time.Millisecond)
	return fmt.Sprintf("%d unique sizes, %d singletons eliminated, %d empty files skipped in %v",
		s.UniqueSizes, s.EliminatedSingles, s.EmptyFiles, elapsed)
}

// Result is Phase 1's output: every size with at least two surviving
// records, plus the statistics for ScanSummary.
type Result struct {
	Groups map[int64][]*types.FileRecord
	Stats  Stats
}

// Run groups records by size using a two-pass Bloom-filter-accelerated
// strategy: pass one tracks sizes seen so far in a plain set and adds a
// size to the filter only the second time it's observed, so the filter
// ends up holding exactly the sizes that repeat; pass two tests every
// record against the filter and drops it immediately if its size was
// never added (a size seen exactly once, provably unique), then groups
// the survivors and discards any group that turns out to be a singleton
// (a Bloom false positive).
func Run(records []*types.FileRecord, fpRate float64, showProgress bool) Result {
	bar := progress.New(showProgress, -1)
	st := Stats{startTime: time.Now()}

	filter := bloomfilter.NewSized(uint(len(records)), fpRate)
	firstSeen := make(map[int64]struct{})
	for _, r := range records {
		if r.Size == 0 {
			continue
		}
		if _, seen := firstSeen[r.Size]; seen {
			filter.AddSize(r.Size)
			continue
		}
		firstSeen[r.Size] = struct{}{}
	}

	candidates := make(map[int64][]*types.FileRecord)
	for _, r := range records {
		if r.Size == 0 {
			st.EmptyFiles++
			continue
		}
		if !filter.TestSize(r.Size) {
			st.EliminatedSingles++ // exact: this size was only ever seen once, so it's definitely unique
			continue
		}
		candidates[r.Size] = append(candidates[r.Size], r)
	}
	st.BloomPassed, st.BloomDropped = filter.Stats()

	groups := make(map[int64][]*types.FileRecord)
	for size, files := range candidates {
		if len(files) < 2 {
			st.EliminatedSingles++
			continue
		}
		groups[size] = files
	}
	st.UniqueSizes = len(groups)

	bar.Finish(&st)
	return Result{Groups: groups, Stats: st}
}
